// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport implements the JSON-RPC 2.0 framing that backend-B's
// app-server speaks over subprocess stdio (and, identically, over a
// websocket), per spec §4.4. It owns request/response/notification
// correlation; callers never see raw bytes.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// rpcRequest is an outbound JSON-RPC 2.0 call.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcMessage is the generic inbound shape; exactly one of Result/Error/Method
// is meaningful depending on classification (§4.4).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// ByteStream is the minimal framed transport a JSONRPC needs: send a single
// message, receive the next single message, and close. StdioTransport and
// WebsocketTransport both implement it.
type ByteStream interface {
	Send(ctx context.Context, message []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Notification is a server-initiated message with no matching pending
// request (e.g. item/agentMessage/delta, turn/completed).
type Notification struct {
	Method string
	Params json.RawMessage
}

// JSONRPC multiplexes request/response/notification traffic over a
// ByteStream. One instance serves one subprocess/socket.
type JSONRPC struct {
	stream ByteStream
	logger *zap.Logger

	nextID  int64
	pending sync.Map // int64 -> chan *rpcMessage

	onNotification func(Notification)

	healthy atomic.Bool
	closeOnce sync.Once
	done    chan struct{}
}

// New wraps a ByteStream in a JSONRPC multiplexer and starts its reader loop.
func New(stream ByteStream, logger *zap.Logger, onNotification func(Notification)) *JSONRPC {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &JSONRPC{
		stream:         stream,
		logger:         logger,
		onNotification: onNotification,
		done:           make(chan struct{}),
	}
	j.healthy.Store(true)
	go j.readLoop()
	return j
}

// Healthy reports whether the reader loop is still alive (§4.4 `_healthy`).
func (j *JSONRPC) Healthy() bool { return j.healthy.Load() }

func (j *JSONRPC) readLoop() {
	defer j.healthy.Store(false)
	ctx := context.Background()
	for {
		raw, err := j.stream.Receive(ctx)
		if err != nil {
			select {
			case <-j.done:
				return
			default:
			}
			j.logger.Warn("transport read failed, marking unhealthy", zap.Error(err))
			j.failAllPending(err)
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			j.logger.Warn("dropping unparseable message", zap.Error(err))
			continue
		}

		switch {
		case msg.ID != nil && (msg.Result != nil || msg.Error != nil):
			// Response to a pending request.
			if ch, ok := j.pending.LoadAndDelete(*msg.ID); ok {
				ch.(chan *rpcMessage) <- &msg
			}
		case msg.Method != "" && msg.ID != nil:
			// Server-initiated request: not expected from an app-server.
			j.logger.Warn("dropping unexpected server-initiated request", zap.String("method", msg.Method))
		case msg.Method != "":
			if j.onNotification != nil {
				j.onNotification(Notification{Method: msg.Method, Params: msg.Params})
			}
		default:
			j.logger.Warn("dropping message matching no classification")
		}
	}
}

func (j *JSONRPC) failAllPending(err error) {
	j.pending.Range(func(key, value any) bool {
		j.pending.Delete(key)
		value.(chan *rpcMessage) <- &rpcMessage{Error: &rpcError{Code: -1, Message: err.Error()}}
		return true
	})
}

// SendRequest sends a call and blocks until its response arrives, the
// timeout elapses, or ctx is cancelled.
func (j *JSONRPC) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := atomic.AddInt64(&j.nextID, 1)
	ch := make(chan *rpcMessage, 1)
	j.pending.Store(id, ch)

	if err := j.send(ctx, id, method, params); err != nil {
		j.pending.Delete(id)
		return nil, err
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		j.pending.Delete(id)
		return nil, ctx.Err()
	case <-timer.C:
		j.pending.Delete(id)
		return nil, fmt.Errorf("rpc request %q timed out after %s", method, timeout)
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

// SendRequestNoWait sends a call whose response arrives as a notification
// stream instead of a synchronous reply (the app-server's turn/start
// pattern) and returns the request id used.
func (j *JSONRPC) SendRequestNoWait(ctx context.Context, method string, params any) (int64, error) {
	id := atomic.AddInt64(&j.nextID, 1)
	return id, j.send(ctx, id, method, params)
}

// SendNotification sends a fire-and-forget message with no id.
func (j *JSONRPC) SendNotification(ctx context.Context, method string, params any) error {
	return j.send(ctx, 0, method, params)
}

func (j *JSONRPC) send(ctx context.Context, id int64, method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := j.stream.Send(ctx, b); err != nil {
		j.healthy.Store(false)
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// Close tears down the reader loop and the underlying stream.
func (j *JSONRPC) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.done)
		err = j.stream.Close()
		j.failAllPending(fmt.Errorf("transport closed"))
	})
	return err
}
