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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeByteStream is an in-memory ByteStream: Send appends to a log a test
// can inspect, Receive blocks on an inbound queue until fed or closed.
type fakeByteStream struct {
	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed chan struct{}
}

func newFakeByteStream() *fakeByteStream {
	return &fakeByteStream{inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeByteStream) Send(ctx context.Context, message []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, message)
	f.mu.Unlock()
	return nil
}

func (f *fakeByteStream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.inbox:
		return b, nil
	case <-f.closed:
		return nil, errors.New("stream closed")
	}
}

func (f *fakeByteStream) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeByteStream) push(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.inbox <- b
}

func (f *fakeByteStream) lastSentMethod(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	var req rpcRequest
	require.NoError(t, json.Unmarshal(f.sent[len(f.sent)-1], &req))
	return req.Method
}

func TestSendRequest_CorrelatesResponseByID(t *testing.T) {
	stream := newFakeByteStream()
	rpc := New(stream, nil, nil)
	defer rpc.Close()

	go func() {
		require.Eventually(t, func() bool { return stream.lastSentMethod(t) == "ping" }, time.Second, time.Millisecond)
		stream.push(t, map[string]any{"jsonrpc": "2.0", "id": 1, "result": map[string]string{"pong": "ok"}})
	}()

	result, err := rpc.SendRequest(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":"ok"}`, string(result))
}

func TestSendRequest_TimesOutWithoutResponse(t *testing.T) {
	stream := newFakeByteStream()
	rpc := New(stream, nil, nil)
	defer rpc.Close()

	_, err := rpc.SendRequest(context.Background(), "slow", nil, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestSendRequest_SurfacesRPCError(t *testing.T) {
	stream := newFakeByteStream()
	rpc := New(stream, nil, nil)
	defer rpc.Close()

	go func() {
		require.Eventually(t, func() bool { return stream.lastSentMethod(t) == "fail" }, time.Second, time.Millisecond)
		stream.push(t, map[string]any{"jsonrpc": "2.0", "id": 1, "error": map[string]any{"code": 7, "message": "nope"}})
	}()

	_, err := rpc.SendRequest(context.Background(), "fail", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestNotification_DeliveredToCallback(t *testing.T) {
	stream := newFakeByteStream()

	received := make(chan Notification, 1)
	rpc := New(stream, nil, func(n Notification) { received <- n })
	defer rpc.Close()

	stream.push(t, map[string]any{"jsonrpc": "2.0", "method": "turn/completed", "params": map[string]string{"status": "ok"}})

	select {
	case n := <-received:
		assert.Equal(t, "turn/completed", n.Method)
	case <-time.After(time.Second):
		t.Fatal("notification was never delivered")
	}
}

func TestHealthy_FalseAfterTransportFailure(t *testing.T) {
	stream := newFakeByteStream()
	rpc := New(stream, nil, nil)

	assert.True(t, rpc.Healthy())
	stream.Close()

	require.Eventually(t, func() bool { return !rpc.Healthy() }, time.Second, time.Millisecond)
}

func TestClose_FailsPendingRequests(t *testing.T) {
	stream := newFakeByteStream()
	rpc := New(stream, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := rpc.SendRequest(context.Background(), "never-answered", nil, 5*time.Second)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return stream.lastSentMethod(t) == "never-answered" }, time.Second, time.Millisecond)
	require.NoError(t, rpc.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close must unblock pending SendRequest calls")
	}
}
