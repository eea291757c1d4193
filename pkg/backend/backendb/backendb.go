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

// Package backendb implements the backend-B provider: a JSON-RPC app server
// run as a subprocess (or reached over a websocket), speaking the
// thread/turn protocol described in spec §4.1, §4.5 and §6. Backend-B has no
// hook mechanism of its own; skip/memorize/policy_check signals are instead
// recovered by Parser matching tool-call item names (§4.5, §4.10).
package backendb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/teradata-labs/roomorc/pkg/backend"
	"github.com/teradata-labs/roomorc/pkg/transport"
	"github.com/teradata-labs/roomorc/pkg/types"
)

// Options is backend-B's ClientOptions variant. Its session field is a
// thread id rather than a resume token (§6 SessionFieldName == "thread_id").
type Options struct {
	ThreadID string
	SystemPrompt string
	Hooks        backend.Hooks
}

func (o Options) Backend() types.BackendName { return types.BackendB }
func (o Options) SessionID() string           { return o.ThreadID }
func (o Options) WithSessionID(id string) backend.ClientOptions {
	o.ThreadID = id
	return o
}

// InstanceHandle is a lease on one app-server subprocess instance. Lock/
// Unlock implement the instance's single "request lock" (§4.3: only one
// turn may be in flight per instance, so same-thread follow-ups serialize);
// callers hold it for the duration of one turn, not for the lifetime of the
// connection.
type InstanceHandle interface {
	Stream() transport.ByteStream
	Lock()
	Unlock()
}

// Spawner starts (or locates) the app server instance backing a task and
// returns a handle to it. It is supplied by pkg/pool, which owns app-server
// lifecycle and thread ownership (§4.3); backendb itself never spawns
// subprocesses directly so that pooling/eviction stays in one place.
type Spawner interface {
	Acquire(ctx context.Context, threadID string) (InstanceHandle, error)
}

// Provider implements backend.Provider for backend-B.
type Provider struct {
	Spawner Spawner
}

func New(spawner Spawner) *Provider {
	return &Provider{Spawner: spawner}
}

func (p *Provider) Type() types.BackendName { return types.BackendB }

func (p *Provider) BuildOptions(base backend.ClientOptions, hooks backend.Hooks) (backend.ClientOptions, error) {
	opts := Options{Hooks: hooks}
	if base != nil {
		opts.ThreadID = base.SessionID()
	}
	return opts, nil
}

func (p *Provider) CreateClient(opts backend.ClientOptions) (backend.Client, error) {
	o, ok := opts.(Options)
	if !ok {
		return nil, fmt.Errorf("backendb: unexpected options type %T", opts)
	}
	return &Client{opts: o, spawner: p.Spawner}, nil
}

func (p *Provider) Parser() backend.StreamParser { return Parser{} }

func (p *Provider) CheckAvailability(ctx context.Context) bool {
	return p.Spawner != nil
}

func (p *Provider) SessionFieldName() string { return "thread_id" }

// Client drives one app-server thread through start/turn/interrupt/resume.
type Client struct {
	mu      sync.Mutex
	opts    Options
	spawner Spawner
	handle  InstanceHandle
	rpc     *transport.JSONRPC

	notifications chan backend.RawEvent
	errs          chan error
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	handle, err := c.spawner.Acquire(ctx, c.opts.ThreadID)
	if err != nil {
		return fmt.Errorf("acquire app server: %w", err)
	}
	c.handle = handle

	c.notifications = make(chan backend.RawEvent, 64)
	c.errs = make(chan error, 1)

	c.rpc = transport.New(handle.Stream(), nil, func(n transport.Notification) {
		select {
		case c.notifications <- n:
		default:
		}

		if n.Method == "turn/completed" {
			c.handle.Unlock()
		}
	})

	if c.opts.ThreadID == "" {
		result, err := c.rpc.SendRequest(ctx, "thread/start", map[string]any{
			"system_prompt": c.opts.SystemPrompt,
		}, 0)
		if err != nil {
			return fmt.Errorf("thread/start: %w", err)
		}
		var started struct {
			ThreadID string `json:"threadId"`
		}
		if err := json.Unmarshal(result, &started); err != nil {
			return fmt.Errorf("decode thread/start result: %w", err)
		}
		c.opts.ThreadID = started.ThreadID
	} else {
		if _, err := c.rpc.SendRequest(ctx, "thread/resume", map[string]any{
			"threadId": c.opts.ThreadID,
		}, 0); err != nil {
			if isThreadNotFound(err) {
				return &backend.SessionRecoveryError{OldThreadID: c.opts.ThreadID}
			}
			return fmt.Errorf("thread/resume: %w", err)
		}
	}

	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		return nil
	}
	return c.rpc.Close()
}

// Query starts a turn. Image blocks are sent as {type:"image", mediaType,
// data} items carrying the block's media type and raw base64 payload.
// Backend-B only accepts PNG (§4.1); pkg/orchestrator runs each image
// through pkg/imagecodec, which emits PNG, before it reaches Client.Query
// (forwarding the original bytes if that conversion fails), so no
// conversion happens here.
func (c *Client) Query(ctx context.Context, blocks []types.ContentBlock) error {
	c.mu.Lock()
	rpc := c.rpc
	handle := c.handle
	threadID := c.opts.ThreadID
	c.mu.Unlock()

	if rpc == nil {
		return fmt.Errorf("backendb: client not connected")
	}

	// Held until the turn/completed notification fires (see Connect's
	// onNotification callback), serializing follow-up turns on one instance.
	handle.Lock()

	items := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case types.ContentText:
			items = append(items, map[string]any{"type": "text", "text": b.Text})
		case types.ContentImage:
			items = append(items, map[string]any{
				"type":      "image",
				"mediaType": b.Image.MediaType,
				"data":      b.Image.Base64,
			})
		}
	}

	_, err := rpc.SendRequestNoWait(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    items,
	})
	if err != nil {
		handle.Unlock()
	}
	return err
}

func (c *Client) ReceiveResponse(ctx context.Context) (<-chan backend.RawEvent, <-chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifications, c.errs
}

func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	rpc := c.rpc
	threadID := c.opts.ThreadID
	c.mu.Unlock()

	if rpc == nil {
		return nil
	}
	_, err := rpc.SendRequest(ctx, "turn/interrupt", map[string]any{"threadId": threadID}, 0)
	return err
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.ThreadID
}

func (c *Client) SetOptions(opts backend.ClientOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := opts.(Options); ok {
		c.opts = o
	}
}

func (c *Client) Options() backend.ClientOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Parser converts backend-B notifications into ParsedStreamMessage.
type Parser struct{}

func (Parser) Parse(raw backend.RawEvent, accumResponse, accumThinking string) types.ParsedStreamMessage {
	out := types.ParsedStreamMessage{ResponseText: accumResponse, ThinkingText: accumThinking}

	note, ok := raw.(transport.Notification)
	if !ok {
		return out
	}

	switch note.Method {
	case "item/agentMessage/delta":
		var p struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(note.Params, &p); err == nil {
			out.ResponseText = accumResponse + p.Delta
		}
	case "item/reasoning/textDelta":
		var p struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(note.Params, &p); err == nil {
			out.ThinkingText = accumThinking + p.Delta
		}
	case "turn/started":
		// no text to accumulate; signals the turn id is live.
	case "turn/completed":
		var p struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(note.Params, &p); err == nil && p.Status == "error" {
			out.ErrorText = "backend-b turn reported status=error"
		}
		out.IsCompleted = true
	case "thread/started":
		var p struct {
			ThreadID string `json:"threadId"`
		}
		if err := json.Unmarshal(note.Params, &p); err == nil {
			sid := p.ThreadID
			out.SessionID = &sid
		}
	case "response_item":
		parseResponseItem(note.Params, &out)
	}

	return out
}

// responseItemContent mirrors the content list inside a response_item
// notification: output_text/text carry response prose, reasoning carries
// thinking, tool_use carries the mcp_tool_call items backend-B uses for
// skip/memorize/policy_check (§4.5, §4.10).
type responseItemContent struct {
	Type   string          `json:"type"`
	Text   string          `json:"text"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

func parseResponseItem(params json.RawMessage, out *types.ParsedStreamMessage) {
	var item struct {
		Role    string                `json:"role"`
		Content []responseItemContent `json:"content"`
	}
	if err := json.Unmarshal(params, &item); err != nil || item.Role != "assistant" {
		return
	}

	for _, block := range item.Content {
		switch block.Type {
		case "output_text", "text":
			out.ResponseText += block.Text
		case "reasoning":
			out.ThinkingText += block.Text
		case "tool_use", "mcp_tool_call":
			interpretToolCall(block, out)
		}
	}
}

func interpretToolCall(block responseItemContent, out *types.ParsedStreamMessage) {
	name := block.Name
	switch {
	case strings.HasSuffix(name, "__memorize"):
		var args struct {
			MemoryEntry string `json:"memory_entry"`
		}
		if json.Unmarshal(block.Input, &args) == nil && args.MemoryEntry != "" {
			out.MemoryEntries = append(out.MemoryEntries, types.MemoryEntry{Text: args.MemoryEntry})
		}
	case strings.HasSuffix(name, "__skip"):
		out.SkipUsed = true
	case strings.HasSuffix(name, "__policy_check"):
		var args struct {
			Situation string `json:"situation"`
		}
		if json.Unmarshal(block.Input, &args) == nil {
			out.PolicyCheckCalls = append(out.PolicyCheckCalls, types.PolicyCheckCall{Situation: args.Situation})
		}
	}
}

func isThreadNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found") ||
		strings.Contains(strings.ToLower(err.Error()), "unknown thread")
}

var _ backend.Provider = (*Provider)(nil)
var _ backend.Client = (*Client)(nil)
var _ backend.StreamParser = Parser{}
