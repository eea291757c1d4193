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

// Package backenda implements the backend-A provider: an in-process client
// library that yields typed streaming message objects (modeled on
// anthropic-sdk-go's Messages.NewStreaming, per spec §4.1/§4.5). Backend-A
// supports post-tool-use hooks (§4.10). Tool calls named "*__memorize" get
// no hook; only Parser.ParseMessage (a completed content list) turns them
// into MemoryEntries, and the streaming Parser.Parse does not.
package backenda

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/teradata-labs/roomorc/pkg/backend"
	"github.com/teradata-labs/roomorc/pkg/types"
)

// Options is backend-A's ClientOptions variant.
type Options struct {
	APIKey      string
	Model       string
	SystemPrompt string
	ResumeSessionID string
	Hooks       backend.Hooks
}

func (o Options) Backend() types.BackendName { return types.BackendA }
func (o Options) SessionID() string           { return o.ResumeSessionID }
func (o Options) WithSessionID(id string) backend.ClientOptions {
	o.ResumeSessionID = id
	return o
}

// Provider implements backend.Provider for backend-A.
type Provider struct {
	APIKeyFunc func() string
	Model      string
}

func New(apiKeyFunc func() string, model string) *Provider {
	return &Provider{APIKeyFunc: apiKeyFunc, Model: model}
}

func (p *Provider) Type() types.BackendName { return types.BackendA }

func (p *Provider) BuildOptions(base backend.ClientOptions, hooks backend.Hooks) (backend.ClientOptions, error) {
	opts := Options{
		APIKey: p.APIKeyFunc(),
		Model:  p.Model,
		Hooks:  hooks,
	}
	if base != nil {
		opts.ResumeSessionID = base.SessionID()
	}
	return opts, nil
}

func (p *Provider) CreateClient(opts backend.ClientOptions) (backend.Client, error) {
	o, ok := opts.(Options)
	if !ok {
		return nil, fmt.Errorf("backenda: unexpected options type %T", opts)
	}
	return &Client{opts: o}, nil
}

func (p *Provider) Parser() backend.StreamParser { return Parser{} }

func (p *Provider) CheckAvailability(ctx context.Context) bool {
	return p.APIKeyFunc() != ""
}

func (p *Provider) SessionFieldName() string { return "resume_session_id" }

// Client is backend-A's live connection. It wraps an anthropic.Client and a
// synthetic event channel fed by the streaming call.
type Client struct {
	mu      sync.Mutex
	opts    Options
	sdk     *anthropic.Client
	events  chan backend.RawEvent
	errs    chan error
	session string
}

func (c *Client) Connect(ctx context.Context) error {
	cl := anthropic.NewClient()
	c.sdk = &cl
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	return nil
}

// Query starts a streaming turn. Content blocks carrying images have already
// been re-encoded by pkg/imagecodec before reaching here (§4.1); today that
// means PNG rather than backend-A's preferred WebP, since no pure-Go WebP
// encoder ships in this module's dependency set (see pkg/imagecodec and
// DESIGN.md).
func (c *Client) Query(ctx context.Context, blocks []types.ContentBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model: anthropic.Model(c.opts.Model),
	}
	if c.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.opts.SystemPrompt}}
	}

	var contentBlocks []anthropic.ContentBlockParamUnion
	for _, b := range blocks {
		switch b.Kind {
		case types.ContentText:
			contentBlocks = append(contentBlocks, anthropic.NewTextBlock(b.Text))
		case types.ContentImage:
			contentBlocks = append(contentBlocks, anthropic.NewImageBlockBase64(b.Image.MediaType, b.Image.Base64))
		}
	}
	params.Messages = []anthropic.MessageParam{anthropic.NewUserMessage(contentBlocks...)}

	c.events = make(chan backend.RawEvent, 64)
	c.errs = make(chan error, 1)
	hooks := c.opts.Hooks

	go func() {
		defer close(c.events)
		defer close(c.errs)

		type pendingTool struct {
			name string
			json strings.Builder
		}
		pending := make(map[int64]*pendingTool)

		stream := c.sdk.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "content_block_start":
				if event.ContentBlock.Type == "tool_use" {
					pending[event.Index] = &pendingTool{name: event.ContentBlock.Name}
				}
			case "content_block_delta":
				if event.Delta.Type == "input_json_delta" {
					if p, ok := pending[event.Index]; ok {
						p.json.WriteString(event.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				if p, ok := pending[event.Index]; ok {
					fireToolHooks(hooks, p.name, p.json.String())
					delete(pending, event.Index)
				}
			}

			select {
			case c.events <- event:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case c.errs <- err:
			default:
			}
		}
	}()

	return nil
}

// fireToolHooks matches completed tool_use blocks against the two hook
// tools named in §4.10: "*__skip" and "*__policy_check". "*__memorize" is
// not handled here; the streaming Parser.Parse does not record it either,
// so a streamed memorize call yields no MemoryEntry. Only
// Parser.ParseMessage, for a completed content list, produces them.
func fireToolHooks(hooks backend.Hooks, name, inputJSON string) {
	switch {
	case strings.HasSuffix(name, "__skip"):
		if hooks.OnSkip != nil {
			hooks.OnSkip()
		}
	case strings.HasSuffix(name, "__policy_check"):
		var input struct {
			Situation string `json:"situation"`
		}
		if err := json.Unmarshal([]byte(inputJSON), &input); err == nil && hooks.OnPolicyCheck != nil {
			hooks.OnPolicyCheck(input.Situation)
		}
	}
}

func (c *Client) ReceiveResponse(ctx context.Context) (<-chan backend.RawEvent, <-chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events, c.errs
}

func (c *Client) Interrupt(ctx context.Context) error {
	// anthropic-sdk-go's streaming iterator has no wire-level "stop
	// generating" RPC of its own (unlike the Claude Agent SDK's
	// ClaudeSDKClient.interrupt(), which the Python original calls here).
	// The real stop signal is agentmanager.Manager cancelling the turn's
	// context, which unblocks the Query/ReceiveResponse select loop; this
	// method stays as the hook point client.Interrupt callers always invoke
	// first; it is a no-op today, not the interruption mechanism itself.
	return nil
}

func (c *Client) SessionID() string { return c.session }

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

// Parser converts anthropic.MessageStreamEventUnion values into
// ParsedStreamMessage, per §4.5.
type Parser struct{}

func (Parser) Parse(raw backend.RawEvent, accumResponse, accumThinking string) types.ParsedStreamMessage {
	out := types.ParsedStreamMessage{ResponseText: accumResponse, ThinkingText: accumThinking}

	event, ok := raw.(anthropic.MessageStreamEventUnion)
	if !ok {
		return out
	}

	switch event.Type {
	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			out.ResponseText = accumResponse + event.Delta.Text
		case "thinking_delta":
			out.ThinkingText = accumThinking + event.Delta.Thinking
		}
	case "content_block_start":
		if event.ContentBlock.Type == "tool_use" {
			name := event.ContentBlock.Name
			if strings.HasSuffix(name, "__memorize") {
				// Nothing is recorded: the tool input arrives in later
				// events, which Parse does not accumulate, so no MemoryEntry
				// comes from the streaming path. ParseMessage below handles
				// a completed "content" list.
			}
		}
	case "message_stop":
		out.IsCompleted = true
	}

	return out
}

// ParseMessage handles backend-A's non-streaming/completed shape: a message
// with a content list of {type:"text"}, {type:"thinking"}, {type:"tool_use"}
// blocks, matching §4.5's "Backend-A raw shapes".
func (Parser) ParseMessage(content []anthropic.ContentBlockUnion, accumResponse, accumThinking string) types.ParsedStreamMessage {
	out := types.ParsedStreamMessage{ResponseText: accumResponse, ThinkingText: accumThinking}
	for _, block := range content {
		switch block.Type {
		case "text":
			out.ResponseText += block.Text
		case "thinking":
			out.ThinkingText += block.Thinking
		case "tool_use":
			if strings.HasSuffix(block.Name, "__memorize") {
				if text, ok := block.Input["memory_entry"].(string); ok {
					out.MemoryEntries = append(out.MemoryEntries, types.MemoryEntry{Text: text})
				}
			}
		}
	}
	return out
}

var _ backend.Provider = (*Provider)(nil)
var _ backend.Client = (*Client)(nil)
var _ backend.StreamParser = Parser{}
