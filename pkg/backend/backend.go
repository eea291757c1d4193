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

// Package backend defines the uniform Provider/Client/StreamParser
// abstraction over backend-A (an in-process streaming library) and
// backend-B (a JSON-RPC subprocess "app server"), per spec §4.1. The
// orchestrator and pools are written entirely against these interfaces and
// never branch on backend name except where §4.8 explicitly calls for it
// (prompt selection, image format).
package backend

import (
	"context"

	"github.com/teradata-labs/roomorc/pkg/types"
)

// RawEvent is an opaque event yielded by Client.ReceiveResponse. Its shape
// is backend-specific; only the matching StreamParser may interpret it.
type RawEvent any

// Hooks are the post-tool-use hook matchers backend-A registers (§4.10).
// Backend-B has no hook mechanism; its Provider implementation ignores this
// argument, and the same signals are instead recovered by its StreamParser
// matching on tool-call items (§4.5).
type Hooks struct {
	// OnPolicyCheck is invoked with the `situation` input of a policy_check
	// tool call.
	OnPolicyCheck func(situation string)
	// OnSkip is invoked when the agent invokes the skip tool.
	OnSkip func()
}

// ClientOptions is a tagged sum with one variant per backend (§9 "Design
// notes": replace dynamically-typed options objects with a sum type whose
// SessionID() is the only thing pool code ever reads).
type ClientOptions interface {
	Backend() types.BackendName
	SessionID() string
	WithSessionID(id string) ClientOptions
}

// Client is a live connection capable of running one turn at a time for a
// single (room, agent) task.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Query(ctx context.Context, blocks []types.ContentBlock) error
	ReceiveResponse(ctx context.Context) (<-chan RawEvent, <-chan error)
	Interrupt(ctx context.Context) error
	SessionID() string
	SetOptions(opts ClientOptions)
	Options() ClientOptions
}

// StreamParser converts a backend-specific RawEvent into the unified,
// additive ParsedStreamMessage shape (§4.5). Implementations are pure: the
// accumulated response/thinking text passed in is never mutated, only
// extended in the returned value.
type StreamParser interface {
	Parse(raw RawEvent, accumResponse, accumThinking string) types.ParsedStreamMessage
}

// SessionRecoveryError is raised when backend-B reports that a persisted
// thread id is unknown — a failed thread/resume (§4.12). The response
// generator catches this once, rebuilds full-history context, and retries
// with a cleared session id.
type SessionRecoveryError struct {
	OldThreadID string
}

func (e *SessionRecoveryError) Error() string {
	return "session recovery required: thread id " + e.OldThreadID + " is no longer valid"
}

type agentKeyCtxKey struct{}

// WithAgentKey attaches the persona-derived pool key an app-server spawn
// should use (§4.3's "agent_key (the pool key)"). Defined here, rather than
// in pkg/pool, so both pkg/pool (the consumer, via backendb.Spawner) and
// pkg/agentmanager (the setter, ahead of every Connect/Query call) can reach
// it without agentmanager importing pkg/pool directly.
func WithAgentKey(ctx context.Context, agentKey string) context.Context {
	return context.WithValue(ctx, agentKeyCtxKey{}, agentKey)
}

// AgentKeyFromContext reads back the key WithAgentKey attached.
func AgentKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(agentKeyCtxKey{}).(string)
	return v, ok
}

// Provider is the factory a pool asks for a fresh Client plus its parser
// (§4.1).
type Provider interface {
	Type() types.BackendName
	BuildOptions(base ClientOptions, hooks Hooks) (ClientOptions, error)
	CreateClient(opts ClientOptions) (Client, error)
	Parser() StreamParser
	CheckAvailability(ctx context.Context) bool
	SessionFieldName() string
}
