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

// Package storeiface declares the external contracts CORE consumes but does
// not implement (§6): persistence, persona loading, and prompt/template
// lookup. Production roomorc deployments supply their own implementations;
// this package only fixes the shape so the rest of the module can compile
// and be tested against an in-memory fake.
package storeiface

import (
	"context"

	"github.com/teradata-labs/roomorc/pkg/types"
)

// MessageFields is what SaveMessage writes; ID and Timestamp are assigned
// by the implementation.
type MessageFields struct {
	Role            types.Role
	Content         string
	Images          []types.InlineImage
	Thinking        string
	PolicyChecks    []types.PolicyCheckCall
	Participant     types.ParticipantType
	ParticipantName string
	AgentID         *int64
}

// Persistence is the storage contract named in §6.
type Persistence interface {
	GetRoom(ctx context.Context, roomID int64) (types.Room, error)
	GetRoomMessagesAfterAgent(ctx context.Context, roomID, agentID int64, limit int) ([]types.Message, error)
	GetAllMessages(ctx context.Context, roomID int64) ([]types.Message, error)
	SaveMessage(ctx context.Context, roomID int64, fields MessageFields) (types.Message, error)
	GetSessionBinding(ctx context.Context, roomID, agentID int64, backendName types.BackendName) (types.SessionBinding, bool, error)
	SetSessionBinding(ctx context.Context, binding types.SessionBinding) error
	MarkRoomFinished(ctx context.Context, roomID int64) error
	IncrementFollowupRounds(ctx context.Context, roomID int64) error
	ListActiveRooms(ctx context.Context) ([]types.Room, error)
	GetAgent(ctx context.Context, agentID int64) (types.Agent, error)
}

// PersonaLoader loads a persona config from disk (§6). agentFolder is an
// opaque path segment chosen by the caller; the loader owns its layout.
type PersonaLoader interface {
	LoadAgentConfig(ctx context.Context, agentFolder string) (types.PersonaConfig, error)
}

// ContextTemplate bundles the fixed strings the response generator wraps
// conversation history in (§4.8 step 1-2).
type ContextTemplate struct {
	Header          string
	Footer          string
	RecallReminder  string
	ResponseInstruction string
}

// PromptProvider is the prompt/template contract (§6).
type PromptProvider interface {
	SystemPromptFor(backendName types.BackendName) string
	ContextTemplate() ContextTemplate
	ToolDescription(name string, args map[string]any) string
}
