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
package types

import "time"

// Role is the author role of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParticipantType distinguishes the kind of author beyond Role, per §3.
type ParticipantType string

const (
	ParticipantUser             ParticipantType = "user"
	ParticipantCharacter        ParticipantType = "character"
	ParticipantSituationBuilder ParticipantType = "situation_builder"
	ParticipantSystem           ParticipantType = "system"
)

// SkippedContent is the literal content marker for a turn where the agent
// chose not to speak. Skipped messages are invisible to other agents when
// building context (§4.8) and are, by default, not persisted (§3 invariants).
const SkippedContent = "(skipped)"

// InlineImage is an image attached to a message.
type InlineImage struct {
	Base64    string
	MediaType string
}

// PolicyCheckCall records a captured policy_check tool invocation (§6).
type PolicyCheckCall struct {
	Situation string
	Timestamp time.Time
}

// Message is one entry in a room's append-only, totally-ordered transcript.
type Message struct {
	ID              int64
	RoomID          int64
	Role            Role
	Content         string
	Images          []InlineImage
	Thinking        string
	PolicyChecks    []PolicyCheckCall
	Participant     ParticipantType
	ParticipantName string
	AgentID         *int64 // set when Role == RoleAssistant
	Timestamp       time.Time
}

// IsSkipped reports whether this message is the invisible skip marker.
func (m Message) IsSkipped() bool {
	return m.Content == SkippedContent
}

// SessionBinding is the backend-specific continuity handle between turns for
// a (room, agent, backend) triple (§3, §4.12).
type SessionBinding struct {
	RoomID      int64
	AgentID     int64
	Backend     BackendName
	SessionID   string // backend-A "resume session id" / backend-B "thread id"
	UpdatedAt   time.Time
}
