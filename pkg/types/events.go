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

// EventKind names one of the SSE event types enumerated in §4.9.
type EventKind string

const (
	EventStreamStart    EventKind = "stream_start"
	EventContentDelta   EventKind = "content_delta"
	EventThinkingDelta  EventKind = "thinking_delta"
	EventStreamEnd      EventKind = "stream_end"
	EventNewMessage     EventKind = "new_message"
	EventKeepalive      EventKind = "keepalive"
	EventShutdown       EventKind = "shutdown"
)

// Event is the JSON payload broadcast to room subscribers. Only the fields
// relevant to Kind are populated; the rest are left zero.
type Event struct {
	Kind      EventKind      `json:"type"`
	TempID    string         `json:"temp_id,omitempty"`
	AgentID   int64          `json:"agent_id,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	Response  *string        `json:"response_text,omitempty"`
	Thinking  string         `json:"thinking_text,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Memory    []MemoryEntry  `json:"memory_entries,omitempty"`
	Policy    []PolicyCheckCall `json:"policy_check_calls,omitempty"`
	Skipped   bool           `json:"skipped,omitempty"`
	Message   *Message       `json:"message,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}
