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

// Package types holds the data model shared across the room orchestration
// engine: rooms, agents, messages, session bindings and the tape cells that
// describe a round's speaking order.
package types

import "time"

// BackendName identifies one of the two supported streaming backends.
type BackendName string

const (
	BackendA BackendName = "backend-a"
	BackendB BackendName = "backend-b"
)

// Room is a multi-party chat scope.
type Room struct {
	ID               int64
	OwnerID          int64
	MemberAgentIDs   []int64
	Paused           bool
	Finished         bool
	PreferredBackend BackendName
	MaxFollowupRounds int
	FollowupRoundsUsed int
	LastActivity     time.Time
	LastRead         time.Time
}

// Agent is a persona driven by a backend.
type Agent struct {
	ID                 int64
	Name               string
	PersonaConfig      PersonaConfig
	Priority           int
	Transparent        bool
	InterruptEveryTurn bool
	Group              string
}

// IsInterruptAgent reports whether this agent reacts to every non-transparent
// utterance in the room (§4.6, §4.10).
func (a Agent) IsInterruptAgent() bool {
	return a.InterruptEveryTurn
}

// PersonaConfig is the persona blob loaded from the (external) persona
// loader described in §6.
type PersonaConfig struct {
	IdentitySummary    string
	Characteristics    []string
	RecentEvents       []string
	LongTermMemoryIdx  map[string]string // subtitle -> memory text
}

// TaskID is the key into the client pool, active-client map and
// streaming-state map: a (room, agent) pair.
type TaskID struct {
	RoomID  int64
	AgentID int64
}
