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

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teradata-labs/roomorc/pkg/storeiface"
	"github.com/teradata-labs/roomorc/pkg/types"
)

// memStore is a process-memory storeiface.Persistence implementation. It
// exists so `roomd serve` is runnable standalone; a real deployment supplies
// its own Persistence backed by durable storage (§6 — CORE never implements
// this contract itself, this is a dev/reference stand-in only).
type memStore struct {
	mu       sync.Mutex
	rooms    map[int64]types.Room
	agents   map[int64]types.Agent
	messages map[int64][]types.Message
	bindings map[string]types.SessionBinding
	nextMsg  int64
}

func newMemStore() *memStore {
	return &memStore{
		rooms:    make(map[int64]types.Room),
		agents:   make(map[int64]types.Agent),
		messages: make(map[int64][]types.Message),
		bindings: make(map[string]types.SessionBinding),
	}
}

func (s *memStore) PutRoom(room types.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
}

func (s *memStore) PutAgent(agent types.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
}

func (s *memStore) GetRoom(ctx context.Context, roomID int64) (types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return types.Room{}, fmt.Errorf("room %d not found", roomID)
	}
	return room, nil
}

func (s *memStore) GetRoomMessagesAfterAgent(ctx context.Context, roomID, agentID int64, limit int) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[roomID]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].AgentID != nil && *all[i].AgentID == agentID {
			all = all[i+1:]
			break
		}
	}
	if limit <= 0 || limit >= len(all) {
		return append([]types.Message{}, all...), nil
	}
	return append([]types.Message{}, all[len(all)-limit:]...), nil
}

func (s *memStore) GetAllMessages(ctx context.Context, roomID int64) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message{}, s.messages[roomID]...), nil
}

func (s *memStore) SaveMessage(ctx context.Context, roomID int64, fields storeiface.MessageFields) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg++
	msg := types.Message{
		ID:              s.nextMsg,
		RoomID:          roomID,
		Role:            fields.Role,
		Content:         fields.Content,
		Images:          fields.Images,
		Thinking:        fields.Thinking,
		PolicyChecks:    fields.PolicyChecks,
		Participant:     fields.Participant,
		ParticipantName: fields.ParticipantName,
		AgentID:         fields.AgentID,
		Timestamp:       time.Now(),
	}
	s.messages[roomID] = append(s.messages[roomID], msg)

	room := s.rooms[roomID]
	room.LastActivity = msg.Timestamp
	s.rooms[roomID] = room

	return msg, nil
}

func bindingKey(roomID, agentID int64, backendName types.BackendName) string {
	return fmt.Sprintf("%d:%d:%s", roomID, agentID, backendName)
}

func (s *memStore) GetSessionBinding(ctx context.Context, roomID, agentID int64, backendName types.BackendName) (types.SessionBinding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingKey(roomID, agentID, backendName)]
	return b, ok, nil
}

func (s *memStore) SetSessionBinding(ctx context.Context, binding types.SessionBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[bindingKey(binding.RoomID, binding.AgentID, binding.Backend)] = binding
	return nil
}

func (s *memStore) MarkRoomFinished(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %d not found", roomID)
	}
	room.Finished = true
	s.rooms[roomID] = room
	return nil
}

func (s *memStore) IncrementFollowupRounds(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %d not found", roomID)
	}
	room.FollowupRoundsUsed++
	s.rooms[roomID] = room
	return nil
}

func (s *memStore) ListActiveRooms(ctx context.Context) ([]types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		if !r.Paused && !r.Finished {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) GetAgent(ctx context.Context, agentID int64) (types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return types.Agent{}, fmt.Errorf("agent %d not found", agentID)
	}
	return agent, nil
}

var _ storeiface.Persistence = (*memStore)(nil)
