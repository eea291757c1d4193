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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/roomorc/pkg/agentmanager"
	"github.com/teradata-labs/roomorc/pkg/broadcaster"
	"github.com/teradata-labs/roomorc/pkg/orchestrator"
	"github.com/teradata-labs/roomorc/pkg/storeiface"
	"github.com/teradata-labs/roomorc/pkg/types"
)

// server wires the HTTP surface onto the orchestration engine: a POST
// endpoint to submit a user message, a ticket-issuing endpoint, and the
// SSE event stream itself (§4.9, §6).
type server struct {
	persistence  storeiface.Persistence
	broadcast    *broadcaster.Broadcaster
	manager      *agentmanager.Manager
	orchestrator *orchestrator.Orchestrator
	tickets      *ticketIssuer
	logger       *zap.Logger

	// roomLocksMu/roomLocks serialize OnUserMessage per room_id (grounded on
	// pool.ClientPool's taskLocksMu/taskLocks), so two messages posted in
	// quick succession for the same room run their orchestrator rounds one
	// at a time instead of racing two concurrent runRound passes over the
	// same room state.
	roomLocksMu sync.Mutex
	roomLocks   map[int64]*sync.Mutex
}

func (s *server) lockFor(roomID int64) *sync.Mutex {
	s.roomLocksMu.Lock()
	defer s.roomLocksMu.Unlock()
	if s.roomLocks == nil {
		s.roomLocks = make(map[int64]*sync.Mutex)
	}
	l, ok := s.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		s.roomLocks[roomID] = l
	}
	return l
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms/{roomID}/messages", s.handlePostMessage)
	mux.HandleFunc("POST /rooms/{roomID}/tickets", s.handleIssueTicket)
	mux.HandleFunc("GET /rooms/{roomID}/events", s.handleEvents)
	return mux
}

func (s *server) roomIDFromPath(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("roomID"), 10, 64)
}

type postMessageRequest struct {
	Content         string `json:"content"`
	ParticipantName string `json:"participant_name"`
}

// handlePostMessage persists the incoming user message and kicks off a new
// initial round (§4.7's interruption path via OnUserMessage).
func (s *server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	roomID, err := s.roomIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	msg, err := s.persistence.SaveMessage(r.Context(), roomID, storeiface.MessageFields{
		Role:            types.RoleUser,
		Content:         req.Content,
		Participant:     types.ParticipantUser,
		ParticipantName: req.ParticipantName,
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("save message: %v", err), http.StatusInternalServerError)
		return
	}

	s.broadcast.Broadcast(roomID, types.Event{Kind: types.EventNewMessage, Message: &msg})

	go func() {
		lock := s.lockFor(roomID)
		lock.Lock()
		defer lock.Unlock()

		ctx := context.Background()
		if err := s.orchestrator.OnUserMessage(ctx, roomID); err != nil {
			s.logger.Warn("orchestrator round failed", zap.Int64("room_id", roomID), zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(msg)
}

func (s *server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	roomID, err := s.roomIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	ticket := s.tickets.issue(roomID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"ticket": ticket})
}

// handleEvents is the SSE producer for a room's event stream (§4.9): it
// validates the ticket, replays a CatchUp snapshot for in-flight streams,
// then relays broadcaster events as text/event-stream frames until the
// client disconnects or a shutdown sentinel arrives.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	roomID, err := s.roomIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	ticket := r.URL.Query().Get("ticket")
	if ticket == "" || !s.tickets.verify(ticket, roomID) {
		http.Error(w, "invalid or expired ticket", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.broadcast.Subscribe(roomID)

	for _, ev := range broadcaster.CatchUp(roomID, s.manager.RoomStreamingStates(roomID)) {
		writeSSEEvent(w, ev)
	}
	flusher.Flush()

	stop := make(chan struct{})
	go func() {
		<-r.Context().Done()
		close(stop)
	}()

	broadcaster.Run(sub, broadcaster.DefaultKeepAliveInterval, stop, func(ev types.Event) {
		writeSSEEvent(w, ev)
		flusher.Flush()
	})
}

func writeSSEEvent(w http.ResponseWriter, ev types.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
}
