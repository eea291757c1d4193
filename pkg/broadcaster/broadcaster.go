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

// Package broadcaster implements the per-room SSE fan-out described in
// §4.9, grounded on the teacher's topic pub/sub (pkg/communication/bus.go:
// per-topic subscriber map under RWMutex, bounded per-subscriber channel,
// non-blocking delivery that drops on overflow, atomic delivery counters).
// Rooms play the role the teacher's topics play; subscribers are rendered
// over text/event-stream by cmd/roomd, which writes the SSE frames by hand,
// instead of the teacher's internal BusMessage proto type.
package broadcaster

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/roomorc/internal/pubsub"
	"github.com/teradata-labs/roomorc/pkg/types"
)

const subscriberQueueCapacity = 100

// DefaultKeepAliveInterval matches §4.9's default.
const DefaultKeepAliveInterval = 30 * time.Second

// Subscription is a live connection to one room's event stream.
type Subscription struct {
	ClientID string
	RoomID   int64

	queue chan types.Event
	b     *Broadcaster
}

// Events returns the subscriber's inbound queue. The generator loop (see
// Run) reads from it with a keep-alive timeout.
func (s *Subscription) Events() <-chan types.Event { return s.queue }

// Broadcaster fans SSE events out to per-room subscriber sets.
type Broadcaster struct {
	logger *zap.Logger

	mu   sync.RWMutex
	sets map[int64]map[string]*Subscription

	delivered atomic.Int64
	dropped   atomic.Int64
}

func New(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		logger: logger,
		sets:   make(map[int64]map[string]*Subscription),
	}
}

// Subscribe adds a new subscriber to roomID.
func (b *Broadcaster) Subscribe(roomID int64) *Subscription {
	sub := &Subscription{
		ClientID: newClientID(),
		RoomID:   roomID,
		queue:    make(chan types.Event, subscriberQueueCapacity),
		b:        b,
	}

	b.mu.Lock()
	set, ok := b.sets[roomID]
	if !ok {
		set = make(map[string]*Subscription)
		b.sets[roomID] = set
	}
	set[sub.ClientID] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub from its room's set, deleting the set if it's now
// empty.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[sub.RoomID]
	if !ok {
		return
	}
	delete(set, sub.ClientID)
	if len(set) == 0 {
		delete(b.sets, sub.RoomID)
	}
}

// classify buckets an outbound types.Event into the generic pubsub envelope
// so internal logging/metrics can reason about "what kind of thing happened"
// without the SSE wire format (types.Event) leaking that distinction to
// clients: a new persisted message is a creation, everything else (stream
// deltas, stream_end, etc.) is an update to room state already in flight.
func classify(event types.Event) pubsub.Event[types.Event] {
	if event.Kind == types.EventNewMessage {
		return pubsub.NewCreatedEvent(event)
	}
	return pubsub.NewUpdatedEvent(event)
}

// Broadcast snapshots roomID's subscriber set and enqueues event on each,
// non-blocking; it returns the number of successful deliveries.
func (b *Broadcaster) Broadcast(roomID int64, event types.Event) int {
	envelope := classify(event)

	b.mu.RLock()
	set := b.sets[roomID]
	subs := make([]*Subscription, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	if b.logger.Core().Enabled(zap.DebugLevel) {
		b.logger.Debug("broadcasting room event",
			zap.Int64("room_id", roomID),
			zap.Int("pubsub_event_type", int(envelope.Type)),
			zap.Int("subscriber_count", len(subs)))
	}

	delivered := 0
	for _, s := range subs {
		select {
		case s.queue <- event:
			delivered++
		default:
			b.logger.Warn("dropping SSE event: subscriber queue full",
				zap.Int64("room_id", roomID), zap.String("client_id", s.ClientID))
			b.dropped.Add(1)
		}
	}
	b.delivered.Add(int64(delivered))
	return delivered
}

// Shutdown enqueues a shutdown sentinel on every subscriber and clears the
// map.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.sets {
		for _, s := range set {
			select {
			case s.queue <- types.Event{Kind: types.EventShutdown}:
			default:
			}
		}
	}
	b.sets = make(map[int64]map[string]*Subscription)
}

// CatchUp returns snapshots the requesting subscriber should be shown
// immediately on connect: a synthesized stream_start for every task
// currently mid-stream in the room, per §4.9. taskStates is supplied by the
// agent manager (keeping broadcaster decoupled from agentmanager's map).
func CatchUp(roomID int64, taskStates map[types.TaskID]types.StreamingState) []types.Event {
	var events []types.Event
	for taskID, state := range taskStates {
		if taskID.RoomID != roomID {
			continue
		}
		response := state.ResponseText
		events = append(events, types.Event{
			Kind:      types.EventStreamStart,
			AgentID:   taskID.AgentID,
			Response:  &response,
			Thinking:  state.ThinkingText,
			Skipped:   state.SkipUsed,
		})
	}
	return events
}

// Run is the per-subscriber generator loop (§4.9): it yields keep-alives on
// timeout and returns when a shutdown sentinel arrives or stop fires.
// emit is called once per event/keepalive; the caller (the SSE HTTP
// handler) typically wires emit to flush a wire-format frame.
func Run(sub *Subscription, keepAlive time.Duration, stop <-chan struct{}, emit func(types.Event)) {
	defer sub.b.Unsubscribe(sub)

	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}

	timer := time.NewTimer(keepAlive)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Kind == types.EventShutdown {
				emit(event)
				return
			}
			emit(event)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(keepAlive)
		case <-timer.C:
			emit(types.Event{Kind: types.EventKeepalive, Timestamp: time.Now().Unix()})
			timer.Reset(keepAlive)
		}
	}
}

func newClientID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
