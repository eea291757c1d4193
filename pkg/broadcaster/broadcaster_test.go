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

package broadcaster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/roomorc/pkg/types"
)

func TestBroadcast_DeliversOnlyToSubscribersOfThatRoom(t *testing.T) {
	b := New(nil)

	subRoom1 := b.Subscribe(1)
	subRoom2 := b.Subscribe(2)

	delivered := b.Broadcast(1, types.Event{Kind: types.EventNewMessage})
	assert.Equal(t, 1, delivered)

	select {
	case ev := <-subRoom1.Events():
		assert.Equal(t, types.EventNewMessage, ev.Kind)
	default:
		t.Fatal("room 1 subscriber should have received the event")
	}

	select {
	case <-subRoom2.Events():
		t.Fatal("room 2 subscriber must not receive room 1's event")
	default:
	}
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1)
	b.Unsubscribe(sub)

	delivered := b.Broadcast(1, types.Event{Kind: types.EventNewMessage})
	assert.Equal(t, 0, delivered)
}

func TestBroadcast_DropsOnFullQueueRatherThanBlocking(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1)

	for i := 0; i < subscriberQueueCapacity+10; i++ {
		b.Broadcast(1, types.Event{Kind: types.EventKeepalive})
	}

	assert.Greater(t, b.dropped.Load(), int64(0), "overflowing the bounded queue must drop, not block the broadcaster")
	_ = sub
}

func TestCatchUp_SynthesizesStreamStartPerInFlightTask(t *testing.T) {
	states := map[types.TaskID]types.StreamingState{
		{RoomID: 1, AgentID: 10}: {ResponseText: "hello", ThinkingText: "hmm"},
		{RoomID: 2, AgentID: 20}: {ResponseText: "other room"},
	}

	events := CatchUp(1, states)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventStreamStart, events[0].Kind)
	assert.Equal(t, int64(10), events[0].AgentID)
	require.NotNil(t, events[0].Response)
	assert.Equal(t, "hello", *events[0].Response)
}

func TestRun_EmitsKeepaliveOnTimeoutAndExitsOnShutdown(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1)

	var mu sync.Mutex
	var received []types.Event

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(sub, 10*time.Millisecond, stop, func(ev types.Event) {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		})
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	b.Broadcast(1, types.Event{Kind: types.EventShutdown})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after a shutdown sentinel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received)
	assert.Equal(t, types.EventShutdown, received[len(received)-1].Kind)

	var keepalives int
	for _, ev := range received {
		if ev.Kind == types.EventKeepalive {
			keepalives++
		}
	}
	assert.Greater(t, keepalives, 0, "Run must emit at least one keep-alive while idle")
}

func TestRun_StopChannelExitsImmediately(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(sub, time.Minute, stop, func(types.Event) {})
		close(done)
	}()

	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not respect the stop channel")
	}
}
