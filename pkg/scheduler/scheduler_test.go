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

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/roomorc/pkg/types"
)

func TestEligible(t *testing.T) {
	now := time.Now()
	idle := time.Minute

	cases := []struct {
		name string
		room types.Room
		want bool
	}{
		{"paused", types.Room{Paused: true, LastActivity: now.Add(-time.Hour)}, false},
		{"finished", types.Room{Finished: true, LastActivity: now.Add(-time.Hour)}, false},
		{"too recently active", types.Room{LastActivity: now}, false},
		{"idle long enough", types.Room{LastActivity: now.Add(-2 * time.Minute)}, true},
		{"at followup ceiling", types.Room{LastActivity: now.Add(-time.Hour), MaxFollowupRounds: 3, FollowupRoundsUsed: 3}, false},
		{"under followup ceiling", types.Room{LastActivity: now.Add(-time.Hour), MaxFollowupRounds: 3, FollowupRoundsUsed: 2}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, eligible(c.room, now, idle))
		})
	}
}

type fakeRoomLister struct {
	rooms []types.Room
}

func (f fakeRoomLister) ListActiveRooms(ctx context.Context) ([]types.Room, error) {
	return f.rooms, nil
}

type countingRunner struct {
	mu    sync.Mutex
	calls []int64
}

func (r *countingRunner) RunFollowupRound(ctx context.Context, roomID int64) error {
	r.mu.Lock()
	r.calls = append(r.calls, roomID)
	r.mu.Unlock()
	return nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestTick_OnlyRunsEligibleRooms(t *testing.T) {
	now := time.Now()
	rooms := fakeRoomLister{rooms: []types.Room{
		{ID: 1, LastActivity: now.Add(-time.Hour)},
		{ID: 2, LastActivity: now},
		{ID: 3, Paused: true, LastActivity: now.Add(-time.Hour)},
	}}
	runner := &countingRunner{}

	s := New(Config{TickInterval: time.Hour, IdleThreshold: time.Minute, MaxConcurrentRooms: 4}, rooms, runner, nil)
	s.tick(context.Background())

	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []int64{1}, runner.calls)
}

func TestTick_BoundsConcurrencyBySemaphore(t *testing.T) {
	now := time.Now()
	var rooms []types.Room
	for i := int64(1); i <= 10; i++ {
		rooms = append(rooms, types.Room{ID: i, LastActivity: now.Add(-time.Hour)})
	}
	lister := fakeRoomLister{rooms: rooms}

	var inFlight int32
	var maxObserved int32
	var wg sync.WaitGroup

	blocker := runnerFunc(func(ctx context.Context, roomID int64) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			observed := atomic.LoadInt32(&maxObserved)
			if cur <= observed || atomic.CompareAndSwapInt32(&maxObserved, observed, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		wg.Done()
		return nil
	})
	wg.Add(len(rooms))

	s := New(Config{TickInterval: time.Hour, IdleThreshold: time.Minute, MaxConcurrentRooms: 2}, lister, blocker, nil)
	s.tick(context.Background())

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rooms never finished running")
	}

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxObserved)), 2, "scheduler must bound concurrent follow-up rounds to MaxConcurrentRooms")
}

type runnerFunc func(ctx context.Context, roomID int64) error

func (f runnerFunc) RunFollowupRound(ctx context.Context, roomID int64) error { return f(ctx, roomID) }

func TestStop_UnblocksRun(t *testing.T) {
	s := New(Config{TickInterval: time.Hour, IdleThreshold: time.Minute, MaxConcurrentRooms: 1, ShutdownGrace: time.Second},
		fakeRoomLister{}, &countingRunner{}, nil)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
