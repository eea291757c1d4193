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

// Package scheduler is the background periodic-round driver (§4.11). It
// replaces the teacher's cron-expression, protobuf-workflow, SQLite-backed
// scheduler (deleted; see DESIGN.md) with a plain ticker loop, since this
// spec's scheduling need is "periodically nudge idle rooms", not arbitrary
// cron workflows.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teradata-labs/roomorc/pkg/types"
)

// RoomLister supplies the candidate rooms for a tick.
type RoomLister interface {
	ListActiveRooms(ctx context.Context) ([]types.Room, error)
}

// RoundRunner runs one follow-up round for a room (implemented by
// *orchestrator.Orchestrator).
type RoundRunner interface {
	RunFollowupRound(ctx context.Context, roomID int64) error
}

// Config controls tick cadence and eligibility.
type Config struct {
	TickInterval       time.Duration // how often to scan for eligible rooms
	IdleThreshold      time.Duration // room must be idle at least this long
	MaxConcurrentRooms int64         // semaphore width for concurrent follow-up rounds
	ShutdownGrace      time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       30 * time.Second,
		IdleThreshold:       2 * time.Minute,
		MaxConcurrentRooms: 4,
		ShutdownGrace:      10 * time.Second,
	}
}

// Scheduler drives periodic follow-up rounds.
type Scheduler struct {
	cfg    Config
	rooms  RoomLister
	runner RoundRunner
	logger *zap.Logger

	sem *semaphore.Weighted

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, rooms RoomLister, runner RoundRunner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentRooms <= 0 {
		cfg.MaxConcurrentRooms = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	return &Scheduler{
		cfg:    cfg,
		rooms:  rooms,
		runner: runner,
		logger: logger,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentRooms),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	rooms, err := s.rooms.ListActiveRooms(ctx)
	if err != nil {
		s.logger.Warn("scheduler: list active rooms failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, room := range rooms {
		if !eligible(room, now, s.cfg.IdleThreshold) {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}

		go func(roomID int64) {
			defer s.sem.Release(1)
			if err := s.runner.RunFollowupRound(ctx, roomID); err != nil {
				s.logger.Warn("scheduler: follow-up round failed", zap.Int64("room_id", roomID), zap.Error(err))
			}
		}(room.ID)
	}
}

func eligible(room types.Room, now time.Time, idleThreshold time.Duration) bool {
	if room.Paused || room.Finished {
		return false
	}
	if now.Sub(room.LastActivity) < idleThreshold {
		return false
	}
	if room.MaxFollowupRounds > 0 && room.FollowupRoundsUsed >= room.MaxFollowupRounds {
		return false
	}
	return true
}

// Stop requests shutdown and waits up to ShutdownGrace for the run loop to
// exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(s.cfg.ShutdownGrace):
	}
}
