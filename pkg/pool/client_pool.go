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

// Package pool implements the two pools the agent manager depends on (§4.2,
// §4.3): a ClientPool shared by both backend families, and an
// AppServerPool/ThreadSessionManager specific to backend-B's subprocess
// model.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teradata-labs/roomorc/pkg/backend"
	"github.com/teradata-labs/roomorc/pkg/types"
)

// ClientPool is a map from task identifier to Client, guarded by a global
// semaphore (bounding concurrent connection creation), per-task locks (so
// two callers never race to create the same client), and a background
// cleanup WaitGroup (so disconnects never block ongoing work), per §4.2.
type ClientPool struct {
	provider backend.Provider
	logger   *zap.Logger

	sem *semaphore.Weighted

	mu      sync.RWMutex
	clients map[types.TaskID]backend.Client

	taskLocksMu sync.Mutex
	taskLocks   map[types.TaskID]*sync.Mutex

	background sync.WaitGroup

	retryDelays []time.Duration
}

// NewClientPool builds a pool for one backend's provider. globalConcurrency
// is the semaphore width (default 10 per §4.2).
func NewClientPool(provider backend.Provider, globalConcurrency int64, logger *zap.Logger) *ClientPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if globalConcurrency <= 0 {
		globalConcurrency = 10
	}
	return &ClientPool{
		provider:    provider,
		logger:      logger,
		sem:         semaphore.NewWeighted(globalConcurrency),
		clients:     make(map[types.TaskID]backend.Client),
		taskLocks:   make(map[types.TaskID]*sync.Mutex),
		retryDelays: []time.Duration{300 * time.Millisecond, 600 * time.Millisecond},
	}
}

func (p *ClientPool) lockFor(taskID types.TaskID) *sync.Mutex {
	p.taskLocksMu.Lock()
	defer p.taskLocksMu.Unlock()
	l, ok := p.taskLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		p.taskLocks[taskID] = l
	}
	return l
}

// fastPath returns an existing client for taskID if its session id matches
// (or is absent from) opts, evicting it first if the session id changed.
// The boolean return is true when an existing, still-valid client was found.
func (p *ClientPool) fastPath(taskID types.TaskID, opts backend.ClientOptions) (backend.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.clients[taskID]
	if !ok {
		return nil, false
	}

	existingSession := existing.SessionID()
	wantSession := opts.SessionID()
	if existingSession != "" && wantSession != "" && existingSession != wantSession {
		// Evict without disconnecting inline: the old client's internal
		// cancellation scope may be tied to a coroutine we must not block (§4.2).
		delete(p.clients, taskID)
		return nil, false
	}

	existing.SetOptions(opts)
	return existing, true
}

// GetOrCreate returns the pooled client for taskID, creating one if absent
// or evicted, per §4.2's three-step algorithm.
func (p *ClientPool) GetOrCreate(ctx context.Context, taskID types.TaskID, opts backend.ClientOptions) (backend.Client, bool, error) {
	if client, ok := p.fastPath(taskID, opts); ok {
		return client, true, nil
	}

	lock := p.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	if client, ok := p.fastPath(taskID, opts); ok {
		return client, true, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, false, fmt.Errorf("acquire client pool semaphore: %w", err)
	}
	defer p.sem.Release(1)

	client, err := p.createWithRetry(ctx, opts)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	p.clients[taskID] = client
	p.mu.Unlock()

	return client, false, nil
}

func (p *ClientPool) createWithRetry(ctx context.Context, opts backend.ClientOptions) (backend.Client, error) {
	var lastErr error
	attempts := len(p.retryDelays) + 1

	for attempt := 0; attempt < attempts; attempt++ {
		client, err := p.provider.CreateClient(opts)
		if err == nil {
			if err = client.Connect(ctx); err == nil {
				return client, nil
			}
		}
		lastErr = err

		if !isTransportNotReady(err) || attempt == attempts-1 {
			return nil, lastErr
		}

		delay := p.retryDelays[attempt]
		p.logger.Warn("client connect failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func isTransportNotReady(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "transport not ready") || strings.Contains(msg, "transport")
}

// Cleanup removes taskID from the pool and disconnects it in the
// background, under a 5s timeout, swallowing benign shutdown errors.
func (p *ClientPool) Cleanup(taskID types.TaskID) {
	p.mu.Lock()
	client, ok := p.clients[taskID]
	if ok {
		delete(p.clients, taskID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil && !isBenignDisconnectError(err) {
			p.logger.Warn("client disconnect failed", zap.Error(err))
		}
	}()
}

func isBenignDisconnectError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already cancelled") ||
		strings.Contains(msg, "cancel scope") ||
		strings.Contains(msg, "no active connection")
}

// CleanupRoom cleans up every task whose room id matches.
func (p *ClientPool) CleanupRoom(roomID int64) {
	p.mu.RLock()
	var toClean []types.TaskID
	for taskID := range p.clients {
		if taskID.RoomID == roomID {
			toClean = append(toClean, taskID)
		}
	}
	p.mu.RUnlock()

	for _, taskID := range toClean {
		p.Cleanup(taskID)
	}
}

// ShutdownAll cleans up every entry and waits for all background
// disconnects to finish.
func (p *ClientPool) ShutdownAll() {
	p.mu.RLock()
	var all []types.TaskID
	for taskID := range p.clients {
		all = append(all, taskID)
	}
	p.mu.RUnlock()

	for _, taskID := range all {
		p.Cleanup(taskID)
	}
	p.background.Wait()
}
