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

package pool

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teradata-labs/roomorc/pkg/backend"
	"github.com/teradata-labs/roomorc/pkg/backend/backendb"
	"github.com/teradata-labs/roomorc/pkg/transport"
)

// defaultSpawnRate bounds how fast new subprocesses can be started, so a
// burst of cold rooms can't fork-bomb the host (§4.3 "capacity" note).
const defaultSpawnRate = 5

// StartupConfig parameterizes one app-server subprocess: the baked-in
// tool-server configuration an agent's persona requires (§4.3).
type StartupConfig struct {
	AgentKey string
	Command  func() *exec.Cmd
}

// instance is one live app-server subprocess.
type instance struct {
	id           string
	agentKey     string
	breaker      *CircuitBreaker
	requestLock  sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	ownedThreads map[string]bool
	stream       transport.ByteStream
}

func (h *instance) Stream() transport.ByteStream { return h.stream }
func (h *instance) Lock()                        { h.requestLock.Lock() }
func (h *instance) Unlock()                       { h.requestLock.Unlock() }

func (h *instance) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *instance) idleFor() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastActivity)
}

// ThreadSessionManager holds thread_id -> (agent_key, instance_id), the
// central ownership table described in §4.3.
type ThreadSessionManager struct {
	mu    sync.Mutex
	owner map[string]threadOwner
}

type threadOwner struct {
	agentKey   string
	instanceID string
}

func NewThreadSessionManager() *ThreadSessionManager {
	return &ThreadSessionManager{owner: make(map[string]threadOwner)}
}

func (m *ThreadSessionManager) Bind(threadID, agentKey, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner[threadID] = threadOwner{agentKey: agentKey, instanceID: instanceID}
}

// InstanceFor reports the instance id currently believed to own threadID,
// or "" if the thread is unbound or its instance has been evicted.
func (m *ThreadSessionManager) InstanceFor(threadID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner[threadID].instanceID
}

func (m *ThreadSessionManager) Forget(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owner, threadID)
}

// AppServerPool keeps at most Capacity app-server subprocesses alive,
// evicting the least-recently-used on overflow and reaping idle instances
// in the background, per §4.3.
type AppServerPool struct {
	logger *zap.Logger

	Capacity   int
	IdleTTL    time.Duration
	SweepEvery time.Duration

	configs map[string]StartupConfig // agent_key -> startup config

	threads *ThreadSessionManager

	mu        sync.Mutex
	instances map[string]*instance // instance_id -> instance
	byAgent   map[string][]string  // agent_key -> instance ids, MRU last

	spawnLimiter *rate.Limiter

	stopSweep chan struct{}
	swept     sync.WaitGroup
}

func NewAppServerPool(threads *ThreadSessionManager, logger *zap.Logger) *AppServerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AppServerPool{
		logger:     logger,
		Capacity:   10,
		IdleTTL:    600 * time.Second,
		SweepEvery: 60 * time.Second,
		configs:    make(map[string]StartupConfig),
		threads:    threads,
		instances:    make(map[string]*instance),
		byAgent:      make(map[string][]string),
		spawnLimiter: rate.NewLimiter(rate.Limit(defaultSpawnRate), defaultSpawnRate),
		stopSweep:    make(chan struct{}),
	}
	p.swept.Add(1)
	go p.sweepLoop()
	return p
}

// Register associates a startup config with an agent key so later
// GetOrCreateInstance calls know how to spawn it.
func (p *AppServerPool) Register(cfg StartupConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[cfg.AgentKey] = cfg
}

// GetOrCreateInstance returns the MRU instance for agentKey, or spawns one,
// evicting the most-idle instance across all agents first if at capacity.
func (p *AppServerPool) GetOrCreateInstance(ctx context.Context, agentKey string) (*instance, error) {
	p.mu.Lock()
	if ids := p.byAgent[agentKey]; len(ids) > 0 {
		id := ids[len(ids)-1]
		inst := p.instances[id]
		p.mu.Unlock()
		inst.touch()
		return inst, nil
	}

	cfg, ok := p.configs[agentKey]
	if len(p.instances) >= p.Capacity {
		p.evictMostIdleLocked()
	}
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("app server pool: no startup config registered for agent key %q", agentKey)
	}

	return p.spawn(ctx, agentKey, cfg)
}

func (p *AppServerPool) evictMostIdleLocked() {
	var oldestID string
	var oldestIdle time.Duration = -1
	for id, inst := range p.instances {
		idle := inst.idleFor()
		if idle > oldestIdle {
			oldestIdle = idle
			oldestID = id
		}
	}
	if oldestID != "" {
		p.removeLocked(oldestID)
	}
}

func (p *AppServerPool) removeLocked(id string) {
	inst, ok := p.instances[id]
	if !ok {
		return
	}
	delete(p.instances, id)
	p.byAgent[inst.agentKey] = removeString(p.byAgent[inst.agentKey], id)
	_ = inst.stream.Close()
	p.logger.Info("evicted app server instance", zap.String("instance_id", id), zap.String("agent_key", inst.agentKey))
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (p *AppServerPool) spawn(ctx context.Context, agentKey string, cfg StartupConfig) (*instance, error) {
	if err := p.spawnLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("spawn app server for %q: %w", agentKey, err)
	}

	breaker := NewCircuitBreaker(DefaultCircuitBreakerConfig(), p.logger)

	var stream transport.ByteStream
	err := breaker.Execute(func() error {
		st, spawnErr := transport.NewStdioTransport(cfg.Command(), p.logger)
		if spawnErr != nil {
			return spawnErr
		}
		stream = st
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spawn app server for %q: %w", agentKey, err)
	}

	inst := &instance{
		id:           uuid.NewString(),
		agentKey:     agentKey,
		breaker:      breaker,
		lastActivity: time.Now(),
		ownedThreads: make(map[string]bool),
		stream:       stream,
	}

	p.mu.Lock()
	p.instances[inst.id] = inst
	p.byAgent[agentKey] = append(p.byAgent[agentKey], inst.id)
	p.mu.Unlock()

	return inst, nil
}

// Acquire implements backendb.Spawner: it returns the live instance owning
// threadID; otherwise (a brand-new thread, or an owner that is gone) it
// takes the agent key's most recently used instance via GetOrCreateInstance,
// spawning one only if the agent key has none, and binds threadID to it.
// Callers supply the agent key via context (see WithAgentKey).
func (p *AppServerPool) Acquire(ctx context.Context, threadID string) (backendb.InstanceHandle, error) {
	agentKey, _ := backend.AgentKeyFromContext(ctx)
	if agentKey == "" {
		return nil, fmt.Errorf("app server pool: no agent key in context")
	}

	if threadID != "" {
		if instanceID := p.threads.InstanceFor(threadID); instanceID != "" {
			p.mu.Lock()
			inst, ok := p.instances[instanceID]
			p.mu.Unlock()
			if ok {
				inst.touch()
				return inst, nil
			}
			// Owning instance is gone (restart/eviction/crash); resume onto
			// the agent key's current instance, or a newly spawned one (§4.3). If resume ultimately fails the caller falls
			// into session recovery (§4.12) — that decision lives in backendb.
		}
	}

	inst, err := p.GetOrCreateInstance(ctx, agentKey)
	if err != nil {
		return nil, err
	}

	if threadID != "" {
		inst.mu.Lock()
		inst.ownedThreads[threadID] = true
		inst.mu.Unlock()
		p.threads.Bind(threadID, agentKey, inst.id)
	}

	return inst, nil
}

func (p *AppServerPool) sweepLoop() {
	defer p.swept.Done()
	ticker := time.NewTicker(p.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *AppServerPool) sweepIdle() {
	p.mu.Lock()
	var stale []string
	for id, inst := range p.instances {
		if inst.idleFor() > p.IdleTTL {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		p.removeLocked(id)
	}
	p.mu.Unlock()
}

// Shutdown stops the sweeper and closes every instance.
func (p *AppServerPool) Shutdown() {
	close(p.stopSweep)
	p.swept.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.instances {
		p.removeLocked(id)
	}
}

var _ backendb.Spawner = (*AppServerPool)(nil)
var _ backendb.InstanceHandle = (*instance)(nil)
