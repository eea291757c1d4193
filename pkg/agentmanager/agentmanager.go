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

// Package agentmanager is the streaming core described in §4.10: it owns
// the live clients for in-flight turns, the rolling per-task text
// accumulator late SSE subscribers catch up from, and lazily built client
// pools per backend.
//
// Tool-use signals (policy_check, skip) are captured through the
// backend.Hooks callback pair rather than the teacher's "pass a list in,
// read it back after the call returns" pattern (see pkg/agent's tool hook
// plumbing) — §9 flags that pattern directly as something to replace with
// channels or callback fields.
package agentmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/roomorc/pkg/backend"
	"github.com/teradata-labs/roomorc/pkg/types"
)

// AgentResponseContext is the input to GenerateResponse, assembled by the
// response generator (§4.8 step 5).
type AgentResponseContext struct {
	RoomID              int64
	AgentID             int64
	AgentKey            string
	Backend             types.BackendName
	SystemPrompt        string
	UserMessageBlocks    []types.ContentBlock
	SessionID           string
	HasSituationBuilder bool
	ConversationStarted bool
}

// capture accumulates hook-reported tool calls for one turn. It is owned
// entirely by the goroutine running generateResponseLoop; no lock is needed.
type capture struct {
	skipUsed     bool
	policyChecks []types.PolicyCheckCall
}

// Manager is the agent manager (§4.10).
type Manager struct {
	logger *zap.Logger

	providers map[types.BackendName]backend.Provider

	mu            sync.Mutex
	activeClients map[types.TaskID]backend.Client
	// cancels holds the per-turn context.CancelFunc driving run()'s select
	// loop. client.Interrupt is best-effort and, for backend-A, a wire-level
	// no-op (§9/ground truth: the Python original's own interrupt() is a
	// thin wrapper that relies on the awaited call itself raising
	// CancelledError once the task is cancelled) — cancelling this context
	// is what actually stops an in-flight turn from reading further events
	// or persisting a result.
	cancels        map[types.TaskID]context.CancelFunc
	streamingState map[types.TaskID]*types.StreamingState

	poolsMu sync.Mutex
	pools   map[types.BackendName]ClientPool

	newClientPool func(backend.Provider) ClientPool
}

// ClientPool is the subset of *pool.ClientPool the manager depends on; kept
// as an interface here so agentmanager never imports pkg/pool directly
// (pool already imports backend, and backendb imports transport — this
// keeps the dependency graph acyclic and the manager trivially testable
// with a fake pool). Exported so callers wiring a *pool.ClientPool in via
// newClientPool can name the constructor's return type.
type ClientPool interface {
	GetOrCreate(ctx context.Context, taskID types.TaskID, opts backend.ClientOptions) (backend.Client, bool, error)
	Cleanup(taskID types.TaskID)
}

// New builds a Manager. newClientPool constructs a ClientPool for a
// provider the first time that backend is used.
func New(providers map[types.BackendName]backend.Provider, newClientPool func(backend.Provider) ClientPool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:         logger,
		providers:      providers,
		activeClients:  make(map[types.TaskID]backend.Client),
		cancels:        make(map[types.TaskID]context.CancelFunc),
		streamingState: make(map[types.TaskID]*types.StreamingState),
		pools:          make(map[types.BackendName]ClientPool),
		newClientPool:  newClientPool,
	}
}

func (m *Manager) poolFor(name types.BackendName) ClientPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	if p, ok := m.pools[name]; ok {
		return p
	}
	p := m.newClientPool(m.providers[name])
	m.pools[name] = p
	return p
}

// StreamEvent is one item yielded by GenerateResponse.
type StreamEvent struct {
	Kind         types.EventKind
	TempID       string
	AgentID      int64
	Delta        string
	ResponseText *string
	ThinkingText string
	SessionID    string
	Memory       []types.MemoryEntry
	PolicyChecks []types.PolicyCheckCall
	Skipped      bool
	// Err carries a typed failure (e.g. *backend.SessionRecoveryError) for
	// the caller to inspect on the terminal stream_end; nil on a clean end.
	Err error
}

// GenerateResponse runs one turn and returns a channel of events terminated
// by a single stream_end (§4.10). The channel is closed after stream_end is
// sent. ctx cancellation triggers the "interrupted" path (step 9).
func (m *Manager) GenerateResponse(ctx context.Context, rc AgentResponseContext) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go m.run(ctx, rc, out)
	return out
}

func (m *Manager) run(parentCtx context.Context, rc AgentResponseContext, out chan<- StreamEvent) {
	defer close(out)

	taskID := types.TaskID{RoomID: rc.RoomID, AgentID: rc.AgentID}
	tempID := uuid.NewString()

	// turnCtx is the context the rest of this turn selects/reads on. It is
	// registered in m.cancels below so InterruptAll/InterruptRoom can
	// actually stop this goroutine mid-stream, not just mark the client
	// inactive (§4.10, §5 cancellation).
	ctx, cancelTurn := context.WithCancel(parentCtx)
	defer cancelTurn()

	// Needed by pkg/pool's AppServerPool (backend-B only); harmless for
	// backend-A, which never reads it.
	ctx = backend.WithAgentKey(ctx, rc.AgentKey)

	provider, ok := m.providers[rc.Backend]
	if !ok {
		out <- StreamEvent{Kind: types.EventStreamEnd, TempID: tempID, AgentID: rc.AgentID, Skipped: true}
		return
	}
	parser := provider.Parser()

	capt := &capture{}
	hooks := backend.Hooks{
		OnPolicyCheck: func(situation string) {
			capt.policyChecks = append(capt.policyChecks, types.PolicyCheckCall{Situation: situation, Timestamp: time.Now()})
		},
		OnSkip: func() { capt.skipUsed = true },
	}

	base := sessionOptions{sessionID: rc.SessionID}
	opts, err := provider.BuildOptions(base, hooks)
	if err != nil {
		out <- StreamEvent{Kind: types.EventStreamEnd, TempID: tempID, AgentID: rc.AgentID, Skipped: true}
		return
	}

	pool := m.poolFor(rc.Backend)
	client, _, err := pool.GetOrCreate(ctx, taskID, opts)
	if err != nil {
		out <- StreamEvent{Kind: types.EventStreamEnd, TempID: tempID, AgentID: rc.AgentID, Skipped: true, Err: err}
		return
	}

	m.mu.Lock()
	m.activeClients[taskID] = client
	m.cancels[taskID] = cancelTurn
	state := &types.StreamingState{}
	m.streamingState[taskID] = state
	m.mu.Unlock()

	cleanupRegistration := func() {
		m.mu.Lock()
		delete(m.activeClients, taskID)
		delete(m.cancels, taskID)
		delete(m.streamingState, taskID)
		m.mu.Unlock()
	}

	out <- StreamEvent{Kind: types.EventStreamStart, TempID: tempID, AgentID: rc.AgentID}

	sendCtx, cancelSend := context.WithTimeout(ctx, 10*time.Second)
	err = client.Query(sendCtx, rc.UserMessageBlocks)
	cancelSend()
	if err != nil {
		cleanupRegistration()
		pool.Cleanup(taskID)
		out <- StreamEvent{Kind: types.EventStreamEnd, TempID: tempID, AgentID: rc.AgentID, Skipped: true}
		return
	}

	events, errs := client.ReceiveResponse(ctx)

	var responseText, thinkingText string
	var memoryEntries []types.MemoryEntry
	var sessionID string
	responseSuppressed := false

	for {
		select {
		case <-ctx.Done():
			cleanupRegistration()
			out <- StreamEvent{Kind: types.EventStreamEnd, TempID: tempID, AgentID: rc.AgentID, Skipped: true}
			return

		case streamErr, ok := <-errs:
			if ok && streamErr != nil {
				cleanupRegistration()
				pool.Cleanup(taskID)
				out <- StreamEvent{Kind: types.EventStreamEnd, TempID: tempID, AgentID: rc.AgentID, Skipped: true}
				return
			}

		case raw, ok := <-events:
			if !ok {
				cleanupRegistration()
				final := finalText(responseText, responseSuppressed)
				out <- StreamEvent{
					Kind:         types.EventStreamEnd,
					TempID:       tempID,
					AgentID:      rc.AgentID,
					ResponseText: final,
					ThinkingText: thinkingText,
					SessionID:    sessionID,
					Memory:       memoryEntries,
					PolicyChecks: capt.policyChecks,
					Skipped:      capt.skipUsed || final == nil,
				}
				return
			}

			parsed := parser.Parse(raw, responseText, thinkingText)

			// Skip/policy-check signals arrive via backend.Hooks on backend-A
			// and via the parser's own fields on backend-B (§4.5, §4.10); both
			// funnel into the same capture so the rest of the loop never
			// branches on backend name.
			if parsed.SkipUsed {
				capt.skipUsed = true
			}
			capt.policyChecks = append(capt.policyChecks, parsed.PolicyCheckCalls...)
			memoryEntries = append(memoryEntries, parsed.MemoryEntries...)
			if parsed.SessionID != nil {
				sessionID = *parsed.SessionID
			}

			if capt.skipUsed && !responseSuppressed {
				// The content from here on is the agent's reason for skipping,
				// not a reply; suppress it from UI/DB but keep thinking visible.
				responseSuppressed = true
				responseText = ""
			}

			thinkingDelta := parsed.ThinkingText[len(thinkingText):]
			thinkingText = parsed.ThinkingText

			if !responseSuppressed {
				responseDelta := parsed.ResponseText[len(responseText):]
				responseText = parsed.ResponseText

				m.updateState(taskID, responseText, thinkingText, capt.skipUsed)

				if responseDelta != "" {
					out <- StreamEvent{Kind: types.EventContentDelta, TempID: tempID, AgentID: rc.AgentID, Delta: responseDelta}
				}
			} else {
				m.updateState(taskID, "", thinkingText, capt.skipUsed)
			}

			if thinkingDelta != "" {
				out <- StreamEvent{Kind: types.EventThinkingDelta, TempID: tempID, AgentID: rc.AgentID, Delta: thinkingDelta}
			}

			if parsed.IsCompleted {
				cleanupRegistration()
				final := finalText(responseText, capt.skipUsed)
				out <- StreamEvent{
					Kind:         types.EventStreamEnd,
					TempID:       tempID,
					AgentID:      rc.AgentID,
					ResponseText: final,
					ThinkingText: thinkingText,
					SessionID:    sessionID,
					Memory:       memoryEntries,
					PolicyChecks: capt.policyChecks,
					Skipped:      capt.skipUsed || final == nil,
				}
				return
			}
		}
	}
}

func finalText(responseText string, skipped bool) *string {
	if skipped || responseText == "" {
		return nil
	}
	return &responseText
}

func (m *Manager) updateState(taskID types.TaskID, responseText, thinkingText string, skipUsed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streamingState[taskID]; ok {
		s.ResponseText = responseText
		s.ThinkingText = thinkingText
		s.SkipUsed = skipUsed
	}
}

// StreamingStateFor returns a snapshot for SSE catch-up (§4.9), and whether
// the task is currently mid-stream.
func (m *Manager) StreamingStateFor(taskID types.TaskID) (types.StreamingState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streamingState[taskID]
	if !ok {
		return types.StreamingState{}, false
	}
	return *s, true
}

// RoomStreamingStates snapshots every task currently streaming in roomID,
// for SSE catch-up (§4.9's synthesized stream_start on connect).
func (m *Manager) RoomStreamingStates(roomID int64) map[types.TaskID]types.StreamingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.TaskID]types.StreamingState)
	for taskID, s := range m.streamingState {
		if taskID.RoomID == roomID {
			out[taskID] = *s
		}
	}
	return out
}

// InterruptAll interrupts every active client, ignoring per-client errors,
// then clears the active set. Pooled clients are not evicted (§4.10).
//
// Both steps below matter: client.Interrupt is a best-effort wire-level
// request (a real stop signal for backend-B's turn/interrupt; a no-op for
// backend-A, which has no such RPC), while cancelling the turn's context is
// what actually unblocks run()'s select loop so it stops reading further
// events and never reaches decide()/SaveMessage for this turn — mirroring
// the Python original, where interrupt_room's client.interrupt() call is
// paired with the enclosing asyncio Task being cancelled so the awaited
// receive_response() iteration raises CancelledError.
func (m *Manager) InterruptAll(ctx context.Context) {
	m.mu.Lock()
	clients := make([]backend.Client, 0, len(m.activeClients))
	for _, c := range m.activeClients {
		clients = append(clients, c)
	}
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, cancel := range m.cancels {
		cancels = append(cancels, cancel)
	}
	m.activeClients = make(map[types.TaskID]backend.Client)
	m.cancels = make(map[types.TaskID]context.CancelFunc)
	m.mu.Unlock()

	for _, c := range clients {
		_ = c.Interrupt(ctx)
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// InterruptRoom interrupts only the active clients belonging to roomID (see
// InterruptAll for why both the client-level and context-level signals are
// needed).
func (m *Manager) InterruptRoom(ctx context.Context, roomID int64) {
	m.mu.Lock()
	var clients []backend.Client
	var cancels []context.CancelFunc
	for taskID, c := range m.activeClients {
		if taskID.RoomID == roomID {
			clients = append(clients, c)
			delete(m.activeClients, taskID)
			if cancel, ok := m.cancels[taskID]; ok {
				cancels = append(cancels, cancel)
				delete(m.cancels, taskID)
			}
		}
	}
	m.mu.Unlock()

	for _, c := range clients {
		_ = c.Interrupt(ctx)
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// sessionOptions is a minimal backend.ClientOptions used only to carry a
// prior session id into Provider.BuildOptions; each provider replaces it
// with its own concrete variant.
type sessionOptions struct {
	sessionID string
}

func (s sessionOptions) Backend() types.BackendName              { return "" }
func (s sessionOptions) SessionID() string                       { return s.sessionID }
func (s sessionOptions) WithSessionID(id string) backend.ClientOptions {
	s.sessionID = id
	return s
}

var _ backend.ClientOptions = sessionOptions{}
