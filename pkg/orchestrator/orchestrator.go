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

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/roomorc/pkg/agentmanager"
	"github.com/teradata-labs/roomorc/pkg/storeiface"
	"github.com/teradata-labs/roomorc/pkg/tape"
	"github.com/teradata-labs/roomorc/pkg/types"
)

// Orchestrator drives rounds for rooms until one of the stop conditions in
// §4.7 is reached.
type Orchestrator struct {
	persistence storeiface.Persistence
	responses   *ResponseGenerator
	manager     *agentmanager.Manager
	tapes       *tape.Generator
	logger      *zap.Logger

	mu                  sync.Mutex
	lastUserMessageTime map[int64]time.Time
}

func New(persistence storeiface.Persistence, responses *ResponseGenerator, manager *agentmanager.Manager, tapes *tape.Generator, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		persistence:          persistence,
		responses:            responses,
		manager:              manager,
		tapes:                tapes,
		logger:               logger,
		lastUserMessageTime: make(map[int64]time.Time),
	}
}

// OnUserMessage implements the interruption semantics in §4.7: it records
// the new message time, interrupts any in-flight turns in the room, and
// runs a fresh initial round.
func (o *Orchestrator) OnUserMessage(ctx context.Context, roomID int64) error {
	o.mu.Lock()
	o.lastUserMessageTime[roomID] = time.Now()
	o.mu.Unlock()

	o.manager.InterruptRoom(ctx, roomID)

	return o.runRound(ctx, roomID, true)
}

// RunFollowupRound implements the scheduler's entrypoint (§4.11): a single
// orchestrator-initiated round with no new user message.
func (o *Orchestrator) RunFollowupRound(ctx context.Context, roomID int64) error {
	return o.runRound(ctx, roomID, false)
}

func (o *Orchestrator) lastUserMessage(roomID int64) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUserMessageTime[roomID]
}

func (o *Orchestrator) runRound(ctx context.Context, roomID int64, initial bool) error {
	room, err := o.persistence.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room: %w", err)
	}
	if room.Paused || room.Finished {
		return nil
	}
	if !initial && room.MaxFollowupRounds > 0 && room.FollowupRoundsUsed >= room.MaxFollowupRounds {
		return nil
	}

	regular, interrupting, err := o.roomAgents(ctx, room)
	if err != nil {
		return err
	}

	if !initial {
		if err := o.persistence.IncrementFollowupRounds(ctx, roomID); err != nil {
			return fmt.Errorf("increment followup rounds: %w", err)
		}
	}

	var round types.Tape
	if initial {
		userMessage, merr := o.latestUserMessageText(ctx, roomID)
		if merr != nil {
			return merr
		}
		round = o.tapes.Initial(regular, interrupting, userMessage)
	} else {
		round = o.tapes.FollowUp(regular, interrupting)
	}

	agentsByID := indexAgents(append(append([]types.Agent{}, regular...), interrupting...))

	anySpoke := false
	preempted := false
	for _, cell := range round {
		if cell.IsNoop() {
			continue
		}

		cellStart := time.Now()
		if o.lastUserMessage(roomID).After(cellStart) {
			preempted = true
			break
		}

		spoke, err := o.runCell(ctx, room, cell, agentsByID, cellStart)
		if err != nil {
			return err
		}
		anySpoke = anySpoke || spoke
	}

	if !anySpoke && !preempted {
		if err := o.persistence.MarkRoomFinished(ctx, roomID); err != nil {
			return fmt.Errorf("mark room finished: %w", err)
		}
	}

	return nil
}

func (o *Orchestrator) runCell(ctx context.Context, room types.Room, cell types.Cell, agentsByID map[int64]types.Agent, cellStart time.Time) (bool, error) {
	switch cell.Kind {
	case types.CellSequential:
		agent, ok := agentsByID[cell.AgentIDs[0]]
		if !ok {
			return false, nil
		}
		return o.responses.Generate(ctx, room, agent, cellStart, o.lastUserMessage(room.ID), cell.TriggeringAgent)

	case types.CellInterrupt:
		// Agents in an Interrupt cell run concurrently: sequential reasoning
		// only needs ordering within Sequential cells (§4.7).
		var group errgroup.Group
		var anySpokeMu sync.Mutex
		anySpoke := false

		for _, id := range cell.AgentIDs {
			agent, ok := agentsByID[id]
			if !ok {
				continue
			}
			group.Go(func() error {
				spoke, err := o.responses.Generate(ctx, room, agent, cellStart, o.lastUserMessage(room.ID), cell.TriggeringAgent)
				if err != nil {
					return err
				}
				if spoke {
					anySpokeMu.Lock()
					anySpoke = true
					anySpokeMu.Unlock()
				}
				return nil
			})
		}

		if err := group.Wait(); err != nil {
			return false, err
		}
		return anySpoke, nil
	}

	return false, nil
}

func (o *Orchestrator) roomAgents(ctx context.Context, room types.Room) (regular, interrupting []types.Agent, err error) {
	for _, id := range room.MemberAgentIDs {
		agent, gerr := o.persistence.GetAgent(ctx, id)
		if gerr != nil {
			return nil, nil, fmt.Errorf("get agent %d: %w", id, gerr)
		}
		if agent.IsInterruptAgent() {
			interrupting = append(interrupting, agent)
		} else {
			regular = append(regular, agent)
		}
	}
	return regular, interrupting, nil
}

func (o *Orchestrator) latestUserMessageText(ctx context.Context, roomID int64) (string, error) {
	messages, err := o.persistence.GetAllMessages(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("get all messages: %w", err)
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Content, nil
		}
	}
	return "", nil
}

func indexAgents(agents []types.Agent) map[int64]types.Agent {
	out := make(map[int64]types.Agent, len(agents))
	for _, a := range agents {
		out[a.ID] = a
	}
	return out
}
