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

package tape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/roomorc/pkg/types"
)

func sequentialIDs(tp types.Tape) []int64 {
	var ids []int64
	for _, c := range tp {
		if c.Kind == types.CellSequential {
			ids = append(ids, c.AgentIDs[0])
		}
	}
	return ids
}

func TestInitial_PriorityBeforeRegularBeforeLast(t *testing.T) {
	agents := []types.Agent{
		{ID: 1, Name: "low", Priority: -5},
		{ID: 2, Name: "mid-a", Priority: 0},
		{ID: 3, Name: "high", Priority: 10},
		{ID: 4, Name: "mid-b", Priority: 0},
	}

	g := New(42)
	round := g.Initial(agents, nil, "")

	ids := sequentialIDs(round)
	require.Len(t, ids, 4)
	assert.Equal(t, int64(3), ids[0], "highest-priority agent must speak first")
	assert.Equal(t, int64(1), ids[3], "most-negative-priority agent must speak last")
	assert.ElementsMatch(t, []int64{2, 4}, ids[1:3], "regular agents fill the middle, in some shuffled order")
}

func TestInitial_MentionSpeaksFirst(t *testing.T) {
	agents := []types.Agent{
		{ID: 1, Name: "Nova"},
		{ID: 2, Name: "Echo"},
		{ID: 3, Name: "Zephyr"},
	}

	g := New(7)
	round := g.Initial(agents, nil, "hey @echo, what do you think?")

	ids := sequentialIDs(round)
	require.NotEmpty(t, ids)
	assert.Equal(t, int64(2), ids[0], "the @mentioned agent must speak before the rest of the regular group")
}

func TestInitial_NoSelfInterrupt(t *testing.T) {
	interruptAgent := types.Agent{ID: 100, Name: "Watcher", InterruptEveryTurn: true}
	agents := []types.Agent{
		{ID: 1, Name: "Nova"},
	}

	g := New(1)
	round := g.Initial(agents, []types.Agent{interruptAgent}, "")

	for _, cell := range round {
		if cell.Kind == types.CellInterrupt && cell.TriggeringAgent != nil && *cell.TriggeringAgent == 100 {
			t.Fatalf("an interrupt agent's own trigger must never schedule itself: got cell %+v", cell)
		}
		for _, id := range cell.AgentIDs {
			if cell.Kind == types.CellInterrupt && cell.TriggeringAgent != nil && id == *cell.TriggeringAgent {
				t.Fatalf("interrupt cell %+v includes its own triggering agent", cell)
			}
		}
	}
}

func TestInitial_TransparentAgentDoesNotTriggerInterrupt(t *testing.T) {
	interruptAgent := types.Agent{ID: 100, Name: "Watcher", InterruptEveryTurn: true}
	transparent := types.Agent{ID: 1, Name: "Ghost", Transparent: true}

	g := New(3)
	round := g.Initial([]types.Agent{transparent}, []types.Agent{interruptAgent}, "")

	for i, cell := range round {
		if cell.Kind == types.CellInterrupt && cell.TriggeringAgent != nil && *cell.TriggeringAgent == 1 {
			t.Fatalf("transparent agents must not trigger an interrupt cell: found one at index %d", i)
		}
	}
}

func TestInitial_EmptyInterruptCellIsNoop(t *testing.T) {
	// A lone interrupt agent speaking would be the only member of its own
	// post-turn interrupt cell, which appendAgentCells correctly excludes —
	// the resulting cell has zero agents and must be skippable by callers.
	sole := types.Agent{ID: 1, Name: "Solo", InterruptEveryTurn: true}

	g := New(9)
	round := g.Initial([]types.Agent{sole}, []types.Agent{sole}, "")

	for _, cell := range round {
		if cell.Kind == types.CellInterrupt && len(cell.AgentIDs) == 0 {
			assert.True(t, cell.IsNoop())
		}
	}
}

func TestFollowUp_NoMentionSpecialCasingOrLeadingInterrupt(t *testing.T) {
	interruptAgent := types.Agent{ID: 100, Name: "Watcher", InterruptEveryTurn: true}
	agents := []types.Agent{
		{ID: 1, Name: "Nova", Priority: 5},
		{ID: 2, Name: "Echo"},
	}

	g := New(11)
	round := g.FollowUp(agents, []types.Agent{interruptAgent})

	require.NotEmpty(t, round)
	assert.NotEqual(t, types.CellInterrupt, round[0].Kind, "follow-up rounds have no leading interrupt cell")

	ids := sequentialIDs(round)
	assert.Equal(t, int64(1), ids[0], "priority ordering still applies in follow-up rounds")
}

func TestGenerator_DeterministicForSameSeed(t *testing.T) {
	agents := []types.Agent{
		{ID: 1, Name: "a"}, {ID: 2, Name: "b"}, {ID: 3, Name: "c"}, {ID: 4, Name: "d"},
	}

	g1 := New(123)
	g2 := New(123)

	round1 := g1.FollowUp(agents, nil)
	round2 := g2.FollowUp(agents, nil)

	assert.Equal(t, sequentialIDs(round1), sequentialIDs(round2), "same seed must produce the same shuffle")
}

func TestResolveMention_NoAtTokenReturnsNil(t *testing.T) {
	agents := []types.Agent{{ID: 1, Name: "Nova"}}
	assert.Nil(t, ResolveMention("just a regular message", agents))
}

func TestResolveMention_BestFuzzyMatchWins(t *testing.T) {
	agents := []types.Agent{
		{ID: 1, Name: "Novak"},
		{ID: 2, Name: "Nova"},
	}
	got := ResolveMention("@nova hello there", agents)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID)
}
