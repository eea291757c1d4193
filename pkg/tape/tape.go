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

// Package tape computes the speaking order for one round (§4.6). Nothing
// in the teacher does turn ordering; this package is built from the spec's
// algorithm directly, using math/rand/v2's seedable generator (§9: replace
// ambient global RNG with one threaded explicitly, so round ordering is
// reproducible in tests) and sahilm/fuzzy for @mention resolution.
package tape

import (
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/teradata-labs/roomorc/pkg/types"
)

// Generator produces tapes with a private, seedable RNG so round ordering
// never touches process-global mutable state.
type Generator struct {
	rng *rand.Rand
}

// New builds a Generator. Two different Generators built from the same seed
// produce identical shuffles.
func New(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type partitions struct {
	priority []types.Agent
	regular  []types.Agent
	last     []types.Agent
}

func (g *Generator) partition(agents []types.Agent) partitions {
	var p partitions
	for _, a := range agents {
		switch {
		case a.Priority > 0:
			p.priority = append(p.priority, a)
		case a.Priority < 0:
			p.last = append(p.last, a)
		default:
			p.regular = append(p.regular, a)
		}
	}

	sort.SliceStable(p.priority, func(i, j int) bool { return p.priority[i].Priority > p.priority[j].Priority })
	// "more negative later": ascending order puts the most negative last.
	sort.SliceStable(p.last, func(i, j int) bool { return p.last[i].Priority < p.last[j].Priority })

	g.rng.Shuffle(len(p.regular), func(i, j int) { p.regular[i], p.regular[j] = p.regular[j], p.regular[i] })

	return p
}

// ResolveMention fuzzy-matches an "@name" token in userMessage against
// agents' names and returns the best match, or nil if no "@" token is
// present or nothing scores above the match threshold.
func ResolveMention(userMessage string, agents []types.Agent) *types.Agent {
	token := extractMentionToken(userMessage)
	if token == "" || len(agents) == 0 {
		return nil
	}

	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}

	matches := fuzzy.Find(token, names)
	if len(matches) == 0 {
		return nil
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if m.Score > best.Score {
			best = m
		}
	}
	agent := agents[best.Index]
	return &agent
}

func extractMentionToken(message string) string {
	at := strings.IndexByte(message, '@')
	if at == -1 {
		return ""
	}
	rest := message[at+1:]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == ','
	})
	if end == -1 {
		return rest
	}
	return rest[:end]
}

// appendAgentCells appends a Sequential cell (and, if the agent is
// non-transparent and interrupt agents exist, a trailing Interrupt cell
// excluding that agent) for every agent in group not equal to skip.
func appendAgentCells(tape types.Tape, group []types.Agent, skip *int64, interruptIDs []int64) types.Tape {
	for _, a := range group {
		if skip != nil && a.ID == *skip {
			continue
		}
		tape = append(tape, types.Sequential(a.ID))
		if !a.Transparent && len(interruptIDs) > 0 {
			triggering := a.ID
			tape = append(tape, types.Interrupt(excludeID(interruptIDs, a.ID), &triggering))
		}
	}
	return tape
}

func excludeID(ids []int64, exclude int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func interruptAgentIDs(agents []types.Agent) []int64 {
	var ids []int64
	for _, a := range agents {
		if a.IsInterruptAgent() {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Initial builds the tape for a round following a new user message (§4.6.1).
// regularAgents is every non-interrupt agent in the room (any priority);
// interruptAgents is the room's interrupt-every-turn agents; userMessage may
// be empty.
func (g *Generator) Initial(regularAgents, interruptAgents []types.Agent, userMessage string) types.Tape {
	interruptIDs := interruptAgentIDs(interruptAgents)
	mentioned := ResolveMention(userMessage, regularAgents)

	var tape types.Tape

	if len(interruptIDs) > 0 {
		tape = append(tape, types.Interrupt(interruptIDs, nil))
	}

	var mentionedID *int64
	if mentioned != nil {
		id := mentioned.ID
		mentionedID = &id
		tape = append(tape, types.Sequential(id))
		if !mentioned.Transparent && len(interruptIDs) > 0 {
			tape = append(tape, types.Interrupt(excludeID(interruptIDs, id), &id))
		}
	}

	parts := g.partition(regularAgents)
	tape = appendAgentCells(tape, parts.priority, mentionedID, interruptIDs)
	tape = appendAgentCells(tape, parts.regular, mentionedID, interruptIDs)
	tape = appendAgentCells(tape, parts.last, mentionedID, interruptIDs)

	return tape
}

// FollowUp builds the tape for an orchestrator-initiated round (§4.6.2): the
// same composition as Initial minus the leading interrupt cell and mention
// special-casing.
func (g *Generator) FollowUp(regularAgents, interruptAgents []types.Agent) types.Tape {
	interruptIDs := interruptAgentIDs(interruptAgents)

	var tape types.Tape
	parts := g.partition(regularAgents)
	tape = appendAgentCells(tape, parts.priority, nil, interruptIDs)
	tape = appendAgentCells(tape, parts.regular, nil, interruptIDs)
	tape = appendAgentCells(tape, parts.last, nil, interruptIDs)

	return tape
}
