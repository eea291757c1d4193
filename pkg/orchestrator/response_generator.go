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

// Package orchestrator implements the round/cell driver (§4.7) and the
// per-agent response generator (§4.8), including the single session
// recovery retry (§4.12).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/roomorc/pkg/agentmanager"
	"github.com/teradata-labs/roomorc/pkg/backend"
	"github.com/teradata-labs/roomorc/pkg/broadcaster"
	"github.com/teradata-labs/roomorc/pkg/imagecodec"
	"github.com/teradata-labs/roomorc/pkg/storeiface"
	"github.com/teradata-labs/roomorc/pkg/types"
)

// ResponseGeneratorConfig holds the tunables named (but not pinned to exact
// constants) in §4.8 step 2.
type ResponseGeneratorConfig struct {
	ContextMessageLimit   int
	RareInstructionProb   float64
	UncommonInstructionMin float64
	UncommonInstructionMax float64
}

func DefaultResponseGeneratorConfig() ResponseGeneratorConfig {
	return ResponseGeneratorConfig{
		ContextMessageLimit:    120,
		RareInstructionProb:    0.05,
		UncommonInstructionMin: 0.10,
		UncommonInstructionMax: 0.20,
	}
}

// specialInstructions holds the two "special instruction" texts named in
// §4.8 step 2. NewResponseGenerator fills both with fixed text; they are not
// read from storeiface.PromptProvider.
type specialInstructions struct {
	Rare     string
	Uncommon string
}

// ResponseGenerator implements §4.8.
type ResponseGenerator struct {
	cfg ResponseGeneratorConfig

	persistence storeiface.Persistence
	prompts     storeiface.PromptProvider
	manager     *agentmanager.Manager
	broadcast   *broadcaster.Broadcaster
	logger      *zap.Logger

	rng *rand.Rand

	special specialInstructions
}

func NewResponseGenerator(cfg ResponseGeneratorConfig, persistence storeiface.Persistence, prompts storeiface.PromptProvider, manager *agentmanager.Manager, bc *broadcaster.Broadcaster, seed uint64, logger *zap.Logger) *ResponseGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseGenerator{
		cfg:         cfg,
		persistence: persistence,
		prompts:     prompts,
		manager:     manager,
		broadcast:   bc,
		logger:      logger,
		rng:         rand.New(rand.NewPCG(seed, seed^0xd1b54a32d192ed03)),
		special: specialInstructions{
			Rare:     "Occasionally let a private, half-formed thought slip into your reply before continuing.",
			Uncommon: "Feel free to bring up something only tangentially related if it fits naturally.",
		},
	}
}

// Generate runs one agent invocation inside a cell and reports whether the
// agent actually spoke (§4.7 step 3's "did the agent actually speak?").
func (g *ResponseGenerator) Generate(ctx context.Context, room types.Room, agent types.Agent, cellStart time.Time, lastUserMessageTime time.Time, triggeringAgentID *int64) (bool, error) {
	binding, _, err := g.persistence.GetSessionBinding(ctx, room.ID, agent.ID, room.PreferredBackend)
	if err != nil {
		return false, fmt.Errorf("get session binding: %w", err)
	}

	history, err := g.persistence.GetRoomMessagesAfterAgent(ctx, room.ID, agent.ID, g.cfg.ContextMessageLimit)
	if err != nil {
		return false, fmt.Errorf("load context: %w", err)
	}

	rc, err := g.buildContext(room, agent, history, binding.SessionID)
	if err != nil {
		return false, err
	}

	spoke, finalEvent, err := g.runOnce(ctx, rc)

	var recoveryErr *backend.SessionRecoveryError
	if err != nil && errors.As(err, &recoveryErr) {
		fullHistory, histErr := g.persistence.GetAllMessages(ctx, room.ID)
		if histErr != nil {
			return false, fmt.Errorf("rebuild full history after session recovery: %w", histErr)
		}
		// The original's build_conversation_context has no skip-replay toggle:
		// it unconditionally filters skip-marked messages for both the normal
		// per-turn path and this full-history recovery rebuild
		// (chatroom_orchestration/context.py). assembleBlocks already drops
		// them the same way below, so no separate filtering pass is needed
		// here.
		rc, err = g.buildContext(room, agent, fullHistory, "")
		if err != nil {
			return false, err
		}
		spoke, finalEvent, err = g.runOnce(ctx, rc)
	}

	if err != nil {
		return false, err
	}

	return g.decide(ctx, room, agent, cellStart, lastUserMessageTime, finalEvent, spoke)
}

// runOnce drives one GenerateResponse call to completion, relaying stream
// events to the broadcaster as they arrive.
func (g *ResponseGenerator) runOnce(ctx context.Context, rc agentmanager.AgentResponseContext) (bool, agentmanager.StreamEvent, error) {
	var final agentmanager.StreamEvent
	spoke := false

	for event := range g.manager.GenerateResponse(ctx, rc) {
		g.relay(rc.RoomID, event)
		if event.Kind == types.EventStreamEnd {
			final = event
			if event.Err != nil {
				return false, final, event.Err
			}
			spoke = !event.Skipped && event.ResponseText != nil
		}
	}

	return spoke, final, nil
}

func (g *ResponseGenerator) relay(roomID int64, event agentmanager.StreamEvent) {
	ev := types.Event{
		Kind:         event.Kind,
		TempID:       event.TempID,
		AgentID:      event.AgentID,
		Delta:        event.Delta,
		Response:     event.ResponseText,
		Thinking:     event.ThinkingText,
		SessionID:    event.SessionID,
		Memory:       event.Memory,
		Policy:       event.PolicyChecks,
		Skipped:      event.Skipped,
		Timestamp:    time.Now().Unix(),
	}
	g.broadcast.Broadcast(roomID, ev)
}

// decide implements §4.8 step 7-8.
func (g *ResponseGenerator) decide(ctx context.Context, room types.Room, agent types.Agent, cellStart, lastUserMessageTime time.Time, final agentmanager.StreamEvent, spoke bool) (bool, error) {
	interrupted := lastUserMessageTime.After(cellStart)

	if !spoke || interrupted || room.Paused {
		g.broadcast.Broadcast(room.ID, types.Event{Kind: types.EventStreamEnd, TempID: final.TempID, AgentID: agent.ID, Skipped: true})
		return false, nil
	}

	msg, err := g.persistence.SaveMessage(ctx, room.ID, storeiface.MessageFields{
		Role:            types.RoleAssistant,
		Content:         *final.ResponseText,
		Thinking:        final.ThinkingText,
		PolicyChecks:    final.PolicyChecks,
		Participant:     types.ParticipantCharacter,
		ParticipantName: agent.Name,
		AgentID:         &agent.ID,
	})
	if err != nil {
		return false, fmt.Errorf("save message: %w", err)
	}

	for _, entry := range final.Memory {
		g.logger.Info("memory entry recorded", zap.Int64("agent_id", agent.ID), zap.String("text", entry.Text))
	}

	g.broadcast.Broadcast(room.ID, types.Event{Kind: types.EventNewMessage, Message: &msg})

	if final.SessionID != "" {
		binding, _, _ := g.persistence.GetSessionBinding(ctx, room.ID, agent.ID, room.PreferredBackend)
		if binding.SessionID != final.SessionID {
			_ = g.persistence.SetSessionBinding(ctx, types.SessionBinding{
				RoomID: room.ID, AgentID: agent.ID, Backend: room.PreferredBackend,
				SessionID: final.SessionID, UpdatedAt: time.Now(),
			})
		}
	}

	return true, nil
}

// buildContext implements §4.8 steps 1-4: context assembly, special
// instructions, conversation-shape detection, and system prompt.
func (g *ResponseGenerator) buildContext(room types.Room, agent types.Agent, history []types.Message, sessionID string) (agentmanager.AgentResponseContext, error) {
	target := imagecodec.TargetForBackend(room.PreferredBackend)
	blocks, hasSituationBuilder, conversationStarted := g.assembleBlocks(history, target)

	instruction := g.pickSpecialInstruction()
	if instruction != "" {
		blocks = append(blocks, types.ContentBlock{Kind: types.ContentText, Text: instruction})
	}

	tmpl := g.prompts.ContextTemplate()
	userName := firstUserDisplayName(history)
	response := substituteParticles(tmpl.ResponseInstruction, agent.Name, userName)
	blocks = append(blocks, types.ContentBlock{Kind: types.ContentText, Text: response})

	oneOnOne := len(room.MemberAgentIDs) == 1 && conversationStarted && !hasSituationBuilder

	systemPrompt := g.buildSystemPrompt(room, agent, oneOnOne)

	return agentmanager.AgentResponseContext{
		RoomID:              room.ID,
		AgentID:             agent.ID,
		AgentKey:            agent.Name,
		Backend:             room.PreferredBackend,
		SystemPrompt:        systemPrompt,
		UserMessageBlocks:    blocks,
		SessionID:           sessionID,
		HasSituationBuilder: hasSituationBuilder,
		ConversationStarted: conversationStarted,
	}, nil
}

// assembleBlocks builds the rolling `{speaker}:\n{content}\n\n` buffer,
// splitting at image boundaries so image position is preserved (§4.8 step 1).
// Each image is re-encoded by imagecodec.Convert, which always emits PNG;
// target only appears in the warning log. A conversion failure logs a
// warning and forwards the original bytes rather than dropping the image.
func (g *ResponseGenerator) assembleBlocks(history []types.Message, target imagecodec.TargetFormat) ([]types.ContentBlock, bool, bool) {
	var blocks []types.ContentBlock
	var buf strings.Builder
	hasSituationBuilder := false
	conversationStarted := false

	flush := func() {
		if buf.Len() > 0 {
			blocks = append(blocks, types.ContentBlock{Kind: types.ContentText, Text: buf.String()})
			buf.Reset()
		}
	}

	for _, m := range history {
		if m.IsSkipped() || m.Participant == types.ParticipantSystem {
			continue
		}
		if m.Participant == types.ParticipantSituationBuilder {
			hasSituationBuilder = true
		}
		if m.Participant == types.ParticipantUser || m.Participant == types.ParticipantCharacter {
			conversationStarted = true
		}

		speaker := m.ParticipantName
		if speaker == "" {
			speaker = string(m.Participant)
		}
		buf.WriteString(speaker)
		buf.WriteString(":\n")

		if len(m.Images) == 0 {
			buf.WriteString(m.Content)
			buf.WriteString("\n\n")
			continue
		}

		buf.WriteString(m.Content)
		buf.WriteString("\n")
		flush()
		for _, img := range m.Images {
			converted, err := imagecodec.Convert(img)
			if err != nil {
				g.logger.Warn("image re-encode failed, forwarding original",
					zap.String("target", string(target)), zap.Error(err))
				converted = img
			}
			blocks = append(blocks, types.ContentBlock{Kind: types.ContentImage, Image: converted})
		}
		buf.WriteString("\n")
	}
	flush()

	return blocks, hasSituationBuilder, conversationStarted
}

func firstUserDisplayName(history []types.Message) string {
	for _, m := range history {
		if m.Participant == types.ParticipantUser || m.Participant == types.ParticipantCharacter {
			return m.ParticipantName
		}
	}
	return ""
}

func (g *ResponseGenerator) pickSpecialInstruction() string {
	r := g.rng.Float64()
	switch {
	case r < g.cfg.RareInstructionProb:
		return g.special.Rare
	case r < g.cfg.RareInstructionProb+uncommonRoll(g.rng, g.cfg.UncommonInstructionMin, g.cfg.UncommonInstructionMax):
		return g.special.Uncommon
	default:
		return ""
	}
}

func uncommonRoll(rng *rand.Rand, min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + rng.Float64()*(max-min)
}

func substituteParticles(template, agentName, userName string) string {
	out := strings.ReplaceAll(template, "{{agent_name}}", agentName)
	out = strings.ReplaceAll(out, "{{user_name}}", userName)
	return out
}

func (g *ResponseGenerator) buildSystemPrompt(room types.Room, agent types.Agent, oneOnOne bool) string {
	var b strings.Builder
	b.WriteString(g.prompts.SystemPromptFor(room.PreferredBackend))
	b.WriteString("\n\n")

	if agent.PersonaConfig.IdentitySummary != "" {
		b.WriteString("## Identity\n")
		b.WriteString(agent.PersonaConfig.IdentitySummary)
		b.WriteString("\n\n")
	}
	if len(agent.PersonaConfig.Characteristics) > 0 {
		b.WriteString("## Characteristics\n")
		for _, c := range agent.PersonaConfig.Characteristics {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(agent.PersonaConfig.RecentEvents) > 0 {
		b.WriteString("## Recent events\n")
		for _, e := range agent.PersonaConfig.RecentEvents {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if oneOnOne {
		b.WriteString("## Conversation shape\nThis is a one-on-one conversation.\n\n")
	}

	b.WriteString("Current time: ")
	b.WriteString(time.Now().Format(time.RFC3339))
	b.WriteString("\n")

	return b.String()
}
