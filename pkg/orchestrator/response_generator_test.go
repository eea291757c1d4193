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
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/roomorc/pkg/imagecodec"
	"github.com/teradata-labs/roomorc/pkg/types"
)

func newTestRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

func newTestGenerator() *ResponseGenerator {
	return NewResponseGenerator(DefaultResponseGeneratorConfig(), nil, nil, nil, nil, 1, nil)
}

func TestAssembleBlocks_SkipsSkippedAndSystemMessages(t *testing.T) {
	history := []types.Message{
		{Content: types.SkippedContent, Participant: types.ParticipantCharacter, ParticipantName: "Nova"},
		{Content: "system note", Participant: types.ParticipantSystem},
		{Content: "hello", Participant: types.ParticipantUser, ParticipantName: "Al"},
	}

	g := newTestGenerator()
	blocks, _, started := g.assembleBlocks(history, imagecodec.FormatWebP)
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0].Text, "Al:\nhello")
	assert.True(t, started)
}

func TestAssembleBlocks_DetectsSituationBuilder(t *testing.T) {
	history := []types.Message{
		{Content: "the scene opens", Participant: types.ParticipantSituationBuilder, ParticipantName: "Narrator"},
	}
	g := newTestGenerator()
	_, hasSituationBuilder, conversationStarted := g.assembleBlocks(history, imagecodec.FormatWebP)
	assert.True(t, hasSituationBuilder)
	assert.False(t, conversationStarted, "a situation-builder message alone does not count as the conversation starting")
}

func TestAssembleBlocks_SplitsAtImageBoundaries(t *testing.T) {
	history := []types.Message{
		{
			Content:     "look at this",
			Participant: types.ParticipantUser,
			ParticipantName: "Al",
			Images:      []types.InlineImage{{Base64: "abc", MediaType: "image/png"}},
		},
		{Content: "neat", Participant: types.ParticipantCharacter, ParticipantName: "Nova"},
	}

	g := newTestGenerator()
	blocks, _, _ := g.assembleBlocks(history, imagecodec.FormatPNG)
	require.Len(t, blocks, 3, "text before the image, the image itself, and text after must be separate blocks")
	assert.Equal(t, types.ContentText, blocks[0].Kind)
	assert.Equal(t, types.ContentImage, blocks[1].Kind)
	// "abc" isn't a decodable image, so Convert fails and the original bytes
	// are forwarded unchanged rather than dropped.
	assert.Equal(t, "image/png", blocks[1].Image.MediaType)
	assert.Equal(t, types.ContentText, blocks[2].Kind)
	assert.Contains(t, blocks[2].Text, "neat")
}

func TestFirstUserDisplayName_ReturnsEarliestUserOrCharacter(t *testing.T) {
	history := []types.Message{
		{Content: "system", Participant: types.ParticipantSystem},
		{Content: "hi", Participant: types.ParticipantUser, ParticipantName: "Al"},
		{Content: "hey", Participant: types.ParticipantCharacter, ParticipantName: "Nova"},
	}
	assert.Equal(t, "Al", firstUserDisplayName(history))
}

func TestFirstUserDisplayName_EmptyWhenNoneFound(t *testing.T) {
	history := []types.Message{{Content: "system", Participant: types.ParticipantSystem}}
	assert.Equal(t, "", firstUserDisplayName(history))
}

func TestSubstituteParticles_ReplacesBothTokens(t *testing.T) {
	out := substituteParticles("{{agent_name}} replies to {{user_name}}", "Nova", "Al")
	assert.Equal(t, "Nova replies to Al", out)
}

func TestUncommonRoll_ClampsToMinWhenMaxNotGreater(t *testing.T) {
	rng := newTestRNG(1)
	assert.Equal(t, 0.1, uncommonRoll(rng, 0.1, 0.1))
	assert.Equal(t, 0.1, uncommonRoll(rng, 0.1, 0.05))
}

func TestPickSpecialInstruction_DeterministicForSameSeed(t *testing.T) {
	cfg := DefaultResponseGeneratorConfig()
	g1 := NewResponseGenerator(cfg, nil, nil, nil, nil, 99, nil)
	g2 := NewResponseGenerator(cfg, nil, nil, nil, nil, 99, nil)

	for i := 0; i < 20; i++ {
		assert.Equal(t, g1.pickSpecialInstruction(), g2.pickSpecialInstruction())
	}
}

func TestPickSpecialInstruction_NeverExceedsConfiguredProbabilities(t *testing.T) {
	cfg := ResponseGeneratorConfig{RareInstructionProb: 0, UncommonInstructionMin: 0, UncommonInstructionMax: 0}
	g := NewResponseGenerator(cfg, nil, nil, nil, nil, 7, nil)

	for i := 0; i < 50; i++ {
		assert.Equal(t, "", g.pickSpecialInstruction(), "with both probabilities at zero, no special instruction should ever fire")
	}
}
