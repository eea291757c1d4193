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

package backendb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/roomorc/pkg/transport"
)

func TestParser_AgentMessageDeltaAccumulates(t *testing.T) {
	p := Parser{}

	out := p.Parse(transport.Notification{Method: "item/agentMessage/delta", Params: []byte(`{"delta":"hel"}`)}, "", "")
	assert.Equal(t, "hel", out.ResponseText)

	out = p.Parse(transport.Notification{Method: "item/agentMessage/delta", Params: []byte(`{"delta":"lo"}`)}, out.ResponseText, "")
	assert.Equal(t, "hello", out.ResponseText)
}

func TestParser_ReasoningTextDeltaAccumulatesSeparately(t *testing.T) {
	p := Parser{}
	out := p.Parse(transport.Notification{Method: "item/reasoning/textDelta", Params: []byte(`{"delta":"thinking..."}`)}, "response so far", "")
	assert.Equal(t, "response so far", out.ResponseText, "a reasoning delta must not touch response text")
	assert.Equal(t, "thinking...", out.ThinkingText)
}

func TestParser_TurnCompletedSetsIsCompletedAndErrorText(t *testing.T) {
	p := Parser{}

	ok := p.Parse(transport.Notification{Method: "turn/completed", Params: []byte(`{"status":"ok"}`)}, "", "")
	assert.True(t, ok.IsCompleted)
	assert.Empty(t, ok.ErrorText)

	failed := p.Parse(transport.Notification{Method: "turn/completed", Params: []byte(`{"status":"error"}`)}, "", "")
	assert.True(t, failed.IsCompleted)
	assert.NotEmpty(t, failed.ErrorText)
}

func TestParser_ThreadStartedCapturesSessionID(t *testing.T) {
	p := Parser{}
	out := p.Parse(transport.Notification{Method: "thread/started", Params: []byte(`{"threadId":"t-123"}`)}, "", "")
	require.NotNil(t, out.SessionID)
	assert.Equal(t, "t-123", *out.SessionID)
}

func TestParser_ResponseItemIgnoresNonAssistantRole(t *testing.T) {
	p := Parser{}
	out := p.Parse(transport.Notification{Method: "response_item", Params: []byte(`{
		"role": "user",
		"content": [{"type": "text", "text": "should not appear"}]
	}`)}, "", "")
	assert.Empty(t, out.ResponseText)
}

func TestParser_ResponseItemExtractsTextAndReasoning(t *testing.T) {
	p := Parser{}
	out := p.Parse(transport.Notification{Method: "response_item", Params: []byte(`{
		"role": "assistant",
		"content": [
			{"type": "output_text", "text": "hello there"},
			{"type": "reasoning", "text": "pondering"}
		]
	}`)}, "", "")
	assert.Equal(t, "hello there", out.ResponseText)
	assert.Equal(t, "pondering", out.ThinkingText)
}

func TestParser_ResponseItemMemorizeToolCall(t *testing.T) {
	p := Parser{}
	out := p.Parse(transport.Notification{Method: "response_item", Params: []byte(`{
		"role": "assistant",
		"content": [{"type": "tool_use", "name": "agent__memorize", "input": {"memory_entry": "likes tea"}}]
	}`)}, "", "")
	require.Len(t, out.MemoryEntries, 1)
	assert.Equal(t, "likes tea", out.MemoryEntries[0].Text)
}

func TestParser_ResponseItemSkipToolCall(t *testing.T) {
	p := Parser{}
	out := p.Parse(transport.Notification{Method: "response_item", Params: []byte(`{
		"role": "assistant",
		"content": [{"type": "mcp_tool_call", "name": "agent__skip", "input": {}}]
	}`)}, "", "")
	assert.True(t, out.SkipUsed)
}

func TestParser_ResponseItemPolicyCheckToolCall(t *testing.T) {
	p := Parser{}
	out := p.Parse(transport.Notification{Method: "response_item", Params: []byte(`{
		"role": "assistant",
		"content": [{"type": "tool_use", "name": "agent__policy_check", "input": {"situation": "is this ok?"}}]
	}`)}, "", "")
	require.Len(t, out.PolicyCheckCalls, 1)
	assert.Equal(t, "is this ok?", out.PolicyCheckCalls[0].Situation)
}

func TestParser_NonNotificationRawEventIsANoop(t *testing.T) {
	p := Parser{}
	out := p.Parse("not a notification", "existing", "thinking")
	assert.Equal(t, "existing", out.ResponseText)
	assert.Equal(t, "thinking", out.ThinkingText)
}

func TestIsThreadNotFound(t *testing.T) {
	assert.True(t, isThreadNotFound(errors.New("thread not found")))
	assert.True(t, isThreadNotFound(errors.New("unknown thread id")))
	assert.False(t, isThreadNotFound(errors.New("connection refused")))
}
