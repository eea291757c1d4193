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

package main

import (
	"fmt"

	"github.com/teradata-labs/roomorc/pkg/storeiface"
	"github.com/teradata-labs/roomorc/pkg/types"
)

// staticPrompts is a fixed-text storeiface.PromptProvider, standing in for
// the templated prompt service named in §6.
type staticPrompts struct{}

func (staticPrompts) SystemPromptFor(backendName types.BackendName) string {
	return "You are a character in a multi-party chat room. Stay in voice. " +
		"Use the skip tool to pass your turn silently when you have nothing to add."
}

func (staticPrompts) ContextTemplate() storeiface.ContextTemplate {
	return storeiface.ContextTemplate{
		Header:              "## Conversation so far\n",
		Footer:              "## End of conversation\n",
		RecallReminder:      "Remember what your character knows from their long-term memory before replying.",
		ResponseInstruction: "{{agent_name}}, respond as yourself. Address {{user_name}} directly if replying to them.",
	}
}

func (staticPrompts) ToolDescription(name string, args map[string]any) string {
	return fmt.Sprintf("%s(%v)", name, args)
}

var _ storeiface.PromptProvider = staticPrompts{}
