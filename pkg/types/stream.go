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
package types

// MemoryEntry is a memorize-tool invocation surfaced from the stream (§4.5).
// The entry has already been applied to the persona file out-of-band by the
// tool implementation; the orchestrator only logs it (§4.8 step 7).
type MemoryEntry struct {
	Text string
}

// ParsedStreamMessage is the additive, backend-agnostic shape every raw
// backend event is converted into (§4.1, §4.5). Fields only ever grow
// across a stream: response/thinking text are cumulative.
type ParsedStreamMessage struct {
	ResponseText      string
	ThinkingText      string
	SessionID         *string
	SkipUsed          bool
	MemoryEntries     []MemoryEntry
	PolicyCheckCalls  []PolicyCheckCall
	IsCompleted       bool
	ErrorText         string // non-empty iff the backend reported a failed turn
}

// ContentBlockKind discriminates the blocks accepted by Client.Query.
type ContentBlockKind int

const (
	ContentText ContentBlockKind = iota
	ContentImage
)

// ContentBlock is one element of a lazy content-block query (§4.1).
type ContentBlock struct {
	Kind  ContentBlockKind
	Text  string
	Image InlineImage
}
