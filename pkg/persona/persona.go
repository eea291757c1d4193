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

// Package persona implements the persona loader contract (§6) against YAML
// files on disk, in the teacher's config-loading style (pkg/agent/
// config_loader.go: a YAML struct mirroring the domain model, loaded with
// gopkg.in/yaml.v3) but without that file's proto-backed AgentConfig —
// persona files here are plain identity/memory documents, not full agent
// configs.
package persona

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/roomorc/pkg/types"
)

// fileYAML mirrors the on-disk persona.yaml shape.
type fileYAML struct {
	IdentitySummary string            `yaml:"identity_summary"`
	Characteristics []string          `yaml:"characteristics"`
	RecentEvents    []string          `yaml:"recent_events"`
	LongTermMemory  map[string]string `yaml:"long_term_memory"`
}

// Loader reads persona.yaml out of a directory tree rooted at Root.
type Loader struct {
	Root string
}

func NewLoader(root string) *Loader {
	return &Loader{Root: root}
}

// LoadAgentConfig implements storeiface.PersonaLoader.
func (l *Loader) LoadAgentConfig(ctx context.Context, agentFolder string) (types.PersonaConfig, error) {
	path := filepath.Join(l.Root, agentFolder, "persona.yaml")

	raw, err := os.ReadFile(path)
	if err != nil {
		return types.PersonaConfig{}, fmt.Errorf("read persona file %q: %w", path, err)
	}

	var doc fileYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return types.PersonaConfig{}, fmt.Errorf("parse persona file %q: %w", path, err)
	}

	return types.PersonaConfig{
		IdentitySummary:   doc.IdentitySummary,
		Characteristics:   doc.Characteristics,
		RecentEvents:      doc.RecentEvents,
		LongTermMemoryIdx: doc.LongTermMemory,
	}, nil
}

// AppendMemoryEntry is called by the memorize tool (§6 contract; out-of-band
// from the orchestrator, per §4.8 step 7) to persist a new long-term memory
// line under subtitle.
func (l *Loader) AppendMemoryEntry(agentFolder, subtitle, entry string) error {
	path := filepath.Join(l.Root, agentFolder, "persona.yaml")

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read persona file %q: %w", path, err)
	}

	var doc fileYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse persona file %q: %w", path, err)
	}

	if doc.LongTermMemory == nil {
		doc.LongTermMemory = make(map[string]string)
	}
	if existing, ok := doc.LongTermMemory[subtitle]; ok && existing != "" {
		doc.LongTermMemory[subtitle] = existing + "\n" + entry
	} else {
		doc.LongTermMemory[subtitle] = entry
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal persona file %q: %w", path, err)
	}

	return os.WriteFile(path, out, 0o644)
}
