// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package builder turns a free-text description into a validated
// workflow definition using a single model completion.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/love-me/internal/llm"
	"github.com/tombee/love-me/pkg/errors"
	"github.com/tombee/love-me/pkg/tools"
	"github.com/tombee/love-me/pkg/workflow"
)

const systemPrompt = `You design workflow definitions for a personal automation daemon.
Reply with a single JSON object and nothing else. The object has fields:
id (omit it), name, description, enabled (boolean), trigger, steps, notify.
A trigger is {"type":"cron","expression":"<5-field cron>"} or
{"type":"event","source":"<source>","event":"<event>"}.
Each step is {"id","tool","input","dependsOn","onError"} where input values
are {"literal":"..."} constants or {"step":"<id>","path":".a.b"} references
to a prior step's output, and onError is "stop", "skip" or "retry".
Use only the tools listed below.`

// Builder authors workflows through the model.
type Builder struct {
	source llm.EventSource
	router *tools.Router
	logger *slog.Logger
}

// New creates a builder.
func New(source llm.EventSource, router *tools.Router, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		source: source,
		router: router,
		logger: logger.With(slog.String("component", "builder")),
	}
}

// Build asks the model for a workflow matching description, decodes and
// validates the reply, and returns it ready for storage. The returned
// workflow always carries a fresh id.
func (b *Builder) Build(ctx context.Context, description string) (*workflow.Workflow, error) {
	reply, err := b.source.Complete(ctx, llm.Request{
		System: b.prompt(),
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: description,
		}},
	})
	if err != nil {
		return nil, err
	}

	var w workflow.Workflow
	if err := json.Unmarshal([]byte(StripFence(reply)), &w); err != nil {
		return nil, &errors.ValidationError{
			Field:      "content",
			Message:    fmt.Sprintf("model reply is not a workflow: %v", err),
			Suggestion: "rephrase the description and try again",
		}
	}

	w.ID = uuid.NewString()
	now := time.Now().UTC()
	w.Created = now
	w.Updated = now
	if err := workflow.Validate(&w); err != nil {
		return nil, err
	}
	b.logger.Info("workflow built",
		slog.String("workflow", w.ID),
		slog.String("name", w.Name),
		slog.Int("steps", len(w.Steps)))
	return &w, nil
}

func (b *Builder) prompt() string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, d := range b.router.List() {
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
	}
	return sb.String()
}

// StripFence removes one enclosing markdown code fence, if present. A
// fence inside the JSON stays untouched; only a single outer layer is
// peeled.
func StripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	rest := trimmed[3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line.
		rest = rest[nl+1:]
	} else {
		return trimmed
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasSuffix(rest, "```") {
		return trimmed
	}
	return strings.TrimSpace(strings.TrimSuffix(rest, "```"))
}
