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

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tombee/love-me/pkg/errors"
)

// AnthropicSource is an EventSource backed by the Anthropic Messages API.
type AnthropicSource struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates a source for the given model.
func NewAnthropic(apiKey, model string, maxTokens int) (*AnthropicSource, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{Key: "llm.api_key", Reason: "API key is required"}
	}
	if model == "" {
		return nil, &errors.ConfigError{Key: "llm.model", Reason: "model is required"}
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &AnthropicSource{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

// Stream implements EventSource.
func (a *AnthropicSource) Stream(ctx context.Context, req Request) (Stream, error) {
	params, err := a.params(req)
	if err != nil {
		return nil, err
	}
	raw := a.client.Messages.NewStreaming(ctx, *params)
	return newAnthropicStream(ctx, raw), nil
}

// Complete implements EventSource.
func (a *AnthropicSource) Complete(ctx context.Context, req Request) (string, error) {
	params, err := a.params(req)
	if err != nil {
		return "", err
	}
	msg, err := a.client.Messages.New(ctx, *params)
	if err != nil {
		return "", &errors.ProviderError{Provider: "anthropic", Message: err.Error(), Cause: err}
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(sdk.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	return b.String(), nil
}

func (a *AnthropicSource) params(req Request) (*sdk.MessageNewParams, error) {
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	for _, t := range req.Tools {
		schema, err := toolSchema(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func encodeMessages(msgs []Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case RoleToolUse:
			input := json.RawMessage(m.Content)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out = append(out, sdk.NewAssistantMessage(sdk.NewToolUseBlock(m.ToolID, input, m.ToolName)))
		case RoleToolResult:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolID, m.Content, m.IsError)))
		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	return out, nil
}

func toolSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var decoded struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{
		Properties: decoded.Properties,
		Required:   decoded.Required,
	}, nil
}

// anthropicStream adapts the SDK's SSE stream to the Stream interface.
type anthropicStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	raw    *ssestream.Stream[sdk.MessageStreamEventUnion]

	events chan Event

	errMu    sync.Mutex
	finalErr error

	// per-block decode state
	toolBlocks     map[int]*toolBuffer
	thinkingActive map[int]bool
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return "{}"
	}
	return joined
}

func newAnthropicStream(ctx context.Context, raw *ssestream.Stream[sdk.MessageStreamEventUnion]) *anthropicStream {
	cctx, cancel := context.WithCancel(ctx)
	s := &anthropicStream{
		ctx:            cctx,
		cancel:         cancel,
		raw:            raw,
		events:         make(chan Event, 32),
		toolBlocks:     make(map[int]*toolBuffer),
		thinkingActive: make(map[int]bool),
	}
	go s.run()
	return s
}

// Recv implements Stream. It returns io.EOF at normal end of stream.
func (s *anthropicStream) Recv() (Event, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if err := s.err(); err != nil {
			return Event{}, err
		}
		return Event{}, io.EOF
	case <-s.ctx.Done():
		return Event{}, s.ctx.Err()
	}
}

// Close implements Stream.
func (s *anthropicStream) Close() error {
	s.cancel()
	return s.raw.Close()
}

func (s *anthropicStream) run() {
	defer close(s.events)
	defer s.raw.Close()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}

		if !s.raw.Next() {
			if err := s.raw.Err(); err != nil {
				s.setErr(&errors.ProviderError{Provider: "anthropic", Message: err.Error(), Cause: err})
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}

		if err := s.handle(s.raw.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *anthropicStream) emit(ev Event) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.events <- ev:
		return nil
	}
}

func (s *anthropicStream) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			if block.ID == "" || block.Name == "" {
				return fmt.Errorf("tool use block missing id or name")
			}
			s.toolBlocks[idx] = &toolBuffer{id: block.ID, name: block.Name}
			return s.emit(Event{Kind: KindToolUseStart, ToolID: block.ID, ToolName: block.Name})
		case sdk.ThinkingBlock:
			s.thinkingActive[idx] = true
			return s.emit(Event{Kind: KindThinkingStart})
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return s.emit(Event{Kind: KindTextDelta, Text: delta.Text})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			if !s.thinkingActive[idx] {
				s.thinkingActive[idx] = true
				if err := s.emit(Event{Kind: KindThinkingStart}); err != nil {
					return err
				}
			}
			return s.emit(Event{Kind: KindThinkingDelta, Text: delta.Thinking})
		case sdk.InputJSONDelta:
			if tb := s.toolBlocks[idx]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		}
		return nil

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if s.thinkingActive[idx] {
			delete(s.thinkingActive, idx)
			return s.emit(Event{Kind: KindThinkingDone})
		}
		if tb := s.toolBlocks[idx]; tb != nil {
			delete(s.toolBlocks, idx)
			return s.emit(Event{
				Kind:     KindToolUseDone,
				ToolID:   tb.id,
				ToolName: tb.name,
				ArgsJSON: tb.finalInput(),
			})
		}
		return nil
	}
	return nil
}

func (s *anthropicStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.finalErr == nil {
		s.finalErr = err
	}
}

func (s *anthropicStream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
