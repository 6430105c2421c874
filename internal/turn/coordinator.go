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

// Package turn drives one user turn against the language model: streaming
// the reply, running requested tools, and looping until the model stops
// asking for tools.
package turn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tombee/love-me/internal/conversation"
	"github.com/tombee/love-me/internal/llm"
	"github.com/tombee/love-me/internal/log"
	"github.com/tombee/love-me/pkg/errors"
	"github.com/tombee/love-me/pkg/tools"
)

// toolResultTruncateAt caps the tool result content relayed to clients.
const toolResultTruncateAt = 4096

// toolResultTruncationMarker is appended when the relayed content is cut.
const toolResultTruncationMarker = "\n[...truncated]"

const basePrompt = `You are a personal assistant running on the user's own machine.
Be concise. Use the available tools when they can answer the question better
than you can from memory. Never invent tool output.`

// Sink receives the client-visible events of one turn.
type Sink interface {
	ThinkingChunk(conversationID, delta string)
	ThinkingDone(conversationID string, seconds float64)
	AssistantChunk(conversationID, delta string)
	ToolCallStart(conversationID, toolID, toolName, provider string)
	ToolCallDone(conversationID, toolID, toolName, content string, success bool, seconds float64)
	AssistantDone(conversationID string)
	TurnError(conversationID, message string)
}

// Coordinator runs turns. One turn per conversation at a time.
type Coordinator struct {
	conversations *conversation.Store
	source        llm.EventSource
	router        *tools.Router
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates a coordinator.
func New(conversations *conversation.Store, source llm.EventSource, router *tools.Router, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		conversations: conversations,
		source:        source,
		router:        router,
		logger:        logger.With(slog.String("component", "turn")),
		active:        make(map[string]context.CancelFunc),
	}
}

// Active reports whether a turn is running for the conversation.
func (c *Coordinator) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[conversationID]
	return ok
}

// Cancel aborts the conversation's running turn, if any.
func (c *Coordinator) Cancel(conversationID string) {
	c.mu.Lock()
	cancel, ok := c.active[conversationID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// HandleUserMessage appends the user's message and drives the turn to
// completion. It returns once the turn has ended; progress streams
// through sink.
func (c *Coordinator) HandleUserMessage(ctx context.Context, conversationID, content string, sink Sink) error {
	c.mu.Lock()
	if _, busy := c.active[conversationID]; busy {
		c.mu.Unlock()
		return &errors.ValidationError{
			Field:      "conversationId",
			Message:    "a turn is already running for this conversation",
			Suggestion: "wait for the current reply to finish",
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	c.active[conversationID] = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.active, conversationID)
		c.mu.Unlock()
	}()

	logger := c.logger.With(slog.String(log.ConversationIDKey, conversationID))

	if _, err := c.conversations.AddMessage(conversationID, conversation.StoredMessage{
		Role:    conversation.RoleUser,
		Content: content,
	}); err != nil {
		return err
	}

	for {
		again, err := c.runPass(ctx, conversationID, sink, logger)
		if err != nil {
			if ctx.Err() != nil {
				sink.TurnError(conversationID, "turn cancelled")
				return ctx.Err()
			}
			sink.TurnError(conversationID, err.Error())
			return err
		}
		if !again {
			sink.AssistantDone(conversationID)
			return nil
		}
	}
}

// runPass performs one model call. It returns true when tool calls ran
// and the loop must re-enter.
func (c *Coordinator) runPass(ctx context.Context, conversationID string, sink Sink, logger *slog.Logger) (bool, error) {
	conv, err := c.conversations.Load(conversationID)
	if err != nil {
		return false, err
	}

	stream, err := c.source.Stream(ctx, llm.Request{
		System:   c.systemPrompt(),
		Messages: toRequestMessages(conv.Messages),
		Tools:    c.toolDefs(),
	})
	if err != nil {
		return false, err
	}
	defer stream.Close()

	var (
		fullText      strings.Builder
		pending       []llm.Event
		thinkingStart time.Time
	)

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, err
		}

		switch ev.Kind {
		case llm.KindThinkingStart:
			thinkingStart = time.Now()
		case llm.KindThinkingDelta:
			sink.ThinkingChunk(conversationID, ev.Text)
		case llm.KindThinkingDone:
			var secs float64
			if !thinkingStart.IsZero() {
				secs = time.Since(thinkingStart).Seconds()
			}
			sink.ThinkingDone(conversationID, secs)
		case llm.KindTextDelta:
			fullText.WriteString(ev.Text)
			sink.AssistantChunk(conversationID, ev.Text)
		case llm.KindToolUseStart:
			provider, _ := c.router.LookupProvider(ev.ToolName)
			sink.ToolCallStart(conversationID, ev.ToolID, ev.ToolName, provider)
		case llm.KindToolUseDone:
			pending = append(pending, ev)
		}
	}

	if text := fullText.String(); text != "" {
		if _, err := c.conversations.AddMessage(conversationID, conversation.StoredMessage{
			Role:    conversation.RoleAssistant,
			Content: text,
		}); err != nil {
			return false, err
		}
	}

	for _, call := range pending {
		if err := c.runTool(ctx, conversationID, call, sink, logger); err != nil {
			return false, err
		}
	}

	return len(pending) > 0, nil
}

func (c *Coordinator) runTool(ctx context.Context, conversationID string, call llm.Event, sink Sink, logger *slog.Logger) error {
	if _, err := c.conversations.AddMessage(conversationID, conversation.StoredMessage{
		Role:    conversation.RoleToolUse,
		Content: call.ArgsJSON,
		Metadata: map[string]string{
			conversation.MetaToolID:   call.ToolID,
			conversation.MetaToolName: call.ToolName,
		},
	}); err != nil {
		return err
	}

	started := time.Now()
	result := c.router.Invoke(ctx, call.ToolName, call.ArgsJSON)
	elapsed := time.Since(started)

	logger.Info("tool invoked",
		slog.String("tool", call.ToolName),
		slog.Bool("isError", result.IsError),
		slog.Duration("elapsed", elapsed))

	if _, err := c.conversations.AddMessage(conversationID, conversation.StoredMessage{
		Role:    conversation.RoleToolResult,
		Content: result.Content,
		Metadata: map[string]string{
			conversation.MetaToolID:   call.ToolID,
			conversation.MetaToolName: call.ToolName,
			conversation.MetaIsError:  fmt.Sprintf("%t", result.IsError),
		},
	}); err != nil {
		return err
	}

	sink.ToolCallDone(conversationID, call.ToolID, call.ToolName,
		TruncateToolResult(result.Content), !result.IsError, elapsed.Seconds())
	return nil
}

func (c *Coordinator) systemPrompt() string {
	parts := append([]string{basePrompt}, c.router.Instructions()...)
	return strings.Join(parts, "\n\n")
}

func (c *Coordinator) toolDefs() []llm.ToolDef {
	descs := c.router.List()
	defs := make([]llm.ToolDef, 0, len(descs))
	for _, d := range descs {
		defs = append(defs, llm.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return defs
}

func toRequestMessages(msgs []conversation.StoredMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{
			Role:     string(m.Role),
			Content:  m.Content,
			ToolID:   m.Metadata[conversation.MetaToolID],
			ToolName: m.Metadata[conversation.MetaToolName],
			IsError:  m.Metadata[conversation.MetaIsError] == "true",
		})
	}
	return out
}

// TruncateToolResult caps content at 4 KiB, appending a marker when cut.
func TruncateToolResult(content string) string {
	if len(content) <= toolResultTruncateAt {
		return content
	}
	return content[:toolResultTruncateAt] + toolResultTruncationMarker
}
