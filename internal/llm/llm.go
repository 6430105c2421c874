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

// Package llm abstracts the streaming language-model API consumed by the
// turn coordinator and the workflow builder.
package llm

import (
	"context"
	"encoding/json"
)

// Kind discriminates stream events.
type Kind string

const (
	KindThinkingStart Kind = "thinkingStart"
	KindThinkingDelta Kind = "thinkingDelta"
	KindThinkingDone  Kind = "thinkingDone"
	KindTextDelta     Kind = "textDelta"
	KindToolUseStart  Kind = "toolUseStart"
	KindToolUseDone   Kind = "toolUseDone"
)

// Event is one element of a model's streaming reply.
type Event struct {
	Kind Kind

	// Text carries the delta for textDelta and thinkingDelta.
	Text string

	// Tool fields are set for toolUseStart and toolUseDone. ArgsJSON is
	// complete only on toolUseDone.
	ToolID   string
	ToolName string
	ArgsJSON string
}

// Stream is a pull iterator over a model reply. Recv returns io.EOF after
// the final event; any other error terminates the turn.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Role values for request messages.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolUse    = "tool_use"
	RoleToolResult = "tool_result"
)

// Message is one entry of the request transcript. ToolID/ToolName apply
// to tool_use and tool_result roles; IsError applies to tool_result.
type Message struct {
	Role     string
	Content  string
	ToolID   string
	ToolName string
	IsError  bool
}

// ToolDef advertises one callable tool to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a single model call.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDef
}

// EventSource opens model streams. Implementations must be safe for
// concurrent use.
type EventSource interface {
	// Stream starts a streaming reply.
	Stream(ctx context.Context, req Request) (Stream, error)

	// Complete performs one non-streaming call and returns the
	// concatenated text reply.
	Complete(ctx context.Context, req Request) (string, error)
}
