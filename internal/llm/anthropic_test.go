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
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func sse(t *testing.T, eventType, payload string) ssestream.Event {
	t.Helper()
	return ssestream.Event{Type: eventType, Data: json.RawMessage(payload)}
}

func streamOf(t *testing.T, events ...ssestream.Event) *anthropicStream {
	t.Helper()
	dec := &testDecoder{events: events}
	raw := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	return newAnthropicStream(context.Background(), raw)
}

func drainEvents(t *testing.T, s *anthropicStream) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestStreamTextDeltas(t *testing.T) {
	s := streamOf(t,
		sse(t, "message_start", `{"type":"message_start","message":{"id":"m1","role":"assistant","content":[],"model":"x","usage":{"input_tokens":1,"output_tokens":1}}}`),
		sse(t, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`),
		sse(t, "content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse(t, "message_stop", `{"type":"message_stop"}`),
	)

	events := drainEvents(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Kind: KindTextDelta, Text: "Hello"}, events[0])
	assert.Equal(t, Event{Kind: KindTextDelta, Text: " world"}, events[1])
}

func TestStreamToolUseAccumulatesArguments(t *testing.T) {
	s := streamOf(t,
		sse(t, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"clock.now","input":{}}}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"tz\":"}}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"UTC\"}"}}`),
		sse(t, "content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse(t, "message_stop", `{"type":"message_stop"}`),
	)

	events := drainEvents(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Kind: KindToolUseStart, ToolID: "t1", ToolName: "clock.now"}, events[0])
	assert.Equal(t, Event{Kind: KindToolUseDone, ToolID: "t1", ToolName: "clock.now", ArgsJSON: `{"tz":"UTC"}`}, events[1])
}

func TestStreamToolUseEmptyArgumentsDefaultsToObject(t *testing.T) {
	s := streamOf(t,
		sse(t, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"clock.now","input":{}}}`),
		sse(t, "content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse(t, "message_stop", `{"type":"message_stop"}`),
	)

	events := drainEvents(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, "{}", events[1].ArgsJSON)
}

func TestStreamThinkingLifecycle(t *testing.T) {
	s := streamOf(t,
		sse(t, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"pondering"}}`),
		sse(t, "content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse(t, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"answer"}}`),
		sse(t, "message_stop", `{"type":"message_stop"}`),
	)

	events := drainEvents(t, s)
	require.Len(t, events, 4)
	assert.Equal(t, KindThinkingStart, events[0].Kind)
	assert.Equal(t, Event{Kind: KindThinkingDelta, Text: "pondering"}, events[1])
	assert.Equal(t, KindThinkingDone, events[2].Kind)
	assert.Equal(t, Event{Kind: KindTextDelta, Text: "answer"}, events[3])
}

func TestStreamSurfacesTransportError(t *testing.T) {
	dec := &testDecoder{err: assert.AnError}
	raw := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newAnthropicStream(context.Background(), raw)

	_, err := s.Recv()
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestEncodeMessages(t *testing.T) {
	msgs, err := encodeMessages([]Message{
		{Role: RoleUser, Content: "what time is it?"},
		{Role: RoleAssistant, Content: "Checking..."},
		{Role: RoleToolUse, Content: "{}", ToolID: "t1", ToolName: "clock.now"},
		{Role: RoleToolResult, Content: "10:05", ToolID: "t1"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[1].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[2].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[3].Role)
}

func TestEncodeMessagesRejectsUnknownRole(t *testing.T) {
	_, err := encodeMessages([]Message{{Role: "system", Content: "x"}})
	assert.Error(t, err)
}

func TestToolSchemaDecodesProperties(t *testing.T) {
	schema, err := toolSchema(json.RawMessage(`{"type":"object","properties":{"tz":{"type":"string"}},"required":["tz"]}`))
	require.NoError(t, err)
	assert.Contains(t, schema.Properties, "tz")
	assert.Equal(t, []string{"tz"}, schema.Required)
}

func TestNewAnthropicRequiresKeyAndModel(t *testing.T) {
	_, err := NewAnthropic("", "claude", 0)
	assert.Error(t, err)
	_, err = NewAnthropic("key", "", 0)
	assert.Error(t, err)
}
