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

package email

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/love-me/pkg/tools"
)

const toolInstructions = `You can work with the user's mailbox through the email tools.
Use email.search to find messages (Gmail query syntax, e.g. "from:boss@example.com is:unread").
Use email.read with a message id from a search result to read the full message.
Use email.send only when the user explicitly asks to send mail; confirm recipients and content first.`

// ToolProvider exposes the mailbox as Router tools.
type ToolProvider struct {
	provider Provider
}

// NewToolProvider wraps a mail provider.
func NewToolProvider(p Provider) *ToolProvider {
	return &ToolProvider{provider: p}
}

// Name implements tools.Provider.
func (t *ToolProvider) Name() string { return "email" }

// Instructions implements tools.Provider.
func (t *ToolProvider) Instructions() string { return toolInstructions }

// Tools implements tools.Provider.
func (t *ToolProvider) Tools(context.Context) ([]tools.Descriptor, error) {
	return []tools.Descriptor{
		{
			Name:        "email.search",
			Description: "Search the mailbox and return matching message summaries",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"search query"},"maxResults":{"type":"integer","description":"result cap, default 10"}},"required":["query"]}`),
		},
		{
			Name:        "email.read",
			Description: "Read one message in full by id",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string","description":"message id"}},"required":["id"]}`),
		},
		{
			Name:        "email.send",
			Description: "Send a plain-text email",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"to":{"type":"string","description":"comma-separated recipients"},"subject":{"type":"string"},"body":{"type":"string"}},"required":["to","subject","body"]}`),
		},
	}, nil
}

// Invoke implements tools.Provider.
func (t *ToolProvider) Invoke(ctx context.Context, tool, argsJSON string) (tools.Result, error) {
	switch tool {
	case "email.search":
		return t.search(ctx, argsJSON)
	case "email.read":
		return t.read(ctx, argsJSON)
	case "email.send":
		return t.send(ctx, argsJSON)
	default:
		return tools.Result{Content: "unknown email tool: " + tool, IsError: true}, nil
	}
}

func (t *ToolProvider) search(ctx context.Context, argsJSON string) (tools.Result, error) {
	var args struct {
		Query      string `json:"query"`
		MaxResults int    `json:"maxResults"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return tools.Result{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	if args.MaxResults <= 0 || args.MaxResults > 50 {
		args.MaxResults = 10
	}

	refs, err := t.provider.List(ctx, Query{Search: args.Query, Max: args.MaxResults})
	if err != nil {
		return tools.Result{}, err
	}
	if len(refs) == 0 {
		return tools.Result{Content: "No messages matched."}, nil
	}

	var b strings.Builder
	for _, ref := range refs {
		msg, err := t.provider.Get(ctx, ref.ID)
		if err != nil {
			return tools.Result{}, err
		}
		fmt.Fprintf(&b, "id=%s from=%s subject=%q received=%s\n",
			msg.ID, msg.From, msg.Subject, msg.Received.UTC().Format("2006-01-02 15:04"))
	}
	return tools.Result{Content: b.String()}, nil
}

func (t *ToolProvider) read(ctx context.Context, argsJSON string) (tools.Result, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || args.ID == "" {
		return tools.Result{Content: "invalid arguments: id is required", IsError: true}, nil
	}

	msg, err := t.provider.Get(ctx, args.ID)
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{Content: FormatMessage(msg)}, nil
}

func (t *ToolProvider) send(ctx context.Context, argsJSON string) (tools.Result, error) {
	var args struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return tools.Result{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	to := splitAddresses(args.To)
	if len(to) == 0 {
		return tools.Result{Content: "invalid arguments: at least one recipient is required", IsError: true}, nil
	}

	if err := t.provider.Send(ctx, to, args.Subject, args.Body); err != nil {
		return tools.Result{}, err
	}
	return tools.Result{Content: fmt.Sprintf("Sent to %s.", strings.Join(to, ", "))}, nil
}
