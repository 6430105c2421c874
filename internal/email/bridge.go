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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/tombee/love-me/internal/conversation"
	"github.com/tombee/love-me/internal/log"
	"github.com/tombee/love-me/internal/storage"
	"github.com/tombee/love-me/pkg/errors"
	"github.com/tombee/love-me/pkg/workflow"
)

// bodyTruncateAt caps the email body carried into a conversation message.
const bodyTruncateAt = 4000

// bodyTruncationMarker is appended when the body is cut.
const bodyTruncationMarker = "[... body truncated at 4000 characters ...]"

// WorkflowRunner starts workflow executions for matched trigger rules.
type WorkflowRunner interface {
	Execute(ctx context.Context, w *workflow.Workflow, triggerInfo string) (*workflow.Execution, error)
}

// Bridge turns incoming mail into conversation messages and workflow
// runs.
// AttachmentFetcher downloads one attachment's content.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

type Bridge struct {
	conversations *conversation.Store
	threads       *ThreadMap
	rules         *RuleStore
	workflows     *workflow.Store
	runner        WorkflowRunner
	logger        *slog.Logger

	fetcher        AttachmentFetcher
	attachmentsDir string
}

// NewBridge wires the bridge.
func NewBridge(conversations *conversation.Store, threads *ThreadMap, rules *RuleStore, workflows *workflow.Store, runner WorkflowRunner, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		conversations: conversations,
		threads:       threads,
		rules:         rules,
		workflows:     workflows,
		runner:        runner,
		logger:        logger.With(slog.String("component", "bridge")),
	}
}

// HandleEmail appends the email to its thread's conversation (creating
// one if needed) and dispatches matching trigger rules.
func (b *Bridge) HandleEmail(ctx context.Context, e *Email) {
	convID, err := b.resolveConversation(e)
	if err != nil {
		b.logger.Error("resolving conversation failed",
			slog.String("emailId", e.ID),
			slog.String("error", err.Error()))
		return
	}

	msg := conversation.StoredMessage{
		Role:    conversation.RoleUser,
		Content: FormatMessage(e),
		Metadata: map[string]string{
			conversation.MetaSourceType:     "email",
			conversation.MetaEmailThreadID:  e.ThreadID,
			conversation.MetaEmailMessageID: e.ID,
			conversation.MetaFromAddress:    e.From,
		},
	}
	if _, err := b.conversations.AddMessage(convID, msg); err != nil {
		b.logger.Error("appending email message failed",
			slog.String(log.ConversationIDKey, convID),
			slog.String("error", err.Error()))
		return
	}

	b.saveAttachments(ctx, e)
	b.dispatchRules(ctx, e)
}

// EnableAttachmentCapture makes HandleEmail persist each attachment
// under dir/<emailId>/<sanitized-filename>.
func (b *Bridge) EnableAttachmentCapture(f AttachmentFetcher, dir string) {
	b.fetcher = f
	b.attachmentsDir = dir
}

func (b *Bridge) saveAttachments(ctx context.Context, e *Email) {
	if b.fetcher == nil || b.attachmentsDir == "" {
		return
	}
	for _, a := range e.Attachments {
		data, err := b.fetcher.FetchAttachment(ctx, e.ID, a.ID)
		if err != nil {
			b.logger.Warn("attachment fetch failed",
				slog.String("emailId", e.ID),
				slog.String("attachment", a.Filename),
				slog.String("error", err.Error()))
			continue
		}
		if _, err := SaveAttachment(b.attachmentsDir, e.ID, a.Filename, data); err != nil {
			b.logger.Warn("attachment save failed",
				slog.String("emailId", e.ID),
				slog.String("attachment", a.Filename),
				slog.String("error", err.Error()))
		}
	}
}

// resolveConversation returns the conversation bound to the email's
// thread, verifying it still exists, or creates and binds a new one
// titled with the subject.
func (b *Bridge) resolveConversation(e *Email) (string, error) {
	if id, ok := b.threads.Lookup(e.ThreadID); ok {
		if _, err := b.conversations.Load(id); err == nil {
			return id, nil
		} else if !errors.IsNotFound(err) {
			return "", err
		}
		// Stale mapping: the conversation was deleted.
		if err := b.threads.Unbind(e.ThreadID); err != nil {
			return "", err
		}
	}

	title := e.Subject
	if title == "" {
		title = "Email from " + e.From
	}
	c, err := b.conversations.Create(title)
	if err != nil {
		return "", err
	}
	if err := b.threads.Bind(e.ThreadID, c.ID); err != nil {
		return "", err
	}
	return c.ID, nil
}

func (b *Bridge) dispatchRules(ctx context.Context, e *Email) {
	for _, rule := range b.rules.Matching(e) {
		w, err := b.workflows.Get(rule.WorkflowID)
		if err != nil {
			b.logger.Warn("trigger rule names unknown workflow",
				slog.String("rule", rule.ID),
				slog.String(log.WorkflowKey, rule.WorkflowID))
			continue
		}
		if !w.Enabled {
			continue
		}

		info := fmt.Sprintf("email rule %s: message %s from %s, subject %q", rule.ID, e.ID, e.From, e.Subject)
		b.logger.Info("email trigger matched",
			slog.String("rule", rule.ID),
			slog.String(log.WorkflowKey, w.ID))

		go func(w *workflow.Workflow, info string) {
			if _, err := b.runner.Execute(ctx, w, info); err != nil {
				b.logger.Error("triggered execution failed",
					slog.String(log.WorkflowKey, w.ID),
					slog.String("error", err.Error()))
			}
		}(w, info)
	}
}

// FormatMessage renders the email as the conversation message body: a
// headers block, labels, an attachment listing, and the (possibly
// truncated) plain-text body.
func FormatMessage(e *Email) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", e.From)
	if len(e.To) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(e.To, ", "))
	}
	if len(e.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(e.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	if !e.Received.IsZero() {
		fmt.Fprintf(&b, "Received: %s\n", e.Received.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if len(e.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(e.Labels, ", "))
	}
	if len(e.Attachments) > 0 {
		b.WriteString("Attachments:\n")
		for _, a := range e.Attachments {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", a.Filename, a.MimeType, a.Size)
		}
	}
	b.WriteString("\n")

	body := e.Body
	if len(body) > bodyTruncateAt {
		cut := bodyTruncateAt
		// Back off so the cut never splits a multi-byte rune.
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "\n" + bodyTruncationMarker
	}
	b.WriteString(body)
	return b.String()
}

// SanitizeFilename strips path separators and parent references so an
// attachment name cannot escape its directory.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "attachment"
	}
	return name
}

// SaveAttachment writes attachment content under
// <dir>/<emailID>/<sanitized-filename> and returns the path.
func SaveAttachment(dir, emailID, filename string, data []byte) (string, error) {
	target := filepath.Join(dir, SanitizeFilename(emailID))
	if err := storage.EnsureDir(target); err != nil {
		return "", err
	}
	path := filepath.Join(target, SanitizeFilename(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", &errors.StorageError{Op: "write", Path: path, Cause: err}
	}
	return path, nil
}
