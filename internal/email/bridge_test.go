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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/love-me/internal/conversation"
	"github.com/tombee/love-me/pkg/workflow"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []string
	wg   sync.WaitGroup
}

func (r *recordingRunner) Execute(_ context.Context, w *workflow.Workflow, info string) (*workflow.Execution, error) {
	r.mu.Lock()
	r.runs = append(r.runs, w.ID+"|"+info)
	r.mu.Unlock()
	r.wg.Done()
	return &workflow.Execution{}, nil
}

type bridgeFixture struct {
	bridge        *Bridge
	conversations *conversation.Store
	threads       *ThreadMap
	rules         *RuleStore
	workflows     *workflow.Store
	runner        *recordingRunner
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	dir := t.TempDir()

	convs, err := conversation.NewStore(filepath.Join(dir, "conversations"), nil)
	require.NoError(t, err)
	threads, err := LoadThreadMap(filepath.Join(dir, "email-threads.json"))
	require.NoError(t, err)
	rules, err := LoadRuleStore(filepath.Join(dir, "email-triggers.json"))
	require.NoError(t, err)
	workflows, err := workflow.NewStore(filepath.Join(dir, "workflows"), filepath.Join(dir, "executions"))
	require.NoError(t, err)
	runner := &recordingRunner{}

	return &bridgeFixture{
		bridge:        NewBridge(convs, threads, rules, workflows, runner, nil),
		conversations: convs,
		threads:       threads,
		rules:         rules,
		workflows:     workflows,
		runner:        runner,
	}
}

func TestBridgeCreatesConversationTitledWithSubject(t *testing.T) {
	f := newBridgeFixture(t)
	e := mail("m1", "t1", "boss@example.com", "report", time.Now().UTC())
	e.Labels = []string{"INBOX"}

	f.bridge.HandleEmail(context.Background(), e)

	summaries, err := f.conversations.ListAll()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "report", summaries[0].Title)

	c, err := f.conversations.Load(summaries[0].ID)
	require.NoError(t, err)
	require.Len(t, c.Messages, 1)
	msg := c.Messages[0]
	assert.Equal(t, conversation.RoleUser, msg.Role)
	assert.Equal(t, "email", msg.Metadata[conversation.MetaSourceType])
	assert.Equal(t, "t1", msg.Metadata[conversation.MetaEmailThreadID])
	assert.Equal(t, "m1", msg.Metadata[conversation.MetaEmailMessageID])
	assert.Equal(t, "boss@example.com", msg.Metadata[conversation.MetaFromAddress])
	assert.Contains(t, msg.Content, "From: boss@example.com")
	assert.Contains(t, msg.Content, "Labels: INBOX")
}

func TestBridgeAppendsToSameThreadConversation(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleEmail(context.Background(), mail("m1", "t1", "boss@example.com", "report", time.Now().UTC()))
	f.bridge.HandleEmail(context.Background(), mail("m2", "t1", "boss@example.com", "Re: report", time.Now().UTC()))

	summaries, err := f.conversations.ListAll()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].MessageCount)
}

func TestBridgeRebindsAfterConversationDeleted(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleEmail(context.Background(), mail("m1", "t1", "a@b.c", "hello", time.Now().UTC()))

	id, ok := f.threads.Lookup("t1")
	require.True(t, ok)
	require.NoError(t, f.conversations.Delete(id))

	f.bridge.HandleEmail(context.Background(), mail("m2", "t1", "a@b.c", "hello again", time.Now().UTC()))

	newID, ok := f.threads.Lookup("t1")
	require.True(t, ok)
	assert.NotEqual(t, id, newID)
	c, err := f.conversations.Load(newID)
	require.NoError(t, err)
	assert.Len(t, c.Messages, 1)
}

func TestBridgeDispatchesMatchingRule(t *testing.T) {
	f := newBridgeFixture(t)

	wf := validEmailWorkflow("wf-report")
	require.NoError(t, f.workflows.Create(wf))
	rule, err := f.rules.Create(TriggerRule{WorkflowID: wf.ID, Enabled: true, FromContains: "boss@"})
	require.NoError(t, err)

	f.runner.wg.Add(1)
	f.bridge.HandleEmail(context.Background(), mail("m1", "t1", "Boss@example.com", "report", time.Now().UTC()))
	f.runner.wg.Wait()

	require.Len(t, f.runner.runs, 1)
	assert.True(t, strings.HasPrefix(f.runner.runs[0], wf.ID+"|"))
	assert.Contains(t, f.runner.runs[0], rule.ID)
	// The sender's original casing is preserved in the trigger info.
	assert.Contains(t, f.runner.runs[0], "Boss@example.com")
}

func TestBridgeSkipsDisabledWorkflow(t *testing.T) {
	f := newBridgeFixture(t)

	wf := validEmailWorkflow("wf-off")
	wf.Enabled = false
	wf.Steps = nil
	require.NoError(t, f.workflows.Create(wf))
	_, err := f.rules.Create(TriggerRule{WorkflowID: wf.ID, Enabled: true})
	require.NoError(t, err)

	f.bridge.HandleEmail(context.Background(), mail("m1", "t1", "a@b.c", "x", time.Now().UTC()))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.runner.runs)
}

func validEmailWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID: id, Name: id, Enabled: true,
		Trigger: workflow.Trigger{Type: workflow.TriggerEvent, Source: "email", Event: "email_received"},
		Steps:   []workflow.Step{{ID: "s1", Tool: "echo"}},
	}
}

func TestFormatMessageTruncatesBody(t *testing.T) {
	e := mail("m1", "t1", "a@b.c", "long", time.Now().UTC())
	e.Body = strings.Repeat("x", 5000)

	got := FormatMessage(e)
	assert.Contains(t, got, bodyTruncationMarker)
	assert.Contains(t, got, "[... body truncated at 4000 characters ...]")
	// Headers plus exactly 4000 body characters plus the marker.
	body := got[strings.Index(got, "\n\n")+2:]
	assert.Equal(t, 4000+1+len(bodyTruncationMarker), len(body))
}

func TestFormatMessageTruncatesAtRuneBoundary(t *testing.T) {
	e := mail("m1", "t1", "a@b.c", "long", time.Now().UTC())
	// Three-byte runes straddle the cut point, so a byte slice would
	// leave a partial rune behind.
	e.Body = strings.Repeat("界", 2000)

	got := FormatMessage(e)
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, bodyTruncationMarker)
	body := got[strings.Index(got, "\n\n")+2:]
	kept := strings.TrimSuffix(body, "\n"+bodyTruncationMarker)
	assert.Equal(t, 3999, len(kept))
	assert.True(t, strings.HasSuffix(kept, "界"))
}

func TestFormatMessageShortBodyUntouched(t *testing.T) {
	e := mail("m1", "t1", "a@b.c", "short", time.Now().UTC())
	e.Body = "just a note"
	got := FormatMessage(e)
	assert.Contains(t, got, "just a note")
	assert.NotContains(t, got, "truncated")
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"..\\..\\evil.exe", "evil.exe"},
		{"....", "attachment"},
		{"", "attachment"},
		{".hidden", "hidden"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}

func TestSaveAttachment(t *testing.T) {
	dir := t.TempDir()
	path, err := SaveAttachment(dir, "m1", "../sneaky.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "m1", "sneaky.txt"), path)
}

type fixedFetcher struct {
	data map[string][]byte
}

func (f fixedFetcher) FetchAttachment(_ context.Context, _, attachmentID string) ([]byte, error) {
	d, ok := f.data[attachmentID]
	if !ok {
		return nil, fmt.Errorf("no such attachment %s", attachmentID)
	}
	return d, nil
}

func TestBridgePersistsAttachments(t *testing.T) {
	f := newBridgeFixture(t)
	dir := t.TempDir()
	f.bridge.EnableAttachmentCapture(fixedFetcher{data: map[string][]byte{
		"att-1": []byte("%PDF-1.4"),
	}}, dir)

	e := mail("m1", "t1", "a@b.c", "invoice", time.Now().UTC())
	e.Attachments = []Attachment{
		{ID: "att-1", Filename: "../invoice.pdf", MimeType: "application/pdf"},
		{ID: "att-missing", Filename: "gone.txt"},
	}
	f.bridge.HandleEmail(context.Background(), e)

	data, err := os.ReadFile(filepath.Join(dir, "m1", "invoice.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))

	// The missing attachment is skipped without aborting the email.
	_, err = os.Stat(filepath.Join(dir, "m1", "gone.txt"))
	assert.True(t, os.IsNotExist(err))
}
