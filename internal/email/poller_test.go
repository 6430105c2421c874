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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/love-me/internal/bus"
)

// fakeMailbox is an in-memory Provider.
type fakeMailbox struct {
	mu       sync.Mutex
	messages []*Email
	listErr  error
	sent     []string
}

func (f *fakeMailbox) add(e *Email) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, e)
}

func (f *fakeMailbox) List(_ context.Context, q Query) ([]Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var refs []Ref
	for _, m := range f.messages {
		if !q.After.IsZero() && !m.Received.After(q.After) {
			continue
		}
		refs = append(refs, Ref{ID: m.ID, ThreadID: m.ThreadID, Received: m.Received})
		if q.Max > 0 && len(refs) == q.Max {
			break
		}
	}
	return refs, nil
}

func (f *fakeMailbox) Get(_ context.Context, id string) (*Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no such message %s", id)
}

func (f *fakeMailbox) Send(_ context.Context, to []string, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fmt.Sprintf("%v: %s", to, subject))
	return nil
}

func (f *fakeMailbox) FetchAttachment(context.Context, string, string) ([]byte, error) {
	return []byte("data"), nil
}

func mail(id, thread, from, subject string, received time.Time) *Email {
	return &Email{ID: id, ThreadID: thread, From: from, Subject: subject, Body: "body of " + id, Received: received}
}

func newTestPoller(t *testing.T, box *fakeMailbox, handler Handler) (*Poller, string) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "email-state.json")
	p, err := NewPoller(box, statePath, time.Minute, nil, handler, nil)
	require.NoError(t, err)
	return p, statePath
}

func TestPollNowEmptyMailbox(t *testing.T) {
	p, _ := newTestPoller(t, &fakeMailbox{}, nil)

	n, err := p.PollNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, p.Watermark().LastSeenID)
}

func TestPollAdvancesWatermark(t *testing.T) {
	box := &fakeMailbox{}
	now := time.Now().UTC()
	box.add(mail("m1", "t1", "a@example.com", "first", now.Add(-2*time.Minute)))
	box.add(mail("m2", "t2", "b@example.com", "second", now.Add(-time.Minute)))

	var seen []string
	p, _ := newTestPoller(t, box, func(_ context.Context, e *Email) { seen = append(seen, e.ID) })

	n, err := p.PollNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	// Oldest first.
	assert.Equal(t, []string{"m1", "m2"}, seen)

	w := p.Watermark()
	assert.Equal(t, "m2", w.LastSeenID)
	assert.Equal(t, 2, w.TotalProcessed)
	assert.Equal(t, box.messages[1].Received, w.LastSeenAt)
}

func TestPollSkipsLastSeenID(t *testing.T) {
	box := &fakeMailbox{}
	now := time.Now().UTC()
	box.add(mail("m1", "t1", "a@example.com", "first", now.Add(-time.Minute)))

	p, _ := newTestPoller(t, box, nil)
	n, err := p.PollNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The same message listed again (boundary overlap) is not reprocessed.
	p.mu.Lock()
	p.watermark.LastSeenAt = now.Add(-2 * time.Minute)
	p.mu.Unlock()

	n, err = p.PollNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, p.Watermark().TotalProcessed)
}

func TestPollPersistsWatermark(t *testing.T) {
	box := &fakeMailbox{}
	now := time.Now().UTC()
	box.add(mail("m1", "t1", "a@example.com", "first", now.Add(-time.Minute)))

	p, statePath := newTestPoller(t, box, nil)
	_, err := p.PollNow(context.Background())
	require.NoError(t, err)

	reloaded, err := LoadWatermark(statePath)
	require.NoError(t, err)
	assert.Equal(t, "m1", reloaded.LastSeenID)
	assert.Equal(t, 1, reloaded.TotalProcessed)
}

func TestPollPublishesBusEvent(t *testing.T) {
	box := &fakeMailbox{}
	now := time.Now().UTC()
	box.add(mail("m1", "t1", "boss@example.com", "report", now.Add(-time.Minute)))

	b := bus.New(nil)
	got := make(chan bus.Event, 1)
	b.Subscribe("email", "email_received", "test", func(e bus.Event) { got <- e })

	statePath := filepath.Join(t.TempDir(), "email-state.json")
	p, err := NewPoller(box, statePath, time.Minute, b, nil, nil)
	require.NoError(t, err)

	_, err = p.PollNow(context.Background())
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.Equal(t, "m1", e.Data["messageId"])
		assert.Equal(t, "t1", e.Data["threadId"])
		assert.Equal(t, "boss@example.com", e.Data["from"])
		assert.Equal(t, "report", e.Data["subject"])
	case <-time.After(time.Second):
		t.Fatal("no bus event published")
	}
}

func TestBackoffDoublesToCeilingAndResets(t *testing.T) {
	box := &fakeMailbox{listErr: fmt.Errorf("rate limited")}
	p, _ := newTestPoller(t, box, nil)

	expect := []time.Duration{1, 2, 4, 8, 8}
	for _, want := range expect {
		_, err := p.PollNow(context.Background())
		require.Error(t, err)
		assert.Equal(t, want*time.Second, p.backoff)
	}

	box.mu.Lock()
	box.listErr = nil
	box.mu.Unlock()
	_, err := p.PollNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), p.backoff)
}

func TestStartIsIdempotentAndStopPersists(t *testing.T) {
	box := &fakeMailbox{}
	p, statePath := newTestPoller(t, box, nil)

	ctx := context.Background()
	p.Start(ctx)
	p.Start(ctx)
	assert.True(t, p.Running())

	p.mu.Lock()
	p.watermark.LastSeenID = "manual"
	p.mu.Unlock()

	p.Stop()
	assert.False(t, p.Running())

	w, err := LoadWatermark(statePath)
	require.NoError(t, err)
	assert.Equal(t, "manual", w.LastSeenID)

	p.Stop() // no-op
}

func TestFirstPollWindowIsLastHour(t *testing.T) {
	box := &fakeMailbox{}
	now := time.Now().UTC()
	box.add(mail("old", "t0", "x@example.com", "ancient", now.Add(-2*time.Hour)))
	box.add(mail("new", "t1", "y@example.com", "recent", now.Add(-time.Minute)))

	p, _ := newTestPoller(t, box, nil)
	n, err := p.PollNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "new", p.Watermark().LastSeenID)
}
