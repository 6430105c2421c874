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

package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FireFunc is invoked when a registered entry's expression matches the
// current minute. Implementations must not block; the ticker calls it
// inline from its loop.
type FireFunc func(workflowID string, at time.Time)

// Ticker evaluates registered cron expressions once per minute boundary
// and fires the matching workflows. Minutes missed while the ticker was
// stopped are not replayed.
type Ticker struct {
	mu      sync.Mutex
	entries map[string]*entry
	fire    FireFunc
	logger  *slog.Logger

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

type entry struct {
	expr      *Expr
	lastFired time.Time // truncated to the minute
}

// NewTicker creates a ticker that calls fire for each matching workflow.
func NewTicker(fire FireFunc, logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{
		entries: make(map[string]*entry),
		fire:    fire,
		logger:  logger.With(slog.String("component", "ticker")),
		now:     time.Now,
	}
}

// Add registers (or replaces) a workflow's cron expression.
func (t *Ticker) Add(workflowID, cronExpr string) error {
	expr, err := Parse(cronExpr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[workflowID] = &entry{expr: expr}
	return nil
}

// Remove unregisters a workflow. Removing an unknown id is a no-op.
func (t *Ticker) Remove(workflowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, workflowID)
}

// Len returns the number of registered expressions.
func (t *Ticker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Start launches the minute loop. Calling Start on a running ticker is a
// no-op.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.loop(ctx)
}

// Stop halts the minute loop and waits for it to exit.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()
	<-done
}

func (t *Ticker) loop(ctx context.Context) {
	defer close(t.done)

	for {
		now := t.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		t.Tick(t.now())
	}
}

// Tick evaluates every registered expression against the minute containing
// at, firing each workflow at most once per calendar minute.
func (t *Ticker) Tick(at time.Time) {
	minute := at.Truncate(time.Minute)

	t.mu.Lock()
	var due []string
	for id, e := range t.entries {
		if !e.expr.Matches(minute) {
			continue
		}
		if e.lastFired.Equal(minute) {
			continue
		}
		e.lastFired = minute
		due = append(due, id)
	}
	t.mu.Unlock()

	for _, id := range due {
		t.logger.Debug("cron fired", slog.String("workflow", id), slog.Time("minute", minute))
		t.fire(id, minute)
	}
}
