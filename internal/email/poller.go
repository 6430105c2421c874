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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/love-me/internal/bus"
)

const (
	pageCap        = 20
	firstPollSpan  = time.Hour
	backoffInitial = time.Second
	backoffCeiling = 8 * time.Second
)

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	Publish(bus.Event)
}

// Handler receives each newly processed email.
type Handler func(ctx context.Context, e *Email)

// Poller owns the polling loop and the persistent watermark.
type Poller struct {
	provider  Provider
	statePath string
	publisher Publisher
	handler   Handler
	logger    *slog.Logger

	mu        sync.Mutex
	watermark Watermark
	interval  time.Duration
	backoff   time.Duration
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	// OnError, when set, observes every failed background poll cycle.
	OnError func(error)

	pollMu sync.Mutex // serializes poll cycles

	now func() time.Time
}

// NewPoller loads the watermark from statePath and prepares a poller.
func NewPoller(provider Provider, statePath string, interval time.Duration, publisher Publisher, handler Handler, logger *slog.Logger) (*Poller, error) {
	w, err := LoadWatermark(statePath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		provider:  provider,
		statePath: statePath,
		publisher: publisher,
		handler:   handler,
		logger:    logger.With(slog.String("component", "poller")),
		watermark: w,
		interval:  interval,
		now:       time.Now,
	}, nil
}

// Watermark returns a copy of the current watermark.
func (p *Poller) Watermark() Watermark {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// Interval returns the base poll cadence.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval adjusts the base poll cadence for subsequent ticks.
func (p *Poller) SetInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = d
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the polling loop. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop cancels the loop, waits for it, and persists the watermark.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	w := p.watermark
	p.mu.Unlock()
	if err := SaveWatermark(p.statePath, w); err != nil {
		p.logger.Warn("persisting watermark on stop failed", slog.String("error", err.Error()))
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	for {
		p.mu.Lock()
		delay := p.interval + p.backoff
		p.mu.Unlock()

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if _, err := p.Poll(ctx); err != nil {
			p.bumpBackoff(err)
		} else {
			p.resetBackoff()
		}
	}
}

func (p *Poller) bumpBackoff(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backoff == 0 {
		p.backoff = backoffInitial
	} else if p.backoff < backoffCeiling {
		p.backoff *= 2
		if p.backoff > backoffCeiling {
			p.backoff = backoffCeiling
		}
	}
	p.logger.Warn("poll failed",
		slog.String("error", err.Error()),
		slog.Duration("backoff", p.backoff))
}

func (p *Poller) resetBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff = 0
}

// PollNow performs one extra poll cycle and returns the number of newly
// processed messages.
func (p *Poller) PollNow(ctx context.Context) (int, error) {
	n, err := p.Poll(ctx)
	if err != nil {
		p.bumpBackoff(err)
		return 0, err
	}
	p.resetBackoff()
	return n, nil
}

// Poll runs one cycle: list messages past the watermark, process them
// oldest first, then advance and persist the watermark.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	p.mu.Lock()
	w := p.watermark
	p.mu.Unlock()

	after := w.LastSeenAt
	if after.IsZero() {
		after = p.now().Add(-firstPollSpan)
	}

	refs, err := p.provider.List(ctx, Query{After: after, Max: pageCap})
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, nil
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Received.Before(refs[j].Received) })

	processed := 0
	for _, ref := range refs {
		if ref.ID == w.LastSeenID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		msg, err := p.provider.Get(ctx, ref.ID)
		if err != nil {
			return processed, err
		}
		p.processNewEmail(ctx, msg)
		processed++
	}

	newest := refs[len(refs)-1]
	p.mu.Lock()
	p.watermark.LastSeenID = newest.ID
	p.watermark.LastSeenAt = newest.Received
	p.watermark.TotalProcessed += processed
	w = p.watermark
	p.mu.Unlock()

	if err := SaveWatermark(p.statePath, w); err != nil {
		return processed, err
	}
	return processed, nil
}

func (p *Poller) processNewEmail(ctx context.Context, e *Email) {
	p.logger.Info("new email",
		slog.String("id", e.ID),
		slog.String("from", e.From),
		slog.String("subject", e.Subject))

	if p.publisher != nil {
		p.publisher.Publish(bus.Event{
			Source: "email",
			Type:   "email_received",
			Data: map[string]string{
				"messageId": e.ID,
				"threadId":  e.ThreadID,
				"from":      e.From,
				"subject":   e.Subject,
			},
		})
	}
	if p.handler != nil {
		p.handler(ctx, e)
	}
}
