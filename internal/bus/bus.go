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

// Package bus provides the daemon's in-process event bus.
//
// Events are keyed by (source, type). Subscribers register under a stable
// caller-chosen id (typically the workflow id) so that re-subscribing is
// idempotent and teardown only needs the id.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a (source, type, data) tuple published onto the bus.
type Event struct {
	// Source identifies the publishing subsystem (e.g. "email").
	Source string `json:"source"`

	// Type is the event type within the source (e.g. "email_received").
	Type string `json:"type"`

	// Data carries string event attributes used by trigger filters.
	Data map[string]string `json:"data,omitempty"`

	// Time is when the event was published.
	Time time.Time `json:"time"`
}

// Handler receives a published event. Handlers run on the bus's dispatch
// goroutine for a publication; a slow handler delays later handlers of the
// same publication but never the publisher.
type Handler func(Event)

type subscription struct {
	source  string
	event   string
	id      string
	handler Handler
}

// Bus is an in-process pub/sub dispatcher.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger *slog.Logger
}

// New creates a new event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With(slog.String("component", "bus"))}
}

// Subscribe registers handler for events matching (source, eventType).
// Subscribing again with the same id replaces the previous subscription for
// that id, keeping its original position in dispatch order.
func (b *Bus) Subscribe(source, eventType, id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.id == id {
			s.source = source
			s.event = eventType
			s.handler = handler
			return
		}
	}

	b.subs = append(b.subs, &subscription{
		source:  source,
		event:   eventType,
		id:      id,
		handler: handler,
	})
}

// Unsubscribe removes all subscriptions registered under id.
// Unsubscribing an unknown id is a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// Publish delivers event to every matching subscriber. Delivery is
// fire-and-forget: handlers run on a dispatch goroutine in subscription
// order, concurrently with the caller.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	var matched []Handler
	for _, s := range b.subs {
		if s.source == event.Source && s.event == event.Type {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	b.logger.Debug("publishing event",
		slog.String("source", event.Source),
		slog.String("type", event.Type),
		slog.Int("subscribers", len(matched)))

	go func() {
		for _, h := range matched {
			h(event)
		}
	}()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
