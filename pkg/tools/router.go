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

// Package tools routes tool invocations to their providers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Descriptor describes one callable tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Provider    string          `json:"provider"`
}

// Result is the outcome of a tool invocation. IsError marks a tool-level
// failure whose message is carried in Content.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

// Provider is a group of related tools.
type Provider interface {
	// Name identifies the provider.
	Name() string

	// Tools lists the provider's tool descriptors.
	Tools(ctx context.Context) ([]Descriptor, error)

	// Invoke runs one tool. An error return is coerced by the Router
	// into an IsError result.
	Invoke(ctx context.Context, tool, argsJSON string) (Result, error)

	// Instructions returns an expert-instruction blob for the system
	// prompt, or "".
	Instructions() string
}

// Router registers providers and dispatches invocations. Invocations run
// concurrently; the router holds no lock across a provider call.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	byTool    map[string]Descriptor
	order     []string
	logger    *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		providers: make(map[string]Provider),
		byTool:    make(map[string]Descriptor),
		logger:    logger.With(slog.String("component", "tools")),
	}
}

// Register queries the provider's tool list and caches it. A provider
// name or tool name that collides with an existing registration is
// rejected.
func (r *Router) Register(ctx context.Context, p Provider) error {
	descs, err := p.Tools(ctx)
	if err != nil {
		return fmt.Errorf("listing tools for provider %s: %w", p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %s already registered", p.Name())
	}
	for _, d := range descs {
		if existing, exists := r.byTool[d.Name]; exists {
			return fmt.Errorf("tool %s from provider %s already registered by %s", d.Name, p.Name(), existing.Provider)
		}
	}

	r.providers[p.Name()] = p
	r.order = append(r.order, p.Name())
	for _, d := range descs {
		d.Provider = p.Name()
		r.byTool[d.Name] = d
	}

	r.logger.Info("provider registered",
		slog.String("provider", p.Name()),
		slog.Int("tools", len(descs)))
	return nil
}

// List returns all registered descriptors sorted by tool name.
func (r *Router) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byTool))
	for _, d := range r.byTool {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupProvider returns the provider name serving a tool.
func (r *Router) LookupProvider(tool string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byTool[tool]
	return d.Provider, ok
}

// Instructions collects the non-empty expert-instruction blobs of every
// registered provider, in registration order.
func (r *Router) Instructions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range r.order {
		if s := r.providers[name].Instructions(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Invoke runs the named tool. Unknown tools and provider failures are
// reported as IsError results, never as a panic or error return.
func (r *Router) Invoke(ctx context.Context, tool, argsJSON string) Result {
	r.mu.RLock()
	d, ok := r.byTool[tool]
	var p Provider
	if ok {
		p = r.providers[d.Provider]
	}
	r.mu.RUnlock()

	if !ok || p == nil {
		return Result{Content: fmt.Sprintf("unknown tool: %s", tool), IsError: true}
	}

	res, err := p.Invoke(ctx, tool, argsJSON)
	if err != nil {
		r.logger.Warn("tool invocation failed",
			slog.String("tool", tool),
			slog.String("provider", d.Provider),
			slog.String("error", err.Error()))
		return Result{Content: fmt.Sprintf("tool %s failed: %v", tool, err), IsError: true}
	}
	return res
}
