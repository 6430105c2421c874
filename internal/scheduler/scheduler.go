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

// Package scheduler binds enabled workflows to their triggers: cron
// workflows to the minute ticker and event workflows to the bus.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/love-me/internal/bus"
	"github.com/tombee/love-me/internal/log"
	"github.com/tombee/love-me/internal/schedule"
	"github.com/tombee/love-me/pkg/workflow"
)

// Notification events routed through a workflow's notify preferences.
const (
	NotifyStarted       = "started"
	NotifyCompleted     = "completed"
	NotifyFailed        = "failed"
	NotifyStepCompleted = "step_completed"
)

// NotifyFunc receives workflow notifications selected by notify
// preferences. step is nil except for step_completed.
type NotifyFunc func(w *workflow.Workflow, exec *workflow.Execution, step *workflow.StepResult, event string)

// Runner is satisfied by *workflow.Executor.
type Runner interface {
	Execute(ctx context.Context, w *workflow.Workflow, triggerInfo string) (*workflow.Execution, error)
}

// Scheduler owns the trigger bindings of enabled workflows.
type Scheduler struct {
	store  *workflow.Store
	runner Runner
	ticker *schedule.Ticker
	bus    *bus.Bus
	notify NotifyFunc
	logger *slog.Logger

	// CronFired, when set, observes every cron fire that reaches a
	// bound workflow.
	CronFired func(workflowID string)

	mu    sync.Mutex
	bound map[string]*workflow.Workflow

	baseCtx context.Context
}

// New creates a scheduler. The ticker is constructed here so its fire
// callback lands back in the scheduler.
func New(ctx context.Context, store *workflow.Store, runner Runner, eventBus *bus.Bus, notify NotifyFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:   store,
		runner:  runner,
		bus:     eventBus,
		notify:  notify,
		logger:  logger.With(slog.String("component", "scheduler")),
		bound:   make(map[string]*workflow.Workflow),
		baseCtx: ctx,
	}
	s.ticker = schedule.NewTicker(s.onCronFire, logger)
	return s
}

// Start launches the minute ticker.
func (s *Scheduler) Start(ctx context.Context) { s.ticker.Start(ctx) }

// Stop halts the minute ticker.
func (s *Scheduler) Stop() { s.ticker.Stop() }

// Ticker exposes the minute ticker, mainly for tests and status.
func (s *Scheduler) Ticker() *schedule.Ticker { return s.ticker }

// Sync rebinds every enabled workflow from the store and tears down
// bindings for workflows that disappeared or were disabled.
func (s *Scheduler) Sync() error {
	summaries, err := s.store.List()
	if err != nil {
		return err
	}

	current := make(map[string]bool, len(summaries))
	for _, sum := range summaries {
		w, err := s.store.Get(sum.ID)
		if err != nil {
			continue
		}
		current[w.ID] = true
		if err := s.Bind(w); err != nil {
			s.logger.Warn("binding workflow failed",
				slog.String(log.WorkflowKey, w.ID),
				slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	var stale []string
	for id := range s.bound {
		if !current[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Unbind(id)
	}
	return nil
}

// Bind tears down any existing binding for the workflow, then installs
// the one matching its trigger. Disabled workflows end up unbound.
func (s *Scheduler) Bind(w *workflow.Workflow) error {
	s.Unbind(w.ID)

	if !w.Enabled {
		return nil
	}

	switch w.Trigger.Type {
	case workflow.TriggerCron:
		if err := s.ticker.Add(w.ID, w.Trigger.Expression); err != nil {
			return err
		}
	case workflow.TriggerEvent:
		trigger := w.Trigger
		id := w.ID
		s.bus.Subscribe(trigger.Source, trigger.Event, id, func(e bus.Event) {
			s.onBusEvent(id, trigger, e)
		})
	default:
		return fmt.Errorf("workflow %s has unknown trigger type %q", w.ID, w.Trigger.Type)
	}

	s.mu.Lock()
	s.bound[w.ID] = w
	s.mu.Unlock()
	return nil
}

// Unbind removes both possible bindings for a workflow id.
func (s *Scheduler) Unbind(id string) {
	s.ticker.Remove(id)
	s.bus.Unsubscribe(id)
	s.mu.Lock()
	delete(s.bound, id)
	s.mu.Unlock()
}

// BoundCount returns the number of bound workflows.
func (s *Scheduler) BoundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bound)
}

func (s *Scheduler) onCronFire(workflowID string, at time.Time) {
	w, err := s.store.Get(workflowID)
	if err != nil {
		s.logger.Warn("cron fired for missing workflow", slog.String(log.WorkflowKey, workflowID))
		s.Unbind(workflowID)
		return
	}
	if !w.Enabled {
		return
	}
	if s.CronFired != nil {
		s.CronFired(workflowID)
	}
	info := fmt.Sprintf("cron %q at %s", w.Trigger.Expression, at.UTC().Format(time.RFC3339))
	go s.run(w, info)
}

func (s *Scheduler) onBusEvent(workflowID string, trigger workflow.Trigger, e bus.Event) {
	for k, v := range trigger.Filter {
		if e.Data[k] != v {
			return
		}
	}

	w, err := s.store.Get(workflowID)
	if err != nil || !w.Enabled {
		return
	}
	info := fmt.Sprintf("event %s/%s", e.Source, e.Type)
	go s.run(w, info)
}

// Run executes a workflow on behalf of a direct request (gateway
// run_workflow), applying the same notification routing as trigger
// fires.
func (s *Scheduler) Run(w *workflow.Workflow, triggerInfo string) {
	go s.run(w, triggerInfo)
}

func (s *Scheduler) run(w *workflow.Workflow, triggerInfo string) {
	if w.Notify.OnStart && s.notify != nil {
		s.notify(w, nil, nil, NotifyStarted)
	}

	exec, err := s.runner.Execute(s.baseCtx, w, triggerInfo)
	if err != nil {
		s.logger.Error("execution failed to start",
			slog.String(log.WorkflowKey, w.ID),
			slog.String("error", err.Error()))
		return
	}

	if s.notify == nil {
		return
	}
	switch exec.Status {
	case workflow.ExecutionCompleted:
		if w.Notify.OnComplete {
			s.notify(w, exec, nil, NotifyCompleted)
		}
	case workflow.ExecutionFailed:
		if w.Notify.OnError {
			s.notify(w, exec, nil, NotifyFailed)
		}
	}
}

// StepCompleted routes a successful step through the workflow's
// on-step-complete preference. Called from the executor's step callback.
func (s *Scheduler) StepCompleted(exec *workflow.Execution, step *workflow.StepResult) {
	if step.Status != workflow.StepSuccess || s.notify == nil {
		return
	}
	s.mu.Lock()
	w, ok := s.bound[exec.WorkflowID]
	s.mu.Unlock()
	if ok && w.Notify.OnStepComplete {
		s.notify(w, exec, step, NotifyStepCompleted)
	}
}

// Watch re-syncs bindings when workflow files change outside the
// gateway. It blocks until ctx is cancelled.
func (s *Scheduler) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.store.WorkflowsDir()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("workflows directory changed", slog.String("file", ev.Name))
			if err := s.Sync(); err != nil {
				s.logger.Warn("resync failed", slog.String("error", err.Error()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}
