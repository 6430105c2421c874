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

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/love-me/internal/log"
	"github.com/tombee/love-me/pkg/errors"
)

// DefaultStepTimeout bounds a single tool invocation.
const DefaultStepTimeout = 5 * time.Minute

// retry policy: 3 total attempts with these delays before the 2nd and 3rd.
var retryDelays = []time.Duration{time.Second, 2 * time.Second}

// Invoker runs a named tool. isError reports a tool-level failure carried
// in content; err reports an invocation failure.
type Invoker interface {
	Invoke(ctx context.Context, tool, argsJSON string) (content string, isError bool, err error)
}

// StepCallback observes a step transition. Exec is a snapshot taken before
// the next state change.
type StepCallback func(exec *Execution, step *StepResult)

// ExecutionCallback observes an execution-level transition.
type ExecutionCallback func(exec *Execution)

// Executor runs workflow DAGs. Steps with no outstanding dependencies run
// concurrently; a step starts only when every dependency is success.
type Executor struct {
	invoker     Invoker
	store       *Store
	stepTimeout time.Duration
	logger      *slog.Logger

	onStepUpdate      StepCallback
	onExecutionUpdate ExecutionCallback

	mu      sync.Mutex
	cancels map[string]*atomic.Bool

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStepTimeout overrides the per-step invocation timeout.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithStepCallback sets the step transition observer.
func WithStepCallback(cb StepCallback) ExecutorOption {
	return func(e *Executor) { e.onStepUpdate = cb }
}

// WithExecutionCallback sets the execution transition observer.
func WithExecutionCallback(cb ExecutionCallback) ExecutorOption {
	return func(e *Executor) { e.onExecutionUpdate = cb }
}

// NewExecutor creates an executor that journals through store.
func NewExecutor(invoker Invoker, store *Store, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		invoker:     invoker,
		store:       store,
		stepTimeout: DefaultStepTimeout,
		logger:      logger.With(slog.String("component", "executor")),
		cancels:     make(map[string]*atomic.Bool),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Cancel requests cooperative cancellation of a running execution. The
// flag is polled between step starts and between retries; unknown ids are
// ignored.
func (e *Executor) Cancel(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if flag, ok := e.cancels[executionID]; ok {
		flag.Store(true)
	}
}

type stepDone struct {
	index  int
	result StepResult
}

// Execute runs the workflow to completion and returns the terminal
// execution. Progress streams through the configured callbacks; the
// journal is written through the store at every transition.
func (e *Executor) Execute(ctx context.Context, w *Workflow, triggerInfo string) (*Execution, error) {
	exec := &Execution{
		ID:           uuid.NewString(),
		WorkflowID:   w.ID,
		WorkflowName: w.Name,
		Status:       ExecutionRunning,
		StartedAt:    time.Now().UTC(),
		TriggerInfo:  triggerInfo,
		Steps:        make([]StepResult, len(w.Steps)),
	}
	for i, s := range w.Steps {
		exec.Steps[i] = StepResult{StepID: s.ID, Name: s.Name, Status: StepPending}
	}

	cancelFlag := &atomic.Bool{}
	e.mu.Lock()
	e.cancels[exec.ID] = cancelFlag
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, exec.ID)
		e.mu.Unlock()
	}()

	logger := e.logger.With(slog.String(log.ExecutionIDKey, exec.ID), slog.String(log.WorkflowKey, w.ID))
	logger.Info("execution started", slog.String("trigger", triggerInfo))

	e.journal(exec)
	e.notifyExecution(exec)

	e.runDAG(ctx, w, exec, cancelFlag, logger)

	now := time.Now().UTC()
	exec.CompletedAt = &now
	e.journal(exec)
	e.notifyExecution(exec)
	logger.Info("execution finished", slog.String("status", string(exec.Status)))

	return exec, nil
}

func (e *Executor) runDAG(ctx context.Context, w *Workflow, exec *Execution, cancelFlag *atomic.Bool, logger *slog.Logger) {
	index := make(map[string]int, len(w.Steps))
	for i, s := range w.Steps {
		index[s.ID] = i
	}

	updates := make(chan stepDone, len(w.Steps))
	running := 0
	stopped := false

	for {
		if cancelFlag.Load() || ctx.Err() != nil {
			exec.Status = ExecutionCancelled
			return
		}

		// Propagate skips to a fixpoint before starting anything.
		e.propagateSkips(w, exec, index)

		if !stopped {
			for i := range w.Steps {
				if cancelFlag.Load() {
					break
				}
				if exec.Steps[i].Status != StepPending || !e.depsReady(w, w.Steps[i], exec, index) {
					continue
				}
				e.startStep(ctx, w, exec, i, updates, logger)
				running++
			}
		}

		if running == 0 {
			break
		}

		done := <-updates
		running--
		exec.Steps[done.index] = done.result
		e.journal(exec)
		e.notifyStep(exec, &exec.Steps[done.index])

		if done.result.Status == StepError {
			policy := w.Steps[done.index].OnError
			if policy == "" || policy == PolicyStop || policy == PolicyRetry {
				stopped = true
			}
		}
	}

	if cancelFlag.Load() {
		exec.Status = ExecutionCancelled
		return
	}

	if stopped {
		// Nothing further starts; remaining pending steps are skipped.
		for i := range exec.Steps {
			if exec.Steps[i].Status == StepPending {
				exec.Steps[i].Status = StepSkipped
				e.notifyStep(exec, &exec.Steps[i])
			}
		}
		exec.Status = ExecutionFailed
		return
	}

	exec.Status = ExecutionCompleted
	for i := range exec.Steps {
		if exec.Steps[i].Status == StepError {
			exec.Status = ExecutionFailed
		}
	}
}

// depsReady reports whether every dependency of s is settled in a way that
// lets s run. A dependency counts as satisfied when it succeeded, when its
// own policy is skip (the failure was declared ignorable at the source), or
// when s itself carries the skip policy.
func (e *Executor) depsReady(w *Workflow, s Step, exec *Execution, index map[string]int) bool {
	for _, dep := range s.DependsOn {
		st := exec.Steps[index[dep]].Status
		switch st {
		case StepSuccess:
		case StepError, StepSkipped:
			if s.OnError != PolicySkip && w.Steps[index[dep]].OnError != PolicySkip {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// propagateSkips marks pending steps whose dependencies failed or were
// skipped, cascading until no more change. Steps with the skip policy run
// anyway, and a dependency that failed under its own skip policy does not
// take its dependents down with it.
func (e *Executor) propagateSkips(w *Workflow, exec *Execution, index map[string]int) {
	for {
		changed := false
		for i, s := range w.Steps {
			if exec.Steps[i].Status != StepPending || s.OnError == PolicySkip {
				continue
			}
			for _, dep := range s.DependsOn {
				st := exec.Steps[index[dep]].Status
				if (st == StepError || st == StepSkipped) && w.Steps[index[dep]].OnError != PolicySkip {
					exec.Steps[i].Status = StepSkipped
					e.journal(exec)
					e.notifyStep(exec, &exec.Steps[i])
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

func (e *Executor) startStep(ctx context.Context, w *Workflow, exec *Execution, i int, updates chan<- stepDone, logger *slog.Logger) {
	step := w.Steps[i]
	now := time.Now().UTC()
	exec.Steps[i].Status = StepRunning
	exec.Steps[i].StartedAt = &now
	e.journal(exec)
	e.notifyStep(exec, &exec.Steps[i])

	argsJSON, err := e.resolveInputs(step, exec)

	result := exec.Steps[i]
	go func() {
		defer func() {
			done := time.Now().UTC()
			result.CompletedAt = &done
			updates <- stepDone{index: i, result: result}
		}()

		if err != nil {
			result.Status = StepError
			result.Error = err.Error()
			return
		}

		content, invokeErr := e.invokeWithRetry(ctx, step, argsJSON, exec.ID, logger)
		if invokeErr != nil {
			result.Status = StepError
			result.Error = invokeErr.Error()
			return
		}
		result.Status = StepSuccess
		result.Output = content
	}()
}

// resolveInputs materializes the step's input template into an argument
// JSON object. Referenced steps that did not produce output (errored or
// skipped dependencies run under the skip policy) resolve to "".
func (e *Executor) resolveInputs(step Step, exec *Execution) (string, error) {
	args := make(map[string]string, len(step.Input))
	for name, v := range step.Input {
		if !v.IsRef() {
			args[name] = v.Literal
			continue
		}
		producer := exec.StepResult(v.Step)
		if producer == nil {
			return "", fmt.Errorf("input %q references unknown step %q", name, v.Step)
		}
		if producer.Status != StepSuccess {
			args[name] = ""
			continue
		}
		args[name] = ResolvePath(producer.Output, v.Path)
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (e *Executor) invokeWithRetry(ctx context.Context, step Step, argsJSON, executionID string, logger *slog.Logger) (string, error) {
	attempts := 1
	if step.OnError == PolicyRetry {
		attempts = len(retryDelays) + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if e.cancelRequested(executionID) {
				return "", lastErr
			}
			if err := e.sleep(ctx, retryDelays[attempt-1]); err != nil {
				return "", lastErr
			}
		}

		content, err := e.invokeOnce(ctx, step, argsJSON)
		if err == nil {
			return content, nil
		}
		lastErr = err
		logger.Warn("step attempt failed",
			slog.String(log.StepIDKey, step.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return "", lastErr
}

func (e *Executor) invokeOnce(ctx context.Context, step Step, argsJSON string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	content, isError, err := e.invoker.Invoke(ctx, step.Tool, argsJSON)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", &errors.TimeoutError{Operation: "tool " + step.Tool, Duration: e.stepTimeout, Cause: err}
		}
		return "", err
	}
	if isError {
		return "", fmt.Errorf("tool %s failed: %s", step.Tool, content)
	}
	return content, nil
}

func (e *Executor) cancelRequested(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag, ok := e.cancels[executionID]
	return ok && flag.Load()
}

func (e *Executor) journal(exec *Execution) {
	if e.store == nil {
		return
	}
	if err := e.store.UpsertExecution(exec); err != nil {
		e.logger.Warn("journal write failed",
			slog.String(log.ExecutionIDKey, exec.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Executor) notifyStep(exec *Execution, step *StepResult) {
	if e.onStepUpdate != nil {
		e.onStepUpdate(exec, step)
	}
}

func (e *Executor) notifyExecution(exec *Execution) {
	if e.onExecutionUpdate != nil {
		e.onExecutionUpdate(exec)
	}
}
