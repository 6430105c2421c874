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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInvoker routes tool calls to per-tool functions.
type fakeInvoker struct {
	mu    sync.Mutex
	tools map[string]func(ctx context.Context, argsJSON string) (string, bool, error)
	calls []string
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{tools: make(map[string]func(context.Context, string) (string, bool, error))}
}

func (f *fakeInvoker) on(tool string, fn func(context.Context, string) (string, bool, error)) {
	f.tools[tool] = fn
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool, argsJSON string) (string, bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()
	fn, ok := f.tools[tool]
	if !ok {
		return "", false, fmt.Errorf("unknown tool %s", tool)
	}
	return fn(ctx, argsJSON)
}

func (f *fakeInvoker) callCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == tool {
			n++
		}
	}
	return n
}

func newTestExecutor(t *testing.T, inv Invoker, opts ...ExecutorOption) (*Executor, *Store) {
	t.Helper()
	store := newTestStore(t)
	e := NewExecutor(inv, store, nil, opts...)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e, store
}

func singleStepWorkflow() *Workflow {
	return &Workflow{
		ID: "wf-echo", Name: "Echo", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "*/5 * * * *"},
		Steps: []Step{{
			ID: "say", Tool: "echo",
			Input: map[string]InputValue{"v": {Literal: "hi"}},
		}},
	}
}

func TestExecuteSingleStepCompletes(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("echo", func(_ context.Context, args string) (string, bool, error) {
		var in map[string]string
		require.NoError(t, json.Unmarshal([]byte(args), &in))
		return fmt.Sprintf(`{"out":%q}`, in["v"]), false, nil
	})
	e, store := newTestExecutor(t, inv)

	exec, err := e.Execute(context.Background(), singleStepWorkflow(), "cron")
	require.NoError(t, err)

	assert.Equal(t, ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	require.Len(t, exec.Steps, 1)
	assert.Equal(t, StepSuccess, exec.Steps[0].Status)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(exec.Steps[0].Output), &out))
	assert.Equal(t, "hi", out["out"])

	journaled, err := store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, journaled.Status)
}

func TestExecuteDependencySubstitution(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("double", func(context.Context, string) (string, bool, error) {
		return `{"doubled":6}`, false, nil
	})
	inv.on("echo", func(_ context.Context, args string) (string, bool, error) {
		return args, false, nil
	})
	e, _ := newTestExecutor(t, inv)

	w := &Workflow{
		ID: "wf-dep", Name: "Dep", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "* * * * *"},
		Steps: []Step{
			{ID: "A", Tool: "double", Input: map[string]InputValue{"n": {Literal: "3"}}},
			{ID: "B", Tool: "echo", DependsOn: []string{"A"},
				Input: map[string]InputValue{"x": {Step: "A", Path: ".doubled"}}},
		},
	}

	exec, err := e.Execute(context.Background(), w, "manual")
	require.NoError(t, err)
	require.Equal(t, ExecutionCompleted, exec.Status)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(exec.StepResult("B").Output), &out))
	assert.Equal(t, "6", out["x"])
}

func TestStopPolicySkipsDownstream(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("boom", func(context.Context, string) (string, bool, error) {
		return "it broke", true, nil
	})
	inv.on("never", func(context.Context, string) (string, bool, error) {
		return "ran", false, nil
	})
	e, _ := newTestExecutor(t, inv)

	w := &Workflow{
		ID: "wf-stop", Name: "Stop", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "* * * * *"},
		Steps: []Step{
			{ID: "A", Tool: "boom", OnError: PolicyStop},
			{ID: "B", Tool: "never", DependsOn: []string{"A"}},
		},
	}

	exec, err := e.Execute(context.Background(), w, "manual")
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.NotNil(t, exec.CompletedAt)
	assert.Equal(t, StepError, exec.StepResult("A").Status)
	assert.Contains(t, exec.StepResult("A").Error, "it broke")
	assert.Equal(t, StepSkipped, exec.StepResult("B").Status)
	assert.Equal(t, 0, inv.callCount("never"))
}

func TestSkipPolicyRunsDownstreamWithEmptyInput(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("boom", func(context.Context, string) (string, bool, error) {
		return "", false, fmt.Errorf("provider down")
	})
	inv.on("echo", func(_ context.Context, args string) (string, bool, error) {
		return args, false, nil
	})
	e, _ := newTestExecutor(t, inv)

	w := &Workflow{
		ID: "wf-skip", Name: "Skip", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "* * * * *"},
		Steps: []Step{
			{ID: "A", Tool: "boom", OnError: PolicySkip},
			{ID: "B", Tool: "echo", OnError: PolicySkip, DependsOn: []string{"A"},
				Input: map[string]InputValue{"x": {Step: "A", Path: ".out"}}},
		},
	}

	exec, err := e.Execute(context.Background(), w, "manual")
	require.NoError(t, err)

	assert.Equal(t, StepError, exec.StepResult("A").Status)
	assert.Equal(t, StepSuccess, exec.StepResult("B").Status)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(exec.StepResult("B").Output), &out))
	assert.Equal(t, "", out["x"])
}

func TestSkipPolicyFailureDoesNotBlockDependents(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("boom", func(context.Context, string) (string, bool, error) {
		return "", false, fmt.Errorf("provider down")
	})
	inv.on("echo", func(_ context.Context, args string) (string, bool, error) {
		return args, false, nil
	})
	e, _ := newTestExecutor(t, inv)

	// The skip policy sits on the failing step; its dependent carries no
	// policy of its own and must still run.
	w := &Workflow{
		ID: "wf-skip-src", Name: "SkipSource", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "* * * * *"},
		Steps: []Step{
			{ID: "A", Tool: "boom", OnError: PolicySkip},
			{ID: "B", Tool: "echo", DependsOn: []string{"A"},
				Input: map[string]InputValue{"x": {Step: "A", Path: ".out"}}},
		},
	}

	exec, err := e.Execute(context.Background(), w, "manual")
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Equal(t, StepError, exec.StepResult("A").Status)
	assert.Equal(t, StepSuccess, exec.StepResult("B").Status)
	assert.Equal(t, 1, inv.callCount("echo"))
}

func TestRetryPolicySucceedsOnThirdAttempt(t *testing.T) {
	inv := newFakeInvoker()
	attempts := 0
	inv.on("flaky", func(context.Context, string) (string, bool, error) {
		attempts++
		if attempts < 3 {
			return "", false, fmt.Errorf("transient")
		}
		return "ok", false, nil
	})
	e, _ := newTestExecutor(t, inv)

	w := &Workflow{
		ID: "wf-retry", Name: "Retry", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "* * * * *"},
		Steps:   []Step{{ID: "A", Tool: "flaky", OnError: PolicyRetry}},
	}

	exec, err := e.Execute(context.Background(), w, "manual")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyExhaustedFails(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("flaky", func(context.Context, string) (string, bool, error) {
		return "", false, fmt.Errorf("still broken")
	})
	e, _ := newTestExecutor(t, inv)

	w := &Workflow{
		ID: "wf-retry2", Name: "Retry", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "* * * * *"},
		Steps:   []Step{{ID: "A", Tool: "flaky", OnError: PolicyRetry}},
	}

	exec, err := e.Execute(context.Background(), w, "manual")
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Equal(t, 3, inv.callCount("flaky"))
}

func TestIndependentStepsRunConcurrently(t *testing.T) {
	inv := newFakeInvoker()
	var both sync.WaitGroup
	both.Add(2)
	barrier := func(context.Context, string) (string, bool, error) {
		both.Done()
		done := make(chan struct{})
		go func() { both.Wait(); close(done) }()
		select {
		case <-done:
			return "ok", false, nil
		case <-time.After(2 * time.Second):
			return "", false, fmt.Errorf("peer never started")
		}
	}
	inv.on("left", barrier)
	inv.on("right", barrier)
	e, _ := newTestExecutor(t, inv)

	w := &Workflow{
		ID: "wf-par", Name: "Parallel", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "* * * * *"},
		Steps: []Step{
			{ID: "L", Tool: "left"},
			{ID: "R", Tool: "right"},
		},
	}

	exec, err := e.Execute(context.Background(), w, "manual")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, exec.Status)
}

func TestCancelPreventsNextStep(t *testing.T) {
	inv := newFakeInvoker()
	started := make(chan string, 1)
	release := make(chan struct{})
	inv.on("slow", func(context.Context, string) (string, bool, error) {
		started <- "slow"
		<-release
		return "ok", false, nil
	})
	inv.on("after", func(context.Context, string) (string, bool, error) {
		return "ran", false, nil
	})
	e, _ := newTestExecutor(t, inv)

	w := &Workflow{
		ID: "wf-cancel", Name: "Cancel", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "* * * * *"},
		Steps: []Step{
			{ID: "A", Tool: "slow"},
			{ID: "B", Tool: "after", DependsOn: []string{"A"}},
		},
	}

	execCh := make(chan *Execution, 1)
	go func() {
		exec, err := e.Execute(context.Background(), w, "manual")
		require.NoError(t, err)
		execCh <- exec
	}()

	<-started
	// The execution id is not exposed until return; cancel every active run.
	for {
		e.mu.Lock()
		n := len(e.cancels)
		for id := range e.cancels {
			e.cancels[id].Store(true)
		}
		e.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	exec := <-execCh
	assert.Equal(t, ExecutionCancelled, exec.Status)
	assert.Equal(t, 0, inv.callCount("after"))
}

func TestStepTimeoutSurfacesAsError(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("hang", func(ctx context.Context, _ string) (string, bool, error) {
		<-ctx.Done()
		return "", false, ctx.Err()
	})
	e, _ := newTestExecutor(t, inv, WithStepTimeout(50*time.Millisecond))

	w := &Workflow{
		ID: "wf-timeout", Name: "Timeout", Enabled: true,
		Trigger: Trigger{Type: TriggerCron, Expression: "* * * * *"},
		Steps:   []Step{{ID: "A", Tool: "hang"}},
	}

	exec, err := e.Execute(context.Background(), w, "manual")
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Contains(t, exec.StepResult("A").Error, "timed out")
}

func TestCallbacksFireInOrder(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("echo", func(context.Context, string) (string, bool, error) {
		return "ok", false, nil
	})

	var mu sync.Mutex
	var events []string
	store := newTestStore(t)
	e := NewExecutor(inv, store, nil,
		WithStepCallback(func(_ *Execution, s *StepResult) {
			mu.Lock()
			events = append(events, "step:"+string(s.Status))
			mu.Unlock()
		}),
		WithExecutionCallback(func(exec *Execution) {
			mu.Lock()
			events = append(events, "exec:"+string(exec.Status))
			mu.Unlock()
		}))

	_, err := e.Execute(context.Background(), singleStepWorkflow(), "manual")
	require.NoError(t, err)

	assert.Equal(t, []string{"exec:running", "step:running", "step:success", "exec:completed"}, events)
}
