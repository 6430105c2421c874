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

// Package workflow defines the workflow data model, the file-backed store,
// and the DAG executor.
package workflow

import (
	"time"
)

// TriggerType discriminates the trigger variants.
type TriggerType string

const (
	TriggerCron  TriggerType = "cron"
	TriggerEvent TriggerType = "event"
)

// Trigger describes what starts a workflow.
type Trigger struct {
	Type TriggerType `json:"type"`

	// Expression is the 5-field cron expression. Set when Type is "cron".
	Expression string `json:"expression,omitempty"`

	// Source and Event identify the bus event. Set when Type is "event".
	Source string `json:"source,omitempty"`
	Event  string `json:"event,omitempty"`

	// Filter, when present, requires every listed key to equal the
	// corresponding event-data value.
	Filter map[string]string `json:"filter,omitempty"`
}

// ErrorPolicy controls how a step failure affects the rest of the run.
type ErrorPolicy string

const (
	// PolicyStop fails the execution; in-flight siblings finish but no
	// further steps start.
	PolicyStop ErrorPolicy = "stop"

	// PolicySkip records the failure and lets downstream steps proceed
	// with the failed step's output treated as empty.
	PolicySkip ErrorPolicy = "skip"

	// PolicyRetry re-invokes up to 3 total attempts (1s then 2s back-off),
	// then behaves as stop.
	PolicyRetry ErrorPolicy = "retry"
)

// InputValue is one entry of a step's input template: either a literal
// string, or a reference to a prior step's output resolved by dotted
// JSON path at run time.
type InputValue struct {
	Literal string `json:"literal,omitempty"`

	Step string `json:"step,omitempty"`
	Path string `json:"path,omitempty"`
}

// IsRef reports whether the value references another step's output.
func (v InputValue) IsRef() bool { return v.Step != "" }

// Step is one node of the workflow DAG.
type Step struct {
	ID        string                `json:"id"`
	Name      string                `json:"name,omitempty"`
	Tool      string                `json:"tool"`
	Provider  string                `json:"provider,omitempty"`
	Input     map[string]InputValue `json:"input,omitempty"`
	DependsOn []string              `json:"dependsOn,omitempty"`
	OnError   ErrorPolicy           `json:"onError,omitempty"`
}

// NotifyPrefs selects which execution transitions fan out as client
// notifications.
type NotifyPrefs struct {
	OnStart        bool `json:"onStart,omitempty"`
	OnComplete     bool `json:"onComplete,omitempty"`
	OnError        bool `json:"onError,omitempty"`
	OnStepComplete bool `json:"onStepComplete,omitempty"`
}

// Workflow is a stored workflow definition.
type Workflow struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Enabled     bool        `json:"enabled"`
	Trigger     Trigger     `json:"trigger"`
	Steps       []Step      `json:"steps"`
	Notify      NotifyPrefs `json:"notify,omitempty"`
	Created     time.Time   `json:"created"`
	Updated     time.Time   `json:"updated"`
}

// Summary is the list projection of a workflow.
type Summary struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Enabled     bool        `json:"enabled"`
	TriggerType TriggerType `json:"triggerType"`
	StepCount   int         `json:"stepCount"`
	Updated     time.Time   `json:"updated"`
}

// Summarize projects a workflow into its list form.
func (w *Workflow) Summarize() Summary {
	return Summary{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Enabled:     w.Enabled,
		TriggerType: w.Trigger.Type,
		StepCount:   len(w.Steps),
		Updated:     w.Updated,
	}
}

// ExecutionStatus is the lifecycle state of a run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one step.
type StepResult struct {
	StepID      string     `json:"stepId"`
	Name        string     `json:"name,omitempty"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Execution is the journal record of one workflow run. Step results appear
// in declaration order.
type Execution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	WorkflowName string          `json:"workflowName"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	TriggerInfo  string          `json:"triggerInfo,omitempty"`
	Steps        []StepResult    `json:"steps"`
}

// StepResult returns a pointer to the result for stepID, or nil.
func (e *Execution) StepResult(stepID string) *StepResult {
	for i := range e.Steps {
		if e.Steps[i].StepID == stepID {
			return &e.Steps[i]
		}
	}
	return nil
}
