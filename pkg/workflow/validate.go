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
	"fmt"

	"github.com/tombee/love-me/internal/schedule"
	"github.com/tombee/love-me/pkg/errors"
)

// Validate checks structural invariants of a workflow definition:
// non-empty id and name, a well-formed trigger, non-empty steps when the
// workflow is enabled, dependency references that name steps within the
// workflow, and an acyclic dependency graph.
func Validate(w *Workflow) error {
	if w.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if w.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}

	if err := validateTrigger(w.Trigger); err != nil {
		return err
	}

	if w.Enabled && len(w.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "an enabled workflow must have at least one step",
			Suggestion: "add a step or disable the workflow",
		}
	}

	ids := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		if s.ID == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Message: "step id is required"}
		}
		if ids[s.ID] {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Message: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		ids[s.ID] = true
		if s.Tool == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].tool", i), Message: "step tool is required"}
		}
		switch s.OnError {
		case "", PolicyStop, PolicySkip, PolicyRetry:
		default:
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].onError", i),
				Message:    fmt.Sprintf("unknown error policy %q", s.OnError),
				Suggestion: "use stop, skip, or retry",
			}
		}
	}

	for i, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].dependsOn", i),
					Message: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep),
				}
			}
			if dep == s.ID {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].dependsOn", i),
					Message: fmt.Sprintf("step %q depends on itself", s.ID),
				}
			}
		}
		for name, v := range s.Input {
			if v.IsRef() && !ids[v.Step] {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].input.%s", i, name),
					Message: fmt.Sprintf("input references unknown step %q", v.Step),
				}
			}
		}
	}

	if cycle := findCycle(w.Steps); cycle != "" {
		return &errors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("dependency cycle through step %q", cycle),
		}
	}

	return nil
}

func validateTrigger(t Trigger) error {
	switch t.Type {
	case TriggerCron:
		if _, err := schedule.Parse(t.Expression); err != nil {
			return &errors.ValidationError{
				Field:   "trigger.expression",
				Message: fmt.Sprintf("invalid cron expression %q: %v", t.Expression, err),
			}
		}
	case TriggerEvent:
		if t.Source == "" || t.Event == "" {
			return &errors.ValidationError{
				Field:   "trigger",
				Message: "event trigger requires source and event",
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "trigger.type",
			Message:    fmt.Sprintf("unknown trigger type %q", t.Type),
			Suggestion: "use cron or event",
		}
	}
	return nil
}

// findCycle returns the id of a step on a dependency cycle, or "".
func findCycle(steps []Step) string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if c := visit(s.ID); c != "" {
				return c
			}
		}
	}
	return ""
}
