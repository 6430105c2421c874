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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tombee/love-me/internal/storage"
	"github.com/tombee/love-me/pkg/errors"
)

// Store persists workflow definitions and execution journals, one JSON
// file per entity.
type Store struct {
	workflowsDir  string
	executionsDir string
}

// NewStore creates a store rooted at the two directories, creating them
// if needed.
func NewStore(workflowsDir, executionsDir string) (*Store, error) {
	if err := storage.EnsureDir(workflowsDir); err != nil {
		return nil, err
	}
	if err := storage.EnsureDir(executionsDir); err != nil {
		return nil, err
	}
	return &Store{workflowsDir: workflowsDir, executionsDir: executionsDir}, nil
}

// WorkflowsDir returns the directory holding workflow definition files.
func (s *Store) WorkflowsDir() string { return s.workflowsDir }

func safeID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\\") && id != "." && id != ".."
}

func (s *Store) workflowPath(id string) string {
	return filepath.Join(s.workflowsDir, id+".json")
}

func (s *Store) executionPath(id string) string {
	return filepath.Join(s.executionsDir, id+".json")
}

// Create stores a new workflow. It fails with a ValidationError if the
// definition is invalid and with a duplicate error if the id exists.
func (s *Store) Create(w *Workflow) error {
	if err := Validate(w); err != nil {
		return err
	}
	if !safeID(w.ID) {
		return &errors.ValidationError{Field: "id", Message: "workflow id must not contain path separators"}
	}
	if _, err := os.Stat(s.workflowPath(w.ID)); err == nil {
		return &errors.ValidationError{
			Field:      "id",
			Message:    "workflow " + w.ID + " already exists",
			Suggestion: "use update to replace an existing workflow",
		}
	}

	now := time.Now().UTC()
	if w.Created.IsZero() {
		w.Created = now
	}
	w.Updated = now
	return storage.WriteJSON(s.workflowPath(w.ID), w)
}

// Update replaces an existing workflow and bumps its Updated instant.
// It fails with a NotFoundError if the id is unknown.
func (s *Store) Update(w *Workflow) error {
	if err := Validate(w); err != nil {
		return err
	}
	if !safeID(w.ID) {
		return &errors.ValidationError{Field: "id", Message: "workflow id must not contain path separators"}
	}

	existing, err := s.Get(w.ID)
	if err != nil {
		return err
	}

	w.Created = existing.Created
	w.Updated = time.Now().UTC()
	return storage.WriteJSON(s.workflowPath(w.ID), w)
}

// Get loads a workflow by id.
func (s *Store) Get(id string) (*Workflow, error) {
	if !safeID(id) {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	var w Workflow
	if err := storage.ReadJSON(s.workflowPath(id), &w); err != nil {
		if errors.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
		}
		return nil, err
	}
	return &w, nil
}

// Delete removes a workflow. It fails with a NotFoundError if the id is
// unknown.
func (s *Store) Delete(id string) error {
	if !safeID(id) {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err := os.Remove(s.workflowPath(id)); err != nil {
		if os.IsNotExist(err) {
			return &errors.NotFoundError{Resource: "workflow", ID: id}
		}
		return &errors.StorageError{Op: "delete", Path: s.workflowPath(id), Cause: err}
	}
	return nil
}

// List returns summaries of every stored workflow, sorted by name.
// Unreadable files are skipped.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.workflowsDir)
	if err != nil {
		return nil, &errors.StorageError{Op: "list", Path: s.workflowsDir, Cause: err}
	}

	summaries := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var w Workflow
		if err := storage.ReadJSON(filepath.Join(s.workflowsDir, e.Name()), &w); err != nil {
			continue
		}
		summaries = append(summaries, w.Summarize())
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries, nil
}

// UpsertExecution writes an execution journal entry. A journal already in
// a terminal state is immutable; attempts to rewrite it fail.
func (s *Store) UpsertExecution(e *Execution) error {
	if !safeID(e.ID) {
		return &errors.ValidationError{Field: "id", Message: "execution id must not contain path separators"}
	}

	var existing Execution
	err := storage.ReadJSON(s.executionPath(e.ID), &existing)
	if err == nil && existing.Status.Terminal() {
		return &errors.ValidationError{
			Field:   "status",
			Message: "execution " + e.ID + " is already " + string(existing.Status),
		}
	}
	if err != nil && !errors.IsNotFound(err) {
		return err
	}

	return storage.WriteJSON(s.executionPath(e.ID), e)
}

// GetExecution loads an execution journal by id.
func (s *Store) GetExecution(id string) (*Execution, error) {
	if !safeID(id) {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	var e Execution
	if err := storage.ReadJSON(s.executionPath(id), &e); err != nil {
		if errors.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "execution", ID: id}
		}
		return nil, err
	}
	return &e, nil
}

// ListExecutions returns the journals for one workflow, newest first.
func (s *Store) ListExecutions(workflowID string) ([]*Execution, error) {
	entries, err := os.ReadDir(s.executionsDir)
	if err != nil {
		return nil, &errors.StorageError{Op: "list", Path: s.executionsDir, Cause: err}
	}

	var execs []*Execution
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var e Execution
		if err := storage.ReadJSON(filepath.Join(s.executionsDir, entry.Name()), &e); err != nil {
			continue
		}
		if e.WorkflowID == workflowID {
			execs = append(execs, &e)
		}
	}

	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.After(execs[j].StartedAt) })
	return execs, nil
}
