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
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/love-me/internal/storage"
	"github.com/tombee/love-me/pkg/errors"
)

// TriggerRule routes matching incoming mail to a workflow. Absent
// predicates match everything; present predicates combine by AND. The
// substring predicates are case-insensitive; the label match is exact.
type TriggerRule struct {
	ID                 string `json:"id"`
	WorkflowID         string `json:"workflowId"`
	Enabled            bool   `json:"enabled"`
	FromContains       string `json:"fromContains,omitempty"`
	SubjectContains    string `json:"subjectContains,omitempty"`
	BodyContains       string `json:"bodyContains,omitempty"`
	RequiresAttachment bool   `json:"requiresAttachment,omitempty"`
	Label              string `json:"label,omitempty"`
}

// Matches reports whether the rule's predicates all hold for e.
func (r *TriggerRule) Matches(e *Email) bool {
	if r.FromContains != "" && !containsFold(e.From, r.FromContains) {
		return false
	}
	if r.SubjectContains != "" && !containsFold(e.Subject, r.SubjectContains) {
		return false
	}
	if r.BodyContains != "" && !containsFold(e.Body, r.BodyContains) {
		return false
	}
	if r.RequiresAttachment && len(e.Attachments) == 0 {
		return false
	}
	if r.Label != "" {
		found := false
		for _, l := range e.Labels {
			if l == r.Label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// RuleStore persists trigger rules in a single JSON file.
type RuleStore struct {
	path string

	mu    sync.Mutex
	rules []TriggerRule
}

// LoadRuleStore reads the rules file; a missing file yields an empty
// store.
func LoadRuleStore(path string) (*RuleStore, error) {
	s := &RuleStore{path: path}
	if err := storage.ReadJSON(path, &s.rules); err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	return s, nil
}

// List returns a copy of all rules.
func (s *RuleStore) List() []TriggerRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TriggerRule(nil), s.rules...)
}

// Create stores a new rule, assigning an id when absent.
func (s *RuleStore) Create(r TriggerRule) (TriggerRule, error) {
	if r.WorkflowID == "" {
		return TriggerRule{}, &errors.ValidationError{Field: "workflowId", Message: "trigger rule requires a workflow id"}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.ID == r.ID {
			return TriggerRule{}, &errors.ValidationError{Field: "id", Message: "trigger rule " + r.ID + " already exists"}
		}
	}
	s.rules = append(s.rules, r)
	if err := storage.WriteJSON(s.path, s.rules); err != nil {
		s.rules = s.rules[:len(s.rules)-1]
		return TriggerRule{}, err
	}
	return r, nil
}

// Update replaces an existing rule by id.
func (s *RuleStore) Update(r TriggerRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == r.ID {
			prev := s.rules[i]
			s.rules[i] = r
			if err := storage.WriteJSON(s.path, s.rules); err != nil {
				s.rules[i] = prev
				return err
			}
			return nil
		}
	}
	return &errors.NotFoundError{Resource: "trigger rule", ID: r.ID}
}

// Delete removes a rule by id.
func (s *RuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			removed := s.rules[i]
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			if err := storage.WriteJSON(s.path, s.rules); err != nil {
				s.rules = append(s.rules[:i], append([]TriggerRule{removed}, s.rules[i:]...)...)
				return err
			}
			return nil
		}
	}
	return &errors.NotFoundError{Resource: "trigger rule", ID: id}
}

// Matching returns the enabled rules whose predicates hold for e.
func (s *RuleStore) Matching(e *Email) []TriggerRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TriggerRule
	for _, r := range s.rules {
		if r.Enabled && r.Matches(e) {
			out = append(out, r)
		}
	}
	return out
}
