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

// Package conversation persists chat conversations, one JSON file per
// conversation.
package conversation

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/love-me/internal/storage"
	"github.com/tombee/love-me/pkg/errors"
)

// Role tags a stored message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
)

// Metadata keys used by the turn coordinator and the email bridge.
const (
	MetaToolID         = "toolId"
	MetaToolName       = "toolName"
	MetaIsError        = "isError"
	MetaSourceType     = "sourceType"
	MetaEmailThreadID  = "emailThreadId"
	MetaEmailMessageID = "emailMessageId"
	MetaFromAddress    = "fromAddress"
)

// StoredMessage is one entry of a conversation.
type StoredMessage struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Conversation is an append-only sequence of messages with a title.
type Conversation struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	LastMessageAt time.Time       `json:"lastMessageAt"`
	Messages      []StoredMessage `json:"messages"`
}

// Summary is the list projection of a conversation.
type Summary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	MessageCount  int       `json:"messageCount"`
}

// Store persists conversations. Appends to one conversation are
// serialized; different conversations append concurrently.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := storage.EnsureDir(dir); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("component", "conversations")),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func safeID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\\") && id != "." && id != ".."
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create makes a new empty conversation. An empty title defaults to
// "New conversation".
func (s *Store) Create(title string) (*Conversation, error) {
	if title == "" {
		title = "New conversation"
	}
	c := &Conversation{
		ID:            uuid.NewString(),
		Title:         title,
		LastMessageAt: time.Now().UTC(),
	}
	if err := storage.WriteJSON(s.path(c.ID), c); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads a conversation by id.
func (s *Store) Load(id string) (*Conversation, error) {
	if !safeID(id) {
		return nil, &errors.NotFoundError{Resource: "conversation", ID: id}
	}
	var c Conversation
	if err := storage.ReadJSON(s.path(id), &c); err != nil {
		if errors.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "conversation", ID: id}
		}
		return nil, err
	}
	return &c, nil
}

// AddMessage appends msg to the conversation and bumps LastMessageAt.
// A zero timestamp is filled with the current instant.
func (s *Store) AddMessage(id string, msg StoredMessage) (*Conversation, error) {
	if !safeID(id) {
		return nil, &errors.NotFoundError{Resource: "conversation", ID: id}
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	c, err := s.Load(id)
	if err != nil {
		return nil, err
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	c.Messages = append(c.Messages, msg)
	c.LastMessageAt = msg.Timestamp

	if err := storage.WriteJSON(s.path(id), c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a conversation. Missing ids fail with NotFoundError.
func (s *Store) Delete(id string) error {
	if !safeID(id) {
		return &errors.NotFoundError{Resource: "conversation", ID: id}
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return &errors.NotFoundError{Resource: "conversation", ID: id}
		}
		return &errors.StorageError{Op: "delete", Path: s.path(id), Cause: err}
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// ListAll returns summaries sorted by LastMessageAt descending.
// Unreadable files are skipped.
func (s *Store) ListAll() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &errors.StorageError{Op: "list", Path: s.dir, Cause: err}
	}

	summaries := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var c Conversation
		if err := storage.ReadJSON(filepath.Join(s.dir, e.Name()), &c); err != nil {
			s.logger.Warn("skipping unreadable conversation", slog.String("file", e.Name()))
			continue
		}
		summaries = append(summaries, Summary{
			ID:            c.ID,
			Title:         c.Title,
			LastMessageAt: c.LastMessageAt,
			MessageCount:  len(c.Messages),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
	})
	return summaries, nil
}

// Count returns the number of stored conversations.
func (s *Store) Count() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}
