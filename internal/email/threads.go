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
	"sync"

	"github.com/tombee/love-me/internal/storage"
	"github.com/tombee/love-me/pkg/errors"
)

// ThreadMap persists the provider-thread-id to conversation-id mapping so
// later messages on a thread append to the same conversation.
type ThreadMap struct {
	path string

	mu sync.Mutex
	m  map[string]string
}

// LoadThreadMap reads the mapping file; a missing file yields an empty
// map.
func LoadThreadMap(path string) (*ThreadMap, error) {
	tm := &ThreadMap{path: path, m: make(map[string]string)}
	if err := storage.ReadJSON(path, &tm.m); err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	return tm, nil
}

// Lookup returns the conversation mapped to a thread.
func (tm *ThreadMap) Lookup(threadID string) (string, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	id, ok := tm.m[threadID]
	return id, ok
}

// Bind maps threadID to conversationID and persists the map.
func (tm *ThreadMap) Bind(threadID, conversationID string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.m[threadID] = conversationID
	return storage.WriteJSON(tm.path, tm.m)
}

// Unbind removes a thread's mapping, persisting when it was present.
func (tm *ThreadMap) Unbind(threadID string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, ok := tm.m[threadID]; !ok {
		return nil
	}
	delete(tm.m, threadID)
	return storage.WriteJSON(tm.path, tm.m)
}
