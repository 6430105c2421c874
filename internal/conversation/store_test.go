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

package conversation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/love-me/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestCreateAndLoad(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Create("report")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "report", c.Title)

	got, err := s.Load(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Empty(t, got.Messages)
}

func TestCreateDefaultsTitle(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Create("")
	require.NoError(t, err)
	assert.Equal(t, "New conversation", c.Title)
}

func TestAddMessageAppendsAndBumps(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Create("chat")
	require.NoError(t, err)

	_, err = s.AddMessage(c.ID, StoredMessage{Role: RoleUser, Content: "hello"})
	require.NoError(t, err)
	updated, err := s.AddMessage(c.ID, StoredMessage{Role: RoleAssistant, Content: "hi there"})
	require.NoError(t, err)

	require.Len(t, updated.Messages, 2)
	assert.Equal(t, RoleUser, updated.Messages[0].Role)
	assert.Equal(t, RoleAssistant, updated.Messages[1].Role)
	assert.Equal(t, updated.Messages[1].Timestamp, updated.LastMessageAt)
	assert.False(t, updated.Messages[0].Timestamp.After(updated.Messages[1].Timestamp))
}

func TestAddMessageUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddMessage("missing", StoredMessage{Role: RoleUser, Content: "x"})
	assert.True(t, errors.IsNotFound(err))
}

func TestAddMessageKeepsMetadata(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Create("tools")
	require.NoError(t, err)

	_, err = s.AddMessage(c.ID, StoredMessage{
		Role:    RoleToolResult,
		Content: "10:05",
		Metadata: map[string]string{
			MetaToolID:   "t1",
			MetaToolName: "clock.now",
			MetaIsError:  "false",
		},
	})
	require.NoError(t, err)

	got, err := s.Load(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "clock.now", got.Messages[0].Metadata[MetaToolName])
}

func TestConcurrentAppendsAllSurvive(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Create("busy")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.AddMessage(c.ID, StoredMessage{Role: RoleUser, Content: fmt.Sprintf("msg-%d", n)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Load(c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 20)
}

func TestListAllSortsByLastMessageDesc(t *testing.T) {
	s := newTestStore(t)
	old, err := s.Create("old")
	require.NoError(t, err)
	fresh, err := s.Create("fresh")
	require.NoError(t, err)

	_, err = s.AddMessage(old.ID, StoredMessage{Role: RoleUser, Content: "a", Timestamp: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.AddMessage(fresh.ID, StoredMessage{Role: RoleUser, Content: "b"})
	require.NoError(t, err)

	got, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "fresh", got[0].Title)
	assert.Equal(t, 1, got[0].MessageCount)
	assert.Equal(t, "old", got[1].Title)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Create("bye")
	require.NoError(t, err)

	require.NoError(t, s.Delete(c.ID))
	_, err = s.Load(c.ID)
	assert.True(t, errors.IsNotFound(err))

	assert.True(t, errors.IsNotFound(s.Delete(c.ID)))
}
