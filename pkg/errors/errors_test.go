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

package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "cron", Message: "expected 5 fields"}
	assert.Equal(t, "validation failed on cron: expected 5 fields", err.Error())

	err = &ValidationError{Message: "bad input"}
	assert.Equal(t, "validation failed: bad input", err.Error())
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "workflow", ID: "wf-1"}
	assert.Equal(t, "workflow not found: wf-1", err.Error())
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := New("boom")
	err := &ProviderError{Provider: "gmail", StatusCode: 503, Message: "unavailable", Cause: cause}
	assert.Contains(t, err.Error(), "gmail")
	assert.Contains(t, err.Error(), "503")
	assert.ErrorIs(t, err, cause)
}

func TestStorageError(t *testing.T) {
	cause := New("disk full")
	err := &StorageError{Op: "write", Path: "/tmp/x.json", Cause: cause}
	assert.Contains(t, err.Error(), "write")
	assert.Contains(t, err.Error(), "/tmp/x.json")
	assert.ErrorIs(t, err, cause)
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "tool invocation", Duration: 5 * time.Minute}
	assert.Equal(t, "tool invocation operation timed out after 5m0s", err.Error())
}

func TestIsNotFoundThroughWrapping(t *testing.T) {
	err := fmt.Errorf("loading: %w", &NotFoundError{Resource: "conversation", ID: "c1"})
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(New("other")))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(Wrap(&ValidationError{Message: "x"}, "ctx")))
	assert.False(t, IsValidation(nil))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ctx"))
	assert.Nil(t, Wrapf(nil, "ctx %d", 1))
}
