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

// Package storage provides atomic JSON file persistence shared by the
// daemon's stores. Every on-disk entity is one JSON file written via
// temp-file + rename so readers never observe a partial write.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tombee/love-me/pkg/errors"
)

// WriteFileAtomic writes data to path atomically using temp file + rename.
// The temp file is created in the target directory so the rename never
// crosses filesystems.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".love-me-*.tmp")
	if err != nil {
		return &errors.StorageError{Op: "write", Path: path, Cause: err}
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up temp file in case of error

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return &errors.StorageError{Op: "write", Path: path, Cause: err}
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return &errors.StorageError{Op: "sync", Path: path, Cause: err}
	}

	if err := tmpFile.Close(); err != nil {
		return &errors.StorageError{Op: "close", Path: path, Cause: err}
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return &errors.StorageError{Op: "chmod", Path: path, Cause: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return &errors.StorageError{Op: "rename", Path: path, Cause: err}
	}

	return nil
}

// WriteJSON marshals v with indentation and writes it atomically to path.
func WriteJSON(path string, v any) error {
	return WriteJSONMode(path, v, 0644)
}

// WriteJSONMode is WriteJSON with an explicit file mode. Used for
// credential files that must be 0600.
func WriteJSONMode(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &errors.StorageError{Op: "encode", Path: path, Cause: err}
	}
	return WriteFileAtomic(path, append(data, '\n'), perm)
}

// ReadJSON reads the JSON file at path into v.
// Returns a NotFoundError if the file does not exist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &errors.NotFoundError{Resource: "file", ID: path}
		}
		return &errors.StorageError{Op: "read", Path: path, Cause: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &errors.StorageError{Op: "decode", Path: path, Cause: err}
	}
	return nil
}

// EnsureDir creates dir (and parents) if it does not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &errors.StorageError{Op: "mkdir", Path: dir, Cause: err}
	}
	return nil
}
