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
	"time"

	"github.com/tombee/love-me/internal/storage"
	"github.com/tombee/love-me/pkg/errors"
)

// Watermark is the poller's persisted position in the provider's message
// stream.
type Watermark struct {
	LastSeenID     string    `json:"lastSeenId"`
	LastSeenAt     time.Time `json:"lastSeenInstant"`
	TotalProcessed int       `json:"totalProcessed"`
}

// LoadWatermark reads the watermark file; a missing file yields the zero
// watermark.
func LoadWatermark(path string) (Watermark, error) {
	var w Watermark
	if err := storage.ReadJSON(path, &w); err != nil {
		if errors.IsNotFound(err) {
			return Watermark{}, nil
		}
		return Watermark{}, err
	}
	return w, nil
}

// SaveWatermark writes the watermark atomically.
func SaveWatermark(path string, w Watermark) error {
	return storage.WriteJSON(path, w)
}
