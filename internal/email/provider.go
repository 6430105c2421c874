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
	"context"
	"time"
)

// Query selects messages for listing.
type Query struct {
	// After restricts to messages received strictly after this instant.
	After time.Time

	// Search is an optional provider-syntax search string.
	Search string

	// Max caps the number of returned refs.
	Max int
}

// Provider is a mailbox backend.
type Provider interface {
	// List returns refs matching q, newest first.
	List(ctx context.Context, q Query) ([]Ref, error)

	// Get fetches one full message.
	Get(ctx context.Context, id string) (*Email, error)

	// Send delivers a plain-text message.
	Send(ctx context.Context, to []string, subject, body string) error

	// FetchAttachment downloads one attachment's content.
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}
