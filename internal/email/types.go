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

// Package email implements the mail provider, the polling loop with its
// persistent watermark, trigger rules, and the bridge that turns incoming
// mail into conversations and workflow runs.
package email

import (
	"time"
)

// Attachment describes one attachment without its content.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Email is a fully fetched message.
type Email struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId"`
	From        string       `json:"from"`
	To          []string     `json:"to,omitempty"`
	Cc          []string     `json:"cc,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Received    time.Time    `json:"received"`
	Labels      []string     `json:"labels,omitempty"`
}

// Ref is a lightweight listing entry.
type Ref struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"threadId"`
	Received time.Time `json:"received"`
}
