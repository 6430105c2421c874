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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tombee/love-me/pkg/errors"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// GmailProvider implements Provider over the Gmail REST API.
type GmailProvider struct {
	client  *http.Client
	baseURL string
}

// NewGmailProvider builds a provider from stored credentials. Token
// refresh is handled by the oauth2 transport; refreshed tokens are
// persisted back to credPath.
func NewGmailProvider(ctx context.Context, creds *Credentials, credPath string) (*GmailProvider, error) {
	if !creds.Configured() {
		return nil, &errors.ConfigError{Key: "email", Reason: "email is not authorized"}
	}
	src := creds.oauthConfig().TokenSource(ctx, creds.Token)
	persisting := &persistingTokenSource{src: oauth2.ReuseTokenSource(creds.Token, src), creds: creds, path: credPath}
	return &GmailProvider{
		client:  oauth2.NewClient(ctx, persisting),
		baseURL: gmailBaseURL,
	}, nil
}

// persistingTokenSource writes refreshed tokens back to disk.
type persistingTokenSource struct {
	src   oauth2.TokenSource
	creds *Credentials
	path  string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	t, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	if p.creds.Token == nil || t.AccessToken != p.creds.Token.AccessToken {
		p.creds.Token = t
		// Best effort; a failed write only costs a refresh next start.
		_ = SaveCredentials(p.path, p.creds)
	}
	return t, nil
}

func (g *GmailProvider) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return &errors.ProviderError{Provider: "gmail", Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &errors.ProviderError{
			Provider:   "gmail",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// List implements Provider. Gmail returns ids newest first; received
// instants come from a metadata fetch per id.
func (g *GmailProvider) List(ctx context.Context, q Query) ([]Ref, error) {
	params := url.Values{}
	if q.Max > 0 {
		params.Set("maxResults", strconv.Itoa(q.Max))
	}
	query := q.Search
	if !q.After.IsZero() {
		// Gmail's after: operator has day granularity; use the epoch form.
		query = strings.TrimSpace(query + " after:" + strconv.FormatInt(q.After.Unix(), 10))
	}
	if query != "" {
		params.Set("q", query)
	}

	var listed struct {
		Messages []struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		} `json:"messages"`
	}
	if err := g.getJSON(ctx, "/messages?"+params.Encode(), &listed); err != nil {
		return nil, err
	}

	refs := make([]Ref, 0, len(listed.Messages))
	for _, m := range listed.Messages {
		var meta struct {
			InternalDate string `json:"internalDate"`
		}
		if err := g.getJSON(ctx, "/messages/"+m.ID+"?format=minimal", &meta); err != nil {
			return nil, err
		}
		refs = append(refs, Ref{
			ID:       m.ID,
			ThreadID: m.ThreadID,
			Received: parseInternalDate(meta.InternalDate),
		})
	}
	return refs, nil
}

func parseInternalDate(ms string) time.Time {
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

// gmailMessage mirrors the format=full message resource.
type gmailMessage struct {
	ID           string      `json:"id"`
	ThreadID     string      `json:"threadId"`
	LabelIDs     []string    `json:"labelIds"`
	InternalDate string      `json:"internalDate"`
	Payload      gmailPart   `json:"payload"`
}

type gmailPart struct {
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		AttachmentID string `json:"attachmentId"`
		Size         int64  `json:"size"`
		Data         string `json:"data"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

func (m *gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Get implements Provider.
func (g *GmailProvider) Get(ctx context.Context, id string) (*Email, error) {
	var msg gmailMessage
	if err := g.getJSON(ctx, "/messages/"+id+"?format=full", &msg); err != nil {
		return nil, err
	}

	e := &Email{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
		From:     msg.header("From"),
		To:       splitAddresses(msg.header("To")),
		Cc:       splitAddresses(msg.header("Cc")),
		Subject:  msg.header("Subject"),
		Received: parseInternalDate(msg.InternalDate),
		Labels:   msg.LabelIDs,
	}

	var collect func(p gmailPart)
	collect = func(p gmailPart) {
		if p.Filename != "" && p.Body.AttachmentID != "" {
			e.Attachments = append(e.Attachments, Attachment{
				ID:       p.Body.AttachmentID,
				Filename: p.Filename,
				MimeType: p.MimeType,
				Size:     p.Body.Size,
			})
			return
		}
		if p.MimeType == "text/plain" && e.Body == "" && p.Body.Data != "" {
			if decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(p.Body.Data); err == nil {
				e.Body = string(decoded)
			}
		}
		for _, child := range p.Parts {
			collect(child)
		}
	}
	collect(msg.Payload)

	return e, nil
}

func splitAddresses(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Send implements Provider. The message is assembled as a minimal RFC 822
// plain-text mail.
func (g *GmailProvider) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return &errors.ValidationError{Field: "to", Message: "at least one recipient is required"}
	}

	var raw bytes.Buffer
	fmt.Fprintf(&raw, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&raw, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	raw.WriteString("MIME-Version: 1.0\r\n")
	raw.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	raw.WriteString("\r\n")
	raw.WriteString(body)

	payload, err := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw.Bytes()),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/messages/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return &errors.ProviderError{Provider: "gmail", Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &errors.ProviderError{
			Provider:   "gmail",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return nil
}

// FetchAttachment implements Provider.
func (g *GmailProvider) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var att struct {
		Data string `json:"data"`
	}
	if err := g.getJSON(ctx, "/messages/"+messageID+"/attachments/"+attachmentID, &att); err != nil {
		return nil, err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(att.Data)
}
