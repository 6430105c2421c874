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
	"fmt"

	"golang.org/x/oauth2"

	"github.com/tombee/love-me/internal/storage"
	"github.com/tombee/love-me/pkg/errors"
)

// gmailScope grants full mailbox access, required for send and modify.
const gmailScope = "https://mail.google.com/"

// oobRedirect is the out-of-band flow: the user pastes the code back.
const oobRedirect = "urn:ietf:wg:oauth:2.0:oob"

var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// Credentials is the persisted oauth material. The file is written with
// mode 0600.
type Credentials struct {
	ClientID     string        `json:"clientId"`
	ClientSecret string        `json:"clientSecret"`
	Token        *oauth2.Token `json:"token,omitempty"`
}

// Configured reports whether a usable token is present.
func (c *Credentials) Configured() bool {
	return c != nil && c.Token != nil && c.Token.RefreshToken != ""
}

func (c *Credentials) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     googleEndpoint,
		RedirectURL:  oobRedirect,
		Scopes:       []string{gmailScope},
	}
}

// LoadCredentials reads the credentials file; a missing file yields nil.
func LoadCredentials(path string) (*Credentials, error) {
	var c Credentials
	if err := storage.ReadJSON(path, &c); err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// SaveCredentials writes the credentials file with restrictive mode.
func SaveCredentials(path string, c *Credentials) error {
	return storage.WriteJSONMode(path, c, 0o600)
}

// AuthStartURL begins the authorization-code flow and returns the URL the
// user must visit.
func AuthStartURL(clientID, clientSecret string) (string, error) {
	if clientID == "" || clientSecret == "" {
		return "", &errors.ConfigError{Key: "email.oauth", Reason: "client id and secret are required"}
	}
	c := &Credentials{ClientID: clientID, ClientSecret: clientSecret}
	return c.oauthConfig().AuthCodeURL("state", oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// AuthComplete exchanges the pasted code for a token and persists the
// credentials.
func AuthComplete(ctx context.Context, path, clientID, clientSecret, code string) (*Credentials, error) {
	c := &Credentials{ClientID: clientID, ClientSecret: clientSecret}
	token, err := c.oauthConfig().Exchange(ctx, code)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "gmail", Message: fmt.Sprintf("code exchange failed: %v", err), Cause: err}
	}
	c.Token = token
	if err := SaveCredentials(path, c); err != nil {
		return nil, err
	}
	return c, nil
}
