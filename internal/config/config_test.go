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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	require.NoError(t, err)

	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultPollInterval, cfg.Email.PollInterval)
	assert.Equal(t, DefaultStepTimeout, cfg.StepTimeout)
	assert.Equal(t, DefaultSendQueueDepth, cfg.SendQueueDepth)
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	content := `
listen: "127.0.0.1:9999"
email:
  poll_interval: 2m
tool_providers:
  - name: shell
    command: /usr/local/bin/shell-tools
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0644))

	cfg, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, 2*time.Minute, cfg.Email.PollInterval)
	require.Len(t, cfg.ToolProviders, 1)
	assert.Equal(t, "shell", cfg.ToolProviders[0].Name)
}

func TestPollIntervalClamped(t *testing.T) {
	home := t.TempDir()
	content := "email:\n  poll_interval: 1s\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0644))

	cfg, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, MinPollInterval, cfg.Email.PollInterval)

	content = "email:\n  poll_interval: 24h\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0644))
	cfg, err = Load(home)
	require.NoError(t, err)
	assert.Equal(t, MaxPollInterval, cfg.Email.PollInterval)
}

func TestValidateDuplicateProvider(t *testing.T) {
	cfg := Default()
	cfg.ToolProviders = []ToolProviderConfig{
		{Name: "a", Command: "/bin/a"},
		{Name: "a", Command: "/bin/b"},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateProviderMissingCommand(t *testing.T) {
	cfg := Default()
	cfg.ToolProviders = []ToolProviderConfig{{Name: "a"}}
	assert.Error(t, cfg.Validate())
}

func TestLoadInvalidYAML(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("listen: [unclosed"), 0644))

	_, err := Load(home)
	assert.Error(t, err)
}

func TestStatePaths(t *testing.T) {
	cfg := &Config{Home: "/srv/love-me"}
	assert.Equal(t, "/srv/love-me/workflows", cfg.WorkflowsDir())
	assert.Equal(t, "/srv/love-me/executions", cfg.ExecutionsDir())
	assert.Equal(t, "/srv/love-me/conversations", cfg.ConversationsDir())
	assert.Equal(t, "/srv/love-me/email.json", cfg.EmailCredentialsPath())
	assert.Equal(t, "/srv/love-me/email-state.json", cfg.EmailStatePath())
}
