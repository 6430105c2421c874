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

// Package config loads and validates daemon configuration.
//
// Configuration comes from <home>/config.yaml with environment variable
// overrides. Every field has a usable default so a fresh install runs with
// no config file at all.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/love-me/pkg/errors"
)

const (
	// DefaultListen is the default WebSocket listen address. The daemon
	// assumes a loopback client; it never binds a public interface by
	// default.
	DefaultListen = "127.0.0.1:8787"

	// DefaultPollInterval is the default email poll cadence.
	DefaultPollInterval = 60 * time.Second

	// MinPollInterval bounds how aggressively the mailbox may be polled.
	MinPollInterval = 10 * time.Second

	// MaxPollInterval bounds how lazily the mailbox may be polled.
	MaxPollInterval = 15 * time.Minute

	// DefaultStepTimeout is the per-step tool invocation wall-clock limit.
	DefaultStepTimeout = 5 * time.Minute

	// DefaultSendQueueDepth is the per-client broadcast queue depth before
	// the gateway starts dropping broadcasts for that client.
	DefaultSendQueueDepth = 256
)

// Config holds the daemon configuration.
type Config struct {
	// Home is the daemon state directory. Default: ~/.love-me
	Home string `yaml:"home"`

	// Listen is the WebSocket listen address.
	Listen string `yaml:"listen"`

	// MetricsListen is the optional Prometheus listen address.
	// Empty disables the metrics endpoint.
	MetricsListen string `yaml:"metrics_listen"`

	// Email configures the mail polling pipeline.
	Email EmailConfig `yaml:"email"`

	// LLM configures the streaming chat model.
	LLM LLMConfig `yaml:"llm"`

	// ToolProviders configures external subprocess tool providers.
	ToolProviders []ToolProviderConfig `yaml:"tool_providers"`

	// StepTimeout is the per-step tool invocation limit.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// SendQueueDepth is the per-client gateway broadcast queue depth.
	SendQueueDepth int `yaml:"send_queue_depth"`

	// Log configures logging level and format.
	Log LogConfig `yaml:"log"`
}

// EmailConfig configures the email poller.
type EmailConfig struct {
	// PollInterval is the base poll cadence, clamped to
	// [MinPollInterval, MaxPollInterval].
	PollInterval time.Duration `yaml:"poll_interval"`

	// OAuthClientID and OAuthClientSecret identify the daemon to the mail
	// provider's OAuth endpoint. Tokens themselves live in <home>/email.json.
	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
}

// LLMConfig configures the chat model.
type LLMConfig struct {
	// Model is the model identifier passed to the provider.
	Model string `yaml:"model"`

	// MaxTokens caps the response length per turn.
	MaxTokens int `yaml:"max_tokens"`

	// APIKeyEnv names the environment variable holding the API key.
	// Default: ANTHROPIC_API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`
}

// ToolProviderConfig describes one external subprocess tool provider.
type ToolProviderConfig struct {
	// Name is the provider name tools are namespaced under.
	Name string `yaml:"name"`

	// Command is the executable to launch.
	Command string `yaml:"command"`

	// Args are the command-line arguments.
	Args []string `yaml:"args"`

	// Env are additional KEY=VALUE environment entries.
	Env []string `yaml:"env"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Home:           filepath.Join(home, ".love-me"),
		Listen:         DefaultListen,
		Email:          EmailConfig{PollInterval: DefaultPollInterval},
		LLM:            LLMConfig{Model: "claude-sonnet-4-20250514", MaxTokens: 8192, APIKeyEnv: "ANTHROPIC_API_KEY"},
		StepTimeout:    DefaultStepTimeout,
		SendQueueDepth: DefaultSendQueueDepth,
		Log:            LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from the config file under home (if present),
// applies environment overrides, validates, and returns the result.
// An empty home selects the default location.
func Load(home string) (*Config, error) {
	cfg := Default()
	if home != "" {
		cfg.Home = home
	}
	if env := os.Getenv("LOVEME_HOME"); env != "" && home == "" {
		cfg.Home = env
	}

	path := filepath.Join(cfg.Home, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: path, Reason: "invalid YAML", Cause: err}
		}
	} else if !os.IsNotExist(err) {
		return nil, &errors.ConfigError{Key: path, Reason: "unreadable config file", Cause: err}
	}

	if env := os.Getenv("LOVEME_LISTEN"); env != "" {
		cfg.Listen = env
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Email.PollInterval == 0 {
		c.Email.PollInterval = def.Email.PollInterval
	}
	if c.LLM.Model == "" {
		c.LLM.Model = def.LLM.Model
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = def.LLM.APIKeyEnv
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = def.StepTimeout
	}
	if c.SendQueueDepth == 0 {
		c.SendQueueDepth = def.SendQueueDepth
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	// Clamp rather than reject: a hand-edited interval outside the bounds
	// is almost always a typo, not intent.
	if c.Email.PollInterval < MinPollInterval {
		c.Email.PollInterval = MinPollInterval
	}
	if c.Email.PollInterval > MaxPollInterval {
		c.Email.PollInterval = MaxPollInterval
	}
}

// Validate checks the configuration for errors that defaults cannot fix.
func (c *Config) Validate() error {
	if c.Home == "" {
		return &errors.ConfigError{Key: "home", Reason: "home directory cannot be empty"}
	}
	seen := make(map[string]bool)
	for _, tp := range c.ToolProviders {
		if tp.Name == "" {
			return &errors.ConfigError{Key: "tool_providers", Reason: "provider name cannot be empty"}
		}
		if tp.Command == "" {
			return &errors.ConfigError{Key: "tool_providers." + tp.Name, Reason: "provider command cannot be empty"}
		}
		if seen[tp.Name] {
			return &errors.ConfigError{Key: "tool_providers." + tp.Name, Reason: "duplicate provider name"}
		}
		seen[tp.Name] = true
	}
	return nil
}

// APIKey resolves the configured LLM API key from the environment.
func (c *Config) APIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}

// Paths derived from the home directory.

// ConversationsDir returns the conversation store directory.
func (c *Config) ConversationsDir() string { return filepath.Join(c.Home, "conversations") }

// WorkflowsDir returns the workflow definition directory.
func (c *Config) WorkflowsDir() string { return filepath.Join(c.Home, "workflows") }

// ExecutionsDir returns the execution journal directory.
func (c *Config) ExecutionsDir() string { return filepath.Join(c.Home, "executions") }

// AttachmentsDir returns the email attachment directory.
func (c *Config) AttachmentsDir() string { return filepath.Join(c.Home, "attachments") }

// EmailCredentialsPath returns the mail credential file path.
func (c *Config) EmailCredentialsPath() string { return filepath.Join(c.Home, "email.json") }

// EmailStatePath returns the polling watermark file path.
func (c *Config) EmailStatePath() string { return filepath.Join(c.Home, "email-state.json") }

// EmailThreadsPath returns the thread-to-conversation mapping file path.
func (c *Config) EmailThreadsPath() string { return filepath.Join(c.Home, "email-threads.json") }

// EmailTriggersPath returns the trigger rule file path.
func (c *Config) EmailTriggersPath() string { return filepath.Join(c.Home, "email-triggers.json") }
