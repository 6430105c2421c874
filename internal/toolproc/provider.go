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

package toolproc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/love-me/pkg/tools"
)

// Provider launches one external tool process and exposes its tools to
// the Router. A crashed process surfaces the in-flight call as a tool
// error and is restarted lazily on the next call.
type Provider struct {
	name         string
	command      string
	args         []string
	env          []string
	instructions string
	logger       *slog.Logger

	mu   sync.Mutex
	sess *session
	cmd  *exec.Cmd
}

// Config describes how to launch a provider process.
type Config struct {
	Name         string
	Command      string
	Args         []string
	Env          []string
	Instructions string
}

// New creates a provider. The process is not launched until first use.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		name:         cfg.Name,
		command:      cfg.Command,
		args:         cfg.Args,
		env:          cfg.Env,
		instructions: cfg.Instructions,
		logger:       logger.With(slog.String("component", "toolproc"), slog.String("provider", cfg.Name)),
	}
}

// Name implements tools.Provider.
func (p *Provider) Name() string { return p.name }

// Instructions implements tools.Provider.
func (p *Provider) Instructions() string { return p.instructions }

// Tools launches the process if needed and returns the cached tool list
// from its startup announcement.
func (p *Provider) Tools(ctx context.Context) ([]tools.Descriptor, error) {
	sess, err := p.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return sess.tools, nil
}

// Invoke implements tools.Provider.
func (p *Provider) Invoke(ctx context.Context, tool, argsJSON string) (tools.Result, error) {
	sess, err := p.ensure(ctx)
	if err != nil {
		return tools.Result{}, err
	}

	resp, err := sess.invoke(ctx, invokeRequest{
		ID:        uuid.NewString(),
		Name:      tool,
		Arguments: []byte(argsJSON),
	})
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{Content: resp.Content, IsError: resp.IsError}, nil
}

// ensure returns a live session, launching or relaunching the process as
// needed.
func (p *Provider) ensure(ctx context.Context) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess != nil && p.sess.alive() {
		return p.sess, nil
	}
	if p.sess != nil {
		p.logger.Warn("provider process died, relaunching")
		p.reapLocked()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(p.command, p.args...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting provider %s: %w", p.name, err)
	}

	sess, err := newSession(stdin, stdout)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("provider %s: %w", p.name, err)
	}

	p.cmd = cmd
	p.sess = sess
	p.logger.Info("provider process started", slog.Int("tools", len(sess.tools)))
	return sess, nil
}

func (p *Provider) reapLocked() {
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		p.cmd.Wait()
	}
	p.cmd = nil
	p.sess = nil
}

// Close terminates the provider process if it is running.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil {
		p.sess.close()
	}
	p.reapLocked()
}
