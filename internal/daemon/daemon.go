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

// Package daemon assembles the components into a running process.
package daemon

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tombee/love-me/internal/builder"
	"github.com/tombee/love-me/internal/bus"
	"github.com/tombee/love-me/internal/config"
	"github.com/tombee/love-me/internal/conversation"
	"github.com/tombee/love-me/internal/email"
	"github.com/tombee/love-me/internal/gateway"
	"github.com/tombee/love-me/internal/llm"
	"github.com/tombee/love-me/internal/metrics"
	"github.com/tombee/love-me/internal/scheduler"
	"github.com/tombee/love-me/internal/toolproc"
	"github.com/tombee/love-me/internal/turn"
	"github.com/tombee/love-me/pkg/errors"
	"github.com/tombee/love-me/pkg/tools"
	"github.com/tombee/love-me/pkg/workflow"
)

// Daemon owns every long-lived component and their shutdown order.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	metrics       *metrics.Metrics
	bus           *bus.Bus
	conversations *conversation.Store
	workflows     *workflow.Store
	router        *tools.Router
	source        llm.EventSource
	turns         *turn.Coordinator
	executor      *workflow.Executor
	scheduler     *scheduler.Scheduler
	gateway       *gateway.Server

	emailDeps *gateway.EmailDeps
	bridge    *email.Bridge

	listener net.Listener
}

// routerInvoker adapts the tool router to the executor's invoker.
type routerInvoker struct {
	router *tools.Router
}

func (r routerInvoker) Invoke(ctx context.Context, tool, argsJSON string) (string, bool, error) {
	res := r.router.Invoke(ctx, tool, argsJSON)
	return res.Content, res.IsError, nil
}

// countingPublisher bumps the published-events counter on its way to the
// bus.
type countingPublisher struct {
	bus     *bus.Bus
	metrics *metrics.Metrics
}

func (p countingPublisher) Publish(e bus.Event) {
	if p.metrics != nil {
		p.metrics.EventsPublished.Inc()
	}
	p.bus.Publish(e)
}

// unconfiguredSource answers every model call with a configuration
// error, so the daemon runs usefully without an API key.
type unconfiguredSource struct{}

func (unconfiguredSource) Stream(context.Context, llm.Request) (llm.Stream, error) {
	return nil, &errors.ProviderError{Provider: "anthropic", Message: "no API key configured"}
}

func (unconfiguredSource) Complete(context.Context, llm.Request) (string, error) {
	return "", &errors.ProviderError{Provider: "anthropic", Message: "no API key configured"}
}

// New wires the daemon from configuration. Nothing is listening or
// polling until Run.
func New(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:     cfg,
		version: version,
		logger:  logger.With(slog.String("component", "daemon")),
		metrics: metrics.New(),
	}

	d.bus = bus.New(logger)

	var err error
	d.conversations, err = conversation.NewStore(cfg.ConversationsDir(), logger)
	if err != nil {
		return nil, err
	}
	d.workflows, err = workflow.NewStore(cfg.WorkflowsDir(), cfg.ExecutionsDir())
	if err != nil {
		return nil, err
	}

	d.router = tools.NewRouter(logger)
	for _, tp := range cfg.ToolProviders {
		p := toolproc.New(toolproc.Config{
			Name:    tp.Name,
			Command: tp.Command,
			Args:    tp.Args,
			Env:     tp.Env,
		}, logger)
		if err := d.router.Register(ctx, p); err != nil {
			logger.Warn("tool provider registration failed",
				slog.String("provider", tp.Name),
				slog.String("error", err.Error()))
		}
	}

	if key := cfg.APIKey(); key != "" {
		d.source, err = llm.NewAnthropic(key, cfg.LLM.Model, cfg.LLM.MaxTokens)
		if err != nil {
			return nil, err
		}
	} else {
		d.source = unconfiguredSource{}
	}

	d.turns = turn.New(d.conversations, d.source, d.router, logger)

	d.executor = workflow.NewExecutor(routerInvoker{router: d.router}, d.workflows, logger,
		workflow.WithStepTimeout(cfg.StepTimeout),
		workflow.WithStepCallback(d.onStepTransition),
		workflow.WithExecutionCallback(d.onExecutionTransition),
	)

	d.scheduler = scheduler.New(ctx, d.workflows, d.executor, d.bus, d.notifyWorkflow, logger)
	d.scheduler.CronFired = func(string) { d.metrics.CronFires.Inc() }

	if err := d.setupEmail(ctx, cfg, logger); err != nil {
		return nil, err
	}

	_, llmConfigured := d.source.(*llm.AnthropicSource)
	d.gateway = gateway.New(gateway.Deps{
		Conversations: d.conversations,
		Turns:         d.turns,
		Workflows:     d.workflows,
		Executor:      d.executor,
		Scheduler:     d.scheduler,
		Router:        d.router,
		Builder:       builder.New(d.source, d.router, logger),
		Email:         d.emailDeps,
		Metrics:       d.metrics,
	}, gateway.Options{
		SendQueueDepth: cfg.SendQueueDepth,
		Version:        version,
		LLMConfigured:  llmConfigured,
	}, logger)

	return d, nil
}

func (d *Daemon) setupEmail(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rules, err := email.LoadRuleStore(cfg.EmailTriggersPath())
	if err != nil {
		return err
	}
	threads, err := email.LoadThreadMap(cfg.EmailThreadsPath())
	if err != nil {
		return err
	}
	d.bridge = email.NewBridge(d.conversations, threads, rules, d.workflows, d.executor, logger)

	d.emailDeps = &gateway.EmailDeps{
		Rules:           rules,
		CredentialsPath: cfg.EmailCredentialsPath(),
		ClientID:        cfg.Email.OAuthClientID,
		ClientSecret:    cfg.Email.OAuthClientSecret,
		OnAuthorized: func(ctx context.Context, creds *email.Credentials) {
			if err := d.startPolling(ctx, creds); err != nil {
				logger.Warn("email polling start failed", slog.String("error", err.Error()))
			}
		},
	}

	creds, err := email.LoadCredentials(cfg.EmailCredentialsPath())
	if err != nil {
		if !errors.IsNotFound(err) {
			logger.Warn("email credentials unreadable", slog.String("error", err.Error()))
		}
		return nil
	}
	if creds.Configured() {
		if err := d.buildPoller(ctx, creds); err != nil {
			logger.Warn("email poller setup failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (d *Daemon) buildPoller(ctx context.Context, creds *email.Credentials) error {
	provider, err := email.NewGmailProvider(ctx, creds, d.cfg.EmailCredentialsPath())
	if err != nil {
		return err
	}

	handler := func(ctx context.Context, e *email.Email) {
		d.metrics.EmailsProcessed.Inc()
		d.bridge.HandleEmail(ctx, e)
	}
	poller, err := email.NewPoller(provider, d.cfg.EmailStatePath(), d.cfg.Email.PollInterval,
		countingPublisher{bus: d.bus, metrics: d.metrics}, handler, d.logger)
	if err != nil {
		return err
	}
	poller.OnError = func(error) { d.metrics.PollErrors.Inc() }
	d.emailDeps.Poller = poller
	d.bridge.EnableAttachmentCapture(provider, d.cfg.AttachmentsDir())

	// Expose the mailbox to the model.
	return d.router.Register(ctx, email.NewToolProvider(provider))
}

// startPolling is invoked after a completed auth flow.
func (d *Daemon) startPolling(ctx context.Context, creds *email.Credentials) error {
	if d.emailDeps.Poller == nil {
		if err := d.buildPoller(ctx, creds); err != nil {
			return err
		}
	}
	d.emailDeps.Poller.Start(ctx)
	return nil
}

func (d *Daemon) onStepTransition(exec *workflow.Execution, step *workflow.StepResult) {
	d.gateway.StepUpdate(exec, step)
	if step.Status != workflow.StepRunning {
		d.scheduler.StepCompleted(exec, step)
	}
}

func (d *Daemon) onExecutionTransition(exec *workflow.Execution) {
	switch exec.Status {
	case workflow.ExecutionRunning:
		d.metrics.ExecutionsStarted.Inc()
		d.gateway.ExecutionStarted(exec)
	case workflow.ExecutionCompleted:
		d.metrics.ExecutionsCompleted.Inc()
		d.gateway.ExecutionDone(exec)
	case workflow.ExecutionFailed, workflow.ExecutionCancelled:
		d.metrics.ExecutionsFailed.Inc()
		d.gateway.ExecutionDone(exec)
	}
}

func (d *Daemon) notifyWorkflow(w *workflow.Workflow, exec *workflow.Execution, step *workflow.StepResult, event string) {
	d.gateway.NotifyWorkflow(w, exec, step, event)
}

// Addr reports the bound WebSocket address once Run has started.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Run starts every component and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.scheduler.Sync(); err != nil {
		d.logger.Warn("initial trigger sync failed", slog.String("error", err.Error()))
	}
	d.scheduler.Start(ctx)
	defer d.scheduler.Stop()

	go func() {
		if err := d.scheduler.Watch(ctx); err != nil {
			d.logger.Warn("workflow watch unavailable", slog.String("error", err.Error()))
		}
	}()

	if p := d.pollerOrNil(); p != nil {
		p.Start(ctx)
		defer p.Stop()
	}

	listener, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", d.cfg.Listen)
	}
	d.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/ws", d.gateway)
	server := &http.Server{Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		d.logger.Info("gateway listening", slog.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var metricsServer *http.Server
	if d.cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", d.metrics.Handler())
		metricsServer = &http.Server{Addr: d.cfg.MetricsListen, Handler: metricsMux}
		go func() {
			d.logger.Info("metrics listening", slog.String("addr", d.cfg.MetricsListen))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.logger.Error("server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	return ctx.Err()
}

func (d *Daemon) pollerOrNil() *email.Poller {
	if d.emailDeps == nil {
		return nil
	}
	return d.emailDeps.Poller
}
