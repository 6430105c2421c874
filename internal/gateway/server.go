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

// Package gateway serves the daemon's WebSocket endpoint: envelope
// decoding, message dispatch, and broadcast fan-out.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/love-me/internal/conversation"
	"github.com/tombee/love-me/internal/email"
	"github.com/tombee/love-me/internal/metrics"
	"github.com/tombee/love-me/internal/turn"
	"github.com/tombee/love-me/pkg/errors"
	"github.com/tombee/love-me/pkg/tools"
	"github.com/tombee/love-me/pkg/workflow"
)

// Wire error codes.
const (
	CodeMissingField = "MISSING_FIELD"
	CodeInvalidData  = "INVALID_DATA"
	CodeUnknownType  = "UNKNOWN_TYPE"
	CodeNotFound     = "NOT_FOUND"
	CodeStorage      = "STORAGE_ERROR"
	CodeProvider     = "PROVIDER_ERROR"
	CodeInternal     = "INTERNAL_ERROR"
)

// codeFor maps a component error onto its wire code.
func codeFor(err error) string {
	switch {
	case errors.IsValidation(err):
		return CodeInvalidData
	case errors.IsNotFound(err):
		return CodeNotFound
	default:
		var se *errors.StorageError
		if errors.As(err, &se) {
			return CodeStorage
		}
		var pe *errors.ProviderError
		if errors.As(err, &pe) {
			return CodeProvider
		}
		return CodeInternal
	}
}

// TurnRunner is the slice of the turn coordinator the gateway drives.
type TurnRunner interface {
	HandleUserMessage(ctx context.Context, conversationID, content string, sink turn.Sink) error
	Cancel(conversationID string)
}

// WorkflowScheduler is the slice of the scheduler the gateway drives.
type WorkflowScheduler interface {
	Sync() error
	Unbind(id string)
	Run(w *workflow.Workflow, triggerInfo string)
}

// ExecutionCanceller cancels a running execution by id.
type ExecutionCanceller interface {
	Cancel(executionID string)
}

// Builder turns a free-text description into a stored-ready workflow.
type Builder interface {
	Build(ctx context.Context, description string) (*workflow.Workflow, error)
}

// EmailDeps groups the email subsystem handles. A nil EmailDeps means
// the email surface answers with PROVIDER_ERROR.
type EmailDeps struct {
	Poller          *email.Poller
	Rules           *email.RuleStore
	CredentialsPath string
	ClientID        string
	ClientSecret    string

	// OnAuthorized runs after a completed auth flow so the daemon can
	// wire the provider and start polling.
	OnAuthorized func(ctx context.Context, creds *email.Credentials)
}

// Deps are the component handles the gateway dispatches into.
type Deps struct {
	Conversations *conversation.Store
	Turns         TurnRunner
	Workflows     *workflow.Store
	Executor      ExecutionCanceller
	Scheduler     WorkflowScheduler
	Router        *tools.Router
	Builder       Builder
	Email         *EmailDeps
	Metrics       *metrics.Metrics
}

// Options tune the gateway.
type Options struct {
	SendQueueDepth int
	PingInterval   time.Duration
	Version        string
	LLMConfigured  bool
}

const defaultSendQueueDepth = 256

// Server accepts WebSocket clients and routes their envelopes.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	authMu           sync.Mutex
	authClientID     string
	authClientSecret string
}

// New creates a gateway server.
func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.SendQueueDepth <= 0 {
		opts.SendQueueDepth = defaultSendQueueDepth
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds loopback only; same-machine pages may
			// carry any Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// client is one connected WebSocket peer. All writes go through send so
// a single goroutine owns the connection's write side.
type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan Envelope
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once
}

// ServeHTTP upgrades the request and runs the client until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		server: s,
		conn:   conn,
		send:   make(chan Envelope, s.opts.SendQueueDepth),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With(slog.String("remote", conn.RemoteAddr().String())),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.GatewayClients.Inc()
	}
	c.logger.Info("client connected", slog.Int("clients", n))

	go c.writePump()
	c.enqueue(s.statusEnvelope())
	c.readPump()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		s := c.server
		s.mu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.mu.Unlock()
		if s.deps.Metrics != nil {
			s.deps.Metrics.GatewayClients.Dec()
		}
		c.conn.Close()
		c.logger.Info("client disconnected", slog.Int("clients", n))
	})
}

func (c *client) readPump() {
	defer c.close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("", CodeInvalidData, "malformed envelope: "+err.Error())
			continue
		}
		c.server.dispatch(c.ctx, c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.close()
				return
			}
		}
	}
}

// enqueue offers an envelope to the client without blocking. It reports
// whether the envelope was accepted.
func (c *client) enqueue(env Envelope) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *client) sendError(id, code, message string) {
	c.enqueue(Envelope{
		Type:     "error",
		ID:       id,
		Content:  message,
		Metadata: map[string]Value{"code": String(code)},
	})
}

func (c *client) sendComponentError(id string, err error) {
	c.sendError(id, codeFor(err), err.Error())
}

// Broadcast offers the envelope to every connected client, dropping it
// for clients whose queue is full.
func (s *Server) Broadcast(env Envelope) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		if !c.enqueue(env) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.DroppedBroadcasts.Inc()
			}
			c.logger.Warn("broadcast dropped", slog.String("type", env.Type))
		}
	}
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) statusEnvelope() Envelope {
	meta := map[string]Value{
		"version":       String(s.opts.Version),
		"llmConfigured": Bool(s.opts.LLMConfigured),
	}
	emailConfigured := false
	emailPolling := false
	if s.deps.Email != nil {
		if creds, err := email.LoadCredentials(s.deps.Email.CredentialsPath); err == nil {
			emailConfigured = creds.Configured()
		}
		if s.deps.Email.Poller != nil {
			emailPolling = s.deps.Email.Poller.Running()
		}
	}
	meta["emailConfigured"] = Bool(emailConfigured)
	meta["emailPolling"] = Bool(emailPolling)
	if s.deps.Workflows != nil {
		if list, err := s.deps.Workflows.List(); err == nil {
			meta["workflowCount"] = Int(int64(len(list)))
		}
	}
	if s.deps.Conversations != nil {
		meta["conversationCount"] = Int(int64(s.deps.Conversations.Count()))
	}
	return Envelope{Type: "status", Metadata: meta}
}

// Scheduler notification fan-out.

// NotifyWorkflow broadcasts a workflow notification per the workflow's
// preferences; routing happened in the scheduler already.
func (s *Server) NotifyWorkflow(w *workflow.Workflow, exec *workflow.Execution, step *workflow.StepResult, event string) {
	meta := map[string]Value{
		"workflowId":   String(w.ID),
		"workflowName": String(w.Name),
		"event":        String(event),
	}
	env := Envelope{Type: "workflow_notification", Metadata: meta}
	if exec != nil {
		env.ID = exec.ID
		meta["status"] = String(string(exec.Status))
		for i := range exec.Steps {
			if exec.Steps[i].Error != "" {
				env.Content = exec.Steps[i].Error
			}
		}
	}
	if step != nil {
		meta["stepId"] = String(step.StepID)
	}
	s.Broadcast(env)
}

// ExecutionStarted broadcasts the start of an execution.
func (s *Server) ExecutionStarted(exec *workflow.Execution) {
	s.broadcastExecution("workflow_execution_started", exec)
}

// ExecutionDone broadcasts a terminal execution.
func (s *Server) ExecutionDone(exec *workflow.Execution) {
	s.broadcastExecution("workflow_execution_done", exec)
}

func (s *Server) broadcastExecution(msgType string, exec *workflow.Execution) {
	content, err := json.Marshal(exec)
	if err != nil {
		return
	}
	s.Broadcast(Envelope{
		Type:    msgType,
		ID:      exec.ID,
		Content: string(content),
		Metadata: map[string]Value{
			"workflowId": String(exec.WorkflowID),
			"status":     String(string(exec.Status)),
		},
	})
}

// StepUpdate broadcasts one step-status transition.
func (s *Server) StepUpdate(exec *workflow.Execution, step *workflow.StepResult) {
	content, err := json.Marshal(step)
	if err != nil {
		return
	}
	s.Broadcast(Envelope{
		Type:    "workflow_step_update",
		ID:      exec.ID,
		Content: string(content),
		Metadata: map[string]Value{
			"workflowId": String(exec.WorkflowID),
			"stepId":     String(step.StepID),
			"status":     String(string(step.Status)),
		},
	})
}

// EmailAuthCompleted broadcasts a finished mail authorization flow.
func (s *Server) EmailAuthCompleted(clientID string) {
	s.Broadcast(Envelope{
		Type:     "email_auth_completed",
		Metadata: map[string]Value{"clientId": String(clientID)},
	})
}

var _ turn.Sink = (*clientSink)(nil)

// clientSink adapts one client to the turn coordinator's event sink.
type clientSink struct {
	c *client
}

func (cs *clientSink) ThinkingChunk(conversationID, delta string) {
	cs.c.enqueue(Envelope{Type: "thinking_chunk", ConversationID: conversationID, Content: delta})
}

func (cs *clientSink) ThinkingDone(conversationID string, seconds float64) {
	cs.c.enqueue(Envelope{
		Type:           "thinking_done",
		ConversationID: conversationID,
		Metadata:       map[string]Value{"duration": Double(seconds)},
	})
}

func (cs *clientSink) AssistantChunk(conversationID, delta string) {
	cs.c.enqueue(Envelope{Type: "assistant_chunk", ConversationID: conversationID, Content: delta})
}

func (cs *clientSink) ToolCallStart(conversationID, toolID, toolName, provider string) {
	cs.c.enqueue(Envelope{
		Type:           "tool_call_start",
		ID:             toolID,
		ConversationID: conversationID,
		Metadata: map[string]Value{
			"toolName": String(toolName),
			"provider": String(provider),
		},
	})
}

func (cs *clientSink) ToolCallDone(conversationID, toolID, toolName, content string, success bool, seconds float64) {
	cs.c.enqueue(Envelope{
		Type:           "tool_call_done",
		ID:             toolID,
		ConversationID: conversationID,
		Content:        content,
		Metadata: map[string]Value{
			"toolName": String(toolName),
			"success":  Bool(success),
			"duration": Double(seconds),
		},
	})
}

func (cs *clientSink) AssistantDone(conversationID string) {
	cs.c.enqueue(Envelope{Type: "assistant_done", ConversationID: conversationID})
}

func (cs *clientSink) TurnError(conversationID, message string) {
	cs.c.enqueue(Envelope{
		Type:           "error",
		ConversationID: conversationID,
		Content:        message,
		Metadata:       map[string]Value{"code": String(CodeProvider)},
	})
}
