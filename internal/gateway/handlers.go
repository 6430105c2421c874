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

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/love-me/internal/email"
	"github.com/tombee/love-me/internal/schedule"
	"github.com/tombee/love-me/pkg/errors"
	"github.com/tombee/love-me/pkg/workflow"
)

// dispatch routes one decoded envelope. Long-running handlers spawn
// their own goroutine so the read loop stays responsive.
func (s *Server) dispatch(ctx context.Context, c *client, env Envelope) {
	switch env.Type {
	case "ping":
		c.enqueue(Envelope{Type: "pong", ID: env.ID})
	case "pong":
		// Keepalive reply; nothing to do.

	case "user_message":
		s.handleUserMessage(ctx, c, env)

	case "new_conversation":
		s.handleNewConversation(c, env)
	case "load_conversation":
		s.handleLoadConversation(c, env)
	case "delete_conversation":
		s.handleDeleteConversation(c, env)
	case "list_conversations":
		s.handleListConversations(c, env)

	case "create_workflow":
		s.handleCreateWorkflow(c, env)
	case "update_workflow":
		s.handleUpdateWorkflow(c, env)
	case "delete_workflow":
		s.handleDeleteWorkflow(c, env)
	case "list_workflows":
		s.handleListWorkflows(c, env)
	case "get_workflow":
		s.handleGetWorkflow(c, env)
	case "run_workflow":
		s.handleRunWorkflow(c, env)
	case "cancel_workflow":
		s.handleCancelWorkflow(c, env)
	case "list_executions":
		s.handleListExecutions(c, env)
	case "get_execution":
		s.handleGetExecution(c, env)

	case "list_tools":
		s.handleListTools(c, env)
	case "parse_schedule":
		s.handleParseSchedule(c, env)
	case "build_workflow":
		go s.handleBuildWorkflow(ctx, c, env)

	case "email_status":
		s.handleEmailStatus(c, env)
	case "email_auth_start":
		s.handleEmailAuthStart(c, env)
	case "email_auth_complete":
		go s.handleEmailAuthComplete(ctx, c, env)
	case "email_poll_now":
		go s.handleEmailPollNow(ctx, c, env)
	case "email_polling_update":
		s.handleEmailPollingUpdate(c, env)

	case "create_email_trigger":
		s.handleCreateEmailTrigger(c, env)
	case "update_email_trigger":
		s.handleUpdateEmailTrigger(c, env)
	case "delete_email_trigger":
		s.handleDeleteEmailTrigger(c, env)
	case "list_email_triggers":
		s.handleListEmailTriggers(c, env)

	default:
		c.sendError(env.ID, CodeUnknownType, "unknown message type "+env.Type)
	}
}

func (s *Server) handleUserMessage(ctx context.Context, c *client, env Envelope) {
	if env.Content == "" {
		c.sendError(env.ID, CodeMissingField, "content is required")
		return
	}
	conversationID := env.ConversationID
	if conversationID == "" {
		conv, err := s.deps.Conversations.Create("")
		if err != nil {
			c.sendComponentError(env.ID, err)
			return
		}
		conversationID = conv.ID
		c.enqueue(Envelope{
			Type:           "conversation_created",
			ConversationID: conv.ID,
			Metadata:       map[string]Value{"title": String(conv.Title)},
		})
	}
	go func() {
		err := s.deps.Turns.HandleUserMessage(ctx, conversationID, env.Content, &clientSink{c: c})
		if err != nil && errors.IsValidation(err) {
			// Busy-turn rejection; stream errors were already sent by
			// the sink.
			c.sendError(env.ID, CodeInvalidData, err.Error())
		}
	}()
}

func (s *Server) handleNewConversation(c *client, env Envelope) {
	conv, err := s.deps.Conversations.Create(env.Content)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	c.enqueue(Envelope{
		Type:           "conversation_created",
		ConversationID: conv.ID,
		Metadata:       map[string]Value{"title": String(conv.Title)},
	})
}

func (s *Server) handleLoadConversation(c *client, env Envelope) {
	id := env.ConversationID
	if id == "" {
		c.sendError(env.ID, CodeMissingField, "conversationId is required")
		return
	}
	conv, err := s.deps.Conversations.Load(id)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	content, err := json.Marshal(conv)
	if err != nil {
		c.sendError(env.ID, CodeInternal, err.Error())
		return
	}
	c.enqueue(Envelope{Type: "conversation_loaded", ConversationID: id, Content: string(content)})
}

func (s *Server) handleDeleteConversation(c *client, env Envelope) {
	id := env.ConversationID
	if id == "" {
		c.sendError(env.ID, CodeMissingField, "conversationId is required")
		return
	}
	if err := s.deps.Conversations.Delete(id); err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	c.enqueue(Envelope{Type: "conversation_deleted", ConversationID: id})
}

func (s *Server) handleListConversations(c *client, env Envelope) {
	list, err := s.deps.Conversations.ListAll()
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	content, err := json.Marshal(list)
	if err != nil {
		c.sendError(env.ID, CodeInternal, err.Error())
		return
	}
	c.enqueue(Envelope{Type: "conversation_list", Content: string(content)})
}

func (s *Server) decodeWorkflow(c *client, env Envelope) (*workflow.Workflow, bool) {
	if env.Content == "" {
		c.sendError(env.ID, CodeMissingField, "content must carry the workflow JSON")
		return nil, false
	}
	var w workflow.Workflow
	if err := json.Unmarshal([]byte(env.Content), &w); err != nil {
		c.sendError(env.ID, CodeInvalidData, "malformed workflow: "+err.Error())
		return nil, false
	}
	return &w, true
}

func (s *Server) handleCreateWorkflow(c *client, env Envelope) {
	w, ok := s.decodeWorkflow(c, env)
	if !ok {
		return
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.Created = now
	w.Updated = now
	if err := workflow.Validate(w); err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	if err := s.deps.Workflows.Create(w); err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	s.syncScheduler(c)
	s.replyWorkflow(c, "workflow_created", w)
}

func (s *Server) handleUpdateWorkflow(c *client, env Envelope) {
	w, ok := s.decodeWorkflow(c, env)
	if !ok {
		return
	}
	if w.ID == "" {
		w.ID = env.ID
	}
	w.Updated = time.Now().UTC()
	if err := workflow.Validate(w); err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	if err := s.deps.Workflows.Update(w); err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	s.syncScheduler(c)
	s.replyWorkflow(c, "workflow_updated", w)
}

func (s *Server) handleDeleteWorkflow(c *client, env Envelope) {
	if env.ID == "" {
		c.sendError(env.ID, CodeMissingField, "id is required")
		return
	}
	if err := s.deps.Workflows.Delete(env.ID); err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Unbind(env.ID)
	}
	c.enqueue(Envelope{Type: "workflow_deleted", ID: env.ID})
}

func (s *Server) handleListWorkflows(c *client, env Envelope) {
	list, err := s.deps.Workflows.List()
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	content, _ := json.Marshal(list)
	c.enqueue(Envelope{Type: "workflow_list", Content: string(content)})
}

func (s *Server) handleGetWorkflow(c *client, env Envelope) {
	if env.ID == "" {
		c.sendError(env.ID, CodeMissingField, "id is required")
		return
	}
	w, err := s.deps.Workflows.Get(env.ID)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	s.replyWorkflow(c, "workflow_loaded", w)
}

func (s *Server) handleRunWorkflow(c *client, env Envelope) {
	if env.ID == "" {
		c.sendError(env.ID, CodeMissingField, "id is required")
		return
	}
	w, err := s.deps.Workflows.Get(env.ID)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	s.deps.Scheduler.Run(w, "manual run")
	c.enqueue(Envelope{Type: "workflow_run_started", ID: w.ID})
}

func (s *Server) handleCancelWorkflow(c *client, env Envelope) {
	if env.ID == "" {
		c.sendError(env.ID, CodeMissingField, "id must carry the execution id")
		return
	}
	s.deps.Executor.Cancel(env.ID)
	c.enqueue(Envelope{Type: "workflow_cancelled", ID: env.ID})
}

func (s *Server) handleListExecutions(c *client, env Envelope) {
	list, err := s.deps.Workflows.ListExecutions(env.ID)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	content, _ := json.Marshal(list)
	c.enqueue(Envelope{Type: "execution_list", ID: env.ID, Content: string(content)})
}

func (s *Server) handleGetExecution(c *client, env Envelope) {
	if env.ID == "" {
		c.sendError(env.ID, CodeMissingField, "id is required")
		return
	}
	exec, err := s.deps.Workflows.GetExecution(env.ID)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	content, _ := json.Marshal(exec)
	c.enqueue(Envelope{Type: "execution_loaded", ID: exec.ID, Content: string(content)})
}

func (s *Server) handleListTools(c *client, env Envelope) {
	content, _ := json.Marshal(s.deps.Router.List())
	c.enqueue(Envelope{Type: "tool_list", Content: string(content)})
}

func (s *Server) handleParseSchedule(c *client, env Envelope) {
	if env.Content == "" {
		c.sendError(env.ID, CodeMissingField, "content must carry the cron expression")
		return
	}
	expr, err := schedule.Parse(env.Content)
	if err != nil {
		c.sendError(env.ID, CodeInvalidData, err.Error())
		return
	}
	instants := expr.NextN(time.Now().UTC(), 3)
	next := make([]Value, 0, len(instants))
	for _, at := range instants {
		next = append(next, String(at.UTC().Format(time.RFC3339)))
	}
	c.enqueue(Envelope{
		Type:    "schedule_parsed",
		Content: env.Content,
		Metadata: map[string]Value{
			"next": Array(next...),
		},
	})
}

func (s *Server) handleBuildWorkflow(ctx context.Context, c *client, env Envelope) {
	if env.Content == "" {
		c.sendError(env.ID, CodeMissingField, "content must carry the workflow description")
		return
	}
	if s.deps.Builder == nil {
		c.sendError(env.ID, CodeProvider, "workflow building is not configured")
		return
	}
	w, err := s.deps.Builder.Build(ctx, env.Content)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	if err := s.deps.Workflows.Create(w); err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	s.syncScheduler(c)
	s.replyWorkflow(c, "workflow_built", w)
}

func (s *Server) emailDeps(c *client, env Envelope) (*EmailDeps, bool) {
	if s.deps.Email == nil {
		c.sendError(env.ID, CodeProvider, "email is not configured")
		return nil, false
	}
	return s.deps.Email, true
}

func (s *Server) handleEmailStatus(c *client, env Envelope) {
	deps, ok := s.emailDeps(c, env)
	if !ok {
		return
	}
	meta := map[string]Value{"configured": Bool(false), "polling": Bool(false)}
	if creds, err := email.LoadCredentials(deps.CredentialsPath); err == nil {
		meta["configured"] = Bool(creds.Configured())
	}
	if p := deps.Poller; p != nil {
		wm := p.Watermark()
		meta["polling"] = Bool(p.Running())
		meta["intervalSeconds"] = Int(int64(p.Interval() / time.Second))
		meta["lastSeenId"] = String(wm.LastSeenID)
		meta["totalProcessed"] = Int(int64(wm.TotalProcessed))
		if !wm.LastSeenAt.IsZero() {
			meta["lastSeenInstant"] = String(wm.LastSeenAt.UTC().Format(time.RFC3339))
		}
	}
	c.enqueue(Envelope{Type: "email_status", Metadata: meta})
}

func (s *Server) authCredentials(deps *EmailDeps, env Envelope) (string, string) {
	clientID := deps.ClientID
	clientSecret := deps.ClientSecret
	if v, ok := env.Metadata["clientId"].AsString(); ok && v != "" {
		clientID = v
	}
	if v, ok := env.Metadata["clientSecret"].AsString(); ok && v != "" {
		clientSecret = v
	}
	return clientID, clientSecret
}

func (s *Server) handleEmailAuthStart(c *client, env Envelope) {
	deps, ok := s.emailDeps(c, env)
	if !ok {
		return
	}
	clientID, clientSecret := s.authCredentials(deps, env)
	url, err := email.AuthStartURL(clientID, clientSecret)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	s.authMu.Lock()
	s.authClientID = clientID
	s.authClientSecret = clientSecret
	s.authMu.Unlock()
	c.enqueue(Envelope{Type: "email_auth_url", Content: url})
}

func (s *Server) handleEmailAuthComplete(ctx context.Context, c *client, env Envelope) {
	deps, ok := s.emailDeps(c, env)
	if !ok {
		return
	}
	if env.Content == "" {
		c.sendError(env.ID, CodeMissingField, "content must carry the authorization code")
		return
	}
	s.authMu.Lock()
	clientID, clientSecret := s.authClientID, s.authClientSecret
	s.authMu.Unlock()
	if clientID == "" {
		clientID, clientSecret = s.authCredentials(deps, env)
	}
	creds, err := email.AuthComplete(ctx, deps.CredentialsPath, clientID, clientSecret, env.Content)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	if deps.OnAuthorized != nil {
		deps.OnAuthorized(ctx, creds)
	}
	s.EmailAuthCompleted(creds.ClientID)
}

func (s *Server) handleEmailPollNow(ctx context.Context, c *client, env Envelope) {
	deps, ok := s.emailDeps(c, env)
	if !ok {
		return
	}
	if deps.Poller == nil {
		c.sendError(env.ID, CodeProvider, "email polling is not running")
		return
	}
	n, err := deps.Poller.PollNow(ctx)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	c.enqueue(Envelope{
		Type:     "email_poll_done",
		Metadata: map[string]Value{"processed": Int(int64(n))},
	})
}

func (s *Server) handleEmailPollingUpdate(c *client, env Envelope) {
	deps, ok := s.emailDeps(c, env)
	if !ok {
		return
	}
	if deps.Poller == nil {
		c.sendError(env.ID, CodeProvider, "email polling is not running")
		return
	}
	secs, ok2 := env.Metadata["intervalSeconds"].AsInt()
	if !ok2 {
		c.sendError(env.ID, CodeMissingField, "metadata.intervalSeconds is required")
		return
	}
	interval := clampInterval(time.Duration(secs) * time.Second)
	deps.Poller.SetInterval(interval)
	c.enqueue(Envelope{
		Type:     "email_polling_updated",
		Metadata: map[string]Value{"intervalSeconds": Int(int64(interval / time.Second))},
	})
}

const (
	minPollInterval = 10 * time.Second
	maxPollInterval = 15 * time.Minute
)

func clampInterval(d time.Duration) time.Duration {
	if d < minPollInterval {
		return minPollInterval
	}
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}

func (s *Server) decodeRule(c *client, env Envelope) (email.TriggerRule, bool) {
	var r email.TriggerRule
	if env.Content == "" {
		c.sendError(env.ID, CodeMissingField, "content must carry the trigger rule JSON")
		return r, false
	}
	if err := json.Unmarshal([]byte(env.Content), &r); err != nil {
		c.sendError(env.ID, CodeInvalidData, "malformed trigger rule: "+err.Error())
		return r, false
	}
	return r, true
}

func (s *Server) handleCreateEmailTrigger(c *client, env Envelope) {
	deps, ok := s.emailDeps(c, env)
	if !ok {
		return
	}
	r, ok2 := s.decodeRule(c, env)
	if !ok2 {
		return
	}
	created, err := deps.Rules.Create(r)
	if err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	content, _ := json.Marshal(created)
	c.enqueue(Envelope{Type: "email_trigger_created", ID: created.ID, Content: string(content)})
}

func (s *Server) handleUpdateEmailTrigger(c *client, env Envelope) {
	deps, ok := s.emailDeps(c, env)
	if !ok {
		return
	}
	r, ok2 := s.decodeRule(c, env)
	if !ok2 {
		return
	}
	if r.ID == "" {
		r.ID = env.ID
	}
	if err := deps.Rules.Update(r); err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	content, _ := json.Marshal(r)
	c.enqueue(Envelope{Type: "email_trigger_updated", ID: r.ID, Content: string(content)})
}

func (s *Server) handleDeleteEmailTrigger(c *client, env Envelope) {
	deps, ok := s.emailDeps(c, env)
	if !ok {
		return
	}
	if env.ID == "" {
		c.sendError(env.ID, CodeMissingField, "id is required")
		return
	}
	if err := deps.Rules.Delete(env.ID); err != nil {
		c.sendComponentError(env.ID, err)
		return
	}
	c.enqueue(Envelope{Type: "email_trigger_deleted", ID: env.ID})
}

func (s *Server) handleListEmailTriggers(c *client, env Envelope) {
	deps, ok := s.emailDeps(c, env)
	if !ok {
		return
	}
	content, _ := json.Marshal(deps.Rules.List())
	c.enqueue(Envelope{Type: "email_trigger_list", Content: string(content)})
}

func (s *Server) syncScheduler(c *client) {
	if s.deps.Scheduler == nil {
		return
	}
	if err := s.deps.Scheduler.Sync(); err != nil {
		c.logger.Warn("scheduler sync failed", slog.String("error", err.Error()))
	}
}

func (s *Server) replyWorkflow(c *client, msgType string, w *workflow.Workflow) {
	content, err := json.Marshal(w)
	if err != nil {
		c.sendError(w.ID, CodeInternal, err.Error())
		return
	}
	c.enqueue(Envelope{Type: msgType, ID: w.ID, Content: string(content)})
}
