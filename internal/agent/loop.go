package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maxagent/maxd/internal/approval"
	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/contextwin"
	"github.com/maxagent/maxd/internal/dispatch"
	"github.com/maxagent/maxd/internal/providers"
	"github.com/maxagent/maxd/internal/tracing"
)

// ErrStepBudgetExceeded is surfaced when a turn does not converge to a
// plain reply within the step limit.
var ErrStepBudgetExceeded = errors.New("step budget exceeded")

const defaultMaxSteps = 15

// dependsOnArg is the reserved argument the model uses to order one tool
// call after another within the same turn. It is stripped before dispatch.
const dependsOnArg = "depends_on"

// AuditSink records every proposal decision and outcome for later review.
type AuditSink interface {
	RecordAction(sessionKey string, p capability.ActionProposal, decision string, obs capability.Observation)
}

// Controller drives one model turn at a time: model call, proposal
// routing through the approval gate, dispatch, observation, repeat.
type Controller struct {
	provider   providers.ChatProvider
	model      string
	registry   *capability.Registry
	gate       *approval.Gate
	dispatcher *dispatch.Dispatcher
	maxSteps   int
	retryCfg   RetryConfig
	audit      AuditSink
	tracer     *tracing.Collector

	// OnUtterance, when set, streams intermediate assistant text to the
	// transport while tool steps are still running.
	OnUtterance func(sessionKey, text string)
}

type ControllerConfig struct {
	Provider   providers.ChatProvider
	Model      string
	Registry   *capability.Registry
	Gate       *approval.Gate
	Dispatcher *dispatch.Dispatcher
	MaxSteps   int
	Retry      RetryConfig
	Audit      AuditSink
	Tracer     *tracing.Collector // nil disables span emission
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Controller{
		provider:   cfg.Provider,
		model:      cfg.Model,
		registry:   cfg.Registry,
		gate:       cfg.Gate,
		dispatcher: cfg.Dispatcher,
		maxSteps:   cfg.MaxSteps,
		retryCfg:   cfg.Retry,
		audit:      cfg.Audit,
		tracer:     cfg.Tracer,
	}
}

// RunTurn processes one user message to completion and returns the final
// assistant reply. The turn ends when the model answers without tool
// calls, the step budget runs out, or the model stays unreachable.
func (c *Controller) RunTurn(ctx context.Context, sess *Session, userText string) (string, error) {
	sess.Lock()
	defer sess.Unlock()

	sess.LastActive = time.Now()
	sess.TurnCount++
	sess.Window.AppendUser(userText)

	traceID := uuid.New()

	for step := 0; step < c.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if _, err := sess.Window.CompactIfNeeded(ctx); err != nil {
			return "", fmt.Errorf("compact context: %w", err)
		}

		callStart := time.Now()
		resp, err := chatWithRetry(ctx, c.provider, c.buildRequest(sess), c.retryCfg)
		c.emitLLMSpan(traceID, sess.Key, callStart, resp, err)
		if err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			sess.Window.AppendUtterance(resp.Content)
			slog.Debug("turn complete",
				"session", sess.Key,
				"steps", step+1,
				"prompt_tokens", resp.PromptTokens,
			)
			return resp.Content, nil
		}

		if resp.Content != "" {
			sess.Window.AppendUtterance(resp.Content)
			if c.OnUtterance != nil {
				c.OnUtterance(sess.Key, resp.Content)
			}
		}

		proposals := c.toProposals(sess, resp.ToolCalls)
		observations := c.routeAndDispatch(ctx, sess, traceID, proposals)
		for _, obs := range observations {
			sess.Window.AppendObservation(obs.ProposalID, obs.Capability, string(obs.Outcome), obs.Content)
		}
	}

	// The turn ends mid-flight: leave an utterance in the context so the
	// next turn sees a coherent history, and surface it as the reply.
	text := fmt.Sprintf("I stopped after %d steps without reaching a final answer. Ask me to continue if you want me to keep going.", c.maxSteps)
	sess.Window.AppendUtterance(text)
	slog.Warn("step budget exceeded", "session", sess.Key, "max_steps", c.maxSteps)
	return text, fmt.Errorf("%w: %d steps", ErrStepBudgetExceeded, c.maxSteps)
}

// buildRequest maps the context window onto the provider's chat shape.
// Pinned constraints become system messages ahead of the history.
func (c *Controller) buildRequest(sess *Session) providers.ChatRequest {
	entries := sess.Window.Snapshot()

	messages := make([]providers.Message, 0, len(entries)+1)
	for _, e := range entries {
		if e.Kind == contextwin.KindPinnedConstraint {
			messages = append(messages, providers.Message{Role: "system", Content: e.Text})
		}
	}
	for _, e := range entries {
		switch e.Kind {
		case contextwin.KindUserMessage:
			messages = append(messages, providers.Message{Role: "user", Content: e.Text})
		case contextwin.KindModelUtterance:
			messages = append(messages, providers.Message{Role: "assistant", Content: e.Text})
		case contextwin.KindCompactionSummary:
			messages = append(messages, providers.Message{
				Role:    "system",
				Content: "Summary of earlier conversation: " + e.Text,
			})
		case contextwin.KindActionProposal:
			messages = append(messages, providers.Message{
				Role: "assistant",
				ToolCalls: []providers.ToolCall{{
					ID:   e.ProposalID,
					Type: "function",
					Function: &providers.FunctionCall{
						Name:      e.Capability,
						Arguments: e.Text,
					},
				}},
			})
		case contextwin.KindActionObservation:
			messages = append(messages, providers.Message{
				Role:       "tool",
				ToolCallID: e.ProposalID,
				Content:    e.Text,
			})
		}
	}

	var tools []providers.ToolDefinition
	for _, cp := range c.registry.List() {
		tools = append(tools, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        cp.Name,
				Description: cp.Description,
				Parameters:  cp.Parameters,
			},
		})
	}

	return providers.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
	}
}

// toProposals converts the model's tool calls into proposals and records
// each in the context window.
func (c *Controller) toProposals(sess *Session, calls []providers.ToolCall) []capability.ActionProposal {
	proposals := make([]capability.ActionProposal, 0, len(calls))
	for _, call := range calls {
		if call.Function == nil {
			continue
		}

		args := map[string]interface{}{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				slog.Warn("unparseable tool arguments",
					"capability", call.Function.Name, "error", err)
			}
		}

		dependsOn := ""
		if v, ok := args[dependsOnArg].(string); ok {
			dependsOn = v
			delete(args, dependsOnArg)
		}

		id := call.ID
		if id == "" {
			id = uuid.NewString()
		}

		rev := capability.Irreversible
		if cp, err := c.registry.Resolve(call.Function.Name); err == nil {
			rev = cp.Reversibility
		}

		p := capability.ActionProposal{
			ID:            id,
			SessionKey:    sess.Key,
			Capability:    call.Function.Name,
			Arguments:     args,
			Reversibility: rev,
			DependsOn:     dependsOn,
			CreatedSeq:    sess.Window.Seq(),
			CreatedAt:     time.Now(),
		}
		proposals = append(proposals, p)
		sess.Window.AppendProposal(p.ID, p.Capability, call.Function.Arguments)
	}
	return proposals
}

// routeAndDispatch sends each proposal through the approval gate, then
// dispatches the approved set as one batch. Rejected and expired
// proposals yield error observations without ever reaching a provider.
func (c *Controller) routeAndDispatch(ctx context.Context, sess *Session, traceID uuid.UUID, proposals []capability.ActionProposal) []capability.Observation {
	batchID := uuid.NewString()

	var approved []capability.ActionProposal
	var settled []capability.Observation
	type heldProposal struct {
		p  capability.ActionProposal
		pa *approval.Pending
	}
	var held []heldProposal

	for _, p := range proposals {
		if c.gate.AutoApproves(p) {
			approved = append(approved, p)
			continue
		}
		held = append(held, heldProposal{p: p, pa: c.gate.Hold(p, batchID)})
	}

	for _, h := range held {
		res := h.pa.Wait()
		switch res.Decision {
		case approval.DecisionApprove:
			approved = append(approved, h.p)
		case approval.DecisionReject:
			obs := capability.Observation{
				ProposalID: h.p.ID,
				Capability: h.p.Capability,
				Outcome:    capability.OutcomeUserRejected,
				Content:    "the user rejected this action",
			}
			settled = append(settled, obs)
			c.recordAudit(sess.Key, h.p, string(res.Decision), obs)
		case approval.DecisionTimeout:
			obs := capability.Observation{
				ProposalID: h.p.ID,
				Capability: h.p.Capability,
				Outcome:    capability.OutcomeApprovalTimedOut,
				Content:    "approval request expired without a decision",
			}
			settled = append(settled, obs)
			c.recordAudit(sess.Key, h.p, string(res.Decision), obs)
		}
	}

	dispatched := c.dispatcher.DispatchAll(ctx, approved)
	for _, obs := range dispatched {
		c.recordAudit(sess.Key, findProposal(approved, obs.ProposalID), "approve", obs)
		c.emitCapabilitySpan(traceID, sess.Key, obs)
	}
	return append(settled, dispatched...)
}

func (c *Controller) emitLLMSpan(traceID uuid.UUID, sessionKey string, start time.Time, resp *providers.ChatResponse, err error) {
	if c.tracer == nil {
		return
	}
	span := tracing.SpanData{
		TraceID:    traceID,
		SessionKey: sessionKey,
		SpanType:   tracing.SpanTypeLLMCall,
		Name:       "chat",
		Model:      c.model,
		Provider:   c.provider.Name(),
		StartTime:  start,
		DurationMS: int(time.Since(start).Milliseconds()),
		Status:     "ok",
	}
	if err != nil {
		span.Status = "error"
		span.Error = err.Error()
	} else if resp != nil {
		span.InputTokens = resp.PromptTokens
		span.OutputTokens = resp.OutputTokens
		span.FinishReason = resp.FinishReason
		span.OutputPreview = resp.Content
	}
	c.tracer.EmitSpan(span)
}

func (c *Controller) emitCapabilitySpan(traceID uuid.UUID, sessionKey string, obs capability.Observation) {
	if c.tracer == nil {
		return
	}
	span := tracing.SpanData{
		TraceID:       traceID,
		SessionKey:    sessionKey,
		SpanType:      tracing.SpanTypeCapability,
		Name:          obs.Capability,
		ToolName:      obs.Capability,
		ToolCallID:    obs.ProposalID,
		StartTime:     time.Now().Add(-time.Duration(obs.DurationMs) * time.Millisecond),
		DurationMS:    int(obs.DurationMs),
		OutputPreview: obs.Content,
		Status:        "ok",
	}
	if obs.Outcome != capability.OutcomeOK {
		span.Status = "error"
		span.Error = string(obs.Outcome)
	}
	c.tracer.EmitSpan(span)
}

func (c *Controller) recordAudit(sessionKey string, p capability.ActionProposal, decision string, obs capability.Observation) {
	if c.audit == nil {
		return
	}
	c.audit.RecordAction(sessionKey, p, decision, obs)
}

func findProposal(proposals []capability.ActionProposal, id string) capability.ActionProposal {
	for _, p := range proposals {
		if p.ID == id {
			return p
		}
	}
	return capability.ActionProposal{ID: id}
}
