// Package proxy runs one chat turn against a stateful agent: it reconciles
// the session overlay, syncs the client's tools, forwards only the new part
// of the conversation and translates the agent's answer back.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gliderlab/overlaygate/delta"
	"github.com/gliderlab/overlaygate/letta"
	"github.com/gliderlab/overlaygate/overlay"
	"github.com/gliderlab/overlaygate/pkg/fingerprint"
	"github.com/gliderlab/overlaygate/pkg/telemetry"
	"github.com/gliderlab/overlaygate/session"
	"github.com/gliderlab/overlaygate/toolbridge"
)

// Invoker sends messages to an agent.
type Invoker interface {
	SendMessages(ctx context.Context, agentID string, msgs []letta.MessageCreate) (*letta.Response, error)
	StreamMessages(ctx context.Context, agentID string, msgs []letta.MessageCreate, fn func(letta.Message) error) error
}

// Auditor records notable session events. Failures are logged and ignored.
type Auditor interface {
	RecordEvent(sessionID, agentID, kind, detail string) error
}

// Request is one inbound chat turn.
type Request struct {
	Model       string
	SessionID   string
	Messages    []delta.Message
	Tools       []openai.Tool
	ToolResults []delta.ToolResult

	// OnReady, if set, is called by Stream once the session is resolved and
	// tools are synced, before the first chunk is emitted.
	OnReady func(*Report)
}

// Report describes what a turn did, including non-fatal errors.
type Report struct {
	SessionID string
	AgentID   string
	Trail     []State
	Overlay   overlay.Action
	Sync      toolbridge.SyncResult
	Errors    []*Error
	Usage     openai.Usage
	Surfaced  int
	Internal  []toolbridge.InternalCall
}

// FailedTools lists tools whose sync failed on this turn.
func (r *Report) FailedTools() []string {
	if r == nil {
		return nil
	}
	var names []string
	for _, e := range r.Errors {
		if e.Kind == ToolSyncPartialFailure && e.Tool != "" {
			names = append(names, e.Tool)
		}
	}
	return names
}

func (r *Report) add(e *Error) { r.Errors = append(r.Errors, e) }

// Options wires the orchestrator's collaborators. Metrics, Tracer and Audit are optional.
type Options struct {
	Store      *session.Store
	Reconciler *overlay.Reconciler
	Bridge     *toolbridge.Bridge
	Agents     *Directory
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
	Audit      Auditor
}

// Orchestrator runs turns. It is safe for concurrent use.
type Orchestrator struct {
	invoker    Invoker
	store      *session.Store
	reconciler *overlay.Reconciler
	bridge     *toolbridge.Bridge
	agents     *Directory
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	audit      Auditor
}

// New creates an orchestrator.
func New(invoker Invoker, opts Options) *Orchestrator {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer()
	}
	return &Orchestrator{
		invoker:    invoker,
		store:      opts.Store,
		reconciler: opts.Reconciler,
		bridge:     opts.Bridge,
		agents:     opts.Agents,
		metrics:    opts.Metrics,
		tracer:     tracer,
		audit:      opts.Audit,
	}
}

// Agents exposes the agent directory.
func (o *Orchestrator) Agents() *Directory { return o.agents }

// pending is a turn that went through preparation.
type pending struct {
	*Turn
	req    Request
	agent  letta.Agent
	rec    *session.Record
	report *Report
	delta  delta.Delta
	inline bool
	bind   map[string]toolbridge.Binding
}

func (p *pending) newError(kind Kind, tool string, err error) *Error {
	return &Error{Kind: kind, SessionID: p.rec.ID, AgentID: p.agent.ID, Tool: tool, Err: err}
}

// prepare runs the stages up to DELTA_RESOLVED. The session lock is held
// for overlay reconciliation and tool sync only.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (*pending, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	agent, err := o.agents.Resolve(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	instructions := delta.SystemText(req.Messages)
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = fingerprint.SessionKey(agent.ID, instructions)
	}
	rec, created := o.store.GetOrCreate(sessionID, agent.ID)
	if created {
		log.Printf("[Session] new session=%s agent=%s", rec.ID, agent.ID)
	}
	if o.metrics != nil {
		o.metrics.SessionStoreSize.Set(float64(o.store.Len()))
	}

	p := &pending{
		Turn:   newTurn(),
		req:    req,
		agent:  agent,
		rec:    rec,
		report: &Report{SessionID: rec.ID, AgentID: agent.ID},
	}

	unlock, err := rec.Lock(ctx)
	if err != nil {
		p.fail()
		return p, err
	}
	o.reconcileOverlay(ctx, p, instructions)
	p.advance(StateOverlayReconciled)
	o.syncTools(ctx, p)
	p.advance(StateToolsSynced)
	unlock()

	d := delta.Resolve(rec.State(), req.Messages, req.ToolResults)
	for _, e := range d.Entries {
		if e.Folded != "" {
			p.report.add(p.newError(UnknownMessageRole, "", errors.New("role "+e.Folded+" forwarded as user text")))
		}
	}
	if rec.State().PendingInline && strings.TrimSpace(instructions) != "" && !d.Empty() {
		d = d.WithInline(overlay.Inline(instructions))
		p.inline = true
	}
	p.delta = d
	p.advance(StateDeltaResolved)
	return p, nil
}

func (o *Orchestrator) reconcileOverlay(ctx context.Context, p *pending, instructions string) {
	ctx, span := o.tracer.Start(ctx, "overlay.reconcile", attribute.String("session.id", p.rec.ID))
	res := o.reconciler.Reconcile(ctx, p.rec, instructions)
	telemetry.End(span, res.Err)

	p.report.Overlay = res.Action
	if o.metrics != nil {
		o.metrics.OverlayReconcile.WithLabelValues(res.Action.String()).Inc()
	}
	switch res.Action {
	case overlay.Fallback:
		p.report.add(p.newError(OverlayWriteFailed, "", res.Err))
		o.record(p, "overlay_fallback", errString(res.Err))
	case overlay.Created, overlay.Updated:
		o.record(p, "overlay_"+res.Action.String(), res.BlockID)
	}
}

func (o *Orchestrator) syncTools(ctx context.Context, p *pending) {
	ctx, span := o.tracer.Start(ctx, "toolbridge.sync",
		attribute.String("agent.id", p.agent.ID),
		attribute.Int("tools.requested", len(p.req.Tools)))
	res, err := o.bridge.Sync(ctx, p.agent.ID, p.req.Tools)
	if err == nil {
		err = res.Err()
	}
	telemetry.End(span, err)

	p.report.Sync = res
	p.bind = res.Bindings
	if o.metrics != nil {
		o.metrics.ToolOps(len(res.Added), len(res.Removed), len(res.Updated), len(res.Failures), res.Cached)
	}
	for _, f := range res.Failures {
		p.report.add(p.newError(ToolSyncPartialFailure, f.Tool, f))
	}
	if len(res.Failures) == 0 && err != nil {
		// The whole sync failed before any per-tool work.
		if len(p.req.Tools) == 0 {
			p.report.add(p.newError(ToolSyncPartialFailure, "", err))
		}
		for _, t := range p.req.Tools {
			name := ""
			if t.Function != nil {
				name = t.Function.Name
			}
			p.report.add(p.newError(ToolSyncPartialFailure, name, err))
		}
	}
	if err != nil {
		log.Printf("[WARN] [Tools] sync incomplete session=%s agent=%s: %v", p.rec.ID, p.agent.ID, err)
		o.record(p, "tool_sync_failed", strings.Join(p.report.FailedTools(), ","))
	} else if len(res.Added)+len(res.Removed)+len(res.Updated) > 0 {
		o.record(p, "tool_sync", "added="+strings.Join(res.Added, ",")+" removed="+strings.Join(res.Removed, ",")+" updated="+strings.Join(res.Updated, ","))
	}
}

// commit records what the agent has now seen.
func (o *Orchestrator) commit(p *pending) {
	p.rec.Update(func(s *session.State) {
		if p.delta.UserFingerprint != "" {
			s.LastUserFingerprint = p.delta.UserFingerprint
		}
		if p.inline {
			s.PendingInline = false
		}
	})
}

// invocationFailed abandons the turn's calls and forgets the agent's cached
// tool state, since a failed invocation may mean the agent changed remotely.
func (o *Orchestrator) invocationFailed(p *pending, inv *toolbridge.Invocation, mode string, err error) *Error {
	if inv != nil {
		inv.Abandon()
	}
	o.bridge.Invalidate(p.agent.ID)
	e := p.newError(AgentInvocationFailed, "", err)
	p.report.add(e)
	p.fail()
	p.report.Trail = p.Trail()
	if o.metrics != nil {
		o.metrics.AgentInvocations.WithLabelValues(mode, "error").Inc()
	}
	log.Printf("[Letta] invocation failed session=%s agent=%s mode=%s: %v", p.rec.ID, p.agent.ID, mode, err)
	o.record(p, "agent_failed", err.Error())
	return e
}

func (o *Orchestrator) record(p *pending, kind, detail string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.RecordEvent(p.rec.ID, p.agent.ID, kind, detail); err != nil {
		log.Printf("[WARN] audit event %s dropped: %v", kind, err)
	}
}

func (o *Orchestrator) observe(mode string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RequestDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}

// Complete runs a non-streaming turn.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*openai.ChatCompletionResponse, *Report, error) {
	start := time.Now()
	defer o.observe("complete", start)
	ctx, span := o.tracer.Start(ctx, "proxy.complete", attribute.String("model", req.Model))

	p, err := o.prepare(ctx, req)
	if err != nil {
		telemetry.End(span, err)
		return nil, reportOf(p), err
	}

	resp := &openai.ChatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
	}

	if p.delta.Empty() {
		p.advance(StateEarlyEmpty)
		p.report.Trail = p.Trail()
		resp.Choices = []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant},
			FinishReason: openai.FinishReasonStop,
		}}
		if o.metrics != nil {
			o.metrics.AgentInvocations.WithLabelValues("complete", "empty").Inc()
		}
		telemetry.End(span, nil)
		return resp, p.report, nil
	}

	msgs := o.bridge.ToRemote(p.delta)
	inv := o.bridge.NewInvocation(p.agent.ID, p.bind)

	ictx, ispan := o.tracer.Start(ctx, "agent.invoke", attribute.Int("messages", len(msgs)))
	out, err := o.invoker.SendMessages(ictx, p.agent.ID, msgs)
	telemetry.End(ispan, err)
	if err != nil {
		e := o.invocationFailed(p, inv, "complete", err)
		telemetry.End(span, e)
		return nil, p.report, e
	}
	p.advance(StateAgentInvoked)
	o.commit(p)

	var (
		contents  []string
		reasoning []string
		calls     []letta.ToolCall
	)
	for _, m := range out.Messages {
		switch m.MessageType {
		case letta.TypeAssistant:
			if text := string(m.Content); text != "" {
				contents = append(contents, text)
			}
		case letta.TypeReasoning:
			if m.Reasoning != "" {
				reasoning = append(reasoning, m.Reasoning)
			}
		case letta.TypeToolCall:
			calls = append(calls, m.Calls()...)
		}
	}
	toolCalls, internal := inv.ToClient(calls)
	for _, ic := range internal {
		reasoning = append(reasoning, renderInternal(ic))
	}
	p.advance(StateTranslated)

	stop := ""
	if out.StopReason != nil {
		stop = out.StopReason.StopReason
	}
	content := strings.Join(contents, "\n\n")
	resp.Choices = []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{
			Role:             openai.ChatMessageRoleAssistant,
			Content:          content,
			ReasoningContent: strings.Join(reasoning, "\n"),
			ToolCalls:        toolCalls,
		},
		FinishReason: finishReason(stop, len(toolCalls)),
	}}
	resp.Usage = usageFor(out.Usage, msgs, content)

	p.advance(StateDone)
	p.report.Trail = p.Trail()
	p.report.Usage = resp.Usage
	p.report.Surfaced = inv.Surfaced()
	p.report.Internal = internal
	if o.metrics != nil {
		o.metrics.AgentInvocations.WithLabelValues("complete", "ok").Inc()
	}
	telemetry.End(span, nil)
	return resp, p.report, nil
}

// clientGone wraps a failure to deliver a chunk to the client.
type clientGone struct{ err error }

func (c clientGone) Error() string { return "client write: " + c.err.Error() }
func (c clientGone) Unwrap() error { return c.err }

// Stream runs a streaming turn. req.OnReady sees the prepared report first,
// then emit receives the opening role chunk, every translated event as it
// arrives and a final chunk carrying the finish reason. The caller writes the terminating [DONE] marker. When emit fails
// the turn stops and the undelivered calls are released.
func (o *Orchestrator) Stream(ctx context.Context, req Request, emit func(openai.ChatCompletionStreamResponse) error) (*Report, error) {
	start := time.Now()
	defer o.observe("stream", start)
	ctx, span := o.tracer.Start(ctx, "proxy.stream", attribute.String("model", req.Model))

	p, err := o.prepare(ctx, req)
	if err != nil {
		telemetry.End(span, err)
		return reportOf(p), err
	}
	if req.OnReady != nil {
		req.OnReady(p.report)
	}

	id, created := newCompletionID(), time.Now().Unix()
	chunk := func(d openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
		return openai.ChatCompletionStreamResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []openai.ChatCompletionStreamChoice{{Delta: d, FinishReason: finish}},
		}
	}

	if err := emit(chunk(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}, "")); err != nil {
		p.fail()
		p.report.Trail = p.Trail()
		telemetry.End(span, err)
		return p.report, err
	}

	if p.delta.Empty() {
		p.advance(StateEarlyEmpty)
		p.report.Trail = p.Trail()
		if o.metrics != nil {
			o.metrics.AgentInvocations.WithLabelValues("stream", "empty").Inc()
		}
		telemetry.End(span, nil)
		return p.report, nil
	}

	msgs := o.bridge.ToRemote(p.delta)
	inv := o.bridge.NewInvocation(p.agent.ID, p.bind)

	var (
		stop     string
		usage    *letta.Usage
		content  strings.Builder
		received int
	)
	send := func(d openai.ChatCompletionStreamChoiceDelta) error {
		if err := emit(chunk(d, "")); err != nil {
			return clientGone{err}
		}
		return nil
	}

	ictx, ispan := o.tracer.Start(ctx, "agent.invoke", attribute.Int("messages", len(msgs)))
	err = o.invoker.StreamMessages(ictx, p.agent.ID, msgs, func(m letta.Message) error {
		if received == 0 {
			p.advance(StateAgentInvoked)
			o.commit(p)
		}
		received++

		switch m.MessageType {
		case letta.TypeReasoning:
			if m.Reasoning != "" {
				return send(openai.ChatCompletionStreamChoiceDelta{ReasoningContent: m.Reasoning})
			}
		case letta.TypeAssistant:
			if text := string(m.Content); text != "" {
				content.WriteString(text)
				return send(openai.ChatCompletionStreamChoiceDelta{Content: text})
			}
		case letta.TypeToolCall:
			for _, c := range m.Calls() {
				tc, ic := inv.Translate(c)
				switch {
				case tc != nil:
					if err := send(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{*tc}}); err != nil {
						return err
					}
				case ic != nil:
					if ic.First {
						p.report.Internal = append(p.report.Internal, *ic)
					} else if n := len(p.report.Internal); n > 0 {
						p.report.Internal[n-1].Arguments += ic.Arguments
					}
					if err := send(openai.ChatCompletionStreamChoiceDelta{ReasoningContent: renderInternal(*ic)}); err != nil {
						return err
					}
				}
			}
		case letta.TypeStopReason:
			stop = m.StopReason
		case letta.TypeUsage:
			usage = &letta.Usage{
				PromptTokens:     m.PromptTokens,
				CompletionTokens: m.CompletionTokens,
				TotalTokens:      m.TotalTokens,
			}
		case letta.TypeError:
			return fmt.Errorf("%w: %s", letta.ErrStreamError, m.ErrorText())
		}
		return nil
	})
	telemetry.End(ispan, err)

	var gone clientGone
	switch {
	case errors.As(err, &gone):
		inv.Abandon()
		p.fail()
		p.report.Trail = p.Trail()
		log.Printf("[Gateway] client went away session=%s: %v", p.rec.ID, gone.err)
		telemetry.End(span, gone.err)
		return p.report, gone.err
	case err != nil:
		e := o.invocationFailed(p, inv, "stream", err)
		telemetry.End(span, e)
		return p.report, e
	}
	if received == 0 {
		p.advance(StateAgentInvoked)
		o.commit(p)
	}
	p.advance(StateTranslated)

	if err := emit(chunk(openai.ChatCompletionStreamChoiceDelta{}, finishReason(stop, inv.Surfaced()))); err != nil {
		p.fail()
		p.report.Trail = p.Trail()
		telemetry.End(span, err)
		return p.report, err
	}

	p.advance(StateDone)
	p.report.Trail = p.Trail()
	p.report.Usage = usageFor(usage, msgs, content.String())
	p.report.Surfaced = inv.Surfaced()
	if o.metrics != nil {
		o.metrics.AgentInvocations.WithLabelValues("stream", "ok").Inc()
	}
	telemetry.End(span, nil)
	return p.report, nil
}

func reportOf(p *pending) *Report {
	if p == nil {
		return nil
	}
	p.report.Trail = p.Trail()
	return p.report
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// renderInternal shows an agent-internal tool call as reasoning text.
func renderInternal(ic toolbridge.InternalCall) string {
	if ic.First {
		return "[tool " + ic.Name + "] " + ic.Arguments
	}
	return ic.Arguments
}

func finishReason(stop string, surfaced int) openai.FinishReason {
	if surfaced > 0 {
		return openai.FinishReasonToolCalls
	}
	switch stop {
	case "max_steps", "max_tokens", "context_window_overflow_in_system_prompt":
		return openai.FinishReasonLength
	}
	return openai.FinishReasonStop
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
