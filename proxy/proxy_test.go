package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/overlaygate/delta"
	"github.com/gliderlab/overlaygate/letta"
	"github.com/gliderlab/overlaygate/overlay"
)

func lastState(r *Report) State {
	if r == nil || len(r.Trail) == 0 {
		return StateInit
	}
	return r.Trail[len(r.Trail)-1]
}

func TestCompleteFirstTurn(t *testing.T) {
	h := newHarness(t)
	resp, report, err := h.orch.Complete(context.Background(), Request{
		Model:     "helper",
		SessionID: "s1",
		Messages:  []delta.Message{msg("system", "Be brief."), msg("user", "hi")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got := resp.Choices[0].Message.Content; got != "hello" {
		t.Errorf("Expected content hello, got %q", got)
	}
	if resp.Choices[0].FinishReason != openai.FinishReasonStop {
		t.Errorf("Expected finish reason stop, got %s", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("Expected platform usage, got %+v", resp.Usage)
	}
	if report.Overlay != overlay.Created {
		t.Errorf("Expected overlay created, got %s", report.Overlay)
	}
	if lastState(report) != StateDone {
		t.Errorf("Expected DONE, got %v", report.Trail)
	}

	sent := h.plat.lastSent(t)
	if len(sent) != 1 || sent[0].Role != "user" || sent[0].Text() != "hi" {
		t.Errorf("Expected only the user message, got %+v", sent)
	}
	for _, m := range sent {
		if strings.Contains(m.Text(), "Be brief.") {
			t.Error("Expected system text to stay out of the conversation")
		}
	}
	if !h.audit.has("overlay_created") {
		t.Error("Expected an overlay_created audit event")
	}
}

func TestSecondTurnForwardsOnlyNewMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	history := []delta.Message{msg("system", "Be brief."), msg("user", "hi")}
	if _, _, err := h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: history}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	history = append(history, msg("assistant", "hello"), msg("user", "how are you?"))
	_, report, err := h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: history})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if report.Overlay != overlay.None {
		t.Errorf("Expected no overlay write for unchanged text, got %s", report.Overlay)
	}
	sent := h.plat.lastSent(t)
	if len(sent) != 1 || sent[0].Text() != "how are you?" {
		t.Errorf("Expected only the new user message, got %+v", sent)
	}
}

func TestEarlyEmptyResponse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	history := []delta.Message{msg("system", "Be brief."), msg("user", "hi")}
	if _, _, err := h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: history}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	history = append(history, msg("assistant", "hello"))
	resp, report, err := h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: history})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if h.plat.sendCount() != 1 {
		t.Errorf("Expected no second invocation, got %d", h.plat.sendCount())
	}
	if lastState(report) != StateEarlyEmpty {
		t.Errorf("Expected EARLY_EMPTY_RESPONSE, got %v", report.Trail)
	}
	if resp.Choices[0].Message.Content != "" || resp.Choices[0].FinishReason != openai.FinishReasonStop {
		t.Errorf("Expected empty stop response, got %+v", resp.Choices[0])
	}
}

func TestOverlayFallbackInline(t *testing.T) {
	h := newHarness(t)
	h.plat.blockErr = errBoom
	ctx := context.Background()
	history := []delta.Message{msg("system", "Be brief."), msg("user", "hi")}

	_, report, err := h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: history})
	if err != nil {
		t.Fatalf("Expected overlay failure to be non-fatal, got %v", err)
	}
	if report.Overlay != overlay.Fallback {
		t.Errorf("Expected fallback, got %s", report.Overlay)
	}
	found := false
	for _, e := range report.Errors {
		if errors.Is(e, OverlayWriteFailed) && errors.Is(e, overlay.ErrWriteFailed) {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected an OverlayWriteFailed error, got %v", report.Errors)
	}

	sent := h.plat.lastSent(t)
	if len(sent) != 2 || sent[0].Text() != overlay.InlinePrefix+"Be brief." || sent[1].Text() != "hi" {
		t.Fatalf("Expected inline instructions then user, got %+v", sent)
	}

	history = append(history, msg("assistant", "hello"), msg("user", "again"))
	if _, _, err := h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: history}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	sent = h.plat.lastSent(t)
	if len(sent) != 1 || sent[0].Text() != "again" {
		t.Errorf("Expected no repeated inline instructions, got %+v", sent)
	}
}

func TestFallbackInlineSurvivesEmptyTurn(t *testing.T) {
	h := newHarness(t)
	h.plat.blockErr = errBoom
	ctx := context.Background()

	_, report, err := h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: []delta.Message{msg("system", "Rules.")}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if lastState(report) != StateEarlyEmpty {
		t.Fatalf("Expected an empty turn, got %v", report.Trail)
	}

	_, _, err = h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: []delta.Message{msg("system", "Rules."), msg("user", "go")}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	sent := h.plat.lastSent(t)
	if len(sent) != 2 || sent[0].Text() != overlay.InlinePrefix+"Rules." {
		t.Errorf("Expected pending inline instructions on the next turn, got %+v", sent)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.plat.addInternalTool("agent-1", "archival_search")
	h.plat.reply = &letta.Response{
		Messages: []letta.Message{
			{MessageType: letta.TypeToolCall, ToolCall: &letta.ToolCall{Name: "archival_search", Arguments: `{"q":"x"}`, ToolCallID: "remote-0"}},
			{MessageType: letta.TypeToolCall, ToolCall: &letta.ToolCall{Name: "get_weather", Arguments: `{"city":"Paris"}`, ToolCallID: "remote-1"}},
		},
		StopReason: &letta.StopReason{StopReason: "end_turn"},
		Usage:      &letta.Usage{TotalTokens: 3},
	}
	ctx := context.Background()
	history := []delta.Message{msg("user", "weather in Paris?")}

	resp, report, err := h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: history, Tools: []openai.Tool{weatherTool()}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(report.Sync.Added) != 1 {
		t.Errorf("Expected get_weather to be added, got %+v", report.Sync)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != openai.FinishReasonToolCalls {
		t.Errorf("Expected finish reason tool_calls, got %s", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("Expected exactly one surfaced call, got %+v", choice.Message.ToolCalls)
	}
	call := choice.Message.ToolCalls[0]
	if call.Function.Name != "get_weather" || call.ID == "remote-1" || !strings.HasPrefix(call.ID, "call_") {
		t.Errorf("Expected a fresh client id for get_weather, got %+v", call)
	}
	if !strings.Contains(choice.Message.ReasoningContent, "[tool archival_search]") {
		t.Errorf("Expected internal call as reasoning, got %q", choice.Message.ReasoningContent)
	}

	h.plat.reply = &letta.Response{
		Messages: []letta.Message{{MessageType: letta.TypeAssistant, Content: "Sunny."}},
		Usage:    &letta.Usage{TotalTokens: 3},
	}
	history = append(history,
		delta.Message{Role: "assistant", ToolCalls: choice.Message.ToolCalls},
		delta.Message{Role: "tool", ToolCallID: call.ID, Content: delta.TextContent(`{"temp":21}`)},
	)
	if _, _, err := h.orch.Complete(ctx, Request{Model: "helper", SessionID: "s1", Messages: history, Tools: []openai.Tool{weatherTool()}}); err != nil {
		t.Fatalf("result turn: %v", err)
	}
	sent := h.plat.lastSent(t)
	if len(sent) != 1 || sent[0].Role != "tool" || sent[0].ToolCallID != "remote-1" {
		t.Errorf("Expected the result mapped back to remote-1, got %+v", sent)
	}
}

func TestOutOfBandToolResults(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.orch.Complete(context.Background(), Request{
		Model:       "helper",
		SessionID:   "s1",
		Messages:    []delta.Message{msg("user", "continue")},
		ToolResults: []delta.ToolResult{{ToolCallID: "call_unknown", Result: json.RawMessage(`{"ok":true}`)}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	sent := h.plat.lastSent(t)
	if len(sent) != 2 || sent[0].Role != "tool" || sent[0].ToolCallID != "call_unknown" || sent[1].Role != "user" {
		t.Errorf("Expected tool result then user, got %+v", sent)
	}
}

func TestToolSyncFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.plat.upsertErr["get_weather"] = errBoom
	_, report, err := h.orch.Complete(context.Background(), Request{
		Model:    "helper",
		Messages: []delta.Message{msg("user", "hi")},
		Tools:    []openai.Tool{weatherTool()},
	})
	if err != nil {
		t.Fatalf("Expected sync failure to be non-fatal, got %v", err)
	}
	if got := report.FailedTools(); len(got) != 1 || got[0] != "get_weather" {
		t.Errorf("Expected get_weather in failed tools, got %v", got)
	}
	if !h.audit.has("tool_sync_failed") {
		t.Error("Expected a tool_sync_failed audit event")
	}
}

func TestStreamReportsToolSyncFailureBeforeFirstChunk(t *testing.T) {
	h := newHarness(t)
	h.plat.upsertErr["get_weather"] = errBoom
	h.plat.stream = []letta.Message{{MessageType: letta.TypeAssistant, Content: "ok"}}

	var (
		chunks []openai.ChatCompletionStreamResponse
		failed []string
	)
	_, err := h.orch.Stream(context.Background(), Request{
		Model:    "helper",
		Messages: []delta.Message{msg("user", "hi")},
		Tools:    []openai.Tool{weatherTool()},
		OnReady: func(r *Report) {
			if len(chunks) == 0 {
				failed = r.FailedTools()
			}
		},
	}, collect(&chunks))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(failed) != 1 || failed[0] != "get_weather" {
		t.Errorf("Expected get_weather reported before streaming, got %v", failed)
	}
}

func TestConcurrentTurnsShareOneOverlayAndToolSync(t *testing.T) {
	h := newHarness(t)
	req := Request{
		Model:     "helper",
		SessionID: "shared",
		Messages:  []delta.Message{msg("system", "Be brief."), msg("user", "hi")},
		Tools:     []openai.Tool{weatherTool()},
	}

	const n = 16
	var (
		wg   sync.WaitGroup
		errs = make(chan error, n)
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, _, err := h.orch.Complete(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Complete failed: %v", err)
	}

	h.plat.mu.Lock()
	defer h.plat.mu.Unlock()
	if len(h.plat.blocks) != 1 {
		t.Errorf("Expected 1 overlay block created, got %d", len(h.plat.blocks))
	}
	if got := len(h.plat.attachedBlocks["agent-1"]); got != 1 {
		t.Errorf("Expected 1 block attachment, got %d", got)
	}
	if got := len(h.plat.attachedTools["agent-1"]); got != 1 {
		t.Errorf("Expected 1 tool attachment, got %d", got)
	}
	if len(h.plat.tools) != 1 {
		t.Errorf("Expected 1 proxy tool, got %d", len(h.plat.tools))
	}
}

func TestAgentInvocationFailure(t *testing.T) {
	h := newHarness(t)
	h.plat.sendErr = errBoom
	_, report, err := h.orch.Complete(context.Background(), Request{Model: "helper", Messages: []delta.Message{msg("user", "hi")}})
	if !errors.Is(err, AgentInvocationFailed) || !errors.Is(err, errBoom) {
		t.Fatalf("Expected AgentInvocationFailed wrapping the cause, got %v", err)
	}
	var perr *Error
	if !errors.As(err, &perr) || !perr.Fatal() || perr.AgentID != "agent-1" {
		t.Errorf("Expected a fatal structured error, got %+v", perr)
	}
	if lastState(report) != StateFailed {
		t.Errorf("Expected FAILED, got %v", report.Trail)
	}
}

func TestUnknownModelAndNoMessages(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.orch.Complete(context.Background(), Request{Model: "nobody", Messages: []delta.Message{msg("user", "hi")}})
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}
	_, _, err = h.orch.Complete(context.Background(), Request{Model: "helper"})
	if !errors.Is(err, ErrNoMessages) {
		t.Errorf("Expected ErrNoMessages, got %v", err)
	}
}

func TestModelMayBeAgentID(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.orch.Complete(context.Background(), Request{Model: "agent-1", Messages: []delta.Message{msg("user", "hi")}}); err != nil {
		t.Errorf("Expected agent id to resolve, got %v", err)
	}
}

func TestDerivedSessionIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, sys := range []string{"A", "B", "A"} {
		if _, _, err := h.orch.Complete(ctx, Request{Model: "helper", Messages: []delta.Message{msg("system", sys), msg("user", "hi " + sys)}}); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}
	if h.store.Len() != 2 {
		t.Errorf("Expected one session per instruction text, got %d", h.store.Len())
	}
}

func TestUnknownRoleFolded(t *testing.T) {
	h := newHarness(t)
	_, report, err := h.orch.Complete(context.Background(), Request{
		Model:    "helper",
		Messages: []delta.Message{msg("critic", "too long"), msg("user", "hi")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	sent := h.plat.lastSent(t)
	if len(sent) != 2 || sent[0].Text() != "[role:critic] too long" {
		t.Errorf("Expected folded role message, got %+v", sent)
	}
	found := false
	for _, e := range report.Errors {
		if errors.Is(e, UnknownMessageRole) {
			found = true
		}
	}
	if !found {
		t.Error("Expected an UnknownMessageRole note in the report")
	}
}

func collect(chunks *[]openai.ChatCompletionStreamResponse) func(openai.ChatCompletionStreamResponse) error {
	return func(c openai.ChatCompletionStreamResponse) error {
		*chunks = append(*chunks, c)
		return nil
	}
}

func TestStream(t *testing.T) {
	h := newHarness(t)
	h.plat.stream = []letta.Message{
		{MessageType: letta.TypeReasoning, Reasoning: "thinking"},
		{MessageType: letta.TypeAssistant, Content: "Let me check."},
		{MessageType: letta.TypeToolCall, ToolCall: &letta.ToolCall{Name: "get_weather", ToolCallID: "remote-1", Arguments: `{"city":`}},
		{MessageType: letta.TypeToolCall, ToolCall: &letta.ToolCall{ToolCallID: "remote-1", Arguments: `"Paris"}`}},
		{MessageType: letta.TypeToolReturn, ToolReturn: "ignored"},
		{MessageType: letta.TypeStopReason, StopReason: "end_turn"},
		{MessageType: letta.TypeUsage, PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10},
	}

	var (
		chunks []openai.ChatCompletionStreamResponse
		ready  *Report
	)
	report, err := h.orch.Stream(context.Background(), Request{
		Model:    "helper",
		Messages: []delta.Message{msg("user", "weather?")},
		Tools:    []openai.Tool{weatherTool()},
		OnReady: func(r *Report) {
			if len(chunks) != 0 {
				t.Error("Expected OnReady before the first chunk")
			}
			ready = r
		},
	}, collect(&chunks))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if ready != report || ready.SessionID == "" {
		t.Errorf("Expected OnReady to see the turn report with a session id, got %+v", ready)
	}
	if len(chunks) != 6 {
		t.Fatalf("Expected 6 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Choices[0].Delta.Role != openai.ChatMessageRoleAssistant {
		t.Errorf("Expected opening role chunk, got %+v", chunks[0])
	}
	if chunks[1].Choices[0].Delta.ReasoningContent != "thinking" {
		t.Errorf("Expected reasoning chunk, got %+v", chunks[1])
	}
	if chunks[2].Choices[0].Delta.Content != "Let me check." {
		t.Errorf("Expected content chunk, got %+v", chunks[2])
	}
	first := chunks[3].Choices[0].Delta.ToolCalls[0]
	if first.ID == "" || first.Function.Name != "get_weather" || *first.Index != 0 {
		t.Errorf("Expected first call piece with id and name, got %+v", first)
	}
	second := chunks[4].Choices[0].Delta.ToolCalls[0]
	if second.ID != "" || second.Function.Arguments != `"Paris"}` {
		t.Errorf("Expected argument-only continuation, got %+v", second)
	}
	if chunks[5].Choices[0].FinishReason != openai.FinishReasonToolCalls {
		t.Errorf("Expected finish reason tool_calls, got %s", chunks[5].Choices[0].FinishReason)
	}
	for _, c := range chunks {
		if c.ID != chunks[0].ID || c.Object != "chat.completion.chunk" {
			t.Errorf("Expected a stable chunk id, got %s", c.ID)
		}
	}
	if report.Usage.TotalTokens != 10 || report.Surfaced != 1 {
		t.Errorf("Expected usage and one surfaced call, got %+v", report)
	}
	if lastState(report) != StateDone {
		t.Errorf("Expected DONE, got %v", report.Trail)
	}
}

func TestStreamEarlyEmpty(t *testing.T) {
	h := newHarness(t)
	var chunks []openai.ChatCompletionStreamResponse
	report, err := h.orch.Stream(context.Background(), Request{Model: "helper", Messages: []delta.Message{msg("system", "x")}}, collect(&chunks))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(chunks) != 1 || h.plat.sendCount() != 0 {
		t.Errorf("Expected only the role chunk and no invocation, got %d chunks", len(chunks))
	}
	if lastState(report) != StateEarlyEmpty {
		t.Errorf("Expected EARLY_EMPTY_RESPONSE, got %v", report.Trail)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	h := newHarness(t)
	h.plat.stream = []letta.Message{
		{MessageType: letta.TypeAssistant, Content: "partial"},
		{MessageType: letta.TypeError, Detail: "agent crashed"},
	}
	var chunks []openai.ChatCompletionStreamResponse
	_, err := h.orch.Stream(context.Background(), Request{Model: "helper", Messages: []delta.Message{msg("user", "hi")}}, collect(&chunks))
	if !errors.Is(err, AgentInvocationFailed) || !errors.Is(err, letta.ErrStreamError) {
		t.Errorf("Expected stream error as AgentInvocationFailed, got %v", err)
	}
}

func TestStreamClientGoneReleasesCalls(t *testing.T) {
	h := newHarness(t)
	h.plat.stream = []letta.Message{
		{MessageType: letta.TypeToolCall, ToolCall: &letta.ToolCall{Name: "get_weather", ToolCallID: "remote-1", Arguments: `{}`}},
		{MessageType: letta.TypeAssistant, Content: "more"},
	}
	gone := errors.New("client closed")
	n := 0
	report, err := h.orch.Stream(context.Background(), Request{
		Model:    "helper",
		Messages: []delta.Message{msg("user", "hi")},
		Tools:    []openai.Tool{weatherTool()},
	}, func(openai.ChatCompletionStreamResponse) error {
		n++
		if n > 1 {
			return gone
		}
		return nil
	})
	if !errors.Is(err, gone) {
		t.Fatalf("Expected the client error, got %v", err)
	}
	if h.bridge.Ledger().Len() != 0 {
		t.Errorf("Expected pending calls to be released, got %d", h.bridge.Ledger().Len())
	}
	if lastState(report) != StateFailed {
		t.Errorf("Expected FAILED, got %v", report.Trail)
	}
}

func TestTurnTransitions(t *testing.T) {
	turn := newTurn()
	turn.advance(StateOverlayReconciled)
	turn.advance(StateToolsSynced)
	turn.advance(StateDeltaResolved)
	turn.advance(StateEarlyEmpty)
	if !turn.State().Terminal() {
		t.Error("Expected EARLY_EMPTY_RESPONSE to be terminal")
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected an illegal transition to panic")
		}
	}()
	bad := newTurn()
	bad.advance(StateAgentInvoked)
}

func TestTurnFailFromAnyState(t *testing.T) {
	turn := newTurn()
	turn.advance(StateOverlayReconciled)
	turn.fail()
	turn.fail()
	trail := turn.Trail()
	if len(trail) != 3 || trail[2] != StateFailed {
		t.Errorf("Expected INIT, OVERLAY_RECONCILED, FAILED, got %v", trail)
	}
}

type slowLister struct {
	mu    sync.Mutex
	calls int
}

func (s *slowLister) ListAgents(ctx context.Context) ([]letta.Agent, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	return []letta.Agent{{ID: "a1", Name: "one"}}, nil
}

func TestDirectorySharesRefresh(t *testing.T) {
	lister := &slowLister{}
	dir := NewDirectory(lister, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dir.Resolve(context.Background(), "one"); err != nil {
				t.Errorf("Resolve failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if lister.calls != 1 {
		t.Errorf("Expected one shared list call, got %d", lister.calls)
	}
	if !dir.Reachable() || dir.Len() != 1 {
		t.Errorf("Expected a reachable directory with one agent")
	}
}

func TestDirectoryServesStaleOnFailure(t *testing.T) {
	plat := newFakePlatform()
	dir := NewDirectory(plat, time.Millisecond)
	var health []bool
	dir.OnHealth(func(ok bool) { health = append(health, ok) })
	if _, err := dir.Resolve(context.Background(), "helper"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	plat.listErr = errBoom
	if _, err := dir.Resolve(context.Background(), "helper"); err != nil {
		t.Errorf("Expected stale entry to be served, got %v", err)
	}
	if dir.Reachable() {
		t.Error("Expected the directory to be unreachable")
	}
	if len(health) != 2 || !health[0] || health[1] {
		t.Errorf("Expected health true then false, got %v", health)
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: ToolSyncPartialFailure, SessionID: "s1", Tool: "get_weather", Err: errBoom}
	if got := e.Error(); got != "tool_sync_partial_failure tool=get_weather session=s1: boom" {
		t.Errorf("Unexpected message %q", got)
	}
	if errors.Is(e, AgentInvocationFailed) {
		t.Error("Expected kinds to be distinct")
	}
}

func TestFinishReason(t *testing.T) {
	cases := []struct {
		stop     string
		surfaced int
		want     openai.FinishReason
	}{
		{"end_turn", 0, openai.FinishReasonStop},
		{"max_steps", 0, openai.FinishReasonLength},
		{"end_turn", 2, openai.FinishReasonToolCalls},
		{"", 0, openai.FinishReasonStop},
	}
	for _, c := range cases {
		if got := finishReason(c.stop, c.surfaced); got != c.want {
			t.Errorf("finishReason(%q, %d): expected %s, got %s", c.stop, c.surfaced, c.want, got)
		}
	}
}
