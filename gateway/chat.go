package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/overlaygate/delta"
	"github.com/gliderlab/overlaygate/proxy"
)

const (
	sessionHeader        = "X-Session-Id"
	toolSyncFailedHeader = "X-Proxy-Tool-Sync-Failed"
)

// ChatRequest is the inbound chat completion body. Fields beyond the
// OpenAI ones are optional.
type ChatRequest struct {
	Model       string             `json:"model"`
	Messages    []delta.Message    `json:"messages"`
	Tools       []openai.Tool      `json:"tools,omitempty"`
	ToolResults []delta.ToolResult `json:"tool_results,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
}

// toProxy builds the orchestrator request; the header session id wins.
func (c ChatRequest) toProxy(headerSession string) proxy.Request {
	sid := strings.TrimSpace(headerSession)
	if sid == "" {
		sid = strings.TrimSpace(c.SessionID)
	}
	return proxy.Request{
		Model:       c.Model,
		SessionID:   sid,
		Messages:    c.Messages,
		Tools:       c.Tools,
		ToolResults: c.ToolResults,
	}
}

// streamError is written as an SSE frame when a stream fails after it started.
// The error key comes first so OpenAI SDK stream readers recognise it.
type streamError struct {
	Error  apiErrorBody `json:"error"`
	ID     string       `json:"id,omitempty"`
	Object string       `json:"object"`
}

// statusFor maps a turn error to an HTTP status and OpenAI error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, proxy.ErrUnknownModel):
		return http.StatusNotFound, "model_not_found"
	case errors.Is(err, proxy.ErrNoMessages):
		return http.StatusBadRequest, "invalid_request_error"
	}
	return http.StatusBadGateway, "upstream_error"
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[WARN] handleChat panic recovered: %v", rec)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}()

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyChat)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "read error: "+err.Error())
		return
	}

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "parse error: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model required")
		return
	}

	log.Printf("[Gateway] chat model=%s messages=%d tools=%d stream=%v",
		req.Model, len(req.Messages), len(req.Tools), req.Stream)

	preq := req.toProxy(r.Header.Get(sessionHeader))
	if req.Stream {
		g.streamChat(w, r, preq)
		return
	}

	resp, report, err := g.orch.Complete(r.Context(), preq)
	if err != nil {
		status, typ := statusFor(err)
		log.Printf("[Gateway] chat failed model=%s status=%d: %v", req.Model, status, err)
		writeError(w, status, typ, err.Error())
		return
	}
	if failed := report.FailedTools(); len(failed) > 0 {
		w.Header().Set(toolSyncFailedHeader, strings.Join(failed, ","))
	}
	if report != nil && report.SessionID != "" {
		w.Header().Set(sessionHeader, report.SessionID)
	}
	writeJSON(w, resp)
}

// sseWriter sends headers on the first frame, so errors raised before the
// stream starts can still be answered with a status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	lastID  string
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseWriter) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.start()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) chunk(c openai.ChatCompletionStreamResponse) error {
	s.lastID = c.ID
	return s.write(c)
}

func (s *sseWriter) done() {
	s.start()
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (g *Gateway) streamChat(w http.ResponseWriter, r *http.Request, req proxy.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}
	sse := &sseWriter{w: w, flusher: flusher}
	if sid := strings.TrimSpace(req.SessionID); sid != "" {
		w.Header().Set(sessionHeader, sid)
	}
	// Headers are still unsent here; the first frame follows.
	req.OnReady = func(report *proxy.Report) {
		if report == nil {
			return
		}
		if report.SessionID != "" {
			w.Header().Set(sessionHeader, report.SessionID)
		}
		if failed := report.FailedTools(); len(failed) > 0 {
			w.Header().Set(toolSyncFailedHeader, strings.Join(failed, ","))
		}
	}

	_, err := g.orch.Stream(r.Context(), req, sse.chunk)
	if err == nil {
		sse.done()
		return
	}

	if !sse.started {
		status, typ := statusFor(err)
		log.Printf("[Gateway] stream rejected model=%s status=%d: %v", req.Model, status, err)
		writeError(w, status, typ, err.Error())
		return
	}
	if !errors.Is(err, proxy.AgentInvocationFailed) {
		// The client is gone; nothing more can be delivered.
		return
	}

	log.Printf("[Gateway] stream failed model=%s: %v", req.Model, err)
	frame := streamError{
		Error:  apiErrorBody{Message: err.Error(), Type: "streaming_error"},
		ID:     sse.lastID,
		Object: "error",
	}
	if werr := sse.write(frame); werr != nil {
		return
	}
	sse.done()
}
