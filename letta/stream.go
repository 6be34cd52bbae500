package letta

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrStreamError is returned when the platform reports an error mid-stream.
var ErrStreamError = errors.New("letta stream error")

const maxEventSize = 4 * 1024 * 1024

// StreamMessages invokes the agent with token streaming and calls fn for
// every event, in arrival order. Returning an error from fn stops the stream.
// The call ends at the [DONE] marker, at EOF, or when ctx is cancelled.
func (c *Client) StreamMessages(ctx context.Context, agentID string, msgs []MessageCreate, fn func(Message) error) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/messages/stream"
	req, err := c.newRequest(ctx, http.MethodPost, path, sendRequest{Messages: msgs, StreamToken: true})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("letta POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &APIError{Method: http.MethodPost, Path: path, Status: resp.StatusCode, Body: string(data)}
	}
	return readEvents(resp.Body, fn)
}

// readEvents parses a text/event-stream body.
func readEvents(r io.Reader, fn func(Message) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var (
		event string
		data  strings.Builder
	)
	dispatch := func() (bool, error) {
		defer func() {
			event = ""
			data.Reset()
		}()
		payload := strings.TrimSpace(data.String())
		if payload == "" {
			return false, nil
		}
		if payload == "[DONE]" {
			return true, nil
		}
		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return false, fmt.Errorf("decode stream event: %w", err)
		}
		if event == "error" || msg.MessageType == TypeError || (msg.MessageType == "" && len(msg.Error) > 0) {
			return false, fmt.Errorf("%w: %s", ErrStreamError, msg.ErrorText())
		}
		return false, fn(msg)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			done, err := dispatch()
			if err != nil || done {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	// Flush a final event without a trailing blank line.
	_, err := dispatch()
	return err
}
