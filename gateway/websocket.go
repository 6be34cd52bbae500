// WebSocket relay for streaming chat

package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	openai "github.com/sashabaranov/go-openai"
)

// WebSocket message types
const (
	MsgTypeChat  = "chat"
	MsgTypeChunk = "chunk"
	MsgTypeDone  = "done"
	MsgTypeError = "error"
	MsgTypePing  = "ping"
	MsgTypePong  = "pong"
)

const (
	wsReadLimit    = 4 * 1024 * 1024
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// WSDone closes a streamed turn.
type WSDone struct {
	SessionID   string       `json:"session_id,omitempty"`
	Usage       openai.Usage `json:"usage"`
	ToolCalls   int          `json:"tool_calls"`
	FailedTools []string     `json:"failed_tools,omitempty"`
}

// WSError reports a failed turn or a malformed message.
type WSError struct {
	Error string `json:"error"`
}

// wsConn serialises writes; coder/websocket allows one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	// session is the X-Session-Id sent on the upgrade request
	session string
}

func (c *wsConn) send(ctx context.Context, typ string, payload interface{}) error {
	msg := WSMessage{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Content = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) sendError(ctx context.Context, errMsg string) {
	if err := c.send(ctx, MsgTypeError, WSError{Error: errMsg}); err != nil {
		log.Printf("[WS] Error send: %v", err)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !g.validateToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if atomic.AddInt32(&g.wsConnCount, 1) > g.maxWSConns {
		atomic.AddInt32(&g.wsConnCount, -1)
		http.Error(w, "too many WebSocket connections", http.StatusServiceUnavailable)
		return
	}

	ip := getClientIP(r)
	g.mu.Lock()
	g.wsIPConns[ip]++
	if g.wsIPConns[ip] > g.maxWSPerIP {
		g.mu.Unlock()
		g.releaseWS(ip)
		http.Error(w, "too many connections from this IP", http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Printf("[WS] Accept error: %v", err)
		g.releaseWS(ip)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	defer g.releaseWS(ip)
	g.handleWSConnection(ctx, &wsConn{conn: conn, session: r.Header.Get(sessionHeader)})
}

// releaseWS undoes the connection accounting for ip.
func (g *Gateway) releaseWS(ip string) {
	atomic.AddInt32(&g.wsConnCount, -1)
	g.mu.Lock()
	g.wsIPConns[ip]--
	if g.wsIPConns[ip] <= 0 {
		delete(g.wsIPConns, ip)
	}
	g.mu.Unlock()
}

func (g *Gateway) handleWSConnection(ctx context.Context, c *wsConn) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Ping to detect dead connections
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.send(ctx, MsgTypePing, nil); err != nil {
					log.Printf("[WS] Ping failed, closing connection: %v", err)
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, msgBytes, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			c.sendError(ctx, "invalid message format")
			continue
		}

		switch msg.Type {
		case MsgTypeChat:
			// Keep reading so pings are answered while the agent works
			go g.handleWSChat(ctx, c, msg.Content)
		case MsgTypePing:
			if err := c.send(ctx, MsgTypePong, nil); err != nil {
				log.Printf("[WS] Pong write failed, closing connection: %v", err)
				return
			}
		case MsgTypePong:
		default:
			log.Printf("[WS] Unknown message type: %s", msg.Type)
		}
	}
}

func (g *Gateway) handleWSChat(ctx context.Context, c *wsConn, content json.RawMessage) {
	// Content may be an object or a stringified object
	var req ChatRequest
	if err := json.Unmarshal(content, &req); err != nil {
		var contentStr string
		if err := json.Unmarshal(content, &contentStr); err != nil {
			c.sendError(ctx, "invalid request: "+err.Error())
			return
		}
		if err := json.Unmarshal([]byte(contentStr), &req); err != nil {
			c.sendError(ctx, "invalid request content: "+err.Error())
			return
		}
	}
	if strings.TrimSpace(req.Model) == "" {
		c.sendError(ctx, "model required")
		return
	}

	log.Printf("[WS] chat model=%s messages=%d tools=%d", req.Model, len(req.Messages), len(req.Tools))

	report, err := g.orch.Stream(ctx, req.toProxy(c.session), func(chunk openai.ChatCompletionStreamResponse) error {
		return c.send(ctx, MsgTypeChunk, chunk)
	})
	if err != nil {
		if ctx.Err() == nil {
			c.sendError(ctx, err.Error())
		}
		return
	}

	done := WSDone{
		Usage:       report.Usage,
		ToolCalls:   report.Surfaced,
		FailedTools: report.FailedTools(),
	}
	done.SessionID = report.SessionID
	if err := c.send(ctx, MsgTypeDone, done); err != nil {
		log.Printf("[WS] Final write error: %v", err)
	}
}

// getClientIP extracts client IP from HTTP request (handles proxies)
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
