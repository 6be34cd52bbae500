// Gateway module - HTTP server
// OpenAI-compatible surface in front of the turn orchestrator

package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/overlaygate/letta"
	"github.com/gliderlab/overlaygate/pkg/config"
	"github.com/gliderlab/overlaygate/pkg/telemetry"
	"github.com/gliderlab/overlaygate/proxy"
	"github.com/gliderlab/overlaygate/session"
	"github.com/gliderlab/overlaygate/storage"
)

// writeJSON writes a JSON response with proper Content-Type header
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[WARN] Failed to encode JSON response: %v", err)
	}
}

// apiError is the OpenAI error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// writeError writes an OpenAI-style error so SDK clients surface the message.
func writeError(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiError{Error: apiErrorBody{Message: msg, Type: typ}}); err != nil {
		log.Printf("[WARN] Failed to encode error response: %v", err)
	}
}

// Orchestrator runs chat turns.
type Orchestrator interface {
	Complete(ctx context.Context, req proxy.Request) (*openai.ChatCompletionResponse, *proxy.Report, error)
	Stream(ctx context.Context, req proxy.Request, emit func(openai.ChatCompletionStreamResponse) error) (*proxy.Report, error)
}

// AgentDirectory lists the agents exposed as models.
type AgentDirectory interface {
	Agents(ctx context.Context) ([]letta.Agent, error)
	Reachable() bool
	Len() int
}

// RateLimiter is the storage side of the rate limit middleware.
type RateLimiter interface {
	CheckRateLimit(endpoint, key string, maxRequests int, window time.Duration) (bool, error)
}

// EventLog reads the session audit trail.
type EventLog interface {
	ListEvents(sessionID string, limit int) ([]storage.SessionEvent, error)
}

// StatsFunc reports a component's stats for /health.
type StatsFunc func() (interface{}, error)

// Gateway serves the OpenAI-compatible API.
type Gateway struct {
	cfg      config.GatewayConfig
	orch     Orchestrator
	agents   AgentDirectory
	server   *http.Server
	store    RateLimiter
	events   EventLog
	sessions *session.Store
	metrics  *telemetry.Metrics
	lettaURL string
	stats    map[string]StatsFunc
	mu       sync.RWMutex

	// WebSocket connection limiting
	wsConnCount int32
	maxWSConns  int32
	maxWSPerIP  int32
	wsIPConns   map[string]int32 // Per-IP connection count
}

// New creates a new Gateway with the given configuration
func New(cfg config.GatewayConfig, orch Orchestrator, agents AgentDirectory) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		orch:   orch,
		agents: agents,
		stats:  make(map[string]StatsFunc),
	}

	// Apply defaults
	if g.cfg.Port == 0 {
		g.cfg.Port = config.DefaultGatewayPort
	}
	if g.cfg.Host == "" {
		g.cfg.Host = "127.0.0.1"
	}
	if g.cfg.MaxBodyChat == 0 {
		g.cfg.MaxBodyChat = config.DefaultMaxBodyChat
	}
	if g.cfg.ReadTimeout == 0 {
		g.cfg.ReadTimeout = 120 * time.Second
	}
	if g.cfg.IdleTimeout == 0 {
		g.cfg.IdleTimeout = 300 * time.Second
	}
	if g.cfg.RateLimitWindow == 0 {
		g.cfg.RateLimitWindow = config.DefaultRateLimitWindow
	}
	if g.cfg.MaxWSConnections == 0 {
		g.cfg.MaxWSConnections = config.DefaultMaxWSConnections
	}
	if g.cfg.MaxWSPerIP == 0 {
		g.cfg.MaxWSPerIP = config.DefaultMaxWSPerIP
	}

	g.maxWSConns = int32(g.cfg.MaxWSConnections)
	g.maxWSPerIP = int32(g.cfg.MaxWSPerIP)
	g.wsIPConns = make(map[string]int32)

	return g
}

// Config returns the gateway configuration
func (g *Gateway) Config() config.GatewayConfig {
	return g.cfg
}

// SetStore sets the storage for rate limiting
func (g *Gateway) SetStore(s RateLimiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store = s
}

// SetEvents exposes the audit trail on /debug/sessions?events=N.
func (g *Gateway) SetEvents(e EventLog) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = e
}

// SetSessions exposes the session store on /debug/sessions.
func (g *Gateway) SetSessions(s *session.Store) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = s
}

// SetMetrics enables GET /metrics.
func (g *Gateway) SetMetrics(m *telemetry.Metrics) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = m
}

// SetLettaURL sets the platform URL reported by /health.
func (g *Gateway) SetLettaURL(u string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lettaURL = u
}

// AddStats adds a named stats section to /health.
func (g *Gateway) AddStats(name string, fn StatsFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats[name] = fn
}

// validateToken checks if the request has valid authentication.
// An empty configured token leaves the API open.
func (g *Gateway) validateToken(r *http.Request) bool {
	token := strings.TrimSpace(g.cfg.AuthToken)
	if token == "" {
		return true
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) >= 7 && strings.EqualFold(header[:7], "Bearer ") {
		candidate := strings.TrimSpace(header[7:])
		if len(candidate) == len(token) && subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}

	queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
	if len(queryToken) == len(token) && subtle.ConstantTimeCompare([]byte(queryToken), []byte(token)) == 1 {
		return true
	}

	return false
}

func (g *Gateway) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.validateToken(r) {
			writeError(w, http.StatusUnauthorized, "authentication_error", "unauthorized: invalid token")
			return
		}
		next(w, r)
	}
}

func (g *Gateway) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.mu.RLock()
		store := g.store
		g.mu.RUnlock()
		if store == nil || g.cfg.RateLimitMax <= 0 {
			next(w, r)
			return
		}

		key := r.Header.Get("Authorization")
		if key == "" {
			key = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
		}

		allowed, err := store.CheckRateLimit(r.URL.Path, key, g.cfg.RateLimitMax, g.cfg.RateLimitWindow)
		if err != nil {
			log.Printf("[WARN] rate limit check failed: %v", err)
			writeError(w, http.StatusServiceUnavailable, "server_error", "rate limit unavailable")
			return
		}

		if !allowed {
			w.Header().Set("X-RateLimit-RetryAfter", strconv.Itoa(int(g.cfg.RateLimitWindow.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
			return
		}

		next(w, r)
	}
}

// addCORS wraps an HTTP handler with CORS headers
func (g *Gateway) addCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-Id")
		w.Header().Set("Access-Control-Expose-Headers", toolSyncFailedHeader+", "+sessionHeader)

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the routed, CORS-wrapped handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("/health", g.handleHealth)
	if g.metrics != nil {
		mux.Handle("/metrics", g.metrics.Handler())
	}

	mux.HandleFunc("/v1/chat/completions", g.rateLimit(g.requireAuth(g.handleChat)))
	mux.HandleFunc("/v1/models", g.requireAuth(g.handleModels))
	mux.HandleFunc("/ws/chat", g.HandleWebSocket)

	if g.cfg.DebugSessions {
		mux.HandleFunc("/debug/sessions", g.requireAuth(g.handleDebugSessions))
		log.Printf("[WARN] /debug/sessions enabled")
	}

	return g.addCORS(mux)
}

func (g *Gateway) Start() error {
	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))
	g.mu.Lock()
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
		IdleTimeout:  g.cfg.IdleTimeout,
	}
	srv := g.server
	g.mu.Unlock()

	log.Printf("[Gateway] listening on http://%s", addr)
	return srv.ListenAndServe()
}

func (g *Gateway) Stop() {
	g.mu.RLock()
	srv := g.server
	g.mu.RUnlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Gateway graceful shutdown failed: %v", err)
			srv.Close()
		}
	}
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	agents, err := g.agents.Agents(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("list agents: %v", err))
		return
	}
	models := make([]openai.Model, 0, len(agents))
	for _, a := range agents {
		id := a.Name
		if id == "" {
			id = a.ID
		}
		models = append(models, openai.Model{
			ID:      id,
			Object:  "model",
			OwnedBy: "letta",
			Root:    a.ID,
		})
	}
	writeJSON(w, struct {
		Object string         `json:"object"`
		Data   []openai.Model `json:"data"`
	}{Object: "list", Data: models})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	lettaURL := g.lettaURL
	stats := make(map[string]StatsFunc, len(g.stats))
	for k, v := range g.stats {
		stats[k] = v
	}
	sessions := g.sessions
	g.mu.RUnlock()

	resp := map[string]interface{}{
		"status":          "ok",
		"letta_base_url":  lettaURL,
		"letta_connected": g.agents.Reachable(),
		"agents_loaded":   g.agents.Len(),
	}
	if sessions != nil {
		resp["sessions"] = sessions.Len()
	}
	for name, fn := range stats {
		v, err := fn()
		if err != nil {
			resp[name] = map[string]string{"error": err.Error()}
			continue
		}
		resp[name] = v
	}
	writeJSON(w, resp)
}

// handleDebugSessions dumps live sessions. ?events=N adds the latest N audit
// events, narrowed to one session with ?session=ID.
func (g *Gateway) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	sessions := g.sessions
	events := g.events
	g.mu.RUnlock()

	views := []session.View{}
	if sessions != nil {
		views = sessions.Snapshot()
	}
	resp := map[string]interface{}{"sessions": views, "count": len(views)}

	if raw := r.URL.Query().Get("events"); raw != "" && events != nil {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "events must be a positive integer")
			return
		}
		list, err := events.ListEvents(r.URL.Query().Get("session"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", "list events: "+err.Error())
			return
		}
		if list == nil {
			list = []storage.SessionEvent{}
		}
		resp["events"] = list
	}
	writeJSON(w, resp)
}
