// Storage module - SQLite rate limits and session audit events

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gliderlab/overlaygate/pkg/config"
)

type Storage struct {
	db  *sql.DB
	now func() time.Time

	// Prepared statements for the per-request paths
	stmtRecordEvent *sql.Stmt
	stmtListEvents  *sql.Stmt
}

// SessionEvent is one audited change made on behalf of a session:
// overlay writes and fallbacks, tool syncs, agent failures.
type SessionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type RateLimit struct {
	Endpoint    string    `json:"endpoint"`
	Key         string    `json:"key"`
	Requests    int       `json:"requests"`
	WindowStart time.Time `json:"window_start"`
	MaxRequests int       `json:"max_requests"`
}

func New(dbPath string) (*Storage, error) {
	cfg := config.DefaultStorageConfig()
	cfg.DBPath = dbPath
	return NewWithConfig(*cfg)
}

// NewWithConfig creates storage with injected configuration
func NewWithConfig(cfg config.StorageConfig) (*Storage, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path required")
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." && !strings.HasPrefix(cfg.DBPath, ":memory:") && !strings.HasPrefix(cfg.DBPath, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	s := &Storage{db: db, now: time.Now}

	if cfg.WalMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL: %w", err)
		}
	}

	syncMode := cfg.SyncMode
	switch syncMode {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		syncMode = "NORMAL"
	}
	if _, err := db.Exec("PRAGMA synchronous=" + syncMode + ";"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous: %w", err)
	}

	// Connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.initPreparedStmts(); err != nil {
		log.Printf("[WARN] Failed to prepare statements: %v (continuing without prepared statements)", err)
	}

	log.Printf("[OK] Storage: database %s", cfg.DBPath)
	return s, nil
}

func (s *Storage) initPreparedStmts() error {
	var err error
	if s.stmtRecordEvent, err = s.db.Prepare("INSERT INTO session_events (session_id, agent_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)"); err != nil {
		return fmt.Errorf("RecordEvent: %w", err)
	}
	if s.stmtListEvents, err = s.db.Prepare("SELECT id, session_id, agent_id, kind, detail, created_at FROM session_events WHERE (? = '' OR session_id = ?) ORDER BY id DESC LIMIT ?"); err != nil {
		return fmt.Errorf("ListEvents: %w", err)
	}
	return nil
}

func (s *Storage) initSchema() error {
	// Audit trail of remote changes per session
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT DEFAULT '',
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at)`); err != nil {
		return err
	}

	// Rate limiting table; window_start is unix milliseconds
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rate_limits (
			endpoint TEXT NOT NULL,
			key TEXT NOT NULL,
			requests INTEGER DEFAULT 0,
			window_start INTEGER NOT NULL,
			max_requests INTEGER DEFAULT 0,
			PRIMARY KEY (endpoint, key)
		)
	`)
	return err
}

func (s *Storage) Close() error {
	if s.stmtRecordEvent != nil {
		s.stmtRecordEvent.Close()
	}
	if s.stmtListEvents != nil {
		s.stmtListEvents.Close()
	}
	return s.db.Close()
}

// Stats returns row counts for /health.
func (s *Storage) Stats() (map[string]int, error) {
	var events, limits int
	row := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM session_events),
			(SELECT COUNT(*) FROM rate_limits)
	`)
	if err := row.Scan(&events, &limits); err != nil {
		return nil, err
	}
	return map[string]int{"session_events": events, "rate_limits": limits}, nil
}

// ============ Session Events ============

// RecordEvent appends an audit event.
func (s *Storage) RecordEvent(sessionID, agentID, kind, detail string) error {
	ts := s.now().UnixMilli()
	if s.stmtRecordEvent != nil {
		_, err := s.stmtRecordEvent.Exec(sessionID, agentID, kind, detail, ts)
		return err
	}
	_, err := s.db.Exec("INSERT INTO session_events (session_id, agent_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		sessionID, agentID, kind, detail, ts)
	return err
}

// ListEvents returns the newest events first. An empty sessionID lists every session.
func (s *Storage) ListEvents(sessionID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if s.stmtListEvents != nil {
		rows, err = s.stmtListEvents.Query(sessionID, sessionID, limit)
	} else {
		rows, err = s.db.Query("SELECT id, session_id, agent_id, kind, detail, created_at FROM session_events WHERE (? = '' OR session_id = ?) ORDER BY id DESC LIMIT ?",
			sessionID, sessionID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var (
			e  SessionEvent
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AgentID, &e.Kind, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneEvents deletes events older than retention and returns how many went.
func (s *Storage) PruneEvents(retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixMilli()
	res, err := s.db.Exec("DELETE FROM session_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartPruner prunes old events every interval until ctx is done.
func (s *Storage) StartPruner(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.PruneEvents(retention); err != nil {
					log.Printf("[WARN] prune session events: %v", err)
				} else if n > 0 {
					log.Printf("[Storage] pruned %d session events", n)
				}
			}
		}
	}()
}

// ============ Rate Limiting ============

// CheckRateLimit counts one request for endpoint/key and reports whether it is
// within maxRequests for the current window. The window restarts once it is
// older than window. maxRequests <= 0 means unlimited.
func (s *Storage) CheckRateLimit(endpoint, key string, maxRequests int, window time.Duration) (bool, error) {
	if maxRequests <= 0 {
		return true, nil
	}
	now := s.now().UnixMilli()
	windowStart := now - window.Milliseconds()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO rate_limits (endpoint, key, requests, window_start, max_requests)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(endpoint, key) DO UPDATE SET max_requests = excluded.max_requests
	`, endpoint, key, now, maxRequests); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`
		UPDATE rate_limits SET requests = 0, window_start = ?
		WHERE endpoint = ? AND key = ? AND window_start <= ?
	`, now, endpoint, key, windowStart); err != nil {
		return false, err
	}

	// Atomic check-and-increment: only increment while under the limit
	result, err := tx.Exec(`
		UPDATE rate_limits SET requests = requests + 1
		WHERE endpoint = ? AND key = ? AND requests < max_requests
	`, endpoint, key)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetRateLimit returns the counter for endpoint/key, or nil when none exists.
func (s *Storage) GetRateLimit(endpoint, key string) (*RateLimit, error) {
	var (
		r  RateLimit
		ts int64
	)
	err := s.db.QueryRow(`
		SELECT endpoint, key, requests, window_start, max_requests
		FROM rate_limits
		WHERE endpoint = ? AND key = ?
	`, endpoint, key).Scan(&r.Endpoint, &r.Key, &r.Requests, &ts, &r.MaxRequests)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.WindowStart = time.UnixMilli(ts)
	return &r, nil
}

// DeleteRateLimit resets the counter for endpoint/key.
func (s *Storage) DeleteRateLimit(endpoint, key string) error {
	_, err := s.db.Exec(`DELETE FROM rate_limits WHERE endpoint = ? AND key = ?`, endpoint, key)
	return err
}
