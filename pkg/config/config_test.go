package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.Gateway.Port != DefaultGatewayPort {
		t.Errorf("Expected port %d, got %d", DefaultGatewayPort, cfg.Gateway.Port)
	}
	if cfg.Session.MaxSessions != 100 {
		t.Errorf("Expected 100 sessions, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.TTL != 3*time.Hour {
		t.Errorf("Expected 3h TTL, got %s", cfg.Session.TTL)
	}
	if cfg.Gateway.DebugSessions {
		t.Error("debug sessions must be off by default")
	}
	if cfg.Letta.BaseURL != "http://localhost:8283" {
		t.Errorf("Expected default Letta URL, got %s", cfg.Letta.BaseURL)
	}
	if cfg.Tools.Tag != EphemeralToolTag {
		t.Errorf("Expected tag %s, got %s", EphemeralToolTag, cfg.Tools.Tag)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OVERLAY_PORT", "9100")
	t.Setenv("LETTA_BASE_URL", "http://letta:8283")
	t.Setenv("PROXY_DEBUG_SESSIONS", "1")
	t.Setenv("OVERLAY_SESSION_TTL", "90m")

	cfg := DefaultServerConfig()
	cfg.LoadFromEnv("OVERLAY_", map[string]string{
		"OVERLAY_PORT":         "9200",
		"LETTA_API_KEY":        "from-file",
		"OVERLAY_MAX_SESSIONS": "7",
	})

	if cfg.Gateway.Port != 9100 {
		t.Errorf("process env should win, got %d", cfg.Gateway.Port)
	}
	if cfg.Letta.BaseURL != "http://letta:8283" {
		t.Errorf("Expected env base URL, got %s", cfg.Letta.BaseURL)
	}
	if cfg.Letta.APIKey != "from-file" {
		t.Errorf("Expected env.config API key, got %s", cfg.Letta.APIKey)
	}
	if !cfg.Gateway.DebugSessions {
		t.Error("PROXY_DEBUG_SESSIONS=1 should enable debug sessions")
	}
	if cfg.Session.MaxSessions != 7 {
		t.Errorf("Expected 7 sessions, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.TTL != 90*time.Minute {
		t.Errorf("Expected 90m, got %s", cfg.Session.TTL)
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.Gateway.Port != DefaultGatewayPort {
		t.Errorf("Expected default port, got %d", cfg.Gateway.Port)
	}
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	data := "gateway:\n  port: 7000\n  debug_sessions: true\nsession:\n  max_sessions: 5\n  ttl: 10m\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir, "OVERLAY_TEST_")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Gateway.Port != 7000 {
		t.Errorf("Expected 7000, got %d", cfg.Gateway.Port)
	}
	if !cfg.Gateway.DebugSessions {
		t.Error("Expected debug sessions from file")
	}
	if cfg.Session.MaxSessions != 5 || cfg.Session.TTL != 10*time.Minute {
		t.Errorf("Unexpected session config %+v", cfg.Session)
	}
	if cfg.Gateway.ReadTimeout != 120*time.Second {
		t.Errorf("unset fields should keep defaults, got %s", cfg.Gateway.ReadTimeout)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("gateway: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestMergeEnvConfig(t *testing.T) {
	t.Setenv("LETTA_PROJECT", "")
	dir := t.TempDir()
	path := EnvConfigPath(dir)
	if err := MergeEnvConfig(path, map[string]string{"LETTA_API_KEY": "sk-1", "OVERLAY_PORT": "9000"}); err != nil {
		t.Fatal(err)
	}
	if err := MergeEnvConfig(path, map[string]string{"OVERLAY_PORT": "", "LETTA_PROJECT": "demo"}); err != nil {
		t.Fatal(err)
	}
	got := ReadEnvConfig(path)
	if got["LETTA_API_KEY"] != "sk-1" || got["LETTA_PROJECT"] != "demo" {
		t.Errorf("unexpected env config %v", got)
	}
	if _, ok := got["OVERLAY_PORT"]; ok {
		t.Errorf("Expected empty value to remove the key, got %v", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %o", info.Mode().Perm())
	}

	cfg, err := Load(dir, "OVERLAY_")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Letta.Project != "demo" {
		t.Errorf("Expected project from env.config, got %q", cfg.Letta.Project)
	}
}

func TestMergeEnvConfigRejectsBadKey(t *testing.T) {
	path := EnvConfigPath(t.TempDir())
	if err := MergeEnvConfig(path, map[string]string{"A=B": "1"}); err == nil {
		t.Error("Expected an error for a key containing '='")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	if !cfg.Validate() {
		t.Error("defaults should validate")
	}
	cfg.Session.MaxSessions = 0
	if cfg.Validate() {
		t.Error("zero capacity should fail validation")
	}
}
