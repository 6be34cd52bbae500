// env.config (KEY=VALUE) helpers

package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadEnvConfig reads env.config (KEY=VALUE)
func ReadEnvConfig(path string) map[string]string {
	config := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return config
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		config[key] = value
	}
	return config
}

// EnvConfigPath returns the env.config path inside configDir.
func EnvConfigPath(configDir string) string {
	return filepath.Join(configDir, "env.config")
}

// WriteEnvConfig replaces env.config with sorted KEY=VALUE lines. The file
// may hold LETTA_API_KEY, so it is written owner-only through a rename.
func WriteEnvConfig(path string, values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, values[k])
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// MergeEnvConfig applies updates to env.config. An empty value removes the key.
func MergeEnvConfig(path string, updates map[string]string) error {
	values := ReadEnvConfig(path)
	for k, v := range updates {
		k = strings.TrimSpace(k)
		if k == "" || strings.ContainsAny(k, "=\n") {
			return fmt.Errorf("invalid key %q", k)
		}
		if v = strings.TrimSpace(v); v == "" {
			delete(values, k)
			continue
		}
		values[k] = v
	}
	return WriteEnvConfig(path, values)
}
