package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the optional YAML file looked up in the config dir
const ConfigFileName = "overlay.yaml"

// LoadFile reads a YAML config on top of the defaults.
// A missing file is not an error; the defaults are returned.
func LoadFile(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load resolves the full configuration: defaults, overlay.yaml, env.config, process env.
func Load(configDir, prefix string) (*ServerConfig, error) {
	cfg, err := LoadFile(filepath.Join(configDir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	envConfig := ReadEnvConfig(EnvConfigPath(configDir))
	cfg.LoadFromEnv(prefix, envConfig)
	return cfg, nil
}
