package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".nanoclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("NANOCLAW_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the config file (if present), applies environment overrides, and
// returns the merged configuration. A missing file is not an error: defaults
// plus environment are used.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err == nil {
		if data, readErr := os.ReadFile(path); readErr == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	loadLimitFamilies(cfg, os.Environ())

	expanded, err := expandHome(cfg.Data.Dir)
	if err == nil {
		cfg.Data.Dir = expanded
	}
	return cfg, nil
}

// applyEnvOverrides processes envconfig tags on every config group.
// Group structs use unprefixed variable names (ASSISTANT_NAME,
// SCHEDULER_POLL_INTERVAL, ...).
func applyEnvOverrides(cfg *Config) error {
	groups := []any{
		&cfg.Data, &cfg.Assistant, &cfg.Router, &cfg.Scheduler, &cfg.IPC,
		&cfg.Agent, &cfg.Worker, &cfg.Governance, &cfg.Limits, &cfg.Ops,
		&cfg.Events,
	}
	for _, g := range groups {
		if err := envconfig.Process("", g); err != nil {
			return fmt.Errorf("config: env overrides: %w", err)
		}
	}
	return nil
}

// loadLimitFamilies scans the environment for the RL_* and QUOTA_* variable
// families and fills the per-operation maps:
//
//	RL_<OP>_PER_MIN[_<SCOPE>]  -> RatePerMin["<op>[:<scope>]"]
//	QUOTA_<OP>_SOFT[_<SCOPE>]  -> QuotaSoft["<op>[:<scope>]"]
//	QUOTA_<OP>_HARD[_<SCOPE>]  -> QuotaHard["<op>[:<scope>]"]
//
// Operation names are lower-cased; a trailing scope segment after the
// PER_MIN/SOFT/HARD marker becomes a ":"-separated suffix.
func loadLimitFamilies(cfg *Config, environ []string) {
	if cfg.Limits.RatePerMin == nil {
		cfg.Limits.RatePerMin = map[string]int{}
	}
	if cfg.Limits.QuotaSoft == nil {
		cfg.Limits.QuotaSoft = map[string]int{}
	}
	if cfg.Limits.QuotaHard == nil {
		cfg.Limits.QuotaHard = map[string]int{}
	}

	for _, kv := range environ {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		key, raw := kv[:i], kv[i+1:]
		val, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(key, "RL_"):
			if op, ok := splitFamilyKey(key[len("RL_"):], "_PER_MIN"); ok {
				cfg.Limits.RatePerMin[op] = val
			}
		case strings.HasPrefix(key, "QUOTA_"):
			if op, ok := splitFamilyKey(key[len("QUOTA_"):], "_SOFT"); ok {
				cfg.Limits.QuotaSoft[op] = val
			} else if op, ok := splitFamilyKey(key[len("QUOTA_"):], "_HARD"); ok {
				cfg.Limits.QuotaHard[op] = val
			}
		}
	}
}

// splitFamilyKey splits "<OP><marker>[_<SCOPE>]" into "<op>[:<scope>]".
func splitFamilyKey(rest, marker string) (string, bool) {
	idx := strings.Index(rest, marker)
	if idx <= 0 {
		return "", false
	}
	op := strings.ToLower(rest[:idx])
	tail := rest[idx+len(marker):]
	if tail == "" {
		return op, true
	}
	if !strings.HasPrefix(tail, "_") {
		return "", false
	}
	return op + ":" + strings.ToLower(tail[1:]), true
}

// Save writes the config to its file path, creating parent directories.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
}
