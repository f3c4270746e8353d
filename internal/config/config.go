package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddr = "127.0.0.1:4477"
	defaultHarness    = "claude"
	// Turns are unbounded unless turn_timeout is set: a long turn is the
	// agent working, and cutting it off fails the whole run.
	defaultTurnTimeout       = time.Duration(0)
	defaultStallTimeout      = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultLogMaxSizeBytes   = 10 * 1024 * 1024
	defaultLogMaxFiles       = 5
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ListenAddr           string
	DefaultWorkdir       string
	StateRoot            string
	SessionsFile         string
	DefaultHarness       string
	DefaultModel         string
	DefaultMaxIterations int
	TurnTimeout          time.Duration
	StallTimeout         time.Duration
	HeartbeatInterval    time.Duration
	LogMaxSizeBytes      int64
	LogMaxFiles          int
}

type fileConfig struct {
	ListenAddr           *string `toml:"listen_addr"`
	DefaultWorkdir       *string `toml:"default_workdir"`
	StateRoot            *string `toml:"state_root"`
	SessionsFile         *string `toml:"sessions_file"`
	DefaultHarness       *string `toml:"default_harness"`
	DefaultModel         *string `toml:"default_model"`
	DefaultMaxIterations *int    `toml:"default_max_iterations"`
	TurnTimeout          *string `toml:"turn_timeout"`
	StallTimeout         *string `toml:"stall_timeout"`
	HeartbeatInterval    *string `toml:"heartbeat_interval"`
	LogMaxSizeMB         *int    `toml:"log_max_size_mb"`
	LogMaxFiles          *int    `toml:"log_max_files"`
}

// Load reads config from ~/.coxswain/config.toml and overlays a
// project-local .coxswain/config.toml. Missing files are not errors.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := defaults(homeDir, workingDir)

	paths := []string{
		filepath.Join(homeDir, ".coxswain", "config.toml"),
		filepath.Join(workingDir, ".coxswain", "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func defaults(homeDir, workingDir string) Config {
	root := filepath.Join(homeDir, ".coxswain")
	return Config{
		ListenAddr:        defaultListenAddr,
		DefaultWorkdir:    workingDir,
		StateRoot:         filepath.Join(root, "state"),
		SessionsFile:      filepath.Join(root, "sessions.json"),
		DefaultHarness:    defaultHarness,
		TurnTimeout:       defaultTurnTimeout,
		StallTimeout:      defaultStallTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		LogMaxSizeBytes:   defaultLogMaxSizeBytes,
		LogMaxFiles:       defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return applyLogOverrides(cfg, decoded, path)
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ListenAddr != nil {
		cfg.ListenAddr = strings.TrimSpace(*decoded.ListenAddr)
	}
	if decoded.DefaultWorkdir != nil {
		cfg.DefaultWorkdir = expandPath(*decoded.DefaultWorkdir)
	}
	if decoded.StateRoot != nil {
		cfg.StateRoot = expandPath(*decoded.StateRoot)
	}
	if decoded.SessionsFile != nil {
		cfg.SessionsFile = expandPath(*decoded.SessionsFile)
	}
	if decoded.DefaultHarness != nil {
		cfg.DefaultHarness = strings.ToLower(strings.TrimSpace(*decoded.DefaultHarness))
	}
	if decoded.DefaultModel != nil {
		cfg.DefaultModel = strings.TrimSpace(*decoded.DefaultModel)
	}
	if decoded.DefaultMaxIterations != nil {
		if *decoded.DefaultMaxIterations < 0 {
			return fmt.Errorf("parse default_max_iterations in %q: must be >= 0", path)
		}
		cfg.DefaultMaxIterations = *decoded.DefaultMaxIterations
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.TurnTimeout != nil {
		value, err := parseDuration(*decoded.TurnTimeout, "turn_timeout", path)
		if err != nil {
			return err
		}
		cfg.TurnTimeout = value
	}
	if decoded.StallTimeout != nil {
		value, err := parseDuration(*decoded.StallTimeout, "stall_timeout", path)
		if err != nil {
			return err
		}
		cfg.StallTimeout = value
	}
	if decoded.HeartbeatInterval != nil {
		value, err := parseDuration(*decoded.HeartbeatInterval, "heartbeat_interval", path)
		if err != nil {
			return err
		}
		cfg.HeartbeatInterval = value
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

// expandPath resolves a leading ~ against the user's home directory.
func expandPath(value string) string {
	value = strings.TrimSpace(value)
	if value == "~" || strings.HasPrefix(value, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(value[1:], "/"))
		}
	}
	return value
}
