package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func samePath(t *testing.T, got, want string) bool {
	t.Helper()
	resolvedGot, err := filepath.EvalSymlinks(got)
	if err != nil {
		t.Fatalf("resolve %q: %v", got, err)
	}
	resolvedWant, err := filepath.EvalSymlinks(want)
	if err != nil {
		t.Fatalf("resolve %q: %v", want, err)
	}
	return resolvedGot == resolvedWant
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, work)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("listen_addr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DefaultHarness != defaultHarness {
		t.Fatalf("default_harness = %q, want %q", cfg.DefaultHarness, defaultHarness)
	}
	if cfg.DefaultModel != "" {
		t.Fatalf("default_model = %q, want empty", cfg.DefaultModel)
	}
	if cfg.DefaultMaxIterations != 0 {
		t.Fatalf("default_max_iterations = %d, want 0", cfg.DefaultMaxIterations)
	}
	if want := filepath.Join(home, ".coxswain", "state"); cfg.StateRoot != want {
		t.Fatalf("state_root = %q, want %q", cfg.StateRoot, want)
	}
	if want := filepath.Join(home, ".coxswain", "sessions.json"); cfg.SessionsFile != want {
		t.Fatalf("sessions_file = %q, want %q", cfg.SessionsFile, want)
	}
	if !samePath(t, cfg.DefaultWorkdir, work) {
		t.Fatalf("default_workdir = %q, want %q", cfg.DefaultWorkdir, work)
	}
	if cfg.TurnTimeout != 0 {
		t.Fatalf("turn_timeout = %s, want disabled by default", cfg.TurnTimeout)
	}
	if cfg.StallTimeout != defaultStallTimeout {
		t.Fatalf("stall_timeout = %s, want %s", cfg.StallTimeout, defaultStallTimeout)
	}
	if cfg.HeartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("heartbeat_interval = %s, want %s", cfg.HeartbeatInterval, defaultHeartbeatInterval)
	}
	if cfg.LogMaxSizeBytes != defaultLogMaxSizeBytes {
		t.Fatalf("log_max_size_bytes = %d, want %d", cfg.LogMaxSizeBytes, defaultLogMaxSizeBytes)
	}
	if cfg.LogMaxFiles != defaultLogMaxFiles {
		t.Fatalf("log_max_files = %d, want %d", cfg.LogMaxFiles, defaultLogMaxFiles)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".coxswain", "config.toml"), `
listen_addr = "0.0.0.0:9000"
default_harness = "Codex"
default_model = "home-model"
default_max_iterations = 7
stall_timeout = "9m"
log_max_size_mb = 20
	`)

	writeFile(t, filepath.Join(work, ".coxswain", "config.toml"), `
default_model = "project-model"
turn_timeout = "45m"
	`)

	chdir(t, work)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("listen_addr = %q, want home override", cfg.ListenAddr)
	}
	if cfg.DefaultHarness != "codex" {
		t.Fatalf("default_harness = %q, want normalized %q", cfg.DefaultHarness, "codex")
	}
	if cfg.DefaultModel != "project-model" {
		t.Fatalf("default_model = %q, want project override to win", cfg.DefaultModel)
	}
	if cfg.DefaultMaxIterations != 7 {
		t.Fatalf("default_max_iterations = %d, want 7", cfg.DefaultMaxIterations)
	}
	if cfg.StallTimeout != 9*time.Minute {
		t.Fatalf("stall_timeout = %s, want 9m", cfg.StallTimeout)
	}
	if cfg.TurnTimeout != 45*time.Minute {
		t.Fatalf("turn_timeout = %s, want 45m", cfg.TurnTimeout)
	}
	if cfg.LogMaxSizeBytes != 20*1024*1024 {
		t.Fatalf("log_max_size_bytes = %d, want 20MB", cfg.LogMaxSizeBytes)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", `turn_timeout = "soon"`, "parse turn_timeout"},
		{"negative iterations", `default_max_iterations = -1`, "must be >= 0"},
		{"zero log size", `log_max_size_mb = 0`, "must be > 0"},
		{"zero log files", `log_max_files = 0`, "must be > 0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			work := t.TempDir()
			t.Setenv("HOME", home)
			writeFile(t, filepath.Join(home, ".coxswain", "config.toml"), tc.content)
			chdir(t, work)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := expandPath("~/projects"); got != filepath.Join(home, "projects") {
		t.Fatalf("expandPath(~/projects) = %q", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Fatalf("expandPath(/abs/path) = %q", got)
	}
	if got := expandPath("~"); got != home {
		t.Fatalf("expandPath(~) = %q", got)
	}
}
