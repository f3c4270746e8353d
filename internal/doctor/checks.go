package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coxswain-dev/coxswain/internal/config"
	"github.com/coxswain-dev/coxswain/internal/harness"
)

// Check is one environment diagnostic result.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// RunChecks inspects the local environment: agent CLI availability, the
// state root, and the sessions file location. It never mutates anything
// except a probe file it removes again.
func RunChecks(cfg *config.Config) []Check {
	checks := make([]Check, 0, 4)
	checks = append(checks, checkHarnesses(cfg))
	checks = append(checks, checkStateRoot(cfg.StateRoot))
	checks = append(checks, checkSessionsFile(cfg.SessionsFile))
	checks = append(checks, checkWorkdir(cfg.DefaultWorkdir))
	return checks
}

func checkHarnesses(cfg *config.Config) Check {
	resolved, availability, warnings, err := harness.ResolveConfiguredHarness(cfg.DefaultHarness)
	if err != nil {
		return Check{Name: "agent CLI", Detail: err.Error()}
	}
	detail := fmt.Sprintf("using %s (available: %s)", resolved, strings.Join(availability.AvailableHarnesses(), ", "))
	if len(warnings) > 0 {
		detail += "; " + strings.Join(warnings, "; ")
	}
	return Check{Name: "agent CLI", OK: true, Detail: detail}
}

func checkStateRoot(stateRoot string) Check {
	if err := os.MkdirAll(stateRoot, 0o750); err != nil {
		return Check{Name: "state root", Detail: fmt.Sprintf("create %s: %v", stateRoot, err)}
	}
	probe := filepath.Join(stateRoot, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Check{Name: "state root", Detail: fmt.Sprintf("write probe in %s: %v", stateRoot, err)}
	}
	_ = os.Remove(probe)
	return Check{Name: "state root", OK: true, Detail: stateRoot + " is writable"}
}

func checkSessionsFile(path string) Check {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return Check{Name: "sessions file", Detail: path + " is a directory"}
	case err == nil:
		return Check{Name: "sessions file", OK: true, Detail: fmt.Sprintf("%s (%d bytes)", path, info.Size())}
	case os.IsNotExist(err):
		return Check{Name: "sessions file", OK: true, Detail: path + " will be created on first run"}
	default:
		return Check{Name: "sessions file", Detail: fmt.Sprintf("stat %s: %v", path, err)}
	}
}

func checkWorkdir(workdir string) Check {
	info, err := os.Stat(workdir)
	switch {
	case err != nil:
		return Check{Name: "default workdir", Detail: fmt.Sprintf("stat %s: %v", workdir, err)}
	case !info.IsDir():
		return Check{Name: "default workdir", Detail: workdir + " is not a directory"}
	default:
		return Check{Name: "default workdir", OK: true, Detail: workdir}
	}
}
