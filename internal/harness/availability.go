package harness

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Availability captures which agent CLI binaries are present on PATH.
type Availability struct {
	Claude bool
	Codex  bool
}

// AvailableHarnesses returns available harness binaries in deterministic order.
func (a Availability) AvailableHarnesses() []string {
	harnesses := make([]string, 0, 2)
	if a.Claude {
		harnesses = append(harnesses, "claude")
	}
	if a.Codex {
		harnesses = append(harnesses, "codex")
	}
	return harnesses
}

// ResolveConfiguredHarness validates agent CLI availability and resolves one
// active harness. At least one of claude/codex must exist on PATH. When the
// configured harness is unavailable, the function falls back to an available
// one and returns a warning message.
func ResolveConfiguredHarness(configured string) (string, Availability, []string, error) {
	return resolveConfiguredHarness(configured, exec.LookPath)
}

func resolveConfiguredHarness(
	configured string,
	lookPath func(file string) (string, error),
) (string, Availability, []string, error) {
	if lookPath == nil {
		return "", Availability{}, nil, errors.New("lookPath function is required")
	}

	availability := detectAvailability(lookPath)
	if len(availability.AvailableHarnesses()) == 0 {
		return "", availability, nil, errors.New("no agent CLI found on PATH (claude/codex)")
	}

	requested := strings.ToLower(strings.TrimSpace(configured))
	fallback := preferredFallback(availability)

	if requested == "" {
		return fallback, availability, nil, nil
	}
	if availability.supportsHarness(requested) {
		return requested, availability, nil, nil
	}

	warnings := []string{
		fmt.Sprintf("configured harness %q unavailable; falling back to %q", requested, fallback),
	}
	return fallback, availability, warnings, nil
}

func detectAvailability(lookPath func(file string) (string, error)) Availability {
	return Availability{
		Claude: toolAvailable(lookPath, "claude"),
		Codex:  toolAvailable(lookPath, "codex"),
	}
}

func toolAvailable(lookPath func(file string) (string, error), binary string) bool {
	_, err := lookPath(binary)
	return err == nil
}

func preferredFallback(availability Availability) string {
	// Keep claude preference aligned with project defaults while remaining deterministic.
	if availability.Claude {
		return "claude"
	}
	if availability.Codex {
		return "codex"
	}
	return ""
}

func (a Availability) supportsHarness(harnessName string) bool {
	switch strings.ToLower(strings.TrimSpace(harnessName)) {
	case "claude":
		return a.Claude
	case "codex":
		return a.Codex
	default:
		return false
	}
}
