package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coxswain-dev/coxswain/internal/harness"
	"github.com/coxswain-dev/coxswain/internal/tracing"
)

const defaultModel = "sonnet"

var allowedModels = map[string]struct{}{
	"haiku":  {},
	"sonnet": {},
	"opus":   {},
}

// CommandRunner executes the agent CLI for one turn.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// DriverConfig configures model selection for the Claude turn driver.
type DriverConfig struct {
	Model string
}

// Driver implements harness.Executor by invoking the Claude Code CLI in
// non-interactive print mode, one process per turn.
type Driver struct {
	runner CommandRunner
	model  string
}

// New constructs a Claude turn driver with traced command execution.
func New(cfg DriverConfig) (*Driver, error) {
	return NewWithRunner(tracing.NewRunner(), cfg)
}

// NewWithRunner constructs a Claude turn driver with an injectable command runner.
func NewWithRunner(runner CommandRunner, cfg DriverConfig) (*Driver, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	model, err := resolveModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	return &Driver{runner: runner, model: model}, nil
}

// resultPayload is the JSON document claude prints with --output-format json.
type resultPayload struct {
	Type      string        `json:"type"`
	Subtype   string        `json:"subtype"`
	IsError   bool          `json:"is_error"`
	Result    string        `json:"result"`
	SessionID string        `json:"session_id"`
	Usage     harness.Usage `json:"usage"`
}

// ExecuteTurn runs one claude turn and blocks until the CLI exits.
func (d *Driver) ExecuteTurn(ctx context.Context, req harness.TurnRequest) (*harness.TurnResult, error) {
	if d == nil {
		return nil, errors.New("driver is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	workdir := strings.TrimSpace(req.Workdir)
	if workdir == "" {
		return nil, errors.New("workdir is required")
	}

	model := d.model
	if override := strings.TrimSpace(req.Model); override != "" {
		resolved, err := resolveModel(override)
		if err != nil {
			return nil, err
		}
		model = resolved
	}

	out, err := d.runner.Run(ctx, workdir, "claude", buildArgs(req, model)...)
	if err != nil {
		return nil, fmt.Errorf("claude turn: %w", err)
	}

	var payload resultPayload
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, fmt.Errorf("parse claude output: %w", err)
	}
	if payload.IsError {
		return nil, fmt.Errorf("claude turn reported error: %s", strings.TrimSpace(payload.Result))
	}

	result := &harness.TurnResult{
		ThreadID:  strings.TrimSpace(payload.SessionID),
		FinalText: payload.Result,
		Usage:     payload.Usage,
		Raw:       out,
	}
	if payload.Result != "" {
		result.Items = []harness.Item{{Type: "agent_message", Text: payload.Result}}
	}
	return result, nil
}

func buildArgs(req harness.TurnRequest, model string) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "json",
		"--model", model,
	}
	if req.Sandbox == harness.SandboxDangerFullAccess && req.Approval == harness.ApprovalNever {
		args = append(args, "--dangerously-skip-permissions")
	}
	if thread := strings.TrimSpace(req.ThreadID); thread != "" {
		args = append(args, "--resume", thread)
	}
	return args
}

func resolveModel(model string) (string, error) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return defaultModel, nil
	}
	if _, ok := allowedModels[model]; !ok {
		return "", fmt.Errorf("unsupported claude model %q", model)
	}
	return model, nil
}
