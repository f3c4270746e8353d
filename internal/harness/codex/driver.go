package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coxswain-dev/coxswain/internal/harness"
	"github.com/coxswain-dev/coxswain/internal/tracing"
)

const defaultModel = "gpt-5-codex"

var (
	allowedSandbox = map[harness.SandboxPolicy]struct{}{
		harness.SandboxReadOnly:         {},
		harness.SandboxWorkspaceWrite:   {},
		harness.SandboxDangerFullAccess: {},
	}
)

// CommandRunner executes the agent CLI for one turn.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// DriverConfig configures model selection for the Codex turn driver.
type DriverConfig struct {
	Model string
}

// Driver implements harness.Executor by invoking `codex exec` with JSONL
// event output, one process per turn.
type Driver struct {
	runner CommandRunner
	model  string
}

// New constructs a Codex turn driver with traced command execution.
func New(cfg DriverConfig) (*Driver, error) {
	return NewWithRunner(tracing.NewRunner(), cfg)
}

// NewWithRunner constructs a Codex turn driver with an injectable command runner.
func NewWithRunner(runner CommandRunner, cfg DriverConfig) (*Driver, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	return &Driver{runner: runner, model: model}, nil
}

type eventPayload struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Usage harness.Usage `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ExecuteTurn runs one codex turn and blocks until the CLI exits.
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

	args, err := buildArgs(req, d.model)
	if err != nil {
		return nil, err
	}

	out, err := d.runner.Run(ctx, workdir, "codex", args...)
	if err != nil {
		return nil, fmt.Errorf("codex turn: %w", err)
	}

	result, err := parseEvents(out)
	if err != nil {
		return nil, err
	}
	if result.ThreadID == "" {
		result.ThreadID = strings.TrimSpace(req.ThreadID)
	}
	return result, nil
}

func buildArgs(req harness.TurnRequest, model string) ([]string, error) {
	args := []string{"exec"}
	if thread := strings.TrimSpace(req.ThreadID); thread != "" {
		args = append(args, "resume", thread)
	}
	args = append(args, "--json", "--skip-git-repo-check", "--model", model)

	sandbox := req.Sandbox
	if sandbox == "" {
		sandbox = harness.SandboxWorkspaceWrite
	}
	if _, ok := allowedSandbox[sandbox]; !ok {
		return nil, fmt.Errorf("unsupported sandbox mode %q", sandbox)
	}
	if sandbox == harness.SandboxDangerFullAccess && req.Approval == harness.ApprovalNever {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	} else {
		args = append(args, "--sandbox", string(sandbox))
	}

	return append(args, req.Prompt), nil
}

// parseEvents folds the JSONL event stream into one TurnResult. Unknown
// event types are skipped so CLI additions do not break the driver.
func parseEvents(out []byte) (*harness.TurnResult, error) {
	result := &harness.TurnResult{Raw: out}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	sawEvent := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event eventPayload
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		sawEvent = true

		switch event.Type {
		case "thread.started":
			result.ThreadID = strings.TrimSpace(event.ThreadID)
		case "item.completed":
			if event.Item.Type == "" {
				continue
			}
			result.Items = append(result.Items, harness.Item{Type: event.Item.Type, Text: event.Item.Text})
			if event.Item.Type == "agent_message" {
				result.FinalText = event.Item.Text
			}
		case "turn.completed":
			result.Usage = event.Usage
		case "turn.failed", "error":
			message := strings.TrimSpace(event.Error.Message)
			if message == "" {
				message = "unspecified failure"
			}
			return nil, fmt.Errorf("codex turn failed: %s", message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan codex output: %w", err)
	}
	if !sawEvent {
		return nil, errors.New("codex output contained no events")
	}
	return result, nil
}
