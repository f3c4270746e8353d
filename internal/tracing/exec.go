package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// Runner executes agent CLI commands and emits deterministic tracing
// metadata for each invocation. The zero value is usable.
type Runner struct{}

// NewRunner returns a traced command runner.
func NewRunner() Runner {
	return Runner{}
}

// Run executes name with args in dir, records an agent.exec span, and
// returns combined stdout. Stderr is folded into the error on failure.
func (Runner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	name = strings.TrimSpace(name)
	dir = strings.TrimSpace(dir)
	if name == "" {
		return nil, errors.New("command name must not be empty")
	}
	if dir == "" {
		return nil, errors.New("dir must not be empty")
	}

	_, span := otel.Tracer("coxswain/tracing/exec").Start(
		ctx,
		"agent.exec",
		trace.WithAttributes(
			attribute.String("command", name),
			attribute.String("args_redacted", strings.Join(redactArgs(args), " ")),
			attribute.String("dir", dir),
		),
	)

	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	stderrText := strings.TrimSpace(stderr.String())

	span.SetAttributes(attribute.Int("exit_code", resolveExitCode(cmd, err, ctx)))
	if stderrText != "" {
		span.AddEvent(
			"agent.stderr",
			trace.WithAttributes(attribute.String("output", truncateOutput(stderrText, maxOutputEventBytes))),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if stderrText == "" {
			return nil, fmt.Errorf("run %s: %w", name, err)
		}
		return nil, fmt.Errorf("run %s: %w (%s)", name, err, stderrText)
	}

	span.SetStatus(codes.Ok, "agent command completed")
	return stdout.Bytes(), nil
}

func resolveExitCode(cmd *exec.Cmd, runErr error, ctx context.Context) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

// redactArgs hides values that look like secrets or whole prompt bodies.
// Prompts can carry user source excerpts; only flag names survive intact.
func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	for i, arg := range args {
		if i > 0 && isPayloadFlag(args[i-1]) {
			redacted = append(redacted, "[redacted]")
			continue
		}
		redacted = append(redacted, arg)
	}
	// codex exec carries the prompt as the trailing positional argument.
	if len(redacted) > 1 && redacted[0] == "exec" && !strings.HasPrefix(redacted[len(redacted)-1], "-") {
		redacted[len(redacted)-1] = "[redacted]"
	}
	return redacted
}

func isPayloadFlag(flag string) bool {
	switch strings.TrimSpace(flag) {
	case "-p", "--prompt", "--append-system-prompt", "--api-key", "--token":
		return true
	default:
		return false
	}
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}
