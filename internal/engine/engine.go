// Package engine drives one agent session to completion: a single
// planning turn followed by build turns against the same conversation,
// until the plan artifact reports completion or the iteration budget runs
// out. The engine runs as its own process and communicates with its
// supervisor exclusively through stdout lines and artifact files.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coxswain-dev/coxswain/internal/harness"
	"github.com/coxswain-dev/coxswain/internal/session"
	"github.com/coxswain-dev/coxswain/internal/telemetry"
)

// ThreadIDPrefix starts every conversation-handle announcement line on
// stdout. The supervisor scans for it to surface the handle live.
const ThreadIDPrefix = "thread-id: "

// Params configures one engine run. Harness is informational, attached
// to turn telemetry; the executor already binds the concrete agent CLI.
type Params struct {
	Goal          string
	MaxIterations int
	Workdir       string
	StateDir      string
	Harness       string
	Model         string
}

// Engine executes the plan/build loop. It has no internal concurrency:
// turns run strictly sequentially.
type Engine struct {
	executor harness.Executor
	out      io.Writer
	errOut   io.Writer
}

// New creates an engine writing progress lines to out and errOut.
func New(executor harness.Executor, out, errOut io.Writer) (*Engine, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if out == nil {
		return nil, errors.New("out writer is required")
	}
	if errOut == nil {
		return nil, errors.New("errOut writer is required")
	}
	return &Engine{executor: executor, out: out, errOut: errOut}, nil
}

// Run performs the planning turn and then build iterations until the plan
// artifact contains the completion marker or the iteration budget is
// exhausted. Turn failures are never retried; they propagate so the
// process exits non-zero.
func (e *Engine) Run(ctx context.Context, params Params) error {
	if strings.TrimSpace(params.Goal) == "" {
		return errors.New("goal is required")
	}
	if strings.TrimSpace(params.Workdir) == "" {
		return errors.New("workdir is required")
	}
	if strings.TrimSpace(params.StateDir) == "" {
		return errors.New("state dir is required")
	}
	if params.MaxIterations < 0 {
		return errors.New("max iterations must not be negative")
	}

	ctx, span := otel.Tracer("coxswain/engine").Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("workdir", params.Workdir),
			attribute.Int("max_iterations", params.MaxIterations),
		),
	)
	defer span.End()

	if err := e.run(ctx, params); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "run completed")
	return nil
}

func (e *Engine) run(ctx context.Context, params Params) error {
	if err := os.MkdirAll(params.StateDir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	planPath := session.PlanPath(params.StateDir)

	if err := e.planPhase(ctx, params, planPath); err != nil {
		return err
	}

	// The build prompt is rendered exactly once; the plan turn established
	// the task and the conversation handle carries state between passes.
	buildPrompt := RenderBuildPrompt(params.Goal, planPath)
	if err := writeArtifact(params.StateDir, session.BuildPromptFile, []byte(buildPrompt)); err != nil {
		return err
	}

	iterations := 0
	for {
		if params.MaxIterations > 0 && iterations >= params.MaxIterations {
			fmt.Fprintf(e.out, "reached max iterations (%d)\n", params.MaxIterations)
			return nil
		}

		result, err := e.executeTurn(ctx, params, "build", iterations+1, harness.TurnRequest{
			Prompt:   buildPrompt,
			Workdir:  params.Workdir,
			ThreadID: session.ReadThreadID(params.StateDir),
			Model:    params.Model,
			Sandbox:  harness.SandboxDangerFullAccess,
			Approval: harness.ApprovalNever,
		})
		if err != nil {
			return fmt.Errorf("build turn %d: %w", iterations+1, err)
		}
		if err := writeArtifact(params.StateDir, session.BuildOutputFile, result.Raw); err != nil {
			return err
		}
		if err := e.persistThread(params.StateDir, result.ThreadID); err != nil {
			return err
		}

		if session.PlanDone(params.StateDir) {
			fmt.Fprintln(e.out, "plan complete")
			return nil
		}

		iterations++
		fmt.Fprintf(e.out, "=== iteration %d ===\n", iterations)
	}
}

func (e *Engine) planPhase(ctx context.Context, params Params, planPath string) error {
	planPrompt := RenderPlanPrompt(params.Goal, planPath)
	if err := writeArtifact(params.StateDir, session.PlanPromptFile, []byte(planPrompt)); err != nil {
		return err
	}

	fmt.Fprintln(e.out, "plan: starting turn")
	result, err := e.executeTurn(ctx, params, "plan", 0, harness.TurnRequest{
		Prompt:   planPrompt,
		Workdir:  params.Workdir,
		Model:    params.Model,
		Sandbox:  harness.SandboxDangerFullAccess,
		Approval: harness.ApprovalNever,
	})
	if err != nil {
		return fmt.Errorf("plan turn: %w", err)
	}
	if err := writeArtifact(params.StateDir, session.PlanOutputFile, result.Raw); err != nil {
		return err
	}
	if err := e.persistThread(params.StateDir, result.ThreadID); err != nil {
		return err
	}
	fmt.Fprintln(e.out, "plan: turn complete")
	return nil
}

func (e *Engine) executeTurn(
	ctx context.Context,
	params Params,
	phase string,
	iteration int,
	req harness.TurnRequest,
) (*harness.TurnResult, error) {
	ctx, turn := telemetry.StartTurn(ctx, telemetry.TurnRequest{
		Phase:     phase,
		Iteration: iteration,
		Harness:   params.Harness,
		ModelName: req.Model,
		Prompt:    req.Prompt,
		Resumed:   req.ThreadID != "",
	})

	result, err := e.executor.ExecuteTurn(ctx, req)
	if err != nil {
		turn.End("", nil, err)
		return nil, err
	}
	responseTokens := result.Usage.OutputTokens
	turn.End(result.FinalText, &responseTokens, nil)
	return result, nil
}

// persistThread records a returned conversation handle and announces it
// on stdout. Turns that return no handle leave the persisted one intact.
func (e *Engine) persistThread(stateDir, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil
	}
	if err := session.WriteThreadID(stateDir, threadID); err != nil {
		return fmt.Errorf("persist thread id: %w", err)
	}
	fmt.Fprintf(e.out, "%s%s\n", ThreadIDPrefix, threadID)
	return nil
}

func writeArtifact(stateDir, name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(stateDir, name), data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
