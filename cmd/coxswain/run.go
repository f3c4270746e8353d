package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/coxswain-dev/coxswain/internal/config"
	"github.com/coxswain-dev/coxswain/internal/engine"
	"github.com/coxswain-dev/coxswain/internal/harness"
	"github.com/coxswain-dev/coxswain/internal/harness/claude"
	"github.com/coxswain-dev/coxswain/internal/harness/codex"
	"github.com/coxswain-dev/coxswain/internal/session"
)

// newRunCommand is the engine entrypoint. The supervisor spawns it as a
// child process; stdout/stderr become the dashboard log stream. It is
// also usable directly for headless runs.
func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		goal          string
		workdir       string
		stateDir      string
		maxIterations int
		harnessName   string
		model         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one plan/build loop in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(workdir) == "" {
				workdir = cfg.DefaultWorkdir
			}
			if strings.TrimSpace(stateDir) == "" {
				stateDir = session.DeriveStateDir(cfg.StateRoot, workdir)
			}
			maxIterations = resolveMaxIterations(
				cmd.Flags().Changed("max-iterations"), maxIterations, cfg.DefaultMaxIterations)
			if strings.TrimSpace(harnessName) == "" {
				harnessName = cfg.DefaultHarness
			}
			if strings.TrimSpace(model) == "" {
				model = cfg.DefaultModel
			}

			executor, resolved, err := buildExecutor(harnessName, model, logger)
			if err != nil {
				return err
			}
			executor = harness.WithTimeout(executor, cfg.TurnTimeout)

			eng, err := engine.New(executor, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("create engine: %w", err)
			}

			logger.With("workdir", workdir, "harness", resolved).Info("run starting")
			return eng.Run(cmd.Context(), engine.Params{
				Goal:          goal,
				MaxIterations: maxIterations,
				Workdir:       workdir,
				StateDir:      stateDir,
				Harness:       resolved,
				Model:         model,
			})
		},
	}

	cmd.Flags().StringVar(&goal, "goal", "", "goal to plan and build (required)")
	cmd.Flags().StringVar(&workdir, "workdir", "", "project directory the agent works in")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "directory for run artifacts")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "build iteration budget (0 = unbounded)")
	cmd.Flags().StringVar(&harnessName, "harness", "", "agent CLI to drive (claude or codex)")
	cmd.Flags().StringVar(&model, "model", "", "model override passed to the agent CLI")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

// resolveMaxIterations applies the config default only when the flag was
// never set. An explicit --max-iterations 0 means unbounded and must not
// be replaced by the default.
func resolveMaxIterations(flagSet bool, flagValue, configDefault int) int {
	if flagSet {
		return flagValue
	}
	return configDefault
}

// buildExecutor resolves the configured harness against PATH availability
// and constructs the matching driver.
func buildExecutor(harnessName, model string, logger *log.Logger) (harness.Executor, string, error) {
	resolved, _, warnings, err := harness.ResolveConfiguredHarness(harnessName)
	if err != nil {
		return nil, "", fmt.Errorf("resolve harness: %w", err)
	}
	for _, warning := range warnings {
		logger.Warn(warning)
	}

	switch resolved {
	case "claude":
		driver, err := claude.New(claude.DriverConfig{Model: model})
		if err != nil {
			return nil, "", fmt.Errorf("create claude driver: %w", err)
		}
		return driver, resolved, nil
	case "codex":
		driver, err := codex.New(codex.DriverConfig{Model: model})
		if err != nil {
			return nil, "", fmt.Errorf("create codex driver: %w", err)
		}
		return driver, resolved, nil
	default:
		return nil, "", errors.New("no usable harness resolved")
	}
}
