package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/coxswain-dev/coxswain/internal/broadcast"
	"github.com/coxswain-dev/coxswain/internal/config"
	"github.com/coxswain-dev/coxswain/internal/doctor"
	"github.com/coxswain-dev/coxswain/internal/harness"
	"github.com/coxswain-dev/coxswain/internal/server"
	"github.com/coxswain-dev/coxswain/internal/session"
	"github.com/coxswain-dev/coxswain/internal/supervisor"
)

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		listenAddr string
		workdir    string
		stateRoot  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard and run supervisor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr := cfg.ListenAddr
			if strings.TrimSpace(listenAddr) != "" {
				addr = listenAddr
			}
			if strings.TrimSpace(workdir) != "" {
				cfg.DefaultWorkdir = workdir
			}
			if strings.TrimSpace(stateRoot) != "" {
				cfg.StateRoot = stateRoot
			}
			return runServe(cmd, cfg, addr, logger)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&workdir, "workdir", "", "default working directory for runs (overrides config)")
	cmd.Flags().StringVar(&stateRoot, "state-root", "", "per-workdir state root (overrides config)")
	return cmd
}

// runProbe adapts the supervisor and broadcaster to the doctor's view.
type runProbe struct {
	sup *supervisor.Supervisor
	bus *broadcast.Broadcaster
}

func (p runProbe) RunState() doctor.RunState {
	status := p.sup.CurrentStatus()
	state := doctor.RunState{Running: status.Running}
	if status.Session != nil {
		state.SessionID = status.Session.ID
		state.StartedAt = status.Session.StartedAt
	}
	return state
}

func (p runProbe) LineCount() int {
	return len(p.bus.Lines())
}

func runServe(cmd *cobra.Command, cfg *config.Config, addr string, logger *log.Logger) error {
	resolvedHarness, _, warnings, err := harness.ResolveConfiguredHarness(cfg.DefaultHarness)
	if err != nil {
		return fmt.Errorf("resolve harness: %w", err)
	}
	for _, warning := range warnings {
		logger.Warn(warning)
	}

	registry, err := session.NewRegistry(cfg.SessionsFile)
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}
	bus := broadcast.New(broadcast.WithLogger(logger.StandardLog()))

	binPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own binary: %w", err)
	}

	sup, err := supervisor.New(supervisor.Config{
		BinPath:        binPath,
		DefaultWorkdir: cfg.DefaultWorkdir,
		StateRoot:      cfg.StateRoot,
		Harness:        resolvedHarness,
		Model:          cfg.DefaultModel,
	}, registry, bus, logger)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	srv, err := server.New(server.Config{ListenAddr: addr}, sup, registry, bus, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	monitor, err := doctor.NewManager(runProbe{sup: sup, bus: bus}, bus, registry, doctor.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StallTimeout:      cfg.StallTimeout,
	})
	if err != nil {
		return fmt.Errorf("create run monitor: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Repair records abandoned by a previous process before serving.
	monitor.RunOnce()
	go monitor.Start(ctx)

	server.PrintBanner(cmd.OutOrStdout(), addr, Version)
	logger.With("addr", addr, "harness", resolvedHarness).Info("serve starting")
	return srv.Start(ctx)
}
