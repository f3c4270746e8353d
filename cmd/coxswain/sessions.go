package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/coxswain-dev/coxswain/internal/config"
	"github.com/coxswain-dev/coxswain/internal/session"
)

var sessionStatusStyles = map[session.Status]lipgloss.Style{
	session.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#7AA2F7")),
	session.StatusSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("#9ECE6A")),
	session.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#F7768E")),
	session.StatusStopped:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E0AF68")),
}

func newSessionsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := session.NewRegistry(cfg.SessionsFile)
			if err != nil {
				return fmt.Errorf("open session registry: %w", err)
			}
			records := registry.ListAll()
			for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
				records[i], records[j] = records[j], records[i]
			}
			logger.With("count", len(records)).Debug("sessions listed")

			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(records)
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions recorded")
				return nil
			}
			for _, record := range records {
				printSessionRow(cmd, record)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable output")
	return cmd
}

func printSessionRow(cmd *cobra.Command, record session.Record) {
	status := string(record.Status)
	if style, ok := sessionStatusStyles[record.Status]; ok {
		status = style.Render(status)
	}
	duration := ""
	if record.EndedAt != nil {
		duration = "  " + record.EndedAt.Sub(record.StartedAt).Round(time.Second).String()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %s%s\n",
		record.StartedAt.Local().Format("2006-01-02 15:04"),
		status,
		record.Goal,
		duration,
	)
}
