package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/coxswain-dev/coxswain/internal/config"
	"github.com/coxswain-dev/coxswain/internal/doctor"
)

var (
	checkOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ECE6A")).Bold(true)
	checkFailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7768E")).Bold(true)
)

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment for problems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			checks := doctor.RunChecks(cfg)
			failed := 0
			for _, check := range checks {
				mark := checkOKStyle.Render("ok")
				if !check.OK {
					mark = checkFailStyle.Render("fail")
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-4s  %-16s %s\n", mark, check.Name, check.Detail)
			}
			logger.With("failed", failed).Info("doctor checks completed")
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}
