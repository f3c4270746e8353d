package main

import (
	"testing"

	"github.com/coxswain-dev/coxswain/internal/config"
)

func TestResolveMaxIterations(t *testing.T) {
	tests := []struct {
		name          string
		flagSet       bool
		flagValue     int
		configDefault int
		want          int
	}{
		{name: "explicit zero stays unbounded", flagSet: true, flagValue: 0, configDefault: 3, want: 0},
		{name: "explicit cap wins", flagSet: true, flagValue: 5, configDefault: 3, want: 5},
		{name: "unset falls back to config", flagSet: false, flagValue: 0, configDefault: 3, want: 3},
		{name: "unset with zero default stays unbounded", flagSet: false, flagValue: 0, configDefault: 0, want: 0},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := resolveMaxIterations(tc.flagSet, tc.flagValue, tc.configDefault)
			if got != tc.want {
				t.Fatalf("resolveMaxIterations(%v, %d, %d) = %d, want %d",
					tc.flagSet, tc.flagValue, tc.configDefault, got, tc.want)
			}
		})
	}
}

func TestRunCommandMarksExplicitZeroIterations(t *testing.T) {
	cmd := newRunCommand(&config.Config{DefaultMaxIterations: 3}, testLogger())

	if err := cmd.ParseFlags([]string{"--goal", "x", "--max-iterations", "0"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if !cmd.Flags().Changed("max-iterations") {
		t.Fatal("explicit --max-iterations 0 should register as set")
	}

	fresh := newRunCommand(&config.Config{DefaultMaxIterations: 3}, testLogger())
	if err := fresh.ParseFlags([]string{"--goal", "x"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if fresh.Flags().Changed("max-iterations") {
		t.Fatal("omitted --max-iterations should not register as set")
	}
}
