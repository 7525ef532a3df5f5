package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-acp/claude"
	"github.com/zhubert/plural-acp/logger"
	"github.com/zhubert/plural-acp/paths"
	"github.com/zhubert/plural-acp/rules"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the bridge's prerequisites are met",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	healthy := true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	check, err := claude.CheckBinary(cmd.Context(), cfg.ClaudeBinary)
	if err != nil {
		healthy = false
		fmt.Fprintf(out, "✗ %s\n", err)
	} else if check.Version != "" {
		fmt.Fprintf(out, "✓ %s (%s) at %s\n", check.Binary, check.Version, check.Path)
	} else {
		fmt.Fprintf(out, "✓ %s at %s\n", check.Binary, check.Path)
	}

	cfgPath, err := paths.ConfigFilePath()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ config: %s\n", cfgPath)

	rulesPath, err := cfg.RulesFilePath()
	if err != nil {
		return err
	}
	if _, err := rules.NewStore(rulesPath, logger.Get()); err != nil {
		healthy = false
		fmt.Fprintf(out, "✗ rules: %s: %v\n", rulesPath, err)
	} else {
		fmt.Fprintf(out, "✓ rules: %s\n", rulesPath)
	}

	sessionsDir, err := paths.SessionsDir()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ sessions: %s\n", sessionsDir)

	logPath, err := logger.DefaultLogPath()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ logs: %s\n", logPath)

	if !healthy {
		return fmt.Errorf("some checks failed")
	}
	return nil
}
