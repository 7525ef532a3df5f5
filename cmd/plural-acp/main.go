package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:     "plural-acp",
	Short:   "ACP bridge for the claude CLI",
	Long:    "plural-acp exposes the claude CLI to ACP clients: it spawns one subprocess per session and translates messages, tool calls, and permission prompts between the two protocols.",
	Version: version,
	RunE:    runServe,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: config.yaml under the config dir)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
