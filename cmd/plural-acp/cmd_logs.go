package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-acp/logger"
)

func init() {
	logsCmd.AddCommand(logsClearCmd)
	logsCmd.AddCommand(logsPathCmd)
	rootCmd.AddCommand(logsCmd)
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Manage bridge log files",
}

var logsPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the log file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := logger.DefaultLogPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all bridge log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := logger.ClearLogs()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d log file(s).\n", n)
		return nil
	},
}
