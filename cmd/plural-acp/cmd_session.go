package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-acp/bridge"
	"github.com/zhubert/plural-acp/paths"
)

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		records, err := store.List()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, rec := range records {
			title := rec.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %-20s  %s  %s\n", rec.ID, rec.Mode, rec.UpdatedAt.Format("2006-01-02 15:04"), title)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a persisted session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessionStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", args[0])
		return nil
	},
}

func openSessionStore() (*bridge.SessionStore, error) {
	dir, err := paths.SessionsDir()
	if err != nil {
		return nil, err
	}
	return bridge.NewSessionStore(dir)
}
