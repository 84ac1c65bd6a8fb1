package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hotaggr/internal/merge"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <merge-record-id>",
	Short: "Undo a completed event merge",
	Long: `Restore both events of a completed merge from its before-state snapshot.

A merge can only be rolled back while it is the most recent merge touching
both of its events; later merges must be rolled back first.

Example:
  hotaggr rollback 17`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recordID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid merge record ID %q", args[0])
		}

		executor := merge.NewExecutor(store, nil)
		if err := executor.Rollback(context.Background(), recordID); err != nil {
			var stale *merge.StaleStateError
			if errors.As(err, &stale) {
				yellow := color.New(color.FgYellow).SprintFunc()
				fmt.Printf("%s %v\n", yellow("Refused:"), stale)
				fmt.Printf("Roll back merge %d first.\n", stale.LaterRecordID)
				return fmt.Errorf("rollback refused")
			}
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s merge %d rolled back\n", green("✓"), recordID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}
