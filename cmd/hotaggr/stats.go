package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statsWindow string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline statistics",
	Long: `Summarize recent pipeline activity: news processed, events created and
merged, relations, and LLM call volume.

Example:
  hotaggr stats
  hotaggr stats --window 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var window time.Duration
		if statsWindow != "" {
			d, err := time.ParseDuration(statsWindow)
			if err != nil {
				return fmt.Errorf("invalid --window %q: %w", statsWindow, err)
			}
			window = d
		}

		stats, err := store.GetStatistics(context.Background(), window)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Pipeline Statistics ==="))
		if window > 0 {
			fmt.Printf("  Window:    last %s\n\n", window)
		}

		fmt.Printf("%s\n", yellow("News:"))
		fmt.Printf("  Total:     %d\n", stats.TotalNews)
		fmt.Printf("  Processed: %d\n", stats.ProcessedNews)
		if stats.FailedNews > 0 {
			fmt.Printf("  Failed:    %s\n", red(fmt.Sprintf("%d", stats.FailedNews)))
		}

		fmt.Printf("\n%s\n", yellow("Events:"))
		fmt.Printf("  Total:     %d\n", stats.TotalEvents)
		fmt.Printf("  Active:    %d\n", stats.ActiveEvents)
		fmt.Printf("  Merged:    %d\n", stats.MergedEvents)
		fmt.Printf("  Relations: %d\n", stats.TotalRelations)

		if len(stats.ByEventType) > 0 {
			fmt.Printf("\n%s\n", yellow("Active events by type:"))
			eventTypes := make([]string, 0, len(stats.ByEventType))
			for eventType := range stats.ByEventType {
				eventTypes = append(eventTypes, eventType)
			}
			sort.Strings(eventTypes)
			for _, eventType := range eventTypes {
				name := eventType
				if name == "" {
					name = "(untyped)"
				}
				fmt.Printf("  %-20s %d\n", name, stats.ByEventType[eventType])
			}
		}

		fmt.Printf("\n%s\n", yellow("LLM:"))
		fmt.Printf("  Calls:     %d\n\n", stats.LLMCalls)
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsWindow, "window", "", "restrict to this trailing window (e.g. 24h)")
	rootCmd.AddCommand(statsCmd)
}
