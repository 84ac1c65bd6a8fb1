package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hotaggr/internal/aggregate"
	"hotaggr/internal/cache"
	"hotaggr/internal/llm"
)

var (
	aggregateLimit int
	aggregateSince string
	aggregateType  string
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Cluster unprocessed news into events",
	Long: `Fetch unprocessed news, classify it in batches with the LLM, and persist
the resulting events and news/event relations.

Requires ANTHROPIC_API_KEY in the environment.

Example:
  hotaggr aggregate
  hotaggr aggregate --limit 50 --since 24h
  hotaggr aggregate --type finance`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		client, err := llm.NewClient(cfg.LLM.ClientConfig())
		if err != nil {
			return err
		}

		opts := aggregate.RunOptions{Type: aggregateType, Limit: aggregateLimit}
		if aggregateSince != "" {
			d, err := time.ParseDuration(aggregateSince)
			if err != nil {
				return fmt.Errorf("invalid --since %q: %w", aggregateSince, err)
			}
			opts.Since = time.Now().Add(-d)
		}

		svc := aggregate.NewService(store,
			cache.New(cfg.Aggregation.SummaryCacheTTLDuration()),
			client,
			aggregate.ServiceConfig{
				Orchestrator: aggregate.OrchestratorConfig{
					BatchSize:      cfg.Aggregation.BatchSize,
					MaxBatchBytes:  cfg.Aggregation.MaxBatchBytes,
					MaxConcurrency: cfg.LLM.MaxConcurrentCalls,
					Retry:          cfg.LLM.RetryConfig(),
				},
				MaxPasses:         cfg.Aggregation.MaxPasses,
				RecentEventLimit:  cfg.Aggregation.RecentEventLimit,
				RecentEventWindow: cfg.Aggregation.RecentEventWindowDuration(),
				NewsFetchLimit:    cfg.Aggregation.NewsFetchLimit,
				AcceptCoverage:    cfg.Aggregation.AcceptCoverage,
				RejectCoverage:    cfg.Aggregation.RejectCoverage,
			})

		report, err := svc.Run(ctx, opts)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Aggregation Run ==="))
		fmt.Printf("  Run ID:     %s\n", report.RunID)
		fmt.Printf("  Fetched:    %d news items\n", report.FetchedNews)
		if report.FetchedNews == 0 {
			fmt.Printf("  %s\n\n", yellow("Nothing to aggregate"))
			return nil
		}
		fmt.Printf("  Passes:     %d\n", report.Passes)
		fmt.Printf("  Events:     %s created, %s updated\n",
			green(fmt.Sprintf("%d", report.EventsCreated)),
			green(fmt.Sprintf("%d", report.EventsUpdated)))
		fmt.Printf("  Relations:  %d inserted, %d already present\n",
			report.RelationsInserted, report.RelationsSkipped)
		fmt.Printf("  News:       %s completed", green(fmt.Sprintf("%d", report.CompletedNews)))
		if report.FailedNews > 0 {
			fmt.Printf(", %s failed", red(fmt.Sprintf("%d", report.FailedNews)))
		}
		fmt.Printf("\n  Duration:   %s\n\n", report.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	aggregateCmd.Flags().IntVar(&aggregateLimit, "limit", 0, "max news items to fetch (0 = config default)")
	aggregateCmd.Flags().StringVar(&aggregateSince, "since", "", "only news newer than this duration (e.g. 24h)")
	aggregateCmd.Flags().StringVar(&aggregateType, "type", "", "only news of this type")
	rootCmd.AddCommand(aggregateCmd)
}
