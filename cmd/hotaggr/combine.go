package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hotaggr/internal/cache"
	"hotaggr/internal/llm"
	"hotaggr/internal/merge"
)

var (
	combineLimit     int
	combineThreshold float64
	combineMax       int
	combineEvents    []int64
	combineDryRun    bool
)

var combineCmd = &cobra.Command{
	Use:   "combine",
	Short: "Find and merge near-duplicate events",
	Long: `Compare recent active events pairwise with the LLM and merge the pairs it
judges to be the same real-world happening. Every merge records a full
before-state snapshot and can be undone with 'hotaggr rollback'.

With --events, skip the analysis and merge the listed events directly; the
first ID is the target the others fold into.

Example:
  hotaggr combine
  hotaggr combine --threshold 0.9 --max 3
  hotaggr combine --dry-run
  hotaggr combine --events 12,34,56`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		threshold := cfg.Merge.ConfidenceThreshold
		if cmd.Flags().Changed("threshold") {
			threshold = combineThreshold
		}
		limit := cfg.Merge.CandidateLimit
		if combineLimit > 0 {
			limit = combineLimit
		}

		executor := merge.NewExecutor(store, cache.New(cfg.Aggregation.SummaryCacheTTLDuration()))

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		if len(combineEvents) > 0 {
			if len(combineEvents) < 2 {
				return fmt.Errorf("--events needs at least two IDs (target first)")
			}
			svc := merge.NewService(store, nil, executor, merge.ServiceConfig{})
			recordIDs, err := svc.ExecuteManual(ctx, combineEvents[0], combineEvents[1:])
			for _, id := range recordIDs {
				fmt.Printf("%s merge record %d\n", green("✓"), id)
			}
			if err != nil {
				return err
			}
			fmt.Printf("\nMerged %d event(s) into event %d\n", len(recordIDs), combineEvents[0])
			return nil
		}

		client, err := llm.NewClient(cfg.LLM.ClientConfig())
		if err != nil {
			return err
		}
		analyzer := merge.NewAnalyzer(client, store, merge.AnalyzerConfig{
			ConfidenceThreshold: threshold,
			Retry:               cfg.LLM.RetryConfig(),
		})
		svc := merge.NewService(store, analyzer, executor, merge.ServiceConfig{
			CandidateLimit:  limit,
			CandidateWindow: cfg.Merge.CandidateWindowDuration(),
			MaxMerges:       combineMax,
		})

		report, proposals, err := svc.Run(ctx, combineDryRun)
		if err != nil {
			return err
		}

		fmt.Printf("\n%s\n\n", cyan("=== Merge Run ==="))
		fmt.Printf("  Run ID:     %s\n", report.RunID)
		fmt.Printf("  Candidates: %d events\n", report.Candidate)
		fmt.Printf("  Proposed:   %d merges\n", report.Proposed)

		if combineDryRun {
			fmt.Printf("  %s\n\n", yellow("Dry run, nothing applied"))
			for _, p := range proposals {
				fmt.Printf("  %d -> %d  confidence %.2f  %s\n",
					p.SourceEventID, p.TargetEventID, p.Confidence, p.Rationale)
			}
			fmt.Println()
			return nil
		}

		fmt.Printf("  Executed:   %s\n", green(fmt.Sprintf("%d", report.Executed)))
		if report.Rejected > 0 {
			fmt.Printf("  Rejected:   %d (failed validation)\n", report.Rejected)
		}
		if report.Skipped > 0 {
			fmt.Printf("  Skipped:    %d (admission control)\n", report.Skipped)
		}
		fmt.Printf("  Duration:   %s\n\n", report.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	combineCmd.Flags().IntVar(&combineLimit, "limit", 0, "max candidate events to compare (0 = config default)")
	combineCmd.Flags().Float64Var(&combineThreshold, "threshold", 0, "min merge confidence (default from config)")
	combineCmd.Flags().IntVar(&combineMax, "max", 0, "max merges to execute this run (0 = unlimited)")
	combineCmd.Flags().Int64SliceVar(&combineEvents, "events", nil, "merge these event IDs directly, target first")
	combineCmd.Flags().BoolVar(&combineDryRun, "dry-run", false, "analyze and report without merging")
	rootCmd.AddCommand(combineCmd)
}
