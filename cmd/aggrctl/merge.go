package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mosliu/hot-list-aggregation/internal/merge"
)

var (
	mergeCount      int
	mergeConfidence float64
)

var mergeCmd = &cobra.Command{
	Use:     "merge",
	GroupID: "pipeline",
	Short:   "Detect and collapse duplicate events",
	Long: `Runs the Merge Engine: fetches the most recently created active events, asks
the LLM for merge suggestions in one batch call, and executes the
confidence-ranked, conflict-free subset transactionally.

  merge incremental          use the configured batch size and threshold
  merge daily                use a wider recent-events window
  merge custom               override --count/--confidence explicitly
  merge manual <ids>         merge specific event ids, bypassing the LLM`,
}

var mergeIncrementalCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Merge using the configured recent-events window",
	RunE:  runMergeIncremental,
}

var mergeDailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Merge over a wider recent-events window",
	RunE:  runMergeDaily,
}

var mergeCustomCmd = &cobra.Command{
	Use:   "custom",
	Short: "Merge with explicit --count/--confidence overrides",
	RunE:  runMergeCustom,
}

var mergeManualCmd = &cobra.Command{
	Use:   "manual <id1,id2,...>",
	Short: "Merge specific event ids, bypassing the LLM entirely",
	Args:  cobra.ExactArgs(1),
	RunE:  runMergeManual,
}

func init() {
	mergeCustomCmd.Flags().IntVar(&mergeCount, "count", 30, "number of recent active events to consider")
	mergeCustomCmd.Flags().Float64Var(&mergeConfidence, "confidence", 0.75, "minimum confidence to accept a merge suggestion")

	mergeCmd.AddCommand(mergeIncrementalCmd, mergeDailyCmd, mergeCustomCmd, mergeManualCmd)
}

// reportMergeSummary implements spec.md §6's CLI exit code contract: 0 on
// success, 0 with a message when there was nothing to merge, 1 on failure
// (failure is instead surfaced as a returned error, which cobra turns into
// exit code 1 via main's os.Exit(1)).
func reportMergeSummary(cmd *cobra.Command, summary merge.Summary) {
	if summary.SuggestionsCount == 0 && summary.MergedCount == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to merge")
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "merged=%d failed=%d suggestions=%d duration=%s\n",
		summary.MergedCount, summary.FailedCount, summary.SuggestionsCount, summary.Duration)
	for _, f := range summary.FailedMerges {
		fmt.Fprintf(cmd.OutOrStdout(), "  failed: primary=%d events=%v reason=%s\n", f.PrimaryEventID, f.EventIDs, f.Reason)
	}
}

func runMergeIncremental(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	engine := merge.New(rt.store, rt.dispatcher, rt.log, merge.Config{
		RecentEventsCount:   rt.cfg.CombineCount,
		EventSummaryDays:    rt.cfg.EventSummaryDays,
		Cache:               rt.cache,
		ConfidenceThreshold: rt.cfg.CombineConfidenceThreshold,
		Model:               rt.cfg.CombineModel,
		Temperature:         rt.cfg.CombineTemperature,
		MaxTokens:           int64(rt.cfg.CombineMaxTokens),
	})
	summary, err := engine.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("incremental merge: %w", err)
	}
	reportMergeSummary(cmd, summary)
	return nil
}

func runMergeDaily(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	wideCount := rt.cfg.CombineCount * 4
	engine := merge.New(rt.store, rt.dispatcher, rt.log, merge.Config{
		RecentEventsCount:   wideCount,
		EventSummaryDays:    rt.cfg.EventSummaryDays,
		Cache:               rt.cache,
		ConfidenceThreshold: rt.cfg.CombineConfidenceThreshold,
		Model:               rt.cfg.CombineModel,
		Temperature:         rt.cfg.CombineTemperature,
		MaxTokens:           int64(rt.cfg.CombineMaxTokens),
	})
	summary, err := engine.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("daily merge: %w", err)
	}
	reportMergeSummary(cmd, summary)
	return nil
}

func runMergeCustom(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	engine := merge.New(rt.store, rt.dispatcher, rt.log, merge.Config{
		RecentEventsCount:   mergeCount,
		EventSummaryDays:    rt.cfg.EventSummaryDays,
		Cache:               rt.cache,
		ConfidenceThreshold: mergeConfidence,
		Model:               rt.cfg.CombineModel,
		Temperature:         rt.cfg.CombineTemperature,
		MaxTokens:           int64(rt.cfg.CombineMaxTokens),
	})
	summary, err := engine.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("custom merge: %w", err)
	}
	reportMergeSummary(cmd, summary)
	return nil
}

func runMergeManual(cmd *cobra.Command, args []string) error {
	ids, err := parseEventIDs(args[0])
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	engine := merge.New(rt.store, rt.dispatcher, rt.log, merge.Config{
		EventSummaryDays: rt.cfg.EventSummaryDays,
		Cache:            rt.cache,
	})
	if err := engine.ManualMerge(cmd.Context(), ids); err != nil {
		return fmt.Errorf("manual merge: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "merged %v into %d\n", ids[1:], ids[0])
	return nil
}

func parseEventIDs(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return nil, fmt.Errorf("manual merge requires at least two event ids, got %d", len(ids))
	}
	return ids, nil
}
