package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mosliu/hot-list-aggregation/internal/aggregation"
	"github.com/mosliu/hot-list-aggregation/internal/merge"
	"github.com/mosliu/hot-list-aggregation/internal/scheduler"
)

var (
	runSince       string
	cleanupOlderThan time.Duration
	cleanupDryRun  bool
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "pipeline",
	Short:   "Run a single pipeline task, or the scheduler that drives them all",
	Long: `run exposes the scheduler's declared jobs (spec.md §4.7) for manual or
cron-external invocation, mirroring the original implementation's
main_processor.py/main_combine.py split into distinct entry points:

  run aggregate    one Aggregation Engine pass
  run label        aggregate the last hour of news (existing events are not re-labeled)
  run cleanup      prune expired debug call artifacts
  run scheduler    start the long-running ticker-driven scheduler`,
}

var runAggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Run one Aggregation Engine pass",
	RunE:  runAggregate,
}

var runLabelCmd = &cobra.Command{
	Use:   "label",
	Short: "Aggregate the last hour of news; existing events are not re-labeled",
	Long: `Re-runs the Aggregation Engine scoped to a narrow recent window. Labeling
(event_type, sentiment, title, summary) is produced by the Aggregation
Engine's new_events proposals, not a separate engine — this command exists
only to let the scheduler's hourly labeling cadence run independently of
the 2-hour aggregation cadence.`,
	RunE: runLabel,
}

var runCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune expired debug call artifacts",
	RunE:  runCleanup,
}

var runSchedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Start the scheduler and block until interrupted",
	RunE:  runScheduler,
}

func init() {
	runAggregateCmd.Flags().StringVar(&runSince, "since", "", `lower bound on news first_seen_at ("2 hours ago", RFC3339); default is no lower bound`)
	runCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 7*24*time.Hour, "delete debug call artifacts older than this")
	runCleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be deleted without deleting")

	runCmd.AddCommand(runAggregateCmd, runLabelCmd, runCleanupCmd, runSchedulerCmd)
}

func runAggregate(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	since, err := parseSince(runSince, time.Now())
	if err != nil {
		return err
	}

	engine := aggregation.New(rt.store, rt.dispatcher, rt.log, aggregation.Config{
		RecentEventsCount: rt.cfg.RecentEventsCount,
		EventSummaryDays:  rt.cfg.EventSummaryDays,
		Cache:             rt.cache,
		Model:             rt.cfg.AggregationModel,
		Temperature:       rt.cfg.AggregationTemperature,
		MaxTokens:         int64(rt.cfg.AggregationMaxTokens),
	})
	summary, err := engine.Run(cmd.Context(), aggregation.Window{
		Since:    since,
		Excluded: rt.cfg.ExcludedNewsTypes,
	})
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "total=%d processed=%d failed=%d duration=%s\n",
		summary.TotalNews, summary.ProcessedNews, summary.FailedNews, summary.Duration)
	return nil
}

func runLabel(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	since := time.Now().Add(-time.Hour)
	engine := aggregation.New(rt.store, rt.dispatcher, rt.log, aggregation.Config{
		RecentEventsCount: rt.cfg.RecentEventsCount,
		EventSummaryDays:  rt.cfg.EventSummaryDays,
		Cache:             rt.cache,
		Model:             rt.cfg.AggregationModel,
		Temperature:       rt.cfg.AggregationTemperature,
		MaxTokens:         int64(rt.cfg.AggregationMaxTokens),
	})
	summary, err := engine.Run(cmd.Context(), aggregation.Window{
		Since:    since,
		Excluded: rt.cfg.ExcludedNewsTypes,
	})
	if err != nil {
		return fmt.Errorf("label: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "labeled total=%d processed=%d failed=%d\n",
		summary.TotalNews, summary.ProcessedNews, summary.FailedNews)
	return nil
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	dir := rt.cfg.LLMCallsDir
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to clean up")
		return nil
	}
	if err != nil {
		return fmt.Errorf("cleanup: reading %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-cleanupOlderThan)
	deleted := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if cleanupDryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "would delete %s\n", path)
			continue
		}
		if err := os.Remove(path); err != nil {
			rt.log.Warn("cleanup: failed to remove artifact", "path", path, "error", err)
			continue
		}
		deleted++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d dry_run=%v\n", deleted, cleanupDryRun)
	return nil
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	aggEngine := aggregation.New(rt.store, rt.dispatcher, rt.log, aggregation.Config{
		RecentEventsCount: rt.cfg.RecentEventsCount,
		EventSummaryDays:  rt.cfg.EventSummaryDays,
		Cache:             rt.cache,
		Model:             rt.cfg.AggregationModel,
		Temperature:       rt.cfg.AggregationTemperature,
		MaxTokens:         int64(rt.cfg.AggregationMaxTokens),
	})
	mergeEngine := merge.New(rt.store, rt.dispatcher, rt.log, merge.Config{
		RecentEventsCount:   rt.cfg.CombineCount,
		EventSummaryDays:    rt.cfg.EventSummaryDays,
		Cache:               rt.cache,
		ConfidenceThreshold: rt.cfg.CombineConfidenceThreshold,
		Model:               rt.cfg.CombineModel,
		Temperature:         rt.cfg.CombineTemperature,
		MaxTokens:           int64(rt.cfg.CombineMaxTokens),
	})

	jobs := []scheduler.Job{
		{
			Name:     "ingestion_validation",
			Interval: 10 * time.Minute,
			Run: func(ctx context.Context) error {
				// News ingestion and its crawlers are an external collaborator
				// (spec.md §1, out of scope); this job only verifies the
				// Persistence Contract is still reachable before the next
				// aggregation tick relies on it.
				_, err := rt.store.RecentActiveEvents(ctx, 1)
				return err
			},
		},
		{
			Name:     "aggregation_incremental",
			Interval: 2 * time.Hour,
			Run: func(ctx context.Context) error {
				_, err := aggEngine.Run(ctx, aggregation.Window{
					Since:    time.Now().Add(-2 * time.Hour),
					Excluded: rt.cfg.ExcludedNewsTypes,
				})
				return err
			},
		},
		{
			Name:     "labeling",
			Interval: time.Hour,
			Run: func(ctx context.Context) error {
				_, err := aggEngine.Run(ctx, aggregation.Window{
					Since:    time.Now().Add(-time.Hour),
					Excluded: rt.cfg.ExcludedNewsTypes,
				})
				return err
			},
		},
		{
			Name:     "merge_daily",
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) error {
				_, err := mergeEngine.Run(ctx)
				return err
			},
		},
		{
			Name:     "cleanup_daily",
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) error {
				return cleanupArtifacts(rt.cfg.LLMCallsDir, 7*24*time.Hour)
			},
		},
	}

	rt.log.Info("scheduler starting", "jobs", len(jobs))
	s := scheduler.New(rt.log, jobs...)
	return s.Start(cmd.Context())
}

func cleanupArtifacts(dir string, olderThan time.Duration) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-olderThan)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, entry.Name()))
	}
	return nil
}
