// Package merge implements the Merge Engine (spec.md §4.6): batch-analysing
// recent active events via one LLM call and executing the resulting
// multi-event merges transactionally.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mosliu/hot-list-aggregation/internal/cache"
	"github.com/mosliu/hot-list-aggregation/internal/errs"
	"github.com/mosliu/hot-list-aggregation/internal/llm"
	"github.com/mosliu/hot-list-aggregation/internal/prompt"
	"github.com/mosliu/hot-list-aggregation/internal/region"
	"github.com/mosliu/hot-list-aggregation/internal/storage"
	"github.com/mosliu/hot-list-aggregation/internal/types"
)

// FailedMerge records one suggestion (or the manual-merge request) that
// could not be executed, with the reason.
type FailedMerge struct {
	PrimaryEventID int64
	EventIDs       []int64
	Reason         string
}

// Summary is the run output spec.md §4.6 names.
type Summary struct {
	SuggestionsCount int
	MergedCount      int
	FailedCount      int
	Duration         time.Duration
	FailedMerges     []FailedMerge
}

// Engine runs the Merge Engine against a Storage and an LLM Dispatcher.
type Engine struct {
	store      storage.Storage
	dispatcher *llm.Dispatcher
	cache      cache.Store
	log        *slog.Logger

	recentEventsCount   int
	summaryDays         int
	confidenceThreshold float64
	model               string
	temperature         float64
	maxTokens           int64
}

// Config configures an Engine's tunables (spec.md §4.6's M ~30,
// confidence threshold ~0.75).
type Config struct {
	RecentEventsCount   int
	EventSummaryDays    int
	Cache               cache.Store
	ConfidenceThreshold float64
	Model               string
	Temperature         float64
	MaxTokens           int64
}

// New builds an Engine.
func New(store storage.Storage, dispatcher *llm.Dispatcher, log *slog.Logger, cfg Config) *Engine {
	recent := cfg.RecentEventsCount
	if recent <= 0 {
		recent = 30
	}
	days := cfg.EventSummaryDays
	if days <= 0 {
		days = 3
	}
	cacheStore := cfg.Cache
	if cacheStore == nil {
		cacheStore = cache.New()
	}
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.75
	}
	return &Engine{
		store:               store,
		dispatcher:          dispatcher,
		cache:               cacheStore,
		log:                 log,
		recentEventsCount:   recent,
		summaryDays:         days,
		confidenceThreshold: threshold,
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxTokens:           cfg.MaxTokens,
	}
}

// recentActiveEventsCached wraps store.RecentActiveEvents with the
// recent_events:<days> cache namespace (spec.md §4.1), shared with the
// Aggregation Engine's identical helper so both engines see the same ~1h
// snapshot of the active-events set for a given EVENT_SUMMARY_DAYS window.
func (e *Engine) recentActiveEventsCached(ctx context.Context) ([]types.Event, error) {
	key := cache.RecentEventsKey(e.summaryDays)
	var cached []types.Event
	if found, _ := e.cache.Get(key, &cached); found {
		return cached, nil
	}

	events, err := e.store.RecentActiveEvents(ctx, e.recentEventsCount)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(key, events, cache.RecentEventsTTL); err != nil {
		e.log.Warn("merge: failed to populate recent events cache", "error", err)
	}
	return events, nil
}

// Run executes one Merge Engine pass over the M most recently created
// active events (spec.md §4.6).
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	start := time.Now()

	events, err := e.recentActiveEventsCached(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("merge: fetch recent active events: %w", err)
	}
	if len(events) < 2 {
		return Summary{Duration: time.Since(start)}, nil
	}

	rendered := prompt.BatchMerge(events)
	text, err := e.dispatcher.CallSingle(ctx, llm.CallRequest{Prompt: rendered, Model: e.model, Temperature: e.temperature, MaxTokens: e.maxTokens})
	if err != nil {
		return Summary{}, fmt.Errorf("merge: llm call: %w", err)
	}

	candidate, err := llm.ExtractJSON(text)
	if err != nil {
		return Summary{}, fmt.Errorf("merge: extract json: %w", err)
	}
	var result llm.BatchMergeResult
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return Summary{}, fmt.Errorf("merge: parse json: %w", err)
	}

	byID := make(map[int64]types.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	accepted := e.filterAndResolve(result.MergeSuggestions, byID)

	summary := Summary{SuggestionsCount: len(result.MergeSuggestions), Duration: time.Since(start)}
	for _, s := range accepted {
		if err := e.executeSuggestion(ctx, s, byID); err != nil {
			summary.FailedCount++
			summary.FailedMerges = append(summary.FailedMerges, FailedMerge{
				PrimaryEventID: s.PrimaryEventID, EventIDs: s.EventsToMerge, Reason: err.Error(),
			})
			continue
		}
		summary.MergedCount++
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// filterAndResolve implements spec.md §4.6 steps 4-5: drop suggestions
// below the confidence threshold or that are malformed, then greedily
// accept confidence-descending, skipping any suggestion that names an
// event already consumed.
func (e *Engine) filterAndResolve(suggestions []llm.MergeSuggestion, byID map[int64]types.Event) []llm.MergeSuggestion {
	var wellFormed []llm.MergeSuggestion
	for _, s := range suggestions {
		if s.Confidence < e.confidenceThreshold {
			continue
		}
		if len(s.EventsToMerge) < 2 {
			continue
		}
		allExist := true
		for _, id := range s.EventsToMerge {
			if _, ok := byID[id]; !ok {
				allExist = false
				break
			}
		}
		if !allExist {
			continue
		}
		wellFormed = append(wellFormed, s)
	}

	sort.SliceStable(wellFormed, func(i, j int) bool { return wellFormed[i].Confidence > wellFormed[j].Confidence })

	consumed := make(map[int64]struct{})
	var accepted []llm.MergeSuggestion
	for _, s := range wellFormed {
		conflict := false
		for _, id := range s.EventsToMerge {
			if _, ok := consumed[id]; ok {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, id := range s.EventsToMerge {
			consumed[id] = struct{}{}
		}
		accepted = append(accepted, s)
	}
	return accepted
}

// executeSuggestion implements executeBatchMerge (spec.md §4.6): compute
// merged fields over the union of events and commit via the storage
// layer's transactional ExecuteBatchMerge.
func (e *Engine) executeSuggestion(ctx context.Context, s llm.MergeSuggestion, byID map[int64]types.Event) error {
	primary, ok := byID[s.PrimaryEventID]
	if !ok || primary.Status != types.EventStatusActive {
		return fmt.Errorf("primary event %d missing or not active: %w", s.PrimaryEventID, errs.ErrEventNotActive)
	}

	members := make([]types.Event, 0, len(s.EventsToMerge))
	for _, id := range s.EventsToMerge {
		ev, ok := byID[id]
		if !ok || ev.Status != types.EventStatusActive {
			return fmt.Errorf("member event %d missing or not active: %w", id, errs.ErrEventNotActive)
		}
		members = append(members, ev)
	}

	plan := storage.MergePlan{
		PrimaryEventID:    s.PrimaryEventID,
		MergedTitle:       chooseOrFallback(s.MergedTitle, primary.Title),
		MergedDescription: chooseOrFallback(s.MergedDescription, primary.Description),
		MergedRegions:     mergedRegions(members, s.MergedRegions),
		MergedKeywords:    mergedKeywords(members, s.MergedKeywords),
		MergedEntities:    longestEntities(members),
		RelationType:      types.RelationBatchMerge,
		Confidence:        s.Confidence,
		Reason:            s.Reason,
	}
	for _, id := range s.EventsToMerge {
		if id != s.PrimaryEventID {
			plan.ChildEventIDs = append(plan.ChildEventIDs, id)
		}
	}

	if err := e.store.ExecuteBatchMerge(ctx, plan); err != nil {
		return err
	}
	e.cache.ClearPrefix("recent_events:")
	return nil
}

// ManualMerge implements the manual-merge variant (spec.md §4.6): skip the
// LLM, designate eventIDs[0] as primary, confidence 1.0.
func (e *Engine) ManualMerge(ctx context.Context, eventIDs []int64) error {
	if len(eventIDs) < 2 {
		return fmt.Errorf("manual merge requires at least 2 event ids")
	}

	byID := make(map[int64]types.Event, len(eventIDs))
	for _, id := range eventIDs {
		ev, err := e.store.GetEvent(ctx, id)
		if err != nil {
			return fmt.Errorf("manual merge: event %d: %w", id, err)
		}
		if ev.Status != types.EventStatusActive {
			return fmt.Errorf("manual merge: event %d: %w", id, errs.ErrEventNotActive)
		}
		byID[id] = ev
	}

	suggestion := llm.MergeSuggestion{
		EventsToMerge:  eventIDs,
		PrimaryEventID: eventIDs[0],
		Confidence:     1.0,
		Reason:         "manual merge",
	}
	return e.executeSuggestion(ctx, suggestion, byID)
}

func chooseOrFallback(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

func mergedRegions(members []types.Event, llmRegions []string) string {
	merged := ""
	for _, m := range members {
		merged = region.Merge(merged, []string{m.Regions})
	}
	if len(llmRegions) > 0 {
		merged = region.Merge(merged, llmRegions)
	}
	return merged
}

func mergedKeywords(members []types.Event, llmKeywords []string) string {
	if len(llmKeywords) > 0 {
		return joinUnique(llmKeywords)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, m := range members {
		for _, k := range splitCSV(m.Keywords) {
			if _, dup := seen[k]; dup || k == "" {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return joinUnique(out)
}

func longestEntities(members []types.Event) string {
	longest := ""
	for _, m := range members {
		if len(m.Entities) > len(longest) {
			longest = m.Entities
		}
	}
	return longest
}

func joinUnique(items []string) string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return strings.Join(out, ",")
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}
