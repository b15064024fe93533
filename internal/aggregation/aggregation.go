// Package aggregation implements the Aggregation Engine (spec.md §4.5):
// selecting unprocessed news, building an LLM context, dispatching via the
// LLM Dispatcher, and persisting the resulting event assignments.
package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mosliu/hot-list-aggregation/internal/cache"
	"github.com/mosliu/hot-list-aggregation/internal/llm"
	"github.com/mosliu/hot-list-aggregation/internal/region"
	"github.com/mosliu/hot-list-aggregation/internal/storage"
	"github.com/mosliu/hot-list-aggregation/internal/types"
)

// Window narrows the news selection to a time range and excludes the given
// source types, mirroring spec.md §4.5's "time window and source_type
// filters" input.
type Window struct {
	Since    time.Time
	Until    time.Time
	Excluded []string
}

// Summary is the run output spec.md §4.5 names: total_news, processed_count,
// failed_count, duration, and the ids that could not be assigned.
type Summary struct {
	TotalNews     int
	ProcessedNews int
	FailedNews    int
	Duration      time.Duration
	FailedIDs     []int64
}

// Engine runs the Aggregation Engine against a Storage and an LLM
// Dispatcher.
type Engine struct {
	store      storage.Storage
	dispatcher *llm.Dispatcher
	cache      cache.Store
	log        *slog.Logger

	recentEventsCount int
	summaryDays       int
	model             string
	temperature       float64
	maxTokens         int64
}

// Config configures an Engine's tunables (spec.md §4.5's "N configurable,
// ~50" recent-events count, plus the aggregation model parameters).
type Config struct {
	RecentEventsCount int
	EventSummaryDays  int
	Cache             cache.Store
	Model             string
	Temperature       float64
	MaxTokens         int64
}

// New builds an Engine.
func New(store storage.Storage, dispatcher *llm.Dispatcher, log *slog.Logger, cfg Config) *Engine {
	recent := cfg.RecentEventsCount
	if recent <= 0 {
		recent = 50
	}
	days := cfg.EventSummaryDays
	if days <= 0 {
		days = 3
	}
	cacheStore := cfg.Cache
	if cacheStore == nil {
		cacheStore = cache.New()
	}
	return &Engine{
		store:             store,
		dispatcher:        dispatcher,
		cache:             cacheStore,
		log:               log,
		recentEventsCount: recent,
		summaryDays:       days,
		model:             cfg.Model,
		temperature:       cfg.Temperature,
		maxTokens:         cfg.MaxTokens,
	}
}

// Run executes one Aggregation Engine pass over win.
func (e *Engine) Run(ctx context.Context, win Window) (Summary, error) {
	start := time.Now()

	news, err := e.store.UnprocessedNews(ctx, storage.UnprocessedNewsFilter{
		Since: win.Since, Until: win.Until, Excluded: win.Excluded,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("aggregation: select unprocessed news: %w", err)
	}
	if len(news) == 0 {
		e.log.Info("aggregation run found no unprocessed news")
		return Summary{Duration: time.Since(start)}, nil
	}

	context_, err := e.buildContext(ctx, news)
	if err != nil {
		return Summary{}, fmt.Errorf("aggregation: build context: %w", err)
	}

	successes, failures := e.dispatcher.ProcessNewsConcurrent(ctx, news, context_, e.model, e.temperature, e.maxTokens, func(done, total int) {
		e.log.Debug("aggregation batch completed", "done", done, "total", total)
	})

	summary := Summary{TotalNews: len(news), Duration: time.Since(start)}

	persisted := make(map[int64]struct{})
	var persistedBatchNews []types.NewsItem
	for _, res := range successes {
		assigned, err := e.persist(ctx, res.News, res.Batch.Result)
		if err != nil {
			e.log.Error("aggregation: failed to persist batch result", "error", err)
			summary.FailedNews += len(res.News)
			summary.FailedIDs = append(summary.FailedIDs, idsOf(res.News)...)
			continue
		}
		summary.ProcessedNews += len(assigned)
		for _, id := range assigned {
			persisted[id] = struct{}{}
		}
		persistedBatchNews = append(persistedBatchNews, res.News...)
	}
	var strayIDs []int64
	for _, n := range persistedBatchNews {
		if _, ok := persisted[n.ID]; ok {
			continue
		}
		persisted[n.ID] = struct{}{} // record once, even if it sat in several batches
		strayIDs = append(strayIDs, n.ID)
	}
	for _, res := range failures {
		summary.FailedNews += len(res.News)
		summary.FailedIDs = append(summary.FailedIDs, idsOf(res.News)...)
	}

	// Straggler recovery (spec.md §4.5 step 5): missing = input_ids \
	// persisted_ids. Covers both news the LLM's response omitted outright
	// and news whose event_id didn't resolve in persist. Retried once, at
	// half batch size; a second miss is reported as failed, not retried
	// again.
	if len(strayIDs) > 0 {
		recovered, stillMissing, err := e.recoverStragglers(ctx, strayIDs, context_)
		if err != nil {
			e.log.Error("aggregation: straggler recovery failed", "error", err)
			summary.FailedNews += len(strayIDs)
			summary.FailedIDs = append(summary.FailedIDs, strayIDs...)
		} else {
			summary.ProcessedNews += recovered
			summary.FailedNews += len(stillMissing)
			summary.FailedIDs = append(summary.FailedIDs, stillMissing...)
		}
	}

	if err := e.writeLog(ctx, win, summary, start); err != nil {
		e.log.Error("aggregation: failed to write processing log", "error", err)
	}

	return summary, nil
}

// buildContext implements spec.md §4.5 step 2: the union of the N most
// recently created active events and the events already associated with
// in-window news, de-duplicated by event id.
func (e *Engine) buildContext(ctx context.Context, news []types.NewsItem) ([]types.Event, error) {
	recent, err := e.recentActiveEventsCached(ctx)
	if err != nil {
		return nil, fmt.Errorf("recent active events: %w", err)
	}

	newsIDs := idsOf(news)
	fromNews, err := e.store.EventsForNews(ctx, newsIDs)
	if err != nil {
		return nil, fmt.Errorf("events for in-window news: %w", err)
	}

	seen := make(map[int64]struct{}, len(recent)+len(fromNews))
	var merged []types.Event
	for _, ev := range recent {
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		merged = append(merged, ev)
	}
	for _, ev := range fromNews {
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		merged = append(merged, ev)
	}
	return merged, nil
}

// recentActiveEventsCached wraps store.RecentActiveEvents with the
// recent_events:<days> cache namespace (spec.md §4.1), an advisory ~1h
// snapshot keyed on EVENT_SUMMARY_DAYS so repeated runs within the window
// skip the storage round trip. A miss or an expired entry falls through to
// storage and repopulates the cache; callers never see a cache error.
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
		e.log.Warn("aggregation: failed to populate recent events cache", "error", err)
	}
	return events, nil
}

// persist implements spec.md §4.5 step 4: commit the LLM's assignments for
// one batch in a single call to the storage layer's transactional
// AssignNews.
func (e *Engine) persist(ctx context.Context, news []types.NewsItem, result llm.AggregationResult) ([]int64, error) {
	cityByNews := make(map[int64]string, len(news))
	for _, n := range news {
		cityByNews[n.ID] = n.CityName
	}

	var newEvents []storage.NewEventWithNews
	var assignments []storage.NewsEventAssignment
	var regionUpdates []storage.EventRegionUpdate
	seenNews := make(map[int64]struct{})

	for _, existing := range result.ExistingEvents {
		event, err := e.store.GetEvent(ctx, existing.EventID)
		if err != nil {
			e.log.Warn("aggregation: LLM referenced unknown event, dropping entry", "event_id", existing.EventID)
			continue
		}

		var cities []string
		for _, newsID := range existing.NewsIDs {
			if _, dup := seenNews[newsID]; dup {
				continue // duplicate news_id across entries: first entry wins (spec.md §4.5 edge case c)
			}
			seenNews[newsID] = struct{}{}
			if city := cityByNews[newsID]; city != "" {
				cities = append(cities, city)
			}
			assignments = append(assignments, storage.NewsEventAssignment{
				NewsID: newsID, EventID: event.ID, RelationType: types.RelationAssignedExisting, Confidence: existing.Confidence,
			})
		}

		if merged := region.Merge(event.Regions, cities); merged != event.Regions {
			regionUpdates = append(regionUpdates, storage.EventRegionUpdate{EventID: event.ID, Regions: merged})
		}
	}

	for _, proposal := range result.NewEvents {
		var ids []int64
		var cities []string
		for _, newsID := range proposal.NewsIDs {
			if _, dup := seenNews[newsID]; dup {
				continue
			}
			seenNews[newsID] = struct{}{}
			ids = append(ids, newsID)
			if city := cityByNews[newsID]; city != "" {
				cities = append(cities, city)
			}
		}
		if len(ids) == 0 {
			continue
		}

		var firstSeen, lastSeen time.Time
		for _, newsID := range ids {
			for _, n := range news {
				if n.ID == newsID {
					if firstSeen.IsZero() || n.FirstSeenAt.Before(firstSeen) {
						firstSeen = n.FirstSeenAt
					}
					if n.FirstSeenAt.After(lastSeen) {
						lastSeen = n.FirstSeenAt
					}
				}
			}
		}

		newEvents = append(newEvents, storage.NewEventWithNews{
			Event: types.Event{
				Title:         proposal.Title,
				Description:   proposal.Summary,
				EventType:     proposal.EventType,
				Sentiment:     types.Sentiment(proposal.Sentiment),
				Regions:       region.Merge(proposal.Region, cities),
				Keywords:      joinTags(proposal.Tags),
				Confidence:    proposal.Confidence,
				Priority:      proposal.Priority,
				NewsCount:     len(ids),
				FirstNewsTime: firstSeen,
				LastNewsTime:  lastSeen,
			},
			NewsIDs: ids,
		})
	}

	if err := e.store.AssignNews(ctx, newEvents, assignments, regionUpdates); err != nil {
		return nil, err
	}
	if len(newEvents) > 0 || len(regionUpdates) > 0 {
		e.cache.ClearPrefix("recent_events:")
	}

	assigned := make([]int64, 0, len(seenNews))
	for id := range seenNews {
		assigned = append(assigned, id)
	}
	return assigned, nil
}

// recoverStragglers implements spec.md §4.5 step 5: re-fetch news left
// unassigned by the first pass and re-dispatch them once at half the
// dispatcher's configured batch size. recovered is the count successfully
// persisted this time; stillMissing is what remains unassigned after the
// retry and must not be retried again.
func (e *Engine) recoverStragglers(ctx context.Context, strayIDs []int64, context_ []types.Event) (recovered int, stillMissing []int64, err error) {
	news, err := e.store.NewsByIDs(ctx, strayIDs)
	if err != nil {
		return 0, nil, fmt.Errorf("re-fetch straggler news: %w", err)
	}
	if len(news) == 0 {
		return 0, nil, nil
	}

	halfBatch := e.dispatcher.BatchSize() / 2
	if halfBatch < 1 {
		halfBatch = 1
	}
	e.log.Info("aggregation: recovering straggler news", "count", len(news), "batch_size", halfBatch)

	results := e.dispatcher.ProcessNewsAtBatchSize(ctx, news, context_, e.model, e.temperature, e.maxTokens, halfBatch, nil)
	for _, res := range results {
		if res.Err != nil {
			stillMissing = append(stillMissing, idsOf(res.News)...)
			continue
		}
		assigned, perr := e.persist(ctx, res.News, res.Batch.Result)
		if perr != nil {
			e.log.Error("aggregation: failed to persist straggler recovery result", "error", perr)
			stillMissing = append(stillMissing, idsOf(res.News)...)
			continue
		}
		recovered += len(assigned)
		stillMissing = append(stillMissing, unassigned(res.News, assigned)...)
	}
	return recovered, stillMissing, nil
}

func (e *Engine) writeLog(ctx context.Context, win Window, summary Summary, start time.Time) error {
	status := "success"
	if summary.FailedNews > 0 {
		status = "partial"
	}
	snapshot, err := json.Marshal(map[string]interface{}{
		"batch_size":          e.dispatcher.BatchSize(),
		"model":               e.model,
		"temperature":         e.temperature,
		"max_tokens":          e.maxTokens,
		"recent_events_count": e.recentEventsCount,
		"excluded_news_types": win.Excluded,
	})
	if err != nil {
		return err
	}
	_, err = e.store.InsertProcessingLog(ctx, types.ProcessingLog{
		TaskType:       "aggregation",
		TaskID:         uuid.NewString(),
		ConfigSnapshot: string(snapshot),
		StartTime:      start,
		EndTime:        time.Now(),
		Status:         status,
		Total:          summary.TotalNews,
		Success:        summary.ProcessedNews,
		Failed:         summary.FailedNews,
		ErrorMessage:   "",
	})
	return err
}

func idsOf(news []types.NewsItem) []int64 {
	ids := make([]int64, len(news))
	for i, n := range news {
		ids[i] = n.ID
	}
	return ids
}

func unassigned(news []types.NewsItem, assigned []int64) []int64 {
	done := make(map[int64]struct{}, len(assigned))
	for _, id := range assigned {
		done[id] = struct{}{}
	}
	var out []int64
	for _, n := range news {
		if _, ok := done[n.ID]; !ok {
			out = append(out, n.ID)
		}
	}
	return out
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}
