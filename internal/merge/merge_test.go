package merge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mosliu/hot-list-aggregation/internal/cache"
	"github.com/mosliu/hot-list-aggregation/internal/llm"
	"github.com/mosliu/hot-list-aggregation/internal/storage/fake"
	"github.com/mosliu/hot-list-aggregation/internal/types"
)

type scriptedClient struct {
	response string
	calls    int
}

func (c *scriptedClient) CallSingle(_ context.Context, _ llm.CallRequest) (string, error) {
	c.calls++
	return c.response, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedEvents(store *fake.Store) {
	now := time.Now()
	store.SeedEvent(types.Event{ID: 1, Title: "Quake in A", Regions: "A", Keywords: "quake,a", Status: types.EventStatusActive, LastNewsTime: now})
	store.SeedEvent(types.Event{ID: 2, Title: "Quake A followup", Regions: "A", Keywords: "quake", Status: types.EventStatusActive, LastNewsTime: now.Add(time.Minute)})
	store.SeedEvent(types.Event{ID: 3, Title: "Unrelated flood", Regions: "B", Status: types.EventStatusActive, LastNewsTime: now.Add(2 * time.Minute)})
}

func TestRunMergesHighConfidenceSuggestion(t *testing.T) {
	store := fake.New()
	seedEvents(store)

	result := llm.BatchMergeResult{
		MergeSuggestions: []llm.MergeSuggestion{
			{GroupID: "g1", EventsToMerge: []int64{1, 2}, PrimaryEventID: 1, Confidence: 0.9, Reason: "same quake", MergedTitle: "Quake in A (merged)"},
		},
	}
	body, _ := json.Marshal(result)
	client := &scriptedClient{response: string(body)}
	dispatcher := llm.New(client, cache.New(), silentLogger())
	engine := New(store, dispatcher, silentLogger(), Config{})

	summary, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.MergedCount)
	require.Equal(t, 0, summary.FailedCount)

	child, err := store.GetEvent(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, types.EventStatusMerged, child.Status)

	primary, err := store.GetEvent(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "Quake in A (merged)", primary.Title)
}

func TestRunDropsSuggestionsBelowThreshold(t *testing.T) {
	store := fake.New()
	seedEvents(store)

	result := llm.BatchMergeResult{
		MergeSuggestions: []llm.MergeSuggestion{
			{EventsToMerge: []int64{1, 2}, PrimaryEventID: 1, Confidence: 0.5},
		},
	}
	body, _ := json.Marshal(result)
	client := &scriptedClient{response: string(body)}
	dispatcher := llm.New(client, cache.New(), silentLogger())
	engine := New(store, dispatcher, silentLogger(), Config{ConfidenceThreshold: 0.75})

	summary, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.MergedCount)
}

func TestRunSkipsWhenFewerThanTwoEvents(t *testing.T) {
	store := fake.New()
	store.SeedEvent(types.Event{ID: 1, Status: types.EventStatusActive})
	client := &scriptedClient{}
	dispatcher := llm.New(client, cache.New(), silentLogger())
	engine := New(store, dispatcher, silentLogger(), Config{})

	summary, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.SuggestionsCount)
	require.Equal(t, 0, client.calls)
}

func TestManualMergeBypassesLLM(t *testing.T) {
	store := fake.New()
	seedEvents(store)
	client := &scriptedClient{}
	dispatcher := llm.New(client, cache.New(), silentLogger())
	engine := New(store, dispatcher, silentLogger(), Config{})

	err := engine.ManualMerge(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	require.Equal(t, 0, client.calls)

	child, err := store.GetEvent(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, types.EventStatusMerged, child.Status)
}

func TestConflictResolutionSkipsOverlappingSuggestion(t *testing.T) {
	store := fake.New()
	seedEvents(store)

	result := llm.BatchMergeResult{
		MergeSuggestions: []llm.MergeSuggestion{
			{EventsToMerge: []int64{1, 2}, PrimaryEventID: 1, Confidence: 0.95},
			{EventsToMerge: []int64{2, 3}, PrimaryEventID: 2, Confidence: 0.8},
		},
	}
	body, _ := json.Marshal(result)
	client := &scriptedClient{response: string(body)}
	dispatcher := llm.New(client, cache.New(), silentLogger())
	engine := New(store, dispatcher, silentLogger(), Config{})

	summary, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.MergedCount)
}
