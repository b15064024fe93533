package aggregation

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
	responses []string
	calls     int
}

func (c *scriptedClient) CallSingle(_ context.Context, _ llm.CallRequest) (string, error) {
	if c.calls >= len(c.responses) {
		c.calls++
		return `{"existing_events":[],"new_events":[]}`, nil
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunAssignsNewsToNewEvent(t *testing.T) {
	store := fake.New()
	now := time.Now()
	store.SeedNews(
		types.NewsItem{ID: 1, SourceType: "web", Title: "Quake hits City A", CityName: "City A", FirstSeenAt: now},
		types.NewsItem{ID: 2, SourceType: "web", Title: "Rescue continues", CityName: "City A", FirstSeenAt: now},
	)

	result := llm.AggregationResult{
		NewEvents: []llm.NewEventProposal{
			{NewsIDs: []int64{1, 2}, Title: "City A quake", Summary: "A quake struck City A", Confidence: 0.9, Priority: 1, Sentiment: "negative"},
		},
	}
	body, _ := json.Marshal(result)
	client := &scriptedClient{responses: []string{string(body)}}

	dispatcher := llm.New(client, cache.New(), silentLogger())
	engine := New(store, dispatcher, silentLogger(), Config{Model: "claude-sonnet-4-5-20250929"})

	summary, err := engine.Run(context.Background(), Window{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalNews)
	require.Equal(t, 2, summary.ProcessedNews)
	require.Equal(t, 0, summary.FailedNews)

	events, err := store.RecentActiveEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 2, events[0].NewsCount)
	require.Len(t, store.Logs(), 1)
}

func TestRunSkipsLLMWhenNoUnprocessedNews(t *testing.T) {
	store := fake.New()
	client := &scriptedClient{}
	dispatcher := llm.New(client, cache.New(), silentLogger())
	engine := New(store, dispatcher, silentLogger(), Config{})

	summary, err := engine.Run(context.Background(), Window{})
	require.NoError(t, err)
	require.Equal(t, 0, summary.TotalNews)
	require.Equal(t, 0, client.calls)
}

func TestRunDropsAssignmentToUnknownEvent(t *testing.T) {
	store := fake.New()
	now := time.Now()
	store.SeedNews(types.NewsItem{ID: 1, SourceType: "web", Title: "Orphaned", CityName: "X", FirstSeenAt: now})

	result := llm.AggregationResult{
		ExistingEvents: []llm.ExistingEventAssignment{
			{EventID: 999, NewsIDs: []int64{1}, Confidence: 0.8},
		},
	}
	body, _ := json.Marshal(result)
	client := &scriptedClient{responses: []string{string(body)}}
	dispatcher := llm.New(client, cache.New(), silentLogger())
	engine := New(store, dispatcher, silentLogger(), Config{})

	summary, err := engine.Run(context.Background(), Window{})
	require.NoError(t, err)
	require.Equal(t, 0, summary.ProcessedNews)
	require.Equal(t, 1, summary.FailedNews)
	require.Equal(t, []int64{1}, summary.FailedIDs)

	// The unknown event id drops the news from the first pass, but straggler
	// recovery re-fetches and re-dispatches it once before giving up — a
	// second call to the LLM client.
	require.Equal(t, 2, client.calls)
}

func TestRunRecoversStragglerOnRetry(t *testing.T) {
	store := fake.New()
	now := time.Now()
	store.SeedNews(types.NewsItem{ID: 1, SourceType: "web", Title: "Orphaned", CityName: "X", FirstSeenAt: now})

	firstPass := llm.AggregationResult{
		ExistingEvents: []llm.ExistingEventAssignment{
			{EventID: 999, NewsIDs: []int64{1}, Confidence: 0.8},
		},
	}
	firstBody, _ := json.Marshal(firstPass)

	retryPass := llm.AggregationResult{
		NewEvents: []llm.NewEventProposal{
			{NewsIDs: []int64{1}, Title: "Orphan recovered", Summary: "Recovered on retry", Confidence: 0.7, Priority: 1, Sentiment: "neutral"},
		},
	}
	retryBody, _ := json.Marshal(retryPass)

	client := &scriptedClient{responses: []string{string(firstBody), string(retryBody)}}
	dispatcher := llm.New(client, cache.New(), silentLogger())
	engine := New(store, dispatcher, silentLogger(), Config{})

	summary, err := engine.Run(context.Background(), Window{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.ProcessedNews)
	require.Equal(t, 0, summary.FailedNews)
	require.Equal(t, 2, client.calls)
}
