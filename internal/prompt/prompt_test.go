package prompt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mosliu/hot-list-aggregation/internal/types"
)

func TestAggregationIncludesAllNewsIDs(t *testing.T) {
	news := []types.NewsItem{
		{ID: 1, Title: "A 5.2 quake hits X", CityName: "X", FirstSeenAt: time.Now()},
		{ID: 2, Title: "Rescue begins in X after quake", CityName: "X", FirstSeenAt: time.Now()},
	}
	out := Aggregation(news, nil)

	require.Contains(t, out, "news_id=1")
	require.Contains(t, out, "news_id=2")
	require.Contains(t, out, "EXACTLY ONE")
	require.Contains(t, out, `"existing_events"`)
	require.Contains(t, out, `"new_events"`)
}

func TestAggregationIncludesContextEvents(t *testing.T) {
	ctx := []types.Event{{ID: 100, Title: "Floods in Y", Regions: "Y"}}
	out := Aggregation(nil, ctx)

	require.Contains(t, out, "event_id=100")
	require.Contains(t, out, "Floods in Y")
}

func TestBatchMergeDefinesPrimaryAsEarliest(t *testing.T) {
	events := []types.Event{{ID: 101, Title: "A"}, {ID: 102, Title: "B"}}
	out := BatchMerge(events)

	require.Contains(t, out, "earliest-created")
	require.Contains(t, out, `"merge_suggestions"`)
	require.Contains(t, out, `"analysis_summary"`)
}
