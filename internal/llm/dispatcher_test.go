package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mosliu/hot-list-aggregation/internal/cache"
	"github.com/mosliu/hot-list-aggregation/internal/types"
)

type fakeClient struct {
	responses []string
	errs      []error
	calls     int32
	// respond, when set, picks the response based on the rendered prompt
	// instead of call order — needed when batches dispatch concurrently and
	// call order across goroutines isn't deterministic.
	respond func(req CallRequest) (string, error)
}

func (c *fakeClient) CallSingle(_ context.Context, req CallRequest) (string, error) {
	i := int(atomic.AddInt32(&c.calls, 1)) - 1
	if c.respond != nil {
		return c.respond(req)
	}
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], err
	}
	return "", err
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newsBatch(n int) []types.NewsItem {
	out := make([]types.NewsItem, n)
	for i := range out {
		out[i] = types.NewsItem{ID: int64(i + 1), Title: "item", CityName: "X", FirstSeenAt: time.Now()}
	}
	return out
}

func TestProcessBatchReturnsCleanResult(t *testing.T) {
	result := AggregationResult{NewEvents: []NewEventProposal{{NewsIDs: []int64{1, 2}, Title: "T"}}}
	body, _ := json.Marshal(result)
	client := &fakeClient{responses: []string{string(body)}}
	d := New(client, cache.New(), silentLogger())

	br, err := d.ProcessBatch(context.Background(), newsBatch(2), nil, "m", 0.2, 1024)
	require.NoError(t, err)
	require.False(t, br.PartialSuccess)
	require.Len(t, br.Result.NewEvents, 1)
}

func TestProcessBatchUnparsableTextYieldsAllMissing(t *testing.T) {
	client := &fakeClient{responses: []string{"not json at all"}}
	d := New(client, cache.New(), silentLogger())

	br, err := d.ProcessBatch(context.Background(), newsBatch(3), nil, "m", 0.2, 1024)
	require.NoError(t, err)
	require.True(t, br.PartialSuccess)
	require.ElementsMatch(t, []int64{1, 2, 3}, br.MissingNews)
}

func TestProcessBatchPartialOnMissingNewsIDs(t *testing.T) {
	result := AggregationResult{NewEvents: []NewEventProposal{{NewsIDs: []int64{1}}}}
	body, _ := json.Marshal(result)
	client := &fakeClient{responses: []string{string(body)}}
	d := New(client, cache.New(), silentLogger())

	br, err := d.ProcessBatch(context.Background(), newsBatch(2), nil, "m", 0.2, 1024)
	require.NoError(t, err)
	require.True(t, br.PartialSuccess)
	require.Equal(t, []int64{2}, br.MissingNews)
}

func TestProcessBatchEmptyNewsIsNoop(t *testing.T) {
	client := &fakeClient{}
	d := New(client, cache.New(), silentLogger())

	br, err := d.ProcessBatch(context.Background(), nil, nil, "m", 0.2, 1024)
	require.NoError(t, err)
	require.False(t, br.PartialSuccess)
	require.Equal(t, int32(0), client.calls)
}

func TestProcessNewsConcurrentBatchesAndRetriesStragglers(t *testing.T) {
	firstBatch := AggregationResult{NewEvents: []NewEventProposal{{NewsIDs: []int64{1}}}}
	firstBody, _ := json.Marshal(firstBatch)
	secondBatch := AggregationResult{NewEvents: []NewEventProposal{{NewsIDs: []int64{3, 4}}}}
	secondBody, _ := json.Marshal(secondBatch)
	strayResult := AggregationResult{NewEvents: []NewEventProposal{{NewsIDs: []int64{2}}}}
	strayBody, _ := json.Marshal(strayResult)

	client := &fakeClient{respond: func(req CallRequest) (string, error) {
		switch {
		case strings.Contains(req.Prompt, "news_id=3"):
			return string(secondBody), nil
		case strings.Contains(req.Prompt, "news_id=1"):
			return string(firstBody), nil
		case strings.Contains(req.Prompt, "news_id=2"):
			return string(strayBody), nil
		default:
			return "{}", nil
		}
	}}
	d := New(client, cache.New(), silentLogger(), WithBatchSize(2), WithMaxConcurrent(2))

	var progressCalls int32
	successes, failures := d.ProcessNewsConcurrent(context.Background(), newsBatch(4), nil, "m", 0.2, 1024,
		func(done, total int) { atomic.AddInt32(&progressCalls, 1) })

	require.Empty(t, failures)
	require.True(t, len(successes) >= 2)
	require.GreaterOrEqual(t, progressCalls, int32(2))

	var allAssigned []int64
	for _, s := range successes {
		for _, ne := range s.Batch.Result.NewEvents {
			allAssigned = append(allAssigned, ne.NewsIDs...)
		}
	}
	require.ElementsMatch(t, []int64{1, 2, 3, 4}, allAssigned)
}

func TestProcessNewsConcurrentSurfacesDispatchErrors(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("boom")}}
	d := New(client, cache.New(), silentLogger(), WithBatchSize(10))

	successes, failures := d.ProcessNewsConcurrent(context.Background(), newsBatch(2), nil, "m", 0.2, 1024, nil)
	require.Empty(t, successes)
	require.Len(t, failures, 1)
	require.Error(t, failures[0].Err)
}

func TestCallSingleDebugReplayHitsCacheOnSecondCall(t *testing.T) {
	client := &fakeClient{responses: []string{"first response"}}
	d := New(client, cache.New(), silentLogger(), WithDebugReplay(t.TempDir()))

	req := CallRequest{Prompt: "hello", Model: "m", Temperature: 0.2, MaxTokens: 100}
	out1, err := d.CallSingle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "first response", out1)

	out2, err := d.CallSingle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "first response", out2)
	require.Equal(t, int32(1), client.calls, "second identical call should replay from cache, not call through")
}

func TestCallSingleDebugReplayMissesOnDifferentRequest(t *testing.T) {
	client := &fakeClient{responses: []string{"resp-a", "resp-b"}}
	d := New(client, cache.New(), silentLogger(), WithDebugReplay(t.TempDir()))

	_, err := d.CallSingle(context.Background(), CallRequest{Prompt: "a", Model: "m"})
	require.NoError(t, err)
	_, err = d.CallSingle(context.Background(), CallRequest{Prompt: "b", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, int32(2), client.calls)
}

func TestCallSingleWritesArtifactWhenNotReplaying(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{responses: []string{"artifact body"}}
	d := New(client, cache.New(), silentLogger())
	d.callsDir = dir

	_, err := d.CallSingle(context.Background(), CallRequest{Prompt: "p", Model: "m", MaxTokens: 10})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var artifact callArtifact
	require.NoError(t, json.Unmarshal(data, &artifact))
	require.Equal(t, "artifact body", artifact.Response)
	require.True(t, artifact.Success)
}
