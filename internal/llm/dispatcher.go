package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mosliu/hot-list-aggregation/internal/cache"
	"github.com/mosliu/hot-list-aggregation/internal/prompt"
	"github.com/mosliu/hot-list-aggregation/internal/types"
)

// BatchResult is the outcome of one process_batch call (spec.md §4.4):
// either a clean AggregationResult, or a partial one plus the news items
// the LLM's response omitted.
type BatchResult struct {
	Result        AggregationResult
	MissingNews    []int64
	PartialSuccess bool
}

// Dispatcher turns news batches into validated AggregationResults, bounded
// in concurrency, robust to transient LLM errors, and optionally replayable
// from a debug cache. It is constructed once per process and passed into
// the Aggregation Engine explicitly — no package-level singleton, per
// spec.md §9's "replace global service singletons" redesign note.
type Dispatcher struct {
	client       Client
	cache        cache.Store
	log          *slog.Logger
	batchSize    int
	maxConcurrent int
	debugReplay  bool
	callsDir     string
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithBatchSize overrides the aggregation batch size B (default from
// config.Config.LLMBatchSize).
func WithBatchSize(n int) Option { return func(d *Dispatcher) { d.batchSize = n } }

// WithMaxConcurrent overrides the worker-pool capacity C.
func WithMaxConcurrent(n int) Option { return func(d *Dispatcher) { d.maxConcurrent = n } }

// WithDebugReplay enables the request-hash replay cache instead of writing
// one llm_calls/ artefact per call (spec.md §4.4, "debug mode only").
func WithDebugReplay(dir string) Option {
	return func(d *Dispatcher) {
		d.debugReplay = true
		d.callsDir = dir
	}
}

// New builds a Dispatcher around client, an advisory cache, and a logger.
func New(client Client, store cache.Store, log *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:        client,
		cache:         store,
		log:           log,
		batchSize:     10,
		maxConcurrent: 3,
		callsDir:      "llm_calls",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CallSingle performs one completion, transparently replaying from the
// debug cache when enabled and a matching request hash is found, else
// calling through to the client and (outside debug mode) persisting a
// per-call artefact under callsDir.
func (d *Dispatcher) CallSingle(ctx context.Context, req CallRequest) (string, error) {
	hash := requestHash(req)

	if d.debugReplay {
		var cached string
		if found, _ := d.cache.Get(cache.LLMResultKey(hash), &cached); found {
			d.log.Info("llm call replayed from cache", "hash", hash)
			return cached, nil
		}
	}

	t0 := time.Now()
	text, err := d.client.CallSingle(ctx, req)
	elapsed := time.Since(t0)

	if d.debugReplay {
		if err == nil {
			_ = d.cache.Set(cache.LLMResultKey(hash), text, cache.LLMResultTTL)
		}
		return text, err
	}

	d.writeCallArtifact(req, text, err, elapsed)
	return text, err
}

func requestHash(req CallRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%.4f|%d", req.Prompt, req.Model, req.Temperature, req.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

type callArtifact struct {
	Request   CallRequest `json:"request"`
	Response  string      `json:"response"`
	Error     string      `json:"error,omitempty"`
	Success   bool        `json:"success"`
	DurationMS int64      `json:"duration_ms"`
	Timestamp time.Time   `json:"timestamp"`
}

// writeCallArtifact persists one JSON file per LLM call under callsDir
// (spec.md §6, "Persisted debug artefacts") for offline replay and
// post-mortem. Failures to write are logged, never propagated — debug
// artefacts must not fail a production run.
func (d *Dispatcher) writeCallArtifact(req CallRequest, resp string, callErr error, elapsed time.Duration) {
	if err := os.MkdirAll(d.callsDir, 0o755); err != nil {
		d.log.Warn("failed to create llm_calls directory", "error", err)
		return
	}
	artifact := callArtifact{
		Request:    req,
		Response:   resp,
		Success:    callErr == nil,
		DurationMS: elapsed.Milliseconds(),
		Timestamp:  time.Now(),
	}
	if callErr != nil {
		artifact.Error = callErr.Error()
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		d.log.Warn("failed to marshal llm call artifact", "error", err)
		return
	}
	path := filepath.Join(d.callsDir, uuid.NewString()+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		d.log.Warn("failed to write llm call artifact", "path", path, "error", err)
	}
}

// ProcessBatch renders the aggregation prompt for news against context,
// calls CallSingle, parses the JSON response (with a repair pass on
// failure), validates it, and returns either a clean result or a partial
// one plus the missing news ids (spec.md §4.4).
func (d *Dispatcher) ProcessBatch(ctx context.Context, news []types.NewsItem, context_ []types.Event, model string, temperature float64, maxTokens int64) (BatchResult, error) {
	if len(news) == 0 {
		return BatchResult{}, nil
	}

	rendered := prompt.Aggregation(news, context_)
	text, err := d.CallSingle(ctx, CallRequest{Prompt: rendered, Model: model, Temperature: temperature, MaxTokens: maxTokens})
	if err != nil {
		return BatchResult{}, err
	}

	candidate, err := ExtractJSON(text)
	if err != nil {
		return allMissing(news), nil
	}

	var result AggregationResult
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return allMissing(news), nil
	}

	outcome := ValidateAndFix(news, result)
	if outcome.IsValid {
		return BatchResult{Result: outcome.Fixed}, nil
	}
	return BatchResult{
		Result:         outcome.Fixed,
		MissingNews:    outcome.MissingNews,
		PartialSuccess: true,
	}, nil
}

func allMissing(news []types.NewsItem) BatchResult {
	ids := make([]int64, len(news))
	for i, n := range news {
		ids[i] = n.ID
	}
	return BatchResult{MissingNews: ids, PartialSuccess: true}
}

// ConcurrentResult is one batch's outcome from ProcessNewsConcurrent,
// tagged with the news items that were actually dispatched in that batch
// so callers can correlate failures back to input.
type ConcurrentResult struct {
	News   []types.NewsItem
	Batch  BatchResult
	Err    error
}

// ProgressFunc is invoked after each batch completes (success or failure).
type ProgressFunc func(done, total int)

// ProcessNewsConcurrent splits newsList into batches of the dispatcher's
// configured size, schedules at most maxConcurrent batches in flight via a
// counting semaphore, and gathers results. For every batch reporting
// PartialSuccess, the missing items are re-enqueued at half batch size
// exactly once (spec.md §4.4's straggler-retry bound).
func (d *Dispatcher) ProcessNewsConcurrent(
	ctx context.Context,
	newsList []types.NewsItem,
	context_ []types.Event,
	model string,
	temperature float64,
	maxTokens int64,
	onProgress ProgressFunc,
) (successes []ConcurrentResult, failures []ConcurrentResult) {
	results := d.dispatchBatches(ctx, newsList, context_, model, temperature, maxTokens, d.batchSize, onProgress)

	var stragglers []types.NewsItem
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, r)
			continue
		}
		if r.Batch.PartialSuccess {
			byID := indexByID(r.News)
			for _, id := range r.Batch.MissingNews {
				if n, ok := byID[id]; ok {
					stragglers = append(stragglers, n)
				}
			}
		}
		successes = append(successes, r)
	}

	if len(stragglers) == 0 {
		return successes, failures
	}

	halfBatch := d.batchSize / 2
	if halfBatch < 1 {
		halfBatch = 1
	}
	d.log.Info("re-dispatching straggler news at half batch size", "count", len(stragglers), "batch_size", halfBatch)

	retryResults := d.dispatchBatches(ctx, stragglers, context_, model, temperature, maxTokens, halfBatch, nil)
	for _, r := range retryResults {
		if r.Err != nil {
			failures = append(failures, r)
			continue
		}
		successes = append(successes, r)
		if r.Batch.PartialSuccess {
			d.log.Warn("straggler retry still left news unassigned; surfacing as failure", "missing", r.Batch.MissingNews)
		}
	}

	return successes, failures
}

// BatchSize returns the dispatcher's configured batch size, so callers
// orchestrating their own retry passes (e.g. the Aggregation Engine's
// straggler recovery) can derive a consistent half-batch size from it.
func (d *Dispatcher) BatchSize() int { return d.batchSize }

// ProcessNewsAtBatchSize behaves like ProcessNewsConcurrent's underlying
// dispatch, but with an explicit batch size instead of the dispatcher's
// configured default. It does not run ProcessNewsConcurrent's own
// straggler retry — callers that need a second-chance pass at a smaller
// batch size (spec.md §4.5 step 5) call this directly with that size.
func (d *Dispatcher) ProcessNewsAtBatchSize(
	ctx context.Context,
	newsList []types.NewsItem,
	context_ []types.Event,
	model string,
	temperature float64,
	maxTokens int64,
	batchSize int,
	onProgress ProgressFunc,
) []ConcurrentResult {
	return d.dispatchBatches(ctx, newsList, context_, model, temperature, maxTokens, batchSize, onProgress)
}

func (d *Dispatcher) dispatchBatches(
	ctx context.Context,
	newsList []types.NewsItem,
	context_ []types.Event,
	model string,
	temperature float64,
	maxTokens int64,
	batchSize int,
	onProgress ProgressFunc,
) []ConcurrentResult {
	batches := splitBatches(newsList, batchSize)
	sem := semaphore.NewWeighted(int64(d.maxConcurrent))

	results := make([]ConcurrentResult, len(batches))
	done := make(chan struct{}, len(batches))

	for i, batch := range batches {
		i, batch := i, batch
		go func() {
			defer func() { done <- struct{}{} }()

			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = ConcurrentResult{News: batch, Err: err}
				return
			}
			defer sem.Release(1)

			br, err := d.ProcessBatch(ctx, batch, context_, model, temperature, maxTokens)
			results[i] = ConcurrentResult{News: batch, Batch: br, Err: err}
		}()
	}

	completed := 0
	for range batches {
		<-done
		completed++
		if onProgress != nil {
			onProgress(completed, len(batches))
		}
	}

	return results
}

func splitBatches(news []types.NewsItem, size int) [][]types.NewsItem {
	if size <= 0 {
		size = len(news)
	}
	var batches [][]types.NewsItem
	for i := 0; i < len(news); i += size {
		end := i + size
		if end > len(news) {
			end = len(news)
		}
		batches = append(batches, news[i:end])
	}
	return batches
}

func indexByID(news []types.NewsItem) map[int64]types.NewsItem {
	m := make(map[int64]types.NewsItem, len(news))
	for _, n := range news {
		m[n.ID] = n
	}
	return m
}
