// Package llm implements the LLM Dispatcher (spec.md §4.4): batched,
// concurrency-limited, retrying, validating, optionally-replayed LLM calls.
// The retry/backoff/observability shape is ported from the teacher's
// internal/compact/haiku.go (a hand-rolled math.Pow backoff loop around the
// Anthropic SDK with OTel metrics/tracing); here the backoff math itself is
// delegated to github.com/cenkalti/backoff/v4, a dependency the teacher
// already carries, rather than re-deriving exponential-backoff-with-jitter
// by hand.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/mosliu/hot-list-aggregation/internal/errs"
	"github.com/mosliu/hot-list-aggregation/internal/telemetry"
)

// CallRequest is one completion request to the LLM Dispatcher's
// call_single operation.
type CallRequest struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Client is the narrow interface the dispatcher drives. The production
// implementation (AnthropicClient) wraps the Anthropic SDK; tests substitute
// a fake, the way the teacher swaps haikuClient-shaped dependencies in
// internal/compact/haiku_test.go.
type Client interface {
	CallSingle(ctx context.Context, req CallRequest) (string, error)
}

// AnthropicClient is the production Client, backed by
// github.com/anthropics/anthropic-sdk-go.
type AnthropicClient struct {
	client     anthropic.Client
	retryTimes int
	baseWait   time.Duration
	maxWait    time.Duration
	log        *slog.Logger
}

// NewAnthropicClient builds an AnthropicClient. It returns
// errs.ErrAPIKeyRequired when apiKey is empty; reading ANTHROPIC_API_KEY from
// the environment is left to config.Load.
func NewAnthropicClient(apiKey string, retryTimes int, log *slog.Logger) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errs.ErrAPIKeyRequired
	}
	if retryTimes <= 0 {
		retryTimes = 3
	}
	aiMetricsOnce.Do(initAIMetrics)

	return &AnthropicClient{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		retryTimes: retryTimes,
		baseWait:   2 * time.Second,
		maxWait:    30 * time.Second,
		log:        log,
	}, nil
}

var (
	aiMetrics struct {
		attempts metric.Int64Counter
		duration metric.Float64Histogram
		failures metric.Int64Counter
	}
	aiMetricsOnce sync.Once
)

func initAIMetrics() {
	m := telemetry.Meter("github.com/mosliu/hot-list-aggregation/llm")
	aiMetrics.attempts, _ = m.Int64Counter("aggr.llm.attempts",
		metric.WithDescription("LLM call attempts, including retries"))
	aiMetrics.duration, _ = m.Float64Histogram("aggr.llm.request.duration",
		metric.WithDescription("LLM request duration in milliseconds"), metric.WithUnit("ms"))
	aiMetrics.failures, _ = m.Int64Counter("aggr.llm.failures",
		metric.WithDescription("LLM calls that exhausted retries"))
}

// CallSingle performs one completion with retry (default 3 attempts,
// exponential backoff starting at 2s, per spec.md §4.4) and structured
// observability logging of each attempt.
func (c *AnthropicClient) CallSingle(ctx context.Context, req CallRequest) (string, error) {
	tracer := telemetry.Tracer("github.com/mosliu/hot-list-aggregation/llm")
	ctx, span := tracer.Start(ctx, "llm.call_single")
	defer span.End()
	span.SetAttributes(attribute.String("aggr.llm.model", req.Model))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseWait
	bo.MaxInterval = c.maxWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	retrier := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retryTimes-1)), ctx)

	attempt := 0
	var result string
	operation := func() error {
		attempt++
		t0 := time.Now()
		text, err := c.doCall(ctx, req)
		ms := float64(time.Since(t0).Milliseconds())

		if aiMetrics.attempts != nil {
			aiMetrics.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("aggr.llm.model", req.Model)))
			aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(attribute.String("aggr.llm.model", req.Model)))
		}

		if err == nil {
			if text == "" {
				c.log.Warn("llm call returned empty response", "attempt", attempt, "model", req.Model)
				return fmt.Errorf("empty response from LLM")
			}
			result = text
			c.log.Info("llm call succeeded", "attempt", attempt, "model", req.Model, "duration_ms", ms)
			return nil
		}

		if !isRetryable(err) {
			c.log.Error("llm call failed, non-retryable", "attempt", attempt, "model", req.Model, "error", err)
			return backoff.Permanent(err)
		}
		c.log.Warn("llm call failed, retrying", "attempt", attempt, "model", req.Model, "error", err)
		return err
	}

	err := backoff.Retry(operation, retrier)
	if err != nil {
		if aiMetrics.failures != nil {
			aiMetrics.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("aggr.llm.model", req.Model)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("llm call failed after %d attempts: %w", attempt, err)
	}
	span.SetAttributes(attribute.Int("aggr.llm.attempts", attempt))
	return result, nil
}

func (c *AnthropicClient) doCall(ctx context.Context, req CallRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(message.Content) == 0 {
		return "", nil
	}
	content := message.Content[0]
	if content.Type != "text" {
		return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
	}
	return content.Text, nil
}

// isRetryable mirrors the teacher's internal/compact/haiku.go isRetryable:
// network timeouts and Anthropic 429/5xx responses are retried; everything
// else (including validation-shaped errors) is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return errs.IsRetryable(err)
}
