package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobRunsImmediatelyOnStart(t *testing.T) {
	var calls int32
	job := Job{
		Name:     "aggregate",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}
	s := New(silentLogger(), job)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestJobTicksRepeatedly(t *testing.T) {
	var calls int32
	job := Job{
		Name:     "cleanup",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}
	s := New(silentLogger(), job)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	var calls int32
	job := Job{
		Name:         "merge",
		Interval:     10 * time.Millisecond,
		MisfireGrace: time.Millisecond,
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n == 2 {
				time.Sleep(50 * time.Millisecond)
			}
			return nil
		},
	}
	s := New(silentLogger(), job)

	ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	require.NoError(t, err)

	got := atomic.LoadInt32(&calls)
	require.GreaterOrEqual(t, got, int32(2))
	require.Less(t, got, int32(6), "overlapping ticks should have been skipped while call 2 was in flight")
}

func TestStatusReportsLastError(t *testing.T) {
	boom := errorJob{}
	job := Job{
		Name:     "label",
		Interval: time.Hour,
		Run:      boom.run,
	}
	s := New(silentLogger(), job)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	require.NoError(t, err)

	statuses := s.Status()
	require.Len(t, statuses, 1)
	require.Equal(t, "label", statuses[0].Name)
	require.Error(t, statuses[0].LastErr)
	require.False(t, statuses[0].Running)
}

type errorJob struct{}

func (e errorJob) run(ctx context.Context) error {
	return errBoom
}

var errBoom = &jobError{"scheduled job exploded"}

type jobError struct{ msg string }

func (e *jobError) Error() string { return e.msg }
