package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startLocal(t *testing.T, s *Local) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, s.Run(ctx))
	}()
	return cancel, done
}

// advanceUntil 推进模拟时钟直到条件满足
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(step)
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalFiresJobsWithRunID(t *testing.T) {
	mock := clock.NewMock()
	var runs atomic.Int32
	var lastRunID atomic.Value

	s, err := NewLocal(mock, zaptest.NewLogger(t), Job{
		Name:    "aggregate",
		Trigger: IntervalTrigger{Every: time.Hour},
		Run: func(ctx context.Context) error {
			lastRunID.Store(logger.RunID(ctx))
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	cancel, done := startLocal(t, s)
	advanceUntil(t, mock, time.Hour, func() bool { return runs.Load() >= 1 })
	advanceUntil(t, mock, time.Hour, func() bool { return runs.Load() >= 2 })

	require.NotEmpty(t, lastRunID.Load())
	cancel()
	<-done
}

func TestLocalJobsDoNotOverlap(t *testing.T) {
	mock := clock.NewMock()
	var active, maxActive atomic.Int32
	var aggRuns, delRuns atomic.Int32

	body := func(counter *atomic.Int32) func(context.Context) error {
		return func(context.Context) error {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			counter.Add(1)
			return nil
		}
	}

	s, err := NewLocal(mock, zaptest.NewLogger(t),
		Job{Name: "aggregate", Trigger: IntervalTrigger{Every: time.Hour}, Run: body(&aggRuns)},
		Job{Name: "deliver", Trigger: IntervalTrigger{Every: time.Hour}, Run: body(&delRuns)},
	)
	require.NoError(t, err)

	cancel, done := startLocal(t, s)
	advanceUntil(t, mock, time.Hour, func() bool { return aggRuns.Load() >= 2 && delRuns.Load() >= 2 })
	require.Equal(t, int32(1), maxActive.Load())
	cancel()
	<-done
}

func TestLocalSurvivesJobErrorsAndPanics(t *testing.T) {
	mock := clock.NewMock()
	var runs atomic.Int32

	s, err := NewLocal(mock, zaptest.NewLogger(t), Job{
		Name:    "deliver",
		Trigger: IntervalTrigger{Every: time.Minute},
		Run: func(context.Context) error {
			switch runs.Add(1) {
			case 1:
				return errors.New("boom")
			case 2:
				panic("unexpected")
			}
			return nil
		},
	})
	require.NoError(t, err)

	cancel, done := startLocal(t, s)
	advanceUntil(t, mock, time.Minute, func() bool { return runs.Load() >= 3 })
	cancel()
	<-done
}

func TestNewLocalRejectsIncompleteJob(t *testing.T) {
	_, err := NewLocal(clock.NewMock(), zaptest.NewLogger(t), Job{Name: "x"})
	require.Error(t, err)
}
