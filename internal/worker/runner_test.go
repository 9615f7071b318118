package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoop_RunsImmediatelyAndOnTicks(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	job := Job{
		Name:     "test",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) (int, error) {
			if calls.Add(1) >= 3 {
				cancel()
			}
			return 1, nil
		},
	}

	err := NewRunner(slog.Default()).Loop(ctx, job)

	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestLoop_SurvivesJobErrors(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	job := Job{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) (int, error) {
			if calls.Add(1) >= 2 {
				cancel()
			}
			return 0, errors.New("boom")
		},
	}

	err := NewRunner(slog.Default()).Loop(ctx, job)

	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

type fakeSweeper struct {
	gotOlderThan time.Time
	gotLimit     int
}

func (f *fakeSweeper) SweepIdleReservations(_ context.Context, olderThan time.Time, limit int) (int, error) {
	f.gotOlderThan = olderThan
	f.gotLimit = limit
	return 0, nil
}

func TestReservationExpiry_CutoffUsesTTL(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := ReservationExpiry(sweeper, 30*time.Minute, time.Minute)

	before := time.Now().Add(-30 * time.Minute)
	_, err := job.Run(context.Background())
	after := time.Now().Add(-30 * time.Minute)

	assert.NoError(t, err)
	assert.Equal(t, sweepBatchLimit, sweeper.gotLimit)
	assert.False(t, sweeper.gotOlderThan.Before(before))
	assert.False(t, sweeper.gotOlderThan.After(after))
}
