package runs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresOnTicker(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, trigger Trigger) error {
		assert.Equal(t, TriggerSchedule, trigger)
		calls.Add(1)
		return nil
	}

	s := NewScheduler(nil, fn, SchedulerConfig{Interval: 20 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerRunOnStart(t *testing.T) {
	var calls atomic.Int32
	fn := func(context.Context, Trigger) error {
		calls.Add(1)
		return nil
	}

	s := NewScheduler(nil, fn, SchedulerConfig{Interval: time.Hour, RunOnStart: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerErrorDoesNotStopTicker(t *testing.T) {
	var calls atomic.Int32
	fn := func(context.Context, Trigger) error {
		calls.Add(1)
		return errors.New("transport failure")
	}

	s := NewScheduler(nil, fn, SchedulerConfig{Interval: 20 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerCollapsesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context, Trigger) error {
		calls.Add(1)
		<-release
		return nil
	}
	s := NewScheduler(nil, fn, SchedulerConfig{}, nil)

	var wg sync.WaitGroup
	var sharedCount atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shared, err := s.Trigger(context.Background(), TriggerAPI)
			assert.NoError(t, err)
			if shared {
				sharedCount.Add(1)
			}
		}()
	}

	require.Eventually(t, s.InProgress, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.InProgress())
}

func TestTriggerAsyncRejectsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(ctx context.Context, trigger Trigger) error {
		assert.Equal(t, TriggerAPI, trigger)
		calls.Add(1)
		<-release
		return nil
	}
	s := NewScheduler(nil, fn, SchedulerConfig{}, nil)

	assert.True(t, s.TriggerAsync(TriggerAPI))
	assert.True(t, s.InProgress())
	assert.False(t, s.TriggerAsync(TriggerAPI))

	close(release)
	assert.Eventually(t, func() bool { return !s.InProgress() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMaintainRecoversAndPrunes(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	stuck := newTestRun(1, ModeIncremental, TriggerSchedule)
	stuck.StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.Start(ctx, stuck))

	old := newTestRun(1, ModeIncremental, TriggerSchedule)
	require.NoError(t, store.Start(ctx, old))
	old.State = StateCommitted
	require.NoError(t, store.Finish(ctx, old))
	require.NoError(t, db.Model(&Run{}).Where("id = ?", old.ID).
		Update("finished_at", time.Now().UTC().AddDate(0, 0, -60)).Error)

	s := NewScheduler(store, func(context.Context, Trigger) error { return nil },
		SchedulerConfig{StuckTimeout: time.Hour, RetentionDays: 30}, nil)
	s.Maintain(ctx)

	got, err := store.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, got.State)

	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
