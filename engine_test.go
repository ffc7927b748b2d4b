// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/rdb"
	"github.com/relayq/relayq/internal/timeutil"
)

// newTestEngine builds an engine against an in-process redis with a
// simulated clock shared between the engine and its store.
func newTestEngine(t *testing.T, cfg EngineConfig) (*Engine, *timeutil.SimulatedClock) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	e, err := NewEngine(client, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	clock := timeutil.NewSimulatedClock(time.Now())
	e.clock = clock
	e.broker.(*rdb.RDB).SetClock(clock)
	return e, clock
}

func TestNewEngineDefaults(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{})
	assert.Equal(t, []string{"default"}, e.Queues())
	assert.NoError(t, e.Ping())
}

func TestNewEngineInvalidQueueName(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	_, err := NewEngine(client, EngineConfig{Queues: []string{"default", "  "}})
	assert.Error(t, err)
}

func TestEnqueueValidation(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, "undeclared", "email:send", nil)
	assert.ErrorIs(t, err, ErrQueueNotFound)

	_, err = e.Enqueue(ctx, "default", "", nil)
	assert.Error(t, err)
}

func TestEnqueueAndTaskStatus(t *testing.T) {
	e, clock := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "email:send", []byte(`{"user_id":42}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "default", info.Queue)
	assert.Equal(t, "email:send", info.Type)
	assert.Equal(t, PriorityNormal, info.Priority)
	assert.Equal(t, StatusPending, info.Status)
	assert.Equal(t, 0, info.Attempts)
	assert.Equal(t, 3, info.MaxAttempts)
	assert.Equal(t, clock.Now().Unix(), info.ProcessAfter.Unix())

	_, err = e.TaskStatus(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestEnqueueDuplicateTaskID(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, "default", "email:send", nil, WithTaskID("fixed-id"))
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, "default", "email:send", nil, WithTaskID("fixed-id"))
	assert.ErrorIs(t, err, ErrDuplicateTaskID)
}

func TestDequeuePriorityOrder(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	lowID, err := e.Enqueue(ctx, "default", "low:task", nil, WithPriority(PriorityLow))
	require.NoError(t, err)
	normalID, err := e.Enqueue(ctx, "default", "normal:task", nil)
	require.NoError(t, err)
	criticalID, err := e.Enqueue(ctx, "default", "critical:task", nil, WithPriority(PriorityCritical))
	require.NoError(t, err)

	// Higher tiers always win, regardless of enqueue order.
	for _, want := range []string{criticalID, normalID, lowID} {
		info, err := e.Dequeue(ctx, "default")
		require.NoError(t, err)
		assert.Equal(t, want, info.ID)
		assert.Equal(t, StatusProcessing, info.Status)
	}
	_, err = e.Dequeue(ctx, "default")
	assert.ErrorIs(t, err, ErrNoTaskAvailable)
}

func TestDequeueSpecificTiers(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, "default", "critical:task", nil, WithPriority(PriorityCritical))
	require.NoError(t, err)
	normalID, err := e.Enqueue(ctx, "default", "normal:task", nil)
	require.NoError(t, err)

	info, err := e.Dequeue(ctx, "default", PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, normalID, info.ID)

	_, err = e.Dequeue(ctx, "default", PriorityNormal, PriorityLow)
	assert.ErrorIs(t, err, ErrNoTaskAvailable)
}

func TestDequeueHonorsDelay(t *testing.T) {
	e, clock := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "report:generate", nil, WithDelay(time.Hour))
	require.NoError(t, err)

	_, err = e.Dequeue(ctx, "default")
	assert.ErrorIs(t, err, ErrNoTaskAvailable)

	clock.AdvanceTime(time.Hour)
	info, err := e.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
}

func TestDequeueHonorsProcessAt(t *testing.T) {
	e, clock := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	at := clock.Now().Add(30 * time.Minute)
	id, err := e.Enqueue(ctx, "default", "report:generate", nil, WithProcessAt(at))
	require.NoError(t, err)

	_, err = e.Dequeue(ctx, "default")
	assert.ErrorIs(t, err, ErrNoTaskAvailable)

	clock.SetTime(at)
	info, err := e.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
}

func TestMarkCompleted(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "email:send", nil)
	require.NoError(t, err)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, e.MarkCompleted(ctx, id, []byte(`{"ok":true}`)))

	info, err := e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, info.Status)
	assert.JSONEq(t, `{"ok":true}`, string(info.Result))
	assert.False(t, info.CompletedAt.IsZero())

	assert.ErrorIs(t, e.MarkCompleted(ctx, "no-such-id", nil), ErrTaskNotFound)
}

func TestMarkFailedBackoff(t *testing.T) {
	e, clock := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "email:send", nil)
	require.NoError(t, err)

	// Attempt 1 fails: eligible again after 60*2^1 seconds.
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, e.MarkFailed(ctx, id, fmt.Errorf("smtp timeout"), true))

	info, err := e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, info.Status)
	assert.Equal(t, 1, info.Attempts)
	assert.Equal(t, "smtp timeout", info.LastError)
	assert.Equal(t, clock.Now().Add(120*time.Second).Unix(), info.ProcessAfter.Unix())

	_, err = e.Dequeue(ctx, "default")
	assert.ErrorIs(t, err, ErrNoTaskAvailable)

	// Attempt 2 fails: the delay doubles.
	clock.AdvanceTime(120 * time.Second)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, e.MarkFailed(ctx, id, fmt.Errorf("smtp timeout"), true))

	info, err = e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, info.Status)
	assert.Equal(t, 2, info.Attempts)
	assert.Equal(t, clock.Now().Add(240*time.Second).Unix(), info.ProcessAfter.Unix())

	// Attempt 3 exhausts the budget: terminal failed, no reschedule.
	clock.AdvanceTime(240 * time.Second)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, e.MarkFailed(ctx, id, fmt.Errorf("smtp timeout"), true))

	info, err = e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, 3, info.Attempts)

	clock.AdvanceTime(time.Hour)
	_, err = e.Dequeue(ctx, "default")
	assert.ErrorIs(t, err, ErrNoTaskAvailable)
}

func TestMarkFailedNoRetry(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "email:send", nil)
	require.NoError(t, err)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, e.MarkFailed(ctx, id, fmt.Errorf("bad payload"), false))

	info, err := e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, 1, info.Attempts)
}

func TestRequeueKeepsAttempts(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "email:send", nil)
	require.NoError(t, err)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, e.requeue(ctx, id, "worker draining"))

	info, err := e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, info.Status)
	assert.Equal(t, 0, info.Attempts)

	// Eligible immediately, no backoff.
	got, err := e.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
}

func TestWithMaxAttempts(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "email:send", nil, WithMaxAttempts(1))
	require.NoError(t, err)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, e.MarkFailed(ctx, id, fmt.Errorf("boom"), true))
	info, err := e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, info.Status)
}

func TestCustomRetryDelayFunc(t *testing.T) {
	e, clock := newTestEngine(t, EngineConfig{
		Queues: []string{"default"},
		RetryDelayFunc: func(n int, err error, t *Task) time.Duration {
			return 5 * time.Second
		},
	})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "email:send", nil)
	require.NoError(t, err)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, e.MarkFailed(ctx, id, fmt.Errorf("boom"), true))

	info, err := e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(5*time.Second).Unix(), info.ProcessAfter.Unix())
}

func TestDefaultRetryDelayFunc(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{5, 1920 * time.Second},
		{6, 3600 * time.Second}, // capped
		{10, 3600 * time.Second},
		{100, 3600 * time.Second}, // shift overflow clamps to the cap
	}
	for _, tc := range tests {
		got := DefaultRetryDelayFunc(tc.n, fmt.Errorf("boom"), NewTask("x", nil))
		assert.Equal(t, tc.want, got, "n=%d", tc.n)
	}
}

func TestQueueStats(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default", "critical"}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Enqueue(ctx, "default", "email:send", nil)
		require.NoError(t, err)
	}
	id, err := e.Enqueue(ctx, "default", "email:send", nil)
	require.NoError(t, err)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, e.MarkCompleted(ctx, id, nil))

	stats, err := e.QueueStats(ctx)
	require.NoError(t, err)
	require.Contains(t, stats, "default")
	require.Contains(t, stats, "critical")
	assert.Equal(t, 3, stats["default"].Pending)
	assert.Equal(t, 1, stats["default"].Completed)
	assert.Equal(t, int64(1), stats["default"].ProcessedTotal)
	assert.Equal(t, 0, stats["critical"].Pending)

	_, err = e.QueueStats(ctx, "undeclared")
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestReclaimExpired(t *testing.T) {
	e, clock := newTestEngine(t, EngineConfig{
		Queues:        []string{"default"},
		LeaseDuration: time.Minute,
	})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "email:send", nil)
	require.NoError(t, err)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)

	// Lease still live: nothing to reclaim.
	n, err := e.reclaimExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Worker went silent past its lease: the task is rescheduled and the
	// lost attempt is counted.
	clock.AdvanceTime(2 * time.Minute)
	n, err = e.reclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, info.Status)
	assert.Equal(t, 1, info.Attempts)
	assert.Equal(t, "lease expired", info.LastError)
}

func TestReclaimExpiredExhaustsAttempts(t *testing.T) {
	e, clock := newTestEngine(t, EngineConfig{
		Queues:        []string{"default"},
		LeaseDuration: time.Minute,
	})
	ctx := context.Background()

	id, err := e.Enqueue(ctx, "default", "email:send", nil, WithMaxAttempts(1))
	require.NoError(t, err)
	_, err = e.Dequeue(ctx, "default")
	require.NoError(t, err)

	clock.AdvanceTime(2 * time.Minute)
	n, err := e.reclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := e.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, info.Status)
}

// Concurrent dequeues across goroutines must deliver each task at most
// once; the remove-then-verify discipline is what this exercises.
func TestDequeueAtMostOnce(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{Queues: []string{"default"}})
	ctx := context.Background()

	const numTasks = 50
	ids := make(map[string]bool, numTasks)
	for i := 0; i < numTasks; i++ {
		id, err := e.Enqueue(ctx, "default", "email:send", nil)
		require.NoError(t, err)
		ids[id] = true
	}

	const numWorkers = 8
	var (
		mu      sync.Mutex
		claimed = make(map[string]int, numTasks)
		wg      sync.WaitGroup
	)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				info, err := e.Dequeue(ctx, "default")
				if err != nil {
					return
				}
				mu.Lock()
				claimed[info.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, numTasks)
	for id, n := range claimed {
		assert.True(t, ids[id], "unexpected task id %s", id)
		assert.Equal(t, 1, n, "task %s delivered %d times", id, n)
	}
}
