// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/rdb"
	"github.com/relayq/relayq/internal/timeutil"
)

// Sentinel errors returned by engine operations.
// Test with errors.Is.
var (
	// ErrQueueNotFound is returned when an operation names a queue that
	// is not declared in the engine configuration.
	ErrQueueNotFound = errors.ErrQueueNotFound

	// ErrTaskNotFound is returned when the task record does not exist,
	// either because the id is invalid or its retention TTL elapsed.
	ErrTaskNotFound = errors.ErrTaskNotFound

	// ErrNoTaskAvailable is returned by Dequeue when no inspected tier
	// holds a task eligible for processing.
	ErrNoTaskAvailable = errors.ErrNoTaskAvailable

	// ErrDuplicateTaskID is returned by Enqueue when a task with the
	// given custom id already exists.
	ErrDuplicateTaskID = errors.ErrTaskIDConflict
)

// RetryDelayFunc calculates the retry delay duration for a failed task
// given the attempt count, error, and the task.
type RetryDelayFunc func(n int, e error, t *Task) time.Duration

// DefaultRetryDelayFunc is the default RetryDelayFunc used if one is
// not specified in EngineConfig. The delay doubles with each attempt,
// starting at two minutes and capped at one hour.
func DefaultRetryDelayFunc(n int, e error, t *Task) time.Duration {
	const (
		baseDelay = 60 // seconds
		maxDelay  = 3600
	)
	s := int64(baseDelay) << uint(n)
	if s > maxDelay || s <= 0 {
		s = maxDelay
	}
	return time.Duration(s) * time.Second
}

// EngineConfig specifies the queue engine's behavior.
type EngineConfig struct {
	// Queues declares the queue names the engine serves. Enqueue and
	// Dequeue reject undeclared queues.
	//
	// If empty, only the "default" queue is declared.
	Queues []string

	// MaxAttempts is the default number of processing attempts per task.
	//
	// If zero or negative, 3 is used.
	MaxAttempts int

	// RetryDelayFunc calculates the backoff before a failed task becomes
	// eligible again.
	//
	// If nil, DefaultRetryDelayFunc is used.
	RetryDelayFunc RetryDelayFunc

	// LeaseDuration is how long a claimed task is considered owned by
	// the claiming worker. After the lease expires the janitor may
	// reschedule the task.
	//
	// If zero, 2 minutes is used.
	LeaseDuration time.Duration

	// LiveRetention is the store TTL margin for pending/retry/processing
	// records beyond their scheduled window.
	//
	// If zero, 24 hours is used.
	LiveRetention time.Duration

	// TerminalRetention is the store TTL for completed/failed records.
	//
	// If zero, 2 hours is used.
	TerminalRetention time.Duration
}

const defaultLeaseDuration = 2 * time.Minute

// Engine orchestrates enqueue, dequeue, completion, failure/retry and
// statistics against the backing store. It owns no state beyond its
// configuration; build one at process startup and inject it wherever
// producers and consumers need it.
type Engine struct {
	broker         base.Broker
	clock          timeutil.Clock
	queues         map[string]struct{}
	qnames         []string
	maxAttempts    int
	retryDelayFunc RetryDelayFunc
	leaseDuration  time.Duration
}

// NewEngine returns a new Engine operating on the given redis client.
func NewEngine(client redis.UniversalClient, cfg EngineConfig) (*Engine, error) {
	qnames := cfg.Queues
	if len(qnames) == 0 {
		qnames = []string{base.DefaultQueueName}
	}
	queues := make(map[string]struct{}, len(qnames))
	for _, qname := range qnames {
		if err := base.ValidateQueueName(qname); err != nil {
			return nil, fmt.Errorf("relayq: invalid queue name %q: %w", qname, err)
		}
		queues[qname] = struct{}{}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = base.DefaultMaxAttempts
	}
	delayFunc := cfg.RetryDelayFunc
	if delayFunc == nil {
		delayFunc = DefaultRetryDelayFunc
	}
	leaseDuration := cfg.LeaseDuration
	if leaseDuration == 0 {
		leaseDuration = defaultLeaseDuration
	}
	r := rdb.NewRDB(client)
	r.SetRetention(cfg.LiveRetention, cfg.TerminalRetention)
	return &Engine{
		broker:         r,
		clock:          timeutil.NewRealClock(),
		queues:         queues,
		qnames:         qnames,
		maxAttempts:    maxAttempts,
		retryDelayFunc: delayFunc,
		leaseDuration:  leaseDuration,
	}, nil
}

// Close closes the connection with the backing store.
func (e *Engine) Close() error { return e.broker.Close() }

// Ping performs a ping against the backing store.
func (e *Engine) Ping() error { return e.broker.Ping() }

// Queues returns the declared queue names.
func (e *Engine) Queues() []string {
	out := make([]string, len(e.qnames))
	copy(out, e.qnames)
	return out
}

func (e *Engine) validateQueue(qname string) error {
	if _, ok := e.queues[qname]; !ok {
		return fmt.Errorf("relayq: queue %q: %w", qname, ErrQueueNotFound)
	}
	return nil
}

// Enqueue creates a task of the given type and payload on the named
// queue and returns its id. The record write and the ready-set insert
// happen in a single store-side step. The call returns as soon as the
// task is persisted; processing happens asynchronously.
func (e *Engine) Enqueue(ctx context.Context, qname, taskType string, payload []byte, opts ...Option) (string, error) {
	if err := e.validateQueue(qname); err != nil {
		return "", err
	}
	if taskType == "" {
		return "", fmt.Errorf("relayq: task type must not be empty")
	}
	opt := taskOptions{
		priority:    PriorityNormal,
		maxAttempts: e.maxAttempts,
	}
	for _, f := range opts {
		f(&opt)
	}
	if opt.maxAttempts <= 0 {
		opt.maxAttempts = e.maxAttempts
	}
	id := opt.taskID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.clock.Now()
	processAfter := now
	if opt.delay > 0 {
		processAfter = now.Add(opt.delay)
	}
	if opt.processAt.After(processAfter) {
		processAfter = opt.processAt
	}
	rec := &base.TaskRecord{
		ID:           id,
		Queue:        qname,
		Type:         taskType,
		Payload:      payload,
		Priority:     opt.priority,
		Status:       base.StatusPending,
		MaxAttempts:  opt.maxAttempts,
		CreatedAt:    now.Unix(),
		ProcessAfter: processAfter.Unix(),
	}
	if err := e.broker.Enqueue(ctx, rec); err != nil {
		return "", err
	}
	return id, nil
}

// Dequeue claims one eligible task from the named queue and returns it
// in the processing state. Tiers are scanned from PriorityCritical down
// to PriorityLow unless specific tiers are given. Returns
// ErrNoTaskAvailable if no inspected tier yields a ready task.
func (e *Engine) Dequeue(ctx context.Context, qname string, tiers ...Priority) (*TaskInfo, error) {
	if err := e.validateQueue(qname); err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		tiers = base.PrioritiesHighFirst
	}
	leaseExpiresAt := e.clock.Now().Add(e.leaseDuration)
	for _, p := range tiers {
		rec, err := e.broker.Claim(ctx, qname, p, leaseExpiresAt)
		if errors.Is(err, ErrNoTaskAvailable) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return newTaskInfo(rec), nil
	}
	return nil, ErrNoTaskAvailable
}

// findRecord locates the record for the given id across the declared
// queues. Record keys are namespaced per queue, so this is a bounded
// number of point lookups.
func (e *Engine) findRecord(ctx context.Context, id string) (*base.TaskRecord, error) {
	for _, qname := range e.qnames {
		rec, err := e.broker.GetRecord(ctx, qname, id)
		if errors.IsTaskNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, ErrTaskNotFound
}

// MarkCompleted finalizes the task in the terminal completed state and
// stores the optional result. Returns ErrTaskNotFound if the record no
// longer exists.
func (e *Engine) MarkCompleted(ctx context.Context, id string, result []byte) error {
	rec, err := e.findRecord(ctx, id)
	if err != nil {
		return err
	}
	return e.broker.MarkCompleted(ctx, rec.Queue, rec.ID, result)
}

// MarkFailed records a processing failure for the task. The attempt
// counter is incremented; if retry is true and attempts remain, the
// task is rescheduled with exponential backoff, otherwise it is
// finalized in the terminal failed state.
func (e *Engine) MarkFailed(ctx context.Context, id string, taskErr error, retry bool) error {
	rec, err := e.findRecord(ctx, id)
	if err != nil {
		return err
	}
	msg := "unknown error"
	if taskErr != nil {
		msg = taskErr.Error()
	}
	rec.Attempts++
	if retry && rec.Attempts < rec.MaxAttempts {
		delay := e.retryDelayFunc(rec.Attempts, taskErr, NewTask(rec.Type, rec.Payload))
		return e.broker.Retry(ctx, rec, e.clock.Now().Add(delay), msg)
	}
	return e.broker.Fail(ctx, rec, msg)
}

// requeue puts the task back in its ready set, eligible immediately,
// without consuming an attempt. Used for errors the server is told not
// to count as failures.
func (e *Engine) requeue(ctx context.Context, id string, cause string) error {
	rec, err := e.findRecord(ctx, id)
	if err != nil {
		return err
	}
	return e.broker.Retry(ctx, rec, e.clock.Now(), cause)
}

// TaskStatus returns a read-only snapshot of the task's record.
// Returns ErrTaskNotFound for an invalid or expired id.
func (e *Engine) TaskStatus(ctx context.Context, id string) (*TaskInfo, error) {
	rec, err := e.findRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return newTaskInfo(rec), nil
}

// QueueStats returns per-queue counts by task status. With no arguments
// it covers all declared queues. The underlying tally is an O(n) scan
// over stored records, intended for dashboards rather than hot paths.
func (e *Engine) QueueStats(ctx context.Context, qnames ...string) (map[string]*QueueStats, error) {
	if len(qnames) == 0 {
		qnames = e.qnames
	}
	out := make(map[string]*QueueStats, len(qnames))
	for _, qname := range qnames {
		if err := e.validateQueue(qname); err != nil {
			return nil, err
		}
		stats, err := e.broker.CurrentStats(ctx, qname)
		if err != nil {
			return nil, err
		}
		out[qname] = stats
	}
	return out, nil
}

// reclaimExpired reschedules claimed tasks whose lease deadline passed,
// so work owned by a crashed or hung worker is not stuck in the
// processing state forever. The reclaim counts as an attempt: a task
// whose worker keeps dying eventually lands in the failed state instead
// of looping.
func (e *Engine) reclaimExpired(ctx context.Context, qnames ...string) (int, error) {
	if len(qnames) == 0 {
		qnames = e.qnames
	}
	recs, err := e.broker.ListLeaseExpired(ctx, e.clock.Now(), qnames...)
	if err != nil {
		return 0, err
	}
	const msg = "lease expired"
	var n int
	for _, rec := range recs {
		rec.Attempts++
		if rec.Attempts < rec.MaxAttempts {
			delay := e.retryDelayFunc(rec.Attempts, errors.New(msg), NewTask(rec.Type, rec.Payload))
			err = e.broker.Retry(ctx, rec, e.clock.Now().Add(delay), msg)
		} else {
			err = e.broker.Fail(ctx, rec, msg)
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
