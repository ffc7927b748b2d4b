// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in relayq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relayq/relayq/internal/errors"
)

// Version of relayq library.
const Version = "0.1.0"

// DefaultQueueName is the queue name used if none are specified by user.
const DefaultQueueName = "default"

// DefaultMaxAttempts is the number of processing attempts a task gets
// before it is marked failed, unless overridden per task.
const DefaultMaxAttempts = 3

// Priority denotes the priority tier of a task within its queue.
// Higher tiers are always preferred by dequeue.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// PrioritiesHighFirst lists all priority tiers in dequeue scan order.
var PrioritiesHighFirst = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	panic(fmt.Sprintf("internal error: unknown priority %d", p))
}

func PriorityFromString(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not a supported priority", s))
}

// MarshalText implements encoding.TextMarshaler.
// Priorities serialize as their lowercase names, both as JSON values
// and as JSON object keys.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := PriorityFromString(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status denotes the lifecycle state of a task.
type Status int

const (
	StatusPending Status = iota + 1
	StatusProcessing
	StatusRetry
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusRetry:
		return "retry"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	panic(fmt.Sprintf("internal error: unknown task status %d", s))
}

func StatusFromString(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "processing":
		return StatusProcessing, nil
	case "retry":
		return StatusRetry, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not a supported task status", s))
}

// Terminal reports whether no further transitions occur from this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := StatusFromString(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	return nil
}

// QueueKeyPrefix returns a prefix for all keys in the given queue.
// The queue name is hash-tagged so all keys of one queue land on the
// same node in cluster mode.
func QueueKeyPrefix(qname string) string {
	return "relayq:{" + qname + "}:"
}

// TaskKeyPrefix returns a prefix for task record keys in the given queue.
func TaskKeyPrefix(qname string) string {
	return QueueKeyPrefix(qname) + "t:"
}

// TaskKey returns a redis key for the given task record.
func TaskKey(qname, id string) string {
	return TaskKeyPrefix(qname) + id
}

// ReadyKey returns a redis key for the ready set of the given queue and
// priority tier. The ready set is a ZSET of task ids scored by their
// earliest eligible processing time.
func ReadyKey(qname string, p Priority) string {
	return QueueKeyPrefix(qname) + "ready:" + p.String()
}

// LeaseKey returns a redis key for the lease set of the given queue.
// The lease set is a ZSET of claimed task ids scored by lease deadline.
func LeaseKey(qname string) string {
	return QueueKeyPrefix(qname) + "lease"
}

// ProcessedTotalKey returns a redis key for total processed count for the given queue.
func ProcessedTotalKey(qname string) string {
	return QueueKeyPrefix(qname) + "processed"
}

// FailedTotalKey returns a redis key for total failure count for the given queue.
func FailedTotalKey(qname string) string {
	return QueueKeyPrefix(qname) + "failed"
}

// TaskRecord is the envelope describing one unit of work and its
// lifecycle state. Serialized data of this type gets written to redis.
type TaskRecord struct {
	// ID is a unique identifier for each task.
	ID string `json:"id"`

	// Queue is the name of the queue this task belongs to.
	Queue string `json:"queue"`

	// Type indicates the kind of the task to be performed.
	Type string `json:"type"`

	// Payload holds data needed to process the task.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority is the tier this task is scheduled in.
	Priority Priority `json:"priority"`

	// Status is the current lifecycle state of the task.
	Status Status `json:"status"`

	// Attempts is the number of times processing has been attempted.
	Attempts int `json:"attempts"`

	// MaxAttempts is the number of attempts allowed before the task is
	// marked failed.
	MaxAttempts int `json:"max_attempts"`

	// CreatedAt is the enqueue time in Unix time,
	// the number of seconds elapsed since January 1, 1970 UTC.
	CreatedAt int64 `json:"created_at"`

	// ProcessAfter is the earliest eligible dequeue time in Unix time.
	// This is also the task's score in its ready set.
	ProcessAfter int64 `json:"process_after"`

	// ProcessingStartedAt is the time the task was last claimed by a
	// worker in Unix time.
	//
	// Use zero to indicate no value.
	ProcessingStartedAt int64 `json:"processing_started_at,omitempty"`

	// CompletedAt is the time the task was processed successfully in Unix time.
	//
	// Use zero to indicate no value.
	CompletedAt int64 `json:"completed_at,omitempty"`

	// LastFailedAt is the time of the last failure in Unix time.
	//
	// Use zero to indicate no last failure.
	LastFailedAt int64 `json:"last_failed_at,omitempty"`

	// LeaseExpiresAt is the deadline of the claiming worker's lease in
	// Unix time. Only meaningful while the task is processing.
	//
	// Use zero to indicate no lease.
	LeaseExpiresAt int64 `json:"lease_expires_at,omitempty"`

	// LastError holds the error message from the last failure.
	LastError string `json:"last_error,omitempty"`

	// Result holds the outcome data written by the handler, if any.
	Result json.RawMessage `json:"result,omitempty"`
}

// EncodeRecord marshals the given task record and returns encoded bytes.
func EncodeRecord(rec *TaskRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot encode nil task record")
	}
	return json.Marshal(rec)
}

// DecodeRecord unmarshals the given bytes and returns a decoded task record.
func DecodeRecord(data []byte) (*TaskRecord, error) {
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// QueueStats describes the state of one queue at a point in time.
type QueueStats struct {
	// Queue is the queue name.
	Queue string `json:"queue"`

	// Ready holds the ready-set cardinality per priority tier, i.e. the
	// number of pending or retry tasks awaiting dequeue in each tier,
	// eligible or not.
	Ready map[Priority]int `json:"ready"`

	// Counts of stored records per lifecycle status. Records whose
	// retention TTL elapsed are not counted.
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Retry      int `json:"retry"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	// Monotonic totals since the queue first saw traffic.
	ProcessedTotal int64 `json:"processed_total"`
	FailedTotal    int64 `json:"failed_total"`
}

// Broker is the backing store contract the queue engine operates against.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping() error
	Close() error

	// Enqueue atomically persists the record and inserts its id into the
	// (queue, priority) ready set scored by ProcessAfter.
	Enqueue(ctx context.Context, rec *TaskRecord) error

	// Claim attempts to take one ready task from the given tier whose
	// score is not after the current time. Returns ErrNoTaskAvailable if
	// the tier has no eligible task.
	Claim(ctx context.Context, qname string, p Priority, leaseExpiresAt time.Time) (*TaskRecord, error)

	// MarkCompleted finalizes the task in the terminal completed state.
	MarkCompleted(ctx context.Context, qname, id string, result []byte) error

	// Retry reschedules the task: status retry, eligible at processAt,
	// reinserted into its ready set. Does not touch the attempt counter;
	// that is the engine's job.
	Retry(ctx context.Context, rec *TaskRecord, processAt time.Time, errMsg string) error

	// Fail finalizes the task in the terminal failed state.
	Fail(ctx context.Context, rec *TaskRecord, errMsg string) error

	// GetRecord fetches the record by queue and id.
	GetRecord(ctx context.Context, qname, id string) (*TaskRecord, error)

	// WriteResult stores handler output on the record without changing
	// its lifecycle state.
	WriteResult(ctx context.Context, qname, id string, data []byte) (int, error)

	// ListLeaseExpired returns claimed records whose lease deadline is
	// not after the cutoff.
	ListLeaseExpired(ctx context.Context, cutoff time.Time, qnames ...string) ([]*TaskRecord, error)

	// CurrentStats returns the current state of the given queue.
	CurrentStats(ctx context.Context, qname string) (*QueueStats, error)
}
