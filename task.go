// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relayq/relayq/internal/base"
)

// Priority denotes the priority tier of a task within its queue,
// ordered PriorityCritical > PriorityHigh > PriorityNormal > PriorityLow.
type Priority = base.Priority

const (
	PriorityLow      = base.PriorityLow
	PriorityNormal   = base.PriorityNormal
	PriorityHigh     = base.PriorityHigh
	PriorityCritical = base.PriorityCritical
)

// Status denotes the lifecycle state of a task.
type Status = base.Status

const (
	StatusPending    = base.StatusPending
	StatusProcessing = base.StatusProcessing
	StatusRetry      = base.StatusRetry
	StatusCompleted  = base.StatusCompleted
	StatusFailed     = base.StatusFailed
)

// Task represents a unit of work to be performed by a handler.
type Task struct {
	// typename indicates the type of task to be performed.
	typename string

	// payload holds data needed to perform the task.
	payload []byte

	// w is the ResultWriter for the task. Non-nil only for tasks handed
	// to a handler by the worker pool.
	w *ResultWriter
}

// Type returns the type name of the task.
func (t *Task) Type() string { return t.typename }

// Payload returns the payload data of the task.
func (t *Task) Payload() []byte { return t.payload }

// ResultWriter returns a pointer to the ResultWriter associated with the task.
//
// Nil pointer is returned if called on a task not handed to a handler.
func (t *Task) ResultWriter() *ResultWriter { return t.w }

// NewTask returns a new Task given a type name and payload data.
func NewTask(typename string, payload []byte) *Task {
	return &Task{typename: typename, payload: payload}
}

// newProcessingTask builds a task as seen by a handler, with a writer
// bound to the stored record.
func newProcessingTask(ctx context.Context, broker base.Broker, info *TaskInfo) *Task {
	return &Task{
		typename: info.Type,
		payload:  info.Payload,
		w: &ResultWriter{
			ctx:    ctx,
			id:     info.ID,
			qname:  info.Queue,
			broker: broker,
		},
	}
}

// ResultWriter is a client interface to write result data for a task.
// It writes the data to the redis instance the queue belongs to.
type ResultWriter struct {
	ctx    context.Context
	id     string
	qname  string
	broker base.Broker
}

// Write writes the given data as a result of the task the ResultWriter
// is associated with.
func (w *ResultWriter) Write(data []byte) (n int, err error) {
	select {
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	default:
	}
	return w.broker.WriteResult(w.ctx, w.qname, w.id, data)
}

// TaskID returns the id of the task the ResultWriter is associated with.
func (w *ResultWriter) TaskID() string { return w.id }

// TaskInfo describes a task record and its lifecycle state as seen by
// callers of the engine. It is a read-only snapshot.
type TaskInfo struct {
	// ID is the identifier assigned at enqueue time.
	ID string `json:"id"`

	// Queue is the name of the queue the task belongs to.
	Queue string `json:"queue"`

	// Type is the type name of the task.
	Type string `json:"type"`

	// Payload is the payload data of the task.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority is the tier the task is scheduled in.
	Priority Priority `json:"priority"`

	// Status is the current lifecycle state of the task.
	Status Status `json:"status"`

	// Attempts is the number of times the task has been attempted.
	Attempts int `json:"attempts"`

	// MaxAttempts is the number of attempts allowed before the task is
	// marked failed.
	MaxAttempts int `json:"max_attempts"`

	// CreatedAt is the time the task was enqueued.
	CreatedAt time.Time `json:"created_at"`

	// ProcessAfter is the earliest time the task is eligible for dequeue.
	ProcessAfter time.Time `json:"process_after"`

	// ProcessingStartedAt is the time the task was last claimed by a
	// worker. Zero if never claimed.
	ProcessingStartedAt time.Time `json:"processing_started_at"`

	// CompletedAt is the time the task completed. Zero unless completed.
	CompletedAt time.Time `json:"completed_at"`

	// LastFailedAt is the time of the last failure. Zero if never failed.
	LastFailedAt time.Time `json:"last_failed_at"`

	// LastError is the error message from the last failure.
	LastError string `json:"last_error,omitempty"`

	// Result is the outcome data written by the handler, if any.
	Result json.RawMessage `json:"result,omitempty"`
}

func newTaskInfo(rec *base.TaskRecord) *TaskInfo {
	info := &TaskInfo{
		ID:           rec.ID,
		Queue:        rec.Queue,
		Type:         rec.Type,
		Payload:      rec.Payload,
		Priority:     rec.Priority,
		Status:       rec.Status,
		Attempts:     rec.Attempts,
		MaxAttempts:  rec.MaxAttempts,
		CreatedAt:    time.Unix(rec.CreatedAt, 0),
		ProcessAfter: time.Unix(rec.ProcessAfter, 0),
		LastError:    rec.LastError,
		Result:       rec.Result,
	}
	if rec.ProcessingStartedAt != 0 {
		info.ProcessingStartedAt = time.Unix(rec.ProcessingStartedAt, 0)
	}
	if rec.CompletedAt != 0 {
		info.CompletedAt = time.Unix(rec.CompletedAt, 0)
	}
	if rec.LastFailedAt != 0 {
		info.LastFailedAt = time.Unix(rec.LastFailedAt, 0)
	}
	return info
}

// QueueStats holds per-queue aggregate counts by task status.
type QueueStats = base.QueueStats
