// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"strings"
	"time"
)

// Option specifies an enqueue-time behavior of a task.
type Option func(*taskOptions)

type taskOptions struct {
	taskID      string
	priority    Priority
	delay       time.Duration
	processAt   time.Time
	maxAttempts int
}

// WithTaskID sets a custom id for the task instead of a generated one.
// Enqueue returns ErrDuplicateTaskID if a task with the same id already
// exists in the store.
func WithTaskID(id string) Option {
	return func(o *taskOptions) { o.taskID = strings.TrimSpace(id) }
}

// WithPriority schedules the task in the given priority tier.
//
// Default is PriorityNormal.
func WithPriority(p Priority) Option {
	return func(o *taskOptions) { o.priority = p }
}

// WithDelay makes the task eligible for processing no earlier than d
// from now.
func WithDelay(d time.Duration) Option {
	return func(o *taskOptions) { o.processAt = time.Time{}; o.delay = d }
}

// WithProcessAt makes the task eligible for processing no earlier than t.
func WithProcessAt(t time.Time) Option {
	return func(o *taskOptions) { o.processAt = t }
}

// WithMaxAttempts overrides the number of processing attempts the task
// gets before it is marked failed.
//
// Default is 3.
func WithMaxAttempts(n int) Option {
	return func(o *taskOptions) { o.maxAttempts = n }
}
