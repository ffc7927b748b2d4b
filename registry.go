// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// A Handler processes tasks.
//
// ProcessTask should return nil if the processing of a task is
// successful. If ProcessTask returns a non-nil error or panics, the
// task will be retried after backoff if attempts are remaining,
// otherwise the task will be marked failed.
type Handler interface {
	ProcessTask(context.Context, *Task) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Task) error

// ProcessTask calls fn(ctx, task)
func (fn HandlerFunc) ProcessTask(ctx context.Context, task *Task) error {
	return fn(ctx, task)
}

// Registry maps task types to handlers. It implements Handler, so it
// can be passed directly to Server.Start.
//
// Task types without a registered handler fall back to the generic CRUD
// handler when a DataSink is configured; otherwise processing the task
// fails.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sink     DataSink
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDataSink sets the data sink backing the generic CRUD handler.
func WithDataSink(sink DataSink) RegistryOption {
	return func(r *Registry) { r.sink = sink }
}

// NewRegistry returns a new Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register associates the handler with the given task type.
// Registering a handler for an already registered type is an error.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("relayq: task type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("relayq: nil handler for task type %q", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("relayq: handler already registered for task type %q", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// RegisterFunc associates the handler function with the given task type.
func (r *Registry) RegisterFunc(taskType string, fn func(context.Context, *Task) error) error {
	return r.Register(taskType, HandlerFunc(fn))
}

// ProcessTask dispatches the task to the handler registered for its
// type, falling back to the generic CRUD handler.
func (r *Registry) ProcessTask(ctx context.Context, task *Task) error {
	r.mu.RLock()
	h, ok := r.handlers[task.Type()]
	sink := r.sink
	r.mu.RUnlock()
	if ok {
		return h.ProcessTask(ctx, task)
	}
	if sink == nil {
		return fmt.Errorf("relayq: no handler registered for task type %q", task.Type())
	}
	return r.processCRUD(ctx, sink, task)
}

// crudPayload is the envelope the generic CRUD handler interprets.
type crudPayload struct {
	Operation  string         `json:"operation"`
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
	Query      map[string]any `json:"query"`
	UpdateData map[string]any `json:"update_data"`
}

// processCRUD interprets the task payload as a generic CRUD operation
// against the configured data sink. Malformed envelopes return an error
// and feed the retry machine; sink faults propagate as-is.
func (r *Registry) processCRUD(ctx context.Context, sink DataSink, task *Task) error {
	var p crudPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("relayq: invalid crud payload for task type %q: %w", task.Type(), err)
	}
	if p.Collection == "" {
		return fmt.Errorf("relayq: crud payload missing collection")
	}
	switch p.Operation {
	case "insert":
		if len(p.Data) == 0 {
			return fmt.Errorf("relayq: crud insert missing data")
		}
		return sink.Insert(ctx, p.Collection, p.Data)
	case "update":
		if len(p.Query) == 0 {
			return fmt.Errorf("relayq: crud update missing query")
		}
		if len(p.UpdateData) == 0 {
			return fmt.Errorf("relayq: crud update missing update_data")
		}
		_, err := sink.Update(ctx, p.Collection, p.Query, p.UpdateData)
		return err
	case "delete":
		if len(p.Query) == 0 {
			return fmt.Errorf("relayq: crud delete missing query")
		}
		_, err := sink.Delete(ctx, p.Collection, p.Query)
		return err
	case "find":
		docs, err := sink.Find(ctx, p.Collection, p.Query)
		if err != nil {
			return err
		}
		if w := task.ResultWriter(); w != nil {
			out, err := json.Marshal(docs)
			if err != nil {
				return fmt.Errorf("relayq: crud find result: %w", err)
			}
			if _, err := w.Write(out); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("relayq: unknown crud operation %q", p.Operation)
	}
}
