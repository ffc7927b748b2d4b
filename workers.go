// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/log"
)

// workerPool runs the per-queue polling workers. Each worker owns an
// unbounded dequeue-process-report loop; the pool owns their shared
// lifecycle.
type workerPool struct {
	logger  *log.Logger
	engine  *Engine
	handler Handler

	// queues maps queue name to number of concurrent workers.
	queues map[string]int

	taskCheckInterval time.Duration
	shutdownTimeout   time.Duration
	baseCtxFn         func() context.Context
	isFailure         func(error) bool
	errHandler        ErrorHandler

	// rate limiter to prevent spamming logs with a bunch of errors
	// when the store is down or unreachable.
	errLogLimiter *rate.Limiter

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type workerPoolParams struct {
	logger            *log.Logger
	engine            *Engine
	queues            map[string]int
	taskCheckInterval time.Duration
	shutdownTimeout   time.Duration
	baseCtxFn         func() context.Context
	isFailure         func(error) bool
	errHandler        ErrorHandler
}

func newWorkerPool(params workerPoolParams) *workerPool {
	return &workerPool{
		logger:            params.logger,
		engine:            params.engine,
		queues:            params.queues,
		taskCheckInterval: params.taskCheckInterval,
		shutdownTimeout:   params.shutdownTimeout,
		baseCtxFn:         params.baseCtxFn,
		isFailure:         params.isFailure,
		errHandler:        params.errHandler,
		errLogLimiter:     rate.NewLimiter(rate.Every(3*time.Second), 1),
		done:              make(chan struct{}),
	}
}

func (p *workerPool) start() {
	for qname, n := range p.queues {
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.worker(qname, i)
		}
	}
}

// stop signals all workers to stop pulling new tasks off queues.
// In-flight handler calls are not interrupted.
func (p *workerPool) stop() {
	p.once.Do(func() {
		p.logger.Debug("Worker pool shutting down...")
		close(p.done)
	})
}

// shutdown stops the pool and waits for the workers to finish, at most
// for the configured shutdown timeout. A worker blocked inside a
// long-running handler past the timeout is abandoned.
func (p *workerPool) shutdown() {
	p.stop()
	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(p.shutdownTimeout):
		p.logger.Warnf("Worker pool shutdown timed out after %v; abandoning in-flight workers", p.shutdownTimeout)
	}
}

// sleep pauses the worker for d unless the pool is stopped first.
func (p *workerPool) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
	}
}

func (p *workerPool) worker(qname string, id int) {
	defer p.wg.Done()
	p.logger.Debugf("Worker %s/%d starting", qname, id)
	for {
		select {
		case <-p.done:
			p.logger.Debugf("Worker %s/%d done", qname, id)
			return
		default:
		}
		ctx := p.baseCtxFn()
		info, err := p.engine.Dequeue(ctx, qname)
		switch {
		case errors.Is(err, ErrNoTaskAvailable):
			p.sleep(p.taskCheckInterval)
		case err != nil:
			if p.errLogLimiter.Allow() {
				p.logger.Errorf("Dequeue error from queue %q: %v", qname, err)
			}
			// A flaky store should not spin the CPU.
			p.sleep(5 * p.taskCheckInterval)
		default:
			p.perform(ctx, info)
		}
	}
}

// perform runs the handler for a claimed task and reports the outcome.
// Handler failures feed the retry machine and never crash the worker.
func (p *workerPool) perform(ctx context.Context, info *TaskInfo) {
	task := newProcessingTask(ctx, p.engine.broker, info)
	err := p.safeProcess(ctx, task)
	switch {
	case err == nil:
		if err := p.engine.MarkCompleted(ctx, info.ID, nil); err != nil {
			p.logger.Errorf("Could not mark task id=%s completed: %v", info.ID, err)
		}
	case !p.isFailure(err):
		// Not counted as a failure; put the task back without consuming
		// an attempt.
		p.logger.Debugf("Requeueing task id=%s: %v", info.ID, err)
		if err := p.engine.requeue(ctx, info.ID, err.Error()); err != nil {
			p.logger.Errorf("Could not requeue task id=%s: %v", info.ID, err)
		}
	default:
		if p.errHandler != nil {
			p.errHandler.HandleError(ctx, task, err)
		}
		if err := p.engine.MarkFailed(ctx, info.ID, err, true); err != nil {
			p.logger.Errorf("Could not mark task id=%s failed: %v", info.ID, err)
		}
	}
}

// safeProcess invokes the handler, converting a panic into an error so
// a misbehaving handler takes down its task, not the worker.
func (p *workerPool) safeProcess(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("Recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			err = fmt.Errorf("panic while processing task %q: %v", task.Type(), r)
		}
	}()
	return p.handler.ProcessTask(ctx, task)
}
