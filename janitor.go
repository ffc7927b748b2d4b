// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"sync"
	"time"

	"github.com/relayq/relayq/internal/log"
)

// janitor is responsible for periodically rescheduling claimed tasks
// whose lease deadline passed, so work owned by a crashed or hung
// worker does not stay in the processing state forever.
type janitor struct {
	logger *log.Logger
	engine *Engine

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// interval between reclaim runs.
	interval time.Duration
}

type janitorParams struct {
	logger   *log.Logger
	engine   *Engine
	interval time.Duration
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:   params.logger,
		engine:   params.engine,
		done:     make(chan struct{}),
		interval: params.interval,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) exec() {
	n, err := j.engine.reclaimExpired(context.Background())
	if err != nil {
		j.logger.Errorf("Failed to reclaim lease-expired tasks: %v", err)
		return
	}
	if n > 0 {
		j.logger.Infof("Rescheduled %d lease-expired task(s)", n)
	}
}
