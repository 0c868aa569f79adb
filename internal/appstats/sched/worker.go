// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sched runs the background jobs of the aggregator: periodic
// counter updates (shifts and rollups) and materialized-view rebuilds.
// Repeated or overlapping invocations are safe; the counters' advisory
// locks and persisted rollup timestamps make every run idempotent.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"appstats/internal/appstats/engine"
)

// Worker drives counter updates and cache rebuilds on independent tickers.
type Worker struct {
	engines         []*engine.Engine
	counterInterval time.Duration
	cacheInterval   time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	stopped         uint32
	log             *logrus.Entry
}

// NewWorker configures a worker over the given engines. Cadences default to
// one minute, which matches the finest counter resolution; anything slower
// than secs_per_part (rolling) or interval_minutes (periodic) loses
// accuracy but not correctness.
func NewWorker(engines []*engine.Engine, counterInterval, cacheInterval time.Duration) *Worker {
	if counterInterval <= 0 {
		counterInterval = time.Minute
	}
	if cacheInterval <= 0 {
		cacheInterval = time.Minute
	}
	return &Worker{
		engines:         engines,
		counterInterval: counterInterval,
		cacheInterval:   cacheInterval,
		stopChan:        make(chan struct{}),
		log:             logrus.WithField("component", "sched"),
	}
}

// Start launches the background loops.
func (w *Worker) Start() {
	w.log.Info("starting background worker")
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.counterLoop()
	}()
	go func() {
		defer w.wg.Done()
		w.cacheLoop()
	}()
}

// Stop gracefully stops the background loops. A final counter pass flushes
// any due rollups so a clean shutdown leaves no stale accumulators behind.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	w.log.Info("stopping background worker")
	close(w.stopChan)
	w.wg.Wait()
	w.runCounters()
}

func (w *Worker) counterLoop() {
	ticker := time.NewTicker(w.counterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.runCounters()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Worker) cacheLoop() {
	ticker := time.NewTicker(w.cacheInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.runCache()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Worker) runCounters() {
	ctx, cancel := context.WithTimeout(context.Background(), w.counterInterval)
	defer cancel()
	for _, e := range w.engines {
		if err := e.UpdateCounters(ctx); err != nil {
			w.log.WithError(err).WithField("stats", e.Kind).Warn("counter update failed")
		}
	}
}

func (w *Worker) runCache() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cacheInterval)
	defer cancel()
	for _, e := range w.engines {
		if err := e.UpdateCache(ctx); err != nil {
			w.log.WithError(err).WithField("stats", e.Kind).Warn("cache rebuild failed")
		}
	}
}
