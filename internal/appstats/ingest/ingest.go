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

// Package ingest routes incoming stats batches to every configured
// counter. Ingestion is decoupled from the HTTP response: handlers enqueue
// the batch and reply immediately; a single consumer per stats kind applies
// the increments, so increment latency or failure never reaches a client.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"appstats/internal/appstats/config"
	"appstats/internal/appstats/telemetry"
)

// Incrementer is the slice of counter behaviour ingestion needs.
type Incrementer interface {
	Incrby(ctx context.Context, appID, name, field string, delta float64) error
}

// Batch is one submitted stats payload: app_id -> name -> field -> delta.
type Batch map[string]map[string]map[string]float64

// applyTimeout bounds how long one batch may hold the consumer.
const applyTimeout = 30 * time.Second

// Ingestor fans one batch out to every counter of a stats kind.
type Ingestor struct {
	counters []Incrementer
	log      *logrus.Entry
}

// New builds an ingestor over the given counters.
func New(kind string, counters []Incrementer) *Ingestor {
	return &Ingestor{counters: counters, log: logrus.WithField("stats", kind)}
}

// Apply routes every increment of the batch to every counter. A missing
// NUMBER field is synthesised as one event. Individual increment failures
// are counted and folded into the returned error but do not stop the rest
// of the batch.
func (in *Ingestor) Apply(ctx context.Context, b Batch) error {
	var errs []error
	for appID, names := range b {
		for name, counts := range names {
			if _, ok := counts[config.NumberField]; !ok {
				errs = append(errs, in.incrAll(ctx, appID, name, config.NumberField, 1))
			}
			for field, delta := range counts {
				errs = append(errs, in.incrAll(ctx, appID, name, field, delta))
			}
		}
	}
	return errors.Join(errs...)
}

func (in *Ingestor) incrAll(ctx context.Context, appID, name, field string, delta float64) error {
	var errs []error
	for _, c := range in.counters {
		if err := c.Incrby(ctx, appID, name, field, delta); err != nil {
			telemetry.IncrementErrorsTotal.Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Queue is the bounded fire-and-forget buffer between the ingest handlers
// and one consumer goroutine. When full, the oldest batch is dropped and
// counted rather than blocking a handler.
type Queue struct {
	ing     *Ingestor
	kind    string
	ch      chan Batch
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool
	mu      sync.Mutex
	log     *logrus.Entry
}

// NewQueue builds a queue of the given capacity for one stats kind.
func NewQueue(kind string, ing *Ingestor, size int) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		ing:    ing,
		kind:   kind,
		ch:     make(chan Batch, size),
		stopCh: make(chan struct{}),
		log:    logrus.WithField("stats", kind),
	}
}

// Start launches the consumer goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.consume()
	}()
}

// Stop drains whatever is queued, then stops the consumer.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.stopCh)
	q.wg.Wait()
}

// Enqueue hands a batch to the consumer without blocking. On overflow the
// oldest queued batch is sacrificed for the new one.
func (q *Queue) Enqueue(b Batch) {
	if len(b) == 0 {
		return
	}
	telemetry.IngestBatchesTotal.WithLabelValues(q.kind).Inc()
	for {
		select {
		case q.ch <- b:
			return
		default:
		}
		select {
		case <-q.ch:
			telemetry.IngestDroppedTotal.WithLabelValues(q.kind).Inc()
		default:
		}
	}
}

func (q *Queue) consume() {
	for {
		select {
		case b := <-q.ch:
			q.apply(b)
		case <-q.stopCh:
			// Drain the backlog before exiting so accepted batches are not
			// silently lost on shutdown.
			for {
				select {
				case b := <-q.ch:
					q.apply(b)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) apply(b Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if err := q.ing.Apply(ctx, b); err != nil {
		// The response is long gone; all we can do is account for it.
		q.log.WithError(err).Debug("stats batch partially applied")
	}
}
