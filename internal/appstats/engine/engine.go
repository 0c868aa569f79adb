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

// Package engine assembles the counter topology for one stats kind: the
// hour and day rolling counters, the configured periodic counters, the
// materialized-view builder and the ingest queue feeding them all.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"appstats/internal/appstats/archive"
	"appstats/internal/appstats/config"
	"appstats/internal/appstats/counter"
	"appstats/internal/appstats/ingest"
	"appstats/internal/appstats/store"
	"appstats/internal/appstats/view"
)

// Stats kinds. Each kind owns disjoint FastStore keys and archive
// collections.
const (
	KindApps  = "apps"
	KindTasks = "tasks"
)

// Kinds lists every stats kind the service runs.
var Kinds = []string{KindApps, KindTasks}

// Updatable is any counter the scheduler drives.
type Updatable interface {
	Name() string
	Update(ctx context.Context) error
}

// Engine is the full counter topology of one stats kind.
type Engine struct {
	Kind      string
	Hour      *counter.Rolling
	Day       *counter.Rolling
	Periodics []*counter.Periodic // sorted by retention, shortest first
	View      *view.Builder
	Queue     *ingest.Queue

	log *logrus.Entry
}

// ViewCollection returns the view collection name for a stats kind.
func ViewCollection(kind string) string {
	if kind == KindApps {
		return "appstats_docs"
	}
	return fmt.Sprintf("appstats_%s_docs", kind)
}

// PeriodicCollection returns the sink collection name for one periodic
// counter of a stats kind.
func PeriodicCollection(kind string, divider int) string {
	return fmt.Sprintf("appstats_%s_periodic-%d", kind, divider)
}

// New wires an engine from configuration. The two configured rollings are
// the hour and day windows, shorter first.
func New(cfg *config.Config, s *store.Store, arch archive.Archive, kind string) *Engine {
	fields := counter.NewFields(cfg.FieldKeys())

	rollings := append([]config.Rolling(nil), cfg.Rollings...)
	sort.Slice(rollings, func(i, j int) bool { return rollings[i].IntervalSecs < rollings[j].IntervalSecs })
	hour := counter.NewRolling(s, kind, fields, rollings[0].IntervalSecs, rollings[0].SecsPerPart)
	day := counter.NewRolling(s, kind, fields, rollings[1].IntervalSecs, rollings[1].SecsPerPart)

	periodics := make([]*counter.Periodic, 0, len(cfg.Periodics))
	for _, p := range cfg.Periodics {
		coll := arch.Collection(PeriodicCollection(kind, p.Divider))
		periodics = append(periodics, counter.NewPeriodic(s, coll, kind, fields, p.Divider, p.PeriodHours))
	}
	sort.Slice(periodics, func(i, j int) bool { return periodics[i].PeriodHours() < periodics[j].PeriodHours() })

	e := &Engine{
		Kind:      kind,
		Hour:      hour,
		Day:       day,
		Periodics: periodics,
		View:      view.New(kind, hour, day, arch.Collection(ViewCollection(kind)), cfg.FieldKeys()),
		log:       logrus.WithField("stats", kind),
	}

	incs := make([]ingest.Incrementer, 0, 2+len(periodics))
	incs = append(incs, hour, day)
	for _, p := range periodics {
		incs = append(incs, p)
	}
	e.Queue = ingest.NewQueue(kind, ingest.New(kind, incs), cfg.QueueSize)
	return e
}

// Counters returns every updatable counter, rollings first.
func (e *Engine) Counters() []Updatable {
	out := []Updatable{e.Hour, e.Day}
	for _, p := range e.Periodics {
		out = append(out, p)
	}
	return out
}

// UpdateCounters runs one update pass over every counter. A held advisory
// lock is a routine skip, not a failure.
func (e *Engine) UpdateCounters(ctx context.Context) error {
	var errs []error
	for _, c := range e.Counters() {
		err := c.Update(ctx)
		switch {
		case err == nil:
		case errors.Is(err, counter.ErrLockHeld):
			e.log.WithField("counter", c.Name()).Warn("update skipped: lock held")
		default:
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// UpdateCache rebuilds the materialized view.
func (e *Engine) UpdateCache(ctx context.Context) error {
	return e.View.Update(ctx)
}

// PeriodicFor picks the most accurate periodic counter whose retention
// covers the given span of hours, falling back to the longest one.
func (e *Engine) PeriodicFor(hours int) *counter.Periodic {
	for _, p := range e.Periodics {
		if hours <= p.PeriodHours() {
			return p
		}
	}
	return e.Periodics[len(e.Periodics)-1]
}

// StripArchive removes periodic rows older than the given age from every
// sink of this engine.
func (e *Engine) StripArchive(ctx context.Context, maxAge time.Duration) (int64, error) {
	oldest := time.Now().UTC().Add(-maxAge)
	var removed int64
	for _, p := range e.Periodics {
		n, err := p.Collection().Remove(ctx, archive.Doc{"date": archive.Doc{"$lt": oldest}})
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// CollectionNames lists every archive collection this engine writes.
func (e *Engine) CollectionNames(cfg *config.Config) []string {
	names := []string{ViewCollection(e.Kind)}
	for _, p := range cfg.Periodics {
		names = append(names, PeriodicCollection(e.Kind, p.Divider))
	}
	return names
}
