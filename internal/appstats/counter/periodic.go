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

package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"appstats/internal/appstats/archive"
	"appstats/internal/appstats/store"
	"appstats/internal/appstats/telemetry"
)

const (
	// MaxPassedIntervals caps how many discrete archive rows one rollup may
	// materialise after a long gap. Mass beyond the cap is dropped; the cap
	// is a guard against a stalled scheduler turning into an insert storm.
	MaxPassedIntervals = 5
	// maxArchiveAttempts bounds insert attempts against a flapping archive.
	maxArchiveAttempts = 3
	// archiveRetryDelay is the pause between insert attempts.
	archiveRetryDelay = 100 * time.Millisecond
)

// Periodic accumulates increments per (app_id, name, field) and, on each
// aligned tick of its interval, rolls them into immutable archive rows.
// interval = 60/divider minutes; rows older than periodHours are evicted
// after each rollup.
type Periodic struct {
	s           *store.Store
	coll        archive.Collection
	kind        string
	fields      Fields
	divider     int
	interval    time.Duration // bucket width
	periodHours int
	ids         activeIDs
	now         func() time.Time
	log         *logrus.Entry
}

// NewPeriodic builds a periodic counter. divider must divide 60.
func NewPeriodic(s *store.Store, coll archive.Collection, kind string, fields Fields, divider, periodHours int) *Periodic {
	p := &Periodic{
		s:           s,
		coll:        coll,
		kind:        kind,
		fields:      fields,
		divider:     divider,
		interval:    time.Duration(60/divider) * time.Minute,
		periodHours: periodHours,
		now:         time.Now,
	}
	p.ids = activeIDs{s: s, base: p.keyBase()}
	p.log = logrus.WithField("counter", p.Name())
	return p
}

// Name identifies this counter in locks, logs and metrics.
func (p *Periodic) Name() string {
	return fmt.Sprintf("%s-periodic-%d", p.kind, p.divider)
}

// PeriodHours returns the retention span in hours.
func (p *Periodic) PeriodHours() int { return p.periodHours }

// IntervalMinutes returns the bucket width in minutes.
func (p *Periodic) IntervalMinutes() int { return 60 / p.divider }

// Collection exposes the archive sink (the anomaly detector and history
// reads go straight to it).
func (p *Periodic) Collection() archive.Collection { return p.coll }

func (p *Periodic) keyBase() string {
	return p.s.Key(p.kind, "periodic", strconv.Itoa(p.divider))
}

func (p *Periodic) accKey(appID, name, field string) string {
	return p.keyBase() + "," + appID + "," + name + "," + field
}

func (p *Periodic) prevUpdKey() string {
	return p.keyBase() + ",prev_upd"
}

func (p *Periodic) stateKeys(appID, name string) []string {
	keys := make([]string, 0, len(p.fields.Keys()))
	for _, f := range p.fields.Keys() {
		keys = append(keys, p.accKey(appID, name, f))
	}
	return keys
}

// Incrby adds delta to the accumulator of (appID, name, field) and
// refreshes the membership timestamps. Unknown fields are ignored.
func (p *Periodic) Incrby(ctx context.Context, appID, name, field string, delta float64) error {
	if err := validateID(appID, name); err != nil {
		return err
	}
	if !p.fields.Has(field) {
		return nil
	}
	b := p.s.NewBatch(0)
	if err := b.IncrByFloat(ctx, p.accKey(appID, name, field), delta); err != nil {
		return err
	}
	if err := p.ids.touch(ctx, b, appID, name, p.now()); err != nil {
		return err
	}
	return b.Flush(ctx)
}

// alignedNow returns the current UTC wall clock floored to the bucket width.
func (p *Periodic) alignedNow() time.Time {
	now := p.now().UTC()
	mins := (now.Minute() / p.IntervalMinutes()) * p.IntervalMinutes()
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), mins, 0, 0, time.UTC)
}

// Update performs one rollup: it converts accumulators into archive rows
// dated at the aligned tick, commits the matching decrements, advances
// prev_upd and evicts rows past retention. When more than one interval has
// elapsed, up to MaxPassedIntervals-1 additional rows are replicated at
// earlier dates. Returns ErrLockHeld when another worker is rolling up.
func (p *Periodic) Update(ctx context.Context) error {
	lock := p.s.NewLock(p.Name(), lockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", p.Name(), err)
	}
	if !ok {
		telemetry.UpdateSkippedTotal.WithLabelValues(p.Name()).Inc()
		return ErrLockHeld
	}
	defer lock.Release(ctx)
	defer telemetry.ObserveUpdate(p.Name(), p.now())

	now := p.alignedNow()
	prevUnix, havePrev, err := p.s.GetInt(ctx, p.prevUpdKey())
	if err != nil {
		return err
	}
	prev := time.Unix(prevUnix, 0).UTC()
	if !havePrev {
		prev = now.Add(-p.interval)
		if err := p.s.SetInt(ctx, p.prevUpdKey(), prev.Unix()); err != nil {
			return err
		}
	}
	passed := int(now.Sub(prev) / p.interval)
	if passed <= 0 {
		return nil
	}
	effective := passed
	if effective > MaxPassedIntervals {
		effective = MaxPassedIntervals
	}

	if err := p.ids.prune(ctx, p.now().Add(-idleMax), p.stateKeys); err != nil {
		return err
	}

	// The decrements must stay client-side until the rows are durably
	// inserted: a bounded batch would auto-flush mid-scan and commit
	// decrements that Discard can no longer take back.
	b := p.s.NewUnboundedBatch()
	var docs []archive.Doc
	apps, err := p.ids.apps(ctx)
	if err != nil {
		return err
	}
	for _, appID := range apps {
		names, err := p.ids.names(ctx, appID)
		if err != nil {
			return err
		}
		for _, name := range names {
			doc := archive.Doc{"app_id": appID, "name": name, "date": now}
			for _, field := range p.fields.Keys() {
				val, err := p.s.GetFloat(ctx, p.accKey(appID, name, field))
				if err != nil {
					b.Discard()
					return err
				}
				// Divide by the full gap, not the capped one, so the rate
				// stays honest across long outages.
				doc[field] = val / float64(passed)
				if val != 0 {
					// Queue acc -= val instead of a reset; increments that
					// raced with the read above survive.
					if err := b.IncrByFloat(ctx, p.accKey(appID, name, field), -val); err != nil {
						b.Discard()
						return err
					}
				}
			}
			docs = append(docs, doc)
		}
	}

	if err := p.insertWithRetry(ctx, docs); err != nil {
		// Nothing was decremented yet: dropping the pipeline keeps the
		// accumulators intact for the next attempt.
		b.Discard()
		telemetry.ArchiveFailuresTotal.Inc()
		p.log.WithError(err).Warn("rollup batch dropped, counters preserved")
		return err
	}
	if err := b.Flush(ctx); err != nil {
		return err
	}
	if err := p.s.SetInt(ctx, p.prevUpdKey(), now.Unix()); err != nil {
		return err
	}

	oldest := now.Add(-time.Duration(p.periodHours) * time.Hour)
	if _, err := p.coll.Remove(ctx, archive.Doc{"date": archive.Doc{"$lte": oldest}}); err != nil {
		return err
	}

	// Backfill one row per additional elapsed interval, clamped by the cap.
	for offset := 1; offset < effective; offset++ {
		date := now.Add(-time.Duration(offset) * p.interval)
		back := make([]archive.Doc, 0, len(docs))
		for _, doc := range docs {
			clone := make(archive.Doc, len(doc))
			for k, v := range doc {
				clone[k] = v
			}
			clone["date"] = date
			delete(clone, "_id")
			back = append(back, clone)
		}
		if err := p.insertWithRetry(ctx, back); err != nil {
			return err
		}
	}
	return nil
}

// insertWithRetry writes docs to the archive, retrying transient failures
// with a short constant backoff.
func (p *Periodic) insertWithRetry(ctx context.Context, docs []archive.Doc) error {
	if len(docs) == 0 {
		return nil
	}
	attempt := 0
	op := func() error {
		attempt++
		return p.coll.Insert(ctx, docs)
	}
	notify := func(err error, _ time.Duration) {
		telemetry.ArchiveRetriesTotal.Inc()
		p.log.WithError(err).WithField("attempt", attempt).Warn("archive insert failed, retrying")
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(archiveRetryDelay), maxArchiveAttempts-1)
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("archive insert after %d attempts: %w", attempt, err)
	}
	return nil
}

// GetVals snapshots the live accumulators (mass not yet rolled up):
// app_id -> name -> field -> value.
func (p *Periodic) GetVals(ctx context.Context) (Totals, error) {
	res := make(Totals)
	apps, err := p.ids.apps(ctx)
	if err != nil {
		return nil, err
	}
	for _, appID := range apps {
		names, err := p.ids.names(ctx, appID)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			continue
		}
		res[appID] = make(map[string]map[string]float64, len(names))
		for _, name := range names {
			counts := make(map[string]float64, len(p.fields.Keys()))
			for _, field := range p.fields.Keys() {
				val, err := p.s.GetFloat(ctx, p.accKey(appID, name, field))
				if err != nil {
					return nil, err
				}
				counts[field] = val
			}
			res[appID][name] = counts
		}
	}
	return res, nil
}
