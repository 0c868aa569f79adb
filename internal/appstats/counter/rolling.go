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

	"github.com/sirupsen/logrus"

	"appstats/internal/appstats/store"
	"appstats/internal/appstats/telemetry"
)

// Rolling is a sliding-window rate estimator. The window spans interval
// seconds quantised into numParts equal parts; per (app_id, name, field) it
// keeps a ring of committed part values plus a last_val accumulator for the
// part currently being filled. Shifting the ring ages one part's worth of
// mass out of the window.
type Rolling struct {
	s        *store.Store
	kind     string
	fields   Fields
	interval int // window span, seconds
	part     int // seconds per part
	numParts int
	ids      activeIDs
	now      func() time.Time
	log      *logrus.Entry
}

// NewRolling builds a rolling counter for one stats kind. intervalSecs must
// be a multiple of secsPerPart.
func NewRolling(s *store.Store, kind string, fields Fields, intervalSecs, secsPerPart int) *Rolling {
	r := &Rolling{
		s:        s,
		kind:     kind,
		fields:   fields,
		interval: intervalSecs,
		part:     secsPerPart,
		numParts: intervalSecs / secsPerPart,
		now:      time.Now,
	}
	r.ids = activeIDs{s: s, base: r.keyBase()}
	r.log = logrus.WithField("counter", r.Name())
	return r
}

// Name identifies this counter in locks, logs and metrics.
func (r *Rolling) Name() string {
	return fmt.Sprintf("%s-rolling-%d-%d", r.kind, r.interval, r.part)
}

// Interval returns the window span in seconds.
func (r *Rolling) Interval() int { return r.interval }

func (r *Rolling) keyBase() string {
	return r.s.Key(r.kind, strconv.Itoa(r.interval), strconv.Itoa(r.part))
}

func (r *Rolling) lastValKey(appID, name, field string) string {
	return r.keyBase() + "," + appID + "," + name + ",last_val," + field
}

func (r *Rolling) updatedKey(appID, name, field string) string {
	return r.keyBase() + "," + appID + "," + name + ",updated," + field
}

func (r *Rolling) partsKey(appID, name, field string) string {
	return r.keyBase() + "," + appID + "," + name + "," + field
}

func (r *Rolling) stateKeys(appID, name string) []string {
	keys := make([]string, 0, 3*len(r.fields.Keys()))
	for _, f := range r.fields.Keys() {
		keys = append(keys,
			r.lastValKey(appID, name, f),
			r.updatedKey(appID, name, f),
			r.partsKey(appID, name, f))
	}
	return keys
}

// Incrby adds delta to the live accumulator of (appID, name, field) and
// refreshes the membership timestamps. Unknown fields are ignored;
// identifiers containing the reserved comma are rejected.
func (r *Rolling) Incrby(ctx context.Context, appID, name, field string, delta float64) error {
	if err := validateID(appID, name); err != nil {
		return err
	}
	if !r.fields.Has(field) {
		return nil
	}
	b := r.s.NewBatch(0)
	if err := b.IncrByFloat(ctx, r.lastValKey(appID, name, field), delta); err != nil {
		return err
	}
	if err := r.ids.touch(ctx, b, appID, name, r.now()); err != nil {
		return err
	}
	return b.Flush(ctx)
}

// Update shifts the window forward for every active identifier. Guarded by
// an advisory lock; when another worker holds it, ErrLockHeld is returned
// and no state changes.
func (r *Rolling) Update(ctx context.Context) error {
	lock := r.s.NewLock(r.Name(), lockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", r.Name(), err)
	}
	if !ok {
		telemetry.UpdateSkippedTotal.WithLabelValues(r.Name()).Inc()
		return ErrLockHeld
	}
	defer lock.Release(ctx)
	defer telemetry.ObserveUpdate(r.Name(), r.now())

	nowT := r.now()
	if err := r.ids.prune(ctx, nowT.Add(-idleMax), r.stateKeys); err != nil {
		return err
	}

	now := nowT.Unix()
	b := r.s.NewBatch(store.DefaultBatchLimit)
	apps, err := r.ids.apps(ctx)
	if err != nil {
		return err
	}
	for _, appID := range apps {
		names, err := r.ids.names(ctx, appID)
		if err != nil {
			return err
		}
		for _, name := range names {
			for _, field := range r.fields.Keys() {
				if err := r.shift(ctx, b, appID, name, field, now); err != nil {
					return err
				}
			}
		}
	}
	return b.Flush(ctx)
}

// shift applies the window-advance algorithm to a single identifier.
func (r *Rolling) shift(ctx context.Context, b *store.Batch, appID, name, field string, now int64) error {
	partsKey := r.partsKey(appID, name, field)
	updatedKey := r.updatedKey(appID, name, field)
	lastValKey := r.lastValKey(appID, name, field)

	n, err := r.s.LLen(ctx, partsKey)
	if err != nil {
		return err
	}
	if n == 0 {
		// First update for this identifier: materialise an empty ring.
		if r.numParts > 1 {
			zeros := make([]interface{}, r.numParts-1)
			for i := range zeros {
				zeros[i] = "0"
			}
			if err := r.s.RPush(ctx, partsKey, zeros...); err != nil {
				return err
			}
		}
		return r.s.SetInt(ctx, updatedKey, now)
	}

	updated, ok, err := r.s.GetInt(ctx, updatedKey)
	if err != nil {
		return err
	}
	if !ok {
		return r.s.SetInt(ctx, updatedKey, now)
	}
	passed := now - updated
	if passed <= int64(r.part) {
		return nil
	}

	newParts := passed / int64(r.part)
	lastVal, err := r.s.GetFloat(ctx, lastValKey)
	if err != nil {
		return err
	}
	// Spread the accumulated mass uniformly over the elapsed parts; this
	// approximates the true rate across an idle gap and conserves the
	// total. Shifts are clamped to the ring size: anything older has aged
	// out of the window regardless.
	perPart := lastVal / float64(newParts)
	shifts := newParts
	if shifts > int64(r.numParts) {
		shifts = int64(r.numParts)
	}
	for i := int64(0); i < shifts; i++ {
		if err := b.Shift(ctx, partsKey, perPart); err != nil {
			return err
		}
	}
	// Decrement rather than reset so increments racing with this read are
	// not lost.
	if lastVal != 0 {
		if err := b.IncrByFloat(ctx, lastValKey, -lastVal); err != nil {
			return err
		}
	}
	// Keep the sub-part remainder so short updates do not drift the clock.
	return b.SetInt(ctx, updatedKey, now-(passed-newParts*int64(r.part)))
}

// GetVals snapshots the counter: app_id -> name -> field -> sum of the
// ring plus the live accumulator. The snapshot may straddle a concurrent
// Update; totals are never negative.
func (r *Rolling) GetVals(ctx context.Context) (Totals, error) {
	res := make(Totals)
	apps, err := r.ids.apps(ctx)
	if err != nil {
		return nil, err
	}
	for _, appID := range apps {
		names, err := r.ids.names(ctx, appID)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			continue
		}
		res[appID] = make(map[string]map[string]float64, len(names))
		for _, name := range names {
			counts := make(map[string]float64, len(r.fields.Keys()))
			for _, field := range r.fields.Keys() {
				lastVal, err := r.s.GetFloat(ctx, r.lastValKey(appID, name, field))
				if err != nil {
					return nil, err
				}
				parts, err := r.s.LRangeFloats(ctx, r.partsKey(appID, name, field))
				if err != nil {
					return nil, err
				}
				sum := lastVal
				for _, p := range parts {
					sum += p
				}
				if sum < 0 {
					sum = 0
				}
				counts[field] = sum
			}
			res[appID][name] = counts
		}
	}
	return res, nil
}
