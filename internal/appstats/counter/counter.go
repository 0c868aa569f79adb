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

// Package counter implements the two counter kinds at the heart of the
// aggregator: the rolling (sliding window) counter and the periodic
// (aligned bucket) counter, plus the anomaly detector that reads the
// periodic archive. All counter state lives in the FastStore so any number
// of web workers and rollup processes share one view of it.
package counter

import (
	"context"
	"errors"
	"strings"
	"time"

	"appstats/internal/appstats/store"
)

var (
	// ErrInvalidName rejects event names carrying the reserved separator.
	ErrInvalidName = errors.New("name must not be empty or contain ',' (comma)")
	// ErrInvalidAppID rejects app ids carrying the reserved separator.
	ErrInvalidAppID = errors.New("app_id must not be empty or contain ',' (comma)")
	// ErrLockHeld reports that another worker is updating this counter.
	// Callers treat it as a benign skip; the next tick retries.
	ErrLockHeld = errors.New("advisory lock held by another worker")
)

const (
	// lockTTL bounds how long a crashed updater can block its counter.
	lockTTL = 5 * time.Minute
	// idleMax is how long an identifier may go without increments before
	// update() evicts it.
	idleMax = 10 * 24 * time.Hour
)

// Totals is the nested result of a counter snapshot:
// app_id -> name -> field -> sum.
type Totals map[string]map[string]map[string]float64

// Fields is the closed, configured set of metric columns. Increments to
// keys outside the set are silently ignored (field drift is routine;
// identifiers, by contrast, are validated hard because they participate in
// key encoding).
type Fields struct {
	keys []string
	set  map[string]struct{}
}

// NewFields builds a field set preserving the configured order.
func NewFields(keys []string) Fields {
	f := Fields{keys: append([]string(nil), keys...), set: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		f.set[k] = struct{}{}
	}
	return f
}

// Has reports whether key is a configured field.
func (f Fields) Has(key string) bool {
	_, ok := f.set[key]
	return ok
}

// Keys returns the configured field keys in order.
func (f Fields) Keys() []string { return f.keys }

// validateID checks both identifier components of an increment.
func validateID(appID, name string) error {
	if appID == "" || strings.Contains(appID, ",") {
		return ErrInvalidAppID
	}
	if name == "" || strings.Contains(name, ",") {
		return ErrInvalidName
	}
	return nil
}

// activeIDs maintains the membership sorted sets for one counter: a set of
// app ids and one set of names per app, each scored by last-touch time.
// They replace wildcard key scans for enumeration and drive idle eviction.
type activeIDs struct {
	s    *store.Store
	base string
}

func (a activeIDs) appsKey() string { return a.base + ",app_ids" }

func (a activeIDs) namesKey(appID string) string { return a.base + ",names," + appID }

// touch records an increment to (appID, name) at ts into a batch.
func (a activeIDs) touch(ctx context.Context, b *store.Batch, appID, name string, ts time.Time) error {
	score := float64(ts.Unix())
	if err := b.ZAdd(ctx, a.appsKey(), score, appID); err != nil {
		return err
	}
	return b.ZAdd(ctx, a.namesKey(appID), score, name)
}

// apps enumerates active app ids.
func (a activeIDs) apps(ctx context.Context) ([]string, error) {
	return a.s.ZMembers(ctx, a.appsKey())
}

// names enumerates active names for one app.
func (a activeIDs) names(ctx context.Context, appID string) ([]string, error) {
	return a.s.ZMembers(ctx, a.namesKey(appID))
}

// prune drops identifiers idle since before cutoff. stateKeys must return
// every FastStore key holding state for one (appID, name) so the entry
// leaves no orphans behind.
func (a activeIDs) prune(ctx context.Context, cutoff time.Time, stateKeys func(appID, name string) []string) error {
	max := float64(cutoff.Unix())
	apps, err := a.apps(ctx)
	if err != nil {
		return err
	}
	for _, appID := range apps {
		expired, err := a.s.ZMembersOlderThan(ctx, a.namesKey(appID), max)
		if err != nil {
			return err
		}
		for _, name := range expired {
			if err := a.s.Del(ctx, stateKeys(appID, name)...); err != nil {
				return err
			}
		}
		if _, err := a.s.ZRemOlderThan(ctx, a.namesKey(appID), max); err != nil {
			return err
		}
	}
	// The app score is refreshed on every touch of any of its names, so an
	// expired app has no live names left.
	_, err = a.s.ZRemOlderThan(ctx, a.appsKey(), max)
	return err
}
