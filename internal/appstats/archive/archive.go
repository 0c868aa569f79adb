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

// Package archive wraps the durable document store (MongoDB) behind the
// capability surface the rollup and view code needs. Counters and views
// depend on the interfaces, not on the driver, so tests inject fakes.
package archive

import (
	"context"
	"time"
)

// Doc is one archive document. Keys are column names; the rollup writes
// app_id, name, date plus one float per configured field.
type Doc = map[string]interface{}

// AverageRow is one group produced by Collection.Averages: the mean of
// every requested field for one (app_id, name) over a time window.
type AverageRow struct {
	AppID string
	Name  string
	Avg   map[string]float64
}

// Collection is the per-collection capability surface.
type Collection interface {
	// Insert appends docs. Implementations must assign fresh document ids,
	// so re-inserting a doc that was inserted before creates a new row.
	Insert(ctx context.Context, docs []Doc) error
	// Find returns docs matching filter, sorted by sortField (descending
	// when desc) and truncated to limit (0 means no limit).
	Find(ctx context.Context, filter Doc, sortField string, desc bool, limit int64) ([]Doc, error)
	// FindOne returns the first doc matching filter, or nil when none does.
	FindOne(ctx context.Context, filter Doc) (Doc, error)
	// Remove deletes all docs matching filter and reports how many went.
	Remove(ctx context.Context, filter Doc) (int64, error)
	// EnsureIndex creates an ascending index over keys. A non-zero
	// expireAfter makes it a TTL index; the store only honors TTL on
	// single-field indexes, so callers pass exactly one key with it.
	EnsureIndex(ctx context.Context, keys []string, expireAfter time.Duration) error
	// Averages groups docs whose date lies in [from, to) by (app_id, name)
	// and returns the per-field mean for each group.
	Averages(ctx context.Context, from, to time.Time, fields []string) ([]AverageRow, error)
}

// Archive hands out collections by name.
type Archive interface {
	Collection(name string) Collection
	Drop(ctx context.Context, name string) error
	Close(ctx context.Context) error
}
