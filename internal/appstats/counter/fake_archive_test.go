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
	"errors"
	"sort"
	"sync"
	"time"

	"appstats/internal/appstats/archive"
)

// errArchiveDown simulates an unreachable document store.
var errArchiveDown = errors.New("archive unavailable")

// fakeCollection is an in-memory archive.Collection. It supports the filter
// shapes the counters actually issue: nil, equality on strings and a
// $lt/$lte bound on date.
type fakeCollection struct {
	mu       sync.Mutex
	docs     []archive.Doc
	nextID   int
	failures int // Insert fails this many times before succeeding
	inserts  int
}

func (f *fakeCollection) Insert(_ context.Context, docs []archive.Doc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.failures > 0 {
		f.failures--
		return errArchiveDown
	}
	for _, d := range docs {
		clone := make(archive.Doc, len(d)+1)
		for k, v := range d {
			clone[k] = v
		}
		f.nextID++
		clone["_id"] = f.nextID
		f.docs = append(f.docs, clone)
	}
	return nil
}

func (f *fakeCollection) matches(doc, filter archive.Doc) bool {
	for k, want := range filter {
		if bound, ok := want.(archive.Doc); ok {
			t, ok := doc[k].(time.Time)
			if !ok {
				return false
			}
			if max, ok := bound["$lte"].(time.Time); ok && t.After(max) {
				return false
			}
			if max, ok := bound["$lt"].(time.Time); ok && !t.Before(max) {
				return false
			}
			continue
		}
		if doc[k] != want {
			return false
		}
	}
	return true
}

func (f *fakeCollection) Find(_ context.Context, filter archive.Doc, sortField string, desc bool, limit int64) ([]archive.Doc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []archive.Doc
	for _, d := range f.docs {
		if f.matches(d, filter) {
			out = append(out, d)
		}
	}
	if sortField != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := out[i][sortField].(float64)
			b, _ := out[j][sortField].(float64)
			if desc {
				return a > b
			}
			return a < b
		})
	}
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCollection) FindOne(ctx context.Context, filter archive.Doc) (archive.Doc, error) {
	docs, err := f.Find(ctx, filter, "", false, 1)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (f *fakeCollection) Remove(_ context.Context, filter archive.Doc) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []archive.Doc
	var removed int64
	for _, d := range f.docs {
		if f.matches(d, filter) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	f.docs = kept
	return removed, nil
}

func (f *fakeCollection) EnsureIndex(context.Context, []string, time.Duration) error {
	return nil
}

func (f *fakeCollection) Averages(_ context.Context, from, to time.Time, fields []string) ([]archive.AverageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type acc struct {
		sums map[string]float64
		n    int
	}
	groups := map[[2]string]*acc{}
	for _, d := range f.docs {
		date, ok := d["date"].(time.Time)
		if !ok || date.Before(from) || !date.Before(to) {
			continue
		}
		key := [2]string{d["app_id"].(string), d["name"].(string)}
		g := groups[key]
		if g == nil {
			g = &acc{sums: map[string]float64{}}
			groups[key] = g
		}
		g.n++
		for _, field := range fields {
			if v, ok := d[field].(float64); ok {
				g.sums[field] += v
			}
		}
	}
	var out []archive.AverageRow
	for key, g := range groups {
		avg := make(map[string]float64, len(g.sums))
		for field, sum := range g.sums {
			avg[field] = sum / float64(g.n)
		}
		out = append(out, archive.AverageRow{AppID: key[0], Name: key[1], Avg: avg})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppID != out[j].AppID {
			return out[i].AppID < out[j].AppID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// count returns how many stored docs match filter.
func (f *fakeCollection) count(filter archive.Doc) int {
	docs, _ := f.Find(context.Background(), filter, "", false, 0)
	return len(docs)
}
