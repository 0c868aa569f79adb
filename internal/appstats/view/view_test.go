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

package view

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"appstats/internal/appstats/archive"
	"appstats/internal/appstats/counter"
	"appstats/internal/appstats/store"
)

// fakeViewCollection is the minimal in-memory sink the builder writes to.
type fakeViewCollection struct {
	docs    []archive.Doc
	indexed bool
}

func (f *fakeViewCollection) Insert(_ context.Context, docs []archive.Doc) error {
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeViewCollection) Find(context.Context, archive.Doc, string, bool, int64) ([]archive.Doc, error) {
	return f.docs, nil
}

func (f *fakeViewCollection) FindOne(context.Context, archive.Doc) (archive.Doc, error) {
	if len(f.docs) == 0 {
		return nil, nil
	}
	return f.docs[0], nil
}

func (f *fakeViewCollection) Remove(context.Context, archive.Doc) (int64, error) {
	n := int64(len(f.docs))
	f.docs = nil
	return n, nil
}

func (f *fakeViewCollection) EnsureIndex(context.Context, []string, time.Duration) error {
	f.indexed = true
	return nil
}

func (f *fakeViewCollection) Averages(context.Context, time.Time, time.Time, []string) ([]archive.AverageRow, error) {
	return nil, nil
}

var viewFields = []string{"NUMBER", "cpu_time"}

func newTestBuilder(t *testing.T) (*Builder, *fakeViewCollection, *counter.Rolling, *counter.Rolling) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })
	s := store.NewWithClient(c, "appstats")

	fields := counter.NewFields(viewFields)
	hour := counter.NewRolling(s, "apps", fields, 3600, 60)
	day := counter.NewRolling(s, "apps", fields, 86400, 3600)
	coll := &fakeViewCollection{}
	return New("apps", hour, day, coll, viewFields), coll, hour, day
}

func findDoc(docs []archive.Doc, appID, name string) archive.Doc {
	for _, d := range docs {
		if d["app_id"] == appID && d["name"] == name {
			return d
		}
	}
	return nil
}

func TestBuilder_Update(t *testing.T) {
	b, coll, hour, day := newTestBuilder(t)
	ctx := context.Background()

	// 7200 events in the hour window at 360s of CPU; the day window carries
	// a different total so both periods are distinguishable.
	if err := hour.Incrby(ctx, "app1", "run", "NUMBER", 7200); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	if err := hour.Incrby(ctx, "app1", "run", "cpu_time", 360); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	if err := day.Incrby(ctx, "app1", "run", "NUMBER", 86400); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}

	if err := b.Update(ctx); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if !coll.indexed {
		t.Error("Update() did not ensure the (app_id, name) index")
	}

	doc := findDoc(coll.docs, "app1", "run")
	if doc == nil {
		t.Fatalf("view has no doc for app1/run: %v", coll.docs)
	}
	checks := []struct {
		key  string
		want interface{}
	}{
		{"NUMBER_hour", float64(7200)},
		{"NUMBER_hour_aver", float64(2)}, // 7200 events / 3600 s
		{"cpu_time_hour", float64(360)},
		{"cpu_time_hour_aver", float64(0.05)}, // 360 s / 7200 events
		{"NUMBER_day", float64(86400)},
		{"NUMBER_day_aver", float64(1)},
		{"cpu_time_day", float64(0)},
	}
	for _, c := range checks {
		if got := doc[c.key]; got != c.want {
			t.Errorf("doc[%s] = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestBuilder_NullAveragesWithoutEvents(t *testing.T) {
	b, coll, hour, _ := newTestBuilder(t)
	ctx := context.Background()

	// CPU mass without any counted events: the per-event average is
	// undefined and must be null, not zero or infinity.
	if err := hour.Incrby(ctx, "app1", "noreq", "cpu_time", 5); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	if err := b.Update(ctx); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	doc := findDoc(coll.docs, "app1", "noreq")
	if doc == nil {
		t.Fatalf("view has no doc for app1/noreq")
	}
	if doc["cpu_time_hour_aver"] != nil {
		t.Errorf("cpu_time_hour_aver = %v, want nil", doc["cpu_time_hour_aver"])
	}
	if doc["NUMBER_hour_aver"] != float64(0) {
		t.Errorf("NUMBER_hour_aver = %v, want 0", doc["NUMBER_hour_aver"])
	}
}

func TestBuilder_UpdateReplacesPreviousView(t *testing.T) {
	b, coll, hour, _ := newTestBuilder(t)
	ctx := context.Background()

	coll.docs = []archive.Doc{{"app_id": "gone", "name": "stale"}}
	if err := hour.Incrby(ctx, "app1", "run", "NUMBER", 1); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	if err := b.Update(ctx); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if findDoc(coll.docs, "gone", "stale") != nil {
		t.Error("stale view doc survived the rebuild")
	}
	if findDoc(coll.docs, "app1", "run") == nil {
		t.Error("fresh view doc missing after rebuild")
	}
}

func TestBuilder_Round2(t *testing.T) {
	testCases := []struct {
		in, want float64
	}{
		{2.344, 2.34},
		{2.346, 2.35},
		{0, 0},
		{-1.006, -1.01},
	}
	for _, tc := range testCases {
		if got := round2(tc.in); got != tc.want {
			t.Errorf("round2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
