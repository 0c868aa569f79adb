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
	"math"
	"strconv"
	"testing"
	"time"

	"appstats/internal/appstats/archive"
	"appstats/internal/appstats/store"
)

func newTestPeriodic(t *testing.T, s *store.Store, divider, periodHours int) (*Periodic, *fakeCollection, *clock) {
	t.Helper()
	coll := &fakeCollection{}
	p := NewPeriodic(s, coll, "apps", testFields, divider, periodHours)
	// Mid-bucket start so alignment is actually exercised.
	ck := &clock{t: time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)}
	p.now = ck.now
	return p, coll, ck
}

func periodicAcc(t *testing.T, p *Periodic, appID, name, field string) float64 {
	t.Helper()
	vals, err := p.GetVals(context.Background())
	if err != nil {
		t.Fatalf("GetVals() error: %v", err)
	}
	return vals[appID][name][field]
}

func TestPeriodic_Geometry(t *testing.T) {
	s := newCounterStore(t)
	testCases := []struct {
		divider      int
		wantInterval int
	}{
		{60, 1},
		{6, 10},
		{1, 60},
	}
	for _, tc := range testCases {
		p, _, _ := newTestPeriodic(t, s, tc.divider, 6)
		if got := p.IntervalMinutes(); got != tc.wantInterval {
			t.Errorf("divider %d: IntervalMinutes() = %d, want %d", tc.divider, got, tc.wantInterval)
		}
	}
}

func TestPeriodic_RollupWritesAlignedRow(t *testing.T) {
	s := newCounterStore(t)
	p, coll, _ := newTestPeriodic(t, s, 60, 6)
	ctx := context.Background()

	if err := p.Incrby(ctx, "app1", "run", "NUMBER", 10); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	wantDate := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	docs, err := coll.Find(ctx, archive.Doc{"app_id": "app1", "name": "run"}, "", false, 0)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("rollup wrote %d rows, want 1", len(docs))
	}
	if got := docs[0]["date"].(time.Time); !got.Equal(wantDate) {
		t.Errorf("row date = %v, want aligned %v", got, wantDate)
	}
	if got := docs[0]["NUMBER"].(float64); got != 10 {
		t.Errorf("row NUMBER = %v, want 10", got)
	}
	if got := periodicAcc(t, p, "app1", "run", "NUMBER"); got != 0 {
		t.Errorf("accumulator after rollup = %v, want 0", got)
	}

	// Same tick again: nothing has elapsed, nothing is written.
	if err := p.Update(ctx); err != nil {
		t.Fatalf("second Update() error: %v", err)
	}
	if coll.count(archive.Doc{"app_id": "app1"}) != 1 {
		t.Error("repeated Update() in the same interval wrote extra rows")
	}
}

func TestPeriodic_GapSpreadsAndCaps(t *testing.T) {
	s := newCounterStore(t)
	p, coll, ck := newTestPeriodic(t, s, 60, 6)
	ctx := context.Background()

	// Establish prev_upd.
	if err := p.Incrby(ctx, "app1", "run", "NUMBER", 1); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if _, err := coll.Remove(ctx, nil); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	// Ten intervals pass while the scheduler was down.
	ck.advance(10 * time.Minute)
	if err := p.Incrby(ctx, "app1", "run", "NUMBER", 20); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	docs, err := coll.Find(ctx, archive.Doc{"app_id": "app1"}, "", false, 0)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	// Rate divides by the full gap, rows are capped at MaxPassedIntervals.
	if len(docs) != MaxPassedIntervals {
		t.Fatalf("rollup wrote %d rows, want %d", len(docs), MaxPassedIntervals)
	}
	dates := map[time.Time]bool{}
	for _, d := range docs {
		if got := d["NUMBER"].(float64); math.Abs(got-2) > 1e-9 {
			t.Errorf("row NUMBER = %v, want 2 (20 over 10 intervals)", got)
		}
		dates[d["date"].(time.Time)] = true
	}
	if len(dates) != MaxPassedIntervals {
		t.Errorf("backfilled rows share dates: %v", dates)
	}
	if got := periodicAcc(t, p, "app1", "run", "NUMBER"); got != 0 {
		t.Errorf("accumulator after rollup = %v, want 0", got)
	}
}

func TestPeriodic_RetentionEvictsOldRows(t *testing.T) {
	s := newCounterStore(t)
	p, coll, _ := newTestPeriodic(t, s, 60, 6)
	ctx := context.Background()

	old := archive.Doc{
		"app_id": "app1", "name": "run",
		"date":   time.Date(2026, 8, 25, 5, 0, 0, 0, time.UTC), // 7h before now
		"NUMBER": float64(9),
	}
	if err := coll.Insert(ctx, []archive.Doc{old}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	if err := p.Incrby(ctx, "app1", "run", "NUMBER", 1); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if coll.count(archive.Doc{"NUMBER": float64(9)}) != 0 {
		t.Error("row past retention survived the rollup")
	}
	if coll.count(archive.Doc{"app_id": "app1"}) != 1 {
		t.Error("fresh rollup row missing after retention sweep")
	}
}

func TestPeriodic_ArchiveFailurePreservesCounters(t *testing.T) {
	s := newCounterStore(t)
	p, coll, ck := newTestPeriodic(t, s, 60, 6)
	ctx := context.Background()

	if err := p.Incrby(ctx, "app1", "run", "NUMBER", 7); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	coll.failures = maxArchiveAttempts
	if err := p.Update(ctx); err == nil {
		t.Fatal("Update() = nil with archive down, want error")
	}
	if got := periodicAcc(t, p, "app1", "run", "NUMBER"); got != 7 {
		t.Errorf("accumulator after failed rollup = %v, want 7 (preserved)", got)
	}

	// Next tick, archive back: the preserved mass rolls up normally.
	ck.advance(time.Minute)
	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update() after recovery: %v", err)
	}
	if got := periodicAcc(t, p, "app1", "run", "NUMBER"); got != 0 {
		t.Errorf("accumulator after recovery = %v, want 0", got)
	}
	if coll.count(archive.Doc{"app_id": "app1"}) == 0 {
		t.Error("no rows written after archive recovery")
	}
}

func TestPeriodic_FailedRollupPreservesMassPastBatchLimit(t *testing.T) {
	s := newCounterStore(t)
	p, coll, _ := newTestPeriodic(t, s, 60, 6)
	ctx := context.Background()

	// More identifiers than a bounded pipeline would hold, so any implicit
	// mid-scan flush of the decrements becomes visible as lost mass when
	// the archive insert fails.
	n := store.DefaultBatchLimit + 50
	for i := 0; i < n; i++ {
		if err := p.Incrby(ctx, "app1", "n"+strconv.Itoa(i), "NUMBER", 1); err != nil {
			t.Fatalf("Incrby() error: %v", err)
		}
	}

	coll.failures = maxArchiveAttempts
	if err := p.Update(ctx); err == nil {
		t.Fatal("Update() = nil with archive down, want error")
	}

	vals, err := p.GetVals(ctx)
	if err != nil {
		t.Fatalf("GetVals() error: %v", err)
	}
	var sum float64
	for _, names := range vals {
		for _, counts := range names {
			sum += counts["NUMBER"]
		}
	}
	if sum != float64(n) {
		t.Errorf("mass after failed rollup = %v, want %d", sum, n)
	}
}

func TestPeriodic_InsertRetriesTransientFailure(t *testing.T) {
	s := newCounterStore(t)
	p, coll, _ := newTestPeriodic(t, s, 60, 6)
	ctx := context.Background()

	if err := p.Incrby(ctx, "app1", "run", "NUMBER", 3); err != nil {
		t.Fatalf("Incrby() error: %v", err)
	}
	coll.failures = 1
	if err := p.Update(ctx); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if coll.inserts != 2 {
		t.Errorf("insert attempts = %d, want 2 (one failure, one retry)", coll.inserts)
	}
	if coll.count(archive.Doc{"app_id": "app1"}) != 1 {
		t.Error("row missing after retried insert")
	}
}

func TestPeriodic_UpdateSkipsWhenLockHeld(t *testing.T) {
	s := newCounterStore(t)
	p, _, _ := newTestPeriodic(t, s, 60, 6)
	ctx := context.Background()

	other := s.NewLock(p.Name(), time.Minute)
	if ok, _ := other.Acquire(ctx); !ok {
		t.Fatal("competing Acquire() failed")
	}
	if err := p.Update(ctx); !errors.Is(err, ErrLockHeld) {
		t.Errorf("Update() error = %v, want ErrLockHeld", err)
	}
}

func TestPeriodic_IncrbyValidation(t *testing.T) {
	s := newCounterStore(t)
	p, _, _ := newTestPeriodic(t, s, 60, 6)
	ctx := context.Background()

	if err := p.Incrby(ctx, "app,1", "run", "NUMBER", 1); !errors.Is(err, ErrInvalidAppID) {
		t.Errorf("Incrby() error = %v, want ErrInvalidAppID", err)
	}
	if err := p.Incrby(ctx, "app1", "a,b", "NUMBER", 1); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Incrby() error = %v, want ErrInvalidName", err)
	}
	if err := p.Incrby(ctx, "app1", "run", "nope", 1); err != nil {
		t.Errorf("Incrby() on unknown field: %v", err)
	}
}
