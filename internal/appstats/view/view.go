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

// Package view rebuilds the per-name materialized view the UI sorts and
// paginates: one flat document per (app_id, name) with hour/day sums and
// averages for every configured field.
package view

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"appstats/internal/appstats/archive"
	"appstats/internal/appstats/config"
	"appstats/internal/appstats/counter"
	"appstats/internal/appstats/telemetry"
)

// Builder turns snapshots of the two rolling counters into the view
// collection.
type Builder struct {
	kind   string
	hour   *counter.Rolling
	day    *counter.Rolling
	coll   archive.Collection
	fields []string
	log    *logrus.Entry
}

// New wires a builder for one stats kind.
func New(kind string, hour, day *counter.Rolling, coll archive.Collection, fields []string) *Builder {
	return &Builder{
		kind:   kind,
		hour:   hour,
		day:    day,
		coll:   coll,
		fields: fields,
		log:    logrus.WithField("stats", kind),
	}
}

// Update snapshots both rolling counters, computes the flat documents and
// replaces the view collection with them.
func (b *Builder) Update(ctx context.Context) error {
	hourVals, err := b.hour.GetVals(ctx)
	if err != nil {
		return err
	}
	dayVals, err := b.day.GetVals(ctx)
	if err != nil {
		return err
	}

	docs := b.buildDocs(hourVals, dayVals)

	// The index must exist before readers hit the freshly swapped data.
	if err := b.coll.EnsureIndex(ctx, []string{"app_id", "name"}, 0); err != nil {
		return err
	}
	if _, err := b.coll.Remove(ctx, nil); err != nil {
		return err
	}
	if err := b.coll.Insert(ctx, docs); err != nil {
		return err
	}
	telemetry.ViewDocs.WithLabelValues(b.kind).Set(float64(len(docs)))
	b.log.WithField("docs", len(docs)).Debug("materialized view rebuilt")
	return nil
}

// buildDocs merges the hour and day snapshots into flat documents. Averages
// are requests per second for NUMBER and mean-per-event for every other
// field; when no events were counted the averages are null.
func (b *Builder) buildDocs(hourVals, dayVals counter.Totals) []archive.Doc {
	var docs []archive.Doc
	for _, key := range unionKeys(hourVals, dayVals) {
		doc := archive.Doc{"app_id": key.appID, "name": key.name}
		b.fillPeriod(doc, "hour", hourVals[key.appID][key.name], b.hour.Interval())
		b.fillPeriod(doc, "day", dayVals[key.appID][key.name], b.day.Interval())
		docs = append(docs, doc)
	}
	return docs
}

func (b *Builder) fillPeriod(doc archive.Doc, period string, counts map[string]float64, intervalSecs int) {
	reqCount := counts[config.NumberField]
	for _, field := range b.fields {
		sum := counts[field]
		doc[field+"_"+period] = round2(sum)
		averKey := field + "_" + period + "_aver"
		switch {
		case field == config.NumberField:
			doc[averKey] = round2(sum / float64(intervalSecs))
		case reqCount == 0:
			doc[averKey] = nil
		default:
			doc[averKey] = round2(sum / reqCount)
		}
	}
}

type idKey struct {
	appID string
	name  string
}

func unionKeys(a, b counter.Totals) []idKey {
	seen := map[idKey]bool{}
	var keys []idKey
	for _, t := range []counter.Totals{a, b} {
		for appID, names := range t {
			for name := range names {
				k := idKey{appID, name}
				if !seen[k] {
					seen[k] = true
					keys = append(keys, k)
				}
			}
		}
	}
	return keys
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
