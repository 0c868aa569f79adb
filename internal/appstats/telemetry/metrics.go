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

// Package telemetry exposes process-wide Prometheus collectors for the
// appstats service. Collectors are global and registered eagerly so hot
// paths can update them without carrying a registry around; if no /metrics
// endpoint is mounted the registration is harmless.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appstats_ingest_batches_total",
		Help: "Total stats batches accepted by the ingest endpoints",
	}, []string{"stats"})
	IngestDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appstats_ingest_dropped_total",
		Help: "Total stats batches dropped because the ingest queue was full",
	}, []string{"stats"})
	IncrementErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appstats_increment_errors_total",
		Help: "Total counter increments that failed after the response was sent",
	})
	UpdateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appstats_counter_update_seconds",
		Help:    "Duration of counter update (rollup/shift) runs",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"counter"})
	UpdateSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appstats_counter_update_skipped_total",
		Help: "Counter updates skipped because the advisory lock was held",
	}, []string{"counter"})
	ArchiveRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appstats_archive_retries_total",
		Help: "Total retried archive insert attempts",
	})
	ArchiveFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appstats_archive_failures_total",
		Help: "Total rollup batches dropped after exhausting archive retries",
	})
	ViewDocs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "appstats_view_docs",
		Help: "Number of documents in the materialized view after the last rebuild",
	}, []string{"stats"})
)

func init() {
	prometheus.MustRegister(IngestBatchesTotal, IngestDroppedTotal,
		IncrementErrorsTotal, UpdateDuration, UpdateSkippedTotal,
		ArchiveRetriesTotal, ArchiveFailuresTotal, ViewDocs)
}

// ObserveUpdate records one update run for the named counter.
func ObserveUpdate(counter string, started time.Time) {
	UpdateDuration.WithLabelValues(counter).Observe(time.Since(started).Seconds())
}
