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

// Package api implements the HTTP surface of the aggregator: the ingest
// endpoints, event submission, JSON reads over the materialized view and
// the Prometheus scrape endpoint. Ingest handlers only enqueue; increments
// are applied after the response so a slow store never blocks a client.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"appstats/internal/appstats/archive"
	"appstats/internal/appstats/config"
	"appstats/internal/appstats/engine"
	"appstats/internal/appstats/ingest"
)

// eventsTTL is the age-based retention for submitted events.
const eventsTTL = 90 * 24 * time.Hour

// EventsCollection is the archive collection holding submitted events.
const EventsCollection = "appstats_events"

var rowsLimitOptions = []int{10, 25, 50}

// Server handles the HTTP requests of the aggregator.
type Server struct {
	cfg     *config.Config
	engines map[string]*engine.Engine
	arch    archive.Archive
	log     *logrus.Entry
}

// NewServer builds a server over the per-kind engines and the archive.
func NewServer(cfg *config.Config, engines map[string]*engine.Engine, arch archive.Archive) *Server {
	return &Server{
		cfg:     cfg,
		engines: engines,
		arch:    arch,
		log:     logrus.WithField("component", "api"),
	}
}

// RegisterRoutes mounts all handlers on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /add/apps_stats", s.handleAddStats(engine.KindApps))
	mux.HandleFunc("POST /add/tasks_stats", s.handleAddStats(engine.KindTasks))
	mux.HandleFunc("POST /add/event", s.handleAddEvent)
	mux.HandleFunc("GET /appstats/{app_id}", s.handleAppStats)
	mux.HandleFunc("GET /info/{app_id}/{name}", s.handleInfo)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// handleAddStats accepts a stats batch and parks it on the ingest queue.
// The response is ok regardless of what later happens to the increments.
func (s *Server) handleAddStats(kind string) http.HandlerFunc {
	eng := s.engines[kind]
	return func(w http.ResponseWriter, r *http.Request) {
		var batch ingest.Batch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		eng.Queue.Enqueue(batch)
		fmt.Fprint(w, "ok")
	}
}

type event struct {
	AppID     string `json:"app_id"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
	Descr     string `json:"descr"`
}

// handleAddEvent persists submitted events with an age-based TTL index.
func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	var events []event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	coll := s.arch.Collection(EventsCollection)
	if len(events) > 0 {
		docs := make([]archive.Doc, 0, len(events))
		for _, e := range events {
			docs = append(docs, archive.Doc{
				"app_id": e.AppID,
				"title":  e.Title,
				"date":   time.Unix(e.Timestamp, 0).UTC(),
				"descr":  e.Descr,
			})
		}
		if err := coll.Insert(r.Context(), docs); err != nil {
			s.log.WithError(err).Warn("event insert failed")
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	// TTL indexes must be single-field, so retention rides a separate
	// index on date next to the compound read index.
	if err := coll.EnsureIndex(r.Context(), []string{"date", "app_id"}, 0); err != nil {
		s.log.WithError(err).Warn("events index creation failed")
	}
	if err := coll.EnsureIndex(r.Context(), []string{"date"}, eventsTTL); err != nil {
		s.log.WithError(err).Warn("events TTL index creation failed")
	}
	fmt.Fprint(w, "ok")
}

// handleAppStats returns the materialized-view rows of one application,
// sorted by a {field}_{period} column or by name.
func (s *Server) handleAppStats(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("app_id")
	if len(s.cfg.Applications) > 0 {
		if _, ok := s.cfg.AppName(appID); !ok {
			http.NotFound(w, r)
			return
		}
	}

	sortByField := queryDefault(r, "sort_by_field", config.NumberField)
	if sortByField != "name" && !contains(s.cfg.VisibleFieldKeys(), sortByField) {
		http.NotFound(w, r)
		return
	}
	sortByPeriod := queryDefault(r, "sort_by_period", "hour")
	if sortByPeriod != "hour" && sortByPeriod != "day" {
		http.NotFound(w, r)
		return
	}
	rows := rowsLimitOptions[0]
	if v := r.URL.Query().Get("rows"); v != "" {
		fmt.Sscanf(v, "%d", &rows)
		if !containsInt(rowsLimitOptions, rows) {
			rows = rowsLimitOptions[0]
		}
	}

	sortField := "name"
	desc := false
	if sortByField != "name" {
		sortField = sortByField + "_" + sortByPeriod
		desc = true
	}
	coll := s.arch.Collection(engine.ViewCollection(engine.KindApps))
	docs, err := coll.Find(r.Context(), archive.Doc{"app_id": appID}, sortField, desc, int64(rows))
	if err != nil {
		s.log.WithError(err).Warn("view query failed")
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, docs)
}

// handleInfo returns the single view document of one (app_id, name).
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("app_id")
	name := r.PathValue("name")
	coll := s.arch.Collection(engine.ViewCollection(engine.KindApps))
	doc, err := coll.FindOne(r.Context(), archive.Doc{"app_id": appID, "name": name})
	if err != nil {
		s.log.WithError(err).Warn("view query failed")
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if doc == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, doc)
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.WithField("addr", addr).Info("api server listening")
	return httpServer.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing useful left to do.
		logrus.WithError(err).Debug("response encode failed")
	}
}

func queryDefault(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
}
