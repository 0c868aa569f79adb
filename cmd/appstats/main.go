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

// Command appstats runs the statistics aggregator: the HTTP ingest/read
// service plus the operational commands that drive rollups, cache rebuilds,
// archive maintenance and anomaly detection.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"appstats/internal/appstats/anomaly"
	"appstats/internal/appstats/api"
	"appstats/internal/appstats/archive"
	"appstats/internal/appstats/config"
	"appstats/internal/appstats/engine"
	"appstats/internal/appstats/sched"
	"appstats/internal/appstats/store"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "appstats",
		Short:         "application statistics aggregator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (optional)")

	root.AddCommand(serveCmd(), updateCountersCmd(), updateCacheCmd(),
		stripDBCmd(), clearCmd(), findAnomaliesCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// setup loads config and dials both stores.
func setup(ctx context.Context) (*config.Config, *store.Store, archive.Archive, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	st := store.New(cfg.RedisAddr(), cfg.RedisDB, cfg.RedisPrefix)
	if err := st.Ping(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr(), err)
	}
	arch, err := archive.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}
	return cfg, st, arch, nil
}

func buildEngines(cfg *config.Config, st *store.Store, arch archive.Archive) map[string]*engine.Engine {
	engines := make(map[string]*engine.Engine, len(engine.Kinds))
	for _, kind := range engine.Kinds {
		engines[kind] = engine.New(cfg, st, arch, kind)
	}
	return engines
}

// statsFlag registers and validates the --stats selector.
func statsFlag(cmd *cobra.Command) *string {
	v := cmd.Flags().String("stats", engine.KindApps, "stats kind (apps|tasks)")
	return v
}

func engineFor(cfg *config.Config, st *store.Store, arch archive.Archive, kind string) (*engine.Engine, error) {
	for _, k := range engine.Kinds {
		if k == kind {
			return engine.New(cfg, st, arch, kind), nil
		}
	}
	return nil, fmt.Errorf("unknown stats kind %q (want apps or tasks)", kind)
}

func serveCmd() *cobra.Command {
	var counterEvery, cacheEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP service with background rollups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, st, arch, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			defer arch.Close(context.Background())

			engines := buildEngines(cfg, st, arch)
			for _, e := range engines {
				e.Queue.Start()
			}
			worker := sched.NewWorker([]*engine.Engine{
				engines[engine.KindApps], engines[engine.KindTasks],
			}, counterEvery, cacheEvery)
			worker.Start()

			server := api.NewServer(cfg, engines, arch)
			errCh := make(chan error, 1)
			go func() {
				if err := server.ListenAndServe(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-stop:
				logrus.WithField("signal", sig.String()).Info("shutting down")
			case err := <-errCh:
				return err
			}

			// Stop intake first, then flush: queues drain pending batches,
			// the worker runs one final counter pass.
			for _, e := range engines {
				e.Queue.Stop()
			}
			worker.Stop()
			return nil
		},
	}
	cmd.Flags().DurationVar(&counterEvery, "counter-interval", time.Minute, "how often counters are updated")
	cmd.Flags().DurationVar(&cacheEvery, "cache-interval", time.Minute, "how often the materialized view is rebuilt")
	return cmd
}

func updateCountersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-counters",
		Short: "run one update pass over every counter of a stats kind",
	}
	kind := statsFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, st, arch, err := setup(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		defer arch.Close(context.Background())
		eng, err := engineFor(cfg, st, arch, *kind)
		if err != nil {
			return err
		}
		return eng.UpdateCounters(ctx)
	}
	return cmd
}

func updateCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-cache",
		Short: "rebuild the materialized view of a stats kind",
	}
	kind := statsFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, st, arch, err := setup(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		defer arch.Close(context.Background())
		eng, err := engineFor(cfg, st, arch, *kind)
		if err != nil {
			return err
		}
		return eng.UpdateCache(ctx)
	}
	return cmd
}

func stripDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strip-db",
		Short: "remove periodic archive rows older than the given age",
	}
	kind := statsFlag(cmd)
	days := cmd.Flags().Int("days", 182, "maximum row age in days")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if *days <= 0 {
			return fmt.Errorf("--days must be positive, got %d", *days)
		}
		ctx := cmd.Context()
		cfg, st, arch, err := setup(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		defer arch.Close(context.Background())
		eng, err := engineFor(cfg, st, arch, *kind)
		if err != nil {
			return err
		}
		removed, err := eng.StripArchive(ctx, time.Duration(*days)*24*time.Hour)
		if err != nil {
			return err
		}
		logrus.WithField("removed", removed).Info("archive stripped")
		return nil
	}
	return cmd
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "drop all counter state and archive collections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, st, arch, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			defer arch.Close(context.Background())

			if err := st.DelByPrefix(ctx); err != nil {
				return fmt.Errorf("clear faststore: %w", err)
			}
			names := []string{api.EventsCollection, anomaly.Collection}
			for _, kind := range engine.Kinds {
				eng := engine.New(cfg, st, arch, kind)
				names = append(names, eng.CollectionNames(cfg)...)
			}
			for _, name := range names {
				if err := arch.Drop(ctx, name); err != nil {
					return fmt.Errorf("drop %s: %w", name, err)
				}
			}
			return nil
		},
	}
}

func findAnomaliesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find-anomalies",
		Short: "compare a recent window against a reference window",
	}
	kind := statsFlag(cmd)
	refHours := cmd.Flags().Int("refhours", 24, "reference window, hours")
	checkHours := cmd.Flags().Int("checkhours", 1, "check window, hours")
	sensitivity := cmd.Flags().Float64("sensitivity", 0.5, "sensitivity in (0,1); anomalies fire at relative error >= 1-sensitivity")
	mode := cmd.Flags().String("mode", "console", "reporting mode (console|email)")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		var notifier anomaly.Notifier
		switch *mode {
		case "console":
			notifier = anomaly.ConsoleNotifier{W: cmd.OutOrStdout()}
		case "email":
			notifier = anomaly.LogNotifier{}
		default:
			return fmt.Errorf("unknown mode %q (want console or email)", *mode)
		}

		ctx := cmd.Context()
		cfg, st, arch, err := setup(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		defer arch.Close(context.Background())
		eng, err := engineFor(cfg, st, arch, *kind)
		if err != nil {
			return err
		}

		p := eng.PeriodicFor(*refHours + *checkHours)
		anomalies, err := p.FindAnomalies(ctx, *refHours, *checkHours, *sensitivity)
		if err != nil {
			return err
		}
		if len(anomalies) == 0 {
			return nil
		}
		if err := anomaly.Persist(ctx, arch, anomalies); err != nil {
			return err
		}
		return notifier.Notify(ctx, anomalies)
	}
	return cmd
}
