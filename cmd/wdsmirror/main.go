// Copyright 2025 The wdsmirror Authors
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

// wdsmirror mirrors Statistics Canada's Web Data Service: it keeps a local
// content-addressed copy of the cube catalogue, cube data files and cube
// metadata, and derives a harmonized dimension registry from them. Each
// subcommand is one pipeline stage; stages are composable and resumable.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/statops/wdsmirror/pkg/contentstore"
	"github.com/statops/wdsmirror/pkg/dims"
	"github.com/statops/wdsmirror/pkg/normalize"
	"github.com/statops/wdsmirror/pkg/scheduler"
	"github.com/statops/wdsmirror/pkg/spine"
	"github.com/statops/wdsmirror/pkg/storage"
	"github.com/statops/wdsmirror/pkg/verify"
	"github.com/statops/wdsmirror/pkg/wds"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("wdsmirror", "Statistics Canada Web Data Service mirror")
	a.HelpFlag.Short('h')

	var (
		dsn = a.Flag("db.dsn", "Postgres connection string.").
			Envar("WDSMIRROR_DSN").Required().String()
		rawRoot = a.Flag("raw.root", "Root directory of the content-addressed file store.").
			Envar("WDSMIRROR_RAW_ROOT").Default("/var/lib/wdsmirror/raw").String()
		baseURL = a.Flag("wds.base-url", "Web Data Service base URL.").
			Envar("WDSMIRROR_BASE_URL").Default(wds.DefaultBaseURL).String()
		timeout = a.Flag("wds.timeout", "Per-call deadline for metadata-sized requests.").
			Default("2m").Duration()
		cubeTimeout = a.Flag("wds.cube-timeout", "Per-call deadline for full cube downloads.").
			Default("20m").Duration()
		attempts = a.Flag("wds.attempts", "Attempts per upstream call before giving up.").
			Default("4").Uint()
		workers = a.Flag("workers", "Concurrent workers per fetch pipeline.").
			Envar("WDSMIRROR_WORKERS").Default("4").Int()
		releaseZone = a.Flag("release.zone", "Timezone of upstream's release schedule.").
			Default(scheduler.DefaultReleaseZone).String()
		minCubes = a.Flag("spine.min-cubes", "Smallest plausible snapshot; smaller responses are rejected.").
			Default("1000").Int()
		metricsAddr = a.Flag("metrics-addr", "Address to serve metrics on; empty disables the listener.").
			Default("").String()
	)

	migrateCmd := a.Command("migrate", "Apply schema migrations and exit.")
	fetchSpineCmd := a.Command("fetch-spine", "Fetch the cube list; adopt and load it if it changed.")
	loadSpineCmd := a.Command("load-spine", "Reload the spine tables from the active snapshot artifact.")
	seedStatusCmd := a.Command("seed-status", "Insert pending status rows for untracked spine products.")
	discoverCmd := a.Command("discover-changes", "Walk the change feed and flag affected products pending.")
	fetchCubesCmd := a.Command("fetch-cubes", "Download pending cube data files.")
	fetchMetaCmd := a.Command("fetch-metadata", "Download pending cube metadata.")
	verifyCmd := a.Command("verify-files", "Reconcile the artifact registry against files on disk.")
	loadRawCmd := a.Command("load-raw-dimensions", "Parse active metadata artifacts into the raw dimension tables.")
	buildCmd := a.Command("build-registry", "Rebuild the harmonized dimension registry.")

	normalizeCmd := a.Command("normalize-labels", "Print base names for labels (args or stdin), one per line.")
	normalizeLang := normalizeCmd.Flag("lang", "Stopword language, en or fr.").Default("en").Enum("en", "fr")
	normalizeLabels := normalizeCmd.Arg("label", "Labels to normalize.").Strings()

	cmd, err := a.Parse(os.Args[1:])
	if err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	// normalize-labels needs neither database nor network.
	if cmd == normalizeCmd.FullCommand() {
		norm := normalize.English()
		if *normalizeLang == "fr" {
			norm = normalize.French()
		}
		if err := printBaseNames(norm, *normalizeLabels); err != nil {
			_ = level.Error(logger).Log("msg", "normalize failed", "err", err)
			os.Exit(1)
		}
		return
	}

	loc, err := time.LoadLocation(*releaseZone)
	if err != nil {
		_ = level.Error(logger).Log("msg", "invalid release zone", "zone", *releaseZone, "err", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, *dsn)
	if err != nil {
		_ = level.Error(logger).Log("msg", "database connection failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	store, err := contentstore.New(*rawRoot)
	if err != nil {
		_ = level.Error(logger).Log("msg", "raw root unusable", "path", *rawRoot, "err", err)
		os.Exit(1)
	}

	client := wds.New(wds.Opts{
		BaseURL:     *baseURL,
		Timeout:     *timeout,
		CubeTimeout: *cubeTimeout,
		Attempts:    *attempts,
	})
	sched := scheduler.New(db, store, client, logger, scheduler.Opts{
		Workers:     *workers,
		MinCubes:    *minCubes,
		ReleaseZone: loc,
	})

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		stop := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
					cancel()
				case <-stop:
				}
				return nil
			},
			func(error) { close(stop) },
		)
	}
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Add(srv.ListenAndServe, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	g.Add(
		func() error {
			defer cancel()
			return dispatch(ctx, cmd, stages{
				db:            db,
				store:         store,
				sched:         sched,
				logger:        logger,
				migrateCmd:    migrateCmd.FullCommand(),
				fetchSpineCmd: fetchSpineCmd.FullCommand(),
				loadSpineCmd:  loadSpineCmd.FullCommand(),
				seedStatusCmd: seedStatusCmd.FullCommand(),
				discoverCmd:   discoverCmd.FullCommand(),
				fetchCubesCmd: fetchCubesCmd.FullCommand(),
				fetchMetaCmd:  fetchMetaCmd.FullCommand(),
				verifyCmd:     verifyCmd.FullCommand(),
				loadRawCmd:    loadRawCmd.FullCommand(),
				buildCmd:      buildCmd.FullCommand(),
			})
		},
		func(error) { cancel() },
	)

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "run failed", "err", err)
		os.Exit(1)
	}
}

type stages struct {
	db     *storage.DB
	store  *contentstore.Store
	sched  *scheduler.Scheduler
	logger log.Logger

	migrateCmd, fetchSpineCmd, loadSpineCmd, seedStatusCmd, discoverCmd string
	fetchCubesCmd, fetchMetaCmd, verifyCmd, loadRawCmd, buildCmd        string
}

func dispatch(ctx context.Context, cmd string, s stages) error {
	switch cmd {
	case s.migrateCmd:
		return s.db.Migrate(ctx)

	case s.fetchSpineCmd:
		cubes, err := s.sched.RefreshSpine(ctx)
		if err != nil {
			return err
		}
		if cubes == nil {
			return nil
		}
		return spine.NewLoader(s.db, s.logger).Load(ctx, cubes)

	case s.loadSpineCmd:
		return loadActiveSpine(ctx, s)

	case s.seedStatusCmd:
		return s.sched.SeedStatus(ctx)

	case s.discoverCmd:
		return s.sched.DiscoverChanges(ctx)

	case s.fetchCubesCmd:
		_, err := s.sched.FetchCubes(ctx)
		return err

	case s.fetchMetaCmd:
		_, err := s.sched.FetchMetadata(ctx)
		return err

	case s.verifyCmd:
		_, err := verify.New(s.db, s.store, s.logger).Run(ctx)
		return err

	case s.loadRawCmd:
		_, _, err := dims.NewRawLoader(s.db, s.logger).LoadAll(ctx)
		return err

	case s.buildCmd:
		return dims.NewBuilder(s.db, normalize.English(), s.logger).Build(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// loadActiveSpine re-runs the spine loader from the artifact on disk, for
// recovery after a failed load.
func loadActiveSpine(ctx context.Context, s stages) error {
	art, err := s.db.ActiveArtifact(ctx, storage.ArtifactsSpine, 0)
	if err != nil {
		return fmt.Errorf("no active spine snapshot: %w", err)
	}
	payload, err := os.ReadFile(art.StorageLocation)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	cubes, unknown, err := spine.Decode(payload)
	if err != nil {
		return err
	}
	for _, k := range unknown {
		_ = level.Warn(s.logger).Log("msg", "unknown cube list key", "key", k)
	}
	return spine.NewLoader(s.db, s.logger).Load(ctx, cubes)
}

func printBaseNames(norm normalize.Normalizer, labels []string) error {
	emit := func(label string) {
		fmt.Printf("%s\t%s\n", label, norm.Normalize(label))
	}
	if len(labels) > 0 {
		for _, l := range labels {
			emit(l)
		}
		return nil
	}
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		emit(sc.Text())
	}
	return sc.Err()
}
