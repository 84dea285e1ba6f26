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

// Package scheduler drives the per-artifact state machine: discovering
// changed cubes, seeding status rows from the spine, and running the fetch
// pipelines that turn pending flags into active content-addressed
// artifacts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/statops/wdsmirror/pkg/contentstore"
	"github.com/statops/wdsmirror/pkg/spine"
	"github.com/statops/wdsmirror/pkg/storage"
	"github.com/statops/wdsmirror/pkg/wds"
)

// releaseCutoff is how far into a day upstream publishes that day's
// releases. Before the cutoff, "today" still means yesterday.
const releaseCutoff = 8*time.Hour + 30*time.Minute

// DefaultReleaseZone is upstream's publication timezone.
const DefaultReleaseZone = "America/Toronto"

// Feed is the upstream surface the scheduler needs; *wds.Client satisfies
// it and tests substitute stubs.
type Feed interface {
	ListAllCubes(ctx context.Context) ([]byte, error)
	ChangedCubeList(ctx context.Context, day time.Time) ([]wds.Change, error)
	CubeMetadata(ctx context.Context, productID int64) ([]byte, error)
	DownloadCubeCsv(ctx context.Context, productID int64) ([]byte, error)
}

type Opts struct {
	// Workers per fetch pipeline.
	Workers int
	// MinCubes for snapshot validation; 0 means the package default.
	MinCubes int
	// ReleaseZone overrides DefaultReleaseZone.
	ReleaseZone *time.Location
	// DiscoveryHorizon caps how far back discovery starts when the change
	// log is empty. Default 7 days.
	DiscoveryHorizon int
}

type Scheduler struct {
	db     *storage.DB
	store  *contentstore.Store
	feed   Feed
	logger log.Logger
	opts   Opts
}

func New(db *storage.DB, store *contentstore.Store, feed Feed, logger log.Logger, opts Opts) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DiscoveryHorizon <= 0 {
		opts.DiscoveryHorizon = 7
	}
	if opts.ReleaseZone == nil {
		loc, err := time.LoadLocation(DefaultReleaseZone)
		if err != nil {
			loc = time.UTC
		}
		opts.ReleaseZone = loc
	}
	return &Scheduler{db: db, store: store, feed: feed, logger: logger, opts: opts}
}

// effectiveDate maps a wall-clock instant to the most recent day whose
// releases are fully published.
func effectiveDate(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute
	if sinceMidnight < releaseCutoff {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// RefreshSpine fetches the cube list, and if its hash differs from the
// active snapshot, validates and adopts it. Returns the decoded cubes when
// a new snapshot was adopted, nil when nothing changed.
func (s *Scheduler) RefreshSpine(ctx context.Context) ([]spine.Cube, error) {
	payload, err := s.feed.ListAllCubes(ctx)
	if err != nil {
		fetchesTotal.WithLabelValues("spine", outcomeFailed).Inc()
		return nil, fmt.Errorf("fetch cube list: %w", err)
	}
	hash := contentstore.Sum(payload)

	st, err := s.db.GetSpineStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("read spine status: %w", err)
	}
	now := time.Now().UTC()
	// A pending flag means the stored snapshot is gone or corrupt; the
	// payload must be re-adopted even when its hash matches the last fetch.
	if !st.DownloadPending && st.LastFileHash.Valid && st.LastFileHash.String == hash {
		fetchesTotal.WithLabelValues("spine", outcomeNoChange).Inc()
		if err := s.db.SetSpineFetched(ctx, hash, now); err != nil {
			return nil, err
		}
		level.Debug(s.logger).Log("msg", "spine unchanged", "hash", hash)
		return nil, nil
	}

	cubes, unknown, err := spine.Decode(payload)
	if err != nil {
		fetchesTotal.WithLabelValues("spine", outcomeFailed).Inc()
		return nil, fmt.Errorf("decode cube list: %w", err)
	}
	for _, k := range unknown {
		level.Warn(s.logger).Log("msg", "unknown cube list key", "key", k)
	}
	if err := spine.Validate(cubes, s.opts.MinCubes); err != nil {
		fetchesTotal.WithLabelValues("spine", outcomeFailed).Inc()
		return nil, fmt.Errorf("reject cube list: %w", err)
	}

	_, path, err := s.store.Put(contentstore.FamilySpine, payload)
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	// A surviving registry row with this hash is fine: the file was just
	// re-published, only the status flag needs to clear.
	if err := s.db.InsertArtifact(ctx, storage.ArtifactsSpine, 0, hash, path); err != nil &&
		!errors.Is(err, storage.ErrDuplicateArtifact) {
		return nil, fmt.Errorf("register snapshot: %w", err)
	}
	if err := s.db.SetSpineFetched(ctx, hash, now); err != nil {
		return nil, err
	}
	fetchesTotal.WithLabelValues("spine", outcomeFetched).Inc()
	level.Info(s.logger).Log("msg", "spine snapshot adopted", "hash", hash, "cubes", len(cubes))
	return cubes, nil
}

// SeedStatus inserts pending status rows for spine products not yet
// tracked, in both fetch families.
func (s *Scheduler) SeedStatus(ctx context.Context) error {
	cubes, err := s.db.SeedStatus(ctx, storage.StatusCube)
	if err != nil {
		return err
	}
	meta, err := s.db.SeedStatus(ctx, storage.StatusMetadata)
	if err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "status seeded", "cube_rows", cubes, "metadata_rows", meta)
	return nil
}

// DiscoverChanges walks the change feed day by day, from the day after the
// last checked date (or a bounded horizon on first run) through the current
// effective date, recording every changed productid and flagging affected
// statuses pending. Days without changes are recorded with the marker row
// so they are never re-checked.
func (s *Scheduler) DiscoverChanges(ctx context.Context) error {
	through := effectiveDate(time.Now(), s.opts.ReleaseZone)

	last, ok, err := s.db.LastCheckedDate(ctx)
	if err != nil {
		return err
	}
	var from time.Time
	if ok {
		from = last.AddDate(0, 0, 1)
	} else {
		from = through.AddDate(0, 0, -(s.opts.DiscoveryHorizon - 1))
	}

	for day := from; !day.After(through); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		changes, err := s.feed.ChangedCubeList(ctx, day)
		if err != nil {
			return fmt.Errorf("change list %s: %w", day.Format("2006-01-02"), err)
		}
		ids := make([]int64, 0, len(changes))
		for _, c := range changes {
			ids = append(ids, c.ProductID)
		}
		if err := s.db.RecordChangedCubes(ctx, day, ids); err != nil {
			return err
		}
		changesDiscovered.Add(float64(len(ids)))
		level.Info(s.logger).Log("msg", "change day recorded",
			"date", day.Format("2006-01-02"), "changed", len(ids))
	}

	flagged, err := s.db.FlagPendingFromLog(ctx)
	if err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "pending flags raised", "products", flagged)
	return nil
}
