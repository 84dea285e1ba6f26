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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/statops/wdsmirror/pkg/contentstore"
	"github.com/statops/wdsmirror/pkg/storage"
)

// FetchResult summarizes one fetch pass over a family.
type FetchResult struct {
	Fetched  int64
	NoChange int64
	Failed   int64
}

// pipeline binds the moving parts of one fetch family together.
type pipeline struct {
	name     string
	family   contentstore.Family
	artifact storage.ArtifactFamily
	status   storage.StatusFamily
	download func(ctx context.Context, productID int64) ([]byte, error)
}

// FetchCubes drains pending cube downloads with the worker pool.
func (s *Scheduler) FetchCubes(ctx context.Context) (FetchResult, error) {
	return s.runPipeline(ctx, pipeline{
		name:     "cube",
		family:   contentstore.FamilyCube,
		artifact: storage.ArtifactsCube,
		status:   storage.StatusCube,
		download: s.feed.DownloadCubeCsv,
	})
}

// FetchMetadata drains pending metadata downloads.
func (s *Scheduler) FetchMetadata(ctx context.Context) (FetchResult, error) {
	return s.runPipeline(ctx, pipeline{
		name:     "metadata",
		family:   contentstore.FamilyMetadata,
		artifact: storage.ArtifactsMetadata,
		status:   storage.StatusMetadata,
		download: s.feed.CubeMetadata,
	})
}

// runPipeline runs Workers goroutines, each claiming one pending product at
// a time with SKIP LOCKED and carrying its whole state transition inside a
// single transaction. The row lock held across the download serializes work
// per productid even across processes; an error or crash rolls back and the
// product stays pending.
func (s *Scheduler) runPipeline(ctx context.Context, p pipeline) (FetchResult, error) {
	pending, err := s.db.PendingCount(ctx, p.status)
	if err != nil {
		return FetchResult{}, err
	}
	pendingGauge.WithLabelValues(p.name).Set(float64(pending))
	level.Info(s.logger).Log("msg", "fetch pass starting", "family", p.name,
		"pending", pending, "workers", s.opts.Workers)

	var res FetchResult
	skip := newSkipSet()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				done, pid, err := s.fetchNext(gctx, p, skip, &res)
				if err != nil {
					// A failure before any product was claimed is a
					// database problem, not an artifact problem.
					if pid == 0 {
						return err
					}
					// Per-artifact failures are recovered locally; the
					// product stays pending for the next pass but is not
					// retried within this one.
					skip.add(pid)
					atomic.AddInt64(&res.Failed, 1)
					fetchesTotal.WithLabelValues(p.name, outcomeFailed).Inc()
					level.Warn(s.logger).Log("msg", "fetch failed",
						"family", p.name, "productid", pid, "err", err)
					continue
				}
				if done {
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return res, err
	}
	level.Info(s.logger).Log("msg", "fetch pass finished", "family", p.name,
		"fetched", res.Fetched, "nochange", res.NoChange, "failed", res.Failed)
	return res, nil
}

// skipSet remembers products that already failed this pass so workers do
// not spin on them.
type skipSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newSkipSet() *skipSet { return &skipSet{ids: map[int64]struct{}{}} }

func (s *skipSet) add(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *skipSet) pick(ids []int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, skip := s.ids[id]; !skip {
			return id, true
		}
	}
	return 0, false
}

func (s *skipSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// fetchNext claims and resolves one pending product. done=true means no
// claimable work remains.
func (s *Scheduler) fetchNext(ctx context.Context, p pipeline, skip *skipSet, res *FetchResult) (done bool, pid int64, err error) {
	start := time.Now()
	var outcome string
	err = s.db.InTx(ctx, func(tx *sqlx.Tx) error {
		// Claim enough rows that at least one is outside the skip set
		// whenever any non-failed work remains.
		ids, err := storage.ClaimPending(ctx, tx, p.status, skip.len()+1)
		if err != nil {
			return err
		}
		claimed, ok := skip.pick(ids)
		if !ok {
			done = true
			return nil
		}
		pid = claimed

		payload, err := p.download(ctx, pid)
		if err != nil {
			return fmt.Errorf("download %d: %w", pid, err)
		}
		hash, path, err := s.store.Put(p.family, payload)
		if err != nil {
			return fmt.Errorf("store %d: %w", pid, err)
		}

		now := time.Now().UTC()
		switch err := storage.InsertArtifactTx(ctx, tx, p.artifact, pid, hash, path); {
		case errors.Is(err, storage.ErrDuplicateArtifact):
			outcome = outcomeNoChange
		case err != nil:
			return fmt.Errorf("register %d: %w", pid, err)
		default:
			outcome = outcomeFetched
		}
		return storage.MarkFetchedTx(ctx, tx, p.status, pid, hash, now)
	})
	// Count only committed outcomes; a rollback leaves the product pending.
	if err == nil && !done {
		if outcome == outcomeFetched {
			atomic.AddInt64(&res.Fetched, 1)
		} else {
			atomic.AddInt64(&res.NoChange, 1)
		}
		fetchesTotal.WithLabelValues(p.name, outcome).Inc()
		fetchDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	}
	return done, pid, err
}
