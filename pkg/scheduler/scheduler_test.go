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
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/statops/wdsmirror/pkg/contentstore"
	"github.com/statops/wdsmirror/pkg/storage"
	"github.com/statops/wdsmirror/pkg/wds"
)

type stubFeed struct {
	cubeList []byte
	changes  map[string][]wds.Change
	metadata map[int64][]byte
	csv      map[int64][]byte
	csvErr   map[int64]error
}

func (f *stubFeed) ListAllCubes(context.Context) ([]byte, error) { return f.cubeList, nil }

func (f *stubFeed) ChangedCubeList(_ context.Context, day time.Time) ([]wds.Change, error) {
	return f.changes[day.Format("2006-01-02")], nil
}

func (f *stubFeed) CubeMetadata(_ context.Context, pid int64) ([]byte, error) {
	return f.metadata[pid], nil
}

func (f *stubFeed) DownloadCubeCsv(_ context.Context, pid int64) ([]byte, error) {
	if err := f.csvErr[pid]; err != nil {
		return nil, err
	}
	return f.csv[pid], nil
}

func newTestScheduler(t *testing.T, feed Feed, opts Opts) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	store, err := contentstore.New(t.TempDir())
	require.NoError(t, err)
	db := storage.NewFromDB(sqlx.NewDb(raw, "pgx"))
	return New(db, store, feed, log.NewNopLogger(), opts), mock
}

func snapshotJSON(t *testing.T, n int) []byte {
	t.Helper()
	type entry struct {
		ProductID int64  `json:"productId"`
		TitleEn   string `json:"cubeTitleEn"`
	}
	entries := make([]entry, n)
	for i := range entries {
		entries[i] = entry{ProductID: int64(10000000 + i), TitleEn: fmt.Sprintf("Cube %d", i)}
	}
	buf, err := json.Marshal(entries)
	require.NoError(t, err)
	return buf
}

func TestEffectiveDateRespectsReleaseCutoff(t *testing.T) {
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)

	// 07:00 Eastern on March 2nd: releases not yet out, yesterday applies.
	early := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) // 07:00 EST
	require.Equal(t, "2026-03-01", effectiveDate(early, loc).Format("2006-01-02"))

	// 09:00 Eastern: past the cutoff.
	late := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC) // 09:00 EST
	require.Equal(t, "2026-03-02", effectiveDate(late, loc).Format("2006-01-02"))
}

func TestRefreshSpineUnchangedHash(t *testing.T) {
	payload := snapshotJSON(t, 3)
	feed := &stubFeed{cubeList: payload}
	s, mock := newTestScheduler(t, feed, Opts{MinCubes: 1})

	hash := contentstore.Sum(payload)
	mock.ExpectQuery("SELECT \\* FROM raw_files.spine_status").
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_download", "download_pending", "last_file_hash"}).
			AddRow(1, time.Now(), false, hash))
	mock.ExpectExec("INSERT INTO raw_files.spine_status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cubes, err := s.RefreshSpine(context.Background())
	require.NoError(t, err)
	require.Nil(t, cubes, "matching hash must not adopt a snapshot")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshSpineRepublishesWhenPending(t *testing.T) {
	payload := snapshotJSON(t, 3)
	feed := &stubFeed{cubeList: payload}
	s, mock := newTestScheduler(t, feed, Opts{MinCubes: 1})

	// After a corrupt snapshot was repaired, the file and registry row are
	// gone and the pending flag is up, but last_file_hash still matches the
	// upstream bytes. The snapshot must be adopted again regardless.
	hash := contentstore.Sum(payload)
	mock.ExpectQuery("SELECT \\* FROM raw_files.spine_status").
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_download", "download_pending", "last_file_hash"}).
			AddRow(1, time.Now(), true, hash))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("UPDATE raw_files.manage_spine_raw_files").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO raw_files.manage_spine_raw_files").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO raw_files.spine_status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cubes, err := s.RefreshSpine(context.Background())
	require.NoError(t, err)
	require.Len(t, cubes, 3)
	require.NoError(t, mock.ExpectationsWereMet())

	// The file is back at its addressed path.
	ok, err := s.store.Verify(s.store.Path(contentstore.FamilySpine, hash), hash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRefreshSpineAdoptsNewSnapshot(t *testing.T) {
	payload := snapshotJSON(t, 3)
	feed := &stubFeed{cubeList: payload}
	s, mock := newTestScheduler(t, feed, Opts{MinCubes: 1})

	mock.ExpectQuery("SELECT \\* FROM raw_files.spine_status").
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_download", "download_pending", "last_file_hash"}).
			AddRow(1, time.Now(), false, "0000deadbeef"))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("UPDATE raw_files.manage_spine_raw_files").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO raw_files.manage_spine_raw_files").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO raw_files.spine_status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cubes, err := s.RefreshSpine(context.Background())
	require.NoError(t, err)
	require.Len(t, cubes, 3)
	require.NoError(t, mock.ExpectationsWereMet())

	// The snapshot landed in the content store at its addressed path.
	hash := contentstore.Sum(payload)
	ok, err := s.store.Verify(s.store.Path(contentstore.FamilySpine, hash), hash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRefreshSpineRejectsTruncatedSnapshot(t *testing.T) {
	feed := &stubFeed{cubeList: snapshotJSON(t, 2)}
	s, mock := newTestScheduler(t, feed, Opts{MinCubes: 100})

	mock.ExpectQuery("SELECT \\* FROM raw_files.spine_status").
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_download", "download_pending", "last_file_hash"}))

	_, err := s.RefreshSpine(context.Background())
	require.ErrorContains(t, err, "reject cube list")
	require.NoError(t, mock.ExpectationsWereMet())
}

func cubeClaimRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"productid"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	return rows
}

func TestFetchCubesDrainsQueue(t *testing.T) {
	feed := &stubFeed{csv: map[int64][]byte{18100004: []byte("zip-bytes")}}
	s, mock := newTestScheduler(t, feed, Opts{Workers: 1})

	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	// First claim: one product, full transition.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(cubeClaimRows(18100004))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("UPDATE raw_files.manage_cube_raw_files").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO raw_files.manage_cube_raw_files").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE raw_files.cube_status SET download_pending = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Second claim: queue empty.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(cubeClaimRows())
	mock.ExpectCommit()

	res, err := s.FetchCubes(context.Background())
	require.NoError(t, err)
	require.Equal(t, FetchResult{Fetched: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())

	hash := contentstore.Sum([]byte("zip-bytes"))
	ok, err := s.store.Verify(s.store.Path(contentstore.FamilyCube, hash), hash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFetchCubesDuplicateCountsNoChange(t *testing.T) {
	feed := &stubFeed{csv: map[int64][]byte{18100004: []byte("zip-bytes")}}
	s, mock := newTestScheduler(t, feed, Opts{Workers: 1})

	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	// Same bytes already registered: the pending flag still clears in the
	// same transaction and the fetch counts as no change.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(cubeClaimRows(18100004))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE raw_files.cube_status SET download_pending = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(cubeClaimRows())
	mock.ExpectCommit()

	res, err := s.FetchCubes(context.Background())
	require.NoError(t, err)
	require.Equal(t, FetchResult{NoChange: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchCubesFailureLeavesPending(t *testing.T) {
	feed := &stubFeed{csvErr: map[int64]error{18100004: errors.New("boom")}}
	s, mock := newTestScheduler(t, feed, Opts{Workers: 1})

	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	// Failed download rolls back; product joins the skip set.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(cubeClaimRows(18100004))
	mock.ExpectRollback()

	// Next claim sees only the skipped product and stops.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(cubeClaimRows(18100004))
	mock.ExpectCommit()

	res, err := s.FetchCubes(context.Background())
	require.NoError(t, err)
	require.Equal(t, FetchResult{Failed: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscoverChangesRecordsEveryDay(t *testing.T) {
	today := effectiveDate(time.Now(), time.UTC).Format("2006-01-02")
	feed := &stubFeed{changes: map[string][]wds.Change{
		today: {{ProductID: 18100004}},
	}}
	s, mock := newTestScheduler(t, feed, Opts{ReleaseZone: time.UTC, DiscoveryHorizon: 2})

	// Empty log: discovery starts at the horizon.
	mock.ExpectQuery("SELECT max").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	// Day 1: no changes, marker row.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO raw_files.changed_cubes_log").
		WithArgs(storage.NoChangesMarker, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Day 2: the changed product.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO raw_files.changed_cubes_log").
		WithArgs(int64(18100004), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE raw_files.cube_status").
		WithArgs(storage.NoChangesMarker).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE raw_files.metadata_status").
		WithArgs(storage.NoChangesMarker).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DiscoverChanges(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
