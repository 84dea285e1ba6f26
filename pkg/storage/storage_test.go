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

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewFromDB(sqlx.NewDb(raw, "pgx")), mock
}

func TestInsertArtifactDemotesPriorActive(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS .+ raw_files.manage_cube_raw_files WHERE productid").
		WithArgs(int64(18100004), "ab12cd34ef56").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("UPDATE raw_files.manage_cube_raw_files SET active = FALSE WHERE productid").
		WithArgs(int64(18100004)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO raw_files.manage_cube_raw_files").
		WithArgs(int64(18100004), "ab12cd34ef56", "/data/raw/cubes/ab/ab12cd34ef56.zip").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := db.InsertArtifact(context.Background(), ArtifactsCube,
		18100004, "ab12cd34ef56", "/data/raw/cubes/ab/ab12cd34ef56.zip")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertArtifactDuplicateLeavesStateAlone(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(18100004), "ab12cd34ef56").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := db.InsertArtifact(context.Background(), ArtifactsCube,
		18100004, "ab12cd34ef56", "/data/raw/cubes/ab/ab12cd34ef56.zip")
	require.ErrorIs(t, err, ErrDuplicateArtifact)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertArtifactSpineHasNoProductKey(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS .+ raw_files.manage_spine_raw_files WHERE file_hash").
		WithArgs("ab12cd34ef56").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("UPDATE raw_files.manage_spine_raw_files SET active = FALSE WHERE active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO raw_files.manage_spine_raw_files").
		WithArgs("ab12cd34ef56", "/data/raw/ab/ab12cd34ef56.json").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := db.InsertArtifact(context.Background(), ArtifactsSpine,
		0, "ab12cd34ef56", "/data/raw/ab/ab12cd34ef56.json")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveArtifactRefusesLastActive(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"id", "productid", "file_hash", "date_download", "active", "storage_location"}).
		AddRow(7, 18100004, "ab12cd34ef56", time.Now(), true, "/data/raw/cubes/ab/ab12cd34ef56.zip")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM raw_files.manage_cube_raw_files WHERE id = .+ FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(rows)
	mock.ExpectQuery("SELECT count").
		WithArgs(int64(18100004), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err := db.RemoveArtifact(context.Background(), ArtifactsCube, 7, false)
	require.ErrorIs(t, err, ErrLastActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveArtifactForceSkipsSiblingCheck(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"id", "productid", "file_hash", "date_download", "active", "storage_location"}).
		AddRow(7, 18100004, "ab12cd34ef56", time.Now(), true, "/data/raw/cubes/ab/ab12cd34ef56.zip")

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(7)).WillReturnRows(rows)
	mock.ExpectExec("DELETE FROM raw_files.manage_cube_raw_files").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, db.RemoveArtifact(context.Background(), ArtifactsCube, 7, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedStatusInsertsMissingProductsOnly(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO raw_files.cube_status .+ FROM spine.cube").
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := db.SeedStatus(context.Background(), StatusCube)
	require.NoError(t, err)
	require.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingUsesSkipLocked(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"productid"}).AddRow(18100004).AddRow(18100005))
	mock.ExpectCommit()

	var got []int64
	err := db.InTx(context.Background(), func(tx *sqlx.Tx) error {
		ids, err := ClaimPending(context.Background(), tx, StatusMetadata, 5)
		got = ids
		return err
	})
	require.NoError(t, err)
	require.Equal(t, []int64{18100004, 18100005}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordChangedCubesEmptyWritesMarker(t *testing.T) {
	db, mock := newMockDB(t)
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO raw_files.changed_cubes_log").
		WithArgs(NoChangesMarker, date).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, db.RecordChangedCubes(context.Background(), date, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlagPendingFromLogComparesCalendarDays(t *testing.T) {
	db, mock := newMockDB(t)

	// The predicate holds the newest change date against the calendar day
	// of the last download: a product fetched after that day's release must
	// not be flagged again on the next discovery run.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE raw_files.cube_status .+ > s.last_download::date`).
		WithArgs(NoChangesMarker).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE raw_files.metadata_status .+ > s.last_download::date`).
		WithArgs(NoChangesMarker).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := db.FlagPendingFromLog(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastCheckedDateEmptyLog(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT max").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	_, ok, err := db.LastCheckedDate(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSpineStatusDefaultsToPending(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT \\* FROM raw_files.spine_status").
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_download", "download_pending", "last_file_hash"}))

	s, err := db.GetSpineStatus(context.Background())
	require.NoError(t, err)
	require.True(t, s.DownloadPending)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAdvisoryLockAcquiresBeforeWork(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(LockDictionary).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM dictionary.dimension_set").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err := db.WithAdvisoryLock(context.Background(), LockDictionary, func(tx *sqlx.Tx) error {
		_, err := tx.Exec("DELETE FROM dictionary.dimension_set")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
