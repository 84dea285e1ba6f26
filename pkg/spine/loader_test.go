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

package spine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/statops/wdsmirror/pkg/storage"
)

func TestLoadTruncatesThenInsertsUnderLock(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := storage.NewFromDB(sqlx.NewDb(raw, "pgx"))

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(storage.LockSpineLoad).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("TRUNCATE spine.cube_survey, spine.cube_subject, spine.cube").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO spine.cube").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO spine.cube_subject").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO spine.cube_survey").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cubes := []Cube{
		{
			ProductID:    18100004,
			TitleEn:      "Consumer Price Index, monthly, not seasonally adjusted",
			StartDate:    civilDate{Time: time.Date(1914, 1, 1, 0, 0, 0, 0, time.UTC)},
			SubjectCodes: []string{"1810"},
			SurveyCodes:  []string{"2301"},
		},
		{ProductID: 18100005, TitleEn: "Consumer Price Index, annual average"},
	}

	loader := NewLoader(db, log.NewNopLogger())
	require.NoError(t, loader.Load(context.Background(), cubes))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRollsBackOnInsertFailure(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := storage.NewFromDB(sqlx.NewDb(raw, "pgx"))

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("TRUNCATE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO spine.cube").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	loader := NewLoader(db, log.NewNopLogger())
	err = loader.Load(context.Background(), []Cube{{ProductID: 18100004, TitleEn: "x"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
