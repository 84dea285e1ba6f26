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
	"database/sql"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"

	"github.com/statops/wdsmirror/pkg/storage"
)

// insertBatch keeps NamedExec statements under Postgres' parameter cap.
const insertBatch = 500

type cubeRow struct {
	ProductID     int64        `db:"productid"`
	CansimID      string       `db:"cansim_id"`
	TitleEn       string       `db:"title_en"`
	TitleFr       string       `db:"title_fr"`
	StartDate     sql.NullTime `db:"start_date"`
	EndDate       sql.NullTime `db:"end_date"`
	ReleaseDate   sql.NullTime `db:"release_date"`
	Archived      int16        `db:"archived"`
	FrequencyCode int16        `db:"frequency_code"`
	IssueDate     sql.NullTime `db:"issue_date"`
}

type codeRow struct {
	ProductID int64  `db:"productid"`
	Code      string `db:"code"`
}

func nullDate(d civilDate) sql.NullTime {
	if d.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: d.Time, Valid: true}
}

// Loader replaces the spine tables with a decoded snapshot.
type Loader struct {
	db     *storage.DB
	logger log.Logger
}

func NewLoader(db *storage.DB, logger log.Logger) *Loader {
	return &Loader{db: db, logger: logger}
}

// Load truncates and repopulates spine.cube, spine.cube_subject and
// spine.cube_survey in one transaction under the spine-load advisory lock.
// Fetchers keep running; only a second loader blocks.
func (l *Loader) Load(ctx context.Context, cubes []Cube) error {
	start := time.Now()
	var subjects, surveys []codeRow
	rows := make([]cubeRow, 0, len(cubes))
	for _, c := range cubes {
		rows = append(rows, cubeRow{
			ProductID:     c.ProductID,
			CansimID:      c.CansimID,
			TitleEn:       c.TitleEn,
			TitleFr:       c.TitleFr,
			StartDate:     nullDate(c.StartDate),
			EndDate:       nullDate(c.EndDate),
			ReleaseDate:   nullDate(c.ReleaseTime),
			Archived:      int16(c.Archived),
			FrequencyCode: int16(c.FrequencyCode),
			IssueDate:     nullDate(c.IssueDate),
		})
		for _, s := range c.SubjectCodes {
			subjects = append(subjects, codeRow{ProductID: c.ProductID, Code: s})
		}
		for _, s := range c.SurveyCodes {
			surveys = append(surveys, codeRow{ProductID: c.ProductID, Code: s})
		}
	}

	err := l.db.WithAdvisoryLock(ctx, storage.LockSpineLoad, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"TRUNCATE spine.cube_survey, spine.cube_subject, spine.cube"); err != nil {
			return fmt.Errorf("truncate spine tables: %w", err)
		}
		if err := batchNamedExec(ctx, tx, `
			INSERT INTO spine.cube
			(productid, cansim_id, title_en, title_fr, start_date, end_date,
			 release_date, archived, frequency_code, issue_date)
			VALUES (:productid, :cansim_id, :title_en, :title_fr, :start_date,
			 :end_date, :release_date, :archived, :frequency_code, :issue_date)`,
			rows); err != nil {
			return fmt.Errorf("insert cubes: %w", err)
		}
		if err := batchNamedExec(ctx, tx, `
			INSERT INTO spine.cube_subject (productid, subject_code)
			VALUES (:productid, :code)`, subjects); err != nil {
			return fmt.Errorf("insert subjects: %w", err)
		}
		if err := batchNamedExec(ctx, tx, `
			INSERT INTO spine.cube_survey (productid, survey_code)
			VALUES (:productid, :code)`, surveys); err != nil {
			return fmt.Errorf("insert surveys: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	level.Info(l.logger).Log("msg", "spine loaded",
		"cubes", len(rows), "subjects", len(subjects), "surveys", len(surveys),
		"duration", time.Since(start))
	return nil
}

func batchNamedExec[T any](ctx context.Context, tx *sqlx.Tx, query string, rows []T) error {
	for i := 0; i < len(rows); i += insertBatch {
		end := min(i+insertBatch, len(rows))
		if _, err := tx.NamedExecContext(ctx, query, rows[i:end]); err != nil {
			return err
		}
	}
	return nil
}
