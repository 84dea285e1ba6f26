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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// NoChangesMarker is the sentinel productid recorded when a date was checked
// upstream and reported no changed cubes. It keeps the date cursor moving
// without fabricating product rows.
const NoChangesMarker int64 = -1

// RecordChangedCubes logs the products that changed on a date. An empty set
// records the NoChangesMarker instead. Replays are harmless: the log is
// write-once per (productid, change_date).
func (d *DB) RecordChangedCubes(ctx context.Context, date time.Time, productIDs []int64) error {
	if len(productIDs) == 0 {
		productIDs = []int64{NoChangesMarker}
	}
	return d.InTx(ctx, func(tx *sqlx.Tx) error {
		for _, pid := range productIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO raw_files.changed_cubes_log (productid, change_date)
				VALUES ($1, $2)
				ON CONFLICT (productid, change_date) DO NOTHING`, pid, date)
			if err != nil {
				return fmt.Errorf("record change %d on %s: %w", pid, date.Format("2006-01-02"), err)
			}
		}
		return nil
	})
}

// LastCheckedDate returns the most recent date present in the change log, or
// ok=false when the log is empty and the caller must pick a starting date.
func (d *DB) LastCheckedDate(ctx context.Context) (time.Time, bool, error) {
	// max() over an empty table yields NULL rather than no rows.
	var date sql.NullTime
	err := d.GetContext(ctx, &date, "SELECT max(change_date) FROM raw_files.changed_cubes_log")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, fmt.Errorf("last checked date: %w", err)
	}
	if !date.Valid {
		return time.Time{}, false, nil
	}
	return date.Time, true, nil
}

// FlagPendingFromLog marks cube and metadata downloads pending for every
// logged change strictly newer than the calendar day of the product's last
// download. A product fetched later the same day already carries that day's
// release and stays fetched. The marker row is excluded. Returns the number
// of distinct products flagged.
func (d *DB) FlagPendingFromLog(ctx context.Context) (int64, error) {
	var flagged int64
	err := d.InTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"raw_files.cube_status", "raw_files.metadata_status"} {
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE %s s SET download_pending = TRUE
				FROM (
					SELECT DISTINCT productid FROM raw_files.changed_cubes_log
					WHERE productid <> $1
				) c
				WHERE s.productid = c.productid
				  AND NOT s.download_pending
				  AND (s.last_download IS NULL OR (
					SELECT max(change_date) FROM raw_files.changed_cubes_log l
					WHERE l.productid = s.productid
				  ) > s.last_download::date)`, table), NoChangesMarker)
			if err != nil {
				return fmt.Errorf("flag pending from log (%s): %w", table, err)
			}
			if table == "raw_files.cube_status" {
				flagged, _ = res.RowsAffected()
			}
		}
		return nil
	})
	return flagged, err
}
