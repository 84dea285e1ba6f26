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

// StatusFamily names one of the per-key download status tables. A pending
// row means the key needs a (re)fetch; fetched rows carry the timestamp and
// hash of the last successful download.
type StatusFamily struct {
	Table string
}

var (
	StatusCube     = StatusFamily{Table: "raw_files.cube_status"}
	StatusMetadata = StatusFamily{Table: "raw_files.metadata_status"}
)

// Status is one row of a per-product status table.
type Status struct {
	ProductID       int64          `db:"productid"`
	LastDownload    sql.NullTime   `db:"last_download"`
	DownloadPending bool           `db:"download_pending"`
	LastFileHash    sql.NullString `db:"last_file_hash"`
}

// SeedStatus inserts a pending row for every spine product that has no
// status row yet. New cubes discovered by a spine refresh become fetchable
// without touching products already tracked. Returns the number of rows
// added.
func (d *DB) SeedStatus(ctx context.Context, fam StatusFamily) (int64, error) {
	res, err := d.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (productid, download_pending)
		SELECT c.productid, TRUE
		FROM spine.cube c
		WHERE NOT EXISTS (SELECT 1 FROM %s s WHERE s.productid = c.productid)`,
		fam.Table, fam.Table))
	if err != nil {
		return 0, fmt.Errorf("seed %s: %w", fam.Table, err)
	}
	return res.RowsAffected()
}

// MarkPending flags one product for refetch, inserting the row if the
// product was never tracked.
func (d *DB) MarkPending(ctx context.Context, fam StatusFamily, productID int64) error {
	_, err := d.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (productid, download_pending) VALUES ($1, TRUE)
		ON CONFLICT (productid) DO UPDATE SET download_pending = TRUE`,
		fam.Table), productID)
	if err != nil {
		return fmt.Errorf("mark pending %d: %w", productID, err)
	}
	return nil
}

// MarkFetchedTx clears the pending flag inside the caller's transaction so
// the status flip commits or rolls back together with the artifact insert.
func MarkFetchedTx(ctx context.Context, tx *sqlx.Tx, fam StatusFamily, productID int64, hash string, at time.Time) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET download_pending = FALSE, last_download = $2, last_file_hash = $3
		WHERE productid = $1`, fam.Table), productID, at, hash)
	if err != nil {
		return fmt.Errorf("mark fetched %d: %w", productID, err)
	}
	return nil
}

// PendingCount reports how many products await a fetch.
func (d *DB) PendingCount(ctx context.Context, fam StatusFamily) (int, error) {
	var n int
	err := d.GetContext(ctx, &n, fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE download_pending", fam.Table))
	return n, err
}

// ClaimPending pops up to limit pending products, skipping rows another
// worker holds. The claim is only a read under lock; the caller's
// transaction must also flip the flag (MarkFetchedTx) before committing, or
// the rows return to the pool on rollback.
func ClaimPending(ctx context.Context, tx *sqlx.Tx, fam StatusFamily, limit int) ([]int64, error) {
	var ids []int64
	err := tx.SelectContext(ctx, &ids, fmt.Sprintf(`
		SELECT productid FROM %s
		WHERE download_pending
		ORDER BY productid
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, fam.Table), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return ids, nil
}

// SpineStatus is the singleton status row for the cube-list snapshot.
type SpineStatus struct {
	ID              int16          `db:"id"`
	LastDownload    sql.NullTime   `db:"last_download"`
	DownloadPending bool           `db:"download_pending"`
	LastFileHash    sql.NullString `db:"last_file_hash"`
}

// GetSpineStatus reads the singleton row, returning a pending zero value if
// the row was never written.
func (d *DB) GetSpineStatus(ctx context.Context) (SpineStatus, error) {
	var s SpineStatus
	err := d.GetContext(ctx, &s, "SELECT * FROM raw_files.spine_status WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return SpineStatus{ID: 1, DownloadPending: true}, nil
	}
	return s, err
}

// SetSpineFetched records a successful spine snapshot download.
func (d *DB) SetSpineFetched(ctx context.Context, hash string, at time.Time) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO raw_files.spine_status (id, last_download, download_pending, last_file_hash)
		VALUES (1, $1, FALSE, $2)
		ON CONFLICT (id) DO UPDATE
		SET last_download = EXCLUDED.last_download,
		    download_pending = FALSE,
		    last_file_hash = EXCLUDED.last_file_hash`, at, hash)
	if err != nil {
		return fmt.Errorf("set spine fetched: %w", err)
	}
	return nil
}

// SetSpinePending flags the snapshot for refetch.
func (d *DB) SetSpinePending(ctx context.Context) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO raw_files.spine_status (id, download_pending) VALUES (1, TRUE)
		ON CONFLICT (id) DO UPDATE SET download_pending = TRUE`)
	if err != nil {
		return fmt.Errorf("set spine pending: %w", err)
	}
	return nil
}
