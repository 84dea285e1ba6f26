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

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// ArtifactFamily names one of the three parallel raw-file registries. The
// spine family has no productid; its key is the family itself.
type ArtifactFamily struct {
	// Table is the fully qualified registry table.
	Table string
	// Keyed is true when rows are keyed by productid.
	Keyed bool
}

var (
	ArtifactsSpine    = ArtifactFamily{Table: "raw_files.manage_spine_raw_files"}
	ArtifactsCube     = ArtifactFamily{Table: "raw_files.manage_cube_raw_files", Keyed: true}
	ArtifactsMetadata = ArtifactFamily{Table: "raw_files.manage_metadata_raw_files", Keyed: true}
)

// Artifact is one registry row: a content-addressed file that is or was the
// active version for its key.
type Artifact struct {
	ID              int64         `db:"id"`
	ProductID       sql.NullInt64 `db:"productid"`
	FileHash        string        `db:"file_hash"`
	DateDownload    time.Time     `db:"date_download"`
	Active          bool          `db:"active"`
	StorageLocation string        `db:"storage_location"`
}

// ErrDuplicateArtifact reports an insert whose (productid, file_hash) pair
// is already registered: the payload was fetched before and nothing changed.
var ErrDuplicateArtifact = errors.New("storage: artifact already registered")

// ErrLastActive reports an attempt to Remove the only active row for a key.
var ErrLastActive = errors.New("storage: refusing to remove the only active artifact")

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// InsertArtifact registers a freshly stored file as the active version for
// its key, demoting any prior active row, all in one transaction. A
// duplicate (productid, file_hash) returns ErrDuplicateArtifact with no
// state change.
func (d *DB) InsertArtifact(ctx context.Context, fam ArtifactFamily, productID int64, hash, path string) error {
	return d.InTx(ctx, func(tx *sqlx.Tx) error {
		return insertArtifactTx(ctx, tx, fam, productID, hash, path)
	})
}

// InsertArtifactTx registers the row inside the caller's transaction, for
// callers that tie the insert to other writes in one commit.
func InsertArtifactTx(ctx context.Context, tx *sqlx.Tx, fam ArtifactFamily, productID int64, hash, path string) error {
	return insertArtifactTx(ctx, tx, fam, productID, hash, path)
}

// insertArtifactTx registers the row inside the caller's transaction. The
// duplicate check runs before any write: a unique violation would abort the
// transaction, and on a duplicate the caller still needs it live to clear
// the status flag. The constraint remains the backstop for races.
func insertArtifactTx(ctx context.Context, tx *sqlx.Tx, fam ArtifactFamily, productID int64, hash, path string) error {
	var exists bool
	var err error
	if fam.Keyed {
		err = tx.GetContext(ctx, &exists, fmt.Sprintf(
			"SELECT EXISTS (SELECT 1 FROM %s WHERE productid = $1 AND file_hash = $2)", fam.Table),
			productID, hash)
	} else {
		err = tx.GetContext(ctx, &exists, fmt.Sprintf(
			"SELECT EXISTS (SELECT 1 FROM %s WHERE file_hash = $1)", fam.Table), hash)
	}
	if err != nil {
		return fmt.Errorf("check duplicate artifact: %w", err)
	}
	if exists {
		return ErrDuplicateArtifact
	}

	if fam.Keyed {
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET active = FALSE WHERE productid = $1 AND active", fam.Table), productID)
	} else {
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET active = FALSE WHERE active", fam.Table))
	}
	if err != nil {
		return fmt.Errorf("deactivate prior artifact: %w", err)
	}

	if fam.Keyed {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (productid, file_hash, date_download, active, storage_location) VALUES ($1, $2, now(), TRUE, $3)",
			fam.Table), productID, hash, path)
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (file_hash, date_download, active, storage_location) VALUES ($1, now(), TRUE, $2)",
			fam.Table), hash, path)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("concurrent artifact insert: %w", err)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ActiveArtifact returns the active row for a key, or sql.ErrNoRows.
func (d *DB) ActiveArtifact(ctx context.Context, fam ArtifactFamily, productID int64) (Artifact, error) {
	var a Artifact
	var err error
	if fam.Keyed {
		err = d.GetContext(ctx, &a, fmt.Sprintf(
			"SELECT * FROM %s WHERE productid = $1 AND active", fam.Table), productID)
	} else {
		err = d.GetContext(ctx, &a, fmt.Sprintf(
			"SELECT * FROM %s WHERE active", fam.Table))
	}
	return a, err
}

// ActiveArtifacts returns every active row in the family, ordered by key.
// The Verifier walks this set.
func (d *DB) ActiveArtifacts(ctx context.Context, fam ArtifactFamily) ([]Artifact, error) {
	var rows []Artifact
	order := "id"
	if fam.Keyed {
		order = "productid"
	}
	err := d.SelectContext(ctx, &rows, fmt.Sprintf(
		"SELECT * FROM %s WHERE active ORDER BY %s", fam.Table, order))
	return rows, err
}

// ArtifactHistory lists all rows for a key, newest first.
func (d *DB) ArtifactHistory(ctx context.Context, fam ArtifactFamily, productID int64) ([]Artifact, error) {
	var rows []Artifact
	var err error
	if fam.Keyed {
		err = d.SelectContext(ctx, &rows, fmt.Sprintf(
			"SELECT * FROM %s WHERE productid = $1 ORDER BY date_download DESC, id DESC", fam.Table), productID)
	} else {
		err = d.SelectContext(ctx, &rows, fmt.Sprintf(
			"SELECT * FROM %s ORDER BY date_download DESC, id DESC", fam.Table))
	}
	return rows, err
}

// RemoveArtifact deletes one registry row by id. Deleting the only active
// row for a key is refused with ErrLastActive unless force is set; the
// Verifier forces removal after it has already deleted the file and is about
// to flip the status row back to pending.
func (d *DB) RemoveArtifact(ctx context.Context, fam ArtifactFamily, id int64, force bool) error {
	return d.InTx(ctx, func(tx *sqlx.Tx) error {
		var a Artifact
		err := tx.GetContext(ctx, &a, fmt.Sprintf("SELECT * FROM %s WHERE id = $1 FOR UPDATE", fam.Table), id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock artifact %d: %w", id, err)
		}

		if a.Active && !force {
			var others int
			if fam.Keyed {
				err = tx.GetContext(ctx, &others, fmt.Sprintf(
					"SELECT count(*) FROM %s WHERE productid = $1 AND active AND id <> $2", fam.Table),
					a.ProductID.Int64, id)
			} else {
				err = tx.GetContext(ctx, &others, fmt.Sprintf(
					"SELECT count(*) FROM %s WHERE active AND id <> $1", fam.Table), id)
			}
			if err != nil {
				return fmt.Errorf("count active siblings: %w", err)
			}
			if others == 0 {
				return ErrLastActive
			}
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", fam.Table), id); err != nil {
			return fmt.Errorf("delete artifact %d: %w", id, err)
		}
		return nil
	})
}
