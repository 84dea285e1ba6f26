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

// Package storage is the relational bookkeeping layer: artifact registries
// for the three raw-file families, download status tables, the change log,
// and the embedded schema migrations. All mutating operations run inside
// transactions so a crashed process never leaves a state transition half
// applied.
package storage

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the connection pool with the pipeline's bookkeeping operations.
type DB struct {
	*sqlx.DB
}

// Open connects to Postgres using a pgx DSN and verifies the connection.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db}, nil
}

// NewFromDB wraps an existing pool. Tests use this with sqlmock.
func NewFromDB(db *sqlx.DB) *DB { return &DB{DB: db} }

// Migrate brings the schema up to date using the embedded goose migrations.
func (d *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, d.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Advisory lock keys for exclusive phases. The raw dimension loader and the
// registry builder share LockDictionary: a builder run must never observe a
// half-replaced product, so their writes and reads serialize on one key.
const (
	LockSpineLoad  int64 = 4201
	LockDictionary int64 = 4202
)

// WithAdvisoryLock runs fn inside a transaction holding a transaction-scoped
// advisory lock. The lock releases automatically on commit or rollback.
func (d *DB) WithAdvisoryLock(ctx context.Context, key int64, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return fmt.Errorf("acquire advisory lock %d: %w", key, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// InTx runs fn in a plain transaction.
func (d *DB) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
