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

// Package verify reconciles the artifact registry against the files on
// disk. A row whose file is missing or whose content no longer matches its
// hash is removed and the product flagged for refetch, restoring the
// invariant that every active row points at intact content.
package verify

import (
	"context"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/statops/wdsmirror/pkg/contentstore"
	"github.com/statops/wdsmirror/pkg/storage"
)

// Summary reports one reconciliation pass.
type Summary struct {
	Checked  int
	OK       int
	Repaired int
}

func (s Summary) add(o Summary) Summary {
	return Summary{Checked: s.Checked + o.Checked, OK: s.OK + o.OK, Repaired: s.Repaired + o.Repaired}
}

type Verifier struct {
	db     *storage.DB
	store  *contentstore.Store
	logger log.Logger
}

func New(db *storage.DB, store *contentstore.Store, logger log.Logger) *Verifier {
	return &Verifier{db: db, store: store, logger: logger}
}

// Run checks every active artifact in all three families.
func (v *Verifier) Run(ctx context.Context) (Summary, error) {
	var total Summary
	for _, fam := range []struct {
		name     string
		artifact storage.ArtifactFamily
	}{
		{"spine", storage.ArtifactsSpine},
		{"cube", storage.ArtifactsCube},
		{"metadata", storage.ArtifactsMetadata},
	} {
		sum, err := v.runFamily(ctx, fam.name, fam.artifact)
		if err != nil {
			return total, fmt.Errorf("verify %s: %w", fam.name, err)
		}
		total = total.add(sum)
	}
	level.Info(v.logger).Log("msg", "verification finished",
		"checked", total.Checked, "ok", total.OK, "repaired", total.Repaired)
	return total, nil
}

func (v *Verifier) runFamily(ctx context.Context, name string, fam storage.ArtifactFamily) (Summary, error) {
	arts, err := v.db.ActiveArtifacts(ctx, fam)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, a := range arts {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Checked++

		ok, verr := v.store.Verify(a.StorageLocation, a.FileHash)
		if verr == nil && ok {
			sum.OK++
			continue
		}
		if verr != nil && !os.IsNotExist(verr) {
			return sum, fmt.Errorf("hash file %s: %w", a.StorageLocation, verr)
		}

		reason := "hash mismatch"
		if verr != nil {
			reason = "file missing"
		}
		level.Warn(v.logger).Log("msg", "corrupt artifact", "family", name,
			"productid", a.ProductID.Int64, "hash", a.FileHash, "reason", reason)

		if err := v.repair(ctx, name, fam, a); err != nil {
			return sum, err
		}
		sum.Repaired++
	}
	return sum, nil
}

// repair deletes the file and row, then flags the key pending again.
func (v *Verifier) repair(ctx context.Context, name string, fam storage.ArtifactFamily, a storage.Artifact) error {
	if err := v.store.Delete(a.StorageLocation); err != nil {
		return fmt.Errorf("delete %s: %w", a.StorageLocation, err)
	}
	if err := v.db.RemoveArtifact(ctx, fam, a.ID, true); err != nil {
		return fmt.Errorf("remove artifact row %d: %w", a.ID, err)
	}
	switch name {
	case "spine":
		return v.db.SetSpinePending(ctx)
	case "cube":
		return v.db.MarkPending(ctx, storage.StatusCube, a.ProductID.Int64)
	default:
		return v.db.MarkPending(ctx, storage.StatusMetadata, a.ProductID.Int64)
	}
}
