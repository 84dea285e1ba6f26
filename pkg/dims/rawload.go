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

package dims

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/statops/wdsmirror/pkg/storage"
)

// Metadata payload shapes. Several numeric fields arrive as strings in
// some vintages of the upstream feed.

type metadataEnvelope struct {
	Status string       `json:"status"`
	Object metadataCube `json:"object"`
}

type metadataCube struct {
	ProductID flexInt64         `json:"productId"`
	Dimension []json.RawMessage `json:"dimension"`
}

type metadataDim struct {
	PositionID flexInt64         `json:"dimensionPositionId"`
	NameEn     string            `json:"dimensionNameEn"`
	NameFr     string            `json:"dimensionNameFr"`
	HasUOM     bool              `json:"hasUom"`
	Member     []json.RawMessage `json:"member"`
}

// knownDimKeys and knownMemberKeys are the metadata schema we consume. Keys
// outside these sets are surfaced by parseMetadata so an upstream format
// change is noticed instead of silently dropped.
var knownDimKeys = map[string]struct{}{
	"dimensionPositionId": {}, "dimensionNameEn": {}, "dimensionNameFr": {},
	"hasUom": {}, "member": {},
}

var knownMemberKeys = map[string]struct{}{
	"memberId": {}, "parentMemberId": {}, "classificationCode": {},
	"classificationTypeCode": {}, "memberNameEn": {}, "memberNameFr": {},
	"memberUomCode": {}, "geoLevel": {}, "vintage": {}, "terminated": {},
}

type metadataMember struct {
	MemberID               flexInt64   `json:"memberId"`
	ParentMemberID         *flexInt64  `json:"parentMemberId"`
	ClassificationCode     *flexString `json:"classificationCode"`
	ClassificationTypeCode *flexString `json:"classificationTypeCode"`
	NameEn                 string      `json:"memberNameEn"`
	NameFr                 string      `json:"memberNameFr"`
	UOMCode                *flexString `json:"memberUomCode"`
	GeoLevel               *flexInt64  `json:"geoLevel"`
	Vintage                *flexInt64  `json:"vintage"`
	Terminated             flexInt64   `json:"terminated"`
}

type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("numeric field %q: %w", s, err)
	}
	*f = flexInt64(n)
	return nil
}

// flexString renders numbers and strings alike as text; codes are opaque.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*f = ""
		return nil
	}
	*f = flexString(strings.Trim(s, `"`))
	return nil
}

type rawDimRow struct {
	ProductID int64  `db:"productid"`
	Position  int64  `db:"dimension_position"`
	NameEn    string `db:"dimension_name_en"`
	NameFr    string `db:"dimension_name_fr"`
	HasUOM    bool   `db:"has_uom"`
}

type rawMemberRow struct {
	ProductID              int64   `db:"productid"`
	Position               int64   `db:"dimension_position"`
	MemberID               int64   `db:"member_id"`
	ParentMemberID         *int64  `db:"parent_member_id"`
	ClassificationCode     *string `db:"classification_code"`
	ClassificationTypeCode *string `db:"classification_type_code"`
	NameEn                 string  `db:"member_name_en"`
	NameFr                 string  `db:"member_name_fr"`
	UOMCode                *string `db:"member_uom_code"`
	GeoLevel               *int64  `db:"geo_level"`
	Vintage                *int64  `db:"vintage"`
	Terminated             bool    `db:"terminated"`
}

func optInt(f *flexInt64) *int64 {
	if f == nil {
		return nil
	}
	v := int64(*f)
	return &v
}

func optStr(f *flexString) *string {
	if f == nil || *f == "" {
		return nil
	}
	v := string(*f)
	return &v
}

// parseMetadata decodes one stored metadata payload into raw rows. The third
// return value lists JSON keys seen on dimension and member objects outside
// the consumed schema, sorted and deduplicated, for the caller to log.
func parseMetadata(productID int64, payload []byte) ([]rawDimRow, []rawMemberRow, []string, error) {
	var envs []metadataEnvelope
	if err := json.Unmarshal(payload, &envs); err != nil {
		return nil, nil, nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(envs) == 0 {
		return nil, nil, nil, fmt.Errorf("decode metadata: empty envelope array")
	}
	env := envs[0]
	if env.Status != "SUCCESS" {
		return nil, nil, nil, fmt.Errorf("metadata status %q", env.Status)
	}
	if got := int64(env.Object.ProductID); got != 0 && got != productID {
		return nil, nil, nil, fmt.Errorf("metadata productid %d does not match %d", got, productID)
	}

	unknown := map[string]struct{}{}
	collect := func(raw json.RawMessage, known map[string]struct{}) error {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return err
		}
		for k := range fields {
			if _, ok := known[k]; !ok {
				unknown[k] = struct{}{}
			}
		}
		return nil
	}

	var dims []rawDimRow
	var members []rawMemberRow
	for i, rawDim := range env.Object.Dimension {
		if err := collect(rawDim, knownDimKeys); err != nil {
			return nil, nil, nil, fmt.Errorf("decode metadata dimension %d: %w", i, err)
		}
		var d metadataDim
		if err := json.Unmarshal(rawDim, &d); err != nil {
			return nil, nil, nil, fmt.Errorf("decode metadata dimension %d: %w", i, err)
		}
		dims = append(dims, rawDimRow{
			ProductID: productID,
			Position:  int64(d.PositionID),
			NameEn:    d.NameEn,
			NameFr:    d.NameFr,
			HasUOM:    d.HasUOM,
		})
		for j, rawMem := range d.Member {
			if err := collect(rawMem, knownMemberKeys); err != nil {
				return nil, nil, nil, fmt.Errorf("decode metadata member %d/%d: %w", i, j, err)
			}
			var m metadataMember
			if err := json.Unmarshal(rawMem, &m); err != nil {
				return nil, nil, nil, fmt.Errorf("decode metadata member %d/%d: %w", i, j, err)
			}
			members = append(members, rawMemberRow{
				ProductID:              productID,
				Position:               int64(d.PositionID),
				MemberID:               int64(m.MemberID),
				ParentMemberID:         optInt(m.ParentMemberID),
				ClassificationCode:     optStr(m.ClassificationCode),
				ClassificationTypeCode: optStr(m.ClassificationTypeCode),
				NameEn:                 m.NameEn,
				NameFr:                 m.NameFr,
				UOMCode:                optStr(m.UOMCode),
				GeoLevel:               optInt(m.GeoLevel),
				Vintage:                optInt(m.Vintage),
				Terminated:             m.Terminated != 0,
			})
		}
	}

	keys := lo.Keys(unknown)
	sort.Strings(keys)
	return dims, members, keys, nil
}

// RawLoader reloads dictionary.raw_dimension and dictionary.raw_member from
// the active metadata artifacts on disk.
type RawLoader struct {
	db     *storage.DB
	logger log.Logger
}

func NewRawLoader(db *storage.DB, logger log.Logger) *RawLoader {
	return &RawLoader{db: db, logger: logger}
}

// LoadAll walks every active metadata artifact and reloads its product's raw
// rows. One product failing to parse is logged and skipped; the pass
// continues. Returns (loaded, skipped).
func (l *RawLoader) LoadAll(ctx context.Context) (int, int, error) {
	arts, err := l.db.ActiveArtifacts(ctx, storage.ArtifactsMetadata)
	if err != nil {
		return 0, 0, fmt.Errorf("list metadata artifacts: %w", err)
	}

	var loaded, skipped int
	for _, a := range arts {
		if err := ctx.Err(); err != nil {
			return loaded, skipped, err
		}
		pid := a.ProductID.Int64
		if err := l.loadOne(ctx, pid, a.StorageLocation); err != nil {
			level.Warn(l.logger).Log("msg", "raw dimension load failed",
				"productid", pid, "err", err)
			skipped++
			continue
		}
		loaded++
	}
	level.Info(l.logger).Log("msg", "raw dimensions loaded", "loaded", loaded, "skipped", skipped)
	return loaded, skipped, nil
}

func (l *RawLoader) loadOne(ctx context.Context, productID int64, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	dims, members, unknown, err := parseMetadata(productID, payload)
	if err != nil {
		return err
	}
	for _, k := range unknown {
		level.Warn(l.logger).Log("msg", "unknown metadata key",
			"productid", productID, "key", k)
	}

	// Per-product replace under the shared phase lock so the registry
	// builder never reads a half-written product.
	return l.db.WithAdvisoryLock(ctx, storage.LockDictionary, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM dictionary.raw_member WHERE productid = $1", productID); err != nil {
			return fmt.Errorf("clear raw members: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM dictionary.raw_dimension WHERE productid = $1", productID); err != nil {
			return fmt.Errorf("clear raw dimensions: %w", err)
		}
		for i := 0; i < len(dims); i += insertBatch {
			end := min(i+insertBatch, len(dims))
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO dictionary.raw_dimension
				(productid, dimension_position, dimension_name_en, dimension_name_fr, has_uom)
				VALUES (:productid, :dimension_position, :dimension_name_en, :dimension_name_fr, :has_uom)
				ON CONFLICT DO NOTHING`, dims[i:end]); err != nil {
				return fmt.Errorf("insert raw dimensions: %w", err)
			}
		}
		for i := 0; i < len(members); i += insertBatch {
			end := min(i+insertBatch, len(members))
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO dictionary.raw_member
				(productid, dimension_position, member_id, parent_member_id,
				 classification_code, classification_type_code, member_name_en,
				 member_name_fr, member_uom_code, geo_level, vintage, terminated)
				VALUES (:productid, :dimension_position, :member_id, :parent_member_id,
				 :classification_code, :classification_type_code, :member_name_en,
				 :member_name_fr, :member_uom_code, :geo_level, :vintage, :terminated)
				ON CONFLICT DO NOTHING`, members[i:end]); err != nil {
				return fmt.Errorf("insert raw members: %w", err)
			}
		}
		return nil
	})
}

const insertBatch = 500
