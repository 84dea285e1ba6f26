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
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/statops/wdsmirror/pkg/normalize"
	"github.com/statops/wdsmirror/pkg/storage"
)

// maxTreeDepth bounds level assignment; a chain deeper than this is treated
// like a cycle and the dimension's levels are left unset.
const maxTreeDepth = 20

// GrabbagFunc decides whether a canonical dimension is a grab-bag of
// unrelated members, from its English name.
type GrabbagFunc func(nameEn string) bool

// DefaultGrabbag flags the usual catch-all naming patterns.
func DefaultGrabbag(nameEn string) bool {
	for _, tok := range []string{"characteristics", "other", "miscellaneous"} {
		if normalize.ContainsToken(nameEn, tok) {
			return true
		}
	}
	return false
}

// Builder derives the processed and canonical dimension tables from the raw
// tables in four idempotent stages. Reads and writes happen in one
// transaction under the dictionary advisory lock, so a failed build leaves
// the previous registry untouched.
type Builder struct {
	db      *storage.DB
	norm    normalize.Normalizer
	grabbag GrabbagFunc
	logger  log.Logger
}

func NewBuilder(db *storage.DB, norm normalize.Normalizer, logger log.Logger) *Builder {
	return &Builder{db: db, norm: norm, grabbag: DefaultGrabbag, logger: logger}
}

// SetGrabbag overrides the grab-bag predicate.
func (b *Builder) SetGrabbag(fn GrabbagFunc) { b.grabbag = fn }

type procMember struct {
	ProductID      int64   `db:"productid"`
	Position       int64   `db:"dimension_position"`
	MemberID       int64   `db:"member_id"`
	MemberHash     string  `db:"member_hash"`
	DimensionHash  *string `db:"dimension_hash"`
	NameEn         string  `db:"member_name_en"`
	NameFr         string  `db:"member_name_fr"`
	LabelNorm      string  `db:"member_label_norm"`
	ParentMemberID *int64  `db:"parent_member_id"`
	UOMCode        *string `db:"member_uom_code"`
	GeoLevel       *int64  `db:"geo_level"`
	Vintage        *int64  `db:"vintage"`
	Terminated     bool    `db:"terminated"`
}

type procDim struct {
	ProductID     int64  `db:"productid"`
	Position      int64  `db:"dimension_position"`
	DimensionHash string `db:"dimension_hash"`
	NameEn        string `db:"dimension_name_en"`
	NameFr        string `db:"dimension_name_fr"`
	HasUOM        bool   `db:"has_uom"`
}

type canonDim struct {
	Hash       string `db:"dimension_hash"`
	NameEn     string `db:"dimension_name_en"`
	NameFr     string `db:"dimension_name_fr"`
	SlugEn     string `db:"name_en_slug"`
	SlugFr     string `db:"name_fr_slug"`
	UsageCount int    `db:"usage_count"`
	HasUOM     bool   `db:"has_uom"`
	IsTree     bool   `db:"is_tree"`
	IsHetero   bool   `db:"is_hetero"`
	HasTotal   bool   `db:"has_total"`
	IsGrabbag  bool   `db:"is_grabbag"`
	// Schema placeholder, never set.
	IsExclusive bool `db:"is_exclusive"`
}

type canonMember struct {
	Hash           string  `db:"dimension_hash"`
	MemberID       int64   `db:"member_id"`
	NameEn         string  `db:"member_name_en"`
	NameFr         string  `db:"member_name_fr"`
	ParentMemberID *int64  `db:"parent_member_id"`
	UOMCode        *string `db:"member_uom_code"`
	UsageCount     int     `db:"usage_count"`
	TreeLevel      *int    `db:"tree_level"`
	BaseName       string  `db:"base_name"`
}

// Build runs stages 1 through 4 and publishes the result atomically. The
// raw-table reads happen inside the same locked transaction as the writes,
// so a concurrent raw load cannot tear the input between the two queries.
func (b *Builder) Build(ctx context.Context) error {
	start := time.Now()

	var members []procMember
	var dims []procDim
	var canonDims []canonDim
	var canonMembers []canonMember
	err := b.db.WithAdvisoryLock(ctx, storage.LockDictionary, func(tx *sqlx.Tx) error {
		var rawDims []rawDimRow
		if err := tx.SelectContext(ctx, &rawDims, `
			SELECT productid, dimension_position, dimension_name_en, dimension_name_fr, has_uom
			FROM dictionary.raw_dimension
			ORDER BY productid, dimension_position`); err != nil {
			return fmt.Errorf("read raw dimensions: %w", err)
		}
		var rawMembers []rawMemberRow
		if err := tx.SelectContext(ctx, &rawMembers, `
			SELECT productid, dimension_position, member_id, parent_member_id,
			       classification_code, classification_type_code, member_name_en,
			       member_name_fr, member_uom_code, geo_level, vintage, terminated
			FROM dictionary.raw_member
			ORDER BY productid, dimension_position, member_id`); err != nil {
			return fmt.Errorf("read raw members: %w", err)
		}

		members = stageMembers(rawMembers)
		dims = stageDimensions(members, rawDims)
		canonDims, canonMembers = b.stageCanonical(dims, members)

		for _, table := range []string{
			"dictionary.dimension_set_member",
			"dictionary.dimension_set",
			"processing.processed_dimensions",
			"processing.processed_members",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if err := batchInsert(ctx, tx, `
			INSERT INTO processing.processed_members
			(productid, dimension_position, member_id, member_hash, dimension_hash,
			 member_name_en, member_name_fr, member_label_norm, parent_member_id,
			 member_uom_code, geo_level, vintage, terminated)
			VALUES (:productid, :dimension_position, :member_id, :member_hash, :dimension_hash,
			 :member_name_en, :member_name_fr, :member_label_norm, :parent_member_id,
			 :member_uom_code, :geo_level, :vintage, :terminated)`, members); err != nil {
			return fmt.Errorf("insert processed members: %w", err)
		}
		if err := batchInsert(ctx, tx, `
			INSERT INTO processing.processed_dimensions
			(productid, dimension_position, dimension_hash, dimension_name_en,
			 dimension_name_fr, has_uom)
			VALUES (:productid, :dimension_position, :dimension_hash, :dimension_name_en,
			 :dimension_name_fr, :has_uom)`, dims); err != nil {
			return fmt.Errorf("insert processed dimensions: %w", err)
		}
		if err := batchInsert(ctx, tx, `
			INSERT INTO dictionary.dimension_set
			(dimension_hash, dimension_name_en, dimension_name_fr, name_en_slug,
			 name_fr_slug, usage_count, has_uom, is_tree, is_hetero, has_total,
			 is_grabbag, is_exclusive)
			VALUES (:dimension_hash, :dimension_name_en, :dimension_name_fr, :name_en_slug,
			 :name_fr_slug, :usage_count, :has_uom, :is_tree, :is_hetero, :has_total,
			 :is_grabbag, :is_exclusive)`, canonDims); err != nil {
			return fmt.Errorf("insert dimension set: %w", err)
		}
		if err := batchInsert(ctx, tx, `
			INSERT INTO dictionary.dimension_set_member
			(dimension_hash, member_id, member_name_en, member_name_fr,
			 parent_member_id, member_uom_code, usage_count, tree_level, base_name)
			VALUES (:dimension_hash, :member_id, :member_name_en, :member_name_fr,
			 :parent_member_id, :member_uom_code, :usage_count, :tree_level, :base_name)`,
			canonMembers); err != nil {
			return fmt.Errorf("insert dimension set members: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	level.Info(b.logger).Log("msg", "registry built",
		"processed_members", len(members), "processed_dimensions", len(dims),
		"dimensions", len(canonDims), "members", len(canonMembers),
		"duration", time.Since(start))
	return nil
}

// stageMembers is stage 1: normalized label and member hash per raw member.
func stageMembers(raw []rawMemberRow) []procMember {
	out := make([]procMember, 0, len(raw))
	for _, m := range raw {
		labelNorm := normalize.Label(m.NameEn)
		out = append(out, procMember{
			ProductID:      m.ProductID,
			Position:       m.Position,
			MemberID:       m.MemberID,
			MemberHash:     MemberHash(m.MemberID, labelNorm, m.ParentMemberID, m.UOMCode),
			NameEn:         m.NameEn,
			NameFr:         m.NameFr,
			LabelNorm:      labelNorm,
			ParentMemberID: m.ParentMemberID,
			UOMCode:        m.UOMCode,
			GeoLevel:       m.GeoLevel,
			Vintage:        m.Vintage,
			Terminated:     m.Terminated,
		})
	}
	return out
}

type groupKey struct {
	productID int64
	position  int64
}

// stageDimensions is stage 2: group hashes per (productid, position) and the
// dimension_hash backfill on member rows.
func stageDimensions(members []procMember, rawDims []rawDimRow) []procDim {
	groups := map[groupKey][]*procMember{}
	for i := range members {
		k := groupKey{members[i].ProductID, members[i].Position}
		groups[k] = append(groups[k], &members[i])
	}

	names := map[groupKey]rawDimRow{}
	for _, d := range rawDims {
		names[groupKey{d.ProductID, d.Position}] = d
	}

	out := make([]procDim, 0, len(groups))
	for k, ms := range groups {
		sort.Slice(ms, func(i, j int) bool { return ms[i].MemberID < ms[j].MemberID })
		hashes := lo.Map(ms, func(m *procMember, _ int) string { return m.MemberHash })
		dh := DimensionHash(hashes)
		hasUOM := false
		for _, m := range ms {
			m.DimensionHash = &dh
			if m.UOMCode != nil {
				hasUOM = true
			}
		}
		d := names[k]
		out = append(out, procDim{
			ProductID:     k.productID,
			Position:      k.position,
			DimensionHash: dh,
			NameEn:        d.NameEn,
			NameFr:        d.NameFr,
			HasUOM:        hasUOM,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// ballot accumulates consensus votes for one candidate value.
type ballot struct {
	count  int
	minPID int64
}

func vote(m map[string]*ballot, key string, pid int64) {
	b, ok := m[key]
	if !ok {
		m[key] = &ballot{count: 1, minPID: pid}
		return
	}
	b.count++
	if pid < b.minPID {
		b.minPID = pid
	}
}

// elect picks the mode: highest count, then lexicographically smallest
// value, then smallest contributing productid.
func elect(m map[string]*ballot) string {
	var best string
	var bestB *ballot
	for k, b := range m {
		if bestB == nil {
			best, bestB = k, b
			continue
		}
		switch {
		case b.count != bestB.count:
			if b.count > bestB.count {
				best, bestB = k, b
			}
		case k < best:
			best, bestB = k, b
		case k == best && b.minPID < bestB.minPID:
			bestB = b
		}
	}
	return best
}

// stageCanonical is stages 3 and 4: consensus names, shape flags, usage
// counts, tree levels and base names per distinct dimension hash.
func (b *Builder) stageCanonical(dims []procDim, members []procMember) ([]canonDim, []canonMember) {
	type dimAgg struct {
		usage   int
		nameEn  map[string]*ballot
		nameFr  map[string]*ballot
		hasUOM  bool
		members map[int64]*memberAgg
	}
	dimAggs := map[string]*dimAgg{}

	for _, d := range dims {
		agg, ok := dimAggs[d.DimensionHash]
		if !ok {
			agg = &dimAgg{
				nameEn:  map[string]*ballot{},
				nameFr:  map[string]*ballot{},
				members: map[int64]*memberAgg{},
			}
			dimAggs[d.DimensionHash] = agg
		}
		agg.usage++
		agg.hasUOM = agg.hasUOM || d.HasUOM
		vote(agg.nameEn, d.NameEn, d.ProductID)
		vote(agg.nameFr, d.NameFr, d.ProductID)
	}

	for i := range members {
		m := &members[i]
		if m.DimensionHash == nil {
			continue
		}
		agg, ok := dimAggs[*m.DimensionHash]
		if !ok {
			continue
		}
		ma, ok := agg.members[m.MemberID]
		if !ok {
			ma = newMemberAgg()
			agg.members[m.MemberID] = ma
		}
		ma.observe(m)
	}

	hashes := lo.Keys(dimAggs)
	sort.Strings(hashes)

	var outDims []canonDim
	var outMembers []canonMember
	for _, h := range hashes {
		agg := dimAggs[h]

		cms := make([]canonMember, 0, len(agg.members))
		isTree, hasTotal := false, false
		uoms := map[string]struct{}{}
		for _, id := range sortedKeys(agg.members) {
			cm := agg.members[id].resolve(h, id, b.norm)
			if cm.ParentMemberID != nil {
				isTree = true
			}
			if cm.UOMCode != nil {
				uoms[*cm.UOMCode] = struct{}{}
			}
			if normalize.ContainsToken(cm.NameEn, "total") || normalize.ContainsToken(cm.NameFr, "total") {
				hasTotal = true
			}
			cms = append(cms, cm)
		}

		if isTree {
			levels, ok := treeLevels(cms)
			if ok {
				for i := range cms {
					lvl := levels[cms[i].MemberID]
					cms[i].TreeLevel = &lvl
				}
			} else {
				level.Warn(b.logger).Log("msg", "parent cycle, tree levels unset", "dimension_hash", h)
			}
		}
		outMembers = append(outMembers, cms...)

		nameEn := elect(agg.nameEn)
		nameFr := elect(agg.nameFr)
		titleEn := normalize.TitleEn(nameEn)
		titleFr := normalize.TitleFr(nameFr)
		outDims = append(outDims, canonDim{
			Hash:       h,
			NameEn:     titleEn,
			NameFr:     titleFr,
			SlugEn:     normalize.Slug(titleEn),
			SlugFr:     normalize.Slug(titleFr),
			UsageCount: agg.usage,
			HasUOM:     agg.hasUOM,
			IsTree:     isTree,
			IsHetero:   len(uoms) > 1,
			HasTotal:   hasTotal,
			IsGrabbag:  b.grabbag(nameEn),
		})
	}
	return outDims, outMembers
}

const nullBallot = "\x00null"

// memberAgg accumulates stage 4 votes for one (dimensionHash, memberId).
type memberAgg struct {
	usage  int
	nameEn map[string]*ballot
	nameFr map[string]*ballot
	parent map[string]*ballot
	uom    map[string]*ballot
}

func newMemberAgg() *memberAgg {
	return &memberAgg{
		nameEn: map[string]*ballot{},
		nameFr: map[string]*ballot{},
		parent: map[string]*ballot{},
		uom:    map[string]*ballot{},
	}
}

func (a *memberAgg) observe(m *procMember) {
	a.usage++
	vote(a.nameEn, m.NameEn, m.ProductID)
	vote(a.nameFr, m.NameFr, m.ProductID)
	if m.ParentMemberID != nil {
		vote(a.parent, strconv.FormatInt(*m.ParentMemberID, 10), m.ProductID)
	} else {
		vote(a.parent, nullBallot, m.ProductID)
	}
	if m.UOMCode != nil {
		vote(a.uom, *m.UOMCode, m.ProductID)
	} else {
		vote(a.uom, nullBallot, m.ProductID)
	}
}

// electNullable applies the null rule: null wins only when it is the sole
// observed value.
func electNullable(m map[string]*ballot) (string, bool) {
	if len(m) == 1 {
		if _, onlyNull := m[nullBallot]; onlyNull {
			return "", false
		}
	}
	nonNull := map[string]*ballot{}
	for k, b := range m {
		if k != nullBallot {
			nonNull[k] = b
		}
	}
	return elect(nonNull), true
}

func (a *memberAgg) resolve(hash string, memberID int64, norm normalize.Normalizer) canonMember {
	cm := canonMember{
		Hash:       hash,
		MemberID:   memberID,
		NameEn:     elect(a.nameEn),
		NameFr:     elect(a.nameFr),
		UsageCount: a.usage,
	}
	if s, ok := electNullable(a.parent); ok {
		v, _ := strconv.ParseInt(s, 10, 64)
		cm.ParentMemberID = &v
	}
	if s, ok := electNullable(a.uom); ok {
		cm.UOMCode = &s
	}
	cm.BaseName = norm.Normalize(cm.NameEn)
	return cm
}

// treeLevels assigns BFS depths: roots (no parent, or parent absent from
// the dimension) get 1, children parent+1. Returns ok=false on a cycle or a
// chain deeper than maxTreeDepth, in which case no levels apply.
func treeLevels(members []canonMember) (map[int64]int, bool) {
	present := map[int64]struct{}{}
	for _, m := range members {
		present[m.MemberID] = struct{}{}
	}

	children := map[int64][]int64{}
	levels := map[int64]int{}
	var frontier []int64
	for _, m := range members {
		if m.ParentMemberID == nil {
			levels[m.MemberID] = 1
			frontier = append(frontier, m.MemberID)
			continue
		}
		if _, ok := present[*m.ParentMemberID]; !ok {
			levels[m.MemberID] = 1
			frontier = append(frontier, m.MemberID)
			continue
		}
		children[*m.ParentMemberID] = append(children[*m.ParentMemberID], m.MemberID)
	}

	depth := 1
	for len(frontier) > 0 {
		if depth > maxTreeDepth {
			return nil, false
		}
		var next []int64
		for _, id := range frontier {
			for _, c := range children[id] {
				if _, seen := levels[c]; seen {
					return nil, false
				}
				levels[c] = levels[id] + 1
				next = append(next, c)
			}
		}
		frontier = next
		depth++
	}

	// Unreached members form a cycle among themselves.
	if len(levels) != len(members) {
		return nil, false
	}
	return levels, true
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := lo.Keys(m)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func batchInsert[T any](ctx context.Context, tx *sqlx.Tx, query string, rows []T) error {
	for i := 0; i < len(rows); i += insertBatch {
		end := min(i+insertBatch, len(rows))
		if _, err := tx.NamedExecContext(ctx, query, rows[i:end]); err != nil {
			return err
		}
	}
	return nil
}
