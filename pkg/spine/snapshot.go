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

// Package spine materializes the cube-list snapshot into the spine tables.
// The snapshot is the authoritative catalogue of cubes; it is replaced
// wholesale on each load rather than diffed.
package spine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Cube is one catalogue entry from the upstream cube list.
type Cube struct {
	ProductID     int64     `json:"productId"`
	CansimID      string    `json:"cansimId"`
	TitleEn       string    `json:"cubeTitleEn"`
	TitleFr       string    `json:"cubeTitleFr"`
	StartDate     civilDate `json:"cubeStartDate"`
	EndDate       civilDate `json:"cubeEndDate"`
	ReleaseTime   civilDate `json:"releaseTime"`
	Archived      flexInt   `json:"archived"`
	FrequencyCode flexInt   `json:"frequencyCode"`
	IssueDate     civilDate `json:"issueDate"`
	SubjectCodes  []string  `json:"subjectCode"`
	SurveyCodes   []string  `json:"surveyCode"`
}

// knownCubeKeys is the schema we consume. Keys outside this set are
// surfaced by Decode so an upstream format change is noticed instead of
// silently dropped.
var knownCubeKeys = map[string]struct{}{
	"productId": {}, "cansimId": {}, "cubeTitleEn": {}, "cubeTitleFr": {},
	"cubeStartDate": {}, "cubeEndDate": {}, "releaseTime": {}, "archived": {},
	"frequencyCode": {}, "issueDate": {}, "subjectCode": {}, "surveyCode": {},
}

// civilDate accepts the snapshot's date shapes: bare dates, timestamps with
// or without zone, or null. The zero value marks absence.
type civilDate struct {
	time.Time
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func (d *civilDate) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = civilDate{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = civilDate{}
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*d = civilDate{Time: t}
			return nil
		}
	}
	return fmt.Errorf("unrecognized date %q", s)
}

// flexInt tolerates upstream fields that flip between JSON numbers and
// numeric strings across releases, as archived has.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("numeric field %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// Decode parses a snapshot payload. The second return value lists JSON keys
// seen on cube objects that are not part of the consumed schema, sorted and
// deduplicated, for the caller to log.
func Decode(payload []byte) ([]Cube, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, nil, fmt.Errorf("decode snapshot: expected array, got %v", tok)
	}

	var cubes []Cube
	unknown := map[string]struct{}{}
	for dec.More() {
		var raw map[string]json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("decode snapshot entry %d: %w", len(cubes), err)
		}
		for k := range raw {
			if _, ok := knownCubeKeys[k]; !ok {
				unknown[k] = struct{}{}
			}
		}
		// Re-marshal the known subset through the typed struct.
		buf, err := json.Marshal(raw)
		if err != nil {
			return nil, nil, err
		}
		var c Cube
		if err := json.Unmarshal(buf, &c); err != nil {
			return nil, nil, fmt.Errorf("decode snapshot entry %d: %w", len(cubes), err)
		}
		cubes = append(cubes, c)
	}

	keys := lo.Keys(unknown)
	sort.Strings(keys)
	return cubes, keys, nil
}

// Validation bounds. Upstream product identifiers are 8-digit; a snapshot
// far below the usual catalogue size means a truncated or partial response.
const (
	minProductID = 10_000_000
	maxProductID = 99_999_999

	// DefaultMinCubes rejects snapshots smaller than a plausible catalogue.
	DefaultMinCubes = 1000
)

// Validate checks a decoded snapshot before it may replace the active one.
// An invalid snapshot is rejected wholesale; the previous snapshot stays
// authoritative.
func Validate(cubes []Cube, minCubes int) error {
	if minCubes <= 0 {
		minCubes = DefaultMinCubes
	}
	if len(cubes) < minCubes {
		return fmt.Errorf("snapshot has %d cubes, need at least %d", len(cubes), minCubes)
	}
	seen := make(map[int64]struct{}, len(cubes))
	for i, c := range cubes {
		if c.ProductID < minProductID || c.ProductID > maxProductID {
			return fmt.Errorf("entry %d: productid %d out of range", i, c.ProductID)
		}
		if strings.TrimSpace(c.TitleEn) == "" {
			return fmt.Errorf("entry %d (productid %d): empty english title", i, c.ProductID)
		}
		if _, dup := seen[c.ProductID]; dup {
			return fmt.Errorf("entry %d: duplicate productid %d", i, c.ProductID)
		}
		seen[c.ProductID] = struct{}{}
	}
	return nil
}
