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

// Package dims builds the harmonized dimension registry: raw metadata rows
// in, content-hashed canonical dimensions and members out. Equality of
// dimension structure across cubes reduces to equality of a single hash.
package dims

import (
	"strconv"
	"strings"

	"github.com/statops/wdsmirror/pkg/contentstore"
)

// MemberHash fingerprints one member's identity-bearing fields. Nulls
// become the empty string so "no parent" and parent 0 hash apart from each
// other. labelNorm must already be NFC-lowercased-trimmed.
func MemberHash(memberID int64, labelNorm string, parentID *int64, uomCode *string) string {
	parts := []string{
		strconv.FormatInt(memberID, 10),
		labelNorm,
		"",
		"",
	}
	if parentID != nil {
		parts[2] = strconv.FormatInt(*parentID, 10)
	}
	if uomCode != nil {
		parts[3] = *uomCode
	}
	return contentstore.Sum([]byte(strings.Join(parts, "|")))
}

// DimensionHash fingerprints a whole dimension from its member hashes,
// which the caller must pass sorted by memberId ascending. Two cubes share
// a dimension exactly when these hashes collide.
func DimensionHash(memberHashes []string) string {
	return contentstore.Sum([]byte(strings.Join(memberHashes, "|")))
}
