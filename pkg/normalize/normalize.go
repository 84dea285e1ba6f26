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

// Package normalize provides deterministic label canonicalization for the
// dimension registry. Labels arriving from the Web Data Service differ in
// case, punctuation and filler words across cubes that describe the same
// concept; the normalizer reduces them to a stable base name used as the
// cross-cube grouping key.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalizer derives a base name from a display label. Implementations must
// be pure: the same label always yields the same base name, across runs and
// platforms.
type Normalizer interface {
	Normalize(label string) string
}

// english stopwords cover the filler vocabulary seen in StatCan member
// labels. The set is deliberately small; dropping too much collapses labels
// that should stay distinct.
var englishStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "as": {}, "at": {}, "by": {}, "for": {},
	"from": {}, "in": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {},
	"with": {},
}

var frenchStopwords = map[string]struct{}{
	"à": {}, "au": {}, "aux": {}, "de": {}, "des": {}, "du": {}, "en": {},
	"et": {}, "la": {}, "le": {}, "les": {}, "ou": {}, "par": {}, "pour": {},
	"sur": {}, "un": {}, "une": {},
}

// Base tokenizes on Unicode word boundaries, drops non-alphabetic and
// stopword tokens, lowercases, dedupes, sorts and joins with single spaces.
type Base struct {
	stopwords map[string]struct{}
}

// English returns the normalizer used for member_name_en.
func English() *Base {
	return &Base{stopwords: englishStopwords}
}

// French returns the normalizer used for member_name_fr.
func French() *Base {
	return &Base{stopwords: frenchStopwords}
}

// Normalize implements Normalizer.
func (b *Base) Normalize(label string) string {
	tokens := Tokenize(label)
	seen := make(map[string]struct{}, len(tokens))
	kept := tokens[:0]
	for _, tok := range tokens {
		if _, stop := b.stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		kept = append(kept, tok)
	}
	sort.Strings(kept)
	return strings.Join(kept, " ")
}

// Tokenize splits a label into lowercased alphabetic tokens. Input is put
// into NFC form first so composed and decomposed accents tokenize alike.
func Tokenize(label string) []string {
	label = norm.NFC.String(strings.ToLower(strings.TrimSpace(label)))

	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range label {
		if unicode.IsLetter(r) {
			cur.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

// Label lowercases, trims and NFC-normalizes a display label. This is the
// member_label_norm transform that feeds member hashing, intentionally
// lighter than Normalize: word order and stopwords still matter for hashes.
func Label(s string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(s)))
}

// ContainsToken reports whether the label contains tok as a whole word after
// normalization. The registry uses this to flag dimensions carrying a
// "total" rollup member.
func ContainsToken(label, tok string) bool {
	for _, t := range Tokenize(label) {
		if t == tok {
			return true
		}
	}
	return false
}

var (
	titleEn = cases.Title(language.English)
	titleFr = cases.Title(language.French)
)

// TitleEn renders a canonical English name in title case. cases.Caser is not
// safe for concurrent use, so take a copy per call.
func TitleEn(s string) string {
	c := titleEn
	return c.String(s)
}

// TitleFr renders a canonical French name in title case.
func TitleFr(s string) string {
	c := titleFr
	return c.String(s)
}

// Slug builds a URL-safe identifier from a display name: lowercase, ASCII
// words joined by underscores. Non-alphanumeric runs collapse to a single
// separator.
func Slug(s string) string {
	var b strings.Builder
	lastSep := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		case r == '&':
			if !lastSep {
				b.WriteByte('_')
			}
			b.WriteString("and")
			lastSep = false
		default:
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
