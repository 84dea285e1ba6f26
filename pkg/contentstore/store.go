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

// Package contentstore persists raw artifacts under a root directory,
// addressed by the first 12 hex characters of their SHA-256 digest. Files
// are published atomically (temp file, fsync, rename), so concurrent Puts
// of the same payload converge on a single physical copy.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// HashLen is the number of hex characters kept from a SHA-256 digest. Twelve
// characters give 48 bits, ample for a catalog in the tens of thousands of
// artifacts while keeping paths and database keys short.
const HashLen = 12

// Family selects the subdirectory and file extension for one artifact kind.
type Family struct {
	// Dir is the directory under the store root, e.g. "cubes".
	Dir string
	// Ext is the file extension including the dot, e.g. ".zip".
	Ext string
}

// The three artifact families mirrored from the Web Data Service.
var (
	FamilySpine    = Family{Dir: "spine", Ext: ".json"}
	FamilyCube     = Family{Dir: "cubes", Ext: ".zip"}
	FamilyMetadata = Family{Dir: "metadata", Ext: ".json"}
)

// Store is a content-addressed file store rooted at a single directory.
// Methods are safe for concurrent use.
type Store struct {
	root string
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create content store root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Sum returns the truncated hex SHA-256 of payload.
func Sum(payload []byte) string {
	d := sha256.Sum256(payload)
	return hex.EncodeToString(d[:])[:HashLen]
}

// Path returns the canonical location for a hash within a family without
// touching the filesystem. Layout: <root>/<dir>/<first two hex chars>/<hash><ext>.
func (s *Store) Path(fam Family, hash string) string {
	return filepath.Join(s.root, fam.Dir, hash[:2], hash+fam.Ext)
}

// Put writes payload into the family, returning its hash and final path.
// If a file already exists at the content-addressed path it is left
// untouched and the existing location is returned; Put never rewrites.
func (s *Store) Put(fam Family, payload []byte) (hash, path string, err error) {
	hash = Sum(payload)
	path = s.Path(fam, hash)

	if _, err := os.Stat(path); err == nil {
		return hash, path, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create fanout dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+hash+".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(payload); err != nil {
		return "", "", fmt.Errorf("write payload: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return "", "", fmt.Errorf("fsync payload: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", "", fmt.Errorf("close temp file: %w", err)
	}
	// Rename is atomic within the filesystem; losing the race to another
	// writer is fine because both wrote identical content.
	if err = os.Rename(tmp.Name(), path); err != nil {
		return "", "", fmt.Errorf("publish %s: %w", path, err)
	}
	return hash, path, nil
}

// Verify streams the file at path and reports whether its digest still
// matches hash. A missing file is an error, not a mismatch.
func (s *Store) Verify(path, hash string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil))[:HashLen] == hash, nil
}

// Delete removes the file at path. Absence is not an error; callers use
// Delete to reconcile and the desired end state is "gone".
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
