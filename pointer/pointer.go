// Copyright 2025 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pointer finds Git LFS pointer files in a repository and parses them.
package pointer

import (
	"context"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"

	"go.chromium.org/lfsfetch/gitrepo"
)

const (
	// Version is the pointer format version line written by Git LFS.
	Version = "version https://git-lfs.github.com/spec/v1"

	// legacyVersion is written by pre-1.0 clients.
	legacyVersion = "version https://hawser.github.com/spec/v1"

	oidPrefix = "sha256:"
)

// Malformed is set on errors caused by a pointer file that does not follow the
// pointer format.
var Malformed = errtag.Make("malformed LFS pointer", true)

// Pointer is a parsed LFS pointer file.
type Pointer struct {
	// Path is the slash separated path of the file in the repository.
	Path string
	// OID is the hex encoded sha256 of the content.
	OID string
	// Size is the size of the content in bytes.
	Size int64
}

// Key identifies the content a pointer refers to.
type Key struct {
	OID  string
	Size int64
}

// Key returns the content key of the pointer.
func (p Pointer) Key() Key { return Key{OID: p.OID, Size: p.Size} }

// Parse parses the pointer file at path.
func Parse(path string, blob []byte) (Pointer, error) {
	malformed := func(format string, args ...any) error {
		return errors.Reason(format, args...).Tag(Malformed).Err()
	}

	lines := strings.Split(strings.TrimSpace(string(blob)), "\n")
	if first := strings.TrimRight(lines[0], "\r"); first != Version && first != legacyVersion {
		return Pointer{}, malformed("%s: unexpected pointer version line %q", path, first)
	}

	kv := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(strings.TrimRight(line, "\r"), " ")
		if !ok {
			return Pointer{}, malformed("%s: bad pointer line %q", path, line)
		}
		kv[key] = value
	}

	oid, ok := kv["oid"]
	if !ok {
		return Pointer{}, malformed("%s: pointer has no oid", path)
	}
	oid = strings.TrimPrefix(oid, oidPrefix)
	if !validOID(oid) {
		return Pointer{}, malformed("%s: bad oid %q", path, oid)
	}

	sizeStr, ok := kv["size"]
	if !ok {
		return Pointer{}, malformed("%s: pointer has no size", path)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return Pointer{}, malformed("%s: bad size %q", path, sizeStr)
	}

	return Pointer{Path: path, OID: oid, Size: size}, nil
}

func validOID(oid string) bool {
	if len(oid) != 64 {
		return false
	}
	for _, c := range oid {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

// Repo is the subset of git needed to find pointer files.
//
// It is implemented by *gitrepo.Repo.
type Repo interface {
	ListFiles(ctx context.Context) ([]string, error)
	CheckAttr(ctx context.Context, paths []string, attrs ...string) ([]gitrepo.Attr, error)
	Show(ctx context.Context, rev, path string) ([]byte, error)
}

// Store reads pointer files from a working tree.
type Store struct {
	Repo Repo
}

// Paths returns paths of files managed by LFS, in the order git reports them.
//
// A path is managed by LFS when its diff or filter attribute is "lfs".
func (s *Store) Paths(ctx context.Context) ([]string, error) {
	files, err := s.Repo.ListFiles(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "listing files").Err()
	}
	attrs, err := s.Repo.CheckAttr(ctx, files, "diff", "filter")
	if err != nil {
		return nil, errors.Annotate(err, "reading attributes").Err()
	}

	seen := stringset.New(len(attrs))
	var paths []string
	for _, a := range attrs {
		if a.Value != "lfs" {
			continue
		}
		if seen.Add(a.Path) {
			paths = append(paths, a.Path)
		}
	}
	return paths, nil
}

// Read reads and parses the pointer committed at path in HEAD.
func (s *Store) Read(ctx context.Context, path string) (Pointer, error) {
	blob, err := s.Repo.Show(ctx, "HEAD", path)
	if err != nil {
		return Pointer{}, errors.Annotate(err, "reading pointer %s", path).Err()
	}
	return Parse(path, blob)
}

// ReadAll reads the pointers of all LFS managed files.
func (s *Store) ReadAll(ctx context.Context) ([]Pointer, error) {
	paths, err := s.Paths(ctx)
	if err != nil {
		return nil, err
	}
	ptrs := make([]Pointer, 0, len(paths))
	for _, p := range paths {
		ptr, err := s.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		ptrs = append(ptrs, ptr)
	}
	return ptrs, nil
}
