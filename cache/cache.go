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

// Package cache implements the content addressed LFS object store kept in
// <git-dir>/lfs/objects and materializes its entries into a checkout.
package cache

import (
	"context"
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"
)

// Cache is a directory of objects keyed by their sha256.
//
// Objects live in <Root>/<oid[0:2]>/<oid[2:4]>/<oid>. Entries are immutable
// once stored and may be shared by several checkouts via hard links.
type Cache struct {
	Root string
}

// New returns the cache of the given git directory.
func New(gitDir string) *Cache {
	return &Cache{Root: filepath.Join(gitDir, "lfs", "objects")}
}

// Locate returns the path of the object with the given oid.
//
// oid must be at least 4 characters long.
func (c *Cache) Locate(oid string) string {
	return filepath.Join(c.Root, oid[0:2], oid[2:4], oid)
}

// Has returns true if the object is in the cache and has the expected size.
//
// An entry of the wrong size is considered corrupted and reported as absent, so
// the caller fetches it again and overwrites it.
func (c *Cache) Has(ctx context.Context, oid string, size int64) bool {
	path := c.Locate(oid)
	fi, err := os.Stat(path)
	switch {
	case err != nil:
		if !filesystem.IsNotExist(err) {
			logging.Debugf(ctx, "Treating %s as absent: %s", path, err)
		}
		return false
	case !fi.Mode().IsRegular():
		return false
	case fi.Size() != size:
		logging.Warningf(ctx, "Cached %s has size %d, expected %d; will fetch again", oid, fi.Size(), size)
		return false
	}
	return true
}

// Store moves the fully written file at tmpPath into the cache as oid and
// returns its new path.
//
// The move is a single rename, so concurrent readers never see a partial
// object. An existing entry is replaced. The stored file is made read-only
// since it may become shared between checkouts.
func (c *Cache) Store(oid, tmpPath string) (string, error) {
	dst := c.Locate(oid)
	if err := filesystem.MakeDirs(filepath.Dir(dst)); err != nil {
		return "", errors.Annotate(err, "creating cache directory for %s", oid).Err()
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return "", errors.Annotate(err, "making %s read-only", tmpPath).Err()
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", errors.Annotate(err, "moving %s into the cache", oid).Err()
	}
	return dst, nil
}
