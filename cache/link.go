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

package cache

import (
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/system/filesystem"
)

// LinkMode controls how cached objects are placed into a checkout.
type LinkMode int

const (
	// HardLink makes the checkout file share storage with the cache entry.
	//
	// Writing to such a file would change the cache entry for every checkout
	// linking to it; entries are read-only to prevent that.
	HardLink LinkMode = iota

	// Copy gives the checkout its own writable copy.
	Copy
)

func (m LinkMode) String() string {
	switch m {
	case HardLink:
		return "hardlink"
	case Copy:
		return "copy"
	}
	return "unknown"
}

// Materialize places the cached object at cachePath into the checkout at dst,
// replacing whatever file is there.
//
// This is not atomic: a concurrent reader of dst may find it missing.
func Materialize(cachePath, dst string, mode LinkMode) error {
	if err := os.Remove(dst); err != nil && !filesystem.IsNotExist(err) {
		return errors.Annotate(err, "removing stale %s", dst).Err()
	}
	if err := filesystem.MakeDirs(filepath.Dir(dst)); err != nil {
		return errors.Annotate(err, "creating parent of %s", dst).Err()
	}

	switch mode {
	case HardLink:
		if err := os.Link(cachePath, dst); err != nil {
			return errors.Annotate(err, "linking %s", dst).Err()
		}
	case Copy:
		if err := filesystem.Copy(dst, cachePath, 0o644); err != nil {
			return errors.Annotate(err, "copying to %s", dst).Err()
		}
	default:
		return errors.Reason("unknown link mode %d", mode).Err()
	}
	return nil
}
