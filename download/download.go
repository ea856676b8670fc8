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

// Package download fetches LFS objects into temporary files.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/iotools"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"

	"go.chromium.org/lfsfetch/batch"
)

// chunkSize is the size of reads from the response body.
const chunkSize = 10240

// File is a fully downloaded and verified object in a temporary file.
type File struct {
	Path string
	Size int64
}

// Discard removes the file if it is still there.
//
// It is safe to call after the file was moved elsewhere.
func (f *File) Discard() error {
	if err := os.Remove(f.Path); err != nil && !filesystem.IsNotExist(err) {
		return errors.Annotate(err, "removing %s", f.Path).Err()
	}
	return nil
}

// Downloader downloads objects into TempDir.
type Downloader struct {
	// HTTP is the client to use. Defaults to http.DefaultClient.
	HTTP *http.Client
	// TempDir is where partial downloads are written. Created if missing.
	TempDir string
}

// Download fetches the object oid of the given size using action.
//
// The content is checked against both size and oid. On any failure the
// partial file is removed before returning; there is no resumption.
func (d *Downloader) Download(ctx context.Context, action *batch.Action, oid string, size int64) (f *File, err error) {
	if err := filesystem.MakeDirs(d.TempDir); err != nil {
		return nil, errors.Annotate(err, "creating %s", d.TempDir).Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, action.Href, nil)
	if err != nil {
		return nil, errors.Annotate(err, "creating download request for %s", oid).Err()
	}
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}

	client := d.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "downloading %s", oid).Err()
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, batch.NewStatusError(resp)
	}

	tmp, err := os.CreateTemp(d.TempDir, oid+".")
	if err != nil {
		return nil, errors.Annotate(err, "creating temporary file").Err()
	}
	defer func() {
		if err != nil {
			tmp.Close()
			if rmErr := os.Remove(tmp.Name()); rmErr != nil && !filesystem.IsNotExist(rmErr) {
				logging.Warningf(ctx, "Failed to remove %s: %s", tmp.Name(), rmErr)
			}
		}
	}()

	h := sha256.New()
	src := &iotools.CountingReader{Reader: resp.Body}
	if _, err = io.CopyBuffer(io.MultiWriter(tmp, h), src, make([]byte, chunkSize)); err != nil {
		return nil, errors.Annotate(err, "downloading %s", oid).Err()
	}
	if err = tmp.Close(); err != nil {
		return nil, errors.Annotate(err, "writing %s", tmp.Name()).Err()
	}

	if src.Count != size {
		err = errors.Reason("downloaded %d bytes of %s, expected %d", src.Count, oid, size).Err()
		return nil, err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != oid {
		err = errors.Reason("downloaded content of %s has sha256 %s", oid, got).Err()
		return nil, err
	}

	logging.Debugf(ctx, "Downloaded %s into %s", oid, tmp.Name())
	return &File{Path: tmp.Name(), Size: src.Count}, nil
}
