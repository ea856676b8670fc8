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

package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/danjacques/gofslock/fslock"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/lfsfetch/batch"
	"go.chromium.org/lfsfetch/cache"
	"go.chromium.org/lfsfetch/endpoint"
	"go.chromium.org/lfsfetch/gitrepo"
	"go.chromium.org/lfsfetch/pointer"
)

func oidOf(body string) string {
	h := sha256.Sum256([]byte(body))
	return hex.EncodeToString(h[:])
}

func pointerText(body string) string {
	return fmt.Sprintf("%s\noid sha256:%s\nsize %d\n", pointer.Version, oidOf(body), len(body))
}

// fakeGit serves a fixed HEAD: blobs maps paths to committed content and lfs
// lists the paths with filter=lfs.
type fakeGit struct {
	blobs map[string]string
	lfs   map[string]bool

	clones int
	resets int
}

func (g *fakeGit) ListFiles(ctx context.Context) ([]string, error) {
	var paths []string
	for p := range g.blobs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (g *fakeGit) CheckAttr(ctx context.Context, paths []string, attrs ...string) ([]gitrepo.Attr, error) {
	var out []gitrepo.Attr
	for _, p := range paths {
		for _, a := range attrs {
			v := "unspecified"
			if g.lfs[p] {
				v = "lfs"
			}
			out = append(out, gitrepo.Attr{Path: p, Name: a, Value: v})
		}
	}
	return out, nil
}

func (g *fakeGit) Show(ctx context.Context, rev, path string) ([]byte, error) {
	b, ok := g.blobs[path]
	if !ok {
		return nil, errors.Reason("fatal: path %s does not exist", path).Tag(gitrepo.CollaboratorError).Err()
	}
	return []byte(b), nil
}

func (g *fakeGit) CloneNoCheckout(ctx context.Context, src, dst string) error {
	g.clones++
	return os.MkdirAll(filepath.Join(dst, ".git"), 0o755)
}

func (g *fakeGit) Reset(ctx context.Context) error {
	g.resets++
	return nil
}

// lfsServer is a batch API plus object storage.
type lfsServer struct {
	objects map[string]string // oid -> content
	omit    string            // oid left out of batch responses
	extra   string            // unrequested oid put first in batch responses
	broken  string            // oid whose download fails

	mu        sync.Mutex
	requests  int
	downloads []string
}

func (s *lfsServer) handler(base func() string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.mu.Unlock()

		if r.URL.Path == "/repo.git/info/lfs/objects/batch" {
			var req struct {
				Objects []batch.Ref `json:"objects"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			objs := []batch.Object{}
			if s.extra != "" {
				objs = append(objs, batch.Object{OID: s.extra, Size: 1})
			}
			for _, ref := range req.Objects {
				if ref.OID == s.omit {
					continue
				}
				objs = append(objs, batch.Object{
					OID:     ref.OID,
					Size:    ref.Size,
					Actions: &batch.Actions{Download: &batch.Action{Href: base() + "/storage/" + ref.OID}},
				})
			}
			json.NewEncoder(w).Encode(map[string]any{"objects": objs})
			return
		}

		oid, ok := strings.CutPrefix(r.URL.Path, "/storage/")
		body, known := s.objects[oid]
		if !ok || !known || oid == s.broken {
			http.Error(w, "no such object", http.StatusInternalServerError)
			return
		}
		s.mu.Lock()
		s.downloads = append(s.downloads, oid)
		s.mu.Unlock()
		w.Write([]byte(body))
	})
}

type staticResolver struct {
	ep *endpoint.Endpoint
}

func (r *staticResolver) Resolve(ctx context.Context, gitDir, checkoutDir string) (*endpoint.Endpoint, error) {
	return r.ep, nil
}

func TestFetch(t *testing.T) {
	t.Parallel()

	ftt.Run("Fetch", t, func(t *ftt.Test) {
		ctx := context.Background()

		const (
			contentA = "the content of a large file"
			contentC = "another, different large file"
		)
		git := &fakeGit{
			blobs: map[string]string{
				".gitattributes": "*.bin filter=lfs diff=lfs merge=lfs -text\n",
				"a.bin":          pointerText(contentA),
				"copy/a.bin":     pointerText(contentA),
				"big/c.bin":      pointerText(contentC),
				"README":         "hello",
			},
			lfs: map[string]bool{"a.bin": true, "copy/a.bin": true, "big/c.bin": true},
		}

		srv := &lfsServer{objects: map[string]string{
			oidOf(contentA): contentA,
			oidOf(contentC): contentC,
		}}
		var ts *httptest.Server
		ts = httptest.NewServer(srv.handler(func() string { return ts.URL }))
		defer ts.Close()

		repo := t.TempDir()
		assert.Loosely(t, os.Mkdir(filepath.Join(repo, ".git"), 0o755), should.BeNil)
		checkout := filepath.Join(t.TempDir(), "checkout")

		out := &bytes.Buffer{}
		f := &Fetcher{
			OpenGit:  func(string) Git { return git },
			Resolver: &staticResolver{ep: &endpoint.Endpoint{URL: ts.URL + "/repo.git/info/lfs"}},
			HTTP:     ts.Client(),
			Out:      out,
		}
		c := cache.New(filepath.Join(repo, ".git"))

		read := func(path string) string {
			b, err := os.ReadFile(filepath.Join(checkout, filepath.FromSlash(path)))
			assert.Loosely(t, err, should.BeNil)
			return string(b)
		}

		t.Run("bootstraps and downloads", func(t *ftt.Test) {
			rep, err := f.Fetch(ctx, repo, checkout)
			assert.Loosely(t, err, should.BeNil)
			assert.That(t, *rep, should.Match(Report{
				State:      Done,
				Downloaded: 2,
				Bytes:      int64(len(contentA) + len(contentC)),
			}))
			assert.Loosely(t, git.clones, should.Equal(1))
			assert.Loosely(t, git.resets, should.Equal(1))
			assert.Loosely(t, gitrepo.HasWorkTree(checkout), should.BeTrue)

			assert.Loosely(t, read("a.bin"), should.Equal(contentA))
			assert.Loosely(t, read("copy/a.bin"), should.Equal(contentA))
			assert.Loosely(t, read("big/c.bin"), should.Equal(contentC))
			assert.Loosely(t, srv.downloads, should.HaveLength(2))
			assert.Loosely(t, out.String(), should.ContainSubstring("Downloading a.bin (27 B) from "))

			assert.Loosely(t, c.Has(ctx, oidOf(contentA), int64(len(contentA))), should.BeTrue)
			assert.Loosely(t, c.Has(ctx, oidOf(contentC), int64(len(contentC))), should.BeTrue)

			// Both paths with the same content share the cache entry.
			fa, err := os.Stat(filepath.Join(checkout, "a.bin"))
			assert.Loosely(t, err, should.BeNil)
			fb, err := os.Stat(filepath.Join(checkout, "copy", "a.bin"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, os.SameFile(fa, fb), should.BeTrue)

			entries, err := os.ReadDir(filepath.Join(repo, ".git", "lfs", "tmp"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, entries, should.BeEmpty)

			t.Run("second run is a no-op", func(t *ftt.Test) {
				requests := srv.requests
				rep, err := f.Fetch(ctx, repo, checkout)
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, *rep, should.Match(Report{State: UpToDate, Skipped: 3}))
				assert.Loosely(t, srv.requests, should.Equal(requests))
				assert.Loosely(t, git.clones, should.Equal(1))
				assert.Loosely(t, read("a.bin"), should.Equal(contentA))
			})

			t.Run("another checkout links from the cache", func(t *ftt.Test) {
				requests := srv.requests
				checkout2 := filepath.Join(t.TempDir(), "other")
				rep, err := f.Fetch(ctx, repo, checkout2)
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, *rep, should.Match(Report{State: UpToDate, Linked: 3}))
				assert.Loosely(t, srv.requests, should.Equal(requests))

				f1, err := os.Stat(filepath.Join(checkout, "big", "c.bin"))
				assert.Loosely(t, err, should.BeNil)
				f2, err := os.Stat(filepath.Join(checkout2, "big", "c.bin"))
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, os.SameFile(f1, f2), should.BeTrue)
			})

			t.Run("corrupted cache entry is fetched again", func(t *ftt.Test) {
				cached := c.Locate(oidOf(contentC))
				assert.Loosely(t, os.Remove(filepath.Join(checkout, "big", "c.bin")), should.BeNil)
				assert.Loosely(t, os.Remove(cached), should.BeNil)
				assert.Loosely(t, os.WriteFile(cached, []byte("short"), 0o644), should.BeNil)

				rep, err := f.Fetch(ctx, repo, checkout)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, rep.State, should.Equal(Done))
				assert.Loosely(t, rep.Downloaded, should.Equal(1))
				assert.Loosely(t, rep.Skipped, should.Equal(2))
				assert.Loosely(t, read("big/c.bin"), should.Equal(contentC))
				assert.Loosely(t, c.Has(ctx, oidOf(contentC), int64(len(contentC))), should.BeTrue)
			})

			t.Run("stale checkout file is replaced from the cache", func(t *ftt.Test) {
				dst := filepath.Join(checkout, "a.bin")
				assert.Loosely(t, os.Remove(dst), should.BeNil)
				assert.Loosely(t, os.WriteFile(dst, []byte(git.blobs["a.bin"]), 0o644), should.BeNil)

				rep, err := f.Fetch(ctx, repo, checkout)
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, *rep, should.Match(Report{State: UpToDate, Skipped: 2, Linked: 1}))
				assert.Loosely(t, read("a.bin"), should.Equal(contentA))
			})
		})

		t.Run("copy mode", func(t *ftt.Test) {
			f.Mode = cache.Copy
			_, err := f.Fetch(ctx, repo, checkout)
			assert.Loosely(t, err, should.BeNil)

			fa, err := os.Stat(filepath.Join(checkout, "a.bin"))
			assert.Loosely(t, err, should.BeNil)
			fc, err := os.Stat(c.Locate(oidOf(contentA)))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, os.SameFile(fa, fc), should.BeFalse)
			assert.Loosely(t, read("a.bin"), should.Equal(contentA))
		})

		t.Run("repository without LFS files", func(t *ftt.Test) {
			git.lfs = nil
			rep, err := f.Fetch(ctx, repo, checkout)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, rep.State, should.Equal(NothingToDo))
			assert.Loosely(t, out.String(), should.ContainSubstring("does not seem to use LFS"))
			assert.Loosely(t, srv.requests, should.BeZero)

			_, err = os.Stat(filepath.Join(repo, ".git", "lfs"))
			assert.Loosely(t, os.IsNotExist(err), should.BeTrue)
		})

		t.Run("concurrent fetch of the same repository", func(t *ftt.Test) {
			lfsDir := filepath.Join(repo, ".git", "lfs")
			assert.Loosely(t, os.MkdirAll(lfsDir, 0o755), should.BeNil)
			held, err := fslock.Lock(filepath.Join(lfsDir, "fetch.lock"))
			assert.Loosely(t, err, should.BeNil)
			defer held.Unlock()

			rep, err := f.Fetch(ctx, repo, checkout)
			assert.Loosely(t, err, should.ErrLike("another fetch is running"))
			assert.Loosely(t, rep.State, should.Equal(Failed))
			assert.Loosely(t, rep.FailedIn, should.Equal(Bootstrapped))
			assert.Loosely(t, srv.requests, should.BeZero)
		})

		t.Run("bare repository as checkout", func(t *ftt.Test) {
			bare := t.TempDir()
			rep, err := f.Fetch(ctx, bare, "")
			assert.Loosely(t, err, should.Equal(ErrBareCheckout))
			assert.Loosely(t, rep.State, should.Equal(Failed))
			assert.Loosely(t, rep.FailedIn, should.Equal(Init))
			assert.Loosely(t, git.clones, should.BeZero)
		})

		t.Run("malformed pointer aborts", func(t *ftt.Test) {
			git.blobs["a.bin"] = contentA
			rep, err := f.Fetch(ctx, repo, checkout)
			assert.Loosely(t, pointer.Malformed.In(err), should.BeTrue)
			assert.Loosely(t, rep.State, should.Equal(Failed))
			assert.Loosely(t, rep.FailedIn, should.Equal(Bootstrapped))
			assert.Loosely(t, srv.requests, should.BeZero)
		})

		t.Run("object missing from the batch response", func(t *ftt.Test) {
			srv.omit = oidOf(contentC)
			_, err := f.Fetch(ctx, repo, checkout)
			assert.Loosely(t, batch.ProtocolError.In(err), should.BeTrue)
			assert.Loosely(t, err, should.ErrLike("big/c.bin"))
		})

		t.Run("unrequested object in the batch response", func(t *ftt.Test) {
			srv.extra = oidOf("not in this repository")
			rep, err := f.Fetch(ctx, repo, checkout)
			assert.Loosely(t, batch.ProtocolError.In(err), should.BeTrue)
			assert.Loosely(t, err, should.ErrLike("unrequested object"))
			assert.Loosely(t, rep.FailedIn, should.Equal(BatchNegotiated))
			assert.Loosely(t, srv.downloads, should.BeEmpty)
		})

		t.Run("failed download aborts the run", func(t *ftt.Test) {
			srv.broken = oidOf(contentA)
			rep, err := f.Fetch(ctx, repo, checkout)
			assert.Loosely(t, err, should.ErrLike("fetching a.bin"))
			assert.Loosely(t, rep.State, should.Equal(Failed))
			assert.Loosely(t, rep.FailedIn, should.Equal(Downloading))
			assert.Loosely(t, rep.Downloaded, should.BeZero)
			// Objects after the failing one are not attempted.
			assert.Loosely(t, srv.downloads, should.BeEmpty)
			assert.Loosely(t, c.Has(ctx, oidOf(contentC), int64(len(contentC))), should.BeFalse)

			entries, err := os.ReadDir(filepath.Join(repo, ".git", "lfs", "tmp"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, entries, should.BeEmpty)
		})
	})
}

func TestState(t *testing.T) {
	t.Parallel()

	ftt.Run("State", t, func(t *ftt.Test) {
		assert.Loosely(t, Done.String(), should.Equal("Done"))
		assert.Loosely(t, NothingToDo.String(), should.Equal("NothingToDo"))
		assert.Loosely(t, State(42).String(), should.Equal("State(42)"))
	})
}
