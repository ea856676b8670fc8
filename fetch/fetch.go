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

// Package fetch downloads the LFS objects of a repository into a checkout.
//
// A fetch goes through these states:
//
//	Init -> Bootstrapped -> MetadataCollected -> BatchNegotiated -> Downloading -> Done
//	                    \-> NothingToDo       \-> UpToDate
//
// and ends in Failed on any error, with Report.FailedIn telling where. Objects already present in the checkout or
// in the repository's object cache are never downloaded again, which makes
// repeated fetches cheap and idempotent.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/danjacques/gofslock/fslock"
	"github.com/dustin/go-humanize"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"

	"go.chromium.org/lfsfetch/batch"
	"go.chromium.org/lfsfetch/cache"
	"go.chromium.org/lfsfetch/download"
	"go.chromium.org/lfsfetch/endpoint"
	"go.chromium.org/lfsfetch/gitrepo"
	"go.chromium.org/lfsfetch/pointer"
)

// ErrBareCheckout is returned when the checkout directory is the git
// directory of a bare repository.
var ErrBareCheckout = errors.New("can't checkout into a bare repo, please provide a valid checkout_dir")

// State is a step of a fetch.
type State int

const (
	Init State = iota
	Bootstrapped
	MetadataCollected
	// NothingToDo means the repository has no LFS managed files at all.
	NothingToDo
	// UpToDate means every LFS file was already in the checkout or the cache.
	UpToDate
	BatchNegotiated
	Downloading
	Done
	Failed
)

var stateNames = map[State]string{
	Init:              "Init",
	Bootstrapped:      "Bootstrapped",
	MetadataCollected: "MetadataCollected",
	NothingToDo:       "NothingToDo",
	UpToDate:          "UpToDate",
	BatchNegotiated:   "BatchNegotiated",
	Downloading:       "Downloading",
	Done:              "Done",
	Failed:            "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Report describes what a fetch did.
type Report struct {
	State State

	// Skipped is the number of files already present in the checkout.
	Skipped int
	// Linked is the number of files placed from the cache.
	Linked int
	// Downloaded is the number of objects downloaded.
	Downloaded int
	// Bytes is the total size of downloaded objects.
	Bytes int64

	// FailedIn is the state the fetch was in when it failed. Only meaningful
	// if State is Failed.
	FailedIn State
}

// Git is the set of git operations a fetch needs.
//
// It is implemented by *gitrepo.Repo.
type Git interface {
	pointer.Repo
	CloneNoCheckout(ctx context.Context, src, dst string) error
	Reset(ctx context.Context) error
}

// Resolver finds the batch API of a repository.
//
// It is implemented by *endpoint.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, gitDir, checkoutDir string) (*endpoint.Endpoint, error)
}

// Fetcher downloads LFS objects. The zero value is ready to use.
type Fetcher struct {
	// OpenGit returns a Git running commands in dir. Defaults to gitrepo.New.
	OpenGit func(dir string) Git
	// Resolver defaults to an endpoint.Resolver authenticating over SSH.
	Resolver Resolver
	// HTTP is used for batch requests and downloads. Defaults to
	// http.DefaultClient.
	HTTP *http.Client
	// Mode is how objects are placed into the checkout.
	Mode cache.LinkMode
	// Out receives progress messages. Defaults to os.Stdout.
	Out io.Writer
}

func (f *Fetcher) git(dir string) Git {
	if f.OpenGit != nil {
		return f.OpenGit(dir)
	}
	return gitrepo.New(dir)
}

func (f *Fetcher) resolver() Resolver {
	if f.Resolver != nil {
		return f.Resolver
	}
	return &endpoint.Resolver{Auth: &endpoint.SSHAuthenticator{}}
}

func (f *Fetcher) out() io.Writer {
	if f.Out != nil {
		return f.Out
	}
	return os.Stdout
}

// pending is an object to download and the checkout paths that need it.
type pending struct {
	ref   batch.Ref
	paths []string
	done  bool
}

// Fetch places the content of every LFS file of repo into checkout.
//
// repo is a working tree or a bare repository. checkout defaults to repo. If
// checkout has no .git yet, a working tree sharing repo's objects is created
// there first.
func (f *Fetcher) Fetch(ctx context.Context, repo, checkout string) (rep *Report, err error) {
	rep = &Report{State: Init}
	defer func() {
		if err != nil {
			logging.Debugf(ctx, "Fetch failed in state %s", rep.State)
			rep.FailedIn = rep.State
			rep.State = Failed
		}
	}()

	if checkout == "" {
		checkout = repo
	}
	if err := filesystem.AbsPath(&repo); err != nil {
		return rep, err
	}
	if err := filesystem.AbsPath(&checkout); err != nil {
		return rep, err
	}
	gitDir := gitrepo.GitDir(repo)
	if filepath.Clean(checkout) == filepath.Clean(gitDir) {
		return rep, ErrBareCheckout
	}

	if err := f.bootstrap(ctx, repo, checkout); err != nil {
		return rep, err
	}
	rep.State = Bootstrapped

	store := &pointer.Store{Repo: f.git(checkout)}
	ptrs, err := store.ReadAll(ctx)
	if err != nil {
		return rep, err
	}
	if len(ptrs) == 0 {
		rep.State = NothingToDo
		fmt.Fprintln(f.out(), "This repository does not seem to use LFS.")
		return rep, nil
	}

	// Nothing is written under <git-dir>/lfs before this point.
	lfsDir := filepath.Join(gitDir, "lfs")
	if err := filesystem.MakeDirs(lfsDir); err != nil {
		return rep, errors.Annotate(err, "creating %s", lfsDir).Err()
	}
	lock, err := fslock.Lock(filepath.Join(lfsDir, "fetch.lock"))
	if err != nil {
		if err == fslock.ErrLockHeld {
			return rep, errors.Reason("another fetch is running against %s", gitDir).Err()
		}
		return rep, errors.Annotate(err, "locking %s", lfsDir).Err()
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			logging.Warningf(ctx, "Failed to release the fetch lock: %s", uerr)
		}
	}()

	c := cache.New(gitDir)

	todo, err := f.collect(ctx, c, checkout, ptrs, rep)
	if err != nil {
		return rep, err
	}
	rep.State = MetadataCollected
	if len(todo) == 0 {
		rep.State = UpToDate
		logging.Infof(ctx, "Nothing to fetch.")
		return rep, nil
	}

	ep, err := f.resolver().Resolve(ctx, gitDir, checkout)
	if err != nil {
		return rep, err
	}
	refs := make([]batch.Ref, len(todo))
	byKey := make(map[pointer.Key]*pending, len(todo))
	for i, p := range todo {
		refs[i] = p.ref
		byKey[pointer.Key{OID: p.ref.OID, Size: p.ref.Size}] = p
	}
	logging.Infof(ctx, "Fetching URLs of %d objects from %s ...", len(refs), ep.URL)
	client := &batch.Client{HTTP: f.HTTP}
	objs, err := client.Negotiate(ctx, ep, refs)
	if err != nil {
		return rep, errors.Annotate(err, "negotiating downloads").Err()
	}
	rep.State = BatchNegotiated
	logging.Debugf(ctx, "Server returned %d objects", len(objs))

	dl := &download.Downloader{HTTP: f.HTTP, TempDir: filepath.Join(lfsDir, "tmp")}
	for i := range objs {
		obj := &objs[i]
		p := byKey[pointer.Key{OID: obj.OID, Size: obj.Size}]
		switch {
		case p == nil:
			return rep, errors.Reason("server returned unrequested object %s (%d bytes)", obj.OID, obj.Size).
				Tag(batch.ProtocolError).Err()
		case p.done:
			continue
		}
		rep.State = Downloading
		if err := f.fetchOne(ctx, dl, c, checkout, obj, p); err != nil {
			return rep, err
		}
		p.done = true
		rep.Downloaded++
		rep.Bytes += obj.Size
	}

	for _, p := range todo {
		if !p.done {
			return rep, errors.Reason("server did not return object %s needed by %s", p.ref.OID, p.paths[0]).
				Tag(batch.ProtocolError).Err()
		}
	}
	rep.State = Done
	return rep, nil
}

// bootstrap creates a working tree in checkout if there is none.
func (f *Fetcher) bootstrap(ctx context.Context, repo, checkout string) error {
	if gitrepo.HasWorkTree(checkout) {
		return nil
	}
	logging.Infof(ctx, "Creating a working tree in %s", checkout)
	if err := filesystem.MakeDirs(checkout); err != nil {
		return errors.Annotate(err, "creating %s", checkout).Err()
	}

	tmp, err := os.MkdirTemp(checkout, ".lfs-fetch-clone-")
	if err != nil {
		return errors.Annotate(err, "creating temporary clone directory").Err()
	}
	defer func() {
		if err := filesystem.RemoveAll(tmp); err != nil {
			logging.Warningf(ctx, "Failed to remove %s: %s", tmp, err)
		}
	}()

	if err := f.git(checkout).CloneNoCheckout(ctx, repo, tmp); err != nil {
		return errors.Annotate(err, "cloning %s", repo).Err()
	}
	if err := os.Rename(filepath.Join(tmp, ".git"), filepath.Join(checkout, ".git")); err != nil {
		return errors.Annotate(err, "moving the clone's git directory into %s", checkout).Err()
	}
	if err := f.git(checkout).Reset(ctx); err != nil {
		return errors.Annotate(err, "resetting the index of %s", checkout).Err()
	}
	return nil
}

// collect places what it can from the checkout and the cache and returns the
// objects that must be downloaded, in pointer order.
func (f *Fetcher) collect(ctx context.Context, c *cache.Cache, checkout string, ptrs []pointer.Pointer, rep *Report) ([]*pending, error) {
	var todo []*pending
	byKey := map[pointer.Key]*pending{}
	for _, ptr := range ptrs {
		dst := filepath.Join(checkout, filepath.FromSlash(ptr.Path))

		if fi, err := os.Stat(dst); err == nil && fi.Mode().IsRegular() && fi.Size() == ptr.Size {
			logging.Debugf(ctx, "Skipping %s (already present)", ptr.Path)
			rep.Skipped++
			continue
		}

		if c.Has(ctx, ptr.OID, ptr.Size) {
			if err := cache.Materialize(c.Locate(ptr.OID), dst, f.Mode); err != nil {
				return nil, err
			}
			logging.Infof(ctx, "Linked %s from the cache", ptr.Path)
			rep.Linked++
			continue
		}

		if p, ok := byKey[ptr.Key()]; ok {
			p.paths = append(p.paths, ptr.Path)
			continue
		}
		p := &pending{ref: batch.Ref{OID: ptr.OID, Size: ptr.Size}, paths: []string{ptr.Path}}
		byKey[ptr.Key()] = p
		todo = append(todo, p)
	}
	return todo, nil
}

// fetchOne downloads one object, stores it in the cache and places it at all
// paths that need it.
func (f *Fetcher) fetchOne(ctx context.Context, dl *download.Downloader, c *cache.Cache, checkout string, obj *batch.Object, p *pending) error {
	action, err := obj.DownloadAction()
	if err != nil {
		return err
	}

	shown := action.Href
	if !logging.IsLogging(ctx, logging.Info) && len(shown) > 40 {
		shown = shown[:40]
	}
	fmt.Fprintf(f.out(), "Downloading %s (%s) from %s...\n", p.paths[0], humanize.Bytes(uint64(obj.Size)), shown)

	file, err := dl.Download(ctx, action, obj.OID, obj.Size)
	if err != nil {
		return errors.Annotate(err, "fetching %s", p.paths[0]).Err()
	}
	defer func() {
		if err := file.Discard(); err != nil {
			logging.Warningf(ctx, "%s", err)
		}
	}()

	cached, err := c.Store(obj.OID, file.Path)
	if err != nil {
		return err
	}
	logging.Debugf(ctx, "Cached %s as %s", p.paths[0], cached)

	for _, path := range p.paths {
		if err := cache.Materialize(cached, filepath.Join(checkout, filepath.FromSlash(path)), f.Mode); err != nil {
			return err
		}
	}
	return nil
}
