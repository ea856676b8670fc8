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

// Package gitrepo wraps the git command line tool.
//
// Every command runs with an explicit working directory; the process working
// directory is never changed.
package gitrepo

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"
)

// CollaboratorError is set on errors produced by a failing external command.
var CollaboratorError = errtag.Make("external command failed", true)

// Run executes the command `name args...` in dir and returns its stdout.
//
// stdin may be nil. A non-zero exit is returned as an error tagged with
// CollaboratorError which carries the command's stderr.
func Run(ctx context.Context, dir string, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Debugf(ctx, "Running %q in %s", append([]string{name}, args...), dir)
	if err := cmd.Run(); err != nil {
		return nil, errors.Annotate(err, "%s %s failed: %s",
			name, strings.Join(args, " "), strings.TrimSpace(stderr.String())).Tag(CollaboratorError).Err()
	}
	return stdout.Bytes(), nil
}

// Repo runs git commands against a working tree or a git directory.
type Repo struct {
	// Dir is the working directory for all commands.
	Dir string

	// Git is the git executable. Defaults to "git".
	Git string
}

// New returns a Repo rooted at dir.
func New(dir string) *Repo {
	return &Repo{Dir: dir}
}

func (r *Repo) git(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	exe := r.Git
	if exe == "" {
		exe = "git"
	}
	return Run(ctx, r.Dir, stdin, exe, args...)
}

// ListFiles returns the paths of all files in the index, slash separated.
func (r *Repo) ListFiles(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, nil, "ls-files", "-z")
	if err != nil {
		return nil, err
	}
	return splitNul(out), nil
}

// Attr is a single (path, attribute, value) triple reported by git check-attr.
type Attr struct {
	Path  string
	Name  string
	Value string
}

// CheckAttr returns the values of attributes for the given paths, as recorded
// in the index.
func (r *Repo) CheckAttr(ctx context.Context, paths []string, attrs ...string) ([]Attr, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	stdin := strings.Join(paths, "\x00") + "\x00"
	args := append([]string{"check-attr", "--cached", "--stdin", "-z"}, attrs...)
	out, err := r.git(ctx, strings.NewReader(stdin), args...)
	if err != nil {
		return nil, err
	}
	return ParseCheckAttr(out)
}

// ParseCheckAttr parses the output of `git check-attr -z`.
//
// Old versions of git apply -z only to the input, in which case the output is
// newline separated "<path>: <attr>: <value>" lines.
func ParseCheckAttr(out []byte) ([]Attr, error) {
	if bytes.IndexByte(out, 0) < 0 {
		var attrs []Attr
		for _, line := range strings.Split(strings.Trim(string(out), "\n"), "\n") {
			if line == "" {
				continue
			}
			parts := strings.Split(line, ": ")
			if len(parts) < 3 {
				return nil, errors.Reason("unexpected check-attr line %q", line).Err()
			}
			n := len(parts)
			attrs = append(attrs, Attr{
				Path:  strings.Join(parts[:n-2], ": "),
				Name:  parts[n-2],
				Value: parts[n-1],
			})
		}
		return attrs, nil
	}

	fields := splitNul(out)
	if len(fields)%3 != 0 {
		return nil, errors.Reason("check-attr returned %d fields, not a multiple of 3", len(fields)).Err()
	}
	attrs := make([]Attr, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		attrs = append(attrs, Attr{Path: fields[i], Name: fields[i+1], Value: fields[i+2]})
	}
	return attrs, nil
}

// Show returns the content of path at the given revision.
func (r *Repo) Show(ctx context.Context, rev, path string) ([]byte, error) {
	return r.git(ctx, nil, "show", rev+":"+path)
}

// CloneNoCheckout clones src into dst without checking out a working tree,
// sharing objects with src.
func (r *Repo) CloneNoCheckout(ctx context.Context, src, dst string) error {
	_, err := r.git(ctx, nil, "clone", "-n", "-s", src, dst)
	return err
}

// Reset resets the index of the working tree to HEAD.
func (r *Repo) Reset(ctx context.Context) error {
	_, err := r.git(ctx, nil, "reset", "-q", "HEAD")
	return err
}

// GitDir returns the git directory of repo: repo/.git if it is a directory,
// otherwise repo itself (a bare repository).
func GitDir(repo string) string {
	dotGit := filepath.Join(repo, ".git")
	if fi, err := os.Stat(dotGit); err == nil && fi.IsDir() {
		return dotGit
	}
	return repo
}

// HasWorkTree returns true if dir contains a .git entry.
func HasWorkTree(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func splitNul(b []byte) []string {
	s := strings.TrimRight(string(b), "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}
