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

// Package endpoint finds the Git LFS batch API of a repository and the
// headers needed to talk to it.
package endpoint

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/config"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"
)

const lfsSuffix = "/info/lfs"

// ResolutionError is set on errors caused by the absence of a usable LFS URL.
var ResolutionError = errtag.Make("LFS endpoint resolution failed", true)

// Endpoint is a resolved batch API base URL.
type Endpoint struct {
	// URL is the https base URL, ending with "/info/lfs" unless the server
	// provided its own.
	URL string
	// Header is sent with every batch request. May be empty.
	Header map[string]string
}

// Remote is a normalized LFS URL and the SSH coordinates it was derived from.
type Remote struct {
	// URL is the https URL of the batch API base.
	URL string
	// SSH is true if the configured URL was an SSH URL.
	SSH bool
	// User is the SSH user, "git" if none was given.
	User string
	// Host is the host name without port.
	Host string
	// Path is the repository path on the host, without the leading slash and
	// the "/info/lfs" suffix.
	Path string
}

// Normalize turns a configured remote or lfs.url value into an https batch API
// base URL.
//
// "/info/lfs" (or ".git/info/lfs") is appended unless already present. URLs
// with a scheme other than https are rewritten to https. URLs without a scheme
// are SSH shorthand, "user@host:path".
func Normalize(raw string) (*Remote, error) {
	u := strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if u == "" {
		return nil, errors.Reason("empty LFS URL").Tag(ResolutionError).Err()
	}
	if !strings.HasSuffix(u, lfsSuffix) {
		if strings.HasSuffix(u, ".git") {
			u += lfsSuffix
		} else {
			u += ".git" + lfsSuffix
		}
	}

	r := &Remote{User: "git"}
	if strings.Contains(u, "://") {
		parsed, err := url.Parse(u)
		if err != nil {
			return nil, errors.Annotate(err, "bad LFS URL %q", raw).Tag(ResolutionError).Err()
		}
		if parsed.Hostname() == "" {
			return nil, errors.Reason("LFS URL %q has no host", raw).Tag(ResolutionError).Err()
		}
		r.Host = parsed.Hostname()
		r.Path = parsed.Path
		if user := parsed.User.Username(); user != "" {
			r.User = user
		}
		switch parsed.Scheme {
		case "https":
			r.URL = u
		case "ssh", "git+ssh", "ssh+git":
			r.SSH = true
			r.URL = "https://" + r.Host + r.Path
		default:
			r.URL = "https://" + r.Host + r.Path
		}
	} else {
		hostPath := u
		if user, rest, ok := strings.Cut(u, "@"); ok {
			r.User, hostPath = user, rest
		}
		host, path, ok := strings.Cut(hostPath, ":")
		if !ok || host == "" {
			return nil, errors.Reason("LFS URL %q is neither a URL nor user@host:path", raw).Tag(ResolutionError).Err()
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		r.SSH = true
		r.Host, r.Path = host, path
		r.URL = "https://" + host + path
	}

	r.Path = strings.TrimPrefix(strings.TrimSuffix(r.Path, lfsSuffix), "/")
	return r, nil
}

// Authenticator obtains headers for the batch API out of band.
type Authenticator interface {
	// Authenticate returns the auth response for the repository at path on
	// host, or nil if none is needed.
	Authenticate(ctx context.Context, user, host, path string) (*AuthResponse, error)
}

// AuthResponse is the JSON object printed by git-lfs-authenticate.
type AuthResponse struct {
	// Href, if set, overrides the batch API base URL.
	Href   string            `json:"href,omitempty"`
	Header map[string]string `json:"header"`
}

// Resolver finds the batch API of a repository.
type Resolver struct {
	// Auth is asked for headers for every remote. Its failure is fatal only
	// for SSH derived URLs. If nil, no headers are requested.
	Auth Authenticator
}

// Resolve returns the batch API endpoint of the repository whose git directory
// is gitDir, as seen from the working tree at checkoutDir.
//
// lfs.url in <checkoutDir>/.lfsconfig takes precedence over remote.origin.url
// of the repository.
func (r *Resolver) Resolve(ctx context.Context, gitDir, checkoutDir string) (*Endpoint, error) {
	raw, err := configuredURL(gitDir, checkoutDir)
	if err != nil {
		return nil, err
	}
	remote, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{URL: remote.URL}

	if r.Auth != nil {
		resp, err := r.Auth.Authenticate(ctx, remote.User, remote.Host, remote.Path)
		switch {
		case err != nil && remote.SSH:
			return nil, errors.Annotate(err, "authenticating to %s", remote.Host).Err()
		case err != nil:
			// Hosts reached over https may not offer ssh at all.
			logging.Debugf(ctx, "No credentials from %s, continuing without: %s", remote.Host, err)
		case resp != nil:
			if resp.Href != "" {
				ep.URL = strings.TrimSuffix(resp.Href, "/")
			}
			ep.Header = resp.Header
		}
	}

	logging.Debugf(ctx, "LFS endpoint %s, auth headers %q", ep.URL, headerNames(ep.Header))
	return ep, nil
}

func configuredURL(gitDir, checkoutDir string) (string, error) {
	lfsURL, err := readOption(filepath.Join(checkoutDir, ".lfsconfig"), "lfs", "", "url")
	if err != nil {
		return "", err
	}
	if lfsURL != "" {
		return lfsURL, nil
	}

	origin, err := readOption(filepath.Join(gitDir, "config"), "remote", "origin", "url")
	if err != nil {
		return "", err
	}
	if origin == "" {
		return "", errors.Reason("no lfs.url in .lfsconfig and no remote.origin.url in %s", gitDir).
			Tag(ResolutionError).Err()
	}
	return origin, nil
}

// readOption reads a single option from a git-config formatted file.
//
// A missing file yields an empty value.
func readOption(path, section, subsection, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if filesystem.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Annotate(err, "opening %s", path).Err()
	}
	defer f.Close()

	cfg := config.New()
	if err := config.NewDecoder(f).Decode(cfg); err != nil {
		return "", errors.Annotate(err, "parsing %s", path).Tag(ResolutionError).Err()
	}
	if !cfg.HasSection(section) {
		return "", nil
	}
	s := cfg.Section(section)
	if subsection == "" {
		return s.Option(key), nil
	}
	if !s.HasSubsection(subsection) {
		return "", nil
	}
	return s.Subsection(subsection).Option(key), nil
}

func headerNames(h map[string]string) []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
