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

package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/lfsfetch/gitrepo"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, dir string, stdin io.Reader, name string, args ...string) ([]byte, error)

// SSHAuthenticator asks the git host for download credentials by running
//
//	ssh <user>@<host> git-lfs-authenticate <path> download
type SSHAuthenticator struct {
	// SSH is the ssh executable. Defaults to "ssh".
	SSH string

	// Run runs the command. Defaults to gitrepo.Run.
	Run CommandRunner
}

// Authenticate implements Authenticator.
//
// Empty output means the server needs no credentials.
func (a *SSHAuthenticator) Authenticate(ctx context.Context, user, host, path string) (*AuthResponse, error) {
	ssh := a.SSH
	if ssh == "" {
		ssh = "ssh"
	}
	run := a.Run
	if run == nil {
		run = gitrepo.Run
	}

	out, err := run(ctx, "", nil, ssh, user+"@"+host, "git-lfs-authenticate", path, "download")
	if err != nil {
		return nil, err
	}
	return ParseAuthResponse(out)
}

// ParseAuthResponse parses git-lfs-authenticate output.
//
// Returns nil for empty output.
func ParseAuthResponse(out []byte) (*AuthResponse, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	resp := &AuthResponse{}
	if err := json.Unmarshal(out, resp); err != nil {
		return nil, errors.Annotate(err, "bad git-lfs-authenticate response").Err()
	}
	return resp, nil
}
