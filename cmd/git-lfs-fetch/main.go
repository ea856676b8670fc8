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

// Command git-lfs-fetch downloads Git LFS files into a checkout without
// needing git-lfs installed.
package main

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/client/versioncli"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging/gologger"
)

// version must be updated whenever functional change (behavior, arguments,
// supported commands) is done.
const version = "1.0"

func getApplication() *cli.Application {
	return &cli.Application{
		Name:  "git-lfs-fetch",
		Title: "Fetches Git LFS files of a repository into a checkout.",
		Context: func(ctx context.Context) context.Context {
			return gologger.StdConfig.Use(ctx)
		},
		Commands: []*subcommands.Command{
			cmdFetch(),
			subcommands.CmdHelp,
			versioncli.CmdVersion(version),
		},
	}
}

// withDefaultCommand prepends "fetch" unless args already name a command.
func withDefaultCommand(app subcommands.Application, args []string) []string {
	if len(args) > 0 {
		for _, c := range app.GetCommands() {
			if c.Name() == args[0] {
				return args
			}
		}
	}
	return append([]string{"fetch"}, args...)
}

func main() {
	app := getApplication()
	os.Exit(subcommands.Run(app, withDefaultCommand(app, os.Args[1:])))
}
