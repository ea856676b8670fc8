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

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/signals"

	"go.chromium.org/lfsfetch/cache"
	"go.chromium.org/lfsfetch/fetch"
)

// verbosity is a boolean-looking flag counting how many times it was given.
type verbosity int

func (v *verbosity) String() string { return strconv.Itoa(int(*v)) }

func (v *verbosity) Set(s string) error {
	on, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if on {
		*v++
	}
	return nil
}

func (v *verbosity) IsBoolFlag() bool { return true }

// Level maps the count to a log level: none is warnings only, one is info,
// two or more is debug.
func (v verbosity) Level() logging.Level {
	switch {
	case v <= 0:
		return logging.Warning
	case v == 1:
		return logging.Info
	default:
		return logging.Debug
	}
}

func cmdFetch() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "fetch [-v]... [-copy] [git_repo] [checkout_dir]",
		ShortDesc: "download LFS files into a checkout.",
		LongDesc: `Downloads the LFS files of git_repo into checkout_dir.

git_repo defaults to the current directory and checkout_dir to git_repo. If
checkout_dir is not a working tree yet, one sharing the objects of git_repo is
created there. Downloaded objects are kept in git_repo's LFS cache so later
fetches into any checkout are served from it.

This is the default command.`,
		CommandRun: func() subcommands.CommandRun {
			c := &fetchRun{}
			c.Flags.Var(&c.verbose, "v", "Log more. Repeat for debug output.")
			c.Flags.BoolVar(&c.copy, "copy", false, "Copy files out of the cache instead of hard linking them.")
			return c
		},
	}
}

type fetchRun struct {
	subcommands.CommandRunBase
	verbose verbosity
	copy    bool

	repo     string
	checkout string
}

func (r *fetchRun) parse(args []string) error {
	switch len(args) {
	case 0:
		r.repo = "."
	case 1:
		r.repo = args[0]
	case 2:
		r.repo, r.checkout = args[0], args[1]
	default:
		return errors.Reason("expected at most 2 positional arguments, got %d", len(args)).Err()
	}
	return nil
}

func (r *fetchRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	ctx = logging.SetLevel(ctx, r.verbose.Level())

	if err := r.parse(args); err != nil {
		fmt.Fprintf(a.GetErr(), "%s: %s\n", a.GetName(), err)
		return 1
	}

	if err := r.doFetch(ctx, a); err != nil {
		if err == fetch.ErrBareCheckout {
			fmt.Fprintln(a.GetErr(), "Can't checkout into a bare repo, please provide a valid checkout_dir.")
			return 1
		}
		errors.Log(ctx, err)
		fmt.Fprintf(a.GetErr(), "%s: %s\n", a.GetName(), err)
		return 1
	}
	return 0
}

func (r *fetchRun) doFetch(ctx context.Context, a subcommands.Application) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer signals.HandleInterrupt(cancel)()

	f := &fetch.Fetcher{Out: a.GetOut()}
	if r.copy {
		f.Mode = cache.Copy
	}
	rep, err := f.Fetch(ctx, r.repo, r.checkout)
	if err != nil {
		return err
	}
	logging.Infof(ctx, "Finished in state %s: %d present, %d linked from cache, %d downloaded",
		rep.State, rep.Skipped, rep.Linked, rep.Downloaded)
	return nil
}
