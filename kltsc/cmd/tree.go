// Copyright 2026 The kltos Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/kltos/kltos/kltsc/cmd/util"
	"github.com/kltos/kltos/kltsc/config"
	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/sentry/kernel"
)

// Tree implements subcommands.Command for the "tree" command.
type Tree struct {
	depth   int
	rounds  int
	timeout time.Duration

	// out is where the workload output goes. nil means stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Tree) Name() string {
	return "tree"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Tree) Synopsis() string {
	return "contend for a tournament tree from every seat"
}

// Usage implements subcommands.Command.Usage.
func (*Tree) Usage() string {
	return `tree [flags] - seats a thread at every seat of a tournament tree and checks that the root is held by one thread at a time.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Tree) SetFlags(f *flag.FlagSet) {
	f.IntVar(&t.depth, "depth", -1, "tree depth. If negative, --tree-depth is used.")
	f.IntVar(&t.rounds, "rounds", 100, "number of root acquisitions by each thread.")
	f.DurationVar(&t.timeout, "timeout", defaultTimeout, "kill the workload if it runs longer than this.")
}

// Execute implements subcommands.Command.Execute.
func (t *Tree) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	depth := t.depth
	if depth < 0 {
		depth = conf.TreeDepth
	}
	if depth > klt.MaxTreeDepth {
		return util.Errorf("depth must be at most %d, got %d", klt.MaxTreeDepth, depth)
	}
	if conf.MaxThreads < 2 {
		return util.Errorf("tree needs at least 2 thread slots, nthread is %d", conf.MaxThreads)
	}
	out := t.out
	if out == nil {
		out = os.Stdout
	}

	k := kernel.New(conf.KernelOptions())
	var werr error
	if err := runWorkload(ctx, k, "tree", t.timeout, func(main *kernel.Thread) {
		werr = treeStress(main, &lockedWriter{w: out}, depth, t.rounds)
	}); err != nil {
		return util.Errorf("running tree workload: %v", err)
	}
	if werr != nil {
		return util.Errorf("tree workload failed: %v", werr)
	}
	return subcommands.ExitSuccess
}
