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
	"github.com/kltos/kltos/pkg/sentry/kernel"
)

// PS implements subcommands.Command for the "ps" command.
type PS struct {
	procs   int
	threads int
	timeout time.Duration

	// out is where the table goes. nil means stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*PS) Name() string {
	return "ps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PS) Synopsis() string {
	return "show the process and thread tables of a blocked workload"
}

// Usage implements subcommands.Command.Usage.
func (*PS) Usage() string {
	return `ps [flags] - forks processes whose threads block on a pool mutex and prints the process table while they sleep.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (ps *PS) SetFlags(f *flag.FlagSet) {
	f.IntVar(&ps.procs, "procs", 2, "number of processes.")
	f.IntVar(&ps.threads, "threads", 3, "number of blocked threads in each process.")
	f.DurationVar(&ps.timeout, "timeout", defaultTimeout, "kill the workload if it runs longer than this.")
}

// Execute implements subcommands.Command.Execute.
func (ps *PS) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	switch {
	case ps.procs < 1 || ps.procs >= conf.MaxProcesses:
		return util.Errorf("procs must be in [1, %d), got %d", conf.MaxProcesses, ps.procs)
	case ps.threads < 1 || ps.threads >= conf.MaxThreads:
		return util.Errorf("threads must be in [1, %d), got %d", conf.MaxThreads, ps.threads)
	}
	out := ps.out
	if out == nil {
		out = os.Stdout
	}

	k := kernel.New(conf.KernelOptions())
	ready := make(chan struct{})
	release := make(chan struct{})
	werr := make(chan error, 1)
	go func() {
		werr <- runWorkload(ctx, k, "ps", ps.timeout, func(main *kernel.Thread) {
			psBlocked(main, ps.procs, ps.threads, ready, release)
		})
	}()

	select {
	case <-ready:
		err := kernel.WriteProcesses(out, k.Processes())
		close(release)
		if err != nil {
			<-werr
			return util.Errorf("writing process table: %v", err)
		}
	case err := <-werr:
		return util.Errorf("workload exited early: %v", err)
	}
	if err := <-werr; err != nil {
		return util.Errorf("running ps workload: %v", err)
	}
	return subcommands.ExitSuccess
}
