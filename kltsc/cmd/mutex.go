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

// Mutex implements subcommands.Command for the "mutex" command.
type Mutex struct {
	procs   int
	threads int
	rounds  int
	timeout time.Duration

	// out is where the workload output goes. nil means stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Mutex) Name() string {
	return "mutex"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mutex) Synopsis() string {
	return "stress the mutex pool with concurrent processes"
}

// Usage implements subcommands.Command.Usage.
func (*Mutex) Usage() string {
	return `mutex [flags] - forks processes whose threads increment a counter under a pool mutex and checks every count.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Mutex) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.procs, "procs", 4, "number of processes.")
	f.IntVar(&m.threads, "threads", 8, "number of threads in each process.")
	f.IntVar(&m.rounds, "rounds", 1000, "number of increments by each thread.")
	f.DurationVar(&m.timeout, "timeout", defaultTimeout, "kill the workload if it runs longer than this.")
}

// Execute implements subcommands.Command.Execute.
func (m *Mutex) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	switch {
	case m.procs < 1 || m.procs >= conf.MaxProcesses:
		return util.Errorf("procs must be in [1, %d), got %d", conf.MaxProcesses, m.procs)
	case m.threads < 1 || m.threads >= conf.MaxThreads:
		return util.Errorf("threads must be in [1, %d), got %d", conf.MaxThreads, m.threads)
	case m.rounds < 0:
		return util.Errorf("rounds must not be negative, got %d", m.rounds)
	}
	out := m.out
	if out == nil {
		out = os.Stdout
	}

	k := kernel.New(conf.KernelOptions())
	failures := 0
	if err := runWorkload(ctx, k, "mutex", m.timeout, func(main *kernel.Thread) {
		failures = mutexStress(main, &lockedWriter{w: out}, m.procs, m.threads, m.rounds)
	}); err != nil {
		return util.Errorf("running mutex workload: %v", err)
	}
	if failures > 0 {
		return util.Errorf("%d of %d processes counted wrong", failures, m.procs)
	}
	return subcommands.ExitSuccess
}
