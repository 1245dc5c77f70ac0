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
	"github.com/kltos/kltos/pkg/metric"
	"github.com/kltos/kltos/pkg/sentry/kernel"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	workload bool
	timeout  time.Duration

	// out is where the metrics go. nil means stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print kernel metrics in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - runs the sanity scenarios, unless disabled, and prints every registered metric in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.workload, "workload", true, "run the sanity scenarios before printing.")
	f.DurationVar(&m.timeout, "timeout", defaultTimeout, "kill the workload if it runs longer than this.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := m.out
	if out == nil {
		out = os.Stdout
	}

	if m.workload {
		if conf.MaxThreads <= sanityThreads {
			return util.Errorf("the sanity workload needs more than %d thread slots, nthread is %d", sanityThreads, conf.MaxThreads)
		}
		k := kernel.New(conf.KernelOptions())
		if err := runWorkload(ctx, k, "sanity", m.timeout, func(main *kernel.Thread) {
			runSanity(main, io.Discard)
		}); err != nil {
			return util.Errorf("running sanity: %v", err)
		}
	}
	if err := metric.WritePrometheus(out); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
