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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/kltos/kltos/kltsc/cmd/util"
	"github.com/kltos/kltos/kltsc/config"
	"github.com/kltos/kltos/pkg/sentry/kernel"
)

// Sanity implements subcommands.Command for the "sanity" command.
type Sanity struct {
	timeout time.Duration

	// out is where the scenario output goes. nil means stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Sanity) Name() string {
	return "sanity"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Sanity) Synopsis() string {
	return "run the thread, mutex and tournament tree sanity scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Sanity) Usage() string {
	return `sanity [flags] - runs each sanity scenario in a fresh kernel's init process and reports which passed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Sanity) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.timeout, "timeout", defaultTimeout, "kill the scenarios if they run longer than this.")
}

// Execute implements subcommands.Command.Execute.
func (s *Sanity) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.MaxThreads <= sanityThreads {
		return util.Errorf("sanity needs more than %d thread slots, nthread is %d", sanityThreads, conf.MaxThreads)
	}
	out := s.out
	if out == nil {
		out = os.Stdout
	}

	k := kernel.New(conf.KernelOptions())
	failed := 0
	if err := runWorkload(ctx, k, "sanity", s.timeout, func(main *kernel.Thread) {
		failed = runSanity(main, out)
	}); err != nil {
		return util.Errorf("running sanity: %v", err)
	}
	if failed > 0 {
		return util.Errorf("%d of %d sanity scenarios failed", failed, len(sanityCases))
	}
	fmt.Fprintf(out, "all %d sanity scenarios passed\n", len(sanityCases))
	return subcommands.ExitSuccess
}
