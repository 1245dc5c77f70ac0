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
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"github.com/kltos/kltos/kltsc/config"
	"github.com/kltos/kltos/pkg/sentry/kernel"
	"github.com/kltos/kltos/pkg/test/testutil"
	"github.com/prometheus/common/expfmt"
)

// testConfig returns the default configuration with the given flags set.
func testConfig(t *testing.T, flags ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(flags); err != nil {
		t.Fatalf("parsing flags %v: %v", flags, err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	return conf
}

// execute runs c with the given command flags and conf.
func execute(t *testing.T, c subcommands.Command, conf *config.Config, args ...string) subcommands.ExitStatus {
	t.Helper()
	testutil.SetLogger(t)
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parsing %s flags %v: %v", c.Name(), args, err)
	}
	return c.Execute(context.Background(), fs, conf)
}

func TestSanity(t *testing.T) {
	var out bytes.Buffer
	if got := execute(t, &Sanity{out: &out}, testConfig(t)); got != subcommands.ExitSuccess {
		t.Fatalf("sanity = %v, want success; output:\n%s", got, out.String())
	}
	if got, want := strings.Count(out.String(), "PASSED"), len(sanityCases); got != want {
		t.Errorf("%d scenarios passed, want %d; output:\n%s", got, want, out.String())
	}
	if !strings.Contains(out.String(), "thread created successfully") {
		t.Errorf("kthread scenario printed nothing; output:\n%s", out.String())
	}
}

func TestSanityTooFewThreads(t *testing.T) {
	var out bytes.Buffer
	if got := execute(t, &Sanity{out: &out}, testConfig(t, "--nthread=8")); got != subcommands.ExitFailure {
		t.Errorf("sanity = %v, want failure", got)
	}
}

func TestUsageError(t *testing.T) {
	for _, c := range []subcommands.Command{new(Sanity), new(Mutex), new(Tree), new(PS), new(Metrics)} {
		if got := execute(t, c, testConfig(t), "extra"); got != subcommands.ExitUsageError {
			t.Errorf("%s with an argument = %v, want %v", c.Name(), got, subcommands.ExitUsageError)
		}
	}
}

func TestMutex(t *testing.T) {
	var out bytes.Buffer
	if got := execute(t, &Mutex{out: &out}, testConfig(t), "--procs=3", "--threads=4", "--rounds=200"); got != subcommands.ExitSuccess {
		t.Fatalf("mutex = %v, want success; output:\n%s", got, out.String())
	}
	if got := strings.Count(out.String(), "counter 800, want 800"); got != 3 {
		t.Errorf("%d processes counted right, want 3; output:\n%s", got, out.String())
	}
}

func TestMutexBadFlags(t *testing.T) {
	for _, args := range [][]string{
		{"--procs=0"},
		{"--threads=16"},
		{"--rounds=-1"},
	} {
		if got := execute(t, new(Mutex), testConfig(t), args...); got != subcommands.ExitFailure {
			t.Errorf("mutex %v = %v, want failure", args, got)
		}
	}
}

func TestTree(t *testing.T) {
	for _, depth := range []string{"0", "1", "3"} {
		t.Run(depth, func(t *testing.T) {
			var out bytes.Buffer
			conf := testConfig(t, "--nthread=32")
			if got := execute(t, &Tree{out: &out}, conf, "--depth="+depth, "--rounds=20"); got != subcommands.ExitSuccess {
				t.Fatalf("tree = %v, want success; output:\n%s", got, out.String())
			}
			if !strings.Contains(out.String(), "depth "+depth) {
				t.Errorf("output does not mention the depth:\n%s", out.String())
			}
		})
	}
}

func TestTreeDefaultDepth(t *testing.T) {
	var out bytes.Buffer
	if got := execute(t, &Tree{out: &out}, testConfig(t, "--tree-depth=1"), "--rounds=5"); got != subcommands.ExitSuccess {
		t.Fatalf("tree = %v, want success; output:\n%s", got, out.String())
	}
	if !strings.Contains(out.String(), "depth 1, 4 seats") {
		t.Errorf("output does not show the configured depth:\n%s", out.String())
	}
}

func TestPS(t *testing.T) {
	var out bytes.Buffer
	if got := execute(t, &PS{out: &out}, testConfig(t), "--procs=2", "--threads=2"); got != subcommands.ExitSuccess {
		t.Fatalf("ps = %v, want success; output:\n%s", got, out.String())
	}
	table := out.String()
	for _, want := range []string{"PID", "ps", "blocked-0", "blocked-1", "mutex:"} {
		if !strings.Contains(table, want) {
			t.Errorf("table does not contain %q:\n%s", want, table)
		}
	}
	if got := strings.Count(table, "mutex:"); got != 4 {
		t.Errorf("%d threads sleeping on a mutex, want 4:\n%s", got, table)
	}
}

func TestMetrics(t *testing.T) {
	var out bytes.Buffer
	if got := execute(t, &Metrics{out: &out}, testConfig(t)); got != subcommands.ExitSuccess {
		t.Fatalf("metrics = %v, want success", got)
	}
	fams, err := (&expfmt.TextParser{}).TextToMetricFamilies(&out)
	if err != nil {
		t.Fatalf("parsing metrics: %v", err)
	}
	for _, name := range []string{
		"kltos_kernel_threads_created",
		"kltos_mutex_allocs",
		"kltos_tournament_acquires",
		"kltos_klt_calls",
	} {
		mf, ok := fams[name]
		if !ok {
			t.Errorf("metric %q missing", name)
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		if total == 0 {
			t.Errorf("metric %q is zero after the sanity workload", name)
		}
	}
}

func TestRunWorkloadTimeout(t *testing.T) {
	testutil.SetLogger(t)
	k := kernel.New(kernel.Options{})
	err := runWorkload(context.Background(), k, "spin", 50*time.Millisecond, func(main *kernel.Thread) {
		for {
			main.Yield()
		}
	})
	if err == nil {
		t.Fatalf("runWorkload of a spinning workload succeeded")
	}
	if !strings.Contains(err.Error(), "did not finish") {
		t.Errorf("runWorkload = %v, want a timeout", err)
	}
}

func TestRunWorkloadCancel(t *testing.T) {
	testutil.SetLogger(t)
	k := kernel.New(kernel.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	err := runWorkload(ctx, k, "spin", time.Minute, func(main *kernel.Thread) {
		close(started)
		for {
			main.Yield()
		}
	})
	if err != context.Canceled {
		t.Errorf("runWorkload = %v, want %v", err, context.Canceled)
	}
}
