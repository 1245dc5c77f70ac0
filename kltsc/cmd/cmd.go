// Copyright 2018 The gVisor Authors.
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

// Package cmd holds implementations of the kltsc commands. Each command boots
// a fresh kernel sized by the configuration and runs a workload as its init
// process.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/kltos/kltos/pkg/log"
	"github.com/kltos/kltos/pkg/sentry/kernel"
	"golang.org/x/sync/errgroup"
)

// defaultTimeout bounds how long a workload may run before it is killed.
const defaultTimeout = time.Minute

// runWorkload starts a process named name running entry as the init process
// of k and waits for it to exit. If it is still running after timeout, every
// process of k is killed and an error is returned once init has exited.
func runWorkload(ctx context.Context, k *kernel.Kernel, name string, timeout time.Duration, entry func(*kernel.Thread)) error {
	p, err := k.Start(name, entry)
	if err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	exited := make(chan struct{})
	g.Go(func() error {
		defer close(exited)
		return k.WaitExit(context.Background(), p)
	})
	g.Go(func() error {
		t := time.NewTimer(timeout)
		defer t.Stop()
		var reason error
		select {
		case <-exited:
			return nil
		case <-t.C:
			reason = fmt.Errorf("%s did not finish within %v", name, timeout)
		case <-gctx.Done():
			reason = gctx.Err()
		}
		log.Warningf("Killing workload %s: %v", name, reason)
		killAll(k)
		<-exited
		return reason
	})
	return g.Wait()
}

// killAll kills every live process of k.
func killAll(k *kernel.Kernel) {
	for _, p := range k.Processes() {
		if p.State == kernel.ProcessZombie {
			continue
		}
		if err := k.Kill(p.PID); err != nil {
			log.Debugf("Kill(%d): %v", p.PID, err)
		}
	}
}
