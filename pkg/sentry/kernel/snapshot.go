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

package kernel

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/sentry/kernel/futex"
)

// ThreadInfo describes one thread slot in use.
type ThreadInfo struct {
	TID    klt.ThreadID
	State  ThreadState
	Killed bool
	// WaitKey is set for sleeping threads only.
	WaitKey *futex.Key
}

// ProcessInfo describes one process slot in use.
type ProcessInfo struct {
	PID     klt.ProcessID
	Parent  klt.ProcessID
	Name    string
	State   ProcessState
	Killed  bool
	Threads []ThreadInfo
}

// Processes returns a consistent snapshot of every process slot in use,
// in table order.
func (k *Kernel) Processes() []ProcessInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	var infos []ProcessInfo
	for i := range k.procs {
		p := &k.procs[i]
		if p.state == ProcessUnused {
			continue
		}
		pi := ProcessInfo{
			PID:    p.pid,
			Name:   p.name,
			State:  p.state,
			Killed: p.killed,
		}
		if p.parent != nil {
			pi.Parent = p.parent.pid
		}
		for j := range p.threads {
			t := &p.threads[j]
			if t.state == ThreadUnused {
				continue
			}
			ti := ThreadInfo{
				TID:    t.tid,
				State:  t.state,
				Killed: t.killed,
			}
			if t.state == ThreadSleeping {
				key := t.waitKey
				ti.WaitKey = &key
			}
			pi.Threads = append(pi.Threads, ti)
		}
		infos = append(infos, pi)
	}
	return infos
}

// WriteProcesses writes a table of infos to w, one line per thread.
func WriteProcesses(w io.Writer, infos []ProcessInfo) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPPID\tNAME\tSTATE\tTID\tTSTATE\tKILLED\tWAIT")
	for _, p := range infos {
		for _, t := range p.Threads {
			wait := "-"
			if t.WaitKey != nil {
				wait = t.WaitKey.String()
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\t%v\t%d\t%v\t%t\t%s\n", p.PID, p.Parent, p.Name, p.State, t.TID, t.State, p.Killed || t.Killed, wait)
		}
		if len(p.Threads) == 0 {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%v\t-\t-\t%t\t-\n", p.PID, p.Parent, p.Name, p.State, p.Killed)
		}
	}
	return tw.Flush()
}
