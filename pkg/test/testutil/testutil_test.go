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

package testutil

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kltos/kltos/pkg/log"
)

func TestPoll(t *testing.T) {
	var calls atomic.Int32
	err := Poll(func() error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("callback called %d times, want 3", got)
	}
}

func TestPollTimeout(t *testing.T) {
	err := Poll(func() error { return errors.New("never") }, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("Poll succeeded, want timeout")
	}
}

func TestPollPermanent(t *testing.T) {
	var calls atomic.Int32
	want := errors.New("fatal")
	err := Poll(func() error {
		calls.Add(1)
		return backoff.Permanent(want)
	}, 5*time.Second)
	if err != want {
		t.Errorf("Poll returned %v, want %v", err, want)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("callback called %d times, want 1", got)
	}
}

type recorder struct {
	lines    []string
	cleanups []func()
}

func (r *recorder) Logf(format string, v ...any) {
	r.lines = append(r.lines, format)
}

func (r *recorder) Cleanup(f func()) {
	r.cleanups = append(r.cleanups, f)
}

func TestSetLogger(t *testing.T) {
	r := &recorder{}
	SetLogger(r)
	log.Debugf("debug %s", "line")
	for _, f := range r.cleanups {
		f()
	}
	if len(r.lines) != 1 || !strings.HasPrefix(r.lines[0], "debug") {
		t.Errorf("recorded %q, want one debug line", r.lines)
	}
	if log.IsLogging(log.Debug) {
		t.Errorf("debug logging still enabled after cleanup")
	}
}
