// Copyright 2018 Google LLC
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

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
	limit int
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	if w.limit > 0 && len(w.lines) >= w.limit {
		return len(bytes), nil
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("Writer lines mismatch (-want +got):\n%s", diff)
	}
}

func TestCaller(t *testing.T) {
	for name, tc := range map[string]struct {
		build func(w *Writer) Emitter
	}{
		"google": {build: func(w *Writer) Emitter { return GoogleEmitter{w} }},
		"json":   {build: func(w *Writer) Emitter { return JSONEmitter{w} }},
	} {
		t.Run(name, func(t *testing.T) {
			var b bytes.Buffer
			l := &BasicLogger{Level: Debug, Emitter: tc.build(&Writer{Next: &b})}
			l.Infof("hello %d", 42)
			got := b.String()
			if !strings.Contains(got, "log_test.go:") {
				t.Errorf("log line %q does not name the calling file", got)
			}
			if !strings.Contains(got, "hello 42") {
				t.Errorf("log line %q does not contain the message", got)
			}
		})
	}
}

func TestGoogleFormat(t *testing.T) {
	var b bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &b}}
	ts := time.Date(2026, time.May, 7, 8, 9, 10, 11000, time.UTC)
	e.Emit(0, Warning, ts, "mutex %d busy", 3)

	re := regexp.MustCompile(`^W0507 08:09:10\.000011 +\d+ log_test\.go:\d+\] mutex 3 busy\n$`)
	if got := b.String(); !re.MatchString(got) {
		t.Errorf("Emit wrote %q, want match for %v", got, re)
	}
}

func TestJSONThreadFields(t *testing.T) {
	ts := time.Date(2026, time.May, 7, 8, 9, 10, 0, time.UTC)
	for _, tc := range []struct {
		name   string
		format string
		want   jsonLog
	}{
		{
			name:   "thread",
			format: ThreadPrefix(12, 3) + "Joined thread %d",
			want:   jsonLog{Msg: "Joined thread 7", Level: Debug, Time: ts, TID: 12, PID: 3},
		},
		{
			name:   "kernel",
			format: "Killed process %d",
			want:   jsonLog{Msg: "Killed process 7", Level: Debug, Time: ts},
		},
		{
			name:   "bracketed",
			format: "[not a prefix] %d",
			want:   jsonLog{Msg: "[not a prefix] 7", Level: Debug, Time: ts},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var b bytes.Buffer
			JSONEmitter{&Writer{Next: &b}}.Emit(0, Debug, ts, tc.format, 7)
			if !strings.HasSuffix(b.String(), "}\n") || strings.Count(b.String(), "\n") != 1 {
				t.Errorf("Emit wrote %q, want one line", b.String())
			}
			var got jsonLog
			if err := json.Unmarshal(b.Bytes(), &got); err != nil {
				t.Fatalf("Unmarshal(%q) failed: %v", b.String(), err)
			}
			if !strings.HasPrefix(got.Caller, "log_test.go:") {
				t.Errorf("caller = %q, want log_test.go:<line>", got.Caller)
			}
			got.Caller = ""
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Emit mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLevels(t *testing.T) {
	var b bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &b}}
	l.Debugf("hidden")
	l.Infof("shown")
	l.Warningf("also shown")
	if got, want := b.String(), "shown\nalso shown\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	l.SetLevel(Warning)
	if l.IsLogging(Info) {
		t.Errorf("IsLogging(Info) = true at level Warning")
	}
	if !l.IsLogging(Warning) {
		t.Errorf("IsLogging(Warning) = false at level Warning")
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: Debug},
		{in: "Info", want: Info},
		{in: "", want: Info},
		{in: "warning", want: Warning},
		{in: "warn", want: Warning},
		{in: "verbose", wantErr: true},
	} {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMultiEmitter(t *testing.T) {
	var a, b bytes.Buffer
	m := MultiEmitter{&Writer{Next: &a}, &Writer{Next: &b}}
	m.Emit(0, Info, time.Now(), "x=%d", 1)
	if a.String() != "x=1\n" || b.String() != "x=1\n" {
		t.Errorf("MultiEmitter wrote %q and %q, want x=1 twice", a.String(), b.String())
	}
}

func TestRateLimited(t *testing.T) {
	var b bytes.Buffer
	base := &BasicLogger{Level: Info, Emitter: &Writer{Next: &b}}
	l := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 5; i++ {
		l.Warningf("contended %d", i)
	}
	if got, want := b.String(), "contended 0\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	// Suppressed messages are not counted against disabled levels.
	l.Debugf("ignored")
	rl := l.(*rateLimitedLogger)
	if got := rl.suppressed.Load(); got != 4 {
		t.Errorf("suppressed = %d, want 4", got)
	}
}

func TestPatternOpts(t *testing.T) {
	o := PatternOpts{PID: 12, Start: time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)}
	if got, want := o.Build("/tmp/kltsc.%PID%.%TIMESTAMP%.log"), "/tmp/kltsc.12.20260102-030405.000000.log"; got != want {
		t.Errorf("Build = %q, want %q", got, want)
	}
}
