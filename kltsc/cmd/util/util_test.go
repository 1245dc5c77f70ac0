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

package util

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/subcommands"
)

func TestErrorfWritesErrorLog(t *testing.T) {
	var buf bytes.Buffer
	ErrorLogger = &buf
	defer func() { ErrorLogger = nil }()

	if got := Errorf("bad %s", "thing"); got != subcommands.ExitFailure {
		t.Errorf("Errorf = %v, want %v", got, subcommands.ExitFailure)
	}
	var e jsonError
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("error log %q is not JSON: %v", buf.String(), err)
	}
	if e.Msg != "bad thing" || e.Level != "error" {
		t.Errorf("error log = %+v, want msg %q at level %q", e, "bad thing", "error")
	}
}
