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

package log

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ThreadPrefix returns the prefix that a kernel thread puts in front of its
// log messages. JSONEmitter lifts it out of the message into the tid and pid
// fields.
func ThreadPrefix(tid, pid int32) string {
	return fmt.Sprintf("[%7d:%7d] ", tid, pid)
}

// splitThreadPrefix undoes ThreadPrefix. ok is false if msg has no prefix.
func splitThreadPrefix(msg string) (tid, pid int32, rest string, ok bool) {
	if !strings.HasPrefix(msg, "[") {
		return 0, 0, msg, false
	}
	end := strings.Index(msg, "] ")
	if end < 0 {
		return 0, 0, msg, false
	}
	ts, ps, found := strings.Cut(msg[1:end], ":")
	if !found {
		return 0, 0, msg, false
	}
	t, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 32)
	if err != nil {
		return 0, 0, msg, false
	}
	p, err := strconv.ParseInt(strings.TrimSpace(ps), 10, 32)
	if err != nil {
		return 0, 0, msg, false
	}
	return int32(t), int32(p), msg[end+2:], true
}

type jsonLog struct {
	Msg    string    `json:"msg"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
	Caller string    `json:"caller,omitempty"`
	TID    int32     `json:"tid,omitempty"`
	PID    int32     `json:"pid,omitempty"`
}

// MarshalJSON implements json.Marshaler.MarashalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning:
		return []byte(`"warning"`), nil
	case Info:
		return []byte(`"info"`), nil
	case Debug:
		return []byte(`"debug"`), nil
	default:
		return nil, fmt.Errorf("unknown level %v", l)
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It can unmarshal
// from both string names and integers.
func (l *Level) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case "0", `"warning"`:
		*l = Warning
	case "1", `"info"`:
		*l = Info
	case "2", `"debug"`:
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

// JSONEmitter logs messages in json format, one object per line. Messages
// logged by a kernel thread carry its thread and process IDs as the tid and
// pid fields instead of a text prefix.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Msg:   fmt.Sprintf(format, v...),
		Level: level,
		Time:  timestamp,
	}
	if tid, pid, rest, ok := splitThreadPrefix(j.Msg); ok {
		j.Msg, j.TID, j.PID = rest, tid, pid
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:]
		}
		j.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	b = append(b, '\n')
	e.Writer.Write(b)
}
