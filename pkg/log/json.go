// Copyright 2026 The gVisor Authors.
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
	"strings"
	"time"
)

var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(levelNames[l])
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts level
// names as well as their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		if int(n) >= len(levelNames) {
			return fmt.Errorf("unknown level %d", n)
		}
		*l = Level(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unknown level %s", b)
	}
	for i, name := range levelNames {
		if name == s {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", s)
}

// callerLine prefixes msg with the file:line of the logging call, depth
// frames above the caller of Emit.
func callerLine(depth int, msg string) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return msg
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d] %s", file, line, msg)
}

func writeJSON(w *Writer, rec any) {
	b, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	w.Write(b)
}

type jsonLog struct {
	Msg     string    `json:"msg"`
	Level   Level     `json:"level"`
	Time    time.Time `json:"time"`
	Command string    `json:"command,omitempty"`
}

// JSONEmitter logs messages in json format.
type JSONEmitter struct {
	*Writer

	// Command, if set, tags every record with the xbuild command that
	// produced it.
	Command string
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	writeJSON(e.Writer, jsonLog{
		Msg:     callerLine(depth, fmt.Sprintf(format, v...)),
		Level:   level,
		Time:    timestamp,
		Command: e.Command,
	})
}

type k8sJSONLog struct {
	Log     string    `json:"log"`
	Level   Level     `json:"level"`
	Time    time.Time `json:"time"`
	Command string    `json:"command,omitempty"`
}

// K8sJSONEmitter logs messages in json format that is compatible with
// Kubernetes fluent configuration.
type K8sJSONEmitter struct {
	*Writer
	Command string
}

// Emit implements Emitter.Emit.
func (e K8sJSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	writeJSON(e.Writer, k8sJSONLog{
		Log:     callerLine(depth, fmt.Sprintf(format, v...)),
		Level:   level,
		Time:    timestamp,
		Command: e.Command,
	})
}
