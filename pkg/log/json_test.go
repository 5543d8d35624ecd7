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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: `0`, want: Warning},
		{in: `2`, want: Debug},
		{in: `3`, wantErr: true},
		{in: `"fatal"`, wantErr: true},
		{in: `true`, wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			var l Level
			err := json.Unmarshal([]byte(tc.in), &l)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("Unmarshal(%s) = %v, want error %t", tc.in, err, tc.wantErr)
			}
			if err == nil && l != tc.want {
				t.Errorf("Unmarshal(%s) = %v, want %v", tc.in, l, tc.want)
			}
		})
	}
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON of an unknown level succeeded")
	}
}

func TestJSONEmitters(t *testing.T) {
	ts := time.Date(2026, time.March, 7, 9, 8, 7, 0, time.UTC)
	for _, tc := range []struct {
		name    string
		emitter func(w *Writer) Emitter
		msgKey  string
		command string
	}{
		{
			name:    "json",
			emitter: func(w *Writer) Emitter { return JSONEmitter{Writer: w, Command: "build"} },
			msgKey:  "msg",
			command: "build",
		},
		{
			name:    "json-k8s",
			emitter: func(w *Writer) Emitter { return K8sJSONEmitter{Writer: w} },
			msgKey:  "log",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			tc.emitter(&Writer{Next: &buf}).Emit(0, Warning, ts, "built dom%d", 5)

			var rec map[string]any
			if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
				t.Fatalf("output is not JSON: %v: %q", err, buf.String())
			}
			msg, _ := rec[tc.msgKey].(string)
			if !strings.HasPrefix(msg, "json_test.go:") || !strings.HasSuffix(msg, "] built dom5") {
				t.Errorf("%s = %q", tc.msgKey, msg)
			}
			if rec["level"] != "warning" {
				t.Errorf("level = %v, want warning", rec["level"])
			}
			if rec["time"] != "2026-03-07T09:08:07Z" {
				t.Errorf("time = %v", rec["time"])
			}
			cmd, ok := rec["command"]
			if tc.command == "" && ok {
				t.Errorf("command = %v, want none", cmd)
			}
			if tc.command != "" && cmd != tc.command {
				t.Errorf("command = %v, want %s", cmd, tc.command)
			}
		})
	}
}
