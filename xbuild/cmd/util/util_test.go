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

package util

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/subcommands"
)

func TestErrorf(t *testing.T) {
	var buf bytes.Buffer
	ErrorLogger = &buf
	defer func() { ErrorLogger = nil }()

	if got := Errorf("building %s: %v", "dom5", "out of memory"); got != subcommands.ExitFailure {
		t.Errorf("Errorf = %v, want %v", got, subcommands.ExitFailure)
	}
	var e jsonError
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("error log is not JSON: %v: %q", err, buf.String())
	}
	if e.Msg != "building dom5: out of memory" || e.Level != "error" || e.Time.IsZero() {
		t.Errorf("error entry = %+v", e)
	}
}
