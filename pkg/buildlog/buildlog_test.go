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

package buildlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"xenbuild.dev/xenbuild/pkg/log"
)

type capture struct {
	mu   sync.Mutex
	msgs []string
}

func (c *capture) Emit(_ int, level log.Level, _ time.Time, format string, v ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, level.String()+": "+fmt.Sprintf(format, v...))
}

func TestForward(t *testing.T) {
	old := log.Log().Emitter
	c := &capture{}
	log.SetTarget(c)
	defer log.SetTarget(old)

	var buf bytes.Buffer
	l := New(&buf, Options{})
	l.Info("segment allocated")
	l.WithFields(logrus.Fields{"pfn": "0x100", "domid": 5}).Warn("out of slack")
	l.WithError(os.ErrNotExist).Error("ramdisk")

	want := []string{
		"Warning: build: out of slack domid=5 pfn=0x100",
		"Warning: build: ramdisk error=file does not exist",
	}
	if diff := cmp.Diff(want, c.msgs); diff != "" {
		t.Errorf("forwarded entries mismatch (-want +got):\n%s", diff)
	}
	if out := buf.String(); !strings.Contains(out, "segment allocated") || strings.Contains(out, "\x1b[") {
		t.Errorf("unexpected build log output %q", out)
	}
}

func TestLevels(t *testing.T) {
	for _, tc := range []struct {
		opts  Options
		debug bool
	}{
		{opts: Options{}, debug: false},
		{opts: Options{Debug: true}, debug: true},
	} {
		var buf bytes.Buffer
		l := New(&buf, tc.opts)
		l.Debug("page tables")
		if got := strings.Contains(buf.String(), "page tables"); got != tc.debug {
			t.Errorf("Options %+v: debug entry logged = %v, want %v", tc.opts, got, tc.debug)
		}
	}
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, Options{JSON: true}).WithField("segment", "kernel").Info("allocated")
	if out := buf.String(); !strings.Contains(out, `"segment":"kernel"`) || !strings.Contains(out, `"msg":"allocated"`) {
		t.Errorf("JSON output = %q", out)
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.log")
	for i := 0; i < 2; i++ {
		l, closer, err := Open(path, Options{})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		l.Infof("build %d", i)
		if err := closer.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "build 0") || !strings.Contains(string(b), "build 1") {
		t.Errorf("build log not appended: %q", b)
	}

	l, closer, err := Open("", Options{Debug: true})
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}
	l.Info("dropped")
	closer.Close()

	if _, _, err := Open(filepath.Join(t.TempDir(), "missing", "build.log"), Options{}); err == nil {
		t.Errorf("Open in a missing directory succeeded")
	}
}

func TestIsTerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if isTerminal(f) || isTerminal(&bytes.Buffer{}) {
		t.Errorf("a file or buffer is reported as a terminal")
	}
}
