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

// Package buildlog provides the logrus logger that carries the trace of a
// domain build: loader selection, segment allocation, page table counts and
// the memory footprint.
//
// Warnings and errors logged on a build log are also forwarded to the
// process log, so they are not lost when the build log is discarded.
package buildlog

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	"xenbuild.dev/xenbuild/pkg/log"
)

// Options configure a build log.
type Options struct {
	// Debug enables debug level entries.
	Debug bool

	// JSON selects the logrus JSON formatter instead of text.
	JSON bool
}

// New returns a logger writing to w. Colors are used only when w is a
// terminal.
func New(w io.Writer, opts Options) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	if opts.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		tty := isTerminal(w)
		l.SetFormatter(&logrus.TextFormatter{
			ForceColors:   tty,
			DisableColors: !tty,
			FullTimestamp: true,
		})
	}
	l.AddHook(forward{})
	return l
}

// Discard returns a logger that drops its output.
func Discard() *logrus.Logger {
	return New(io.Discard, Options{})
}

// Open returns the build log named by path: "" discards, "-" is stderr and
// anything else is a file opened for appending. The returned closer must be
// called once the build is over.
func Open(path string, opts Options) (*logrus.Logger, io.Closer, error) {
	switch path {
	case "":
		return Discard(), io.NopCloser(nil), nil
	case "-":
		return New(os.Stderr, opts), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening build log: %w", err)
	}
	return New(f, opts), f, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// forward copies warning and error entries to the process log.
type forward struct{}

// Levels implements logrus.Hook.Levels.
func (forward) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

// Fire implements logrus.Hook.Fire.
func (forward) Fire(e *logrus.Entry) error {
	log.Warningf("build: %s", format(e))
	return nil
}

// format renders the message followed by its fields in key order.
func format(e *logrus.Entry) string {
	if len(e.Data) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(e.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	return b.String()
}
