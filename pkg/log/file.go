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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts contains options for creating a log file.
type FileOpts interface {
	// Build constructs the log file path based on the given pattern.
	Build(logPattern string) string
}

// DefaultFileName is the file name used when a log pattern names a
// directory, i.e. ends with a slash.
const DefaultFileName = "xbuild.%TIMESTAMP%.%COMMAND%.log"

// FileVars are the variables of a log file pattern:
//
//	%TIMESTAMP%	Start, as YYYYMMDD-hhmmss.uuuuuu
//	%COMMAND%	the xbuild command
//	%DOMID%		the domain being built, "none" if unknown
type FileVars struct {
	Command string
	DomID   string
	Start   time.Time
}

// Build implements FileOpts.Build.
func (v FileVars) Build(pattern string) string {
	if strings.HasSuffix(pattern, "/") {
		pattern += DefaultFileName
	}
	domid := v.DomID
	if domid == "" {
		domid = "none"
	}
	return strings.NewReplacer(
		"%TIMESTAMP%", v.Start.Format("20060102-150405.000000"),
		"%COMMAND%", v.Command,
		"%DOMID%", domid,
	).Replace(pattern)
}

// OpenFile opens a log file using the specified flags. It uses `opts` to
// construct the log file path based on the given `logPattern`. An empty
// pattern opens nothing.
func OpenFile(logPattern string, flags int, opts FileOpts) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}
	logPath := opts.Build(logPattern)

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("creating log directory %q: %w", dir, err)
	}
	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
