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

// Package cmd holds implementations of the xbuild commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// hexFlag is a uint64 flag accepting C notation: 0x for hex, a leading 0
// for octal.
type hexFlag uint64

// String implements flag.Value.
func (h *hexFlag) String() string {
	return fmt.Sprintf("%#x", uint64(*h))
}

// Get implements flag.Getter.
func (h *hexFlag) Get() any {
	return uint64(*h)
}

// Set implements flag.Value.
func (h *hexFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %v", s, err)
	}
	*h = hexFlag(v)
	return nil
}

// writeReport writes v as YAML to path, or to stdout when path is "-".
func writeReport(path string, v any) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return encodeYAML(w, v)
}

func encodeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return enc.Close()
}
