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

// Package config provides basic infrastructure to set configuration settings
// for xbuild. Each setting that can be changed from the command line must
// have a config flag, defined in flags.go, and a field in Config with the
// same name in its `flag` tag.
package config

import (
	"fmt"
	"reflect"

	"xenbuild.dev/xenbuild/pkg/log"
)

// Config holds the process wide configuration of xbuild.
type Config struct {
	// RootDir is the directory holding per-domain state, including the
	// build locks.
	RootDir string `flag:"root"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// BuildLog is where the build trace goes: a path, "-" for stderr, or
	// empty to discard it.
	BuildLog string `flag:"build-log"`
}

func (c *Config) validate() error {
	for name, format := range map[string]string{
		"log-format":       c.LogFormat,
		"debug-log-format": c.DebugLogFormat,
	} {
		switch format {
		case "text", "json", "json-k8s":
		default:
			return fmt.Errorf("invalid --%s %q, must be 'text', 'json', or 'json-k8s'", name, format)
		}
	}
	if c.RootDir == "" {
		return fmt.Errorf("--root must be set")
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("Config.%s (--%s): %v", f.Name, name, obj.Field(i).Interface())
	}
}
