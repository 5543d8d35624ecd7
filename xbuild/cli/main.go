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

// Package cli is the main entrypoint for xbuild.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/subcommands"
	"xenbuild.dev/xenbuild/pkg/log"
	"xenbuild.dev/xenbuild/xbuild/cmd"
	"xenbuild.dev/xenbuild/xbuild/cmd/util"
	"xenbuild.dev/xenbuild/xbuild/config"
	"xenbuild.dev/xenbuild/xbuild/flag"
)

// version is set at link time.
var version = "VERSION_MISSING"

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if flag.Get(flag.Lookup(versionFlagName).Value).(bool) {
		fmt.Fprintf(os.Stdout, "xbuild version %s\n", version)
		os.Exit(0)
	}

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	if conf.LogFilename != "" {
		// O_APPEND: toolstacks reuse one log file across invocations.
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		util.ErrorLogger = f
	}

	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	subcommand := flag.CommandLine.Arg(0)
	var subArgs []string
	if flag.CommandLine.NArg() > 1 {
		subArgs = flag.CommandLine.Args()[1:]
	}

	var emitters log.MultiEmitter
	if conf.DebugLog != "" {
		vars := log.FileVars{Command: subcommand, DomID: scanDomID(subArgs), Start: time.Now()}
		f, err := log.OpenFile(conf.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, vars)
		if err != nil {
			util.Fatalf("error opening debug log file in %q: %v", conf.DebugLog, err)
		}
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, subcommand, f))
	} else if !conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter("text", "", io.Discard))
	}
	if conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, subcommand, os.Stderr))
	}
	if len(emitters) == 1 {
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}
	if err := log.CopyStandardLogTo(log.Info); err != nil {
		util.Fatalf("%v", err)
	}

	const delimString = `**************** xbuild ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %s, PID %d, UID %d", version, runtime.Version(), runtime.GOARCH, runtime.GOOS, os.Getpid(), os.Getuid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	switch code := subcommands.Execute(context.Background(), conf); code {
	case subcommands.ExitSuccess:
		log.Infof("Exiting with status: 0")
		os.Exit(0)
	case subcommands.ExitUsageError:
		os.Exit(2)
	default:
		log.Warningf("Failure to execute command, err: %v", code)
		os.Exit(128)
	}
}

// forEachCmd invokes the passed callback for each command supported by
// xbuild.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Build), "")
	cb(new(cmd.Inspect), "")

	const debugGroup = "debug"
	cb(new(cmd.List), debugGroup)
	cb(new(cmd.Pgtables), debugGroup)
}

func newEmitter(format, command string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}, Command: command}
	case "json-k8s":
		return log.K8sJSONEmitter{Writer: &log.Writer{Next: logFile}, Command: command}
	}
	util.Fatalf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", format)
	panic("unreachable")
}

// scanDomID finds the value of the --domid flag of a subcommand. Subcommand
// flags are not parsed yet when the debug log is opened.
func scanDomID(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "domid="); ok {
			return v
		}
		if name == "domid" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
