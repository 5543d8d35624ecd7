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

package cmd

import (
	"context"
	"os"

	"github.com/google/subcommands"
	"xenbuild.dev/xenbuild/pkg/buildlog"
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/dom/builtin"
	"xenbuild.dev/xenbuild/xbuild/cmd/util"
	"xenbuild.dev/xenbuild/xbuild/config"
	"xenbuild.dev/xenbuild/xbuild/flag"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	caps string
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "parse a kernel image and print what the builder learned from it"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return "inspect [flags] <kernel>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.caps, "caps", "", "hypervisor capability string to select guest types against.")
}

// inspection is the output of inspect.
type inspection struct {
	Loader      string    `yaml:"loader"`
	GuestType   string    `yaml:"guest_type"`
	KernelStart uint64    `yaml:"kernel_start"`
	KernelEnd   uint64    `yaml:"kernel_end"`
	Parms       dom.Parms `yaml:"parms"`
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	blog, closer, err := buildlog.Open(conf.BuildLog, buildlog.Options{Debug: conf.Debug})
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer closer.Close()

	in, err := inspectKernel(f.Arg(0), dom.Options{XenCaps: i.caps, BuildLog: blog})
	if err != nil {
		return util.Errorf("inspecting %s: %v", f.Arg(0), err)
	}
	if err := encodeYAML(os.Stdout, in); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func inspectKernel(path string, opts dom.Options) (inspection, error) {
	img := dom.New(builtin.Registry(), opts)
	defer img.Release()
	if err := img.KernelFile(path); err != nil {
		return inspection{}, err
	}
	if err := img.ParseImage(); err != nil {
		return inspection{}, err
	}
	return inspection{
		Loader:      img.Loader().Name(),
		GuestType:   img.GuestType,
		KernelStart: img.KernelRange.VStart,
		KernelEnd:   img.KernelRange.VEnd,
		Parms:       img.Parms,
	}, nil
}
