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
	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/dom/x86"
	"xenbuild.dev/xenbuild/xbuild/cmd/util"
	"xenbuild.dev/xenbuild/xbuild/flag"
)

// Pgtables implements subcommands.Command for the "pgtables" command.
type Pgtables struct {
	guestType string
	virtBase  hexFlag
	end       hexFlag
	extra     uint64
}

// Name implements subcommands.Command.Name.
func (*Pgtables) Name() string {
	return "pgtables"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Pgtables) Synopsis() string {
	return "compute the initial page table count of an x86 guest"
}

// Usage implements subcommands.Command.Usage.
func (*Pgtables) Usage() string {
	return "pgtables --guest-type=<type> --virt-base=<addr> --end=<addr> [--extra=<pages>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Pgtables) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.guestType, "guest-type", xen.GuestX86_64, "guest type.")
	f.Var(&p.virtBase, "virt-base", "virtual base address of the kernel.")
	f.Var(&p.end, "end", "end of the virtual allocations the tables must map.")
	f.Uint64Var(&p.extra, "extra", dom.DefaultPgtableSlack, "spare pages to map beyond the tables themselves.")
}

type pgtableCount struct {
	GuestType    string              `yaml:"guest_type"`
	PageTables   dom.PageTableCounts `yaml:"page_tables"`
	VirtPgtabEnd uint64              `yaml:"virt_pgtab_end"`
}

// Execute implements subcommands.Command.Execute.
func (p *Pgtables) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pg, end, err := x86.Count(p.guestType, uint64(p.virtBase), uint64(p.end), p.extra)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := encodeYAML(os.Stdout, pgtableCount{GuestType: p.guestType, PageTables: pg, VirtPgtabEnd: end}); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
