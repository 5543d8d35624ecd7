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
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/dom/builtin"
	"xenbuild.dev/xenbuild/xbuild/flag"
)

// List implements subcommands.Command for the "list" command.
type List struct{}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "list the kernel loaders and guest architectures, in probe order"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return "list\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*List) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*List) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	printRegistry(os.Stdout, builtin.Registry())
	return subcommands.ExitSuccess
}

func printRegistry(out io.Writer, r *dom.Registry) {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprint(w, "KIND\tNAME\tPAGE SIZE\n")
	for _, l := range r.Loaders {
		fmt.Fprintf(w, "loader\t%s\t\n", l.Name())
	}
	for _, a := range r.Arches {
		fmt.Fprintf(w, "arch\t%s\t%d\n", a.GuestType(), uint64(1)<<a.PageShift())
	}
	w.Flush()
}
