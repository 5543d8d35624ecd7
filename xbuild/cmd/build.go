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
	"math"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/buildlog"
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/dom/builtin"
	"xenbuild.dev/xenbuild/pkg/log"
	"xenbuild.dev/xenbuild/pkg/xenctrl"
	"xenbuild.dev/xenbuild/xbuild/cmd/util"
	"xenbuild.dev/xenbuild/xbuild/config"
	"xenbuild.dev/xenbuild/xbuild/flag"
)

// Build implements subcommands.Command for the "build" command.
type Build struct {
	kernel       string
	ramdisk      string
	cmdline      string
	features     string
	memoryMB     uint64
	domID        uint64
	superpages   bool
	paused       bool
	pgtableSlack uint64

	simulate    bool
	simCaps     string
	simFirstMFN hexFlag

	report      string
	lockTimeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Build) Name() string {
	return "build"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Build) Synopsis() string {
	return "build a paravirtualized domain from a kernel image"
}

// Usage implements subcommands.Command.Usage.
func (*Build) Usage() string {
	return `build [flags] [<domain file>] - build a domain.

The domain is described by an optional TOML domain file; flags override its
values. Without --simulate the image is built in builder memory only and no
hypervisor is involved.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Build) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.kernel, "kernel", "", "path to the kernel image.")
	f.StringVar(&b.ramdisk, "ramdisk", "", "path to the initial ramdisk, possibly compressed.")
	f.StringVar(&b.cmdline, "cmdline", "", "kernel command line.")
	f.StringVar(&b.features, "features", "", `'|' separated list of features to request, e.g. "writable_page_tables|pae_pgdir_above_4gb".`)
	f.Uint64Var(&b.memoryMB, "memory", 0, "guest memory in MiB.")
	f.Uint64Var(&b.domID, "domid", 0, "domain ID to build into.")
	f.BoolVar(&b.superpages, "superpages", false, "populate guest memory in 2MiB extents.")
	f.BoolVar(&b.paused, "paused", false, "leave the domain paused after boot.")
	f.Uint64Var(&b.pgtableSlack, "pgtable-slack", dom.DefaultPgtableSlack, "spare pages added when sizing the initial page tables.")
	f.BoolVar(&b.simulate, "simulate", false, "build against an in-process simulated hypervisor.")
	f.StringVar(&b.simCaps, "sim-caps", "", "capability string of the simulated hypervisor. Defaults to the domain's xen_caps or every x86 guest type.")
	f.Var(&b.simFirstMFN, "sim-first-mfn", "first machine frame handed out by the simulated hypervisor.")
	f.StringVar(&b.report, "report", "", `write the build layout as YAML to this path, "-" for stdout.`)
	f.DurationVar(&b.lockTimeout, "lock-timeout", 10*time.Second, "how long to wait for another build of the same domain.")
}

// overrides returns the flags that were set explicitly.
func (b *Build) overrides(f *flag.FlagSet) (config.Overrides, error) {
	var (
		o   config.Overrides
		err error
	)
	f.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "kernel":
			o.Kernel = &b.kernel
		case "ramdisk":
			o.Ramdisk = &b.ramdisk
		case "cmdline":
			o.Cmdline = &b.cmdline
		case "features":
			o.Features = &b.features
		case "memory":
			o.MemoryMB = &b.memoryMB
		case "domid":
			if b.domID > math.MaxUint32 {
				err = fmt.Errorf("invalid --domid %d", b.domID)
				return
			}
			id := uint32(b.domID)
			o.DomID = &id
		case "superpages":
			o.Superpages = &b.superpages
		case "paused":
			o.Paused = &b.paused
		case "pgtable-slack":
			o.PgtableSlack = &b.pgtableSlack
		}
	})
	return o, err
}

// domain assembles the domain to build from the optional domain file and
// the flags.
func (b *Build) domain(f *flag.FlagSet) (*config.Domain, error) {
	d := &config.Domain{PgtableSlack: dom.DefaultPgtableSlack}
	if f.NArg() == 1 {
		var err error
		if d, err = config.LoadDomain(f.Arg(0)); err != nil {
			return nil, err
		}
	}
	o, err := b.overrides(f)
	if err != nil {
		return nil, err
	}
	d = d.WithOverrides(o)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Execute implements subcommands.Command.Execute.
func (b *Build) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	d, err := b.domain(f)
	if err != nil {
		return util.Errorf("%v", err)
	}
	blog, closer, err := buildlog.Open(conf.BuildLog, buildlog.Options{Debug: conf.Debug, JSON: conf.LogFormat != "text"})
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer closer.Close()

	unlock, err := lockDomain(ctx, conf.RootDir, d.Label(), b.lockTimeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer unlock()

	var sim *xenctrl.SimOptions
	if b.simulate {
		sim = &xenctrl.SimOptions{Caps: b.simCaps, FirstMFN: uint64(b.simFirstMFN)}
	}
	layout, err := runBuild(ctx, d, sim, blog.WithField("domain", d.Label()))
	if err != nil {
		return util.Errorf("building %s: %v", d.Label(), err)
	}
	log.Infof("Built %s: %s %s, %d pages, state %s", d.Label(), layout.Loader, layout.GuestType, layout.TotalPages, layout.State)

	if b.report != "" {
		if err := writeReport(b.report, layout); err != nil {
			return util.Errorf("writing report: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// runBuild builds d. A nil sim builds offline, otherwise the domain is built
// on a simulated hypervisor configured by sim. The returned layout is valid
// even when the build failed part way.
func runBuild(ctx context.Context, d *config.Domain, sim *xenctrl.SimOptions, blog logrus.FieldLogger) (dom.Layout, error) {
	var hyp xenctrl.Hypervisor
	if sim != nil {
		opts := *sim
		opts.DomID = d.DomID
		if opts.Caps == "" {
			opts.Caps = d.XenCaps
		}
		if opts.PageShift == 0 && xen.HasCapability(opts.Caps, xen.GuestIA64) {
			opts.PageShift = xen.PageShiftIA64
		}
		s, err := xenctrl.NewSim(opts)
		if err != nil {
			return dom.Layout{}, err
		}
		defer s.Close()
		hyp = xenctrl.Logged(s)
	}

	img := dom.New(builtin.Registry(), d.Options(blog))
	defer func() {
		if err := img.Release(); err != nil {
			log.Warningf("Releasing build of %s: %v", d.Label(), err)
		}
	}()
	if err := img.KernelFile(d.Kernel); err != nil {
		return img.Layout(), err
	}
	if d.Ramdisk != "" {
		if err := img.RamdiskFile(d.Ramdisk); err != nil {
			return img.Layout(), err
		}
	}

	if hyp == nil {
		err := img.BuildOffline(d.MemoryMB)
		return img.Layout(), err
	}
	if err := img.Attach(hyp, d.DomID); err != nil {
		return img.Layout(), err
	}
	err := img.Build(ctx, d.MemoryMB)
	return img.Layout(), err
}
