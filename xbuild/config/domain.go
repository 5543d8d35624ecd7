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

package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"
	"xenbuild.dev/xenbuild/pkg/dom"
)

// Domain describes one domain build. It is usually read from a TOML file:
//
//	name = "guest0"
//	domid = 5
//	kernel = "vmlinux"
//	memory_mb = 256
//	cmdline = "console=hvc0"
type Domain struct {
	Name          string `toml:"name"`
	DomID         uint32 `toml:"domid"`
	Kernel        string `toml:"kernel"`
	Ramdisk       string `toml:"ramdisk"`
	Cmdline       string `toml:"cmdline"`
	Features      string `toml:"features"`
	MemoryMB      uint64 `toml:"memory_mb"`
	Superpages    bool   `toml:"superpages"`
	Flags         uint32 `toml:"flags"`
	ConsoleEvtchn uint32 `toml:"console_evtchn"`
	StoreEvtchn   uint32 `toml:"store_evtchn"`
	PgtableSlack  uint64 `toml:"pgtable_slack"`
	Paused        bool   `toml:"paused"`
	XenCaps       string `toml:"xen_caps"`
}

// LoadDomain reads a domain file. Relative kernel and ramdisk paths are
// resolved against the directory of the file.
func LoadDomain(path string) (*Domain, error) {
	d := &Domain{}
	md, err := toml.DecodeFile(path, d)
	if err != nil {
		return nil, fmt.Errorf("reading domain file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("domain file %q: unknown keys %v", path, undecoded)
	}
	dir := filepath.Dir(path)
	for _, p := range []*string{&d.Kernel, &d.Ramdisk} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return d, nil
}

// Overrides are command line values replacing those of a domain file. Nil
// fields are left alone.
type Overrides struct {
	Kernel       *string
	Ramdisk      *string
	Cmdline      *string
	Features     *string
	MemoryMB     *uint64
	DomID        *uint32
	Superpages   *bool
	Paused       *bool
	PgtableSlack *uint64
}

// WithOverrides returns a copy of d with o applied. d is not modified.
func (d *Domain) WithOverrides(o Overrides) *Domain {
	c := deepcopy.Copy(d).(*Domain)
	if o.Kernel != nil {
		c.Kernel = *o.Kernel
	}
	if o.Ramdisk != nil {
		c.Ramdisk = *o.Ramdisk
	}
	if o.Cmdline != nil {
		c.Cmdline = *o.Cmdline
	}
	if o.Features != nil {
		c.Features = *o.Features
	}
	if o.MemoryMB != nil {
		c.MemoryMB = *o.MemoryMB
	}
	if o.DomID != nil {
		c.DomID = *o.DomID
	}
	if o.Superpages != nil {
		c.Superpages = *o.Superpages
	}
	if o.Paused != nil {
		c.Paused = *o.Paused
	}
	if o.PgtableSlack != nil {
		c.PgtableSlack = *o.PgtableSlack
	}
	return c
}

// Validate checks that d can be built.
func (d *Domain) Validate() error {
	if d.Kernel == "" {
		return errors.New("domain has no kernel")
	}
	if d.MemoryMB == 0 {
		return errors.New("domain has no memory_mb")
	}
	return nil
}

// Label names the domain in logs and lock files.
func (d *Domain) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("dom%d", d.DomID)
}

// Options returns the build options of d.
func (d *Domain) Options(blog logrus.FieldLogger) dom.Options {
	return dom.Options{
		Cmdline:       d.Cmdline,
		Features:      d.Features,
		Flags:         d.Flags,
		ConsoleEvtchn: d.ConsoleEvtchn,
		StoreEvtchn:   d.StoreEvtchn,
		Superpages:    d.Superpages,
		PgtableSlack:  d.PgtableSlack,
		Paused:        d.Paused,
		XenCaps:       d.XenCaps,
		BuildLog:      blog,
	}
}
