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

package dom

import (
	"fmt"
	"strings"

	"xenbuild.dev/xenbuild/pkg/abi/xen"
)

// Loader handles one kernel image format.
type Loader interface {
	// Name identifies the format in logs.
	Name() string

	// Probe reports, without side effects on the build, whether the kernel
	// is in this format. A non-nil error only means "not mine".
	Probe(img *Image) error

	// Parse fills img.Parms, img.GuestType and img.KernelRange.
	Parse(img *Image) error

	// Load copies the kernel into img.KernelSeg.
	Load(img *Image) error
}

// Arch is the policy of one guest architecture.
type Arch interface {
	// GuestType is the guest type string this Arch serves.
	GuestType() string

	// PageShift is the guest page shift.
	PageShift() uint

	// PFNWidth is the size in bytes of an entry of the guest visible p2m,
	// or zero if the guest has none.
	PFNWidth() int

	// MemInit populates guest memory through the hypervisor and fills
	// img.P2MHost. It is only called for live builds.
	MemInit(img *Image) error

	// AllocMagicPages allocates the p2m segment and the single pages the
	// guest expects, and may set img.AllocBootstack.
	AllocMagicPages(img *Image) error

	// BootEarly runs first in BootImage.
	BootEarly(img *Image) error

	// StartInfo writes the start-info page.
	StartInfo(img *Image) error

	// SharedInfo fills a mapped shared-info page.
	SharedInfo(img *Image, page []byte) error

	// BootLate runs after the boot records are written and before the vcpu
	// context is built.
	BootLate(img *Image) error

	// VCPU returns the initial state of vcpu 0.
	VCPU(img *Image) (xen.VCPUContext, error)
}

// PageTableBuilder is implemented by architectures whose guests start with
// builder-made page tables.
type PageTableBuilder interface {
	// CountPgtables sets img.Pg and img.VirtPgtabEnd for the range from
	// virt_base to the cursor, including the page tables themselves.
	CountPgtables(img *Image) error

	// SetupPgtables fills img.PgtablesSeg.
	SetupPgtables(img *Image) error
}

// Registry holds the loaders and architectures, in priority order.
type Registry struct {
	Loaders []Loader
	Arches  []Arch
}

// FindLoader returns the first loader whose Probe accepts the kernel.
func (r *Registry) FindLoader(img *Image) (Loader, error) {
	var tried []string
	for _, l := range r.Loaders {
		if err := l.Probe(img); err != nil {
			img.blog.Debugf("loader %s: %v", l.Name(), err)
			tried = append(tried, l.Name())
			continue
		}
		img.blog.Infof("loader %s selected", l.Name())
		return l, nil
	}
	return nil, fmt.Errorf("%w: tried %s", ErrFormatNotRecognized, strings.Join(tried, ", "))
}

// FindArch returns the architecture serving guestType.
func (r *Registry) FindArch(guestType string) (Arch, error) {
	for _, a := range r.Arches {
		if a.GuestType() == guestType {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedGuestType, guestType)
}
