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

// Package x86 implements the 32-bit, PAE and 64-bit x86 paravirtualized
// guest architectures.
package x86

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/log"
)

const (
	pageShift = xen.PageShiftX86
	pageSize  = 1 << pageShift

	superpageShift = 9
	superpagePages = 1 << superpageShift

	// populateChunk bounds the extents of one populate call.
	populateChunk = 1 << 20
)

// progress reports long populate and grant loops to the process log.
var progress = log.BasicRateLimitedLogger(time.Second)

var (
	_ dom.Arch             = (*Arch)(nil)
	_ dom.PageTableBuilder = (*Arch)(nil)
)

// Arch is one x86 guest type.
type Arch struct {
	guestType string
	pfnWidth  int
	mode      *pagingMode
	is64      bool

	// addrBits is the address size set at memory init, or zero.
	addrBits int

	// pinType is the MMUEXT pin of the top level page table.
	pinType int
}

// New32 returns the arch for 32-bit non-PAE guests.
func New32() *Arch {
	return &Arch{
		guestType: xen.GuestX86_32,
		pfnWidth:  4,
		mode:      &modeI386,
		pinType:   xen.MMUExtPinL2Table,
	}
}

// New32PAE returns the arch for 32-bit PAE guests.
func New32PAE() *Arch {
	return &Arch{
		guestType: xen.GuestX86_32PAE,
		pfnWidth:  4,
		mode:      &modePAE,
		addrBits:  32,
		pinType:   xen.MMUExtPinL3Table,
	}
}

// New64 returns the arch for 64-bit guests.
func New64() *Arch {
	return &Arch{
		guestType: xen.GuestX86_64,
		pfnWidth:  8,
		mode:      &modeX86_64,
		is64:      true,
		addrBits:  64,
		pinType:   xen.MMUExtPinL4Table,
	}
}

// GuestType implements dom.Arch.GuestType.
func (a *Arch) GuestType() string {
	return a.guestType
}

// PageShift implements dom.Arch.PageShift.
func (a *Arch) PageShift() uint {
	return pageShift
}

// PFNWidth implements dom.Arch.PFNWidth.
func (a *Arch) PFNWidth() int {
	return a.pfnWidth
}

// MemInit implements dom.Arch.MemInit.
func (a *Arch) MemInit(img *dom.Image) error {
	hyp, domid := img.Hypervisor(), img.DomID
	blog := img.BuildLog()
	if a.addrBits != 0 {
		blog.Debugf("guest %s, address size %d", a.guestType, a.addrBits)
		if err := hyp.SetAddressSize(domid, a.addrBits); err != nil {
			return dom.Hypercall("set_address_size", err)
		}
	}
	if img.Translated() {
		if err := hyp.EnableShadowTranslate(domid); err != nil {
			return dom.Hypercall("shadow_op_enable", err)
		}
		img.ShadowEnabled = true
		blog.Debugf("shadow translate enabled")
	}

	total := img.TotalPages
	p2m := make([]uint64, total)
	for pfn := range p2m {
		p2m[pfn] = uint64(pfn)
	}
	done := uint64(0)
	if img.Options().Superpages {
		count := total >> superpageShift
		blog.Infof("populating memory with %d superpages", count)
		extents := make([]uint64, count)
		for i := range extents {
			extents[i] = uint64(i) << superpageShift
		}
		if count > 0 {
			if err := hyp.PopulatePhysmap(domid, superpageShift, extents); err != nil {
				return dom.Hypercall("populate_physmap", err)
			}
		}
		for i, mfn := range extents {
			for j := uint64(0); j < superpagePages; j++ {
				p2m[uint64(i)<<superpageShift+j] = mfn + j
			}
		}
		done = count << superpageShift
	}
	// Whatever superpages did not cover is populated a page at a time, in
	// place.
	for i := done; i < total; {
		n := min(total-i, populateChunk)
		progress.Debugf("dom%d: populating pfn %#x+%#x of %#x", domid, i, n, total)
		if err := hyp.PopulatePhysmap(domid, 0, p2m[i:i+n]); err != nil {
			return dom.Hypercall("populate_physmap", err)
		}
		i += n
	}
	img.P2MHost = p2m
	return nil
}

// AllocMagicPages implements dom.Arch.AllocMagicPages.
func (a *Arch) AllocMagicPages(img *dom.Image) error {
	var err error
	if img.P2MSeg, err = img.AllocSegment("phys2mach", 0, img.TotalPages*uint64(a.pfnWidth)); err != nil {
		return err
	}
	if img.StartInfoPFN, err = img.AllocPage("start info"); err != nil {
		return err
	}
	if img.XenstorePFN, err = img.AllocPage("xenstore"); err != nil {
		return err
	}
	if img.ConsolePFN, err = img.AllocPage("console"); err != nil {
		return err
	}
	if img.Translated() {
		if img.SharedInfoPFN, err = img.AllocPage("shared info"); err != nil {
			return err
		}
	}
	img.AllocBootstack = true
	return nil
}

// BootEarly implements dom.Arch.BootEarly.
func (a *Arch) BootEarly(img *dom.Image) error {
	return nil
}

// BootLate implements dom.Arch.BootLate. It pins the page tables, or for
// translated guests places shared info and the grant table in the physmap,
// and then fills shared info.
func (a *Arch) BootLate(img *dom.Image) error {
	hyp, domid := img.Hypervisor(), img.DomID
	blog := img.BuildLog()
	var shinfo uint64
	if !img.Translated() {
		pfn := img.PgtablesSeg.PFN
		if err := img.UnmapOne(pfn); err != nil {
			return err
		}
		if err := hyp.PinTable(domid, a.pinType, img.HostFrame(pfn)); err != nil {
			return dom.Hypercall(fmt.Sprintf("pin_table(pfn %#x)", pfn), err)
		}
		shinfo = img.SharedInfoMFN
	} else {
		if err := hyp.AddToPhysmap(domid, xen.MapSpaceSharedInfo, 0, img.SharedInfoPFN); err != nil {
			return dom.Hypercall(fmt.Sprintf("add_to_physmap(shared_info, pfn %#x)", img.SharedInfoPFN), err)
		}
		for i := uint64(0); ; i++ {
			gpfn := img.TotalPages + i
			err := hyp.AddToPhysmap(domid, xen.MapSpaceGrantTable, i, gpfn)
			if err == nil {
				progress.Debugf("dom%d: grant frame %d at pfn %#x", domid, i, gpfn)
				continue
			}
			if i > 0 && errors.Is(err, unix.EINVAL) {
				blog.Debugf("%d grant tables mapped", i)
				break
			}
			return dom.Hypercall(fmt.Sprintf("add_to_physmap(grant_table, pfn %#x)", gpfn), err)
		}
		shinfo = img.SharedInfoPFN
	}

	blog.Debugf("shared_info: pfn %#x, mfn %#x", img.SharedInfoPFN, img.SharedInfoMFN)
	page, err := hyp.MapForeign(domid, []uint64{shinfo}, pageShift)
	if err != nil {
		return dom.Hypercall("map_foreign_range(shared_info)", err)
	}
	serr := a.SharedInfo(img, page)
	if err := hyp.Unmap(page); err != nil && serr == nil {
		serr = dom.Hypercall("munmap(shared_info)", err)
	}
	return serr
}
