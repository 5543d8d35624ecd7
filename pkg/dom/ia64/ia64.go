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

// Package ia64 implements the Itanium paravirtualized guest architecture.
//
// Itanium guests run translated: they see pseudo-physical frames and build
// their own page tables, so the builder neither sizes page tables nor
// exposes a p2m. Boot parameters and an EFI memory map are placed next to
// start-info at the top of guest memory.
package ia64

import (
	"fmt"

	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/binary"
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/xenctrl"
)

const (
	pageShift = xen.PageShiftIA64

	// populateChunk bounds the extents of one populate call.
	populateChunk = 1 << 20
)

// startInfoSize is where the boot parameters follow start-info in its page.
var startInfoSize = uint64(binary.Size(xen.StartInfo64{}))

var _ dom.Arch = (*Arch)(nil)

// Arch is the Itanium guest type.
type Arch struct{}

// New returns the Itanium architecture.
func New() *Arch {
	return &Arch{}
}

// GuestType implements dom.Arch.GuestType.
func (*Arch) GuestType() string {
	return xen.GuestIA64
}

// PageShift implements dom.Arch.PageShift.
func (*Arch) PageShift() uint {
	return pageShift
}

// PFNWidth implements dom.Arch.PFNWidth.
func (*Arch) PFNWidth() int {
	return 0
}

// MemInit implements dom.Arch.MemInit.
func (*Arch) MemInit(img *dom.Image) error {
	hyp := img.Hypervisor()
	total := img.TotalPages
	p2m := make([]uint64, total)
	for pfn := range p2m {
		p2m[pfn] = uint64(pfn)
	}
	for i := uint64(0); i < total; {
		n := min(total-i, populateChunk)
		if err := hyp.PopulatePhysmap(img.DomID, 0, p2m[i:i+n]); err != nil {
			return dom.Hypercall("populate_physmap", err)
		}
		i += n
	}
	img.P2MHost = p2m
	return nil
}

// AllocMagicPages implements dom.Arch.AllocMagicPages. The special pages
// live at the top of memory, below them the EFI memory map.
func (*Arch) AllocMagicPages(img *dom.Image) error {
	if img.TotalPages < 4 {
		return fmt.Errorf("%w: %d pages leave no room for boot pages", dom.ErrOutOfMemory, img.TotalPages)
	}
	img.ConsolePFN = img.TotalPages - 1
	img.XenstorePFN = img.TotalPages - 2
	img.StartInfoPFN = img.TotalPages - 3
	img.BuildLog().Debugf("start_info pfn %#x, xenstore %#x, console %#x", img.StartInfoPFN, img.XenstorePFN, img.ConsolePFN)
	return nil
}

func memmapPFN(img *dom.Image) uint64 {
	return img.StartInfoPFN - 1
}

// bootParamAddr is the guest physical address of the boot parameters.
func bootParamAddr(img *dom.Image) uint64 {
	return img.StartInfoPFN<<pageShift + startInfoSize
}

// BootEarly implements dom.Arch.BootEarly. It writes an EFI memory map with
// one conventional range covering all of guest memory, then tells the
// hypervisor where the boot parameters are.
func (*Arch) BootEarly(img *dom.Image) error {
	page, err := img.PFNToBytes(memmapPFN(img), 1)
	if err != nil {
		return err
	}
	clear(page)

	desc := xen.EFIMemoryDesc{
		Type:      xen.EFIConventionalMemory,
		Attribute: xen.EFIMemoryWB,
		NumPages:  img.TotalPages << (pageShift - xen.EFIPageShift),
	}
	descSize := uint64(binary.Size(desc))
	hdr := xen.MemmapInfoIA64{
		EFIMemmapSize:     descSize,
		EFIMemdescSize:    uint32(descSize),
		EFIMemdescVersion: xen.EFIMemdescVersion,
	}
	n, err := binary.MarshalInto(page, binary.LittleEndian, &hdr)
	if err != nil {
		return fmt.Errorf("memmap: %w", err)
	}
	if _, err := binary.MarshalInto(page[n:], binary.LittleEndian, &desc); err != nil {
		return fmt.Errorf("memmap: %w", err)
	}

	req := xenctrl.ArchSetupIA64{
		BootParamAddr: bootParamAddr(img),
		MaxMem:        img.TotalPages << pageShift,
	}
	img.BuildLog().Debugf("arch setup: boot params %#x, max mem %#x", req.BootParamAddr, req.MaxMem)
	if err := img.Hypervisor().ArchSetupIA64(img.DomID, req); err != nil {
		return dom.Hypercall("arch_setup", err)
	}
	return nil
}

// StartInfo implements dom.Arch.StartInfo. The boot parameters follow
// start-info in the same page.
func (*Arch) StartInfo(img *dom.Image) error {
	page, err := img.PFNToBytes(img.StartInfoPFN, 1)
	if err != nil {
		return err
	}
	clear(page)

	opts := img.Options()
	si := xen.StartInfo64{
		NrPages:       img.TotalPages,
		Flags:         opts.Flags,
		StoreMFN:      img.XenstorePFN,
		StoreEvtchn:   opts.StoreEvtchn,
		ConsoleMFN:    img.ConsolePFN,
		ConsoleEvtchn: opts.ConsoleEvtchn,
	}
	xen.PutString(si.Magic[:], xen.GuestIA64)
	xen.PutString(si.CmdLine[:], opts.Cmdline)

	bp := xen.BootParamIA64{
		CommandLine: img.StartInfoPFN<<pageShift + xen.StartInfo64CmdLineOffset,
	}
	if seg := img.RamdiskSeg; seg.Allocated() {
		si.ModStart = seg.VStart
		si.ModLen = seg.VEnd - seg.VStart
		bp.InitrdStart = si.ModStart
		bp.InitrdSize = si.ModLen
	}

	n, err := binary.MarshalInto(page, binary.LittleEndian, &si)
	if err != nil {
		return fmt.Errorf("start_info: %w", err)
	}
	if _, err := binary.MarshalInto(page[n:], binary.LittleEndian, &bp); err != nil {
		return fmt.Errorf("boot params: %w", err)
	}
	return nil
}

// SharedInfo implements dom.Arch.SharedInfo.
func (*Arch) SharedInfo(img *dom.Image, page []byte) error {
	if len(page) < xen.ArchSharedInfoOffsetIA64+int(binary.Size(xen.ArchSharedInfoIA64{})) {
		return fmt.Errorf("%w: shared_info mapping of %d bytes", dom.ErrOutOfRange, len(page))
	}
	clear(page)
	for i := 0; i < xen.LegacyMaxVCPUs; i++ {
		page[i*xen.VCPUInfoSizeIA64+xen.VCPUInfoUpcallMask] = 1
	}
	arch := xen.ArchSharedInfoIA64{
		StartInfoPFN:       img.StartInfoPFN,
		MemmapInfoNumPages: 1,
		MemmapInfoPFN:      memmapPFN(img),
	}
	_, err := binary.MarshalInto(page[xen.ArchSharedInfoOffsetIA64:], binary.LittleEndian, &arch)
	return err
}

// BootLate implements dom.Arch.BootLate.
func (a *Arch) BootLate(img *dom.Image) error {
	hyp := img.Hypervisor()
	page, err := hyp.MapForeign(img.DomID, []uint64{img.SharedInfoMFN}, pageShift)
	if err != nil {
		return dom.Hypercall("map_foreign_range(shared_info)", err)
	}
	serr := a.SharedInfo(img, page)
	if err := hyp.Unmap(page); err != nil && serr == nil {
		serr = dom.Hypercall("munmap(shared_info)", err)
	}
	return serr
}

// VCPU implements dom.Arch.VCPU. The kernel finds its boot parameters
// through r28.
func (*Arch) VCPU(img *dom.Image) (xen.VCPUContext, error) {
	return &xen.VCPUContextIA64{
		Guest: xen.GuestIA64,
		Flags: xen.VGCFOnline,
		PSR:   xen.IA64PSRAC | xen.IA64PSRIC | xen.IA64PSRBN,
		IP:    img.Parms.VirtEntry,
		CFM:   1 << 63,
		R28:   bootParamAddr(img),
	}, nil
}
