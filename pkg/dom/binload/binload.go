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

// Package binload loads flat kernels described by an embedded image table,
// in the style of a multiboot header.
package binload

import (
	"errors"
	"fmt"

	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/binary"
	"xenbuild.dev/xenbuild/pkg/dom"
)

// Name is the name of the loader.
const Name = "multiboot-binary"

// Magic starts an image table.
const Magic = 0x336ec578

// Image table flags.
const (
	FlagAlign4K     = 0x00000001
	FlagNeedMemInfo = 0x00000002
	FlagNeedVidInfo = 0x00000004
	FlagAddrsValid  = 0x00010000
	FlagPAEShift    = 14
	FlagPAEMask     = 3 << FlagPAEShift

	flagsMask     = ^uint32(FlagAlign4K | FlagPAEMask)
	flagsRequired = FlagAddrsValid
)

// ScanLimit bounds how far into the kernel the table is looked for.
const ScanLimit = 8192

// Table is the image table.
type Table struct {
	Magic      uint32
	Flags      uint32
	Checksum   uint32
	HeaderAddr uint32
	LoadAddr   uint32
	LoadEnd    uint32
	BSSEnd     uint32
	Entry      uint32
}

// TableSize is the encoded size of Table.
const TableSize = 32

var errNoTable = errors.New("no image table with a valid checksum")

// FindTable returns the first table with a valid checksum and its offset.
func FindTable(b []byte) (Table, int, error) {
	end := min(len(b)-TableSize, ScanLimit)
	for off := 0; off < end; off += 4 {
		if binary.LittleEndian.Uint32(b[off:]) != Magic {
			continue
		}
		var t Table
		binary.Unmarshal(b[off:off+TableSize], binary.LittleEndian, &t)
		if t.Magic+t.Flags+t.Checksum == 0 {
			return t, off, nil
		}
	}
	return Table{}, 0, errNoTable
}

// addrs are the addresses derived from a table.
type addrs struct {
	start   uint32
	loadEnd uint32
	bssEnd  uint32
}

func calc(t Table, off int, size int) addrs {
	a := addrs{start: t.HeaderAddr - uint32(off)}
	a.loadEnd = t.LoadEnd
	if a.loadEnd == 0 {
		a.loadEnd = a.start + uint32(size)
	}
	a.bssEnd = t.BSSEnd
	if a.bssEnd == 0 {
		a.bssEnd = a.loadEnd
	}
	return a
}

// Loader is the dom.Loader for flat binaries.
type Loader struct{}

// Name implements dom.Loader.Name.
func (Loader) Name() string {
	return Name
}

// Probe implements dom.Loader.Probe.
func (Loader) Probe(img *dom.Image) error {
	b, err := img.KernelPayload()
	if err != nil {
		return err
	}
	_, _, err = FindTable(b)
	return err
}

// Parse implements dom.Loader.Parse.
func (Loader) Parse(img *dom.Image) error {
	b, err := img.KernelPayload()
	if err != nil {
		return err
	}
	t, off, err := FindTable(b)
	if err != nil {
		return fmt.Errorf("%w: %v", dom.ErrInvalidKernelImage, err)
	}
	blog := img.BuildLog()
	blog.Debugf("image table at %#x: flags %#x header_addr %#x load_addr %#x load_end_addr %#x bss_end_addr %#x entry_addr %#x",
		off, t.Flags, t.HeaderAddr, t.LoadAddr, t.LoadEnd, t.BSSEnd, t.Entry)

	if t.Flags&flagsMask != flagsRequired {
		return fmt.Errorf("%w: image table flags required %#08x found %#08x", dom.ErrInvalidKernelImage, flagsRequired, t.Flags&flagsMask)
	}
	if t.HeaderAddr < t.LoadAddr || uint32(off) < t.HeaderAddr-t.LoadAddr {
		return fmt.Errorf("%w: invalid header_addr %#x", dom.ErrInvalidKernelImage, t.HeaderAddr)
	}
	a := calc(t, off, len(b))
	blog.Debugf("start_addr %#x load_end_addr %#x bss_end_addr %#x", a.start, a.loadEnd, a.bssEnd)
	if a.start+uint32(len(b)) < a.loadEnd {
		return fmt.Errorf("%w: invalid load_end_addr %#x", dom.ErrInvalidKernelImage, a.loadEnd)
	}
	if a.bssEnd < a.loadEnd {
		return fmt.Errorf("%w: invalid bss_end_addr %#x", dom.ErrInvalidKernelImage, a.bssEnd)
	}
	if a.loadEnd < t.LoadAddr {
		return fmt.Errorf("%w: load_end_addr %#x below load_addr %#x", dom.ErrInvalidKernelImage, a.loadEnd, t.LoadAddr)
	}

	p := dom.NewParms()
	p.VirtBase = uint64(a.start)
	p.VirtEntry = uint64(t.Entry)
	p.VirtKStart = uint64(t.LoadAddr)
	p.VirtKEnd = uint64(a.bssEnd)
	img.Parms = p
	img.KernelRange = dom.PendingSegment{VStart: uint64(t.LoadAddr), VEnd: uint64(a.bssEnd)}

	switch (t.Flags & FlagPAEMask) >> FlagPAEShift {
	case 0:
		img.GuestType = xen.GuestX86_32
	case 1:
		img.GuestType = xen.GuestX86_32PAE
	case 2:
		img.GuestType = xen.GuestX86_64
	case 3:
		// The kernel detects PAE at runtime, so offer it when the
		// hypervisor can run it.
		img.GuestType = xen.GuestX86_32
		if xen.HasCapability(img.Caps(), xen.GuestX86_32PAE) {
			blog.Debugf("PAE fixup")
			img.GuestType = xen.GuestX86_32PAE
			img.Parms.PAE = xen.PAEExtCR3
		}
	}
	img.LoaderState = t
	return nil
}

// Load implements dom.Loader.Load.
func (Loader) Load(img *dom.Image) error {
	b, err := img.KernelPayload()
	if err != nil {
		return err
	}
	t, off, err := FindTable(b)
	if err != nil {
		return fmt.Errorf("%w: %v", dom.ErrInvalidKernelImage, err)
	}
	a := calc(t, off, len(b))
	skip := uint64(t.LoadAddr - a.start)
	text := uint64(a.loadEnd - t.LoadAddr)
	bss := uint64(a.bssEnd - a.loadEnd)
	img.BuildLog().Debugf("skip %#x text_size %#x bss_size %#x", skip, text, bss)
	if skip+text > uint64(len(b)) {
		return fmt.Errorf("%w: text %#x+%#x beyond kernel of %#x bytes", dom.ErrInvalidKernelImage, skip, text, len(b))
	}

	dst, err := img.SegBytes(img.KernelSeg)
	if err != nil {
		return err
	}
	if text+bss > uint64(len(dst)) {
		return fmt.Errorf("%w: kernel of %#x bytes overruns its segment", dom.ErrOutOfRange, text+bss)
	}
	copy(dst, b[skip:skip+text])
	clear(dst[text : text+bss])
	return nil
}
