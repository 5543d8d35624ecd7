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

// Package elfload loads ELF kernels that carry Xen guest metadata.
package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/dom"
)

// Name is the name of the loader.
const Name = "ELF-generic"

var errNotELF = errors.New("kernel is not an ELF image")

// header holds the ELF header fields that debug/elf does not export.
type header struct {
	phoff     uint64
	shoff     uint64
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

// Kernel is an ELF image opened for loading.
type Kernel struct {
	raw   []byte
	f     *elf.File
	order binary.ByteOrder
	hdr   header

	// pstart and pend bound the loadable segments by physical address.
	pstart uint64
	pend   uint64

	// symStart is the virtual address of the BSD symbol table copy, or
	// zero.
	symStart uint64
}

// Open validates b as an ELF image with a section name string table.
func Open(b []byte) (*Kernel, error) {
	if len(b) < elf.EI_NIDENT || string(b[:4]) != elf.ELFMAG {
		return nil, errNotELF
	}
	f, err := elf.NewFile(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("corrupted ELF image: %w", err)
	}
	k := &Kernel{raw: b, f: f, order: f.ByteOrder}
	if err := k.readHeader(); err != nil {
		return nil, err
	}
	if k.hdr.phoff+uint64(k.hdr.phentsize)*uint64(k.hdr.phnum) > uint64(len(b)) {
		return nil, fmt.Errorf("phdr overflow (off %#x > size %#x)", k.hdr.phoff, len(b))
	}
	if k.hdr.shoff+uint64(k.hdr.shentsize)*uint64(k.hdr.shnum) > uint64(len(b)) {
		return nil, fmt.Errorf("shdr overflow (off %#x > size %#x)", k.hdr.shoff, len(b))
	}
	idx := int(k.hdr.shstrndx)
	if idx == int(elf.SHN_UNDEF) || idx >= len(f.Sections) || f.Sections[idx].Type != elf.SHT_STRTAB {
		return nil, errors.New("ELF image has no shstrtab")
	}
	return k, nil
}

func (k *Kernel) is64() bool {
	return k.f.Class == elf.ELFCLASS64
}

func (k *Kernel) readHeader() error {
	b, o := k.raw, k.order
	switch k.f.Class {
	case elf.ELFCLASS64:
		if len(b) < ehdrSize64 {
			return errors.New("truncated ELF header")
		}
		k.hdr = header{
			phoff:     o.Uint64(b[0x20:]),
			shoff:     o.Uint64(b[0x28:]),
			ehsize:    o.Uint16(b[0x34:]),
			phentsize: o.Uint16(b[0x36:]),
			phnum:     o.Uint16(b[0x38:]),
			shentsize: o.Uint16(b[0x3a:]),
			shnum:     o.Uint16(b[0x3c:]),
			shstrndx:  o.Uint16(b[0x3e:]),
		}
	case elf.ELFCLASS32:
		if len(b) < ehdrSize32 {
			return errors.New("truncated ELF header")
		}
		k.hdr = header{
			phoff:     uint64(o.Uint32(b[0x1c:])),
			shoff:     uint64(o.Uint32(b[0x20:])),
			ehsize:    o.Uint16(b[0x28:]),
			phentsize: o.Uint16(b[0x2a:]),
			phnum:     o.Uint16(b[0x2c:]),
			shentsize: o.Uint16(b[0x2e:]),
			shnum:     o.Uint16(b[0x30:]),
			shstrndx:  o.Uint16(b[0x32:]),
		}
	default:
		return fmt.Errorf("unknown ELF class %v", k.f.Class)
	}
	return nil
}

// loadable returns the segments that are copied into the guest.
func (k *Kernel) loadable() []*elf.Prog {
	var progs []*elf.Prog
	for _, p := range k.f.Progs {
		if p.Type == elf.PT_LOAD && p.Flags&(elf.PF_W|elf.PF_X) != 0 {
			progs = append(progs, p)
		}
	}
	return progs
}

// fileRange returns the image bytes [off, off+size).
func (k *Kernel) fileRange(off, size uint64) ([]byte, error) {
	if off > uint64(len(k.raw)) || size > uint64(len(k.raw))-off {
		return nil, fmt.Errorf("range %#x+%#x beyond image of %#x bytes", off, size, len(k.raw))
	}
	return k.raw[off : off+size], nil
}

// Parse fills the build's kernel metadata.
func (k *Kernel) Parse(img *dom.Image) error {
	blog := img.BuildLog()

	k.pstart, k.pend = ^uint64(0), 0
	for _, p := range k.loadable() {
		if p.Filesz > p.Memsz {
			return fmt.Errorf("%w: segment at paddr %#x has filesz %#x > memsz %#x", dom.ErrInvalidKernelImage, p.Paddr, p.Filesz, p.Memsz)
		}
		if p.Paddr+p.Memsz < p.Paddr {
			return fmt.Errorf("%w: segment at paddr %#x with memsz %#x wraps the address space", dom.ErrInvalidKernelImage, p.Paddr, p.Memsz)
		}
		if _, err := k.fileRange(p.Off, p.Filesz); err != nil {
			return fmt.Errorf("%w: segment at paddr %#x: %v", dom.ErrInvalidKernelImage, p.Paddr, err)
		}
		blog.Debugf("phdr: paddr=%#x memsz=%#x", p.Paddr, p.Memsz)
		k.pstart = min(k.pstart, p.Paddr)
		k.pend = max(k.pend, p.Paddr+p.Memsz)
	}
	if k.pend == 0 {
		return fmt.Errorf("%w: no loadable segments", dom.ErrInvalidKernelImage)
	}

	p := dom.NewParms()
	src, err := k.parseXen(img, &p)
	if err != nil {
		return fmt.Errorf("%w: %v", dom.ErrInvalidKernelImage, err)
	}
	if err := k.checkNotes(&p, src); err != nil {
		return fmt.Errorf("%w: %v", dom.ErrInvalidKernelImage, err)
	}
	if err := k.calcAddresses(img, &p, src); err != nil {
		return fmt.Errorf("%w: %v", dom.ErrInvalidKernelImage, err)
	}

	img.Parms = p
	img.KernelRange = dom.PendingSegment{VStart: p.VirtKStart, VEnd: p.VirtKEnd}
	k.symStart = 0
	if p.BSDSymtab {
		if err := k.parseSymtab(img); err != nil {
			return fmt.Errorf("%w: bsd symtab: %v", dom.ErrInvalidKernelImage, err)
		}
	}
	img.GuestType = k.guestType(p.PAE, img.Caps())
	blog.Infof("%s: %s: %#x -> %#x", Name, img.GuestType, img.KernelRange.VStart, img.KernelRange.VEnd)
	return nil
}

func (k *Kernel) calcAddresses(img *dom.Image, p *dom.Parms, src metaSource) error {
	if p.PaddrOffset != dom.Unset && p.VirtBase == dom.Unset {
		return errors.New("ELF_PADDR_OFFSET set, VIRT_BASE unset")
	}
	if p.VirtBase == dom.Unset {
		p.VirtBase = 0
	}
	if p.PaddrOffset == dom.Unset {
		if src == fromNotes {
			p.PaddrOffset = 0
		} else {
			p.PaddrOffset = p.VirtBase
		}
	}
	if src == fromGuestInfo && p.VirtHypercall != dom.Unset {
		// The legacy section gives a page index relative to VIRT_BASE.
		p.VirtHypercall = p.VirtHypercall<<xen.PageShiftX86 + p.VirtBase
	}

	offset := p.VirtBase - p.PaddrOffset
	p.VirtKStart = k.pstart + offset
	p.VirtKEnd = k.pend + offset
	if p.VirtEntry == dom.Unset {
		p.VirtEntry = k.f.Entry
	}
	img.BuildLog().Debugf("addresses: virt_base %#x paddr_offset %#x virt_offset %#x kstart %#x kend %#x entry %#x",
		p.VirtBase, p.PaddrOffset, offset, p.VirtKStart, p.VirtKEnd, p.VirtEntry)

	if p.VirtKStart > p.VirtKEnd || p.VirtEntry < p.VirtKStart || p.VirtEntry > p.VirtKEnd || p.VirtBase > p.VirtKStart {
		return errors.New("ELF start or entries are out of bounds")
	}
	if p.P2MBase != dom.Unset && p.P2MBase >= p.VirtKStart && p.P2MBase < p.VirtKEnd {
		return errors.New("P->M table base is out of bounds")
	}
	return nil
}

func (k *Kernel) guestType(pae int, caps string) string {
	switch k.f.Machine {
	case elf.EM_386:
		switch pae {
		case xen.PAEBimodal:
			if xen.HasCapability(caps, xen.GuestX86_32PAE) {
				return xen.GuestX86_32PAE
			}
			return xen.GuestX86_32
		case xen.PAEYes, xen.PAEExtCR3:
			return xen.GuestX86_32PAE
		default:
			return xen.GuestX86_32
		}
	case elf.EM_X86_64:
		return xen.GuestX86_64
	case elf.EM_IA_64:
		if k.f.Data == elf.ELFDATA2MSB {
			return xen.GuestIA64BE
		}
		return xen.GuestIA64
	default:
		return xen.GuestUnknown
	}
}

// Load copies the loadable segments, and the symbol table copy if one was
// requested, into the kernel segment.
func (k *Kernel) Load(img *dom.Image) error {
	dst, err := img.SegBytes(img.KernelSeg)
	if err != nil {
		return err
	}
	for i, p := range k.loadable() {
		off := p.Paddr - k.pstart
		if off > uint64(len(dst)) || p.Memsz > uint64(len(dst))-off {
			return fmt.Errorf("%w: segment %d at paddr %#x overruns kernel segment", dom.ErrInvalidKernelImage, i, p.Paddr)
		}
		data, err := k.fileRange(p.Off, p.Filesz)
		if err != nil {
			return fmt.Errorf("%w: %v", dom.ErrInvalidKernelImage, err)
		}
		img.BuildLog().Debugf("phdr %d at pfn %#x+%#x -> %#x", i, img.KernelSeg.PFN, off, off+p.Filesz)
		copy(dst[off:], data)
		clear(dst[off+p.Filesz : off+p.Memsz])
	}
	if k.symStart != 0 {
		return k.loadSymtab(img, dst)
	}
	return nil
}

// Loader is the dom.Loader for ELF kernels, compressed or not.
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
	if len(b) < elf.EI_NIDENT || string(b[:4]) != elf.ELFMAG {
		return errNotELF
	}
	return nil
}

// Parse implements dom.Loader.Parse.
func (Loader) Parse(img *dom.Image) error {
	b, err := img.KernelPayload()
	if err != nil {
		return err
	}
	k, err := Open(b)
	if err != nil {
		return fmt.Errorf("%w: %v", dom.ErrInvalidKernelImage, err)
	}
	if err := k.Parse(img); err != nil {
		return err
	}
	img.LoaderState = k
	return nil
}

// Load implements dom.Loader.Load.
func (Loader) Load(img *dom.Image) error {
	k, ok := img.LoaderState.(*Kernel)
	if !ok {
		return fmt.Errorf("%w: %s load without parse", dom.ErrBadState, Name)
	}
	return k.Load(img)
}
