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

package elfload

import (
	"bytes"
	"debug/elf"
	"fmt"

	"xenbuild.dev/xenbuild/pkg/dom"
)

// Sizes of the fixed ELF records.
const (
	ehdrSize32 = 52
	ehdrSize64 = 64
	shdrSize32 = 40
	shdrSize64 = 64
)

func (k *Kernel) ehdrSize() uint64 {
	if k.is64() {
		return ehdrSize64
	}
	return ehdrSize32
}

func (k *Kernel) shdrSize() uint64 {
	if k.is64() {
		return shdrSize64
	}
	return shdrSize32
}

// roundUp aligns v to the word size of the image.
func (k *Kernel) roundUp(v uint64) uint64 {
	if k.is64() {
		return (v + 7) &^ 7
	}
	return (v + 3) &^ 3
}

func (k *Kernel) shType(sh []byte) elf.SectionType {
	return elf.SectionType(k.order.Uint32(sh[4:]))
}

func (k *Kernel) shLink(sh []byte) uint32 {
	if k.is64() {
		return k.order.Uint32(sh[0x28:])
	}
	return k.order.Uint32(sh[0x18:])
}

func (k *Kernel) shOffset(sh []byte) uint64 {
	if k.is64() {
		return k.order.Uint64(sh[0x18:])
	}
	return uint64(k.order.Uint32(sh[0x10:]))
}

func (k *Kernel) shSize(sh []byte) uint64 {
	if k.is64() {
		return k.order.Uint64(sh[0x20:])
	}
	return uint64(k.order.Uint32(sh[0x14:]))
}

func (k *Kernel) setShOffset(sh []byte, off uint64) {
	if k.is64() {
		k.order.PutUint64(sh[0x18:], off)
		return
	}
	k.order.PutUint32(sh[0x10:], uint32(off))
}

// symTable is a symbol or string table placed in the copy.
type symTable struct {
	// off is relative to the copied ELF header.
	off  uint64
	data []byte
}

// symtabLayout lays out the symbol table copy at start: a size word, the
// ELF header, the section headers, then each symbol table and each string
// table a symbol table links to. It returns the patched section headers,
// the tables and the end of the copy. No tables means no copy.
func (k *Kernel) symtabLayout(start uint64) ([]byte, []symTable, uint64, error) {
	shsz := k.shdrSize()
	n := uint64(k.hdr.shnum)
	orig, err := k.fileRange(k.hdr.shoff, n*shsz)
	if err != nil {
		return nil, nil, 0, err
	}
	shdrs := bytes.Clone(orig)
	linked := make(map[uint32]bool)
	for i := uint64(0); i < n; i++ {
		sh := orig[i*shsz : (i+1)*shsz]
		if k.shType(sh) == elf.SHT_SYMTAB {
			linked[k.shLink(sh)] = true
		}
	}

	symtab := start + 4
	maxaddr := k.roundUp(symtab + k.ehdrSize() + n*shsz)
	var tables []symTable
	for h := uint64(0); h < n; h++ {
		sh := shdrs[h*shsz : (h+1)*shsz]
		// Section names are dropped with the name table.
		k.order.PutUint32(sh[0:], 0)
		switch typ := k.shType(sh); {
		case typ == elf.SHT_STRTAB && !linked[uint32(h)]:
			k.setShOffset(sh, 0)
		case typ == elf.SHT_STRTAB || typ == elf.SHT_SYMTAB:
			size := k.shSize(sh)
			data, err := k.fileRange(k.shOffset(sh), size)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("section %d: %v", h, err)
			}
			off := maxaddr - symtab
			k.setShOffset(sh, off)
			tables = append(tables, symTable{off: off, data: data})
			maxaddr = k.roundUp(maxaddr + size)
		}
	}
	if len(tables) == 0 {
		return nil, nil, 0, nil
	}
	return shdrs, tables, maxaddr, nil
}

// parseSymtab extends the kernel range to hold the symbol table copy.
func (k *Kernel) parseSymtab(img *dom.Image) error {
	blog := img.BuildLog()
	if k.f.Data != elf.ELFDATA2LSB {
		blog.Infof("non-native byte order, bsd symtab not supported")
		return nil
	}
	start := k.roundUp(img.KernelRange.VEnd)
	_, tables, end, err := k.symtabLayout(start)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		blog.Infof("no symbol table present")
		return nil
	}
	k.symStart = start
	img.KernelRange.VEnd = end
	blog.Debugf("bsd symtab at %#x -> %#x, %d tables", start, end, len(tables))
	return nil
}

// loadSymtab writes the symbol table copy into the kernel segment dst.
func (k *Kernel) loadSymtab(img *dom.Image, dst []byte) error {
	shdrs, tables, end, err := k.symtabLayout(k.symStart)
	if err != nil {
		return fmt.Errorf("%w: bsd symtab: %v", dom.ErrInvalidKernelImage, err)
	}
	seg := img.KernelSeg
	if k.symStart < seg.VStart || end > seg.VEnd {
		return fmt.Errorf("%w: bsd symtab %#x-%#x outside kernel segment", dom.ErrOutOfRange, k.symStart, end)
	}
	base := dst[k.symStart-seg.VStart:]
	// The size word covers everything up to the end of the segment.
	k.order.PutUint32(base, uint32(seg.VEnd-k.symStart-4))

	hdr := base[4:]
	ehsz := k.ehdrSize()
	copy(hdr, k.raw[:ehsz])
	if k.is64() {
		k.order.PutUint64(hdr[0x20:], 0)
		k.order.PutUint64(hdr[0x28:], ehsz)
		k.order.PutUint16(hdr[0x36:], 0)
		k.order.PutUint16(hdr[0x38:], 0)
		k.order.PutUint16(hdr[0x3e:], uint16(elf.SHN_UNDEF))
	} else {
		k.order.PutUint32(hdr[0x1c:], 0)
		k.order.PutUint32(hdr[0x20:], uint32(ehsz))
		k.order.PutUint16(hdr[0x2a:], 0)
		k.order.PutUint16(hdr[0x2c:], 0)
		k.order.PutUint16(hdr[0x32:], uint16(elf.SHN_UNDEF))
	}
	copy(hdr[ehsz:], shdrs)
	for _, t := range tables {
		copy(hdr[t.off:], t.data)
	}
	return nil
}
