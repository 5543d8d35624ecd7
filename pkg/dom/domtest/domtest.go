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

// Package domtest builds synthetic kernel images for tests.
package domtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/klauspost/compress/gzip"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
)

// Segment is a PT_LOAD program header and its contents.
type Segment struct {
	Vaddr uint64
	Paddr uint64
	Data  []byte

	// Memsz defaults to len(Data).
	Memsz uint64

	// Flags default to PF_R|PF_W|PF_X.
	Flags elf.ProgFlag
}

// Note is one ELF note with owner "Xen".
type Note struct {
	Type uint32
	Desc []byte
}

// NumNote returns a numeric note with an 8 byte value.
func NumNote(typ uint32, v uint64) Note {
	d := make([]byte, 8)
	binary.LittleEndian.PutUint64(d, v)
	return Note{Type: typ, Desc: d}
}

// StrNote returns a string note.
func StrNote(typ uint32, s string) Note {
	return Note{Type: typ, Desc: append([]byte(s), 0)}
}

// ELF describes a little-endian ELF executable.
type ELF struct {
	// Class is elf.ELFCLASS32 or elf.ELFCLASS64.
	Class   elf.Class
	Machine elf.Machine
	Entry   uint64

	Segments []Segment

	// Notes are emitted in a PT_NOTE segment, or in a SHT_NOTE section
	// when NoteSection is set.
	Notes       []Note
	NoteSection bool

	// GuestInfo, if set, is placed in a __xen_guest section.
	GuestInfo string

	// Symbols adds .symtab and .strtab sections.
	Symbols bool
}

type section struct {
	name    string
	typ     elf.SectionType
	data    []byte
	link    uint32
	entsize uint64
	off     uint64
}

// EncodeNotes returns the note block holding notes.
func EncodeNotes(notes []Note) []byte {
	var b []byte
	for _, n := range notes {
		name := []byte(xen.ElfNoteName + "\x00")
		b = binary.LittleEndian.AppendUint32(b, uint32(len(name)))
		b = binary.LittleEndian.AppendUint32(b, uint32(len(n.Desc)))
		b = binary.LittleEndian.AppendUint32(b, n.Type)
		b = append(b, pad4(name)...)
		b = append(b, pad4(n.Desc)...)
	}
	return b
}

func pad4(b []byte) []byte {
	out := bytes.Clone(b)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

func align8(b []byte) []byte {
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

func (e *ELF) is64() bool {
	return e.Class == elf.ELFCLASS64
}

// word appends an address-sized value.
func (e *ELF) word(b []byte, v uint64) []byte {
	if e.is64() {
		return binary.LittleEndian.AppendUint64(b, v)
	}
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

func (e *ELF) symbols() (symtab, strtab []byte) {
	strtab = []byte("\x00_start\x00")
	if e.is64() {
		symtab = make([]byte, 24)
		symtab = binary.LittleEndian.AppendUint32(symtab, 1)
		symtab = append(symtab, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_FUNC), 0)
		symtab = binary.LittleEndian.AppendUint16(symtab, 1)
		symtab = binary.LittleEndian.AppendUint64(symtab, e.Entry)
		symtab = binary.LittleEndian.AppendUint64(symtab, 0)
		return symtab, strtab
	}
	symtab = make([]byte, 16)
	symtab = binary.LittleEndian.AppendUint32(symtab, 1)
	symtab = binary.LittleEndian.AppendUint32(symtab, uint32(e.Entry))
	symtab = binary.LittleEndian.AppendUint32(symtab, 0)
	symtab = append(symtab, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_FUNC), 0)
	symtab = binary.LittleEndian.AppendUint16(symtab, 1)
	return symtab, strtab
}

// Bytes encodes the image. The layout is the ELF header, the program
// headers, segment contents, section contents, then the section headers.
func (e *ELF) Bytes() []byte {
	ehsize, phentsize, shentsize := 52, 32, 40
	if e.is64() {
		ehsize, phentsize, shentsize = 64, 56, 64
	}

	notes := EncodeNotes(e.Notes)
	phnum := len(e.Segments)
	if len(notes) > 0 && !e.NoteSection {
		phnum++
	}

	sections := []*section{{}, {name: ".shstrtab", typ: elf.SHT_STRTAB}}
	if len(notes) > 0 && e.NoteSection {
		sections = append(sections, &section{name: ".note.Xen", typ: elf.SHT_NOTE, data: notes})
	}
	if e.GuestInfo != "" {
		sections = append(sections, &section{name: xen.LegacyGuestSection, typ: elf.SHT_PROGBITS, data: append([]byte(e.GuestInfo), 0)})
	}
	if e.Symbols {
		symtab, strtab := e.symbols()
		entsize := uint64(16)
		if e.is64() {
			entsize = 24
		}
		link := uint32(len(sections) + 1)
		sections = append(sections,
			&section{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab, link: link, entsize: entsize},
			&section{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab})
	}
	shstrtab := []byte{0}
	names := make([]uint32, len(sections))
	for i, s := range sections[1:] {
		names[i+1] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	sections[1].data = shstrtab

	// Contents first, to learn their offsets.
	body := make([]byte, ehsize+phnum*phentsize)
	body = align8(body)
	segOff := make([]uint64, len(e.Segments))
	for i, s := range e.Segments {
		segOff[i] = uint64(len(body))
		body = align8(append(body, s.Data...))
	}
	noteOff := uint64(len(body))
	if len(notes) > 0 && !e.NoteSection {
		body = align8(append(body, notes...))
	}
	for _, s := range sections[1:] {
		s.off = uint64(len(body))
		body = align8(append(body, s.data...))
	}
	shoff := uint64(len(body))

	// Section headers.
	for i, s := range sections {
		body = binary.LittleEndian.AppendUint32(body, names[i])
		body = binary.LittleEndian.AppendUint32(body, uint32(s.typ))
		body = e.word(body, 0) // flags
		body = e.word(body, 0) // addr
		body = e.word(body, s.off)
		body = e.word(body, uint64(len(s.data)))
		body = binary.LittleEndian.AppendUint32(body, s.link)
		body = binary.LittleEndian.AppendUint32(body, 0)
		body = e.word(body, 1)
		body = e.word(body, s.entsize)
	}

	// Program headers.
	ph := body[ehsize:ehsize]
	putPhdr := func(typ elf.ProgType, flags elf.ProgFlag, off, vaddr, paddr, filesz, memsz uint64) {
		ph = binary.LittleEndian.AppendUint32(ph, uint32(typ))
		if e.is64() {
			ph = binary.LittleEndian.AppendUint32(ph, uint32(flags))
		}
		ph = e.word(ph, off)
		ph = e.word(ph, vaddr)
		ph = e.word(ph, paddr)
		ph = e.word(ph, filesz)
		ph = e.word(ph, memsz)
		if !e.is64() {
			ph = binary.LittleEndian.AppendUint32(ph, uint32(flags))
		}
		ph = e.word(ph, 8)
	}
	for i, s := range e.Segments {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		flags := s.Flags
		if flags == 0 {
			flags = elf.PF_R | elf.PF_W | elf.PF_X
		}
		putPhdr(elf.PT_LOAD, flags, segOff[i], s.Vaddr, s.Paddr, uint64(len(s.Data)), memsz)
	}
	if len(notes) > 0 && !e.NoteSection {
		putPhdr(elf.PT_NOTE, elf.PF_R, noteOff, 0, 0, uint64(len(notes)), uint64(len(notes)))
	}

	// ELF header.
	h := body[:0]
	h = append(h, elf.ELFMAG...)
	h = append(h, byte(e.Class), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT))
	h = append(h, make([]byte, elf.EI_NIDENT-7)...)
	h = binary.LittleEndian.AppendUint16(h, uint16(elf.ET_EXEC))
	h = binary.LittleEndian.AppendUint16(h, uint16(e.Machine))
	h = binary.LittleEndian.AppendUint32(h, uint32(elf.EV_CURRENT))
	h = e.word(h, e.Entry)
	phoff := uint64(0)
	if phnum > 0 {
		phoff = uint64(ehsize)
	}
	h = e.word(h, phoff)
	h = e.word(h, shoff)
	h = binary.LittleEndian.AppendUint32(h, 0)
	h = binary.LittleEndian.AppendUint16(h, uint16(ehsize))
	h = binary.LittleEndian.AppendUint16(h, uint16(phentsize))
	h = binary.LittleEndian.AppendUint16(h, uint16(phnum))
	h = binary.LittleEndian.AppendUint16(h, uint16(shentsize))
	h = binary.LittleEndian.AppendUint16(h, uint16(len(sections)))
	binary.LittleEndian.PutUint16(h[len(h):len(h)+2], 1) // .shstrtab
	return body
}

// Pattern returns n bytes of a recognizable non-zero pattern.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) ^ seed | 1
	}
	return b
}

// Default x86_64 kernel layout: one segment at 1MiB, identity mapped.
const (
	KernelAddr   = 0x100000
	KernelFile   = 0x2000
	KernelMem    = 0x4000
	HypercallOff = 0x1000
)

// LinuxNotes returns notes naming a generic loader for Xen 3.0 with the
// given virtual base, entry and extra notes.
func LinuxNotes(virtBase, entry uint64, extra ...Note) []Note {
	notes := []Note{
		StrNote(xen.ElfNoteGuestOS, "linux"),
		StrNote(xen.ElfNoteXenVersion, "xen-3.0"),
		StrNote(xen.ElfNoteLoader, "generic"),
		NumNote(xen.ElfNoteVirtBase, virtBase),
		NumNote(xen.ElfNotePaddrOffset, virtBase),
		NumNote(xen.ElfNoteEntry, entry),
	}
	return append(notes, extra...)
}

// Kernel64 returns a 64-bit Xen kernel of KernelMem bytes loaded at
// KernelAddr with virt_base zero, entering at its first byte and declaring
// a hypercall page.
func Kernel64() *ELF {
	return &ELF{
		Class:   elf.ELFCLASS64,
		Machine: elf.EM_X86_64,
		Entry:   KernelAddr,
		Segments: []Segment{{
			Vaddr: KernelAddr,
			Paddr: KernelAddr,
			Data:  Pattern(KernelFile, 0x5a),
			Memsz: KernelMem,
		}},
		Notes: LinuxNotes(0, KernelAddr, NumNote(xen.ElfNoteHypercallPage, KernelAddr+HypercallOff)),
	}
}

// Kernel32 returns the 32-bit counterpart of Kernel64 at virt_base
// 0xc0000000, described by a __xen_guest section. pae is the PAE value of
// that section, or empty.
func Kernel32(pae string) *ELF {
	const vb = 0xc0000000
	info := "GUEST_OS=linux,XEN_VER=xen-3.0,LOADER=generic,VIRT_BASE=0xc0000000,ELF_PADDR_OFFSET=0,HYPERCALL_PAGE=0x101"
	if pae != "" {
		info += ",PAE=" + pae
	}
	return &ELF{
		Class:   elf.ELFCLASS32,
		Machine: elf.EM_386,
		Entry:   vb + KernelAddr,
		Segments: []Segment{{
			Vaddr: vb + KernelAddr,
			Paddr: KernelAddr,
			Data:  Pattern(KernelFile, 0x3c),
			Memsz: KernelMem,
		}},
		GuestInfo: info,
	}
}

// Gzip compresses b.
func Gzip(b []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(b)
	zw.Close()
	return buf.Bytes()
}

// BzImage wraps payload, which should be compressed, in a minimal Linux
// boot-protocol header with one setup sector.
func BzImage(payload []byte, version uint16) []byte {
	const setupSects = 1
	b := make([]byte, (setupSects+1)*512)
	b[0x1f1] = setupSects
	copy(b[0x202:], "HdrS")
	binary.LittleEndian.PutUint16(b[0x206:], version)
	binary.LittleEndian.PutUint32(b[0x248:], 0)
	binary.LittleEndian.PutUint32(b[0x24c:], uint32(len(payload)))
	return append(b, payload...)
}

// Binary describes a flat kernel with an image table.
type Binary struct {
	// TableOff is the offset of the table in the image.
	TableOff int
	Size     int
	LoadAddr uint32
	BSSEnd   uint32
	Entry    uint32
	Flags    uint32

	// BadChecksum corrupts the checksum.
	BadChecksum bool
}

// Bytes encodes the binary. The text is a pattern and the table has
// header_addr pointing at itself and a zero load_end_addr.
func (b *Binary) Bytes() []byte {
	const magic = 0x336ec578
	img := Pattern(b.Size, 0x77)
	sum := -(magic + b.Flags)
	if b.BadChecksum {
		sum++
	}
	t := img[b.TableOff:]
	binary.LittleEndian.PutUint32(t[0:], magic)
	binary.LittleEndian.PutUint32(t[4:], b.Flags)
	binary.LittleEndian.PutUint32(t[8:], sum)
	binary.LittleEndian.PutUint32(t[12:], b.LoadAddr+uint32(b.TableOff))
	binary.LittleEndian.PutUint32(t[16:], b.LoadAddr)
	binary.LittleEndian.PutUint32(t[20:], 0)
	binary.LittleEndian.PutUint32(t[24:], b.BSSEnd)
	binary.LittleEndian.PutUint32(t[28:], b.Entry)
	return img
}
