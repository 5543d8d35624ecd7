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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/dom/domtest"
)

func parse(t *testing.T, e *domtest.ELF, opts dom.Options) (*dom.Image, error) {
	t.Helper()
	img := dom.New(nil, opts)
	t.Cleanup(func() { img.Release() })
	img.SetKernel(e.Bytes())
	if err := (Loader{}).Probe(img); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	return img, (Loader{}).Parse(img)
}

func TestNotes(t *testing.T) {
	in := []domtest.Note{
		domtest.StrNote(xen.ElfNoteGuestOS, "linux"),
		domtest.NumNote(xen.ElfNoteEntry, 0x1234),
		{Type: xen.ElfNoteSuspendCancel, Desc: []byte{1}},
	}
	b := domtest.EncodeNotes(in)
	got, err := Notes(b, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Notes: %v", err)
	}
	var want []Note
	for _, n := range in {
		want = append(want, Note{Name: xen.ElfNoteName, Type: n.Type, Desc: n.Desc})
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notes mismatch (-want +got):\n%s", diff)
	}

	for _, n := range []int{5, len(b) - 4} {
		if _, err := Notes(b[:n], binary.LittleEndian); err == nil {
			t.Errorf("Notes(%d of %d bytes) succeeded", n, len(b))
		}
	}
}

func TestParseNumber(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
	}{
		{"", 0},
		{"0", 0},
		{"42", 42},
		{"42abc", 42},
		{"0x10", 16},
		{"0XfF", 255},
		{" 0xc0000000", 0xc0000000},
		{"010", 8},
		{"09", 0},
		{"zz", 0},
	} {
		if got := parseNumber(tc.in); got != tc.want {
			t.Errorf("parseNumber(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}
}

func TestParseGuestInfo(t *testing.T) {
	for _, tc := range []struct {
		name string
		info string
		want func(*dom.Parms)
	}{
		{
			name: "linux",
			info: "GUEST_OS=linux,GUEST_VER=2.6,XEN_VER=xen-3.0,LOADER=generic,VIRT_BASE=0xc0000000,ELF_PADDR_OFFSET=0xc0000000,HYPERCALL_PAGE=0x12",
			want: func(p *dom.Parms) {
				p.GuestOS, p.GuestVer, p.XenVer, p.Loader = "linux", "2.6", "xen-3.0", "generic"
				p.VirtBase, p.PaddrOffset, p.VirtHypercall = 0xc0000000, 0xc0000000, 0x12
			},
		},
		{
			name: "pae",
			info: "PAE=yes,BSD_SYMTAB",
			want: func(p *dom.Parms) {
				p.PAE = xen.PAEYes
				p.BSDSymtab = true
			},
		},
		{
			name: "pae extended cr3",
			info: "PAE=yes[extended-cr3],VIRT_ENTRY=0xc0100000",
			want: func(p *dom.Parms) {
				p.PAE = xen.PAEExtCR3
				p.VirtEntry = 0xc0100000
			},
		},
		{
			name: "pae no",
			info: "PAE=no,UNKNOWN=1",
			want: func(*dom.Parms) {},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := dom.NewParms()
			if err := parseGuestInfo(&got, tc.info); err != nil {
				t.Fatalf("parseGuestInfo: %v", err)
			}
			want := dom.NewParms()
			tc.want(&want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("parms mismatch (-want +got):\n%s", diff)
			}
		})
	}

	p := dom.NewParms()
	if err := parseGuestInfo(&p, "FEATURES=!auto_translated_physmap|writable_page_tables"); err != nil {
		t.Fatalf("parseGuestInfo(FEATURES): %v", err)
	}
	if !p.Required.Has(xen.FeatAutoTranslatedPhysmap) || !p.Supported.Has(xen.FeatWritablePageTables) {
		t.Errorf("features: supported %q required %q", p.Supported, p.Required)
	}
	if err := parseGuestInfo(&p, "FEATURES=warp_drive"); err == nil {
		t.Errorf("parseGuestInfo accepted an unknown feature")
	}
}

func TestParse(t *testing.T) {
	const vb = 0xc0000000
	k64Sections := domtest.Kernel64()
	k64Sections.NoteSection = true

	bimodal := &domtest.ELF{
		Class:   elf.ELFCLASS32,
		Machine: elf.EM_386,
		Entry:   vb + domtest.KernelAddr,
		Segments: []domtest.Segment{{
			Vaddr: vb + domtest.KernelAddr,
			Paddr: vb + domtest.KernelAddr,
			Data:  domtest.Pattern(0x1000, 1),
		}},
		Notes: domtest.LinuxNotes(vb, vb+domtest.KernelAddr, domtest.StrNote(xen.ElfNotePAEMode, "bimodal")),
	}

	for _, tc := range []struct {
		name      string
		elf       *domtest.ELF
		caps      string
		guestType string
		kernel    dom.PendingSegment
		hypercall uint64
		pae       int
	}{
		{
			name:      "x86_64 note segment",
			elf:       domtest.Kernel64(),
			guestType: xen.GuestX86_64,
			kernel:    dom.PendingSegment{VStart: domtest.KernelAddr, VEnd: domtest.KernelAddr + domtest.KernelMem},
			hypercall: domtest.KernelAddr + domtest.HypercallOff,
		},
		{
			name:      "x86_64 note section",
			elf:       k64Sections,
			guestType: xen.GuestX86_64,
			kernel:    dom.PendingSegment{VStart: domtest.KernelAddr, VEnd: domtest.KernelAddr + domtest.KernelMem},
			hypercall: domtest.KernelAddr + domtest.HypercallOff,
		},
		{
			name:      "x86_32 guest info",
			elf:       domtest.Kernel32(""),
			guestType: xen.GuestX86_32,
			kernel:    dom.PendingSegment{VStart: vb + domtest.KernelAddr, VEnd: vb + domtest.KernelAddr + domtest.KernelMem},
			hypercall: vb + 0x101000,
		},
		{
			name:      "x86_32 pae guest info",
			elf:       domtest.Kernel32("yes"),
			guestType: xen.GuestX86_32PAE,
			kernel:    dom.PendingSegment{VStart: vb + domtest.KernelAddr, VEnd: vb + domtest.KernelAddr + domtest.KernelMem},
			hypercall: vb + 0x101000,
			pae:       xen.PAEYes,
		},
		{
			name:      "bimodal without pae hypervisor",
			elf:       bimodal,
			caps:      "xen-3.0-x86_32",
			guestType: xen.GuestX86_32,
			kernel:    dom.PendingSegment{VStart: vb + domtest.KernelAddr, VEnd: vb + domtest.KernelAddr + 0x1000},
			hypercall: dom.Unset,
			pae:       xen.PAEBimodal,
		},
		{
			name:      "bimodal with pae hypervisor",
			elf:       bimodal,
			caps:      "xen-3.0-x86_32p",
			guestType: xen.GuestX86_32PAE,
			kernel:    dom.PendingSegment{VStart: vb + domtest.KernelAddr, VEnd: vb + domtest.KernelAddr + 0x1000},
			hypercall: dom.Unset,
			pae:       xen.PAEBimodal,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img, err := parse(t, tc.elf, dom.Options{XenCaps: tc.caps})
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if img.GuestType != tc.guestType {
				t.Errorf("guest type = %q, want %q", img.GuestType, tc.guestType)
			}
			if diff := cmp.Diff(tc.kernel, img.KernelRange); diff != "" {
				t.Errorf("kernel range mismatch (-want +got):\n%s", diff)
			}
			p := img.Parms
			if p.VirtHypercall != tc.hypercall {
				t.Errorf("hypercall page = %#x, want %#x", p.VirtHypercall, tc.hypercall)
			}
			if p.PAE != tc.pae {
				t.Errorf("pae = %d, want %d", p.PAE, tc.pae)
			}
			if p.VirtEntry != tc.elf.Entry {
				t.Errorf("entry = %#x, want %#x", p.VirtEntry, tc.elf.Entry)
			}
			if p.GuestOS != "linux" || p.Loader != "generic" {
				t.Errorf("guest os %q loader %q", p.GuestOS, p.Loader)
			}
			if _, ok := img.LoaderState.(*Kernel); !ok {
				t.Errorf("loader state is %T", img.LoaderState)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	withNotes := func(notes ...domtest.Note) *domtest.ELF {
		e := domtest.Kernel64()
		e.Notes = notes
		return e
	}
	linux := func(extra ...domtest.Note) *domtest.ELF {
		return withNotes(domtest.LinuxNotes(0, domtest.KernelAddr, extra...)...)
	}
	short := domtest.Kernel64()
	short.Segments[0].Memsz = 0x1000
	wrapped := domtest.Kernel64()
	wrapped.Segments[0].Paddr = 0xfffffffffffff000
	wrapped.Segments[0].Data = domtest.Pattern(0x10, 1)
	wrapped.Segments[0].Memsz = 0x101000

	for _, tc := range []struct {
		name string
		elf  *domtest.ELF
	}{
		{name: "no xen metadata", elf: withNotes()},
		{name: "no loadable segments", elf: &domtest.ELF{Class: elf.ELFCLASS64, Machine: elf.EM_X86_64, Notes: domtest.LinuxNotes(0, 0)}},
		{name: "filesz above memsz", elf: short},
		{name: "segment end wraps", elf: wrapped},
		{name: "xen version", elf: withNotes(domtest.StrNote(xen.ElfNoteXenVersion, "xen-2.0"))},
		{name: "foreign loader", elf: withNotes(domtest.StrNote(xen.ElfNoteLoader, "bsd"), domtest.StrNote(xen.ElfNoteGuestOS, "netbsd"))},
		{name: "paddr offset without virt base", elf: withNotes(domtest.NumNote(xen.ElfNotePaddrOffset, 0))},
		{name: "entry outside kernel", elf: linux(domtest.NumNote(xen.ElfNoteEntry, 0x200000))},
		{name: "virt base above kernel", elf: linux(domtest.NumNote(xen.ElfNoteVirtBase, 0x200000))},
		{name: "p2m inside kernel", elf: linux(domtest.NumNote(xen.ElfNoteInitP2M, domtest.KernelAddr+0x1000))},
		{name: "unknown feature", elf: linux(domtest.StrNote(xen.ElfNoteFeatures, "warp_drive"))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parse(t, tc.elf, dom.Options{}); !errors.Is(err, dom.ErrInvalidKernelImage) {
				t.Errorf("Parse = %v, want %v", err, dom.ErrInvalidKernelImage)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	img := dom.New(nil, dom.Options{})
	defer img.Release()
	img.SetKernel([]byte("MZ not an elf image at all"))
	if err := (Loader{}).Probe(img); err == nil {
		t.Errorf("Probe accepted a non-ELF image")
	}
	img.SetKernel(domtest.Gzip(domtest.Kernel64().Bytes()))
	if err := (Loader{}).Probe(img); err != nil {
		t.Errorf("Probe(gzip ELF) = %v", err)
	}
	if err := (Loader{}).Load(img); !errors.Is(err, dom.ErrBadState) {
		t.Errorf("Load before Parse = %v, want %v", err, dom.ErrBadState)
	}
}

// loadOffline parses e and loads it into an offline identity mapped image.
func loadOffline(t *testing.T, e *domtest.ELF) (*dom.Image, []byte) {
	t.Helper()
	img, err := parse(t, e, dom.Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	img.PageShift = xen.PageShiftX86
	img.TotalPages = 0x200
	img.P2MHost = make([]uint64, img.TotalPages)
	for i := range img.P2MHost {
		img.P2MHost[i] = uint64(i)
	}
	img.VirtAllocEnd = img.Parms.VirtBase
	r := img.KernelRange
	img.KernelSeg, err = img.AllocSegment("kernel", r.VStart, r.Size())
	if err != nil {
		t.Fatalf("AllocSegment: %v", err)
	}
	if err := (Loader{}).Load(img); err != nil {
		t.Fatalf("Load: %v", err)
	}
	mem, err := img.SegBytes(img.KernelSeg)
	if err != nil {
		t.Fatalf("SegBytes: %v", err)
	}
	return img, mem
}

func TestLoad(t *testing.T) {
	e := domtest.Kernel64()
	_, mem := loadOffline(t, e)
	data := e.Segments[0].Data
	if !bytes.Equal(mem[:len(data)], data) {
		t.Errorf("segment contents not copied")
	}
	for i, b := range mem[len(data):domtest.KernelMem] {
		if b != 0 {
			t.Fatalf("bss byte %#x = %#x, want 0", len(data)+i, b)
		}
	}
}

func TestBSDSymtab(t *testing.T) {
	e := domtest.Kernel64()
	e.Symbols = true
	e.Notes = append(e.Notes, domtest.StrNote(xen.ElfNoteBSDSymtab, "yes"))

	img, mem := loadOffline(t, e)
	// Size word, ELF header, four section headers, then .symtab and
	// .strtab at 8 byte alignment.
	const start = domtest.KernelAddr + domtest.KernelMem
	if got, want := img.KernelRange.VEnd, uint64(start+0x180); got != want {
		t.Fatalf("kernel end = %#x, want %#x", got, want)
	}

	blob := mem[domtest.KernelMem:]
	if got, want := binary.LittleEndian.Uint32(blob), uint32(img.KernelSeg.VEnd-start-4); got != want {
		t.Errorf("size word = %#x, want %#x", got, want)
	}
	f, err := elf.NewFile(bytes.NewReader(blob[4:]))
	if err != nil {
		t.Fatalf("symbol table copy is not an ELF image: %v", err)
	}
	if len(f.Progs) != 0 {
		t.Errorf("copy has %d program headers", len(f.Progs))
	}
	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if len(syms) != 1 || syms[0].Name != "_start" || syms[0].Value != e.Entry {
		t.Errorf("symbols = %+v, want _start at %#x", syms, e.Entry)
	}
}

func TestBSDSymtabMissing(t *testing.T) {
	e := domtest.Kernel64()
	e.Notes = append(e.Notes, domtest.StrNote(xen.ElfNoteBSDSymtab, "yes"))
	img, err := parse(t, e, dom.Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := img.KernelRange.VEnd, uint64(domtest.KernelAddr+domtest.KernelMem); got != want {
		t.Errorf("kernel end = %#x, want %#x", got, want)
	}
}
