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
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/dom"
)

// metaSource is where the Xen metadata of a kernel came from.
type metaSource int

const (
	fromNothing metaSource = iota
	fromNotes
	fromGuestInfo
)

// Note is one ELF note.
type Note struct {
	Name string
	Type uint32
	Desc []byte
}

const noteHeaderSize = 12

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

// Notes splits a note segment or section into its notes.
func Notes(b []byte, order binary.ByteOrder) ([]Note, error) {
	var notes []Note
	for len(b) > 0 {
		if len(b) < noteHeaderSize {
			return nil, fmt.Errorf("truncated note header (%d bytes)", len(b))
		}
		namesz := uint64(order.Uint32(b[0:]))
		descsz := uint64(order.Uint32(b[4:]))
		typ := order.Uint32(b[8:])
		nameEnd := noteHeaderSize + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if namesz > uint64(len(b)) || descsz > uint64(len(b)) || descEnd > uint64(len(b)) {
			return nil, fmt.Errorf("truncated note (namesz %d, descsz %d, %d bytes left)", namesz, descsz, len(b))
		}
		notes = append(notes, Note{
			Name: xen.CString(b[noteHeaderSize : noteHeaderSize+namesz]),
			Type: typ,
			Desc: b[nameEnd : nameEnd+descsz],
		})
		b = b[descEnd:]
	}
	return notes, nil
}

// numeric decodes a note holding an integer of 1, 2, 4 or 8 bytes.
func (k *Kernel) numeric(desc []byte) uint64 {
	switch len(desc) {
	case 1:
		return uint64(desc[0])
	case 2:
		return uint64(k.order.Uint16(desc))
	case 4:
		return uint64(k.order.Uint32(desc))
	case 8:
		return k.order.Uint64(desc)
	default:
		return 0
	}
}

var noteNames = map[uint32]string{
	xen.ElfNoteEntry:         "ENTRY",
	xen.ElfNoteHypercallPage: "HYPERCALL_PAGE",
	xen.ElfNoteVirtBase:      "VIRT_BASE",
	xen.ElfNoteInitP2M:       "INIT_P2M",
	xen.ElfNotePaddrOffset:   "PADDR_OFFSET",
	xen.ElfNoteHVStartLow:    "HV_START_LOW",
	xen.ElfNoteXenVersion:    "XEN_VERSION",
	xen.ElfNoteGuestOS:       "GUEST_OS",
	xen.ElfNoteGuestVersion:  "GUEST_VERSION",
	xen.ElfNoteLoader:        "LOADER",
	xen.ElfNotePAEMode:       "PAE_MODE",
	xen.ElfNoteFeatures:      "FEATURES",
	xen.ElfNoteBSDSymtab:     "BSD_SYMTAB",
	xen.ElfNoteSuspendCancel: "SUSPEND_CANCEL",
}

func isStringNote(typ uint32) bool {
	switch typ {
	case xen.ElfNoteXenVersion, xen.ElfNoteGuestOS, xen.ElfNoteGuestVersion,
		xen.ElfNoteLoader, xen.ElfNotePAEMode, xen.ElfNoteFeatures, xen.ElfNoteBSDSymtab:
		return true
	}
	return false
}

// parseNote applies one Xen note to p.
func (k *Kernel) parseNote(blog logrus.FieldLogger, p *dom.Parms, n Note) error {
	name, ok := noteNames[n.Type]
	if !ok {
		blog.Debugf("unknown xen elf note (%#x)", n.Type)
		return nil
	}
	if isStringNote(n.Type) {
		str := xen.CString(n.Desc)
		blog.Debugf("note %s = %q", name, str)
		switch n.Type {
		case xen.ElfNoteLoader:
			p.Loader = str
		case xen.ElfNoteGuestOS:
			p.GuestOS = str
		case xen.ElfNoteGuestVersion:
			p.GuestVer = str
		case xen.ElfNoteXenVersion:
			p.XenVer = str
		case xen.ElfNotePAEMode:
			if str == "yes" {
				p.PAE = xen.PAEExtCR3
			}
			if strings.Contains(str, "bimodal") {
				p.PAE = xen.PAEBimodal
			}
		case xen.ElfNoteBSDSymtab:
			if str == "yes" {
				p.BSDSymtab = true
			}
		case xen.ElfNoteFeatures:
			if err := xen.ParseFeatures(str, &p.Supported, &p.Required); err != nil {
				return fmt.Errorf("FEATURES note: %w", err)
			}
		}
		return nil
	}

	val := k.numeric(n.Desc)
	blog.Debugf("note %s = %#x", name, val)
	switch n.Type {
	case xen.ElfNoteVirtBase:
		p.VirtBase = val
	case xen.ElfNoteEntry:
		p.VirtEntry = val
	case xen.ElfNoteInitP2M:
		p.P2MBase = val
	case xen.ElfNotePaddrOffset:
		p.PaddrOffset = val
	case xen.ElfNoteHypercallPage:
		p.VirtHypercall = val
	case xen.ElfNoteHVStartLow:
		p.VirtHVStartLow = val
	case xen.ElfNoteSuspendCancel:
		p.SuspendCancel = val != 0
	}
	return nil
}

// parseNoteBlock applies every Xen note in b and returns how many there
// were.
func (k *Kernel) parseNoteBlock(blog logrus.FieldLogger, p *dom.Parms, b []byte) (int, error) {
	notes, err := Notes(b, k.order)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range notes {
		if n.Name != xen.ElfNoteName {
			continue
		}
		if err := k.parseNote(blog, p, n); err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// parseXen reads the Xen metadata from note segments, then note sections,
// then the legacy __xen_guest section, stopping at the first that has any.
func (k *Kernel) parseXen(img *dom.Image, p *dom.Parms) (metaSource, error) {
	blog := img.BuildLog()
	count := 0
	for _, prog := range k.f.Progs {
		// Some binutils leave p_offset zero on note segments.
		if prog.Type != elf.PT_NOTE || prog.Off == 0 {
			continue
		}
		b, err := k.fileRange(prog.Off, prog.Filesz)
		if err != nil {
			return fromNothing, fmt.Errorf("note segment: %v", err)
		}
		n, err := k.parseNoteBlock(blog, p, b)
		if err != nil {
			return fromNothing, err
		}
		count += n
	}

	if count == 0 {
		for _, s := range k.f.Sections {
			if s.Type != elf.SHT_NOTE {
				continue
			}
			b, err := k.fileRange(s.Offset, s.Size)
			if err != nil {
				return fromNothing, fmt.Errorf("note section %s: %v", s.Name, err)
			}
			n, err := k.parseNoteBlock(blog, p, b)
			if err != nil {
				return fromNothing, err
			}
			if count == 0 && n > 0 {
				blog.Debugf("using notes from SHT_NOTE section %s", s.Name)
			}
			count += n
		}
	}
	if count > 0 {
		return fromNotes, nil
	}

	s := k.f.Section(xen.LegacyGuestSection)
	if s == nil || s.Type == elf.SHT_NOBITS {
		return fromNothing, nil
	}
	b, err := k.fileRange(s.Offset, s.Size)
	if err != nil {
		return fromNothing, fmt.Errorf("%s: %v", xen.LegacyGuestSection, err)
	}
	info := xen.CString(b)
	blog.Debugf("%s: %q", xen.LegacyGuestSection, info)
	if err := parseGuestInfo(p, info); err != nil {
		return fromNothing, err
	}
	return fromGuestInfo, nil
}

// parseGuestInfo parses the comma separated KEY=VALUE list of the legacy
// section. HYPERCALL_PAGE is left as a page index.
func parseGuestInfo(p *dom.Parms, info string) error {
	for _, item := range strings.Split(info, ",") {
		name, value, _ := strings.Cut(item, "=")
		switch name {
		case "LOADER":
			p.Loader = value
		case "GUEST_OS":
			p.GuestOS = value
		case "GUEST_VER":
			p.GuestVer = value
		case "XEN_VER":
			p.XenVer = value
		case "PAE":
			if value == "yes[extended-cr3]" {
				p.PAE = xen.PAEExtCR3
			} else if strings.HasPrefix(value, "yes") {
				p.PAE = xen.PAEYes
			}
		case "BSD_SYMTAB":
			p.BSDSymtab = true
		case "VIRT_BASE":
			p.VirtBase = parseNumber(value)
		case "VIRT_ENTRY":
			p.VirtEntry = parseNumber(value)
		case "ELF_PADDR_OFFSET":
			p.PaddrOffset = parseNumber(value)
		case "HYPERCALL_PAGE":
			p.VirtHypercall = parseNumber(value)
		case "FEATURES":
			if err := xen.ParseFeatures(value, &p.Supported, &p.Required); err != nil {
				return fmt.Errorf("%s FEATURES: %w", xen.LegacyGuestSection, err)
			}
		}
	}
	return nil
}

// parseNumber parses the longest numeric prefix of s in C notation: 0x for
// hex, a leading 0 for octal. It returns 0 when there is none.
func parseNumber(s string) uint64 {
	s = strings.TrimSpace(s)
	base, digits := 10, s
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		base, digits = 16, s[2:]
	case len(s) > 1 && s[0] == '0':
		base, digits = 8, s[1:]
	}
	end := 0
	for end < len(digits) && digitValue(digits[end]) < base {
		end++
	}
	v, err := strconv.ParseUint(digits[:end], base, 64)
	if err != nil {
		return 0
	}
	return v
}

func digitValue(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	default:
		return 99
	}
}

// checkNotes rejects metadata written for another loader or hypervisor.
func (k *Kernel) checkNotes(p *dom.Parms, src metaSource) error {
	if src == fromNothing {
		if k.f.Machine == elf.EM_386 || k.f.Machine == elf.EM_X86_64 {
			return errors.New("not a Xen-ELF image: no ELF notes or '__xen_guest' section found")
		}
		return nil
	}
	if p.Loader != "" || p.GuestOS != "" {
		if !strings.HasPrefix(p.Loader, "generic") && !strings.HasPrefix(p.GuestOS, "linux") {
			return fmt.Errorf("will only load images built for the generic loader or Linux images (loader %q, guest os %q)", p.Loader, p.GuestOS)
		}
	}
	if p.XenVer != "" && !strings.HasPrefix(p.XenVer, "xen-3.0") {
		return fmt.Errorf("will only load images built for Xen v3.0, not %q", p.XenVer)
	}
	return nil
}
