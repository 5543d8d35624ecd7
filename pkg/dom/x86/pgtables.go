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

package x86

import (
	"bytes"
	"fmt"

	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/binary"
	"xenbuild.dev/xenbuild/pkg/dom"
)

// pagingMode describes the page table format of a guest type. Levels are
// listed from the root down to the leaf.
type pagingMode struct {
	name string

	// shifts is the virtual address shift indexing each level.
	shifts []uint

	// entries is the number of entries per table of each level.
	entries []uint64

	// prot is the protection of entries in each non-leaf level.
	prot []uint64

	entrySize int

	// countBits is the span, in address bits, of one table at L4, L3, L2
	// and L1. Zero means the level does not exist.
	countBits [4]uint

	// pae adds the L2 that backs l3 slot 3.
	pae bool
}

var (
	modeI386 = pagingMode{
		name:      "i386",
		shifts:    []uint{22, 12},
		entries:   []uint64{1024, 1024},
		prot:      []uint64{xen.L2Prot},
		entrySize: 4,
		countBits: [4]uint{0, 0, 32, 22},
	}
	modePAE = pagingMode{
		name:      "pae",
		shifts:    []uint{30, 21, 12},
		entries:   []uint64{4, 512, 512},
		prot:      []uint64{xen.L3ProtPAE, xen.L2Prot},
		entrySize: 8,
		countBits: [4]uint{0, 32, 30, 21},
		pae:       true,
	}
	modeX86_64 = pagingMode{
		name:      "x86_64",
		shifts:    []uint{39, 30, 21, 12},
		entries:   []uint64{512, 512, 512, 512},
		prot:      []uint64{xen.L4Prot, xen.L3Prot, xen.L2Prot},
		entrySize: 8,
		countBits: [4]uint{48, 39, 30, 21},
	}
)

func (m *pagingMode) levels() int {
	return len(m.shifts)
}

func (m *pagingMode) index(addr uint64, level int) uint64 {
	return (addr >> m.shifts[level]) & (m.entries[level] - 1)
}

func (m *pagingMode) put(table []byte, idx, val uint64) {
	if m.entrySize == 4 {
		binary.LittleEndian.PutUint32(table[idx*4:], uint32(val))
		return
	}
	binary.LittleEndian.PutUint64(table[idx*8:], val)
}

func (m *pagingMode) get(table []byte, idx uint64) uint64 {
	if m.entrySize == 4 {
		return uint64(binary.LittleEndian.Uint32(table[idx*4:]))
	}
	return binary.LittleEndian.Uint64(table[idx*8:])
}

// tableCounts returns the table pages of each walker level, root first.
func (m *pagingMode) tableCounts(pg dom.PageTableCounts) []uint64 {
	all := []uint64{pg.L4, pg.L3, pg.L2, pg.L1}
	return all[len(all)-m.levels():]
}

func bitsToMask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

// nrPageTables returns how many tables, each spanning bits of address
// space, cover [start, end].
func nrPageTables(start, end uint64, bits uint) uint64 {
	switch {
	case bits == 0:
		return 0
	case bits >= 64:
		return 1
	}
	mask := bitsToMask(bits)
	return ((end|mask)-(start&^mask))>>bits + 1
}

// countFor sizes the page tables needed to map virtBase up to allocEnd
// plus the tables themselves and extra pages. It returns the counts and the
// end of the mapped range.
func (m *pagingMode) countFor(virtBase, allocEnd, extra uint64) (dom.PageTableCounts, uint64) {
	var pg dom.PageTableCounts
	pages := extra
	for {
		tryEnd := (allocEnd + pages*pageSize) | bitsToMask(22)
		pg.L4 = nrPageTables(virtBase, tryEnd, m.countBits[0])
		pg.L3 = nrPageTables(virtBase, tryEnd, m.countBits[1])
		pg.L2 = nrPageTables(virtBase, tryEnd, m.countBits[2])
		pg.L1 = nrPageTables(virtBase, tryEnd, m.countBits[3])
		if m.pae && tryEnd < xen.PAEHypervisorHole {
			// An extra L2 backs l3 slot 3.
			pg.L2++
		}
		pg.Total = pg.L4 + pg.L3 + pg.L2 + pg.L1
		pages = pg.Total + extra
		if allocEnd+pages*pageSize <= tryEnd+1 {
			return pg, tryEnd + 1
		}
	}
}

// Count sizes the initial page tables of guestType for a kernel at
// virtBase whose allocations end at allocEnd, with extra spare pages.
func Count(guestType string, virtBase, allocEnd, extra uint64) (dom.PageTableCounts, uint64, error) {
	var m *pagingMode
	switch guestType {
	case xen.GuestX86_32:
		m = &modeI386
	case xen.GuestX86_32PAE:
		m = &modePAE
	case xen.GuestX86_64:
		m = &modeX86_64
	default:
		return dom.PageTableCounts{}, 0, fmt.Errorf("%w: %q has no page tables", dom.ErrUnsupportedGuestType, guestType)
	}
	if allocEnd < virtBase {
		return dom.PageTableCounts{}, 0, fmt.Errorf("%w: end %#x below virt_base %#x", dom.ErrOutOfRange, allocEnd, virtBase)
	}
	pg, end := m.countFor(virtBase, allocEnd, extra)
	return pg, end, nil
}

// CountPgtables implements dom.PageTableBuilder.CountPgtables.
func (a *Arch) CountPgtables(img *dom.Image) error {
	opts := img.Options()
	extra := opts.ExtraPages + opts.PgtableSlack
	if img.AllocBootstack {
		extra++
	}
	pg, end := a.mode.countFor(img.Parms.VirtBase, img.VirtAllocEnd, extra)
	img.Pg = pg
	img.VirtPgtabEnd = end
	img.BuildLog().Debugf("%s page tables: l4 %d l3 %d l2 %d l1 %d, mapping %#x -> %#x",
		a.mode.name, pg.L4, pg.L3, pg.L2, pg.L1, img.Parms.VirtBase, end)
	return nil
}

// SetupPgtables implements dom.PageTableBuilder.SetupPgtables. Tables are
// taken from the page table segment level by level, root first, and map
// every page from virt_base to the end of the counted range onto the guest
// frame at the same offset. Page table pages are mapped read-only.
func (a *Arch) SetupPgtables(img *dom.Image) error {
	m := a.mode
	seg := img.PgtablesSeg
	counts := m.tableCounts(img.Pg)
	levels := m.levels()

	next := make([]uint64, levels)
	pfn := seg.PFN
	for l, n := range counts {
		next[l] = pfn
		pfn += n
	}
	if pfn > seg.PFN+seg.Pages {
		return fmt.Errorf("%w: %d page tables overrun their segment of %d pages", dom.ErrOutOfRange, pfn-seg.PFN, seg.Pages)
	}

	rootPFN := seg.PFN
	if m.pae && img.Parms.PAE == xen.PAEYes {
		if err := a.l3Below4G(img, rootPFN); err != nil {
			return err
		}
	}

	tabs := make([][]byte, levels)
	var err error
	if tabs[0], err = img.PFNToBytes(rootPFN, 1); err != nil {
		return err
	}
	next[0]++

	vb := img.Parms.VirtBase
	leaf := levels - 1
	for addr := vb; addr < img.VirtPgtabEnd; addr += pageSize {
		for l := 1; l < levels; l++ {
			if tabs[l] != nil {
				continue
			}
			pfn := next[l]
			next[l]++
			if tabs[l], err = img.PFNToBytes(pfn, 1); err != nil {
				return err
			}
			idx := m.index(addr, l-1)
			m.put(tabs[l-1], idx, img.GuestFrame(pfn)<<pageShift|m.prot[l-1])
			if l-1 > 0 && idx == m.entries[l-1]-1 {
				tabs[l-1] = nil
			}
		}

		idx := m.index(addr, leaf)
		pte := img.GuestFrame((addr-vb)>>pageShift)<<pageShift | xen.L1Prot
		if addr >= seg.VStart && addr < seg.VEnd {
			pte &^= xen.PTEWritable
		}
		m.put(tabs[leaf], idx, pte)
		if idx == m.entries[leaf]-1 {
			tabs[leaf] = nil
		}
	}

	if m.pae && img.VirtPgtabEnd <= xen.PAEHypervisorHole {
		img.BuildLog().Debugf("PAE: extra l2 page table for l3#3")
		m.put(tabs[0], 3, img.GuestFrame(next[1])<<pageShift|xen.L3ProtPAE)
	}
	return nil
}

// l3Below4G moves the PAE root table to a machine frame below 4GiB for
// guests that cannot take an extended cr3. The page keeps its contents.
func (a *Arch) l3Below4G(img *dom.Image, l3pfn uint64) error {
	l3mfn := img.GuestFrame(l3pfn)
	if l3mfn < xen.Below4GMFNLimit {
		return nil
	}
	hyp := img.Hypervisor()
	if hyp == nil {
		return fmt.Errorf("%w: cannot move L3 below 4G offline (pfn %#x mfn %#x)", dom.ErrHypervisorCallFailed, l3pfn, l3mfn)
	}

	page, err := img.PFNToBytes(l3pfn, 1)
	if err != nil {
		return err
	}
	saved := bytes.Clone(page)
	if err := img.UnmapOne(l3pfn); err != nil {
		return err
	}

	newMFN, err := hyp.MakePageBelow4G(img.DomID, l3mfn)
	if err != nil {
		return dom.Hypercall("make_page_below_4G", err)
	}
	img.P2MHost[l3pfn] = newMFN
	if err := img.UpdateGuestP2M(); err != nil {
		return err
	}
	if err := hyp.MachPhysUpdate(img.DomID, newMFN, l3pfn); err != nil {
		return dom.Hypercall("mmu_machphys_update", err)
	}

	// The whole segment is remapped as one range, so late boot can unmap
	// and pin it.
	if _, err := img.SegBytes(img.PgtablesSeg); err != nil {
		return err
	}
	page, err = img.PFNToBytes(l3pfn, 1)
	if err != nil {
		return err
	}
	copy(page, saved)

	if got := img.GuestFrame(l3pfn); got >= xen.Below4GMFNLimit {
		return fmt.Errorf("%w: cannot move L3 below 4G, extended-cr3 not supported by guest (pfn %#x mfn %#x)",
			dom.ErrHypervisorCallFailed, l3pfn, got)
	}
	img.BuildLog().Infof("relocated L3 below 4G (pfn %#x mfn %#x => %#x)", l3pfn, l3mfn, newMFN)
	return nil
}
