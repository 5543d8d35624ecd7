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

	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/binary"
)

// PFNToBytes returns guest frames [pfn, pfn+count) as a slice of builder
// memory. It is the only way the builder touches guest memory.
//
// With count zero, pfn must lie in an existing mapping and the slice runs to
// the end of that mapping. Otherwise the frames are either wholly inside an
// existing mapping, or wholly unmapped, in which case they are mapped now:
// from the hypervisor for live builds, from anonymous memory offline. A
// request that straddles a mapping fails with ErrRangeConflict.
//
// Slices stay valid until the range is unmapped by UnmapOne, UnmapAll or
// Release.
func (img *Image) PFNToBytes(pfn, count uint64) ([]byte, error) {
	if img.TotalPages == 0 {
		return nil, fmt.Errorf("%w: guest memory not initialized", ErrBadState)
	}
	if pfn > img.TotalPages || count > img.TotalPages-pfn {
		return nil, internalFault(ErrOutOfRange, "pfn %#x+%#x beyond %#x pages", pfn, count, img.TotalPages)
	}
	shift := img.PageShift

	if r := img.phys.containing(pfn); r != nil {
		off := (pfn - r.first) << shift
		if count == 0 {
			return r.mem[off:], nil
		}
		if pfn+count > r.end() {
			return nil, internalFault(ErrRangeConflict, "pfn %#x+%#x overlaps mapped %#x+%#x", pfn, count, r.first, r.count)
		}
		end := off + count<<shift
		return r.mem[off:end:end], nil
	}
	if count == 0 {
		return nil, internalFault(ErrOutOfRange, "pfn %#x is not mapped", pfn)
	}
	if r := img.phys.startingIn(pfn, pfn+count); r != nil {
		return nil, internalFault(ErrRangeConflict, "pfn %#x+%#x overlaps mapped %#x+%#x", pfn, count, r.first, r.count)
	}

	r := &physRange{first: pfn, count: count}
	if img.hyp != nil {
		frames := make([]uint64, count)
		for i := range frames {
			mfn := img.HostFrame(pfn + uint64(i))
			if mfn == xen.InvalidMFN {
				return nil, internalFault(ErrOutOfRange, "pfn %#x has no machine frame", pfn+uint64(i))
			}
			frames[i] = mfn
		}
		mem, err := img.hyp.MapForeign(img.DomID, frames, shift)
		if err != nil {
			return nil, Hypercall("map_foreign_range", err)
		}
		r.mem = mem
		r.foreign = true
		img.mappedDomU += uint64(len(mem))
	} else {
		mem, err := img.pool.AllocPages(int(count << shift))
		if err != nil {
			return nil, err
		}
		r.mem = mem
	}
	img.phys.insert(r)
	return r.mem[:len(r.mem):len(r.mem)], nil
}

// SegBytes returns the memory of seg.
func (img *Image) SegBytes(seg Segment) ([]byte, error) {
	if seg.Pages == 0 {
		return nil, nil
	}
	return img.PFNToBytes(seg.PFN, seg.Pages)
}

// UnmapOne unmaps the whole range containing pfn, if any.
func (img *Image) UnmapOne(pfn uint64) error {
	r := img.phys.containing(pfn)
	if r == nil {
		img.blog.Debugf("unmap: pfn %#x not mapped", pfn)
		return nil
	}
	img.phys.remove(r)
	return img.unmapRange(r)
}

// UnmapAll unmaps every range. Guest memory must not stay mapped once the
// domain runs.
func (img *Image) UnmapAll() error {
	var first error
	for _, r := range img.phys.all() {
		if err := img.unmapRange(r); err != nil && first == nil {
			first = err
		}
	}
	img.phys.clear()
	return first
}

func (img *Image) unmapRange(r *physRange) error {
	if !r.foreign {
		// Pool memory is released with the pool.
		return nil
	}
	return Hypercall("munmap", img.hyp.Unmap(r.mem))
}

// Translated reports whether the guest runs with an auto-translated physmap.
func (img *Image) Translated() bool {
	return img.FeaturesActive.Has(xen.FeatAutoTranslatedPhysmap)
}

// HostFrame returns the frame number the builder uses to reach pfn through
// the hypervisor.
func (img *Image) HostFrame(pfn uint64) uint64 {
	if img.ShadowEnabled {
		return pfn
	}
	if pfn >= uint64(len(img.P2MHost)) {
		return xen.InvalidMFN
	}
	return img.P2MHost[pfn]
}

// GuestFrame returns the frame number the guest uses for pfn in its page
// tables and boot records.
func (img *Image) GuestFrame(pfn uint64) uint64 {
	if img.Translated() {
		return pfn
	}
	return img.HostFrame(pfn)
}

// UpdateGuestP2M writes P2MHost into the guest p2m segment at the width of
// the architecture. Invalid entries become all ones.
func (img *Image) UpdateGuestP2M() error {
	if img.P2MSeg.Pages == 0 || img.arch == nil {
		return nil
	}
	width := uint64(img.arch.PFNWidth())
	dst, err := img.SegBytes(img.P2MSeg)
	if err != nil {
		return err
	}
	if uint64(len(dst)) < img.TotalPages*width {
		return internalFault(ErrOutOfRange, "p2m segment of %d bytes holds fewer than %d entries", len(dst), img.TotalPages)
	}
	for i, mfn := range img.P2MHost[:img.TotalPages] {
		switch width {
		case 4:
			v := uint32(mfn)
			if mfn == xen.InvalidMFN {
				v = ^uint32(0)
			}
			binary.LittleEndian.PutUint32(dst[uint64(i)*4:], v)
		case 8:
			binary.LittleEndian.PutUint64(dst[uint64(i)*8:], mfn)
		default:
			return fmt.Errorf("%w: p2m width %d", ErrUnsupportedGuestType, width)
		}
	}
	return nil
}
