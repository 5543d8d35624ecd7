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

	"github.com/sirupsen/logrus"
)

// PendingSegment is a virtual range the kernel asked for. It has no frames
// until BuildImage allocates it.
type PendingSegment struct {
	VStart uint64 `yaml:"vstart"`
	VEnd   uint64 `yaml:"vend"`
}

// Size returns the length of the range.
func (p PendingSegment) Size() uint64 {
	return p.VEnd - p.VStart
}

// Segment is an allocated, page aligned virtual range backed by Pages guest
// frames starting at PFN.
type Segment struct {
	Name   string `yaml:"name"`
	VStart uint64 `yaml:"vstart"`
	VEnd   uint64 `yaml:"vend"`
	PFN    uint64 `yaml:"pfn"`
	Pages  uint64 `yaml:"pages"`
}

// Allocated reports whether the segment was allocated.
func (s Segment) Allocated() bool {
	return s.Name != ""
}

// AllocSegment allocates size bytes of guest virtual space at start, or at
// the cursor when start is zero, and backs it with zeroed frames.
func (img *Image) AllocSegment(name string, start, size uint64) (Segment, error) {
	if img.TotalPages == 0 {
		return Segment{}, fmt.Errorf("%w: segment %s before memory init", ErrBadState, name)
	}
	ps := img.PageSize()
	if start == 0 {
		start = img.VirtAllocEnd
	}
	if start&(ps-1) != 0 {
		return Segment{}, internalFault(ErrRangeConflict, "segment %s start %#x is not page aligned", name, start)
	}
	if start < img.VirtAllocEnd {
		return Segment{}, internalFault(ErrRangeConflict, "segment %s start %#x below cursor %#x", name, start, img.VirtAllocEnd)
	}
	if start < img.Parms.VirtBase {
		return Segment{}, internalFault(ErrOutOfRange, "segment %s start %#x below virt_base %#x", name, start, img.Parms.VirtBase)
	}

	pages := (size + ps - 1) / ps
	seg := Segment{
		Name:   name,
		VStart: start,
		VEnd:   start + pages*ps,
		PFN:    (start - img.Parms.VirtBase) / ps,
		Pages:  pages,
	}
	if seg.PFN > img.TotalPages || pages > img.TotalPages-seg.PFN {
		return Segment{}, fmt.Errorf("%w: segment %s needs pfn %#x+%#x, guest has %#x pages", ErrOutOfMemory, name, seg.PFN, pages, img.TotalPages)
	}

	img.VirtAllocEnd = seg.VEnd
	if img.OnAllocate != nil {
		if err := img.OnAllocate(img.VirtAllocEnd); err != nil {
			return Segment{}, fmt.Errorf("segment %s: %w", name, err)
		}
	}

	if pages > 0 {
		mem, err := img.PFNToBytes(seg.PFN, pages)
		if err != nil {
			return Segment{}, fmt.Errorf("segment %s: %w", name, err)
		}
		clear(mem)
	}

	img.blog.WithFields(logrus.Fields{
		"segment": name,
		"pfn":     fmt.Sprintf("%#x", seg.PFN),
		"pages":   pages,
	}).Debugf("allocated %#x -> %#x", seg.VStart, seg.VEnd)
	return seg, nil
}

// AllocPage reserves one page at the cursor and returns its pfn. The page
// is not mapped.
func (img *Image) AllocPage(name string) (uint64, error) {
	if img.TotalPages == 0 {
		return 0, fmt.Errorf("%w: page %s before memory init", ErrBadState, name)
	}
	start := img.VirtAllocEnd
	pfn := (start - img.Parms.VirtBase) >> img.PageShift
	if pfn >= img.TotalPages {
		return 0, fmt.Errorf("%w: page %s at pfn %#x, guest has %#x pages", ErrOutOfMemory, name, pfn, img.TotalPages)
	}
	img.VirtAllocEnd += img.PageSize()
	if img.OnAllocate != nil {
		if err := img.OnAllocate(img.VirtAllocEnd); err != nil {
			return 0, fmt.Errorf("page %s: %w", name, err)
		}
	}
	img.blog.WithField("page", name).Debugf("allocated pfn %#x", pfn)
	return pfn, nil
}
