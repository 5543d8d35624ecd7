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

// Layout is a summary of a build, suitable for reports.
type Layout struct {
	State     string `yaml:"state"`
	Loader    string `yaml:"loader,omitempty"`
	GuestType string `yaml:"guest_type,omitempty"`
	Features  string `yaml:"features,omitempty"`
	DomID     uint32 `yaml:"domid,omitempty"`

	PageSize   uint64 `yaml:"page_size,omitempty"`
	TotalPages uint64 `yaml:"total_pages,omitempty"`

	Parms Parms `yaml:"parms"`

	Segments []Segment         `yaml:"segments,omitempty"`
	Pages    map[string]uint64 `yaml:"pages,omitempty"`

	PageTables   PageTableCounts `yaml:"page_tables"`
	VirtAllocEnd uint64          `yaml:"virt_alloc_end"`
	VirtPgtabEnd uint64          `yaml:"virt_pgtab_end"`

	ConsoleMFN uint64 `yaml:"console_mfn,omitempty"`
	StoreMFN   uint64 `yaml:"store_mfn,omitempty"`

	Pool       PoolStats `yaml:"pool"`
	MappedDomU uint64    `yaml:"mapped_domu"`
}

// Layout returns the current layout of the build.
func (img *Image) Layout() Layout {
	l := Layout{
		State:        img.state.String(),
		GuestType:    img.GuestType,
		DomID:        img.DomID,
		TotalPages:   img.TotalPages,
		Parms:        img.Parms,
		PageTables:   img.Pg,
		VirtAllocEnd: img.VirtAllocEnd,
		VirtPgtabEnd: img.VirtPgtabEnd,
		ConsoleMFN:   img.ConsoleMFN,
		StoreMFN:     img.StoreMFN,
		Pool:         img.pool.Stats(),
		MappedDomU:   img.mappedDomU,
	}
	if img.loader != nil {
		l.Loader = img.loader.Name()
	}
	if img.FeaturesActive != 0 {
		l.Features = img.FeaturesActive.String()
	}
	if img.TotalPages != 0 {
		l.PageSize = img.PageSize()
	}
	for _, s := range []Segment{img.KernelSeg, img.RamdiskSeg, img.P2MSeg, img.PgtablesSeg} {
		if s.Allocated() {
			l.Segments = append(l.Segments, s)
		}
	}
	pages := map[string]uint64{
		"start_info":  img.StartInfoPFN,
		"console":     img.ConsolePFN,
		"xenstore":    img.XenstorePFN,
		"shared_info": img.SharedInfoPFN,
		"boot_stack":  img.BootstackPFN,
	}
	for k, v := range pages {
		if v == 0 {
			delete(pages, k)
		}
	}
	if len(pages) > 0 {
		l.Pages = pages
	}
	return l
}

// logFootprint reports the host memory the build used.
func (img *Image) logFootprint() {
	st := img.pool.Stats()
	img.blog.WithFields(logrus.Fields{
		"malloc":    kib(st.Malloc),
		"anon_mmap": kib(st.AnonMmap),
		"file_mmap": kib(st.FileMmap),
		"domU_mmap": kib(img.mappedDomU),
	}).Info("builder memory footprint")
}

func kib(n uint64) string {
	return fmt.Sprintf("%d kB", n>>10)
}
