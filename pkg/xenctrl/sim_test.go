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

package xenctrl

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
)

func newSim(t *testing.T, opts SimOptions) *Sim {
	t.Helper()
	s, err := NewSim(opts)
	if err != nil {
		t.Fatalf("NewSim: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSimMappingsAlias(t *testing.T) {
	s := newSim(t, SimOptions{DomID: 3})
	extents := []uint64{0, 1, 2, 3}
	if err := s.PopulatePhysmap(3, 0, extents); err != nil {
		t.Fatalf("PopulatePhysmap: %v", err)
	}
	if diff := cmp.Diff([]uint64{0x1000, 0x1001, 0x1002, 0x1003}, extents); diff != "" {
		t.Errorf("extents mismatch (-want +got):\n%s", diff)
	}

	// Map frames out of order, then map one frame again on its own.
	a, err := s.MapForeign(3, []uint64{0x1002, 0x1000}, 12)
	if err != nil {
		t.Fatalf("MapForeign: %v", err)
	}
	defer s.Unmap(a)
	b, err := s.MapForeign(3, []uint64{0x1000}, 12)
	if err != nil {
		t.Fatalf("MapForeign: %v", err)
	}
	defer s.Unmap(b)

	copy(a[4096:], "frame 0x1000")
	if !bytes.HasPrefix(b, []byte("frame 0x1000")) {
		t.Errorf("second mapping does not alias the first: %q", b[:16])
	}
	got, err := s.ReadFrame(0x1000)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.HasPrefix(got, []byte("frame 0x1000")) {
		t.Errorf("ReadFrame = %q", got[:16])
	}
}

func TestSimErrors(t *testing.T) {
	s := newSim(t, SimOptions{DomID: 1})
	if _, err := s.MapForeign(1, []uint64{0x9999}, 12); !errors.Is(err, unix.EFAULT) {
		t.Errorf("MapForeign(unallocated) = %v, want EFAULT", err)
	}
	if err := s.PopulatePhysmap(2, 0, []uint64{0}); !errors.Is(err, unix.ESRCH) {
		t.Errorf("PopulatePhysmap(other domain) = %v, want ESRCH", err)
	}
	if err := s.Unpause(1); err == nil {
		t.Errorf("Unpause without a vcpu context succeeded")
	}
}

func TestSimGrantFrames(t *testing.T) {
	s := newSim(t, SimOptions{DomID: 1, GrantFrames: 2})
	if err := s.EnableShadowTranslate(1); err != nil {
		t.Fatalf("EnableShadowTranslate: %v", err)
	}
	for i := uint64(0); i < 2; i++ {
		if err := s.AddToPhysmap(1, xen.MapSpaceGrantTable, i, 100+i); err != nil {
			t.Fatalf("AddToPhysmap(%d): %v", i, err)
		}
	}
	if err := s.AddToPhysmap(1, xen.MapSpaceGrantTable, 2, 102); !errors.Is(err, unix.EINVAL) {
		t.Errorf("AddToPhysmap past the grant table = %v, want EINVAL", err)
	}
	if err := s.AddToPhysmap(1, xen.MapSpaceSharedInfo, 0, 7); err != nil {
		t.Fatalf("AddToPhysmap(shared_info): %v", err)
	}
	m, err := s.MapForeign(1, []uint64{7}, 12)
	if err != nil {
		t.Fatalf("MapForeign(shared_info gpfn): %v", err)
	}
	m[1] = 1
	s.Unmap(m)
	got, err := s.ReadFrame(7)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got[1] != 1 {
		t.Errorf("shared_info write not visible through gpfn")
	}
}

func TestSimBelow4G(t *testing.T) {
	s := newSim(t, SimOptions{DomID: 1, FirstMFN: 0x200000})
	ext := []uint64{0}
	if err := s.PopulatePhysmap(1, 0, ext); err != nil {
		t.Fatalf("PopulatePhysmap: %v", err)
	}
	low, err := s.MakePageBelow4G(1, ext[0])
	if err != nil {
		t.Fatalf("MakePageBelow4G: %v", err)
	}
	if low >= xen.Below4GMFNLimit {
		t.Errorf("MakePageBelow4G = %#x, want below %#x", low, xen.Below4GMFNLimit)
	}
	if _, err := s.ReadFrame(ext[0]); err == nil {
		t.Errorf("old frame %#x still readable after exchange", ext[0])
	}
}

func TestSimTransientDomainInfo(t *testing.T) {
	s := newSim(t, SimOptions{DomID: 4, TransientDomainInfoFailures: 1})
	if _, err := s.DomainInfo(4); !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("first DomainInfo = %v, want EAGAIN", err)
	}
	info, err := s.DomainInfo(4)
	if err != nil {
		t.Fatalf("DomainInfo: %v", err)
	}
	if info.DomID != 4 || info.SharedInfoFrame != s.SharedInfoFrame() {
		t.Errorf("DomainInfo = %+v", info)
	}
}

func TestLoggedForwards(t *testing.T) {
	s := newSim(t, SimOptions{DomID: 1})
	h := Logged(s)
	ctx := &xen.VCPUContextX86{Guest: xen.GuestX86_64}
	if err := h.SetVCPUContext(1, 0, ctx); err != nil {
		t.Fatalf("SetVCPUContext: %v", err)
	}
	if err := h.Unpause(1); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if !s.Running() {
		t.Errorf("domain not running after Unpause through Logged")
	}
	if got, ok := s.VCPUContext(0); !ok || got != xen.VCPUContext(ctx) {
		t.Errorf("VCPUContext(0) = %v, %v", got, ok)
	}
}
