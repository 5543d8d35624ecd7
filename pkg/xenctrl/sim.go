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
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/log"
)

// SimOptions configures a Sim.
type SimOptions struct {
	// DomID is the id of the single simulated domain.
	DomID uint32

	// Caps is the capability string. Defaults to every x86 PV guest type.
	Caps string

	// PageShift is the machine page shift. Defaults to 12.
	PageShift uint

	// FirstMFN is the first machine frame handed out by PopulatePhysmap.
	// Setting it at or above xen.Below4GMFNLimit forces PAE relocation.
	FirstMFN uint64

	// GrantFrames is the number of grant table frames AddToPhysmap accepts
	// before failing with EINVAL. Defaults to 4.
	GrantFrames int

	// TransientDomainInfoFailures makes the first N DomainInfo calls fail
	// with EAGAIN.
	TransientDomainInfoFailures int
}

// Pin records a PinTable call.
type Pin struct {
	Type int
	MFN  uint64
}

// PhysmapAdd records an AddToPhysmap call.
type PhysmapAdd struct {
	Space xen.MapSpace
	Idx   uint64
	GPFN  uint64
}

const (
	defaultSimCaps  = "xen-3.0-x86_64 xen-3.0-x86_32p xen-3.0-x86_32"
	defaultFirstMFN = 0x1000
	firstLowMFN     = 0x10
)

// Sim is an in-process Hypervisor with one domain. Machine frames live in a
// memfd, and MapForeign maps each frame with MAP_SHARED, so two mappings of
// the same frame alias just like foreign mappings of a live domain.
type Sim struct {
	opts SimOptions

	mu sync.Mutex

	// fd is the memfd backing all frames. nframes frames are allocated.
	fd      int
	nframes int64

	// frames maps a machine frame number to its index in fd.
	frames map[uint64]int64

	nextMFN uint64
	lowMFN  uint64

	// physmap maps guest frames to machine frames once the domain is
	// translated.
	physmap    map[uint64]uint64
	translated bool

	sharedInfo  uint64
	grantFrames []uint64
	m2p         map[uint64]uint64
	addrSize    int
	infoCalls   int

	pins        []Pin
	physmapAdds []PhysmapAdd
	archSetups  []ArchSetupIA64
	hypercall   []uint64
	vcpus       map[uint32]xen.VCPUContext
	running     bool
}

// NewSim creates a simulated hypervisor.
func NewSim(opts SimOptions) (*Sim, error) {
	if opts.Caps == "" {
		opts.Caps = defaultSimCaps
	}
	if opts.PageShift == 0 {
		opts.PageShift = xen.PageShiftX86
	}
	if opts.FirstMFN == 0 {
		opts.FirstMFN = defaultFirstMFN
	}
	if opts.GrantFrames == 0 {
		opts.GrantFrames = 4
	}
	fd, err := unix.MemfdCreate("xbuild-sim", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	s := &Sim{
		opts:    opts,
		fd:      fd,
		frames:  make(map[uint64]int64),
		nextMFN: opts.FirstMFN,
		lowMFN:  firstLowMFN,
		physmap: make(map[uint64]uint64),
		m2p:     make(map[uint64]uint64),
		vcpus:   make(map[uint32]xen.VCPUContext),
	}
	if s.sharedInfo, err = s.allocLowLocked(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// Close releases the frame store. Existing mappings stay valid until
// unmapped.
func (s *Sim) Close() error {
	return unix.Close(s.fd)
}

func (s *Sim) pageSize() int64 {
	return 1 << s.opts.PageShift
}

// growLocked makes room for n more frames and returns the first new index.
func (s *Sim) growLocked(n int64) (int64, error) {
	first := s.nframes
	if err := unix.Ftruncate(s.fd, (first+n)*s.pageSize()); err != nil {
		return 0, fmt.Errorf("growing frame store: %w", err)
	}
	s.nframes += n
	return first, nil
}

func (s *Sim) allocLowLocked() (uint64, error) {
	// Low frames stay below both 4GiB and the populated range.
	limit := min(uint64(xen.Below4GMFNLimit), s.opts.FirstMFN)
	if s.lowMFN >= limit {
		return 0, fmt.Errorf("no frames below 4GiB: %w", unix.ENOMEM)
	}
	idx, err := s.growLocked(1)
	if err != nil {
		return 0, err
	}
	mfn := s.lowMFN
	s.lowMFN++
	s.frames[mfn] = idx
	return mfn, nil
}

func (s *Sim) checkDomain(domid uint32) error {
	if domid != s.opts.DomID {
		return fmt.Errorf("domain %d: %w", domid, unix.ESRCH)
	}
	return nil
}

// resolveLocked returns the store index of a frame named by the builder.
func (s *Sim) resolveLocked(frame uint64) (int64, error) {
	mfn := frame
	if s.translated {
		m, ok := s.physmap[frame]
		if !ok {
			return 0, fmt.Errorf("gpfn %#x not populated: %w", frame, unix.EFAULT)
		}
		mfn = m
	}
	idx, ok := s.frames[mfn]
	if !ok {
		return 0, fmt.Errorf("mfn %#x not allocated: %w", mfn, unix.EFAULT)
	}
	return idx, nil
}

// Capabilities implements Hypervisor.Capabilities.
func (s *Sim) Capabilities() (string, error) {
	return s.opts.Caps, nil
}

// DomainInfo implements Hypervisor.DomainInfo.
func (s *Sim) DomainInfo(domid uint32) (DomainInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infoCalls++
	if s.infoCalls <= s.opts.TransientDomainInfoFailures {
		return DomainInfo{}, unix.EAGAIN
	}
	if domid > s.opts.DomID {
		return DomainInfo{}, fmt.Errorf("domain %d: %w", domid, unix.ESRCH)
	}
	return DomainInfo{
		DomID:           s.opts.DomID,
		SharedInfoFrame: s.sharedInfo,
		TotalPages:      uint64(len(s.frames)),
		Paused:          !s.running,
	}, nil
}

// SetAddressSize implements Hypervisor.SetAddressSize.
func (s *Sim) SetAddressSize(domid uint32, bits int) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	if bits != 32 && bits != 64 {
		return unix.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrSize = bits
	return nil
}

// EnableShadowTranslate implements Hypervisor.EnableShadowTranslate.
func (s *Sim) EnableShadowTranslate(domid uint32) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) > 1 {
		// Translation must be enabled before memory is populated.
		return unix.EBUSY
	}
	s.translated = true
	return nil
}

// PopulatePhysmap implements Hypervisor.PopulatePhysmap.
func (s *Sim) PopulatePhysmap(domid uint32, order uint, extents []uint64) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	per := uint64(1) << order
	idx, err := s.growLocked(int64(per) * int64(len(extents)))
	if err != nil {
		return err
	}
	for i, gpfn := range extents {
		mfn := s.nextMFN
		s.nextMFN += per
		for j := uint64(0); j < per; j++ {
			s.frames[mfn+j] = idx
			idx++
			if s.translated {
				s.physmap[gpfn+j] = mfn + j
			}
		}
		extents[i] = mfn
	}
	return nil
}

// MapForeign implements Hypervisor.MapForeign.
func (s *Sim) MapForeign(domid uint32, frames []uint64, pageShift uint) ([]byte, error) {
	if err := s.checkDomain(domid); err != nil {
		return nil, err
	}
	if pageShift != s.opts.PageShift || len(frames) == 0 {
		return nil, unix.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	offsets := make([]int64, len(frames))
	for i, f := range frames {
		idx, err := s.resolveLocked(f)
		if err != nil {
			return nil, err
		}
		offsets[i] = idx * s.pageSize()
	}

	ps := int(s.pageSize())
	b, err := unix.Mmap(-1, 0, len(frames)*ps, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("reserving %d frames: %w", len(frames), err)
	}
	for i, off := range offsets {
		addr := unsafe.Pointer(&b[i*ps])
		if _, err := unix.MmapPtr(s.fd, off, addr, uintptr(ps), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED); err != nil {
			unix.Munmap(b)
			return nil, fmt.Errorf("mapping frame %#x: %w", frames[i], err)
		}
	}
	return b, nil
}

// Unmap implements Hypervisor.Unmap.
func (s *Sim) Unmap(b []byte) error {
	return unix.Munmap(b)
}

// MakePageBelow4G implements Hypervisor.MakePageBelow4G. The replacement
// frame is zeroed; its previous contents are not carried over.
func (s *Sim) MakePageBelow4G(domid uint32, mfn uint64) (uint64, error) {
	if err := s.checkDomain(domid); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[mfn]; !ok {
		return 0, fmt.Errorf("mfn %#x: %w", mfn, unix.EINVAL)
	}
	if mfn < xen.Below4GMFNLimit {
		return mfn, nil
	}
	low, err := s.allocLowLocked()
	if err != nil {
		return 0, err
	}
	delete(s.frames, mfn)
	return low, nil
}

// MachPhysUpdate implements Hypervisor.MachPhysUpdate.
func (s *Sim) MachPhysUpdate(domid uint32, mfn, pfn uint64) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[mfn]; !ok {
		return fmt.Errorf("mfn %#x: %w", mfn, unix.EINVAL)
	}
	s.m2p[mfn] = pfn
	return nil
}

// PinTable implements Hypervisor.PinTable.
func (s *Sim) PinTable(domid uint32, pinType int, mfn uint64) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[mfn]; !ok {
		return fmt.Errorf("mfn %#x: %w", mfn, unix.EINVAL)
	}
	s.pins = append(s.pins, Pin{Type: pinType, MFN: mfn})
	return nil
}

// AddToPhysmap implements Hypervisor.AddToPhysmap.
func (s *Sim) AddToPhysmap(domid uint32, space xen.MapSpace, idx, gpfn uint64) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var mfn uint64
	switch space {
	case xen.MapSpaceSharedInfo:
		if idx != 0 {
			return unix.EINVAL
		}
		mfn = s.sharedInfo
	case xen.MapSpaceGrantTable:
		if idx >= uint64(s.opts.GrantFrames) {
			return unix.EINVAL
		}
		for uint64(len(s.grantFrames)) <= idx {
			m, err := s.allocLowLocked()
			if err != nil {
				return err
			}
			s.grantFrames = append(s.grantFrames, m)
		}
		mfn = s.grantFrames[idx]
	default:
		return unix.EINVAL
	}
	s.physmap[gpfn] = mfn
	s.physmapAdds = append(s.physmapAdds, PhysmapAdd{Space: space, Idx: idx, GPFN: gpfn})
	return nil
}

// HypercallInit implements Hypervisor.HypercallInit.
func (s *Sim) HypercallInit(domid uint32, gmfn uint64) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.resolveLocked(gmfn); err != nil {
		return err
	}
	s.hypercall = append(s.hypercall, gmfn)
	return nil
}

// ArchSetupIA64 implements Hypervisor.ArchSetupIA64.
func (s *Sim) ArchSetupIA64(domid uint32, req ArchSetupIA64) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archSetups = append(s.archSetups, req)
	return nil
}

// SetVCPUContext implements Hypervisor.SetVCPUContext.
func (s *Sim) SetVCPUContext(domid uint32, vcpu uint32, ctxt xen.VCPUContext) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	if ctxt == nil {
		return unix.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vcpus[vcpu] = ctxt
	return nil
}

// Unpause implements Hypervisor.Unpause.
func (s *Sim) Unpause(domid uint32) error {
	if err := s.checkDomain(domid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vcpus[0]; !ok {
		return fmt.Errorf("vcpu0 has no context: %w", unix.EINVAL)
	}
	s.running = true
	log.Debugf("sim: dom%d running", domid)
	return nil
}

// ReadFrame returns a copy of a frame, named the same way as for MapForeign.
func (s *Sim) ReadFrame(frame uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.resolveLocked(frame)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, s.pageSize())
	if _, err := unix.Pread(s.fd, buf, idx*s.pageSize()); err != nil {
		return nil, err
	}
	return buf, nil
}

// VCPUContext returns the context installed for vcpu.
func (s *Sim) VCPUContext(vcpu uint32) (xen.VCPUContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.vcpus[vcpu]
	return c, ok
}

// Pins returns the PinTable calls in order.
func (s *Sim) Pins() []Pin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Pin(nil), s.pins...)
}

// PhysmapAdds returns the successful AddToPhysmap calls in order.
func (s *Sim) PhysmapAdds() []PhysmapAdd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PhysmapAdd(nil), s.physmapAdds...)
}

// ArchSetups returns the ArchSetupIA64 requests in order.
func (s *Sim) ArchSetups() []ArchSetupIA64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ArchSetupIA64(nil), s.archSetups...)
}

// HypercallPages returns the frames passed to HypercallInit.
func (s *Sim) HypercallPages() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.hypercall...)
}

// M2P returns the pfn recorded for mfn by MachPhysUpdate.
func (s *Sim) M2P(mfn uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pfn, ok := s.m2p[mfn]
	return pfn, ok
}

// AddressSize returns the width set by SetAddressSize, or 0.
func (s *Sim) AddressSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrSize
}

// Translated reports whether shadow translate mode was enabled.
func (s *Sim) Translated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.translated
}

// Running reports whether the domain was unpaused.
func (s *Sim) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SharedInfoFrame returns the machine frame of shared_info.
func (s *Sim) SharedInfoFrame() uint64 {
	return s.sharedInfo
}
