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
	"time"

	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/log"
)

// logged traces every call of the wrapped Hypervisor. Mapping calls are
// frequent during a build and go through a rate limited logger.
type logged struct {
	h    Hypervisor
	maps log.Logger
}

// Logged returns a Hypervisor that logs each call at debug level before
// forwarding it to h, and logs failures as warnings.
func Logged(h Hypervisor) Hypervisor {
	return &logged{
		h:    h,
		maps: log.BasicRateLimitedLogger(time.Second),
	}
}

func done(op string, err error) error {
	if err != nil {
		log.Warningf("xenctrl: %s failed: %v", op, err)
	}
	return err
}

// Capabilities implements Hypervisor.Capabilities.
func (l *logged) Capabilities() (string, error) {
	caps, err := l.h.Capabilities()
	log.Debugf("xenctrl: capabilities %q", caps)
	return caps, done("xen_capabilities", err)
}

// DomainInfo implements Hypervisor.DomainInfo.
func (l *logged) DomainInfo(domid uint32) (DomainInfo, error) {
	info, err := l.h.DomainInfo(domid)
	log.Debugf("xenctrl: getdomaininfo(%d) = %+v", domid, info)
	return info, done("getdomaininfo", err)
}

// SetAddressSize implements Hypervisor.SetAddressSize.
func (l *logged) SetAddressSize(domid uint32, bits int) error {
	log.Debugf("xenctrl: dom%d address size %d", domid, bits)
	return done("set_address_size", l.h.SetAddressSize(domid, bits))
}

// EnableShadowTranslate implements Hypervisor.EnableShadowTranslate.
func (l *logged) EnableShadowTranslate(domid uint32) error {
	log.Debugf("xenctrl: dom%d shadow translate", domid)
	return done("shadow_op_enable", l.h.EnableShadowTranslate(domid))
}

// PopulatePhysmap implements Hypervisor.PopulatePhysmap.
func (l *logged) PopulatePhysmap(domid uint32, order uint, extents []uint64) error {
	l.maps.Debugf("xenctrl: dom%d populate %d extents of order %d", domid, len(extents), order)
	return done("populate_physmap", l.h.PopulatePhysmap(domid, order, extents))
}

// MapForeign implements Hypervisor.MapForeign.
func (l *logged) MapForeign(domid uint32, frames []uint64, pageShift uint) ([]byte, error) {
	if len(frames) > 0 {
		l.maps.Debugf("xenctrl: dom%d map %d frames at %#x", domid, len(frames), frames[0])
	}
	b, err := l.h.MapForeign(domid, frames, pageShift)
	return b, done("map_foreign_range", err)
}

// Unmap implements Hypervisor.Unmap.
func (l *logged) Unmap(b []byte) error {
	return done("munmap", l.h.Unmap(b))
}

// MakePageBelow4G implements Hypervisor.MakePageBelow4G.
func (l *logged) MakePageBelow4G(domid uint32, mfn uint64) (uint64, error) {
	n, err := l.h.MakePageBelow4G(domid, mfn)
	log.Debugf("xenctrl: dom%d exchanged mfn %#x for %#x", domid, mfn, n)
	return n, done("make_page_below_4G", err)
}

// MachPhysUpdate implements Hypervisor.MachPhysUpdate.
func (l *logged) MachPhysUpdate(domid uint32, mfn, pfn uint64) error {
	log.Debugf("xenctrl: dom%d m2p[%#x] = %#x", domid, mfn, pfn)
	return done("mmu_machphys_update", l.h.MachPhysUpdate(domid, mfn, pfn))
}

// PinTable implements Hypervisor.PinTable.
func (l *logged) PinTable(domid uint32, pinType int, mfn uint64) error {
	log.Debugf("xenctrl: dom%d pin type %d mfn %#x", domid, pinType, mfn)
	return done("mmuext_pin_table", l.h.PinTable(domid, pinType, mfn))
}

// AddToPhysmap implements Hypervisor.AddToPhysmap.
func (l *logged) AddToPhysmap(domid uint32, space xen.MapSpace, idx, gpfn uint64) error {
	l.maps.Debugf("xenctrl: dom%d add %v frame %d at gpfn %#x", domid, space, idx, gpfn)
	// EINVAL ends the grant table probe, so it is not logged as a failure.
	return l.h.AddToPhysmap(domid, space, idx, gpfn)
}

// HypercallInit implements Hypervisor.HypercallInit.
func (l *logged) HypercallInit(domid uint32, gmfn uint64) error {
	log.Debugf("xenctrl: dom%d hypercall page at %#x", domid, gmfn)
	return done("hypercall_init", l.h.HypercallInit(domid, gmfn))
}

// ArchSetupIA64 implements Hypervisor.ArchSetupIA64.
func (l *logged) ArchSetupIA64(domid uint32, req ArchSetupIA64) error {
	log.Debugf("xenctrl: dom%d arch setup %+v", domid, req)
	return done("arch_setup", l.h.ArchSetupIA64(domid, req))
}

// SetVCPUContext implements Hypervisor.SetVCPUContext.
func (l *logged) SetVCPUContext(domid uint32, vcpu uint32, ctxt xen.VCPUContext) error {
	log.Debugf("xenctrl: dom%d vcpu%d context %+v", domid, vcpu, ctxt)
	return done("setvcpucontext", l.h.SetVCPUContext(domid, vcpu, ctxt))
}

// Unpause implements Hypervisor.Unpause.
func (l *logged) Unpause(domid uint32) error {
	log.Infof("xenctrl: unpausing dom%d", domid)
	return done("unpausedomain", l.h.Unpause(domid))
}
