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

// Package xenctrl defines the hypervisor control-plane operations a domain
// builder depends on.
//
// The real transport issues domctl, memory and MMU hypercalls through the
// privcmd driver. This package only fixes the contract, and provides Sim, an
// in-process hypervisor used by tests and by "xbuild build --simulate".
package xenctrl

import (
	"xenbuild.dev/xenbuild/pkg/abi/xen"
)

// DomainInfo is the subset of XEN_DOMCTL_getdomaininfo the builder reads.
type DomainInfo struct {
	DomID           uint32
	SharedInfoFrame uint64
	TotalPages      uint64
	Paused          bool
}

// ArchSetupIA64 is the XEN_DOMCTL_arch_setup request for Itanium guests.
type ArchSetupIA64 struct {
	BootParamAddr uint64
	MaxMem        uint64
}

// Hypervisor is the transport used to construct a domain. Every method is a
// blocking call. Errors carry the underlying errno where one exists, so
// callers may test them with errors.Is against golang.org/x/sys/unix values.
type Hypervisor interface {
	// Capabilities returns the space separated guest types the hypervisor
	// can run.
	Capabilities() (string, error)

	// DomainInfo returns information for the first domain whose id is at
	// least domid. Callers must check DomainInfo.DomID.
	DomainInfo(domid uint32) (DomainInfo, error)

	// SetAddressSize sets the guest address width in bits.
	SetAddressSize(domid uint32, bits int) error

	// EnableShadowTranslate turns on refcounted translated shadow mode.
	EnableShadowTranslate(domid uint32) error

	// PopulatePhysmap allocates 1<<order frames for each extent. On entry
	// extents holds guest frame numbers; on success each is replaced by the
	// first machine frame of its extent.
	PopulatePhysmap(domid uint32, order uint, extents []uint64) error

	// MapForeign maps frames of the domain contiguously into the caller.
	// Frames are machine frames, or guest frames for translated domains.
	MapForeign(domid uint32, frames []uint64, pageShift uint) ([]byte, error)

	// Unmap releases a mapping returned by MapForeign.
	Unmap(b []byte) error

	// MakePageBelow4G exchanges mfn for a frame below 4GiB and returns it.
	MakePageBelow4G(domid uint32, mfn uint64) (uint64, error)

	// MachPhysUpdate records pfn as the owner of mfn in the m2p table.
	MachPhysUpdate(domid uint32, mfn, pfn uint64) error

	// PinTable pins mfn as a page table of the given MMUEXT pin type.
	PinTable(domid uint32, pinType int, mfn uint64) error

	// AddToPhysmap inserts frame idx of space at gpfn.
	AddToPhysmap(domid uint32, space xen.MapSpace, idx, gpfn uint64) error

	// HypercallInit fills the frame gmfn with hypercall trampolines.
	HypercallInit(domid uint32, gmfn uint64) error

	// ArchSetupIA64 performs the Itanium arch-setup domctl.
	ArchSetupIA64(domid uint32, req ArchSetupIA64) error

	// SetVCPUContext installs the initial state of a virtual CPU.
	SetVCPUContext(domid uint32, vcpu uint32, ctxt xen.VCPUContext) error

	// Unpause lets the domain run.
	Unpause(domid uint32) error
}
