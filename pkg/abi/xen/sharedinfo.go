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

package xen

// Shared-info geometry.
const (
	// LegacyMaxVCPUs is the number of vcpu_info slots in shared_info.
	LegacyMaxVCPUs = 32

	// VCPUInfoSizeX86 is sizeof(struct vcpu_info) on x86.
	VCPUInfoSizeX86 = 64

	// VCPUInfoSizeIA64 is sizeof(struct vcpu_info) on ia64.
	VCPUInfoSizeIA64 = 48

	// VCPUInfoUpcallMask is the offset of evtchn_upcall_mask in vcpu_info.
	VCPUInfoUpcallMask = 1

	// ArchSharedInfoOffsetIA64 is where arch_shared_info begins on ia64:
	// after the vcpu_info array, the pending and mask event bitmaps and the
	// wallclock.
	ArchSharedInfoOffsetIA64 = LegacyMaxVCPUs*VCPUInfoSizeIA64 + 512 + 512 + 16
)

// ArchSharedInfoIA64 is the leading part of arch_shared_info on ia64.
type ArchSharedInfoIA64 struct {
	StartInfoPFN       uint64
	MemmapInfoNumPages uint64
	MemmapInfoPFN      uint64
}

// EFI memory map constants.
const (
	EFIConventionalMemory = 7
	EFIMemoryWB           = 0x8
	EFIMemdescVersion     = 1
	EFIPageShift          = 12
)

// EFIMemoryDesc is efi_memory_desc_t.
type EFIMemoryDesc struct {
	Type      uint32
	_         [4]uint8
	PhysAddr  uint64
	VirtAddr  uint64
	NumPages  uint64
	Attribute uint64
}

// MemmapInfoIA64 is the header of the page the builder hands to firmware
// setup; memory descriptors follow it.
type MemmapInfoIA64 struct {
	EFIMemmapSize     uint64
	EFIMemdescSize    uint32
	EFIMemdescVersion uint32
}
