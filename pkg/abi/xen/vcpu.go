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

// Flat segment selectors installed by the hypervisor for PV kernels.
const (
	FlatKernelCS64 = 0xe033
	FlatKernelDS64 = 0xe02b
	FlatKernelSS64 = 0xe02b
	FlatKernelCS32 = 0xe019
	FlatKernelDS32 = 0xe021
	FlatKernelSS32 = 0xe021
)

// vcpu_guest_context flags.
const (
	VGCFInKernel = 1 << 2
	VGCFOnline   = 1 << 5
)

// VMAsstTypePAEExtendedCR3 lets a PAE guest place its L3 above 4GiB.
const VMAsstTypePAEExtendedCR3 = 3

// X86EFlagsIF is the interrupt enable flag.
const X86EFlagsIF = 1 << 9

// Itanium processor status register bits.
const (
	IA64PSRAC = 1 << 3
	IA64PSRIC = 1 << 13
	IA64PSRBN = 1 << 44
)

// VCPUContext is the initial register state of a virtual CPU. It is
// implemented by *VCPUContextX86 and *VCPUContextIA64.
type VCPUContext interface {
	// GuestType returns the guest type the context was built for.
	GuestType() string
}

// UserRegsX86 holds the general purpose state that a PV kernel starts with.
type UserRegsX86 struct {
	RIP    uint64
	RSP    uint64
	RSI    uint64
	RFlags uint64
	CS     uint16
	SS     uint16
	DS     uint16
	ES     uint16
	FS     uint16
	GS     uint16
}

// VCPUContextX86 is vcpu_guest_context for x86 guests.
type VCPUContextX86 struct {
	Guest    string
	Flags    uint64
	User     UserRegsX86
	KernelSS uint64
	KernelSP uint64
	VMAssist uint64
	CtrlReg  [8]uint64
}

// GuestType implements VCPUContext.GuestType.
func (c *VCPUContextX86) GuestType() string { return c.Guest }

// VCPUContextIA64 is vcpu_guest_context for Itanium guests.
type VCPUContextIA64 struct {
	Guest string
	Flags uint64
	PSR   uint64
	IP    uint64
	CFM   uint64
	R28   uint64
}

// GuestType implements VCPUContext.GuestType.
func (c *VCPUContextIA64) GuestType() string { return c.Guest }
