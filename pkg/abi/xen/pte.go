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

// Page table entry bits.
const (
	PTEPresent  = 1 << 0
	PTEWritable = 1 << 1
	PTEUser     = 1 << 2
	PTEAccessed = 1 << 5
	PTEDirty    = 1 << 6
)

// Protections of builder-created page table entries, by level.
const (
	L1Prot    = PTEPresent | PTEWritable | PTEAccessed
	L2Prot    = PTEPresent | PTEWritable | PTEAccessed | PTEDirty | PTEUser
	L3ProtPAE = PTEPresent
	L3Prot    = PTEPresent | PTEWritable | PTEAccessed | PTEDirty | PTEUser
	L4Prot    = PTEPresent | PTEWritable | PTEAccessed | PTEDirty | PTEUser
)

// Below4GMFNLimit is the first machine frame at or above 4GiB with 4KiB
// pages. PAE guests without extended-cr3 need their L3 below it.
const Below4GMFNLimit = 0x100000

// PAEHypervisorHole is the start of the top 1GiB of a PAE address space.
const PAEHypervisorHole = 0xc0000000
