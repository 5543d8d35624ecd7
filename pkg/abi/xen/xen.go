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

// Package xen contains the subset of the Xen guest ABI that a domain builder
// writes into guest memory or passes to the hypervisor.
package xen

import (
	"strings"
)

// Guest types, as named by the hypervisor capability string.
const (
	GuestX86_32    = "xen-3.0-x86_32"
	GuestX86_32PAE = "xen-3.0-x86_32p"
	GuestX86_64    = "xen-3.0-x86_64"
	GuestIA64      = "xen-3.0-ia64"
	GuestIA64BE    = "xen-3.0-ia64be"
	GuestUnknown   = "xen-3.0-unknown"
)

// Page geometry.
const (
	PageShiftX86  = 12
	PageShiftIA64 = 14
)

// InvalidMFN marks a p2m entry with no machine frame behind it.
const InvalidMFN = ^uint64(0)

// Start-info flags.
const (
	SIFPrivileged = 1 << 0
	SIFInitDomain = 1 << 1
)

// MMU extended operations used to pin a top-level page table.
const (
	MMUExtPinL1Table = 0
	MMUExtPinL2Table = 1
	MMUExtPinL3Table = 2
	MMUExtPinL4Table = 3
)

// MapSpace selects what XENMEM_add_to_physmap inserts.
type MapSpace int

// Map spaces.
const (
	MapSpaceSharedInfo MapSpace = 0
	MapSpaceGrantTable MapSpace = 1
)

func (s MapSpace) String() string {
	switch s {
	case MapSpaceSharedInfo:
		return "shared_info"
	case MapSpaceGrantTable:
		return "grant_table"
	default:
		return "unknown"
	}
}

// HasCapability reports whether guestType is one of the space separated
// entries in caps.
func HasCapability(caps, guestType string) bool {
	for _, c := range strings.Fields(caps) {
		if c == guestType {
			return true
		}
	}
	return false
}
