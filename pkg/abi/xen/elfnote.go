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

// ELF note types found in a "Xen" note.
const (
	ElfNoteInfo          = 0
	ElfNoteEntry         = 1
	ElfNoteHypercallPage = 2
	ElfNoteVirtBase      = 3
	ElfNotePaddrOffset   = 4
	ElfNoteXenVersion    = 5
	ElfNoteGuestOS       = 6
	ElfNoteGuestVersion  = 7
	ElfNoteLoader        = 8
	ElfNotePAEMode       = 9
	ElfNoteFeatures      = 10
	ElfNoteBSDSymtab     = 11
	ElfNoteHVStartLow    = 12
	ElfNoteL1MFNValid    = 13
	ElfNoteSuspendCancel = 14
	ElfNoteInitP2M       = 15
)

// ElfNoteName is the owner name of every Xen note.
const ElfNoteName = "Xen"

// LegacyGuestSection is the section holding the pre-note "KEY=VALUE,..."
// descriptor string.
const LegacyGuestSection = "__xen_guest"

// PAE modes declared by a kernel.
const (
	PAENone    = 0
	PAEYes     = 1
	PAEExtCR3  = 2
	PAEBimodal = 3
)
