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

// MaxGuestCmdline is the size of the start-info command line buffer.
const MaxGuestCmdline = 1024

// StartInfoX86_32 is start_info_t for 32-bit guests.
type StartInfoX86_32 struct {
	Magic         [32]uint8
	NrPages       uint32
	SharedInfo    uint32
	Flags         uint32
	StoreMFN      uint32
	StoreEvtchn   uint32
	ConsoleMFN    uint32
	ConsoleEvtchn uint32
	PTBase        uint32
	NrPTFrames    uint32
	MFNList       uint32
	ModStart      uint32
	ModLen        uint32
	CmdLine       [MaxGuestCmdline]uint8
}

// StartInfo64 is start_info_t for guests with a 64-bit word, x86_64 and
// ia64.
type StartInfo64 struct {
	Magic         [32]uint8
	NrPages       uint64
	SharedInfo    uint64
	Flags         uint32
	_             [4]uint8
	StoreMFN      uint64
	StoreEvtchn   uint32
	_             [4]uint8
	ConsoleMFN    uint64
	ConsoleEvtchn uint32
	_             [4]uint8
	PTBase        uint64
	NrPTFrames    uint64
	MFNList       uint64
	ModStart      uint64
	ModLen        uint64
	CmdLine       [MaxGuestCmdline]uint8
}

// StartInfo64CmdLineOffset is the offset of CmdLine in StartInfo64.
const StartInfo64CmdLineOffset = 128

// PutString copies s into a fixed buffer, truncating so that the result is
// always NUL terminated.
func PutString(dst []uint8, s string) {
	n := copy(dst[:len(dst)-1], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// CString returns the NUL terminated prefix of b.
func CString(b []uint8) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ConsoleInfoIA64 describes the firmware text console.
type ConsoleInfoIA64 struct {
	NumCols uint16
	NumRows uint16
	OrigX   uint16
	OrigY   uint16
}

// BootParamIA64 is the Itanium boot_param record. The builder places it
// directly after the start-info record.
type BootParamIA64 struct {
	CommandLine       uint64
	EFISystab         uint64
	EFIMemmap         uint64
	EFIMemmapSize     uint64
	EFIMemdescSize    uint64
	EFIMemdescVersion uint32
	_                 [4]uint8
	ConsoleInfo       ConsoleInfoIA64
	FPSWA             uint64
	InitrdStart       uint64
	InitrdSize        uint64
	DomainStart       uint64
	DomainSize        uint64
}
