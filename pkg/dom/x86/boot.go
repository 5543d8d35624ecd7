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

package x86

import (
	"fmt"

	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/binary"
	"xenbuild.dev/xenbuild/pkg/dom"
)

// StartInfo implements dom.Arch.StartInfo.
func (a *Arch) StartInfo(img *dom.Image) error {
	page, err := img.PFNToBytes(img.StartInfoPFN, 1)
	if err != nil {
		return err
	}
	clear(page)

	opts := img.Options()
	shinfo := img.SharedInfoMFN
	if img.Translated() {
		shinfo = img.SharedInfoPFN
	}
	var modStart, modLen uint64
	if img.RamdiskSeg.Allocated() {
		modStart = img.RamdiskSeg.VStart
		modLen = img.RamdiskSeg.VEnd - img.RamdiskSeg.VStart
	}
	img.BuildLog().Debugf("start_info: pfn %#x, shared_info %#x, ramdisk %#x+%#x", img.StartInfoPFN, shinfo, modStart, modLen)

	var rec any
	if a.is64 {
		si := xen.StartInfo64{
			NrPages:       img.TotalPages,
			SharedInfo:    shinfo << pageShift,
			Flags:         opts.Flags,
			StoreMFN:      img.GuestFrame(img.XenstorePFN),
			StoreEvtchn:   opts.StoreEvtchn,
			ConsoleMFN:    img.GuestFrame(img.ConsolePFN),
			ConsoleEvtchn: opts.ConsoleEvtchn,
			PTBase:        img.PgtablesSeg.VStart,
			NrPTFrames:    img.Pg.Total,
			MFNList:       img.P2MSeg.VStart,
			ModStart:      modStart,
			ModLen:        modLen,
		}
		xen.PutString(si.Magic[:], a.guestType)
		xen.PutString(si.CmdLine[:], opts.Cmdline)
		rec = &si
	} else {
		si := xen.StartInfoX86_32{
			NrPages:       uint32(img.TotalPages),
			SharedInfo:    uint32(shinfo << pageShift),
			Flags:         opts.Flags,
			StoreMFN:      uint32(img.GuestFrame(img.XenstorePFN)),
			StoreEvtchn:   opts.StoreEvtchn,
			ConsoleMFN:    uint32(img.GuestFrame(img.ConsolePFN)),
			ConsoleEvtchn: opts.ConsoleEvtchn,
			PTBase:        uint32(img.PgtablesSeg.VStart),
			NrPTFrames:    uint32(img.Pg.Total),
			MFNList:       uint32(img.P2MSeg.VStart),
			ModStart:      uint32(modStart),
			ModLen:        uint32(modLen),
		}
		xen.PutString(si.Magic[:], a.guestType)
		xen.PutString(si.CmdLine[:], opts.Cmdline)
		rec = &si
	}
	if _, err := binary.MarshalInto(page, binary.LittleEndian, rec); err != nil {
		return fmt.Errorf("start_info: %w", err)
	}
	return nil
}

// SharedInfo implements dom.Arch.SharedInfo. Event delivery starts masked
// on every vcpu.
func (a *Arch) SharedInfo(img *dom.Image, page []byte) error {
	if len(page) < xen.LegacyMaxVCPUs*xen.VCPUInfoSizeX86 {
		return fmt.Errorf("%w: shared_info mapping of %d bytes", dom.ErrOutOfRange, len(page))
	}
	clear(page)
	for i := 0; i < xen.LegacyMaxVCPUs; i++ {
		page[i*xen.VCPUInfoSizeX86+xen.VCPUInfoUpcallMask] = 1
	}
	return nil
}

// VCPU implements dom.Arch.VCPU.
func (a *Arch) VCPU(img *dom.Image) (xen.VCPUContext, error) {
	vb := img.Parms.VirtBase
	ctxt := &xen.VCPUContextX86{
		Guest: a.guestType,
		Flags: xen.VGCFInKernel | xen.VGCFOnline,
	}
	regs := &ctxt.User
	if a.is64 {
		regs.CS = xen.FlatKernelCS64
		regs.DS, regs.ES, regs.FS, regs.GS = xen.FlatKernelDS64, xen.FlatKernelDS64, xen.FlatKernelDS64, xen.FlatKernelDS64
		regs.SS = xen.FlatKernelSS64
	} else {
		regs.CS = xen.FlatKernelCS32
		regs.DS, regs.ES, regs.FS, regs.GS = xen.FlatKernelDS32, xen.FlatKernelDS32, xen.FlatKernelDS32, xen.FlatKernelDS32
		regs.SS = xen.FlatKernelSS32
	}
	regs.RIP = img.Parms.VirtEntry
	regs.RSP = vb + (img.BootstackPFN+1)<<pageShift
	regs.RSI = vb + img.StartInfoPFN<<pageShift
	regs.RFlags = xen.X86EFlagsIF

	ctxt.KernelSS = uint64(regs.SS)
	ctxt.KernelSP = regs.RSP

	if !a.is64 && (img.Parms.PAE == xen.PAEExtCR3 || img.Parms.PAE == xen.PAEBimodal) {
		ctxt.VMAssist |= 1 << xen.VMAsstTypePAEExtendedCR3
	}

	cr3pfn := img.GuestFrame(img.PgtablesSeg.PFN)
	if a.is64 {
		ctxt.CtrlReg[3] = cr3pfn << pageShift
	} else {
		// The 32-bit cr3 format rotates the frame so that frames above 4GiB
		// fit in 32 bits.
		ctxt.CtrlReg[3] = uint64(uint32(cr3pfn<<pageShift | cr3pfn>>20))
	}
	img.BuildLog().Debugf("cr3: pfn %#x mfn %#x", img.PgtablesSeg.PFN, cr3pfn)
	return ctxt, nil
}
