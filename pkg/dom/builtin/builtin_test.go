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

package builtin

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/binary"
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/dom/binload"
	"xenbuild.dev/xenbuild/pkg/dom/bzimage"
	"xenbuild.dev/xenbuild/pkg/dom/domtest"
	"xenbuild.dev/xenbuild/pkg/dom/elfload"
	"xenbuild.dev/xenbuild/pkg/xenctrl"
)

const (
	testDomID = 5
	memMB     = 64
)

func newSim(t *testing.T, opts xenctrl.SimOptions) *xenctrl.Sim {
	t.Helper()
	opts.DomID = testDomID
	s, err := xenctrl.NewSim(opts)
	if err != nil {
		t.Fatalf("NewSim: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newImage(t *testing.T, kernel []byte, opts dom.Options) *dom.Image {
	t.Helper()
	img := dom.New(Registry(), opts)
	img.SetKernel(kernel)
	t.Cleanup(func() { img.Release() })
	return img
}

// liveBuild builds kernel on s through every phase.
func liveBuild(t *testing.T, s *xenctrl.Sim, kernel []byte, opts dom.Options) *dom.Image {
	t.Helper()
	img := newImage(t, kernel, opts)
	if err := img.Attach(s, testDomID); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := img.Build(context.Background(), memMB); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return img
}

func readFrame(t *testing.T, s *xenctrl.Sim, frame uint64) []byte {
	t.Helper()
	b, err := s.ReadFrame(frame)
	if err != nil {
		t.Fatalf("ReadFrame(%#x): %v", frame, err)
	}
	return b
}

func TestRegistryOrder(t *testing.T) {
	r := Registry()
	var loaders, arches []string
	for _, l := range r.Loaders {
		loaders = append(loaders, l.Name())
	}
	for _, a := range r.Arches {
		arches = append(arches, a.GuestType())
	}
	if diff := cmp.Diff([]string{bzimage.Name, elfload.Name, binload.Name}, loaders); diff != "" {
		t.Errorf("loaders mismatch (-want +got):\n%s", diff)
	}
	want := []string{xen.GuestX86_32, xen.GuestX86_32PAE, xen.GuestX86_64, xen.GuestIA64}
	if diff := cmp.Diff(want, arches); diff != "" {
		t.Errorf("arches mismatch (-want +got):\n%s", diff)
	}
}

func TestFindLoader(t *testing.T) {
	elfImage := domtest.Kernel64().Bytes()
	bin := (&domtest.Binary{TableOff: 0x40, Size: 0x3000, LoadAddr: 0x100000, Flags: binload.FlagAddrsValid}).Bytes()
	for _, tc := range []struct {
		name   string
		kernel []byte
		want   string
	}{
		{name: "elf", kernel: elfImage, want: elfload.Name},
		{name: "gzip elf", kernel: domtest.Gzip(elfImage), want: elfload.Name},
		{name: "bzimage", kernel: domtest.BzImage(domtest.Gzip(elfImage), bzimage.MinVersion), want: bzimage.Name},
		{name: "binary", kernel: bin, want: binload.Name},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// The choice must not depend on earlier probes.
			for i := 0; i < 3; i++ {
				img := newImage(t, tc.kernel, dom.Options{})
				l, err := Registry().FindLoader(img)
				if err != nil {
					t.Fatalf("FindLoader: %v", err)
				}
				if l.Name() != tc.want {
					t.Fatalf("FindLoader = %s, want %s", l.Name(), tc.want)
				}
			}
		})
	}
}

func TestUnrecognizedKernel(t *testing.T) {
	for _, tc := range []struct {
		name   string
		kernel []byte
	}{
		{name: "binary bad checksum", kernel: (&domtest.Binary{TableOff: 0x40, Size: 0x3000, LoadAddr: 0x100000, Flags: binload.FlagAddrsValid, BadChecksum: true}).Bytes()},
		{name: "zeroes", kernel: make([]byte, 0x1000)},
		{name: "old bzimage", kernel: domtest.BzImage(domtest.Gzip(domtest.Kernel64().Bytes()), 0x0206)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := newImage(t, tc.kernel, dom.Options{})
			err := img.ParseImage()
			if !errors.Is(err, dom.ErrFormatNotRecognized) {
				t.Fatalf("ParseImage = %v, want %v", err, dom.ErrFormatNotRecognized)
			}
			if err := img.MemInit(memMB); !errors.Is(err, dom.ErrBadState) {
				t.Errorf("MemInit after failure = %v, want %v", err, dom.ErrBadState)
			}
		})
	}
}

func TestBuildX86_64(t *testing.T) {
	s := newSim(t, xenctrl.SimOptions{})
	opts := dom.Options{
		Cmdline:       "console=hvc0 root=/dev/xvda1",
		ConsoleEvtchn: 2,
		StoreEvtchn:   1,
	}
	img := liveBuild(t, s, domtest.Kernel64().Bytes(), opts)
	if img.State() != dom.Booted {
		t.Fatalf("state = %v, want %v", img.State(), dom.Booted)
	}

	const firstMFN = 0x1000
	kernelPFN := uint64(domtest.KernelAddr >> 12)
	wantSegs := []dom.Segment{
		{Name: "kernel", VStart: 0x100000, VEnd: 0x104000, PFN: kernelPFN, Pages: 4},
		{Name: "phys2mach", VStart: 0x104000, VEnd: 0x124000, PFN: 0x104, Pages: 32},
		{Name: "page tables", VStart: 0x127000, VEnd: 0x12c000, PFN: 0x127, Pages: 5},
	}
	layout := img.Layout()
	if diff := cmp.Diff(wantSegs, layout.Segments); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(dom.PageTableCounts{L4: 1, L3: 1, L2: 1, L1: 2, Total: 5}, img.Pg); diff != "" {
		t.Errorf("page tables mismatch (-want +got):\n%s", diff)
	}
	wantPages := map[string]uint64{"start_info": 0x124, "xenstore": 0x125, "console": 0x126, "boot_stack": 0x12c}
	if diff := cmp.Diff(wantPages, layout.Pages); diff != "" {
		t.Errorf("pages mismatch (-want +got):\n%s", diff)
	}

	// The kernel landed in its machine frames.
	if got, want := readFrame(t, s, firstMFN+kernelPFN), domtest.Pattern(domtest.KernelFile, 0x5a)[:4096]; !bytes.Equal(got, want) {
		t.Errorf("first kernel frame does not hold the kernel")
	}
	if got := readFrame(t, s, firstMFN+kernelPFN+3); !bytes.Equal(got, make([]byte, 4096)) {
		t.Errorf("bss frame is not zeroed")
	}

	// Guest p2m.
	p2m := readFrame(t, s, firstMFN+0x104)
	for pfn := uint64(0); pfn < 4; pfn++ {
		if got := binary.LittleEndian.Uint64(p2m[pfn*8:]); got != firstMFN+pfn {
			t.Errorf("p2m[%d] = %#x, want %#x", pfn, got, firstMFN+pfn)
		}
	}

	// Start info.
	var si xen.StartInfo64
	if err := binary.UnmarshalFrom(readFrame(t, s, firstMFN+0x124), binary.LittleEndian, &si); err != nil {
		t.Fatalf("start info: %v", err)
	}
	if got := xen.CString(si.Magic[:]); got != xen.GuestX86_64 {
		t.Errorf("magic = %q", got)
	}
	if got := xen.CString(si.CmdLine[:]); got != opts.Cmdline {
		t.Errorf("cmdline = %q, want %q", got, opts.Cmdline)
	}
	wantSI := [...]uint64{16384, s.SharedInfoFrame() << 12, firstMFN + 0x125, 1, firstMFN + 0x126, 2, 0x127000, 5, 0x104000}
	gotSI := [...]uint64{si.NrPages, si.SharedInfo, si.StoreMFN, uint64(si.StoreEvtchn), si.ConsoleMFN, uint64(si.ConsoleEvtchn), si.PTBase, si.NrPTFrames, si.MFNList}
	if diff := cmp.Diff(wantSI, gotSI); diff != "" {
		t.Errorf("start info mismatch (-want +got):\n%s", diff)
	}

	// Shared info starts with events masked.
	shinfo := readFrame(t, s, s.SharedInfoFrame())
	if shinfo[xen.VCPUInfoUpcallMask] != 1 {
		t.Errorf("vcpu0 upcall mask not set")
	}

	// vcpu 0.
	c, ok := s.VCPUContext(0)
	if !ok {
		t.Fatalf("no vcpu0 context")
	}
	ctxt := c.(*xen.VCPUContextX86)
	if ctxt.User.RIP != domtest.KernelAddr {
		t.Errorf("rip = %#x, want %#x", ctxt.User.RIP, domtest.KernelAddr)
	}
	if want := uint64(0x12d000); ctxt.User.RSP != want {
		t.Errorf("rsp = %#x, want %#x", ctxt.User.RSP, want)
	}
	if want := uint64(0x124000); ctxt.User.RSI != want {
		t.Errorf("rsi = %#x, want %#x", ctxt.User.RSI, want)
	}
	if want := uint64(firstMFN+0x127) << 12; ctxt.CtrlReg[3] != want {
		t.Errorf("cr3 = %#x, want %#x", ctxt.CtrlReg[3], want)
	}

	if diff := cmp.Diff([]xenctrl.Pin{{Type: xen.MMUExtPinL4Table, MFN: firstMFN + 0x127}}, s.Pins()); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{firstMFN + kernelPFN + 1}, s.HypercallPages()); diff != "" {
		t.Errorf("hypercall pages mismatch (-want +got):\n%s", diff)
	}
	if s.AddressSize() != 64 {
		t.Errorf("address size = %d, want 64", s.AddressSize())
	}
	if !s.Running() {
		t.Errorf("domain not running")
	}
	if img.ConsoleMFN != firstMFN+0x126 || img.StoreMFN != firstMFN+0x125 {
		t.Errorf("console mfn %#x, store mfn %#x", img.ConsoleMFN, img.StoreMFN)
	}
}

func TestBuildPaused(t *testing.T) {
	s := newSim(t, xenctrl.SimOptions{})
	liveBuild(t, s, domtest.Kernel64().Bytes(), dom.Options{Paused: true})
	if s.Running() {
		t.Errorf("paused build left the domain running")
	}
	if _, ok := s.VCPUContext(0); !ok {
		t.Errorf("paused build installed no vcpu context")
	}
}

func TestBuildTransientDomainInfo(t *testing.T) {
	s := newSim(t, xenctrl.SimOptions{TransientDomainInfoFailures: 3})
	img := liveBuild(t, s, domtest.Kernel64().Bytes(), dom.Options{})
	if img.SharedInfoMFN != s.SharedInfoFrame() {
		t.Errorf("shared info mfn = %#x, want %#x", img.SharedInfoMFN, s.SharedInfoFrame())
	}
}

func TestBuildPAERelocatesL3(t *testing.T) {
	s := newSim(t, xenctrl.SimOptions{FirstMFN: 0x200000})
	img := liveBuild(t, s, domtest.Kernel32("yes").Bytes(), dom.Options{})
	if img.GuestType != xen.GuestX86_32PAE {
		t.Fatalf("guest type = %q, want %q", img.GuestType, xen.GuestX86_32PAE)
	}

	l3pfn := img.PgtablesSeg.PFN
	l3mfn := img.P2MHost[l3pfn]
	if l3mfn >= xen.Below4GMFNLimit {
		t.Fatalf("l3 at mfn %#x, want below %#x", l3mfn, xen.Below4GMFNLimit)
	}
	if pfn, ok := s.M2P(l3mfn); !ok || pfn != l3pfn {
		t.Errorf("m2p[%#x] = %#x, %t, want %#x", l3mfn, pfn, ok, l3pfn)
	}

	// The relocated root still maps virt_base, through l3 slot 3.
	l3 := readFrame(t, s, l3mfn)
	entry := binary.LittleEndian.Uint64(l3[3*8:])
	if entry&xen.PTEPresent == 0 {
		t.Fatalf("l3[3] = %#x, not present", entry)
	}
	if got, want := entry>>12, img.P2MHost[l3pfn+1]; got != want {
		t.Errorf("l3[3] points at mfn %#x, want %#x", got, want)
	}

	// The guest p2m was rewritten with the new frame.
	p2mOff := l3pfn * 4
	p2m := readFrame(t, s, img.P2MHost[img.P2MSeg.PFN+p2mOff/4096])
	if got := uint64(binary.LittleEndian.Uint32(p2m[p2mOff%4096:])); got != l3mfn {
		t.Errorf("guest p2m[%#x] = %#x, want %#x", l3pfn, got, l3mfn)
	}

	if diff := cmp.Diff([]xenctrl.Pin{{Type: xen.MMUExtPinL3Table, MFN: l3mfn}}, s.Pins()); diff != "" {
		t.Errorf("pins mismatch (-want +got):\n%s", diff)
	}
	c, _ := s.VCPUContext(0)
	if got, want := c.(*xen.VCPUContextX86).CtrlReg[3], l3mfn<<12; got != want {
		t.Errorf("cr3 = %#x, want %#x", got, want)
	}
	if s.AddressSize() != 32 {
		t.Errorf("address size = %d, want 32", s.AddressSize())
	}
}

func TestBuildTranslated(t *testing.T) {
	const feat = "auto_translated_physmap"
	k := domtest.Kernel64()
	k.Notes = append(k.Notes, domtest.StrNote(xen.ElfNoteFeatures, feat))
	s := newSim(t, xenctrl.SimOptions{GrantFrames: 3})
	img := liveBuild(t, s, k.Bytes(), dom.Options{Features: feat})

	if !s.Translated() || !img.ShadowEnabled {
		t.Fatalf("domain not translated")
	}
	if len(s.Pins()) != 0 {
		t.Errorf("translated guest pinned %v", s.Pins())
	}
	total := img.TotalPages
	want := []xenctrl.PhysmapAdd{
		{Space: xen.MapSpaceSharedInfo, Idx: 0, GPFN: img.SharedInfoPFN},
		{Space: xen.MapSpaceGrantTable, Idx: 0, GPFN: total},
		{Space: xen.MapSpaceGrantTable, Idx: 1, GPFN: total + 1},
		{Space: xen.MapSpaceGrantTable, Idx: 2, GPFN: total + 2},
	}
	if diff := cmp.Diff(want, s.PhysmapAdds()); diff != "" {
		t.Errorf("physmap additions mismatch (-want +got):\n%s", diff)
	}

	// Boot records name guest frames.
	var si xen.StartInfo64
	if err := binary.UnmarshalFrom(readFrame(t, s, img.StartInfoPFN), binary.LittleEndian, &si); err != nil {
		t.Fatalf("start info: %v", err)
	}
	if si.StoreMFN != img.XenstorePFN || si.SharedInfo != img.SharedInfoPFN<<12 {
		t.Errorf("start info store %#x shared %#x, want pfns %#x and %#x", si.StoreMFN, si.SharedInfo, img.XenstorePFN, img.SharedInfoPFN)
	}
	c, _ := s.VCPUContext(0)
	if got, want := c.(*xen.VCPUContextX86).CtrlReg[3], img.PgtablesSeg.PFN<<12; got != want {
		t.Errorf("cr3 = %#x, want %#x", got, want)
	}
}

func TestBuildUnsupportedFeature(t *testing.T) {
	img := newImage(t, domtest.Kernel64().Bytes(), dom.Options{Features: "auto_translated_physmap"})
	if err := img.ParseImage(); !errors.Is(err, dom.ErrUnsupportedFeature) {
		t.Errorf("ParseImage = %v, want %v", err, dom.ErrUnsupportedFeature)
	}
}

func TestBuildMissingCapability(t *testing.T) {
	s := newSim(t, xenctrl.SimOptions{Caps: xen.GuestX86_32})
	img := newImage(t, domtest.Kernel64().Bytes(), dom.Options{})
	if err := img.Attach(s, testDomID); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := img.ParseImage(); !errors.Is(err, dom.ErrUnsupportedGuestType) {
		t.Errorf("ParseImage = %v, want %v", err, dom.ErrUnsupportedGuestType)
	}
}

func TestBuildIA64(t *testing.T) {
	const pageShift = 14
	k := &domtest.ELF{
		Class:   elf.ELFCLASS64,
		Machine: elf.EM_IA_64,
		Entry:   0x100000,
		Segments: []domtest.Segment{{
			Vaddr: 0x100000,
			Paddr: 0x100000,
			Data:  domtest.Pattern(0x3000, 0x11),
			Memsz: 0x8000,
		}},
		Notes: domtest.LinuxNotes(0, 0x100000),
	}
	s := newSim(t, xenctrl.SimOptions{Caps: xen.GuestIA64, PageShift: pageShift})
	img := liveBuild(t, s, k.Bytes(), dom.Options{Cmdline: "root=/dev/sda1"})

	total := uint64(memMB << (20 - pageShift))
	if img.TotalPages != total {
		t.Fatalf("total pages = %d, want %d", img.TotalPages, total)
	}
	sipfn := total - 3
	if img.StartInfoPFN != sipfn || img.XenstorePFN != total-2 || img.ConsolePFN != total-1 {
		t.Errorf("magic pages at %#x %#x %#x", img.StartInfoPFN, img.XenstorePFN, img.ConsolePFN)
	}
	if img.PgtablesSeg.Allocated() || img.P2MSeg.Allocated() {
		t.Errorf("ia64 build allocated page tables or a p2m")
	}

	bootParams := sipfn<<pageShift + uint64(binary.Size(xen.StartInfo64{}))
	if diff := cmp.Diff([]xenctrl.ArchSetupIA64{{BootParamAddr: bootParams, MaxMem: total << pageShift}}, s.ArchSetups()); diff != "" {
		t.Errorf("arch setup mismatch (-want +got):\n%s", diff)
	}

	page := readFrame(t, s, img.P2MHost[sipfn])
	var bp xen.BootParamIA64
	if err := binary.UnmarshalFrom(page[binary.Size(xen.StartInfo64{}):], binary.LittleEndian, &bp); err != nil {
		t.Fatalf("boot params: %v", err)
	}
	if want := sipfn<<pageShift + xen.StartInfo64CmdLineOffset; bp.CommandLine != want {
		t.Errorf("command line at %#x, want %#x", bp.CommandLine, want)
	}

	memmap := readFrame(t, s, img.P2MHost[sipfn-1])
	var mi xen.MemmapInfoIA64
	if err := binary.UnmarshalFrom(memmap, binary.LittleEndian, &mi); err != nil {
		t.Fatalf("memmap: %v", err)
	}
	var md xen.EFIMemoryDesc
	if err := binary.UnmarshalFrom(memmap[binary.Size(mi):], binary.LittleEndian, &md); err != nil {
		t.Fatalf("memmap: %v", err)
	}
	if md.Type != xen.EFIConventionalMemory || md.NumPages != total<<2 || mi.EFIMemmapSize != uint64(binary.Size(md)) {
		t.Errorf("memmap %+v %+v", mi, md)
	}

	var arch xen.ArchSharedInfoIA64
	shinfo := readFrame(t, s, s.SharedInfoFrame())
	if err := binary.UnmarshalFrom(shinfo[xen.ArchSharedInfoOffsetIA64:], binary.LittleEndian, &arch); err != nil {
		t.Fatalf("shared info: %v", err)
	}
	if diff := cmp.Diff(xen.ArchSharedInfoIA64{StartInfoPFN: sipfn, MemmapInfoNumPages: 1, MemmapInfoPFN: sipfn - 1}, arch); diff != "" {
		t.Errorf("arch shared info mismatch (-want +got):\n%s", diff)
	}

	c, _ := s.VCPUContext(0)
	ctxt := c.(*xen.VCPUContextIA64)
	if ctxt.IP != 0x100000 || ctxt.R28 != bootParams || ctxt.CFM != 1<<63 {
		t.Errorf("vcpu = %+v", ctxt)
	}
}

// offlineBuild builds kernel without a hypervisor.
func offlineBuild(t *testing.T, kernel []byte, opts dom.Options) *dom.Image {
	t.Helper()
	img := newImage(t, kernel, opts)
	if err := img.BuildOffline(memMB); err != nil {
		t.Fatalf("BuildOffline: %v", err)
	}
	return img
}

func kernelBytes(t *testing.T, img *dom.Image) []byte {
	t.Helper()
	b, err := img.SegBytes(img.KernelSeg)
	if err != nil {
		t.Fatalf("SegBytes: %v", err)
	}
	return b
}

func TestBzImageMatchesELF(t *testing.T) {
	raw := domtest.Kernel64().Bytes()
	direct := offlineBuild(t, raw, dom.Options{})
	wrapped := offlineBuild(t, domtest.BzImage(domtest.Gzip(raw), 0x020a), dom.Options{})

	if wrapped.Loader().Name() != bzimage.Name {
		t.Fatalf("loader = %s, want %s", wrapped.Loader().Name(), bzimage.Name)
	}
	dl, wl := direct.Layout(), wrapped.Layout()
	dl.Loader, wl.Loader = "", ""
	dl.Pool, wl.Pool = dom.PoolStats{}, dom.PoolStats{}
	if diff := cmp.Diff(dl, wl); diff != "" {
		t.Errorf("layout mismatch (-elf +bzImage):\n%s", diff)
	}
	if !bytes.Equal(kernelBytes(t, direct), kernelBytes(t, wrapped)) {
		t.Errorf("kernel segments differ")
	}
}

func TestOfflineBinary(t *testing.T) {
	const load = 0xc0100000
	b := &domtest.Binary{
		TableOff: 0x40,
		Size:     0x3000,
		LoadAddr: load,
		BSSEnd:   load + 0x4000,
		Entry:    load + 0x100,
		Flags:    binload.FlagAddrsValid,
	}
	raw := b.Bytes()
	img := offlineBuild(t, raw, dom.Options{})
	if img.GuestType != xen.GuestX86_32 {
		t.Errorf("guest type = %q, want %q", img.GuestType, xen.GuestX86_32)
	}
	want := dom.Segment{Name: "kernel", VStart: load, VEnd: load + 0x4000, PFN: 0, Pages: 4}
	if diff := cmp.Diff(want, img.KernelSeg); diff != "" {
		t.Errorf("kernel segment mismatch (-want +got):\n%s", diff)
	}
	got := kernelBytes(t, img)
	if !bytes.Equal(got[:0x3000], raw) {
		t.Errorf("text not copied")
	}
	if !bytes.Equal(got[0x3000:], make([]byte, 0x1000)) {
		t.Errorf("bss not cleared")
	}
	if err := img.BootImage(context.Background()); !errors.Is(err, dom.ErrBadState) {
		t.Errorf("offline BootImage = %v, want %v", err, dom.ErrBadState)
	}
}

func TestOfflineRamdisk(t *testing.T) {
	rd := domtest.Pattern(3*4096+100, 0x42)
	for _, tc := range []struct {
		name    string
		ramdisk []byte
	}{
		{name: "plain", ramdisk: rd},
		{name: "gzip", ramdisk: domtest.Gzip(rd)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := newImage(t, domtest.Kernel64().Bytes(), dom.Options{})
			img.SetRamdisk(tc.ramdisk)
			if err := img.BuildOffline(memMB); err != nil {
				t.Fatalf("BuildOffline: %v", err)
			}
			seg := img.RamdiskSeg
			if want := (dom.Segment{Name: "ramdisk", VStart: 0x104000, VEnd: 0x108000, PFN: 0x104, Pages: 4}); seg != want {
				t.Errorf("ramdisk segment = %+v, want %+v", seg, want)
			}
			got, err := img.SegBytes(seg)
			if err != nil {
				t.Fatalf("SegBytes: %v", err)
			}
			if !bytes.Equal(got[:len(rd)], rd) {
				t.Errorf("ramdisk contents differ")
			}
		})
	}
}

func TestOfflineSegmentsAdjacent(t *testing.T) {
	img := newImage(t, domtest.Kernel64().Bytes(), dom.Options{})
	img.SetRamdisk(domtest.Pattern(5000, 1))
	if err := img.BuildOffline(memMB); err != nil {
		t.Fatalf("BuildOffline: %v", err)
	}
	segs := img.Layout().Segments
	for i := 1; i < len(segs); i++ {
		prev, cur := segs[i-1], segs[i]
		if cur.VStart < prev.VEnd {
			t.Errorf("segment %s at %#x overlaps %s ending %#x", cur.Name, cur.VStart, prev.Name, prev.VEnd)
		}
		if cur.PFN != (cur.VStart-img.Parms.VirtBase)>>12 {
			t.Errorf("segment %s pfn %#x does not match its address %#x", cur.Name, cur.PFN, cur.VStart)
		}
	}
	if img.BootstackPFN != (img.VirtAllocEnd-img.Parms.VirtBase)>>12-1 {
		t.Errorf("boot stack pfn %#x is not the last allocation (cursor %#x)", img.BootstackPFN, img.VirtAllocEnd)
	}
}

func TestPhasesOutOfOrder(t *testing.T) {
	img := newImage(t, domtest.Kernel64().Bytes(), dom.Options{})
	if err := img.BuildImage(); !errors.Is(err, dom.ErrBadState) {
		t.Errorf("BuildImage before MemInit = %v, want %v", err, dom.ErrBadState)
	}
	if err := img.ParseImage(); err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if err := img.ParseImage(); !errors.Is(err, dom.ErrBadState) {
		t.Errorf("second ParseImage = %v, want %v", err, dom.ErrBadState)
	}
}
