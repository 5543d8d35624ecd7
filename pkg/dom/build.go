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

package dom

import (
	"context"
	"errors"
	"fmt"

	"xenbuild.dev/xenbuild/pkg/abi/xen"
)

// ParseImage selects a loader, parses the kernel, selects the architecture
// and reconciles features.
func (img *Image) ParseImage() error {
	if err := img.checkState(Allocated, "parse"); err != nil {
		return err
	}
	if len(img.Kernel) == 0 {
		return img.fail(fmt.Errorf("%w: no kernel", ErrInvalidKernelImage))
	}
	if img.reg == nil {
		return img.fail(fmt.Errorf("%w: no registry", ErrBadState))
	}

	l, err := img.reg.FindLoader(img)
	if err != nil {
		return img.fail(err)
	}
	img.loader = l
	if err := l.Parse(img); err != nil {
		return img.fail(fmt.Errorf("%s: %w", l.Name(), classify(err, ErrInvalidKernelImage)))
	}
	if img.GuestType == "" {
		return img.fail(fmt.Errorf("%w: %s did not set a guest type", ErrInvalidKernelImage, l.Name()))
	}
	if img.Parms.VirtBase == Unset {
		return img.fail(fmt.Errorf("%w: %s did not set virt_base", ErrInvalidKernelImage, l.Name()))
	}

	a, err := img.reg.FindArch(img.GuestType)
	if err != nil {
		return img.fail(err)
	}
	img.arch = a
	if caps := img.Caps(); caps != "" && !xen.HasCapability(caps, img.GuestType) {
		return img.fail(fmt.Errorf("%w: %q not in hypervisor capabilities %q", ErrUnsupportedGuestType, img.GuestType, caps))
	}
	if err := img.reconcileFeatures(); err != nil {
		return img.fail(err)
	}

	img.blog.WithField("guest_type", img.GuestType).Infof("parsed: virt_base %#x entry %#x kernel %#x-%#x",
		img.Parms.VirtBase, img.Parms.VirtEntry, img.KernelRange.VStart, img.KernelRange.VEnd)
	img.state = Parsed
	return nil
}

// MemInit sizes guest memory to memMB megabytes and populates it.
func (img *Image) MemInit(memMB uint64) error {
	if err := img.checkState(Parsed, "meminit"); err != nil {
		return err
	}
	shift := img.arch.PageShift()
	if memMB == 0 || memMB > (Unset>>20) {
		return img.fail(fmt.Errorf("%w: %d MiB of guest memory", ErrOutOfMemory, memMB))
	}
	img.PageShift = shift
	img.TotalPages = memMB << (20 - shift)
	img.blog.Infof("mem: %d MiB, %d pages of %d bytes", memMB, img.TotalPages, img.PageSize())

	if img.hyp != nil {
		if err := img.arch.MemInit(img); err != nil {
			return img.fail(classify(err, ErrHypervisorCallFailed))
		}
	} else {
		img.P2MHost = make([]uint64, img.TotalPages)
		for i := range img.P2MHost {
			img.P2MHost[i] = uint64(i)
		}
	}
	if uint64(len(img.P2MHost)) != img.TotalPages {
		return img.fail(internalFault(ErrOutOfRange, "p2m has %d entries for %d pages", len(img.P2MHost), img.TotalPages))
	}
	img.state = MemInitialized
	return nil
}

// BuildImage loads the kernel and ramdisk and lays out the boot structures.
func (img *Image) BuildImage() error {
	if err := img.checkState(MemInitialized, "build"); err != nil {
		return err
	}
	if err := img.buildImage(); err != nil {
		return img.fail(err)
	}
	img.state = Built
	return nil
}

func (img *Image) buildImage() error {
	var err error
	img.VirtAllocEnd = img.Parms.VirtBase
	img.KernelSeg, err = img.AllocSegment("kernel", img.KernelRange.VStart, img.KernelRange.Size())
	if err != nil {
		return err
	}
	if err := img.loader.Load(img); err != nil {
		return fmt.Errorf("%s: %w", img.loader.Name(), classify(err, ErrInvalidKernelImage))
	}

	if len(img.Ramdisk) > 0 {
		if err := img.loadRamdisk(); err != nil {
			return err
		}
	}

	if err := img.arch.AllocMagicPages(img); err != nil {
		return err
	}

	ptb, ok := img.arch.(PageTableBuilder)
	if ok {
		if err := ptb.CountPgtables(img); err != nil {
			return err
		}
		if img.Pg.Total > 0 {
			img.PgtablesSeg, err = img.AllocSegment("page tables", 0, img.Pg.Total<<img.PageShift)
			if err != nil {
				return err
			}
		}
	}

	if img.AllocBootstack {
		if img.BootstackPFN, err = img.AllocPage("boot stack"); err != nil {
			return err
		}
	}

	if ok && img.PgtablesSeg.Allocated() {
		if err := ptb.SetupPgtables(img); err != nil {
			return err
		}
		img.pgtablesBuilt = true
	}
	img.blog.Infof("virt_alloc_end %#x, virt_pgtab_end %#x", img.VirtAllocEnd, img.VirtPgtabEnd)
	return nil
}

func (img *Image) loadRamdisk() error {
	size := uint64(len(img.Ramdisk))
	unzlen := img.gzipSize(img.Ramdisk)
	if unzlen > 0 {
		size = unzlen
	}
	seg, err := img.AllocSegment("ramdisk", 0, size)
	if err != nil {
		return err
	}
	img.RamdiskSeg = seg
	dst, err := img.SegBytes(seg)
	if err != nil {
		return err
	}
	if unzlen > 0 {
		if err := gunzipInto(dst, img.Ramdisk, unzlen-16); err != nil {
			return fmt.Errorf("%w: ramdisk: %v", ErrInvalidKernelImage, err)
		}
		img.blog.Infof("ramdisk: gunzip %d -> %d bytes", len(img.Ramdisk), unzlen-16)
		return nil
	}
	copy(dst, img.Ramdisk)
	return nil
}

// Build runs every phase from an Allocated image to a running domain.
func (img *Image) Build(ctx context.Context, memMB uint64) error {
	for _, phase := range []func() error{
		img.ParseImage,
		func() error { return img.MemInit(memMB) },
		img.BuildImage,
		func() error { return img.BootImage(ctx) },
	} {
		if err := phase(); err != nil {
			return err
		}
	}
	return nil
}

// BuildOffline runs the phases that do not need a hypervisor.
func (img *Image) BuildOffline(memMB uint64) error {
	if img.hyp != nil {
		return errors.New("image is attached to a hypervisor")
	}
	if err := img.ParseImage(); err != nil {
		return err
	}
	if err := img.MemInit(memMB); err != nil {
		return err
	}
	return img.BuildImage()
}
