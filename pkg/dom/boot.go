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
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
)

// Domain info lookups are retried for this long while the hypervisor
// reports the domain busy.
const (
	domainInfoInitialInterval = 10 * time.Millisecond
	domainInfoMaxInterval     = 500 * time.Millisecond
	domainInfoMaxElapsed      = 5 * time.Second
)

// BootImage writes the boot records, installs the vcpu context and, unless
// the build is paused, starts the domain.
func (img *Image) BootImage(ctx context.Context) error {
	if err := img.checkState(Built, "boot"); err != nil {
		return err
	}
	if img.hyp == nil {
		return img.fail(fmt.Errorf("%w: boot needs a hypervisor", ErrBadState))
	}
	if err := img.bootImage(ctx); err != nil {
		// Guest memory is never left mapped once the build is over.
		if uerr := img.UnmapAll(); uerr != nil {
			img.blog.WithError(uerr).Warn("unmap after failed boot")
		}
		return img.fail(err)
	}
	img.state = Booted
	img.blog.Infof("dom%d booted", img.DomID)
	return nil
}

func (img *Image) bootImage(ctx context.Context) error {
	if err := img.arch.BootEarly(img); err != nil {
		return err
	}

	info, err := img.domainInfo(ctx)
	if err != nil {
		return err
	}
	img.SharedInfoMFN = info.SharedInfoFrame

	if !xen.HasCapability(img.caps, img.GuestType) {
		return fmt.Errorf("%w: %q not in hypervisor capabilities %q", ErrUnsupportedGuestType, img.GuestType, img.caps)
	}

	if err := img.UpdateGuestP2M(); err != nil {
		return err
	}

	if ptb, ok := img.arch.(PageTableBuilder); ok && !img.pgtablesBuilt && img.PgtablesSeg.Allocated() {
		if err := ptb.SetupPgtables(img); err != nil {
			return err
		}
		img.pgtablesBuilt = true
	}

	for _, pfn := range []uint64{img.ConsolePFN, img.XenstorePFN} {
		if pfn == 0 {
			continue
		}
		page, err := img.PFNToBytes(pfn, 1)
		if err != nil {
			return err
		}
		clear(page)
	}

	if err := img.arch.StartInfo(img); err != nil {
		return err
	}

	if hc := img.Parms.VirtHypercall; hc != Unset {
		pfn := (hc - img.Parms.VirtBase) >> img.PageShift
		if pfn >= img.TotalPages {
			return fmt.Errorf("%w: hypercall page %#x outside guest memory", ErrInvalidKernelImage, hc)
		}
		if err := img.hyp.HypercallInit(img.DomID, img.GuestFrame(pfn)); err != nil {
			return Hypercall("hypercall_init", err)
		}
	}

	img.logFootprint()

	if err := img.arch.BootLate(img); err != nil {
		return err
	}

	vcpu, err := img.arch.VCPU(img)
	if err != nil {
		return err
	}
	img.VCPU = vcpu

	if err := img.UnmapAll(); err != nil {
		return err
	}
	if err := img.hyp.SetVCPUContext(img.DomID, 0, vcpu); err != nil {
		return Hypercall("setvcpucontext", err)
	}
	if !img.opts.Paused {
		if err := img.hyp.Unpause(img.DomID); err != nil {
			return Hypercall("unpausedomain", err)
		}
	}

	img.ConsoleMFN = img.HostFrame(img.ConsolePFN)
	img.StoreMFN = img.HostFrame(img.XenstorePFN)
	return nil
}

// domainInfo fetches the domain record, retrying while the hypervisor
// reports a transient error.
func (img *Image) domainInfo(ctx context.Context) (info domainInfo, err error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = domainInfoInitialInterval
	eb.MaxInterval = domainInfoMaxInterval
	eb.MaxElapsedTime = domainInfoMaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		di, err := img.hyp.DomainInfo(img.DomID)
		if err != nil {
			if transient(err) {
				img.blog.WithError(err).Debugf("getdomaininfo attempt %d", attempt)
				return err
			}
			return backoff.Permanent(Hypercall("getdomaininfo", err))
		}
		if di.DomID != img.DomID {
			return backoff.Permanent(fmt.Errorf("%w: getdomaininfo returned dom%d, want dom%d", ErrHypervisorCallFailed, di.DomID, img.DomID))
		}
		info = domainInfo{SharedInfoFrame: di.SharedInfoFrame}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return domainInfo{}, classify(err, ErrHypervisorCallFailed)
	}
	return info, nil
}

type domainInfo struct {
	SharedInfoFrame uint64
}

func transient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EINTR)
}
