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

// Package dom builds paravirtualized Xen domains.
//
// An Image carries one build from a kernel blob to a running vcpu. The
// phases run strictly in order:
//
//	Allocated -> ParseImage -> Parsed -> MemInit -> MemInitialized
//	  -> BuildImage -> Built -> BootImage -> Booted
//
// Kernel formats are handled by Loaders and guest architectures by Arches,
// both looked up in a Registry the caller constructs once. An Image without
// an attached hypervisor builds offline into anonymous memory, which is
// enough to inspect the layout but not to boot.
package dom

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"xenbuild.dev/xenbuild/pkg/abi/xen"
	"xenbuild.dev/xenbuild/pkg/xenctrl"
)

// State is the phase an Image has reached.
type State int

// Build states.
const (
	Allocated State = iota
	Parsed
	MemInitialized
	Built
	Booted
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "allocated"
	case Parsed:
		return "parsed"
	case MemInitialized:
		return "mem-initialized"
	case Built:
		return "built"
	case Booted:
		return "booted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultPgtableSlack is the number of spare pages assumed while sizing page
// tables.
const DefaultPgtableSlack = 128

// Options configures one build.
type Options struct {
	// Cmdline is copied into start-info.
	Cmdline string

	// Features is a '|' separated list of features to request in addition
	// to those the kernel requires. A '!' prefix is accepted and ignored.
	Features string

	// Flags are the start-info SIF flags.
	Flags uint32

	// ConsoleEvtchn and StoreEvtchn are the event channels the guest uses
	// for its console and xenstore rings.
	ConsoleEvtchn uint32
	StoreEvtchn   uint32

	// Superpages populates memory in 2MiB extents.
	Superpages bool

	// PgtableSlack is the spare page margin of the page table count. Zero
	// selects DefaultPgtableSlack.
	PgtableSlack uint64

	// ExtraPages are added to the page table count margin.
	ExtraPages uint64

	// Paused leaves the domain paused after its vcpu is installed.
	Paused bool

	// XenCaps is the capability string used when no hypervisor is
	// attached. Empty means every registered guest type.
	XenCaps string

	// BuildLog receives the build trace. Nil discards it.
	BuildLog logrus.FieldLogger
}

// Unset marks a numeric kernel parameter the kernel did not declare.
const Unset = ^uint64(0)

// Parms is the metadata a loader extracts from the kernel.
type Parms struct {
	VirtBase       uint64 `yaml:"virt_base"`
	VirtEntry      uint64 `yaml:"virt_entry"`
	VirtHypercall  uint64 `yaml:"virt_hypercall"`
	VirtHVStartLow uint64 `yaml:"virt_hv_start_low"`
	PaddrOffset    uint64 `yaml:"paddr_offset"`
	P2MBase        uint64 `yaml:"p2m_base"`

	// VirtKStart and VirtKEnd bound the loaded kernel.
	VirtKStart uint64 `yaml:"virt_kstart"`
	VirtKEnd   uint64 `yaml:"virt_kend"`

	PAE           int  `yaml:"pae"`
	BSDSymtab     bool `yaml:"bsd_symtab"`
	SuspendCancel bool `yaml:"suspend_cancel"`

	Loader   string `yaml:"loader,omitempty"`
	GuestOS  string `yaml:"guest_os,omitempty"`
	GuestVer string `yaml:"guest_ver,omitempty"`
	XenVer   string `yaml:"xen_ver,omitempty"`

	Supported xen.Features `yaml:"-"`
	Required  xen.Features `yaml:"-"`
}

// NewParms returns Parms with every address unset.
func NewParms() Parms {
	return Parms{
		VirtBase:       Unset,
		VirtEntry:      Unset,
		VirtHypercall:  Unset,
		VirtHVStartLow: Unset,
		PaddrOffset:    Unset,
		P2MBase:        Unset,
	}
}

// PageTableCounts are the page table pages needed per level.
type PageTableCounts struct {
	L4    uint64 `yaml:"l4"`
	L3    uint64 `yaml:"l3"`
	L2    uint64 `yaml:"l2"`
	L1    uint64 `yaml:"l1"`
	Total uint64 `yaml:"total"`
}

// Image is the build context of one domain.
type Image struct {
	opts Options
	reg  *Registry
	pool Pool
	blog logrus.FieldLogger

	state  State
	failed error

	// Kernel and Ramdisk are the input blobs.
	Kernel  []byte
	Ramdisk []byte

	// payload caches the decompressed kernel.
	payload     []byte
	payloadErr  error
	payloadDone bool

	// Parms, GuestType and KernelRange are set by the loader's Parse.
	Parms       Parms
	GuestType   string
	KernelRange PendingSegment

	// LoaderState is private to the selected loader.
	LoaderState any

	loader Loader
	arch   Arch

	// FeaturesRequested are the user's features; FeaturesActive are those
	// the guest will see.
	FeaturesRequested xen.Features
	FeaturesActive    xen.Features

	// PageShift and TotalPages are fixed by MemInit.
	PageShift  uint
	TotalPages uint64

	// P2MHost maps every guest frame to its machine frame.
	P2MHost []uint64

	// ShadowEnabled is set once the hypervisor translates guest frames.
	ShadowEnabled bool

	phys physMap

	// VirtAllocEnd is the segment cursor; VirtPgtabEnd is the end of the
	// range covered by the initial page tables.
	VirtAllocEnd uint64
	VirtPgtabEnd uint64

	KernelSeg   Segment
	RamdiskSeg  Segment
	P2MSeg      Segment
	PgtablesSeg Segment

	StartInfoPFN  uint64
	ConsolePFN    uint64
	XenstorePFN   uint64
	SharedInfoPFN uint64
	BootstackPFN  uint64

	// AllocBootstack is set by the architecture when the guest needs a
	// boot stack page.
	AllocBootstack bool

	Pg PageTableCounts

	pgtablesBuilt bool

	// OnAllocate, if set, is called with the new cursor whenever a segment
	// or page is allocated, before its frames are mapped.
	OnAllocate func(virtAllocEnd uint64) error

	hyp   xenctrl.Hypervisor
	DomID uint32
	caps  string

	// SharedInfoMFN is read from the hypervisor at boot.
	SharedInfoMFN uint64

	// ConsoleMFN and StoreMFN are set after boot for the toolstack.
	ConsoleMFN uint64
	StoreMFN   uint64

	// VCPU is the context installed for vcpu 0.
	VCPU xen.VCPUContext

	// mappedDomU counts bytes of guest memory mapped by the builder.
	mappedDomU uint64
}

// New returns an empty build context.
func New(reg *Registry, opts Options) *Image {
	if opts.PgtableSlack == 0 {
		opts.PgtableSlack = DefaultPgtableSlack
	}
	blog := opts.BuildLog
	if blog == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		blog = l
	}
	img := &Image{
		opts:  opts,
		reg:   reg,
		blog:  blog,
		Parms: NewParms(),
	}
	img.phys.init()
	return img
}

// Options returns the build options.
func (img *Image) Options() Options {
	return img.opts
}

// BuildLog returns the build trace logger.
func (img *Image) BuildLog() logrus.FieldLogger {
	return img.blog
}

// Pool returns the memory pool of the build.
func (img *Image) Pool() *Pool {
	return &img.pool
}

// State returns the phase the build has reached.
func (img *Image) State() State {
	return img.state
}

// Loader returns the selected loader, or nil before parsing.
func (img *Image) Loader() Loader {
	return img.loader
}

// Arch returns the selected architecture, or nil before parsing.
func (img *Image) Arch() Arch {
	return img.arch
}

// Hypervisor returns the attached transport, or nil for offline builds.
func (img *Image) Hypervisor() xenctrl.Hypervisor {
	return img.hyp
}

// Live reports whether a hypervisor is attached.
func (img *Image) Live() bool {
	return img.hyp != nil
}

// SetKernel sets the kernel blob.
func (img *Image) SetKernel(b []byte) {
	img.Kernel = b
	img.payload, img.payloadErr, img.payloadDone = nil, nil, false
}

// KernelFile maps the kernel from path.
func (img *Image) KernelFile(path string) error {
	b, err := img.pool.MapFile(path)
	if err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	img.SetKernel(b)
	img.blog.Debugf("kernel file %s: %d bytes", path, len(b))
	return nil
}

// SetRamdisk sets the ramdisk blob.
func (img *Image) SetRamdisk(b []byte) {
	img.Ramdisk = b
}

// RamdiskFile maps the ramdisk from path.
func (img *Image) RamdiskFile(path string) error {
	b, err := img.pool.MapFile(path)
	if err != nil {
		return fmt.Errorf("ramdisk: %w", err)
	}
	img.Ramdisk = b
	img.blog.Debugf("ramdisk file %s: %d bytes", path, len(b))
	return nil
}

// Attach binds the build to domain domid of hyp. It must be called before
// ParseImage.
func (img *Image) Attach(hyp xenctrl.Hypervisor, domid uint32) error {
	if img.state != Allocated {
		return fmt.Errorf("%w: attach in state %v", ErrBadState, img.state)
	}
	caps, err := hyp.Capabilities()
	if err != nil {
		return Hypercall("xen_capabilities", err)
	}
	img.hyp = hyp
	img.DomID = domid
	img.caps = caps
	img.blog.Infof("attached to dom%d, capabilities %q", domid, caps)
	return nil
}

// Caps returns the hypervisor capability string.
func (img *Image) Caps() string {
	if img.hyp != nil {
		return img.caps
	}
	if img.opts.XenCaps != "" {
		return img.opts.XenCaps
	}
	if img.reg == nil {
		return ""
	}
	var types []string
	for _, a := range img.reg.Arches {
		types = append(types, a.GuestType())
	}
	return strings.Join(types, " ")
}

// PageSize returns the guest page size.
func (img *Image) PageSize() uint64 {
	return 1 << img.PageShift
}

// checkState fails unless the build is in want and no phase has failed.
func (img *Image) checkState(want State, phase string) error {
	if img.failed != nil {
		return fmt.Errorf("%w: %s after failure: %v", ErrBadState, phase, img.failed)
	}
	if img.state != want {
		return fmt.Errorf("%w: %s needs state %v, have %v", ErrBadState, phase, want, img.state)
	}
	return nil
}

// fail records err as the end of the build.
func (img *Image) fail(err error) error {
	img.failed = err
	img.blog.WithError(err).Error("build failed")
	return err
}

// Release unmaps all guest memory and frees the pool. The Image must not be
// used afterwards.
func (img *Image) Release() error {
	err := img.UnmapAll()
	if perr := img.pool.Release(); err == nil {
		err = perr
	}
	img.Kernel, img.Ramdisk, img.payload = nil, nil, nil
	img.P2MHost = nil
	return err
}
