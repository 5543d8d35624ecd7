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

// Package bzimage loads Linux bzImage kernels whose compressed payload is a
// Xen ELF kernel.
package bzimage

import (
	"debug/elf"
	"errors"
	"fmt"

	"xenbuild.dev/xenbuild/pkg/binary"
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/dom/elfload"
)

// Name is the name of the loader.
const Name = "Linux bzImage"

// Offsets into the real-mode kernel header.
const (
	offSetupSects    = 0x1f1
	offMagic         = 0x202
	offVersion       = 0x206
	offPayloadOffset = 0x248
	offPayloadLength = 0x24c
	headerEnd        = 0x250

	headerMagic = "HdrS"

	// MinVersion is boot protocol 2.08, the first to describe the
	// payload.
	MinVersion = 0x0208

	sectorSize = 512
)

// Payload returns the still compressed payload of a bzImage.
func Payload(b []byte) ([]byte, error) {
	if len(b) < headerEnd {
		return nil, fmt.Errorf("kernel too small (%d bytes)", len(b))
	}
	if string(b[offMagic:offMagic+len(headerMagic)]) != headerMagic {
		return nil, errors.New("kernel is not a bzImage")
	}
	if v := binary.LittleEndian.Uint16(b[offVersion:]); v < MinVersion {
		return nil, fmt.Errorf("boot protocol too old (%#04x)", v)
	}
	off := (uint64(b[offSetupSects]) + 1) * sectorSize
	off += uint64(binary.LittleEndian.Uint32(b[offPayloadOffset:]))
	size := uint64(binary.LittleEndian.Uint32(b[offPayloadLength:]))
	if off > uint64(len(b)) || size > uint64(len(b))-off {
		return nil, fmt.Errorf("payload %#x+%#x beyond kernel of %#x bytes", off, size, len(b))
	}
	return b[off : off+size], nil
}

// extract returns the decompressed ELF payload.
func extract(b []byte) ([]byte, dom.Compression, error) {
	p, err := Payload(b)
	if err != nil {
		return nil, dom.None, err
	}
	c := dom.DetectCompression(p)
	if c == dom.None {
		return nil, c, errors.New("unknown payload compression")
	}
	out, _, err := dom.Decompress(p)
	if err != nil {
		return nil, c, fmt.Errorf("%s payload: %w", c, err)
	}
	if len(out) < elf.EI_NIDENT || string(out[:4]) != elf.ELFMAG {
		return nil, c, errors.New("payload is not an ELF image")
	}
	return out, c, nil
}

// Loader is the dom.Loader for bzImage kernels. Parsing and loading are
// those of the ELF payload.
type Loader struct{}

// Name implements dom.Loader.Name.
func (Loader) Name() string {
	return Name
}

// Probe implements dom.Loader.Probe.
func (Loader) Probe(img *dom.Image) error {
	_, _, err := extract(img.Kernel)
	return err
}

// Parse implements dom.Loader.Parse.
func (Loader) Parse(img *dom.Image) error {
	payload, c, err := extract(img.Kernel)
	if err != nil {
		return fmt.Errorf("%w: %v", dom.ErrInvalidKernelImage, err)
	}
	img.Pool().Keep(payload)
	img.BuildLog().Infof("%s: %s payload, %d bytes unpacked", Name, c, len(payload))

	k, err := elfload.Open(payload)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", dom.ErrInvalidKernelImage, err)
	}
	if err := k.Parse(img); err != nil {
		return err
	}
	img.LoaderState = k
	return nil
}

// Load implements dom.Loader.Load.
func (Loader) Load(img *dom.Image) error {
	k, ok := img.LoaderState.(*elfload.Kernel)
	if !ok {
		return fmt.Errorf("%w: %s load without parse", dom.ErrBadState, Name)
	}
	return k.Load(img)
}
