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
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
	"xenbuild.dev/xenbuild/pkg/binary"
)

// MaxDecompressed bounds the output of any decompression.
const MaxDecompressed = 1 << 30

// Compression identifies a compressed blob by its magic.
type Compression string

// Supported compressions.
const (
	None  Compression = ""
	Gzip  Compression = "gzip"
	Bzip2 Compression = "bzip2"
	LZMA  Compression = "lzma"
	XZ    Compression = "xz"
	LZ4   Compression = "lz4"
	Zstd  Compression = "zstd"
)

var magics = []struct {
	c     Compression
	magic []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Bzip2, []byte("BZh")},
	{XZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{LZMA, []byte{0x5d, 0x00, 0x00}},
	{LZ4, []byte{0x02, 0x21, 0x4c, 0x18}},
	{LZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
}

// DetectCompression returns the compression of b, or None.
func DetectCompression(b []byte) Compression {
	for _, m := range magics {
		if bytes.HasPrefix(b, m.magic) {
			return m.c
		}
	}
	return None
}

// Decompress inflates b according to its magic. Uncompressed input is
// returned as is.
func Decompress(b []byte) ([]byte, Compression, error) {
	c := DetectCompression(b)
	if c == None {
		return b, None, nil
	}
	r, closer, err := newReader(c, bytes.NewReader(b))
	if err != nil {
		return nil, c, err
	}
	defer closer()
	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressed+1))
	if err != nil {
		return nil, c, fmt.Errorf("%s: %w", c, err)
	}
	if len(out) > MaxDecompressed {
		return nil, c, fmt.Errorf("%s: output exceeds %d bytes", c, MaxDecompressed)
	}
	return out, c, nil
}

func newReader(c Compression, r io.Reader) (io.Reader, func(), error) {
	nop := func() {}
	switch c {
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case Bzip2:
		return bzip2.NewReader(r), nop, nil
	case LZMA:
		lr, err := lzma.NewReader(r)
		return lr, nop, err
	case XZ:
		xr, err := xz.NewReader(r)
		return xr, nop, err
	case LZ4:
		return lz4.NewReader(r), nop, nil
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown compression %q", c)
}

// KernelPayload returns the kernel, decompressed if it was compressed. The
// result is computed once and kept in the pool.
func (img *Image) KernelPayload() ([]byte, error) {
	if !img.payloadDone {
		img.payloadDone = true
		out, c, err := Decompress(img.Kernel)
		switch {
		case err != nil:
			img.payloadErr = fmt.Errorf("%w: kernel: %v", ErrInvalidKernelImage, err)
		case c == None:
			img.payload = img.Kernel
		default:
			img.payload = img.pool.Keep(out)
			img.blog.Infof("kernel: %s, %d -> %d bytes", c, len(img.Kernel), len(out))
		}
	}
	return img.payload, img.payloadErr
}

// gzipSize returns the buffer size needed to inflate a gzip ramdisk, or zero
// if rd is not gzip or its trailer looks wrong.
func (img *Image) gzipSize(rd []byte) uint64 {
	if len(rd) < 16 || DetectCompression(rd) != Gzip {
		return 0
	}
	unzlen := uint64(binary.LittleEndian.Uint32(rd[len(rd)-4:]))
	if unzlen > MaxDecompressed {
		img.blog.Warnf("ramdisk: size (zip %d, unzip %d) looks insane, skip gunzip", len(rd), unzlen)
		return 0
	}
	return unzlen + 16
}

// gunzipInto inflates src into dst, which must hold at least want bytes.
func gunzipInto(dst, src []byte, want uint64) error {
	zr, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return err
	}
	defer zr.Close()
	n, err := io.ReadFull(zr, dst)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}
	if uint64(n) < want {
		return fmt.Errorf("gunzip: got %d bytes, trailer says %d", n, want)
	}
	return nil
}
