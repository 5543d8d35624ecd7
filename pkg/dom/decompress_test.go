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
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

func compress(t *testing.T, c Compression, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch c {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Zstd:
		w, err = zstd.NewWriter(&buf)
	case LZ4:
		w = lz4.NewWriter(&buf)
	case XZ:
		w, err = xz.NewWriter(&buf)
	case LZMA:
		w, err = lzma.NewWriter(&buf)
	default:
		t.Fatalf("no writer for %q", c)
	}
	if err != nil {
		t.Fatalf("%s writer: %v", c, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("%s write: %v", c, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("%s close: %v", c, err)
	}
	return buf.Bytes()
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func TestDecompress(t *testing.T) {
	want := payload(64 << 10)
	for _, c := range []Compression{Gzip, Zstd, LZ4, XZ, LZMA} {
		t.Run(string(c), func(t *testing.T) {
			in := compress(t, c, want)
			if got := DetectCompression(in); got != c {
				t.Fatalf("DetectCompression = %q, want %q", got, c)
			}
			out, got, err := Decompress(in)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if got != c {
				t.Errorf("compression = %q, want %q", got, c)
			}
			if !bytes.Equal(out, want) {
				t.Errorf("Decompress returned %d bytes, not the original %d", len(out), len(want))
			}
		})
	}
}

func TestDecompressPlain(t *testing.T) {
	in := []byte("\x7fELF not compressed")
	out, c, err := Decompress(in)
	if err != nil || c != None || !bytes.Equal(out, in) {
		t.Errorf("Decompress(plain) = %q, %q, %v", out, c, err)
	}
}

func TestDecompressCorrupt(t *testing.T) {
	in := compress(t, Gzip, payload(4096))
	in = in[:len(in)/2]
	if _, c, err := Decompress(in); err == nil || c != Gzip {
		t.Errorf("Decompress(truncated gzip) = %q, %v, want an error", c, err)
	}
}

func TestKernelPayload(t *testing.T) {
	want := payload(8192)
	img := New(nil, Options{})
	defer img.Release()
	img.SetKernel(compress(t, XZ, want))
	got, err := img.KernelPayload()
	if err != nil {
		t.Fatalf("KernelPayload: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("KernelPayload returned %d bytes, want the %d byte original", len(got), len(want))
	}
	if img.Pool().Stats().Malloc == 0 {
		t.Errorf("decompressed kernel not accounted in the pool")
	}

	bad := New(nil, Options{})
	defer bad.Release()
	bad.SetKernel([]byte{0x1f, 0x8b, 0, 0, 0})
	if _, err := bad.KernelPayload(); !errors.Is(err, ErrInvalidKernelImage) {
		t.Errorf("KernelPayload(corrupt) = %v, want %v", err, ErrInvalidKernelImage)
	}
	// The result is cached.
	if _, err := bad.KernelPayload(); !errors.Is(err, ErrInvalidKernelImage) {
		t.Errorf("second KernelPayload(corrupt) = %v", err)
	}
}

func TestGzipSize(t *testing.T) {
	img := New(nil, Options{})
	defer img.Release()
	data := payload(10000)
	gz := compress(t, Gzip, data)
	if got, want := img.gzipSize(gz), uint64(len(data)+16); got != want {
		t.Errorf("gzipSize = %d, want %d", got, want)
	}
	if got := img.gzipSize(data); got != 0 {
		t.Errorf("gzipSize(plain) = %d, want 0", got)
	}

	dst := make([]byte, len(data)+16)
	if err := gunzipInto(dst, gz, uint64(len(data))); err != nil {
		t.Fatalf("gunzipInto: %v", err)
	}
	if !bytes.Equal(dst[:len(data)], data) {
		t.Errorf("gunzipInto produced the wrong bytes")
	}
	if err := gunzipInto(dst, gz, uint64(len(data)+1)); err == nil {
		t.Errorf("gunzipInto with a larger trailer succeeded")
	}
}
