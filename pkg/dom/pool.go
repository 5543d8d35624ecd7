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
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PoolStats counts the bytes a Pool handed out, by kind.
type PoolStats struct {
	Malloc   uint64 `yaml:"malloc"`
	AnonMmap uint64 `yaml:"anon_mmap"`
	FileMmap uint64 `yaml:"file_mmap"`
}

// Pool owns the host memory of one build: heap blocks, anonymous page
// aligned mappings and read-only file mappings. Nothing is freed
// individually; Release drops everything at once.
//
// Pool is not safe for concurrent use.
type Pool struct {
	heap  [][]byte
	anon  [][]byte
	files [][]byte
	stats PoolStats
}

// Alloc returns a zeroed heap block of size bytes.
func (p *Pool) Alloc(size int) []byte {
	return p.Keep(make([]byte, size))
}

// Keep adopts a heap block produced elsewhere, for example by a
// decompressor, and accounts for it.
func (p *Pool) Keep(b []byte) []byte {
	p.heap = append(p.heap, b)
	p.stats.Malloc += uint64(cap(b))
	return b
}

// AllocPages returns size bytes of zero-filled anonymous memory.
func (p *Pool) AllocPages(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: anonymous mapping of %d bytes", ErrOutOfMemory, size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: anonymous mapping of %d bytes: %v", ErrOutOfMemory, size, err)
	}
	p.anon = append(p.anon, b)
	p.stats.AnonMmap += uint64(size)
	return b, nil
}

// MapFile maps the whole of path read-only. An empty file yields an empty,
// non-nil block.
func (p *Pool) MapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return []byte{}, nil
	}
	b, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping %q: %v", ErrOutOfMemory, path, err)
	}
	p.files = append(p.files, b)
	p.stats.FileMmap += uint64(len(b))
	return b, nil
}

// Stats returns the bytes handed out so far.
func (p *Pool) Stats() PoolStats {
	return p.stats
}

// Release unmaps every mapping and drops every heap block. The first unmap
// error is returned, but all mappings are attempted.
func (p *Pool) Release() error {
	var first error
	for _, set := range [][][]byte{p.anon, p.files} {
		for _, b := range set {
			if err := unix.Munmap(b); err != nil && first == nil {
				first = err
			}
		}
	}
	p.heap, p.anon, p.files = nil, nil, nil
	return first
}
