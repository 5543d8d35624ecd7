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
	"github.com/google/btree"
)

// physRange is a run of guest frames mapped into the builder.
type physRange struct {
	first uint64
	count uint64
	mem   []byte

	// foreign ranges were mapped from the hypervisor and must be unmapped
	// through it; others belong to the pool.
	foreign bool
}

func (r *physRange) end() uint64 {
	return r.first + r.count
}

// physMap is the set of mapped ranges, ordered by first frame. Ranges never
// overlap.
type physMap struct {
	tree *btree.BTreeG[*physRange]
}

func (m *physMap) init() {
	m.tree = btree.NewG(8, func(a, b *physRange) bool {
		return a.first < b.first
	})
}

// containing returns the range holding pfn, or nil.
func (m *physMap) containing(pfn uint64) *physRange {
	var found *physRange
	m.tree.DescendLessOrEqual(&physRange{first: pfn}, func(r *physRange) bool {
		if pfn < r.end() {
			found = r
		}
		return false
	})
	return found
}

// startingIn returns the first range that starts in [from, to), or nil.
func (m *physMap) startingIn(from, to uint64) *physRange {
	var found *physRange
	m.tree.AscendRange(&physRange{first: from}, &physRange{first: to}, func(r *physRange) bool {
		found = r
		return false
	})
	return found
}

func (m *physMap) insert(r *physRange) {
	m.tree.ReplaceOrInsert(r)
}

func (m *physMap) remove(r *physRange) {
	m.tree.Delete(r)
}

// all returns every range in frame order.
func (m *physMap) all() []*physRange {
	rs := make([]*physRange, 0, m.tree.Len())
	m.tree.Ascend(func(r *physRange) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

func (m *physMap) clear() {
	m.tree.Clear(false)
}
