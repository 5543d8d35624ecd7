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

package xen

import (
	"fmt"
	"strings"
)

// Feature is a Xen feature flag number.
type Feature uint

// Known features.
const (
	FeatWritablePageTables       Feature = 0
	FeatWritableDescriptorTables Feature = 1
	FeatAutoTranslatedPhysmap    Feature = 2
	FeatSupervisorModeKernel     Feature = 3
	FeatPAEPgdirAbove4GB         Feature = 4
)

var featureNames = [...]string{
	FeatWritablePageTables:       "writable_page_tables",
	FeatWritableDescriptorTables: "writable_descriptor_tables",
	FeatAutoTranslatedPhysmap:    "auto_translated_physmap",
	FeatSupervisorModeKernel:     "supervisor_mode_kernel",
	FeatPAEPgdirAbove4GB:         "pae_pgdir_above_4gb",
}

func (f Feature) String() string {
	if int(f) < len(featureNames) {
		return featureNames[f]
	}
	return fmt.Sprintf("feature(%d)", uint(f))
}

// Features is a feature bitmap.
type Features uint32

// Set marks f present.
func (fs *Features) Set(f Feature) {
	*fs |= 1 << f
}

// Has reports whether f is present.
func (fs Features) Has(f Feature) bool {
	return fs&(1<<f) != 0
}

// SubsetOf reports whether every bit of fs is also in other.
func (fs Features) SubsetOf(other Features) bool {
	return fs&^other == 0
}

func (fs Features) String() string {
	var names []string
	for i := range featureNames {
		if fs.Has(Feature(i)) {
			names = append(names, featureNames[i])
		}
	}
	return strings.Join(names, "|")
}

// ParseFeatures parses a '|' separated list of feature names into supported.
// Names prefixed with '!' are also recorded in required, when required is
// not nil.
func ParseFeatures(s string, supported, required *Features) error {
	for _, name := range strings.Split(s, "|") {
		if name == "" {
			continue
		}
		mustHave := false
		if name[0] == '!' {
			name = name[1:]
			mustHave = true
		}
		f, ok := featureByName(name)
		if !ok {
			return fmt.Errorf("unknown feature %q", name)
		}
		supported.Set(f)
		if mustHave && required != nil {
			required.Set(f)
		}
	}
	return nil
}

func featureByName(name string) (Feature, bool) {
	for i, n := range featureNames {
		if n == name {
			return Feature(i), true
		}
	}
	return 0, false
}
