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

// Package builtin assembles the loaders and architectures shipped with the
// builder.
package builtin

import (
	"xenbuild.dev/xenbuild/pkg/dom"
	"xenbuild.dev/xenbuild/pkg/dom/binload"
	"xenbuild.dev/xenbuild/pkg/dom/bzimage"
	"xenbuild.dev/xenbuild/pkg/dom/elfload"
	"xenbuild.dev/xenbuild/pkg/dom/ia64"
	"xenbuild.dev/xenbuild/pkg/dom/x86"
)

// Registry returns a new registry. Loaders are probed in order: a bzImage
// may embed an ELF, and the raw-binary table scan accepts almost anything,
// so it goes last.
func Registry() *dom.Registry {
	return &dom.Registry{
		Loaders: []dom.Loader{
			bzimage.Loader{},
			elfload.Loader{},
			binload.Loader{},
		},
		Arches: []dom.Arch{
			x86.New32(),
			x86.New32PAE(),
			x86.New64(),
			ia64.New(),
		},
	}
}
