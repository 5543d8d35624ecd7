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

	"xenbuild.dev/xenbuild/pkg/abi/xen"
)

// reconcileFeatures computes the features the guest sees: those the user
// requested plus those the kernel requires, all of which the kernel must
// support.
func (img *Image) reconcileFeatures() error {
	var requested xen.Features
	if err := xen.ParseFeatures(img.opts.Features, &requested, nil); err != nil {
		return fmt.Errorf("%w: requested features: %v", ErrUnsupportedFeature, err)
	}
	img.FeaturesRequested = requested

	active := requested | img.Parms.Required
	if !active.SubsetOf(img.Parms.Supported) {
		return fmt.Errorf("%w: %v not supported by kernel (supports %q)",
			ErrUnsupportedFeature, active&^img.Parms.Supported, img.Parms.Supported.String())
	}
	img.FeaturesActive = active
	img.blog.Debugf("features: requested %q required %q active %q", requested, img.Parms.Required, active)
	return nil
}
