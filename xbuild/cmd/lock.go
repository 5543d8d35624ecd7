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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"xenbuild.dev/xenbuild/pkg/log"
)

var errLocked = errors.New("domain is locked by another build")

// lockDomain takes the build lock of the domain named label under root. One
// build may be in flight per domain. The returned function releases the
// lock.
func lockDomain(ctx context.Context, root, label string, timeout time.Duration) (func(), error) {
	if err := os.MkdirAll(root, 0711); err != nil {
		return nil, fmt.Errorf("creating root directory %q: %w", root, err)
	}
	fl := flock.New(filepath.Join(root, label+".lock"))
	op := func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLocked
		}
		return nil
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = timeout
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return nil, fmt.Errorf("locking %s: %w", label, err)
	}
	log.Debugf("Locked %s", fl.Path())
	return func() {
		if err := fl.Unlock(); err != nil {
			log.Warningf("Unlocking %s: %v", fl.Path(), err)
		}
	}, nil
}
