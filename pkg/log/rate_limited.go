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

package log

import (
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages above its rate. The number dropped is
// appended to the next message that gets through.
type rateLimitedLogger struct {
	// logger is nil for the global logger, which is resolved on each call
	// so that SetTarget applies to loggers created at init.
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

func (rl *rateLimitedLogger) target() Logger {
	if rl.logger != nil {
		return rl.logger
	}
	return Log()
}

func (rl *rateLimitedLogger) admit(level Level, format string, v []any) (string, []any, bool) {
	if !rl.target().IsLogging(level) {
		return "", nil, false
	}
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return "", nil, false
	}
	n := rl.dropped.Swap(0)
	if n == 0 {
		return format, v, true
	}
	nl := ""
	if strings.HasSuffix(format, "\n") {
		format, nl = format[:len(format)-1], "\n"
	}
	return format + " (%d similar messages suppressed)" + nl, append(v[:len(v):len(v)], n), true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if format, v, ok := rl.admit(Debug, format, v); ok {
		rl.target().Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if format, v, ok := rl.admit(Info, format, v); ok {
		rl.target().Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if format, v, ok := rl.admit(Warning, format, v); ok {
		rl.target().Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.target().IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration. The global logger is looked up
// on every call.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return &rateLimitedLogger{limit: rate.NewLimiter(rate.Every(every), 1)}
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
