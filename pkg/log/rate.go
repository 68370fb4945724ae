// Copyright The NRI Plugins Authors. All Rights Reserved.
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
	"time"

	"golang.org/x/time/rate"
)

// Rate specifies maximum per-message logging rate.
type Rate struct {
	// Limit is the rate limit for messages.
	Limit rate.Limit
	// Burst is the number of messages allowed to exceed the limit.
	Burst int
}

// Every is a helper for expressing Rate limits as an interval.
func Every(interval time.Duration) rate.Limit {
	return rate.Every(interval)
}

// ratelimited is a Logger which suppresses messages exceeding a rate.
type ratelimited struct {
	logger
	limiter *rate.Limiter
}

// RateLimit returns a Logger for source which drops Debug, Info, Warn and
// Error messages emitted faster than the given Rate. Fatal and Panic are
// never suppressed.
func RateLimit(source string, r Rate) Logger {
	burst := r.Burst
	if burst < 1 {
		burst = 1
	}
	return &ratelimited{
		logger:  log.get(source),
		limiter: rate.NewLimiter(r.Limit, burst),
	}
}

func (r *ratelimited) Debug(format string, args ...interface{}) {
	if r.DebugEnabled() && r.limiter.Allow() {
		r.logger.Debug(format, args...)
	}
}

func (r *ratelimited) Info(format string, args ...interface{}) {
	if r.limiter.Allow() {
		r.logger.Info(format, args...)
	}
}

func (r *ratelimited) Warn(format string, args ...interface{}) {
	if r.limiter.Allow() {
		r.logger.Warn(format, args...)
	}
}

func (r *ratelimited) Error(format string, args ...interface{}) {
	if r.limiter.Allow() {
		r.logger.Error(format, args...)
	}
}

func (r *ratelimited) Debugf(format string, args ...interface{}) { r.Debug(format, args...) }
func (r *ratelimited) Infof(format string, args ...interface{})  { r.Info(format, args...) }
func (r *ratelimited) Warnf(format string, args ...interface{})  { r.Warn(format, args...) }
func (r *ratelimited) Errorf(format string, args ...interface{}) { r.Error(format, args...) }
