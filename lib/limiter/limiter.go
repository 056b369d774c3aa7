/*
Copyright 2025 Coscribe, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package limiter rate-limits inbound frames per session. Each session
// holds one Limiter with two independent token buckets: one for edit
// operations and one for cursor updates. Buckets are independent per
// session, so one client flooding the server never consumes another
// client's budget.
package limiter

import (
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/coscribe/coscribe/lib/defaults"
)

// Config holds the bucket parameters for one session.
type Config struct {
	// OpRate is the sustained number of edit operations allowed per
	// second.
	OpRate float64
	// OpBurst is the edit operation burst allowance.
	OpBurst int
	// CursorRate is the sustained number of cursor updates allowed per
	// second.
	CursorRate float64
	// CursorBurst is the cursor update burst allowance.
	CursorBurst int
	// Clock is the limiter's time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.OpRate < 0 || c.CursorRate < 0 {
		return trace.BadParameter("rate limits must not be negative")
	}
	if c.OpBurst < 0 || c.CursorBurst < 0 {
		return trace.BadParameter("burst allowances must not be negative")
	}
	if c.OpRate == 0 {
		c.OpRate = defaults.OpRateLimit
	}
	if c.OpBurst == 0 {
		c.OpBurst = defaults.OpBurst
	}
	if c.CursorRate == 0 {
		c.CursorRate = defaults.CursorRateLimit
	}
	if c.CursorBurst == 0 {
		c.CursorBurst = defaults.CursorBurst
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Limiter is a pair of token buckets guarding one session's inbound
// frames. Methods never block: a frame either fits its bucket now or is
// dropped by the caller.
type Limiter struct {
	clock   clockwork.Clock
	ops     *rate.Limiter
	cursors *rate.Limiter
}

// New creates a Limiter for one session.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		clock:   cfg.Clock,
		ops:     rate.NewLimiter(rate.Limit(cfg.OpRate), cfg.OpBurst),
		cursors: rate.NewLimiter(rate.Limit(cfg.CursorRate), cfg.CursorBurst),
	}, nil
}

// AllowOp reports whether one edit operation fits the bucket, consuming
// a token when it does.
func (l *Limiter) AllowOp() bool {
	return l.ops.AllowN(l.clock.Now(), 1)
}

// AllowCursor reports whether one cursor update fits the bucket,
// consuming a token when it does.
func (l *Limiter) AllowCursor() bool {
	return l.cursors.AllowN(l.clock.Now(), 1)
}
