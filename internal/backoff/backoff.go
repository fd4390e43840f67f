/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package backoff implements BackoffPolicy (spec §4.3): a monotonic
// exponential backoff counter with reset, used by the ImagePullBackoff and
// CrashLoopBackoff states. The base/max are configurable per user (the
// image-pull policy and the crash-loop policy use different values).
//
// The doubling itself is generated by cenkalti/backoff/v4's
// ExponentialBackOff rather than hand-rolled, wrapped here to add the
// resettable attempt counter and the blocking Wait() the state graph needs;
// the teacher's own utils.CalculateBackoff (plain stdlib jittered doubling,
// see original at utils/backoff.go) is intentionally not reused here since
// it has no reset() concept — it is kept for the fire-and-forget
// reconnect loops in internal/node instead.
package backoff

import (
	"context"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// Policy is a monotonic exponential backoff: Wait suspends for
// min(base*2^n, max), incrementing n; Reset sets n=0.
type Policy struct {
	base time.Duration
	max  time.Duration

	mu  sync.Mutex
	gen cbackoff.BackOff
	n   int
}

// New creates a Policy with the given base and max durations.
func New(base, max time.Duration) *Policy {
	p := &Policy{base: base, max: max}
	p.gen = p.newGenerator()
	return p
}

func (p *Policy) newGenerator() cbackoff.BackOff {
	eb := cbackoff.NewExponentialBackOff()
	eb.InitialInterval = p.base
	eb.MaxInterval = p.max
	eb.MaxElapsedTime = 0 // never stop generating; the state graph owns retry limits
	eb.Multiplier = 2
	eb.RandomizationFactor = 0 // no jitter: each wait is exactly min(base*2^n, max)
	eb.Reset()
	return eb
}

// Wait increments the internal attempt counter, then blocks for that
// attempt's backoff duration (or until ctx is cancelled). Returns ctx.Err()
// if cancelled before the wait elapsed; the attempt still counts.
func (p *Policy) Wait(ctx context.Context) error {
	d := p.next()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next advances the counter and returns the duration for this attempt,
// without blocking. Exposed for tests that need to assert monotonicity
// without sleeping.
func (p *Policy) next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.gen.NextBackOff()
	if d == cbackoff.Stop {
		d = p.max
	}
	p.n++
	return d
}

// Reset sets the attempt counter back to zero; the next Wait starts from
// base again. Called on successful progression (e.g. through ImagePull).
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen.Reset()
	p.n = 0
}

// Attempts returns the number of Wait calls since construction or the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}
