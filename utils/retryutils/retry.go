/*
Copyright 2026 Meridian Data, Inc.

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

// Package retryutils implements the backoff drivers and the bounded retry
// loop shared by the stream subsystems.
package retryutils

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Retry is an interface that provides retry logic.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments retry attempt.
	Inc()
	// Duration returns retry duration,
	// could be 0.
	Duration() time.Duration
	// After returns time.Time channel
	// that fires after Duration delay,
	// could fire right away if Duration is 0.
	After() <-chan time.Time
	// Clone creates a copy of this retry in a
	// reset state.
	Clone() Retry
}

// ExponentialConfig sets up an exponential backoff driver.
type ExponentialConfig struct {
	// Base is the delay of the first retry, can't be 0.
	Base time.Duration
	// Max caps the computed delay, can't be 0.
	Max time.Duration
	// Jitter is an optional jitter function applied to the delay.
	Jitter Jitter
	// Clock to override clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Max <= 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential retry.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newExponential(cfg), nil
}

func newExponential(cfg ExponentialConfig) *Exponential {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}
}

// Exponential computes retry delays as min(Max, Base·2^(attempt-1)), with
// optional jitter on top. The first call to Duration, before any Inc,
// returns 0 so that the first attempt runs immediately. The attempt counter
// is atomic: Reset may be called concurrently with the retry loop.
type Exponential struct {
	ExponentialConfig
	attempt    atomic.Int64
	closedChan chan time.Time
}

// Reset resets the attempt counter.
func (r *Exponential) Reset() {
	r.attempt.Store(0)
}

// Inc increments the attempt counter.
func (r *Exponential) Inc() {
	r.attempt.Add(1)
}

// Clone creates an identical copy of Exponential with fresh state.
func (r *Exponential) Clone() Retry {
	return newExponential(r.ExponentialConfig)
}

// Duration returns the current retry delay.
func (r *Exponential) Duration() time.Duration {
	attempt := r.attempt.Load()
	if attempt < 1 {
		return 0
	}
	d := r.Base
	for i := int64(1); i < attempt; i++ {
		d *= 2
		if d >= r.Max {
			d = r.Max
			break
		}
	}
	if d > r.Max {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// After returns a channel that fires after the delay defined by Duration;
// as a special case, a zero duration returns a closed channel.
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the driver state.
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, duration=%v)", r.attempt.Load(), r.Duration())
}

// LinearConfig sets up a linear backoff driver.
type LinearConfig struct {
	// First is the delay of the first retry, can be 0.
	First time.Duration
	// Step is added to the delay on every attempt, can't be 0.
	Step time.Duration
	// Max caps the computed delay, can't be 0.
	Max time.Duration
	// Jitter is an optional jitter function applied to the delay.
	Jitter Jitter
	// Clock to override clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step <= 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max <= 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a new instance of linear retry.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newLinear(cfg), nil
}

func newLinear(cfg LinearConfig) *Linear {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}
}

// Linear computes retry delays as min(Max, First + Step·(attempt-1)). The
// first call to Duration, before any Inc, returns 0 so that the first attempt
// runs immediately.
type Linear struct {
	LinearConfig
	attempt    atomic.Int64
	closedChan chan time.Time
}

// Reset resets the attempt counter.
func (r *Linear) Reset() {
	r.attempt.Store(0)
}

// Inc increments the attempt counter.
func (r *Linear) Inc() {
	r.attempt.Add(1)
}

// Clone creates an identical copy of Linear with fresh state.
func (r *Linear) Clone() Retry {
	return newLinear(r.LinearConfig)
}

// Duration returns the current retry delay.
func (r *Linear) Duration() time.Duration {
	attempt := r.attempt.Load()
	if attempt < 1 {
		return 0
	}
	d := r.First + r.Step*time.Duration(attempt-1)
	if d > r.Max {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// After returns a channel that fires after the delay defined by Duration;
// as a special case, a zero duration returns a closed channel.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the driver state.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt.Load(), r.Duration())
}

// RetryConfig configures the Retry loop.
type RetryConfig struct {
	// Driver computes per-attempt delays.
	Driver Retry
	// MaxAttempts bounds the number of attempts; 0 means unbounded,
	// which is what reconnect loops use.
	MaxAttempts int
	// Retryable decides whether an attempt error is worth another try.
	// When nil, no error is retried.
	Retryable func(error) bool
	// OnRetry, if set, observes every failed attempt before the backoff
	// wait.
	OnRetry func(attempt int, err error)
}

func (c *RetryConfig) checkAndSetDefaults() error {
	if c.Driver == nil {
		return trace.BadParameter("missing parameter Driver")
	}
	if c.Retryable == nil {
		c.Retryable = func(error) bool { return false }
	}
	return nil
}

// Do drives fn until it succeeds, returns a non-retryable error, exhausts
// the attempt budget, or ctx is done. Context cancellation aborts the backoff
// wait and is returned as-is, never retried. The driver is used as given:
// callers running long-lived reconnect loops may Reset it from within fn once
// a connection is fully established, restarting the backoff schedule.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	driver := cfg.Driver
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !cfg.Retryable(err) {
			return trace.Wrap(err)
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return trace.Wrap(err, "retry budget of %v attempts exhausted", cfg.MaxAttempts)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		driver.Inc()
		select {
		case <-driver.After():
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}
