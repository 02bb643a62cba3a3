/*
Copyright 2024 Netprobe Labs

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

package utils

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// LinearConfig sets up retry configuration using arithmetic progression.
type LinearConfig struct {
	// First is the first element of the progression, could be 0.
	First time.Duration
	// Step is the step of the progression, can't be 0.
	Step time.Duration
	// Max is the maximum value of the progression, can't be 0.
	Max time.Duration
	// Jitter is an optional jitter function to be applied to the delay.
	// Note that supplying a jitter means that successive calls to
	// Duration may return different results.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
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
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}, nil
}

// Linear computes retry delays along an arithmetic progression: no delay
// on the first attempt, then First+Step, First+2*Step and so on up to Max.
type Linear struct {
	// LinearConfig is the retry configuration.
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the retry period to the initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// Inc increments the attempt counter.
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns the current retry duration, could be 0.
func (r *Linear) Duration() time.Duration {
	a := r.First + time.Duration(r.attempt)*r.Step
	if a < 1 {
		return 0
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns a channel that fires after the current retry duration.
// Fires right away if the duration is zero.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}
