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

package admission

import (
	"sync"
	"time"

	"github.com/netprobe/netprobe/lib/defaults"
)

// window is one sliding rate counter. An increment is only valid while
// now < end; crossing end zeroes the counter before the next increment.
type window struct {
	count int
	end   time.Time
}

func (w *window) resetIfLapsed(now time.Time, length time.Duration) {
	if !now.Before(w.end) {
		w.count = 0
		w.end = now.Add(length)
	}
}

// account is the running per-principal state: the two rate windows and
// the set of in-flight request ids. Each account carries its own lock so
// two concurrent admissions for one principal can never both squeeze
// through the last rate unit, while unrelated principals do not contend.
type account struct {
	mu sync.Mutex

	minute window
	hour   window
	// active holds the request ids currently occupying concurrency
	// slots.
	active map[string]struct{}
	// lastTouch is used by the sweeper for observability only; accounts
	// are discarded as soon as the counters lapse and the active set
	// drains.
	lastTouch time.Time
}

func newAccount(now time.Time) *account {
	return &account{
		minute: window{end: now.Add(defaults.RateWindowMinute)},
		hour:   window{end: now.Add(defaults.RateWindowHour)},
		active: make(map[string]struct{}),

		lastTouch: now,
	}
}

// resetLapsedWindows zeroes any counter whose window has passed. Callers
// must hold the account lock.
func (a *account) resetLapsedWindows(now time.Time) {
	a.minute.resetIfLapsed(now, defaults.RateWindowMinute)
	a.hour.resetIfLapsed(now, defaults.RateWindowHour)
}

// idle reports whether the account can be garbage collected. Callers
// must hold the account lock.
func (a *account) idle() bool {
	return a.minute.count == 0 && a.hour.count == 0 && len(a.active) == 0
}
