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

package types

// TierLimits is an immutable snapshot of the quotas and feature flags
// attached to a subscription tier. A snapshot is taken per request at
// admission time and never mutated afterwards; tier edits replace the
// whole catalog entry.
type TierLimits struct {
	// Name identifies the tier, e.g. "free", "standard", "enterprise".
	Name string `json:"name"`
	// RatePerMinute caps admissions within a 60 second window.
	RatePerMinute int `json:"rate_per_minute"`
	// RatePerHour caps admissions within a 3600 second window.
	RatePerHour int `json:"rate_per_hour"`
	// RatePerDay caps admissions per calendar day. Enforced by the
	// accounting pipeline, not the in-process gates.
	RatePerDay int `json:"rate_per_day"`
	// RatePerMonth caps admissions per month. See RatePerDay.
	RatePerMonth int `json:"rate_per_month"`
	// MaxConcurrent caps in-flight requests per principal.
	MaxConcurrent int `json:"max_concurrent"`
	// Priority orders queued requests, higher is served earlier.
	Priority int `json:"priority"`
	// AllowedProbeIntervals lists scheduled probe intervals, in minutes,
	// this tier may use.
	AllowedProbeIntervals []int `json:"allowed_probe_intervals"`
	// MaxScheduledProbes caps the number of recurring probes per owner.
	MaxScheduledProbes int `json:"max_scheduled_probes"`

	// AllowScheduledProbes gates recurring probes.
	AllowScheduledProbes bool `json:"allow_scheduled_probes"`
	// AllowAPIAccess gates API key usage.
	AllowAPIAccess bool `json:"allow_api_access"`
	// AllowExport gates result export.
	AllowExport bool `json:"allow_export"`
	// AllowAlerts gates alerting on scheduled probe results.
	AllowAlerts bool `json:"allow_alerts"`
	// AllowCustomIntervals lifts the AllowedProbeIntervals restriction.
	AllowCustomIntervals bool `json:"allow_custom_intervals"`
}

// IntervalAllowed reports whether this tier may schedule probes at the
// given interval.
func (t TierLimits) IntervalAllowed(minutes int) bool {
	if t.AllowCustomIntervals {
		return true
	}
	for _, m := range t.AllowedProbeIntervals {
		if m == minutes {
			return true
		}
	}
	return false
}

// RecognizedProbeIntervals is the set of scheduled probe intervals, in
// minutes, the scheduler will accept for tiers without custom intervals.
var RecognizedProbeIntervals = []int{5, 15, 60, 1440}

// RecognizedProbeInterval reports whether the interval belongs to the
// recognized set.
func RecognizedProbeInterval(minutes int) bool {
	for _, m := range RecognizedProbeIntervals {
		if m == minutes {
			return true
		}
	}
	return false
}
