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

import "time"

// UsageLog is one append-only accounting record. Exactly one is written
// per admitted request, on release.
type UsageLog struct {
	// Subject is the opaque principal key the request was accounted to.
	Subject string `json:"subject"`
	// Endpoint is the request path or operation name.
	Endpoint string `json:"endpoint"`
	// Timestamp is the release time.
	Timestamp time.Time `json:"timestamp"`
	// Success reports the request outcome.
	Success bool `json:"success"`
	// ResponseTime is the admission-to-release duration.
	ResponseTime time.Duration `json:"response_time"`
	// ClientAddr is the calling client address, if known.
	ClientAddr string `json:"client_addr,omitempty"`
	// Tier names the tier snapshot the request was admitted under.
	Tier string `json:"tier"`
	// APIKeyID references the API key used, if any.
	APIKeyID string `json:"api_key_id,omitempty"`
	// WasQueued reports whether the request waited in the priority queue.
	WasQueued bool `json:"was_queued"`
	// QueueWait is the time spent queued, zero if not queued.
	QueueWait time.Duration `json:"queue_wait,omitempty"`
}
