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

// Package defaults contains default constants used across the control
// plane. Anything operators may want to tune lives here, in one place.
package defaults

import "time"

const (
	// MaxAdmissionQueue is the process-wide cap on queued admissions.
	// Requests arriving at a full queue are denied synchronously.
	MaxAdmissionQueue = 1000

	// AdmissionQueueTimeout is the wall-clock budget a queued request
	// waits before it is denied.
	AdmissionQueueTimeout = 60 * time.Second

	// AdmissionSweepInterval is the cadence of the admission sweeper,
	// which re-examines the queue, resets lapsed counters and garbage
	// collects idle accounts.
	AdmissionSweepInterval = 5 * time.Second
)

const (
	// RateWindowMinute is the short rate-gate window.
	RateWindowMinute = time.Minute
	// RateWindowHour is the long rate-gate window.
	RateWindowHour = time.Hour
)

const (
	// JobTimeout is the default deadline for a dispatched probe job.
	JobTimeout = 30 * time.Second

	// MaxJobTimeout is the policy cap on caller-supplied job deadlines.
	MaxJobTimeout = 120 * time.Second
)

const (
	// NodeAuthTimeout bounds the interval between a node connecting and
	// its auth frame arriving.
	NodeAuthTimeout = 5 * time.Second

	// NodeHeartbeatInterval is the expected cadence of node heartbeats.
	NodeHeartbeatInterval = 15 * time.Second

	// NodeStaleMultiplier scales NodeHeartbeatInterval into the staleness
	// threshold after which a session is declared dead.
	NodeStaleMultiplier = 3

	// NodeReconnectMinDelay is the advertised minimum reconnect backoff.
	NodeReconnectMinDelay = 1000 * time.Millisecond
	// NodeReconnectMaxDelay is the advertised maximum reconnect backoff.
	NodeReconnectMaxDelay = 30000 * time.Millisecond
	// NodeReconnectJitterFactor is the advertised reconnect jitter.
	NodeReconnectJitterFactor = 0.10
	// NodeReconnectInitialDelay is the advertised first reconnect delay.
	NodeReconnectInitialDelay = 1000 * time.Millisecond
)

// NodeStaleThreshold is the session staleness threshold.
func NodeStaleThreshold() time.Duration {
	return NodeStaleMultiplier * NodeHeartbeatInterval
}

const (
	// TierRefreshInterval is the cadence of tier catalog refresh checks.
	TierRefreshInterval = 30 * time.Second

	// APIKeyCacheSize bounds the identity resolver's API key cache.
	APIKeyCacheSize = 1000
)

const (
	// SchedulerTickInterval is the cadence of the scheduled probe loop.
	SchedulerTickInterval = time.Minute
)

const (
	// RegistrationTokenMinExpiry and RegistrationTokenMaxExpiry bound
	// admin-supplied token lifetimes.
	RegistrationTokenMinExpiry = 1 * time.Hour
	RegistrationTokenMaxExpiry = 168 * time.Hour

	// RegistrationTokenDefaultExpiry applies when the admin supplies no
	// lifetime.
	RegistrationTokenDefaultExpiry = 24 * time.Hour
)

const (
	// AnonymousBuckets is the modulus applied to hashed client addresses
	// when deriving anonymous principal ids.
	AnonymousBuckets = 1000000
)

const (
	// HTTPListenAddr is the default control surface listen address.
	HTTPListenAddr = "0.0.0.0:8088"

	// HTTPIdleTimeout is the keepalive idle timeout of the HTTP server.
	HTTPIdleTimeout = 60 * time.Second
)

const (
	// ResponseTimeAlpha is the smoothing factor of the per-node average
	// response time EMA.
	ResponseTimeAlpha = 0.2
)
