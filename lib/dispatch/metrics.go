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

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeCompleted    = "completed"
	outcomeTimeout      = "timeout"
	outcomeDisconnected = "disconnected"
	outcomeCancelled    = "cancelled"
	outcomeNoNode       = "no_node"
)

var (
	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_dispatch_jobs_total",
			Help: "Dispatched jobs by outcome",
		},
		[]string{"outcome"},
	)
	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netprobe_dispatch_job_duration_seconds",
			Help:    "Wall clock time from dispatch to response",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(jobOutcomes, jobDuration)
}
