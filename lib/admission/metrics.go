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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	decisionAdmitted      = "admitted"
	decisionQueued        = "queued"
	decisionDeniedRate    = "denied_rate_limit"
	decisionDeniedQueue   = "denied_queue_full"
	decisionDeniedTimeout = "denied_queue_timeout"
	decisionCancelled     = "cancelled"
)

var (
	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_admission_decisions_total",
			Help: "Admission decisions by outcome",
		},
		[]string{"decision"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netprobe_admission_queue_depth",
			Help: "Number of admissions parked in the priority queue",
		},
	)
	queueWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netprobe_admission_queue_wait_seconds",
			Help:    "Time queued admissions waited before being admitted",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13),
		},
	)
)

func init() {
	prometheus.MustRegister(admissionDecisions, queueDepth, queueWaitSeconds)
}
