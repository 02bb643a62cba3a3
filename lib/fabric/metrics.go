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

package fabric

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectedNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netprobe_fabric_connected_nodes",
			Help: "Number of live node sessions",
		},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_fabric_frames_received_total",
			Help: "Inbound session frames by type",
		},
		[]string{"type"},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netprobe_fabric_auth_failures_total",
			Help: "Node session handshakes rejected",
		},
	)
	staleSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netprobe_fabric_stale_sessions_total",
			Help: "Sessions closed for missing heartbeats",
		},
	)
)

func init() {
	prometheus.MustRegister(connectedNodes, framesReceived, authFailures, staleSessions)
}
