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

import (
	"time"

	"github.com/gravitational/trace"
)

// Diagnostic tool names understood by the dispatch layer. A tool is only
// routed to nodes that advertise it in SupportedTools.
const (
	ToolPing       = "ping"
	ToolTraceroute = "traceroute"
	ToolDNS        = "dns"
	ToolHTTP       = "http"
	ToolNmap       = "nmap"
	ToolCurl       = "curl"
	ToolWhois      = "whois"
	ToolReverseDNS = "reverse_dns"
)

// KnownTools lists every tool name the control plane recognizes.
var KnownTools = []string{
	ToolPing, ToolTraceroute, ToolDNS, ToolHTTP,
	ToolNmap, ToolCurl, ToolWhois, ToolReverseDNS,
}

// KnownTool reports whether the tool name is recognized.
func KnownTool(tool string) bool {
	for _, t := range KnownTools {
		if t == tool {
			return true
		}
	}
	return false
}

// ProbeSpec describes one diagnostic job to execute on a node.
type ProbeSpec struct {
	// Tool names the diagnostic to run.
	Tool string `json:"tool"`
	// Target is the hostname or address the tool operates on.
	Target string `json:"target"`
	// Parameters are tool-specific options.
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	// Region optionally pins dispatch to nodes in a region.
	Region string `json:"region,omitempty"`
	// Timeout overrides the default job deadline. Zero means default;
	// values above the policy cap are clamped.
	Timeout time.Duration `json:"-"`
}

// CheckAndSetDefaults validates the spec.
func (s *ProbeSpec) CheckAndSetDefaults() error {
	if s.Tool == "" {
		return trace.BadParameter("missing probe tool")
	}
	if !KnownTool(s.Tool) {
		return trace.BadParameter("unknown probe tool %q", s.Tool)
	}
	if s.Target == "" {
		return trace.BadParameter("missing probe target")
	}
	return nil
}

// ProbeResult is a correlated response to one dispatched job.
type ProbeResult struct {
	// RequestID correlates the result with its job.
	RequestID string `json:"request_id"`
	// NodeUUID identifies the executing node.
	NodeUUID string `json:"node_uuid"`
	// Result is the tool output, shape depends on the tool.
	Result interface{} `json:"result"`
	// Success reports whether the tool ran successfully.
	Success bool `json:"success"`
	// ExecutionTime is the node-side execution time in seconds.
	ExecutionTime float64 `json:"execution_time"`
	// Timestamp is the node-side completion time.
	Timestamp time.Time `json:"timestamp"`
}

// ScheduledProbe is a recurring probe owned by a subscriber.
type ScheduledProbe struct {
	// ID uniquely identifies the scheduled probe.
	ID string `json:"id"`
	// Name and Description are user-assigned.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Tool and Target describe the probe to run.
	Tool   string `json:"tool"`
	Target string `json:"target"`
	// IntervalMinutes is the cadence of the probe.
	IntervalMinutes int `json:"interval_minutes"`
	// IsActive pauses the probe when false.
	IsActive bool `json:"is_active"`
	// AlertOnFailure raises an alert when a run fails.
	AlertOnFailure bool `json:"alert_on_failure"`
	// AlertOnThreshold raises an alert when ThresholdValue is exceeded.
	AlertOnThreshold bool `json:"alert_on_threshold"`
	// ThresholdValue is tool-specific, e.g. milliseconds for ping.
	ThresholdValue int `json:"threshold_value,omitempty"`
	// OwnerID is the owning user id.
	OwnerID int `json:"owner_id"`
	// NextRun is the next due time, maintained by the scheduler.
	NextRun time.Time `json:"next_run"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the scheduled probe.
func (p *ScheduledProbe) CheckAndSetDefaults() error {
	if p.Name == "" {
		return trace.BadParameter("missing probe name")
	}
	if p.Tool == "" || !KnownTool(p.Tool) {
		return trace.BadParameter("unknown probe tool %q", p.Tool)
	}
	if p.Target == "" {
		return trace.BadParameter("missing probe target")
	}
	if p.IntervalMinutes <= 0 {
		return trace.BadParameter("probe interval must be positive")
	}
	return nil
}

// ProbeRunResult is one recorded run of a scheduled probe.
type ProbeRunResult struct {
	// ScheduledProbeID references the owning scheduled probe.
	ScheduledProbeID string `json:"scheduled_probe_id"`
	// Result is the serialized tool output.
	Result interface{} `json:"result"`
	// Success reports whether the run succeeded.
	Success bool `json:"success"`
	// ExecutionTime is the run duration in seconds.
	ExecutionTime float64 `json:"execution_time"`
	// CreatedAt is the run completion time.
	CreatedAt time.Time `json:"created_at"`
}
