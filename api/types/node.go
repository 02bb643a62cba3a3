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

// NodeStatus is the lifecycle status of a probe node record.
type NodeStatus string

const (
	// NodeStatusRegistered means the node exchanged a registration token
	// for credentials but has not yet connected.
	NodeStatusRegistered NodeStatus = "registered"
	// NodeStatusActive means the node holds a live session.
	NodeStatusActive NodeStatus = "active"
	// NodeStatusDisconnected means the node lost its session.
	NodeStatusDisconnected NodeStatus = "disconnected"
	// NodeStatusDeactivated is terminal; deactivated nodes are kept for
	// audit but never receive work.
	NodeStatusDeactivated NodeStatus = "deactivated"
	// NodeStatusError flags a node that repeatedly failed jobs.
	NodeStatusError NodeStatus = "error"
)

// ProbeNode is the durable identity of a remote probe worker.
type ProbeNode struct {
	// NodeUUID is the stable identity of the node.
	NodeUUID string `json:"node_uuid"`
	// APIKey is the node's opaque credential. Unique across nodes.
	APIKey string `json:"api_key"`
	// Name is the human-assigned node name.
	Name string `json:"name"`
	// Hostname is the node's self-reported hostname.
	Hostname string `json:"hostname,omitempty"`
	// Region places the node for dispatch locality.
	Region string `json:"region"`
	// Zone optionally narrows the region.
	Zone string `json:"zone,omitempty"`
	// InternalIP and ExternalIP are self-reported addresses.
	InternalIP string `json:"internal_ip,omitempty"`
	ExternalIP string `json:"external_ip,omitempty"`
	// Version is the node software version.
	Version string `json:"version,omitempty"`
	// SupportedTools maps tool name to availability on this node.
	SupportedTools map[string]bool `json:"supported_tools"`
	// Priority breaks dispatch ties, higher wins.
	Priority int `json:"priority"`
	// MaxConcurrentProbes caps parallel jobs on the node.
	MaxConcurrentProbes int `json:"max_concurrent_probes"`
	// Status is the lifecycle status.
	Status NodeStatus `json:"status"`
	// LastHeartbeat is the time of the last heartbeat, session or HTTP.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// LastConnected is the time of the last successful session bind.
	LastConnected time.Time `json:"last_connected,omitempty"`
	// CurrentLoad is the node's self-reported load in [0,1].
	CurrentLoad float64 `json:"current_load"`
	// AvgResponseTime is an exponential moving average of job execution
	// time in seconds.
	AvgResponseTime float64 `json:"avg_response_time"`
	// ErrorCount accumulates job failures and timeouts.
	ErrorCount int `json:"error_count"`
	// TotalProbesExecuted counts completed jobs.
	TotalProbesExecuted int64 `json:"total_probes_executed"`
	// ReconnectCount counts session binds.
	ReconnectCount int `json:"reconnect_count"`
	// ConnectionID is the id of the current live session, empty if none.
	ConnectionID string `json:"connection_id,omitempty"`
	// HardwareInfo and NetworkInfo are self-reported at registration.
	HardwareInfo map[string]interface{} `json:"hardware_info,omitempty"`
	NetworkInfo  map[string]interface{} `json:"network_info,omitempty"`
	// Config is server-assigned node configuration, returned on
	// registration and heartbeats.
	Config map[string]interface{} `json:"config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the record and fills in defaults.
func (n *ProbeNode) CheckAndSetDefaults() error {
	if n.NodeUUID == "" {
		return trace.BadParameter("missing node uuid")
	}
	if n.APIKey == "" {
		return trace.BadParameter("missing node api key")
	}
	if n.Name == "" {
		return trace.BadParameter("missing node name")
	}
	if n.Status == "" {
		n.Status = NodeStatusRegistered
	}
	if n.SupportedTools == nil {
		n.SupportedTools = map[string]bool{
			ToolPing:       true,
			ToolTraceroute: true,
			ToolDNS:        true,
			ToolHTTP:       true,
		}
	}
	if n.MaxConcurrentProbes == 0 {
		n.MaxConcurrentProbes = 10
	}
	return nil
}

// SupportsTool reports whether the node advertises the tool.
func (n *ProbeNode) SupportsTool(tool string) bool {
	return n.SupportedTools[tool]
}

// Clone returns a deep copy of the node record.
func (n *ProbeNode) Clone() *ProbeNode {
	out := *n
	if n.SupportedTools != nil {
		out.SupportedTools = make(map[string]bool, len(n.SupportedTools))
		for k, v := range n.SupportedTools {
			out.SupportedTools[k] = v
		}
	}
	out.HardwareInfo = cloneMap(n.HardwareInfo)
	out.NetworkInfo = cloneMap(n.NetworkInfo)
	out.Config = cloneMap(n.Config)
	return &out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
