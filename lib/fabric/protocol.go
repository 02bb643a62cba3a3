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
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// Frame type discriminators. The auth frame carries no type field; it is
// identified by being the first frame on the wire.
const (
	FrameTypeHeartbeat          = "heartbeat"
	FrameTypeHeartbeatAck       = "heartbeat_ack"
	FrameTypeDiagnosticJob      = "diagnostic_job"
	FrameTypeDiagnosticResponse = "diagnostic_response"
	FrameTypeResultReceived     = "result_received"
)

// Timestamps on the wire are RFC3339 with sub-second precision, matching
// what deployed probe agents already parse.
const wireTimeFormat = time.RFC3339Nano

// WireTime formats a timestamp for a frame field.
func WireTime(t time.Time) string {
	return t.UTC().Format(wireTimeFormat)
}

// AuthFrame is the first and only unauthenticated frame of a session.
type AuthFrame struct {
	NodeUUID string `json:"node_uuid"`
	APIKey   string `json:"api_key"`
	Version  string `json:"version,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// Check verifies the required fields are present.
func (f *AuthFrame) Check() error {
	if f.NodeUUID == "" {
		return trace.BadParameter("missing node_uuid")
	}
	if f.APIKey == "" {
		return trace.BadParameter("missing api_key")
	}
	return nil
}

// ReconnectParams advertises reconnection pacing to the node. Delays are
// in milliseconds. The server documents the policy but does not enforce
// it.
type ReconnectParams struct {
	MinDelay     int64   `json:"min_delay"`
	MaxDelay     int64   `json:"max_delay"`
	JitterFactor float64 `json:"jitter_factor"`
	InitialDelay int64   `json:"initial_delay"`
}

// WelcomeFrame confirms a successful bind.
type WelcomeFrame struct {
	Status       string          `json:"status"`
	ConnectionID string          `json:"connection_id"`
	Reconnect    ReconnectParams `json:"reconnect"`
	ServerTime   string          `json:"server_time"`
}

// AuthErrorFrame reports a failed handshake before the close.
type AuthErrorFrame struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// HeartbeatFrame is the node's periodic liveness report. Pointer fields
// distinguish absent from zero.
type HeartbeatFrame struct {
	Type          string                 `json:"type"`
	NodeUUID      string                 `json:"node_uuid"`
	CurrentLoad   *float64               `json:"current_load,omitempty"`
	ErrorCount    *int                   `json:"error_count,omitempty"`
	Version       string                 `json:"version,omitempty"`
	HardwareStats map[string]interface{} `json:"hardware_stats,omitempty"`
}

// HeartbeatAckFrame acknowledges a heartbeat.
type HeartbeatAckFrame struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	ServerTime string `json:"server_time"`
}

// JobFrame carries one diagnostic job to a node. Timeout is in seconds.
type JobFrame struct {
	Type       string                 `json:"type"`
	RequestID  string                 `json:"request_id"`
	Tool       string                 `json:"tool"`
	Target     string                 `json:"target"`
	Parameters map[string]interface{} `json:"parameters"`
	Priority   int                    `json:"priority"`
	Timeout    float64                `json:"timeout"`
	Timestamp  string                 `json:"timestamp"`
}

// ResponseFrame carries a job result back from a node. ExecutionTime is
// in seconds.
type ResponseFrame struct {
	Type          string                 `json:"type"`
	RequestID     string                 `json:"request_id"`
	Result        map[string]interface{} `json:"result"`
	Success       bool                   `json:"success"`
	ExecutionTime float64                `json:"execution_time"`
	Timestamp     string                 `json:"timestamp"`
}

// ResultReceivedFrame acknowledges a response frame. It is re-sent for
// duplicate responses so node retransmission converges.
type ResultReceivedFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

// frameHeader peeks at the discriminator of an incoming frame.
type frameHeader struct {
	Type string `json:"type"`
}

func frameType(payload []byte) (string, error) {
	var header frameHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return "", trace.BadParameter("malformed frame: %v", err)
	}
	return header.Type, nil
}
