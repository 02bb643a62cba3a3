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

// Package registry owns probe node identity: token-based registration,
// credential checks, heartbeat bookkeeping and per-node job statistics.
package registry

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/defaults"
	"github.com/netprobe/netprobe/lib/fabric"
	"github.com/netprobe/netprobe/lib/utils"
)

// Backend is the persistence surface the registry needs.
type Backend interface {
	UpsertNode(ctx context.Context, node *types.ProbeNode) error
	GetNode(ctx context.Context, nodeUUID string) (*types.ProbeNode, error)
	GetNodeByAPIKey(ctx context.Context, apiKey string) (*types.ProbeNode, error)
	GetNodes(ctx context.Context) ([]*types.ProbeNode, error)
	CreateToken(ctx context.Context, token *types.RegistrationToken) error
	GetTokens(ctx context.Context) ([]*types.RegistrationToken, error)
	ConsumeToken(ctx context.Context, token string, now time.Time, boundNodeID string) (*types.RegistrationToken, error)
	RevokeToken(ctx context.Context, token string, now time.Time) error
}

// Config configures a Registry.
type Config struct {
	// Backend is the node and token store.
	Backend Backend
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Registry implements node lifecycle operations. It also satisfies the
// session controller's NodeAccess and the dispatcher's NodeStats.
type Registry struct {
	cfg Config
	log *log.Entry

	// mu serializes read-modify-write cycles on node records.
	mu sync.Mutex
}

// NewRegistry builds a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg: cfg,
		log: utils.NewComponentLogger(netprobe.ComponentRegistry),
	}, nil
}

// RegisterRequest carries the self-description a node submits alongside
// its registration token.
type RegisterRequest struct {
	Token          string                 `json:"registration_token"`
	Name           string                 `json:"name"`
	Hostname       string                 `json:"hostname"`
	Region         string                 `json:"region"`
	Zone           string                 `json:"zone,omitempty"`
	InternalIP     string                 `json:"internal_ip,omitempty"`
	ExternalIP     string                 `json:"external_ip,omitempty"`
	Version        string                 `json:"version,omitempty"`
	SupportedTools map[string]bool        `json:"supported_tools,omitempty"`
	HardwareInfo   map[string]interface{} `json:"hardware_info,omitempty"`
	NetworkInfo    map[string]interface{} `json:"network_info,omitempty"`
}

// Check verifies the required fields are present.
func (r *RegisterRequest) Check() error {
	if r.Token == "" {
		return trace.BadParameter("missing registration_token")
	}
	if r.Name == "" {
		return trace.BadParameter("missing name")
	}
	if r.Hostname == "" {
		return trace.BadParameter("missing hostname")
	}
	return nil
}

// RegisterNode exchanges a one-shot registration token for a permanent
// node identity. The token consumption is atomic: a token mints at most
// one node no matter how many registrations race on it.
func (r *Registry) RegisterNode(ctx context.Context, req RegisterRequest) (*types.ProbeNode, error) {
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := r.cfg.Clock.Now()
	nodeUUID := uuid.NewString()

	token, err := r.cfg.Backend.ConsumeToken(ctx, req.Token, now, nodeUUID)
	if err != nil {
		r.log.WithError(err).Warn("Node registration rejected.")
		return nil, trace.AccessDenied("invalid or expired registration token")
	}

	key, err := utils.CryptoRandomToken(32)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	region := req.Region
	if region == "" {
		region = token.IntendedRegion
	}
	node := &types.ProbeNode{
		NodeUUID:       nodeUUID,
		APIKey:         netprobe.NodeAPIKeyPrefix + key,
		Name:           req.Name,
		Hostname:       req.Hostname,
		Region:         region,
		Zone:           req.Zone,
		InternalIP:     req.InternalIP,
		ExternalIP:     req.ExternalIP,
		Version:        req.Version,
		SupportedTools: req.SupportedTools,
		Status:         types.NodeStatusRegistered,
		HardwareInfo:   req.HardwareInfo,
		NetworkInfo:    req.NetworkInfo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.cfg.Backend.UpsertNode(ctx, node); err != nil {
		return nil, trace.Wrap(err)
	}
	r.log.WithFields(log.Fields{
		"node":   nodeUUID,
		"name":   req.Name,
		"region": region,
	}).Info("Node registered.")
	return node.Clone(), nil
}

// CreateTokenRequest carries the admin's token parameters.
type CreateTokenRequest struct {
	Description string        `json:"description"`
	Expiry      time.Duration `json:"-"`
	Region      string        `json:"region,omitempty"`
	CreatedBy   string        `json:"-"`
}

// CreateRegistrationToken mints a one-shot registration token. Expiry is
// bounded by policy; zero means the default.
func (r *Registry) CreateRegistrationToken(ctx context.Context, req CreateTokenRequest) (*types.RegistrationToken, error) {
	if req.Description == "" {
		return nil, trace.BadParameter("missing token description")
	}
	expiry := req.Expiry
	if expiry == 0 {
		expiry = defaults.RegistrationTokenDefaultExpiry
	}
	if expiry < defaults.RegistrationTokenMinExpiry || expiry > defaults.RegistrationTokenMaxExpiry {
		return nil, trace.BadParameter("token expiry must be between %v and %v",
			defaults.RegistrationTokenMinExpiry, defaults.RegistrationTokenMaxExpiry)
	}
	value, err := utils.CryptoRandomToken(24)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := r.cfg.Clock.Now()
	token := &types.RegistrationToken{
		Token:          netprobe.RegistrationTokenPrefix + value,
		Description:    req.Description,
		CreatedBy:      req.CreatedBy,
		IntendedRegion: req.Region,
		ExpiresAt:      now.Add(expiry),
		CreatedAt:      now,
	}
	if err := r.cfg.Backend.CreateToken(ctx, token); err != nil {
		return nil, trace.Wrap(err)
	}
	copied := *token
	return &copied, nil
}

// RevokeToken invalidates a token immediately.
func (r *Registry) RevokeToken(ctx context.Context, token string) error {
	return trace.Wrap(r.cfg.Backend.RevokeToken(ctx, token, r.cfg.Clock.Now()))
}

// GetTokens returns all registration tokens.
func (r *Registry) GetTokens(ctx context.Context) ([]*types.RegistrationToken, error) {
	tokens, err := r.cfg.Backend.GetTokens(ctx)
	return tokens, trace.Wrap(err)
}

// AuthenticateNode checks a node_uuid/api_key pair. The comparison is
// constant time; deactivated nodes never authenticate.
func (r *Registry) AuthenticateNode(ctx context.Context, nodeUUID, apiKey string) (*types.ProbeNode, error) {
	node, err := r.cfg.Backend.GetNode(ctx, nodeUUID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("invalid node credentials")
		}
		return nil, trace.Wrap(err)
	}
	if subtle.ConstantTimeCompare([]byte(node.APIKey), []byte(apiKey)) != 1 {
		return nil, trace.AccessDenied("invalid node credentials")
	}
	if node.Status == types.NodeStatusDeactivated {
		return nil, trace.AccessDenied("node %v is deactivated", nodeUUID)
	}
	return node, nil
}

// HeartbeatMetrics is the body of an HTTP heartbeat.
type HeartbeatMetrics struct {
	CurrentLoad     float64                `json:"current_load"`
	AvgResponseTime float64                `json:"avg_response_time"`
	ErrorCount      int                    `json:"error_count"`
	Version         string                 `json:"version,omitempty"`
	HardwareStats   map[string]interface{} `json:"hardware_stats,omitempty"`
}

// Heartbeat applies an HTTP heartbeat. When the node holds a live
// session the session owns the metrics; the HTTP heartbeat is accepted
// but only the timestamp is taken.
func (r *Registry) Heartbeat(ctx context.Context, nodeUUID, apiKey string, metrics HeartbeatMetrics) (*types.ProbeNode, error) {
	if _, err := r.AuthenticateNode(ctx, nodeUUID, apiKey); err != nil {
		return nil, trace.Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	node, err := r.cfg.Backend.GetNode(ctx, nodeUUID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := r.cfg.Clock.Now()
	node.LastHeartbeat = now
	if node.ConnectionID == "" {
		node.CurrentLoad = clamp01(metrics.CurrentLoad)
		node.AvgResponseTime = metrics.AvgResponseTime
		node.ErrorCount = metrics.ErrorCount
		if metrics.Version != "" {
			node.Version = metrics.Version
		}
	}
	node.UpdatedAt = now
	if err := r.cfg.Backend.UpsertNode(ctx, node); err != nil {
		return nil, trace.Wrap(err)
	}
	return node.Clone(), nil
}

// HandleConnect records a successful session bind.
func (r *Registry) HandleConnect(ctx context.Context, nodeUUID, connectionID string) error {
	return r.update(ctx, nodeUUID, func(node *types.ProbeNode, now time.Time) error {
		if node.Status == types.NodeStatusDeactivated {
			return trace.AccessDenied("node %v is deactivated", nodeUUID)
		}
		node.Status = types.NodeStatusActive
		node.ConnectionID = connectionID
		node.LastHeartbeat = now
		node.LastConnected = now
		node.ReconnectCount++
		return nil
	})
}

// HandleDisconnect clears a session binding. A bind recorded by a newer
// connection is left alone.
func (r *Registry) HandleDisconnect(ctx context.Context, nodeUUID, connectionID string) error {
	return r.update(ctx, nodeUUID, func(node *types.ProbeNode, now time.Time) error {
		if node.ConnectionID != connectionID {
			return nil
		}
		node.ConnectionID = ""
		if node.Status != types.NodeStatusDeactivated {
			node.Status = types.NodeStatusDisconnected
		}
		return nil
	})
}

// HandleSessionHeartbeat applies one session heartbeat's metrics.
func (r *Registry) HandleSessionHeartbeat(ctx context.Context, nodeUUID string, update fabric.HeartbeatUpdate) error {
	return r.update(ctx, nodeUUID, func(node *types.ProbeNode, now time.Time) error {
		node.LastHeartbeat = now
		if update.CurrentLoad != nil {
			node.CurrentLoad = *update.CurrentLoad
		}
		if update.ErrorCount != nil {
			node.ErrorCount = *update.ErrorCount
		}
		if update.Version != "" {
			node.Version = update.Version
		}
		return nil
	})
}

// RecordJobSuccess counts a completed job and folds its execution time
// into the node's response time average.
func (r *Registry) RecordJobSuccess(ctx context.Context, nodeUUID string, executionTime float64) error {
	return r.update(ctx, nodeUUID, func(node *types.ProbeNode, now time.Time) error {
		node.TotalProbesExecuted++
		if node.AvgResponseTime == 0 {
			node.AvgResponseTime = executionTime
		} else {
			alpha := defaults.ResponseTimeAlpha
			node.AvgResponseTime = alpha*executionTime + (1-alpha)*node.AvgResponseTime
		}
		return nil
	})
}

// RecordJobTimeout counts a job the node failed to answer.
func (r *Registry) RecordJobTimeout(ctx context.Context, nodeUUID string) error {
	return r.update(ctx, nodeUUID, func(node *types.ProbeNode, now time.Time) error {
		node.ErrorCount++
		return nil
	})
}

// UpdateNodeRequest carries the admin-tunable fields of a node record.
// Nil fields are left untouched.
type UpdateNodeRequest struct {
	// Priority breaks dispatch ties, higher wins.
	Priority *int `json:"priority,omitempty"`
	// MaxConcurrentProbes caps parallel jobs on the node.
	MaxConcurrentProbes *int `json:"max_concurrent_probes,omitempty"`
	// Config replaces the server-assigned node configuration. The node
	// picks it up on its next heartbeat.
	Config map[string]interface{} `json:"config,omitempty"`
}

// UpdateNode applies admin tuning to a node record. Updates operate on
// the record only; a live session is never touched.
func (r *Registry) UpdateNode(ctx context.Context, nodeUUID string, req UpdateNodeRequest) (*types.ProbeNode, error) {
	if req.MaxConcurrentProbes != nil && *req.MaxConcurrentProbes <= 0 {
		return nil, trace.BadParameter("max_concurrent_probes must be positive")
	}
	err := r.update(ctx, nodeUUID, func(node *types.ProbeNode, now time.Time) error {
		if req.Priority != nil {
			node.Priority = *req.Priority
		}
		if req.MaxConcurrentProbes != nil {
			node.MaxConcurrentProbes = *req.MaxConcurrentProbes
		}
		if req.Config != nil {
			node.Config = req.Config
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return r.GetNode(ctx, nodeUUID)
}

// DeactivateNode retires a node. Deactivation operates on the record
// only; an existing session keeps running until it next touches the
// record.
func (r *Registry) DeactivateNode(ctx context.Context, nodeUUID string) error {
	return r.update(ctx, nodeUUID, func(node *types.ProbeNode, now time.Time) error {
		node.Status = types.NodeStatusDeactivated
		return nil
	})
}

// GetNode returns a node record by uuid.
func (r *Registry) GetNode(ctx context.Context, nodeUUID string) (*types.ProbeNode, error) {
	node, err := r.cfg.Backend.GetNode(ctx, nodeUUID)
	return node, trace.Wrap(err)
}

// GetNodes returns all node records.
func (r *Registry) GetNodes(ctx context.Context) ([]*types.ProbeNode, error) {
	nodes, err := r.cfg.Backend.GetNodes(ctx)
	return nodes, trace.Wrap(err)
}

// update runs one atomic read-modify-write cycle on a node record.
func (r *Registry) update(ctx context.Context, nodeUUID string, fn func(node *types.ProbeNode, now time.Time) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, err := r.cfg.Backend.GetNode(ctx, nodeUUID)
	if err != nil {
		return trace.Wrap(err)
	}
	now := r.cfg.Clock.Now()
	if err := fn(node, now); err != nil {
		return trace.Wrap(err)
	}
	node.UpdatedAt = now
	return trace.Wrap(r.cfg.Backend.UpsertNode(ctx, node))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
