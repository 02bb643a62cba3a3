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

// Package services defines the persistence interfaces the control plane
// core reads and writes. The core owns three kinds of durable state:
// probe node records, registration tokens and usage log appends. User,
// API key and tier records are consumed read-only; their CRUD lives in
// external collaborators.
package services

import (
	"context"
	"time"

	"github.com/netprobe/netprobe/api/types"
)

// Nodes manages probe node records. Node records are never deleted;
// deactivation is a terminal status.
type Nodes interface {
	// UpsertNode creates or replaces a node record.
	UpsertNode(ctx context.Context, node *types.ProbeNode) error
	// GetNode returns a node by uuid.
	GetNode(ctx context.Context, nodeUUID string) (*types.ProbeNode, error)
	// GetNodeByAPIKey returns a node by its credential.
	GetNodeByAPIKey(ctx context.Context, apiKey string) (*types.ProbeNode, error)
	// GetNodes returns all node records.
	GetNodes(ctx context.Context) ([]*types.ProbeNode, error)
}

// Tokens manages one-shot node registration tokens.
type Tokens interface {
	// CreateToken stores a new registration token.
	CreateToken(ctx context.Context, token *types.RegistrationToken) error
	// GetToken returns a token by value.
	GetToken(ctx context.Context, token string) (*types.RegistrationToken, error)
	// GetTokens returns all tokens.
	GetTokens(ctx context.Context) ([]*types.RegistrationToken, error)
	// ConsumeToken atomically marks an unused, unexpired token as used
	// and binds it to the node minted with it. Returns AccessDenied when
	// no such token exists.
	ConsumeToken(ctx context.Context, token string, now time.Time, boundNodeID string) (*types.RegistrationToken, error)
	// RevokeToken marks a token used and expires it immediately.
	RevokeToken(ctx context.Context, token string, now time.Time) error
}

// UsageRecorder appends usage accounting records.
type UsageRecorder interface {
	// RecordUsage appends one usage log entry.
	RecordUsage(ctx context.Context, entry types.UsageLog) error
}

// Identity is the read-only view of subscriber accounts the identity
// resolver consumes.
type Identity interface {
	// GetUserByEmail returns a user by email address.
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	// GetUserByID returns a user by id.
	GetUserByID(ctx context.Context, id int) (*types.User, error)
	// GetAPIKey returns an API key record by key value.
	GetAPIKey(ctx context.Context, key string) (*types.APIKey, error)
}

// Tiers is the read-mostly source of tier definitions.
type Tiers interface {
	// GetTiers returns all tier definitions keyed by name, along with a
	// version counter that changes whenever any tier changes.
	GetTiers(ctx context.Context) (map[string]types.TierLimits, int64, error)
	// UpsertTier replaces a tier definition and bumps the version.
	UpsertTier(ctx context.Context, tier types.TierLimits) error
}

// Probes manages scheduled probes and their run results.
type Probes interface {
	// UpsertScheduledProbe creates or replaces a scheduled probe.
	UpsertScheduledProbe(ctx context.Context, probe *types.ScheduledProbe) error
	// GetScheduledProbe returns a scheduled probe by id.
	GetScheduledProbe(ctx context.Context, id string) (*types.ScheduledProbe, error)
	// GetScheduledProbes returns all scheduled probes, optionally scoped
	// to an owner (ownerID 0 means all).
	GetScheduledProbes(ctx context.Context, ownerID int) ([]*types.ScheduledProbe, error)
	// DeleteScheduledProbe removes a scheduled probe.
	DeleteScheduledProbe(ctx context.Context, id string) error
	// RecordProbeResult appends a scheduled probe run result.
	RecordProbeResult(ctx context.Context, result types.ProbeRunResult) error
}

// Backend aggregates every persistence interface the control plane
// composes at startup.
type Backend interface {
	Nodes
	Tokens
	UsageRecorder
	Identity
	Tiers
	Probes
}
