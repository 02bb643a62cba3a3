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

// Package local implements the services interfaces on in-process state.
// It backs the single-instance deployment mode and every test in this
// repo. Restart intentionally clears all state; the limiter's counters
// and queues are volatile by design.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/netprobe/netprobe/api/types"
)

// Service implements services.Backend in memory. All methods are safe
// for concurrent use.
type Service struct {
	mu sync.RWMutex

	nodes        map[string]*types.ProbeNode        // keyed by node uuid
	nodesByKey   map[string]string                  // api key -> node uuid
	tokens       map[string]*types.RegistrationToken // keyed by token value
	usage        []types.UsageLog
	usersByEmail map[string]*types.User
	usersByID    map[int]*types.User
	apiKeys      map[string]*types.APIKey
	tiers        map[string]types.TierLimits
	tiersVersion int64
	probes       map[string]*types.ScheduledProbe
	probeResults []types.ProbeRunResult
}

// NewService returns an empty in-memory backend seeded with the built-in
// subscription tiers.
func NewService() *Service {
	s := &Service{
		nodes:        make(map[string]*types.ProbeNode),
		nodesByKey:   make(map[string]string),
		tokens:       make(map[string]*types.RegistrationToken),
		usersByEmail: make(map[string]*types.User),
		usersByID:    make(map[int]*types.User),
		apiKeys:      make(map[string]*types.APIKey),
		tiers:        make(map[string]types.TierLimits),
		probes:       make(map[string]*types.ScheduledProbe),
	}
	for _, tier := range BuiltinTiers() {
		s.tiers[tier.Name] = tier
	}
	s.tiersVersion = 1
	return s
}

// BuiltinTiers returns the default subscription tiers.
func BuiltinTiers() []types.TierLimits {
	return []types.TierLimits{
		{
			Name:                  "free",
			RatePerMinute:         10,
			RatePerHour:           100,
			RatePerDay:            500,
			RatePerMonth:          5000,
			MaxConcurrent:         2,
			Priority:              0,
			AllowedProbeIntervals: []int{60, 1440},
			MaxScheduledProbes:    0,
		},
		{
			Name:                  "standard",
			RatePerMinute:         30,
			RatePerHour:           500,
			RatePerDay:            5000,
			RatePerMonth:          50000,
			MaxConcurrent:         5,
			Priority:              5,
			AllowedProbeIntervals: []int{15, 60, 1440},
			MaxScheduledProbes:    10,
			AllowScheduledProbes:  true,
			AllowAPIAccess:        true,
			AllowExport:           true,
		},
		{
			Name:                  "enterprise",
			RatePerMinute:         100,
			RatePerHour:           2000,
			RatePerDay:            20000,
			RatePerMonth:          500000,
			MaxConcurrent:         20,
			Priority:              10,
			AllowedProbeIntervals: []int{5, 15, 60, 1440},
			MaxScheduledProbes:    100,
			AllowScheduledProbes:  true,
			AllowAPIAccess:        true,
			AllowExport:           true,
			AllowAlerts:           true,
			AllowCustomIntervals:  true,
		},
	}
}

// UpsertNode creates or replaces a node record.
func (s *Service) UpsertNode(ctx context.Context, node *types.ProbeNode) error {
	if err := node.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingUUID, ok := s.nodesByKey[node.APIKey]; ok && existingUUID != node.NodeUUID {
		return trace.AlreadyExists("api key already bound to node %v", existingUUID)
	}
	if prev, ok := s.nodes[node.NodeUUID]; ok && prev.APIKey != node.APIKey {
		delete(s.nodesByKey, prev.APIKey)
	}
	s.nodes[node.NodeUUID] = node.Clone()
	s.nodesByKey[node.APIKey] = node.NodeUUID
	return nil
}

// GetNode returns a node by uuid.
func (s *Service) GetNode(ctx context.Context, nodeUUID string) (*types.ProbeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeUUID]
	if !ok {
		return nil, trace.NotFound("node %v is not found", nodeUUID)
	}
	return node.Clone(), nil
}

// GetNodeByAPIKey returns a node by its credential.
func (s *Service) GetNodeByAPIKey(ctx context.Context, apiKey string) (*types.ProbeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodeUUID, ok := s.nodesByKey[apiKey]
	if !ok {
		return nil, trace.NotFound("no node matches the supplied api key")
	}
	return s.nodes[nodeUUID].Clone(), nil
}

// GetNodes returns all node records.
func (s *Service) GetNodes(ctx context.Context) ([]*types.ProbeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ProbeNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node.Clone())
	}
	return out, nil
}

// CreateToken stores a new registration token.
func (s *Service) CreateToken(ctx context.Context, token *types.RegistrationToken) error {
	if err := token.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token.Token]; ok {
		return trace.AlreadyExists("registration token already exists")
	}
	copied := *token
	s.tokens[token.Token] = &copied
	return nil
}

// GetToken returns a token by value.
func (s *Service) GetToken(ctx context.Context, token string) (*types.RegistrationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.tokens[token]
	if !ok {
		return nil, trace.NotFound("registration token is not found")
	}
	copied := *record
	return &copied, nil
}

// GetTokens returns all tokens.
func (s *Service) GetTokens(ctx context.Context) ([]*types.RegistrationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.RegistrationToken, 0, len(s.tokens))
	for _, record := range s.tokens {
		copied := *record
		out = append(out, &copied)
	}
	return out, nil
}

// ConsumeToken atomically marks an unused, unexpired token as used. The
// whole check-and-set happens under one critical section so a token can
// mint at most one node.
func (s *Service) ConsumeToken(ctx context.Context, token string, now time.Time, boundNodeID string) (*types.RegistrationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[token]
	if !ok || record.IsUsed || record.Expired(now) {
		return nil, trace.AccessDenied("invalid or expired registration token")
	}
	record.IsUsed = true
	record.UsedAt = now
	record.BoundNodeID = boundNodeID
	copied := *record
	return &copied, nil
}

// RevokeToken marks a token used and expires it immediately.
func (s *Service) RevokeToken(ctx context.Context, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[token]
	if !ok {
		return trace.NotFound("registration token is not found")
	}
	record.IsUsed = true
	record.UsedAt = now
	record.ExpiresAt = now
	return nil
}

// RecordUsage appends one usage log entry.
func (s *Service) RecordUsage(ctx context.Context, entry types.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, entry)
	return nil
}

// UsageLogs returns a copy of all recorded usage entries. Used by tests
// and the metrics surface.
func (s *Service) UsageLogs() []types.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.UsageLog, len(s.usage))
	copy(out, s.usage)
	return out
}

// GetUserByEmail returns a user by email address.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByEmail[email]
	if !ok {
		return nil, trace.NotFound("user %v is not found", email)
	}
	copied := *user
	return &copied, nil
}

// GetUserByID returns a user by id.
func (s *Service) GetUserByID(ctx context.Context, id int) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByID[id]
	if !ok {
		return nil, trace.NotFound("user %v is not found", id)
	}
	copied := *user
	return &copied, nil
}

// GetAPIKey returns an API key record by key value.
func (s *Service) GetAPIKey(ctx context.Context, key string) (*types.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.apiKeys[key]
	if !ok {
		return nil, trace.NotFound("api key is not found")
	}
	copied := *record
	return &copied, nil
}

// UpsertUser stores a user record. The control plane treats accounts as
// read-only; this exists for bootstrap and tests.
func (s *Service) UpsertUser(user types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := user
	s.usersByEmail[user.Email] = &copied
	s.usersByID[user.ID] = &copied
}

// UpsertAPIKey stores an API key record. See UpsertUser.
func (s *Service) UpsertAPIKey(key types.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := key
	s.apiKeys[key.Key] = &copied
}

// GetTiers returns all tier definitions and the catalog version.
func (s *Service) GetTiers(ctx context.Context) (map[string]types.TierLimits, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.TierLimits, len(s.tiers))
	for name, tier := range s.tiers {
		out[name] = tier
	}
	return out, s.tiersVersion, nil
}

// UpsertTier replaces a tier definition and bumps the catalog version.
func (s *Service) UpsertTier(ctx context.Context, tier types.TierLimits) error {
	if tier.Name == "" {
		return trace.BadParameter("missing tier name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tier.Name] = tier
	s.tiersVersion++
	return nil
}

// UpsertScheduledProbe creates or replaces a scheduled probe.
func (s *Service) UpsertScheduledProbe(ctx context.Context, probe *types.ScheduledProbe) error {
	if err := probe.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if probe.ID == "" {
		return trace.BadParameter("missing probe id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *probe
	s.probes[probe.ID] = &copied
	return nil
}

// GetScheduledProbe returns a scheduled probe by id.
func (s *Service) GetScheduledProbe(ctx context.Context, id string) (*types.ScheduledProbe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	probe, ok := s.probes[id]
	if !ok {
		return nil, trace.NotFound("scheduled probe %v is not found", id)
	}
	copied := *probe
	return &copied, nil
}

// GetScheduledProbes returns all scheduled probes, optionally scoped to
// an owner.
func (s *Service) GetScheduledProbes(ctx context.Context, ownerID int) ([]*types.ScheduledProbe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ScheduledProbe, 0, len(s.probes))
	for _, probe := range s.probes {
		if ownerID != 0 && probe.OwnerID != ownerID {
			continue
		}
		copied := *probe
		out = append(out, &copied)
	}
	return out, nil
}

// DeleteScheduledProbe removes a scheduled probe.
func (s *Service) DeleteScheduledProbe(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.probes[id]; !ok {
		return trace.NotFound("scheduled probe %v is not found", id)
	}
	delete(s.probes, id)
	return nil
}

// RecordProbeResult appends a scheduled probe run result.
func (s *Service) RecordProbeResult(ctx context.Context, result types.ProbeRunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeResults = append(s.probeResults, result)
	return nil
}

// ProbeResults returns a copy of all recorded probe run results.
func (s *Service) ProbeResults() []types.ProbeRunResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ProbeRunResult, len(s.probeResults))
	copy(out, s.probeResults)
	return out
}
