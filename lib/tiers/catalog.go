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

// Package tiers implements the read-mostly subscription tier catalog.
package tiers

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/defaults"
	"github.com/netprobe/netprobe/lib/services"
	"github.com/netprobe/netprobe/lib/utils"
)

// DefaultTierName names the fallback tier applied to principals that
// cannot be resolved to a subscription.
const DefaultTierName = "default"

// DefaultTier is the safe fallback returned by Default(). It is not part
// of the catalog and cannot be edited.
func DefaultTier() types.TierLimits {
	return types.TierLimits{
		Name:          DefaultTierName,
		RatePerMinute: 10,
		RatePerHour:   50,
		MaxConcurrent: 5,
		Priority:      0,
	}
}

// CatalogConfig configures a Catalog.
type CatalogConfig struct {
	// Tiers is the backing tier store.
	Tiers services.Tiers
	// Clock is used for the refresh cadence.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *CatalogConfig) CheckAndSetDefaults() error {
	if c.Tiers == nil {
		return trace.BadParameter("missing parameter Tiers")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Catalog caches tier definitions in memory. Reads never block the
// admission path: lookups take a read lock only, and refresh swaps the
// whole map in one short write section. Entries are value snapshots;
// mutation happens only via whole-entry replacement on refresh.
type Catalog struct {
	cfg    CatalogConfig
	log    *log.Entry
	jitter utils.Jitter

	mu      sync.RWMutex
	byName  map[string]types.TierLimits
	version int64
}

// NewCatalog builds a catalog and performs the initial load.
func NewCatalog(ctx context.Context, cfg CatalogConfig) (*Catalog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Catalog{
		cfg:    cfg,
		log:    utils.NewComponentLogger(netprobe.ComponentTiers),
		jitter: utils.NewSeventhJitter(),
		byName: make(map[string]types.TierLimits),
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// Get returns the tier with the given name, or NotFound.
func (c *Catalog) Get(name string) (types.TierLimits, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tier, ok := c.byName[name]
	if !ok {
		return types.TierLimits{}, trace.NotFound("tier %q is not found", name)
	}
	return tier, nil
}

// GetOrDefault returns the tier with the given name, falling back to the
// default tier when the name is empty or unknown.
func (c *Catalog) GetOrDefault(name string) types.TierLimits {
	if name == "" {
		return DefaultTier()
	}
	tier, err := c.Get(name)
	if err != nil {
		return DefaultTier()
	}
	return tier
}

// Default returns the fallback tier.
func (c *Catalog) Default() types.TierLimits {
	return DefaultTier()
}

// Version returns the version of the currently cached catalog.
func (c *Catalog) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Refresh reloads the catalog from the backing store if its version
// changed since the last load.
func (c *Catalog) Refresh(ctx context.Context) error {
	tiers, version, err := c.cfg.Tiers.GetTiers(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == c.version && len(c.byName) > 0 {
		return nil
	}
	c.byName = tiers
	c.version = version
	return nil
}

// Run refreshes the catalog periodically until the context is cancelled.
// The cadence is jittered so replicas do not hit the store in lockstep.
// Refresh failures are logged and retried on the next pass.
func (c *Catalog) Run(ctx context.Context) {
	for {
		select {
		case <-c.cfg.Clock.After(c.jitter(defaults.TierRefreshInterval)):
			if err := c.Refresh(ctx); err != nil {
				c.log.WithError(err).Warn("Failed to refresh tier catalog.")
			}
		case <-ctx.Done():
			return
		}
	}
}
