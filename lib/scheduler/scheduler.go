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

// Package scheduler runs recurring probes. Scheduled dispatches funnel
// through the same admission engine and dispatcher as ad-hoc probes, so
// a subscriber's recurring load competes with their interactive load
// under one budget.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/admission"
	"github.com/netprobe/netprobe/lib/defaults"
	"github.com/netprobe/netprobe/lib/identity"
	"github.com/netprobe/netprobe/lib/services"
	"github.com/netprobe/netprobe/lib/tiers"
	"github.com/netprobe/netprobe/lib/utils"
)

// ProbeRunner executes one probe against the node fleet. The dispatcher
// implements it.
type ProbeRunner interface {
	Dispatch(ctx context.Context, spec types.ProbeSpec, priority int) (*types.ProbeResult, error)
}

// Config configures a Scheduler.
type Config struct {
	// Probes is the scheduled probe store.
	Probes services.Probes
	// Identity resolves probe owners to accounts.
	Identity services.Identity
	// Tiers resolves tier names to snapshots.
	Tiers *tiers.Catalog
	// Admission gates every scheduled dispatch.
	Admission *admission.Engine
	// Runner executes admitted probes.
	Runner ProbeRunner
	// Clock is the time source.
	Clock clockwork.Clock
	// TickInterval is the cadence of the due-probe scan.
	TickInterval time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Probes == nil {
		return trace.BadParameter("missing parameter Probes")
	}
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Tiers == nil {
		return trace.BadParameter("missing parameter Tiers")
	}
	if c.Admission == nil {
		return trace.BadParameter("missing parameter Admission")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing parameter Runner")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaults.SchedulerTickInterval
	}
	return nil
}

// Scheduler stores recurring probes and dispatches them when due.
type Scheduler struct {
	cfg Config
	log *log.Entry
}

// NewScheduler builds a scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{
		cfg: cfg,
		log: utils.NewComponentLogger(netprobe.ComponentScheduler),
	}, nil
}

// CreateScheduledProbe validates a new recurring probe against the
// owner's tier and stores it.
func (s *Scheduler) CreateScheduledProbe(ctx context.Context, ownerID int, probe *types.ScheduledProbe) (*types.ScheduledProbe, error) {
	if err := probe.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	tier, err := s.ownerTier(ctx, ownerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !tier.AllowScheduledProbes {
		return nil, trace.AccessDenied("tier %v does not allow scheduled probes", tier.Name)
	}
	if !tier.AllowCustomIntervals && !types.RecognizedProbeInterval(probe.IntervalMinutes) {
		return nil, trace.BadParameter("interval %v minutes is not one of %v",
			probe.IntervalMinutes, types.RecognizedProbeIntervals)
	}
	if !tier.IntervalAllowed(probe.IntervalMinutes) {
		return nil, trace.AccessDenied("tier %v does not allow a %v minute interval",
			tier.Name, probe.IntervalMinutes)
	}
	existing, err := s.cfg.Probes.GetScheduledProbes(ctx, ownerID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(existing) >= tier.MaxScheduledProbes {
		return nil, trace.LimitExceeded("tier %v allows at most %v scheduled probes",
			tier.Name, tier.MaxScheduledProbes)
	}

	now := s.cfg.Clock.Now()
	probe.ID = uuid.NewString()
	probe.OwnerID = ownerID
	probe.NextRun = now.Add(time.Duration(probe.IntervalMinutes) * time.Minute)
	probe.CreatedAt = now
	probe.UpdatedAt = now
	if err := s.cfg.Probes.UpsertScheduledProbe(ctx, probe); err != nil {
		return nil, trace.Wrap(err)
	}
	copied := *probe
	return &copied, nil
}

// DeleteScheduledProbe removes a probe owned by the given user.
func (s *Scheduler) DeleteScheduledProbe(ctx context.Context, ownerID int, id string) error {
	probe, err := s.cfg.Probes.GetScheduledProbe(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if probe.OwnerID != ownerID {
		return trace.AccessDenied("scheduled probe %v belongs to another user", id)
	}
	return trace.Wrap(s.cfg.Probes.DeleteScheduledProbe(ctx, id))
}

// GetScheduledProbes lists a user's probes.
func (s *Scheduler) GetScheduledProbes(ctx context.Context, ownerID int) ([]*types.ScheduledProbe, error) {
	probes, err := s.cfg.Probes.GetScheduledProbes(ctx, ownerID)
	return probes, trace.Wrap(err)
}

// Run scans for due probes every tick until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.Tick(ctx)
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

// Tick runs every due probe once. A probe whose run fails keeps its due
// time and is retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context) {
	probes, err := s.cfg.Probes.GetScheduledProbes(ctx, 0)
	if err != nil {
		s.log.WithError(err).Warn("Failed to list scheduled probes.")
		return
	}
	now := s.cfg.Clock.Now()
	for _, probe := range probes {
		if !probe.IsActive || probe.NextRun.After(now) {
			continue
		}
		if err := s.runProbe(ctx, probe); err != nil {
			s.log.WithError(err).WithField("probe", probe.ID).Warn("Scheduled probe run failed, retrying next tick.")
			continue
		}
		probe.NextRun = now.Add(time.Duration(probe.IntervalMinutes) * time.Minute)
		probe.UpdatedAt = now
		if err := s.cfg.Probes.UpsertScheduledProbe(ctx, probe); err != nil {
			s.log.WithError(err).WithField("probe", probe.ID).Warn("Failed to reschedule probe.")
		}
	}
}

// runProbe admits and dispatches one scheduled run under the owner's
// budget, then records the result.
func (s *Scheduler) runProbe(ctx context.Context, probe *types.ScheduledProbe) error {
	tier, err := s.ownerTier(ctx, probe.OwnerID)
	if err != nil {
		return trace.Wrap(err)
	}
	principal := identity.Principal{UserID: probe.OwnerID, Tier: tier}

	ticket, err := s.cfg.Admission.Admit(ctx, principal, admission.Meta{
		Endpoint: "scheduler/" + probe.Tool,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	result, err := s.cfg.Runner.Dispatch(ctx, types.ProbeSpec{
		Tool:   probe.Tool,
		Target: probe.Target,
	}, tier.Priority)
	s.cfg.Admission.Release(ticket, admission.Outcome{Success: err == nil && result.Success})
	if err != nil {
		record := types.ProbeRunResult{
			ScheduledProbeID: probe.ID,
			Result:           map[string]interface{}{"error": err.Error()},
			CreatedAt:        s.cfg.Clock.Now(),
		}
		if rErr := s.cfg.Probes.RecordProbeResult(ctx, record); rErr != nil {
			s.log.WithError(rErr).Warn("Failed to record probe result.")
		}
		return trace.Wrap(err)
	}

	record := types.ProbeRunResult{
		ScheduledProbeID: probe.ID,
		Result:           result.Result,
		Success:          result.Success,
		ExecutionTime:    result.ExecutionTime,
		CreatedAt:        s.cfg.Clock.Now(),
	}
	return trace.Wrap(s.cfg.Probes.RecordProbeResult(ctx, record))
}

func (s *Scheduler) ownerTier(ctx context.Context, ownerID int) (types.TierLimits, error) {
	user, err := s.cfg.Identity.GetUserByID(ctx, ownerID)
	if err != nil {
		return types.TierLimits{}, trace.Wrap(err)
	}
	return s.cfg.Tiers.GetOrDefault(user.Tier), nil
}
