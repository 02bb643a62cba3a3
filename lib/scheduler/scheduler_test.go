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

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/admission"
	"github.com/netprobe/netprobe/lib/services/local"
	"github.com/netprobe/netprobe/lib/tiers"
	"github.com/netprobe/netprobe/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

type dispatchCall struct {
	spec     types.ProbeSpec
	priority int
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []dispatchCall
	result *types.ProbeResult
	err    error
}

func (r *fakeRunner) Dispatch(ctx context.Context, spec types.ProbeSpec, priority int) (*types.ProbeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, dispatchCall{spec, priority})
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &types.ProbeResult{Success: true, ExecutionTime: 0.3, Result: map[string]interface{}{"ok": true}}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	scheduler *Scheduler
	backend   *local.Service
	runner    *fakeRunner
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	backend := local.NewService()
	backend.UpsertUser(types.User{ID: 1, Email: "free@example.com", IsActive: true, Tier: "free"})
	backend.UpsertUser(types.User{ID: 2, Email: "std@example.com", IsActive: true, Tier: "standard"})
	backend.UpsertUser(types.User{ID: 3, Email: "ent@example.com", IsActive: true, Tier: "enterprise"})

	catalog, err := tiers.NewCatalog(context.Background(), tiers.CatalogConfig{Tiers: backend, Clock: clock})
	require.NoError(t, err)
	engine, err := admission.NewEngine(admission.Config{Usage: backend, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	runner := &fakeRunner{}
	sched, err := NewScheduler(Config{
		Probes:    backend,
		Identity:  backend,
		Tiers:     catalog,
		Admission: engine,
		Runner:    runner,
		Clock:     clock,
	})
	require.NoError(t, err)
	return &fixture{scheduler: sched, backend: backend, runner: runner, clock: clock}
}

func probeSpec(interval int) *types.ScheduledProbe {
	return &types.ScheduledProbe{
		Name:            "uptime check",
		Tool:            types.ToolPing,
		Target:          "example.com",
		IntervalMinutes: interval,
		IsActive:        true,
	}
}

func TestCreateScheduledProbePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Free tier cannot schedule at all.
	_, err := f.scheduler.CreateScheduledProbe(ctx, 1, probeSpec(60))
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)

	// Standard tier: 15 minutes is allowed, 5 minutes is not.
	_, err = f.scheduler.CreateScheduledProbe(ctx, 2, probeSpec(15))
	require.NoError(t, err)
	_, err = f.scheduler.CreateScheduledProbe(ctx, 2, probeSpec(5))
	require.True(t, trace.IsAccessDenied(err))

	// Unrecognized intervals are rejected outright for tiers without
	// custom intervals, and accepted for tiers with them.
	_, err = f.scheduler.CreateScheduledProbe(ctx, 2, probeSpec(7))
	require.True(t, trace.IsBadParameter(err))
	_, err = f.scheduler.CreateScheduledProbe(ctx, 3, probeSpec(7))
	require.NoError(t, err)
}

func TestCreateScheduledProbeCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Standard allows 10 scheduled probes; one exists per loop pass.
	for i := 0; i < 9; i++ {
		probe := probeSpec(15)
		probe.Name = fmt.Sprintf("check %d", i)
		_, err := f.scheduler.CreateScheduledProbe(ctx, 2, probe)
		require.NoError(t, err)
	}
	_, err := f.scheduler.CreateScheduledProbe(ctx, 2, probeSpec(15))
	require.NoError(t, err)
	_, err = f.scheduler.CreateScheduledProbe(ctx, 2, probeSpec(15))
	require.True(t, trace.IsLimitExceeded(err))
}

func TestDeleteScheduledProbeOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.scheduler.CreateScheduledProbe(ctx, 2, probeSpec(15))
	require.NoError(t, err)

	err = f.scheduler.DeleteScheduledProbe(ctx, 3, created.ID)
	require.True(t, trace.IsAccessDenied(err))
	require.NoError(t, f.scheduler.DeleteScheduledProbe(ctx, 2, created.ID))
	err = f.scheduler.DeleteScheduledProbe(ctx, 2, created.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestTickRunsDueProbes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.scheduler.CreateScheduledProbe(ctx, 2, probeSpec(15))
	require.NoError(t, err)

	// Not due yet.
	f.scheduler.Tick(ctx)
	require.Equal(t, 0, f.runner.callCount())

	f.clock.Advance(15 * time.Minute)
	f.scheduler.Tick(ctx)
	require.Equal(t, 1, f.runner.callCount())

	f.runner.mu.Lock()
	call := f.runner.calls[0]
	f.runner.mu.Unlock()
	assert.Equal(t, types.ToolPing, call.spec.Tool)
	assert.Equal(t, "example.com", call.spec.Target)
	// Scheduled runs carry the owning tier's priority.
	assert.Equal(t, 5, call.priority)

	results := f.backend.ProbeResults()
	require.Len(t, results, 1)
	assert.Equal(t, created.ID, results[0].ScheduledProbeID)
	assert.True(t, results[0].Success)

	// The run consumed the owner's admission budget.
	logs := f.backend.UsageLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "user:2", logs[0].Subject)
	assert.Equal(t, "scheduler/ping", logs[0].Endpoint)

	// Rescheduled for the next interval; an immediate tick is a no-op.
	f.scheduler.Tick(ctx)
	require.Equal(t, 1, f.runner.callCount())

	stored, err := f.backend.GetScheduledProbe(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), stored.NextRun)
}

func TestTickSkipsInactiveProbes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.scheduler.CreateScheduledProbe(ctx, 2, probeSpec(15))
	require.NoError(t, err)
	created.IsActive = false
	require.NoError(t, f.backend.UpsertScheduledProbe(ctx, created))

	f.clock.Advance(time.Hour)
	f.scheduler.Tick(ctx)
	require.Equal(t, 0, f.runner.callCount())
}

func TestTickRecordsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.scheduler.CreateScheduledProbe(ctx, 2, probeSpec(15))
	require.NoError(t, err)
	f.runner.err = trace.ConnectionProblem(nil, "no node answered")

	f.clock.Advance(15 * time.Minute)
	f.scheduler.Tick(ctx)

	results := f.backend.ProbeResults()
	require.Len(t, results, 1)
	assert.Equal(t, created.ID, results[0].ScheduledProbeID)
	assert.False(t, results[0].Success)

	logs := f.backend.UsageLogs()
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)

	// The failed run keeps its due time and is retried on the next tick.
	stored, err := f.backend.GetScheduledProbe(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, stored.NextRun.After(f.clock.Now()))
	f.scheduler.Tick(ctx)
	require.Equal(t, 2, f.runner.callCount())

	// Once a run goes through, the probe moves to the next interval.
	f.runner.err = nil
	f.scheduler.Tick(ctx)
	require.Equal(t, 3, f.runner.callCount())
	stored, err = f.backend.GetScheduledProbe(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, stored.NextRun.After(f.clock.Now()))
	f.scheduler.Tick(ctx)
	require.Equal(t, 3, f.runner.callCount())
}
