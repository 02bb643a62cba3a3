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

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/identity"
	"github.com/netprobe/netprobe/lib/services/local"
	"github.com/netprobe/netprobe/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func testTier(perMinute, perHour, maxConcurrent, priority int) types.TierLimits {
	return types.TierLimits{
		Name:          "test",
		RatePerMinute: perMinute,
		RatePerHour:   perHour,
		MaxConcurrent: maxConcurrent,
		Priority:      priority,
	}
}

func testPrincipal(userID int, tier types.TierLimits) identity.Principal {
	return identity.Principal{UserID: userID, Tier: tier}
}

type testEngine struct {
	*Engine
	clock   *clockwork.FakeClock
	backend *local.Service
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	clock := clockwork.NewFakeClock()
	backend := local.NewService()
	cfg.Clock = clock
	cfg.Usage = backend
	if cfg.SweepInterval == 0 {
		// Keep the sweeper out of the way unless a test wants it.
		cfg.SweepInterval = time.Hour
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return &testEngine{Engine: engine, clock: clock, backend: backend}
}

func (e *testEngine) accountCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.accounts)
}

func TestAdmitImmediate(t *testing.T) {
	e := newTestEngine(t, Config{})
	principal := testPrincipal(1, testTier(10, 100, 5, 0))

	ticket, err := e.Admit(context.Background(), principal, Meta{Endpoint: "/v1/diagnostics/ping"})
	require.NoError(t, err)
	require.False(t, ticket.WasQueued())
	require.Equal(t, 1, e.InFlight(principal.Key()))

	e.Release(ticket, Outcome{Success: true})
	require.Equal(t, 0, e.InFlight(principal.Key()))

	logs := e.backend.UsageLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "user:1", logs[0].Subject)
	assert.Equal(t, "/v1/diagnostics/ping", logs[0].Endpoint)
	assert.True(t, logs[0].Success)
	assert.False(t, logs[0].WasQueued)
}

// TestConcurrencyQueueing saturates a principal's concurrency budget and
// verifies the next request parks until a slot is released.
func TestConcurrencyQueueing(t *testing.T) {
	e := newTestEngine(t, Config{})
	principal := testPrincipal(1, testTier(100, 1000, 2, 0))
	ctx := context.Background()

	first, err := e.Admit(ctx, principal, Meta{})
	require.NoError(t, err)
	second, err := e.Admit(ctx, principal, Meta{})
	require.NoError(t, err)
	require.Equal(t, 2, e.InFlight(principal.Key()))

	type result struct {
		ticket *Ticket
		err    error
	}
	thirdC := make(chan result, 1)
	go func() {
		ticket, err := e.Admit(ctx, principal, Meta{})
		thirdC <- result{ticket, err}
	}()

	require.Eventually(t, func() bool {
		return e.QueueLen() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, e.InFlight(principal.Key()))

	e.Release(first, Outcome{Success: true})

	third := <-thirdC
	require.NoError(t, third.err)
	require.True(t, third.ticket.WasQueued())
	require.Equal(t, 2, e.InFlight(principal.Key()))
	require.Equal(t, 0, e.QueueLen())

	e.Release(second, Outcome{Success: true})
	e.Release(third.ticket, Outcome{Success: true})
	require.Equal(t, 0, e.InFlight(principal.Key()))

	logs := e.backend.UsageLogs()
	require.Len(t, logs, 3)
	assert.True(t, logs[2].WasQueued)
}

// TestRateGate exhausts the minute window, observes the denial, then
// rolls the window and admits again. Releasing a ticket returns the
// concurrency slot but never the rate units.
func TestRateGate(t *testing.T) {
	e := newTestEngine(t, Config{})
	principal := testPrincipal(1, testTier(3, 100, 10, 0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ticket, err := e.Admit(ctx, principal, Meta{})
		require.NoError(t, err)
		e.Release(ticket, Outcome{Success: true})
	}

	_, err := e.Admit(ctx, principal, Meta{})
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)

	e.clock.Advance(61 * time.Second)

	ticket, err := e.Admit(ctx, principal, Meta{})
	require.NoError(t, err)
	e.Release(ticket, Outcome{Success: true})
}

// TestRateGateWindowBoundary admits exactly at the window end: a window
// is half-open, so a request arriving at window_end lands in the next
// window.
func TestRateGateWindowBoundary(t *testing.T) {
	e := newTestEngine(t, Config{})
	principal := testPrincipal(1, testTier(1, 100, 10, 0))
	ctx := context.Background()

	ticket, err := e.Admit(ctx, principal, Meta{})
	require.NoError(t, err)
	e.Release(ticket, Outcome{Success: true})

	_, err = e.Admit(ctx, principal, Meta{})
	require.True(t, trace.IsLimitExceeded(err))

	e.clock.Advance(time.Minute)

	ticket, err = e.Admit(ctx, principal, Meta{})
	require.NoError(t, err)
	e.Release(ticket, Outcome{Success: true})
}

// TestPrioritySkipsSaturated parks a high-priority and a low-priority
// request behind their respective saturated principals, then frees only
// the low-priority principal's slot. The low-priority entry is admitted
// even though a higher-priority entry sits ahead of it: the queue never
// lets a capped principal block another's progress.
func TestPrioritySkipsSaturated(t *testing.T) {
	e := newTestEngine(t, Config{})
	low := testPrincipal(1, testTier(100, 1000, 1, 0))
	high := testPrincipal(2, testTier(100, 1000, 1, 10))
	ctx := context.Background()

	lowFirst, err := e.Admit(ctx, low, Meta{})
	require.NoError(t, err)
	highFirst, err := e.Admit(ctx, high, Meta{})
	require.NoError(t, err)

	type result struct {
		ticket *Ticket
		err    error
	}
	lowC := make(chan result, 1)
	highC := make(chan result, 1)
	go func() {
		ticket, err := e.Admit(ctx, high, Meta{})
		highC <- result{ticket, err}
	}()
	go func() {
		ticket, err := e.Admit(ctx, low, Meta{})
		lowC <- result{ticket, err}
	}()

	require.Eventually(t, func() bool {
		return e.QueueLen() == 2
	}, 5*time.Second, 10*time.Millisecond)

	e.Release(lowFirst, Outcome{Success: true})

	lowSecond := <-lowC
	require.NoError(t, lowSecond.err)
	require.True(t, lowSecond.ticket.WasQueued())
	require.Equal(t, 1, e.QueueLen())
	select {
	case <-highC:
		t.Fatal("high-priority request admitted while its principal was saturated")
	default:
	}

	e.Release(highFirst, Outcome{Success: true})
	highSecond := <-highC
	require.NoError(t, highSecond.err)
	require.True(t, highSecond.ticket.WasQueued())

	e.Release(lowSecond.ticket, Outcome{Success: true})
	e.Release(highSecond.ticket, Outcome{Success: true})
}

func TestQueueOrdering(t *testing.T) {
	q := newWaitQueue(10)
	now := time.Now()

	mk := func(priority int, at time.Time) *queueEntry {
		return &queueEntry{priority: priority, enqueuedAt: at, waiter: make(chan admitGrant, 1)}
	}
	low := mk(0, now)
	mid := mk(5, now.Add(time.Second))
	high := mk(10, now.Add(2*time.Second))
	tied := mk(5, now.Add(time.Second))

	for _, entry := range []*queueEntry{low, mid, high, tied} {
		require.NoError(t, q.insert(entry))
	}

	got := q.snapshot()
	require.Len(t, got, 4)
	assert.Same(t, high, got[0])
	assert.Same(t, mid, got[1])
	assert.Same(t, tied, got[2])
	assert.Same(t, low, got[3])
}

// TestReleaseIdempotent verifies a ticket can be released any number of
// times with the effects of exactly one.
func TestReleaseIdempotent(t *testing.T) {
	e := newTestEngine(t, Config{})
	principal := testPrincipal(1, testTier(10, 100, 5, 0))

	ticket, err := e.Admit(context.Background(), principal, Meta{})
	require.NoError(t, err)

	e.Release(ticket, Outcome{Success: true})
	e.Release(ticket, Outcome{Success: false})
	e.Release(ticket, Outcome{Success: true})

	require.Equal(t, 0, e.InFlight(principal.Key()))
	logs := e.backend.UsageLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
}

// TestQueueFull verifies a request arriving at a full queue is denied
// synchronously instead of blocking.
func TestQueueFull(t *testing.T) {
	e := newTestEngine(t, Config{MaxQueue: 1})
	principal := testPrincipal(1, testTier(100, 1000, 1, 0))
	ctx := context.Background()

	first, err := e.Admit(ctx, principal, Meta{})
	require.NoError(t, err)

	parkedC := make(chan error, 1)
	go func() {
		ticket, err := e.Admit(ctx, principal, Meta{})
		if ticket != nil {
			e.Release(ticket, Outcome{Success: true})
		}
		parkedC <- err
	}()
	require.Eventually(t, func() bool {
		return e.QueueLen() == 1
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	_, err = e.Admit(ctx, principal, Meta{})
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
	require.Less(t, time.Since(start), 5*time.Second)

	e.Release(first, Outcome{Success: true})
	require.NoError(t, <-parkedC)
}

func TestQueueTimeout(t *testing.T) {
	e := newTestEngine(t, Config{QueueTimeout: 30 * time.Second})
	principal := testPrincipal(1, testTier(100, 1000, 1, 0))
	ctx := context.Background()

	first, err := e.Admit(ctx, principal, Meta{})
	require.NoError(t, err)

	parkedC := make(chan error, 1)
	go func() {
		_, err := e.Admit(ctx, principal, Meta{})
		parkedC <- err
	}()

	// One waiter for the sweeper's ticker, one for the parked timeout.
	e.clock.BlockUntil(2)
	e.clock.Advance(31 * time.Second)

	err = <-parkedC
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
	require.Equal(t, 0, e.QueueLen())
	require.Equal(t, 1, e.InFlight(principal.Key()))

	e.Release(first, Outcome{Success: true})
}

func TestAdmitCancelled(t *testing.T) {
	e := newTestEngine(t, Config{})
	principal := testPrincipal(1, testTier(100, 1000, 1, 0))

	first, err := e.Admit(context.Background(), principal, Meta{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	parkedC := make(chan error, 1)
	go func() {
		_, err := e.Admit(ctx, principal, Meta{})
		parkedC <- err
	}()
	require.Eventually(t, func() bool {
		return e.QueueLen() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	err = <-parkedC
	require.ErrorIs(t, trace.Unwrap(err), context.Canceled)
	require.Equal(t, 0, e.QueueLen())

	e.Release(first, Outcome{Success: true})
	require.Equal(t, 0, e.InFlight(principal.Key()))
}

// TestSweeperCollectsIdleAccounts lets the rate windows lapse and checks
// the sweeper drops drained accounts.
func TestSweeperCollectsIdleAccounts(t *testing.T) {
	e := newTestEngine(t, Config{SweepInterval: time.Minute})
	principal := testPrincipal(1, testTier(10, 100, 5, 0))

	ticket, err := e.Admit(context.Background(), principal, Meta{})
	require.NoError(t, err)
	e.Release(ticket, Outcome{Success: true})
	require.Equal(t, 1, e.accountCount())

	// Wait for the sweeper goroutine to register its ticker with the
	// fake clock before advancing, or the tick is never delivered.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.clock.BlockUntilContext(ctx, 1))
	e.clock.Advance(61 * time.Minute)

	require.Eventually(t, func() bool {
		return e.accountCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
