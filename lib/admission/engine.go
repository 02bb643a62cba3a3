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

// Package admission implements the tiered admission engine: per-principal
// sliding-window rate gates, a concurrency gate, a process-wide priority
// queue for blocked requests, and usage accounting.
//
// A request is either admitted immediately, queued then admitted, or
// denied. Denials surface as trace.LimitExceeded so callers can map them
// to a retryable status.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/defaults"
	"github.com/netprobe/netprobe/lib/identity"
	"github.com/netprobe/netprobe/lib/services"
	"github.com/netprobe/netprobe/lib/utils"
)

// Meta carries per-request accounting context through admission.
type Meta struct {
	// Endpoint is the request path or operation name.
	Endpoint string
	// ClientAddr is the calling client address.
	ClientAddr string
}

// Outcome is reported at release time.
type Outcome struct {
	// Success records whether the request ultimately succeeded.
	Success bool
}

// Ticket represents one admitted request's hold on rate and concurrency
// budgets. Exactly one usage log is emitted per ticket, on first release;
// release is idempotent.
type Ticket struct {
	// RequestID is the admission-scoped request id.
	RequestID string

	principal  identity.Principal
	meta       Meta
	admittedAt time.Time
	wasQueued  bool
	queueWait  time.Duration
	released   atomic.Bool
}

// WasQueued reports whether the request waited in the priority queue.
func (t *Ticket) WasQueued() bool { return t.wasQueued }

// QueueWait returns the time the request spent queued.
func (t *Ticket) QueueWait() time.Duration { return t.queueWait }

// Principal returns the principal the ticket was admitted for.
func (t *Ticket) Principal() identity.Principal { return t.principal }

// Config configures an Engine.
type Config struct {
	// Usage receives one usage log per released ticket.
	Usage services.UsageRecorder
	// Clock is the time source.
	Clock clockwork.Clock
	// MaxQueue caps the priority queue.
	MaxQueue int
	// QueueTimeout is the wall-clock budget of a queued admission.
	QueueTimeout time.Duration
	// SweepInterval is the cadence of the background sweeper.
	SweepInterval time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Usage == nil {
		return trace.BadParameter("missing parameter Usage")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxQueue == 0 {
		c.MaxQueue = defaults.MaxAdmissionQueue
	}
	if c.QueueTimeout == 0 {
		c.QueueTimeout = defaults.AdmissionQueueTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.AdmissionSweepInterval
	}
	return nil
}

// Engine is the tiered admission engine. All methods are safe for
// concurrent use.
type Engine struct {
	cfg Config
	log *log.Entry

	// mu guards the accounts map only; each account has its own lock.
	mu       sync.Mutex
	accounts map[string]*account

	queue *waitQueue

	closeOnce sync.Once
	closeC    chan struct{}
}

// NewEngine builds an engine and starts its sweeper.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Engine{
		cfg:      cfg,
		log:      utils.NewComponentLogger(netprobe.ComponentAdmission),
		accounts: make(map[string]*account),
		queue:    newWaitQueue(cfg.MaxQueue),
		closeC:   make(chan struct{}),
	}
	go e.sweeper()
	return e, nil
}

// Close stops the sweeper. In-flight tickets remain releasable.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.closeC) })
}

// account returns the principal's account, creating it on first use.
func (e *Engine) account(key string) *account {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[key]
	if !ok {
		acct = newAccount(e.cfg.Clock.Now())
		e.accounts[key] = acct
	}
	return acct
}

// Admit runs the three admission gates in order: rate, concurrency,
// queue. The rate increments of step one are deliberately not rolled
// back when a later step denies the request: the system decided to
// consider it, so it consumed rate budget.
func (e *Engine) Admit(ctx context.Context, principal identity.Principal, meta Meta) (*Ticket, error) {
	now := e.cfg.Clock.Now()
	tier := principal.Tier
	key := principal.Key()
	requestID := uuid.NewString()

	acct := e.account(key)
	acct.mu.Lock()
	acct.resetLapsedWindows(now)
	if acct.minute.count >= tier.RatePerMinute || acct.hour.count >= tier.RatePerHour {
		acct.mu.Unlock()
		admissionDecisions.WithLabelValues(decisionDeniedRate).Inc()
		return nil, trace.LimitExceeded("rate limit exceeded for %v", key)
	}
	acct.minute.count++
	acct.hour.count++
	acct.lastTouch = now

	if len(acct.active) < tier.MaxConcurrent {
		acct.active[requestID] = struct{}{}
		acct.mu.Unlock()
		admissionDecisions.WithLabelValues(decisionAdmitted).Inc()
		return &Ticket{
			RequestID:  requestID,
			principal:  principal,
			meta:       meta,
			admittedAt: now,
		}, nil
	}
	acct.mu.Unlock()

	return e.admitQueued(ctx, principal, meta, requestID, now)
}

func (e *Engine) admitQueued(ctx context.Context, principal identity.Principal, meta Meta, requestID string, enqueuedAt time.Time) (*Ticket, error) {
	entry := &queueEntry{
		priority:      principal.Tier.Priority,
		enqueuedAt:    enqueuedAt,
		key:           principal.Key(),
		requestID:     requestID,
		maxConcurrent: principal.Tier.MaxConcurrent,
		waiter:        make(chan admitGrant, 1),
	}
	if err := e.queue.insert(entry); err != nil {
		admissionDecisions.WithLabelValues(decisionDeniedQueue).Inc()
		return nil, trace.Wrap(err)
	}
	queueDepth.Set(float64(e.queue.len()))

	// Capacity may have freed between the concurrency check and the
	// insert; re-examine immediately rather than waiting for a release.
	e.processQueue()

	admitted := func(grant admitGrant) (*Ticket, error) {
		if grant.denied {
			admissionDecisions.WithLabelValues(decisionDeniedTimeout).Inc()
			return nil, trace.LimitExceeded("timed out after %v waiting for admission", e.cfg.QueueTimeout)
		}
		wait := grant.admittedAt.Sub(enqueuedAt)
		admissionDecisions.WithLabelValues(decisionQueued).Inc()
		queueWaitSeconds.Observe(wait.Seconds())
		return &Ticket{
			RequestID:  requestID,
			principal:  principal,
			meta:       meta,
			admittedAt: grant.admittedAt,
			wasQueued:  true,
			queueWait:  wait,
		}, nil
	}

	select {
	case grant := <-entry.waiter:
		return admitted(grant)
	case <-e.cfg.Clock.After(e.cfg.QueueTimeout):
		if entry.claimed.CompareAndSwap(false, true) {
			e.queue.remove(entry)
			queueDepth.Set(float64(e.queue.len()))
			admissionDecisions.WithLabelValues(decisionDeniedTimeout).Inc()
			return nil, trace.LimitExceeded("timed out after %v waiting for admission", e.cfg.QueueTimeout)
		}
		// Lost the race with a waker: the grant is already in flight
		// and the slot is ours.
		return admitted(<-entry.waiter)
	case <-ctx.Done():
		if entry.claimed.CompareAndSwap(false, true) {
			e.queue.remove(entry)
			queueDepth.Set(float64(e.queue.len()))
			admissionDecisions.WithLabelValues(decisionCancelled).Inc()
			return nil, trace.Wrap(ctx.Err())
		}
		grant := <-entry.waiter
		if !grant.denied {
			// Admitted concurrently with the cancellation. The request
			// never ran, so return the slot without emitting usage.
			e.forgetActive(entry.key, requestID)
			e.processQueue()
		}
		admissionDecisions.WithLabelValues(decisionCancelled).Inc()
		return nil, trace.Wrap(ctx.Err())
	}
}

// Release returns the ticket's concurrency slot, emits the usage log and
// wakes the queue. Safe to call multiple times; only the first call has
// any effect.
func (e *Engine) Release(ticket *Ticket, outcome Outcome) {
	if ticket == nil || !ticket.released.CompareAndSwap(false, true) {
		return
	}
	now := e.cfg.Clock.Now()
	e.forgetActive(ticket.principal.Key(), ticket.RequestID)

	entry := types.UsageLog{
		Subject:      ticket.principal.Key(),
		Endpoint:     ticket.meta.Endpoint,
		Timestamp:    now,
		Success:      outcome.Success,
		ResponseTime: now.Sub(ticket.admittedAt),
		ClientAddr:   ticket.meta.ClientAddr,
		Tier:         ticket.principal.Tier.Name,
		APIKeyID:     ticket.principal.APIKeyID,
		WasQueued:    ticket.wasQueued,
		QueueWait:    ticket.queueWait,
	}
	if err := e.cfg.Usage.RecordUsage(context.Background(), entry); err != nil {
		e.log.WithError(err).Warn("Failed to record usage log.")
	}

	e.processQueue()
}

// forgetActive drops a request id from its account's active set.
func (e *Engine) forgetActive(key, requestID string) {
	e.mu.Lock()
	acct, ok := e.accounts[key]
	e.mu.Unlock()
	if !ok {
		return
	}
	acct.mu.Lock()
	delete(acct.active, requestID)
	acct.mu.Unlock()
}

// processQueue sweeps the queue in service order and admits every entry
// whose principal has concurrency capacity. Entries for saturated
// principals are skipped, so a lower-priority ticket for a different
// principal may be admitted ahead of a higher-priority ticket whose
// account is capped.
func (e *Engine) processQueue() {
	entries := e.queue.snapshot()
	for _, entry := range entries {
		acct := e.account(entry.key)
		acct.mu.Lock()
		if len(acct.active) >= entry.maxConcurrent {
			acct.mu.Unlock()
			continue
		}
		if !entry.claimed.CompareAndSwap(false, true) {
			// Resolved by a timeout or cancellation since the snapshot.
			acct.mu.Unlock()
			e.queue.remove(entry)
			continue
		}
		acct.active[entry.requestID] = struct{}{}
		acct.lastTouch = e.cfg.Clock.Now()
		acct.mu.Unlock()

		e.queue.remove(entry)
		// The waiter observes the already-incremented active set.
		entry.waiter <- admitGrant{admittedAt: e.cfg.Clock.Now()}
	}
	queueDepth.Set(float64(e.queue.len()))
}

// sweeper periodically re-examines the queue, resets lapsed counters,
// garbage collects idle accounts and expires queue entries whose waiters
// never woke. The waiter's own timeout is the primary mechanism; the
// sweeper is defense in depth.
func (e *Engine) sweeper() {
	ticker := e.cfg.Clock.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			e.sweep()
		case <-e.closeC:
			return
		}
	}
}

func (e *Engine) sweep() {
	now := e.cfg.Clock.Now()

	e.mu.Lock()
	for key, acct := range e.accounts {
		acct.mu.Lock()
		acct.resetLapsedWindows(now)
		if acct.idle() {
			delete(e.accounts, key)
		}
		acct.mu.Unlock()
	}
	e.mu.Unlock()

	for _, entry := range e.queue.snapshot() {
		if now.Sub(entry.enqueuedAt) <= e.cfg.QueueTimeout {
			continue
		}
		if entry.claimed.CompareAndSwap(false, true) {
			e.queue.remove(entry)
			entry.waiter <- admitGrant{denied: true}
		}
	}

	e.processQueue()
}

// QueueLen returns the current queue depth.
func (e *Engine) QueueLen() int {
	return e.queue.len()
}

// InFlight returns the number of active requests for a principal key.
func (e *Engine) InFlight(key string) int {
	e.mu.Lock()
	acct, ok := e.accounts[key]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return len(acct.active)
}
