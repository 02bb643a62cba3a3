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
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// JobResult is delivered to a dispatch waiter when its response arrives.
type JobResult struct {
	Response ResponseFrame
}

// pendingJob is one in-flight dispatch on a session. The waiter channel
// has capacity one so delivery never blocks the session loop.
type pendingJob struct {
	waiter chan JobResult
}

// SessionHandle is the server-side view of one live node session. The
// dispatcher holds a handle to transmit jobs and await responses; the
// controller owns its lifecycle.
type SessionHandle struct {
	nodeUUID     string
	connectionID string
	conn         MessageConn

	// mu guards pending and lastHeartbeat.
	mu            sync.Mutex
	pending       map[string]*pendingJob
	lastHeartbeat time.Time

	closeOnce sync.Once
	closeC    chan struct{}
}

func newSessionHandle(nodeUUID, connectionID string, conn MessageConn, now time.Time) *SessionHandle {
	return &SessionHandle{
		nodeUUID:      nodeUUID,
		connectionID:  connectionID,
		conn:          conn,
		pending:       make(map[string]*pendingJob),
		lastHeartbeat: now,
		closeC:        make(chan struct{}),
	}
}

// NodeUUID returns the bound node id.
func (h *SessionHandle) NodeUUID() string { return h.nodeUUID }

// ConnectionID returns the per-connection id minted at bind time.
func (h *SessionHandle) ConnectionID() string { return h.connectionID }

// Done is closed when the session ends for any reason.
func (h *SessionHandle) Done() <-chan struct{} { return h.closeC }

// SendJob registers a waiter for the job's request id and transmits the
// frame. On transmit failure the waiter is unregistered and the caller
// gets the error; no late delivery is possible.
func (h *SessionHandle) SendJob(job JobFrame) (<-chan JobResult, error) {
	select {
	case <-h.closeC:
		return nil, trace.ConnectionProblem(nil, "session with node %v is closed", h.nodeUUID)
	default:
	}

	record := &pendingJob{waiter: make(chan JobResult, 1)}
	h.mu.Lock()
	if _, ok := h.pending[job.RequestID]; ok {
		h.mu.Unlock()
		return nil, trace.AlreadyExists("request %v is already pending", job.RequestID)
	}
	h.pending[job.RequestID] = record
	h.mu.Unlock()

	payload, err := json.Marshal(job)
	if err != nil {
		h.takePending(job.RequestID)
		return nil, trace.Wrap(err)
	}
	if err := h.conn.WriteMessage(payload); err != nil {
		h.takePending(job.RequestID)
		return nil, trace.Wrap(err)
	}
	return record.waiter, nil
}

// AbandonJob drops the waiter for a request id so a late response is
// discarded instead of delivered. Used on dispatch timeout and caller
// cancellation.
func (h *SessionHandle) AbandonJob(requestID string) {
	h.takePending(requestID)
}

// takePending atomically removes and returns the pending record, so at
// most one party resolves each job.
func (h *SessionHandle) takePending(requestID string) (*pendingJob, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	return record, ok
}

// PendingCount returns the number of in-flight jobs on the session.
func (h *SessionHandle) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *SessionHandle) touchHeartbeat(now time.Time) {
	h.mu.Lock()
	h.lastHeartbeat = now
	h.mu.Unlock()
}

func (h *SessionHandle) heartbeatAge(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.lastHeartbeat)
}

// close tears the session down: waiters are abandoned, not resolved.
// Dispatch waiters observe the closure via Done and resolve themselves
// with a disconnect error.
func (h *SessionHandle) close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.pending = make(map[string]*pendingJob)
		h.mu.Unlock()
		close(h.closeC)
		h.conn.Close()
	})
}
