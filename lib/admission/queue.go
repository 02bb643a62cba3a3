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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/gravitational/trace"
)

// admitGrant is delivered to a parked waiter when its entry is resolved.
type admitGrant struct {
	// admittedAt is the wakeup time, used to compute queue wait.
	admittedAt time.Time
	// denied is set when the sweeper expired the entry instead of
	// admitting it.
	denied bool
}

// queueEntry is one parked admission. Exactly one party resolves an
// entry: a waker, the waiter's own timeout, a cancellation, or the
// sweeper. Ownership is transferred with a compare-and-swap on claimed;
// whoever wins the swap must deliver exactly one grant or error path.
type queueEntry struct {
	priority      int
	enqueuedAt    time.Time
	seq           uint64
	key           string
	requestID     string
	maxConcurrent int
	waiter        chan admitGrant
	claimed       atomic.Bool
}

// less orders the queue: higher priority first, ties broken by earlier
// enqueue time, then by insertion sequence for full determinism.
func (e *queueEntry) less(other *queueEntry) bool {
	if e.priority != other.priority {
		return e.priority > other.priority
	}
	if !e.enqueuedAt.Equal(other.enqueuedAt) {
		return e.enqueuedAt.Before(other.enqueuedAt)
	}
	return e.seq < other.seq
}

// waitQueue is the process-wide priority queue of blocked admissions.
// A single lock protects structural mutation; grants are always
// delivered after the lock is released.
type waitQueue struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*queueEntry]
	max  int
	seq  uint64
}

func newWaitQueue(max int) *waitQueue {
	return &waitQueue{
		tree: btree.NewG(8, func(a, b *queueEntry) bool { return a.less(b) }),
		max:  max,
	}
}

// insert adds an entry, or fails with LimitExceeded when the queue is at
// capacity. Back-pressure is synchronous by design: callers are denied
// rather than blocked behind an unbounded backlog.
func (q *waitQueue) insert(e *queueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tree.Len() >= q.max {
		return trace.LimitExceeded("admission queue is full (%v entries)", q.max)
	}
	q.seq++
	e.seq = q.seq
	q.tree.ReplaceOrInsert(e)
	return nil
}

// remove deletes an entry. Removing an absent entry is a no-op, which
// lets the claim winner and the structural cleanup race safely.
func (q *waitQueue) remove(e *queueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tree.Delete(e)
}

// snapshot returns the entries in service order.
func (q *waitQueue) snapshot() []*queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*queueEntry, 0, q.tree.Len())
	q.tree.Ascend(func(e *queueEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (q *waitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}
