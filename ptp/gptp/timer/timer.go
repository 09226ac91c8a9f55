/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package timer implements the single logical timer queue shared by every
// port of a clock aggregate. It guarantees at most one pending event per
// (port, event kind) pair and synchronous cancellation.
package timer

import (
	"sync"
	"time"
)

// EventKind enumerates the event kinds the port event processor consumes.
type EventKind uint8

// Event kinds.
const (
	PowerUp EventKind = iota
	Initialize
	StateChangeEvent
	LinkUp
	LinkDown
	FaultDetected
	AnnounceReceiptTimeout
	SyncReceiptTimeout
	AnnounceIntervalTimeout
	SyncIntervalTimeout
	PdelayIntervalTimeout
	PdelayRespReceiptTimeout
	PdelayRespPeerMisbehavingTimeout
	PdelayDeferredProcessing
	SyncRateIntervalExpired
)

var eventKindNames = map[EventKind]string{
	PowerUp:                          "POWERUP",
	Initialize:                       "INITIALIZE",
	StateChangeEvent:                 "STATE_CHANGE_EVENT",
	LinkUp:                           "LINKUP",
	LinkDown:                         "LINKDOWN",
	FaultDetected:                    "FAULT_DETECTED",
	AnnounceReceiptTimeout:           "ANNOUNCE_RECEIPT_TIMEOUT",
	SyncReceiptTimeout:               "SYNC_RECEIPT_TIMEOUT",
	AnnounceIntervalTimeout:          "ANNOUNCE_INTERVAL_TIMEOUT",
	SyncIntervalTimeout:              "SYNC_INTERVAL_TIMEOUT",
	PdelayIntervalTimeout:            "PDELAY_INTERVAL_TIMEOUT",
	PdelayRespReceiptTimeout:         "PDELAY_RESP_RECEIPT_TIMEOUT",
	PdelayRespPeerMisbehavingTimeout: "PDELAY_RESP_PEER_MISBEHAVING_TIMEOUT",
	PdelayDeferredProcessing:         "PDELAY_DEFERRED_PROCESSING",
	SyncRateIntervalExpired:          "SYNC_RATE_INTERVAL_EXPIRED",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "UNKNOWN"
}

// Callback is invoked when a scheduled event fires. It runs without the
// queue lock held.
type Callback func(port int, kind EventKind)

type key struct {
	port int
	kind EventKind
}

// Queue is the clock aggregate's timer_queue: a single map of pending
// per-(port,kind) timers guarded by one mutex. A plain sync.Mutex with
// single-goroutine acquire/release per call serves the same purpose as a
// recursive lock here, since no call recurses into itself.
type Queue struct {
	mu      sync.Mutex
	pending map[key]*time.Timer
	cb      Callback
}

// NewQueue constructs a timer queue that invokes cb on every fire.
func NewQueue(cb Callback) *Queue {
	return &Queue{
		pending: make(map[key]*time.Timer),
		cb:      cb,
	}
}

// Schedule arms an event for delay in the future, cancelling any previously
// scheduled event for the same (port, kind) pair first. Spurious early
// wakeups are not possible with time.AfterFunc, but re-arming is idempotent
// regardless.
func (q *Queue) Schedule(port int, kind EventKind, delay time.Duration) {
	k := key{port, kind}
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.pending[k]; ok {
		t.Stop()
		delete(q.pending, k)
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() { q.fire(k, t) })
	q.pending[k] = t
}

// Cancel synchronously removes any pending event for (port, kind). After
// Cancel returns, no new callback for that pair will start; a callback
// already running is unaffected (matches "no new callback will
// start" wording, which does not promise interruption of an in-flight one).
func (q *Queue) Cancel(port int, kind EventKind) {
	k := key{port, kind}
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.pending[k]; ok {
		t.Stop()
		delete(q.pending, k)
	}
}

// Pending reports whether an event is currently armed for (port, kind).
func (q *Queue) Pending(port int, kind EventKind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[key{port, kind}]
	return ok
}

func (q *Queue) fire(k key, self *time.Timer) {
	q.mu.Lock()
	// Only dispatch if this timer is still the one registered: Schedule may
	// have replaced it between the timer firing and this goroutine getting
	// the lock.
	cur, ok := q.pending[k]
	if !ok || cur != self {
		q.mu.Unlock()
		return
	}
	delete(q.pending, k)
	q.mu.Unlock()
	q.cb(k.port, k.kind)
}

// Stop cancels every pending timer. Used on daemon shutdown.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, t := range q.pending {
		t.Stop()
		delete(q.pending, k)
	}
}
