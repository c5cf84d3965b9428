// Package monitor implements the three cooperative ordering monitors
// (C6) the coordinator reserves a slot in while negotiating state
// transfer: local-order (single totally-ordered admission queue),
// apply-order (write-sets admitted in apply dependency order), and
// commit-order (write-sets admitted in commit order, optionally
// bypassed). All three share the same admit-in-order/leave-exactly-once
// shape, grounded on the explicit state-machine style the teacher uses
// for its own session state machines (io/sync.go's NextState), but
// built around a condition variable instead of a message handler since
// these are in-process synchronization primitives, not wire protocol
// steps.
package monitor

import (
	"sync"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("str/monitor")

// SeqnoMonitor admits callers strictly in ascending seqno order: Enter
// blocks until every smaller seqno that was ever admitted has Left or
// been SelfCanceled, and panics-free double Leave/SelfCancel calls are
// the caller's responsibility to avoid, matching the cache lock's
// "release exactly once" discipline described in the data model.
type SeqnoMonitor struct {
	mu             sync.Mutex
	cond           *sync.Cond
	current        int64 // highest seqno that has fully left (or -1)
	highestEntered int64 // highest seqno ever admitted via Enter
	pending        map[int64]bool
}

// NewSeqnoMonitor creates a monitor whose initial position is
// current: the first Enter accepted must be current+1.
func NewSeqnoMonitor(current int64) *SeqnoMonitor {
	m := &SeqnoMonitor{current: current, highestEntered: current, pending: make(map[int64]bool)}
	m.cond = sync.NewCond(&m.mu)

	return m
}

// Enter blocks until seqno-1 has left, then admits seqno. The caller
// must eventually call Leave or SelfCancel with the same seqno exactly
// once.
func (m *SeqnoMonitor) Enter(seqno int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.current < seqno-1 {
		m.cond.Wait()
	}

	m.pending[seqno] = true
	if seqno > m.highestEntered {
		m.highestEntered = seqno
	}
}

// Leave marks seqno as having completed its ordered work and wakes any
// waiters for seqno+1.
func (m *SeqnoMonitor) Leave(seqno int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance(seqno)
}

// SelfCancel releases a slot that was admitted but whose action never
// produced durable work (e.g. a state transfer request that was
// emitted but failed to deliver). Without this call the monitor would
// never advance past seqno and every later Enter would block forever.
func (m *SeqnoMonitor) SelfCancel(seqno int64) {
	log.Debugf("self-cancelling local-order slot %d", seqno)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance(seqno)
}

func (m *SeqnoMonitor) advance(seqno int64) {
	delete(m.pending, seqno)

	if seqno == m.current+1 {
		m.current = seqno
		m.cond.Broadcast()
	}
}

// Position reports the highest seqno that has left the monitor.
func (m *SeqnoMonitor) Position() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// HighestEntered reports the highest seqno ever admitted via Enter,
// regardless of whether it has left yet. A donor draining pending
// applies before a transfer needs this bound rather than Position(),
// which by construction never requires waiting.
func (m *SeqnoMonitor) HighestEntered() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.highestEntered
}

// Drain blocks until every seqno up to and including through has
// left the monitor. Used on the joiner after IST to serialize against
// write-sets the group layer began delivering concurrently.
func (m *SeqnoMonitor) Drain(through int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.current < through {
		m.cond.Wait()
	}
}

// Reinit forcibly repositions the monitor, used after SST installs a
// new apply position: any slot waiting below the new position would
// otherwise never see it satisfied by a Leave that can no longer
// happen.
func (m *SeqnoMonitor) Reinit(position int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = position
	m.highestEntered = position
	m.pending = make(map[int64]bool)
	m.cond.Broadcast()
}

// LocalOrderMonitor is the single-slot totally-ordered admission queue
// keyed by locally assigned sequence, used to serialize STATE_REQ
// processing against every other locally-ordered action. Locally
// assigned sequences start at 1, so the first slot admitted is 1.
type LocalOrderMonitor struct {
	*SeqnoMonitor
}

func NewLocalOrderMonitor() *LocalOrderMonitor {
	return &LocalOrderMonitor{SeqnoMonitor: NewSeqnoMonitor(0)}
}

// ApplyOrderMonitor admits write-sets in their apply dependency order.
type ApplyOrderMonitor struct {
	*SeqnoMonitor
}

func NewApplyOrderMonitor(position int64) *ApplyOrderMonitor {
	return &ApplyOrderMonitor{SeqnoMonitor: NewSeqnoMonitor(position)}
}

// CommitOrderMonitor admits write-sets in commit order. When bypassed
// every Enter/Leave is a no-op, matching a deployment where commit
// order is not enforced by this layer.
type CommitOrderMonitor struct {
	*SeqnoMonitor
	Bypassed bool
}

func NewCommitOrderMonitor(position int64, bypassed bool) *CommitOrderMonitor {
	return &CommitOrderMonitor{SeqnoMonitor: NewSeqnoMonitor(position), Bypassed: bypassed}
}

func (m *CommitOrderMonitor) Enter(seqno int64) {
	if m.Bypassed {
		return
	}

	m.SeqnoMonitor.Enter(seqno)
}

func (m *CommitOrderMonitor) Leave(seqno int64) {
	if m.Bypassed {
		return
	}

	m.SeqnoMonitor.Leave(seqno)
}
