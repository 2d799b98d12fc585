package lockmanager

import (
	"sync"
	"time"

	"github.com/ngaut/log"
)

// waiter is a queued lock request. The result channel is buffered so a waker never
// blocks handing over the grant.
type waiter struct {
	txnID  uint64
	target Target
	mode   Mode
	ch     chan error
	// blockers tracks the wait-for edges currently registered for this waiter, so
	// they can be diffed on re-evaluation and removed when the wait ends.
	blockers map[uint64]struct{}
}

// Manager grants, queues and releases record, gap, next-key and insert-intention
// locks, and breaks deadlocks by victim abort.
//
// All lock state lives behind one mutex: the granted set, a single FIFO queue of
// waiters, and the wait-for graph. Waiters on the same or overlapping targets are
// served strictly in arrival order; a request also queues behind an earlier waiter
// whose pending request conflicts with it, so no request is ever overtaken by a newer
// one on the same target.
type Manager struct {
	mu       sync.Mutex
	held     map[uint64][]*Lock
	waiters  []*waiter
	detector *detector
}

func NewManager() *Manager {
	return &Manager{
		held:     make(map[uint64][]*Lock),
		detector: newDetector(),
	}
}

// Acquire blocks until the lock is granted, the transaction is chosen as a deadlock
// victim, the transaction is killed, or timeout elapses. Deadlock detection runs
// synchronously before the caller ever blocks, so a request that would complete a
// cycle can fail immediately.
//
// On ErrDeadlock and ErrKilled the transaction's locks have already been released;
// the caller must roll the transaction back. On ErrLockTimeout only this operation
// failed and the transaction keeps its locks.
//
// A request the transaction already holds an equal or stronger lock for succeeds
// immediately: the holder's own grant satisfies it, so it never queues behind other
// transactions' pending requests on the same target.
func (m *Manager) Acquire(txnID uint64, target Target, mode Mode, timeout time.Duration) error {
	m.mu.Lock()
	if m.holdsLocked(txnID, target, mode) {
		m.mu.Unlock()
		return nil
	}
	if !m.blockedLocked(txnID, target, mode, nil) {
		m.grantLocked(txnID, target, mode)
		m.mu.Unlock()
		return nil
	}

	w := &waiter{
		txnID:    txnID,
		target:   target,
		mode:     mode,
		ch:       make(chan error, 1),
		blockers: make(map[uint64]struct{}),
	}
	m.waiters = append(m.waiters, w)
	m.updateEdgesLocked(w)
	if cycle := m.detector.findCycle(txnID); cycle != nil {
		victim := m.chooseVictimLocked(cycle)
		deadlockCounter.Inc()
		log.Warnf("deadlock cycle %v detected, aborting txn %d", cycle, victim)
		if victim == txnID {
			m.removeWaiterLocked(w)
			m.releaseHeldLocked(txnID)
			m.resolveLocked()
			m.mu.Unlock()
			return &ErrDeadlock{TxnID: txnID, Cycle: cycle}
		}
		m.abortTxnLocked(victim, &ErrDeadlock{TxnID: victim, Cycle: cycle})
		m.resolveLocked()
	}
	m.mu.Unlock()

	lockWaitsCounter.Inc()
	begin := time.Now()
	select {
	case err := <-w.ch:
		lockWaitDuration.Observe(time.Since(begin).Seconds())
		return err
	case <-time.After(timeout):
		m.mu.Lock()
		// The grant may have raced with the timer.
		select {
		case err := <-w.ch:
			m.mu.Unlock()
			lockWaitDuration.Observe(time.Since(begin).Seconds())
			return err
		default:
		}
		m.removeWaiterLocked(w)
		// Our departure can unblock a request queued behind us.
		m.resolveLocked()
		m.mu.Unlock()
		lockTimeoutCounter.Inc()
		return &ErrLockTimeout{TxnID: txnID, Target: target}
	}
}

// TryAcquire is the non-blocking variant of Acquire. It returns ErrWouldBlock if the
// request conflicts with a granted lock or a queued waiter.
func (m *Manager) TryAcquire(txnID uint64, target Target, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holdsLocked(txnID, target, mode) {
		return nil
	}
	if m.blockedLocked(txnID, target, mode, nil) {
		return &ErrWouldBlock{TxnID: txnID, Target: target}
	}
	m.grantLocked(txnID, target, mode)
	return nil
}

// ReleaseAll releases every lock held by txnID and wakes whatever its departure
// unblocks. Called on commit and rollback.
func (m *Manager) ReleaseAll(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseHeldLocked(txnID)
	m.detector.dropTxn(txnID)
	m.resolveLocked()
}

// Kill aborts txnID externally: a pending acquire fails with ErrKilled and all held
// locks are released. The caller is responsible for rolling the transaction back.
func (m *Manager) Kill(txnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Warnf("txn %d killed", txnID)
	m.abortTxnLocked(txnID, &ErrKilled{TxnID: txnID})
	m.resolveLocked()
}

// HeldCount returns the number of locks granted to txnID.
func (m *Manager) HeldCount(txnID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held[txnID])
}

// Stats is a point-in-time summary of lock manager state.
type Stats struct {
	GrantedLocks    int
	WaitingRequests int
	HoldingTxns     int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		WaitingRequests: len(m.waiters),
		HoldingTxns:     len(m.held),
	}
	for _, locks := range m.held {
		s.GrantedLocks += len(locks)
	}
	return s
}

// holdsLocked reports whether txnID already holds a lock covering the request.
func (m *Manager) holdsLocked(txnID uint64, target Target, mode Mode) bool {
	for _, l := range m.held[txnID] {
		if l.covers(target, mode) {
			return true
		}
	}
	return false
}

// blockedLocked reports whether a request conflicts with any granted lock, or with
// the pending request of any waiter queued ahead of upTo (every waiter, if upTo is
// nil). Treating earlier waiters as blockers is what makes the queue FIFO per target.
func (m *Manager) blockedLocked(txnID uint64, target Target, mode Mode, upTo *waiter) bool {
	for _, locks := range m.held {
		for _, l := range locks {
			if l.conflicts(txnID, target, mode) {
				return true
			}
		}
	}
	for _, other := range m.waiters {
		if other == upTo {
			break
		}
		if other.txnID == txnID {
			continue
		}
		pending := Lock{Target: other.target, Mode: other.mode, TxnID: other.txnID}
		if pending.conflicts(txnID, target, mode) {
			return true
		}
	}
	return false
}

func (m *Manager) grantLocked(txnID uint64, target Target, mode Mode) {
	m.held[txnID] = append(m.held[txnID], &Lock{Target: target, Mode: mode, TxnID: txnID})
	heldLocksGauge.Inc()
}

func (m *Manager) releaseHeldLocked(txnID uint64) {
	if n := len(m.held[txnID]); n > 0 {
		heldLocksGauge.Sub(float64(n))
	}
	delete(m.held, txnID)
}

func (m *Manager) removeWaiterLocked(w *waiter) {
	for i, other := range m.waiters {
		if other == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	for b := range w.blockers {
		m.detector.removeEdge(w.txnID, b)
	}
	w.blockers = make(map[uint64]struct{})
}

// abortTxnLocked fails txnID's pending requests, releases its locks and removes it
// from the wait-for graph. The transaction state transition to RolledBack happens in
// the caller's transaction layer when the error surfaces.
func (m *Manager) abortTxnLocked(txnID uint64, reason error) {
	for i := 0; i < len(m.waiters); {
		w := m.waiters[i]
		if w.txnID != txnID {
			i++
			continue
		}
		m.removeWaiterLocked(w)
		w.ch <- reason
	}
	m.releaseHeldLocked(txnID)
	m.detector.dropTxn(txnID)
}

// updateEdgesLocked recomputes the wait-for edges of w against the current granted
// set and the waiters queued ahead of it.
func (m *Manager) updateEdgesLocked(w *waiter) {
	current := make(map[uint64]struct{})
	for txnID, locks := range m.held {
		if txnID == w.txnID {
			continue
		}
		for _, l := range locks {
			if l.conflicts(w.txnID, w.target, w.mode) {
				current[txnID] = struct{}{}
				break
			}
		}
	}
	for _, other := range m.waiters {
		if other == w {
			break
		}
		if other.txnID == w.txnID {
			continue
		}
		pending := Lock{Target: other.target, Mode: other.mode, TxnID: other.txnID}
		if pending.conflicts(w.txnID, w.target, w.mode) {
			current[other.txnID] = struct{}{}
		}
	}

	for b := range current {
		if _, ok := w.blockers[b]; !ok {
			m.detector.addEdge(w.txnID, b)
			w.blockers[b] = struct{}{}
		}
	}
	for b := range w.blockers {
		if _, ok := current[b]; !ok {
			m.detector.removeEdge(w.txnID, b)
			delete(w.blockers, b)
		}
	}
}

// resolveLocked grants every waiter that has become compatible, refreshes the
// wait-for edges of those still blocked, and breaks any deadlock cycle that remains.
// Loops until a fixed point: an abort can unblock further waiters.
func (m *Manager) resolveLocked() {
	for {
		granted := true
		for granted {
			granted = false
			for i := 0; i < len(m.waiters); i++ {
				w := m.waiters[i]
				if m.blockedLocked(w.txnID, w.target, w.mode, w) {
					continue
				}
				m.removeWaiterLocked(w)
				m.grantLocked(w.txnID, w.target, w.mode)
				w.ch <- nil
				granted = true
				i--
			}
		}
		for _, w := range m.waiters {
			m.updateEdgesLocked(w)
		}

		broke := false
		for _, w := range m.waiters {
			cycle := m.detector.findCycle(w.txnID)
			if cycle == nil {
				continue
			}
			victim := m.chooseVictimLocked(cycle)
			deadlockCounter.Inc()
			log.Warnf("deadlock cycle %v detected, aborting txn %d", cycle, victim)
			m.abortTxnLocked(victim, &ErrDeadlock{TxnID: victim, Cycle: cycle})
			broke = true
			break
		}
		if !broke {
			return
		}
	}
}

// chooseVictimLocked picks the transaction to abort out of a deadlock cycle: the one
// holding the fewest locks, ties broken by the highest id (the most recently
// started).
func (m *Manager) chooseVictimLocked(cycle []uint64) uint64 {
	victim := cycle[0]
	for _, txnID := range cycle[1:] {
		nv, nt := len(m.held[victim]), len(m.held[txnID])
		if nt < nv || (nt == nv && txnID > victim) {
			victim = txnID
		}
	}
	return victim
}
