package txn

import (
	"sync"

	"github.com/txncore/txncore/kv/mvcc"
)

// Manager owns the transaction lifecycle: id assignment, the active-transaction set
// and ReadView construction. One mutex serializes all three, so a snapshot always
// observes a point-in-time active set consistent with the id counter, and a
// transaction never observes itself active inconsistently with another's
// simultaneously constructed snapshot.
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]*Transaction
}

func NewManager() *Manager {
	return &Manager{
		nextID: 1,
		active: make(map[uint64]*Transaction),
	}
}

// Begin assigns the next transaction id and adds the transaction to the active set.
func (m *Manager) Begin(policy IsolationPolicy) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Transaction{
		ID:     m.nextID,
		policy: policy,
		state:  Active,
	}
	m.nextID++
	m.active[t.ID] = t
	return t
}

// View returns the ReadView for a snapshot read by t, constructing one according to
// the transaction's isolation policy: a fresh view per statement under
// StatementSnapshot, one reusable view under TransactionSnapshot.
func (m *Manager) View(t *Transaction) (*mvcc.ReadView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return nil, &ErrInvalidState{TxnID: t.ID, State: t.state}
	}
	if t.policy == TransactionSnapshot && t.view != nil {
		return t.view, nil
	}
	view := m.snapshotLocked(t.ID)
	t.view = view
	return view, nil
}

// snapshotLocked captures the active set, excluding selfID, atomically with the id
// counter. Caller holds m.mu.
func (m *Manager) snapshotLocked(selfID uint64) *mvcc.ReadView {
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		if id != selfID {
			ids = append(ids, id)
		}
	}
	return mvcc.NewReadView(selfID, ids, m.nextID)
}

// Commit moves t to Committed and removes it from the active set. From this point
// the transaction's writes are visible to newly constructed ReadViews.
func (m *Manager) Commit(t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return &ErrInvalidState{TxnID: t.ID, State: t.state}
	}
	t.state = Committed
	t.view = nil
	delete(m.active, t.ID)
	return nil
}

// Rollback undoes t's writes via undo, then moves t to RolledBack and removes it
// from the active set. undo runs while t is still in the active set, so a chain head
// being unwound is never visible to a concurrently constructed snapshot.
func (m *Manager) Rollback(t *Transaction, undo func(keys [][]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return &ErrInvalidState{TxnID: t.ID, State: t.state}
	}
	if undo != nil && len(t.writes) > 0 {
		undo(t.writes)
	}
	t.state = RolledBack
	t.view = nil
	delete(m.active, t.ID)
	return nil
}

// MinActiveID returns the garbage collection watermark: the lowest transaction id
// any active snapshot could still need. With no active transactions it is the next
// id to be assigned, so every existing version is below it.
func (m *Manager) MinActiveID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	min := m.nextID
	for id, t := range m.active {
		low := id
		t.mu.Lock()
		if t.view != nil && t.view.LowLimitID < low {
			low = t.view.LowLimitID
		}
		t.mu.Unlock()
		if low < min {
			min = low
		}
	}
	return min
}

// ActiveCount returns the number of active transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
