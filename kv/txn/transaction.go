package txn

import (
	"fmt"
	"sync"

	"github.com/txncore/txncore/kv/mvcc"
)

// State is the lifecycle state of a transaction. Committed and RolledBack are
// terminal.
type State int

const (
	Active State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsolationPolicy selects when a transaction's ReadView is constructed.
type IsolationPolicy int

const (
	// StatementSnapshot builds a fresh ReadView at the start of every read
	// statement, so each statement sees the most recent committed data. Tolerates
	// non-repeatable reads.
	StatementSnapshot IsolationPolicy = iota
	// TransactionSnapshot builds one ReadView at the transaction's first read and
	// reuses it for every later statement, giving repeatable reads.
	TransactionSnapshot
)

func (p IsolationPolicy) String() string {
	switch p {
	case StatementSnapshot:
		return "statement-snapshot"
	case TransactionSnapshot:
		return "transaction-snapshot"
	default:
		return fmt.Sprintf("IsolationPolicy(%d)", int(p))
	}
}

// Transaction is a handle to one transaction. Lifecycle state, the snapshot slot and
// the active set are owned by the Manager; callers interact through Manager and
// engine methods, never by mutating the handle.
type Transaction struct {
	// ID is monotonically increasing and globally unique, assigned at begin.
	ID uint64

	policy IsolationPolicy

	mu    sync.Mutex
	state State
	view  *mvcc.ReadView
	// writes holds the keys this transaction created versions for, in write order.
	// Rollback unwinds them newest first.
	writes [][]byte
}

// Policy returns the transaction's isolation policy.
func (t *Transaction) Policy() IsolationPolicy {
	return t.policy
}

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Apply runs a write of key under the transaction's mutex when it is still Active,
// then records the key for rollback unwind. Rollback runs its undo under the same
// mutex, so a kill racing with an in-flight write either unwinds the version or
// prevents it from being written at all; a rolled-back transaction can never leak a
// chain head.
func (t *Transaction) Apply(key []byte, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return &ErrInvalidState{TxnID: t.ID, State: t.state}
	}
	fn()
	t.writes = append(t.writes, append([]byte{}, key...))
	return nil
}

// RecordWrite remembers that the transaction created a version for key, so rollback
// can unwind it.
func (t *Transaction) RecordWrite(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, append([]byte{}, key...))
}

// WrittenKeys returns the keys written by the transaction, oldest first.
func (t *Transaction) WrittenKeys() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([][]byte, len(t.writes))
	copy(keys, t.writes)
	return keys
}
