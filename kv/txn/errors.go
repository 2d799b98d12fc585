package txn

import "fmt"

// ErrInvalidState is returned when an operation is attempted on a transaction that
// is no longer Active. Always a caller bug; never retried.
type ErrInvalidState struct {
	TxnID uint64
	State State
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("txn %d is %s, operation requires an active transaction", e.TxnID, e.State)
}

// ErrWriteConflict is reserved for optimistic-concurrency extensions. The pessimistic
// locking protocol prevents write-write conflicts outright, so the current engine
// never returns it.
type ErrWriteConflict struct {
	TxnID uint64
	Key   []byte
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("txn %d write conflict on key %q", e.TxnID, e.Key)
}
