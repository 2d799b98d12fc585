package lockmanager

import "fmt"

// ErrDeadlock is returned when the requesting transaction was chosen as the victim of
// a deadlock cycle. Its locks have already been released by the manager; the caller
// must roll the transaction back and may retry from the beginning, not merely retry
// the failed operation.
type ErrDeadlock struct {
	TxnID uint64
	// Cycle lists the transaction ids on the detected wait-for cycle.
	Cycle []uint64
}

func (e *ErrDeadlock) Error() string {
	return fmt.Sprintf("deadlock detected, txn %d chosen as victim, cycle %v", e.TxnID, e.Cycle)
}

// ErrLockTimeout is returned when an acquisition waited longer than its budget. Only
// the single operation fails; the transaction keeps its locks and stays usable.
type ErrLockTimeout struct {
	TxnID  uint64
	Target Target
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("txn %d timed out waiting for %s lock", e.TxnID, e.Target)
}

// ErrWouldBlock is returned by TryAcquire when the request is incompatible with a
// granted lock or a queued waiter.
type ErrWouldBlock struct {
	TxnID  uint64
	Target Target
}

func (e *ErrWouldBlock) Error() string {
	return fmt.Sprintf("txn %d would block on %s lock", e.TxnID, e.Target)
}

// ErrKilled is returned when the waiting transaction was aborted externally, for
// example by an administrative kill. Like a deadlock victim, its locks have been
// released and the transaction must be rolled back.
type ErrKilled struct {
	TxnID uint64
}

func (e *ErrKilled) Error() string {
	return fmt.Sprintf("txn %d killed while waiting for a lock", e.TxnID)
}
