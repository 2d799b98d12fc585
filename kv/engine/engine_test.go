package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txncore/txncore/config"
	"github.com/txncore/txncore/kv/lockmanager"
	"github.com/txncore/txncore/kv/txn"
)

func newTestEngine(t *testing.T) *Engine {
	cfg := config.NewTestConfig()
	cfg.LockWaitTimeout = config.Duration{Duration: 2 * time.Second}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

// seed commits a set of key/values in one transaction.
func seed(t *testing.T, e *Engine, kvs map[string]string) {
	tx := e.Begin()
	for k, v := range kvs {
		require.NoError(t, e.Write(tx, []byte(k), []byte(v)))
	}
	require.NoError(t, e.Commit(tx))
}

func settle() {
	time.Sleep(20 * time.Millisecond)
}

func TestRepeatableRead(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"x": "Tom"})

	t1 := e.BeginWith(txn.TransactionSnapshot)
	value, err := e.SnapshotRead(t1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("Tom"), value)

	t2 := e.Begin()
	require.NoError(t, e.Write(t2, []byte("x"), []byte("Alice")))
	require.NoError(t, e.Commit(t2))

	// T1's snapshot predates T2's commit: still Tom.
	value, err = e.SnapshotRead(t1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("Tom"), value)
	require.NoError(t, e.Commit(t1))

	// A new transaction sees the commit.
	t3 := e.Begin()
	value, err = e.SnapshotRead(t3, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("Alice"), value)
	require.NoError(t, e.Commit(t3))
}

func TestReadModifyWriteWithConcurrentWaiter(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"k": "1"})

	t1 := e.Begin()
	value, err := e.CurrentRead(t1, []byte("k"), lockmanager.Exclusive)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	// T2 queues behind T1's exclusive record lock.
	t2 := e.Begin()
	blocked := make(chan error, 1)
	go func() {
		blocked <- e.Write(t2, []byte("k"), []byte("3"))
	}()
	settle()

	// T1's write re-requests the record lock it already holds. The queued waiter
	// must not block it or get aborted as a phantom deadlock victim.
	require.NoError(t, e.Write(t1, []byte("k"), []byte("2")))
	assert.Equal(t, txn.Active, t1.State())
	require.NoError(t, e.Commit(t1))

	require.NoError(t, <-blocked)
	assert.Equal(t, txn.Active, t2.State())
	require.NoError(t, e.Commit(t2))

	t3 := e.Begin()
	value, err = e.SnapshotRead(t3, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), value)
	require.NoError(t, e.Commit(t3))
}

func TestStatementSnapshotSeesNewCommits(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"x": "Tom"})

	t1 := e.BeginWith(txn.StatementSnapshot)
	value, err := e.SnapshotRead(t1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("Tom"), value)

	t2 := e.Begin()
	require.NoError(t, e.Write(t2, []byte("x"), []byte("Alice")))
	require.NoError(t, e.Commit(t2))

	// Each statement gets a fresh snapshot: the second read sees Alice.
	value, err = e.SnapshotRead(t1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("Alice"), value)
	require.NoError(t, e.Commit(t1))
}

func TestSelfVisibility(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"x": "old"})

	t1 := e.BeginWith(txn.TransactionSnapshot)
	// Pin the snapshot before writing.
	_, err := e.SnapshotRead(t1, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, e.Write(t1, []byte("x"), []byte("mine")))

	value, err := e.SnapshotRead(t1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), value)
	value, err = e.CurrentRead(t1, []byte("x"), lockmanager.Exclusive)
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), value)

	// Another transaction's snapshot still sees the committed value.
	t2 := e.BeginWith(txn.TransactionSnapshot)
	value, err = e.SnapshotRead(t2, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), value)

	require.NoError(t, e.Rollback(t1))
	require.NoError(t, e.Commit(t2))
}

func TestCurrentReadBlocksOnExclusive(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"k": "v1"})

	t1 := e.Begin()
	_, err := e.CurrentRead(t1, []byte("k"), lockmanager.Exclusive)
	require.NoError(t, err)
	require.NoError(t, e.Write(t1, []byte("k"), []byte("v2")))

	t2 := e.Begin()
	done := make(chan []byte, 1)
	go func() {
		value, err := e.CurrentRead(t2, []byte("k"), lockmanager.Exclusive)
		if err != nil {
			t.Errorf("current read failed: %v", err)
		}
		done <- value
	}()
	settle()
	select {
	case <-done:
		t.Fatal("current read should have blocked")
	default:
	}

	require.NoError(t, e.Commit(t1))
	// The lock transfers on commit and the blocked reader sees the new head.
	assert.Equal(t, []byte("v2"), <-done)
	require.NoError(t, e.Commit(t2))
}

func TestSnapshotReadTakesNoLock(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"k": "v"})

	t1 := e.Begin()
	_, err := e.CurrentRead(t1, []byte("k"), lockmanager.Exclusive)
	require.NoError(t, err)

	// A snapshot read proceeds despite the exclusive lock.
	t2 := e.Begin()
	value, err := e.SnapshotRead(t2, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	require.NoError(t, e.Commit(t1))
	require.NoError(t, e.Commit(t2))
}

func TestPhantomPrevention(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"k100": "a", "k300": "b"})

	t1 := e.Begin()
	require.NoError(t, e.RangeLock(t1, []byte("k100"), []byte("k300"), lockmanager.Shared))

	// An insert inside the locked range must wait for T1.
	t2 := e.Begin()
	done := make(chan error, 1)
	go func() {
		done <- e.Write(t2, []byte("k150"), []byte("phantom"))
	}()
	settle()
	select {
	case err := <-done:
		t.Fatalf("insert into locked range should have blocked, got %v", err)
	default:
	}

	// An insert outside the range is unaffected.
	t3 := e.Begin()
	require.NoError(t, e.Write(t3, []byte("k400"), []byte("fine")))
	require.NoError(t, e.Commit(t3))

	require.NoError(t, e.Commit(t1))
	require.NoError(t, <-done)
	require.NoError(t, e.Commit(t2))
}

func TestDeadlockAbortsOneTransaction(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"a": "1", "b": "2"})

	t1 := e.Begin()
	t2 := e.Begin()
	require.NoError(t, e.Write(t1, []byte("a"), []byte("t1")))
	require.NoError(t, e.Write(t2, []byte("b"), []byte("t2")))

	// T2 waits for a, then T1 asks for b: a cycle. T2, the younger transaction,
	// is aborted and rolled back; T1 proceeds.
	blocked := make(chan error, 1)
	go func() {
		blocked <- e.Write(t2, []byte("a"), []byte("t2"))
	}()
	settle()
	require.NoError(t, e.Write(t1, []byte("b"), []byte("t1")))

	err := <-blocked
	require.Error(t, err)
	_, isDeadlock := err.(*lockmanager.ErrDeadlock)
	require.True(t, isDeadlock, "got %T", err)
	assert.Equal(t, txn.RolledBack, t2.State())

	// Every later operation on the victim fails with an invalid-state error.
	_, err = e.SnapshotRead(t2, []byte("a"))
	require.Error(t, err)
	_, isInvalid := err.(*txn.ErrInvalidState)
	assert.True(t, isInvalid, "got %T", err)

	require.NoError(t, e.Commit(t1))

	// The victim's write to b was unwound; T1's committed values stand.
	t3 := e.Begin()
	value, err := e.SnapshotRead(t3, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("t1"), value)
	require.NoError(t, e.Commit(t3))
}

func TestLockTimeoutLeavesTransactionUsable(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.LockWaitTimeout = config.Duration{Duration: 50 * time.Millisecond}
	e, err := New(cfg)
	require.NoError(t, err)
	defer e.Close()
	seed(t, e, map[string]string{"k": "v", "other": "w"})

	t1 := e.Begin()
	_, err = e.CurrentRead(t1, []byte("k"), lockmanager.Exclusive)
	require.NoError(t, err)

	t2 := e.Begin()
	_, err = e.CurrentRead(t2, []byte("k"), lockmanager.Exclusive)
	require.Error(t, err)
	_, isTimeout := err.(*lockmanager.ErrLockTimeout)
	require.True(t, isTimeout, "got %T", err)

	// Only the operation failed: T2 is still active and can work elsewhere.
	assert.Equal(t, txn.Active, t2.State())
	value, err := e.CurrentRead(t2, []byte("other"), lockmanager.Exclusive)
	require.NoError(t, err)
	assert.Equal(t, []byte("w"), value)
	require.NoError(t, e.Commit(t2))
	require.NoError(t, e.Commit(t1))
}

func TestKillWhileWaiting(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"k": "v"})

	t1 := e.Begin()
	_, err := e.CurrentRead(t1, []byte("k"), lockmanager.Exclusive)
	require.NoError(t, err)

	t2 := e.Begin()
	blocked := make(chan error, 1)
	go func() {
		_, err := e.CurrentRead(t2, []byte("k"), lockmanager.Exclusive)
		blocked <- err
	}()
	settle()
	e.Kill(t2)

	err = <-blocked
	require.Error(t, err)
	_, isKilled := err.(*lockmanager.ErrKilled)
	require.True(t, isKilled, "got %T", err)
	assert.Equal(t, txn.RolledBack, t2.State())
	require.NoError(t, e.Commit(t1))
}

func TestDeleteIsSnapshotConsistent(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"k": "v"})

	t1 := e.BeginWith(txn.TransactionSnapshot)
	value, err := e.SnapshotRead(t1, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	t2 := e.Begin()
	require.NoError(t, e.Delete(t2, []byte("k")))
	// The deleter sees its own tombstone.
	value, err = e.SnapshotRead(t2, []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, value)
	require.NoError(t, e.Commit(t2))

	// T1's older snapshot still sees the row.
	value, err = e.SnapshotRead(t1, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	require.NoError(t, e.Commit(t1))

	t3 := e.Begin()
	value, err = e.SnapshotRead(t3, []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, value)
	require.NoError(t, e.Commit(t3))
}

func TestWriteRollbackUnwinds(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"k": "v"})

	t1 := e.Begin()
	require.NoError(t, e.Write(t1, []byte("k"), []byte("doomed")))
	require.NoError(t, e.Write(t1, []byte("fresh"), []byte("doomed")))
	require.NoError(t, e.Rollback(t1))

	t2 := e.Begin()
	value, err := e.SnapshotRead(t2, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	value, err = e.SnapshotRead(t2, []byte("fresh"))
	require.NoError(t, err)
	assert.Nil(t, value)
	require.NoError(t, e.Commit(t2))
}

type recordingHook struct {
	mu        sync.Mutex
	commits   []uint64
	rollbacks []uint64
	fail      bool
}

func (h *recordingHook) OnCommit(txnID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return assert.AnError
	}
	h.commits = append(h.commits, txnID)
	return nil
}

func (h *recordingHook) OnRollback(txnID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbacks = append(h.rollbacks, txnID)
}

func TestDurabilityHook(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	hook := &recordingHook{}
	e.SetCommitHook(hook)

	t1 := e.Begin()
	require.NoError(t, e.Write(t1, []byte("k"), []byte("v")))
	require.NoError(t, e.Commit(t1))
	assert.Equal(t, []uint64{t1.ID}, hook.commits)

	t2 := e.Begin()
	require.NoError(t, e.Rollback(t2))
	assert.Equal(t, []uint64{t2.ID}, hook.rollbacks)
}

func TestDurabilityHookFailureKeepsTransactionActive(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	hook := &recordingHook{fail: true}
	e.SetCommitHook(hook)

	t1 := e.Begin()
	require.NoError(t, e.Write(t1, []byte("k"), []byte("v")))
	err := e.Commit(t1)
	require.Error(t, err)
	assert.Equal(t, txn.Active, t1.State())

	// The commit can be retried once durability recovers.
	hook.mu.Lock()
	hook.fail = false
	hook.mu.Unlock()
	require.NoError(t, e.Commit(t1))
}

func TestGarbageCollectionRespectsActiveSnapshots(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"k": "v1"})

	reader := e.BeginWith(txn.TransactionSnapshot)
	value, err := e.SnapshotRead(reader, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	for _, v := range []string{"v2", "v3", "v4"} {
		w := e.Begin()
		require.NoError(t, e.Write(w, []byte("k"), []byte(v)))
		require.NoError(t, e.Commit(w))
	}

	e.RunGC()
	// The pinned snapshot still resolves to its version.
	value, err = e.SnapshotRead(reader, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
	require.NoError(t, e.Commit(reader))

	// With no snapshot pinning history, only the head survives.
	reclaimed := e.RunGC()
	assert.True(t, reclaimed > 0)
	t2 := e.Begin()
	value, err = e.SnapshotRead(t2, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v4"), value)
	require.NoError(t, e.Commit(t2))
}

func TestExclusiveLockMutualExclusion(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	seed(t, e, map[string]string{"counter": "0"})

	// Concurrent read-modify-write increments must serialize on the record lock.
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := e.Begin()
			value, err := e.CurrentRead(tx, []byte("counter"), lockmanager.Exclusive)
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
			next := append([]byte{}, value...)
			next = append(next, 'x')
			if err := e.Write(tx, []byte("counter"), next); err != nil {
				t.Errorf("write: %v", err)
				return
			}
			if err := e.Commit(tx); err != nil {
				t.Errorf("commit: %v", err)
			}
		}()
	}
	wg.Wait()

	tx := e.Begin()
	value, err := e.CurrentRead(tx, []byte("counter"), lockmanager.Shared)
	require.NoError(t, err)
	// Every increment is preserved: no lost updates.
	assert.Len(t, value, 1+workers)
	require.NoError(t, e.Commit(tx))
}
