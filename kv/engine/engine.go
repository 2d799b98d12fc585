package engine

import (
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/txncore/txncore/config"
	"github.com/txncore/txncore/kv/lockmanager"
	"github.com/txncore/txncore/kv/mvcc"
	"github.com/txncore/txncore/kv/txn"
)

// CommitHook is the durability collaborator. OnCommit is called before a commit is
// finalized; if it returns an error the commit fails and the transaction stays
// active, so the caller can retry the commit or roll back. Write-ahead logging
// itself lives outside the engine.
type CommitHook interface {
	OnCommit(txnID uint64) error
	OnRollback(txnID uint64)
}

type nopHook struct{}

func (nopHook) OnCommit(uint64) error { return nil }
func (nopHook) OnRollback(uint64)     {}

// Engine is the transactional row store: MVCC snapshot reads over version chains,
// and lock-gated current reads and writes with gap and next-key locking for phantom
// prevention.
//
// Reads that find no row return (nil, nil): absence is a valid outcome, not an
// error.
type Engine struct {
	cfg   *config.Config
	store *mvcc.Store
	locks *lockmanager.Manager
	txns  *txn.Manager
	hook  CommitHook

	stopGC chan struct{}
	doneGC chan struct{}
}

// New builds an engine from cfg and starts the background version collector when
// cfg.GCInterval is non-zero.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	log.SetLevelByString(cfg.LogLevel)
	e := &Engine{
		cfg:    cfg,
		store:  mvcc.NewStore(),
		locks:  lockmanager.NewManager(),
		txns:   txn.NewManager(),
		hook:   nopHook{},
		stopGC: make(chan struct{}),
		doneGC: make(chan struct{}),
	}
	if cfg.GCInterval.Duration > 0 {
		go e.gcLoop(cfg.GCInterval.Duration)
	} else {
		close(e.doneGC)
	}
	return e, nil
}

// SetCommitHook installs the durability collaborator. Must be called before the
// engine is shared between goroutines.
func (e *Engine) SetCommitHook(hook CommitHook) {
	e.hook = hook
}

// Close stops the background collector. It does not terminate live transactions.
func (e *Engine) Close() {
	select {
	case <-e.stopGC:
	default:
		close(e.stopGC)
	}
	<-e.doneGC
}

// Begin starts a transaction under the configured default isolation policy.
func (e *Engine) Begin() *txn.Transaction {
	return e.BeginWith(e.defaultPolicy())
}

// BeginWith starts a transaction under an explicit snapshot policy.
func (e *Engine) BeginWith(policy txn.IsolationPolicy) *txn.Transaction {
	return e.txns.Begin(policy)
}

func (e *Engine) defaultPolicy() txn.IsolationPolicy {
	if e.cfg.DefaultIsolation == config.IsolationStatement {
		return txn.StatementSnapshot
	}
	return txn.TransactionSnapshot
}

// SnapshotRead resolves key against t's ReadView without taking any lock. Under
// TransactionSnapshot the same view is reused for the transaction's whole lifetime;
// under StatementSnapshot each call gets a fresh view.
func (e *Engine) SnapshotRead(t *txn.Transaction, key []byte) ([]byte, error) {
	view, err := e.txns.View(t)
	if err != nil {
		return nil, err
	}
	value, ok := e.store.ReadVisible(key, view)
	if !ok {
		return nil, nil
	}
	return value, nil
}

// CurrentRead acquires a record lock on key in the given mode and returns the chain
// head, bypassing snapshot visibility.
func (e *Engine) CurrentRead(t *txn.Transaction, key []byte, mode lockmanager.Mode) ([]byte, error) {
	if err := e.requireActive(t); err != nil {
		return nil, err
	}
	if err := e.acquire(t, lockmanager.RecordTarget(key), mode); err != nil {
		return nil, err
	}
	value, ok := e.store.ReadCurrent(key)
	if !ok {
		return nil, nil
	}
	return value, nil
}

// Write creates a new chain head for key under t. An update takes the exclusive
// record lock; an insert first declares insert intention, so it blocks while any
// other transaction holds a gap or next-key lock covering the insertion point.
func (e *Engine) Write(t *txn.Transaction, key, value []byte) error {
	if err := e.requireActive(t); err != nil {
		return err
	}
	if !e.store.Exists(key) {
		if err := e.acquire(t, lockmanager.InsertIntentionTarget(key), lockmanager.Exclusive); err != nil {
			return err
		}
	}
	if err := e.acquire(t, lockmanager.RecordTarget(key), lockmanager.Exclusive); err != nil {
		return err
	}
	// Apply re-checks the state under the transaction mutex: a kill landing between
	// the lock grant and the chain write must not leak a version past its rollback.
	return t.Apply(key, func() { e.store.Write(key, value, t.ID) })
}

// Delete writes a tombstone chain head for key under t.
func (e *Engine) Delete(t *txn.Transaction, key []byte) error {
	if err := e.requireActive(t); err != nil {
		return err
	}
	if err := e.acquire(t, lockmanager.RecordTarget(key), lockmanager.Exclusive); err != nil {
		return err
	}
	return t.Apply(key, func() { e.store.Delete(key, t.ID) })
}

// RangeLock locks [start, end) against phantoms: one next-key lock per existing key
// in the range, plus a trailing gap lock past the last existing key. A nil end means
// unbounded above. Any insertion inside the range then necessarily falls into one of
// the locked gaps and blocks.
func (e *Engine) RangeLock(t *txn.Transaction, start, end []byte, mode lockmanager.Mode) error {
	if err := e.requireActive(t); err != nil {
		return err
	}
	keys := e.store.KeysInRange(start, end)
	lower, _ := e.store.PrevKey(start)
	for _, key := range keys {
		prev, _ := e.store.PrevKey(key)
		if err := e.acquire(t, lockmanager.NextKeyTarget(prev, key), mode); err != nil {
			return err
		}
		lower = key
	}
	return e.acquire(t, lockmanager.GapTarget(lower, end), mode)
}

// Commit finalizes t. The durability hook is invoked first: commit is sequenced
// after the durability acknowledgment, and a hook failure leaves the transaction
// active. On success the transaction's writes become visible to new snapshots and
// all its locks are released.
func (e *Engine) Commit(t *txn.Transaction) error {
	if err := e.requireActive(t); err != nil {
		return err
	}
	if err := e.hook.OnCommit(t.ID); err != nil {
		return errors.Annotatef(err, "txn %d durability hook failed", t.ID)
	}
	if err := e.txns.Commit(t); err != nil {
		return err
	}
	e.locks.ReleaseAll(t.ID)
	return nil
}

// Rollback undoes t's writes, releases its locks and moves it to RolledBack.
func (e *Engine) Rollback(t *txn.Transaction) error {
	if err := e.txns.Rollback(t, e.unwindFunc(t)); err != nil {
		return err
	}
	e.hook.OnRollback(t.ID)
	e.locks.ReleaseAll(t.ID)
	return nil
}

// Kill aborts t externally. If t is blocked in a lock wait, the wait fails
// immediately with ErrKilled and that caller observes the rollback; otherwise the
// transaction is rolled back here.
func (e *Engine) Kill(t *txn.Transaction) {
	e.locks.Kill(t.ID)
	e.forceRollback(t)
}

// RunGC collects row versions no active snapshot can need and returns how many were
// reclaimed.
func (e *Engine) RunGC() int {
	watermark := e.txns.MinActiveID()
	reclaimed := e.store.CollectGarbage(watermark)
	if reclaimed > 0 {
		log.Debugf("gc reclaimed %d versions below txn %d", reclaimed, watermark)
	}
	return reclaimed
}

// LockStats returns a point-in-time summary of lock manager state.
func (e *Engine) LockStats() lockmanager.Stats {
	return e.locks.Stats()
}

func (e *Engine) gcLoop(interval time.Duration) {
	defer close(e.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.RunGC()
		case <-e.stopGC:
			return
		}
	}
}

func (e *Engine) requireActive(t *txn.Transaction) error {
	if state := t.State(); state != txn.Active {
		return &txn.ErrInvalidState{TxnID: t.ID, State: state}
	}
	return nil
}

// acquire runs a blocking lock acquisition under the configured wait budget. When
// the transaction is aborted mid-wait, as a deadlock victim or by a kill, it is
// rolled back here before the error surfaces: the caller gets a transaction-scoped
// failure and must restart from the beginning.
func (e *Engine) acquire(t *txn.Transaction, target lockmanager.Target, mode lockmanager.Mode) error {
	err := e.locks.Acquire(t.ID, target, mode, e.cfg.LockWaitTimeout.Duration)
	if err == nil {
		return nil
	}
	switch errors.Cause(err).(type) {
	case *lockmanager.ErrDeadlock, *lockmanager.ErrKilled:
		e.forceRollback(t)
	}
	return err
}

func (e *Engine) unwindFunc(t *txn.Transaction) func(keys [][]byte) {
	return func(keys [][]byte) {
		for i := len(keys) - 1; i >= 0; i-- {
			e.store.Unwind(keys[i], t.ID)
		}
	}
}

func (e *Engine) forceRollback(t *txn.Transaction) {
	if err := e.txns.Rollback(t, e.unwindFunc(t)); err != nil {
		return
	}
	e.hook.OnRollback(t.ID)
	e.locks.ReleaseAll(t.ID)
}
