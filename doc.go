package txncore

/*
Txncore is the concurrency core of a storage engine: a transactional key/value row
store combining multi-version concurrency control for lock-free snapshot reads with
row-level locking (shared/exclusive, gap and next-key locks) for write serialization
and phantom prevention. It is a library, not a server: query execution, indexing,
durability and the client protocol are external collaborators that drive it through
the engine package.

The `txncore` module is organized into the following packages:

* `config`: engine configuration (lock wait budget, snapshot policy, GC interval).
* `kv/mvcc`: version chains, the version store and ReadView snapshot visibility.
* `kv/lockmanager`: record/gap/next-key/insert-intention locks, FIFO wait queues and
  wait-for-graph deadlock detection.
* `kv/txn`: transaction lifecycle, id assignment and the active-transaction set.
* `kv/engine`: the public facade wiring the three together: begin, snapshot and
  current reads, writes, range locking, commit and rollback.
*/
