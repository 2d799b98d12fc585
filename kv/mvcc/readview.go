package mvcc

// A ReadView is a transaction's fixed view of which other transactions' writes are
// visible, captured at snapshot-creation time. Snapshot reads resolve row versions
// against a ReadView without taking any locks.
//
// Visibility of a version created by transaction v under a view:
//
//   - v < LowLimitID: the creator committed strictly before the snapshot; visible.
//   - v >= UpLimitID: the creator began after the snapshot; not visible.
//   - v == CreatorID: the view owner's own write; visible.
//   - v in the active set: concurrently active, uncommitted at snapshot time; not visible.
//   - otherwise: committed between the snapshot construction bounds; visible.
type ReadView struct {
	// CreatorID is the id of the transaction that owns this view.
	CreatorID uint64
	// LowLimitID is the smallest id that was active when the view was created, or the
	// creator's own id if no other transaction was active. Every id below it belongs
	// to a transaction that had already committed.
	LowLimitID uint64
	// UpLimitID is one past the largest id that was active when the view was created,
	// or the next id to be assigned if no other transaction was active. Every id at or
	// above it belongs to a transaction that began after the snapshot.
	UpLimitID uint64

	activeIDs map[uint64]struct{}
}

// NewReadView captures a snapshot of the active transaction set. activeIDs must not
// include creatorID; nextID is the id the system would assign to the next transaction.
// The caller must serialize this construction against begins and commits so the active
// set and nextID are observed atomically.
func NewReadView(creatorID uint64, activeIDs []uint64, nextID uint64) *ReadView {
	view := &ReadView{
		CreatorID:  creatorID,
		LowLimitID: creatorID,
		UpLimitID:  nextID,
		activeIDs:  make(map[uint64]struct{}, len(activeIDs)),
	}
	for _, id := range activeIDs {
		view.activeIDs[id] = struct{}{}
		if len(view.activeIDs) == 1 {
			view.LowLimitID = id
			view.UpLimitID = id + 1
			continue
		}
		if id < view.LowLimitID {
			view.LowLimitID = id
		}
		if id+1 > view.UpLimitID {
			view.UpLimitID = id + 1
		}
	}
	return view
}

// Sees reports whether a version created by txnID is visible under this view.
func (v *ReadView) Sees(txnID uint64) bool {
	if txnID == v.CreatorID {
		return true
	}
	if txnID < v.LowLimitID {
		return true
	}
	if txnID >= v.UpLimitID {
		return false
	}
	_, active := v.activeIDs[txnID]
	return !active
}

// ActiveCount returns the number of transactions that were active when the view was
// created, excluding the creator.
func (v *ReadView) ActiveCount() int {
	return len(v.activeIDs)
}
