package mvcc

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// rowItem maps a row key to the arena index of its version-chain head.
type rowItem struct {
	key  []byte
	head int
}

func (r rowItem) Less(than btree.Item) bool {
	return bytes.Compare(r.key, than.(rowItem).key) < 0
}

// Store owns the authoritative current state and the full historical chain of every
// row. The chain head is the only version visible to current-reads; snapshot reads
// walk the chain applying a ReadView until a visible version is found.
//
// Store does no conflict detection. Write-write conflicts are prevented upstream by
// the lock manager: a caller must hold the exclusive record lock on a key before
// writing it, so chain mutation on a single key is totally ordered.
type Store struct {
	mu    sync.RWMutex
	arena arena
	index *btree.BTree
}

func NewStore() *Store {
	return &Store{
		index: btree.New(32),
	}
}

// Write appends a new chain head for key with the given payload. The previous head,
// if any, stays reachable through the chain for readers whose snapshot predates this
// write.
func (s *Store) Write(key, data []byte, txnID uint64) {
	s.put(key, data, txnID, false)
}

// Delete appends a tombstone chain head for key. The row stays in the ordered index
// so it keeps anchoring record and next-key locks until garbage collection removes it.
func (s *Store) Delete(key []byte, txnID uint64) {
	s.put(key, nil, txnID, true)
}

func (s *Store) put(key, data []byte, txnID uint64, deleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := Version{
		Key:       append([]byte{}, key...),
		Data:      append([]byte{}, data...),
		CreatorID: txnID,
		Deleted:   deleted,
		prev:      nilVersion,
	}
	if deleted {
		version.Data = nil
	}
	if item := s.index.Get(rowItem{key: key}); item != nil {
		version.prev = item.(rowItem).head
	}
	head := s.arena.alloc(version)
	s.index.ReplaceOrInsert(rowItem{key: version.Key, head: head})
}

// ReadCurrent returns the chain head for key, bypassing snapshot visibility. Used for
// current-reads after the caller has acquired the corresponding lock. Returns
// (nil, false) if the row does not exist or its head is a tombstone.
func (s *Store) ReadCurrent(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item := s.index.Get(rowItem{key: key})
	if item == nil {
		return nil, false
	}
	head := s.arena.at(item.(rowItem).head)
	if head.Deleted {
		return nil, false
	}
	return append([]byte{}, head.Data...), true
}

// ReadVisible walks the chain from the head, returning the payload of the first
// version visible under view. Returns (nil, false) if no version is visible or the
// visible version is a tombstone: from this snapshot's perspective the row does not
// exist.
func (s *Store) ReadVisible(key []byte, view *ReadView) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item := s.index.Get(rowItem{key: key})
	if item == nil {
		return nil, false
	}
	for idx := item.(rowItem).head; idx != nilVersion; {
		version := s.arena.at(idx)
		if view.Sees(version.CreatorID) {
			if version.Deleted {
				return nil, false
			}
			return append([]byte{}, version.Data...), true
		}
		idx = version.prev
	}
	return nil, false
}

// Unwind pops every chain head created by txnID, restoring the preceding version as
// the head. Used to undo the writes of a rolled-back transaction. If the chain
// becomes empty the row is removed entirely.
func (s *Store) Unwind(key []byte, txnID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.index.Get(rowItem{key: key})
	if item == nil {
		return
	}
	head := item.(rowItem).head
	for head != nilVersion && s.arena.at(head).CreatorID == txnID {
		prev := s.arena.at(head).prev
		s.arena.release(head)
		head = prev
	}
	if head == nilVersion {
		s.index.Delete(rowItem{key: key})
		return
	}
	s.index.ReplaceOrInsert(rowItem{key: s.arena.at(head).Key, head: head})
}

// CollectGarbage truncates versions no active snapshot could need. For each chain it
// keeps every version at or above minActiveID plus the newest version below it (some
// snapshot may still need the most recent version at or before the watermark) and
// unlinks the rest from the tail. A row whose only remaining version is a tombstone
// below the watermark is removed entirely. Returns the number of versions reclaimed.
func (s *Store) CollectGarbage(minActiveID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	var deadRows [][]byte
	s.index.Ascend(func(item btree.Item) bool {
		row := item.(rowItem)
		head := s.arena.at(row.head)
		if head.CreatorID < minActiveID {
			// The head itself is below the watermark: it is the version every
			// current and future snapshot resolves to, so the rest of the chain
			// is dead. A dead tombstone head means the whole row is dead.
			reclaimed += s.truncateFrom(head)
			if head.Deleted {
				deadRows = append(deadRows, row.key)
			}
			return true
		}
		keep := head
		for keep.prev != nilVersion {
			next := s.arena.at(keep.prev)
			if next.CreatorID < minActiveID {
				keep = next
				break
			}
			keep = next
		}
		reclaimed += s.truncateFrom(keep)
		return true
	})
	for _, key := range deadRows {
		item := s.index.Get(rowItem{key: key})
		s.arena.release(item.(rowItem).head)
		s.index.Delete(rowItem{key: key})
		reclaimed++
	}
	return reclaimed
}

// truncateFrom unlinks and releases every version below keep, returning the count.
func (s *Store) truncateFrom(keep *Version) int {
	n := 0
	idx := keep.prev
	keep.prev = nilVersion
	for idx != nilVersion {
		prev := s.arena.at(idx).prev
		s.arena.release(idx)
		idx = prev
		n++
	}
	return n
}

// Exists reports whether key has an entry in the ordered index. Tombstone heads
// count: a delete-marked row still anchors locks until it is garbage collected.
func (s *Store) Exists(key []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Get(rowItem{key: key}) != nil
}

// PrevKey returns the greatest existing key strictly less than key, or (nil, false)
// if there is none. It supplies the "adjacent key" for gap decomposition.
func (s *Store) PrevKey(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []byte
	s.index.DescendLessOrEqual(rowItem{key: key}, func(item btree.Item) bool {
		k := item.(rowItem).key
		if bytes.Equal(k, key) {
			return true
		}
		found = k
		return false
	})
	if found == nil {
		return nil, false
	}
	return append([]byte{}, found...), true
}

// KeysInRange returns the existing keys in [start, end), in order. A nil end means
// unbounded above.
func (s *Store) KeysInRange(start, end []byte) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys [][]byte
	s.index.AscendGreaterOrEqual(rowItem{key: start}, func(item btree.Item) bool {
		k := item.(rowItem).key
		if end != nil && bytes.Compare(k, end) >= 0 {
			return false
		}
		keys = append(keys, append([]byte{}, k...))
		return true
	})
	return keys
}

// Len returns the number of rows in the index, tombstone heads included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// VersionCount returns the total number of live versions across all chains.
func (s *Store) VersionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	s.index.Ascend(func(item btree.Item) bool {
		n += s.arena.chainLen(item.(rowItem).head)
		return true
	})
	return n
}
