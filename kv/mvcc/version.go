package mvcc

// nilVersion marks the end of a version chain.
const nilVersion = -1

// Version is one physical state of a logical row at a point in time. Versions for a
// key form a singly linked chain ordered by CreatorID, newest first. A version is
// never mutated once created; the chain only grows at the head and is truncated at
// the tail by garbage collection.
type Version struct {
	// Key is the logical row identity.
	Key []byte
	// Data is the row payload, opaque to this package. Nil for tombstones.
	Data []byte
	// CreatorID is the id of the transaction that produced this version.
	CreatorID uint64
	// Deleted marks this version as a logical delete of the row.
	Deleted bool

	// prev is the arena index of the immediately preceding version, nilVersion at
	// the chain tail. Set once at creation.
	prev int
}

// arena stores version nodes in a growable slice and addresses chain links by index
// rather than by pointer, so truncated nodes can be reused without dangling-pointer
// hazards. Slot reuse is tracked with a free list.
type arena struct {
	nodes []Version
	free  []int
}

func (a *arena) alloc(v Version) int {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.nodes[idx] = v
		return idx
	}
	a.nodes = append(a.nodes, v)
	return len(a.nodes) - 1
}

func (a *arena) at(idx int) *Version {
	return &a.nodes[idx]
}

// release returns a node's slot to the free list. The caller must have unlinked the
// node from every chain first.
func (a *arena) release(idx int) {
	a.nodes[idx] = Version{prev: nilVersion}
	a.free = append(a.free, idx)
}

// chainLen counts the versions reachable from head, including head itself.
func (a *arena) chainLen(head int) int {
	n := 0
	for idx := head; idx != nilVersion; idx = a.nodes[idx].prev {
		n++
	}
	return n
}
