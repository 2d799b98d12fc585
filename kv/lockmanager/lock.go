package lockmanager

import (
	"bytes"
	"fmt"
)

// Mode is the access mode of a lock request.
type Mode int

const (
	// Shared allows other Shared locks on the same record.
	Shared Mode = iota
	// Exclusive excludes every other lock on the same record.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// TargetKind distinguishes what part of the key space a lock covers.
type TargetKind int

const (
	// Record locks an exact key.
	Record TargetKind = iota
	// Gap locks the open interval between two adjacent existing keys. Gap locks of
	// any mode are mutually compatible; they conflict only with insertion intent
	// inside the interval.
	Gap
	// NextKey locks a key plus the gap immediately preceding it. Acquired as one
	// indivisible unit, but decomposed into its record and gap components for
	// compatibility checks.
	NextKey
	// InsertIntention declares the intent to insert at a key. Incompatible with any
	// gap covering the insertion point, compatible with other insert intentions.
	InsertIntention
)

func (k TargetKind) String() string {
	switch k {
	case Record:
		return "record"
	case Gap:
		return "gap"
	case NextKey:
		return "next-key"
	case InsertIntention:
		return "insert-intention"
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// Target identifies the key or key-range a lock covers.
//
// Key is the record key for Record and NextKey targets and the insertion point for
// InsertIntention targets. GapStart/GapEnd bound the open interval for Gap and
// NextKey targets; nil means unbounded at that end. For a NextKey target the gap is
// the interval immediately preceding Key, so GapEnd equals Key.
type Target struct {
	Kind     TargetKind
	Key      []byte
	GapStart []byte
	GapEnd   []byte
}

// RecordTarget locks exactly key.
func RecordTarget(key []byte) Target {
	return Target{Kind: Record, Key: key}
}

// GapTarget locks the open interval (start, end). Nil bounds are unbounded.
func GapTarget(start, end []byte) Target {
	return Target{Kind: Gap, GapStart: start, GapEnd: end}
}

// NextKeyTarget locks key plus the gap (prev, key) preceding it. A nil prev means the
// gap is unbounded below.
func NextKeyTarget(prev, key []byte) Target {
	return Target{Kind: NextKey, Key: key, GapStart: prev, GapEnd: key}
}

// InsertIntentionTarget declares intent to insert at key.
func InsertIntentionTarget(key []byte) Target {
	return Target{Kind: InsertIntention, Key: key}
}

func (t Target) String() string {
	switch t.Kind {
	case Gap:
		return fmt.Sprintf("gap(%q,%q)", t.GapStart, t.GapEnd)
	case NextKey:
		return fmt.Sprintf("next-key(%q,%q]", t.GapStart, t.Key)
	default:
		return fmt.Sprintf("%s(%q)", t.Kind, t.Key)
	}
}

// recordKey returns the record component of the target, if it has one.
func (t Target) recordKey() ([]byte, bool) {
	switch t.Kind {
	case Record, NextKey:
		return t.Key, true
	}
	return nil, false
}

// gap returns the open-interval component of the target, if it has one.
func (t Target) gap() (start, end []byte, ok bool) {
	switch t.Kind {
	case Gap, NextKey:
		return t.GapStart, t.GapEnd, true
	}
	return nil, nil, false
}

// gapContains reports whether key falls strictly inside the open interval
// (start, end), treating nil bounds as unbounded.
func gapContains(start, end, key []byte) bool {
	if start != nil && bytes.Compare(key, start) <= 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}

// Lock is a granted lock held by a transaction.
type Lock struct {
	Target Target
	Mode   Mode
	TxnID  uint64
}

// covers reports whether this held lock already satisfies a request for target in
// mode, so a holder re-requesting it is granted without queueing. An Exclusive hold
// covers a Shared request on the same target; the reverse is an upgrade, not a
// re-acquisition.
func (l *Lock) covers(target Target, mode Mode) bool {
	if l.Target.Kind != target.Kind {
		return false
	}
	if !bytes.Equal(l.Target.Key, target.Key) ||
		!bytes.Equal(l.Target.GapStart, target.GapStart) ||
		!bytes.Equal(l.Target.GapEnd, target.GapEnd) {
		return false
	}
	return l.Mode == Exclusive || l.Mode == mode
}

// conflicts reports whether a granted lock blocks a request from txnID for target in
// mode. A transaction never conflicts with its own locks.
//
// The compatibility rules, component by component:
//
//   - record vs record on the same key: only Shared/Shared is compatible.
//   - gap vs gap: always compatible, regardless of mode.
//   - gap vs record, record vs gap: compatible (a gap does not cover its bounds).
//   - insert intention vs a gap containing the insertion point: incompatible.
//   - insert intention vs insert intention or record: compatible.
func (l *Lock) conflicts(txnID uint64, target Target, mode Mode) bool {
	if l.TxnID == txnID {
		return false
	}

	// Insertion intent blocks on any held gap covering the insertion point.
	if target.Kind == InsertIntention {
		if start, end, ok := l.Target.gap(); ok {
			return gapContains(start, end, target.Key)
		}
		return false
	}
	// Held insert intentions never block anything; they only ever wait.
	if l.Target.Kind == InsertIntention {
		return false
	}

	heldKey, heldOK := l.Target.recordKey()
	reqKey, reqOK := target.recordKey()
	if heldOK && reqOK && bytes.Equal(heldKey, reqKey) {
		return l.Mode == Exclusive || mode == Exclusive
	}
	return false
}
