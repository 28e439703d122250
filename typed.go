package ringq

import (
	"fmt"
	"unsafe"
)

// TypedRing layers fixed-size record semantics over the same reserve/commit
// protocol ByteRing uses, coordinating reservations over record slots
// instead of bytes. Records are stored in a dedicated []T slice rather than
// reinterpreted out of a byte buffer, so the garbage collector always sees
// every live reference a record holds, and every slot is naturally aligned
// for T.
//
// Go has no user-defined destructors, so the "run T's destructor on
// residual records" responsibility spec'd for the typed layer is
// implemented as: zero the slot (dropping any references it holds, so the
// garbage collector can reclaim them) and, at teardown, return the residual
// values to the caller via Close.
type TypedRing[T any] struct {
	ring  *ByteRing
	slots []T
}

// NewTypedRing constructs a TypedRing with a fixed record capacity. T must
// have non-zero size.
func NewTypedRing[T any](capacityRecords uint64) (*TypedRing[T], error) {
	var zero T
	if unsafe.Sizeof(zero) == 0 {
		return nil, fmt.Errorf("ringq: record type has zero size")
	}

	ring, err := NewByteRing(capacityRecords)
	if err != nil {
		return nil, err
	}

	return &TypedRing[T]{ring: ring, slots: make([]T, capacityRecords)}, nil
}

// Size returns the number of committed, not-yet-reserved records.
func (t *TypedRing[T]) Size() uint64 {
	return t.ring.Size()
}

// Capacity returns the fixed record capacity.
func (t *TypedRing[T]) Capacity() uint64 {
	return t.ring.Capacity()
}

// Stats exposes the underlying ring's reservation diagnostics.
func (t *TypedRing[T]) Stats() ByteRingStats {
	return t.ring.Stats()
}

// Write busy-spins until a record slot is reserved, then places v into it.
func (t *TypedRing[T]) Write(v T) {
	slot := t.ring.acquireWriteBlock(1)
	t.slots[slot] = v
	t.ring.releaseWriteBlock(slot, 1)
}

// TryWrite is the non-blocking counterpart of Write.
func (t *TypedRing[T]) TryWrite(v T) bool {
	slot, ok := t.ring.tryAcquireWriteBlock(1)
	if !ok {
		return false
	}
	t.slots[slot] = v
	t.ring.releaseWriteBlock(slot, 1)
	return true
}

// Read busy-spins until a committed record is reserved, then moves it out
// of the ring, zeroing the vacated slot.
func (t *TypedRing[T]) Read() T {
	slot := t.ring.acquireReadBlock(1)
	out := t.take(slot)
	t.ring.releaseReadBlock(slot, 1)
	return out
}

// TryRead is the non-blocking counterpart of Read.
func (t *TypedRing[T]) TryRead() (T, bool) {
	slot, ok := t.ring.tryAcquireReadBlock(1)
	if !ok {
		var zero T
		return zero, false
	}
	out := t.take(slot)
	t.ring.releaseReadBlock(slot, 1)
	return out, true
}

// Move transfers ownership of the underlying ring and slot storage to a
// newly returned TypedRing and nulls the receiver, per the same contract as
// ByteRing.Move.
func (t *TypedRing[T]) Move() *TypedRing[T] {
	out := &TypedRing[T]{
		ring:  t.ring.Move(),
		slots: t.slots,
	}
	t.slots = nil
	return out
}

// Close drains every residual committed record between rptr and wptr,
// zeroing each slot as it goes, and returns them to the caller for
// finalization. Close assumes single-threaded access, exactly as the
// underlying ring's destruction contract requires.
func (t *TypedRing[T]) Close() []T {
	k := t.ring.used.Load()
	if k <= 0 {
		return nil
	}

	start := t.ring.rptr.Load()
	end := t.ring.wptr.Load()

	residual := make([]T, 0, k)
	pos := start
	for i := int64(0); i < k; i++ {
		residual = append(residual, t.take(pos))
		pos = normalize(pos+1, t.ring.capacity)
	}

	t.ring.rptr.Store(end)
	t.ring.rbuf.Store(end)
	t.ring.used.Store(0)
	t.ring.free.Store(int64(t.ring.capacity))

	return residual
}

// take reads the record at the given slot and zeroes it, dropping any
// references the record held.
func (t *TypedRing[T]) take(slot uint64) T {
	out := t.slots[slot]
	var zero T
	t.slots[slot] = zero
	return out
}
