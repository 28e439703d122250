package ringq

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
)

// cacheLine is used purely as a padding size between independently
// contended groups of fields, to avoid false sharing between the
// read-side pair, the write-side pair, and the used/free counters.
const cacheLine = 64

// ByteRing is a fixed-capacity, lock-free, multi-producer multi-consumer
// circular byte buffer. Producers append opaque byte blocks with Write or
// TryWrite; consumers remove them in FIFO order with Read or TryRead.
//
// All synchronization is done with atomics; there is no internal mutex and
// no blocking kernel primitive. Blocking operations busy-spin.
type ByteRing struct {
	buf      []byte
	capacity uint64

	_ [cacheLine]byte

	// used and free are signed: multiple racing reservations on the same
	// side may transiently drive either counter negative before exactly
	// one of them wins its compare-exchange. Both converge back to a
	// non-negative quiescent value once in-flight operations complete.
	used atomic.Int64
	free atomic.Int64

	_ [cacheLine]byte

	// rbuf/rptr: the read-side pair. rptr is the commit pointer readers
	// race to advance via compare-exchange; rbuf is the watermark a
	// reader retires strictly in reservation order during Phase C.
	rbuf atomic.Uint64
	rptr atomic.Uint64

	_ [cacheLine]byte

	// wptr/wbuf: the write-side pair, symmetric to rbuf/rptr.
	wptr atomic.Uint64
	wbuf atomic.Uint64

	_ [cacheLine]byte

	writeAttempts         atomic.Uint64
	writeCASRetries       atomic.Uint64
	writeCapacityFailures atomic.Uint64
	readAttempts          atomic.Uint64
	readCASRetries        atomic.Uint64
	readCapacityFailures  atomic.Uint64
}

// ByteRingStats is a best-effort, non-blocking snapshot of reservation
// activity. It never participates in the reserve/commit protocol.
type ByteRingStats struct {
	WriteAttempts         uint64
	WriteCASRetries       uint64
	WriteCapacityFailures uint64
	ReadAttempts          uint64
	ReadCASRetries        uint64
	ReadCapacityFailures  uint64
}

// NewByteRing constructs a ring with a fixed byte capacity. Capacity may be
// zero: TryWrite and TryRead degenerate to always returning false, while
// Size and Capacity report zero; Write and Read retain their documented
// undefined-behaviour contract for operations no capacity could ever
// satisfy, and so still panic.
//
// NewByteRing returns an error rather than panicking if the backing buffer
// cannot be allocated at the requested size; a genuine process-wide
// out-of-memory condition is still unrecoverable, as it is for any Go
// allocation.
func NewByteRing(capacity uint64) (ring *ByteRing, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ring = nil
			err = fmt.Errorf("ringq: allocate ring buffer of %d bytes: %v", capacity, rec)
		}
	}()

	r := &ByteRing{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
	r.free.Store(int64(capacity))
	return r, nil
}

// Size returns a best-effort snapshot of the number of readable bytes,
// clamped to zero if the underlying counter is transiently negative.
func (r *ByteRing) Size() uint64 {
	u := r.used.Load()
	if u < 0 {
		return 0
	}
	return uint64(u)
}

// Capacity returns the immutable byte capacity.
func (r *ByteRing) Capacity() uint64 {
	return r.capacity
}

// Stats returns a snapshot of the ring's reservation diagnostics.
func (r *ByteRing) Stats() ByteRingStats {
	return ByteRingStats{
		WriteAttempts:         r.writeAttempts.Load(),
		WriteCASRetries:       r.writeCASRetries.Load(),
		WriteCapacityFailures: r.writeCapacityFailures.Load(),
		ReadAttempts:          r.readAttempts.Load(),
		ReadCASRetries:        r.readCASRetries.Load(),
		ReadCapacityFailures:  r.readCapacityFailures.Load(),
	}
}

// Move transfers ownership of the backing buffer and all marker/counter
// state to a newly returned ByteRing, then nulls the receiver so a stray
// call on the moved-from value degenerates instead of aliasing memory
// with the new owner. Callers must ensure no concurrent operation is in
// flight on either ring during the move.
func (r *ByteRing) Move() *ByteRing {
	out := &ByteRing{
		buf:      r.buf,
		capacity: r.capacity,
	}
	out.used.Store(r.used.Load())
	out.free.Store(r.free.Load())
	out.rbuf.Store(r.rbuf.Load())
	out.rptr.Store(r.rptr.Load())
	out.wptr.Store(r.wptr.Load())
	out.wbuf.Store(r.wbuf.Load())

	r.buf = nil
	r.capacity = 0
	r.used.Store(0)
	r.free.Store(0)
	r.rbuf.Store(0)
	r.rptr.Store(0)
	r.wptr.Store(0)
	r.wbuf.Store(0)

	return out
}

// checkLen enforces the blocking operations' precondition: n must be
// nonzero and fit within capacity. A zero-capacity ring therefore panics
// any blocking Write/Read, since neither could ever observe enough space;
// this is the documented "undefined behaviour" contract violation, not the
// degenerate-ring contract (that applies only to the try-variants).
func checkLen(n, capacity uint64) {
	if n == 0 {
		panic("ringq: zero-length operation")
	}
	if n > capacity {
		panic("ringq: operation length exceeds ring capacity")
	}
}

// checkTryLen enforces the non-blocking operations' precondition. Unlike
// checkLen, n > capacity (including capacity == 0) is not a precondition
// violation here: it is simply unreservable, and tryAcquireWriteBlock/
// tryAcquireReadBlock already report that as an ordinary capacity failure,
// so a zero-capacity ring's try-variants degenerate to "always false"
// rather than panicking.
func checkTryLen(n uint64) {
	if n == 0 {
		panic("ringq: zero-length operation")
	}
}

// normalize wraps a position expressed in the virtual range [0, 2*capacity)
// back into [0, capacity). Every reservation advances a marker by at most
// capacity, so a single subtraction suffices.
func normalize(p, capacity uint64) uint64 {
	if p < capacity {
		return p
	}
	return p - capacity
}

// Write copies len(p) bytes into the ring in FIFO order, busy-spinning
// until enough free space is observed. Behavior is undefined if len(p) is
// zero or exceeds Capacity(); this implementation panics on that
// precondition violation rather than corrupting ring state.
func (r *ByteRing) Write(p []byte) {
	n := uint64(len(p))
	checkLen(n, r.capacity)
	block := r.acquireWriteBlock(n)
	r.copyIn(block, p, n)
	r.releaseWriteBlock(block, n)
}

// Read copies len(p) bytes out of the ring in FIFO order, busy-spinning
// until enough readable data is observed.
func (r *ByteRing) Read(p []byte) {
	n := uint64(len(p))
	checkLen(n, r.capacity)
	block := r.acquireReadBlock(n)
	r.copyOut(block, p, n)
	r.releaseReadBlock(block, n)
}

// TryWrite attempts a non-blocking write. It returns false without
// modifying the ring if its sample of free space indicates insufficient
// room; a false return does not prove the ring lacked room at every
// instant, only that this call observed so. len(p) > Capacity() (including
// a zero-capacity ring) is just the largest such case and also returns
// false rather than panicking, since it is never reservable.
func (r *ByteRing) TryWrite(p []byte) bool {
	n := uint64(len(p))
	checkTryLen(n)
	block, ok := r.tryAcquireWriteBlock(n)
	if !ok {
		return false
	}
	r.copyIn(block, p, n)
	r.releaseWriteBlock(block, n)
	return true
}

// TryRead attempts a non-blocking read, symmetric to TryWrite.
func (r *ByteRing) TryRead(p []byte) bool {
	n := uint64(len(p))
	checkTryLen(n)
	block, ok := r.tryAcquireReadBlock(n)
	if !ok {
		return false
	}
	r.copyOut(block, p, n)
	r.releaseReadBlock(block, n)
	return true
}

// WriteContext behaves like Write, but aborts with ctx.Err() if ctx is
// done before this operation's reservation compare-exchange succeeds. Once
// the compare-exchange has succeeded the reservation is committed and
// cannot be abandoned: WriteContext always completes Phase B/C for a block
// it has already reserved, per the cancellation contract in the package's
// design notes.
func (r *ByteRing) WriteContext(ctx context.Context, p []byte) error {
	n := uint64(len(p))
	checkLen(n, r.capacity)
	block, err := r.acquireWriteBlockContext(ctx, n)
	if err != nil {
		return err
	}
	r.copyIn(block, p, n)
	r.releaseWriteBlock(block, n)
	return nil
}

// ReadContext is the read-side counterpart of WriteContext.
func (r *ByteRing) ReadContext(ctx context.Context, p []byte) error {
	n := uint64(len(p))
	checkLen(n, r.capacity)
	block, err := r.acquireReadBlockContext(ctx, n)
	if err != nil {
		return err
	}
	r.copyOut(block, p, n)
	r.releaseReadBlock(block, n)
	return nil
}

// acquireWriteBlock is Phase A for a blocking write: reserve a length-n
// block starting at the current wbuf, spinning until enough free space is
// observed and retrying the whole reservation if another writer's
// compare-exchange wins the race first.
func (r *ByteRing) acquireWriteBlock(n uint64) uint64 {
	r.writeAttempts.Add(1)
	for {
		old := r.wbuf.Load()
		for r.free.Load() < int64(n) {
			runtime.Gosched()
		}

		neu := normalize(old+n, r.capacity)
		r.free.Add(-int64(n))
		if r.wbuf.CompareAndSwap(old, neu) {
			return old
		}
		r.free.Add(int64(n))
		r.writeCASRetries.Add(1)
	}
}

// tryAcquireWriteBlock is Phase A for a non-blocking write. It fails
// immediately if its single sample of free space is insufficient, but
// still retries on ownership conflicts (a losing compare-exchange), which
// are not capacity failures.
func (r *ByteRing) tryAcquireWriteBlock(n uint64) (uint64, bool) {
	r.writeAttempts.Add(1)
	for {
		old := r.wbuf.Load()
		if r.free.Load() < int64(n) {
			r.writeCapacityFailures.Add(1)
			return 0, false
		}

		neu := normalize(old+n, r.capacity)
		r.free.Add(-int64(n))
		if r.wbuf.CompareAndSwap(old, neu) {
			return old, true
		}
		r.free.Add(int64(n))
		r.writeCASRetries.Add(1)
	}
}

// acquireWriteBlockContext is acquireWriteBlock with a cancellation check
// at the top of every retry and inside the free-space spin. Once a
// compare-exchange succeeds it is never undone; the reservation is always
// returned to its caller to carry through Phase B/C.
func (r *ByteRing) acquireWriteBlockContext(ctx context.Context, n uint64) (uint64, error) {
	r.writeAttempts.Add(1)
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		old := r.wbuf.Load()
		for r.free.Load() < int64(n) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
				runtime.Gosched()
			}
		}

		neu := normalize(old+n, r.capacity)
		r.free.Add(-int64(n))
		if r.wbuf.CompareAndSwap(old, neu) {
			return old, nil
		}
		r.free.Add(int64(n))
		r.writeCASRetries.Add(1)
	}
}

// acquireReadBlock is the read-side mirror of acquireWriteBlock.
func (r *ByteRing) acquireReadBlock(n uint64) uint64 {
	r.readAttempts.Add(1)
	for {
		old := r.rptr.Load()
		for r.used.Load() < int64(n) {
			runtime.Gosched()
		}

		neu := normalize(old+n, r.capacity)
		r.used.Add(-int64(n))
		if r.rptr.CompareAndSwap(old, neu) {
			return old
		}
		r.used.Add(int64(n))
		r.readCASRetries.Add(1)
	}
}

// tryAcquireReadBlock is the read-side mirror of tryAcquireWriteBlock.
func (r *ByteRing) tryAcquireReadBlock(n uint64) (uint64, bool) {
	r.readAttempts.Add(1)
	for {
		old := r.rptr.Load()
		if r.used.Load() < int64(n) {
			r.readCapacityFailures.Add(1)
			return 0, false
		}

		neu := normalize(old+n, r.capacity)
		r.used.Add(-int64(n))
		if r.rptr.CompareAndSwap(old, neu) {
			return old, true
		}
		r.used.Add(int64(n))
		r.readCASRetries.Add(1)
	}
}

// acquireReadBlockContext is the read-side mirror of acquireWriteBlockContext.
func (r *ByteRing) acquireReadBlockContext(ctx context.Context, n uint64) (uint64, error) {
	r.readAttempts.Add(1)
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		old := r.rptr.Load()
		for r.used.Load() < int64(n) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
				runtime.Gosched()
			}
		}

		neu := normalize(old+n, r.capacity)
		r.used.Add(-int64(n))
		if r.rptr.CompareAndSwap(old, neu) {
			return old, nil
		}
		r.used.Add(int64(n))
		r.readCASRetries.Add(1)
	}
}

// copyIn is Phase B for writes: transfer n bytes from p into the
// exclusively-reserved block starting at position block, splitting into
// two contiguous runs if the block straddles the end/beg seam.
func (r *ByteRing) copyIn(block uint64, p []byte, n uint64) {
	if block+n <= r.capacity {
		copy(r.buf[block:block+n], p)
		return
	}
	first := r.capacity - block
	copy(r.buf[block:r.capacity], p[:first])
	copy(r.buf[0:n-first], p[first:])
}

// copyOut is Phase B for reads, symmetric to copyIn.
func (r *ByteRing) copyOut(block uint64, p []byte, n uint64) {
	if block+n <= r.capacity {
		copy(p, r.buf[block:block+n])
		return
	}
	first := r.capacity - block
	copy(p[:first], r.buf[block:r.capacity])
	copy(p[first:], r.buf[0:n-first])
}

// releaseWriteBlock is Phase C for writes: wait for wptr to reach this
// operation's reservation origin (retiring watermarks strictly in
// reservation order), then advance it and credit the read side's counter.
func (r *ByteRing) releaseWriteBlock(old, n uint64) {
	neu := normalize(old+n, r.capacity)
	for r.wptr.Load() != old {
		runtime.Gosched()
	}
	r.wptr.Store(neu)
	r.used.Add(int64(n))
}

// releaseReadBlock is Phase C for reads, symmetric to releaseWriteBlock.
func (r *ByteRing) releaseReadBlock(old, n uint64) {
	neu := normalize(old+n, r.capacity)
	for r.rbuf.Load() != old {
		runtime.Gosched()
	}
	r.rbuf.Store(neu)
	r.free.Add(int64(n))
}
