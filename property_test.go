package ringq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"
	"go.uber.org/goleak"
)

// P1: at quiescence, used+free == capacity, and both are within [0, capacity].
func TestPropertyP1ConservationAfterQuiescence(t *testing.T) {
	var rng fastrand.RNG
	for trial := 0; trial < 200; trial++ {
		capacity := uint64(rng.Uint32n(512)) + 1
		r, err := NewByteRing(capacity)
		require.NoError(t, err)

		ops := int(rng.Uint32n(64))
		for i := 0; i < ops; i++ {
			n := uint64(rng.Uint32n(uint32(capacity))) + 1
			if rng.Uint32n(2) == 0 {
				r.TryWrite(make([]byte, n))
			} else {
				r.TryRead(make([]byte, n))
			}
		}

		used := r.used.Load()
		free := r.free.Load()
		require.GreaterOrEqual(t, used, int64(0))
		require.GreaterOrEqual(t, free, int64(0))
		require.Equal(t, int64(capacity), used+free)
	}
}

// P2: concurrent writers each stamp a block with a marker derived from
// their identity and sequence number; if two reservations ever overlapped
// physically, a reader would observe a block with inconsistent bytes. This
// is a property test, not a formal proof, but any byte-level overlap
// reliably produces a detectable inconsistency under repeated randomized
// interleavings.
func TestPropertyP2NoOverlapCanary(t *testing.T) {
	defer goleak.VerifyNone(t)

	const (
		capacity    = 128
		blockSize   = 16
		producers   = 6
		perProducer = 4000
		total       = producers * perProducer
	)

	r, err := NewByteRing(capacity)
	require.NoError(t, err)

	var produced sync.WaitGroup
	produced.Add(producers)
	for p := 0; p < producers; p++ {
		go func(id int) {
			defer produced.Done()
			block := make([]byte, blockSize)
			for seq := 0; seq < perProducer; seq++ {
				marker := byte(id*37 + seq)
				for i := range block {
					block[i] = marker
				}
				r.Write(block)
			}
		}(p)
	}

	var mismatches int
	var consumed sync.WaitGroup
	consumed.Add(1)
	go func() {
		defer consumed.Done()
		block := make([]byte, blockSize)
		for i := 0; i < total; i++ {
			r.Read(block)
			marker := block[0]
			for _, b := range block {
				if b != marker {
					mismatches++
					break
				}
			}
		}
	}()

	produced.Wait()
	consumed.Wait()
	require.Zero(t, mismatches, "observed a torn/overlapping block")
}

// P3: single producer, single consumer, distinct variably-sized blocks must
// be received in exactly the order they were sent.
func TestPropertyP3FIFOWithVariableSizes(t *testing.T) {
	var rng fastrand.RNG
	const capacity = 256

	r, err := NewByteRing(capacity)
	require.NoError(t, err)

	const k = 500
	blocks := make([][]byte, k)
	for i := range blocks {
		n := rng.Uint32n(capacity/4) + 1
		b := make([]byte, n)
		for j := range b {
			b[j] = byte(i + j)
		}
		blocks[i] = b
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, b := range blocks {
			r.Write(b)
		}
	}()

	for i, b := range blocks {
		out := make([]byte, len(b))
		r.Read(out)
		require.Equalf(t, b, out, "block %d out of order or corrupted", i)
	}
	wg.Wait()
}

// P4: with many concurrent producers and consumers, the multiset of tags
// ever consumed equals the multiset ever produced.
func TestPropertyP4MultiProducerMultiConsumerPreservation(t *testing.T) {
	defer goleak.VerifyNone(t)

	var rng fastrand.RNG
	for trial := 0; trial < 5; trial++ {
		capacity := uint64(rng.Uint32n(48)) + 16
		producers := int(rng.Uint32n(6)) + 2
		consumers := int(rng.Uint32n(6)) + 2
		perProducer := 300
		total := producers * perProducer

		r, err := NewByteRing(capacity)
		require.NoError(t, err)

		var produced sync.WaitGroup
		produced.Add(producers)
		for p := 0; p < producers; p++ {
			go func(id int) {
				defer produced.Done()
				var tag [8]byte
				for i := 0; i < perProducer; i++ {
					putUint64(tag[:], uint64(id)*uint64(perProducer)+uint64(i))
					r.Write(tag[:])
				}
			}(p)
		}

		seen := make([]int32, total)
		var mu sync.Mutex
		remaining := total
		var consumed sync.WaitGroup
		consumed.Add(consumers)
		for c := 0; c < consumers; c++ {
			go func() {
				defer consumed.Done()
				var tag [8]byte
				for {
					mu.Lock()
					if remaining <= 0 {
						mu.Unlock()
						return
					}
					mu.Unlock()

					if !r.TryRead(tag[:]) {
						continue
					}
					id := getUint64(tag[:])
					seen[id]++
					mu.Lock()
					remaining--
					mu.Unlock()
				}
			}()
		}

		produced.Wait()
		consumed.Wait()

		for i, v := range seen {
			require.Equalf(t, int32(1), v, "trial %d: tag %d seen %d times", trial, i, v)
		}
	}
}

// P5: a write whose arc straddles the end/beg seam round-trips unchanged,
// for a range of capacities and pre-fill offsets.
func TestPropertyP5WrapCorrectness(t *testing.T) {
	var rng fastrand.RNG
	for trial := 0; trial < 200; trial++ {
		capacity := rng.Uint32n(32) + 2
		r, err := NewByteRing(uint64(capacity))
		require.NoError(t, err)

		// advance the ring's pointers by a random offset so the next
		// operation lands at an arbitrary position, possibly at the seam.
		offset := rng.Uint32n(capacity)
		if offset > 0 {
			r.Write(make([]byte, offset))
			r.Read(make([]byte, offset))
		}

		n := rng.Uint32n(capacity) + 1
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i + 1)
		}

		r.Write(payload)
		out := make([]byte, n)
		r.Read(out)
		require.Equalf(t, payload, out, "trial %d: capacity=%d offset=%d n=%d", trial, capacity, offset, n)
	}
}

// P6: a failing try-variant leaves size() and markers unchanged.
func TestPropertyP6TryVariantLeavesStateUnchanged(t *testing.T) {
	var rng fastrand.RNG
	for trial := 0; trial < 200; trial++ {
		capacity := rng.Uint32n(64) + 1
		r, err := NewByteRing(uint64(capacity))
		require.NoError(t, err)

		// put some data in, short of capacity, so both try_read and
		// try_write have a chance to fail against a nonzero baseline.
		fill := rng.Uint32n(capacity)
		if fill > 0 {
			r.Write(make([]byte, fill))
		}

		beforeSize := r.Size()
		beforeRptr := r.rptr.Load()
		beforeWptr := r.wptr.Load()

		freeSpace := uint64(capacity) - uint64(fill)
		if freeSpace < uint64(capacity) {
			tooBigWrite := freeSpace + 1
			if r.TryWrite(make([]byte, tooBigWrite)) {
				t.Fatalf("trial %d: TryWrite(%d) with only %d bytes free unexpectedly succeeded", trial, tooBigWrite, freeSpace)
			}
		}

		tooBigRead := uint64(fill) + 1
		if r.TryRead(make([]byte, tooBigRead)) {
			t.Fatalf("trial %d: TryRead(%d) with only %d bytes available unexpectedly succeeded", trial, tooBigRead, fill)
		}

		require.Equal(t, beforeSize, r.Size())
		require.Equal(t, beforeRptr, r.rptr.Load())
		require.Equal(t, beforeWptr, r.wptr.Load())
	}
}

// P7: closing a TypedRing containing k residual records yields exactly k
// values, for randomized push/pop counts.
func TestPropertyP7TypedDestructorCoverage(t *testing.T) {
	var rng fastrand.RNG
	for trial := 0; trial < 100; trial++ {
		capacity := uint64(rng.Uint32n(64)) + 1
		r, err := NewTypedRing[int](capacity)
		require.NoError(t, err)

		pushed := rng.Uint32n(uint32(capacity) + 1)
		for i := uint32(0); i < pushed; i++ {
			require.True(t, r.TryWrite(int(i)))
		}

		var popped uint32
		if pushed > 0 {
			popped = rng.Uint32n(pushed + 1)
		}
		for i := uint32(0); i < popped; i++ {
			_, ok := r.TryRead()
			require.True(t, ok)
		}

		residual := r.Close()
		require.Equal(t, int(pushed-popped), len(residual))
	}
}
