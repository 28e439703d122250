// Package ringq implements a bounded, in-memory, lock-free ring queue.
//
// ByteRing is a fixed-capacity circular byte buffer supporting multiple
// concurrent producers and consumers through a reserve/commit protocol
// built on four atomic positional markers and two signed atomic counters.
// TypedRing[T] layers fixed-size record semantics on top of a ByteRing.
package ringq
