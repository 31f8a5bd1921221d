package atom

import "sync/atomic"
import "unsafe"

import "golang.org/x/exp/constraints"

// Word is a lock-free reference for integer values up to 64 bits wide.
// Load, store, swap and compare-and-set map to single native atomic
// instructions. The zero value holds 0.
type Word[T constraints.Integer] struct {
	v atomic.Uint64
}

func NewWord[T constraints.Integer](v T) *Word[T] {
	var w Word[T]
	w.v.Store(uint64(v))
	return &w
}

func (w *Word[T]) Get() T {
	return T(w.v.Load())
}

func (w *Word[T]) Set(v T) {
	w.v.Store(uint64(v))
}

func (w *Word[T]) GetAndSet(v T) T {
	return T(w.v.Swap(uint64(v)))
}

func (w *Word[T]) CompareAndSet(expected T, new T) bool {
	return w.v.CompareAndSwap(uint64(expected), uint64(new))
}

// Add adds delta and returns the new value. narrower types wrap around
// the same way plain arithmetic on T does.
func (w *Word[T]) Add(delta T) T {
	var n uint64
	if word_is_full_width[T]() {
		return T(w.v.Add(uint64(delta)))
	}
	for {
		var o uint64
		o = w.v.Load()
		n = uint64(T(o) + delta)
		if w.v.CompareAndSwap(o, n) { return T(n) }
	}
}

func (w *Word[T]) Sub(delta T) T {
	var n uint64
	if word_is_full_width[T]() {
		return T(w.v.Add(^(uint64(delta) - 1)))
	}
	for {
		var o uint64
		o = w.v.Load()
		n = uint64(T(o) - delta)
		if w.v.CompareAndSwap(o, n) { return T(n) }
	}
}

// word_is_full_width tells if T occupies all 64 bits of the slot. for
// narrower types a plain 64-bit add would carry into the unused upper bits
// and break the equality CompareAndSet relies on.
func word_is_full_width[T constraints.Integer]() bool {
	var x T
	return unsafe.Sizeof(x) == 8
}
