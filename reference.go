package atom

import "reflect"
import "sync"

// Reference is a single slot whose operations are indivisible with respect
// to each other. CompareAndSet never fails loudly. a false return means the
// race was lost and the slot is left untouched.
type Reference[T any] interface {
	Get() T
	Set(v T)
	GetAndSet(v T) T
	CompareAndSet(expected T, new T) bool
}

type EqualFunc[T any] func(a T, b T) bool

// Ref is a lock-based reference that can hold a value of any type.
// The zero value holds the zero value of T and is ready for use.
type Ref[T any] struct {
	mtx sync.Mutex
	val T
	eq  EqualFunc[T]
}

// NewRef compares values with ==. an interface type holding a slice, map
// or func falls back to reflect.DeepEqual instead of panicking.
func NewRef[T comparable](v T) *Ref[T] {
	return &Ref[T]{val: v}
}

func NewRefFunc[T any](v T, eq EqualFunc[T]) *Ref[T] {
	return &Ref[T]{val: v, eq: eq}
}

// NewRefDeep compares values with reflect.DeepEqual. use it for slices,
// maps and structs holding them where identity comparison is meaningless.
func NewRefDeep[T any](v T) *Ref[T] {
	return &Ref[T]{val: v, eq: func(a T, b T) bool { return reflect.DeepEqual(a, b) }}
}

func (r *Ref[T]) Get() T {
	var v T
	r.mtx.Lock()
	v = r.val
	r.mtx.Unlock()
	return v
}

func (r *Ref[T]) Set(v T) {
	r.mtx.Lock()
	r.val = v
	r.mtx.Unlock()
}

func (r *Ref[T]) GetAndSet(v T) T {
	var old T
	r.mtx.Lock()
	old = r.val
	r.val = v
	r.mtx.Unlock()
	return old
}

func (r *Ref[T]) CompareAndSet(expected T, new T) bool {
	// a busy lock is reported the same way as a lost race.
	if !r.mtx.TryLock() { return false }
	if !r.equal(r.val, expected) {
		r.mtx.Unlock()
		return false
	}
	r.val = new
	r.mtx.Unlock()
	return true
}

func (r *Ref[T]) equal(a T, b T) bool {
	if r.eq != nil { return r.eq(a, b) }
	return default_equal(a, b)
}

func default_equal[T any](a T, b T) (eq bool) {
	var av interface{}
	var bv interface{}

	av = a
	bv = b
	if av == nil || bv == nil { return av == bv }

	if reflect.TypeOf(av).Comparable() && reflect.TypeOf(bv).Comparable() {
		// a comparable struct may still hold an incomparable value
		// in an interface field. == panics in that case.
		defer func() {
			if recover() != nil { eq = reflect.DeepEqual(av, bv) }
		}()
		return av == bv
	}

	return reflect.DeepEqual(av, bv)
}
