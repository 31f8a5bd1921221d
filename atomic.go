package atom

import "sync/atomic"

// an Update call that keeps losing is reported once every this many retries
const UPDATE_SPIN_WARN_INTERVAL int = 10000

type AtomicStats struct {
	CasAttempts   int64 `json:"cas-attempts"`
	LostRaces     int64 `json:"lost-races"`
	UpdateRetries int64 `json:"update-retries"`
	Conflicts     int64 `json:"conflicts"`
}

type StatsSource interface {
	Stats() AtomicStats
}

// Atomic guarantees atomic updates to the value it holds. All
// synchronization is delegated to the Reference it owns.
type Atomic[T any] struct {
	ref    Reference[T]
	log    Logger
	log_id string
	feed   atomic.Pointer[Feed[T]]

	stats struct {
		cas_attempts   atomic.Int64
		lost_races     atomic.Int64
		update_retries atomic.Int64
		conflicts      atomic.Int64
	}
}

// Txn is a single update transaction. Old is the value observed when the
// transaction began. Replace Value with the new value and commit. For
// slices and maps, assign a fresh value instead of mutating Value in
// place as it shares its backing storage with Old and the slot.
type Txn[T any] struct {
	Old   T
	Value T

	a         *Atomic[T]
	retry     bool // a lost commit is retried by UpdateScope
	done      bool
	committed bool
}

func NewAtomic[T comparable](v T) *Atomic[T] {
	return &Atomic[T]{ref: NewRef(v)}
}

func NewAtomicFunc[T any](v T, eq EqualFunc[T]) *Atomic[T] {
	return &Atomic[T]{ref: NewRefFunc(v, eq)}
}

func NewAtomicDeep[T any](v T) *Atomic[T] {
	return &Atomic[T]{ref: NewRefDeep(v)}
}

// NewAtomicOn wraps an existing reference, typically a Word or a
// SharedWord. The Atomic takes ownership of it.
func NewAtomicOn[T any](ref Reference[T]) *Atomic[T] {
	if ref == nil { ref = &Ref[T]{} }
	return &Atomic[T]{ref: ref}
}

// SetLogger must be called before the Atomic is shared.
func (a *Atomic[T]) SetLogger(log Logger, id string) {
	a.log = log
	a.log_id = id
}

func (a *Atomic[T]) Value() T {
	return a.ref.Get()
}

func (a *Atomic[T]) SetValue(v T) {
	a.ref.Set(v)
	a.publish(v)
}

func (a *Atomic[T]) GetAndSet(v T) T {
	var old T
	old = a.ref.GetAndSet(v)
	a.publish(v)
	return old
}

func (a *Atomic[T]) Swap(v T) T {
	return a.GetAndSet(v)
}

func (a *Atomic[T]) CompareAndSet(expected T, new T) bool {
	if !a.cas(expected, new) { return false }
	a.publish(new)
	return true
}

func (a *Atomic[T]) CompareAndSwap(expected T, new T) bool {
	return a.CompareAndSet(expected, new)
}

// Update applies fn to the current value and stores the result, starting
// over whenever another writer gets in between. fn may run many times and
// must not have side effects. There is no bound on the number of retries.
func (a *Atomic[T]) Update(fn func(T) T) T {
	var old T
	var nv T
	var tries int

	for {
		old = a.ref.Get()
		nv = fn(old)
		if a.cas(old, nv) { break }
		tries++
		a.on_retry(tries)
	}

	a.publish(nv)
	return nv
}

// TryUpdate is Update with a single attempt. It returns ErrConcurrentUpdate
// if the value changed before the result could be stored. The value set by
// the other writer is left intact.
func (a *Atomic[T]) TryUpdate(fn func(T) T) (T, error) {
	var old T
	var nv T
	var zero T

	old = a.ref.Get()
	nv = fn(old)
	if !a.cas(old, nv) {
		a.on_conflict("try-update")
		return zero, ErrConcurrentUpdate
	}

	a.publish(nv)
	return nv, nil
}

// Begin starts a transaction on the current value.
func (a *Atomic[T]) Begin() *Txn[T] {
	var v T
	v = a.ref.Get()
	return &Txn[T]{Old: v, Value: v, a: a}
}

// UpdateScope runs scope on a fresh transaction and commits it. When the
// commit loses and retry is set, the latest value is observed again and
// scope runs again on a new transaction. Without retry, a lost commit
// returns ErrConcurrentUpdate. An error from scope aborts the update
// without committing and is returned unchanged.
func (a *Atomic[T]) UpdateScope(retry bool, scope func(tx *Txn[T]) error) (T, error) {
	var tx *Txn[T]
	var zero T
	var tries int
	var err error

	for {
		tx = a.Begin()
		tx.retry = retry
		err = scope(tx)
		if err != nil { return zero, err }

		if tx.done {
			// scope called Commit by itself. a failure without retry
			// is already counted as a conflict.
			if tx.committed { return tx.Value, nil }
			if !retry { return zero, ErrConcurrentUpdate }
		} else if tx.commit() {
			return tx.Value, nil
		} else if !retry {
			a.on_conflict("update-scope")
			return zero, ErrConcurrentUpdate
		}

		tries++
		a.on_retry(tries)
	}
}

// Watch subscribes to values stored by successful writes. Writers never
// wait for watchers. a watcher that falls more than depth values behind
// misses values. Notifications from concurrent writers may arrive out of
// order.
func (a *Atomic[T]) Watch(depth int) (*FeedSubscription[T], error) {
	var f *Feed[T]

	f = a.feed.Load()
	if f == nil {
		a.feed.CompareAndSwap(nil, NewFeed[T]())
		f = a.feed.Load()
	}
	return f.Subscribe(depth)
}

func (a *Atomic[T]) Unwatch(sbsc *FeedSubscription[T]) {
	var f *Feed[T]
	f = a.feed.Load()
	if f != nil { f.Unsubscribe(sbsc) }
}

// CloseWatch closes all watcher channels and rejects further watchers.
func (a *Atomic[T]) CloseWatch() {
	var f *Feed[T]

	f = a.feed.Load()
	if f == nil {
		a.feed.CompareAndSwap(nil, NewFeed[T]())
		f = a.feed.Load()
	}
	f.Close()
}

func (a *Atomic[T]) Stats() AtomicStats {
	return AtomicStats{
		CasAttempts: a.stats.cas_attempts.Load(),
		LostRaces: a.stats.lost_races.Load(),
		UpdateRetries: a.stats.update_retries.Load(),
		Conflicts: a.stats.conflicts.Load(),
	}
}

func (a *Atomic[T]) cas(expected T, new T) bool {
	a.stats.cas_attempts.Add(1)
	if a.ref.CompareAndSet(expected, new) { return true }
	a.stats.lost_races.Add(1)
	return false
}

func (a *Atomic[T]) publish(v T) {
	var f *Feed[T]
	f = a.feed.Load()
	if f != nil { f.Publish(v) }
}

func (a *Atomic[T]) on_retry(tries int) {
	a.stats.update_retries.Add(1)
	if a.log != nil && tries % UPDATE_SPIN_WARN_INTERVAL == 0 {
		a.log.Write(a.log_id, LOG_WARN, "update still contended after %d retries", tries)
	}
}

func (a *Atomic[T]) on_conflict(op string) {
	a.stats.conflicts.Add(1)
	if a.log != nil {
		a.log.Write(a.log_id, LOG_DEBUG, "%s lost the race to a concurrent writer", op)
	}
}

// Commit stores Value if the slot still holds Old. It returns
// ErrConcurrentUpdate otherwise. A transaction is finished after its
// first Commit whether or not it succeeded.
func (tx *Txn[T]) Commit() error {
	if tx.done { return ErrTxnDone }
	if !tx.commit() {
		if !tx.retry { tx.a.on_conflict("commit") }
		return ErrConcurrentUpdate
	}
	return nil
}

func (tx *Txn[T]) commit() bool {
	tx.done = true
	if !tx.a.cas(tx.Old, tx.Value) { return false }
	tx.committed = true
	tx.a.publish(tx.Value)
	return true
}
