package atom_test

import "atom"
import "errors"
import "reflect"
import "sync"
import "testing"
import "time"

func TestAtomicInitialValue(t *testing.T) {
	var a *atom.Atomic[*int]
	var b *atom.Atomic[int]

	a = atom.NewAtomicOn[*int](nil)
	if a.Value() != nil { t.Fatalf("default value must be nil") }

	b = atom.NewAtomic(0)
	if b.Value() != 0 { t.Fatalf("expected 0, got %d", b.Value()) }
	b.SetValue(1)
	if b.Value() != 1 { t.Fatalf("expected 1, got %d", b.Value()) }
}

func TestAtomicSwap(t *testing.T) {
	var a *atom.Atomic[int]
	var swapped int

	a = atom.NewAtomic(1000)
	swapped = a.Swap(1001)
	if swapped != 1000 { t.Fatalf("swap must return the previous value 1000, got %d", swapped) }
	if a.Value() != 1001 { t.Fatalf("expected 1001, got %d", a.Value()) }
}

func TestAtomicCompareAndSwap(t *testing.T) {
	var a *atom.Atomic[int]

	a = atom.NewAtomic(1000)
	if !a.CompareAndSwap(1000, 1001) { t.Fatalf("compare-and-swap(1000, 1001) must succeed") }
	if a.Value() != 1001 { t.Fatalf("expected 1001, got %d", a.Value()) }

	if a.CompareAndSwap(1000, 1024) { t.Fatalf("compare-and-swap(1000, 1024) must fail") }
	if a.Value() != 1001 { t.Fatalf("value must remain 1001, got %d", a.Value()) }
}

func TestAtomicUpdate(t *testing.T) {
	var a *atom.Atomic[int]
	var v int

	a = atom.NewAtomic(1000)
	v = a.Update(func(v int) int { return v + 1 })
	if v != 1001 || a.Value() != 1001 { t.Fatalf("update returned %d and left %d", v, a.Value()) }

	v, _ = a.TryUpdate(func(v int) int { return v + 1 })
	if v != 1002 || a.Value() != 1002 { t.Fatalf("try-update returned %d and left %d", v, a.Value()) }
}

func TestAtomicIdentityUpdate(t *testing.T) {
	var a *atom.Atomic[string]
	var v string

	a = atom.NewAtomic("kong")
	v = a.Update(func(v string) string { return v })
	if v != "kong" || a.Value() != "kong" { t.Fatalf("identity update changed the value to %q", a.Value()) }
}

func TestAtomicComplexUpdate(t *testing.T) {
	var a *atom.Atomic[[]int]
	var v []int

	a = atom.NewAtomicDeep([]int{-1, 0})
	if !reflect.DeepEqual(a.Value(), []int{-1, 0}) { t.Fatalf("unexpected initial value %v", a.Value()) }

	v = a.Update(func(v []int) []int {
		var out []int
		var x int
		out = make([]int, 0, len(v))
		for _, x = range v { out = append(out, x + 1) }
		return out
	})
	if !reflect.DeepEqual(v, []int{0, 1}) { t.Fatalf("update returned %v", v) }
	if !reflect.DeepEqual(a.Value(), []int{0, 1}) { t.Fatalf("value is %v", a.Value()) }
}

func TestAtomicConcurrentUpdate(t *testing.T) {
	var a *atom.Atomic[int]
	var wg sync.WaitGroup
	var i int

	for _, a = range []*atom.Atomic[int]{
		atom.NewAtomic(1000),
		atom.NewAtomicOn[int](atom.NewWord(1000)),
	} {
		for i = 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				var j int
				defer wg.Done()
				for j = 0; j < 1000; j++ {
					a.Update(func(v int) int { return v + 1 })
				}
			}()
		}
		wg.Wait()

		if a.Value() != 3000 { t.Fatalf("lost updates - expected 3000, got %d", a.Value()) }
		if a.Stats().CasAttempts < 2000 { t.Errorf("cas attempts %d below the number of updates", a.Stats().CasAttempts) }
	}
}

func TestAtomicTryUpdateConflict(t *testing.T) {
	var a *atom.Atomic[int]
	var l TestLogger
	var v int
	var err error

	a = atom.NewAtomic(1000)
	a.SetLogger(&l, "counter")
	v, err = a.TryUpdate(func(v int) int {
		a.SetValue(2000) // a concurrent writer between read and commit
		return v + 1
	})
	if !errors.Is(err, atom.ErrConcurrentUpdate) { t.Fatalf("expected concurrent update error, got %v", err) }
	if v != 0 { t.Errorf("failed try-update returned %d", v) }
	if a.Value() != 2000 { t.Fatalf("the writer's value was overwritten - got %d", a.Value()) }
	if a.Stats().Conflicts != 1 { t.Errorf("expected 1 conflict, got %d", a.Stats().Conflicts) }
	if l.Count() != 1 { t.Errorf("expected the conflict to be logged") }
}

func TestAtomicUpdateRetriesAfterLostRace(t *testing.T) {
	var a *atom.Atomic[int]
	var calls int
	var v int

	a = atom.NewAtomic(1)
	v = a.Update(func(v int) int {
		calls++
		if calls == 1 { a.SetValue(10) }
		return v * 2
	})
	if calls != 2 { t.Fatalf("update function must run again after a lost race, ran %d times", calls) }
	if v != 20 || a.Value() != 20 { t.Fatalf("update returned %d and left %d", v, a.Value()) }
	if a.Stats().UpdateRetries != 1 || a.Stats().LostRaces != 1 { t.Errorf("unexpected stats %+v", a.Stats()) }
}

func TestAtomicUpdateScopeRetryReinvokesScope(t *testing.T) {
	var a *atom.Atomic[int]
	var calls int
	var olds []int
	var v int
	var err error

	a = atom.NewAtomic(5)
	v, err = a.UpdateScope(true, func(tx *atom.Txn[int]) error {
		calls++
		olds = append(olds, tx.Old)
		if calls == 1 { a.SetValue(7) }
		tx.Value = tx.Old + 100
		return nil
	})
	if err != nil { t.Fatalf("scoped update failed - %s", err.Error()) }
	if calls != 2 { t.Fatalf("scope must be re-invoked after a lost commit, ran %d times", calls) }
	if !reflect.DeepEqual(olds, []int{5, 7}) { t.Fatalf("second attempt must observe the latest value, saw %v", olds) }
	if v != 107 || a.Value() != 107 { t.Fatalf("scoped update returned %d and left %d", v, a.Value()) }
}

func TestAtomicUpdateScopeWithoutRetryFails(t *testing.T) {
	var a *atom.Atomic[int]
	var calls int
	var err error

	a = atom.NewAtomic(5)
	_, err = a.UpdateScope(false, func(tx *atom.Txn[int]) error {
		calls++
		a.SetValue(7)
		tx.Value = tx.Old + 1
		return nil
	})
	if !errors.Is(err, atom.ErrConcurrentUpdate) { t.Fatalf("expected concurrent update error, got %v", err) }
	if calls != 1 { t.Fatalf("scope must run once without retry, ran %d times", calls) }
	if a.Value() != 7 { t.Fatalf("the writer's value was overwritten - got %d", a.Value()) }
}

func TestAtomicUpdateScopeAbort(t *testing.T) {
	var a *atom.Atomic[int]
	var abort error
	var err error

	abort = errors.New("abort")
	a = atom.NewAtomic(5)
	_, err = a.UpdateScope(true, func(tx *atom.Txn[int]) error {
		tx.Value = 99
		return abort
	})
	if err != abort { t.Fatalf("expected the scope error, got %v", err) }
	if a.Value() != 5 { t.Fatalf("aborted scope committed %d", a.Value()) }
}

func TestAtomicUpdateScopeSelfCommit(t *testing.T) {
	var a *atom.Atomic[int]
	var v int
	var err error

	a = atom.NewAtomic(5)
	v, err = a.UpdateScope(false, func(tx *atom.Txn[int]) error {
		tx.Value = 6
		return tx.Commit()
	})
	if err != nil || v != 6 || a.Value() != 6 { t.Fatalf("self-committing scope returned %d, %v and left %d", v, err, a.Value()) }
}

func TestTxnCommit(t *testing.T) {
	var a *atom.Atomic[int]
	var tx *atom.Txn[int]
	var tx2 *atom.Txn[int]

	a = atom.NewAtomic(1)
	tx = a.Begin()
	tx2 = a.Begin()
	if tx.Old != 1 || tx.Value != 1 { t.Fatalf("transaction must start from the current value") }

	tx.Value = 2
	if tx.Commit() != nil { t.Fatalf("first commit must succeed") }
	if !errors.Is(tx.Commit(), atom.ErrTxnDone) { t.Fatalf("second commit must be rejected") }

	tx2.Value = 3
	if !errors.Is(tx2.Commit(), atom.ErrConcurrentUpdate) { t.Fatalf("stale transaction must not commit") }
	if !errors.Is(tx2.Commit(), atom.ErrTxnDone) { t.Fatalf("commit after a lost commit must be rejected") }
	if atom.ErrTxnDone.Error() != "transaction already finished" { t.Errorf("unexpected error text %q", atom.ErrTxnDone.Error()) }
	if a.Value() != 2 { t.Fatalf("expected 2, got %d", a.Value()) }
}

func TestAtomicUpdateScopeRetriedSelfCommit(t *testing.T) {
	var a *atom.Atomic[int]
	var calls int
	var v int
	var err error

	a = atom.NewAtomic(5)
	v, err = a.UpdateScope(true, func(tx *atom.Txn[int]) error {
		calls++
		if calls == 1 { a.SetValue(7) }
		tx.Value = tx.Old + 1
		tx.Commit() // a lost commit is retried by UpdateScope
		return nil
	})
	if err != nil || v != 8 || a.Value() != 8 { t.Fatalf("scoped update returned %d, %v and left %d", v, err, a.Value()) }
	if calls != 2 { t.Fatalf("scope must be re-invoked after a lost commit, ran %d times", calls) }
	if a.Stats().Conflicts != 0 { t.Errorf("retried commit counted as a conflict %+v", a.Stats()) }
	if a.Stats().UpdateRetries != 1 { t.Errorf("expected 1 retry %+v", a.Stats()) }

	a = atom.NewAtomic(5)
	_, err = a.UpdateScope(false, func(tx *atom.Txn[int]) error {
		a.SetValue(7)
		return tx.Commit()
	})
	if !errors.Is(err, atom.ErrConcurrentUpdate) { t.Fatalf("expected concurrent update error, got %v", err) }
	if a.Stats().Conflicts != 1 { t.Errorf("expected 1 conflict %+v", a.Stats()) }
}

func TestAtomicInterfaceHoldingSlice(t *testing.T) {
	var a *atom.Atomic[any]
	var v any
	var err error

	a = atom.NewAtomic[any]([]int{1})
	if !a.CompareAndSet([]int{1}, 2) { t.Fatalf("equal slices must compare equal") }
	if a.Value() != 2 { t.Fatalf("expected 2, got %v", a.Value()) }
	if a.CompareAndSet([]int{1}, 3) { t.Fatalf("stale compare-and-set succeeded") }

	a.SetValue([]int{1, 2})
	v = a.Update(func(v any) any { return append([]int{0}, v.([]int)...) })
	if !reflect.DeepEqual(v, []int{0, 1, 2}) { t.Fatalf("unexpected update result %v", v) }

	v, err = a.TryUpdate(func(v any) any { return map[string]int{"n": len(v.([]int))} })
	if err != nil { t.Fatalf("try-update failed - %s", err.Error()) }
	if !reflect.DeepEqual(a.Value(), map[string]int{"n": 3}) { t.Fatalf("unexpected value %v", a.Value()) }
	if a.CompareAndSet(map[string]int{"n": 4}, nil) { t.Fatalf("unequal maps compared equal") }
}

func TestAtomicWatch(t *testing.T) {
	var a *atom.Atomic[int]
	var s *atom.FeedSubscription[int]
	var got []int
	var v int
	var ok bool
	var err error

	a = atom.NewAtomic(0)
	a.SetValue(-1) // nobody watching yet

	s, err = a.Watch(16)
	if err != nil { t.Fatalf("watch failed - %s", err.Error()) }

	a.SetValue(1)
	a.Swap(2)
	a.CompareAndSet(2, 3)
	a.CompareAndSet(100, 4) // lost. not published
	a.Update(func(v int) int { return v + 1 })
	a.TryUpdate(func(v int) int { return v + 1 })
	a.UpdateScope(false, func(tx *atom.Txn[int]) error { tx.Value = 6; return nil })

	a.CloseWatch()
	for v = range s.C { got = append(got, v) }
	if !reflect.DeepEqual(got, []int{1, 2, 3, 4, 5, 6}) { t.Fatalf("unexpected notifications %v", got) }

	_, err = a.Watch(1)
	if !errors.Is(err, atom.ErrFeedBlocked) { t.Fatalf("watch after close must fail, got %v", err) }

	a.SetValue(7) // must not panic on a closed feed
	select {
		case _, ok = <-s.C:
			if ok { t.Fatalf("closed subscription received a value") }
		case <-time.After(time.Second):
			t.Fatalf("subscription channel not closed")
	}
}

func TestAtomicUnwatch(t *testing.T) {
	var a *atom.Atomic[string]
	var s1 *atom.FeedSubscription[string]
	var s2 *atom.FeedSubscription[string]

	a = atom.NewAtomic("")
	s1, _ = a.Watch(4)
	s2, _ = a.Watch(4)
	a.SetValue("donkey")
	a.Unwatch(s2)
	a.SetValue("monkey")

	if <-s1.C != "donkey" || <-s1.C != "monkey" { t.Fatalf("s1 missed values") }
	if <-s2.C != "donkey" { t.Fatalf("s2 missed the value before unwatch") }
	if _, ok := <-s2.C; ok { t.Fatalf("s2 received a value after unwatch") }
}
