package atom

import "container/list"
import "sync"

type FeedSubscription[T interface{}] struct {
	C chan T
	f *Feed[T]
	node *list.Element
}

// Feed fans out published values to subscribers. Publishing never blocks.
// a subscriber whose channel is full misses the value.
type Feed[T interface{}] struct {
	sbsc_list *list.List
	sbsc_mtx sync.RWMutex
	blocked bool
}

func NewFeed[T interface{}]() *Feed[T] {
	return &Feed[T]{sbsc_list: list.New()}
}

func (f *Feed[T]) Subscribe(depth int) (*FeedSubscription[T], error) {
	var sbsc FeedSubscription[T]

	if depth <= 0 { depth = 1 }

	f.sbsc_mtx.Lock()
	if f.blocked {
		f.sbsc_mtx.Unlock()
		return nil, ErrFeedBlocked
	}

	sbsc.C = make(chan T, depth)
	sbsc.f = f
	sbsc.node = f.sbsc_list.PushBack(&sbsc)
	f.sbsc_mtx.Unlock()
	return &sbsc, nil
}

func (f *Feed[T]) Unsubscribe(sbsc *FeedSubscription[T]) {
	f.sbsc_mtx.Lock()
	if sbsc.f == f && sbsc.node != nil {
		f.sbsc_list.Remove(sbsc.node)
		close(sbsc.C)
		sbsc.node = nil
		sbsc.f = nil
	}
	f.sbsc_mtx.Unlock()
}

func (f *Feed[T]) unsubscribe_all_nolock() {
	var sbsc *FeedSubscription[T]
	var e *list.Element
	var next *list.Element

	for e = f.sbsc_list.Front(); e != nil; e = next {
		next = e.Next()
		sbsc = e.Value.(*FeedSubscription[T])
		f.sbsc_list.Remove(e)
		close(sbsc.C)
		sbsc.f = nil
		sbsc.node = nil
	}
}

// Close unsubscribes everyone and rejects further subscriptions.
func (f *Feed[T]) Close() {
	f.sbsc_mtx.Lock()
	f.unsubscribe_all_nolock()
	f.blocked = true
	f.sbsc_mtx.Unlock()
}

func (f *Feed[T]) Len() int {
	var n int
	f.sbsc_mtx.RLock()
	n = f.sbsc_list.Len()
	f.sbsc_mtx.RUnlock()
	return n
}

func (f *Feed[T]) Publish(data T) {
	var sbsc *FeedSubscription[T]
	var e *list.Element

	// the read lock is enough. channel sends are safe concurrently and
	// the list itself changes only under the write lock.
	f.sbsc_mtx.RLock()
	if !f.blocked {
		for e = f.sbsc_list.Front(); e != nil; e = e.Next() {
			sbsc = e.Value.(*FeedSubscription[T])
			select {
				case sbsc.C <- data:
					// ok. could be written.
				default:
					// channel full. discard it
			}
		}
	}
	f.sbsc_mtx.RUnlock()
}
