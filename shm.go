package atom

import "bytes"
import "errors"
import "fmt"
import "os"
import "sync"
import "sync/atomic"
import "unsafe"

import "golang.org/x/exp/constraints"
import "golang.org/x/sys/unix"

type SharedWordMode uint8

const (
	SHARED_WORD_LOCK_FREE SharedWordMode = 1 // native atomics on the mapping
	SHARED_WORD_LOCKED    SharedWordMode = 2 // in-process mutex + flock
)

const SHARED_WORD_FILE_SIZE int = 16
const shared_word_magic string = "ATMW"

func (m SharedWordMode) String() string {
	switch m {
		case SHARED_WORD_LOCK_FREE:
			return "lock-free"
		case SHARED_WORD_LOCKED:
			return "locked"
	}
	return "unknown"
}

// FileLock is an exclusive advisory lock on an open file. It excludes
// holders of other open file descriptions, in this process or another.
// It does not exclude goroutines sharing the same FileLock.
type FileLock struct {
	fd int
}

func NewFileLock(f *os.File) *FileLock {
	return &FileLock{fd: int(f.Fd())}
}

func (l *FileLock) Lock() {
	var err error
	for {
		err = unix.Flock(l.fd, unix.LOCK_EX)
		if err == nil { return }
		if !errors.Is(err, unix.EINTR) {
			panic(fmt.Sprintf("flock on fd %d failed - %s", l.fd, err.Error()))
		}
	}
}

func (l *FileLock) TryLock() bool {
	var err error
	for {
		err = unix.Flock(l.fd, unix.LOCK_EX | unix.LOCK_NB)
		if err == nil { return true }
		if !errors.Is(err, unix.EINTR) { return false }
	}
}

func (l *FileLock) Unlock() {
	unix.Flock(l.fd, unix.LOCK_UN)
}

// SharedWord is an integer slot placed in a memory-mapped file so that
// several processes opening the same path operate on the same value.
// All openers must agree on the mode. the mode is stored in the file
// and a mismatch is rejected by OpenSharedWord.
type SharedWord[T constraints.Integer] struct {
	path string
	mode SharedWordMode
	file *os.File
	flk  *FileLock
	mtx  sync.Mutex
	mem  []byte
	slot *uint64
}

// OpenSharedWord maps the word stored in path, creating the file with
// the initial value init if it doesn't exist or is empty. init is ignored
// for an existing word.
func OpenSharedWord[T constraints.Integer](path string, init T, mode SharedWordMode) (*SharedWord[T], error) {
	var s *SharedWord[T]
	var f *os.File
	var flk *FileLock
	var fi os.FileInfo
	var mem []byte
	var fresh bool
	var err error

	if mode != SHARED_WORD_LOCK_FREE && mode != SHARED_WORD_LOCKED {
		return nil, fmt.Errorf("invalid shared word mode %d", mode)
	}

	f, err = os.OpenFile(path, os.O_RDWR | os.O_CREATE, 0666)
	if err != nil { return nil, err }

	flk = NewFileLock(f)
	flk.Lock() // serialize initialization against other openers

	fi, err = f.Stat()
	if err != nil { goto oops }

	if fi.Size() == 0 {
		err = unix.Ftruncate(int(f.Fd()), int64(SHARED_WORD_FILE_SIZE))
		if err != nil {
			err = fmt.Errorf("unable to size %s - %w", path, err)
			goto oops
		}
		fresh = true
	} else if fi.Size() < int64(SHARED_WORD_FILE_SIZE) {
		err = fmt.Errorf("%s is not a shared word file - size %d", path, fi.Size())
		goto oops
	}

	mem, err = unix.Mmap(int(f.Fd()), 0, SHARED_WORD_FILE_SIZE, unix.PROT_READ | unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		err = fmt.Errorf("unable to map %s - %w", path, err)
		goto oops
	}

	s = &SharedWord[T]{
		path: path,
		mode: mode,
		file: f,
		flk: flk,
		mem: mem,
		slot: (*uint64)(unsafe.Pointer(&mem[0])), // mappings are page-aligned
	}

	if fresh {
		atomic.StoreUint64(s.slot, uint64(init))
		copy(mem[8:12], shared_word_magic)
		mem[12] = byte(mode)
	} else {
		if !bytes.Equal(mem[8:12], []byte(shared_word_magic)) {
			err = fmt.Errorf("%s is not a shared word file - bad magic", path)
			goto oops
		}
		if SharedWordMode(mem[12]) != mode {
			err = fmt.Errorf("%s is opened %s but was created %s", path, mode, SharedWordMode(mem[12]))
			goto oops
		}
	}

	flk.Unlock()
	return s, nil

oops:
	if mem != nil { unix.Munmap(mem) }
	flk.Unlock()
	f.Close()
	return nil, err
}

func (s *SharedWord[T]) Path() string {
	return s.path
}

func (s *SharedWord[T]) Mode() SharedWordMode {
	return s.mode
}

func (s *SharedWord[T]) lock() {
	s.mtx.Lock()
	s.flk.Lock()
}

func (s *SharedWord[T]) unlock() {
	s.flk.Unlock()
	s.mtx.Unlock()
}

func (s *SharedWord[T]) Get() T {
	var v uint64
	if s.mode == SHARED_WORD_LOCKED {
		s.lock()
		v = atomic.LoadUint64(s.slot)
		s.unlock()
	} else {
		v = atomic.LoadUint64(s.slot)
	}
	return T(v)
}

func (s *SharedWord[T]) Set(v T) {
	if s.mode == SHARED_WORD_LOCKED {
		s.lock()
		atomic.StoreUint64(s.slot, uint64(v))
		s.unlock()
	} else {
		atomic.StoreUint64(s.slot, uint64(v))
	}
}

func (s *SharedWord[T]) GetAndSet(v T) T {
	var old uint64
	if s.mode == SHARED_WORD_LOCKED {
		s.lock()
		old = atomic.LoadUint64(s.slot)
		atomic.StoreUint64(s.slot, uint64(v))
		s.unlock()
	} else {
		old = atomic.SwapUint64(s.slot, uint64(v))
	}
	return T(old)
}

func (s *SharedWord[T]) CompareAndSet(expected T, new T) bool {
	var ok bool

	if s.mode != SHARED_WORD_LOCKED {
		return atomic.CompareAndSwapUint64(s.slot, uint64(expected), uint64(new))
	}

	if !s.mtx.TryLock() { return false }
	if !s.flk.TryLock() {
		s.mtx.Unlock()
		return false
	}
	if atomic.LoadUint64(s.slot) == uint64(expected) {
		atomic.StoreUint64(s.slot, uint64(new))
		ok = true
	}
	s.unlock()
	return ok
}

func (s *SharedWord[T]) Add(delta T) T {
	var o uint64
	var n uint64

	if s.mode == SHARED_WORD_LOCKED {
		s.lock()
		n = uint64(T(atomic.LoadUint64(s.slot)) + delta)
		atomic.StoreUint64(s.slot, n)
		s.unlock()
		return T(n)
	}

	if word_is_full_width[T]() {
		return T(atomic.AddUint64(s.slot, uint64(delta)))
	}

	for {
		o = atomic.LoadUint64(s.slot)
		n = uint64(T(o) + delta)
		if atomic.CompareAndSwapUint64(s.slot, o, n) { return T(n) }
	}
}

func (s *SharedWord[T]) Sub(delta T) T {
	var zero T
	return s.Add(zero - delta)
}

// Close unmaps the word. The value stays in the file for other openers.
// The SharedWord must not be used after Close.
func (s *SharedWord[T]) Close() error {
	var err error
	var err2 error

	err = unix.Munmap(s.mem)
	s.mem = nil
	s.slot = nil
	err2 = s.file.Close()
	if err == nil { err = err2 }
	return err
}
