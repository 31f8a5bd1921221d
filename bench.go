package atom

import "context"
import "errors"
import "fmt"
import "io"
import "sync"
import "sync/atomic"
import "time"

const BENCH_BACKEND_LOCK string = "lock"
const BENCH_BACKEND_WORD string = "word"
const BENCH_BACKEND_SHARED string = "shared"
const BENCH_BACKEND_SHARED_LOCKED string = "shared-locked"

const BENCH_MODE_UPDATE string = "update"
const BENCH_MODE_TRY_UPDATE string = "try-update"
const BENCH_MODE_SCOPE string = "scope"

type BenchConfig struct {
	Backend    string
	Mode       string
	Workers    int
	Iterations int
	Initial    int64
	SharedFile string
}

type BenchResult struct {
	Backend    string        `json:"backend"`
	Mode       string        `json:"mode"`
	Workers    int           `json:"workers"`
	Iterations int           `json:"iterations"`
	Initial    int64         `json:"initial"`
	Expected   int64         `json:"expected"`
	Final      int64         `json:"final"`
	Ops        int64         `json:"ops"`
	Conflicts  int64         `json:"conflicts"`
	Stats      AtomicStats   `json:"stats"`
	Elapsed    time.Duration `json:"elapsed"`
	Stopped    bool          `json:"stopped"`
}

// Bench hammers a single counter from many goroutines and checks that no
// increment gets lost.
type Bench struct {
	Cfg       *BenchConfig
	Ctx       context.Context
	CtxCancel context.CancelFunc

	name      string
	log       Logger
	wg        sync.WaitGroup
	stop_req  atomic.Bool
	done_chan chan struct{}

	counter   *Atomic[int64]
	closer    io.Closer
	result    Ref[BenchResult]

	stats struct {
		ops       atomic.Int64
		conflicts atomic.Int64
	}
}

func NewBench(ctx context.Context, name string, logger Logger, cfg *BenchConfig) (*Bench, error) {
	var b Bench
	var sw *SharedWord[int64]
	var err error

	if cfg.Workers <= 0 { return nil, fmt.Errorf("invalid number of workers %d", cfg.Workers) }
	if cfg.Iterations < 0 { return nil, fmt.Errorf("invalid number of iterations %d", cfg.Iterations) }

	switch cfg.Mode {
		case BENCH_MODE_UPDATE, BENCH_MODE_TRY_UPDATE, BENCH_MODE_SCOPE:
			// ok
		default:
			return nil, fmt.Errorf("unknown bench mode %q", cfg.Mode)
	}

	switch cfg.Backend {
		case BENCH_BACKEND_LOCK:
			b.counter = NewAtomic(cfg.Initial)

		case BENCH_BACKEND_WORD:
			b.counter = NewAtomicOn[int64](NewWord(cfg.Initial))

		case BENCH_BACKEND_SHARED, BENCH_BACKEND_SHARED_LOCKED:
			var mode SharedWordMode
			if cfg.SharedFile == "" { return nil, fmt.Errorf("shared file not specified for %s backend", cfg.Backend) }
			mode = SHARED_WORD_LOCK_FREE
			if cfg.Backend == BENCH_BACKEND_SHARED_LOCKED { mode = SHARED_WORD_LOCKED }
			sw, err = OpenSharedWord(cfg.SharedFile, cfg.Initial, mode)
			if err != nil { return nil, err }
			b.counter = NewAtomicOn[int64](sw)
			b.closer = sw

		default:
			return nil, fmt.Errorf("unknown bench backend %q", cfg.Backend)
	}

	b.Cfg = cfg
	b.name = name
	b.log = logger
	b.done_chan = make(chan struct{})
	b.Ctx, b.CtxCancel = context.WithCancel(ctx)
	b.counter.SetLogger(logger, name)
	return &b, nil
}

func (b *Bench) Name() string {
	return b.name
}

func (b *Bench) Counter() *Atomic[int64] {
	return b.counter
}

// Done is closed when all workers have finished.
func (b *Bench) Done() <-chan struct{} {
	return b.done_chan
}

func (b *Bench) Result() BenchResult {
	return b.result.Get()
}

func increment(v int64) int64 {
	return v + 1
}

func (b *Bench) stopped() bool {
	return b.stop_req.Load() || b.Ctx.Err() != nil
}

func (b *Bench) run_worker(idx int, wg *sync.WaitGroup) {
	var i int
	var err error

	defer wg.Done()

	for i = 0; i < b.Cfg.Iterations; i++ {
		if b.stopped() { break }

		switch b.Cfg.Mode {
			case BENCH_MODE_UPDATE:
				b.counter.Update(increment)

			case BENCH_MODE_TRY_UPDATE:
				for {
					_, err = b.counter.TryUpdate(increment)
					if err == nil { break }
					if !errors.Is(err, ErrConcurrentUpdate) {
						b.log.Write(b.name, LOG_ERROR, "worker[%d] update failure - %s", idx, err.Error())
						return
					}
					b.stats.conflicts.Add(1)
					if b.stopped() { return }
				}

			case BENCH_MODE_SCOPE:
				_, err = b.counter.UpdateScope(true, func(tx *Txn[int64]) error {
					tx.Value = tx.Old + 1
					return nil
				})
				if err != nil {
					b.log.Write(b.name, LOG_ERROR, "worker[%d] update failure - %s", idx, err.Error())
					return
				}
		}

		b.stats.ops.Add(1)
	}
}

func (b *Bench) RunTask(wg *sync.WaitGroup) {
	var l_wg sync.WaitGroup
	var initial int64
	var started uint64
	var res BenchResult
	var i int

	defer wg.Done()
	defer close(b.done_chan)

	initial = b.counter.Value()
	b.log.Write(b.name, LOG_INFO, "started %d workers on %s backend in %s mode from %d", b.Cfg.Workers, b.Cfg.Backend, b.Cfg.Mode, initial)

	started = monotonic_time()
	for i = 0; i < b.Cfg.Workers; i++ {
		l_wg.Add(1)
		go b.run_worker(i, &l_wg)
	}
	l_wg.Wait()

	res.Elapsed = time.Duration(monotonic_time() - started)
	res.Backend = b.Cfg.Backend
	res.Mode = b.Cfg.Mode
	res.Workers = b.Cfg.Workers
	res.Iterations = b.Cfg.Iterations
	res.Initial = initial
	res.Ops = b.stats.ops.Load()
	res.Expected = initial + res.Ops
	res.Final = b.counter.Value()
	res.Conflicts = b.stats.conflicts.Load()
	res.Stats = b.counter.Stats()
	res.Stopped = b.stopped()
	b.result.Set(res)

	if res.Final != res.Expected {
		// another process sharing the file may account for the difference
		b.log.Write(b.name, LOG_WARN, "final value %d differs from expected %d", res.Final, res.Expected)
	}
	b.log.Write(b.name, LOG_INFO, "%d increments done in %v", res.Ops, res.Elapsed)
}

func (b *Bench) ReqStop() {
	if b.stop_req.CompareAndSwap(false, true) {
		b.CtxCancel()
	}
}

func (b *Bench) StartService(data interface{}) {
	b.wg.Add(1)
	go b.RunTask(&b.wg)
}

func (b *Bench) StopServices() {
	b.ReqStop()
}

func (b *Bench) WaitForTermination() {
	b.wg.Wait()
	if b.closer != nil {
		b.closer.Close()
		b.closer = nil
	}
	b.CtxCancel()
}

func (b *Bench) WriteLog(id string, level LogLevel, fmtstr string, args ...interface{}) {
	b.log.Write(id, level, fmtstr, args...)
}
