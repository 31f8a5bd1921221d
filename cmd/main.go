package main

import "atom"
import "context"
import "flag"
import "fmt"
import "io"
import "os"
import "os/signal"
import "strconv"
import "strings"
import "sync"
import "syscall"

import "golang.org/x/text/language"
import "golang.org/x/text/message"

// --------------------------------------------------------------------

type signal_handler struct {
	log       atom.Logger
	svcs      []atom.Service
	stop_chan chan struct{}
	stop_once sync.Once
}

func new_signal_handler(log atom.Logger, svcs []atom.Service) *signal_handler {
	return &signal_handler{log: log, svcs: svcs, stop_chan: make(chan struct{})}
}

func (sh *signal_handler) RunTask(wg *sync.WaitGroup) {
	var sighup_chan  chan os.Signal
	var sigterm_chan chan os.Signal
	var sig          os.Signal
	var svc          atom.Service

	defer wg.Done()

	sighup_chan = make(chan os.Signal, 1)
	sigterm_chan = make(chan os.Signal, 1)

	signal.Notify(sighup_chan, syscall.SIGHUP)
	signal.Notify(sigterm_chan, syscall.SIGTERM, os.Interrupt)

chan_loop:
	for {
		select {
			case <-sighup_chan:
				sh.log.Rotate()

			case sig = <-sigterm_chan:
				sh.log.Write("", atom.LOG_INFO, "termination by signal %s", sig)
				for _, svc = range sh.svcs { svc.StopServices() }
				break chan_loop

			case <-sh.stop_chan:
				break chan_loop
		}
	}

	signal.Stop(sighup_chan)
	signal.Stop(sigterm_chan)
}

func (sh *signal_handler) StartService(data interface{}) {
	// not used standalone. main() runs RunTask with its own wait group
}

func (sh *signal_handler) StopServices() {
	sh.stop_once.Do(func() { close(sh.stop_chan) })
}

func (sh *signal_handler) WaitForTermination() {
	// see StartService()
}

func (sh *signal_handler) WriteLog(id string, level atom.LogLevel, fmtstr string, args ...interface{}) {
	sh.log.Write(id, level, fmtstr, args...)
}

// --------------------------------------------------------------------

func new_logger(cfg *AppConfig) (*AppLogger, error) {
	var mask atom.LogMask
	var err error

	mask, err = log_strings_to_mask(cfg.LogMask)
	if err != nil { return nil, err }

	if cfg.LogFile == "" { return NewAppLogger("atom", os.Stderr, mask), nil }
	return NewAppLoggerToFile("atom", cfg.LogFile, cfg.LogMaxSize, cfg.LogRotate, mask)
}

func print_bench_result(w io.Writer, res *atom.BenchResult) {
	var p *message.Printer
	var rate float64

	p = message.NewPrinter(language.English)
	if res.Elapsed > 0 { rate = float64(res.Ops) / res.Elapsed.Seconds() }

	p.Fprintf(w, "backend:    %s (%s)\n", res.Backend, res.Mode)
	p.Fprintf(w, "workers:    %d x %d iterations\n", res.Workers, res.Iterations)
	p.Fprintf(w, "value:      %d -> %d (expected %d)\n", res.Initial, res.Final, res.Expected)
	p.Fprintf(w, "ops:        %d in %v (%.0f ops/s)\n", res.Ops, res.Elapsed, rate)
	p.Fprintf(w, "cas:        %d attempts, %d lost races\n", res.Stats.CasAttempts, res.Stats.LostRaces)
	p.Fprintf(w, "retries:    %d, conflicts %d\n", res.Stats.UpdateRetries, res.Conflicts)
	if res.Stopped { p.Fprintf(w, "stopped before completion\n") }
}

func bench_main(cfg *Config, hold bool) error {
	var logger *AppLogger
	var b *atom.Bench
	var m *atom.MetricsServer
	var c *atom.AtomicCollector
	var sh *signal_handler
	var svcs []atom.Service
	var svc atom.Service
	var sh_wg sync.WaitGroup
	var res atom.BenchResult
	var err error

	logger, err = new_logger(&cfg.APP)
	if err != nil { return fmt.Errorf("failed to initialize logger - %s", err.Error()) }
	defer logger.Close()

	b, err = atom.NewBench(context.Background(), "bench", logger, cfg.Bench.ToBenchConfig())
	if err != nil { return fmt.Errorf("failed to create bench - %s", err.Error()) }
	svcs = append(svcs, b)

	if len(cfg.Metrics.ListenOn) > 0 {
		c = atom.NewAtomicCollector("atom")
		c.Add(b.Name(), b.Counter())
		m, err = atom.NewMetricsServer(context.Background(), "metrics", logger, cfg.Metrics.ListenOn, cfg.Metrics.MaxConns, c)
		if err != nil {
			b.WaitForTermination()
			return fmt.Errorf("failed to create metrics server - %s", err.Error())
		}
		svcs = append(svcs, m)
	}

	sh = new_signal_handler(logger, svcs)
	sh_wg.Add(1)
	go sh.RunTask(&sh_wg)

	for _, svc = range svcs { svc.StartService(nil) }

	<-b.Done()
	if !hold || m == nil {
		for _, svc = range svcs { svc.StopServices() }
	}
	// with hold, the metrics server keeps serving the final counters until a signal
	for _, svc = range svcs { svc.WaitForTermination() }

	sh.StopServices()
	sh_wg.Wait()

	res = b.Result()
	print_bench_result(os.Stdout, &res)

	if res.Final != res.Expected && (res.Backend == atom.BENCH_BACKEND_LOCK || res.Backend == atom.BENCH_BACKEND_WORD) {
		return fmt.Errorf("lost updates - final %d, expected %d", res.Final, res.Expected)
	}
	return nil
}

// --------------------------------------------------------------------

func parse_word_operand(s string) (int64, error) {
	var v int64
	var err error
	v, err = strconv.ParseInt(s, 0, 64)
	if err != nil { return 0, fmt.Errorf("invalid operand %q", s) }
	return v, nil
}

func word_main(file string, locked bool, args []string) error {
	var w *atom.SharedWord[int64]
	var mode atom.SharedWordMode
	var ops []int64
	var op string
	var i int
	var err error

	op = strings.ToLower(args[0])
	ops = make([]int64, len(args) - 1)
	for i = 1; i < len(args); i++ {
		ops[i - 1], err = parse_word_operand(args[i])
		if err != nil { return err }
	}

	switch op {
		case "get":
			if len(ops) != 0 { goto wrong_operands }
		case "set", "add", "sub", "swap":
			if len(ops) != 1 { goto wrong_operands }
		case "cas":
			if len(ops) != 2 { goto wrong_operands }
		default:
			return fmt.Errorf("unknown operation %q", op)
	}

	mode = atom.SHARED_WORD_LOCK_FREE
	if locked { mode = atom.SHARED_WORD_LOCKED }
	w, err = atom.OpenSharedWord[int64](file, 0, mode)
	if err != nil { return err }
	defer w.Close()

	switch op {
		case "get":
			fmt.Printf("%d\n", w.Get())
		case "set":
			w.Set(ops[0])
			fmt.Printf("%d\n", ops[0])
		case "add":
			fmt.Printf("%d\n", w.Add(ops[0]))
		case "sub":
			fmt.Printf("%d\n", w.Sub(ops[0]))
		case "swap":
			fmt.Printf("%d\n", w.GetAndSet(ops[0]))
		case "cas":
			if !w.CompareAndSet(ops[0], ops[1]) {
				fmt.Printf("false\n")
				return fmt.Errorf("value is not %d", ops[0])
			}
			fmt.Printf("true\n")
	}
	return nil

wrong_operands:
	return fmt.Errorf("wrong number of operands for %s", op)
}

// --------------------------------------------------------------------

func main() {
	var err error
	var flgs *flag.FlagSet

	if len(os.Args) < 2 {
		goto wrong_usage
	}
	if strings.EqualFold(os.Args[1], "bench") {
		var cfg *Config
		var cfgfile string
		var metrics_on []string
		var hold bool
		var cli Config

		flgs = flag.NewFlagSet("", flag.ContinueOnError)
		flgs.StringVar(&cfgfile, "config", "", "specify a configuration file path")
		flgs.StringVar(&cli.Bench.Backend, "backend", "", "specify the backend - lock, word, shared, shared-locked")
		flgs.StringVar(&cli.Bench.Mode, "mode", "", "specify the update mode - update, try-update, scope")
		flgs.IntVar(&cli.Bench.Workers, "workers", 0, "specify the number of workers")
		flgs.IntVar(&cli.Bench.Iterations, "iterations", 0, "specify the number of increments per worker")
		flgs.Int64Var(&cli.Bench.Initial, "initial", 0, "specify the initial counter value")
		flgs.StringVar(&cli.Bench.SharedFile, "shared-file", "", "specify the shared word file")
		flgs.Func("metrics-on", "specify a metrics listening address", func(v string) error {
			metrics_on = append(metrics_on, v)
			return nil
		})
		flgs.BoolVar(&hold, "hold", false, "keep serving metrics after the bench until terminated")
		flgs.SetOutput(io.Discard) // prevent usage output
		err = flgs.Parse(os.Args[2:])
		if err != nil {
			fmt.Printf("ERROR: %s\n", err.Error())
			goto wrong_usage
		}
		if flgs.NArg() > 0 { goto wrong_usage }

		if cfgfile != "" {
			cfg, err = LoadConfig(cfgfile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration file %s - %s\n", cfgfile, err.Error())
				goto oops
			}
		} else {
			cfg = default_config()
		}

		// command-line flags override the configuration file
		flgs.Visit(func(f *flag.Flag) {
			switch f.Name {
				case "backend": cfg.Bench.Backend = cli.Bench.Backend
				case "mode": cfg.Bench.Mode = cli.Bench.Mode
				case "workers": cfg.Bench.Workers = cli.Bench.Workers
				case "iterations": cfg.Bench.Iterations = cli.Bench.Iterations
				case "initial": cfg.Bench.Initial = cli.Bench.Initial
				case "shared-file": cfg.Bench.SharedFile = cli.Bench.SharedFile
				case "metrics-on": cfg.Metrics.ListenOn = metrics_on
			}
		})

		err = bench_main(cfg, hold)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: bench error - %s\n", err.Error())
			goto oops
		}
	} else if strings.EqualFold(os.Args[1], "word") {
		var file string
		var locked bool

		flgs = flag.NewFlagSet("", flag.ContinueOnError)
		flgs.StringVar(&file, "file", "", "specify the shared word file")
		flgs.BoolVar(&locked, "locked", false, "use the lock-based shared word")
		flgs.SetOutput(io.Discard)
		err = flgs.Parse(os.Args[2:])
		if err != nil {
			fmt.Printf("ERROR: %s\n", err.Error())
			goto wrong_usage
		}

		if file == "" || flgs.NArg() < 1 { goto wrong_usage }
		err = word_main(file, locked, flgs.Args())
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: word error - %s\n", err.Error())
			goto oops
		}
	} else {
		goto wrong_usage
	}

	os.Exit(0)

wrong_usage:
	fmt.Fprintf(os.Stderr, "USAGE: %s bench [--config=file] [--backend=lock|word|shared|shared-locked] [--mode=update|try-update|scope]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "                [--workers=n] [--iterations=n] [--initial=n] [--shared-file=path] [--metrics-on=addr:port] [--hold]\n")
	fmt.Fprintf(os.Stderr, "       %s word --file=path [--locked] get|set v|add d|sub d|swap v|cas e n\n", os.Args[0])
	os.Exit(1)

oops:
	os.Exit(1)
}
