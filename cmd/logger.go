package main

import "atom"
import "fmt"
import "io"
import "os"
import "path/filepath"
import "runtime"
import "strings"
import "sync"
import "sync/atomic"
import "time"

const (
	app_logger_code_msg int = iota
	app_logger_code_stop
	app_logger_code_rotate
)

type app_logger_msg_t struct {
	code int
	data string
}

// AppLogger formats log lines on the calling goroutine and hands them over
// to a single writer goroutine so that callers rarely wait on i/o.
type AppLogger struct {
	id              string
	out             io.Writer
	mask            atom.LogMask
	closed          atomic.Bool

	file            *os.File
	file_name       string // kept as given. file.Name() may differ after rotation failure
	file_rotate     int
	file_max_size   int64
	msg_chan        chan app_logger_msg_t
	done_chan       chan struct{} // closed when logger_task returns
	wg              sync.WaitGroup
}

func NewAppLogger(id string, w io.Writer, mask atom.LogMask) *AppLogger {
	var l *AppLogger
	l = &AppLogger{
		id: id,
		out: w,
		mask: mask,
		msg_chan: make(chan app_logger_msg_t, 256),
		done_chan: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.logger_task()
	return l
}

func NewAppLoggerToFile(id string, file_name string, max_size int64, rotate int, mask atom.LogMask) (*AppLogger, error) {
	var l *AppLogger
	var f *os.File
	var matched bool
	var err error

	f, err = os.OpenFile(file_name, os.O_CREATE | os.O_APPEND | os.O_WRONLY, 0666)
	if err != nil { return nil, err }

	if os.PathSeparator == '/' {
		// no rotation for devices such as /dev/stderr
		matched, _ = filepath.Match("/dev/*", file_name)
		if matched {
			max_size = 0
			rotate = 0
		}
	}

	l = NewAppLogger(id, f, mask)
	l.file = f
	l.file_name = file_name
	l.file_max_size = max_size
	l.file_rotate = rotate
	return l, nil
}

func (l *AppLogger) Close() {
	if !l.closed.CompareAndSwap(false, true) { return }
	l.send(app_logger_msg_t{code: app_logger_code_stop})
	l.wg.Wait()
	if l.file != nil { l.file.Close() }
}

func (l *AppLogger) Rotate() {
	if l.closed.Load() { return }
	l.send(app_logger_msg_t{code: app_logger_code_rotate})
}

// send drops the message once logger_task is gone.
func (l *AppLogger) send(msg app_logger_msg_t) {
	select {
		case l.msg_chan <- msg:
		case <-l.done_chan:
	}
}

func (l *AppLogger) logger_task() {
	var msg app_logger_msg_t
	var fi os.FileInfo
	var err error

	defer l.wg.Done()
	defer close(l.done_chan)

	for msg = range l.msg_chan {
		switch msg.code {
			case app_logger_code_msg:
				io.WriteString(l.out, msg.data)
				if l.file_max_size > 0 && l.file != nil {
					fi, err = l.file.Stat()
					if err == nil && fi.Size() >= l.file_max_size { l.rotate() }
				}

			case app_logger_code_rotate:
				l.rotate()

			case app_logger_code_stop:
				return
		}
	}
}

func (l *AppLogger) Write(id string, level atom.LogLevel, fmtstr string, args ...interface{}) {
	if l.mask & atom.LogMask(level) == 0 { return }
	l.write(id, level, 1, fmtstr, args...)
}

func (l *AppLogger) WriteWithCallDepth(id string, level atom.LogLevel, call_depth int, fmtstr string, args ...interface{}) {
	if l.mask & atom.LogMask(level) == 0 { return }
	l.write(id, level, call_depth + 1, fmtstr, args...)
}

func (l *AppLogger) write(id string, level atom.LogLevel, call_depth int, fmtstr string, args ...interface{}) {
	var msg string
	var caller_file string
	var caller_line int
	var caller_ok bool
	var sb strings.Builder

	if l.closed.Load() { return }

	sb.WriteString(time.Now().Format("2006-01-02 15:04:05 -0700 "))

	_, caller_file, caller_line, caller_ok = runtime.Caller(1 + call_depth)
	if caller_ok {
		sb.WriteString(fmt.Sprintf("[%s:%d] ", filepath.Base(caller_file), caller_line))
	}
	sb.WriteString(l.id)
	if id != "" {
		sb.WriteString("(")
		sb.WriteString(id)
		sb.WriteString(")")
	}
	sb.WriteString(" ")
	sb.WriteString(level.String())
	sb.WriteString(": ")
	msg = fmt.Sprintf(fmtstr, args...)
	sb.WriteString(msg)
	if len(msg) <= 0 || msg[len(msg) - 1] != '\n' { sb.WriteRune('\n') }

	l.send(app_logger_msg_t{code: app_logger_code_msg, data: sb.String()})
}

// rotate shifts name.N to name.N+1 up to the configured count and starts
// a fresh file. it falls back to stderr if the fresh file can't be opened.
func (l *AppLogger) rotate() {
	var f *os.File
	var fi os.FileInfo
	var i int
	var err error

	if l.file == nil || l.file_rotate <= 0 { return }

	fi, err = l.file.Stat()
	if err == nil && fi.Size() <= 0 { return }

	for i = l.file_rotate - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", l.file_name, i), fmt.Sprintf("%s.%d", l.file_name, i + 1))
	}
	os.Rename(l.file_name, l.file_name + ".1")

	f, err = os.OpenFile(l.file_name, os.O_CREATE | os.O_TRUNC | os.O_APPEND | os.O_WRONLY, 0666)
	l.file.Close()
	if err != nil {
		l.file = nil
		l.out = os.Stderr
	} else {
		l.file = f
		l.out = f
	}
}
