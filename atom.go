package atom

import "errors"
import "sync"

const ATOM_VERSION string = "0.3.2"

type LogLevel int
type LogMask int

const (
	LOG_DEBUG LogLevel = 1 << iota
	LOG_ERROR
	LOG_WARN
	LOG_INFO
)

const LOG_ALL LogMask = LogMask(LOG_DEBUG | LOG_ERROR | LOG_WARN | LOG_INFO)
const LOG_NONE LogMask = LogMask(0)

type Logger interface {
	Write(id string, level LogLevel, fmtstr string, args ...interface{})
	WriteWithCallDepth(id string, level LogLevel, call_depth int, fmtstr string, args ...interface{})
	Rotate()
	Close()
}

type Service interface {
	RunTask(wg *sync.WaitGroup) // blocking. run the actual task loop. it must call wg.Done() upon exit from itself.
	StartService(data interface{}) // non-blocking. spin up a service. it may be invokded multiple times for multiple instances
	StopServices() // non-blocking. send stop request to all services spun up
	WaitForTermination() // blocking. must wait until all services are stopped
	WriteLog(id string, level LogLevel, fmtstr string, args ...interface{})
}

// ErrConcurrentUpdate is returned when a single commit attempt loses the
// race against another writer.
var ErrConcurrentUpdate error = errors.New("concurrent update")

var ErrTxnDone error = errors.New("transaction already finished")
var ErrFeedBlocked error = errors.New("feed blocked")

func (l LogLevel) String() string {
	switch l {
		case LOG_DEBUG:
			return "debug"
		case LOG_ERROR:
			return "error"
		case LOG_WARN:
			return "warn"
		case LOG_INFO:
			return "info"
	}
	return "unknown"
}
