package atom

import "container/list"
import "context"
import "errors"
import "fmt"
import "net"
import "net/http"
import "sync"
import "sync/atomic"
import "time"

import "github.com/prometheus/client_golang/prometheus"
import "github.com/prometheus/client_golang/prometheus/promhttp"
import "golang.org/x/net/netutil"

const METRICS_PATH string = "/_ctl/metrics"

type MetricsServer struct {
	Ctx        context.Context
	CtxCancel  context.CancelFunc

	name       string
	log        Logger
	addrs      []string
	max_conns  int

	wg         sync.WaitGroup
	stop_req   atomic.Bool

	mux        *http.ServeMux
	hs         []*http.Server
	laddrs_mtx sync.Mutex
	laddrs     *list.List // of net.Addr

	promreg    *prometheus.Registry
}

func tcp_addr_str_class(addr string) string {
	if len(addr) > 0 {
		switch addr[0] {
			case '[':
				return "tcp6"
			case ':':
				return "tcp"
			default:
				return "tcp4"
		}
	}

	return "tcp"
}

// NewMetricsServer prepares http servers on addrs exposing the Go runtime
// metrics and the given collectors. max_conns caps concurrent connections
// per listener when positive.
func NewMetricsServer(ctx context.Context, name string, logger Logger, addrs []string, max_conns int, collectors ...prometheus.Collector) (*MetricsServer, error) {
	var m MetricsServer
	var addr string
	var c prometheus.Collector
	var err error

	if len(addrs) <= 0 { return nil, fmt.Errorf("no metrics address specified") }

	m.name = name
	m.log = logger
	m.addrs = addrs
	m.max_conns = max_conns
	m.laddrs = list.New()
	m.Ctx, m.CtxCancel = context.WithCancel(ctx)

	m.promreg = prometheus.NewRegistry()
	m.promreg.MustRegister(prometheus.NewGoCollector())
	for _, c = range collectors {
		err = m.promreg.Register(c)
		if err != nil {
			m.CtxCancel()
			return nil, fmt.Errorf("unable to register collector - %w", err)
		}
	}

	m.mux = http.NewServeMux()
	m.mux.Handle(METRICS_PATH,
		promhttp.HandlerFor(m.promreg, promhttp.HandlerOpts{ EnableOpenMetrics: true }))

	m.hs = make([]*http.Server, len(addrs))
	for i := 0; i < len(addrs); i++ {
		addr = addrs[i]
		m.hs[i] = &http.Server{
			Addr: addr,
			Handler: m.mux,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext: func(l net.Listener) context.Context { return m.Ctx },
		}
	}

	return &m, nil
}

func (m *MetricsServer) Name() string {
	return m.name
}

func (m *MetricsServer) run_single_server(i int, hs *http.Server, wg *sync.WaitGroup) {
	var l net.Listener
	var err error

	defer wg.Done()

	m.log.Write(m.name, LOG_INFO, "metrics channel[%d] started on %s", i, m.addrs[i])

	if m.stop_req.Load() == false {
		l, err = net.Listen(tcp_addr_str_class(hs.Addr), hs.Addr)
		if err == nil {
			if m.stop_req.Load() == false {
				var node *list.Element

				if m.max_conns > 0 { l = netutil.LimitListener(l, m.max_conns) }

				m.laddrs_mtx.Lock()
				node = m.laddrs.PushBack(l.Addr())
				m.laddrs_mtx.Unlock()

				err = hs.Serve(l)

				m.laddrs_mtx.Lock()
				m.laddrs.Remove(node)
				m.laddrs_mtx.Unlock()
			} else {
				err = fmt.Errorf("stop requested")
			}
			l.Close()
		}
	} else {
		err = fmt.Errorf("stop requested")
	}

	if err == nil || errors.Is(err, http.ErrServerClosed) {
		m.log.Write(m.name, LOG_INFO, "metrics channel[%d] ended", i)
	} else {
		m.log.Write(m.name, LOG_ERROR, "metrics channel[%d] error - %s", i, err.Error())
	}
}

func (m *MetricsServer) RunTask(wg *sync.WaitGroup) {
	var hs *http.Server
	var idx int
	var l_wg sync.WaitGroup

	defer wg.Done()

	for idx, hs = range m.hs {
		l_wg.Add(1)
		go m.run_single_server(idx, hs, &l_wg)
	}
	l_wg.Wait()
}

func (m *MetricsServer) ReqStop() {
	if m.stop_req.CompareAndSwap(false, true) {
		var hs *http.Server

		m.CtxCancel()
		for _, hs = range m.hs {
			hs.Shutdown(m.Ctx) // to break hs.Serve()
			hs.Close()
		}
	}
}

func (m *MetricsServer) StartService(data interface{}) {
	m.wg.Add(1)
	go m.RunTask(&m.wg)
}

func (m *MetricsServer) StopServices() {
	m.ReqStop()
}

func (m *MetricsServer) WaitForTermination() {
	m.wg.Wait()
}

func (m *MetricsServer) WriteLog(id string, level LogLevel, fmtstr string, args ...interface{}) {
	m.log.Write(id, level, fmtstr, args...)
}

// GetFirstAddr returns the address of the first listener that is serving.
// It returns nil if none is serving yet.
func (m *MetricsServer) GetFirstAddr() net.Addr {
	var e *list.Element
	m.laddrs_mtx.Lock()
	defer m.laddrs_mtx.Unlock()
	e = m.laddrs.Front()
	if e == nil { return nil }
	return e.Value.(net.Addr)
}
