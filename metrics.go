package atom

import "runtime"
import "sort"
import "sync"

import "github.com/prometheus/client_golang/prometheus"

type AtomicCollector struct {
	src_mtx          sync.Mutex
	srcs             map[string]StatsSource

	BuildInfo        *prometheus.Desc
	CasAttempts      *prometheus.Desc
	LostRaces        *prometheus.Desc
	UpdateRetries    *prometheus.Desc
	Conflicts        *prometheus.Desc
}

// NewAtomicCollector returns a new AtomicCollector with all prometheus.Desc initialized
func NewAtomicCollector(name string) *AtomicCollector {
	var prefix string
	var labels []string

	prefix = name + "_"
	labels = []string{"atomic"}
	return &AtomicCollector{
		srcs: make(map[string]StatsSource),

		BuildInfo: prometheus.NewDesc(
			prefix + "build_info",
			"Build information",
			[]string{
				"goarch",
				"goos",
				"goversion",
				"version",
			}, nil,
		),

		CasAttempts: prometheus.NewDesc(
			prefix + "cas_attempts_total",
			"Number of compare-and-set attempts",
			labels, nil,
		),
		LostRaces: prometheus.NewDesc(
			prefix + "lost_races_total",
			"Number of compare-and-set attempts that found an unexpected value or a busy lock",
			labels, nil,
		),
		UpdateRetries: prometheus.NewDesc(
			prefix + "update_retries_total",
			"Number of read-compute-commit cycles started over",
			labels, nil,
		),
		Conflicts: prometheus.NewDesc(
			prefix + "conflicts_total",
			"Number of single-attempt updates failed with a concurrent update",
			labels, nil,
		),
	}
}

func (c *AtomicCollector) Add(name string, src StatsSource) {
	c.src_mtx.Lock()
	c.srcs[name] = src
	c.src_mtx.Unlock()
}

func (c *AtomicCollector) Remove(name string) {
	c.src_mtx.Lock()
	delete(c.srcs, name)
	c.src_mtx.Unlock()
}

func (c *AtomicCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.BuildInfo
	ch <- c.CasAttempts
	ch <- c.LostRaces
	ch <- c.UpdateRetries
	ch <- c.Conflicts
}

func (c *AtomicCollector) Collect(ch chan<- prometheus.Metric) {
	var names []string
	var name string
	var srcs map[string]StatsSource
	var st AtomicStats

	ch <- prometheus.MustNewConstMetric(
		c.BuildInfo,
		prometheus.GaugeValue,
		1,
		runtime.GOARCH,
		runtime.GOOS,
		runtime.Version(),
		ATOM_VERSION,
	)

	c.src_mtx.Lock()
	srcs = make(map[string]StatsSource, len(c.srcs))
	for name = range c.srcs {
		srcs[name] = c.srcs[name]
		names = append(names, name)
	}
	c.src_mtx.Unlock()
	sort.Strings(names)

	for _, name = range names {
		st = srcs[name].Stats()

		ch <- prometheus.MustNewConstMetric(
			c.CasAttempts,
			prometheus.CounterValue,
			float64(st.CasAttempts),
			name,
		)

		ch <- prometheus.MustNewConstMetric(
			c.LostRaces,
			prometheus.CounterValue,
			float64(st.LostRaces),
			name,
		)

		ch <- prometheus.MustNewConstMetric(
			c.UpdateRetries,
			prometheus.CounterValue,
			float64(st.UpdateRetries),
			name,
		)

		ch <- prometheus.MustNewConstMetric(
			c.Conflicts,
			prometheus.CounterValue,
			float64(st.Conflicts),
			name,
		)
	}
}
