// Package metrics collects the prometheus instrumentation used by the
// queue and the database pool.
package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var staticLabels = []string{"application_name"}

// PoolStater is implemented by *pgxpool.Pool.
type PoolStater interface {
	Stat() *pgxpool.Stat
}

// poolCollector reports the nine pgxpool.Stat gauges/counters under a
// stable metric family, labeled by application name so multiple pools in
// one process stay distinguishable.
type poolCollector struct {
	name string
	pool PoolStater

	acquireCount         *prometheus.Desc
	acquireDuration      *prometheus.Desc
	acquiredConns        *prometheus.Desc
	canceledAcquireCount *prometheus.Desc
	constructingConns    *prometheus.Desc
	emptyAcquireCount    *prometheus.Desc
	idleConns            *prometheus.Desc
	maxConns             *prometheus.Desc
	totalConns           *prometheus.Desc
}

// NewPoolCollector returns a prometheus.Collector for a pgxpool.Pool's
// connection statistics.
func NewPoolCollector(pool PoolStater, appname string) prometheus.Collector {
	return &poolCollector{
		name: appname,
		pool: pool,
		acquireCount: prometheus.NewDesc("imgtag_pgxpool_acquire_count",
			"Cumulative count of successful acquires from the pool.", staticLabels, nil),
		acquireDuration: prometheus.NewDesc("imgtag_pgxpool_acquire_duration_seconds_total",
			"Total duration of all successful acquires from the pool.", staticLabels, nil),
		acquiredConns: prometheus.NewDesc("imgtag_pgxpool_acquired_conns",
			"Number of currently acquired connections in the pool.", staticLabels, nil),
		canceledAcquireCount: prometheus.NewDesc("imgtag_pgxpool_canceled_acquire_count",
			"Cumulative count of acquires canceled by a context.", staticLabels, nil),
		constructingConns: prometheus.NewDesc("imgtag_pgxpool_constructing_conns",
			"Number of conns under construction in the pool.", staticLabels, nil),
		emptyAcquireCount: prometheus.NewDesc("imgtag_pgxpool_empty_acquire_count",
			"Cumulative count of acquires that waited because the pool was empty.", staticLabels, nil),
		idleConns: prometheus.NewDesc("imgtag_pgxpool_idle_conns",
			"Number of currently idle conns in the pool.", staticLabels, nil),
		maxConns: prometheus.NewDesc("imgtag_pgxpool_max_conns",
			"Maximum size of the pool.", staticLabels, nil),
		totalConns: prometheus.NewDesc("imgtag_pgxpool_total_conns",
			"Total number of resources currently in the pool.", staticLabels, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.CounterValue, float64(s.AcquireCount()), c.name)
	ch <- prometheus.MustNewConstMetric(c.acquireDuration, prometheus.CounterValue, time.Duration(s.AcquireDuration()).Seconds(), c.name)
	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(s.AcquiredConns()), c.name)
	ch <- prometheus.MustNewConstMetric(c.canceledAcquireCount, prometheus.CounterValue, float64(s.CanceledAcquireCount()), c.name)
	ch <- prometheus.MustNewConstMetric(c.constructingConns, prometheus.GaugeValue, float64(s.ConstructingConns()), c.name)
	ch <- prometheus.MustNewConstMetric(c.emptyAcquireCount, prometheus.CounterValue, float64(s.EmptyAcquireCount()), c.name)
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(s.IdleConns()), c.name)
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(s.MaxConns()), c.name)
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(s.TotalConns()), c.name)
}
