package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a snapshot of the storage connection pool. It mirrors the
// pgxpool.Stat fields the dashboards use, so this package stays free of pgx.
type PoolStats struct {
	Total, Idle, Acquired, Max int32
	Acquires                   int64
	EmptyAcquires              int64
	AcquireWait                time.Duration
}

// PoolStatFunc returns the current pool snapshot at scrape time.
type PoolStatFunc func() PoolStats

type poolCollector struct {
	stat PoolStatFunc

	total, idle, acquired, max *prometheus.Desc
	acquires, empty, wait      *prometheus.Desc
}

func newPoolCollector(stat PoolStatFunc) *poolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("outpost_db_pool_"+name, help, nil, nil)
	}
	return &poolCollector{
		stat:     stat,
		total:    desc("total_conns", "Connections currently open in the pool."),
		idle:     desc("idle_conns", "Idle connections in the pool."),
		acquired: desc("acquired_conns", "Connections checked out by queries."),
		max:      desc("max_conns", "Configured pool size."),
		acquires: desc("acquires_total", "Successful connection acquires."),
		empty:    desc("empty_acquires_total", "Acquires that had to wait for a free connection."),
		wait:     desc("acquire_wait_seconds_total", "Time spent waiting for connections."),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.total, c.idle, c.acquired, c.max, c.acquires, c.empty, c.wait} {
		ch <- d
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(c.total, float64(s.Total))
	gauge(c.idle, float64(s.Idle))
	gauge(c.acquired, float64(s.Acquired))
	gauge(c.max, float64(s.Max))
	counter(c.acquires, float64(s.Acquires))
	counter(c.empty, float64(s.EmptyAcquires))
	counter(c.wait, s.AcquireWait.Seconds())
}
