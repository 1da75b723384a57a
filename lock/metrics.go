package lock

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	locksAcquired prometheus.Counter
	locksReleased prometheus.Counter
	locksDenied   prometheus.Counter
	locksExpired  prometheus.Counter
	tableSize     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		locksAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lock_locks_acquired_total", Help: "Resource locks successfully acquired.",
		}),
		locksReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lock_locks_released_total", Help: "Resource locks released.",
		}),
		locksDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lock_locks_denied_total", Help: "Acquire attempts denied by an incompatible lock.",
		}),
		locksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lock_locks_expired_total", Help: "Held locks reclaimed by lazy TTL expiry.",
		}),
		tableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lock_table_size", Help: "Current number of held resource locks.",
		}),
	}
	for _, c := range []prometheus.Collector{m.locksAcquired, m.locksReleased, m.locksDenied, m.locksExpired, m.tableSize} {
		_ = reg.Register(c)
	}
	return m
}
