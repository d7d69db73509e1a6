package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Keys for the commit outcome label.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Metrics holds the collectors of one storage engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PutTotal         prometheus.Counter
	DeleteTotal      prometheus.Counter
	WALBytesTotal    prometheus.Counter
	ReplayedOpsTotal prometheus.Counter
	CommitTotal      *prometheus.CounterVec
	CommitDuration   prometheus.Histogram
	Version          prometheus.Gauge
	Keys             prometheus.Gauge
}

// New builds the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simpledb_put_total",
			Help: "Cumulative number of acknowledged puts.",
		}),
		DeleteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simpledb_delete_total",
			Help: "Cumulative number of acknowledged deletes.",
		}),
		WALBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simpledb_wal_bytes_total",
			Help: "Cumulative number of bytes appended to the write-ahead log.",
		}),
		ReplayedOpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simpledb_replayed_operations_total",
			Help: "Cumulative number of log operations replayed during recovery.",
		}),
		CommitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simpledb_commit_total",
			Help: "Cumulative number of commits by outcome.",
		}, []string{"status"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simpledb_commit_duration_seconds",
			Help:    "Duration of successful commits.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		Version: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simpledb_version",
			Help: "Current canonical store version.",
		}),
		Keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simpledb_keys",
			Help: "Number of keys in the record set.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PutTotal,
			m.DeleteTotal,
			m.WALBytesTotal,
			m.ReplayedOpsTotal,
			m.CommitTotal,
			m.CommitDuration,
			m.Version,
			m.Keys,
		)
	}
	return m
}

func (m *Metrics) ObservePut(walBytes int) {
	if m == nil {
		return
	}
	m.PutTotal.Inc()
	m.WALBytesTotal.Add(float64(walBytes))
}

func (m *Metrics) ObserveDelete(walBytes int) {
	if m == nil {
		return
	}
	m.DeleteTotal.Inc()
	m.WALBytesTotal.Add(float64(walBytes))
}

func (m *Metrics) ObserveReplay(ops int) {
	if m == nil {
		return
	}
	m.ReplayedOpsTotal.Add(float64(ops))
}

// ObserveCommit records a commit outcome. The duration is only recorded for
// successful commits.
func (m *Metrics) ObserveCommit(err error, took time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.CommitTotal.WithLabelValues(Fail).Inc()
		return
	}
	m.CommitTotal.WithLabelValues(Ok).Inc()
	m.CommitDuration.Observe(took.Seconds())
}

func (m *Metrics) SetState(version uint64, keys int) {
	if m == nil {
		return
	}
	m.Version.Set(float64(version))
	m.Keys.Set(float64(keys))
}
