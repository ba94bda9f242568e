// Package metrics exposes the engine's ambient operational counters through
// a real Prometheus registry. Adapted from the teacher's
// pkg/metrics/{metrics.go,prometheus.go} pair (atomic counters plus a
// hand-rolled text exporter) onto github.com/prometheus/client_golang/prometheus
// CounterVec/Gauge/HistogramVec fields, the way dd0wney-graphdb's
// pkg/metrics/metrics_types.go builds its Registry — the teacher's
// categories (operation counts, failures, timing histograms) carry over,
// remapped from document-store operations (query/insert/update/delete) to
// this engine's mutation/read/flush/compaction surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry collects every metric the coordinator and its background tasks
// update. One Registry is created per engine instance and registered into
// a caller-supplied prometheus.Registerer (or the default global registry).
type Registry struct {
	Inserts       *prometheus.CounterVec
	Reads         *prometheus.CounterVec
	RangeScans    *prometheus.CounterVec
	Deletes       *prometheus.CounterVec
	Flushes       prometheus.Counter
	FlushFailures prometheus.Counter
	Compactions   prometheus.Counter
	CompactionFailures prometheus.Counter
	BloomChecks   *prometheus.CounterVec // label "hit"/"miss"
	TTLPurged     prometheus.Counter

	FlushDuration      prometheus.Histogram
	CompactionDuration prometheus.Histogram
	MutationDuration   prometheus.Histogram

	MemtableBytes  *prometheus.GaugeVec // label table
	SSTableCount   *prometheus.GaugeVec // label table
	KeyspaceCount  prometheus.Gauge
	TableCount     prometheus.Gauge
}

// New builds a Registry with every metric registered under the "lsmengine"
// namespace and registers it into reg. Pass prometheus.NewRegistry() for an
// isolated registry (tests) or nil to use the default global registerer.
func New(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWithPrefix("lsmengine_", reg)

	m := &Registry{
		Inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mutations_total",
			Help: "Mutations accepted by kind (insert, delete, partition_delete).",
		}, []string{"kind"}),
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reads_total",
			Help: "Point reads by result (hit, miss).",
		}, []string{"result"}),
		RangeScans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "range_scans_total",
			Help: "Range scans executed by result (hit, miss).",
		}, []string{"result"}),
		Deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deletes_total",
			Help: "Delete mutations by kind (row, partition).",
		}, []string{"kind"}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flushes_total",
			Help: "Memtable flushes that produced a sealed SSTable.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flush_failures_total",
			Help: "Flush attempts that failed; the memtable stays in the flushing set and the flush is not retried.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compactions_total",
			Help: "Compaction tasks that completed successfully.",
		}),
		CompactionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compaction_failures_total",
			Help: "Compaction tasks that failed; inputs were left in place.",
		}),
		BloomChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bloom_checks_total",
			Help: "SSTable bloom filter checks by outcome (hit, miss).",
		}, []string{"outcome"}),
		TTLPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttl_sweeps_total",
			Help: "Compaction checks scheduled by the TTL sweep, one per table per sweep pass.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flush_duration_seconds",
			Help:    "Wall-clock time to flush a memtable into a sealed SSTable.",
			Buckets: prometheus.DefBuckets,
		}),
		CompactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "compaction_duration_seconds",
			Help:    "Wall-clock time to merge a compaction task's inputs.",
			Buckets: prometheus.DefBuckets,
		}),
		MutationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mutation_duration_seconds",
			Help:    "End-to-end latency of InsertRow/Delete/PartitionDelete.",
			Buckets: prometheus.DefBuckets,
		}),
		MemtableBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memtable_bytes",
			Help: "Current memtable size_bytes per table.",
		}, []string{"keyspace", "table"}),
		SSTableCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sstable_count",
			Help: "Current number of live SSTables per table.",
		}, []string{"keyspace", "table"}),
		KeyspaceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyspace_count",
			Help: "Number of registered keyspaces.",
		}),
		TableCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "table_count",
			Help: "Number of registered tables across all keyspaces.",
		}),
	}

	factory.MustRegister(
		m.Inserts, m.Reads, m.RangeScans, m.Deletes,
		m.Flushes, m.FlushFailures, m.Compactions, m.CompactionFailures,
		m.BloomChecks, m.TTLPurged,
		m.FlushDuration, m.CompactionDuration, m.MutationDuration,
		m.MemtableBytes, m.SSTableCount, m.KeyspaceCount, m.TableCount,
	)
	return m
}

// ObserveMutation records a completed InsertRow/Delete/PartitionDelete.
func (m *Registry) ObserveMutation(kind string, d time.Duration) {
	m.Inserts.WithLabelValues(kind).Inc()
	m.MutationDuration.Observe(d.Seconds())
}

// ObserveRead records a point read's hit/miss outcome.
func (m *Registry) ObserveRead(hit bool) {
	if hit {
		m.Reads.WithLabelValues("hit").Inc()
		return
	}
	m.Reads.WithLabelValues("miss").Inc()
}

// ObserveBloomCheck records whether an SSTable's bloom filter let a read
// proceed to the index lookup ("hit") or short-circuited it ("miss").
func (m *Registry) ObserveBloomCheck(mightContain bool) {
	if mightContain {
		m.BloomChecks.WithLabelValues("hit").Inc()
		return
	}
	m.BloomChecks.WithLabelValues("miss").Inc()
}

// ObserveFlush records a completed (successful or failed) flush attempt.
func (m *Registry) ObserveFlush(ok bool, d time.Duration) {
	if ok {
		m.Flushes.Inc()
		m.FlushDuration.Observe(d.Seconds())
		return
	}
	m.FlushFailures.Inc()
}

// ObserveCompaction records a completed (successful or failed) compaction task.
func (m *Registry) ObserveCompaction(ok bool, d time.Duration) {
	if ok {
		m.Compactions.Inc()
		m.CompactionDuration.Observe(d.Seconds())
		return
	}
	m.CompactionFailures.Inc()
}

// SetMemtableBytes and SetSSTableCount update the per-table gauges.
func (m *Registry) SetMemtableBytes(keyspace, table string, bytes int64) {
	m.MemtableBytes.WithLabelValues(keyspace, table).Set(float64(bytes))
}

func (m *Registry) SetSSTableCount(keyspace, table string, count int) {
	m.SSTableCount.WithLabelValues(keyspace, table).Set(float64(count))
}
