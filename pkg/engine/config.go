// Package engine implements the single-node coordinator binding together
// the commit log, memtables, SSTables, and compaction into the read/write
// API spec.md §4.7 describes. Grounded on the original implementation's
// database.rs (CoreDB, DatabaseConfig) and written in the teacher's
// pkg/lsm.go coordinator idiom (table-scoped locking, background worker
// goroutines started from a constructor).
package engine

import (
	"time"

	"github.com/mnohosten/lsm-cassandra/pkg/compaction"
	"github.com/mnohosten/lsm-cassandra/pkg/metrics"
	"github.com/mnohosten/lsm-cassandra/pkg/sstable"
)

// Config holds the engine's tunables, mirroring the original
// implementation's DatabaseConfig defaults.
type Config struct {
	DataDirectory      string
	CommitLogDirectory string

	MemtableFlushThresholdBytes int64
	ConcurrentReads             int
	ConcurrentWrites            int

	BloomFalsePositiveRate float64
	SSTableCompression     sstable.Algorithm

	CompactionStrategy           compaction.StrategyKind
	CompactionMaxLevels          int
	CompactionLevelMulti         float64
	MaxConcurrentCompactions     int
	CompactionThroughputMBPerSec int64

	// MaxFlushingMemtables caps how many rotated-out memtables may be
	// queued for an async flush at once; writes return enginerr.ErrMemtableFull
	// once the backlog reaches this depth. Zero or negative means unlimited.
	MaxFlushingMemtables int

	TTLSweepInterval     time.Duration
	CommitLogSegmentSize int64

	// Metrics is the registry background tasks and mutation/read paths
	// report through. Nil means Open builds a private prometheus.NewRegistry()
	// instance, so unit tests and multiple engines in one process never
	// collide on the default global registerer.
	Metrics *metrics.Registry
}

// DefaultConfig returns the original implementation's defaults translated
// to this engine's units (the original's memtable_flush_threshold_mb: 64
// becomes bytes here; compaction_throughput_mb_per_sec: 16 is passed
// straight through to a compaction.Throttle). MaxFlushingMemtables has no
// analogue in the original: its flush_memtable is awaited inline on the
// write path, so a table never has more than one memtable outstanding;
// this engine flushes asynchronously (checkFlush), so it needs an explicit
// backlog cap to bound memory when flush workers fall behind writers.
func DefaultConfig() Config {
	return Config{
		DataDirectory:                "./data",
		CommitLogDirectory:           "./commitlog",
		MemtableFlushThresholdBytes:  64 * 1024 * 1024,
		ConcurrentReads:              32,
		ConcurrentWrites:             32,
		BloomFalsePositiveRate:       0.01,
		SSTableCompression:           sstable.AlgorithmLZ4,
		CompactionStrategy:           compaction.StrategySizeTiered,
		CompactionMaxLevels:          7,
		CompactionLevelMulti:         10.0,
		MaxConcurrentCompactions:     2,
		CompactionThroughputMBPerSec: 16,
		MaxFlushingMemtables:         4,
		TTLSweepInterval:             60 * time.Second,
		CommitLogSegmentSize:         32 * 1024 * 1024,
	}
}
