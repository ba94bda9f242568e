// Package compaction implements the background merge engine that folds
// multiple SSTables into fewer, larger ones: a level manager that selects
// what to compact, cross-SSTable cell reconciliation, and a bounded task
// queue (spec.md §4.5). Strategy and its size-tiered/leveled settings are
// carried as configuration only; selection always goes through
// LevelManager's per-level thresholds, and no code groups SSTables by size.
// Grounded on the original
// implementation's compaction.rs (CompactionStrategy, LevelManager,
// get_threshold_for_level, update_after_compaction) and written in the
// teacher's worker/channel idiom from pkg/lsm/lsm.go's flushWorker and
// compactionWorker goroutines.
package compaction

import (
	"container/heap"
	"fmt"

	"github.com/google/uuid"

	"github.com/mnohosten/lsm-cassandra/pkg/cqlvalue"
	"github.com/mnohosten/lsm-cassandra/pkg/sstable"
)

// StrategyKind selects which compaction algorithm a table uses.
type StrategyKind int

const (
	StrategySizeTiered StrategyKind = iota
	StrategyLeveled
)

// SizeTieredConfig holds size-tiered thresholds, defaulting to the original
// implementation's {4, 32}. No selection code reads it: SSTables are not
// grouped by size, and what compacts is decided by LevelManager.
type SizeTieredConfig struct {
	MinThreshold int
	MaxThreshold int
}

// DefaultSizeTiered mirrors the original implementation's Default impl.
func DefaultSizeTiered() SizeTieredConfig {
	return SizeTieredConfig{MinThreshold: 4, MaxThreshold: 32}
}

// LeveledConfig grows each level's target SSTable count by
// LevelSizeMultiplier relative to the last, with L0 fixed at 4 (spec.md
// §4.5; compaction.rs get_threshold_for_level).
type LeveledConfig struct {
	LevelSizeMultiplier float64
	MaxLevels           int
}

// DefaultLeveled mirrors the original implementation's test fixture
// (multiplier 10.0).
func DefaultLeveled() LeveledConfig {
	return LeveledConfig{LevelSizeMultiplier: 10.0, MaxLevels: 7}
}

// Strategy bundles which kind of compaction a table runs plus its tunables.
type Strategy struct {
	Kind        StrategyKind
	SizeTiered  SizeTieredConfig
	Leveled     LeveledConfig
}

// LevelManager tracks, per level, which SSTables currently live there, and
// decides when a level has accumulated enough SSTables to compact
// (compaction.rs LevelManager).
type LevelManager struct {
	levels    [][]*sstable.Reader
	multiplier float64
}

// NewLevelManager creates a manager with maxLevels levels (0..maxLevels-1).
func NewLevelManager(maxLevels int, multiplier float64) *LevelManager {
	return &LevelManager{
		levels:     make([][]*sstable.Reader, maxLevels),
		multiplier: multiplier,
	}
}

// AddSSTable places a newly-created SSTable at the given level (new flushes
// always land at level 0).
func (lm *LevelManager) AddSSTable(r *sstable.Reader, level int) {
	if level < len(lm.levels) {
		lm.levels[level] = append(lm.levels[level], r)
	}
}

// ThresholdForLevel returns how many SSTables a level may hold before it
// needs compacting: level 0 is fixed at 4; every level after that targets
// 10 * multiplier^level (compaction.rs get_threshold_for_level).
func (lm *LevelManager) ThresholdForLevel(level int) int {
	if level == 0 {
		return 4
	}
	threshold := 10.0
	for i := 0; i < level; i++ {
		threshold *= lm.multiplier
	}
	return int(threshold)
}

// NeedsCompaction returns the lowest level that has reached its threshold,
// and the SSTables currently at that level, or ok=false if none qualify.
func (lm *LevelManager) NeedsCompaction() (level int, inputs []*sstable.Reader, ok bool) {
	for lvl, readers := range lm.levels {
		if len(readers) >= lm.ThresholdForLevel(lvl) {
			out := make([]*sstable.Reader, len(readers))
			copy(out, readers)
			return lvl, out, true
		}
	}
	return 0, nil, false
}

// UpdateAfterCompaction removes the compacted inputs from level and appends
// the output to level+1, if level+1 is within range (compaction.rs
// update_after_compaction).
func (lm *LevelManager) UpdateAfterCompaction(level int, inputs []*sstable.Reader, output *sstable.Reader) {
	remaining := lm.levels[level][:0]
	for _, r := range lm.levels[level] {
		if !containsReader(inputs, r) {
			remaining = append(remaining, r)
		}
	}
	lm.levels[level] = remaining

	if output != nil && level+1 < len(lm.levels) {
		lm.levels[level+1] = append(lm.levels[level+1], output)
	}
}

func containsReader(set []*sstable.Reader, r *sstable.Reader) bool {
	for _, s := range set {
		if s == r {
			return true
		}
	}
	return false
}

// Levels returns a snapshot of the SSTables at each level, for stats
// reporting.
func (lm *LevelManager) Levels() [][]*sstable.Reader {
	out := make([][]*sstable.Reader, len(lm.levels))
	for i, l := range lm.levels {
		out[i] = append([]*sstable.Reader(nil), l...)
	}
	return out
}

// Merge reads every partition from the given readers, reconciles
// overlapping partitions and cells by last-write-wins timestamp, purges
// tombstones and expired cells past their grace period, and writes the
// result as a new SSTable (spec.md §4.5 merge rules). now is microseconds
// since epoch, used for TTL expiry and gc_grace purge decisions. throttle
// paces the write side to compaction_throughput_mb_per_sec; a nil throttle
// applies no pacing.
func Merge(dir string, readers []*sstable.Reader, algo sstable.Algorithm, bloomFP float64, gcGraceSeconds int32, now int64, throttle *Throttle) (*sstable.Reader, error) {
	merged, err := mergePartitions(readers, gcGraceSeconds, now)
	if err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, nil
	}

	w, err := sstable.NewWriter(dir, uuid.New(), algo, len(merged), bloomFP)
	if err != nil {
		return nil, err
	}
	for _, p := range merged {
		if err := w.WritePartition(*p); err != nil {
			w.Abort()
			return nil, err
		}
		throttle.Wait(partitionSizeBytes(p))
	}
	return w.Finish()
}

// partitionSizeBytes approximates the on-disk cost of a partition for
// throttling purposes; it need not match the compressed block size exactly,
// only track it closely enough to pace I/O.
func partitionSizeBytes(p *sstable.PartitionData) int {
	n := p.Key.SerializedSize()
	for _, c := range p.Static {
		n += c.SerializedSize()
	}
	for _, row := range p.Rows {
		n += row.SerializedSize()
	}
	return n
}

// mergePartitions performs a k-way merge across the readers' ascending
// partition streams, combining same-key partitions from different readers
// and dropping fully-purged ones.
func mergePartitions(readers []*sstable.Reader, gcGraceSeconds int32, now int64) ([]*sstable.PartitionData, error) {
	streams := make([][]*sstable.PartitionData, len(readers))
	for i, r := range readers {
		parts, err := r.AllPartitions()
		if err != nil {
			return nil, fmt.Errorf("compaction: read partitions: %w", err)
		}
		streams[i] = parts
	}

	pq := &partitionHeap{}
	heap.Init(pq)
	cursors := make([]int, len(streams))
	for i, s := range streams {
		if len(s) > 0 {
			heap.Push(pq, heapItem{partition: s[0], stream: i})
			cursors[i] = 1
		}
	}

	var out []*sstable.PartitionData
	for pq.Len() > 0 {
		first := heap.Pop(pq).(heapItem)
		group := []*sstable.PartitionData{first.partition}
		advance(pq, streams, cursors, first.stream)

		for pq.Len() > 0 && (*pq)[0].partition.Key.Equal(first.partition.Key) {
			next := heap.Pop(pq).(heapItem)
			group = append(group, next.partition)
			advance(pq, streams, cursors, next.stream)
		}

		merged := reconcilePartition(group, gcGraceSeconds, now)
		if merged != nil {
			out = append(out, merged)
		}
	}
	return out, nil
}

func advance(pq *partitionHeap, streams [][]*sstable.PartitionData, cursors []int, stream int) {
	idx := cursors[stream]
	if idx < len(streams[stream]) {
		heap.Push(pq, heapItem{partition: streams[stream][idx], stream: stream})
		cursors[stream] = idx + 1
	}
}

// reconcilePartition merges every source's view of one partition: the
// latest partition tombstone wins, cell-level last-write-wins applies per
// column per clustering key, and the result is dropped entirely if nothing
// survives (spec.md §4.5, §4.7).
func reconcilePartition(sources []*sstable.PartitionData, gcGraceSeconds int32, now int64) *sstable.PartitionData {
	var tombstone *int64
	for _, s := range sources {
		if s.Tombstone != nil && (tombstone == nil || *s.Tombstone > *tombstone) {
			ts := *s.Tombstone
			tombstone = &ts
		}
	}

	static := map[string]cqlvalue.Cell{}
	for _, s := range sources {
		mergeCellsInto(static, s.Static)
	}

	rowsByCK := map[string]*cqlvalue.Row{}
	for _, s := range sources {
		for _, row := range s.Rows {
			key := string(row.ClusteringKey.CacheKey())
			existing, ok := rowsByCK[key]
			if !ok {
				rowCopy := *row
				rowCopy.Cells = map[string]cqlvalue.Cell{}
				mergeCellsInto(rowCopy.Cells, row.Cells)
				rowsByCK[key] = &rowCopy
				continue
			}
			mergeCellsInto(existing.Cells, row.Cells)
			if row.WriteTimestamp > existing.WriteTimestamp {
				existing.WriteTimestamp = row.WriteTimestamp
			}
		}
	}

	var rows []*cqlvalue.Row
	for _, row := range rowsByCK {
		purgeExpiredAndTombstoned(row, tombstone, gcGraceSeconds, now)
		if len(row.Cells) > 0 {
			rows = append(rows, row)
		}
	}
	sortRows(rows)

	if len(rows) == 0 && len(static) == 0 && (tombstone == nil || pastGrace(*tombstone, gcGraceSeconds, now)) {
		return nil
	}

	return &sstable.PartitionData{
		Key:       sources[0].Key,
		Static:    static,
		Rows:      rows,
		Tombstone: tombstoneIfLive(tombstone, gcGraceSeconds, now),
	}
}

func tombstoneIfLive(tombstone *int64, gcGraceSeconds int32, now int64) *int64 {
	if tombstone == nil || pastGrace(*tombstone, gcGraceSeconds, now) {
		return nil
	}
	return tombstone
}

func pastGrace(ts int64, gcGraceSeconds int32, now int64) bool {
	return now >= ts+int64(gcGraceSeconds)*1_000_000
}

// mergeCellsInto applies last-write-wins per column name.
func mergeCellsInto(dst map[string]cqlvalue.Cell, src map[string]cqlvalue.Cell) {
	for name, cell := range src {
		existing, ok := dst[name]
		if !ok || cell.WriteTimestamp >= existing.WriteTimestamp {
			dst[name] = cell
		}
	}
}

// purgeExpiredAndTombstoned drops cells shadowed by a partition tombstone,
// expired by TTL, or tombstoned themselves past gc_grace.
func purgeExpiredAndTombstoned(row *cqlvalue.Row, tombstone *int64, gcGraceSeconds int32, now int64) {
	for name, cell := range row.Cells {
		if tombstone != nil && cell.WriteTimestamp <= *tombstone {
			delete(row.Cells, name)
			continue
		}
		if cell.Expired(now) {
			delete(row.Cells, name)
			continue
		}
		if cell.PurgeableAfterGrace(now, gcGraceSeconds) {
			delete(row.Cells, name)
		}
	}
}

func sortRows(rows []*cqlvalue.Row) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j-1].ClusteringKey.Compare(rows[j].ClusteringKey) > 0; j-- {
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
}

// heapItem pairs a partition with the index of the stream it came from, so
// the merge can pull the next item from the same stream once this one is
// consumed.
type heapItem struct {
	partition *sstable.PartitionData
	stream    int
}

// partitionHeap orders heapItems by ascending partition key.
type partitionHeap []heapItem

func (h partitionHeap) Len() int { return len(h) }
func (h partitionHeap) Less(i, j int) bool {
	return h[i].partition.Key.Compare(h[j].partition.Key) < 0
}
func (h partitionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *partitionHeap) Push(x interface{}) {
	*h = append(*h, x.(heapItem))
}
func (h *partitionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
