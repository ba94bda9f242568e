// Package memtable implements the in-memory, ordered, concurrent partition
// store (spec.md §4.2): partition-key -> partition, partition ->
// (clustering-key -> row). Adapted from the teacher's pkg/lsm/memtable.go
// and pkg/lsm/skiplist.go, generalized from raw-byte keys to
// cqlvalue.Key-ordered partitions and rows, and from a single global lock to
// a partition-skiplist lock plus one mutex per partition so that concurrent
// puts to different partitions do not block each other (spec.md §4.2, §5).
package memtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnohosten/lsm-cassandra/pkg/cqlvalue"
)

// State is a position in the memtable lifecycle (spec.md §4.8).
type State int32

const (
	StateWritable State = iota
	StateFlushing
	StateDiscarded
)

func partitionCompare(a, b interface{}) int {
	return a.(cqlvalue.Key).Compare(b.(cqlvalue.Key))
}

func clusteringCompare(a, b interface{}) int {
	return a.(cqlvalue.Key).Compare(b.(cqlvalue.Key))
}

// partition is the runtime representation of a single partition: its static
// cells plus a clustering-key-ordered skip list of rows. Each partition
// carries its own mutex, so same-partition puts serialize while different
// partitions proceed independently (spec.md §4.2, §5).
type partition struct {
	mu        sync.Mutex
	key       cqlvalue.Key
	static    map[string]cqlvalue.Cell
	rows      *skipList // clustering Key -> *cqlvalue.Row
	tombstone *int64    // write-timestamp of the latest partition delete, if any
}

func newPartition(key cqlvalue.Key) *partition {
	return &partition{
		key:    key,
		static: make(map[string]cqlvalue.Cell),
		rows:   newSkipList(clusteringCompare),
	}
}

// Memtable is the LSM tree's in-memory write buffer.
type Memtable struct {
	schema *cqlvalue.Schema

	partitionsMu sync.RWMutex
	partitions   *skipList // partition Key -> *partition

	sizeBytes int64 // atomic
	createdAt time.Time
	state     atomic.Int32
}

// New creates an empty, writable memtable for the given schema.
func New(schema *cqlvalue.Schema) *Memtable {
	mt := &Memtable{
		schema:     schema,
		partitions: newSkipList(partitionCompare),
		createdAt:  time.Now(),
	}
	mt.state.Store(int32(StateWritable))
	return mt
}

// State returns the memtable's current lifecycle state.
func (mt *Memtable) State() State { return State(mt.state.Load()) }

// MarkFlushing transitions Writable -> Flushing; only a Writable memtable
// accepts Put afterward fails with ErrNotWritable.
func (mt *Memtable) MarkFlushing() { mt.state.Store(int32(StateFlushing)) }

// MarkDiscarded transitions Flushing -> Discarded once an SSTable has been
// produced from this memtable.
func (mt *Memtable) MarkDiscarded() { mt.state.Store(int32(StateDiscarded)) }

// CreatedAt returns the memtable's creation time.
func (mt *Memtable) CreatedAt() time.Time { return mt.createdAt }

// SizeBytes returns the current byte-size accounting (spec.md §3: sum of
// serialized_size of live keys+values+cell metadata).
func (mt *Memtable) SizeBytes() int64 { return atomic.LoadInt64(&mt.sizeBytes) }

// getOrCreatePartition finds the partition for a key, creating it under the
// partitions skiplist's write lock if absent. The common case (partition
// already exists) only needs a read lock.
func (mt *Memtable) getOrCreatePartition(key cqlvalue.Key) *partition {
	mt.partitionsMu.RLock()
	if v, ok := mt.partitions.search(key); ok {
		mt.partitionsMu.RUnlock()
		return v.(*partition)
	}
	mt.partitionsMu.RUnlock()

	mt.partitionsMu.Lock()
	defer mt.partitionsMu.Unlock()
	if v, ok := mt.partitions.search(key); ok {
		return v.(*partition)
	}
	p := newPartition(key)
	mt.partitions.insert(key, p)
	return p
}

// ErrNotWritable is returned by Put when the memtable has already been
// rolled out of the Writable state.
type ErrNotWritable struct{}

func (ErrNotWritable) Error() string { return "memtable: not writable" }

// Put inserts or replaces a row. If a row with the same clustering key
// already exists in the partition, size_bytes is adjusted by the delta
// between the new and old serialized sizes; otherwise the new row's full
// size is added (spec.md §4.2).
func (mt *Memtable) Put(row cqlvalue.Row) error {
	if mt.State() != StateWritable {
		return ErrNotWritable{}
	}

	p := mt.getOrCreatePartition(row.PartitionKey)

	p.mu.Lock()
	defer p.mu.Unlock()

	newSize := int64(row.SerializedSize())
	ckKey := interface{}(row.ClusteringKey)
	rowCopy := row
	old, existed := p.rows.insert(ckKey, &rowCopy)

	if existed {
		oldRow := old.(*cqlvalue.Row)
		atomic.AddInt64(&mt.sizeBytes, newSize-int64(oldRow.SerializedSize()))
	} else {
		atomic.AddInt64(&mt.sizeBytes, newSize)
	}

	for name, cell := range row.Static {
		oldCell, hadOld := p.static[name]
		if hadOld {
			atomic.AddInt64(&mt.sizeBytes, int64(cell.SerializedSize()-oldCell.SerializedSize()))
		} else {
			atomic.AddInt64(&mt.sizeBytes, int64(len(name)+cell.SerializedSize()))
		}
		p.static[name] = cell
	}

	return nil
}

// PutPartitionTombstone records a whole-partition delete. Any row with a
// write-timestamp at or before ts is shadowed on read; the tombstone itself
// is kept at the latest of any prior partition delete and ts (spec.md §3:
// "a partition tombstone shadows the whole partition up to its timestamp").
func (mt *Memtable) PutPartitionTombstone(partitionKey cqlvalue.Key, ts int64) error {
	if mt.State() != StateWritable {
		return ErrNotWritable{}
	}
	p := mt.getOrCreatePartition(partitionKey)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tombstone == nil || ts > *p.tombstone {
		p.tombstone = &ts
	}
	return nil
}

// shadowed reports whether a write-timestamp is covered by the partition's
// tombstone, if any.
func (p *partition) shadowed(writeTimestamp int64) bool {
	return p.tombstone != nil && writeTimestamp <= *p.tombstone
}

// Get returns the row for a partition+clustering key, or false if absent.
// When the table has no clustering columns, pass a nil/empty clusteringKey.
func (mt *Memtable) Get(partitionKey, clusteringKey cqlvalue.Key) (*cqlvalue.Row, bool) {
	mt.partitionsMu.RLock()
	v, ok := mt.partitions.search(partitionKey)
	mt.partitionsMu.RUnlock()
	if !ok {
		return nil, false
	}
	p := v.(*partition)

	p.mu.Lock()
	defer p.mu.Unlock()
	rv, ok := p.rows.search(interface{}(clusteringKey))
	if !ok {
		return nil, false
	}
	row := *rv.(*cqlvalue.Row)
	if p.shadowed(row.WriteTimestamp) {
		return nil, false
	}
	row.Static = cloneCells(p.static)
	return &row, true
}

func cloneCells(m map[string]cqlvalue.Cell) map[string]cqlvalue.Cell {
	out := make(map[string]cqlvalue.Cell, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RangeScan returns rows of one partition whose clustering key falls within
// [start, end] (either bound nil meaning -infinity/+infinity), in ascending
// clustering-key order (spec.md §4.2).
func (mt *Memtable) RangeScan(partitionKey cqlvalue.Key, start, end cqlvalue.Key) []*cqlvalue.Row {
	mt.partitionsMu.RLock()
	v, ok := mt.partitions.search(partitionKey)
	mt.partitionsMu.RUnlock()
	if !ok {
		return nil
	}
	p := v.(*partition)

	p.mu.Lock()
	defer p.mu.Unlock()

	var cursor *skipListNode
	if start == nil {
		cursor = p.rows.head.forward[0]
	} else {
		floor := p.rows.floorNode(interface{}(start))
		// floorNode returns the last node <= start; if that node's key is
		// strictly less than start, advance one so the scan is inclusive
		// of start itself but excludes anything below it.
		if floor == p.rows.head {
			cursor = p.rows.head.forward[0]
		} else if floor.key.(cqlvalue.Key).Compare(start) < 0 {
			cursor = floor.forward[0]
		} else {
			cursor = floor
		}
	}

	var out []*cqlvalue.Row
	for cursor != nil {
		ck := cursor.key.(cqlvalue.Key)
		if end != nil && ck.Compare(end) > 0 {
			break
		}
		row := *cursor.value.(*cqlvalue.Row)
		if !p.shadowed(row.WriteTimestamp) {
			row.Static = cloneCells(p.static)
			out = append(out, &row)
		}
		cursor = cursor.forward[0]
	}
	return out
}

// PartitionSnapshot is one partition's point-in-time contents, returned by
// IterPartitions for the flush path.
type PartitionSnapshot struct {
	Key       cqlvalue.Key
	Static    map[string]cqlvalue.Cell
	Rows      []*cqlvalue.Row // ascending clustering-key order, unfiltered by tombstone
	Tombstone *int64          // write-timestamp of a whole-partition delete, if any
}

// IterPartitions returns every partition in ascending partition-key order,
// each with its rows in ascending clustering-key order — the "sorted
// enumeration of partitions" the SSTable build step requires (spec.md
// §4.3). It is a point-in-time snapshot: later mutations do not affect the
// returned data.
func (mt *Memtable) IterPartitions() []PartitionSnapshot {
	mt.partitionsMu.RLock()
	defer mt.partitionsMu.RUnlock()

	var out []PartitionSnapshot
	node := mt.partitions.head.forward[0]
	for node != nil {
		p := node.value.(*partition)
		p.mu.Lock()
		snap := PartitionSnapshot{
			Key:       p.key,
			Static:    cloneCells(p.static),
			Tombstone: p.tombstone,
		}
		rowNode := p.rows.head.forward[0]
		for rowNode != nil {
			row := *rowNode.value.(*cqlvalue.Row)
			snap.Rows = append(snap.Rows, &row)
			rowNode = rowNode.forward[0]
		}
		p.mu.Unlock()
		out = append(out, snap)
		node = node.forward[0]
	}
	return out
}

// GetPartition returns a raw, unshadowed snapshot of one partition (static
// cells, every row, and the partition tombstone if any) for cross-source read
// reconciliation (spec.md §4.7). Unlike Get, it does not drop rows already
// shadowed by this memtable's own tombstone — the caller merges every
// source's view of a partition (this memtable, any still-flushing memtables,
// every candidate SSTable) and applies tombstone/TTL shadowing exactly once
// across the merged result.
func (mt *Memtable) GetPartition(partitionKey cqlvalue.Key) (PartitionSnapshot, bool) {
	mt.partitionsMu.RLock()
	v, ok := mt.partitions.search(partitionKey)
	mt.partitionsMu.RUnlock()
	if !ok {
		return PartitionSnapshot{}, false
	}
	p := v.(*partition)

	p.mu.Lock()
	defer p.mu.Unlock()
	snap := PartitionSnapshot{
		Key:       p.key,
		Static:    cloneCells(p.static),
		Tombstone: p.tombstone,
	}
	rowNode := p.rows.head.forward[0]
	for rowNode != nil {
		row := *rowNode.value.(*cqlvalue.Row)
		snap.Rows = append(snap.Rows, &row)
		rowNode = rowNode.forward[0]
	}
	return snap, true
}

// PartitionCount returns how many distinct partitions the memtable holds.
func (mt *Memtable) PartitionCount() int {
	mt.partitionsMu.RLock()
	defer mt.partitionsMu.RUnlock()
	return mt.partitions.Len()
}
