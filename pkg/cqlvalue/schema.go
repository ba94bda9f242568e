package cqlvalue

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

var structValidate = validator.New()

// Column describes one column of a table: its name, declared type, and
// whether it is static (attached to the partition rather than the row).
type Column struct {
	Name   string `validate:"required"`
	Type   Kind
	Static bool
}

// CompactionStrategyName selects which compaction algorithm a table uses.
type CompactionStrategyName string

const (
	CompactionSizeTiered CompactionStrategyName = "size_tiered"
	CompactionLeveled    CompactionStrategyName = "leveled"
)

// TableOptions holds the per-table tunables spec.md §3 attaches to a Schema.
type TableOptions struct {
	CompactionStrategy  CompactionStrategyName `validate:"required"`
	BloomFalsePositive  float64                `validate:"gt=0,lt=1"`
	DefaultTTLSeconds   int32                  `validate:"gte=0"`
	GCGraceSeconds      int32                  `validate:"gte=0"`
}

// DefaultTableOptions returns sensible defaults, mirroring Cassandra's own
// defaults (10 day gc_grace, 1% bloom false-positive rate).
func DefaultTableOptions() TableOptions {
	return TableOptions{
		CompactionStrategy: CompactionSizeTiered,
		BloomFalsePositive: 0.01,
		DefaultTTLSeconds:  0,
		GCGraceSeconds:     10 * 24 * 3600,
	}
}

// Schema describes a table: its owning keyspace, name, ordered key columns,
// regular/static columns, and options.
type Schema struct {
	Keyspace        string   `validate:"required"`
	Table           string   `validate:"required"`
	PartitionKey    []Column `validate:"required,min=1"`
	ClusteringKey   []Column
	Regular         []Column
	Static          []Column
	Options         TableOptions
}

// Validate checks the struct-tag constraints via go-playground/validator and
// the key-column invariants spec.md §3 requires that cannot be expressed as
// tags (uniqueness across the two key column sets, non-empty partition key).
func (s *Schema) Validate() error {
	if err := structValidate.Struct(s); err != nil {
		return err
	}
	if err := structValidate.Struct(&s.Options); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, c := range s.PartitionKey {
		if seen[c.Name] {
			return fmt.Errorf("cqlvalue: duplicate key column %q", c.Name)
		}
		seen[c.Name] = true
	}
	for _, c := range s.ClusteringKey {
		if seen[c.Name] {
			return fmt.Errorf("cqlvalue: duplicate key column %q", c.Name)
		}
		seen[c.Name] = true
	}
	for _, c := range append(append([]Column{}, s.Regular...), s.Static...) {
		if seen[c.Name] {
			return fmt.Errorf("cqlvalue: column %q collides with a key column", c.Name)
		}
	}
	return nil
}

// ColumnType returns the declared Kind of a named column, or false if the
// column does not exist on this schema.
func (s *Schema) ColumnType(name string) (Kind, bool) {
	for _, cols := range [][]Column{s.PartitionKey, s.ClusteringKey, s.Regular, s.Static} {
		for _, c := range cols {
			if c.Name == name {
				return c.Type, true
			}
		}
	}
	return KindNull, false
}

// Key is an ordered tuple of values forming a partition or clustering key.
type Key []Value

// Compare orders two keys component-wise; shorter keys sort before longer
// keys that otherwise share a common prefix.
func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		if c := k[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	return compareInt64(int64(len(k)), int64(len(o)))
}

// Equal reports whether two keys have identical components.
func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if !k[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// SerializedSize returns the exact encoded size of the key's components.
func (k Key) SerializedSize() int {
	total := 0
	for _, v := range k {
		total += v.SerializedSize()
	}
	return total
}

// CacheKey returns the domain-separated bloom filter hashing key for a
// partition key: the concatenation of each component's own CacheKey.
func (k Key) CacheKey() []byte {
	var out []byte
	for _, v := range k {
		out = append(out, v.CacheKey()...)
	}
	return out
}

// Cell is a single column's value at a write-timestamp, optionally a
// tombstone and/or TTL-bearing.
type Cell struct {
	Value         Value
	WriteTimestamp int64 // microseconds
	TTL            *int32 // seconds, nil means no TTL
	Tombstone      bool
}

// SerializedSize is the deterministic size accounting spec.md §3 requires
// for memtable byte-size bookkeeping: the value plus fixed cell metadata.
func (c Cell) SerializedSize() int {
	const metaBytes = 8 + 4 + 1 // timestamp + ttl + tombstone flag
	return c.Value.SerializedSize() + metaBytes
}

// Expired reports whether the cell's TTL (relative to WriteTimestamp) has
// elapsed as of "now" (microseconds since epoch).
func (c Cell) Expired(nowMicros int64) bool {
	if c.TTL == nil {
		return false
	}
	expiresAt := c.WriteTimestamp + int64(*c.TTL)*1_000_000
	return nowMicros >= expiresAt
}

// PurgeableAfterGrace reports whether a tombstone cell may be dropped by
// compaction: it must be a tombstone and its grace period must have passed.
func (c Cell) PurgeableAfterGrace(nowMicros int64, gcGraceSeconds int32) bool {
	if !c.Tombstone {
		return false
	}
	purgeAt := c.WriteTimestamp + int64(gcGraceSeconds)*1_000_000
	return nowMicros >= purgeAt
}

// Row is a single logical row: its keys, its cells keyed by column name, and
// the row-level write timestamp used for partition-delete shadowing.
type Row struct {
	PartitionKey   Key
	ClusteringKey  Key // nil/empty when the table has no clustering columns
	Static         map[string]Cell
	Cells          map[string]Cell
	WriteTimestamp int64
}

// SerializedSize accounts for keys, static cells, and regular cells — the
// quantity the memtable sums into its size_bytes counter (spec.md §3, §4.2).
func (r *Row) SerializedSize() int {
	total := r.PartitionKey.SerializedSize() + r.ClusteringKey.SerializedSize()
	for name, c := range r.Cells {
		total += len(name) + c.SerializedSize()
	}
	for name, c := range r.Static {
		total += len(name) + c.SerializedSize()
	}
	return total
}

// SortedCellNames returns the row's regular-cell column names in ascending
// order, used when writing a partition block deterministically.
func (r *Row) SortedCellNames() []string {
	names := make([]string, 0, len(r.Cells))
	for n := range r.Cells {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
