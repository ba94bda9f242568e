// Package keyspace implements the catalog of keyspaces and tables the
// engine coordinates: the map-of-maps registry plus each table's live
// memtable, immutable (flushing) memtables, and SSTable set (spec.md §4.7).
// Grounded on the teacher's pkg/database/catalog.go for the
// RWMutex-guarded, map-backed registry shape, generalized from an on-disk
// page catalog to the original implementation's in-memory
// Keyspace{name, definition, tables} / Table{schema, memtables, sstables}
// model (database.rs).
package keyspace

import (
	"sync"

	"github.com/mnohosten/lsm-cassandra/pkg/compaction"
	"github.com/mnohosten/lsm-cassandra/pkg/cqlvalue"
	"github.com/mnohosten/lsm-cassandra/pkg/memtable"
	"github.com/mnohosten/lsm-cassandra/pkg/sstable"
)

// Table holds one table's schema and its runtime LSM state: the memtable
// currently accepting writes, any older memtables still being flushed, and
// the SSTables compaction currently tracks per level.
type Table struct {
	mu sync.RWMutex

	Schema *cqlvalue.Schema

	current  *memtable.Memtable
	flushing []*memtable.Memtable
	levels   *compaction.LevelManager
}

func newTable(schema *cqlvalue.Schema, maxLevels int, levelMultiplier float64) *Table {
	return &Table{
		Schema:  schema,
		current: memtable.New(schema),
		levels:  compaction.NewLevelManager(maxLevels, levelMultiplier),
	}
}

// Current returns the table's currently-writable memtable.
func (t *Table) Current() *memtable.Memtable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Levels returns the table's compaction level manager.
func (t *Table) Levels() *compaction.LevelManager {
	return t.levels
}

// Flushing returns the memtables still draining to disk, oldest first.
func (t *Table) Flushing() []*memtable.Memtable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*memtable.Memtable(nil), t.flushing...)
}

// RotateMemtable marks the current memtable as flushing, moves it to the
// flushing list, and installs a fresh writable memtable in its place
// (spec.md §4.2 "Flush trigger"). It returns the rotated-out memtable so
// the caller can hand it to the flush path.
func (t *Table) RotateMemtable() *memtable.Memtable {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.current
	old.MarkFlushing()
	t.flushing = append(t.flushing, old)
	t.current = memtable.New(t.Schema)
	return old
}

// RetireFlushed removes a memtable from the flushing list once its SSTable
// has been durably written and registered with the level manager.
func (t *Table) RetireFlushed(mt *memtable.Memtable) {
	mt.MarkDiscarded()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.flushing {
		if m == mt {
			t.flushing = append(t.flushing[:i], t.flushing[i+1:]...)
			return
		}
	}
}

// AllSSTables returns every SSTable reader across all levels, used by reads
// that must consult the whole table.
func (t *Table) AllSSTables() []*sstable.Reader {
	var out []*sstable.Reader
	for _, level := range t.levels.Levels() {
		out = append(out, level...)
	}
	return out
}

// Keyspace groups related tables under one name.
type Keyspace struct {
	Name   string
	mu     sync.RWMutex
	tables map[string]*Table
}

func newKeyspace(name string) *Keyspace {
	return &Keyspace{Name: name, tables: make(map[string]*Table)}
}

// Table looks up a table by name.
func (k *Keyspace) Table(name string) (*Table, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	t, ok := k.tables[name]
	return t, ok
}

// TableNames returns every table name in the keyspace.
func (k *Keyspace) TableNames() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.tables))
	for n := range k.tables {
		names = append(names, n)
	}
	return names
}

// Catalog is the top-level registry of keyspaces, guarded by its own
// RWMutex so that keyspace-level structural changes (create/drop) don't
// contend with per-table traffic once a keyspace exists.
type Catalog struct {
	mu              sync.RWMutex
	keyspaces       map[string]*Keyspace
	maxLevels       int
	levelMultiplier float64
}

// New creates an empty catalog. maxLevels/levelMultiplier size every
// table's LevelManager (spec.md §4.5).
func New(maxLevels int, levelMultiplier float64) *Catalog {
	return &Catalog{
		keyspaces:       make(map[string]*Keyspace),
		maxLevels:       maxLevels,
		levelMultiplier: levelMultiplier,
	}
}

// CreateKeyspace registers a new, empty keyspace.
func (c *Catalog) CreateKeyspace(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.keyspaces[name]; exists {
		return ErrKeyspaceExists{Name: name}
	}
	c.keyspaces[name] = newKeyspace(name)
	return nil
}

// DropKeyspace removes a keyspace and every table within it.
func (c *Catalog) DropKeyspace(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.keyspaces[name]; !exists {
		return ErrKeyspaceNotFound{Name: name}
	}
	delete(c.keyspaces, name)
	return nil
}

// Keyspace looks up a keyspace by name.
func (c *Catalog) Keyspace(name string) (*Keyspace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keyspaces[name]
	return k, ok
}

// KeyspaceNames returns every registered keyspace name.
func (c *Catalog) KeyspaceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.keyspaces))
	for n := range c.keyspaces {
		names = append(names, n)
	}
	return names
}

// CreateTable validates the schema and registers a new table within an
// existing keyspace.
func (c *Catalog) CreateTable(schema *cqlvalue.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	c.mu.RLock()
	ks, ok := c.keyspaces[schema.Keyspace]
	c.mu.RUnlock()
	if !ok {
		return ErrKeyspaceNotFound{Name: schema.Keyspace}
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.tables[schema.Table]; exists {
		return ErrTableExists{Keyspace: schema.Keyspace, Table: schema.Table}
	}
	ks.tables[schema.Table] = newTable(schema, c.maxLevels, c.levelMultiplier)
	return nil
}

// DropTable removes a table from a keyspace.
func (c *Catalog) DropTable(keyspace, table string) error {
	c.mu.RLock()
	ks, ok := c.keyspaces[keyspace]
	c.mu.RUnlock()
	if !ok {
		return ErrKeyspaceNotFound{Name: keyspace}
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.tables[table]; !exists {
		return ErrTableNotFound{Keyspace: keyspace, Table: table}
	}
	delete(ks.tables, table)
	return nil
}

// Table looks up a table by keyspace+table name.
func (c *Catalog) Table(keyspace, table string) (*Table, error) {
	c.mu.RLock()
	ks, ok := c.keyspaces[keyspace]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrKeyspaceNotFound{Name: keyspace}
	}
	t, ok := ks.Table(table)
	if !ok {
		return nil, ErrTableNotFound{Keyspace: keyspace, Table: table}
	}
	return t, nil
}
