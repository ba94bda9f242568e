package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnohosten/lsm-cassandra/pkg/compaction"
	"github.com/mnohosten/lsm-cassandra/pkg/cqlvalue"
	"github.com/mnohosten/lsm-cassandra/pkg/enginerr"
)

func usersSchema(ks string) *cqlvalue.Schema {
	return &cqlvalue.Schema{
		Keyspace:     ks,
		Table:        "users",
		PartitionKey: []cqlvalue.Column{{Name: "id", Type: cqlvalue.KindInt32}},
		Regular:      []cqlvalue.Column{{Name: "name", Type: cqlvalue.KindText}},
		Options:      cqlvalue.DefaultTableOptions(),
	}
}

func eventsSchema(ks string) *cqlvalue.Schema {
	return &cqlvalue.Schema{
		Keyspace:      ks,
		Table:         "events",
		PartitionKey:  []cqlvalue.Column{{Name: "id", Type: cqlvalue.KindInt32}},
		ClusteringKey: []cqlvalue.Column{{Name: "ts", Type: cqlvalue.KindInt64}},
		Regular:       []cqlvalue.Column{{Name: "v", Type: cqlvalue.KindInt64}},
		Options:       cqlvalue.DefaultTableOptions(),
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDirectory = filepath.Join(t.TempDir(), "data")
	cfg.CommitLogDirectory = filepath.Join(t.TempDir(), "commitlog")
	cfg.MemtableFlushThresholdBytes = 64 * 1024 * 1024
	cfg.TTLSweepInterval = time.Hour // keep the background sweep out of the way of deterministic tests
	return cfg
}

func mustOpen(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

// TestScenario1InsertAndGetRow covers spec.md §8 S1: a fresh engine, a
// single keyspace and table, one inserted row, and a matching get_row plus
// get_stats reading back what was just written.
func TestScenario1InsertAndGetRow(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	e := mustOpen(t, cfg)
	defer e.Shutdown(ctx)

	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatalf("CreateKeyspace: %v", err)
	}
	if err := e.CreateTable(usersSchema("demo")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	row := cqlvalue.Row{
		PartitionKey: cqlvalue.Key{cqlvalue.Int32(1)},
		Cells:        map[string]cqlvalue.Cell{"name": {Value: cqlvalue.Text("Alice"), WriteTimestamp: 100}},
		WriteTimestamp: 100,
	}
	if err := e.InsertRow(ctx, "demo", "users", row); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}

	got, err := e.GetRow(ctx, "demo", "users", cqlvalue.Key{cqlvalue.Int32(1)}, nil)
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if got == nil {
		t.Fatal("expected row to be found")
	}
	if got.Cells["name"].Value.Text() != "Alice" {
		t.Fatalf("expected name=Alice, got %+v", got.Cells["name"])
	}

	stats := e.GetStats()
	if stats.KeyspaceCount < 1 {
		t.Fatalf("expected keyspace_count >= 1, got %d", stats.KeyspaceCount)
	}
}

// TestScenario2FlushAndRestartSurvives covers spec.md §8 S2 and invariant 1
// (durability): with the flush threshold lowered to force a flush, a second
// engine opened against the same directories after the first is shut down
// must still see both rows.
func TestScenario2FlushAndRestartSurvives(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MemtableFlushThresholdBytes = 1

	e := mustOpen(t, cfg)
	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	if err := e.CreateTable(usersSchema("demo")); err != nil {
		t.Fatal(err)
	}
	row1 := cqlvalue.Row{
		PartitionKey:   cqlvalue.Key{cqlvalue.Int32(1)},
		Cells:          map[string]cqlvalue.Cell{"name": {Value: cqlvalue.Text("Alice"), WriteTimestamp: 100}},
		WriteTimestamp: 100,
	}
	if err := e.InsertRow(ctx, "demo", "users", row1); err != nil {
		t.Fatal(err)
	}
	row2 := cqlvalue.Row{
		PartitionKey:   cqlvalue.Key{cqlvalue.Int32(2)},
		Cells:          map[string]cqlvalue.Cell{"name": {Value: cqlvalue.Text("Bob"), WriteTimestamp: 100}},
		WriteTimestamp: 100,
	}
	if err := e.InsertRow(ctx, "demo", "users", row2); err != nil {
		t.Fatal(err)
	}

	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	dir := filepath.Join(cfg.DataDirectory, "demo", "users")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read table dir: %v", err)
	}
	dataFiles := 0
	for _, ent := range entries {
		if filepath.Ext(ent.Name()) == ".db" {
			dataFiles++
		}
	}
	if dataFiles < 1 {
		t.Fatalf("expected at least one *-Data.db file after forcing a flush, found %d", dataFiles)
	}

	e2 := mustOpen(t, cfg)
	defer e2.Shutdown(ctx)
	if err := e2.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	if err := e2.CreateTable(usersSchema("demo")); err != nil {
		t.Fatalf("CreateTable on restart: %v", err)
	}

	got1, err := e2.GetRow(ctx, "demo", "users", cqlvalue.Key{cqlvalue.Int32(1)}, nil)
	if err != nil || got1 == nil {
		t.Fatalf("expected row 1 to survive restart, got %+v, err=%v", got1, err)
	}
	got2, err := e2.GetRow(ctx, "demo", "users", cqlvalue.Key{cqlvalue.Int32(2)}, nil)
	if err != nil || got2 == nil {
		t.Fatalf("expected row 2 to survive restart, got %+v, err=%v", got2, err)
	}
}

// TestScenario3LastWriteWins covers spec.md §8 S3 and invariant 4: the same
// key written twice at different timestamps resolves to the later value.
func TestScenario3LastWriteWins(t *testing.T) {
	ctx := context.Background()
	e := mustOpen(t, testConfig(t))
	defer e.Shutdown(ctx)

	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	schema := &cqlvalue.Schema{
		Keyspace:     "demo",
		Table:        "counters",
		PartitionKey: []cqlvalue.Column{{Name: "id", Type: cqlvalue.KindInt32}},
		Regular:      []cqlvalue.Column{{Name: "v", Type: cqlvalue.KindInt32}},
		Options:      cqlvalue.DefaultTableOptions(),
	}
	if err := e.CreateTable(schema); err != nil {
		t.Fatal(err)
	}

	pk := cqlvalue.Key{cqlvalue.Int32(7)}
	first := cqlvalue.Row{PartitionKey: pk, Cells: map[string]cqlvalue.Cell{"v": {Value: cqlvalue.Int32(1), WriteTimestamp: 100}}, WriteTimestamp: 100}
	second := cqlvalue.Row{PartitionKey: pk, Cells: map[string]cqlvalue.Cell{"v": {Value: cqlvalue.Int32(2), WriteTimestamp: 200}}, WriteTimestamp: 200}
	if err := e.InsertRow(ctx, "demo", "counters", first); err != nil {
		t.Fatal(err)
	}
	if err := e.InsertRow(ctx, "demo", "counters", second); err != nil {
		t.Fatal(err)
	}

	got, err := e.GetRow(ctx, "demo", "counters", pk, nil)
	if err != nil || got == nil {
		t.Fatalf("expected row, got %+v, err=%v", got, err)
	}
	if got.Cells["v"].Value.Int32() != 2 {
		t.Fatalf("expected v=2, got %v", got.Cells["v"].Value.Int32())
	}
}

// TestScenario4DeleteAfterWrite covers spec.md §8 S4 and invariant 5
// (tombstone dominance): a partition delete hides an earlier write, and a
// later write to the same partition becomes visible again.
func TestScenario4DeleteAfterWrite(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	e := mustOpen(t, cfg)
	defer e.Shutdown(ctx)

	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	schema := &cqlvalue.Schema{
		Keyspace:     "demo",
		Table:        "widgets",
		PartitionKey: []cqlvalue.Column{{Name: "id", Type: cqlvalue.KindInt32}},
		Regular:      []cqlvalue.Column{{Name: "v", Type: cqlvalue.KindText}},
		Options:      cqlvalue.DefaultTableOptions(),
	}
	if err := e.CreateTable(schema); err != nil {
		t.Fatal(err)
	}

	pk := cqlvalue.Key{cqlvalue.Int32(3)}
	row := cqlvalue.Row{PartitionKey: pk, Cells: map[string]cqlvalue.Cell{"v": {Value: cqlvalue.Text("x"), WriteTimestamp: 100}}, WriteTimestamp: 100}
	if err := e.InsertRow(ctx, "demo", "widgets", row); err != nil {
		t.Fatal(err)
	}

	tbl, err := e.catalog.Table("demo", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	old := tbl.RotateMemtable()
	e.doFlush("demo", "widgets", tbl, old, e.wal.Position())

	if err := e.PartitionDelete(ctx, "demo", "widgets", pk, 150); err != nil {
		t.Fatalf("PartitionDelete: %v", err)
	}
	got, err := e.GetRow(ctx, "demo", "widgets", pk, nil)
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if got != nil {
		t.Fatalf("expected row to be absent after partition delete, got %+v", got)
	}

	row2 := cqlvalue.Row{PartitionKey: pk, Cells: map[string]cqlvalue.Cell{"v": {Value: cqlvalue.Text("y"), WriteTimestamp: 200}}, WriteTimestamp: 200}
	if err := e.InsertRow(ctx, "demo", "widgets", row2); err != nil {
		t.Fatal(err)
	}
	got2, err := e.GetRow(ctx, "demo", "widgets", pk, nil)
	if err != nil || got2 == nil {
		t.Fatalf("expected new row to be visible after the delete, got %+v, err=%v", got2, err)
	}
	if got2.Cells["v"].Value.Text() != "y" {
		t.Fatalf("expected v=y, got %v", got2.Cells["v"].Value.Text())
	}
}

// TestScenario5RangeScanAscending covers spec.md §8 S5 and invariant 6.
func TestScenario5RangeScanAscending(t *testing.T) {
	ctx := context.Background()
	e := mustOpen(t, testConfig(t))
	defer e.Shutdown(ctx)

	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	if err := e.CreateTable(eventsSchema("demo")); err != nil {
		t.Fatal(err)
	}

	pk := cqlvalue.Key{cqlvalue.Int32(1)}
	for _, ts := range []int64{5000, 1000, 4000, 2000, 3000} {
		row := cqlvalue.Row{
			PartitionKey:   pk,
			ClusteringKey:  cqlvalue.Key{cqlvalue.Int64(ts)},
			Cells:          map[string]cqlvalue.Cell{"v": {Value: cqlvalue.Int64(ts), WriteTimestamp: ts}},
			WriteTimestamp: ts,
		}
		if err := e.InsertRow(ctx, "demo", "events", row); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := e.RangeScan(ctx, "demo", "events", pk, cqlvalue.Key{cqlvalue.Int64(2000)}, cqlvalue.Key{cqlvalue.Int64(4000)})
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows in [2000,4000], got %d", len(rows))
	}
	for i, want := range []int64{2000, 3000, 4000} {
		if rows[i].ClusteringKey[0].Int64() != want {
			t.Fatalf("row %d: expected ts=%d, got %d", i, want, rows[i].ClusteringKey[0].Int64())
		}
	}
}

// TestScenario6CompactionMergesAndDeletesInputs covers spec.md §8 S6: four
// overlapping flushes compact down to one SSTable holding the latest value
// per key, and the compaction inputs are removed from disk.
func TestScenario6CompactionMergesAndDeletesInputs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	e := mustOpen(t, cfg)
	defer e.Shutdown(ctx)

	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	schema := &cqlvalue.Schema{
		Keyspace:     "demo",
		Table:        "kv",
		PartitionKey: []cqlvalue.Column{{Name: "id", Type: cqlvalue.KindInt32}},
		Regular:      []cqlvalue.Column{{Name: "v", Type: cqlvalue.KindInt32}},
		Options:      cqlvalue.DefaultTableOptions(),
	}
	if err := e.CreateTable(schema); err != nil {
		t.Fatal(err)
	}
	tbl, err := e.catalog.Table("demo", "kv")
	if err != nil {
		t.Fatal(err)
	}

	pk := cqlvalue.Key{cqlvalue.Int32(1)}
	for i, ts := range []int64{100, 200, 300, 400} {
		row := cqlvalue.Row{PartitionKey: pk, Cells: map[string]cqlvalue.Cell{"v": {Value: cqlvalue.Int32(int32(i)), WriteTimestamp: ts}}, WriteTimestamp: ts}
		if err := e.InsertRow(ctx, "demo", "kv", row); err != nil {
			t.Fatal(err)
		}
		old := tbl.RotateMemtable()
		e.doFlush("demo", "kv", tbl, old, e.wal.Position())
	}

	if len(tbl.AllSSTables()) != 4 {
		t.Fatalf("expected 4 flushed sstables before compaction, got %d", len(tbl.AllSSTables()))
	}
	inputPaths := make([]string, 0, 4)
	for _, r := range tbl.AllSSTables() {
		inputPaths = append(inputPaths, r.Path())
	}

	if err := e.runCompaction(context.Background(), compaction.Task{Keyspace: "demo", Table: "kv"}); err != nil {
		t.Fatalf("runCompaction: %v", err)
	}

	if got := len(tbl.AllSSTables()); got != 1 {
		t.Fatalf("expected 1 sstable after compaction, got %d", got)
	}
	for _, p := range inputPaths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected compaction input %s to be deleted", p)
		}
	}

	got, err := e.GetRow(ctx, "demo", "kv", pk, nil)
	if err != nil || got == nil {
		t.Fatalf("expected row after compaction, got %+v, err=%v", got, err)
	}
	if got.Cells["v"].Value.Int32() != 3 {
		t.Fatalf("expected latest value (3) to survive compaction, got %v", got.Cells["v"].Value.Int32())
	}
}

// TestCompactionThroughputBuildsOrOmitsThrottle covers the
// compaction_throughput_mb_per_sec config knob: a positive rate builds a
// real compaction.Throttle, zero means unlimited (no throttle at all).
func TestCompactionThroughputBuildsOrOmitsThrottle(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompactionThroughputMBPerSec = 16
	e := mustOpen(t, cfg)
	defer e.Shutdown(context.Background())
	if e.throttle == nil {
		t.Fatal("expected a non-nil throttle when CompactionThroughputMBPerSec > 0")
	}

	cfg2 := testConfig(t)
	cfg2.CompactionThroughputMBPerSec = 0
	e2 := mustOpen(t, cfg2)
	defer e2.Shutdown(context.Background())
	if e2.throttle != nil {
		t.Fatal("expected a nil throttle when CompactionThroughputMBPerSec is 0")
	}
}

// TestInsertRowRejectsDataTypeMismatch covers spec.md §7 data_type_mismatch:
// a cell whose value kind disagrees with its column's declared type must be
// rejected before it ever reaches the WAL, and the partition must remain
// absent afterward.
func TestInsertRowRejectsDataTypeMismatch(t *testing.T) {
	ctx := context.Background()
	e := mustOpen(t, testConfig(t))
	defer e.Shutdown(ctx)

	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	if err := e.CreateTable(usersSchema("demo")); err != nil {
		t.Fatal(err)
	}

	row := cqlvalue.Row{
		PartitionKey:   cqlvalue.Key{cqlvalue.Int32(1)},
		Cells:          map[string]cqlvalue.Cell{"name": {Value: cqlvalue.Int32(7), WriteTimestamp: 100}},
		WriteTimestamp: 100,
	}
	err := e.InsertRow(ctx, "demo", "users", row)
	var mismatch enginerr.DataTypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected DataTypeMismatchError, got %v", err)
	}
	if mismatch.Column != "name" {
		t.Fatalf("expected mismatch on column name, got %q", mismatch.Column)
	}

	got, err := e.GetRow(ctx, "demo", "users", cqlvalue.Key{cqlvalue.Int32(1)}, nil)
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if got != nil {
		t.Fatalf("expected the rejected row to never have been written, got %+v", got)
	}
}

// TestInsertRowRejectedOnceFlushBacklogExceedsLimit covers spec.md §7
// memtable_full: once a table's flush backlog reaches MaxFlushingMemtables,
// further writes are rejected rather than queuing unboundedly.
func TestInsertRowRejectedOnceFlushBacklogExceedsLimit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MaxFlushingMemtables = 1
	e := mustOpen(t, cfg)
	defer e.Shutdown(ctx)

	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	if err := e.CreateTable(usersSchema("demo")); err != nil {
		t.Fatal(err)
	}
	tbl, err := e.catalog.Table("demo", "users")
	if err != nil {
		t.Fatal(err)
	}
	tbl.RotateMemtable() // simulate a flush that hasn't drained yet

	row := cqlvalue.Row{
		PartitionKey:   cqlvalue.Key{cqlvalue.Int32(1)},
		Cells:          map[string]cqlvalue.Cell{"name": {Value: cqlvalue.Text("Alice"), WriteTimestamp: 100}},
		WriteTimestamp: 100,
	}
	if err := e.InsertRow(ctx, "demo", "users", row); !errors.Is(err, enginerr.ErrMemtableFull) {
		t.Fatalf("expected ErrMemtableFull once the flush backlog is full, got %v", err)
	}
}

// TestIdempotentCreateKeyspaceAndTable covers invariant 7: a second
// create_keyspace/create_table against the same name fails with a defined
// error rather than silently duplicating or corrupting state.
func TestIdempotentCreateKeyspaceAndTable(t *testing.T) {
	e := mustOpen(t, testConfig(t))
	defer e.Shutdown(context.Background())

	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	if err := e.CreateKeyspace("demo", 1); err == nil {
		t.Fatal("expected second create_keyspace to fail")
	}

	if err := e.CreateTable(usersSchema("demo")); err != nil {
		t.Fatal(err)
	}
	if err := e.CreateTable(usersSchema("demo")); err == nil {
		t.Fatal("expected second create_table to fail")
	}
}

// TestReadReconciliationAcrossMemtableAndSSTable covers invariant 4 across
// actual sources: one cell lands in a sealed SSTable, a newer cell for the
// same column lands in the live memtable, and the merged read returns the
// newer value.
func TestReadReconciliationAcrossMemtableAndSSTable(t *testing.T) {
	ctx := context.Background()
	e := mustOpen(t, testConfig(t))
	defer e.Shutdown(ctx)

	if err := e.CreateKeyspace("demo", 1); err != nil {
		t.Fatal(err)
	}
	schema := &cqlvalue.Schema{
		Keyspace:     "demo",
		Table:        "kv",
		PartitionKey: []cqlvalue.Column{{Name: "id", Type: cqlvalue.KindInt32}},
		Regular:      []cqlvalue.Column{{Name: "v", Type: cqlvalue.KindInt32}},
		Options:      cqlvalue.DefaultTableOptions(),
	}
	if err := e.CreateTable(schema); err != nil {
		t.Fatal(err)
	}
	tbl, err := e.catalog.Table("demo", "kv")
	if err != nil {
		t.Fatal(err)
	}

	pk := cqlvalue.Key{cqlvalue.Int32(9)}
	older := cqlvalue.Row{PartitionKey: pk, Cells: map[string]cqlvalue.Cell{"v": {Value: cqlvalue.Int32(1), WriteTimestamp: 100}}, WriteTimestamp: 100}
	if err := e.InsertRow(ctx, "demo", "kv", older); err != nil {
		t.Fatal(err)
	}
	old := tbl.RotateMemtable()
	e.doFlush("demo", "kv", tbl, old, e.wal.Position())

	newer := cqlvalue.Row{PartitionKey: pk, Cells: map[string]cqlvalue.Cell{"v": {Value: cqlvalue.Int32(2), WriteTimestamp: 200}}, WriteTimestamp: 200}
	if err := e.InsertRow(ctx, "demo", "kv", newer); err != nil {
		t.Fatal(err)
	}

	got, err := e.GetRow(ctx, "demo", "kv", pk, nil)
	if err != nil || got == nil {
		t.Fatalf("expected merged row, got %+v, err=%v", got, err)
	}
	if got.Cells["v"].Value.Int32() != 2 {
		t.Fatalf("expected the newer memtable cell to win, got %v", got.Cells["v"].Value.Int32())
	}
}
