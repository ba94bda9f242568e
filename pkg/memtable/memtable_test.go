package memtable

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/mnohosten/lsm-cassandra/pkg/cqlvalue"
)

func testSchema() *cqlvalue.Schema {
	return &cqlvalue.Schema{
		Keyspace:     "ks",
		Table:        "t",
		PartitionKey: []cqlvalue.Column{{Name: "pk", Type: cqlvalue.KindText}},
		ClusteringKey: []cqlvalue.Column{
			{Name: "ck", Type: cqlvalue.KindInt64},
		},
		Regular: []cqlvalue.Column{{Name: "v", Type: cqlvalue.KindText}},
		Options: cqlvalue.DefaultTableOptions(),
	}
}

func makeRow(pk string, ck int64, v string, ts int64) cqlvalue.Row {
	return cqlvalue.Row{
		PartitionKey:  cqlvalue.Key{cqlvalue.Text(pk)},
		ClusteringKey: cqlvalue.Key{cqlvalue.Int64(ck)},
		Cells: map[string]cqlvalue.Cell{
			"v": {Value: cqlvalue.Text(v), WriteTimestamp: ts},
		},
		WriteTimestamp: ts,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	mt := New(testSchema())
	row := makeRow("alice", 1, "hello", 100)
	if err := mt.Put(row); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := mt.Get(row.PartitionKey, row.ClusteringKey)
	if !ok {
		t.Fatal("expected row to be found")
	}
	if got.Cells["v"].Value.Text() != "hello" {
		t.Fatalf("unexpected value: %+v", got.Cells["v"])
	}
}

func TestPutOverwriteAdjustsSize(t *testing.T) {
	mt := New(testSchema())
	row := makeRow("alice", 1, "short", 100)
	if err := mt.Put(row); err != nil {
		t.Fatal(err)
	}
	sizeAfterFirst := mt.SizeBytes()

	row2 := makeRow("alice", 1, "a much longer value than before", 200)
	if err := mt.Put(row2); err != nil {
		t.Fatal(err)
	}
	sizeAfterSecond := mt.SizeBytes()

	if sizeAfterSecond <= sizeAfterFirst {
		t.Fatalf("expected size to grow after overwrite with longer value: %d -> %d", sizeAfterFirst, sizeAfterSecond)
	}
	if mt.PartitionCount() != 1 {
		t.Fatalf("overwrite must not create a second partition, got %d", mt.PartitionCount())
	}
}

// TestRangeScanAscendingOrder covers invariant 6: range scan returns rows in
// strictly ascending clustering-key order.
func TestRangeScanAscendingOrder(t *testing.T) {
	mt := New(testSchema())
	rng := rand.New(rand.NewSource(7))
	cks := rng.Perm(200)
	for _, ck := range cks {
		if err := mt.Put(makeRow("alice", int64(ck), fmt.Sprintf("v%d", ck), int64(ck))); err != nil {
			t.Fatal(err)
		}
	}

	rows := mt.RangeScan(cqlvalue.Key{cqlvalue.Text("alice")}, nil, nil)
	if len(rows) != 200 {
		t.Fatalf("expected 200 rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i-1].ClusteringKey.Compare(rows[i].ClusteringKey) >= 0 {
			t.Fatalf("rows not strictly ascending at index %d: %v >= %v", i, rows[i-1].ClusteringKey, rows[i].ClusteringKey)
		}
	}
}

func TestRangeScanBounds(t *testing.T) {
	mt := New(testSchema())
	for ck := int64(0); ck < 10; ck++ {
		if err := mt.Put(makeRow("alice", ck, "v", ck)); err != nil {
			t.Fatal(err)
		}
	}

	start := cqlvalue.Key{cqlvalue.Int64(3)}
	end := cqlvalue.Key{cqlvalue.Int64(6)}
	rows := mt.RangeScan(cqlvalue.Key{cqlvalue.Text("alice")}, start, end)
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows in [3,6], got %d", len(rows))
	}
	if rows[0].ClusteringKey[0].Int64() != 3 || rows[len(rows)-1].ClusteringKey[0].Int64() != 6 {
		t.Fatalf("unexpected bounds: first=%v last=%v", rows[0].ClusteringKey, rows[len(rows)-1].ClusteringKey)
	}
}

func TestConcurrentPutsAcrossPartitionsDoNotCorrupt(t *testing.T) {
	mt := New(testSchema())
	var wg sync.WaitGroup
	partitions := 50
	rowsPerPartition := 20

	for p := 0; p < partitions; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for ck := int64(0); ck < int64(rowsPerPartition); ck++ {
				_ = mt.Put(makeRow(fmt.Sprintf("p%d", p), ck, "v", ck))
			}
		}(p)
	}
	wg.Wait()

	if mt.PartitionCount() != partitions {
		t.Fatalf("expected %d partitions, got %d", partitions, mt.PartitionCount())
	}
	for p := 0; p < partitions; p++ {
		rows := mt.RangeScan(cqlvalue.Key{cqlvalue.Text(fmt.Sprintf("p%d", p))}, nil, nil)
		if len(rows) != rowsPerPartition {
			t.Fatalf("partition %d: expected %d rows, got %d", p, rowsPerPartition, len(rows))
		}
	}
}

func TestIterPartitionsSortedOrder(t *testing.T) {
	mt := New(testSchema())
	names := []string{"zebra", "alice", "mike", "bob"}
	for _, n := range names {
		if err := mt.Put(makeRow(n, 0, "v", 1)); err != nil {
			t.Fatal(err)
		}
	}

	snaps := mt.IterPartitions()
	if len(snaps) != len(names) {
		t.Fatalf("expected %d partitions, got %d", len(names), len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i-1].Key.Compare(snaps[i].Key) >= 0 {
			t.Fatalf("partitions not ascending at %d", i)
		}
	}
}

func TestPutAfterMarkFlushingFails(t *testing.T) {
	mt := New(testSchema())
	mt.MarkFlushing()
	err := mt.Put(makeRow("alice", 1, "v", 1))
	if err == nil {
		t.Fatal("expected Put to fail once memtable is flushing")
	}
}

func TestPartitionTombstoneShadowsOlderRows(t *testing.T) {
	mt := New(testSchema())
	if err := mt.Put(makeRow("alice", 1, "before", 100)); err != nil {
		t.Fatal(err)
	}
	if err := mt.PutPartitionTombstone(cqlvalue.Key{cqlvalue.Text("alice")}, 200); err != nil {
		t.Fatal(err)
	}
	if _, ok := mt.Get(cqlvalue.Key{cqlvalue.Text("alice")}, cqlvalue.Key{cqlvalue.Int64(1)}); ok {
		t.Fatal("expected row written before the partition tombstone to be shadowed")
	}

	if err := mt.Put(makeRow("alice", 2, "after", 300)); err != nil {
		t.Fatal(err)
	}
	if _, ok := mt.Get(cqlvalue.Key{cqlvalue.Text("alice")}, cqlvalue.Key{cqlvalue.Int64(2)}); !ok {
		t.Fatal("expected row written after the partition tombstone to remain visible")
	}
}
