package sstable

import (
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/mnohosten/lsm-cassandra/pkg/cqlvalue"
)

func samplePartitions(n int) []PartitionData {
	out := make([]PartitionData, n)
	for i := 0; i < n; i++ {
		pk := cqlvalue.Key{cqlvalue.Text(fmt.Sprintf("p%03d", i))}
		out[i] = PartitionData{
			Key: pk,
			Static: map[string]cqlvalue.Cell{
				"region": {Value: cqlvalue.Text("us-east"), WriteTimestamp: 1},
			},
			Rows: []*cqlvalue.Row{
				{
					PartitionKey:  pk,
					ClusteringKey: cqlvalue.Key{cqlvalue.Int64(1)},
					Cells: map[string]cqlvalue.Cell{
						"v": {Value: cqlvalue.Text(fmt.Sprintf("value-%d", i)), WriteTimestamp: 10},
					},
					WriteTimestamp: 10,
				},
				{
					PartitionKey:  pk,
					ClusteringKey: cqlvalue.Key{cqlvalue.Int64(2)},
					Cells: map[string]cqlvalue.Cell{
						"v": {Value: cqlvalue.Int64(int64(i)), WriteTimestamp: 11},
					},
					WriteTimestamp: 11,
				},
			},
		}
	}
	return out
}

func buildSSTable(t *testing.T, algo Algorithm, partitions []PartitionData) *Reader {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(dir, uuid.New(), algo, len(partitions), 0.01)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, p := range partitions {
		if err := w.WritePartition(p); err != nil {
			t.Fatalf("WritePartition: %v", err)
		}
	}
	r, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return r
}

// TestFlushPreservesContent covers invariant 8: every cell present in the
// memtable at flush time is present, with an identical value, in the
// resulting SSTable.
func TestFlushPreservesContent(t *testing.T) {
	for _, algo := range []Algorithm{AlgorithmNone, AlgorithmLZ4, AlgorithmSnappy, AlgorithmZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			partitions := samplePartitions(50)
			r := buildSSTable(t, algo, partitions)

			if r.NumPartitions() != 50 {
				t.Fatalf("expected 50 partitions, got %d", r.NumPartitions())
			}

			for _, want := range partitions {
				got, ok, err := r.ReadPartition(want.Key)
				if err != nil {
					t.Fatalf("ReadPartition(%v): %v", want.Key, err)
				}
				if !ok {
					t.Fatalf("partition %v missing from sstable", want.Key)
				}
				if len(got.Rows) != len(want.Rows) {
					t.Fatalf("partition %v: expected %d rows, got %d", want.Key, len(want.Rows), len(got.Rows))
				}
				for i, wantRow := range want.Rows {
					gotRow := got.Rows[i]
					if !gotRow.ClusteringKey.Equal(wantRow.ClusteringKey) {
						t.Fatalf("row %d clustering key mismatch: %v vs %v", i, gotRow.ClusteringKey, wantRow.ClusteringKey)
					}
					if !gotRow.Cells["v"].Value.Equal(wantRow.Cells["v"].Value) {
						t.Fatalf("row %d cell value mismatch: %v vs %v", i, gotRow.Cells["v"].Value, wantRow.Cells["v"].Value)
					}
				}
				if !got.Static["region"].Value.Equal(want.Static["region"].Value) {
					t.Fatalf("static cell mismatch for %v", want.Key)
				}
			}
		})
	}
}

func TestReadPartitionAbsentKey(t *testing.T) {
	r := buildSSTable(t, AlgorithmSnappy, samplePartitions(20))
	_, ok, err := r.ReadPartition(cqlvalue.Key{cqlvalue.Text("nonexistent")})
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if ok {
		t.Fatal("expected absent key to not be found")
	}
}

func TestMightContainNeverFalseNegative(t *testing.T) {
	partitions := samplePartitions(500)
	r := buildSSTable(t, AlgorithmNone, partitions)
	for _, p := range partitions {
		if !r.MightContain(p.Key) {
			t.Fatalf("false negative for key %v", p.Key)
		}
	}
}

func TestAllPartitionsAscendingOrder(t *testing.T) {
	partitions := samplePartitions(30)
	r := buildSSTable(t, AlgorithmLZ4, partitions)

	all, err := r.AllPartitions()
	if err != nil {
		t.Fatalf("AllPartitions: %v", err)
	}
	if len(all) != 30 {
		t.Fatalf("expected 30 partitions, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Key.Compare(all[i].Key) >= 0 {
			t.Fatalf("partitions not ascending at index %d", i)
		}
	}
}

func TestReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	partitions := samplePartitions(10)
	w, err := NewWriter(dir, uuid.New(), AlgorithmZstd, len(partitions), 0.01)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range partitions {
		if err := w.WritePartition(p); err != nil {
			t.Fatal(err)
		}
	}
	r, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}
	path := r.Path()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.NumPartitions() != 10 {
		t.Fatalf("expected 10 partitions after reopen, got %d", reopened.NumPartitions())
	}
}
