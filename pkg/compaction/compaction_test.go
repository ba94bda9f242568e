package compaction

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mnohosten/lsm-cassandra/pkg/cqlvalue"
	"github.com/mnohosten/lsm-cassandra/pkg/sstable"
)

func TestLevelManagerThresholds(t *testing.T) {
	lm := NewLevelManager(5, 10.0)
	if got := lm.ThresholdForLevel(0); got != 4 {
		t.Fatalf("level 0 threshold: expected 4, got %d", got)
	}
	if got := lm.ThresholdForLevel(1); got != 100 {
		t.Fatalf("level 1 threshold: expected 100, got %d", got)
	}
	if got := lm.ThresholdForLevel(2); got != 1000 {
		t.Fatalf("level 2 threshold: expected 1000, got %d", got)
	}
}

func TestLevelManagerCompactionTrigger(t *testing.T) {
	lm := NewLevelManager(3, 10.0)
	if _, _, ok := lm.NeedsCompaction(); ok {
		t.Fatal("expected no compaction needed for an empty manager")
	}

	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		r := buildTestSSTable(t, dir, fmt.Sprintf("p%d", i), 1, sstable.AlgorithmNone)
		lm.AddSSTable(r, 0)
	}
	level, inputs, ok := lm.NeedsCompaction()
	if !ok || level != 0 || len(inputs) != 4 {
		t.Fatalf("expected level 0 with 4 inputs, got level=%d inputs=%d ok=%v", level, len(inputs), ok)
	}
}

func TestLevelManagerUpdateAfterCompaction(t *testing.T) {
	lm := NewLevelManager(3, 10.0)
	dir := t.TempDir()
	var inputs []*sstable.Reader
	for i := 0; i < 4; i++ {
		r := buildTestSSTable(t, dir, fmt.Sprintf("p%d", i), 1, sstable.AlgorithmNone)
		lm.AddSSTable(r, 0)
		inputs = append(inputs, r)
	}
	output := buildTestSSTable(t, dir, "merged", 4, sstable.AlgorithmNone)
	lm.UpdateAfterCompaction(0, inputs, output)

	levels := lm.Levels()
	if len(levels[0]) != 0 {
		t.Fatalf("expected level 0 to be empty after compaction, got %d", len(levels[0]))
	}
	if len(levels[1]) != 1 || levels[1][0] != output {
		t.Fatalf("expected output sstable to land in level 1")
	}
}

func buildTestSSTable(t *testing.T, dir string, partitionPrefix string, n int, algo sstable.Algorithm) *sstable.Reader {
	t.Helper()
	w, err := sstable.NewWriter(dir, uuid.New(), algo, n, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		pk := cqlvalue.Key{cqlvalue.Text(fmt.Sprintf("%s-%d", partitionPrefix, i))}
		err := w.WritePartition(sstable.PartitionData{
			Key: pk,
			Rows: []*cqlvalue.Row{{
				PartitionKey:  pk,
				ClusteringKey: cqlvalue.Key{cqlvalue.Int64(1)},
				Cells: map[string]cqlvalue.Cell{
					"v": {Value: cqlvalue.Text("x"), WriteTimestamp: 1},
				},
				WriteTimestamp: 1,
			}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	r, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// TestMergeLastWriteWins covers invariant 9: merging two SSTables with
// overlapping partitions keeps only the cell with the higher write
// timestamp per column.
func TestMergeLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	pk := cqlvalue.Key{cqlvalue.Text("alice")}

	w1, _ := sstable.NewWriter(dir, uuid.New(), sstable.AlgorithmNone, 1, 0.01)
	w1.WritePartition(sstable.PartitionData{
		Key: pk,
		Rows: []*cqlvalue.Row{{
			PartitionKey:  pk,
			ClusteringKey: cqlvalue.Key{cqlvalue.Int64(1)},
			Cells: map[string]cqlvalue.Cell{
				"v": {Value: cqlvalue.Text("old"), WriteTimestamp: 100},
			},
			WriteTimestamp: 100,
		}},
	})
	r1, err := w1.Finish()
	if err != nil {
		t.Fatal(err)
	}

	w2, _ := sstable.NewWriter(dir, uuid.New(), sstable.AlgorithmNone, 1, 0.01)
	w2.WritePartition(sstable.PartitionData{
		Key: pk,
		Rows: []*cqlvalue.Row{{
			PartitionKey:  pk,
			ClusteringKey: cqlvalue.Key{cqlvalue.Int64(1)},
			Cells: map[string]cqlvalue.Cell{
				"v": {Value: cqlvalue.Text("new"), WriteTimestamp: 200},
			},
			WriteTimestamp: 200,
		}},
	})
	r2, err := w2.Finish()
	if err != nil {
		t.Fatal(err)
	}

	merged, err := Merge(dir, []*sstable.Reader{r1, r2}, sstable.AlgorithmNone, 0.01, 10*24*3600, 1_000_000_000, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged == nil {
		t.Fatal("expected a merged sstable")
	}

	pd, ok, err := merged.ReadPartition(pk)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected partition to survive merge")
	}
	if len(pd.Rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(pd.Rows))
	}
	if got := pd.Rows[0].Cells["v"].Value.Text(); got != "new" {
		t.Fatalf("expected last-write-wins to keep %q, got %q", "new", got)
	}
}

func TestMergeDropsPurgedTombstonesPastGCGrace(t *testing.T) {
	dir := t.TempDir()
	pk := cqlvalue.Key{cqlvalue.Text("alice")}

	w, _ := sstable.NewWriter(dir, uuid.New(), sstable.AlgorithmNone, 1, 0.01)
	ts := int64(100)
	w.WritePartition(sstable.PartitionData{
		Key:       pk,
		Tombstone: &ts,
	})
	r, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}

	// now is far beyond ts + gc_grace, so the tombstone itself should be
	// purged and the partition dropped entirely.
	merged, err := Merge(dir, []*sstable.Reader{r}, sstable.AlgorithmNone, 0.01, 10, 100_000_000, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged != nil {
		t.Fatal("expected partition with fully-purged tombstone to disappear")
	}
}

func TestSchedulerDedupsPendingTask(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	started := make(chan struct{})
	release := make(chan struct{})

	runner := func(ctx context.Context, task Task) error {
		mu.Lock()
		runs++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewScheduler(ctx, 1, 10, runner)

	task := Task{Keyspace: "ks", Table: "t"}
	s.ScheduleCompaction(task)
	<-started // first task is now running and holding the release gate

	// A second schedule call while the first is in flight must be a no-op.
	s.ScheduleCompaction(task)
	close(release)

	time.Sleep(20 * time.Millisecond)
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("expected exactly 1 run due to dedup, got %d", runs)
	}
}
