package compaction

import (
	"context"
	"log"
	"sync"
)

// Task names the (keyspace, table) whose level manager should be checked for
// compaction work. A Scheduler only ever holds one pending task per table at
// a time — a second ScheduleCompaction call for a table already queued or
// running is a no-op, matching the original implementation's
// schedule_compaction intent without needing an unbounded channel per table.
type Task struct {
	Keyspace string
	Table    string
}

func (t Task) key() string { return t.Keyspace + "." + t.Table }

// Runner executes one compaction task to completion; supplied by the
// engine, which owns the level managers and SSTable directories.
type Runner func(ctx context.Context, task Task) error

// Scheduler runs compaction tasks on a bounded worker pool, grounded on the
// teacher's pkg/lsm/lsm.go compactionWorker channel-consumer loop, extended
// with a fixed number of worker goroutines that limits how many compactions
// run concurrently (compaction.rs CompactionConfig.max_concurrent_compactions)
// and dedup so a busy table is never queued twice.
type Scheduler struct {
	runner Runner
	sem    chan struct{}
	queue  chan Task

	mu      sync.Mutex
	pending map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler starts maxConcurrent worker goroutines draining a bounded
// task queue.
func NewScheduler(ctx context.Context, maxConcurrent int, queueDepth int, runner Runner) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		runner:  runner,
		sem:     make(chan struct{}, maxConcurrent),
		queue:   make(chan Task, queueDepth),
		pending: make(map[string]bool),
		cancel:  cancel,
	}
	for i := 0; i < maxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}
	return s
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-s.queue:
			if !ok {
				return
			}
			s.run(ctx, task)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, task.key())
		s.mu.Unlock()
	}()
	if err := s.runner(ctx, task); err != nil {
		log.Printf("compaction: task %s.%s failed: %v", task.Keyspace, task.Table, err)
	}
}

// ScheduleCompaction enqueues a compaction check for a table unless one is
// already pending or running.
func (s *Scheduler) ScheduleCompaction(task Task) {
	s.mu.Lock()
	if s.pending[task.key()] {
		s.mu.Unlock()
		return
	}
	s.pending[task.key()] = true
	s.mu.Unlock()

	select {
	case s.queue <- task:
	default:
		// Queue is full; drop the dedup entry so a future call can retry.
		s.mu.Lock()
		delete(s.pending, task.key())
		s.mu.Unlock()
		log.Printf("compaction: queue full, dropped task %s.%s", task.Keyspace, task.Table)
	}
}

// Close stops accepting new work and waits for in-flight tasks to finish.
func (s *Scheduler) Close() error {
	s.cancel()
	close(s.queue)
	s.wg.Wait()
	return nil
}

// PendingCount reports how many tasks are currently queued or running, for
// stats reporting.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
