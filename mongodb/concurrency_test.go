package mongodb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DEEJ4Y/warden"
)

// TestDistributedLocking validates that jobs execute exactly once when many
// engines share one collection.
func TestDistributedLocking(t *testing.T) {
	const (
		numEngines  = 10
		numJobs     = 500
		testTimeout = 2 * time.Minute
	)

	coll := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	t.Logf("Test configuration: %d engines, %d jobs, timeout: %v", numEngines, numJobs, testTimeout)

	executions := &ExecutionTracker{counts: make(map[string]int)}
	var (
		errorCount atomic.Int64
		stopping   atomic.Bool
		engines    []*warden.Engine
	)

	for i := 0; i < numEngines; i++ {
		engineID := i
		store, err := NewStore(Config{Collection: coll, SkipIndexes: i > 0})
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		eng, err := warden.New(warden.Config{
			Store:               store,
			ScanFrequency:       200 * time.Millisecond,
			ScanTriggerInterval: 50 * time.Millisecond,
			OnError: func(ctx context.Context, err error) {
				// Ignore context canceled errors during shutdown
				if stopping.Load() && strings.Contains(err.Error(), "context canceled") {
					return
				}
				errorCount.Add(1)
				t.Logf("Engine %d error: %v", engineID, err)
			},
		})
		if err != nil {
			t.Fatalf("Failed to create engine: %v", err)
		}
		if err := eng.Initialize(ctx); err != nil {
			t.Fatalf("Failed to initialize engine: %v", err)
		}
		_, err = eng.DefineProcess("task", func(ctx context.Context, payload []byte) error {
			executions.Record(string(payload))
			return nil
		}, warden.ProcessOptions{Workers: 4, LockLifetime: 30 * time.Second})
		if err != nil {
			t.Fatalf("Failed to define process: %v", err)
		}
		engines = append(engines, eng)
	}

	for j := 0; j < numJobs; j++ {
		if _, err := engines[j%numEngines].Schedule(ctx, "task", []byte(fmt.Sprintf("job-%06d", j)), warden.ScheduleOptions{}); err != nil {
			t.Fatalf("Failed to schedule job: %v", err)
		}
	}

	startTime := time.Now()
	var wg sync.WaitGroup
	for i, eng := range engines {
		wg.Add(1)
		go func(idx int, e *warden.Engine) {
			defer wg.Done()
			if err := e.Start(ctx, warden.StartOptions{}); err != nil {
				t.Errorf("Engine %d failed to start: %v", idx, err)
			}
		}(i, eng)
	}
	wg.Wait()

	for {
		remaining, err := engines[0].ListJobs(ctx, warden.ListQuery{ProcessName: "task"})
		if err != nil {
			t.Fatalf("Failed to list jobs: %v", err)
		}
		if len(remaining) == 0 && executions.TotalExecutions() >= numJobs {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("Test timeout reached: %d remaining", len(remaining))
		case <-time.After(200 * time.Millisecond):
		}
	}
	duration := time.Since(startTime)

	stopping.Store(true)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	for i, eng := range engines {
		if err := eng.Close(stopCtx); err != nil {
			t.Logf("Warning: Engine %d stop error: %v", i, err)
		}
	}

	stats := executions.GetStats()
	t.Logf("Executed %d jobs (%d unique) in %v, %d errors",
		stats.TotalExecutions, stats.UniqueJobs, duration, errorCount.Load())

	if stats.TotalDuplicates > 0 {
		t.Errorf("FAILED: Found %d duplicate executions across %d jobs",
			stats.TotalDuplicates, stats.DuplicateJobs)
	}
	if stats.UniqueJobs != numJobs {
		t.Errorf("FAILED: Expected %d unique jobs executed, got %d", numJobs, stats.UniqueJobs)
	}
}

// ExecutionTracker tracks job executions in a thread-safe manner
type ExecutionTracker struct {
	mu     sync.RWMutex
	counts map[string]int
}

func (et *ExecutionTracker) Record(jobID string) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.counts[jobID]++
}

func (et *ExecutionTracker) TotalExecutions() int {
	et.mu.RLock()
	defer et.mu.RUnlock()

	total := 0
	for _, count := range et.counts {
		total += count
	}
	return total
}

type ExecutionStats struct {
	TotalExecutions int
	UniqueJobs      int
	DuplicateJobs   int
	TotalDuplicates int
}

func (et *ExecutionTracker) GetStats() ExecutionStats {
	et.mu.RLock()
	defer et.mu.RUnlock()

	stats := ExecutionStats{UniqueJobs: len(et.counts)}
	for _, count := range et.counts {
		stats.TotalExecutions += count
		if count > 1 {
			stats.DuplicateJobs++
			stats.TotalDuplicates += count - 1
		}
	}
	return stats
}
