package bgtask

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/127Wzc/imgtag/model"
)

func TestSplitBatches(t *testing.T) {
	s := NewService(Deps{}, Config{BatchSize: 2}, nil)

	got := s.SplitBatches([]int64{1, 2, 3, 4, 5})
	want := [][]int64{{1, 2}, {3, 4}, {5}}
	if len(got) != len(want) {
		t.Fatalf("SplitBatches() = %v, want %v", got, want)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("batch %d = %v, want %v", i, got[i], want[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("batch %d = %v, want %v", i, got[i], want[i])
			}
		}
	}
}

func TestSplitBatchesEmpty(t *testing.T) {
	s := NewService(Deps{}, Config{BatchSize: 2}, nil)
	if got := s.SplitBatches(nil); got != nil {
		t.Errorf("SplitBatches(nil) = %v, want nil", got)
	}
}

func TestNewServiceDefaultsConfig(t *testing.T) {
	s := NewService(Deps{}, Config{}, nil)
	if s.cfg.BatchSize != 500 || s.cfg.Concurrency != 4 || s.cfg.CheckpointEvery != 100 {
		t.Errorf("defaults = %+v, want {500 4 100}", s.cfg)
	}
}

func TestProgressTrackerAccumulatesWithoutCheckpointing(t *testing.T) {
	// every is larger than the item count, so maybeCheckpoint never fires
	// and tasks (nil here) is never dereferenced.
	tr := newProgressTracker(uuid.Nil, nil, 3, 1000)
	ctx := context.Background()

	tr.recordSuccess(ctx)
	tr.recordFailure(ctx, 7, errors.New("boom"))
	tr.recordSuccess(ctx)

	final := tr.final()
	if final.Success != 2 || final.Failed != 1 {
		t.Fatalf("final = %+v, want Success=2 Failed=1", final)
	}
	if len(final.FailedItems) != 1 || final.FailedItems[0].ImageID != 7 || final.FailedItems[0].Error != "boom" {
		t.Fatalf("FailedItems = %+v", final.FailedItems)
	}
}

func TestRunHardDeleteRejectsLocalEndpoint(t *testing.T) {
	s := NewService(Deps{}, Config{}, nil)
	_, err := s.RunHardDelete(context.Background(), uuid.Nil, &model.StorageEndpoint{Provider: model.ProviderLocal})
	if err == nil {
		t.Fatal("expected error for local endpoint hard delete")
	}
}

func TestForEachConcurrentVisitsAllItems(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	seen := make(chan int, len(items))
	forEachConcurrent(context.Background(), items, 2, func(_ context.Context, item int) {
		seen <- item
	})
	close(seen)

	count := 0
	for range seen {
		count++
	}
	if count != len(items) {
		t.Errorf("visited %d items, want %d", count, len(items))
	}
}
