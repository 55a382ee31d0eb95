package dbstore

import (
	"context"
	"testing"
	"time"

	"github.com/127Wzc/imgtag/model"
)

func TestTaskStoreEnqueueDedupesInFlight(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewTaskStore(pool)

	added, err := s.Enqueue(ctx, model.TaskAnalyzeImage, []int64{1, 2, 3}, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if added != 3 {
		t.Fatalf("Enqueue added = %d, want 3", added)
	}

	added, err = s.Enqueue(ctx, model.TaskAnalyzeImage, []int64{2, 3, 4}, "")
	if err != nil {
		t.Fatalf("Enqueue second pass: %v", err)
	}
	if added != 1 {
		t.Fatalf("Enqueue second pass added = %d, want 1 (only image 4 was new)", added)
	}
}

func TestTaskStoreClaimNextClaimsOnceThenEmpty(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewTaskStore(pool)

	if _, err := s.Enqueue(ctx, model.TaskAnalyzeImage, []int64{1}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task, err := s.ClaimNext(ctx, model.QueueTaskTypes)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if task == nil || task.Status != model.TaskProcessing {
		t.Fatalf("ClaimNext = %+v, want a processing task", task)
	}

	again, err := s.ClaimNext(ctx, model.QueueTaskTypes)
	if err != nil {
		t.Fatalf("ClaimNext (no more pending): %v", err)
	}
	if again != nil {
		t.Fatalf("ClaimNext = %+v, want nil once the only task is claimed", again)
	}
}

func TestTaskStoreCompleteThenRetryRejected(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewTaskStore(pool)

	if _, err := s.Enqueue(ctx, model.TaskAnalyzeImage, []int64{1}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := s.ClaimNext(ctx, model.QueueTaskTypes)
	if err != nil || task == nil {
		t.Fatalf("ClaimNext: %v, %+v", err, task)
	}

	if err := s.Complete(ctx, task.ID, map[string]string{"ok": "true"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.TaskCompleted {
		t.Fatalf("Status = %v, want completed", got.Status)
	}

	retried, err := s.Retry(ctx, task.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried {
		t.Fatal("Retry succeeded on a completed task, want false")
	}
}

func TestTaskStoreRecoverStuck(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewTaskStore(pool)

	if _, err := s.Enqueue(ctx, model.TaskAnalyzeImage, []int64{1}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, model.QueueTaskTypes); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	n, err := s.RecoverStuck(ctx, model.QueueTaskTypes, -time.Hour)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("RecoverStuck recovered %d, want 1", n)
	}

	task, err := s.ClaimNext(ctx, model.QueueTaskTypes)
	if err != nil {
		t.Fatalf("ClaimNext after recovery: %v", err)
	}
	if task == nil {
		t.Fatal("expected the recovered task to be claimable again")
	}
}

func TestTaskStoreActiveStorageTaskEndpoints(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewTaskStore(pool)

	id, err := s.CreateStorageTask(ctx, model.TaskStorageSync, model.StorageTaskPayload{EndpointID: 1, TargetID: 2})
	if err != nil {
		t.Fatalf("CreateStorageTask: %v", err)
	}
	if id.String() == "" {
		t.Fatal("CreateStorageTask returned a nil id")
	}

	active, err := s.ActiveStorageTaskEndpoints(ctx)
	if err != nil {
		t.Fatalf("ActiveStorageTaskEndpoints: %v", err)
	}
	if !active[1] {
		t.Fatalf("ActiveStorageTaskEndpoints = %v, want endpoint 1 marked active", active)
	}
}
