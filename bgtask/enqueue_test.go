package bgtask

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/model"
)

// testPool mirrors dbstore's own Postgres-backed test gate: skip unless a
// live database is configured.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("IMGTAG_TEST_DSN")
	if dsn == "" {
		t.Skip("IMGTAG_TEST_DSN not set, skipping Postgres-backed test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	schema, err := os.ReadFile("../dbstore/migrations/0001_initial.sql")
	if err != nil {
		pool.Close()
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		pool.Close()
		t.Fatalf("apply migration: %v", err)
	}
	t.Cleanup(func() {
		const truncate = `TRUNCATE images, storage_endpoints, image_locations, tags, image_tags, tasks RESTART IDENTITY CASCADE`
		pool.Exec(context.Background(), truncate)
		pool.Close()
	})
	return pool
}

// fakeLocker is an in-memory locksource.ContextLock, standing in for
// locksource/pglock.Locker so Enqueue's lock-gated path is exercised
// without a live advisory-lock connection.
type fakeLocker struct {
	held map[string]bool
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (f *fakeLocker) TryLock(parent context.Context, key string) (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancel(parent)
	if f.held[key] {
		cancel()
		return child, cancel
	}
	f.held[key] = true
	return child, func() {
		delete(f.held, key)
		cancel()
	}
}

func (f *fakeLocker) Lock(parent context.Context, key string) (context.Context, context.CancelFunc) {
	return f.TryLock(parent, key)
}

func TestEnqueueTakesAdvisoryLockWhenLockerConfigured(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tasks := dbstore.NewTaskStore(pool)
	locker := newFakeLocker()
	svc := NewService(Deps{Tasks: tasks}, DefaultConfig(), locker)

	if _, err := svc.Enqueue(ctx, model.TaskStorageSync, model.StorageTaskPayload{EndpointID: 7, TargetID: 8}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if locker.held["imgtag:storage-task:endpoint:7"] {
		t.Fatal("Enqueue left the advisory lock held after returning")
	}
}

func TestEnqueueRejectsConcurrentLockHolder(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tasks := dbstore.NewTaskStore(pool)
	locker := newFakeLocker()
	svc := NewService(Deps{Tasks: tasks}, DefaultConfig(), locker)

	lockCtx, unlock := locker.TryLock(ctx, endpointLockKey(9))
	if lockCtx.Err() != nil {
		t.Fatal("fakeLocker failed to grant the first lock")
	}
	defer unlock()

	if _, err := svc.Enqueue(ctx, model.TaskStorageSync, model.StorageTaskPayload{EndpointID: 9}); err == nil {
		t.Fatal("Enqueue succeeded while another caller held the endpoint's advisory lock")
	}
}
