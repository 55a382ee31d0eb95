package dbstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/127Wzc/imgtag/model"
)

// TaskStore is the persistence surface for the job queue (§4.4, §4.5).
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore returns a TaskStore backed by pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore { return &TaskStore{pool: pool} }

// ExistingInFlightImageIDs returns the subset of imageIDs that already
// have a pending or processing analyze_image/rebuild_vector task, used by
// Enqueue to deduplicate.
func (s *TaskStore) ExistingInFlightImageIDs(ctx context.Context, imageIDs []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	if len(imageIDs) == 0 {
		return out, nil
	}
	const query = `
SELECT (payload ->> 'image_id')::bigint
FROM tasks
WHERE status IN ('pending', 'processing')
  AND type IN ('analyze_image', 'rebuild_vector')
  AND (payload ->> 'image_id')::bigint = ANY($1)
`
	rows, err := s.pool.Query(ctx, query, imageIDs)
	if err != nil {
		return nil, fmt.Errorf("dbstore: in-flight query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Enqueue inserts one task row per imageID not already in-flight, per the
// dedup contract in §4.4. It returns the count actually inserted.
func (s *TaskStore) Enqueue(ctx context.Context, taskType model.TaskType, imageIDs []int64, callbackURL string) (int, error) {
	if len(imageIDs) == 0 {
		return 0, nil
	}
	existing, err := s.ExistingInFlightImageIDs(ctx, imageIDs)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const insert = `
INSERT INTO tasks (id, type, status, payload)
VALUES ($1, $2, 'pending', $3)
`
	added := 0
	for _, id := range imageIDs {
		if existing[id] {
			continue
		}
		payload, err := json.Marshal(model.AnalyzePayload{ImageID: id, CallbackURL: callbackURL})
		if err != nil {
			return added, err
		}
		if _, err := tx.Exec(ctx, insert, uuid.New(), taskType, payload); err != nil {
			return added, fmt.Errorf("dbstore: enqueue: %w", err)
		}
		added++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return added, nil
}

// ClaimNext atomically claims the oldest pending task of one of allowed
// types, using FOR UPDATE SKIP LOCKED so concurrent workers never race on
// the same row.
func (s *TaskStore) ClaimNext(ctx context.Context, allowed []model.TaskType) (*model.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	const query = `
SELECT id, type, status, payload, result, error, created_at, updated_at, completed_at
FROM tasks
WHERE status = 'pending' AND type = ANY($1)
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT 1
`
	row := tx.QueryRow(ctx, query, allowed)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	const update = `UPDATE tasks SET status = 'processing', updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, update, t.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	t.Status = model.TaskProcessing
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	if err := row.Scan(&t.ID, &t.Type, &t.Status, &t.Payload, &t.Result, &t.Error, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// Complete marks a task completed and stores its result.
func (s *TaskStore) Complete(ctx context.Context, id uuid.UUID, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	const query = `
UPDATE tasks SET status = 'completed', result = $2, error = '', completed_at = now(), updated_at = now()
WHERE id = $1
`
	_, err = s.pool.Exec(ctx, query, id, b)
	return err
}

// Fail marks a task failed with the given error text. Per §7 this never
// poisons the worker: the error is recorded and the loop continues.
func (s *TaskStore) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	const query = `
UPDATE tasks SET status = 'failed', error = $2, completed_at = now(), updated_at = now()
WHERE id = $1
`
	_, err := s.pool.Exec(ctx, query, id, cause.Error())
	return err
}

// CheckpointProgress writes a partial TaskProgress to a still-processing
// task's result column, per the §4.5 checkpointing contract.
func (s *TaskStore) CheckpointProgress(ctx context.Context, id uuid.UUID, progress model.TaskProgress) error {
	b, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	const query = `UPDATE tasks SET result = $2, updated_at = now() WHERE id = $1`
	_, err = s.pool.Exec(ctx, query, id, b)
	return err
}

// RecoverStuck resets any processing row of one of the given types older
// than staleAfter back to pending. Called once at startup before workers
// begin claiming.
func (s *TaskStore) RecoverStuck(ctx context.Context, types []model.TaskType, staleAfter time.Duration) (int, error) {
	const query = `
UPDATE tasks SET status = 'pending', updated_at = now()
WHERE status = 'processing' AND type = ANY($1) AND updated_at < $2
`
	tag, err := s.pool.Exec(ctx, query, types, time.Now().Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ClearPending deletes every pending row of the given types.
func (s *TaskStore) ClearPending(ctx context.Context, types []model.TaskType) (int, error) {
	return s.deleteByStatus(ctx, types, model.TaskPending)
}

// ClearCompleted deletes every completed or failed row of the given types.
func (s *TaskStore) ClearCompleted(ctx context.Context, types []model.TaskType) (int, error) {
	a, err := s.deleteByStatus(ctx, types, model.TaskCompleted)
	if err != nil {
		return a, err
	}
	b, err := s.deleteByStatus(ctx, types, model.TaskFailed)
	return a + b, err
}

func (s *TaskStore) deleteByStatus(ctx context.Context, types []model.TaskType, status model.TaskStatus) (int, error) {
	const query = `DELETE FROM tasks WHERE status = $1 AND type = ANY($2)`
	tag, err := s.pool.Exec(ctx, query, status, types)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Retry resets a failed task back to pending. It reports false if the
// task does not exist or is not currently failed.
func (s *TaskStore) Retry(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `
UPDATE tasks SET status = 'pending', error = '', updated_at = now()
WHERE id = $1 AND status = 'failed'
`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Get fetches a task by id.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	const query = `
SELECT id, type, status, payload, result, error, created_at, updated_at, completed_at
FROM tasks WHERE id = $1
`
	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// StatusCounts reports the count of tasks in each status for the given types.
func (s *TaskStore) StatusCounts(ctx context.Context, types []model.TaskType) (map[model.TaskStatus]int, error) {
	const query = `
SELECT status, count(*) FROM tasks WHERE type = ANY($1) GROUP BY status
`
	rows, err := s.pool.Query(ctx, query, types)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.TaskStatus]int{}
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ActiveStorageTaskEndpoints returns the set of endpoint ids referenced by
// any pending/processing storage_sync, storage_delete or storage_unlink
// task, for the best-effort per-endpoint exclusion guard in §4.5.
func (s *TaskStore) ActiveStorageTaskEndpoints(ctx context.Context) (map[int64]bool, error) {
	const query = `
SELECT DISTINCT (payload ->> 'endpoint_id')::bigint
FROM tasks
WHERE status IN ('pending', 'processing')
  AND type IN ('storage_sync', 'storage_delete', 'storage_unlink')
`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// CreateStorageTask inserts a new storage_sync/storage_delete/storage_unlink
// task row and returns its id.
func (s *TaskStore) CreateStorageTask(ctx context.Context, taskType model.TaskType, payload model.StorageTaskPayload) (uuid.UUID, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	const insert = `INSERT INTO tasks (id, type, status, payload) VALUES ($1, $2, 'pending', $3)`
	if _, err := s.pool.Exec(ctx, insert, id, taskType, b); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
