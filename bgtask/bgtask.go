// Package bgtask implements the shared long-running storage task
// framework from §4.5: checkpointed progress, semaphore-bounded
// per-item concurrency, and the sync/unlink/hard-delete specializations
// that operate on an endpoint's images.
package bgtask

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/quay/zlog"
	"golang.org/x/sync/semaphore"

	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/errs"
	"github.com/127Wzc/imgtag/locksource"
	"github.com/127Wzc/imgtag/model"
	"github.com/127Wzc/imgtag/storage"
)

// Config bounds one background task run.
type Config struct {
	BatchSize       int
	Concurrency     int
	CheckpointEvery int
}

// DefaultConfig matches the original service's defaults (batch 500,
// checkpoint every 100 items).
func DefaultConfig() Config {
	return Config{BatchSize: 500, Concurrency: 4, CheckpointEvery: 100}
}

// Deps collects the persistence and storage dependencies every
// specialization needs.
type Deps struct {
	Tasks     *dbstore.TaskStore
	Images    *dbstore.ImageStore
	Locations *dbstore.LocationStore
	Endpoints *dbstore.EndpointStore
	Storage   *storage.Service
}

// Service runs the three background storage task specializations.
type Service struct {
	deps   Deps
	cfg    Config
	locker locksource.ContextLock
}

// NewService builds a Service. locker is optional: when nil, the
// per-endpoint exclusion invariant is enforced only by the best-effort
// ActiveStorageTaskEndpoints query named in §5; when set (typically a
// locksource/pglock.Locker), Enqueue also takes an advisory lock for the
// duration of the check-and-insert to close the race the query alone
// cannot.
func NewService(deps Deps, cfg Config, locker locksource.ContextLock) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 100
	}
	return &Service{deps: deps, cfg: cfg, locker: locker}
}

// progressTracker accumulates a TaskProgress under a mutex and
// checkpoints it to the task row every CheckpointEvery items, the
// concurrency-safe counterpart of the queue worker's single-threaded
// status updates.
type progressTracker struct {
	mu       sync.Mutex
	progress model.TaskProgress
	every    int
	taskID   uuid.UUID
	tasks    *dbstore.TaskStore
}

func newProgressTracker(taskID uuid.UUID, tasks *dbstore.TaskStore, total, every int) *progressTracker {
	return &progressTracker{progress: model.TaskProgress{Total: total}, every: every, taskID: taskID, tasks: tasks}
}

func (p *progressTracker) recordSuccess(ctx context.Context) {
	p.mu.Lock()
	p.progress.Success++
	n := p.progress.Success + p.progress.Failed
	snapshot := p.progress
	p.mu.Unlock()
	p.maybeCheckpoint(ctx, n, snapshot)
}

func (p *progressTracker) recordFailure(ctx context.Context, imageID int64, cause error) {
	p.mu.Lock()
	p.progress.Failed++
	if len(p.progress.FailedItems) < 50 {
		p.progress.FailedItems = append(p.progress.FailedItems, model.FailedItem{ImageID: imageID, Error: cause.Error()})
	}
	n := p.progress.Success + p.progress.Failed
	snapshot := p.progress
	p.mu.Unlock()
	p.maybeCheckpoint(ctx, n, snapshot)
}

func (p *progressTracker) maybeCheckpoint(ctx context.Context, n int, snapshot model.TaskProgress) {
	if n%p.every != 0 {
		return
	}
	if err := p.tasks.CheckpointProgress(ctx, p.taskID, snapshot); err != nil {
		zlog.Error(ctx).Err(err).Msg("checkpoint write failed")
	}
}

func (p *progressTracker) final() model.TaskProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// forEachConcurrent runs fn over items with a semaphore bounding
// in-flight goroutines to concurrency, mirroring the teacher's GC
// fan-out pattern.
func forEachConcurrent[T any](ctx context.Context, items []T, concurrency int, fn func(context.Context, T)) {
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer sem.Release(1)
			fn(ctx, item)
		}(item)
	}
	wg.Wait()
}

// RunSync copies every location (or those in imageIDs, if non-empty)
// from src to dst, skipping images already synced to dst unless
// forceOverwrite is set. Progress is checkpointed to taskID.
func (s *Service) RunSync(ctx context.Context, taskID uuid.UUID, src, dst *model.StorageEndpoint, imageIDs []int64, forceOverwrite bool) (model.TaskProgress, error) {
	locations, err := s.locationsToSync(ctx, src, imageIDs)
	if err != nil {
		return model.TaskProgress{}, err
	}

	tracker := newProgressTracker(taskID, s.deps.Tasks, len(locations), s.cfg.CheckpointEvery)
	forEachConcurrent(ctx, locations, s.cfg.Concurrency, func(ctx context.Context, loc *model.ImageLocation) {
		if err := s.syncOne(ctx, loc, src, dst, forceOverwrite); err != nil {
			tracker.recordFailure(ctx, loc.ImageID, err)
			return
		}
		tracker.recordSuccess(ctx)
	})
	return tracker.final(), nil
}

func (s *Service) locationsToSync(ctx context.Context, src *model.StorageEndpoint, imageIDs []int64) ([]*model.ImageLocation, error) {
	if len(imageIDs) == 0 {
		var all []*model.ImageLocation
		err := s.deps.Locations.IterByEndpoint(ctx, src.ID, s.cfg.BatchSize, func(batch []*model.ImageLocation) error {
			all = append(all, batch...)
			return nil
		})
		return all, err
	}
	byImage, err := s.deps.Locations.ByImages(ctx, imageIDs)
	if err != nil {
		return nil, err
	}
	var out []*model.ImageLocation
	for _, locs := range byImage {
		for _, l := range locs {
			if l.EndpointID == src.ID {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (s *Service) syncOne(ctx context.Context, loc *model.ImageLocation, src, dst *model.StorageEndpoint, forceOverwrite bool) error {
	if !forceOverwrite {
		existing, err := s.deps.Locations.Get(ctx, loc.ImageID, dst.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.SyncStatus == model.SyncSynced {
			if ok, err := s.deps.Storage.Exists(ctx, dst, existing.ObjectKey); err == nil && ok {
				return nil
			}
		}
	}

	if err := s.deps.Storage.CopyBetweenEndpoints(ctx, src, dst, loc.ObjectKey); err != nil {
		_ = s.deps.Locations.MarkFailed(ctx, loc.ImageID, dst.ID, err.Error())
		return err
	}
	return s.deps.Locations.UpsertMirror(ctx, loc.ImageID, dst.ID, loc.ObjectKey)
}

// ProcessPendingLocations is the opportunistic pass the auto-mirror
// loop uses: it finds sync_status=pending rows on endpoint and attempts
// each one against its configured sync-from source.
func (s *Service) ProcessPendingLocations(ctx context.Context, endpoint *model.StorageEndpoint, src *model.StorageEndpoint) (model.TaskProgress, error) {
	var pending []*model.ImageLocation
	if err := s.deps.Locations.PendingByEndpoint(ctx, endpoint.ID, s.cfg.BatchSize, func(batch []*model.ImageLocation) error {
		pending = append(pending, batch...)
		return nil
	}); err != nil {
		return model.TaskProgress{}, err
	}

	tracker := newProgressTracker(uuid.Nil, s.deps.Tasks, len(pending), s.cfg.CheckpointEvery)
	forEachConcurrent(ctx, pending, s.cfg.Concurrency, func(ctx context.Context, loc *model.ImageLocation) {
		if err := s.syncOne(ctx, loc, src, endpoint, false); err != nil {
			tracker.recordFailure(ctx, loc.ImageID, err)
			return
		}
		tracker.recordSuccess(ctx)
	})
	return tracker.final(), nil
}

// RunUnlink removes endpoint's location rows. When deleteFiles is set,
// the physical object for each location is deleted first; images left
// with no remaining location afterward are themselves deleted, per the
// §4.5 orphan cleanup rule.
func (s *Service) RunUnlink(ctx context.Context, taskID uuid.UUID, endpoint *model.StorageEndpoint, deleteFiles bool) (model.TaskProgress, error) {
	var locations []*model.ImageLocation
	if err := s.deps.Locations.IterByEndpoint(ctx, endpoint.ID, s.cfg.BatchSize, func(batch []*model.ImageLocation) error {
		locations = append(locations, batch...)
		return nil
	}); err != nil {
		return model.TaskProgress{}, err
	}

	tracker := newProgressTracker(taskID, s.deps.Tasks, len(locations), s.cfg.CheckpointEvery)
	if deleteFiles {
		forEachConcurrent(ctx, locations, s.cfg.Concurrency, func(ctx context.Context, loc *model.ImageLocation) {
			if err := s.deps.Storage.Delete(ctx, endpoint, loc.ObjectKey); err != nil {
				tracker.recordFailure(ctx, loc.ImageID, err)
				return
			}
			tracker.recordSuccess(ctx)
		})
	}

	affectedImages, err := s.deps.Locations.DeleteByEndpoint(ctx, endpoint.ID)
	if err != nil {
		return tracker.final(), err
	}

	counts, err := s.deps.Images.CountLocationsByImage(ctx, affectedImages)
	if err != nil {
		return tracker.final(), err
	}
	var orphans []int64
	for _, id := range affectedImages {
		if counts[id] == 0 {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		if err := s.deps.Images.DeleteMany(ctx, orphans); err != nil {
			return tracker.final(), err
		}
	}

	return tracker.final(), nil
}

// RunHardDelete deletes every physical object on a non-local endpoint
// and then its location rows. It does not itself enforce the
// double-confirmation the API layer is responsible for collecting.
func (s *Service) RunHardDelete(ctx context.Context, taskID uuid.UUID, endpoint *model.StorageEndpoint) (model.TaskProgress, error) {
	if endpoint.Provider == model.ProviderLocal {
		return model.TaskProgress{}, errs.Msg("bgtask.Service.RunHardDelete", errs.Validation, "hard delete is not permitted on the local endpoint")
	}
	return s.RunUnlink(ctx, taskID, endpoint, true)
}

// Enqueue creates a storage_sync/storage_delete/storage_unlink task row,
// refusing to do so if endpointID already has an in-flight storage task
// against it — the endpoint-level exclusion invariant from §4.5 that
// prevents two background tasks from racing on the same endpoint.
func (s *Service) Enqueue(ctx context.Context, taskType model.TaskType, payload model.StorageTaskPayload) (uuid.UUID, error) {
	if s.locker != nil {
		lockCtx, unlock := s.locker.TryLock(ctx, endpointLockKey(payload.EndpointID))
		if lockCtx.Err() != nil {
			return uuid.Nil, errs.Msg("bgtask.Service.Enqueue", errs.Conflict,
				fmt.Sprintf("endpoint %d is already locked by another storage task", payload.EndpointID))
		}
		defer unlock()
	}

	active, err := s.deps.Tasks.ActiveStorageTaskEndpoints(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if active[payload.EndpointID] {
		return uuid.Nil, errs.Msg("bgtask.Service.Enqueue", errs.Conflict,
			fmt.Sprintf("endpoint %d already has an in-flight storage task", payload.EndpointID))
	}
	if payload.TargetID != 0 && active[payload.TargetID] {
		return uuid.Nil, errs.Msg("bgtask.Service.Enqueue", errs.Conflict,
			fmt.Sprintf("endpoint %d already has an in-flight storage task", payload.TargetID))
	}
	return s.deps.Tasks.CreateStorageTask(ctx, taskType, payload)
}

func endpointLockKey(endpointID int64) string {
	return fmt.Sprintf("imgtag:storage-task:endpoint:%d", endpointID)
}

// SplitBatches divides imageIDs into chunks of at most s.cfg.BatchSize,
// mirroring the original sync task's sub-task fan-out (batch_index/
// total_batches recorded in each StorageTaskPayload).
func (s *Service) SplitBatches(imageIDs []int64) [][]int64 {
	if len(imageIDs) == 0 {
		return nil
	}
	var out [][]int64
	for i := 0; i < len(imageIDs); i += s.cfg.BatchSize {
		end := i + s.cfg.BatchSize
		if end > len(imageIDs) {
			end = len(imageIDs)
		}
		out = append(out, imageIDs[i:end])
	}
	return out
}
