// Package queue implements the persistent job queue described in §4.4:
// a pool of stateless workers claiming analyze_image/rebuild_vector
// tasks from Postgres via FOR UPDATE SKIP LOCKED, with no in-memory
// state so any number of instances can share one queue.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/embedding"
	"github.com/127Wzc/imgtag/metrics"
	"github.com/127Wzc/imgtag/model"
	"github.com/127Wzc/imgtag/storage"
	"github.com/127Wzc/imgtag/tags"
	"github.com/127Wzc/imgtag/vision"
)

// Config bounds worker pool behavior, mirroring the dynamic settings the
// original task queue service reads per-cycle from its config table.
type Config struct {
	MaxWorkers          int
	BatchInterval       time.Duration
	StuckTaskAfter      time.Duration
	VisionMaxImageSize  int
	VisionAllowedExt    map[string]bool
	VisionConvertGIF    bool
}

// Deps collects the service-layer dependencies a worker needs to fully
// process an analyze_image/rebuild_vector task.
type Deps struct {
	Tasks     *dbstore.TaskStore
	Images    *dbstore.ImageStore
	Locations *dbstore.LocationStore
	Endpoints *dbstore.EndpointStore
	Tags      *tags.Service
	Storage   *storage.Service
	Vision    *vision.Adapter
	Embedding embedding.Adapter
	HTTP      *http.Client
}

// Service runs the analyze_image/rebuild_vector worker pool. It carries
// no task state itself; every claim, checkpoint and completion is
// visible to every other instance pointed at the same database.
type Service struct {
	deps    Deps
	cfg     Config
	metrics *metrics.QueueCollector
}

// NewService builds a Service. cfg.MaxWorkers is clamped to [1,10] by
// the caller (config.Config.ClampedQueueMaxWorkers); Run itself only
// raises a value below 1 to 1.
func NewService(deps Deps, cfg Config, collector *metrics.QueueCollector) *Service {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	return &Service{deps: deps, cfg: cfg, metrics: collector}
}

// Run recovers stuck tasks, then blocks running cfg.MaxWorkers worker
// goroutines until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	n, err := s.deps.Tasks.RecoverStuck(ctx, model.QueueTaskTypes, s.cfg.StuckTaskAfter)
	if err != nil {
		return fmt.Errorf("queue: recover stuck tasks: %w", err)
	}
	if n > 0 {
		zlog.Info(ctx).Int("count", n).Msg("recovered stuck tasks")
	}

	workers := s.cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			s.worker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) worker(ctx context.Context, id int) {
	ctx = zlog.ContextWithValues(ctx, "component", "queue/Service.worker", "worker_id", fmt.Sprint(id))
	zlog.Info(ctx).Msg("worker starting")
	for {
		select {
		case <-ctx.Done():
			zlog.Info(ctx).Msg("worker stopping")
			return
		default:
		}

		task, err := s.deps.Tasks.ClaimNext(ctx, model.QueueTaskTypes)
		if err != nil {
			zlog.Error(ctx).Err(err).Msg("claim failed")
			sleep(ctx, 500*time.Millisecond)
			continue
		}
		if task == nil {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		if s.metrics != nil {
			s.metrics.ObserveClaim(string(task.Type))
		}
		if err := s.process(ctx, task); err != nil {
			zlog.Error(ctx).Err(err).Str("task_id", task.ID.String()).Msg("task processing failed")
		}

		if s.cfg.BatchInterval > 0 {
			sleep(ctx, s.cfg.BatchInterval)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type analysisResult struct {
	ImageID     int64    `json:"image_id"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
}

// callbackPayload is the fire-and-forget POST body described in §4.4: the
// merged final tag list, image URL, dimensions and success flag for the
// task that just finished.
type callbackPayload struct {
	ImageID  int64    `json:"image_id"`
	Tags     []string `json:"tags"`
	ImageURL string   `json:"image_url"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Success  bool     `json:"success"`
}

// process runs one analyze_image/rebuild_vector task to completion,
// marking it completed or failed but never propagating the failure to
// the worker loop (§7: a task failure never poisons the worker).
func (s *Service) process(ctx context.Context, task *model.Task) error {
	var payload model.AnalyzePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, fmt.Errorf("invalid payload: %w", err))
	}

	img, err := s.deps.Images.Get(ctx, payload.ImageID)
	if err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, err)
	}
	if img == nil {
		return s.deps.Tasks.Fail(ctx, task.ID, fmt.Errorf("image %d does not exist", payload.ImageID))
	}

	// complete marks the task done and, per §5, dispatches the configured
	// callback asynchronously after that row state is committed.
	complete := func(result analysisResult) error {
		err := s.deps.Tasks.Complete(ctx, task.ID, result)
		s.dispatchCallback(ctx, payload.CallbackURL, img, result.Tags, err == nil)
		return err
	}

	currentTags, err := s.deps.Tags.ForImage(ctx, img.ID)
	if err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, err)
	}
	var categoryID *int64
	tagNames := make([]string, 0, len(currentTags))
	for _, t := range currentTags {
		if t.Level == model.LevelCategory && categoryID == nil {
			id := t.ID
			categoryID = &id
		}
		if t.Level == model.LevelNormal {
			tagNames = append(tagNames, t.Name)
		}
	}

	// Skip-vision-call optimization: an image that already carries a
	// description and keyword tags only needs its vector refreshed.
	if task.Type == model.TaskRebuildVector || (img.Description != "" && len(tagNames) > 0) {
		vec, err := embedding.EmbedCombined(ctx, s.deps.Embedding, img.Description, tagNames)
		if err != nil {
			return s.deps.Tasks.Fail(ctx, task.ID, err)
		}
		if err := s.deps.Images.SetEmbedding(ctx, img.ID, vec); err != nil {
			return s.deps.Tasks.Fail(ctx, task.ID, err)
		}
		return complete(analysisResult{ImageID: img.ID, Tags: tagNames, Description: img.Description})
	}

	if !vision.ExtensionAllowed(img.FileType, s.cfg.VisionAllowedExt) && !strings.EqualFold(img.FileType, "gif") {
		return complete(analysisResult{ImageID: img.ID, Tags: tagNames})
	}
	if strings.EqualFold(img.FileType, "gif") && !s.cfg.VisionConvertGIF {
		return complete(analysisResult{ImageID: img.ID, Tags: tagNames})
	}

	data, mimeType, err := s.fetchBytes(ctx, img)
	if err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, err)
	}

	preprocessed, preprocessedMime, err := vision.Preprocess(data, vision.PreprocessConfig{
		MaxSizeBytes: s.cfg.VisionMaxImageSize,
		ConvertGIF:   s.cfg.VisionConvertGIF,
	})
	if err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, err)
	}
	if preprocessedMime != "" {
		mimeType = preprocessedMime
	}

	analysis, err := s.deps.Vision.Analyze(ctx, preprocessed, mimeType)
	if err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, err)
	}

	if _, err := s.deps.Tags.SetImageTags(ctx, tags.SetImageTagsInput{
		ImageID:    img.ID,
		CategoryID: categoryID,
		Width:      img.Width,
		Height:     img.Height,
		Keywords:   analysis.Tags,
		Source:     model.SourceAI,
	}); err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, err)
	}

	vec, err := embedding.EmbedCombined(ctx, s.deps.Embedding, analysis.Description, analysis.Tags)
	if err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, err)
	}
	if err := s.deps.Images.SetDescriptionAndEmbedding(ctx, img.ID, analysis.Description, vec); err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, err)
	}

	finalTags, err := s.deps.Tags.ForImage(ctx, img.ID)
	if err != nil {
		return s.deps.Tasks.Fail(ctx, task.ID, err)
	}
	mergedNames := make([]string, 0, len(finalTags))
	for _, t := range finalTags {
		if t.Level == model.LevelNormal {
			mergedNames = append(mergedNames, t.Name)
		}
	}

	return complete(analysisResult{ImageID: img.ID, Tags: mergedNames, Description: analysis.Description})
}

// dispatchCallback POSTs the task outcome to callbackURL in the background,
// logging rather than failing the task on any error (§4.4, §5: the callback
// is best-effort and dispatched after the row state is already committed).
func (s *Service) dispatchCallback(ctx context.Context, callbackURL string, img *model.Image, tagNames []string, success bool) {
	if callbackURL == "" {
		return
	}
	payload := callbackPayload{
		ImageID:  img.ID,
		Tags:     tagNames,
		ImageURL: s.imageURL(ctx, img),
		Width:    img.Width,
		Height:   img.Height,
		Success:  success,
	}
	go s.postCallback(context.WithoutCancel(ctx), callbackURL, payload)
}

func (s *Service) postCallback(ctx context.Context, callbackURL string, payload callbackPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		zlog.Error(ctx).Err(err).Int64("image_id", payload.ImageID).Msg("marshal callback payload failed")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		zlog.Error(ctx).Err(err).Int64("image_id", payload.ImageID).Msg("build callback request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.deps.HTTP.Do(req)
	if err != nil {
		zlog.Error(ctx).Err(err).Str("callback_url", callbackURL).Int64("image_id", payload.ImageID).Msg("callback POST failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		zlog.Error(ctx).Int("status", resp.StatusCode).Str("callback_url", callbackURL).Int64("image_id", payload.ImageID).Msg("callback POST returned non-2xx")
	}
}

// imageURL resolves the public URL for img's best read location, falling
// back to its original_url when no stored location can be resolved.
func (s *Service) imageURL(ctx context.Context, img *model.Image) string {
	locations, err := s.deps.Locations.ByImage(ctx, img.ID)
	if err == nil && len(locations) > 0 {
		endpoints, err := s.endpointMap(ctx, locations)
		if err == nil {
			if loc := s.deps.Storage.PickReadLocation(locations, endpoints); loc != nil {
				return s.deps.Storage.BuildURL(endpoints[loc.EndpointID], loc.ObjectKey)
			}
		}
	}
	return img.OriginalURL
}

// fetchBytes retrieves the raw file for img, trying a stored location
// first and falling back to original_url when no location can serve
// it, matching the original task queue's get_file_content-then-original_url
// fallback chain.
func (s *Service) fetchBytes(ctx context.Context, img *model.Image) ([]byte, string, error) {
	locations, err := s.deps.Locations.ByImage(ctx, img.ID)
	if err != nil {
		return nil, "", err
	}
	if len(locations) > 0 {
		endpoints, err := s.endpointMap(ctx, locations)
		if err != nil {
			return nil, "", err
		}
		if loc := s.deps.Storage.PickReadLocation(locations, endpoints); loc != nil {
			endpoint := endpoints[loc.EndpointID]
			rc, err := s.deps.Storage.Download(ctx, endpoint, loc.ObjectKey)
			if err == nil {
				defer rc.Close()
				data, err := io.ReadAll(rc)
				if err == nil {
					return data, mimeTypeFor(img.FileType), nil
				}
			}
		}
	}

	if img.OriginalURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.OriginalURL, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := s.deps.HTTP.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				data, err := io.ReadAll(resp.Body)
				if err == nil {
					return data, mimeTypeFor(img.FileType), nil
				}
			}
		}
	}

	return nil, "", fmt.Errorf("queue: could not obtain file content for image %d", img.ID)
}

func (s *Service) endpointMap(ctx context.Context, locations []*model.ImageLocation) (map[int64]*model.StorageEndpoint, error) {
	out := map[int64]*model.StorageEndpoint{}
	for _, loc := range locations {
		if _, ok := out[loc.EndpointID]; ok {
			continue
		}
		e, err := s.deps.Endpoints.Get(ctx, loc.EndpointID)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out[loc.EndpointID] = e
		}
	}
	return out, nil
}

func mimeTypeFor(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}

// AddTasks enqueues taskType for imageIDs, deduplicating against any
// already in-flight task for the same image (§4.4).
func (s *Service) AddTasks(ctx context.Context, imageIDs []int64, taskType model.TaskType, callbackURL string) (int, error) {
	return s.deps.Tasks.Enqueue(ctx, taskType, imageIDs, callbackURL)
}

// TaskID re-exports uuid.UUID for callers that only import this package.
type TaskID = uuid.UUID
