// Package ingest implements the ingestion orchestrator from §4.8: the
// single code path shared by upload, URL-fetch and archive-entry ingestion
// once raw bytes are in hand.
package ingest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/errs"
	"github.com/127Wzc/imgtag/model"
	"github.com/127Wzc/imgtag/storage"
	"github.com/127Wzc/imgtag/tags"
)

// Enqueuer is the subset of queue.Service ingest needs, kept as an
// interface so tests can fake it without a live database.
type Enqueuer interface {
	AddTasks(ctx context.Context, imageIDs []int64, taskType model.TaskType, callbackURL string) (int, error)
}

// Deps collects ingest's dependencies.
type Deps struct {
	Images    *dbstore.ImageStore
	Locations *dbstore.LocationStore
	Endpoints *dbstore.EndpointStore
	Tags      *tags.Service
	Storage   *storage.Service
	Queue     Enqueuer
	HTTP      *http.Client
}

// Service runs the ingestion orchestrator.
type Service struct {
	deps Deps
}

// NewService builds a Service.
func NewService(deps Deps) *Service {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	return &Service{deps: deps}
}

// Input is everything the caller supplies about one ingestion, regardless
// of whether the bytes came from an upload, a URL fetch, or an archive
// entry (§4.8 names all three paths as the same contract once bytes are
// acquired).
type Input struct {
	Data         []byte
	OriginalURL  string
	EndpointID   *int64
	CategoryID   *int64
	Keywords     []string
	Description  string
	IsPublic     bool
	UploadedBy   *int64
	AutoAnalyze  bool
	CallbackURL  string
}

// Result is what the caller needs to report back: the new image id and its
// resolved read URL.
type Result struct {
	ImageID int64
	URL     string
}

// FromURL fetches bytes from url and delegates to Ingest, setting
// OriginalURL on the resulting Image row.
func (s *Service) FromURL(ctx context.Context, url string, in Input) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.E("ingest.Service.FromURL", errs.Validation, err)
	}
	resp, err := s.deps.HTTP.Do(req)
	if err != nil {
		return nil, errs.E("ingest.Service.FromURL", errs.UpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Msg("ingest.Service.FromURL", errs.UpstreamUnavailable, fmt.Sprintf("source URL returned HTTP %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.E("ingest.Service.FromURL", errs.UpstreamUnavailable, err)
	}
	in.Data = data
	in.OriginalURL = url
	return s.Ingest(ctx, in)
}

// Ingest runs the orchestrator body from §4.8, from hashing through the
// backup fan-out, against already in-hand bytes.
func (s *Service) Ingest(ctx context.Context, in Input) (*Result, error) {
	if len(in.Data) == 0 {
		return nil, errs.Msg("ingest.Service.Ingest", errs.Validation, "no bytes to ingest")
	}

	sum := md5.Sum(in.Data)
	fileHash := hex.EncodeToString(sum[:])
	sizeMB := float64(len(in.Data)) / (1024 * 1024)
	width, height, ext := decodeMeta(in.Data)

	endpoint, err := s.targetEndpoint(ctx, in.EndpointID)
	if err != nil {
		return nil, err
	}

	var categoryCode string
	if in.CategoryID != nil {
		if t, err := s.deps.Tags.ResolveCategory(ctx, in.CategoryID); err == nil && t != nil {
			categoryCode = strings.ToLower(t.Name)
		}
	}
	objectKey := storage.FullObjectKey(storage.GenerateObjectKey(fileHash, ext), categoryCode)

	if err := s.deps.Storage.Upload(ctx, endpoint, objectKey, bytes.NewReader(in.Data), int64(len(in.Data))); err != nil {
		return nil, errs.E("ingest.Service.Ingest", errs.UpstreamUnavailable, err)
	}

	img := &model.Image{
		FileHash:    fileHash,
		FileType:    ext,
		FileSizeMB:  sizeMB,
		Width:       width,
		Height:      height,
		Description: in.Description,
		OriginalURL: in.OriginalURL,
		UploadedBy:  in.UploadedBy,
		IsPublic:    in.IsPublic,
	}
	if err := s.deps.Images.Create(ctx, img); err != nil {
		return nil, fmt.Errorf("ingest: create image row: %w", err)
	}

	if _, err := s.deps.Locations.CreatePrimary(ctx, img.ID, endpoint.ID, objectKey); err != nil {
		return nil, fmt.Errorf("ingest: create primary location: %w", err)
	}

	if _, err := s.deps.Tags.SetImageTags(ctx, tags.SetImageTagsInput{
		ImageID:    img.ID,
		CategoryID: in.CategoryID,
		Width:      width,
		Height:     height,
		Keywords:   in.Keywords,
		Source:     model.SourceUser,
		AddedBy:    in.UploadedBy,
	}); err != nil {
		return nil, fmt.Errorf("ingest: apply tags: %w", err)
	}

	hasUserContent := len(in.Keywords) > 0 && in.Description != ""
	if in.AutoAnalyze || hasUserContent {
		if _, err := s.deps.Queue.AddTasks(ctx, []int64{img.ID}, model.TaskAnalyzeImage, in.CallbackURL); err != nil {
			zlog.Error(ctx).Err(err).Int64("image_id", img.ID).Msg("enqueue analyze_image failed")
		}
	}

	go s.backupFanOut(context.WithoutCancel(ctx), img.ID, endpoint.ID, objectKey)

	return &Result{ImageID: img.ID, URL: s.deps.Storage.BuildURL(endpoint, objectKey)}, nil
}

func (s *Service) targetEndpoint(ctx context.Context, endpointID *int64) (*model.StorageEndpoint, error) {
	if endpointID != nil {
		e, err := s.deps.Endpoints.Get(ctx, *endpointID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, errs.Msg("ingest.Service.targetEndpoint", errs.NotFound, fmt.Sprintf("endpoint %d does not exist", *endpointID))
		}
		return e, nil
	}
	e, err := s.deps.Endpoints.DefaultUpload(ctx)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errs.Msg("ingest.Service.targetEndpoint", errs.IntegrityViolated, "no default upload endpoint is configured")
	}
	return e, nil
}

// backupFanOut runs copy_between_endpoints against every backup-role
// endpoint not already holding imageID, fire-and-forget per §4.8 step 9.
// Failures are logged, never surfaced, matching the best-effort physical
// replication policy in §7.
func (s *Service) backupFanOut(ctx context.Context, imageID, sourceEndpointID int64, objectKey string) {
	endpoints, err := s.deps.Endpoints.List(ctx)
	if err != nil {
		zlog.Error(ctx).Err(err).Msg("backup fan-out: list endpoints failed")
		return
	}
	src, err := s.deps.Endpoints.Get(ctx, sourceEndpointID)
	if err != nil || src == nil {
		zlog.Error(ctx).Err(err).Msg("backup fan-out: source endpoint lookup failed")
		return
	}

	existing, err := s.deps.Locations.ByImage(ctx, imageID)
	if err != nil {
		zlog.Error(ctx).Err(err).Msg("backup fan-out: existing locations lookup failed")
		return
	}
	has := map[int64]bool{}
	for _, l := range existing {
		has[l.EndpointID] = true
	}

	for _, e := range endpoints {
		if e.Role != model.RoleBackup || has[e.ID] {
			continue
		}
		if err := s.deps.Storage.CopyBetweenEndpoints(ctx, src, e, objectKey); err != nil {
			zlog.Error(ctx).Err(err).Int64("image_id", imageID).Int64("endpoint_id", e.ID).Msg("backup copy failed")
			continue
		}
		if err := s.deps.Locations.UpsertMirror(ctx, imageID, e.ID, objectKey); err != nil {
			zlog.Error(ctx).Err(err).Int64("image_id", imageID).Int64("endpoint_id", e.ID).Msg("backup location upsert failed")
		}
	}
}

// decodeMeta extracts width/height (PIL-equivalent) and a best-guess
// extension from image bytes using stdlib image decoders only; unknown
// formats (e.g. webp, bmp) fall back to zero dimensions rather than
// failing ingestion outright.
func decodeMeta(data []byte) (width, height int, ext string) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, sniffExt(data)
	}
	if format == "" {
		format = sniffExt(data)
	}
	return cfg.Width, cfg.Height, format
}

func sniffExt(data []byte) string {
	ct := http.DetectContentType(data)
	switch {
	case strings.Contains(ct, "jpeg"):
		return "jpg"
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "gif"):
		return "gif"
	case strings.Contains(ct, "webp"):
		return "webp"
	case strings.Contains(ct, "bmp"):
		return "bmp"
	default:
		return ""
	}
}
