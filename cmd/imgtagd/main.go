// Command imgtagd runs the queue worker pool that backs the image-tagging
// and vector-search engine: it claims analyze_image/rebuild_vector tasks
// from Postgres and has no other externally exposed surface, per the
// "contracts, not a transport" framing in spec §6.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	"github.com/127Wzc/imgtag/bgtask"
	"github.com/127Wzc/imgtag/config"
	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/embedding"
	"github.com/127Wzc/imgtag/locksource/pglock"
	"github.com/127Wzc/imgtag/metrics"
	"github.com/127Wzc/imgtag/model"
	"github.com/127Wzc/imgtag/queue"
	"github.com/127Wzc/imgtag/storage"
	"github.com/127Wzc/imgtag/tags"
	"github.com/127Wzc/imgtag/vision"
)

// autoMirrorInterval is how often the daemon sweeps auto-sync endpoints
// for pending locations, per the opportunistic pass named in §4.5.
const autoMirrorInterval = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Msgf("failed to parse config: %v", err)
	}
	log = log.Level(logLevel(cfg.LogLevel))
	zlog.Set(&log)

	pool, err := dbstore.Connect(ctx, cfg.ConnString, "imgtagd")
	if err != nil {
		log.Fatal().Msgf("failed to create db pool: %v", err)
	}
	defer dbstore.Dispose(pool)

	locker, err := pglock.New(ctx, pool.Config())
	if err != nil {
		log.Fatal().Msgf("failed to start advisory lock connection: %v", err)
	}
	defer locker.Close()

	tasks := dbstore.NewTaskStore(pool)
	images := dbstore.NewImageStore(pool)
	locations := dbstore.NewLocationStore(pool)
	endpoints := dbstore.NewEndpointStore(pool)
	tagStore := dbstore.NewTagStore(pool)
	tagSvc := tags.NewService(tagStore)

	backends := map[model.EndpointProvider]storage.Backend{
		model.ProviderLocal: storage.NewLocalBackend(os.Getenv("IMGTAG_LOCAL_ROOT")),
		model.ProviderS3:    storage.NewS3Backend(),
	}
	storageSvc := storage.NewService(backends)

	visionAdapter := vision.NewAdapter(cfg.VisionAPIURL, cfg.VisionAPIKey, "", visionPrompt, 2)
	embeddingAdapter := buildEmbedding(cfg)

	collector := metrics.NewQueueCollector()
	queueSvc := queue.NewService(queue.Deps{
		Tasks:     tasks,
		Images:    images,
		Locations: locations,
		Endpoints: endpoints,
		Tags:      tagSvc,
		Storage:   storageSvc,
		Vision:    visionAdapter,
		Embedding: embeddingAdapter,
		HTTP:      &http.Client{Timeout: 60 * time.Second},
	}, queue.Config{
		MaxWorkers:         cfg.ClampedQueueMaxWorkers(),
		BatchInterval:      time.Duration(cfg.QueueBatchInterval * float64(time.Second)),
		StuckTaskAfter:     time.Duration(cfg.QueueStuckMinutes) * time.Minute,
		VisionMaxImageSize: cfg.VisionMaxImageSizeKB * 1024,
		VisionAllowedExt:   allowedExtensions(cfg.VisionAllowedExtensions),
		VisionConvertGIF:   cfg.VisionConvertGIF,
	}, collector)

	bgSvc := bgtask.NewService(bgtask.Deps{
		Tasks:     tasks,
		Images:    images,
		Locations: locations,
		Endpoints: endpoints,
		Storage:   storageSvc,
	}, bgtask.Config{
		BatchSize:       cfg.StorageBatchSize,
		Concurrency:     cfg.StorageTaskConcurrency,
		CheckpointEvery: cfg.StorageCheckpointEvery,
	}, locker)

	go runAutoMirror(ctx, bgSvc, endpoints)

	zlog.Info(ctx).Int("workers", cfg.ClampedQueueMaxWorkers()).Msg("starting queue workers")
	if err := queueSvc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Msgf("queue exited: %v", err)
	}
}

// runAutoMirror periodically sweeps auto-sync endpoints for locations that
// have never been pushed to their mirror, per the opportunistic pass named
// in §4.5. ingest, search and endpoints are library packages consumed by
// whatever transport a deployment chooses to build in front of imgtagd;
// that transport is an explicit non-goal here, so this daemon has no
// caller for them and does not construct them.
func runAutoMirror(ctx context.Context, bgSvc *bgtask.Service, endpoints *dbstore.EndpointStore) {
	ticker := time.NewTicker(autoMirrorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		eps, err := endpoints.List(ctx)
		if err != nil {
			zlog.Error(ctx).Err(err).Msg("auto-mirror: listing endpoints")
			continue
		}
		for _, ep := range eps {
			if !ep.AutoSyncEnabled || ep.SyncFromEndpoint == nil {
				continue
			}
			src, err := endpoints.Get(ctx, *ep.SyncFromEndpoint)
			if err != nil {
				zlog.Error(ctx).Err(err).Int64("endpoint", ep.ID).Msg("auto-mirror: resolving source endpoint")
				continue
			}
			progress, err := bgSvc.ProcessPendingLocations(ctx, ep, src)
			if err != nil {
				zlog.Error(ctx).Err(err).Int64("endpoint", ep.ID).Msg("auto-mirror: sync pass failed")
				continue
			}
			if progress.Success > 0 || progress.Failed > 0 {
				zlog.Info(ctx).Int64("endpoint", ep.ID).Int("synced", progress.Success).Int("failed", progress.Failed).Msg("auto-mirror: sync pass complete")
			}
		}
	}
}

const visionPrompt = "Describe this image and list relevant keyword tags as JSON: {\"description\": string, \"tags\": [string]}."

func logLevel(raw string) zerolog.Level {
	if l, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
		return l
	}
	return zerolog.InfoLevel
}

func buildEmbedding(cfg *config.Config) embedding.Adapter {
	if config.EmbeddingMode(cfg.EmbeddingMode) == config.EmbeddingAPI {
		return embedding.NewAPIAdapter(cfg.EmbeddingAPIURL, cfg.EmbeddingAPIKey, "", cfg.EmbeddingDimensions, 10)
	}
	return embedding.NewLocalAdapter(cfg.EmbeddingDimensions)
}

func allowedExtensions(csv string) map[string]bool {
	out := map[string]bool{}
	for _, ext := range strings.Split(csv, ",") {
		ext = strings.TrimSpace(strings.ToLower(ext))
		if ext != "" {
			out[ext] = true
		}
	}
	return out
}
