// Package config defines the process-level configuration surface (§6),
// parsed with goconfig from environment variables or flags the same way
// the teacher's cmd/libindexhttp does.
package config

import "github.com/crgimenes/goconfig"

// EmbeddingMode selects which embedding.Adapter implementation is wired up.
type EmbeddingMode string

const (
	EmbeddingLocal EmbeddingMode = "local"
	EmbeddingAPI   EmbeddingMode = "api"
)

// URLPriority hints which form build_url should prefer.
type URLPriority string

const (
	URLAuto  URLPriority = "auto"
	URLLocal URLPriority = "local"
	URLCDN   URLPriority = "cdn"
)

// Config is the complete set of recognized process-level configuration
// keys from spec.md §6, plus the ambient connection/listener settings a
// running service needs.
type Config struct {
	HTTPListenAddr string `cfgDefault:"0.0.0.0:8080" cfg:"HTTP_LISTEN_ADDR"`
	ConnString     string `cfgDefault:"host=localhost port=5432 user=imgtag dbname=imgtag sslmode=disable" cfg:"CONNECTION_STRING" cfgHelper:"Postgres connection string"`
	LogLevel       string `cfgDefault:"info" cfg:"LOG_LEVEL" cfgHelper:"Log levels: debug, info, warn, error, fatal, panic"`

	QueueMaxWorkers     int     `cfgDefault:"2" cfg:"QUEUE_MAX_WORKERS" cfgHelper:"Worker pool size for the analyze/rebuild queue, clamped to [1,10]"`
	QueueBatchInterval  float64 `cfgDefault:"1" cfg:"QUEUE_BATCH_INTERVAL" cfgHelper:"Seconds to pause between a worker's task claims"`
	QueueStuckMinutes   int     `cfgDefault:"10" cfg:"QUEUE_STUCK_MINUTES" cfgHelper:"Age in minutes after which a processing row is reclaimed on startup"`

	EmbeddingMode       string `cfgDefault:"local" cfg:"EMBEDDING_MODE" cfgHelper:"local or api"`
	EmbeddingDimensions int    `cfgDefault:"768" cfg:"EMBEDDING_DIMENSIONS" cfgHelper:"Must match the images.embedding column width"`
	EmbeddingAPIURL     string `cfgDefault:"" cfg:"EMBEDDING_API_URL"`
	EmbeddingAPIKey     string `cfgDefault:"" cfg:"EMBEDDING_API_KEY"`

	VisionMaxImageSizeKB    int    `cfgDefault:"2048" cfg:"VISION_MAX_IMAGE_SIZE" cfgHelper:"KB threshold above which an image is recompressed before the vision call"`
	VisionAllowedExtensions string `cfgDefault:"jpg,jpeg,png,webp,bmp" cfg:"VISION_ALLOWED_EXTENSIONS"`
	VisionConvertGIF        bool   `cfgDefault:"true" cfg:"VISION_CONVERT_GIF" cfgHelper:"Convert GIF to a still frame instead of skipping it"`
	VisionAPIURL            string `cfgDefault:"" cfg:"VISION_API_URL"`
	VisionAPIKey            string `cfgDefault:"" cfg:"VISION_API_KEY"`

	ImageURLPriority string `cfgDefault:"auto" cfg:"IMAGE_URL_PRIORITY" cfgHelper:"auto, local, or cdn"`
	AllowRegister    bool   `cfgDefault:"true" cfg:"ALLOW_REGISTER"`

	StorageBatchSize         int `cfgDefault:"500" cfg:"STORAGE_BATCH_SIZE" cfgHelper:"Sub-task size for sync/unlink/delete"`
	StorageTaskConcurrency   int `cfgDefault:"4" cfg:"STORAGE_TASK_CONCURRENCY" cfgHelper:"Semaphore size for background storage task items"`
	StorageCheckpointEvery   int `cfgDefault:"100" cfg:"STORAGE_CHECKPOINT_EVERY" cfgHelper:"Write TaskProgress to the task row every N items"`
}

// Load parses Config from the environment via goconfig, applying the
// cfgDefault tags for any key left unset.
func Load() (*Config, error) {
	c := &Config{}
	if err := goconfig.Parse(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ClampedQueueMaxWorkers returns QueueMaxWorkers clamped to [1, 10], per
// the invariant in §5.
func (c *Config) ClampedQueueMaxWorkers() int {
	switch {
	case c.QueueMaxWorkers < 1:
		return 1
	case c.QueueMaxWorkers > 10:
		return 10
	default:
		return c.QueueMaxWorkers
	}
}
