package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType is the discriminator for a queue row's payload/result shape.
type TaskType string

const (
	TaskAnalyzeImage  TaskType = "analyze_image"
	TaskRebuildVector TaskType = "rebuild_vector"
	TaskStorageSync   TaskType = "storage_sync"
	TaskStorageDelete TaskType = "storage_delete"
	TaskStorageUnlink TaskType = "storage_unlink"
)

// TaskStatus is the lifecycle state of a Task row.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// QueueTaskTypes are the task types claimed by the analysis worker pool, as
// opposed to the background storage-task framework.
var QueueTaskTypes = []TaskType{TaskAnalyzeImage, TaskRebuildVector}

// Task is one row of the persistent job queue.
type Task struct {
	ID          uuid.UUID
	Type        TaskType
	Status      TaskStatus
	Payload     json.RawMessage
	Result      json.RawMessage
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// AnalyzePayload is the typed shape of Task.Payload for analyze_image and
// rebuild_vector tasks.
type AnalyzePayload struct {
	ImageID     int64  `json:"image_id"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// StorageTaskPayload is the typed shape of Task.Payload for storage_sync,
// storage_delete and storage_unlink tasks. EndpointID is consulted by the
// per-endpoint exclusion guard in §4.5.
type StorageTaskPayload struct {
	EndpointID    int64   `json:"endpoint_id"`
	TargetID      int64   `json:"target_endpoint_id,omitempty"`
	ImageIDs      []int64 `json:"image_ids,omitempty"`
	DeleteFiles   bool    `json:"delete_files,omitempty"`
	ForceOverwrite bool   `json:"force_overwrite,omitempty"`
	BatchIndex    int     `json:"batch_index,omitempty"`
	TotalBatches  int     `json:"total_batches,omitempty"`
}

// TaskProgress is the checkpointed aggregate for a long-running background
// storage task, written into Task.Result every N processed items.
type TaskProgress struct {
	Total       int             `json:"total"`
	Success     int             `json:"success"`
	Failed      int             `json:"failed"`
	FailedItems []FailedItem    `json:"failed_items"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// FailedItem is a capped entry describing one failure inside a
// TaskProgress. The list is bounded by the caller to avoid unbounded
// growth on pathological failure storms.
type FailedItem struct {
	ImageID int64  `json:"image_id"`
	Error   string `json:"error"`
}
