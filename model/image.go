// Package model holds the persistent entities shared by every component of
// the ingestion-and-retrieval engine: images, storage endpoints and their
// placements, tags, and queue tasks.
package model

import "time"

// Image is the analytical unit of the system: one ingested file, its
// extracted metadata, and its dense embedding once analysis completes.
type Image struct {
	ID          int64 `json:"id"`
	FileHash    string
	FileType    string
	FileSizeMB  float64
	Width       int
	Height      int
	Description string
	// Embedding is nil while the image is pending analysis. Its length must
	// equal the process-wide configured dimension once set.
	Embedding   []float32
	OriginalURL string
	UploadedBy  *int64
	IsPublic    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Pending reports whether an image has not yet received a description.
func (i *Image) Pending() bool {
	return i.Description == ""
}
