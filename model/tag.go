package model

import "time"

// TagLevel is the hierarchy tier a tag belongs to: 0 category, 1
// resolution, 2 normal (free-form).
type TagLevel int

const (
	LevelCategory   TagLevel = 0
	LevelResolution TagLevel = 1
	LevelNormal     TagLevel = 2
)

// TagSource records the provenance of a tag or an association.
type TagSource string

const (
	SourceSystem TagSource = "system"
	SourceAI     TagSource = "ai"
	SourceUser   TagSource = "user"
)

// UnclassifiedCategoryID is the default category assigned when ingestion
// does not specify one.
const UnclassifiedCategoryID int64 = 10

// ResolutionNames enumerates the fixed level-1 vocabulary, ordered from
// highest to lowest resolution.
var ResolutionNames = []string{"8K", "4K", "2K", "1080p", "720p", "SD"}

// Tag is a vocabulary entry: a category, a resolution bucket, or a normal
// (AI-assigned or user-assigned) keyword.
type Tag struct {
	ID          int64
	Name        string
	Level       TagLevel
	Source      TagSource
	Description string
	SortOrder   int
	UsageCount  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ImageTag associates a Tag with an Image, recording who/what added it and
// in what order it should display relative to its siblings.
type ImageTag struct {
	ImageID   int64
	TagID     int64
	Source    TagSource
	AddedBy   *int64
	SortOrder int
	AddedAt   time.Time
}

// ResolutionFor returns the deterministic resolution-tag name for the
// longest side of an image, per the fixed threshold ladder.
func ResolutionFor(width, height int) string {
	longest := width
	if height > longest {
		longest = height
	}
	switch {
	case longest >= 7680:
		return "8K"
	case longest >= 3840:
		return "4K"
	case longest >= 2560:
		return "2K"
	case longest >= 1920:
		return "1080p"
	case longest >= 1280:
		return "720p"
	default:
		return "SD"
	}
}
