// Package embedding implements the text/tag-to-vector adapter described
// in §4.3: either a local in-process model or a remote embeddings API,
// selected by configuration, with a dimension that must match the
// images.embedding column.
package embedding

import (
	"context"
	"strings"
)

// Adapter produces a fixed-dimension embedding for text.
type Adapter interface {
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CombinedText joins a description and a tag list the same way the
// original embedding service's get_embedding_combined does: the
// description first, then a "tags: a, b, c" suffix, separated by " | ".
// An empty result means the embedding is the zero vector.
func CombinedText(description string, tags []string) string {
	var parts []string
	if d := strings.TrimSpace(description); d != "" {
		parts = append(parts, d)
	}
	var validTags []string
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			validTags = append(validTags, t)
		}
	}
	if len(validTags) > 0 {
		parts = append(parts, "tags: "+strings.Join(validTags, ", "))
	}
	return strings.Join(parts, " | ")
}

// EmbedCombined embeds a description+tags pair via a, returning a zero
// vector of the adapter's dimension if both are empty.
func EmbedCombined(ctx context.Context, a Adapter, description string, tags []string) ([]float32, error) {
	text := CombinedText(description, tags)
	if text == "" {
		return make([]float32, a.Dimensions()), nil
	}
	return a.Embed(ctx, text)
}
