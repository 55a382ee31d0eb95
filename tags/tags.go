// Package tags implements the tag vocabulary and image/tag association
// rules described in §4.6: category/resolution assignment, free-form
// keyword resolution, and the source-preserving re-tag operations used
// by both the analyze_image task and manual edits.
package tags

import (
	"context"
	"fmt"

	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/model"
)

// Service is the tag system's entry point, wrapping the dbstore
// repositories with the business rules from the original tag
// repository (preserve existing sources, never clobber user/level-0/1
// tags on an AI re-run).
type Service struct {
	tags *dbstore.TagStore
}

// NewService builds a Service over store.
func NewService(store *dbstore.TagStore) *Service {
	return &Service{tags: store}
}

// Resolve returns the tag named name, creating a level-2 tag with the
// given source if it doesn't already exist.
func (s *Service) Resolve(ctx context.Context, name string, source model.TagSource) (*model.Tag, error) {
	if name == "" {
		return nil, fmt.Errorf("tags: empty tag name")
	}
	return s.tags.Resolve(ctx, name, source)
}

// ResolveCategory returns the category tag for categoryID, falling back
// to the unclassified category when categoryID is nil or unknown.
func (s *Service) ResolveCategory(ctx context.Context, categoryID *int64) (*model.Tag, error) {
	return s.tags.ResolveCategory(ctx, categoryID)
}

// ForImage returns an image's current tags, in display order.
func (s *Service) ForImage(ctx context.Context, imageID int64) ([]*model.Tag, error) {
	tagsOut, _, err := s.tags.ImageTagsWithSource(ctx, imageID)
	return tagsOut, err
}

// ForImages batches ForImage over a set of images, avoiding N+1 during
// search-result hydration.
func (s *Service) ForImages(ctx context.Context, imageIDs []int64) (map[int64][]*model.Tag, error) {
	return s.tags.ImagesTagsWithSource(ctx, imageIDs)
}

// SetImageTagsInput carries everything set_image_tags needs to recompute
// an image's tag set: the category, the fixed resolution bucket, and the
// free-form keyword names the caller (AI or user) proposes.
type SetImageTagsInput struct {
	ImageID     int64
	CategoryID  *int64
	Width       int
	Height      int
	Keywords    []string
	Source      model.TagSource
	AddedBy     *int64
}

// SetImageTags recomputes the category, resolution and keyword
// associations for an image. It preserves any existing association that
// is not itself a normal-level (level 2) tag sourced from "ai" — i.e. it
// never removes a user-entered keyword or the fixed level-0/1 tags,
// only the AI-derived keyword set it is replacing.
//
// Grounded on the original tag repository's set_image_tags: it computes
// new_tag_ids from the resolved final tag set, diffs it against the
// image's current tags, and restricts removal to
// (level == 2) && (source == "ai").
func (s *Service) SetImageTags(ctx context.Context, in SetImageTagsInput) ([]*model.Tag, error) {
	category, err := s.tags.ResolveCategory(ctx, in.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("tags: resolve category: %w", err)
	}
	resolutionName := model.ResolutionFor(in.Width, in.Height)
	resolution, err := s.tags.ByName(ctx, resolutionName)
	if err != nil {
		return nil, fmt.Errorf("tags: resolve resolution %q: %w", resolutionName, err)
	}

	finalTags := make([]*model.Tag, 0, 2+len(in.Keywords))
	finalIDs := map[int64]bool{}
	if category != nil {
		finalTags = append(finalTags, category)
		finalIDs[category.ID] = true
	}
	if resolution != nil {
		finalTags = append(finalTags, resolution)
		finalIDs[resolution.ID] = true
	}
	for _, kw := range in.Keywords {
		if kw == "" {
			continue
		}
		t, err := s.tags.Resolve(ctx, kw, in.Source)
		if err != nil {
			return nil, fmt.Errorf("tags: resolve keyword %q: %w", kw, err)
		}
		finalTags = append(finalTags, t)
		finalIDs[t.ID] = true
	}

	current, currentSources, err := s.tags.ImageTagsWithSource(ctx, in.ImageID)
	if err != nil {
		return nil, fmt.Errorf("tags: load current associations: %w", err)
	}

	var toRemove []int64
	for _, cur := range current {
		if finalIDs[cur.ID] {
			continue
		}
		if cur.Level != model.LevelNormal {
			continue
		}
		if currentSources[cur.ID] != model.SourceAI {
			continue
		}
		toRemove = append(toRemove, cur.ID)
	}
	if err := s.tags.RemoveAILevel2Associations(ctx, in.ImageID, toRemove); err != nil {
		return nil, fmt.Errorf("tags: remove stale ai tags: %w", err)
	}

	for i, t := range finalTags {
		if err := s.tags.AddAssociation(ctx, in.ImageID, t.ID, in.Source, in.AddedBy, i); err != nil {
			return nil, fmt.Errorf("tags: add association %q: %w", t.Name, err)
		}
	}

	return s.ForImage(ctx, in.ImageID)
}

// SetImageTagsByIDs is the manual-edit counterpart of SetImageTags: the
// caller already resolved tag ids (e.g. from a picker UI) rather than
// free-form keyword strings. The same minimum-diff, level-2-only removal
// rule applies, but without the source filter — any prior level-2
// association not present in ids is dropped, since the caller is making
// an explicit, authoritative edit rather than an AI re-run.
func (s *Service) SetImageTagsByIDs(ctx context.Context, imageID int64, ids []int64, source model.TagSource, addedBy *int64) ([]*model.Tag, error) {
	wanted := map[int64]bool{}
	for _, id := range ids {
		wanted[id] = true
	}

	current, _, err := s.tags.ImageTagsWithSource(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("tags: load current associations: %w", err)
	}
	var toRemove []int64
	for _, cur := range current {
		if wanted[cur.ID] || cur.Level != model.LevelNormal {
			continue
		}
		toRemove = append(toRemove, cur.ID)
	}
	if err := s.tags.RemoveAssociationsByIDs(ctx, imageID, toRemove); err != nil {
		return nil, fmt.Errorf("tags: remove stale associations: %w", err)
	}

	for i, id := range ids {
		if err := s.tags.AddAssociation(ctx, imageID, id, source, addedBy, i); err != nil {
			return nil, fmt.Errorf("tags: add association %d: %w", id, err)
		}
	}
	return s.ForImage(ctx, imageID)
}

// BatchAddTagsToImages resolves tagNames and associates them with every
// image in imageIDs, leaving existing associations untouched. When
// ownerID is non-nil, only images owned by that user are affected.
func (s *Service) BatchAddTagsToImages(ctx context.Context, imageIDs []int64, tagNames []string, source model.TagSource, addedBy, ownerID *int64) (int, error) {
	return s.tags.BatchAddTagsToImages(ctx, imageIDs, tagNames, source, addedBy, ownerID)
}

// BatchReplaceTagsForImages clears each image's existing associations
// before applying tagNames, scoped the same way as BatchAddTagsToImages.
func (s *Service) BatchReplaceTagsForImages(ctx context.Context, imageIDs []int64, tagNames []string, source model.TagSource, addedBy, ownerID *int64) (int, error) {
	return s.tags.BatchReplaceTagsForImages(ctx, imageIDs, tagNames, source, addedBy, ownerID)
}
