package dbstore

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/127Wzc/imgtag/model"
)

// TagStore is the persistence surface for Tag and ImageTag (§4.6).
type TagStore struct {
	pool *pgxpool.Pool
}

// NewTagStore returns a TagStore backed by pool.
func NewTagStore(pool *pgxpool.Pool) *TagStore { return &TagStore{pool: pool} }

const tagColumns = `id, name, level, source, description, sort_order, usage_count, created_at, updated_at`

func scanTag(row rowScanner) (*model.Tag, error) {
	var t model.Tag
	if err := row.Scan(&t.ID, &t.Name, &t.Level, &t.Source, &t.Description, &t.SortOrder, &t.UsageCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// ByName looks up a tag regardless of level.
func (s *TagStore) ByName(ctx context.Context, name string) (*model.Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags WHERE name = $1`
	t, err := scanTag(s.pool.QueryRow(ctx, query, name))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ByID looks up a tag by id.
func (s *TagStore) ByID(ctx context.Context, id int64) (*model.Tag, error) {
	query := `SELECT ` + tagColumns + ` FROM tags WHERE id = $1`
	t, err := scanTag(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ByIDs batches ByID across a set of tag ids.
func (s *TagStore) ByIDs(ctx context.Context, ids []int64) ([]*model.Tag, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + tagColumns + ` FROM tags WHERE id = ANY($1)`
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Resolve returns the existing tag named name at any level, or creates a
// new level-2 tag if none exists. Levels 0/1 are never auto-created here.
// A duplicate-creation race is resolved with ON CONFLICT DO NOTHING
// followed by a re-read, per §4.6.
func (s *TagStore) Resolve(ctx context.Context, name string, source model.TagSource) (*model.Tag, error) {
	if t, err := s.ByName(ctx, name); err != nil {
		return nil, err
	} else if t != nil {
		return t, nil
	}

	const insert = `
INSERT INTO tags (name, level, source)
VALUES ($1, 2, $2)
ON CONFLICT (name) DO NOTHING
`
	if _, err := s.pool.Exec(ctx, insert, name, source); err != nil {
		return nil, fmt.Errorf("dbstore: resolve tag %q: %w", name, err)
	}
	return s.ByName(ctx, name)
}

// ResolveCategory resolves a level-0 category by id, falling back to the
// unclassified category (id=10) when categoryID is nil.
func (s *TagStore) ResolveCategory(ctx context.Context, categoryID *int64) (*model.Tag, error) {
	id := model.UnclassifiedCategoryID
	if categoryID != nil {
		id = *categoryID
	}
	t, err := s.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return s.ByID(ctx, model.UnclassifiedCategoryID)
	}
	return t, nil
}

// ImageTagsWithSource returns an image's associations joined with tag
// names, used throughout set_image_tags and the search planner's
// per-image hydration pass (§4.7 batches this per image set, never per
// row — see ImagesTagsWithSource).
func (s *TagStore) ImageTagsWithSource(ctx context.Context, imageID int64) ([]*model.Tag, map[int64]model.TagSource, error) {
	const query = `
SELECT t.id, t.name, t.level, t.source, t.description, t.sort_order, t.usage_count, t.created_at, t.updated_at, it.source
FROM image_tags it JOIN tags t ON t.id = it.tag_id
WHERE it.image_id = $1
ORDER BY it.sort_order
`
	rows, err := s.pool.Query(ctx, query, imageID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var tagsOut []*model.Tag
	sources := map[int64]model.TagSource{}
	for rows.Next() {
		var t model.Tag
		var assocSource model.TagSource
		if err := rows.Scan(&t.ID, &t.Name, &t.Level, &t.Source, &t.Description, &t.SortOrder, &t.UsageCount, &t.CreatedAt, &t.UpdatedAt, &assocSource); err != nil {
			return nil, nil, err
		}
		tagsOut = append(tagsOut, &t)
		sources[t.ID] = assocSource
	}
	return tagsOut, sources, rows.Err()
}

// ImagesTagsWithSource batches ImageTagsWithSource over a set of images in
// a single query, the N+1-avoidance contract required by §4.7.
func (s *TagStore) ImagesTagsWithSource(ctx context.Context, imageIDs []int64) (map[int64][]*model.Tag, error) {
	out := map[int64][]*model.Tag{}
	if len(imageIDs) == 0 {
		return out, nil
	}
	const query = `
SELECT it.image_id, t.id, t.name, t.level, t.source, t.description, t.sort_order, t.usage_count, t.created_at, t.updated_at
FROM image_tags it JOIN tags t ON t.id = it.tag_id
WHERE it.image_id = ANY($1)
ORDER BY it.image_id, it.sort_order
`
	rows, err := s.pool.Query(ctx, query, imageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var imgID int64
		var t model.Tag
		if err := rows.Scan(&imgID, &t.ID, &t.Name, &t.Level, &t.Source, &t.Description, &t.SortOrder, &t.UsageCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out[imgID] = append(out[imgID], &t)
	}
	return out, rows.Err()
}

// AddAssociation inserts or, if present, leaves unchanged an (image, tag)
// association carrying the given source.
func (s *TagStore) AddAssociation(ctx context.Context, imageID, tagID int64, source model.TagSource, addedBy *int64, sortOrder int) error {
	const query = `
INSERT INTO image_tags (image_id, tag_id, source, added_by, sort_order)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (image_id, tag_id) DO NOTHING
`
	_, err := s.pool.Exec(ctx, query, imageID, tagID, source, addedBy, sortOrder)
	return err
}

// RemoveAILevel2Associations deletes only level-2, source='ai'
// associations for imageID among tagIDs — the removal rule that
// preserves level-0/level-1 tags and user-entered keywords (§4.6).
func (s *TagStore) RemoveAILevel2Associations(ctx context.Context, imageID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}
	const query = `
DELETE FROM image_tags
WHERE image_id = $1
  AND tag_id = ANY($2)
  AND source = 'ai'
  AND tag_id IN (SELECT id FROM tags WHERE level = 2)
`
	_, err := s.pool.Exec(ctx, query, imageID, tagIDs)
	return err
}

// RemoveAssociationsByIDs performs the minimum-diff removal used by
// set_image_tags_by_ids: only level-2 associations are deleted, never
// level-0/level-1.
func (s *TagStore) RemoveAssociationsByIDs(ctx context.Context, imageID int64, tagIDs []int64) error {
	return s.RemoveAILevel2AssociationsAnySource(ctx, imageID, tagIDs)
}

// RemoveAILevel2AssociationsAnySource is like RemoveAILevel2Associations
// but does not filter by source; used for the by-ids variant, which
// diffs against a caller-specified id list rather than AI re-runs.
func (s *TagStore) RemoveAILevel2AssociationsAnySource(ctx context.Context, imageID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}
	const query = `
DELETE FROM image_tags
WHERE image_id = $1
  AND tag_id = ANY($2)
  AND tag_id IN (SELECT id FROM tags WHERE level = 2)
`
	_, err := s.pool.Exec(ctx, query, imageID, tagIDs)
	return err
}

// BatchAddTagsToImages resolves tagNames to tag ids and bulk-inserts
// associations for every image in imageIDs with ON CONFLICT DO NOTHING,
// in O(1) statements. When ownerID is non-nil, images not owned by that
// user are filtered out first.
func (s *TagStore) BatchAddTagsToImages(ctx context.Context, imageIDs []int64, tagNames []string, source model.TagSource, addedBy, ownerID *int64) (int, error) {
	return s.batchAssociate(ctx, imageIDs, tagNames, source, addedBy, ownerID, false)
}

// BatchReplaceTagsForImages deletes existing associations for imageIDs
// (scoped by ownerID if set) then performs the same bulk insert as
// BatchAddTagsToImages.
func (s *TagStore) BatchReplaceTagsForImages(ctx context.Context, imageIDs []int64, tagNames []string, source model.TagSource, addedBy, ownerID *int64) (int, error) {
	return s.batchAssociate(ctx, imageIDs, tagNames, source, addedBy, ownerID, true)
}

func (s *TagStore) batchAssociate(ctx context.Context, imageIDs []int64, tagNames []string, source model.TagSource, addedBy, ownerID *int64, replace bool) (int, error) {
	if len(imageIDs) == 0 || len(tagNames) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if ownerID != nil {
		const filterQuery = `SELECT id FROM images WHERE id = ANY($1) AND uploaded_by = $2`
		rows, err := tx.Query(ctx, filterQuery, imageIDs, *ownerID)
		if err != nil {
			return 0, err
		}
		var owned []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, err
			}
			owned = append(owned, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		imageIDs = owned
		if len(imageIDs) == 0 {
			return 0, tx.Commit(ctx)
		}
	}

	tagIDs := make([]int64, 0, len(tagNames))
	for _, name := range tagNames {
		var id int64
		const upsert = `
INSERT INTO tags (name, level, source) VALUES ($1, 2, $2)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id
`
		if err := tx.QueryRow(ctx, upsert, name, source).Scan(&id); err != nil {
			return 0, fmt.Errorf("dbstore: resolve tag %q: %w", name, err)
		}
		tagIDs = append(tagIDs, id)
	}

	if replace {
		const del = `DELETE FROM image_tags WHERE image_id = ANY($1)`
		if _, err := tx.Exec(ctx, del, imageIDs); err != nil {
			return 0, err
		}
	}

	psql := goqu.Dialect("postgres")
	rows := make([]goqu.Record, 0, len(imageIDs)*len(tagIDs))
	for _, imgID := range imageIDs {
		for i, tagID := range tagIDs {
			rows = append(rows, goqu.Record{
				"image_id":   imgID,
				"tag_id":     tagID,
				"source":     string(source),
				"added_by":   addedBy,
				"sort_order": i,
			})
		}
	}
	insertSQL, args, err := psql.Insert("image_tags").Rows(rows).
		OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("dbstore: build batch insert: %w", err)
	}
	tag, err := tx.Exec(ctx, insertSQL, args...)
	if err != nil {
		return 0, fmt.Errorf("dbstore: batch associate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
