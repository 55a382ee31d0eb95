package dbstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/127Wzc/imgtag/model"
)

// ImageStore is the persistence surface for the Image entity (§3).
type ImageStore struct {
	pool *pgxpool.Pool
}

// NewImageStore returns an ImageStore backed by pool.
func NewImageStore(pool *pgxpool.Pool) *ImageStore { return &ImageStore{pool: pool} }

// Create inserts a new image row with no embedding, per the ingestion
// orchestrator's contract (§4.8 step 5).
func (s *ImageStore) Create(ctx context.Context, img *model.Image) error {
	const query = `
INSERT INTO images (file_hash, file_type, file_size_mb, width, height, description, original_url, uploaded_by, is_public)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at, updated_at
`
	return s.pool.QueryRow(ctx, query,
		img.FileHash, img.FileType, img.FileSizeMB, img.Width, img.Height,
		img.Description, img.OriginalURL, img.UploadedBy, img.IsPublic,
	).Scan(&img.ID, &img.CreatedAt, &img.UpdatedAt)
}

// Get fetches one image by id, or nil if it does not exist.
func (s *ImageStore) Get(ctx context.Context, id int64) (*model.Image, error) {
	const query = `
SELECT id, file_hash, file_type, file_size_mb, width, height, description,
       embedding, original_url, uploaded_by, is_public, created_at, updated_at
FROM images WHERE id = $1
`
	img, err := scanImage(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return img, err
}

func scanImage(row rowScanner) (*model.Image, error) {
	var img model.Image
	var embedding pgvector
	if err := row.Scan(&img.ID, &img.FileHash, &img.FileType, &img.FileSizeMB, &img.Width, &img.Height,
		&img.Description, &embedding, &img.OriginalURL, &img.UploadedBy, &img.IsPublic,
		&img.CreatedAt, &img.UpdatedAt); err != nil {
		return nil, err
	}
	img.Embedding = embedding.Slice
	return &img, nil
}

// SetDescriptionAndEmbedding persists the vision/embedding worker's result
// for an image (§4.4 analyze task body step "persist embedding").
func (s *ImageStore) SetDescriptionAndEmbedding(ctx context.Context, id int64, description string, embedding []float32) error {
	const query = `
UPDATE images SET description = $2, embedding = $3, updated_at = now()
WHERE id = $1
`
	_, err := s.pool.Exec(ctx, query, id, description, pgvector{Slice: embedding})
	return err
}

// SetEmbedding persists only the embedding, used by rebuild_vector when
// description/tags are left untouched.
func (s *ImageStore) SetEmbedding(ctx context.Context, id int64, embedding []float32) error {
	const query = `UPDATE images SET embedding = $2, updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, pgvector{Slice: embedding})
	return err
}

// Update applies a partial edit to an image's description/visibility.
// Tag/category changes go through tags.Service; this only covers the
// image-row fields directly named in the Update contract (§6).
func (s *ImageStore) Update(ctx context.Context, id int64, description *string, isPublic *bool) error {
	const query = `
UPDATE images SET
  description = COALESCE($2, description),
  is_public   = COALESCE($3, is_public),
  updated_at  = now()
WHERE id = $1
`
	_, err := s.pool.Exec(ctx, query, id, description, isPublic)
	return err
}

// Delete removes an image row. ImageLocation and ImageTag rows cascade via
// foreign key ON DELETE CASCADE.
func (s *ImageStore) Delete(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	return err
}

// DeleteMany removes a batch of image rows in one statement, used by the
// unlink task's orphan cleanup (§4.5).
func (s *ImageStore) DeleteMany(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = ANY($1)`, ids)
	return err
}

// CountLocationsByImage returns how many ImageLocation rows each image in
// ids has, used to detect which images would become orphaned if an
// endpoint's locations were removed.
func (s *ImageStore) CountLocationsByImage(ctx context.Context, ids []int64) (map[int64]int, error) {
	if len(ids) == 0 {
		return map[int64]int{}, nil
	}
	const query = `
SELECT image_id, count(*) FROM image_locations WHERE image_id = ANY($1) GROUP BY image_id
`
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("dbstore: count locations: %w", err)
	}
	defer rows.Close()
	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}
