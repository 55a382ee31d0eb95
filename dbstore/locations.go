package dbstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/127Wzc/imgtag/model"
)

// LocationStore is the persistence surface for ImageLocation (§4.2).
type LocationStore struct {
	pool *pgxpool.Pool
}

// NewLocationStore returns a LocationStore backed by pool.
func NewLocationStore(pool *pgxpool.Pool) *LocationStore { return &LocationStore{pool: pool} }

const locationColumns = `id, image_id, endpoint_id, object_key, is_primary, sync_status, sync_error, synced_at, created_at`

func scanLocation(row rowScanner) (*model.ImageLocation, error) {
	var l model.ImageLocation
	if err := row.Scan(&l.ID, &l.ImageID, &l.EndpointID, &l.ObjectKey, &l.IsPrimary,
		&l.SyncStatus, &l.SyncError, &l.SyncedAt, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

// ByImage returns every location for one image.
func (s *LocationStore) ByImage(ctx context.Context, imageID int64) ([]*model.ImageLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM image_locations WHERE image_id = $1`
	rows, err := s.pool.Query(ctx, query, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.ImageLocation
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ByImages batches ByImage across a set of images in one query, avoiding
// an N+1 during search response hydration (§4.7).
func (s *LocationStore) ByImages(ctx context.Context, imageIDs []int64) (map[int64][]*model.ImageLocation, error) {
	out := map[int64][]*model.ImageLocation{}
	if len(imageIDs) == 0 {
		return out, nil
	}
	query := `SELECT ` + locationColumns + ` FROM image_locations WHERE image_id = ANY($1)`
	rows, err := s.pool.Query(ctx, query, imageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out[l.ImageID] = append(out[l.ImageID], l)
	}
	return out, rows.Err()
}

// Get fetches the single location for (imageID, endpointID), or nil.
func (s *LocationStore) Get(ctx context.Context, imageID, endpointID int64) (*model.ImageLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM image_locations WHERE image_id = $1 AND endpoint_id = $2`
	l, err := scanLocation(s.pool.QueryRow(ctx, query, imageID, endpointID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// CreatePrimary inserts the primary location row for a freshly ingested
// image, already marked synced (§4.8 step 6).
func (s *LocationStore) CreatePrimary(ctx context.Context, imageID, endpointID int64, objectKey string) (*model.ImageLocation, error) {
	const query = `
INSERT INTO image_locations (image_id, endpoint_id, object_key, is_primary, sync_status, synced_at)
VALUES ($1, $2, $3, true, 'synced', now())
RETURNING ` + locationColumns
	return scanLocation(s.pool.QueryRow(ctx, query, imageID, endpointID, objectKey))
}

// UpsertMirror inserts or refreshes a non-primary location, used by
// copy_between_endpoints and the sync task.
func (s *LocationStore) UpsertMirror(ctx context.Context, imageID, endpointID int64, objectKey string) error {
	const query = `
INSERT INTO image_locations (image_id, endpoint_id, object_key, is_primary, sync_status, synced_at)
VALUES ($1, $2, $3, false, 'synced', now())
ON CONFLICT (image_id, endpoint_id)
DO UPDATE SET object_key = EXCLUDED.object_key, sync_status = 'synced', sync_error = '', synced_at = now()
`
	_, err := s.pool.Exec(ctx, query, imageID, endpointID, objectKey)
	return err
}

// MarkFailed records a sync failure for (imageID, endpointID), upserting
// a pending-but-failed row if none existed yet.
func (s *LocationStore) MarkFailed(ctx context.Context, imageID, endpointID int64, cause string) error {
	const query = `
INSERT INTO image_locations (image_id, endpoint_id, object_key, is_primary, sync_status, sync_error)
VALUES ($1, $2, '', false, 'failed', $3)
ON CONFLICT (image_id, endpoint_id)
DO UPDATE SET sync_status = 'failed', sync_error = $3
`
	_, err := s.pool.Exec(ctx, query, imageID, endpointID, cause)
	return err
}

// PendingByEndpoint streams pending-sync locations on an endpoint in
// batches, bounding memory for large fleets (§4.2 iter_by_endpoint).
func (s *LocationStore) PendingByEndpoint(ctx context.Context, endpointID int64, batchSize int, fn func([]*model.ImageLocation) error) error {
	return s.iterByEndpoint(ctx, endpointID, "pending", batchSize, fn)
}

// IterByEndpoint streams every location on an endpoint in batches of
// batchSize (default 1000 is the caller's responsibility), regardless of
// sync status.
func (s *LocationStore) IterByEndpoint(ctx context.Context, endpointID int64, batchSize int, fn func([]*model.ImageLocation) error) error {
	return s.iterByEndpoint(ctx, endpointID, "", batchSize, fn)
}

func (s *LocationStore) iterByEndpoint(ctx context.Context, endpointID int64, statusFilter string, batchSize int, fn func([]*model.ImageLocation) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var lastID int64
	for {
		query := `SELECT ` + locationColumns + ` FROM image_locations WHERE endpoint_id = $1 AND id > $2`
		args := []any{endpointID, lastID}
		if statusFilter != "" {
			query += ` AND sync_status = $3 ORDER BY id LIMIT $4`
			args = append(args, statusFilter, batchSize)
		} else {
			query += ` ORDER BY id LIMIT $3`
			args = append(args, batchSize)
		}

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		var batch []*model.ImageLocation
		for rows.Next() {
			l, err := scanLocation(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		lastID = batch[len(batch)-1].ID
		if len(batch) < batchSize {
			return nil
		}
	}
}

// DeleteByEndpoint removes every location row on an endpoint, returning
// the affected image ids (for the unlink task's orphan computation).
func (s *LocationStore) DeleteByEndpoint(ctx context.Context, endpointID int64) ([]int64, error) {
	const query = `DELETE FROM image_locations WHERE endpoint_id = $1 RETURNING image_id`
	rows, err := s.pool.Query(ctx, query, endpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
