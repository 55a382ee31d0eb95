package dbstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/127Wzc/imgtag/errs"
	"github.com/127Wzc/imgtag/model"
)

// EndpointStore is the persistence surface for StorageEndpoint (§4.2).
type EndpointStore struct {
	pool *pgxpool.Pool
}

// NewEndpointStore returns an EndpointStore backed by pool.
func NewEndpointStore(pool *pgxpool.Pool) *EndpointStore { return &EndpointStore{pool: pool} }

const endpointColumns = `
id, name, provider, endpoint_url, region, bucket_name, path_style, path_prefix,
access_key_id, secret_access_key, public_url_prefix, role, is_enabled,
is_default_upload, auto_sync_enabled, sync_from_endpoint_id, read_priority,
read_weight, is_healthy, last_health_check, health_check_error
`

func scanEndpoint(row rowScanner) (*model.StorageEndpoint, error) {
	var e model.StorageEndpoint
	if err := row.Scan(&e.ID, &e.Name, &e.Provider, &e.EndpointURL, &e.Region, &e.BucketName,
		&e.PathStyle, &e.PathPrefix, &e.AccessKeyID, &e.SecretAccessKey, &e.PublicURLPrefix,
		&e.Role, &e.IsEnabled, &e.IsDefaultUpload, &e.AutoSyncEnabled, &e.SyncFromEndpoint,
		&e.ReadPriority, &e.ReadWeight, &e.IsHealthy, &e.LastHealthCheck, &e.HealthCheckError); err != nil {
		return nil, err
	}
	return &e, nil
}

// Get fetches one endpoint by id.
func (s *EndpointStore) Get(ctx context.Context, id int64) (*model.StorageEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM storage_endpoints WHERE id = $1`
	e, err := scanEndpoint(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// List returns every configured endpoint.
func (s *EndpointStore) List(ctx context.Context) ([]*model.StorageEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM storage_endpoints ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.StorageEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEnabledHealthy returns endpoints eligible for read selection,
// ordered by read_priority for pick_read_location (§4.1).
func (s *EndpointStore) ListEnabledHealthy(ctx context.Context) ([]*model.StorageEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM storage_endpoints WHERE is_enabled AND is_healthy ORDER BY read_priority`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.StorageEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DefaultUpload returns the single endpoint configured as is_default_upload.
func (s *EndpointStore) DefaultUpload(ctx context.Context) (*model.StorageEndpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM storage_endpoints WHERE is_default_upload LIMIT 1`
	e, err := scanEndpoint(s.pool.QueryRow(ctx, query))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// Create inserts a new endpoint. Creating a second backup-role endpoint is
// rejected with errs.Conflict, and a second default-upload endpoint is
// resolved by clearing the flag from all others in the same transaction.
func (s *EndpointStore) Create(ctx context.Context, e *model.StorageEndpoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if e.Role == model.RoleBackup {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM storage_endpoints WHERE role = 'backup')`).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return errs.Msg("EndpointStore.Create", errs.Conflict, "an endpoint with role=backup already exists")
		}
	}

	if e.IsDefaultUpload {
		if _, err := tx.Exec(ctx, `UPDATE storage_endpoints SET is_default_upload = false WHERE is_default_upload`); err != nil {
			return err
		}
	}

	const insert = `
INSERT INTO storage_endpoints
  (name, provider, endpoint_url, region, bucket_name, path_style, path_prefix,
   access_key_id, secret_access_key, public_url_prefix, role, is_enabled,
   is_default_upload, auto_sync_enabled, sync_from_endpoint_id, read_priority, read_weight)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
RETURNING id
`
	if err := tx.QueryRow(ctx, insert,
		e.Name, e.Provider, e.EndpointURL, e.Region, e.BucketName, e.PathStyle, e.PathPrefix,
		e.AccessKeyID, e.SecretAccessKey, e.PublicURLPrefix, e.Role, e.IsEnabled,
		e.IsDefaultUpload, e.AutoSyncEnabled, e.SyncFromEndpoint, e.ReadPriority, e.ReadWeight,
	).Scan(&e.ID); err != nil {
		return fmt.Errorf("dbstore: create endpoint: %w", err)
	}
	return tx.Commit(ctx)
}

// SetDefaultUpload atomically makes id the sole default-upload endpoint.
func (s *EndpointStore) SetDefaultUpload(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `UPDATE storage_endpoints SET is_default_upload = false WHERE is_default_upload`); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE storage_endpoints SET is_default_upload = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.Msg("EndpointStore.SetDefaultUpload", errs.NotFound, "no such endpoint")
	}
	return tx.Commit(ctx)
}

// HasPathAffectingDataChange reports whether an endpoint holds at least
// one ImageLocation, meaning bucket_name/path_prefix are now frozen (§4.2).
func (s *EndpointStore) HasPathAffectingDataChange(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM image_locations WHERE endpoint_id = $1)`, id).Scan(&exists)
	return exists, err
}

// UpdateMutableFields updates the fields of an endpoint that are always
// safe to change. bucket_name and path_prefix are only applied when the
// caller has already confirmed (via HasPathAffectingDataChange) that no
// locations reference this endpoint.
func (s *EndpointStore) UpdateMutableFields(ctx context.Context, e *model.StorageEndpoint) error {
	const query = `
UPDATE storage_endpoints SET
  name = $2, endpoint_url = $3, region = $4, bucket_name = $5, path_style = $6,
  path_prefix = $7, access_key_id = $8, secret_access_key = $9, public_url_prefix = $10,
  is_enabled = $11, auto_sync_enabled = $12, sync_from_endpoint_id = $13,
  read_priority = $14, read_weight = $15
WHERE id = $1
`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.Name, e.EndpointURL, e.Region, e.BucketName, e.PathStyle, e.PathPrefix,
		e.AccessKeyID, e.SecretAccessKey, e.PublicURLPrefix, e.IsEnabled, e.AutoSyncEnabled,
		e.SyncFromEndpoint, e.ReadPriority, e.ReadWeight)
	return err
}

// SetHealth updates the health snapshot fields recorded by a connectivity probe.
func (s *EndpointStore) SetHealth(ctx context.Context, id int64, healthy bool, checkErr string) error {
	const query = `
UPDATE storage_endpoints SET is_healthy = $2, health_check_error = $3, last_health_check = now()
WHERE id = $1
`
	_, err := s.pool.Exec(ctx, query, id, healthy, checkErr)
	return err
}

// Delete removes an endpoint. id=1 (the built-in local endpoint) may never
// be deleted. A caller must check location count themselves before
// calling it; this method does not itself enforce the "unlink first" rule
// since that decision (and the force option) belongs to endpoints.Service.
func (s *EndpointStore) Delete(ctx context.Context, id int64) error {
	if id == model.LocalEndpointID {
		return errs.Msg("EndpointStore.Delete", errs.Validation, "the built-in local endpoint cannot be deleted")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM storage_endpoints WHERE id = $1`, id)
	return err
}
