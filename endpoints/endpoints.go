// Package endpoints implements the thin service layer over
// dbstore.EndpointStore described in §4.2: the registry invariants that
// are not safe to leave to a caller, namely path-field freezing and the
// force acknowledgement required to delete an endpoint with locations.
package endpoints

import (
	"context"
	"fmt"

	"github.com/quay/zlog"

	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/errs"
	"github.com/127Wzc/imgtag/model"
)

// Service wraps dbstore.EndpointStore and dbstore.LocationStore with the
// §4.2 registry invariants.
type Service struct {
	endpoints *dbstore.EndpointStore
	locations *dbstore.LocationStore
}

// NewService builds a Service.
func NewService(endpoints *dbstore.EndpointStore, locations *dbstore.LocationStore) *Service {
	return &Service{endpoints: endpoints, locations: locations}
}

// Create inserts a new endpoint. The backup-role and default-upload
// invariants are enforced by the store itself inside one transaction.
func (s *Service) Create(ctx context.Context, e *model.StorageEndpoint) error {
	return s.endpoints.Create(ctx, e)
}

// SetDefaultUpload atomically makes id the sole default-upload endpoint.
func (s *Service) SetDefaultUpload(ctx context.Context, id int64) error {
	return s.endpoints.SetDefaultUpload(ctx, id)
}

// Update applies mutable-field changes to an endpoint, refusing to move
// bucket_name or path_prefix once the endpoint holds at least one
// location — those fields are frozen per §4.2 because every stored
// object_key was generated against the old path.
func (s *Service) Update(ctx context.Context, e *model.StorageEndpoint) error {
	current, err := s.endpoints.Get(ctx, e.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return errs.Msg("endpoints.Service.Update", errs.NotFound, fmt.Sprintf("endpoint %d does not exist", e.ID))
	}

	if current.BucketName != e.BucketName || current.PathPrefix != e.PathPrefix {
		frozen, err := s.endpoints.HasPathAffectingDataChange(ctx, e.ID)
		if err != nil {
			return err
		}
		if frozen {
			return errs.Msg("endpoints.Service.Update", errs.Validation,
				fmt.Sprintf("endpoint %d has existing locations; bucket_name and path_prefix are frozen", e.ID))
		}
	}

	return s.endpoints.UpdateMutableFields(ctx, e)
}

// Delete removes an endpoint. If the endpoint still has associated
// locations, the caller must either unlink them first (via the
// bgtask storage_unlink task) or pass force=true to acknowledge that the
// location rows — not the underlying stored objects — will be dropped
// along with the endpoint (§4.2).
func (s *Service) Delete(ctx context.Context, id int64, force bool) error {
	hasLocations, err := s.endpoints.HasPathAffectingDataChange(ctx, id)
	if err != nil {
		return err
	}
	if hasLocations {
		if !force {
			return errs.Msg("endpoints.Service.Delete", errs.Conflict,
				fmt.Sprintf("endpoint %d has associated locations; unlink it first or pass force", id))
		}
		orphaned, err := s.locations.DeleteByEndpoint(ctx, id)
		if err != nil {
			return fmt.Errorf("endpoints: force-delete locations for endpoint %d: %w", id, err)
		}
		zlog.Info(ctx).Int64("endpoint", id).Int("locations", len(orphaned)).Msg("force-deleted endpoint locations")
	}
	return s.endpoints.Delete(ctx, id)
}
