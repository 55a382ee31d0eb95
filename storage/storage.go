// Package storage implements the multi-endpoint object storage
// abstraction described in §4.1: hiding whether an object lives on a
// local filesystem or in an S3-compatible bucket, producing public URLs
// for reads, and picking which replica to read from.
package storage

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"

	"github.com/127Wzc/imgtag/model"
)

// Backend is the per-endpoint-provider storage driver. One Backend
// implementation exists per model.EndpointProvider (local, s3).
type Backend interface {
	Upload(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string, r io.Reader, size int64) error
	Download(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) (io.ReadCloser, error)
	Exists(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) (bool, error)
	Delete(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) error
}

// Service dispatches to the Backend registered for each endpoint's
// provider and implements the endpoint-independent operations: URL
// construction, weighted read-location selection, and cross-endpoint
// copy.
type Service struct {
	backends map[model.EndpointProvider]Backend
	randMu   sync.Mutex
	rand     *rand.Rand
}

// NewService builds a Service dispatching to backends by provider.
func NewService(backends map[model.EndpointProvider]Backend) *Service {
	return &Service{backends: backends, rand: rand.New(rand.NewSource(1))}
}

// intn returns a random int in [0,n) from the shared generator. math/rand.Rand
// is not safe for concurrent use, and PickReadLocation is called concurrently
// by every queue worker and by search hydration, so access is serialized here.
func (s *Service) intn(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.Intn(n)
}

func (s *Service) backendFor(e *model.StorageEndpoint) (Backend, error) {
	b, ok := s.backends[e.Provider]
	if !ok {
		return nil, fmt.Errorf("storage: no backend registered for provider %q", e.Provider)
	}
	return b, nil
}

// Upload writes bytes to objectKey on endpoint.
func (s *Service) Upload(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string, r io.Reader, size int64) error {
	b, err := s.backendFor(endpoint)
	if err != nil {
		return err
	}
	return b.Upload(ctx, endpoint, ApplyPathPrefix(objectKey, endpoint.PathPrefix), r, size)
}

// Download reads the bytes at objectKey on endpoint.
func (s *Service) Download(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) (io.ReadCloser, error) {
	b, err := s.backendFor(endpoint)
	if err != nil {
		return nil, err
	}
	return b.Download(ctx, endpoint, ApplyPathPrefix(objectKey, endpoint.PathPrefix))
}

// Exists reports whether objectKey is present on endpoint.
func (s *Service) Exists(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) (bool, error) {
	b, err := s.backendFor(endpoint)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, endpoint, ApplyPathPrefix(objectKey, endpoint.PathPrefix))
}

// Delete removes objectKey from endpoint. Absence is not an error.
func (s *Service) Delete(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) error {
	b, err := s.backendFor(endpoint)
	if err != nil {
		return err
	}
	return b.Delete(ctx, endpoint, ApplyPathPrefix(objectKey, endpoint.PathPrefix))
}

// CopyBetweenEndpoints downloads objectKey from src and uploads it to
// dst, the primitive the storage_sync background task builds on (§4.5).
func (s *Service) CopyBetweenEndpoints(ctx context.Context, src, dst *model.StorageEndpoint, objectKey string) error {
	rc, err := s.Download(ctx, src, objectKey)
	if err != nil {
		return fmt.Errorf("storage: download from %s: %w", src.Name, err)
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("storage: read from %s: %w", src.Name, err)
	}
	if err := s.Upload(ctx, dst, objectKey, strings.NewReader(string(buf)), int64(len(buf))); err != nil {
		return fmt.Errorf("storage: upload to %s: %w", dst.Name, err)
	}
	return nil
}

// BuildURL constructs the public URL for objectKey on endpoint, in
// priority order: public_url_prefix, then a local /data route, then the
// raw S3 endpoint URL. path_prefix is applied before any of these.
func (s *Service) BuildURL(endpoint *model.StorageEndpoint, objectKey string) string {
	full := ApplyPathPrefix(objectKey, endpoint.PathPrefix)
	if endpoint.PublicURLPrefix != "" {
		return joinURL(endpoint.PublicURLPrefix, full)
	}
	switch endpoint.Provider {
	case model.ProviderLocal:
		return joinURL("/data/"+endpoint.BucketName, full)
	case model.ProviderS3:
		return joinURL(strings.TrimSuffix(endpoint.EndpointURL, "/")+"/"+endpoint.BucketName, full)
	default:
		return full
	}
}

func joinURL(prefix, suffix string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(suffix, "/")
}

// ApplyPathPrefix prepends prefix to objectKey if prefix is non-empty,
// trimming surrounding slashes, per the original storage service's
// _apply_path_prefix.
func ApplyPathPrefix(objectKey, prefix string) string {
	if prefix == "" {
		return objectKey
	}
	return strings.Trim(prefix, "/") + "/" + objectKey
}

// GenerateObjectKey derives the hash-bucketed object key for a file,
// spreading uploads across two levels of 256 directories so identical
// bytes hash to the same key on every endpoint (§4.1).
func GenerateObjectKey(fileHash, extension string) string {
	ext := strings.TrimPrefix(extension, ".")
	h := fileHash
	if len(h) < 4 {
		// Degenerate but defend against short hashes instead of panicking.
		h = h + strings.Repeat("0", 4-len(h))
	}
	return fmt.Sprintf("%s/%s/%s.%s", h[0:2], h[2:4], fileHash, ext)
}

// FullObjectKey prefixes key with categoryCode when non-empty, per
// get_full_object_key.
func FullObjectKey(key, categoryCode string) string {
	if categoryCode == "" {
		return key
	}
	return categoryCode + "/" + key
}

// PickReadLocation selects which ImageLocation to read from among
// locations whose endpoint is enabled and healthy: the minimum
// read_priority wins, ties are broken by weighted-random selection on
// read_weight (negative weights clamp to 0; an all-zero tier picks
// uniformly). Returns nil if no location is eligible.
//
// Grounded on original_source's _select_by_weight.
func (s *Service) PickReadLocation(locations []*model.ImageLocation, endpoints map[int64]*model.StorageEndpoint) *model.ImageLocation {
	var eligible []*model.ImageLocation
	for _, loc := range locations {
		e, ok := endpoints[loc.EndpointID]
		if !ok || !e.IsEnabled || !e.IsHealthy {
			continue
		}
		eligible = append(eligible, loc)
	}
	if len(eligible) == 0 {
		return nil
	}

	best := endpoints[eligible[0].EndpointID].ReadPriority
	for _, loc := range eligible[1:] {
		if p := endpoints[loc.EndpointID].ReadPriority; p < best {
			best = p
		}
	}

	var topTier []*model.ImageLocation
	for _, loc := range eligible {
		if endpoints[loc.EndpointID].ReadPriority == best {
			topTier = append(topTier, loc)
		}
	}
	if len(topTier) == 1 {
		return topTier[0]
	}

	weights := make([]int, len(topTier))
	total := 0
	for i, loc := range topTier {
		w := endpoints[loc.EndpointID].ReadWeight
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return topTier[s.intn(len(topTier))]
	}
	pick := s.intn(total)
	for i, w := range weights {
		if pick < w {
			return topTier[i]
		}
		pick -= w
	}
	return topTier[len(topTier)-1]
}
