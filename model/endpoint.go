package model

import "time"

// EndpointProvider identifies the backend implementation a StorageEndpoint
// is served by.
type EndpointProvider string

const (
	ProviderLocal EndpointProvider = "local"
	ProviderS3    EndpointProvider = "s3"
)

// EndpointRole distinguishes the part an endpoint plays in the replication
// topology: the write target for new uploads, a passive mirror, or the
// single backup target every image is eventually copied to.
type EndpointRole string

const (
	RolePrimary EndpointRole = "primary"
	RoleMirror  EndpointRole = "mirror"
	RoleBackup  EndpointRole = "backup"
)

// LocalEndpointID is the built-in local-filesystem endpoint seeded at
// installation time. It can never be deleted.
const LocalEndpointID int64 = 1

// StorageEndpoint is a configured object-storage backend: a local
// filesystem root or an S3-compatible bucket.
//
// AccessKeyID and SecretAccessKey are stored encrypted at rest; readers
// must go through an accessor that decrypts on demand and must never log
// the decrypted values.
type StorageEndpoint struct {
	ID               int64
	Name             string
	Provider         EndpointProvider
	EndpointURL      string
	Region           string
	BucketName       string
	PathStyle        bool
	PathPrefix       string
	AccessKeyID      string
	SecretAccessKey  string
	PublicURLPrefix  string
	Role             EndpointRole
	IsEnabled        bool
	IsDefaultUpload  bool
	AutoSyncEnabled  bool
	SyncFromEndpoint *int64
	ReadPriority     int
	ReadWeight       int
	IsHealthy        bool
	LastHealthCheck  *time.Time
	HealthCheckError string
}

// SyncStatus is the replication state of one ImageLocation.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// ImageLocation is one placement of an image's bytes on one endpoint.
type ImageLocation struct {
	ID         int64
	ImageID    int64
	EndpointID int64
	ObjectKey  string
	IsPrimary  bool
	SyncStatus SyncStatus
	SyncError  string
	SyncedAt   *time.Time
	CreatedAt  time.Time
}
