package manager

import (
	"context"
	"fmt"

	"github.com/assetbay/assetbay/internal/storage"
	"github.com/assetbay/assetbay/internal/storage/bucketapi"
	"github.com/assetbay/assetbay/internal/storage/gcs"
	"github.com/assetbay/assetbay/internal/storage/local"
	s3backend "github.com/assetbay/assetbay/internal/storage/s3"
	"github.com/assetbay/assetbay/internal/tenant"
)

// Constructor builds a backend adapter bound to one tenant's configuration.
type Constructor func(ctx context.Context, cfg *tenant.StorageConfig) (storage.Backend, error)

// registry maps each backend id to its constructor. Compile-time checked:
// adding a backend means adding a constructor here, not probing object
// shapes at runtime.
func (m *Manager) buildRegistry() map[storage.BackendID]Constructor {
	return map[storage.BackendID]Constructor{
		storage.BackendBucketAPI: func(_ context.Context, cfg *tenant.StorageConfig) (storage.Backend, error) {
			if cfg.Credentials.BucketAPI == nil {
				return nil, &storage.ConfigurationError{
					Backend: storage.BackendBucketAPI,
					Reason:  "no bucket API credentials for tenant " + cfg.TenantID,
				}
			}
			return bucketapi.New(bucketapi.Config{
				TenantID:    cfg.TenantID,
				Credentials: cfg.Credentials.BucketAPI,
				Refresher:   m.refresher,
			})
		},
		storage.BackendS3: func(ctx context.Context, cfg *tenant.StorageConfig) (storage.Backend, error) {
			if cfg.Credentials.S3 == nil {
				return nil, &storage.ConfigurationError{
					Backend: storage.BackendS3,
					Reason:  "no S3 credentials for tenant " + cfg.TenantID,
				}
			}
			return s3backend.New(ctx, s3backend.Config{
				TenantID:    cfg.TenantID,
				Bucket:      bucketName(cfg),
				Credentials: cfg.Credentials.S3,
			})
		},
		storage.BackendGCS: func(ctx context.Context, cfg *tenant.StorageConfig) (storage.Backend, error) {
			if cfg.Credentials.GCS == nil {
				return nil, &storage.ConfigurationError{
					Backend: storage.BackendGCS,
					Reason:  "no GCS credentials for tenant " + cfg.TenantID,
				}
			}
			return gcs.New(ctx, gcs.Config{
				TenantID:    cfg.TenantID,
				Bucket:      bucketName(cfg),
				Credentials: cfg.Credentials.GCS,
			})
		},
		storage.BackendLocal: func(_ context.Context, cfg *tenant.StorageConfig) (storage.Backend, error) {
			return local.New(local.Config{
				TenantID:      cfg.TenantID,
				Root:          m.localRoot,
				PublicBaseURL: m.localBaseURL,
			})
		},
	}
}

// bucketName resolves the tenant's bucket, defaulting to a per-tenant name.
func bucketName(cfg *tenant.StorageConfig) string {
	if cfg.BucketName != "" {
		return cfg.BucketName
	}
	return fmt.Sprintf("assetbay-%s", cfg.TenantID)
}
