// Package tenant holds per-tenant storage configuration: the preferred
// backend, per-backend credentials, and the bucket name. The surrounding
// platform owns and mutates these records; this layer only reads them.
package tenant

import (
	"context"
	"strings"

	"github.com/assetbay/assetbay/internal/storage"
)

// S3Credentials configures the S3-compatible backend.
type S3Credentials struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	UseSSL    bool   `json:"use_ssl"`
}

// Valid reports whether the credential fields are present and well-shaped.
func (c *S3Credentials) Valid() bool {
	return c != nil && c.AccessKey != "" && c.SecretKey != "" && c.Region != ""
}

// GCSCredentials configures the Google-style cloud bucket backend.
type GCSCredentials struct {
	ProjectID       string `json:"project_id"`
	CredentialsJSON string `json:"credentials_json"`
}

// Valid reports whether the credential fields are present and well-shaped.
func (c *GCSCredentials) Valid() bool {
	return c != nil && c.ProjectID != "" && strings.Contains(c.CredentialsJSON, "private_key")
}

// BucketAPICredentials configures the managed bucket-API backend.
// ServiceKey is the long-lived service credential; AccessToken, when set,
// is a shorter-lived token used on the primary call path and refreshed
// through the TokenRefresher collaborator when past expiry.
type BucketAPICredentials struct {
	BaseURL     string `json:"base_url"`
	ServiceKey  string `json:"service_key"`
	AccessToken string `json:"access_token,omitempty"`
}

// Valid reports whether the credential fields are present and well-shaped.
func (c *BucketAPICredentials) Valid() bool {
	return c != nil && c.BaseURL != "" && c.ServiceKey != ""
}

// Credentials bundles the per-backend credential structs a tenant may have
// configured. Absent structs mean the backend is unconfigured for the tenant.
type Credentials struct {
	S3        *S3Credentials        `json:"s3,omitempty"`
	GCS       *GCSCredentials       `json:"gcs,omitempty"`
	BucketAPI *BucketAPICredentials `json:"bucket_api,omitempty"`
}

// StorageConfig is one tenant's persisted storage preference. Absent record
// means "no preference, use fallback order".
type StorageConfig struct {
	TenantID         string
	PreferredBackend *storage.BackendID
	BucketName       string
	Credentials      Credentials
}

// ConfigStore loads tenant storage configuration. Implementations are
// read-only from this layer's perspective.
type ConfigStore interface {
	// Get returns the tenant's config, or (nil, nil) when the tenant has
	// no stored preference.
	Get(ctx context.Context, tenantID string) (*StorageConfig, error)
}
