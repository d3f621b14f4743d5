// Package storage defines the Backend contract for tenant asset storage
// and the shared helpers every backend adapter builds on: the deterministic
// path sharder, batch upload fan-out, bounded-wait combinator, and the
// normalized error taxonomy.
package storage

import (
	"context"
	"fmt"
	"time"
)

// BackendID identifies a storage backend technology.
type BackendID string

const (
	// BackendBucketAPI is the managed bucket-API backend (REST + service key).
	BackendBucketAPI BackendID = "managed-bucket"
	// BackendS3 is the S3-compatible backend (AWS S3, MinIO, etc.).
	BackendS3 BackendID = "s3-compatible"
	// BackendGCS is the Google-style cloud bucket backend.
	BackendGCS BackendID = "gcs-style"
	// BackendLocal is the local filesystem backend. It has no external
	// dependency and serves as the last-resort fallback.
	BackendLocal BackendID = "local"
)

// AllBackends lists every known backend id.
var AllBackends = []BackendID{BackendBucketAPI, BackendS3, BackendGCS, BackendLocal}

// ParseBackendID validates a backend id string.
func ParseBackendID(s string) (BackendID, error) {
	id := BackendID(s)
	for _, known := range AllBackends {
		if id == known {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown backend id: %q", s)
}

// String returns the backend id as a string.
func (id BackendID) String() string { return string(id) }

// Backend is the contract every storage backend adapter implements.
// An adapter instance is bound to one tenant's credentials and bucket at
// construction time; all paths it accepts and returns are relative
// (no leading slash, no bucket prefix) so they stay portable across backends.
type Backend interface {
	// ID returns the backend's identifier.
	ID() BackendID

	// Available reports whether the adapter has usable credentials.
	// It checks credential presence and shape only, never the network;
	// actual reachability is discovered when an operation is attempted.
	Available() bool

	// Upload stores a single file and returns the normalized result.
	// Fails with *ConfigurationError when credentials are unusable and
	// *BackendError wrapping the vendor error otherwise.
	Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error)

	// Delete removes a file. Deleting an already-absent file is not an
	// error; it returns success with an informational message.
	Delete(ctx context.Context, path string) (*DeleteResult, error)

	// List returns the immediately-visible entries under folder.
	List(ctx context.Context, folder string, page Page) (*ListResult, error)

	// Move relocates a file, via copy-then-delete where the backend has
	// no native move primitive.
	Move(ctx context.Context, from, to string) (*MoveResult, error)

	// Copy duplicates a file.
	Copy(ctx context.Context, from, to string) (*CopyResult, error)

	// Stats reports aggregate usage for the adapter's tenant.
	Stats(ctx context.Context) (*StorageStats, error)

	// SignedURL returns a time-limited access URL. Backends without
	// native signing return the public URL, which callers must not rely
	// on for confidentiality.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (*SignedURL, error)

	// TestConnection performs the cheapest possible round-trip and must
	// not leave residue on success.
	TestConnection(ctx context.Context) (*ConnectionResult, error)

	// ExtractPathFromURL maps a public URL back to the relative storage
	// path. Returns "" when the URL does not match the backend's shape.
	ExtractPathFromURL(rawURL string) string
}
