package storage

import (
	"io"
	"time"
)

// AssetType selects the base folder for organized uploads.
type AssetType string

const (
	AssetTypeProduct  AssetType = "product"
	AssetTypeCategory AssetType = "category"
	AssetTypeAsset    AssetType = "asset"
	AssetTypeCustom   AssetType = "custom"
)

// UploadOptions configures a single upload.
type UploadOptions struct {
	// UseOrganizedStructure applies the filename-prefix shard layout and
	// keeps the original filename at the leaf. When false the leaf name
	// is a random UUID (flat/legacy mode).
	UseOrganizedStructure bool

	// AssetType selects the base folder for organized uploads.
	AssetType AssetType

	// Folder is the explicit target folder for custom/flat uploads.
	Folder string

	// IsPublic requests public-read placement where the backend
	// distinguishes public and private storage.
	IsPublic bool

	// Metadata is attached to the stored object where supported.
	Metadata map[string]string
}

// UploadRequest describes one file to store. Constructed by the caller per
// call. Each backend attempt consumes the content reader from the start; the
// Manager rewinds or buffers it before retrying across backends.
type UploadRequest struct {
	TenantID         string
	Content          io.Reader
	OriginalFilename string
	MimeType         string
	SizeBytes        int64
	Options          UploadOptions
}

// UploadResult reports a completed upload. Immutable once returned.
type UploadResult struct {
	Success   bool      `json:"success"`
	Backend   BackendID `json:"backend"`
	// StoragePath is relative and backend-internal: no leading slash, no
	// bucket prefix, portable across backends.
	StoragePath string `json:"storagePath"`
	PublicURL   string `json:"publicUrl,omitempty"`
	SizeBytes   int64  `json:"sizeBytes"`
	MimeType    string `json:"mimeType"`
	Filename    string `json:"filename"`

	// FallbackUsed is true when the backend that served the upload differs
	// from the one first attempted.
	FallbackUsed             bool      `json:"fallbackUsed"`
	OriginalBackendAttempted BackendID `json:"originalBackendAttempted,omitempty"`
}

// DeleteResult reports a delete. Deleting an absent file succeeds with an
// informational message.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// FileInfo describes one listed entry.
type FileInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"sizeBytes"`
	MimeType     string    `json:"mimeType,omitempty"`
	LastModified time.Time `json:"lastModified"`
	IsDir        bool      `json:"isDir,omitempty"`
	// ID is the backend-native object id when the API exposes one.
	ID string `json:"id,omitempty"`
}

// Page bounds a listing.
type Page struct {
	Limit  int
	Offset int
}

// ListResult holds the visible entries of one folder.
type ListResult struct {
	Files []FileInfo `json:"files"`
	Total int        `json:"total"`
}

// MoveResult reports a completed move.
type MoveResult struct {
	NewPath string `json:"newPath"`
	NewURL  string `json:"newUrl,omitempty"`
}

// CopyResult reports a completed copy.
type CopyResult struct {
	CopiedPath string `json:"copiedPath"`
	CopiedURL  string `json:"copiedUrl,omitempty"`
}

// StorageStats aggregates usage for one tenant on one backend.
type StorageStats struct {
	TotalFiles     int64            `json:"totalFiles"`
	TotalSizeBytes int64            `json:"totalSizeBytes"`
	ByMimeType     map[string]int64 `json:"byMimeType"`
}

// SignedURL is a time-limited access URL.
type SignedURL struct {
	URL string        `json:"url"`
	TTL time.Duration `json:"ttlSeconds"`
}

// ConnectionResult reports a connectivity check.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
