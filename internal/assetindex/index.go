// Package assetindex maintains a searchable index of uploaded assets in
// PostgreSQL. The storage layer works without it; index failures are
// logged by the caller and never affect upload results.
package assetindex

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/assetbay/assetbay/internal/storage"
)

// Index records successful uploads.
type Index struct {
	db *sql.DB
}

// New creates an Index over an existing connection pool.
func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// RecordUpload inserts or refreshes the index row for an uploaded asset.
func (i *Index) RecordUpload(ctx context.Context, tenantID string, res *storage.UploadResult) error {
	_, err := i.db.ExecContext(ctx,
		`INSERT INTO asset_index (tenant_id, storage_path, backend, filename, mime_type, size_bytes, public_url, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (tenant_id, storage_path)
		 DO UPDATE SET backend = EXCLUDED.backend,
		               mime_type = EXCLUDED.mime_type,
		               size_bytes = EXCLUDED.size_bytes,
		               public_url = EXCLUDED.public_url,
		               uploaded_at = now()`,
		tenantID, res.StoragePath, res.Backend.String(), res.Filename,
		res.MimeType, res.SizeBytes, res.PublicURL,
	)
	if err != nil {
		return fmt.Errorf("record upload %s: %w", res.StoragePath, err)
	}
	return nil
}

// Search returns indexed assets for a tenant matching a filename fragment.
func (i *Index) Search(ctx context.Context, tenantID, nameLike string, limit int) ([]storage.FileInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := i.db.QueryContext(ctx,
		`SELECT filename, storage_path, size_bytes, mime_type, uploaded_at
		 FROM asset_index
		 WHERE tenant_id = $1 AND filename ILIKE '%' || $2 || '%'
		 ORDER BY uploaded_at DESC
		 LIMIT $3`,
		tenantID, nameLike, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	defer rows.Close()

	var out []storage.FileInfo
	for rows.Next() {
		var fi storage.FileInfo
		if err := rows.Scan(&fi.Name, &fi.Path, &fi.SizeBytes, &fi.MimeType, &fi.LastModified); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}
