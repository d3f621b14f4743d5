// Package local provides the local filesystem storage backend. It has no
// external dependency, is always available, and serves as the last-resort
// fallback. Files live under a root upload directory mirroring the same
// relative layout the remote backends use.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/assetbay/assetbay/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	TenantID string
	// Root is the upload directory shared by all tenants.
	Root string
	// PublicBaseURL is prepended to relative paths to form public URLs.
	PublicBaseURL string
}

// Backend implements storage.Backend on the local filesystem.
type Backend struct {
	tenantID string
	root     string
	baseURL  string
}

// New creates a local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Root == "" {
		return nil, &storage.ConfigurationError{Backend: storage.BackendLocal, Reason: "root path is required"}
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create root path %s: %w", cfg.Root, err)
	}
	return &Backend{
		tenantID: cfg.TenantID,
		root:     cfg.Root,
		baseURL:  strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

// ID returns "local".
func (b *Backend) ID() storage.BackendID { return storage.BackendLocal }

// Available always reports true; the local backend needs no credentials.
func (b *Backend) Available() bool { return true }

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(storage.CleanStoragePath(key)))
}

func (b *Backend) publicURL(key string) string {
	return b.baseURL + "/" + storage.CleanStoragePath(key)
}

// Upload writes the file atomically via temp + rename.
func (b *Backend) Upload(_ context.Context, req *storage.UploadRequest) (*storage.UploadResult, error) {
	key := storage.ObjectKey(req)
	path := b.fullPath(key)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &storage.BackendError{Backend: b.ID(), Op: "upload", Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".assetbay-*.tmp")
	if err != nil {
		return nil, &storage.BackendError{Backend: b.ID(), Op: "upload", Err: err}
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, req.Content)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, &storage.BackendError{Backend: b.ID(), Op: "upload", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, &storage.BackendError{Backend: b.ID(), Op: "upload", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, &storage.BackendError{Backend: b.ID(), Op: "upload", Err: err}
	}

	return &storage.UploadResult{
		Success:     true,
		Backend:     b.ID(),
		StoragePath: key,
		PublicURL:   b.publicURL(key),
		SizeBytes:   written,
		MimeType:    req.MimeType,
		Filename:    filepath.Base(key),
	}, nil
}

// Delete removes a file. Deleting an absent file is success.
func (b *Backend) Delete(_ context.Context, path string) (*storage.DeleteResult, error) {
	err := os.Remove(b.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return &storage.DeleteResult{Success: true, Message: "file already absent"}, nil
		}
		return nil, &storage.BackendError{Backend: b.ID(), Op: "delete", Err: err}
	}
	return &storage.DeleteResult{Success: true, Message: "file deleted"}, nil
}

// List returns the immediately-visible entries of a folder.
func (b *Backend) List(_ context.Context, folder string, page storage.Page) (*storage.ListResult, error) {
	scoped := storage.TenantScoped(b.tenantID, folder)
	dir := b.fullPath(scoped)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &storage.ListResult{Files: []storage.FileInfo{}}, nil
		}
		return nil, &storage.BackendError{Backend: b.ID(), Op: "list", Err: err}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	files := make([]storage.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		fi := storage.FileInfo{
			Name:         e.Name(),
			Path:         scoped + "/" + e.Name(),
			LastModified: info.ModTime(),
			IsDir:        e.IsDir(),
		}
		if !e.IsDir() {
			fi.SizeBytes = info.Size()
			fi.MimeType = storage.MimeTypeByName(e.Name())
		}
		files = append(files, fi)
	}

	total := len(files)
	files = paginate(files, page)
	return &storage.ListResult{Files: files, Total: total}, nil
}

// Move relocates a file via copy + delete of the source.
func (b *Backend) Move(ctx context.Context, from, to string) (*storage.MoveResult, error) {
	res, err := b.Copy(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if _, err := b.Delete(ctx, from); err != nil {
		return nil, err
	}
	return &storage.MoveResult{NewPath: res.CopiedPath, NewURL: res.CopiedURL}, nil
}

// Copy duplicates a file atomically via temp + rename.
func (b *Backend) Copy(_ context.Context, from, to string) (*storage.CopyResult, error) {
	to = storage.CleanStoragePath(to)
	srcPath := b.fullPath(from)
	dstPath := b.fullPath(to)

	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &storage.NotFoundError{Path: from}
		}
		return nil, &storage.BackendError{Backend: b.ID(), Op: "copy", Err: err}
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, &storage.BackendError{Backend: b.ID(), Op: "copy", Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".assetbay-*.tmp")
	if err != nil {
		return nil, &storage.BackendError{Backend: b.ID(), Op: "copy", Err: err}
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, &storage.BackendError{Backend: b.ID(), Op: "copy", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, &storage.BackendError{Backend: b.ID(), Op: "copy", Err: err}
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		return nil, &storage.BackendError{Backend: b.ID(), Op: "copy", Err: err}
	}

	return &storage.CopyResult{CopiedPath: to, CopiedURL: b.publicURL(to)}, nil
}

// Stats walks the tenant's subtree depth-first and sums usage.
func (b *Backend) Stats(_ context.Context) (*storage.StorageStats, error) {
	stats := &storage.StorageStats{ByMimeType: map[string]int64{}}
	root := b.fullPath(storage.TenantScoped(b.tenantID, ""))

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += info.Size()
		stats.ByMimeType[storage.MimeTypeByName(d.Name())] += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, &storage.BackendError{Backend: b.ID(), Op: "stats", Err: err}
	}

	return stats, nil
}

// SignedURL returns the public URL; the local backend has no native
// signing, so callers must not rely on it for confidentiality.
func (b *Backend) SignedURL(_ context.Context, path string, ttl time.Duration) (*storage.SignedURL, error) {
	return &storage.SignedURL{URL: b.publicURL(path), TTL: ttl}, nil
}

// TestConnection writes and removes a tiny file, leaving no residue.
func (b *Backend) TestConnection(_ context.Context) (*storage.ConnectionResult, error) {
	probe, err := os.CreateTemp(b.root, ".assetbay-probe-*")
	if err != nil {
		return &storage.ConnectionResult{Success: false, Message: fmt.Sprintf("root not writable: %v", err)}, nil
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return &storage.ConnectionResult{Success: true, Message: "local storage writable"}, nil
}

// ExtractPathFromURL strips the configured public base URL.
func (b *Backend) ExtractPathFromURL(rawURL string) string {
	if b.baseURL == "" || !strings.HasPrefix(rawURL, b.baseURL+"/") {
		return ""
	}
	return storage.CleanStoragePath(strings.TrimPrefix(rawURL, b.baseURL+"/"))
}

func paginate(files []storage.FileInfo, page storage.Page) []storage.FileInfo {
	if page.Offset > 0 {
		if page.Offset >= len(files) {
			return []storage.FileInfo{}
		}
		files = files[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(files) {
		files = files[:page.Limit]
	}
	return files
}
