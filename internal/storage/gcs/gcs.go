// Package gcs provides the Google-style cloud bucket storage backend.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/assetbay/assetbay/internal/logging"
	"github.com/assetbay/assetbay/internal/metrics"
	"github.com/assetbay/assetbay/internal/storage"
	"github.com/assetbay/assetbay/internal/tenant"
)

// Config holds GCS backend settings for one tenant.
type Config struct {
	TenantID    string
	Bucket      string
	Credentials *tenant.GCSCredentials
}

// Backend implements storage.Backend against Google Cloud Storage.
type Backend struct {
	tenantID string
	bucket   string
	project  string
	creds    *tenant.GCSCredentials
	client   *gstorage.Client

	mu          sync.Mutex
	bucketReady bool
}

// New creates a GCS backend bound to one tenant's credentials.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if !cfg.Credentials.Valid() {
		return nil, &storage.ConfigurationError{
			Backend: storage.BackendGCS,
			Reason:  "project id and service account key are required",
		}
	}
	if cfg.Bucket == "" {
		return nil, &storage.ConfigurationError{
			Backend: storage.BackendGCS,
			Reason:  "bucket name is required",
		}
	}

	client, err := gstorage.NewClient(ctx, option.WithCredentialsJSON([]byte(cfg.Credentials.CredentialsJSON)))
	if err != nil {
		return nil, &storage.ConfigurationError{
			Backend: storage.BackendGCS,
			Reason:  fmt.Sprintf("invalid service account key: %v", err),
		}
	}

	return &Backend{
		tenantID: cfg.TenantID,
		bucket:   cfg.Bucket,
		project:  cfg.Credentials.ProjectID,
		creds:    cfg.Credentials,
		client:   client,
	}, nil
}

// ID returns "gcs-style".
func (b *Backend) ID() storage.BackendID { return storage.BackendGCS }

// Available reports whether the tenant's GCS credentials are well-shaped.
func (b *Backend) Available() bool { return b.creds.Valid() && b.bucket != "" }

// ensureBucket creates the bucket on first use, tolerating "already exists".
func (b *Backend) ensureBucket(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bucketReady {
		return nil
	}

	start := time.Now()
	handle := b.client.Bucket(b.bucket)
	_, err := handle.Attrs(ctx)
	if errors.Is(err, gstorage.ErrBucketNotExist) {
		if err := handle.Create(ctx, b.project, nil); err != nil && !alreadyExists(err) {
			metrics.RecordStorageOperation(b.ID().String(), "create_bucket", time.Since(start), false)
			return fmt.Errorf("create bucket %s: %w", b.bucket, err)
		}
		metrics.RecordStorageOperation(b.ID().String(), "create_bucket", time.Since(start), true)
		logging.Info("created GCS bucket",
			zap.String("bucket", b.bucket),
			zap.String("tenant", b.tenantID))
	} else if err != nil {
		return fmt.Errorf("bucket attrs %s: %w", b.bucket, err)
	}

	b.bucketReady = true
	return nil
}

// Upload streams the file into the bucket.
func (b *Backend) Upload(ctx context.Context, req *storage.UploadRequest) (*storage.UploadResult, error) {
	if err := b.ensureBucket(ctx); err != nil {
		return nil, b.wrap("upload", err)
	}

	key := storage.ObjectKey(req)
	start := time.Now()

	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = req.MimeType
	if len(req.Options.Metadata) > 0 {
		w.Metadata = req.Options.Metadata
	}

	written, err := io.Copy(w, req.Content)
	if err != nil {
		w.Close()
		metrics.RecordStorageOperation(b.ID().String(), "put_object", time.Since(start), false)
		return nil, b.wrap("upload", err)
	}
	if err := w.Close(); err != nil {
		metrics.RecordStorageOperation(b.ID().String(), "put_object", time.Since(start), false)
		return nil, b.wrap("upload", err)
	}
	metrics.RecordStorageOperation(b.ID().String(), "put_object", time.Since(start), true)
	metrics.RecordUploadBytes(b.ID().String(), written)

	res := &storage.UploadResult{
		Success:     true,
		Backend:     b.ID(),
		StoragePath: key,
		SizeBytes:   written,
		MimeType:    req.MimeType,
		Filename:    path.Base(key),
	}
	if req.Options.IsPublic {
		res.PublicURL = b.publicURL(key)
	}
	return res, nil
}

// Delete removes an object; an absent object is success.
func (b *Backend) Delete(ctx context.Context, p string) (*storage.DeleteResult, error) {
	p = storage.CleanStoragePath(p)
	start := time.Now()

	err := b.client.Bucket(b.bucket).Object(p).Delete(ctx)
	metrics.RecordStorageOperation(b.ID().String(), "delete_object", time.Since(start), err == nil || errors.Is(err, gstorage.ErrObjectNotExist))
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return &storage.DeleteResult{Success: true, Message: "file already absent"}, nil
	}
	if err != nil {
		return nil, b.wrap("delete", err)
	}
	return &storage.DeleteResult{Success: true, Message: "file deleted"}, nil
}

// List returns the immediately-visible entries of a folder using a
// delimited query.
func (b *Backend) List(ctx context.Context, folder string, page storage.Page) (*storage.ListResult, error) {
	prefix := storage.TenantScoped(b.tenantID, folder) + "/"
	start := time.Now()

	it := b.client.Bucket(b.bucket).Objects(ctx, &gstorage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []storage.FileInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			metrics.RecordStorageOperation(b.ID().String(), "list_objects", time.Since(start), false)
			return nil, b.wrap("list", err)
		}
		if attrs.Prefix != "" {
			files = append(files, storage.FileInfo{
				Name:  strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, prefix), "/"),
				Path:  strings.TrimSuffix(attrs.Prefix, "/"),
				IsDir: true,
			})
			continue
		}
		if attrs.Name == prefix {
			continue
		}
		files = append(files, storage.FileInfo{
			Name:         path.Base(attrs.Name),
			Path:         attrs.Name,
			SizeBytes:    attrs.Size,
			MimeType:     attrs.ContentType,
			LastModified: attrs.Updated,
		})
	}
	metrics.RecordStorageOperation(b.ID().String(), "list_objects", time.Since(start), true)

	total := len(files)
	files = paginate(files, page)
	return &storage.ListResult{Files: files, Total: total}, nil
}

// Move copies the object then deletes the source.
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

// Copy duplicates an object server-side.
func (b *Backend) Copy(ctx context.Context, from, to string) (*storage.CopyResult, error) {
	from = storage.CleanStoragePath(from)
	to = storage.CleanStoragePath(to)
	start := time.Now()

	bucket := b.client.Bucket(b.bucket)
	_, err := bucket.Object(to).CopierFrom(bucket.Object(from)).Run(ctx)
	metrics.RecordStorageOperation(b.ID().String(), "copy_object", time.Since(start), err == nil)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return nil, &storage.NotFoundError{Path: from}
	}
	if err != nil {
		return nil, b.wrap("copy", err)
	}
	return &storage.CopyResult{CopiedPath: to, CopiedURL: b.publicURL(to)}, nil
}

// Stats sums usage for the tenant via an undelimited (recursive) query.
func (b *Backend) Stats(ctx context.Context) (*storage.StorageStats, error) {
	stats := &storage.StorageStats{ByMimeType: map[string]int64{}}
	prefix := storage.TenantScoped(b.tenantID, "") + "/"

	it := b.client.Bucket(b.bucket).Objects(ctx, &gstorage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, b.wrap("stats", err)
		}
		mt := attrs.ContentType
		if mt == "" {
			mt = storage.MimeTypeByName(attrs.Name)
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += attrs.Size
		stats.ByMimeType[mt] += attrs.Size
	}
	return stats, nil
}

// SignedURL issues a V4 signed URL with a bounded lifetime.
func (b *Backend) SignedURL(_ context.Context, p string, ttl time.Duration) (*storage.SignedURL, error) {
	p = storage.CleanStoragePath(p)
	u, err := b.client.Bucket(b.bucket).SignedURL(p, &gstorage.SignedURLOptions{
		Scheme:  gstorage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return nil, b.wrap("signed_url", err)
	}
	return &storage.SignedURL{URL: u, TTL: ttl}, nil
}

// TestConnection reads the bucket attributes; no residue either way.
func (b *Backend) TestConnection(ctx context.Context) (*storage.ConnectionResult, error) {
	start := time.Now()
	_, err := b.client.Bucket(b.bucket).Attrs(ctx)
	metrics.RecordStorageOperation(b.ID().String(), "bucket_attrs", time.Since(start), err == nil)
	if err != nil {
		return &storage.ConnectionResult{Success: false, Message: fmt.Sprintf("bucket attrs: %v", err)}, nil
	}
	return &storage.ConnectionResult{Success: true, Message: "bucket reachable"}, nil
}

// ExtractPathFromURL parses the storage.googleapis.com URL shape.
func (b *Backend) ExtractPathFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	p := strings.TrimPrefix(u.Path, "/")

	switch {
	case u.Host == "storage.googleapis.com" && strings.HasPrefix(p, b.bucket+"/"):
		return storage.CleanStoragePath(strings.TrimPrefix(p, b.bucket+"/"))
	case u.Host == b.bucket+".storage.googleapis.com":
		return storage.CleanStoragePath(p)
	}
	return ""
}

func (b *Backend) publicURL(key string) string {
	return "https://storage.googleapis.com/" + b.bucket + "/" + key
}

func (b *Backend) wrap(op string, err error) error {
	var ce *storage.ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	return &storage.BackendError{Backend: b.ID(), Op: op, Err: err}
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 409
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
