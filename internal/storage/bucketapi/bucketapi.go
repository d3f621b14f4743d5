// Package bucketapi provides the managed bucket-API storage backend: a
// hosted object store driven over its REST surface with a long-lived
// service credential. The backend owns two well-known buckets per project,
// a private "originals" bucket and a public "assets" bucket, and creates
// both the first time it authenticates successfully.
package bucketapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/assetbay/assetbay/internal/logging"
	"github.com/assetbay/assetbay/internal/metrics"
	"github.com/assetbay/assetbay/internal/storage"
	"github.com/assetbay/assetbay/internal/tenant"
)

const (
	// BucketOriginals holds private source files.
	BucketOriginals = "originals"
	// BucketAssets holds publicly served files.
	BucketAssets = "assets"

	// statsMaxDepth bounds the recursive folder walk used for usage
	// scanning; the API lists flat, one folder level per call.
	statsMaxDepth = 3

	// tokenSkew refreshes the access token slightly before its exp claim.
	tokenSkew = 30 * time.Second
)

// TokenRefresher exchanges an expired access token for a fresh one. The
// backend invokes it transparently before a call when the cached token is
// past its expiry timestamp.
type TokenRefresher interface {
	Refresh(ctx context.Context, tenantID string) (string, error)
}

// Config holds bucket-API backend settings for one tenant.
type Config struct {
	TenantID    string
	Credentials *tenant.BucketAPICredentials
	Refresher   TokenRefresher // optional
	HTTPClient  *http.Client   // optional, defaults to a 30s-timeout client
}

// Backend implements storage.Backend over the managed bucket REST API.
type Backend struct {
	tenantID  string
	baseURL   string
	creds     *tenant.BucketAPICredentials
	refresher TokenRefresher
	http      *http.Client

	mu           sync.Mutex
	accessToken  string
	bucketsReady bool

	refreshSF singleflight.Group
}

// New creates a bucket-API backend bound to one tenant's credentials.
func New(cfg Config) (*Backend, error) {
	if !cfg.Credentials.Valid() {
		return nil, &storage.ConfigurationError{
			Backend: storage.BackendBucketAPI,
			Reason:  "base URL and service key are required",
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Backend{
		tenantID:    cfg.TenantID,
		baseURL:     strings.TrimSuffix(cfg.Credentials.BaseURL, "/") + "/storage/v1",
		creds:       cfg.Credentials,
		refresher:   cfg.Refresher,
		http:        httpClient,
		accessToken: cfg.Credentials.AccessToken,
	}, nil
}

// ID returns "managed-bucket".
func (b *Backend) ID() storage.BackendID { return storage.BackendBucketAPI }

// Available reports whether the tenant's credentials are well-shaped.
func (b *Backend) Available() bool { return b.creds.Valid() }

// apiError carries the HTTP status of a failed call for classification.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

func (e *apiError) authClass() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden ||
		strings.Contains(strings.ToLower(e.Body), "signature")
}

func (e *apiError) notFound() bool {
	return e.Status == http.StatusNotFound
}

func alreadyExists(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) &&
		(ae.Status == http.StatusConflict || strings.Contains(ae.Body, "already exists"))
}

// token returns the credential for the primary call path, refreshing the
// access token through the collaborator when it is past its exp claim.
// Falls back to the long-lived service key when no access token is set.
func (b *Backend) token(ctx context.Context) string {
	b.mu.Lock()
	tok := b.accessToken
	b.mu.Unlock()

	if tok == "" {
		return b.creds.ServiceKey
	}
	if !tokenExpired(tok) || b.refresher == nil {
		return tok
	}

	// The refresh network call runs outside the adapter mutex so it never
	// serializes unrelated operations; concurrent callers share one
	// in-flight refresh.
	fresh, err, _ := b.refreshSF.Do("refresh", func() (any, error) {
		return b.refresher.Refresh(ctx, b.tenantID)
	})
	if err != nil {
		logging.Warn("access token refresh failed, using service key",
			zap.String("tenant", b.tenantID),
			zap.Error(err))
		return b.creds.ServiceKey
	}

	tok = fresh.(string)
	b.mu.Lock()
	b.accessToken = tok
	b.mu.Unlock()
	return tok
}

// tokenExpired inspects the exp claim without verifying the signature;
// only the timestamp matters here, the server verifies authenticity.
func tokenExpired(tok string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < tokenSkew
}

// do performs one API call. On an auth/signature error class from the
// primary token it retries once with the long-lived service credential
// before surfacing the error.
func (b *Backend) do(ctx context.Context, method, p string, body []byte, contentType string, out any) error {
	tok := b.token(ctx)
	err := b.send(ctx, method, p, body, contentType, tok, out)
	if err == nil {
		return nil
	}

	var ae *apiError
	if errors.As(err, &ae) && ae.authClass() && tok != b.creds.ServiceKey {
		logging.Warn("bucket API auth error, retrying with service credential",
			zap.String("tenant", b.tenantID),
			zap.Int("status", ae.Status))
		return b.send(ctx, method, p, body, contentType, b.creds.ServiceKey, out)
	}
	return err
}

func (b *Backend) send(ctx context.Context, method, p string, body []byte, contentType, token string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+p, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Body: string(msg)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ensureBuckets creates the two well-known buckets on first successful
// authentication, tolerating "already exists" as success.
func (b *Backend) ensureBuckets(ctx context.Context) error {
	b.mu.Lock()
	ready := b.bucketsReady
	b.mu.Unlock()
	if ready {
		return nil
	}

	for _, bucket := range []struct {
		name   string
		public bool
	}{
		{BucketOriginals, false},
		{BucketAssets, true},
	} {
		payload, _ := json.Marshal(map[string]any{
			"name":   bucket.name,
			"id":     bucket.name,
			"public": bucket.public,
		})
		err := b.do(ctx, http.MethodPost, "/bucket", payload, "application/json", nil)
		if err != nil && !alreadyExists(err) {
			return fmt.Errorf("create bucket %s: %w", bucket.name, err)
		}
	}

	b.mu.Lock()
	b.bucketsReady = true
	b.mu.Unlock()

	logging.Debug("bucket API buckets ready", zap.String("tenant", b.tenantID))
	return nil
}

func (b *Backend) bucketFor(public bool) string {
	if public {
		return BucketAssets
	}
	return BucketOriginals
}

// Upload stores an object. The content is buffered because the auth-retry
// path must be able to replay the request body.
func (b *Backend) Upload(ctx context.Context, req *storage.UploadRequest) (*storage.UploadResult, error) {
	if err := b.ensureBuckets(ctx); err != nil {
		return nil, b.wrap("upload", err)
	}

	content, err := io.ReadAll(req.Content)
	if err != nil {
		return nil, b.wrap("upload", err)
	}

	key := storage.ObjectKey(req)
	bucket := b.bucketFor(req.Options.IsPublic)
	start := time.Now()

	err = b.do(ctx, http.MethodPost, "/object/"+bucket+"/"+escapeKey(key), content, req.MimeType, nil)
	metrics.RecordStorageOperation(b.ID().String(), "put_object", time.Since(start), err == nil)
	if err != nil {
		return nil, b.wrap("upload", err)
	}
	metrics.RecordUploadBytes(b.ID().String(), int64(len(content)))

	res := &storage.UploadResult{
		Success:     true,
		Backend:     b.ID(),
		StoragePath: key,
		SizeBytes:   int64(len(content)),
		MimeType:    req.MimeType,
		Filename:    path.Base(key),
	}
	if req.Options.IsPublic {
		res.PublicURL = b.publicURL(bucket, key)
	}
	return res, nil
}

// Delete removes an object from whichever well-known bucket holds it.
// Absent in both buckets is success.
func (b *Backend) Delete(ctx context.Context, p string) (*storage.DeleteResult, error) {
	p = storage.CleanStoragePath(p)
	start := time.Now()

	found := false
	for _, bucket := range []string{BucketAssets, BucketOriginals} {
		err := b.do(ctx, http.MethodDelete, "/object/"+bucket+"/"+escapeKey(p), nil, "", nil)
		if err == nil {
			found = true
			continue
		}
		var ae *apiError
		if errors.As(err, &ae) && ae.notFound() {
			continue
		}
		metrics.RecordStorageOperation(b.ID().String(), "delete_object", time.Since(start), false)
		return nil, b.wrap("delete", err)
	}
	metrics.RecordStorageOperation(b.ID().String(), "delete_object", time.Since(start), true)

	if !found {
		return &storage.DeleteResult{Success: true, Message: "file already absent"}, nil
	}
	return &storage.DeleteResult{Success: true, Message: "file deleted"}, nil
}

// listEntry models one row of the flat list API. Folders carry no id.
type listEntry struct {
	Name      string    `json:"name"`
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  struct {
		Size     int64  `json:"size"`
		Mimetype string `json:"mimetype"`
	} `json:"metadata"`
}

func (e *listEntry) isFolder() bool { return e.ID == "" }

func (b *Backend) listBucket(ctx context.Context, bucket, prefix string, limit, offset int) ([]listEntry, error) {
	payload, _ := json.Marshal(map[string]any{
		"prefix": prefix,
		"limit":  limit,
		"offset": offset,
	})
	var entries []listEntry
	if err := b.do(ctx, http.MethodPost, "/object/list/"+bucket, payload, "application/json", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// List returns the immediately-visible entries of a folder, merging the
// two well-known buckets.
func (b *Backend) List(ctx context.Context, folder string, page storage.Page) (*storage.ListResult, error) {
	prefix := storage.TenantScoped(b.tenantID, folder)
	start := time.Now()

	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}

	var files []storage.FileInfo
	seen := map[string]bool{}
	for _, bucket := range []string{BucketAssets, BucketOriginals} {
		entries, err := b.listBucket(ctx, bucket, prefix, limit+page.Offset, 0)
		if err != nil {
			var ae *apiError
			if errors.As(err, &ae) && ae.notFound() {
				continue
			}
			metrics.RecordStorageOperation(b.ID().String(), "list_objects", time.Since(start), false)
			return nil, b.wrap("list", err)
		}
		for _, e := range entries {
			dedup := e.Name + "/" + e.ID
			if seen[dedup] {
				continue
			}
			seen[dedup] = true
			fi := storage.FileInfo{
				Name:         e.Name,
				Path:         prefix + "/" + e.Name,
				LastModified: e.UpdatedAt,
				IsDir:        e.isFolder(),
				ID:           e.ID,
			}
			if !e.isFolder() {
				fi.SizeBytes = e.Metadata.Size
				fi.MimeType = e.Metadata.Mimetype
			}
			files = append(files, fi)
		}
	}
	metrics.RecordStorageOperation(b.ID().String(), "list_objects", time.Since(start), true)

	total := len(files)
	files = paginate(files, page)
	return &storage.ListResult{Files: files, Total: total}, nil
}

// Move uses the API's native move primitive, trying the public bucket
// first and falling back to the private one.
func (b *Backend) Move(ctx context.Context, from, to string) (*storage.MoveResult, error) {
	from = storage.CleanStoragePath(from)
	to = storage.CleanStoragePath(to)

	bucket, err := b.objectVerb(ctx, "/object/move", from, to)
	if err != nil {
		return nil, err
	}
	return &storage.MoveResult{NewPath: to, NewURL: b.maybePublicURL(bucket, to)}, nil
}

// Copy uses the API's native copy primitive.
func (b *Backend) Copy(ctx context.Context, from, to string) (*storage.CopyResult, error) {
	from = storage.CleanStoragePath(from)
	to = storage.CleanStoragePath(to)

	bucket, err := b.objectVerb(ctx, "/object/copy", from, to)
	if err != nil {
		return nil, err
	}
	return &storage.CopyResult{CopiedPath: to, CopiedURL: b.maybePublicURL(bucket, to)}, nil
}

// objectVerb posts a move/copy request against each well-known bucket in
// turn, returning the bucket that held the source.
func (b *Backend) objectVerb(ctx context.Context, verb, from, to string) (string, error) {
	start := time.Now()
	var lastErr error
	for _, bucket := range []string{BucketAssets, BucketOriginals} {
		payload, _ := json.Marshal(map[string]string{
			"bucketId":       bucket,
			"sourceKey":      from,
			"destinationKey": to,
		})
		err := b.do(ctx, http.MethodPost, verb, payload, "application/json", nil)
		if err == nil {
			metrics.RecordStorageOperation(b.ID().String(), strings.TrimPrefix(verb, "/object/"), time.Since(start), true)
			return bucket, nil
		}
		var ae *apiError
		if errors.As(err, &ae) && ae.notFound() {
			lastErr = &storage.NotFoundError{Path: from}
			continue
		}
		metrics.RecordStorageOperation(b.ID().String(), strings.TrimPrefix(verb, "/object/"), time.Since(start), false)
		return "", b.wrap(strings.TrimPrefix(verb, "/object/"), err)
	}
	return "", lastErr
}

// Stats approximates total usage with a bounded-depth recursive folder
// walk over the flat list API, de-duplicating entries by name+id.
func (b *Backend) Stats(ctx context.Context) (*storage.StorageStats, error) {
	stats := &storage.StorageStats{ByMimeType: map[string]int64{}}
	seen := map[string]bool{}
	root := storage.TenantScoped(b.tenantID, "")

	for _, bucket := range []string{BucketAssets, BucketOriginals} {
		if err := b.scanFolder(ctx, bucket, root, 0, seen, stats); err != nil {
			var ae *apiError
			if errors.As(err, &ae) && ae.notFound() {
				continue
			}
			return nil, b.wrap("stats", err)
		}
	}
	return stats, nil
}

func (b *Backend) scanFolder(ctx context.Context, bucket, prefix string, depth int, seen map[string]bool, stats *storage.StorageStats) error {
	if depth > statsMaxDepth {
		return nil
	}

	entries, err := b.listBucket(ctx, bucket, prefix, 1000, 0)
	if err != nil {
		return err
	}

	for _, e := range entries {
		dedup := prefix + "/" + e.Name + "/" + e.ID
		if seen[dedup] {
			continue
		}
		seen[dedup] = true

		if e.isFolder() {
			if err := b.scanFolder(ctx, bucket, prefix+"/"+e.Name, depth+1, seen, stats); err != nil {
				return err
			}
			continue
		}

		mt := e.Metadata.Mimetype
		if mt == "" {
			mt = storage.MimeTypeByName(e.Name)
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += e.Metadata.Size
		stats.ByMimeType[mt] += e.Metadata.Size
	}
	return nil
}

// SignedURL requests a bounded-lifetime signed link for a private object.
func (b *Backend) SignedURL(ctx context.Context, p string, ttl time.Duration) (*storage.SignedURL, error) {
	p = storage.CleanStoragePath(p)

	var out struct {
		SignedURL string `json:"signedURL"`
	}
	payload, _ := json.Marshal(map[string]any{"expiresIn": int(ttl.Seconds())})
	err := b.do(ctx, http.MethodPost, "/object/sign/"+BucketOriginals+"/"+escapeKey(p), payload, "application/json", &out)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.notFound() {
			return nil, &storage.NotFoundError{Path: p}
		}
		return nil, b.wrap("signed_url", err)
	}
	return &storage.SignedURL{URL: b.baseURL + out.SignedURL, TTL: ttl}, nil
}

// TestConnection lists buckets, the cheapest authenticated round-trip;
// nothing is written.
func (b *Backend) TestConnection(ctx context.Context) (*storage.ConnectionResult, error) {
	start := time.Now()
	var buckets []json.RawMessage
	err := b.do(ctx, http.MethodGet, "/bucket", nil, "", &buckets)
	metrics.RecordStorageOperation(b.ID().String(), "list_buckets", time.Since(start), err == nil)
	if err != nil {
		return &storage.ConnectionResult{Success: false, Message: fmt.Sprintf("list buckets: %v", err)}, nil
	}
	return &storage.ConnectionResult{Success: true, Message: fmt.Sprintf("%d buckets visible", len(buckets))}, nil
}

// ExtractPathFromURL parses public and signed object URL shapes.
func (b *Backend) ExtractPathFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base, err := url.Parse(b.baseURL)
	if err != nil || u.Host != base.Host {
		return ""
	}

	for _, marker := range []string{"/object/public/", "/object/sign/", "/object/"} {
		if idx := strings.Index(u.Path, marker); idx >= 0 {
			rest := u.Path[idx+len(marker):]
			// strip the bucket segment
			if slash := strings.IndexByte(rest, '/'); slash > 0 {
				return storage.CleanStoragePath(rest[slash+1:])
			}
			return ""
		}
	}
	return ""
}

func (b *Backend) publicURL(bucket, key string) string {
	return b.baseURL + "/object/public/" + bucket + "/" + key
}

func (b *Backend) maybePublicURL(bucket, key string) string {
	if bucket == BucketAssets {
		return b.publicURL(bucket, key)
	}
	return ""
}

func (b *Backend) wrap(op string, err error) error {
	var ce *storage.ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	var ae *apiError
	if errors.As(err, &ae) && ae.authClass() {
		return &storage.ConfigurationError{
			Backend: b.ID(),
			Reason:  fmt.Sprintf("credentials rejected (%s)", ae.Error()),
		}
	}
	return &storage.BackendError{Backend: b.ID(), Op: op, Err: err}
}

// escapeKey escapes each path segment while preserving separators.
func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
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
