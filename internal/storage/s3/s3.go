// Package s3 provides the S3-compatible storage backend (AWS S3, MinIO,
// and other S3 API endpoints).
package s3

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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/assetbay/assetbay/internal/logging"
	"github.com/assetbay/assetbay/internal/metrics"
	"github.com/assetbay/assetbay/internal/storage"
	"github.com/assetbay/assetbay/internal/tenant"
)

// Config holds S3 backend settings for one tenant.
type Config struct {
	TenantID    string
	Bucket      string
	Credentials *tenant.S3Credentials
}

// Backend implements storage.Backend against an S3-compatible endpoint.
type Backend struct {
	tenantID string
	bucket   string
	endpoint string
	region   string
	creds    *tenant.S3Credentials
	client   *s3.Client
	presign  *s3.PresignClient

	mu          sync.Mutex
	bucketReady bool
	makePublic  bool
}

// New creates an S3 backend bound to one tenant's credentials. Client
// construction is local; the endpoint is only contacted on first use.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if !cfg.Credentials.Valid() {
		return nil, &storage.ConfigurationError{
			Backend: storage.BackendS3,
			Reason:  "access key, secret key and region are required",
		}
	}
	if cfg.Bucket == "" {
		return nil, &storage.ConfigurationError{
			Backend: storage.BackendS3,
			Reason:  "bucket name is required",
		}
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Credentials.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Credentials.AccessKey, cfg.Credentials.SecretKey, ""),
		),
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Credentials.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Credentials.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Backend{
		tenantID: cfg.TenantID,
		bucket:   cfg.Bucket,
		endpoint: strings.TrimSuffix(cfg.Credentials.Endpoint, "/"),
		region:   cfg.Credentials.Region,
		creds:    cfg.Credentials,
		client:   client,
		presign:  s3.NewPresignClient(client),
	}, nil
}

// ID returns "s3-compatible".
func (b *Backend) ID() storage.BackendID { return storage.BackendS3 }

// Available reports whether the tenant's S3 credentials are well-shaped.
func (b *Backend) Available() bool { return b.creds.Valid() && b.bucket != "" }

// ensureBucket creates the target bucket on first use with the configured
// region location and, when public-read was requested, attaches a
// public-read bucket policy and permissive CORS.
func (b *Backend) ensureBucket(ctx context.Context, public bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bucketReady && (!public || b.makePublic) {
		return nil
	}

	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		input := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
		// us-east-1 must not carry a location constraint
		if b.region != "" && b.region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(b.region),
			}
		}
		if _, err := b.client.CreateBucket(ctx, input); err != nil && !bucketExists(err) {
			metrics.RecordStorageOperation(b.ID().String(), "create_bucket", time.Since(start), false)
			return fmt.Errorf("create bucket %s: %w", b.bucket, err)
		}
		metrics.RecordStorageOperation(b.ID().String(), "create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket",
			zap.String("bucket", b.bucket),
			zap.String("tenant", b.tenantID))
	}

	if public && !b.makePublic {
		if err := b.applyPublicRead(ctx); err != nil {
			return err
		}
		b.makePublic = true
	}

	b.bucketReady = true
	return nil
}

func (b *Backend) applyPublicRead(ctx context.Context) error {
	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Sid": "PublicRead",
			"Effect": "Allow",
			"Principal": "*",
			"Action": ["s3:GetObject"],
			"Resource": ["arn:aws:s3:::%s/*"]
		}]
	}`, b.bucket)

	if _, err := b.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(b.bucket),
		Policy: aws.String(policy),
	}); err != nil {
		return fmt.Errorf("put bucket policy: %w", err)
	}

	if _, err := b.client.PutBucketCors(ctx, &s3.PutBucketCorsInput{
		Bucket: aws.String(b.bucket),
		CORSConfiguration: &types.CORSConfiguration{
			CORSRules: []types.CORSRule{{
				AllowedHeaders: []string{"*"},
				AllowedMethods: []string{"GET", "HEAD"},
				AllowedOrigins: []string{"*"},
				MaxAgeSeconds:  aws.Int32(3600),
			}},
		},
	}); err != nil {
		return fmt.Errorf("put bucket cors: %w", err)
	}

	return nil
}

// Upload stores an object and returns the normalized result.
func (b *Backend) Upload(ctx context.Context, req *storage.UploadRequest) (*storage.UploadResult, error) {
	if err := b.ensureBucket(ctx, req.Options.IsPublic); err != nil {
		return nil, b.wrap("upload", err)
	}

	key := storage.ObjectKey(req)
	start := time.Now()

	body := &countingReader{r: req.Content}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(req.MimeType),
	}
	if req.SizeBytes > 0 {
		input.ContentLength = aws.Int64(req.SizeBytes)
	}
	if len(req.Options.Metadata) > 0 {
		input.Metadata = req.Options.Metadata
	}

	_, err := b.client.PutObject(ctx, input)
	metrics.RecordStorageOperation(b.ID().String(), "put_object", time.Since(start), err == nil)
	if err != nil {
		return nil, b.wrap("upload", err)
	}
	metrics.RecordUploadBytes(b.ID().String(), body.n)

	res := &storage.UploadResult{
		Success:     true,
		Backend:     b.ID(),
		StoragePath: key,
		SizeBytes:   body.n,
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

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(p),
	})
	if err != nil {
		if isNotFound(err) {
			return &storage.DeleteResult{Success: true, Message: "file already absent"}, nil
		}
		return nil, b.wrap("delete", err)
	}

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(p),
	})
	metrics.RecordStorageOperation(b.ID().String(), "delete_object", time.Since(start), err == nil)
	if err != nil {
		return nil, b.wrap("delete", err)
	}
	return &storage.DeleteResult{Success: true, Message: "file deleted"}, nil
}

// List returns the immediately-visible entries of a folder using a
// delimited listing.
func (b *Backend) List(ctx context.Context, folder string, page storage.Page) (*storage.ListResult, error) {
	prefix := storage.TenantScoped(b.tenantID, folder) + "/"
	start := time.Now()

	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	metrics.RecordStorageOperation(b.ID().String(), "list_objects", time.Since(start), err == nil)
	if err != nil {
		return nil, b.wrap("list", err)
	}

	files := make([]storage.FileInfo, 0, len(out.Contents)+len(out.CommonPrefixes))
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		files = append(files, storage.FileInfo{
			Name:  name,
			Path:  strings.TrimSuffix(aws.ToString(cp.Prefix), "/"),
			IsDir: true,
		})
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			continue
		}
		fi := storage.FileInfo{
			Name:      path.Base(key),
			Path:      key,
			SizeBytes: aws.ToInt64(obj.Size),
			MimeType:  storage.MimeTypeByName(key),
		}
		if obj.LastModified != nil {
			fi.LastModified = *obj.LastModified
		}
		files = append(files, fi)
	}

	total := len(files)
	files = paginate(files, page)
	return &storage.ListResult{Files: files, Total: total}, nil
}

// Move copies the object then deletes the source; S3 has no native move.
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

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(url.PathEscape(b.bucket + "/" + from)),
		Key:        aws.String(to),
	})
	metrics.RecordStorageOperation(b.ID().String(), "copy_object", time.Since(start), err == nil)
	if err != nil {
		if isNotFound(err) {
			return nil, &storage.NotFoundError{Path: from}
		}
		return nil, b.wrap("copy", err)
	}
	return &storage.CopyResult{CopiedPath: to, CopiedURL: b.publicURL(to)}, nil
}

// Stats sums usage for the tenant via a paginated recursive listing.
// ListObjectsV2 without a delimiter is natively recursive, so no
// bounded-depth folder walk is needed here.
func (b *Backend) Stats(ctx context.Context) (*storage.StorageStats, error) {
	stats := &storage.StorageStats{ByMimeType: map[string]int64{}}
	prefix := storage.TenantScoped(b.tenantID, "") + "/"

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, b.wrap("stats", err)
		}
		for _, obj := range page.Contents {
			size := aws.ToInt64(obj.Size)
			stats.TotalFiles++
			stats.TotalSizeBytes += size
			stats.ByMimeType[storage.MimeTypeByName(aws.ToString(obj.Key))] += size
		}
	}
	return stats, nil
}

// SignedURL presigns a GET for the given lifetime.
func (b *Backend) SignedURL(ctx context.Context, p string, ttl time.Duration) (*storage.SignedURL, error) {
	p = storage.CleanStoragePath(p)
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(p),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, b.wrap("signed_url", err)
	}
	return &storage.SignedURL{URL: req.URL, TTL: ttl}, nil
}

// TestConnection heads the bucket; no residue either way.
func (b *Backend) TestConnection(ctx context.Context) (*storage.ConnectionResult, error) {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	metrics.RecordStorageOperation(b.ID().String(), "head_bucket", time.Since(start), err == nil)
	if err != nil {
		return &storage.ConnectionResult{Success: false, Message: fmt.Sprintf("head bucket: %v", err)}, nil
	}
	return &storage.ConnectionResult{Success: true, Message: "bucket reachable"}, nil
}

// ExtractPathFromURL parses path-style and virtual-host S3 URL shapes.
func (b *Backend) ExtractPathFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return ""
	}
	p := strings.TrimPrefix(u.Path, "/")

	// Path-style: host/bucket/key
	if strings.HasPrefix(p, b.bucket+"/") {
		return storage.CleanStoragePath(strings.TrimPrefix(p, b.bucket+"/"))
	}
	// Virtual-host style: bucket.host/key
	if strings.HasPrefix(u.Host, b.bucket+".") {
		return storage.CleanStoragePath(p)
	}
	return ""
}

func (b *Backend) publicURL(key string) string {
	if b.endpoint != "" {
		return b.endpoint + "/" + b.bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", b.bucket, b.region, key)
}

func (b *Backend) wrap(op string, err error) error {
	var ce *storage.ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	return &storage.BackendError{Backend: b.ID(), Op: op, Err: err}
}

// countingReader tracks the bytes actually consumed by a PutObject call so
// the result reports stored size rather than the caller's declared size.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func bucketExists(err error) bool {
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	return errors.As(err, &owned) || errors.As(err, &exists)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
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
