// Package manager orchestrates tenant asset storage across backends:
// it resolves each tenant's preferred backend from persisted configuration,
// probes availability under a bounded wait, routes operations to the first
// working adapter, and retries uploads across the fallback order when the
// chosen backend fails.
package manager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assetbay/assetbay/internal/logging"
	"github.com/assetbay/assetbay/internal/metrics"
	"github.com/assetbay/assetbay/internal/storage"
	"github.com/assetbay/assetbay/internal/storage/bucketapi"
	"github.com/assetbay/assetbay/internal/tenant"
)

const (
	defaultProbeTimeout = 2500 * time.Millisecond
	defaultListTimeout  = 5 * time.Second
	defaultCacheSize    = 256
)

// UploadNotifier is the optional persistence collaborator told about
// successful uploads to maintain a searchable asset index. The Manager
// tolerates its absence and its failures.
type UploadNotifier interface {
	RecordUpload(ctx context.Context, tenantID string, res *storage.UploadResult) error
}

// Options configures a Manager.
type Options struct {
	Store tenant.ConfigStore

	// FallbackOrder is consulted when a tenant has no preference or the
	// preferred backend is unavailable. Defaults to all backends with
	// local last.
	FallbackOrder []storage.BackendID

	ProbeTimeout time.Duration
	ListTimeout  time.Duration
	CacheSize    int

	// Local backend settings (the last-resort backend is always wired).
	LocalRoot          string
	LocalPublicBaseURL string

	// MaxUploadSize rejects oversized uploads before any backend is
	// contacted. Zero disables the check.
	MaxUploadSize int64

	Index     UploadNotifier           // optional
	Refresher bucketapi.TokenRefresher // optional
}

// Manager routes storage operations to per-tenant backend adapters.
type Manager struct {
	store        tenant.ConfigStore
	registry     map[storage.BackendID]Constructor
	cache        *clientCache
	index        UploadNotifier
	refresher    bucketapi.TokenRefresher
	localRoot    string
	localBaseURL string
	maxUpload    int64
	probeTimeout time.Duration
	listTimeout  time.Duration

	mu    sync.RWMutex
	order []storage.BackendID
}

// New creates a Manager.
func New(opts Options) (*Manager, error) {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = defaultListTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if len(opts.FallbackOrder) == 0 {
		opts.FallbackOrder = []storage.BackendID{
			storage.BackendBucketAPI,
			storage.BackendS3,
			storage.BackendGCS,
			storage.BackendLocal,
		}
	}

	cache, err := newClientCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:        opts.Store,
		cache:        cache,
		index:        opts.Index,
		refresher:    opts.Refresher,
		localRoot:    opts.LocalRoot,
		localBaseURL: opts.LocalPublicBaseURL,
		maxUpload:    opts.MaxUploadSize,
		probeTimeout: opts.ProbeTimeout,
		listTimeout:  opts.ListTimeout,
		order:        opts.FallbackOrder,
	}
	m.registry = m.buildRegistry()
	return m, nil
}

// FallbackOrder returns the current process-wide fallback order.
func (m *Manager) FallbackOrder() []storage.BackendID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]storage.BackendID, len(m.order))
	copy(out, m.order)
	return out
}

// SetFallbackOrder replaces the fallback order on operator configuration
// reload. The order is otherwise never mutated at runtime.
func (m *Manager) SetFallbackOrder(order []storage.BackendID) {
	if len(order) == 0 {
		return
	}
	m.mu.Lock()
	m.order = append([]storage.BackendID(nil), order...)
	m.mu.Unlock()
	logging.Info("fallback order reloaded", zap.Any("order", order))
}

// Invalidate drops cached clients for a tenant after credential rotation.
func (m *Manager) Invalidate(tenantID string) {
	m.cache.invalidate(tenantID)
}

// tenantConfig loads the tenant's stored preference, substituting an empty
// config when the tenant has none (meaning: use fallback order).
func (m *Manager) tenantConfig(ctx context.Context, tenantID string) (*tenant.StorageConfig, error) {
	cfg, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &tenant.StorageConfig{TenantID: tenantID}
	}
	return cfg, nil
}

// backend returns the cached or newly-constructed adapter for a tenant.
func (m *Manager) backend(ctx context.Context, cfg *tenant.StorageConfig, id storage.BackendID) (storage.Backend, error) {
	key := clientKey{TenantID: cfg.TenantID, Backend: id}
	if b, ok := m.cache.get(key); ok {
		return b, nil
	}

	ctor, ok := m.registry[id]
	if !ok {
		return nil, &storage.ConfigurationError{Backend: id, Reason: "no such backend registered"}
	}
	b, err := ctor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.cache.put(key, b)
	return b, nil
}

// available probes one backend for a tenant, bounded by the probe timeout.
// A timed-out or failed probe is "unavailable", never an error.
func (m *Manager) available(ctx context.Context, cfg *tenant.StorageConfig, id storage.BackendID) (storage.Backend, bool) {
	b, err := m.backend(ctx, cfg, id)
	if err != nil {
		logging.Debug("backend unavailable",
			zap.String("tenant", cfg.TenantID),
			zap.String("backend", id.String()),
			zap.Error(err))
		return nil, false
	}

	ok, err := storage.WithTimeout(ctx, m.probeTimeout, func(context.Context) (bool, error) {
		return b.Available(), nil
	})
	if err != nil {
		if storage.IsTimeout(err) {
			metrics.RecordProbeTimeout(id.String())
		}
		return nil, false
	}
	return b, ok
}

// Select resolves which adapter serves a tenant's request: the preferred
// backend when set and available, otherwise the first available backend in
// the fallback order, otherwise the local backend unconditionally. A
// preferred backend that has become permanently unavailable never blocks
// operations.
func (m *Manager) Select(ctx context.Context, tenantID string) (storage.Backend, error) {
	cfg, err := m.tenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.selectFor(ctx, cfg), nil
}

func (m *Manager) selectFor(ctx context.Context, cfg *tenant.StorageConfig) storage.Backend {
	if cfg.PreferredBackend != nil {
		if b, ok := m.available(ctx, cfg, *cfg.PreferredBackend); ok {
			return b
		}
		logging.Warn("preferred backend unavailable, falling back",
			zap.String("tenant", cfg.TenantID),
			zap.String("preferred", cfg.PreferredBackend.String()))
	}

	for _, id := range m.FallbackOrder() {
		if b, ok := m.available(ctx, cfg, id); ok {
			return b
		}
	}

	// Last resort: local storage has no external dependency.
	b, err := m.backend(ctx, cfg, storage.BackendLocal)
	if err != nil {
		// Only possible when the local root is unusable; surfaced on
		// the operation attempt instead.
		logging.Error("local fallback construction failed", zap.Error(err))
		return nil
	}
	return b
}

// tryInOrder walks the fallback order, skipping the excluded backend and
// unavailable ones, applying op to each until one succeeds. It is the one
// generic fallback chain used for upload, and reusable for any operation.
func tryInOrder[T any](ctx context.Context, m *Manager, cfg *tenant.StorageConfig, exclude storage.BackendID, op func(context.Context, storage.Backend) (T, error)) (T, storage.BackendID, map[storage.BackendID]error) {
	attempts := map[storage.BackendID]error{}
	var zero T

	for _, id := range m.FallbackOrder() {
		if id == exclude {
			continue
		}
		b, ok := m.available(ctx, cfg, id)
		if !ok {
			attempts[id] = &storage.ConfigurationError{Backend: id, Reason: "unavailable"}
			continue
		}
		res, err := op(ctx, b)
		if err != nil {
			attempts[id] = err
			logging.Warn("fallback attempt failed",
				zap.String("tenant", cfg.TenantID),
				zap.String("backend", id.String()),
				zap.Error(err))
			continue
		}
		return res, id, attempts
	}
	return zero, "", attempts
}

// Upload stores one file, transparently retrying across the fallback order
// when the selected backend fails. Exhaustion of the whole order raises
// AllProvidersFailedError, the one error this layer treats as fatal.
func (m *Manager) Upload(ctx context.Context, tenantID string, req *storage.UploadRequest) (*storage.UploadResult, error) {
	if m.maxUpload > 0 && req.SizeBytes > m.maxUpload {
		return nil, fmt.Errorf("upload %s: size %d exceeds limit %d",
			req.OriginalFilename, req.SizeBytes, m.maxUpload)
	}

	cfg, err := m.tenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	req.TenantID = tenantID

	// A failed backend may have drained part of the content stream, so it
	// must be rewindable before any fallback attempt sees it.
	rewind, err := replayableContent(req)
	if err != nil {
		return nil, fmt.Errorf("buffer upload content: %w", err)
	}

	first := m.selectFor(ctx, cfg)
	attempts := map[storage.BackendID]error{}
	var firstID storage.BackendID

	if first != nil {
		firstID = first.ID()
		res, err := first.Upload(ctx, req)
		if err == nil {
			m.notifyIndex(ctx, tenantID, res)
			return res, nil
		}
		attempts[firstID] = err
		logging.Warn("upload failed on selected backend, trying fallback order",
			zap.String("tenant", tenantID),
			zap.String("backend", firstID.String()),
			zap.Error(err))
	}

	res, servedBy, rest := tryInOrder(ctx, m, cfg, firstID, func(ctx context.Context, b storage.Backend) (*storage.UploadResult, error) {
		if err := rewind(); err != nil {
			return nil, err
		}
		return b.Upload(ctx, req)
	})
	for id, err := range rest {
		attempts[id] = err
	}

	if servedBy == "" {
		metrics.RecordAllProvidersFailed()
		return nil, &storage.AllProvidersFailedError{Attempts: attempts}
	}

	res.FallbackUsed = true
	res.OriginalBackendAttempted = firstID
	metrics.RecordFallback(firstID.String(), servedBy.String())
	logging.Info("upload served by fallback backend",
		zap.String("tenant", tenantID),
		zap.String("attempted", firstID.String()),
		zap.String("served_by", servedBy.String()))

	m.notifyIndex(ctx, tenantID, res)
	return res, nil
}

// replayableContent makes the request body rewindable so every attempt in
// the fallback chain reads the full content from the start. Seekable readers
// are rewound in place; anything else is buffered once up front.
func replayableContent(req *storage.UploadRequest) (func() error, error) {
	if req.Content == nil {
		return func() error { return nil }, nil
	}
	if rs, ok := req.Content.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err == nil {
			return func() error {
				_, err := rs.Seek(start, io.SeekStart)
				return err
			}, nil
		}
	}

	buf, err := io.ReadAll(req.Content)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(buf)
	req.Content = r
	return func() error {
		_, err := r.Seek(0, io.SeekStart)
		return err
	}, nil
}

// UploadMany fans out uploads concurrently; each file independently gets
// the full selection-and-fallback treatment. The result partitions
// successes and failures and never fails as a whole.
func (m *Manager) UploadMany(ctx context.Context, tenantID string, reqs []*storage.UploadRequest) *storage.BatchResult {
	return storage.UploadMany(ctx, func(ctx context.Context, req *storage.UploadRequest) (*storage.UploadResult, error) {
		return m.Upload(ctx, tenantID, req)
	}, reqs)
}

// notifyIndex tells the asset index about a successful upload; the index
// is best-effort and its failure never affects the upload result.
func (m *Manager) notifyIndex(ctx context.Context, tenantID string, res *storage.UploadResult) {
	if m.index == nil {
		return
	}
	if err := m.index.RecordUpload(ctx, tenantID, res); err != nil {
		logging.Warn("asset index notification failed",
			zap.String("tenant", tenantID),
			zap.String("path", res.StoragePath),
			zap.Error(err))
	}
}

// Delete removes a file on the selected backend, or on the hinted backend
// when the caller knows where the file lives.
func (m *Manager) Delete(ctx context.Context, tenantID, path string, hint storage.BackendID) (*storage.DeleteResult, error) {
	b, err := m.route(ctx, tenantID, hint)
	if err != nil {
		return nil, err
	}
	return b.Delete(ctx, path)
}

// List returns folder contents on the selected backend, bounded by the
// listing timeout. On timeout it returns an empty result rather than
// propagating the hang.
func (m *Manager) List(ctx context.Context, tenantID, folder string, page storage.Page) (*storage.ListResult, error) {
	b, err := m.route(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	res, err := storage.WithTimeout(ctx, m.listTimeout, func(ctx context.Context) (*storage.ListResult, error) {
		return b.List(ctx, folder, page)
	})
	if storage.IsTimeout(err) {
		logging.Warn("listing timed out",
			zap.String("tenant", tenantID),
			zap.String("backend", b.ID().String()))
		return &storage.ListResult{Files: []storage.FileInfo{}}, nil
	}
	return res, err
}

// Move relocates a file on the selected backend.
func (m *Manager) Move(ctx context.Context, tenantID, from, to string) (*storage.MoveResult, error) {
	b, err := m.route(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	return b.Move(ctx, from, to)
}

// Copy duplicates a file on the selected backend.
func (m *Manager) Copy(ctx context.Context, tenantID, from, to string) (*storage.CopyResult, error) {
	b, err := m.route(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	return b.Copy(ctx, from, to)
}

// Stats reports tenant usage on the selected backend, bounded by the
// listing timeout with a neutral result on timeout.
func (m *Manager) Stats(ctx context.Context, tenantID string) (*storage.StorageStats, error) {
	b, err := m.route(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	res, err := storage.WithTimeout(ctx, m.listTimeout, func(ctx context.Context) (*storage.StorageStats, error) {
		return b.Stats(ctx)
	})
	if storage.IsTimeout(err) {
		return &storage.StorageStats{ByMimeType: map[string]int64{}}, nil
	}
	return res, err
}

// SignedURL issues a time-limited URL on the selected backend.
func (m *Manager) SignedURL(ctx context.Context, tenantID, path string, ttl time.Duration) (*storage.SignedURL, error) {
	b, err := m.route(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	return b.SignedURL(ctx, path, ttl)
}

// TestConnection checks connectivity of the selected backend.
func (m *Manager) TestConnection(ctx context.Context, tenantID string) (*storage.ConnectionResult, error) {
	b, err := m.route(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	return b.TestConnection(ctx)
}

// BackendStatus reports one backend's availability for a tenant.
type BackendStatus struct {
	Backend   storage.BackendID `json:"backend"`
	Available bool              `json:"available"`
}

// Status reports per-backend availability for operator and API callers,
// each probe bounded by the probe timeout.
func (m *Manager) Status(ctx context.Context, tenantID string) ([]BackendStatus, error) {
	cfg, err := m.tenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := make([]BackendStatus, 0, len(storage.AllBackends))
	for _, id := range storage.AllBackends {
		_, ok := m.available(ctx, cfg, id)
		out = append(out, BackendStatus{Backend: id, Available: ok})
	}
	return out, nil
}

// route picks the backend for a non-upload operation: the hinted backend
// when given, the tenant's selected backend otherwise.
func (m *Manager) route(ctx context.Context, tenantID string, hint storage.BackendID) (storage.Backend, error) {
	cfg, err := m.tenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if hint != "" {
		return m.backend(ctx, cfg, hint)
	}
	b := m.selectFor(ctx, cfg)
	if b == nil {
		return nil, &storage.ConfigurationError{Backend: storage.BackendLocal, Reason: "no storage backend available"}
	}
	return b, nil
}
