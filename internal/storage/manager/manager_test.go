package manager

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/assetbay/assetbay/internal/storage"
	"github.com/assetbay/assetbay/internal/tenant"
)

// fakeBackend is a scriptable in-memory storage.Backend. Upload drains the
// request body the way a real adapter would before failing or succeeding.
type fakeBackend struct {
	id         storage.BackendID
	available  bool
	probeDelay time.Duration
	uploadErr  error
	listDelay  time.Duration

	uploads atomic.Int32
	deletes atomic.Int32

	mu       sync.Mutex
	lastBody []byte
}

func (f *fakeBackend) body() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.lastBody...)
}

func (f *fakeBackend) ID() storage.BackendID { return f.id }

func (f *fakeBackend) Available() bool {
	if f.probeDelay > 0 {
		time.Sleep(f.probeDelay)
	}
	return f.available
}

func (f *fakeBackend) Upload(_ context.Context, req *storage.UploadRequest) (*storage.UploadResult, error) {
	f.uploads.Add(1)
	if req.Content != nil {
		body, err := io.ReadAll(req.Content)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.lastBody = body
		f.mu.Unlock()
	}
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &storage.UploadResult{
		Success:     true,
		Backend:     f.id,
		StoragePath: storage.ObjectKey(req),
		Filename:    req.OriginalFilename,
		MimeType:    req.MimeType,
		SizeBytes:   req.SizeBytes,
	}, nil
}

func (f *fakeBackend) Delete(context.Context, string) (*storage.DeleteResult, error) {
	f.deletes.Add(1)
	return &storage.DeleteResult{Success: true}, nil
}

func (f *fakeBackend) List(ctx context.Context, _ string, _ storage.Page) (*storage.ListResult, error) {
	if f.listDelay > 0 {
		select {
		case <-time.After(f.listDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &storage.ListResult{
		Files: []storage.FileInfo{{Name: "a.png"}},
		Total: 1,
	}, nil
}

func (f *fakeBackend) Move(_ context.Context, _, to string) (*storage.MoveResult, error) {
	return &storage.MoveResult{NewPath: to}, nil
}

func (f *fakeBackend) Copy(_ context.Context, _, to string) (*storage.CopyResult, error) {
	return &storage.CopyResult{CopiedPath: to}, nil
}

func (f *fakeBackend) Stats(context.Context) (*storage.StorageStats, error) {
	return &storage.StorageStats{TotalFiles: 1, ByMimeType: map[string]int64{}}, nil
}

func (f *fakeBackend) SignedURL(_ context.Context, path string, ttl time.Duration) (*storage.SignedURL, error) {
	return &storage.SignedURL{URL: "https://signed/" + path, TTL: ttl}, nil
}

func (f *fakeBackend) TestConnection(context.Context) (*storage.ConnectionResult, error) {
	return &storage.ConnectionResult{Success: f.available}, nil
}

func (f *fakeBackend) ExtractPathFromURL(string) string { return "" }

// fakeStore is an in-memory tenant.ConfigStore.
type fakeStore struct {
	configs map[string]*tenant.StorageConfig
}

func (s *fakeStore) Get(_ context.Context, tenantID string) (*tenant.StorageConfig, error) {
	return s.configs[tenantID], nil
}

type harness struct {
	mgr      *Manager
	backends map[storage.BackendID]*fakeBackend
	built    map[storage.BackendID]*atomic.Int32
}

func newHarness(t *testing.T, store tenant.ConfigStore, order []storage.BackendID, backends map[storage.BackendID]*fakeBackend) *harness {
	t.Helper()
	if store == nil {
		store = &fakeStore{}
	}

	mgr, err := New(Options{
		Store:         store,
		FallbackOrder: order,
		ProbeTimeout:  100 * time.Millisecond,
		ListTimeout:   200 * time.Millisecond,
		LocalRoot:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &harness{mgr: mgr, backends: backends, built: map[storage.BackendID]*atomic.Int32{}}
	registry := map[storage.BackendID]Constructor{}
	for id, fb := range backends {
		id, fb := id, fb
		counter := &atomic.Int32{}
		h.built[id] = counter
		registry[id] = func(context.Context, *tenant.StorageConfig) (storage.Backend, error) {
			counter.Add(1)
			return fb, nil
		}
	}
	mgr.registry = registry
	return h
}

func uploadReq(name string) *storage.UploadRequest {
	return &storage.UploadRequest{
		Content:          strings.NewReader("data"),
		OriginalFilename: name,
		MimeType:         "image/png",
		SizeBytes:        4,
		Options:          storage.UploadOptions{UseOrganizedStructure: true, AssetType: storage.AssetTypeAsset},
	}
}

func preferred(id storage.BackendID) *storage.BackendID { return &id }

func TestSelectPreferredBackend(t *testing.T) {
	store := &fakeStore{configs: map[string]*tenant.StorageConfig{
		"acme": {TenantID: "acme", PreferredBackend: preferred(storage.BackendS3)},
	}}
	h := newHarness(t, store,
		[]storage.BackendID{storage.BackendBucketAPI, storage.BackendS3, storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{
			storage.BackendBucketAPI: {id: storage.BackendBucketAPI, available: true},
			storage.BackendS3:        {id: storage.BackendS3, available: true},
			storage.BackendLocal:     {id: storage.BackendLocal, available: true},
		})

	b, err := h.mgr.Select(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if b.ID() != storage.BackendS3 {
		t.Errorf("selected %s, want preferred %s", b.ID(), storage.BackendS3)
	}
}

func TestSelectFallsBackWhenPreferredUnavailable(t *testing.T) {
	store := &fakeStore{configs: map[string]*tenant.StorageConfig{
		"acme": {TenantID: "acme", PreferredBackend: preferred(storage.BackendS3)},
	}}
	h := newHarness(t, store,
		[]storage.BackendID{storage.BackendS3, storage.BackendGCS, storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{
			storage.BackendS3:    {id: storage.BackendS3, available: false},
			storage.BackendGCS:   {id: storage.BackendGCS, available: true},
			storage.BackendLocal: {id: storage.BackendLocal, available: true},
		})

	b, err := h.mgr.Select(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if b.ID() != storage.BackendGCS {
		t.Errorf("selected %s, want first available fallback %s", b.ID(), storage.BackendGCS)
	}
}

func TestSelectNoConfigUsesFallbackOrder(t *testing.T) {
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendBucketAPI, storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{
			storage.BackendBucketAPI: {id: storage.BackendBucketAPI, available: true},
			storage.BackendLocal:     {id: storage.BackendLocal, available: true},
		})

	b, err := h.mgr.Select(context.Background(), "unknown-tenant")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if b.ID() != storage.BackendBucketAPI {
		t.Errorf("selected %s, want first in order", b.ID())
	}
}

func TestUploadDirectSuccessHasNoFallbackMarkers(t *testing.T) {
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendS3, storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{
			storage.BackendS3:    {id: storage.BackendS3, available: true},
			storage.BackendLocal: {id: storage.BackendLocal, available: true},
		})

	res, err := h.mgr.Upload(context.Background(), "acme", uploadReq("a.png"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Backend != storage.BackendS3 {
		t.Errorf("Backend = %s, want %s", res.Backend, storage.BackendS3)
	}
	if res.FallbackUsed || res.OriginalBackendAttempted != "" {
		t.Errorf("direct success must not carry fallback markers: %+v", res)
	}
}

func TestUploadFallsBackAndMarksResult(t *testing.T) {
	s3 := &fakeBackend{id: storage.BackendS3, available: true, uploadErr: errors.New("bucket gone")}
	loc := &fakeBackend{id: storage.BackendLocal, available: true}
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendS3, storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{storage.BackendS3: s3, storage.BackendLocal: loc})

	res, err := h.mgr.Upload(context.Background(), "acme", uploadReq("a.png"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Backend != storage.BackendLocal {
		t.Errorf("Backend = %s, want fallback %s", res.Backend, storage.BackendLocal)
	}
	if !res.FallbackUsed {
		t.Error("FallbackUsed must be set")
	}
	if res.OriginalBackendAttempted != storage.BackendS3 {
		t.Errorf("OriginalBackendAttempted = %s, want %s", res.OriginalBackendAttempted, storage.BackendS3)
	}
	if got := s3.uploads.Load(); got != 1 {
		t.Errorf("failing backend attempted %d times, want 1", got)
	}
}

func TestUploadFallbackReplaysContent(t *testing.T) {
	const content = "hello world"

	cases := []struct {
		name   string
		reader func() io.Reader
	}{
		{"seekable reader", func() io.Reader { return strings.NewReader(content) }},
		{"plain stream", func() io.Reader { return io.LimitReader(strings.NewReader(content), int64(len(content))) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// First backend drains the body before failing.
			s3 := &fakeBackend{id: storage.BackendS3, available: true, uploadErr: errors.New("dropped connection")}
			loc := &fakeBackend{id: storage.BackendLocal, available: true}
			h := newHarness(t, nil,
				[]storage.BackendID{storage.BackendS3, storage.BackendLocal},
				map[storage.BackendID]*fakeBackend{storage.BackendS3: s3, storage.BackendLocal: loc})

			req := uploadReq("a.png")
			req.Content = tc.reader()
			req.SizeBytes = int64(len(content))

			res, err := h.mgr.Upload(context.Background(), "acme", req)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if !res.FallbackUsed {
				t.Error("FallbackUsed must be set")
			}
			if got := string(s3.body()); got != content {
				t.Errorf("first attempt read %q, want the full body", got)
			}
			if got := string(loc.body()); got != content {
				t.Errorf("fallback stored %q, want %q", got, content)
			}
		})
	}
}

func TestUploadExhaustionRaisesAllProvidersFailed(t *testing.T) {
	s3 := &fakeBackend{id: storage.BackendS3, available: true, uploadErr: errors.New("bucket gone")}
	loc := &fakeBackend{id: storage.BackendLocal, available: true, uploadErr: errors.New("disk full")}
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendS3, storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{storage.BackendS3: s3, storage.BackendLocal: loc})

	_, err := h.mgr.Upload(context.Background(), "acme", uploadReq("a.png"))
	var apf *storage.AllProvidersFailedError
	if !errors.As(err, &apf) {
		t.Fatalf("got %v, want AllProvidersFailedError", err)
	}
	if len(apf.Attempts) != 2 {
		t.Errorf("Attempts = %d backends, want 2", len(apf.Attempts))
	}
	if apf.Attempts[storage.BackendS3] == nil || apf.Attempts[storage.BackendLocal] == nil {
		t.Errorf("missing per-backend reasons: %+v", apf.Attempts)
	}
}

func TestProbeTimeoutTreatedAsUnavailable(t *testing.T) {
	slow := &fakeBackend{id: storage.BackendS3, available: true, probeDelay: 2 * time.Second}
	loc := &fakeBackend{id: storage.BackendLocal, available: true}
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendS3, storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{storage.BackendS3: slow, storage.BackendLocal: loc})

	start := time.Now()
	b, err := h.mgr.Select(context.Background(), "acme")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if b.ID() != storage.BackendLocal {
		t.Errorf("selected %s, want %s after probe timeout", b.ID(), storage.BackendLocal)
	}
	if elapsed > time.Second {
		t.Errorf("selection blocked %s on a hanging probe", elapsed)
	}
}

func TestUploadManyPartitionsPerFile(t *testing.T) {
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{
			storage.BackendLocal: {id: storage.BackendLocal, available: true},
		})

	reqs := []*storage.UploadRequest{uploadReq("a.png"), uploadReq("b.png"), uploadReq("c.png")}
	res := h.mgr.UploadMany(context.Background(), "acme", reqs)
	if len(res.Uploaded) != 3 || len(res.Failed) != 0 {
		t.Errorf("got %d/%d, want 3 uploaded, 0 failed", len(res.Uploaded), len(res.Failed))
	}
}

func TestClientCacheReusesAndInvalidates(t *testing.T) {
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{
			storage.BackendLocal: {id: storage.BackendLocal, available: true},
		})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.mgr.Select(ctx, "acme"); err != nil {
			t.Fatalf("Select: %v", err)
		}
	}
	if got := h.built[storage.BackendLocal].Load(); got != 1 {
		t.Errorf("constructed %d times, want 1 (cached)", got)
	}

	h.mgr.Invalidate("acme")
	if _, err := h.mgr.Select(ctx, "acme"); err != nil {
		t.Fatalf("Select after invalidate: %v", err)
	}
	if got := h.built[storage.BackendLocal].Load(); got != 2 {
		t.Errorf("constructed %d times after invalidation, want 2", got)
	}
}

func TestListTimeoutReturnsEmptyResult(t *testing.T) {
	slow := &fakeBackend{id: storage.BackendLocal, available: true, listDelay: 2 * time.Second}
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{storage.BackendLocal: slow})

	start := time.Now()
	res, err := h.mgr.List(context.Background(), "acme", "product/images", storage.Page{})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Files) != 0 {
		t.Errorf("timed-out listing should be empty, got %d files", len(res.Files))
	}
	if elapsed > time.Second {
		t.Errorf("listing blocked %s past the bound", elapsed)
	}
}

func TestDeleteHintRoutesDirectly(t *testing.T) {
	s3 := &fakeBackend{id: storage.BackendS3, available: true}
	loc := &fakeBackend{id: storage.BackendLocal, available: true}
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendLocal, storage.BackendS3},
		map[storage.BackendID]*fakeBackend{storage.BackendS3: s3, storage.BackendLocal: loc})

	res, err := h.mgr.Delete(context.Background(), "acme", "tenants/acme/a.png", storage.BackendS3)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !res.Success {
		t.Error("hinted delete should succeed")
	}
	if s3.deletes.Load() != 1 || loc.deletes.Load() != 0 {
		t.Errorf("delete routed to wrong backend: s3=%d local=%d", s3.deletes.Load(), loc.deletes.Load())
	}
}

func TestStatusReportsEveryBackend(t *testing.T) {
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{
			storage.BackendBucketAPI: {id: storage.BackendBucketAPI, available: false},
			storage.BackendS3:        {id: storage.BackendS3, available: true},
			storage.BackendGCS:       {id: storage.BackendGCS, available: false},
			storage.BackendLocal:     {id: storage.BackendLocal, available: true},
		})

	statuses, err := h.mgr.Status(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) != len(storage.AllBackends) {
		t.Fatalf("got %d statuses, want %d", len(statuses), len(storage.AllBackends))
	}
	byID := map[storage.BackendID]bool{}
	for _, s := range statuses {
		byID[s.Backend] = s.Available
	}
	if !byID[storage.BackendS3] || byID[storage.BackendGCS] {
		t.Errorf("availability wrong: %+v", byID)
	}
}

// recordingNotifier captures index notifications.
type recordingNotifier struct {
	calls atomic.Int32
	fail  bool
}

func (n *recordingNotifier) RecordUpload(context.Context, string, *storage.UploadResult) error {
	n.calls.Add(1)
	if n.fail {
		return errors.New("index down")
	}
	return nil
}

func TestIndexNotifiedBestEffort(t *testing.T) {
	notifier := &recordingNotifier{fail: true}
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{
			storage.BackendLocal: {id: storage.BackendLocal, available: true},
		})
	h.mgr.index = notifier

	res, err := h.mgr.Upload(context.Background(), "acme", uploadReq("a.png"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !res.Success {
		t.Error("index failure must not affect the upload result")
	}
	if notifier.calls.Load() != 1 {
		t.Errorf("notifier called %d times, want 1", notifier.calls.Load())
	}
}

func TestUploadRejectsOversized(t *testing.T) {
	loc := &fakeBackend{id: storage.BackendLocal, available: true}
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{storage.BackendLocal: loc})
	h.mgr.maxUpload = 2

	req := uploadReq("big.png")
	req.SizeBytes = 3
	if _, err := h.mgr.Upload(context.Background(), "acme", req); err == nil {
		t.Fatal("oversized upload should be rejected")
	}
	if loc.uploads.Load() != 0 {
		t.Error("no backend should be contacted for an oversized upload")
	}
}

func TestSetFallbackOrder(t *testing.T) {
	h := newHarness(t, nil,
		[]storage.BackendID{storage.BackendS3, storage.BackendLocal},
		map[storage.BackendID]*fakeBackend{
			storage.BackendS3:    {id: storage.BackendS3, available: true},
			storage.BackendLocal: {id: storage.BackendLocal, available: true},
		})

	h.mgr.SetFallbackOrder([]storage.BackendID{storage.BackendLocal, storage.BackendS3})
	b, err := h.mgr.Select(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if b.ID() != storage.BackendLocal {
		t.Errorf("selected %s, want reordered first %s", b.ID(), storage.BackendLocal)
	}

	// Empty replacement is ignored.
	h.mgr.SetFallbackOrder(nil)
	if got := h.mgr.FallbackOrder(); len(got) != 2 {
		t.Errorf("order wiped by empty reload: %v", got)
	}
}
