package bucketapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/assetbay/assetbay/internal/storage"
	"github.com/assetbay/assetbay/internal/tenant"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "acme",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newTestBackend(t *testing.T, srv *httptest.Server, accessToken string) *Backend {
	t.Helper()
	b, err := New(Config{
		TenantID: "acme",
		Credentials: &tenant.BucketAPICredentials{
			BaseURL:     srv.URL,
			ServiceKey:  "service-key",
			AccessToken: accessToken,
		},
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestTokenExpired(t *testing.T) {
	if tokenExpired(signedToken(t, time.Now().Add(time.Hour))) {
		t.Error("token valid for an hour should not count as expired")
	}
	if !tokenExpired(signedToken(t, time.Now().Add(-time.Minute))) {
		t.Error("past-exp token should count as expired")
	}
	// Within the refresh skew counts as expired too.
	if !tokenExpired(signedToken(t, time.Now().Add(10*time.Second))) {
		t.Error("token inside the skew window should count as expired")
	}
	if tokenExpired("not-a-jwt") {
		t.Error("unparseable token should not count as expired")
	}
}

// slowRefresher counts refreshes and holds each one long enough for
// concurrent callers to pile up.
type slowRefresher struct {
	calls atomic.Int32
	fresh string
}

func (r *slowRefresher) Refresh(context.Context, string) (string, error) {
	r.calls.Add(1)
	time.Sleep(100 * time.Millisecond)
	return r.fresh, nil
}

func TestConcurrentCallsShareOneRefresh(t *testing.T) {
	refresher := &slowRefresher{fresh: signedToken(t, time.Now().Add(time.Hour))}
	b, err := New(Config{
		TenantID: "acme",
		Credentials: &tenant.BucketAPICredentials{
			BaseURL:     "http://localhost:1",
			ServiceKey:  "service-key",
			AccessToken: signedToken(t, time.Now().Add(-time.Minute)),
		},
		Refresher: refresher,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i] = b.token(ctx)
		}(i)
	}
	wg.Wait()

	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("refresher invoked %d times for concurrent callers, want 1", got)
	}
	for i, tok := range tokens {
		if tok != refresher.fresh {
			t.Errorf("caller %d got %q, want the refreshed token", i, tok)
		}
	}

	// The fresh token is cached; no further refresh.
	if b.token(ctx) != refresher.fresh {
		t.Error("cached token lost after refresh")
	}
	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("refresher invoked %d times after caching, want 1", got)
	}
}

func TestUploadCreatesBucketsOnce(t *testing.T) {
	var bucketCreates, objectPuts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/storage/v1/bucket":
			bucketCreates.Add(1)
			// second round: already exists
			if bucketCreates.Load() > 2 {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error":"Bucket already exists"}`))
				return
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/storage/v1/object/"):
			objectPuts.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := newTestBackend(t, srv, "")
	ctx := context.Background()

	res, err := b.Upload(ctx, &storage.UploadRequest{
		TenantID:         "acme",
		Content:          strings.NewReader("pixels"),
		OriginalFilename: "testimage.png",
		MimeType:         "image/png",
		Options:          storage.UploadOptions{UseOrganizedStructure: true, AssetType: storage.AssetTypeAsset, IsPublic: true},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.StoragePath != "tenants/acme/assets/t/e/testimage.png" {
		t.Errorf("StoragePath = %q", res.StoragePath)
	}
	if !strings.Contains(res.PublicURL, "/object/public/"+BucketAssets+"/") {
		t.Errorf("PublicURL = %q, want public assets shape", res.PublicURL)
	}

	// Second upload reuses the prepared buckets.
	if _, err := b.Upload(ctx, &storage.UploadRequest{
		TenantID:         "acme",
		Content:          strings.NewReader("x"),
		OriginalFilename: "b.png",
		MimeType:         "image/png",
		Options:          storage.UploadOptions{UseOrganizedStructure: true, AssetType: storage.AssetTypeAsset},
	}); err != nil {
		t.Fatalf("second Upload: %v", err)
	}

	if got := bucketCreates.Load(); got != 2 {
		t.Errorf("bucket create calls = %d, want 2 (one per well-known bucket)", got)
	}
	if got := objectPuts.Load(); got != 2 {
		t.Errorf("object puts = %d, want 2", got)
	}
}

func TestAuthErrorRetriesWithServiceKey(t *testing.T) {
	var sawService atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer service-key" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid signature"}`))
			return
		}
		sawService.Store(true)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	b := newTestBackend(t, srv, signedToken(t, time.Now().Add(time.Hour)))

	res, err := b.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success after service-key retry, got %+v", res)
	}
	if !sawService.Load() {
		t.Error("service credential was never tried")
	}
}

func TestDeleteAbsentInBothBucketsIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	b := newTestBackend(t, srv, "")
	res, err := b.Delete(context.Background(), "tenants/acme/a/a/A.gif")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !res.Success {
		t.Error("deleting an absent file must succeed")
	}
}

func TestExtractPathFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	b := newTestBackend(t, srv, "")

	cases := []struct {
		name string
		url  string
		want string
	}{
		{
			"public url",
			srv.URL + "/storage/v1/object/public/assets/tenants/acme/t/e/testimage.png",
			"tenants/acme/t/e/testimage.png",
		},
		{
			"signed url",
			srv.URL + "/storage/v1/object/sign/originals/tenants/acme/1/2/123.pdf",
			"tenants/acme/1/2/123.pdf",
		},
		{
			"bare object url",
			srv.URL + "/storage/v1/object/originals/tenants/acme/misc/.hidden",
			"tenants/acme/misc/.hidden",
		},
		{
			"wrong host",
			"https://elsewhere.example/storage/v1/object/public/assets/tenants/acme/a.png",
			"",
		},
		{
			"no key after bucket",
			srv.URL + "/storage/v1/object/public/assets",
			"",
		},
	}
	for _, tc := range cases {
		if got := b.ExtractPathFromURL(tc.url); got != tc.want {
			t.Errorf("%s: ExtractPathFromURL(%q) = %q, want %q", tc.name, tc.url, got, tc.want)
		}
	}
}

func TestEscapeKey(t *testing.T) {
	got := escapeKey("tenants/acme/s/p/special@#$.png")
	want := "tenants/acme/s/p/special@%23$.png"
	if got != want {
		t.Errorf("escapeKey = %q, want %q", got, want)
	}
	if escapeKey("a/b/plain.png") != "a/b/plain.png" {
		t.Error("plain segments must pass through unchanged")
	}
}
