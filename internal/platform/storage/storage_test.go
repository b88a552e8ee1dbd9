package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingengine/internal/config"
)

// fakeSupabase answers the two storage endpoints the service talks to:
// object upload and object signing.
func fakeSupabase(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/storage/v1/object/sign/"):
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
			signedPath := strings.TrimPrefix(r.URL.Path, "/storage/v1")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"signedURL": signedPath + "?token=abc",
			})
		case strings.HasPrefix(r.URL.Path, "/storage/v1/object/"):
			_ = json.NewEncoder(w).Encode(map[string]string{"Key": strings.TrimPrefix(r.URL.Path, "/storage/v1/object/")})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestService(t *testing.T, srv *httptest.Server, publicBucket bool) *Service {
	t.Helper()
	svc, err := New(config.Config{
		SupabaseURL:          srv.URL,
		SupabaseServiceKey:   "service-key",
		SupabaseBucket:       "listing-images",
		SupabaseBucketPublic: publicBucket,
	})
	require.NoError(t, err)
	require.NotNil(t, svc.client)
	return svc
}

func TestUploadPublicBucketReturnsPublicURL(t *testing.T) {
	srv := fakeSupabase(t)
	defer srv.Close()
	svc := newTestService(t, srv, true)

	url, err := svc.Upload(context.Background(), "previews/p1/a.jpg", []byte("jpegdata"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/listing-images/previews/p1/a.jpg", url)
}

func TestUploadPrivateBucketReturnsSignedURL(t *testing.T) {
	srv := fakeSupabase(t)
	defer srv.Close()
	svc := newTestService(t, srv, false)

	url, err := svc.Upload(context.Background(), "previews/p1/a.jpg", []byte("jpegdata"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/sign/listing-images/previews/p1/a.jpg?token=abc", url)
}

func TestSignedURLRequiresConfig(t *testing.T) {
	svc := &Service{cfg: config.Config{}}
	_, err := svc.SignedURL("listing-images", "previews/p1/a.jpg", 60)
	require.Error(t, err)
}

func TestBaseURLCoversPublicAndSignedObjects(t *testing.T) {
	srv := fakeSupabase(t)
	defer srv.Close()
	svc := newTestService(t, srv, true)

	base := svc.BaseURL()
	assert.Equal(t, srv.URL+"/storage/v1/object/", base)

	public, err := svc.Upload(context.Background(), "previews/p1/a.jpg", []byte("jpegdata"), "image/jpeg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(public, base))
}
