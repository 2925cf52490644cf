package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-api/config"
	cerrors "github.com/clipforge/clipforge-api/errors"
)

// fakeBucket is a minimal path-style S3 endpoint good enough for the SDK's
// Put/Get/Head/Delete round trips.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/test-bucket/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		b.objects[key] = body
		w.Header().Set("ETag", `"fake"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		data, ok := b.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := b.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// The SDK's concurrent downloader fetches ranges.
		if rng := r.Header.Get("Range"); rng != "" {
			var start, end int
			_, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
			if err == nil {
				if end >= len(data) {
					end = len(data) - 1
				}
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
				w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(data[start : end+1])
				return
			}
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	case http.MethodDelete:
		delete(b.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestObjectStore(t *testing.T, publicEndpoint string) (*ObjectStore, *fakeBucket) {
	bucket := &fakeBucket{objects: map[string][]byte{}}
	server := httptest.NewServer(bucket)
	t.Cleanup(server.Close)

	endpoint, err := url.Parse(server.URL)
	require.NoError(t, err)
	cli := config.Cli{
		StorageEndpoint:  endpoint,
		StorageBucket:    "test-bucket",
		StorageAccessKey: "access",
		StorageSecretKey: "secret",
		StorageRegion:    "us-east-1",
		PresignTTL:       5 * time.Minute,
	}
	if publicEndpoint != "" {
		public, err := url.Parse(publicEndpoint)
		require.NoError(t, err)
		cli.StoragePublicEndpoint = public
	}
	store, err := NewObjectStore(cli)
	require.NoError(t, err)
	return store, bucket
}

func TestObjectStoreRoundTrip(t *testing.T) {
	store, bucket := newTestObjectStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.PutBytes(ctx, "test", "users/1/projects/2/subtitles/3.srt", []byte("1\n00:00:00,000 --> 00:00:01,000\nhi\n"), ""))
	require.Contains(t, bucket.objects, "users/1/projects/2/subtitles/3.srt")

	data, err := store.ReadAll(ctx, "users/1/projects/2/subtitles/3.srt")
	require.NoError(t, err)
	require.Contains(t, string(data), "00:00:00,000")

	info, err := store.Stat(ctx, "users/1/projects/2/subtitles/3.srt")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size)

	exists, err := store.Exists(ctx, "users/1/projects/2/subtitles/3.srt")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, store.Delete(ctx, "users/1/projects/2/subtitles/3.srt"))
	exists, err = store.Exists(ctx, "users/1/projects/2/subtitles/3.srt")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestObjectStorePutAndDownloadFile(t *testing.T) {
	store, _ := newTestObjectStore(t, "")
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte("not really mp4"), 0644))

	size, err := store.PutFile(ctx, "test", src, "users/1/projects/2/videos/9.mp4", "video/mp4")
	require.NoError(t, err)
	require.Equal(t, int64(14), size)

	dst := filepath.Join(t.TempDir(), "out", "clip.mp4")
	require.NoError(t, store.DownloadTo(ctx, "test", "users/1/projects/2/videos/9.mp4", dst))
	copied, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "not really mp4", string(copied))
}

func TestObjectStoreNotFound(t *testing.T) {
	store, _ := newTestObjectStore(t, "")
	_, err := store.Stat(context.Background(), "users/1/projects/2/videos/missing.mp4")
	require.Error(t, err)
	require.True(t, cerrors.IsObjectNotFound(err))

	_, err = store.ReadAll(context.Background(), "users/1/projects/2/videos/missing.mp4")
	require.Error(t, err)
	require.True(t, cerrors.IsObjectNotFound(err))
}

func TestPresignPublicSwapsHostOnly(t *testing.T) {
	store, _ := newTestObjectStore(t, "https://media.example.com")

	signed, err := store.Presign("users/1/projects/2/videos/9.mp4", time.Minute)
	require.NoError(t, err)
	require.Contains(t, signed, "X-Amz-Signature=")

	public, err := store.SwapToPublic(signed)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(public, "https://media.example.com/"))

	// The signed path and query must survive the swap byte for byte.
	internalURL, err := url.Parse(signed)
	require.NoError(t, err)
	wantSuffix := strings.TrimPrefix(signed, internalURL.Scheme+"://"+internalURL.Host)
	require.Equal(t, "https://media.example.com"+wantSuffix, public)
}

func TestSwapToPublicPassesForeignURLs(t *testing.T) {
	store, _ := newTestObjectStore(t, "https://media.example.com")
	out, err := store.SwapToPublic("https://cdn.elsewhere.net/asset.mp3?sig=abc")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.elsewhere.net/asset.mp3?sig=abc", out)
}

func TestSwapToPublicNoopWithoutPublicEndpoint(t *testing.T) {
	store, _ := newTestObjectStore(t, "")
	out, err := store.SwapToPublic("http://internal:9000/test-bucket/a?X-Amz-Signature=zz")
	require.NoError(t, err)
	require.Equal(t, "http://internal:9000/test-bucket/a?X-Amz-Signature=zz", out)
}
