package clients

import (
	"context"
	"encoding/base64"
	"encoding/json"
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

	"github.com/stretchr/testify/require"

	cerrors "github.com/clipforge/clipforge-api/errors"
)

// fakeTUSServer implements enough of the resumable-upload protocol for the
// client's create-then-patch flow.
type fakeTUSServer struct {
	mu           sync.Mutex
	baseURL      string
	uploadLength int64
	metadata     string
	received     []byte
	patchOffsets []int64
	failPatches  int   // fail this many PATCH requests with 500 before accepting
	skewOffsetBy int64 // report a wrong offset after each PATCH
}

func (s *fakeTUSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/files":
		s.uploadLength, _ = strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
		s.metadata = r.Header.Get("Upload-Metadata")
		w.Header().Set("Location", s.baseURL+"/files/upload-1")
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPatch && r.URL.Path == "/files/upload-1":
		if s.failPatches > 0 {
			s.failPatches--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		offset, _ := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
		if offset != int64(len(s.received)) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.received = append(s.received, body...)
		s.patchOffsets = append(s.patchOffsets, offset)
		w.Header().Set("Upload-Offset", strconv.FormatInt(int64(len(s.received))+s.skewOffsetBy, 10))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTUSTestFixture(t *testing.T, server *fakeTUSServer) (*TUSClient, *TUSJob, string) {
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	server.baseURL = ts.URL

	base, err := url.Parse(ts.URL + "/jobs")
	require.NoError(t, err)
	client, err := NewTUSClient(base, "whisper", "zh")
	require.NoError(t, err)
	client.chunkSize = 4

	audioPath := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("abcdefghij"), 0644))

	job := &TUSJob{TaskID: "job-1", UploadURL: ts.URL + "/files"}
	return client, job, audioPath
}

func TestTUSUploadChunked(t *testing.T) {
	server := &fakeTUSServer{}
	client, job, audioPath := newTUSTestFixture(t, server)

	require.NoError(t, client.Upload(context.Background(), "test", job, audioPath))

	require.Equal(t, []byte("abcdefghij"), server.received)
	require.Equal(t, []int64{0, 4, 8}, server.patchOffsets)
	require.Equal(t, int64(10), server.uploadLength)
	require.Contains(t, server.metadata, "task_id "+base64.StdEncoding.EncodeToString([]byte("job-1")))
	require.Contains(t, server.metadata, "filename "+base64.StdEncoding.EncodeToString([]byte("audio.wav")))
}

func TestTUSUploadRetriesFailedChunk(t *testing.T) {
	server := &fakeTUSServer{failPatches: 2}
	client, job, audioPath := newTUSTestFixture(t, server)

	require.NoError(t, client.Upload(context.Background(), "test", job, audioPath))
	require.Equal(t, []byte("abcdefghij"), server.received)
}

func TestTUSUploadDetectsOffsetDesync(t *testing.T) {
	server := &fakeTUSServer{skewOffsetBy: 1}
	client, job, audioPath := newTUSTestFixture(t, server)

	err := client.Upload(context.Background(), "test", job, audioPath)
	require.Error(t, err)
	require.True(t, cerrors.IsUpstreamProtocol(err))
	require.Contains(t, err.Error(), "desynced")
}

func TestTUSCreateJob(t *testing.T) {
	var gotBody map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = fmt.Fprint(w, `{"task_id":"job-9","upload_url":"http://asr.internal/files"}`)
	}))
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL)
	require.NoError(t, err)
	client, err := NewTUSClient(base, "whisper", "zh")
	require.NoError(t, err)

	audioPath := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("0123456789abcdef"), 0644))

	job, err := client.CreateJob(context.Background(), "test", audioPath, "http://10.0.0.5:9090/callback")
	require.NoError(t, err)
	require.Equal(t, "job-9", job.TaskID)
	require.Equal(t, "http://asr.internal/files", job.UploadURL)

	require.Equal(t, "voice.wav", gotBody["filename"])
	require.Equal(t, float64(16), gotBody["filesize"])
	require.Equal(t, "zh", gotBody["language"])
	require.Equal(t, "whisper", gotBody["model"])
	require.Equal(t, "http://10.0.0.5:9090/callback", gotBody["callback_url"])
}

func TestTUSCreateJobRejectsIncompleteResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"task_id":"job-9"}`)
	}))
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL)
	require.NoError(t, err)
	client, err := NewTUSClient(base, "whisper", "zh")
	require.NoError(t, err)

	audioPath := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("abc"), 0644))

	_, err = client.CreateJob(context.Background(), "test", audioPath, "http://127.0.0.1:9090/callback")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "upload_url"))
}
