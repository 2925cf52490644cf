package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/handlers"
)

func TestRouterRoutes(t *testing.T) {
	require := require.New(t)
	router := NewRouter(config.Cli{APIToken: "secret", MaxConcurrentJobs: 5}, &handlers.APIHandlersCollection{})

	for _, route := range [][2]string{
		{"GET", "/ok"},
		{"POST", "/api/v1/videos/download"},
		{"POST", "/api/v1/videos/42/extract-audio"},
		{"POST", "/api/v1/videos/42/generate-srt"},
		{"POST", "/api/v1/videos/42/cancel"},
		{"GET", "/api/v1/videos/42/progress"},
		{"GET", "/api/v1/videos/42/processing-status"},
		{"GET", "/api/v1/videos/42/video-download-url"},
		{"GET", "/api/v1/videos/42/audio-download-url"},
		{"GET", "/api/v1/videos/42/srt-download-url"},
		{"GET", "/api/v1/videos/42/thumbnail-download-url"},
		{"GET", "/api/v1/videos/42/stream"},
		{"GET", "/api/v1/videos/42/video-download"},
		{"GET", "/api/v1/videos/42/audio-download"},
		{"GET", "/api/v1/videos/42/srt-download"},
		{"POST", "/api/v1/video-slice/validate-slice-data"},
		{"POST", "/api/v1/video-slice/process-slices"},
		{"GET", "/api/v1/video-slice/video-slices/42"},
		{"POST", "/api/v1/capcut/export-slice/7"},
		{"POST", "/api/v1/jianying/export-slice-jianying/7"},
		{"GET", "/api/v1/jianying/proxy-resource/users/1/projects/2/videos/3/source/clip.mp4"},
		{"GET", "/ws/progress/secret"},
	} {
		handle, _, _ := router.Lookup(route[0], route[1])
		require.NotNil(handle, "missing route %s %s", route[0], route[1])
	}
}

func TestVideoActionDispatch(t *testing.T) {
	called := false
	handle := videoAction("download", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		called = true
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/videos/download", nil)
	handle(rr, req, httprouter.Params{{Key: "id", Value: "download"}})
	require.True(t, called)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handle(rr, req, httprouter.Params{{Key: "id", Value: "42"}})
	require.Equal(t, http.StatusNotFound, rr.Code)
}
