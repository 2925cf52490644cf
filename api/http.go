package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/editor"
	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/handlers"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/middleware"
)

func ListenAndServe(ctx context.Context, cli config.Cli, d *handlers.APIHandlersCollection) error {
	router := NewRouter(cli, d)
	server := http.Server{Addr: cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID(
		"Starting ClipForge API!",
		"version", config.Version,
		"host", cli.HTTPAddress,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewRouter(cli config.Cli, d *handlers.APIHandlersCollection) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(config.Logger)
	withAuth := middleware.IsAuthorized
	withCORS := middleware.AllowCORS()
	capacity := &middleware.CapacityMiddleware{}

	// gated admits pipeline work only while job capacity remains; authed is
	// for reads and control actions that must always go through; public is
	// for artifact routes fetched by players and editors, which cannot send
	// an Authorization header.
	gated := func(h httprouter.Handle) httprouter.Handle {
		return withLogging(withAuth(cli.APIToken, capacity.HasCapacity(d.Pipeline, cli.MaxConcurrentJobs, h)))
	}
	authed := func(h httprouter.Handle) httprouter.Handle {
		return withLogging(withAuth(cli.APIToken, h))
	}
	public := func(h httprouter.Handle) httprouter.Handle {
		return withLogging(withCORS(h))
	}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(d.Ok()))

	// Pipeline entry points. The download route rides the :id wildcard; see
	// videoAction.
	router.POST("/api/v1/videos/:id", gated(videoAction("download", d.DownloadVideo())))
	router.POST("/api/v1/videos/:id/extract-audio", gated(d.ExtractAudio()))
	router.POST("/api/v1/videos/:id/generate-srt", gated(d.GenerateSRT()))
	router.POST("/api/v1/videos/:id/cancel", authed(d.CancelVideo()))

	// Progress and status
	router.GET("/api/v1/videos/:id/progress", authed(d.VideoProgress()))
	router.GET("/api/v1/videos/:id/processing-status", authed(d.ProcessingStatus()))

	// Artifact access
	router.GET("/api/v1/videos/:id/video-download-url", authed(d.DownloadURL("video")))
	router.GET("/api/v1/videos/:id/audio-download-url", authed(d.DownloadURL("audio")))
	router.GET("/api/v1/videos/:id/srt-download-url", authed(d.DownloadURL("srt")))
	router.GET("/api/v1/videos/:id/thumbnail-download-url", authed(d.DownloadURL("thumbnail")))
	router.GET("/api/v1/videos/:id/stream", public(d.Stream()))
	router.GET("/api/v1/videos/:id/video-download", public(d.ProxyDownload("video")))
	router.GET("/api/v1/videos/:id/audio-download", public(d.ProxyDownload("audio")))
	router.GET("/api/v1/videos/:id/srt-download", public(d.ProxyDownload("srt")))

	// Slicing
	router.POST("/api/v1/video-slice/validate-slice-data", authed(d.ValidateSliceData()))
	router.POST("/api/v1/video-slice/process-slices", gated(d.ProcessSlices()))
	router.GET("/api/v1/video-slice/video-slices/:video_id", authed(d.ListVideoSlices()))

	// Editor draft exports
	router.POST("/api/v1/capcut/export-slice/:slice_id", gated(d.ExportSlice(editor.BackendCapcut)))
	router.POST("/api/v1/jianying/export-slice-jianying/:slice_id", gated(d.ExportSlice(editor.BackendJianying)))
	router.GET("/api/v1/jianying/proxy-resource/*path", public(d.ProxyResource()))

	// Raw route: the logging wrapper hides http.Hijacker from the websocket
	// upgrader. The handler checks the token itself.
	router.GET("/ws/progress/:token", d.ProgressSocket())

	return router
}

// videoAction lets a static action path share the :id position, which
// httprouter otherwise rejects as a wildcard conflict.
func videoAction(action string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if ps.ByName("id") != action {
			errors.WriteHTTPNotFound(w, "Unknown video action", nil)
			return
		}
		next(w, r, ps)
	}
}
