package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"

	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/pipeline"
	"github.com/clipforge/clipforge-api/requests"
	"github.com/clipforge/clipforge-api/schema"
	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/subtitle"
	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"
)

// multipartFormMaxMemory caps how much of a multipart body is held in memory
// before spooling to disk. Cookies files are tiny; the limit only matters for
// abuse.
const multipartFormMaxMemory = 8 << 20

type DownloadVideoRequest struct {
	URL       string `json:"url"`
	ProjectID int64  `json:"project_id"`
	UserID    int64  `json:"user_id"`
	Quality   string `json:"quality"`
}

type GenerateSRTRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DownloadVideo accepts a remote video URL and schedules the download
// pipeline for it. Requests may be JSON, or multipart form data when a
// cookies file rides along for age or membership gated sources. Submitting a
// URL that already has a row in the same project reuses that row, so retrying
// a failed download does not fork a second video.
func (d *APIHandlersCollection) DownloadVideo() httprouter.Handle {
	compiled := schema.Compiled["DownloadVideo"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var (
			in          DownloadVideoRequest
			cookiesPath string
		)
		switch {
		case HasContentType(req, "application/json"):
			payload, err := io.ReadAll(req.Body)
			if err != nil {
				errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
				return
			}
			result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
			if err != nil {
				errors.WriteHTTPInternalServerError(w, "Cannot validate payload", err)
				return
			}
			if !result.Valid() {
				errors.WriteHTTPBadBodySchema("DownloadVideo", w, result.Errors())
				return
			}
			if err := json.Unmarshal(payload, &in); err != nil {
				errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
				return
			}
		case HasContentType(req, "multipart/form-data"):
			var err error
			in, cookiesPath, err = d.parseMultipartDownload(req)
			if err != nil {
				errors.WriteHTTPBadRequest(w, "Invalid multipart payload", err)
				return
			}
		default:
			errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json or multipart/form-data content type", nil)
			return
		}

		requestID := requests.GetRequestId(req)
		log.AddContext(requestID, "source", in.URL, "project_id", in.ProjectID)

		v, err := d.Store.FindVideoByURL(req.Context(), in.ProjectID, in.URL)
		if errors.IsObjectNotFound(err) {
			v = &store.Video{
				ProjectID:          in.ProjectID,
				UserID:             in.UserID,
				URL:                in.URL,
				ProcessingMetadata: store.JSONMap{},
			}
			err = d.Store.CreateVideo(req.Context(), v)
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot persist video", err)
			return
		}

		task, err := d.Pipeline.StartDownload(req.Context(), requestID, v, in.Quality, cookiesPath)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot start download", err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"request_id": requestID,
			"video":      v,
			"task":       task,
		})
	}
}

// parseMultipartDownload reads the form fields of the multipart download
// variant and spools an attached cookies file into the work directory. The
// download worker deletes the file once yt-dlp is done with it.
func (d *APIHandlersCollection) parseMultipartDownload(req *http.Request) (DownloadVideoRequest, string, error) {
	if err := req.ParseMultipartForm(multipartFormMaxMemory); err != nil {
		return DownloadVideoRequest{}, "", err
	}
	in := DownloadVideoRequest{
		URL:     req.FormValue("url"),
		Quality: req.FormValue("quality"),
	}
	if in.URL == "" {
		return in, "", fmt.Errorf("url form field is required")
	}
	var err error
	if in.ProjectID, err = strconv.ParseInt(req.FormValue("project_id"), 10, 64); err != nil || in.ProjectID < 1 {
		return in, "", fmt.Errorf("project_id form field must be a positive integer")
	}
	if in.UserID, err = strconv.ParseInt(req.FormValue("user_id"), 10, 64); err != nil || in.UserID < 1 {
		return in, "", fmt.Errorf("user_id form field must be a positive integer")
	}

	file, _, err := req.FormFile("cookies")
	if err == http.ErrMissingFile {
		return in, "", nil
	}
	if err != nil {
		return in, "", err
	}
	defer file.Close()

	tmp, err := os.CreateTemp(d.Cli.WorkDir, "cookies-*.txt")
	if err != nil {
		return in, "", err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, file); err != nil {
		os.Remove(tmp.Name())
		return in, "", err
	}
	return in, tmp.Name(), nil
}

// ExtractAudio schedules audio extraction for a downloaded video.
func (d *APIHandlersCollection) ExtractAudio() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		v, ok := d.videoFromParams(w, req, params)
		if !ok {
			return
		}
		requestID := requests.GetRequestId(req)
		task, err := d.Pipeline.StartExtractAudio(req.Context(), requestID, v.ID)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot start audio extraction", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"request_id": requestID,
			"task":       task,
		})
	}
}

// GenerateSRT schedules transcription of the source video's audio track. An
// optional body restricts transcription to a window of the timeline.
func (d *APIHandlersCollection) GenerateSRT() httprouter.Handle {
	compiled := schema.Compiled["GenerateSRT"]

	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		v, ok := d.videoFromParams(w, req, params)
		if !ok {
			return
		}
		window, ok := parseCutWindow(w, req, compiled)
		if !ok {
			return
		}
		requestID := requests.GetRequestId(req)
		task, err := d.Pipeline.StartGenerateSRT(req.Context(), requestID, v.ID, window)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot start transcription", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"request_id": requestID,
			"task":       task,
		})
	}
}

// parseCutWindow reads the optional {start, end} transcription window. Both
// ends must be given together as HH:MM:SS,mmm timecodes; an empty body means
// transcribe the whole track.
func parseCutWindow(w http.ResponseWriter, req *http.Request, compiled *gojsonschema.Schema) (*pipeline.CutWindow, bool) {
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
		return nil, false
	}
	if len(payload) == 0 {
		return nil, true
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot validate payload", err)
		return nil, false
	}
	if !result.Valid() {
		errors.WriteHTTPBadBodySchema("GenerateSRT", w, result.Errors())
		return nil, false
	}
	var in GenerateSRTRequest
	if err := json.Unmarshal(payload, &in); err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return nil, false
	}
	if in.Start == "" && in.End == "" {
		return nil, true
	}
	if in.Start == "" || in.End == "" {
		errors.WriteHTTPBadRequest(w, "Invalid transcription window", fmt.Errorf("start and end must be given together"))
		return nil, false
	}
	start, err := subtitle.ParseTimecode(in.Start)
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid transcription window", err)
		return nil, false
	}
	end, err := subtitle.ParseTimecode(in.End)
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid transcription window", err)
		return nil, false
	}
	if end <= start {
		errors.WriteHTTPBadRequest(w, "Invalid transcription window", fmt.Errorf("end %q must be after start %q", in.End, in.Start))
		return nil, false
	}
	if end-start < pipeline.MinCutWindowSeconds {
		errors.WriteHTTPBadRequest(w, "Invalid transcription window",
			fmt.Errorf("window must cover at least %.0f seconds", pipeline.MinCutWindowSeconds))
		return nil, false
	}
	return &pipeline.CutWindow{Start: start, End: end}, true
}

// VideoProgress returns the roll-up plus the full task list for one video.
// Pollers hit this endpoint hard, hence the short client cache.
func (d *APIHandlersCollection) VideoProgress() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		id, err := strconv.ParseInt(params.ByName("id"), 10, 64)
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid video id", err)
			return
		}
		snap, err := d.State.Snapshot(req.Context(), id)
		if errors.IsObjectNotFound(err) {
			errors.WriteHTTPNotFound(w, "Video not found", err)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load progress", err)
			return
		}
		w.Header().Set("Cache-Control", "max-age=5")
		respondJSON(w, http.StatusOK, snap)
	}
}

// ProcessingStatus reports the per-stage roll-up together with which
// artifacts exist for the video.
func (d *APIHandlersCollection) ProcessingStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		v, ok := d.videoFromParams(w, req, params)
		if !ok {
			return
		}
		rollup, err := d.Store.GetProcessingStatus(req.Context(), v.ID)
		if err != nil && !errors.IsObjectNotFound(err) {
			errors.WriteHTTPInternalServerError(w, "Cannot load processing status", err)
			return
		}
		artifacts := map[string]interface{}{}
		for _, kind := range []string{"video", "audio", "srt", "thumbnail"} {
			key, err := d.artifactKey(req.Context(), v, kind)
			if err != nil {
				errors.WriteHTTPInternalServerError(w, "Cannot resolve artifacts", err)
				return
			}
			entry := map[string]interface{}{"available": key != ""}
			if key != "" {
				entry["storage_path"] = key
			}
			artifacts[kind] = entry
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"video_id":          v.ID,
			"status":            v.Status,
			"download_progress": v.DownloadProgress,
			"processing_status": rollup,
			"artifacts":         artifacts,
		})
	}
}

// DownloadURL hands out a presigned URL for one artifact kind so clients can
// fetch large files straight from storage.
func (d *APIHandlersCollection) DownloadURL(kind string) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		v, ok := d.videoFromParams(w, req, params)
		if !ok {
			return
		}
		key, ok := d.requireArtifact(w, req, v, kind)
		if !ok {
			return
		}
		signed, err := d.Objects.PresignPublic(key, 0)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot presign artifact URL", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"url":        signed,
			"expires_in": int(d.Objects.PresignTTL().Seconds()),
		})
	}
}

// Stream proxies the stored video file with byte-range support, so the
// storage endpoint never has to be reachable from players directly.
func (d *APIHandlersCollection) Stream() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		v, ok := d.videoFromParams(w, req, params)
		if !ok {
			return
		}
		key, ok := d.requireArtifact(w, req, v, "video")
		if !ok {
			return
		}
		body, info, err := d.Objects.GetStream(req.Context(), key, req.Header.Get("Range"))
		if errors.IsObjectNotFound(err) {
			errors.WriteHTTPNotFound(w, "Video file not available", err)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot open video stream", err)
			return
		}
		defer body.Close()

		w.Header().Set("Accept-Ranges", "bytes")
		contentType := info.ContentType
		if contentType == "" {
			contentType = "video/mp4"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		if info.ContentRange != "" {
			w.Header().Set("Content-Range", info.ContentRange)
			w.WriteHeader(http.StatusPartialContent)
		}
		if _, err := io.Copy(w, body); err != nil {
			log.LogError(requests.GetRequestId(req), "Video stream copy interrupted", err, "video_id", v.ID)
		}
	}
}

// ProxyDownload streams one artifact through the API as an attachment.
// Subtitles are small enough to buffer, and always leave with a UTF-8 BOM so
// desktop editors pick the right encoding.
func (d *APIHandlersCollection) ProxyDownload(kind string) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		v, ok := d.videoFromParams(w, req, params)
		if !ok {
			return
		}
		key, ok := d.requireArtifact(w, req, v, kind)
		if !ok {
			return
		}
		filename := path.Base(key)
		if kind == "video" && v.Filename != "" {
			filename = v.Filename
		}

		if kind == "srt" {
			data, err := d.Objects.ReadAll(req.Context(), key)
			if errors.IsObjectNotFound(err) {
				errors.WriteHTTPNotFound(w, "Subtitle file not available", err)
				return
			}
			if err != nil {
				errors.WriteHTTPInternalServerError(w, "Cannot read subtitle file", err)
				return
			}
			data = subtitle.EnsureBOM(data)
			w.Header().Set("Content-Type", "application/x-subrip; charset=utf-8")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			if _, err := w.Write(data); err != nil {
				log.LogError(requests.GetRequestId(req), "Subtitle download interrupted", err, "video_id", v.ID)
			}
			return
		}

		body, info, err := d.Objects.GetStream(req.Context(), key, "")
		if errors.IsObjectNotFound(err) {
			errors.WriteHTTPNotFound(w, "Artifact not available", err)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot open artifact", err)
			return
		}
		defer body.Close()

		if info.ContentType != "" {
			w.Header().Set("Content-Type", info.ContentType)
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		if _, err := io.Copy(w, body); err != nil {
			log.LogError(requests.GetRequestId(req), "Artifact download interrupted", err, "video_id", v.ID)
		}
	}
}

// CancelVideo revokes every queued or running task of the video.
func (d *APIHandlersCollection) CancelVideo() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		v, ok := d.videoFromParams(w, req, params)
		if !ok {
			return
		}
		requestID := requests.GetRequestId(req)
		revoked, err := d.Pipeline.CancelVideo(req.Context(), requestID, v.ID)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot cancel processing", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"request_id": requestID,
			"revoked":    revoked,
		})
	}
}

// videoFromParams loads the video named by the :id path segment.
func (d *APIHandlersCollection) videoFromParams(w http.ResponseWriter, req *http.Request, params httprouter.Params) (*store.Video, bool) {
	id, err := strconv.ParseInt(params.ByName("id"), 10, 64)
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid video id", err)
		return nil, false
	}
	v, err := d.Store.GetVideo(req.Context(), id)
	if errors.IsObjectNotFound(err) {
		errors.WriteHTTPNotFound(w, "Video not found", err)
		return nil, false
	}
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot load video", err)
		return nil, false
	}
	return v, true
}

// requireArtifact resolves the storage key for an artifact kind and writes
// the 404 when the artifact has not been produced yet.
func (d *APIHandlersCollection) requireArtifact(w http.ResponseWriter, req *http.Request, v *store.Video, kind string) (string, bool) {
	key, err := d.artifactKey(req.Context(), v, kind)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot resolve artifact", err)
		return "", false
	}
	if key == "" {
		errors.WriteHTTPNotFound(w, "Artifact not available", fmt.Errorf("video %d has no %s artifact", v.ID, kind))
		return "", false
	}
	return key, true
}

// artifactKey maps an artifact kind to its storage key. An empty key means
// the artifact has not been produced yet; kinds resolve from the video row
// and the transcript table, so missing artifacts cost no storage round trip.
func (d *APIHandlersCollection) artifactKey(ctx context.Context, v *store.Video, kind string) (string, error) {
	switch kind {
	case "video":
		return v.StoragePath, nil
	case "audio":
		return v.ProcessingMetadata.String("audio_path"), nil
	case "srt":
		tr, err := d.Store.GetTranscript(ctx, v.ID)
		if errors.IsObjectNotFound(err) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return tr.SRTURL, nil
	case "thumbnail":
		return v.Thumbnail, nil
	}
	return "", fmt.Errorf("unknown artifact kind %q", kind)
}
