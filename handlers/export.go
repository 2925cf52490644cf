package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/clipforge/clipforge-api/editor"
	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/requests"
	"github.com/julienschmidt/httprouter"
)

// ExportSlice schedules a draft export of one slice to the given editor
// backend. Exports are idempotent on the slice: resubmitting while one is
// running returns the running task.
func (d *APIHandlersCollection) ExportSlice(backend editor.Backend) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		sliceID, err := strconv.ParseInt(params.ByName("slice_id"), 10, 64)
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid slice id", err)
			return
		}
		slice, err := d.Store.GetSlice(req.Context(), sliceID)
		if errors.IsObjectNotFound(err) {
			errors.WriteHTTPNotFound(w, "Slice not found", err)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load slice", err)
			return
		}

		requestID := requests.GetRequestId(req)
		task, err := d.Pipeline.StartExport(req.Context(), requestID, backend, slice.VideoID, slice.ID)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot start export", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"request_id": requestID,
			"task":       task,
		})
	}
}

// ProxyResource streams a stored object to the editor backend. Desktop
// editors resolve draft media through this endpoint instead of talking to
// the object store themselves.
func (d *APIHandlersCollection) ProxyResource() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		key := strings.TrimPrefix(params.ByName("path"), "/")
		if key == "" {
			errors.WriteHTTPBadRequest(w, "Missing resource path", nil)
			return
		}
		body, info, err := d.Objects.GetStream(req.Context(), key, req.Header.Get("Range"))
		if errors.IsObjectNotFound(err) {
			errors.WriteHTTPNotFound(w, "Resource not found", err)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot open resource", err)
			return
		}
		defer body.Close()

		if info.ContentType != "" {
			w.Header().Set("Content-Type", info.ContentType)
		}
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		if info.ContentRange != "" {
			w.Header().Set("Content-Range", info.ContentRange)
			w.WriteHeader(http.StatusPartialContent)
		}
		if _, err := io.Copy(w, body); err != nil {
			log.LogError(requests.GetRequestId(req), "Resource proxy interrupted", err, "key", key)
		}
	}
}
