package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/plan"
	"github.com/clipforge/clipforge-api/requests"
	"github.com/clipforge/clipforge-api/schema"
	"github.com/clipforge/clipforge-api/store"
	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"
)

type ValidateSliceDataRequest struct {
	VideoID      int64           `json:"video_id"`
	CoverTitle   string          `json:"cover_title"`
	AnalysisData json.RawMessage `json:"analysis_data"`
}

type ProcessSlicesRequest struct {
	AnalysisID int64 `json:"analysis_id"`
}

// ValidateSliceData checks a slicing plan against the interval rules and
// persists it as a validated analysis. Rule violations come back as a 422
// with one entry per offending field, so editors can mark up the plan.
func (d *APIHandlersCollection) ValidateSliceData() httprouter.Handle {
	compiled := schema.Compiled["ValidateSliceData"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var in ValidateSliceDataRequest
		if !decodeJSONBody(w, req, compiled, "ValidateSliceData", &in) {
			return
		}

		v, err := d.Store.GetVideo(req.Context(), in.VideoID)
		if errors.IsObjectNotFound(err) {
			errors.WriteHTTPNotFound(w, "Video not found", err)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load video", err)
			return
		}

		items, violations := plan.Validate(in.AnalysisData)
		if len(violations) > 0 {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"valid":      false,
				"violations": violations,
			})
			return
		}

		analysis := &store.Analysis{
			VideoID:      v.ID,
			CoverTitle:   in.CoverTitle,
			AnalysisData: in.AnalysisData,
			Status:       store.AnalysisValidated,
			IsValidated:  true,
		}
		if err := d.Store.CreateAnalysis(req.Context(), analysis); err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot persist analysis", err)
			return
		}

		requestID := requests.GetRequestId(req)
		log.Log(requestID, "Validated slicing plan", "video_id", v.ID, "analysis_id", analysis.ID, "slices", len(items))
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"request_id": requestID,
			"valid":      true,
			"analysis":   analysis,
		})
	}
}

// ProcessSlices materializes the slice tree of a validated analysis.
func (d *APIHandlersCollection) ProcessSlices() httprouter.Handle {
	compiled := schema.Compiled["ProcessSlices"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var in ProcessSlicesRequest
		if !decodeJSONBody(w, req, compiled, "ProcessSlices", &in) {
			return
		}

		analysis, err := d.Store.GetAnalysis(req.Context(), in.AnalysisID)
		if errors.IsObjectNotFound(err) {
			errors.WriteHTTPNotFound(w, "Analysis not found", err)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load analysis", err)
			return
		}
		if !analysis.IsValidated {
			errors.WriteHTTPBadRequest(w, "Analysis has not been validated",
				fmt.Errorf("analysis %d has status %s", analysis.ID, analysis.Status))
			return
		}

		requestID := requests.GetRequestId(req)
		task, err := d.Pipeline.StartSliceJob(req.Context(), requestID, analysis.VideoID, analysis.ID)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot start slicing", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"request_id": requestID,
			"task":       task,
		})
	}
}

// ListVideoSlices returns every slice of a video with its sub-slices nested.
func (d *APIHandlersCollection) ListVideoSlices() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		videoID, err := strconv.ParseInt(params.ByName("video_id"), 10, 64)
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid video id", err)
			return
		}
		if _, err := d.Store.GetVideo(req.Context(), videoID); err != nil {
			if errors.IsObjectNotFound(err) {
				errors.WriteHTTPNotFound(w, "Video not found", err)
				return
			}
			errors.WriteHTTPInternalServerError(w, "Cannot load video", err)
			return
		}

		slices, err := d.Store.ListSlicesByVideo(req.Context(), videoID)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot list slices", err)
			return
		}
		for i := range slices {
			slices[i].SubSlices, err = d.Store.ListSubSlices(req.Context(), slices[i].ID)
			if err != nil {
				errors.WriteHTTPInternalServerError(w, "Cannot list sub slices", err)
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"video_id": videoID,
			"slices":   slices,
		})
	}
}

// decodeJSONBody validates a JSON request body against its schema and
// unmarshals it into out. It writes the error response itself and reports
// whether the caller should proceed.
func decodeJSONBody(w http.ResponseWriter, req *http.Request, compiled *gojsonschema.Schema, where string, out interface{}) bool {
	if !HasContentType(req, "application/json") {
		errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
		return false
	}
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
		return false
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot validate payload", err)
		return false
	}
	if !result.Valid() {
		errors.WriteHTTPBadBodySchema(where, w, result.Errors())
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return false
	}
	return true
}
