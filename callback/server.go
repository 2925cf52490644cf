package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/julienschmidt/httprouter"

	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/requests"
	"github.com/clipforge/clipforge-api/state"
	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/subtitle"
)

// taskResolutionLookback bounds the last-resort "newest running async srt
// task" match so an ancient stuck task can never swallow a fresh callback.
const taskResolutionLookback = 2 * time.Hour

// Server receives completion callbacks from the asynchronous ASR backend and
// lands their results in the task store and object store. Exactly one healthy
// instance may own the callback port per deployment.
type Server struct {
	addr      string
	registry  *Registry
	state     *state.Manager
	store     *store.Store
	objects   *clients.ObjectStore
	fetch     *http.Client
	startedAt time.Time

	received  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	unmatched atomic.Int64
	srtErrors atomic.Int64
}

func NewServer(cli config.Cli, registry *Registry, st *state.Manager, objects *clients.ObjectStore) *Server {
	return &Server{
		addr:      cli.CallbackAddress,
		registry:  registry,
		state:     st,
		store:     st.Store(),
		objects:   objects,
		fetch:     newSRTFetchClient(),
		startedAt: time.Now(),
	}
}

func newSRTFetchClient() *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.HTTPClient = &http.Client{
		Timeout: 1 * time.Minute, // Subtitle files are small; anything longer is a stuck backend
	}
	client.Logger = log.NewRetryableHTTPLogger()

	return client.StandardClient()
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/callback", s.handleCallback)
	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	return router
}

// callbackPayload is what the ASR backend posts when an async job finishes.
type callbackPayload struct {
	TaskID         string        `json:"task_id"`
	Status         string        `json:"status"`
	SRTURL         string        `json:"srt_url"`
	ErrorMessage   string        `json:"error_message"`
	Message        string        `json:"message"`
	ProcessingInfo store.JSONMap `json:"processing_info"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	var payload callbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errors.WriteHTTPBadRequest(w, "cannot parse callback body", err)
		return
	}
	if payload.TaskID == "" {
		errors.WriteHTTPBadRequest(w, "callback missing task_id", nil)
		return
	}

	s.received.Add(1)
	succeeded := callbackSucceeded(payload.Status)
	metrics.Metrics.CallbacksReceivedCount.WithLabelValues(normalizeStatus(succeeded)).Inc()

	task, requestID := s.resolveTask(ctx, r, payload.TaskID)
	ctx = log.WithLogValues(ctx, "request_id", requestID, "asr_task_id", payload.TaskID)
	if task == nil {
		s.unmatched.Add(1)
		metrics.Metrics.CallbacksUnmatched.Inc()
		log.LogCtx(ctx, "callback could not be matched to a task", "status", payload.Status)
		s.finishCallback(ctx, payload.TaskID, Result{Status: "unmatched", ErrorMessage: payload.ErrorMessage})
		s.respondOK(w)
		return
	}
	ctx = log.WithLogValues(ctx, "worker_task_id", task.WorkerTaskID)
	log.LogCtx(ctx, "received ASR callback", "status", payload.Status)

	if !succeeded {
		errMsg := payload.ErrorMessage
		if errMsg == "" {
			errMsg = fmt.Sprintf("transcription reported status %q", payload.Status)
		}
		if err := s.state.ApplySRTFailure(ctx, task, errMsg); err != nil {
			log.LogCtx(ctx, "failed to record transcription failure", "error", err)
		}
		s.failed.Add(1)
		s.finishCallback(ctx, payload.TaskID, Result{
			WorkerTaskID: task.WorkerTaskID,
			Status:       "failed",
			ErrorMessage: errMsg,
		})
		s.respondOK(w)
		return
	}

	srtKey, segments, err := s.storeSRT(ctx, requestID, task, payload.SRTURL)
	if err != nil {
		s.srtErrors.Add(1)
		s.failed.Add(1)
		log.LogCtx(ctx, "failed to fetch or store callback subtitles", "error", err, "srt_url", payload.SRTURL)
		if applyErr := s.state.ApplySRTFailure(ctx, task, fmt.Sprintf("failed to collect subtitles: %s", err)); applyErr != nil {
			log.LogCtx(ctx, "failed to record transcription failure", "error", applyErr)
		}
		s.finishCallback(ctx, payload.TaskID, Result{
			WorkerTaskID: task.WorkerTaskID,
			Status:       "failed",
			ErrorMessage: err.Error(),
		})
		s.respondOK(w)
		return
	}

	extra := store.JSONMap{"strategy": "tus"}
	if len(payload.ProcessingInfo) > 0 {
		extra["processing_info"] = map[string]interface{}(payload.ProcessingInfo)
	}
	if err := s.state.ApplySRTSuccess(ctx, task, srtKey, segments, extra); err != nil {
		log.LogCtx(ctx, "failed to record transcription success", "error", err)
	}
	s.completed.Add(1)
	s.finishCallback(ctx, payload.TaskID, Result{
		WorkerTaskID: task.WorkerTaskID,
		Status:       "completed",
		SRTKey:       srtKey,
	})
	s.respondOK(w)
}

// resolveTask maps an external ASR task id to the waiting domain task:
// explicit registration first, then an input_data substring match, then the
// newest running async srt task inside the lookback window.
func (s *Server) resolveTask(ctx context.Context, r *http.Request, asrTaskID string) (*store.Task, string) {
	requestID := ""
	if reg, err := s.registry.Lookup(ctx, asrTaskID); err == nil {
		requestID = reg.RequestID
		if task, err := s.store.GetTaskByWorkerID(ctx, reg.WorkerTaskID); err == nil {
			return task, requestID
		}
	}
	if task, err := s.store.FindTaskByInputSubstring(ctx, asrTaskID); err == nil {
		return task, firstNonEmpty(requestID, task.RequestID())
	}
	if task, err := s.store.FindNewestRunningTUSTask(ctx, taskResolutionLookback); err == nil {
		return task, firstNonEmpty(requestID, task.RequestID())
	}
	return nil, firstNonEmpty(requestID, requestIDFromHeader(r))
}

// storeSRT fetches the subtitle text the backend produced, sanitizes it and
// uploads it to the deterministic key for the task's owner.
func (s *Server) storeSRT(ctx context.Context, requestID string, task *store.Task, srtURL string) (string, int, error) {
	if srtURL == "" {
		return "", 0, fmt.Errorf("callback carried no srt_url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srtURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("bad srt_url %q: %w", srtURL, err)
	}
	res, err := s.fetch.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("error downloading subtitles: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("subtitle download returned status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", 0, fmt.Errorf("error reading subtitle body: %w", err)
	}

	text, err := clients.DecodeSRTResponse(body)
	if err != nil {
		return "", 0, err
	}
	cues, err := subtitle.Parse(text)
	if err != nil {
		return "", 0, fmt.Errorf("backend returned unparseable subtitles: %w", err)
	}
	cues = subtitle.Sanitize(cues)

	video, err := s.store.GetVideo(ctx, task.VideoID)
	if err != nil {
		return "", 0, err
	}
	key, err := SRTKeyFor(ctx, s.store, task, video)
	if err != nil {
		return "", 0, err
	}
	if err := s.objects.PutBytes(ctx, requestID, key, subtitle.Marshal(cues), "application/x-subrip"); err != nil {
		return "", 0, err
	}
	return key, len(cues), nil
}

// SRTKeyFor picks the storage key for a finished transcription. Slice and
// sub-slice results land inside the slice's directory when its UUID can be
// recovered from a stored media path, otherwise on an id-named fallback. The
// synchronous pipeline path and this server share it so the two writers can
// never store the same task's subtitles under different keys.
func SRTKeyFor(ctx context.Context, st *store.Store, task *store.Task, video *store.Video) (string, error) {
	if subID := task.SubSliceID(); subID != 0 {
		sub, err := st.GetSubSlice(ctx, subID)
		if err != nil {
			return "", err
		}
		if uuid, err := clients.SliceUUIDFromKey(sub.SlicedFilePath); err == nil {
			return clients.SubSliceSRTKey(video.UserID, video.ProjectID, uuid, subID), nil
		}
		if parent, err := st.GetSlice(ctx, sub.SliceID); err == nil {
			if uuid, err := clients.SliceUUIDFromKey(parent.SlicedFilePath); err == nil {
				return clients.SubSliceSRTKey(video.UserID, video.ProjectID, uuid, subID), nil
			}
		}
		return clients.VideoScopedSRTKey(video.UserID, video.ProjectID, fmt.Sprintf("sub_slice_%d.srt", subID)), nil
	}
	if sliceID := task.SliceID(); sliceID != 0 {
		slice, err := st.GetSlice(ctx, sliceID)
		if err != nil {
			return "", err
		}
		if uuid, err := clients.SliceUUIDFromKey(slice.SlicedFilePath); err == nil {
			return clients.SliceSRTKey(video.UserID, video.ProjectID, uuid), nil
		}
		return clients.VideoScopedSRTKey(video.UserID, video.ProjectID, fmt.Sprintf("slice_%d.srt", sliceID)), nil
	}
	return clients.SourceSRTKey(video.UserID, video.ProjectID, video.ID), nil
}

// finishCallback runs the unconditional KV hygiene: drop the registration and
// publish a short-lived result, matched or not.
func (s *Server) finishCallback(ctx context.Context, asrTaskID string, result Result) {
	if err := s.registry.Delete(ctx, asrTaskID); err != nil {
		log.LogNoRequestID("failed to delete callback registration", "asr_task_id", asrTaskID, "error", err)
	}
	if err := s.registry.WriteResult(ctx, asrTaskID, result); err != nil {
		log.LogNoRequestID("failed to write callback result", "asr_task_id", asrTaskID, "error", err)
	}
}

func (s *Server) respondOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"received":            s.received.Load(),
		"completed":           s.completed.Load(),
		"failed":              s.failed.Load(),
		"unmatched":           s.unmatched.Load(),
		"srt_download_errors": s.srtErrors.Load(),
		"started_at":          s.startedAt.UTC().Format(time.RFC3339),
	})
}

func callbackSucceeded(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "success", "succeeded":
		return true
	}
	return false
}

func normalizeStatus(succeeded bool) string {
	if succeeded {
		return "completed"
	}
	return "failed"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func requestIDFromHeader(r *http.Request) string {
	if id := r.Header.Get(requests.HeaderRequestID); id != "" {
		return id
	}
	return config.RandomTrailer(8)
}

// probeHealth reports whether a callback server already answers on addr.
func probeHealth(addr string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	res, err := client.Get(fmt.Sprintf("http://%s/health", hostOrLocal(addr)))
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}

func hostOrLocal(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr
}
