// Package pipeline runs the per-video processing chain: source download,
// audio extraction, transcription, slice materialization and editor draft
// export. The Coordinator is the only entry point; it is called from the API
// handlers and never blocks, scheduling goroutines that report every state
// change through the state manager.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipforge/clipforge-api/cache"
	"github.com/clipforge/clipforge-api/callback"
	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/editor"
	cfErrs "github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/state"
	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/video"
)

// Transcription failures that are not terminal get queue-level retries on the
// same worker task id, spaced out so a hiccuping ASR backend can recover.
const (
	maxSRTRetries    = 3
	srtRetryInterval = 60 * time.Second
	srtRetryJitter   = 10 * time.Second
)

// CutWindow restricts transcription to a sub-interval of the source audio.
// Cue timestamps are shifted back by Start so they line up with the source.
type CutWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// taskOutput is what a worker hands back on a clean return. When async is set
// the task stays running and the callback server owns its completion. next
// chains the follow-up stage after the success is recorded.
type taskOutput struct {
	data  store.JSONMap
	async bool
	next  func()
}

// JobInfo is the in-process handle for one running task. The durable twin
// lives in the tasks table under the same worker task id.
type JobInfo struct {
	mu sync.Mutex

	RequestID    string
	WorkerTaskID string
	Type         store.TaskType
	VideoID      int64
	SliceID      int64
	SubSliceID   int64
	StartedAt    time.Time
	// Attempt is 1 on the first run and increments per queue-level retry.
	Attempt int

	fn      func(ctx context.Context) (*taskOutput, error)
	cancel  context.CancelFunc
	revoked atomic.Bool
}

func (j *JobInfo) revoke() {
	j.revoked.Store(true)
	j.mu.Lock()
	if j.cancel != nil {
		j.cancel()
	}
	j.mu.Unlock()
}

func (j *JobInfo) wasRevoked() bool {
	return j.revoked.Load()
}

// Coordinator provides the main interface to run pipeline tasks. It should be
// called directly from the API handlers and never blocks on execution, but
// rather schedules routines to do the actual work in background.
type Coordinator struct {
	cli   config.Cli
	state *state.Manager

	objects    *clients.ObjectStore
	prober     video.Prober
	downloader video.Downloader

	// asr serves the synchronous path; tus and registry serve the resumable
	// one and are nil when it is not configured.
	asr      *clients.ASRClient
	tus      *clients.TUSClient
	registry *callback.Registry

	composers map[editor.Backend]*editor.Composer

	retryInterval time.Duration

	Jobs *cache.Cache[*JobInfo]
}

func NewCoordinator(cli config.Cli, stateMgr *state.Manager, objects *clients.ObjectStore,
	prober video.Prober, downloader video.Downloader, asr *clients.ASRClient,
	tus *clients.TUSClient, registry *callback.Registry,
	composers map[editor.Backend]*editor.Composer) (*Coordinator, error) {

	if stateMgr == nil {
		return nil, fmt.Errorf("state manager is required")
	}
	if objects == nil {
		return nil, fmt.Errorf("object store client is required")
	}
	if cli.HasTUS() && (tus == nil || registry == nil) {
		return nil, fmt.Errorf("resumable ASR is configured but the TUS client or callback registry is missing")
	}
	return &Coordinator{
		cli:           cli,
		state:         stateMgr,
		objects:       objects,
		prober:        prober,
		downloader:    downloader,
		asr:           asr,
		tus:           tus,
		registry:      registry,
		composers:     composers,
		retryInterval: srtRetryInterval,
		Jobs:          cache.New[*JobInfo](),
	}, nil
}

// NewStubCoordinator wires a coordinator with no ASR, TUS or editor backends,
// for tests that only need task bookkeeping.
func NewStubCoordinator(cli config.Cli, stateMgr *state.Manager, objects *clients.ObjectStore) *Coordinator {
	c, err := NewCoordinator(cli, stateMgr, objects, video.Probe{}, video.Downloader{}, nil, nil, nil, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// WorkerTaskID builds the deterministic id a video-level task runs under.
// Resubmitting the same work upserts into the same row instead of forking a
// duplicate pipeline.
func WorkerTaskID(t store.TaskType, videoID int64) string {
	return fmt.Sprintf("%s-%d", t, videoID)
}

func sliceWorkerTaskID(t store.TaskType, sliceID int64) string {
	return fmt.Sprintf("%s-slice-%d", t, sliceID)
}

func subSliceWorkerTaskID(t store.TaskType, subSliceID int64) string {
	return fmt.Sprintf("%s-sub-%d", t, subSliceID)
}

// StartDownload schedules the source fetch for a video and, through the
// worker's completion chain, the audio extraction and transcription stages
// behind it.
func (c *Coordinator) StartDownload(ctx context.Context, requestID string, v *store.Video, quality, cookiesPath string) (*store.Task, error) {
	if quality == "" {
		quality = c.cli.DownloadQuality
	}
	job := &JobInfo{
		RequestID:    requestID,
		WorkerTaskID: WorkerTaskID(store.TaskDownload, v.ID),
		Type:         store.TaskDownload,
		VideoID:      v.ID,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
	job.fn = func(ctx context.Context) (*taskOutput, error) {
		return c.runDownload(ctx, job, quality, cookiesPath)
	}
	return c.launch(ctx, job, "Download source video", store.JSONMap{"url": v.URL, "quality": quality})
}

// StartExtractAudio schedules audio extraction for a downloaded video.
func (c *Coordinator) StartExtractAudio(ctx context.Context, requestID string, videoID int64) (*store.Task, error) {
	job := &JobInfo{
		RequestID:    requestID,
		WorkerTaskID: WorkerTaskID(store.TaskExtractAudio, videoID),
		Type:         store.TaskExtractAudio,
		VideoID:      videoID,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
	job.fn = func(ctx context.Context) (*taskOutput, error) {
		return c.runExtractAudio(ctx, job)
	}
	return c.launch(ctx, job, "Extract audio track", nil)
}

// StartGenerateSRT schedules transcription of a video's extracted audio. A
// window limits transcription to that sub-interval of the source.
func (c *Coordinator) StartGenerateSRT(ctx context.Context, requestID string, videoID int64, window *CutWindow) (*store.Task, error) {
	input := store.JSONMap{}
	if window != nil {
		input["window_start"] = window.Start
		input["window_end"] = window.End
	}
	job := &JobInfo{
		RequestID:    requestID,
		WorkerTaskID: WorkerTaskID(store.TaskGenerateSRT, videoID),
		Type:         store.TaskGenerateSRT,
		VideoID:      videoID,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
	job.fn = func(ctx context.Context) (*taskOutput, error) {
		return c.runGenerateSRT(ctx, job, window)
	}
	return c.launch(ctx, job, "Generate subtitles", input)
}

// StartSliceJob schedules materialization of a validated analysis plan into
// slice and sub-slice rows with their cut media.
func (c *Coordinator) StartSliceJob(ctx context.Context, requestID string, videoID, analysisID int64) (*store.Task, error) {
	job := &JobInfo{
		RequestID:    requestID,
		WorkerTaskID: WorkerTaskID(store.TaskSliceVideo, videoID),
		Type:         store.TaskSliceVideo,
		VideoID:      videoID,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
	job.fn = func(ctx context.Context) (*taskOutput, error) {
		return c.runSliceJob(ctx, job, analysisID)
	}
	return c.launch(ctx, job, "Materialize slice plan", store.JSONMap{"analysis_id": analysisID})
}

// StartExport schedules a draft export of one slice to an editor backend.
func (c *Coordinator) StartExport(ctx context.Context, requestID string, backend editor.Backend, videoID, sliceID int64) (*store.Task, error) {
	taskType, err := taskTypeForBackend(backend)
	if err != nil {
		return nil, cfErrs.Unretriable(err)
	}
	job := &JobInfo{
		RequestID:    requestID,
		WorkerTaskID: sliceWorkerTaskID(taskType, sliceID),
		Type:         taskType,
		VideoID:      videoID,
		SliceID:      sliceID,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
	job.fn = func(ctx context.Context) (*taskOutput, error) {
		return c.runExport(ctx, job, backend)
	}
	name := "Export CapCut draft"
	if backend == editor.BackendJianying {
		name = "Export Jianying draft"
	}
	return c.launch(ctx, job, name, nil)
}

func taskTypeForBackend(b editor.Backend) (store.TaskType, error) {
	switch b {
	case editor.BackendCapcut:
		return store.TaskCapcutExport, nil
	case editor.BackendJianying:
		return store.TaskJianyingExport, nil
	}
	return "", fmt.Errorf("unknown editor backend %q", b)
}

// startSliceAudio runs audio extraction for one materialized slice. Called
// from the slice worker, so there is no request context to inherit.
func (c *Coordinator) startSliceAudio(requestID string, sl *store.Slice) (*store.Task, error) {
	job := &JobInfo{
		RequestID:    requestID,
		WorkerTaskID: sliceWorkerTaskID(store.TaskExtractAudio, sl.ID),
		Type:         store.TaskExtractAudio,
		VideoID:      sl.VideoID,
		SliceID:      sl.ID,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
	job.fn = func(ctx context.Context) (*taskOutput, error) {
		return c.runNodeAudio(ctx, job)
	}
	return c.launch(context.Background(), job, "Extract audio track", nil)
}

func (c *Coordinator) startSubSliceAudio(requestID string, ss *store.SubSlice) (*store.Task, error) {
	job := &JobInfo{
		RequestID:    requestID,
		WorkerTaskID: subSliceWorkerTaskID(store.TaskExtractAudio, ss.ID),
		Type:         store.TaskExtractAudio,
		VideoID:      ss.VideoID,
		SliceID:      ss.SliceID,
		SubSliceID:   ss.ID,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
	job.fn = func(ctx context.Context) (*taskOutput, error) {
		return c.runNodeAudio(ctx, job)
	}
	return c.launch(context.Background(), job, "Extract audio track", nil)
}

// startNodeSRT runs transcription for a slice or sub-slice, chained after its
// audio extraction succeeded.
func (c *Coordinator) startNodeSRT(requestID string, videoID, sliceID, subSliceID int64) (*store.Task, error) {
	wtid := sliceWorkerTaskID(store.TaskGenerateSRT, sliceID)
	if subSliceID != 0 {
		wtid = subSliceWorkerTaskID(store.TaskGenerateSRT, subSliceID)
	}
	job := &JobInfo{
		RequestID:    requestID,
		WorkerTaskID: wtid,
		Type:         store.TaskGenerateSRT,
		VideoID:      videoID,
		SliceID:      sliceID,
		SubSliceID:   subSliceID,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
	job.fn = func(ctx context.Context) (*taskOutput, error) {
		return c.runGenerateSRT(ctx, job, nil)
	}
	return c.launch(context.Background(), job, "Generate subtitles", nil)
}

// launch registers the task row and schedules the worker goroutine. A task
// already in a terminal state, waiting on an async callback, or already in
// this process's job cache is returned as-is without a second launch.
func (c *Coordinator) launch(ctx context.Context, job *JobInfo, name string, input store.JSONMap) (*store.Task, error) {
	task, err := c.createTask(ctx, job, name, input)
	if err != nil {
		return nil, err
	}
	switch {
	case task.Status == store.TaskStatusSuccess || task.Status == store.TaskStatusRevoked:
		log.Log(job.RequestID, "Task already finished, not relaunching",
			"worker_task_id", job.WorkerTaskID, "status", string(task.Status))
		return task, nil
	case task.Status == store.TaskStatusRunning && task.AsyncProcessing:
		log.Log(job.RequestID, "Task is waiting on an async callback, not relaunching",
			"worker_task_id", job.WorkerTaskID)
		return task, nil
	case c.Jobs.Get(job.WorkerTaskID) != nil:
		log.Log(job.RequestID, "Task already in flight, not relaunching",
			"worker_task_id", job.WorkerTaskID)
		return task, nil
	}
	c.runJob(job)
	return task, nil
}

func (c *Coordinator) createTask(ctx context.Context, job *JobInfo, name string, input store.JSONMap) (*store.Task, error) {
	if input == nil {
		input = store.JSONMap{}
	}
	input["request_id"] = job.RequestID
	if job.SliceID != 0 {
		input["slice_id"] = job.SliceID
	}
	if job.SubSliceID != 0 {
		input["sub_slice_id"] = job.SubSliceID
	}
	task := &store.Task{
		VideoID:      job.VideoID,
		Type:         job.Type,
		Name:         name,
		WorkerTaskID: job.WorkerTaskID,
		Status:       store.TaskStatusPending,
		Stage:        store.StageForTaskType(job.Type),
		InputData:    input,
	}
	if err := c.state.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// runJob starts a background goroutine to run the worker function safely. The
// job context is detached from the caller: an API request returning must not
// cancel the work it started. Panics and errors become a recorded task
// failure.
func (c *Coordinator) runJob(job *JobInfo) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if c.cli.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.cli.TaskTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	job.mu.Lock()
	job.cancel = cancel
	job.mu.Unlock()

	c.Jobs.Store(job.WorkerTaskID, job)

	// nolint:errcheck
	go recovered(func() (t bool, e error) {
		defer cancel()
		out, err := recovered(func() (*taskOutput, error) {
			return job.fn(ctx)
		})
		c.finishJob(job, out, err)
		return
	})
}

// finishJob records a worker's result. State writes run on a fresh context so
// they land even when the job context already expired.
func (c *Coordinator) finishJob(job *JobInfo, out *taskOutput, err error) {
	ctx := context.Background()
	if job.wasRevoked() {
		c.Jobs.Remove(job.RequestID, job.WorkerTaskID)
		log.Log(job.RequestID, "Job cancelled, discarding result", "worker_task_id", job.WorkerTaskID)
		return
	}
	if err != nil {
		if c.maybeRetrySRT(job, err) {
			return
		}
		c.failJob(ctx, job, err)
		c.observeJob(job, false)
		return
	}
	if out != nil && out.async {
		// The callback server owns the rest of this task's lifecycle.
		c.Jobs.Remove(job.RequestID, job.WorkerTaskID)
		log.Log(job.RequestID, "Job handed off to callback, removed from cache", "worker_task_id", job.WorkerTaskID)
		return
	}

	var data store.JSONMap
	if out != nil {
		data = out.data
	}
	updErr := c.state.UpdateFromWorker(ctx, job.WorkerTaskID, state.WorkerUpdate{
		Status:     store.TaskStatusSuccess,
		Progress:   -1,
		OutputData: data,
	})
	if updErr != nil {
		log.LogError(job.RequestID, "Failed to record task success", updErr, "worker_task_id", job.WorkerTaskID)
	}
	c.Jobs.Remove(job.RequestID, job.WorkerTaskID)
	c.observeJob(job, true)
	log.Log(job.RequestID, "Finished job and removed from cache",
		"worker_task_id", job.WorkerTaskID, "duration", time.Since(job.StartedAt).String())
	if out != nil && out.next != nil {
		out.next()
	}
}

// failJob writes the terminal failure and mirrors it onto the row that owns
// the work, so a slice never reports a healthy stage whose task died.
func (c *Coordinator) failJob(ctx context.Context, job *JobInfo, runErr error) {
	defer c.Jobs.Remove(job.RequestID, job.WorkerTaskID)
	msg := runErr.Error()
	log.LogError(job.RequestID, "Job failed", runErr,
		"worker_task_id", job.WorkerTaskID, "unretriable", cfErrs.IsUnretriable(runErr))

	if job.Type == store.TaskGenerateSRT {
		task, err := c.state.Store().GetTaskByWorkerID(ctx, job.WorkerTaskID)
		if err == nil {
			if err := c.state.ApplySRTFailure(ctx, task, msg); err != nil {
				log.LogError(job.RequestID, "Failed to record transcription failure", err,
					"worker_task_id", job.WorkerTaskID)
			}
			return
		}
		log.LogError(job.RequestID, "Failed to load task for failure cascade", err,
			"worker_task_id", job.WorkerTaskID)
	}

	err := c.state.UpdateFromWorker(ctx, job.WorkerTaskID, state.WorkerUpdate{
		Status:       store.TaskStatusFailure,
		Progress:     -1,
		ErrorMessage: msg,
	})
	if err != nil {
		log.LogError(job.RequestID, "Failed to record task failure", err, "worker_task_id", job.WorkerTaskID)
	}

	db := c.state.Store().DB()
	switch {
	case job.Type == store.TaskExtractAudio && job.SubSliceID != 0:
		if err := store.UpdateSubSliceAudio(ctx, db, job.SubSliceID, store.TaskStatusFailure, "", job.WorkerTaskID, msg); err != nil {
			log.LogError(job.RequestID, "Failed to mirror audio failure onto sub-slice", err, "sub_slice_id", job.SubSliceID)
		}
	case job.Type == store.TaskExtractAudio && job.SliceID != 0:
		if err := store.UpdateSliceAudio(ctx, db, job.SliceID, store.TaskStatusFailure, "", job.WorkerTaskID, msg); err != nil {
			log.LogError(job.RequestID, "Failed to mirror audio failure onto slice", err, "slice_id", job.SliceID)
		}
	case job.Type == store.TaskCapcutExport && job.SliceID != 0:
		if err := c.state.Store().UpdateSliceExport(ctx, job.SliceID, "capcut", store.ExportFailed, "", msg); err != nil {
			log.LogError(job.RequestID, "Failed to mirror export failure onto slice", err, "slice_id", job.SliceID)
		}
	case job.Type == store.TaskJianyingExport && job.SliceID != 0:
		if err := c.state.Store().UpdateSliceExport(ctx, job.SliceID, "jianying", store.ExportFailed, "", msg); err != nil {
			log.LogError(job.RequestID, "Failed to mirror export failure onto slice", err, "slice_id", job.SliceID)
		}
	}
}

// maybeRetrySRT schedules a queue-level retry for a failed transcription. The
// job stays in the cache while the timer runs so resubmits and cancellation
// still find it. Unretriable errors and exhausted attempts fall through to
// the terminal failure path.
func (c *Coordinator) maybeRetrySRT(job *JobInfo, runErr error) bool {
	if job.Type != store.TaskGenerateSRT || cfErrs.IsUnretriable(runErr) || job.Attempt > maxSRTRetries {
		return false
	}
	err := c.state.UpdateFromWorker(context.Background(), job.WorkerTaskID, state.WorkerUpdate{
		Status:       store.TaskStatusRetry,
		Progress:     -1,
		ErrorMessage: runErr.Error(),
		Message:      fmt.Sprintf("transcription attempt %d of %d failed, retrying", job.Attempt, maxSRTRetries+1),
	})
	if err != nil {
		log.LogError(job.RequestID, "Failed to mark task for retry", err, "worker_task_id", job.WorkerTaskID)
		return false
	}
	delay := c.retryInterval + time.Duration(rand.Int63n(int64(srtRetryJitter)))
	log.Log(job.RequestID, "Scheduled transcription retry", "worker_task_id", job.WorkerTaskID,
		"attempt", job.Attempt, "delay", delay.String())
	time.AfterFunc(delay, func() {
		c.fireRetry(job)
	})
	return true
}

// fireRetry reruns a transcription job when its backoff timer expires,
// unless something else moved the task on in the meantime.
func (c *Coordinator) fireRetry(job *JobInfo) {
	if job.wasRevoked() {
		c.Jobs.Remove(job.RequestID, job.WorkerTaskID)
		return
	}
	task, err := c.state.Store().GetTaskByWorkerID(context.Background(), job.WorkerTaskID)
	if err != nil {
		log.LogError(job.RequestID, "Failed to load task for retry", err, "worker_task_id", job.WorkerTaskID)
		c.Jobs.Remove(job.RequestID, job.WorkerTaskID)
		return
	}
	if task.Status != store.TaskStatusRetry {
		log.Log(job.RequestID, "Skipping stale retry", "worker_task_id", job.WorkerTaskID,
			"status", string(task.Status))
		c.Jobs.Remove(job.RequestID, job.WorkerTaskID)
		return
	}
	job.Attempt++
	c.runJob(job)
}

// CancelVideo revokes every non-terminal task of a video, including async
// ones waiting on a transcription callback, and cancels the running workers.
// It returns how many tasks were revoked.
func (c *Coordinator) CancelVideo(ctx context.Context, requestID string, videoID int64) (int, error) {
	tasks, err := c.state.Store().ListTasksByVideo(ctx, videoID)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status.Terminal() {
			continue
		}
		if job := c.Jobs.Get(t.WorkerTaskID); job != nil {
			job.revoke()
			c.Jobs.Remove(requestID, t.WorkerTaskID)
		}
		if err := c.state.MarkRevoked(ctx, t.WorkerTaskID, "cancelled by user"); err != nil {
			log.LogError(requestID, "Failed to mark task revoked", err, "worker_task_id", t.WorkerTaskID)
			continue
		}
		revoked++
	}
	log.Log(requestID, "Cancelled video pipeline", "video_id", videoID, "tasks_revoked", revoked)
	return revoked, nil
}

// InFlight counts the jobs currently held by this process, including those
// waiting out a retry timer.
func (c *Coordinator) InFlight() int {
	return c.Jobs.Count()
}

func (c *Coordinator) markRunning(ctx context.Context, job *JobInfo, stageDescription string) error {
	return c.state.UpdateFromWorker(ctx, job.WorkerTaskID, state.WorkerUpdate{
		Status:           store.TaskStatusRunning,
		Progress:         0,
		StageDescription: stageDescription,
	})
}

// reportProgress pushes a progress tick. Failures only log: losing a tick
// must never fail the work itself.
func (c *Coordinator) reportProgress(ctx context.Context, job *JobInfo, percent float64, stageDescription string) {
	err := c.state.UpdateFromWorker(ctx, job.WorkerTaskID, state.WorkerUpdate{
		Status:           store.TaskStatusRunning,
		Progress:         percent,
		StageDescription: stageDescription,
	})
	if err != nil {
		log.LogError(job.RequestID, "Failed to report task progress", err,
			"worker_task_id", job.WorkerTaskID, "percent", percent)
	}
}

func (c *Coordinator) observeJob(job *JobInfo, success bool) {
	metrics.Metrics.PipelineDurationSec.
		WithLabelValues(string(job.Type), strconv.FormatBool(success)).
		Observe(time.Since(job.StartedAt).Seconds())
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoRequestID("panic in pipeline worker background goroutine, recovering", "err", rec)
			err = fmt.Errorf("panic in pipeline worker: %v", rec)
		}
	}()
	return f()
}
