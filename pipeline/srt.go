package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/clipforge/clipforge-api/callback"
	"github.com/clipforge/clipforge-api/clients"
	cfErrs "github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/state"
	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/subtitle"
	"github.com/clipforge/clipforge-api/video"
)

const (
	strategySync = "sync"
	strategyTUS  = "tus"
)

// MinCutWindowSeconds is the shortest transcription window the ASR services
// accept. Anything shorter is rejected before the audio is cut or sent.
const MinCutWindowSeconds = 5.0

// runGenerateSRT transcribes one audio artifact. Small files go through the
// synchronous ASR endpoint; large ones take the resumable upload path and
// finish later on the callback server. A windowed request always runs
// synchronously: its cues must be shifted back onto the source timeline
// before storing, which the callback path cannot do.
func (c *Coordinator) runGenerateSRT(ctx context.Context, job *JobInfo, window *CutWindow) (*taskOutput, error) {
	if err := c.markRunning(ctx, job, "preparing transcription"); err != nil {
		return nil, err
	}
	task, err := c.state.Store().GetTaskByWorkerID(ctx, job.WorkerTaskID)
	if err != nil {
		return nil, err
	}
	v, err := c.state.Store().GetVideo(ctx, job.VideoID)
	if err != nil {
		return nil, err
	}

	audioKey, err := c.resolveAudioKey(ctx, job, v)
	if err != nil {
		return nil, err
	}
	srtKey, err := callback.SRTKeyFor(ctx, c.state.Store(), task, v)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(c.cli.WorkDir, "srt-*")
	if err != nil {
		return nil, fmt.Errorf("error creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	c.reportProgress(ctx, job, 10, "fetching audio")
	audioPath := filepath.Join(workDir, path.Base(audioKey))
	if err := c.objects.DownloadTo(ctx, job.RequestID, audioKey, audioPath); err != nil {
		return nil, err
	}

	audioPath, err = c.normalizeAudio(ctx, job, audioKey, audioPath, workDir)
	if err != nil {
		return nil, err
	}
	if window != nil {
		audioPath, err = c.cutWindow(ctx, job, audioPath, workDir, window)
		if err != nil {
			return nil, err
		}
	}

	stat, err := os.Stat(audioPath)
	if err != nil {
		return nil, fmt.Errorf("error statting audio file: %w", err)
	}
	strategy, fallbackReason := c.pickStrategy(stat.Size(), window != nil)
	log.Log(job.RequestID, "Picked transcription strategy", "strategy", strategy,
		"audio_bytes", stat.Size(), "fallback_reason", fallbackReason)

	if strategy == strategyTUS {
		return c.transcribeTUS(ctx, job, task, audioPath)
	}
	return c.transcribeSync(ctx, job, task, audioPath, srtKey, window, fallbackReason)
}

// resolveAudioKey finds the stored audio for whatever owns this task. Root
// tasks read the key the extract stage recorded, slice nodes read their row.
func (c *Coordinator) resolveAudioKey(ctx context.Context, job *JobInfo, v *store.Video) (string, error) {
	switch {
	case job.SubSliceID != 0:
		ss, err := c.state.Store().GetSubSlice(ctx, job.SubSliceID)
		if err != nil {
			return "", err
		}
		if ss.AudioURL == "" {
			return "", cfErrs.Unretriable(fmt.Errorf("sub-slice %d has no extracted audio", ss.ID))
		}
		return ss.AudioURL, nil
	case job.SliceID != 0:
		sl, err := c.state.Store().GetSlice(ctx, job.SliceID)
		if err != nil {
			return "", err
		}
		if sl.AudioURL == "" {
			return "", cfErrs.Unretriable(fmt.Errorf("slice %d has no extracted audio", sl.ID))
		}
		return sl.AudioURL, nil
	}

	key := v.ProcessingMetadata.String("audio_path")
	if key == "" {
		key = clients.AudioKey(v.UserID, v.ProjectID, v.ID)
	}
	exists, err := c.objects.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", cfErrs.Unretriable(fmt.Errorf("video %d has no extracted audio at %s", v.ID, key))
	}
	return key, nil
}

// normalizeAudio re-encodes the audio to the ASR contract when the stored
// file drifted from it, refreshing the stored object in place.
func (c *Coordinator) normalizeAudio(ctx context.Context, job *JobInfo, audioKey, audioPath, workDir string) (string, error) {
	iv, err := c.prober.ProbeAudioFile(job.RequestID, audioPath)
	if err != nil {
		return "", fmt.Errorf("stored audio failed probing: %w", err)
	}
	if video.IsNormalizedAudio(iv) {
		return audioPath, nil
	}
	c.reportProgress(ctx, job, 20, "normalizing audio")
	normalizedPath := filepath.Join(workDir, "normalized.wav")
	if err := video.ResampleAudio(audioPath, normalizedPath); err != nil {
		return "", err
	}
	if _, err := c.objects.PutFile(ctx, job.RequestID, normalizedPath, audioKey, "audio/wav"); err != nil {
		log.LogError(job.RequestID, "Failed to refresh stored audio with normalized copy", err, "key", audioKey)
	}
	return normalizedPath, nil
}

// cutWindow trims the audio to the requested transcription interval.
func (c *Coordinator) cutWindow(ctx context.Context, job *JobInfo, audioPath, workDir string, window *CutWindow) (string, error) {
	if window.Start < 0 || window.End <= window.Start {
		return "", cfErrs.Unretriable(fmt.Errorf(
			"transcription window [%.2f, %.2f] is not a valid interval", window.Start, window.End))
	}
	if window.End-window.Start < MinCutWindowSeconds {
		return "", cfErrs.Unretriable(fmt.Errorf(
			"transcription window [%.2f, %.2f] is shorter than %.0fs", window.Start, window.End, MinCutWindowSeconds))
	}
	c.reportProgress(ctx, job, 25, "cutting transcription window")
	cutPath := filepath.Join(workDir, "window.wav")
	if _, err := video.CutAudio(audioPath, cutPath, window.Start, window.End); err != nil {
		return "", err
	}
	return cutPath, nil
}

// pickStrategy routes one transcription by configured mode, audio size and
// windowing. A fallback reason comes back whenever the resumable path would
// have been taken but cannot be.
func (c *Coordinator) pickStrategy(sizeBytes int64, windowed bool) (string, string) {
	var wantTUS bool
	switch c.cli.ASRMode {
	case "sync":
		return strategySync, ""
	case "tus":
		wantTUS = true
	default:
		wantTUS = sizeBytes > c.cli.TUSThresholdBytes()
	}
	if !wantTUS {
		return strategySync, ""
	}
	if windowed {
		return strategySync, "windowed transcription always runs synchronously"
	}
	if !c.cli.HasTUS() || c.tus == nil || c.registry == nil {
		return strategySync, "resumable ASR backend not configured"
	}
	return strategyTUS, ""
}

// transcribeSync runs the whole transcription in this process and records the
// result through the same path the callback server uses, so both strategies
// leave identical state behind.
func (c *Coordinator) transcribeSync(ctx context.Context, job *JobInfo, task *store.Task,
	audioPath, srtKey string, window *CutWindow, fallbackReason string) (*taskOutput, error) {

	if c.asr == nil {
		return nil, cfErrs.Unretriable(fmt.Errorf("no synchronous ASR backend configured"))
	}
	c.reportProgress(ctx, job, 40, "transcribing audio")
	text, err := c.asr.Transcribe(ctx, job.RequestID, audioPath)
	if err != nil {
		return nil, err
	}
	cues, err := subtitle.Parse(text)
	if err != nil {
		return nil, cfErrs.NewUpstreamProtocolError("asr", fmt.Errorf("backend returned unparseable subtitles: %w", err))
	}
	cues = subtitle.Sanitize(cues)
	if window != nil {
		cues = subtitle.Shift(cues, window.Start)
	}

	c.reportProgress(ctx, job, 90, "storing subtitles")
	if err := c.objects.PutBytes(ctx, job.RequestID, srtKey, subtitle.Marshal(cues), "application/x-subrip"); err != nil {
		return nil, err
	}

	extra := store.JSONMap{"strategy": strategySync}
	if fallbackReason != "" {
		extra["fallback_reason"] = fallbackReason
	}
	if window != nil {
		extra["window_start"] = window.Start
		extra["window_end"] = window.End
	}
	if err := c.state.ApplySRTSuccess(ctx, task, srtKey, len(cues), extra); err != nil {
		return nil, err
	}
	return &taskOutput{}, nil
}

// transcribeTUS pushes the audio to the resumable backend and leaves the task
// running; the callback server completes it. The registration is written
// before the upload starts because the callback can beat the final PATCH
// response.
func (c *Coordinator) transcribeTUS(ctx context.Context, job *JobInfo, task *store.Task, audioPath string) (*taskOutput, error) {
	callbackURL := callback.PublicURL(c.cli)
	tusJob, err := c.tus.CreateJob(ctx, job.RequestID, audioPath, callbackURL)
	if err != nil {
		return nil, err
	}
	reg := callback.Registration{
		WorkerTaskID: job.WorkerTaskID,
		RequestID:    job.RequestID,
		VideoID:      job.VideoID,
		SliceID:      job.SliceID,
		SubSliceID:   job.SubSliceID,
	}
	if err := c.registry.Register(ctx, tusJob.TaskID, reg); err != nil {
		return nil, err
	}
	if err := c.state.RecordTaskInput(ctx, job.WorkerTaskID, store.JSONMap{
		"asr_task_id": tusJob.TaskID,
		"strategy":    strategyTUS,
	}); err != nil {
		return nil, err
	}
	c.state.LogTaskEvent(ctx, task, fmt.Sprintf("registered async transcription %s", tusJob.TaskID))

	c.reportProgress(ctx, job, 40, "uploading audio for transcription")
	if err := c.tus.Upload(ctx, job.RequestID, tusJob, audioPath); err != nil {
		return nil, err
	}

	asyncOn := true
	err = c.state.UpdateFromWorker(ctx, job.WorkerTaskID, state.WorkerUpdate{
		Status:           store.TaskStatusRunning,
		Progress:         60,
		StageDescription: "waiting for transcription callback",
		AsyncProcessing:  &asyncOn,
	})
	if err != nil {
		return nil, err
	}
	log.Log(job.RequestID, "Handed transcription to async backend", "asr_task_id", tusJob.TaskID)
	return &taskOutput{async: true}, nil
}
