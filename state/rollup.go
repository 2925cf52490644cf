// Package state owns every write to task status, task progress and the
// per-video ProcessingStatus roll-up. Workers and the callback server never
// touch those rows directly; they report here and the manager folds the
// update, the task log and the roll-up into one transaction.
package state

import (
	"github.com/clipforge/clipforge-api/progress"
	"github.com/clipforge/clipforge-api/store"
)

// ComputeRollup folds a video's root tasks into its ProcessingStatus row.
// Tasks that belong to a slice or sub-slice are ignored: their lifecycle
// lives on the slice tree, never on the video. prev may be nil; when given
// it supplies the roll-up identity, the error counters and the floor for
// current_stage, which never rewinds below a stage that already ran.
func ComputeRollup(videoID int64, tasks []store.Task, prev *store.ProcessingStatus) *store.ProcessingStatus {
	ps := &store.ProcessingStatus{
		VideoID:            videoID,
		DownloadStatus:     store.TaskStatusPending,
		ExtractAudioStatus: store.TaskStatusPending,
		GenerateSRTStatus:  store.TaskStatusPending,
		CurrentStage:       store.StageDownload,
	}
	if prev != nil {
		ps.ID = prev.ID
		ps.ErrorCount = prev.ErrorCount
		ps.LastError = prev.LastError
		if prev.CurrentStage.Order() > ps.CurrentStage.Order() {
			ps.CurrentStage = prev.CurrentStage
		}
	}

	latest := latestRootTasks(tasks)

	if t := latest[store.TaskDownload]; t != nil {
		ps.DownloadStatus, ps.DownloadProgress = t.Status, stageProgress(t)
	}
	if t := latest[store.TaskExtractAudio]; t != nil {
		ps.ExtractAudioStatus, ps.ExtractAudioProgress = t.Status, stageProgress(t)
	}
	if t := latest[store.TaskGenerateSRT]; t != nil {
		ps.GenerateSRTStatus, ps.GenerateSRTProgress = t.Status, stageProgress(t)
	}

	var anyFailed, anyActive bool
	for _, t := range latest {
		switch t.Status {
		case store.TaskStatusFailure:
			anyFailed = true
		case store.TaskStatusRunning, store.TaskStatusRetry:
			anyActive = true
		}
		if t.Status != store.TaskStatusPending && t.Stage.Order() > ps.CurrentStage.Order() {
			ps.CurrentStage = t.Stage
		}
	}

	completed := rootStagesSucceeded(latest) && !laterStageInFlight(latest)

	switch {
	case anyFailed:
		ps.OverallStatus = store.OverallFailed
	case completed:
		ps.OverallStatus = store.OverallCompleted
	case anyActive:
		ps.OverallStatus = store.OverallRunning
	default:
		ps.OverallStatus = store.OverallPending
	}

	ps.OverallProgress = progress.Overall(
		ps.DownloadProgress, ps.ExtractAudioProgress, ps.GenerateSRTProgress,
		ps.OverallStatus == store.OverallCompleted)
	return ps
}

// latestRootTasks picks the newest task per type, skipping slice-level work.
// Retries reuse the same row, so one row per type is the common case; the
// newest row wins when a video was resubmitted.
func latestRootTasks(tasks []store.Task) map[store.TaskType]*store.Task {
	latest := map[store.TaskType]*store.Task{}
	for i := range tasks {
		t := &tasks[i]
		if t.SliceID() != 0 || t.SubSliceID() != 0 {
			continue
		}
		cur, ok := latest[t.Type]
		if !ok || t.CreatedAt.After(cur.CreatedAt) ||
			(t.CreatedAt.Equal(cur.CreatedAt) && t.ID > cur.ID) {
			latest[t.Type] = t
		}
	}
	return latest
}

func stageProgress(t *store.Task) float64 {
	if t.Status == store.TaskStatusSuccess {
		return 100
	}
	if t.Progress < 0 {
		return 0
	}
	return t.Progress
}

func rootStagesSucceeded(latest map[store.TaskType]*store.Task) bool {
	for _, typ := range []store.TaskType{store.TaskDownload, store.TaskExtractAudio, store.TaskGenerateSRT} {
		t := latest[typ]
		if t == nil || t.Status != store.TaskStatusSuccess {
			return false
		}
	}
	return true
}

func laterStageInFlight(latest map[store.TaskType]*store.Task) bool {
	for _, typ := range []store.TaskType{store.TaskSliceVideo, store.TaskCapcutExport, store.TaskJianyingExport} {
		if t := latest[typ]; t != nil && !t.Status.Terminal() {
			return true
		}
	}
	return false
}

// videoStatusFor maps the roll-up onto the coarse per-video status column.
func videoStatusFor(ps *store.ProcessingStatus) store.VideoStatus {
	switch {
	case ps.OverallStatus == store.OverallFailed:
		return store.VideoFailed
	case ps.OverallStatus == store.OverallCompleted:
		return store.VideoCompleted
	case ps.DownloadStatus == store.TaskStatusRunning || ps.DownloadStatus == store.TaskStatusRetry:
		return store.VideoDownloading
	case ps.DownloadStatus != store.TaskStatusSuccess:
		return store.VideoPending
	case ps.ExtractAudioStatus == store.TaskStatusPending && ps.GenerateSRTStatus == store.TaskStatusPending &&
		ps.CurrentStage.Order() <= store.StageExtractAudio.Order():
		return store.VideoDownloaded
	default:
		return store.VideoProcessing
	}
}
