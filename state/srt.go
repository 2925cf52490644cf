package state

import (
	"context"
	"fmt"

	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/store"
)

// The transcription outcome has two writers with one set of rules: the
// pipeline applies synchronous results and the callback server applies
// asynchronous ones. Both go through ApplySRTSuccess/ApplySRTFailure so the
// task row and the owning slice, sub-slice or video can never disagree about
// where the subtitle landed.

// ApplySRTSuccess finishes a transcription task and records the stored
// subtitle key on whatever owns the audio. extra is merged into the task's
// output_data alongside srt_url and total_segments.
func (m *Manager) ApplySRTSuccess(ctx context.Context, task *store.Task, srtKey string, totalSegments int, extra store.JSONMap) error {
	output := store.JSONMap{
		"srt_url":        srtKey,
		"total_segments": totalSegments,
	}
	for k, v := range extra {
		output[k] = v
	}
	if err := m.UpdateFromWorker(ctx, task.WorkerTaskID, WorkerUpdate{
		Status:     store.TaskStatusSuccess,
		Progress:   -1,
		Message:    "transcription complete",
		OutputData: output,
	}); err != nil {
		return err
	}

	switch {
	case task.SubSliceID() != 0:
		if err := store.UpdateSubSliceSRT(ctx, m.store.DB(), task.SubSliceID(),
			store.TaskStatusSuccess, srtKey, task.WorkerTaskID, ""); err != nil {
			return err
		}
	case task.SliceID() != 0:
		if err := store.UpdateSliceSRT(ctx, m.store.DB(), task.SliceID(),
			store.TaskStatusSuccess, srtKey, task.WorkerTaskID, ""); err != nil {
			return err
		}
	default:
		if err := m.store.UpsertTranscript(ctx, task.VideoID, srtKey); err != nil {
			return err
		}
		if err := m.store.MergeVideoMetadata(ctx, task.VideoID, store.JSONMap{"srt_path": srtKey}); err != nil {
			return err
		}
	}
	log.Log(task.RequestID(), "recorded transcription result", "worker_task_id", task.WorkerTaskID,
		"srt_key", srtKey, "segments", totalSegments)
	return nil
}

// ApplySRTFailure fails a transcription task and mirrors the error onto the
// owning slice or sub-slice row. Video-level failures are visible through the
// roll-up alone.
func (m *Manager) ApplySRTFailure(ctx context.Context, task *store.Task, errMsg string) error {
	if err := m.UpdateFromWorker(ctx, task.WorkerTaskID, WorkerUpdate{
		Status:       store.TaskStatusFailure,
		Progress:     -1,
		ErrorMessage: errMsg,
	}); err != nil {
		return err
	}

	switch {
	case task.SubSliceID() != 0:
		return store.UpdateSubSliceSRT(ctx, m.store.DB(), task.SubSliceID(),
			store.TaskStatusFailure, "", task.WorkerTaskID, errMsg)
	case task.SliceID() != 0:
		return store.UpdateSliceSRT(ctx, m.store.DB(), task.SliceID(),
			store.TaskStatusFailure, "", task.WorkerTaskID, errMsg)
	}
	return nil
}

// RecordTaskInput merges extra keys into the task's input_data, e.g. the
// external ASR task id once an async job exists.
func (m *Manager) RecordTaskInput(ctx context.Context, workerTaskID string, meta store.JSONMap) error {
	if err := store.MergeTaskInputData(ctx, m.store.DB(), workerTaskID, meta); err != nil {
		return fmt.Errorf("failed to record task input: %w", err)
	}
	return nil
}
