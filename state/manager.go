package state

import (
	"context"
	"fmt"
	"reflect"

	"github.com/clipforge/clipforge-api/config"
	cfErrs "github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/progress"
	"github.com/clipforge/clipforge-api/store"
)

// ProgressSink receives a delta after every committed state change. The
// manager calls it after commit and never waits on it.
type ProgressSink interface {
	Publish(d progress.Delta)
}

type Manager struct {
	store *store.Store
	sink  ProgressSink
}

func NewManager(s *store.Store, sink ProgressSink) *Manager {
	return &Manager{store: s, sink: sink}
}

func (m *Manager) Store() *store.Store {
	return m.store
}

// WorkerUpdate carries everything a worker may report about one task. A
// negative Progress leaves the stored value untouched.
type WorkerUpdate struct {
	Status           store.TaskStatus
	Progress         float64
	StageDescription string
	Message          string
	ErrorMessage     string
	OutputData       store.JSONMap
	AsyncProcessing  *bool
}

// CreateTask registers a unit of work and refreshes the video roll-up.
// It is keyed on worker_task_id, so resubmitting the same work returns the
// existing row instead of forking a duplicate pipeline.
func (m *Manager) CreateTask(ctx context.Context, t *store.Task) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to open task create transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := store.UpsertTask(ctx, tx, t); err != nil {
		return err
	}
	video, err := store.SelectVideo(ctx, tx, t.VideoID)
	if err != nil {
		return err
	}

	var rollup *store.ProcessingStatus
	if rootTask(t) {
		if rollup, err = m.refreshRollup(ctx, tx, video, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task create: %w", err)
	}

	m.publish(video, t, progress.Delta{
		Rollup:    rollup,
		Immediate: true,
	})
	return nil
}

// UpdateFromWorker applies a worker's report to the task row, appends the
// task log on status changes and recomputes the roll-up, all in one
// transaction. Equal target state is a no-op. The progress delta goes out
// only after the commit.
func (m *Manager) UpdateFromWorker(ctx context.Context, workerTaskID string, upd WorkerUpdate) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to open task update transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := store.SelectTaskForUpdate(ctx, tx, workerTaskID)
	if err != nil {
		return err
	}
	if isNoop(task, upd) {
		return nil
	}
	if !legalTransition(task.Status, upd.Status) {
		return cfErrs.Unretriable(fmt.Errorf(
			"illegal transition %s -> %s for task %s", task.Status, upd.Status, workerTaskID))
	}

	oldStatus, oldProgress := task.Status, task.Progress
	applyUpdate(task, upd)

	if err := store.UpdateTaskRow(ctx, tx, task); err != nil {
		return err
	}
	if oldStatus != task.Status {
		err := store.InsertTaskLog(ctx, tx, &store.TaskLog{
			TaskID:    task.ID,
			OldStatus: oldStatus,
			NewStatus: task.Status,
			Message:   transitionMessage(task, upd),
		})
		if err != nil {
			return err
		}
		metrics.Metrics.PipelineStageCount.WithLabelValues(string(task.Stage), string(task.Status)).Inc()
	}

	video, err := store.SelectVideo(ctx, tx, task.VideoID)
	if err != nil {
		return err
	}

	var rollup *store.ProcessingStatus
	prevOverall := 0.0
	if rootTask(task) {
		prev, err := previousRollup(ctx, tx, task.VideoID)
		if err != nil {
			return err
		}
		if prev != nil {
			prevOverall = prev.OverallProgress
		}
		tasks, err := store.ListVideoTasks(ctx, tx, task.VideoID)
		if err != nil {
			return err
		}
		rollup = ComputeRollup(task.VideoID, tasks, prev)
		if oldStatus != store.TaskStatusFailure && task.Status == store.TaskStatusFailure {
			rollup.ErrorCount++
			rollup.LastError = task.ErrorMessage
		}
		if err := store.UpsertProcessingStatus(ctx, tx, rollup); err != nil {
			return err
		}
		if err := store.UpdateVideoPipelineState(ctx, tx, video.ID, videoStatusFor(rollup), rollup.DownloadProgress); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task update: %w", err)
	}

	d := progress.Delta{Rollup: rollup}
	d.Completed = rollup != nil && rollup.OverallStatus == store.OverallCompleted
	if rollup != nil {
		d.Immediate = oldStatus != task.Status || d.Completed ||
			progress.CrossedPercent(prevOverall, rollup.OverallProgress)
	} else {
		d.Immediate = oldStatus != task.Status ||
			progress.CrossedPercent(oldProgress, task.Progress)
	}
	m.publish(video, task, d)
	return nil
}

// MarkRevoked cancels a task that will never run again.
func (m *Manager) MarkRevoked(ctx context.Context, workerTaskID, reason string) error {
	return m.UpdateFromWorker(ctx, workerTaskID, WorkerUpdate{
		Status:   store.TaskStatusRevoked,
		Progress: -1,
		Message:  reason,
	})
}

// VideoProgress is the read model served to clients polling for status.
type VideoProgress struct {
	Video  *store.Video            `json:"video"`
	Rollup *store.ProcessingStatus `json:"processing_status"`
	Tasks  []store.Task            `json:"tasks"`
}

// Snapshot assembles the current roll-up plus the task list for one video.
// A video with no roll-up row yet reports a synthesized pending state.
func (m *Manager) Snapshot(ctx context.Context, videoID int64) (*VideoProgress, error) {
	video, err := m.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	tasks, err := m.store.ListTasksByVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	rollup, err := m.store.GetProcessingStatus(ctx, videoID)
	if cfErrs.IsObjectNotFound(err) {
		rollup = ComputeRollup(videoID, tasks, nil)
	} else if err != nil {
		return nil, err
	}
	return &VideoProgress{Video: video, Rollup: rollup, Tasks: tasks}, nil
}

func (m *Manager) publish(video *store.Video, task *store.Task, d progress.Delta) {
	if m.sink == nil {
		return
	}
	d.UserID = video.UserID
	d.VideoID = video.ID
	d.TaskType = task.Type
	d.TaskStatus = task.Status
	d.Stage = task.Stage
	d.StageDescription = task.StageDescription
	d.Message = task.Message
	m.sink.Publish(d)
}

func previousRollup(ctx context.Context, q store.Querier, videoID int64) (*store.ProcessingStatus, error) {
	prev, err := store.SelectProcessingStatus(ctx, q, videoID)
	if cfErrs.IsObjectNotFound(err) {
		return nil, nil
	}
	return prev, err
}

// rootTask reports whether a task participates in the video roll-up. Slice
// and sub-slice tasks never do.
func rootTask(t *store.Task) bool {
	return t.SliceID() == 0 && t.SubSliceID() == 0
}

func (m *Manager) refreshRollup(ctx context.Context, q store.Querier, video *store.Video, task *store.Task) (*store.ProcessingStatus, error) {
	prev, err := previousRollup(ctx, q, video.ID)
	if err != nil {
		return nil, err
	}
	tasks, err := store.ListVideoTasks(ctx, q, video.ID)
	if err != nil {
		return nil, err
	}
	rollup := ComputeRollup(video.ID, tasks, prev)
	if err := store.UpsertProcessingStatus(ctx, q, rollup); err != nil {
		return nil, err
	}
	if err := store.UpdateVideoPipelineState(ctx, q, video.ID, videoStatusFor(rollup), rollup.DownloadProgress); err != nil {
		return nil, err
	}
	return rollup, nil
}

// isNoop implements the idempotency contract: a report that matches the
// stored state exactly must not touch the row, the log or the roll-up.
func isNoop(task *store.Task, upd WorkerUpdate) bool {
	if task.Status != upd.Status {
		return false
	}
	if upd.Progress >= 0 && upd.Progress != task.Progress {
		return false
	}
	if upd.StageDescription != "" && upd.StageDescription != task.StageDescription {
		return false
	}
	if upd.ErrorMessage != "" && upd.ErrorMessage != task.ErrorMessage {
		return false
	}
	if upd.OutputData != nil && !reflect.DeepEqual(map[string]interface{}(upd.OutputData), map[string]interface{}(task.OutputData)) {
		return false
	}
	if upd.AsyncProcessing != nil && *upd.AsyncProcessing != task.AsyncProcessing {
		return false
	}
	return true
}

// legalTransition encodes the task status machine. Retrying a failure is
// legal, as is a late success landing after a timeout already failed the
// task. Success and revocation are final.
func legalTransition(from, to store.TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case store.TaskStatusPending, store.TaskStatusRunning, store.TaskStatusRetry:
		return true
	case store.TaskStatusFailure:
		return to != store.TaskStatusPending
	default:
		return false
	}
}

func applyUpdate(task *store.Task, upd WorkerUpdate) {
	now := config.Clock.Now()

	if task.Status != upd.Status {
		switch upd.Status {
		case store.TaskStatusRunning:
			if task.StartedAt == nil {
				task.StartedAt = &now
			}
			if task.Status == store.TaskStatusFailure || task.Status == store.TaskStatusRetry {
				// Retry of a failed stage starts the attempt over.
				task.Progress = 0
				task.ErrorMessage = ""
				task.CompletedAt = nil
			}
		case store.TaskStatusSuccess, store.TaskStatusFailure, store.TaskStatusRevoked:
			task.CompletedAt = &now
		}
	}
	task.Status = upd.Status

	switch {
	case upd.Status == store.TaskStatusSuccess:
		task.Progress = 100
	case upd.Progress >= 0:
		task.Progress = upd.Progress
	}
	if upd.StageDescription != "" {
		task.StageDescription = upd.StageDescription
	}
	if upd.Message != "" {
		task.Message = upd.Message
	}
	if upd.ErrorMessage != "" {
		task.ErrorMessage = upd.ErrorMessage
	}
	if upd.OutputData != nil {
		task.OutputData = upd.OutputData
	}
	if upd.AsyncProcessing != nil {
		task.AsyncProcessing = *upd.AsyncProcessing
	}
}

func transitionMessage(task *store.Task, upd WorkerUpdate) string {
	if upd.ErrorMessage != "" {
		return upd.ErrorMessage
	}
	if upd.Message != "" {
		return upd.Message
	}
	return string(task.Status)
}

// LogTaskEvent records a durable breadcrumb outside the transition path,
// for events like callback registration that change no status.
func (m *Manager) LogTaskEvent(ctx context.Context, task *store.Task, message string) {
	err := store.InsertTaskLog(ctx, m.store.DB(), &store.TaskLog{
		TaskID:    task.ID,
		OldStatus: task.Status,
		NewStatus: task.Status,
		Message:   message,
	})
	if err != nil {
		log.LogError("", "Failed to append task log", err, "task_id", task.ID)
	}
}
