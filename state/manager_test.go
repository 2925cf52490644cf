package state

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-api/config"
	cfErrs "github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/progress"
	"github.com/clipforge/clipforge-api/store"
)

// captureSink records every delta the manager publishes after commit.
type captureSink struct {
	deltas []progress.Delta
}

func (c *captureSink) Publish(d progress.Delta) {
	c.deltas = append(c.deltas, d)
}

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock, *captureSink) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sink := &captureSink{}
	return NewManager(store.New(db), sink), mock, sink
}

func taskRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "video_id", "type", "name", "worker_task_id", "status", "progress", "stage",
		"stage_description", "message", "error_message", "input_data", "output_data",
		"async_processing", "started_at", "completed_at", "created_at", "updated_at",
	})
}

func videoRows(id int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "project_id", "user_id", "url", "title", "filename", "storage_path", "filesize",
		"duration", "thumbnail", "status", "download_progress", "processing_metadata",
		"created_at", "updated_at",
	}).AddRow(
		id, int64(7), int64(3), "https://videos.example/watch?v=1", "A title", "source.mp4",
		"", int64(0), 0.0, "", "pending", 0.0, []byte(`{}`), now, now,
	)
}

func processingStatusRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "video_id", "overall_status", "overall_progress", "current_stage",
		"download_status", "download_progress", "extract_audio_status", "extract_audio_progress",
		"generate_srt_status", "generate_srt_progress", "error_count", "last_error", "updated_at",
	})
}

func TestCreateTaskWritesRollupForRootTask(t *testing.T) {
	m, mock, sink := newMockManager(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tasks").
		WithArgs(int64(42), store.TaskDownload, "download video 42", "wtid-1",
			store.TaskStatusPending, 0.0, store.StageDownload, sqlmock.AnyArg()).
		WillReturnRows(taskRows().AddRow(
			int64(7), int64(42), "download", "download video 42", "wtid-1", "pending", 0.0,
			"DOWNLOAD", "", "", "", []byte(`{"url":"https://videos.example/watch?v=1"}`),
			[]byte(`{}`), false, nil, nil, now, now,
		))
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(videoRows(42))
	// first task for the video, so no roll-up row exists yet
	mock.ExpectQuery("SELECT (.+) FROM processing_statuses WHERE video_id").
		WithArgs(int64(42)).
		WillReturnRows(processingStatusRows())
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE video_id").
		WithArgs(int64(42)).
		WillReturnRows(taskRows().AddRow(
			int64(7), int64(42), "download", "download video 42", "wtid-1", "pending", 0.0,
			"DOWNLOAD", "", "", "", []byte(`{}`), []byte(`{}`), false, nil, nil, now, now,
		))
	mock.ExpectExec("INSERT INTO processing_statuses").
		WithArgs(int64(42), store.OverallPending, 0.0, store.StageDownload,
			store.TaskStatusPending, 0.0, store.TaskStatusPending, 0.0,
			store.TaskStatusPending, 0.0, 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE videos SET status").
		WithArgs(int64(42), store.VideoPending, 0.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task := &store.Task{
		VideoID:      42,
		Type:         store.TaskDownload,
		Name:         "download video 42",
		WorkerTaskID: "wtid-1",
		InputData:    store.JSONMap{"url": "https://videos.example/watch?v=1"},
	}
	require.NoError(t, m.CreateTask(context.Background(), task))
	require.Equal(t, int64(7), task.ID)

	require.Len(t, sink.deltas, 1)
	d := sink.deltas[0]
	require.True(t, d.Immediate)
	require.Equal(t, int64(3), d.UserID)
	require.Equal(t, int64(42), d.VideoID)
	require.Equal(t, store.TaskDownload, d.TaskType)
	require.NotNil(t, d.Rollup)
	require.Equal(t, store.OverallPending, d.Rollup.OverallStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTaskSliceTaskLeavesRollupAlone(t *testing.T) {
	m, mock, sink := newMockManager(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(taskRows().AddRow(
			int64(8), int64(42), "slice_video", "slice 5", "wtid-2", "pending", 0.0,
			"SLICE_VIDEO", "", "", "", []byte(`{"slice_id":5}`), []byte(`{}`),
			false, nil, nil, now, now,
		))
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(videoRows(42))
	mock.ExpectCommit()

	task := &store.Task{
		VideoID:      42,
		Type:         store.TaskSliceVideo,
		Name:         "slice 5",
		WorkerTaskID: "wtid-2",
		InputData:    store.JSONMap{"slice_id": 5},
	}
	require.NoError(t, m.CreateTask(context.Background(), task))

	require.Len(t, sink.deltas, 1)
	require.Nil(t, sink.deltas[0].Rollup)
	require.True(t, sink.deltas[0].Immediate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFromWorkerNoopTouchesNothing(t *testing.T) {
	m, mock, sink := newMockManager(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE worker_task_id (.+) FOR UPDATE").
		WithArgs("wtid-1").
		WillReturnRows(taskRows().AddRow(
			int64(7), int64(42), "download", "", "wtid-1", "running", 50.0,
			"DOWNLOAD", "fetching media", "", "", []byte(`{}`), []byte(`{}`),
			false, now, nil, now, now,
		))
	mock.ExpectRollback()

	err := m.UpdateFromWorker(context.Background(), "wtid-1", WorkerUpdate{
		Status:           store.TaskStatusRunning,
		Progress:         50,
		StageDescription: "fetching media",
	})
	require.NoError(t, err)
	require.Empty(t, sink.deltas)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFromWorkerRejectsIllegalTransition(t *testing.T) {
	m, mock, _ := newMockManager(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE worker_task_id (.+) FOR UPDATE").
		WithArgs("wtid-1").
		WillReturnRows(taskRows().AddRow(
			int64(7), int64(42), "download", "", "wtid-1", "success", 100.0,
			"DOWNLOAD", "", "", "", []byte(`{}`), []byte(`{}`), false, now, now, now, now,
		))
	mock.ExpectRollback()

	err := m.UpdateFromWorker(context.Background(), "wtid-1", WorkerUpdate{
		Status:   store.TaskStatusRunning,
		Progress: 10,
	})
	require.Error(t, err)
	require.True(t, cfErrs.IsUnretriable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFromWorkerFailureBumpsErrorCount(t *testing.T) {
	m, mock, sink := newMockManager(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE worker_task_id (.+) FOR UPDATE").
		WithArgs("wtid-1").
		WillReturnRows(taskRows().AddRow(
			int64(7), int64(42), "download", "", "wtid-1", "running", 60.0,
			"DOWNLOAD", "", "", "", []byte(`{}`), []byte(`{}`), false, now, nil, now, now,
		))
	mock.ExpectExec("UPDATE tasks SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO task_logs").
		WithArgs(int64(7), store.TaskStatusRunning, store.TaskStatusFailure,
			"yt-dlp exited 1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), now))
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(videoRows(42))
	mock.ExpectQuery("SELECT (.+) FROM processing_statuses WHERE video_id").
		WithArgs(int64(42)).
		WillReturnRows(processingStatusRows().AddRow(
			int64(3), int64(42), "running", 20.0, "DOWNLOAD",
			"running", 60.0, "pending", 0.0, "pending", 0.0, 0, "", now,
		))
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE video_id").
		WithArgs(int64(42)).
		WillReturnRows(taskRows().AddRow(
			int64(7), int64(42), "download", "", "wtid-1", "failure", 60.0,
			"DOWNLOAD", "", "", "yt-dlp exited 1", []byte(`{}`), []byte(`{}`),
			false, now, now, now, now,
		))
	mock.ExpectExec("INSERT INTO processing_statuses").
		WithArgs(int64(42), store.OverallFailed, 20.0, store.StageDownload,
			store.TaskStatusFailure, 60.0, store.TaskStatusPending, 0.0,
			store.TaskStatusPending, 0.0, 1, "yt-dlp exited 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE videos SET status").
		WithArgs(int64(42), store.VideoFailed, 60.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := m.UpdateFromWorker(context.Background(), "wtid-1", WorkerUpdate{
		Status:       store.TaskStatusFailure,
		Progress:     -1,
		ErrorMessage: "yt-dlp exited 1",
	})
	require.NoError(t, err)

	require.Len(t, sink.deltas, 1)
	d := sink.deltas[0]
	require.True(t, d.Immediate)
	require.False(t, d.Completed)
	require.Equal(t, store.TaskStatusFailure, d.TaskStatus)
	require.Equal(t, 1, d.Rollup.ErrorCount)
	require.Equal(t, "yt-dlp exited 1", d.Rollup.LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRevokedSliceTaskSkipsRollup(t *testing.T) {
	m, mock, sink := newMockManager(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE worker_task_id (.+) FOR UPDATE").
		WithArgs("wtid-5").
		WillReturnRows(taskRows().AddRow(
			int64(9), int64(42), "slice_video", "", "wtid-5", "pending", 0.0,
			"SLICE_VIDEO", "", "", "", []byte(`{"slice_id":5}`), []byte(`{}`),
			false, nil, nil, now, now,
		))
	mock.ExpectExec("UPDATE tasks SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO task_logs").
		WithArgs(int64(9), store.TaskStatusPending, store.TaskStatusRevoked,
			"superseded by a new plan", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(2), now))
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(videoRows(42))
	mock.ExpectCommit()

	require.NoError(t, m.MarkRevoked(context.Background(), "wtid-5", "superseded by a new plan"))

	require.Len(t, sink.deltas, 1)
	require.Nil(t, sink.deltas[0].Rollup)
	require.True(t, sink.deltas[0].Immediate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotSynthesizesMissingRollup(t *testing.T) {
	m, mock, _ := newMockManager(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(videoRows(42))
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE video_id").
		WithArgs(int64(42)).
		WillReturnRows(taskRows().AddRow(
			int64(7), int64(42), "download", "", "wtid-1", "running", 30.0,
			"DOWNLOAD", "", "", "", []byte(`{}`), []byte(`{}`), false, now, nil, now, now,
		))
	mock.ExpectQuery("SELECT (.+) FROM processing_statuses WHERE video_id").
		WithArgs(int64(42)).
		WillReturnRows(processingStatusRows())

	snap, err := m.Snapshot(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 1)
	require.Equal(t, store.OverallRunning, snap.Rollup.OverallStatus)
	require.Equal(t, 10.0, snap.Rollup.OverallProgress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLegalTransition(t *testing.T) {
	tests := []struct {
		from, to store.TaskStatus
		ok       bool
	}{
		{store.TaskStatusPending, store.TaskStatusRunning, true},
		{store.TaskStatusRunning, store.TaskStatusFailure, true},
		{store.TaskStatusRetry, store.TaskStatusRunning, true},
		{store.TaskStatusFailure, store.TaskStatusRetry, true},
		{store.TaskStatusFailure, store.TaskStatusSuccess, true},
		{store.TaskStatusFailure, store.TaskStatusPending, false},
		{store.TaskStatusSuccess, store.TaskStatusRunning, false},
		{store.TaskStatusRevoked, store.TaskStatusRunning, false},
		{store.TaskStatusSuccess, store.TaskStatusSuccess, true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.ok, legalTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestApplyUpdateStampsLifecycleTimes(t *testing.T) {
	config.Clock = config.FixedTimestampGenerator{Timestamp: 1700000000}
	defer func() { config.Clock = config.RealTimestampGenerator{} }()
	now := config.Clock.Now()

	task := &store.Task{Status: store.TaskStatusPending}
	applyUpdate(task, WorkerUpdate{
		Status: store.TaskStatusRunning, Progress: 12, StageDescription: "fetching media",
	})
	require.NotNil(t, task.StartedAt)
	require.Equal(t, now, *task.StartedAt)
	require.Equal(t, 12.0, task.Progress)
	require.Equal(t, "fetching media", task.StageDescription)

	// retry of a failed attempt starts over
	task.Status = store.TaskStatusFailure
	task.ErrorMessage = "proxy refused"
	task.CompletedAt = &now
	applyUpdate(task, WorkerUpdate{Status: store.TaskStatusRunning, Progress: -1})
	require.Equal(t, 0.0, task.Progress)
	require.Empty(t, task.ErrorMessage)
	require.Nil(t, task.CompletedAt)

	applyUpdate(task, WorkerUpdate{
		Status: store.TaskStatusSuccess, Progress: -1,
		OutputData: store.JSONMap{"video_path": "users/3/projects/7/videos/42/source/source.mp4"},
	})
	require.Equal(t, 100.0, task.Progress)
	require.NotNil(t, task.CompletedAt)
	require.Equal(t, now, *task.CompletedAt)
	require.Equal(t, "users/3/projects/7/videos/42/source/source.mp4", task.OutputData.String("video_path"))
}

func TestIsNoop(t *testing.T) {
	task := &store.Task{
		Status:           store.TaskStatusRunning,
		Progress:         50,
		StageDescription: "fetching media",
		OutputData:       store.JSONMap{"k": "v"},
	}
	require.True(t, isNoop(task, WorkerUpdate{
		Status: store.TaskStatusRunning, Progress: 50, StageDescription: "fetching media",
	}))
	require.True(t, isNoop(task, WorkerUpdate{Status: store.TaskStatusRunning, Progress: -1}))
	require.True(t, isNoop(task, WorkerUpdate{
		Status: store.TaskStatusRunning, Progress: -1, OutputData: store.JSONMap{"k": "v"},
	}))
	require.False(t, isNoop(task, WorkerUpdate{Status: store.TaskStatusSuccess, Progress: 50}))
	require.False(t, isNoop(task, WorkerUpdate{Status: store.TaskStatusRunning, Progress: 51}))
	require.False(t, isNoop(task, WorkerUpdate{
		Status: store.TaskStatusRunning, Progress: -1, StageDescription: "storing source video",
	}))
	require.False(t, isNoop(task, WorkerUpdate{
		Status: store.TaskStatusRunning, Progress: -1, OutputData: store.JSONMap{"k": "other"},
	}))
	async := true
	require.False(t, isNoop(task, WorkerUpdate{
		Status: store.TaskStatusRunning, Progress: -1, AsyncProcessing: &async,
	}))
}
