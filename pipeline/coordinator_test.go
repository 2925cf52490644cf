package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/editor"
	cfErrs "github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/state"
	"github.com/clipforge/clipforge-api/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c := NewStubCoordinator(config.Cli{WorkDir: t.TempDir()}, state.NewManager(store.New(db), nil), &clients.ObjectStore{})
	// Keep retry timers from firing inside a test run.
	c.retryInterval = time.Hour
	return c, mock
}

func taskRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "video_id", "type", "name", "worker_task_id", "status", "progress", "stage",
		"stage_description", "message", "error_message", "input_data", "output_data",
		"async_processing", "started_at", "completed_at", "created_at", "updated_at",
	})
}

func taskRow(id int64, taskType store.TaskType, wtid string, status store.TaskStatus, input string, async bool) *sqlmock.Rows {
	now := time.Now()
	return taskRows().AddRow(
		id, int64(42), string(taskType), "", wtid, string(status), 0.0,
		string(store.StageForTaskType(taskType)), "", "", "", []byte(input), []byte(`{}`),
		async, nil, nil, now, now,
	)
}

func videoRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "project_id", "user_id", "url", "title", "filename", "storage_path", "filesize",
		"duration", "thumbnail", "status", "download_progress", "processing_metadata",
		"created_at", "updated_at",
	}).AddRow(
		int64(42), int64(7), int64(3), "https://example/v", "a title", "42.mp4",
		"users/3/projects/7/videos/42.mp4", int64(1000), 120.0, "", "processing", 100.0,
		[]byte(`{}`), now, now,
	)
}

// expectNodeTaskTransition sets up the statement sequence UpdateFromWorker
// runs for a slice or sub-slice scoped task whose status changes. Node tasks
// skip the roll-up, which keeps the choreography short.
func expectNodeTaskTransition(mock sqlmock.Sqlmock, wtid string, current *sqlmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE worker_task_id (.+) FOR UPDATE").
		WithArgs(wtid).
		WillReturnRows(current)
	mock.ExpectExec("UPDATE tasks SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO task_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WillReturnRows(videoRow())
	mock.ExpectCommit()
}

func TestWorkerTaskIDsAreDeterministic(t *testing.T) {
	require.Equal(t, "download-42", WorkerTaskID(store.TaskDownload, 42))
	require.Equal(t, "generate_srt-42", WorkerTaskID(store.TaskGenerateSRT, 42))
	require.Equal(t, "extract_audio-slice-5", sliceWorkerTaskID(store.TaskExtractAudio, 5))
	require.Equal(t, "capcut_export-slice-5", sliceWorkerTaskID(store.TaskCapcutExport, 5))
	require.Equal(t, "generate_srt-sub-9", subSliceWorkerTaskID(store.TaskGenerateSRT, 9))
}

func TestLaunchReturnsTerminalTaskUntouched(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tasks").
		WithArgs(int64(42), store.TaskCapcutExport, "Export CapCut draft", "capcut_export-slice-5",
			store.TaskStatusPending, 0.0, store.StageCapcutExport, sqlmock.AnyArg()).
		WillReturnRows(taskRow(11, store.TaskCapcutExport, "capcut_export-slice-5",
			store.TaskStatusSuccess, `{"request_id":"req-1","slice_id":5}`, false))
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(videoRow())
	mock.ExpectCommit()

	task, err := c.StartExport(context.Background(), "req-1", editor.BackendCapcut, 42, 5)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusSuccess, task.Status)
	require.Equal(t, 0, c.InFlight())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLaunchSkipsTaskAwaitingCallback(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(taskRow(12, store.TaskGenerateSRT, "generate_srt-slice-5",
			store.TaskStatusRunning, `{"request_id":"req-1","slice_id":5}`, true))
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WillReturnRows(videoRow())
	mock.ExpectCommit()

	task, err := c.startNodeSRT("req-1", 42, 5, 0)
	require.NoError(t, err)
	require.True(t, task.AsyncProcessing)
	require.Equal(t, store.TaskStatusRunning, task.Status)
	require.Equal(t, 0, c.InFlight())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLaunchSkipsJobAlreadyInFlight(t *testing.T) {
	c, mock := newTestCoordinator(t)

	wtid := sliceWorkerTaskID(store.TaskExtractAudio, 5)
	inFlight := &JobInfo{WorkerTaskID: wtid}
	c.Jobs.Store(wtid, inFlight)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tasks").
		WillReturnRows(taskRow(13, store.TaskExtractAudio, wtid,
			store.TaskStatusPending, `{"request_id":"req-1","slice_id":5}`, false))
	mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").
		WillReturnRows(videoRow())
	mock.ExpectCommit()

	_, err := c.startSliceAudio("req-1", &store.Slice{ID: 5, VideoID: 42})
	require.NoError(t, err)
	require.Equal(t, 1, c.InFlight())
	require.Same(t, inFlight, c.Jobs.Get(wtid))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobRecordsSuccessAndChains(t *testing.T) {
	c, mock := newTestCoordinator(t)

	wtid := sliceWorkerTaskID(store.TaskGenerateSRT, 5)
	job := &JobInfo{
		RequestID: "req-1", WorkerTaskID: wtid, Type: store.TaskGenerateSRT,
		VideoID: 42, SliceID: 5, StartedAt: time.Now(), Attempt: 1,
	}
	c.Jobs.Store(wtid, job)
	expectNodeTaskTransition(mock, wtid,
		taskRow(14, store.TaskGenerateSRT, wtid, store.TaskStatusRunning, `{"slice_id":5}`, false))

	chained := false
	c.finishJob(job, &taskOutput{
		data: store.JSONMap{"srt_path": "users/3/projects/7/slices/u1/subtitles.srt"},
		next: func() { chained = true },
	}, nil)

	require.True(t, chained)
	require.Equal(t, 0, c.InFlight())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobDiscardsRevokedResult(t *testing.T) {
	c, mock := newTestCoordinator(t)

	wtid := sliceWorkerTaskID(store.TaskGenerateSRT, 5)
	job := &JobInfo{RequestID: "req-1", WorkerTaskID: wtid, Type: store.TaskGenerateSRT, SliceID: 5}
	c.Jobs.Store(wtid, job)
	job.revoke()

	c.finishJob(job, &taskOutput{data: store.JSONMap{"late": true}}, nil)

	require.Equal(t, 0, c.InFlight())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobHandsOffAsyncTask(t *testing.T) {
	c, mock := newTestCoordinator(t)

	wtid := WorkerTaskID(store.TaskGenerateSRT, 42)
	job := &JobInfo{RequestID: "req-1", WorkerTaskID: wtid, Type: store.TaskGenerateSRT, VideoID: 42}
	c.Jobs.Store(wtid, job)

	// The worker already flipped the row to async, so the handoff writes
	// nothing and only drops the in-process handle.
	c.finishJob(job, &taskOutput{async: true}, nil)

	require.Equal(t, 0, c.InFlight())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaybeRetrySRTGates(t *testing.T) {
	c, _ := newTestCoordinator(t)

	notSRT := &JobInfo{Type: store.TaskDownload, Attempt: 1}
	require.False(t, c.maybeRetrySRT(notSRT, fmt.Errorf("boom")))

	unretriable := &JobInfo{Type: store.TaskGenerateSRT, Attempt: 1}
	require.False(t, c.maybeRetrySRT(unretriable, cfErrs.Unretriable(fmt.Errorf("bad plan"))))

	exhausted := &JobInfo{Type: store.TaskGenerateSRT, Attempt: maxSRTRetries + 1}
	require.False(t, c.maybeRetrySRT(exhausted, fmt.Errorf("asr 503")))
}

func TestFinishJobSchedulesTranscriptionRetry(t *testing.T) {
	c, mock := newTestCoordinator(t)

	wtid := sliceWorkerTaskID(store.TaskGenerateSRT, 5)
	job := &JobInfo{
		RequestID: "req-1", WorkerTaskID: wtid, Type: store.TaskGenerateSRT,
		VideoID: 42, SliceID: 5, StartedAt: time.Now(), Attempt: 1,
	}
	c.Jobs.Store(wtid, job)
	expectNodeTaskTransition(mock, wtid,
		taskRow(15, store.TaskGenerateSRT, wtid, store.TaskStatusRunning, `{"slice_id":5}`, false))

	c.finishJob(job, nil, fmt.Errorf("asr returned 503"))

	// The job stays cached while the retry timer runs, so resubmits and
	// cancellation can still find it.
	require.Equal(t, 1, c.InFlight())
	require.Equal(t, 1, job.Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFireRetrySkipsMovedOnTask(t *testing.T) {
	c, mock := newTestCoordinator(t)

	wtid := sliceWorkerTaskID(store.TaskGenerateSRT, 5)
	job := &JobInfo{RequestID: "req-1", WorkerTaskID: wtid, Type: store.TaskGenerateSRT, SliceID: 5, Attempt: 1}
	c.Jobs.Store(wtid, job)

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE worker_task_id").
		WithArgs(wtid).
		WillReturnRows(taskRow(16, store.TaskGenerateSRT, wtid, store.TaskStatusSuccess, `{"slice_id":5}`, false))

	c.fireRetry(job)

	require.Equal(t, 0, c.InFlight())
	require.Equal(t, 1, job.Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFireRetryRerunsTaskStillMarkedRetry(t *testing.T) {
	c, mock := newTestCoordinator(t)

	wtid := sliceWorkerTaskID(store.TaskGenerateSRT, 5)
	job := &JobInfo{
		RequestID: "req-1", WorkerTaskID: wtid, Type: store.TaskGenerateSRT,
		VideoID: 42, SliceID: 5, StartedAt: time.Now(), Attempt: 1,
	}
	job.fn = func(ctx context.Context) (*taskOutput, error) {
		return &taskOutput{data: store.JSONMap{"attempt": 2}}, nil
	}
	c.Jobs.Store(wtid, job)

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE worker_task_id").
		WithArgs(wtid).
		WillReturnRows(taskRow(17, store.TaskGenerateSRT, wtid, store.TaskStatusRetry, `{"slice_id":5}`, false))
	expectNodeTaskTransition(mock, wtid,
		taskRow(17, store.TaskGenerateSRT, wtid, store.TaskStatusRetry, `{"slice_id":5}`, false))

	c.fireRetry(job)

	require.Eventually(t, func() bool { return c.InFlight() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, job.Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailJobMirrorsExportFailureOntoSlice(t *testing.T) {
	c, mock := newTestCoordinator(t)

	wtid := sliceWorkerTaskID(store.TaskCapcutExport, 5)
	job := &JobInfo{
		RequestID: "req-1", WorkerTaskID: wtid, Type: store.TaskCapcutExport,
		VideoID: 42, SliceID: 5, StartedAt: time.Now(), Attempt: 1,
	}
	c.Jobs.Store(wtid, job)
	expectNodeTaskTransition(mock, wtid,
		taskRow(18, store.TaskCapcutExport, wtid, store.TaskStatusRunning, `{"slice_id":5}`, false))
	mock.ExpectExec("UPDATE slices SET capcut_status").
		WithArgs(int64(5), store.ExportFailed, "", "compose failed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c.finishJob(job, nil, fmt.Errorf("compose failed"))

	require.Equal(t, 0, c.InFlight())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelVideoRevokesPendingWork(t *testing.T) {
	c, mock := newTestCoordinator(t)

	running := sliceWorkerTaskID(store.TaskGenerateSRT, 5)
	pending := subSliceWorkerTaskID(store.TaskExtractAudio, 9)
	job := &JobInfo{RequestID: "req-1", WorkerTaskID: running, Type: store.TaskGenerateSRT, SliceID: 5}
	c.Jobs.Store(running, job)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE video_id").
		WithArgs(int64(42)).
		WillReturnRows(taskRows().
			AddRow(int64(20), int64(42), "download", "", "download-42", "success", 100.0,
				"DOWNLOAD", "", "", "", []byte(`{}`), []byte(`{}`), false, nil, nil, now, now).
			AddRow(int64(21), int64(42), "generate_srt", "", running, "running", 40.0,
				"GENERATE_SRT", "", "", "", []byte(`{"slice_id":5}`), []byte(`{}`), false, nil, nil, now, now).
			AddRow(int64(22), int64(42), "extract_audio", "", pending, "pending", 0.0,
				"EXTRACT_AUDIO", "", "", "", []byte(`{"sub_slice_id":9}`), []byte(`{}`), false, nil, nil, now, now))
	expectNodeTaskTransition(mock, running,
		taskRow(21, store.TaskGenerateSRT, running, store.TaskStatusRunning, `{"slice_id":5}`, false))
	expectNodeTaskTransition(mock, pending,
		taskRow(22, store.TaskExtractAudio, pending, store.TaskStatusPending, `{"sub_slice_id":9}`, false))

	revoked, err := c.CancelVideo(context.Background(), "req-1", 42)
	require.NoError(t, err)
	require.Equal(t, 2, revoked)
	require.True(t, job.wasRevoked())
	require.Equal(t, 0, c.InFlight())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartExportRejectsUnknownBackend(t *testing.T) {
	c, mock := newTestCoordinator(t)

	_, err := c.StartExport(context.Background(), "req-1", editor.Backend("imovie"), 42, 5)
	require.Error(t, err)
	require.True(t, cfErrs.IsUnretriable(err))
	require.Equal(t, 0, c.InFlight())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoveredTurnsPanicIntoError(t *testing.T) {
	out, err := recovered(func() (int, error) {
		panic("worker blew up")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "worker blew up")
	require.Zero(t, out)

	out, err = recovered(func() (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, out)
}
