package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	cfErrs "github.com/clipforge/clipforge-api/errors"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so the single-writer
// state manager can reuse the row helpers inside its transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func notFound(entity string, key interface{}, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return cfErrs.NewObjectNotFoundError(fmt.Sprintf("%s %v not found", entity, key), err)
	}
	return fmt.Errorf("failed to load %s %v: %w", entity, key, err)
}

//
// Videos
//

const videoColumns = `id, project_id, user_id, url, title, filename, storage_path, filesize, duration,
	thumbnail, status, download_progress, processing_metadata, created_at, updated_at`

func scanVideo(row rowScanner) (*Video, error) {
	var v Video
	err := row.Scan(&v.ID, &v.ProjectID, &v.UserID, &v.URL, &v.Title, &v.Filename, &v.StoragePath,
		&v.Filesize, &v.Duration, &v.Thumbnail, &v.Status, &v.DownloadProgress,
		&v.ProcessingMetadata, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) CreateVideo(ctx context.Context, v *Video) error {
	if v.Status == "" {
		v.Status = VideoPending
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO videos (project_id, user_id, url, title, filename, status, processing_metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		v.ProjectID, v.UserID, v.URL, v.Title, v.Filename, v.Status, v.ProcessingMetadata,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
}

func (s *Store) GetVideo(ctx context.Context, id int64) (*Video, error) {
	return SelectVideo(ctx, s.db, id)
}

func SelectVideo(ctx context.Context, q Querier, id int64) (*Video, error) {
	v, err := scanVideo(q.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("video", id, err)
	}
	return v, nil
}

// FindVideoByURL returns the newest video in the project for a source URL.
// Download requests use it to stay idempotent: the same URL lands on the same
// video row instead of forking a new pipeline.
func (s *Store) FindVideoByURL(ctx context.Context, projectID int64, url string) (*Video, error) {
	v, err := scanVideo(s.db.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM videos
		 WHERE project_id = $1 AND url = $2
		 ORDER BY created_at DESC LIMIT 1`, projectID, url))
	if err != nil {
		return nil, notFound("video", url, err)
	}
	return v, nil
}

// UpdateVideoSourceInfo records the artifacts of a finished download.
func (s *Store) UpdateVideoSourceInfo(ctx context.Context, v *Video) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE videos SET title = $2, filename = $3, storage_path = $4, filesize = $5,
			duration = $6, thumbnail = $7, status = $8, updated_at = now()
		 WHERE id = $1`,
		v.ID, v.Title, v.Filename, v.StoragePath, v.Filesize, v.Duration, v.Thumbnail, v.Status)
	if err != nil {
		return fmt.Errorf("failed to update video %d source info: %w", v.ID, err)
	}
	return nil
}

// MergeVideoMetadata merges the given keys into processing_metadata without
// clobbering keys written by other workers.
func (s *Store) MergeVideoMetadata(ctx context.Context, id int64, meta JSONMap) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE videos SET processing_metadata = processing_metadata || $2::jsonb, updated_at = now()
		 WHERE id = $1`, id, meta)
	if err != nil {
		return fmt.Errorf("failed to merge metadata for video %d: %w", id, err)
	}
	return nil
}

// UpdateVideoPipelineState writes status and download progress. Pass a
// negative progress to leave it untouched.
func UpdateVideoPipelineState(ctx context.Context, q Querier, id int64, status VideoStatus, downloadProgress float64) error {
	var err error
	if downloadProgress < 0 {
		_, err = q.ExecContext(ctx,
			`UPDATE videos SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	} else {
		_, err = q.ExecContext(ctx,
			`UPDATE videos SET status = $2, download_progress = $3, updated_at = now() WHERE id = $1`,
			id, status, downloadProgress)
	}
	if err != nil {
		return fmt.Errorf("failed to update video %d state: %w", id, err)
	}
	return nil
}

//
// Analyses
//

const analysisColumns = `id, video_id, cover_title, analysis_data, status, is_validated, is_applied, created_at, updated_at`

func scanAnalysis(row rowScanner) (*Analysis, error) {
	var a Analysis
	var data []byte
	err := row.Scan(&a.ID, &a.VideoID, &a.CoverTitle, &data, &a.Status, &a.IsValidated, &a.IsApplied,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.AnalysisData = data
	return &a, nil
}

func (s *Store) CreateAnalysis(ctx context.Context, a *Analysis) error {
	if a.Status == "" {
		a.Status = AnalysisDraft
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO analyses (video_id, cover_title, analysis_data, status, is_validated, is_applied)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		a.VideoID, a.CoverTitle, []byte(a.AnalysisData), a.Status, a.IsValidated, a.IsApplied,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (s *Store) GetAnalysis(ctx context.Context, id int64) (*Analysis, error) {
	a, err := scanAnalysis(s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("analysis", id, err)
	}
	return a, nil
}

func (s *Store) UpdateAnalysisStatus(ctx context.Context, id int64, status AnalysisStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = $2, is_validated = ($2 IN ('validated', 'applied')),
			is_applied = ($2 = 'applied'), updated_at = now()
		 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update analysis %d: %w", id, err)
	}
	return nil
}

//
// Slices
//

const sliceColumns = `id, video_id, analysis_id, cover_title, title, description, tags, start_time, end_time,
	duration, type, sliced_file_path, audio_url, srt_url,
	audio_processing_status, srt_processing_status, audio_task_id, srt_task_id,
	audio_error_message, srt_error_message,
	capcut_status, capcut_draft_url, capcut_error_message,
	jianying_status, jianying_draft_url, jianying_error_message,
	created_at, updated_at`

func scanSlice(row rowScanner) (*Slice, error) {
	var sl Slice
	err := row.Scan(&sl.ID, &sl.VideoID, &sl.AnalysisID, &sl.CoverTitle, &sl.Title, &sl.Description,
		pq.Array(&sl.Tags), &sl.StartTime, &sl.EndTime, &sl.Duration, &sl.Type, &sl.SlicedFilePath,
		&sl.AudioURL, &sl.SRTURL,
		&sl.AudioProcessingStatus, &sl.SRTProcessingStatus, &sl.AudioTaskID, &sl.SRTTaskID,
		&sl.AudioErrorMessage, &sl.SRTErrorMessage,
		&sl.CapcutStatus, &sl.CapcutDraftURL, &sl.CapcutErrorMessage,
		&sl.JianyingStatus, &sl.JianyingDraftURL, &sl.JianyingErrorMessage,
		&sl.CreatedAt, &sl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sl, nil
}

func (s *Store) InsertSlice(ctx context.Context, sl *Slice) error {
	if sl.Type == "" {
		sl.Type = SliceTypeFragment
	}
	if sl.AudioProcessingStatus == "" {
		sl.AudioProcessingStatus = TaskStatusPending
	}
	if sl.SRTProcessingStatus == "" {
		sl.SRTProcessingStatus = TaskStatusPending
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO slices (video_id, analysis_id, cover_title, title, description, tags,
			start_time, end_time, duration, type, sliced_file_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at, updated_at`,
		sl.VideoID, sl.AnalysisID, sl.CoverTitle, sl.Title, sl.Description, pq.Array(sl.Tags),
		sl.StartTime, sl.EndTime, sl.Duration, sl.Type, sl.SlicedFilePath,
	).Scan(&sl.ID, &sl.CreatedAt, &sl.UpdatedAt)
}

func (s *Store) GetSlice(ctx context.Context, id int64) (*Slice, error) {
	sl, err := scanSlice(s.db.QueryRowContext(ctx,
		`SELECT `+sliceColumns+` FROM slices WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("slice", id, err)
	}
	return sl, nil
}

func (s *Store) ListSlicesByVideo(ctx context.Context, videoID int64) ([]Slice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sliceColumns+` FROM slices WHERE video_id = $1 ORDER BY start_time, id`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list slices for video %d: %w", videoID, err)
	}
	defer rows.Close()

	var out []Slice
	for rows.Next() {
		sl, err := scanSlice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sl)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSliceType(ctx context.Context, id int64, sliceType SliceType) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE slices SET type = $2, updated_at = now() WHERE id = $1`, id, sliceType)
	if err != nil {
		return fmt.Errorf("failed to update slice %d type: %w", id, err)
	}
	return nil
}

// UpdateSliceAudio records the audio pipeline state on a slice row. Empty
// audioURL leaves the stored URL alone so failures keep prior artifacts.
func UpdateSliceAudio(ctx context.Context, q Querier, id int64, status TaskStatus, audioURL, taskID, errMsg string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE slices SET audio_processing_status = $2,
			audio_url = CASE WHEN $3 = '' THEN audio_url ELSE $3 END,
			audio_task_id = CASE WHEN $4 = '' THEN audio_task_id ELSE $4 END,
			audio_error_message = $5, updated_at = now()
		 WHERE id = $1`, id, status, audioURL, taskID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update slice %d audio state: %w", id, err)
	}
	return nil
}

func UpdateSliceSRT(ctx context.Context, q Querier, id int64, status TaskStatus, srtURL, taskID, errMsg string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE slices SET srt_processing_status = $2,
			srt_url = CASE WHEN $3 = '' THEN srt_url ELSE $3 END,
			srt_task_id = CASE WHEN $4 = '' THEN srt_task_id ELSE $4 END,
			srt_error_message = $5, updated_at = now()
		 WHERE id = $1`, id, status, srtURL, taskID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update slice %d srt state: %w", id, err)
	}
	return nil
}

// UpdateSliceExport writes the per-backend export outcome.
func (s *Store) UpdateSliceExport(ctx context.Context, id int64, backend string, status ExportStatus, draftURL, errMsg string) error {
	var stmt string
	switch backend {
	case "capcut":
		stmt = `UPDATE slices SET capcut_status = $2,
			capcut_draft_url = CASE WHEN $3 = '' THEN capcut_draft_url ELSE $3 END,
			capcut_error_message = $4, updated_at = now() WHERE id = $1`
	case "jianying":
		stmt = `UPDATE slices SET jianying_status = $2,
			jianying_draft_url = CASE WHEN $3 = '' THEN jianying_draft_url ELSE $3 END,
			jianying_error_message = $4, updated_at = now() WHERE id = $1`
	default:
		return fmt.Errorf("unknown export backend %q", backend)
	}
	_, err := s.db.ExecContext(ctx, stmt, id, status, draftURL, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update slice %d %s export: %w", id, backend, err)
	}
	return nil
}

//
// SubSlices
//

const subSliceColumns = `id, slice_id, video_id, cover_title, title, start_time, end_time, duration,
	sliced_file_path, audio_url, srt_url,
	audio_processing_status, srt_processing_status, audio_task_id, srt_task_id,
	audio_error_message, srt_error_message, created_at, updated_at`

func scanSubSlice(row rowScanner) (*SubSlice, error) {
	var ss SubSlice
	err := row.Scan(&ss.ID, &ss.SliceID, &ss.VideoID, &ss.CoverTitle, &ss.Title, &ss.StartTime,
		&ss.EndTime, &ss.Duration, &ss.SlicedFilePath, &ss.AudioURL, &ss.SRTURL,
		&ss.AudioProcessingStatus, &ss.SRTProcessingStatus, &ss.AudioTaskID, &ss.SRTTaskID,
		&ss.AudioErrorMessage, &ss.SRTErrorMessage, &ss.CreatedAt, &ss.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *Store) InsertSubSlice(ctx context.Context, ss *SubSlice) error {
	if ss.AudioProcessingStatus == "" {
		ss.AudioProcessingStatus = TaskStatusPending
	}
	if ss.SRTProcessingStatus == "" {
		ss.SRTProcessingStatus = TaskStatusPending
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO sub_slices (slice_id, video_id, cover_title, title, start_time, end_time, duration, sliced_file_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		ss.SliceID, ss.VideoID, ss.CoverTitle, ss.Title, ss.StartTime, ss.EndTime, ss.Duration, ss.SlicedFilePath,
	).Scan(&ss.ID, &ss.CreatedAt, &ss.UpdatedAt)
}

func (s *Store) GetSubSlice(ctx context.Context, id int64) (*SubSlice, error) {
	ss, err := scanSubSlice(s.db.QueryRowContext(ctx,
		`SELECT `+subSliceColumns+` FROM sub_slices WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("sub_slice", id, err)
	}
	return ss, nil
}

func (s *Store) ListSubSlices(ctx context.Context, sliceID int64) ([]SubSlice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subSliceColumns+` FROM sub_slices WHERE slice_id = $1 ORDER BY start_time, id`, sliceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sub slices for slice %d: %w", sliceID, err)
	}
	defer rows.Close()

	var out []SubSlice
	for rows.Next() {
		ss, err := scanSubSlice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ss)
	}
	return out, rows.Err()
}

func UpdateSubSliceAudio(ctx context.Context, q Querier, id int64, status TaskStatus, audioURL, taskID, errMsg string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE sub_slices SET audio_processing_status = $2,
			audio_url = CASE WHEN $3 = '' THEN audio_url ELSE $3 END,
			audio_task_id = CASE WHEN $4 = '' THEN audio_task_id ELSE $4 END,
			audio_error_message = $5, updated_at = now()
		 WHERE id = $1`, id, status, audioURL, taskID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update sub slice %d audio state: %w", id, err)
	}
	return nil
}

func UpdateSubSliceSRT(ctx context.Context, q Querier, id int64, status TaskStatus, srtURL, taskID, errMsg string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE sub_slices SET srt_processing_status = $2,
			srt_url = CASE WHEN $3 = '' THEN srt_url ELSE $3 END,
			srt_task_id = CASE WHEN $4 = '' THEN srt_task_id ELSE $4 END,
			srt_error_message = $5, updated_at = now()
		 WHERE id = $1`, id, status, srtURL, taskID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update sub slice %d srt state: %w", id, err)
	}
	return nil
}

//
// Tasks
//

const taskColumns = `id, video_id, type, name, worker_task_id, status, progress, stage, stage_description,
	message, error_message, input_data, output_data, async_processing,
	started_at, completed_at, created_at, updated_at`

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.VideoID, &t.Type, &t.Name, &t.WorkerTaskID, &t.Status, &t.Progress,
		&t.Stage, &t.StageDescription, &t.Message, &t.ErrorMessage, &t.InputData, &t.OutputData,
		&t.AsyncProcessing, &startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

// UpsertTask creates the durable record for a unit of work. It is keyed on
// worker_task_id so re-submitting the same work is idempotent: the existing
// row is returned untouched apart from input_data refresh.
func (s *Store) UpsertTask(ctx context.Context, t *Task) error {
	return UpsertTask(ctx, s.db, t)
}

func UpsertTask(ctx context.Context, q Querier, t *Task) error {
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if t.Stage == "" {
		t.Stage = StageForTaskType(t.Type)
	}
	got, err := scanTask(q.QueryRowContext(ctx,
		`INSERT INTO tasks (video_id, type, name, worker_task_id, status, progress, stage, input_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (worker_task_id)
		 DO UPDATE SET input_data = EXCLUDED.input_data, updated_at = now()
		 RETURNING `+taskColumns,
		t.VideoID, t.Type, t.Name, t.WorkerTaskID, t.Status, t.Progress, t.Stage, t.InputData))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.WorkerTaskID, err)
	}
	*t = *got
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("task", id, err)
	}
	return t, nil
}

func (s *Store) GetTaskByWorkerID(ctx context.Context, workerTaskID string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE worker_task_id = $1`, workerTaskID))
	if err != nil {
		return nil, notFound("task", workerTaskID, err)
	}
	return t, nil
}

// SelectTaskForUpdate locks the row for the duration of the surrounding
// transaction; the state manager is the only caller.
func SelectTaskForUpdate(ctx context.Context, q Querier, workerTaskID string) (*Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE worker_task_id = $1 FOR UPDATE`, workerTaskID))
	if err != nil {
		return nil, notFound("task", workerTaskID, err)
	}
	return t, nil
}

// UpdateTaskRow flushes the mutable fields of a task.
func UpdateTaskRow(ctx context.Context, q Querier, t *Task) error {
	_, err := q.ExecContext(ctx,
		`UPDATE tasks SET status = $2, progress = $3, stage = $4, stage_description = $5,
			message = $6, error_message = $7, output_data = $8, async_processing = $9,
			started_at = $10, completed_at = $11, updated_at = now()
		 WHERE id = $1`,
		t.ID, t.Status, t.Progress, t.Stage, t.StageDescription, t.Message, t.ErrorMessage,
		t.OutputData, t.AsyncProcessing, nullTime(t.StartedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", t.ID, err)
	}
	return nil
}

func ListVideoTasks(ctx context.Context, q Querier, videoID int64) ([]Task, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE video_id = $1 ORDER BY created_at, id`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for video %d: %w", videoID, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) ListTasksByVideo(ctx context.Context, videoID int64) ([]Task, error) {
	return ListVideoTasks(ctx, s.db, videoID)
}

// FindTaskByInputSubstring locates a task whose input_data JSON contains the
// given fragment. Used by the callback server to map an external ASR task id
// back to the durable task when no explicit registration survived.
func (s *Store) FindTaskByInputSubstring(ctx context.Context, fragment string) (*Task, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, cfErrs.NewObjectNotFoundError("task for empty fragment not found", sql.ErrNoRows)
	}
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE input_data::text LIKE '%' || $1 || '%'
		 ORDER BY created_at DESC LIMIT 1`, fragment))
	if err != nil {
		return nil, notFound("task", fragment, err)
	}
	return t, nil
}

// MergeTaskInputData merges keys into a task's input_data without clobbering
// what the task was created with. The srt worker records the external ASR
// task id this way so callbacks can be matched by substring later.
func MergeTaskInputData(ctx context.Context, q Querier, workerTaskID string, meta JSONMap) error {
	_, err := q.ExecContext(ctx,
		`UPDATE tasks SET input_data = input_data || $2::jsonb, updated_at = now()
		 WHERE worker_task_id = $1`, workerTaskID, meta)
	if err != nil {
		return fmt.Errorf("failed to merge input data for task %s: %w", workerTaskID, err)
	}
	return nil
}

// FindNewestRunningTUSTask is the last-resort callback resolution: the most
// recently created srt task still running on the resumable-upload strategy
// within the lookback window.
func (s *Store) FindNewestRunningTUSTask(ctx context.Context, lookback time.Duration) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE type = $1 AND status = $2 AND async_processing = TRUE AND created_at > $3
		 ORDER BY created_at DESC LIMIT 1`,
		TaskGenerateSRT, TaskStatusRunning, time.Now().Add(-lookback)))
	if err != nil {
		return nil, notFound("task", "running tus", err)
	}
	return t, nil
}

//
// Task logs
//

func InsertTaskLog(ctx context.Context, q Querier, l *TaskLog) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO task_logs (task_id, old_status, new_status, message, details)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		l.TaskID, l.OldStatus, l.NewStatus, l.Message, l.Details,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task log for task %d: %w", l.TaskID, err)
	}
	return nil
}

func (s *Store) ListTaskLogs(ctx context.Context, taskID int64) ([]TaskLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, old_status, new_status, message, details, created_at
		 FROM task_logs WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task logs for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []TaskLog
	for rows.Next() {
		var l TaskLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.OldStatus, &l.NewStatus, &l.Message, &l.Details, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

//
// Processing status roll-up
//

const processingStatusColumns = `id, video_id, overall_status, overall_progress, current_stage,
	download_status, download_progress, extract_audio_status, extract_audio_progress,
	generate_srt_status, generate_srt_progress, error_count, last_error, updated_at`

func scanProcessingStatus(row rowScanner) (*ProcessingStatus, error) {
	var ps ProcessingStatus
	err := row.Scan(&ps.ID, &ps.VideoID, &ps.OverallStatus, &ps.OverallProgress, &ps.CurrentStage,
		&ps.DownloadStatus, &ps.DownloadProgress, &ps.ExtractAudioStatus, &ps.ExtractAudioProgress,
		&ps.GenerateSRTStatus, &ps.GenerateSRTProgress, &ps.ErrorCount, &ps.LastError, &ps.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

func (s *Store) GetProcessingStatus(ctx context.Context, videoID int64) (*ProcessingStatus, error) {
	return SelectProcessingStatus(ctx, s.db, videoID)
}

func SelectProcessingStatus(ctx context.Context, q Querier, videoID int64) (*ProcessingStatus, error) {
	ps, err := scanProcessingStatus(q.QueryRowContext(ctx,
		`SELECT `+processingStatusColumns+` FROM processing_statuses WHERE video_id = $1`, videoID))
	if err != nil {
		return nil, notFound("processing status for video", videoID, err)
	}
	return ps, nil
}

func UpsertProcessingStatus(ctx context.Context, q Querier, ps *ProcessingStatus) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO processing_statuses (video_id, overall_status, overall_progress, current_stage,
			download_status, download_progress, extract_audio_status, extract_audio_progress,
			generate_srt_status, generate_srt_progress, error_count, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		 ON CONFLICT (video_id) DO UPDATE SET
			overall_status = EXCLUDED.overall_status,
			overall_progress = EXCLUDED.overall_progress,
			current_stage = EXCLUDED.current_stage,
			download_status = EXCLUDED.download_status,
			download_progress = EXCLUDED.download_progress,
			extract_audio_status = EXCLUDED.extract_audio_status,
			extract_audio_progress = EXCLUDED.extract_audio_progress,
			generate_srt_status = EXCLUDED.generate_srt_status,
			generate_srt_progress = EXCLUDED.generate_srt_progress,
			error_count = EXCLUDED.error_count,
			last_error = EXCLUDED.last_error,
			updated_at = now()`,
		ps.VideoID, ps.OverallStatus, ps.OverallProgress, ps.CurrentStage,
		ps.DownloadStatus, ps.DownloadProgress, ps.ExtractAudioStatus, ps.ExtractAudioProgress,
		ps.GenerateSRTStatus, ps.GenerateSRTProgress, ps.ErrorCount, ps.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert processing status for video %d: %w", ps.VideoID, err)
	}
	return nil
}

//
// Transcripts
//

func (s *Store) UpsertTranscript(ctx context.Context, videoID int64, srtURL string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (video_id, srt_url) VALUES ($1, $2)
		 ON CONFLICT (video_id) DO UPDATE SET srt_url = EXCLUDED.srt_url, updated_at = now()`,
		videoID, srtURL)
	if err != nil {
		return fmt.Errorf("failed to upsert transcript for video %d: %w", videoID, err)
	}
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, videoID int64) (*Transcript, error) {
	var tr Transcript
	err := s.db.QueryRowContext(ctx,
		`SELECT id, video_id, srt_url, created_at, updated_at FROM transcripts WHERE video_id = $1`,
		videoID,
	).Scan(&tr.ID, &tr.VideoID, &tr.SRTURL, &tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		return nil, notFound("transcript for video", videoID, err)
	}
	return &tr, nil
}

//
// Resource library
//

// FindResourceByTag returns the newest active resource of the given kind
// carrying the tag, e.g. the water-ripple transition sound.
func (s *Store) FindResourceByTag(ctx context.Context, tag, kind string) (*Resource, error) {
	var r Resource
	err := s.db.QueryRowContext(ctx,
		`SELECT r.id, r.name, r.kind, r.url, r.is_active
		 FROM resources r JOIN resource_tags rt ON rt.resource_id = r.id
		 WHERE rt.tag = $1 AND r.kind = $2 AND r.is_active
		 ORDER BY r.id DESC LIMIT 1`, tag, kind,
	).Scan(&r.ID, &r.Name, &r.Kind, &r.URL, &r.IsActive)
	if err != nil {
		return nil, notFound("resource", tag, err)
	}
	return &r, nil
}

// InsertResourceWithTag registers a lazily uploaded default asset so the next
// lookup finds it.
func (s *Store) InsertResourceWithTag(ctx context.Context, r *Resource, tag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO resources (name, kind, url, is_active) VALUES ($1, $2, $3, TRUE) RETURNING id`,
		r.Name, r.Kind, r.URL,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert resource %s: %w", r.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_tags (resource_id, tag) VALUES ($1, $2)`, r.ID, tag); err != nil {
		return fmt.Errorf("failed to tag resource %d: %w", r.ID, err)
	}
	r.IsActive = true
	return tx.Commit()
}
