// Package store persists the durable task model and the domain entities in
// PostgreSQL. It is deliberately plain database/sql: every query is explicit
// and every status value that goes over the wire is the lowercase enum name.
package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type TaskType string

const (
	TaskDownload       TaskType = "download"
	TaskExtractAudio   TaskType = "extract_audio"
	TaskGenerateSRT    TaskType = "generate_srt"
	TaskSliceVideo     TaskType = "slice_video"
	TaskCapcutExport   TaskType = "capcut_export"
	TaskJianyingExport TaskType = "jianying_export"
)

type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailure TaskStatus = "failure"
	TaskStatusRetry   TaskStatus = "retry"
	TaskStatusRevoked TaskStatus = "revoked"
)

// Terminal reports whether no further transitions are legal from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure || s == TaskStatusRevoked
}

type Stage string

const (
	StageDownload       Stage = "DOWNLOAD"
	StageExtractAudio   Stage = "EXTRACT_AUDIO"
	StageGenerateSRT    Stage = "GENERATE_SRT"
	StageSliceVideo     Stage = "SLICE_VIDEO"
	StageCapcutExport   Stage = "CAPCUT_EXPORT"
	StageJianyingExport Stage = "JIANYING_EXPORT"
)

// Order positions a stage in the per-video pipeline. Export stages share a
// position because they are independent of each other.
func (s Stage) Order() int {
	switch s {
	case StageDownload:
		return 1
	case StageExtractAudio:
		return 2
	case StageGenerateSRT:
		return 3
	case StageSliceVideo:
		return 4
	case StageCapcutExport, StageJianyingExport:
		return 5
	}
	return 0
}

func StageForTaskType(t TaskType) Stage {
	switch t {
	case TaskDownload:
		return StageDownload
	case TaskExtractAudio:
		return StageExtractAudio
	case TaskGenerateSRT:
		return StageGenerateSRT
	case TaskSliceVideo:
		return StageSliceVideo
	case TaskCapcutExport:
		return StageCapcutExport
	case TaskJianyingExport:
		return StageJianyingExport
	}
	return ""
}

type VideoStatus string

const (
	VideoPending     VideoStatus = "pending"
	VideoDownloading VideoStatus = "downloading"
	VideoDownloaded  VideoStatus = "downloaded"
	VideoProcessing  VideoStatus = "processing"
	VideoCompleted   VideoStatus = "completed"
	VideoFailed      VideoStatus = "failed"
)

type OverallStatus string

const (
	OverallPending   OverallStatus = "pending"
	OverallRunning   OverallStatus = "running"
	OverallCompleted OverallStatus = "completed"
	OverallFailed    OverallStatus = "failed"
)

type SliceType string

const (
	SliceTypeFull     SliceType = "full"
	SliceTypeFragment SliceType = "fragment"
)

type AnalysisStatus string

const (
	AnalysisDraft     AnalysisStatus = "draft"
	AnalysisValidated AnalysisStatus = "validated"
	AnalysisApplied   AnalysisStatus = "applied"
)

type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// JSONMap maps onto a JSONB column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// String pulls a string field out of the map, empty when absent or not a
// string.
func (m JSONMap) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (m JSONMap) Bool(key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}

type Video struct {
	ID                 int64       `json:"id"`
	ProjectID          int64       `json:"project_id"`
	UserID             int64       `json:"user_id"`
	URL                string      `json:"url"`
	Title              string      `json:"title"`
	Filename           string      `json:"filename"`
	StoragePath        string      `json:"storage_path"`
	Filesize           int64       `json:"filesize"`
	Duration           float64     `json:"duration"`
	Thumbnail          string      `json:"thumbnail"`
	Status             VideoStatus `json:"status"`
	DownloadProgress   float64     `json:"download_progress"`
	ProcessingMetadata JSONMap     `json:"processing_metadata"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

type Analysis struct {
	ID           int64           `json:"id"`
	VideoID      int64           `json:"video_id"`
	CoverTitle   string          `json:"cover_title"`
	AnalysisData json.RawMessage `json:"analysis_data"`
	Status       AnalysisStatus  `json:"status"`
	IsValidated  bool            `json:"is_validated"`
	IsApplied    bool            `json:"is_applied"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Slice struct {
	ID             int64     `json:"id"`
	VideoID        int64     `json:"video_id"`
	AnalysisID     int64     `json:"analysis_id"`
	CoverTitle     string    `json:"cover_title"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Tags           []string  `json:"tags"`
	StartTime      float64   `json:"start_time"`
	EndTime        float64   `json:"end_time"`
	Duration       float64   `json:"duration"`
	Type           SliceType `json:"type"`
	SlicedFilePath string    `json:"sliced_file_path"`
	AudioURL       string    `json:"audio_url"`
	SRTURL         string    `json:"srt_url"`

	AudioProcessingStatus TaskStatus `json:"audio_processing_status"`
	SRTProcessingStatus   TaskStatus `json:"srt_processing_status"`
	AudioTaskID           string     `json:"audio_task_id"`
	SRTTaskID             string     `json:"srt_task_id"`
	AudioErrorMessage     string     `json:"audio_error_message"`
	SRTErrorMessage       string     `json:"srt_error_message"`

	CapcutStatus         ExportStatus `json:"capcut_status"`
	CapcutDraftURL       string       `json:"capcut_draft_url"`
	CapcutErrorMessage   string       `json:"capcut_error_message"`
	JianyingStatus       ExportStatus `json:"jianying_status"`
	JianyingDraftURL     string       `json:"jianying_draft_url"`
	JianyingErrorMessage string       `json:"jianying_error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SubSlices []SubSlice `json:"sub_slices,omitempty"`
}

type SubSlice struct {
	ID             int64   `json:"id"`
	SliceID        int64   `json:"slice_id"`
	VideoID        int64   `json:"video_id"`
	CoverTitle     string  `json:"cover_title"`
	Title          string  `json:"title"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	Duration       float64 `json:"duration"`
	SlicedFilePath string  `json:"sliced_file_path"`
	AudioURL       string  `json:"audio_url"`
	SRTURL         string  `json:"srt_url"`

	AudioProcessingStatus TaskStatus `json:"audio_processing_status"`
	SRTProcessingStatus   TaskStatus `json:"srt_processing_status"`
	AudioTaskID           string     `json:"audio_task_id"`
	SRTTaskID             string     `json:"srt_task_id"`
	AudioErrorMessage     string     `json:"audio_error_message"`
	SRTErrorMessage       string     `json:"srt_error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Task struct {
	ID               int64      `json:"id"`
	VideoID          int64      `json:"video_id"`
	Type             TaskType   `json:"type"`
	Name             string     `json:"name"`
	WorkerTaskID     string     `json:"worker_task_id"`
	Status           TaskStatus `json:"status"`
	Progress         float64    `json:"progress"`
	Stage            Stage      `json:"stage"`
	StageDescription string     `json:"stage_description"`
	Message          string     `json:"message"`
	ErrorMessage     string     `json:"error_message"`
	InputData        JSONMap    `json:"input_data"`
	OutputData       JSONMap    `json:"output_data"`
	AsyncProcessing  bool       `json:"async_processing"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SliceID returns the slice id routed through input_data, 0 when the task
// belongs to the video itself.
func (t Task) SliceID() int64 {
	return jsonInt(t.InputData, "slice_id")
}

func (t Task) SubSliceID() int64 {
	return jsonInt(t.InputData, "sub_slice_id")
}

// RequestID returns the log-correlation id the task was created under.
func (t Task) RequestID() string {
	return t.InputData.String("request_id")
}

func jsonInt(m JSONMap, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

type TaskLog struct {
	ID        int64      `json:"id"`
	TaskID    int64      `json:"task_id"`
	OldStatus TaskStatus `json:"old_status"`
	NewStatus TaskStatus `json:"new_status"`
	Message   string     `json:"message"`
	Details   JSONMap    `json:"details"`
	CreatedAt time.Time  `json:"created_at"`
}

type ProcessingStatus struct {
	ID              int64         `json:"id"`
	VideoID         int64         `json:"video_id"`
	OverallStatus   OverallStatus `json:"overall_status"`
	OverallProgress float64       `json:"overall_progress"`
	CurrentStage    Stage         `json:"current_stage"`

	DownloadStatus       TaskStatus `json:"download_status"`
	DownloadProgress     float64    `json:"download_progress"`
	ExtractAudioStatus   TaskStatus `json:"extract_audio_status"`
	ExtractAudioProgress float64    `json:"extract_audio_progress"`
	GenerateSRTStatus    TaskStatus `json:"generate_srt_status"`
	GenerateSRTProgress  float64    `json:"generate_srt_progress"`

	ErrorCount int       `json:"error_count"`
	LastError  string    `json:"last_error"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Transcript struct {
	ID        int64     `json:"id"`
	VideoID   int64     `json:"video_id"`
	SRTURL    string    `json:"srt_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Resource struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	IsActive bool   `json:"is_active"`
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	out := t.Time
	return &out
}
