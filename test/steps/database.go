package steps

import (
	"database/sql"
	"fmt"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// SeedVideo makes the next videos-by-id lookup return a downloaded video.
func (s *StepContext) SeedVideo(id int64) error {
	if s.mock == nil {
		return fmt.Errorf("the API is not running")
	}
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "project_id", "user_id", "url", "title", "filename", "storage_path", "filesize",
		"duration", "thumbnail", "status", "download_progress", "processing_metadata",
		"created_at", "updated_at",
	}).AddRow(
		id, int64(7), int64(3), "https://videos.example/watch?v=1", "A title", "source.mp4",
		fmt.Sprintf("users/3/projects/7/videos/%d/source/source.mp4", id), int64(1000), 120.0,
		"", "downloaded", 100.0, []byte(`{}`), now, now,
	)
	s.mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").WithArgs(id).WillReturnRows(rows)
	return nil
}

// SeedMissingVideo makes the next videos-by-id lookup come back empty.
func (s *StepContext) SeedMissingVideo(id int64) error {
	if s.mock == nil {
		return fmt.Errorf("the API is not running")
	}
	s.mock.ExpectQuery("SELECT (.+) FROM videos WHERE id").WithArgs(id).WillReturnError(sql.ErrNoRows)
	return nil
}
