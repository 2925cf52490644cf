package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order on startup when -run-migrations is set.
// Statements are idempotent so a fleet of identical binaries can race them.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id BIGSERIAL PRIMARY KEY,
		project_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		storage_path TEXT NOT NULL DEFAULT '',
		filesize BIGINT NOT NULL DEFAULT 0,
		duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		thumbnail TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		download_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		processing_metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS videos_project_idx ON videos (project_id)`,

	`CREATE TABLE IF NOT EXISTS analyses (
		id BIGSERIAL PRIMARY KEY,
		video_id BIGINT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
		cover_title TEXT NOT NULL DEFAULT '',
		analysis_data JSONB NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'draft',
		is_validated BOOLEAN NOT NULL DEFAULT FALSE,
		is_applied BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS analyses_video_idx ON analyses (video_id)`,

	`CREATE TABLE IF NOT EXISTS slices (
		id BIGSERIAL PRIMARY KEY,
		video_id BIGINT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
		analysis_id BIGINT NOT NULL DEFAULT 0,
		cover_title TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		start_time DOUBLE PRECISION NOT NULL,
		end_time DOUBLE PRECISION NOT NULL,
		duration DOUBLE PRECISION NOT NULL,
		type TEXT NOT NULL DEFAULT 'fragment',
		sliced_file_path TEXT NOT NULL DEFAULT '',
		audio_url TEXT NOT NULL DEFAULT '',
		srt_url TEXT NOT NULL DEFAULT '',
		audio_processing_status TEXT NOT NULL DEFAULT 'pending',
		srt_processing_status TEXT NOT NULL DEFAULT 'pending',
		audio_task_id TEXT NOT NULL DEFAULT '',
		srt_task_id TEXT NOT NULL DEFAULT '',
		audio_error_message TEXT NOT NULL DEFAULT '',
		srt_error_message TEXT NOT NULL DEFAULT '',
		capcut_status TEXT NOT NULL DEFAULT 'pending',
		capcut_draft_url TEXT NOT NULL DEFAULT '',
		capcut_error_message TEXT NOT NULL DEFAULT '',
		jianying_status TEXT NOT NULL DEFAULT 'pending',
		jianying_draft_url TEXT NOT NULL DEFAULT '',
		jianying_error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS slices_video_idx ON slices (video_id)`,

	`CREATE TABLE IF NOT EXISTS sub_slices (
		id BIGSERIAL PRIMARY KEY,
		slice_id BIGINT NOT NULL REFERENCES slices (id) ON DELETE CASCADE,
		video_id BIGINT NOT NULL,
		cover_title TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		start_time DOUBLE PRECISION NOT NULL,
		end_time DOUBLE PRECISION NOT NULL,
		duration DOUBLE PRECISION NOT NULL,
		sliced_file_path TEXT NOT NULL DEFAULT '',
		audio_url TEXT NOT NULL DEFAULT '',
		srt_url TEXT NOT NULL DEFAULT '',
		audio_processing_status TEXT NOT NULL DEFAULT 'pending',
		srt_processing_status TEXT NOT NULL DEFAULT 'pending',
		audio_task_id TEXT NOT NULL DEFAULT '',
		srt_task_id TEXT NOT NULL DEFAULT '',
		audio_error_message TEXT NOT NULL DEFAULT '',
		srt_error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sub_slices_slice_idx ON sub_slices (slice_id)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		video_id BIGINT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		worker_task_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		stage TEXT NOT NULL DEFAULT '',
		stage_description TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		input_data JSONB NOT NULL DEFAULT '{}',
		output_data JSONB NOT NULL DEFAULT '{}',
		async_processing BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_video_idx ON tasks (video_id)`,
	`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`,

	`CREATE TABLE IF NOT EXISTS task_logs (
		id BIGSERIAL PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
		old_status TEXT NOT NULL DEFAULT '',
		new_status TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		details JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS task_logs_task_idx ON task_logs (task_id)`,

	`CREATE TABLE IF NOT EXISTS processing_statuses (
		id BIGSERIAL PRIMARY KEY,
		video_id BIGINT NOT NULL UNIQUE REFERENCES videos (id) ON DELETE CASCADE,
		overall_status TEXT NOT NULL DEFAULT 'pending',
		overall_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_stage TEXT NOT NULL DEFAULT '',
		download_status TEXT NOT NULL DEFAULT 'pending',
		download_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		extract_audio_status TEXT NOT NULL DEFAULT 'pending',
		extract_audio_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		generate_srt_status TEXT NOT NULL DEFAULT 'pending',
		generate_srt_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS transcripts (
		id BIGSERIAL PRIMARY KEY,
		video_id BIGINT NOT NULL UNIQUE REFERENCES videos (id) ON DELETE CASCADE,
		srt_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS resources (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS resource_tags (
		id BIGSERIAL PRIMARY KEY,
		resource_id BIGINT NOT NULL REFERENCES resources (id) ON DELETE CASCADE,
		tag TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS resource_tags_tag_idx ON resource_tags (tag)`,
}

// Migrate applies the schema. Every statement is IF NOT EXISTS so this is
// safe to run on every boot.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
