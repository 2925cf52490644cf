package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	cfErrs "github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/video"
)

func sliceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "video_id", "analysis_id", "cover_title", "title", "description", "tags",
		"start_time", "end_time", "duration", "type", "sliced_file_path", "audio_url", "srt_url",
		"audio_processing_status", "srt_processing_status", "audio_task_id", "srt_task_id",
		"audio_error_message", "srt_error_message",
		"capcut_status", "capcut_draft_url", "capcut_error_message",
		"jianying_status", "jianying_draft_url", "jianying_error_message",
		"created_at", "updated_at",
	})
}

func sliceRowWithMedia(id int64, mediaKey, audioURL string) *sqlmock.Rows {
	now := time.Now()
	return sliceRows().AddRow(
		id, int64(42), int64(1), "cover", "title", "", []byte(`{}`),
		0.0, 60.0, 60.0, "full", mediaKey, audioURL, "",
		"pending", "pending", "", "", "", "",
		"pending", "", "", "pending", "", "",
		now, now,
	)
}

func subSliceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "slice_id", "video_id", "cover_title", "title", "start_time", "end_time", "duration",
		"sliced_file_path", "audio_url", "srt_url",
		"audio_processing_status", "srt_processing_status", "audio_task_id", "srt_task_id",
		"audio_error_message", "srt_error_message", "created_at", "updated_at",
	})
}

func subSliceRowWithMedia(id int64, mediaKey, audioURL string) *sqlmock.Rows {
	now := time.Now()
	return subSliceRows().AddRow(
		id, int64(5), int64(42), "chapter", "chapter", 10.0, 20.0, 10.0,
		mediaKey, audioURL, "",
		"pending", "pending", "", "", "", "", now, now,
	)
}

func TestNodeAudioKeysForSubSlice(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectQuery("SELECT (.+) FROM sub_slices WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(subSliceRowWithMedia(9, "users/3/projects/7/slices/ab-cd/sub_slice_2.mp4", ""))

	mediaKey, audioKey, err := c.nodeAudioKeys(context.Background(), &JobInfo{SliceID: 5, SubSliceID: 9})
	require.NoError(t, err)
	require.Equal(t, "users/3/projects/7/slices/ab-cd/sub_slice_2.mp4", mediaKey)
	require.Equal(t, "users/3/projects/7/slices/ab-cd/sub_slice_2.wav", audioKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeAudioKeysForSlice(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectQuery("SELECT (.+) FROM slices WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(sliceRowWithMedia(5, "users/3/projects/7/slices/ab-cd/video.mp4", ""))

	mediaKey, audioKey, err := c.nodeAudioKeys(context.Background(), &JobInfo{SliceID: 5})
	require.NoError(t, err)
	require.Equal(t, "users/3/projects/7/slices/ab-cd/video.mp4", mediaKey)
	require.Equal(t, "users/3/projects/7/slices/ab-cd/audio.wav", audioKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeAudioKeysRejectsMissingOrMalformedMedia(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectQuery("SELECT (.+) FROM slices WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(sliceRowWithMedia(5, "", ""))
	_, _, err := c.nodeAudioKeys(context.Background(), &JobInfo{SliceID: 5})
	require.Error(t, err)
	require.True(t, cfErrs.IsUnretriable(err))

	mock.ExpectQuery("SELECT (.+) FROM slices WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(sliceRowWithMedia(5, "scratch/local-copy.mp4", ""))
	_, _, err = c.nodeAudioKeys(context.Background(), &JobInfo{SliceID: 5})
	require.Error(t, err)
	require.True(t, cfErrs.IsUnretriable(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapToWav(t *testing.T) {
	require.Equal(t, "users/3/projects/7/slices/ab/sub_slice_1.wav",
		swapToWav("users/3/projects/7/slices/ab/sub_slice_1.mp4"))
	require.Equal(t, "audio.wav", swapToWav("audio.wav"))
	require.Equal(t, "noext.wav", swapToWav("noext"))
}

func TestAudioInfoIncludesTrackDetails(t *testing.T) {
	iv := video.InputVideo{
		Format:    "wav",
		Duration:  12.5,
		SizeBytes: 400000,
		Tracks: []video.InputTrack{{
			Type:       video.TrackTypeAudio,
			Codec:      "pcm_s16le",
			AudioTrack: video.AudioTrack{SampleRate: 16000, Channels: 1},
		}},
	}
	info := audioInfo(iv)
	require.Equal(t, 12.5, info["duration"])
	require.Equal(t, int64(400000), info["size"])
	require.Equal(t, "wav", info["format"])
	require.Equal(t, 16000, info["sample_rate"])
	require.Equal(t, 1, info["channels"])

	bare := audioInfo(video.InputVideo{Duration: 3})
	require.NotContains(t, bare, "sample_rate")
}
