package clients

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	require.Equal(t, "users/7/projects/12/videos/42.mp4", VideoKey(7, 12, "42.mp4"))
	require.Equal(t, "users/7/projects/12/thumbnails/dQw4w9WgXcQ.jpg", ThumbnailKey(7, 12, "dQw4w9WgXcQ", "jpg"))
	require.Equal(t, "users/7/projects/12/thumbnails/dQw4w9WgXcQ.jpg", ThumbnailKey(7, 12, "dQw4w9WgXcQ", ".jpg"))
	require.Equal(t, "users/7/projects/12/audio/42.wav", AudioKey(7, 12, 42))
	require.Equal(t, "users/7/projects/12/subtitles/42.srt", SourceSRTKey(7, 12, 42))
	require.Equal(t, "users/7/projects/12/slices/ab12/video.mp4", SliceKey(7, 12, "ab12", "video.mp4"))
	require.Equal(t, "users/7/projects/12/slices/ab12/subtitles.srt", SliceSRTKey(7, 12, "ab12"))
	require.Equal(t, "users/7/projects/12/slices/ab12/sub_slice_3.srt", SubSliceSRTKey(7, 12, "ab12", 3))
}

func TestKeyRoundTrip(t *testing.T) {
	tests := []struct {
		key  string
		want KeyParts
	}{
		{
			key:  VideoKey(7, 12, "42.mp4"),
			want: KeyParts{UserID: 7, ProjectID: 12, Category: "videos", Filename: "42.mp4"},
		},
		{
			key:  AudioKey(1, 2, 3),
			want: KeyParts{UserID: 1, ProjectID: 2, Category: "audio", Filename: "3.wav"},
		},
		{
			key:  SourceSRTKey(9, 9, 9),
			want: KeyParts{UserID: 9, ProjectID: 9, Category: "subtitles", Filename: "9.srt"},
		},
		{
			key: SliceKey(7, 12, "0f8fad5b-d9cb-469f-a165-70867728950e", "video.mp4"),
			want: KeyParts{
				UserID: 7, ProjectID: 12, Category: "slices",
				SliceUUID: "0f8fad5b-d9cb-469f-a165-70867728950e", Filename: "video.mp4",
			},
		},
		{
			key: SubSliceSRTKey(7, 12, "0f8fad5b-d9cb-469f-a165-70867728950e", 4),
			want: KeyParts{
				UserID: 7, ProjectID: 12, Category: "slices",
				SliceUUID: "0f8fad5b-d9cb-469f-a165-70867728950e", Filename: "sub_slice_4.srt",
			},
		},
	}
	for _, tt := range tests {
		got, err := ParseKey(tt.key)
		require.NoError(t, err, tt.key)
		require.Equal(t, tt.want, got, tt.key)
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{
		"",
		"users/7/projects/12",
		"users/x/projects/12/videos/a.mp4",
		"users/7/projects/y/videos/a.mp4",
		"users/7/projects/12/wardrobe/a.mp4",
		"users/7/projects/12/videos/nested/a.mp4",
		"users/7/projects/12/slices/a.mp4",
		"default_resources/water_12345678.mp3",
	} {
		_, err := ParseKey(key)
		require.Error(t, err, key)
	}
}

func TestSliceUUIDFromKey(t *testing.T) {
	uuid, err := SliceUUIDFromKey("users/7/projects/12/slices/ab-cd-ef/sub_slice_9.srt")
	require.NoError(t, err)
	require.Equal(t, "ab-cd-ef", uuid)

	_, err = SliceUUIDFromKey(VideoKey(7, 12, "a.mp4"))
	require.Error(t, err)
}

func TestDefaultResourceKey(t *testing.T) {
	key := DefaultResourceKey("水波纹", ".mp3")
	require.True(t, strings.HasPrefix(key, "default_resources/水波纹_"))
	require.True(t, strings.HasSuffix(key, ".mp3"))
	require.NotEqual(t, key, DefaultResourceKey("水波纹", ".mp3"))
}
