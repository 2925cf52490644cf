package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/video"
)

func TestDownloadProgressMapping(t *testing.T) {
	percent, desc := downloadProgress(video.DownloadEvent{Stage: video.StageAnalyzing})
	require.Equal(t, 1.0, percent)
	require.Equal(t, "analyzing source", desc)

	percent, desc = downloadProgress(video.DownloadEvent{Stage: video.StageDownloading, Percent: 50})
	require.Equal(t, 45.0, percent)
	require.Equal(t, "downloading source video", desc)

	percent, desc = downloadProgress(video.DownloadEvent{Stage: video.StageDownloading, Percent: 100, Speed: "4.2MiB/s"})
	require.Equal(t, 90.0, percent)
	require.Equal(t, "downloading source video (4.2MiB/s)", desc)

	percent, _ = downloadProgress(video.DownloadEvent{Stage: video.StageMerging})
	require.Equal(t, 91.0, percent)

	// Warning and error events carry no progress of their own.
	percent, desc = downloadProgress(video.DownloadEvent{Stage: video.StageWarning})
	require.Equal(t, -1.0, percent)
	require.Empty(t, desc)
}

func TestSalvageableRequiresPatternAndSize(t *testing.T) {
	c := &Coordinator{cli: config.Cli{}}

	require.False(t, c.salvageable(nil))
	require.False(t, c.salvageable(&video.DownloadResult{StderrTail: []string{"ERROR: HTTP Error 404"}}))

	big := filepath.Join(t.TempDir(), "video.mp4")
	f, err := os.Create(big)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(minSalvageBytes))
	require.NoError(t, f.Close())

	recoverable := []string{"ERROR: unable to download video data: HTTP Error 404: Not Found"}
	require.True(t, c.salvageable(&video.DownloadResult{VideoPath: big, StderrTail: recoverable}))

	// Same failure with an unrelated stderr tail is not salvageable.
	require.False(t, c.salvageable(&video.DownloadResult{
		VideoPath:  big,
		StderrTail: []string{"ERROR: Sign in to confirm your age"},
	}))

	small := filepath.Join(t.TempDir(), "stub.mp4")
	require.NoError(t, os.WriteFile(small, []byte("x"), 0o644))
	require.False(t, c.salvageable(&video.DownloadResult{VideoPath: small, StderrTail: recoverable}))
}

func TestParseInfoJSON(t *testing.T) {
	title, sourceID := parseInfoJSON("req-1", "")
	require.Empty(t, title)
	require.Empty(t, sourceID)

	path := filepath.Join(t.TempDir(), "video.info.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"How to Cook","id":"dQw4w9WgXcQ"}`), 0o644))
	title, sourceID = parseInfoJSON("req-1", path)
	require.Equal(t, "How to Cook", title)
	require.Equal(t, "dQw4w9WgXcQ", sourceID)

	bad := filepath.Join(t.TempDir(), "broken.info.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"title":`), 0o644))
	title, sourceID = parseInfoJSON("req-1", bad)
	require.Empty(t, title)
	require.Empty(t, sourceID)
}

func TestMediaContentType(t *testing.T) {
	require.Equal(t, "video/mp4", mediaContentType("video-42.MP4"))
	require.Equal(t, "video/x-matroska", mediaContentType("video-42.mkv"))
	require.Equal(t, "video/webm", mediaContentType("clip.webm"))
	require.Equal(t, "application/octet-stream", mediaContentType("clip.avi"))
}
