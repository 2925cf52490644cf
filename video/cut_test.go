package video

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatTime(t *testing.T) {
	require.Equal(t, "00:00:00.000", formatTime(0))
	require.Equal(t, "00:01:30.500", formatTime(90.5))
	require.Equal(t, "01:00:00.000", formatTime(3600))
}

func TestCutRejectsInvalidWindow(t *testing.T) {
	_, err := Cut("in.mp4", "out.mp4", 5, 5)
	require.ErrorContains(t, err, "invalid cut window")
	_, err = Cut("in.mp4", "out.mp4", -1, 5)
	require.ErrorContains(t, err, "invalid cut window")
}

func TestCutAudioRejectsShortWindow(t *testing.T) {
	_, err := CutAudio("in.wav", "out.wav", 10, 13)
	require.ErrorContains(t, err, "under 5 seconds")

	_, err = CutAudio("in.wav", "out.wav", 20, 10)
	require.ErrorContains(t, err, "invalid cut window")
}

func TestVerifyCutOutput(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small.mp4")
	require.NoError(t, os.WriteFile(small, make([]byte, MinCutFileBytes-1), 0644))
	_, err := verifyCutOutput(small)
	require.ErrorContains(t, err, "cut window missed the media")

	ok := filepath.Join(dir, "ok.mp4")
	require.NoError(t, os.WriteFile(ok, make([]byte, 4096), 0644))
	size, err := verifyCutOutput(ok)
	require.NoError(t, err)
	require.Equal(t, int64(4096), size)

	_, err = verifyCutOutput(filepath.Join(dir, "missing.mp4"))
	require.Error(t, err)
}
