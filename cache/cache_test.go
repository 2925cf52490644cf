package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testJob struct {
	VideoID int64
}

func TestStoreAndRetrieve(t *testing.T) {
	c := New[*testJob]()
	c.Store("download-42", &testJob{VideoID: 42})
	require.Equal(t, int64(42), c.Get("download-42").VideoID)
}

func TestGetMissingKeyReturnsZero(t *testing.T) {
	c := New[*testJob]()
	require.Nil(t, c.Get("generate_srt-7"))
}

func TestStoreAndRemove(t *testing.T) {
	c := New[*testJob]()
	c.Store("extract_audio-slice-5", &testJob{VideoID: 42})
	require.NotNil(t, c.Get("extract_audio-slice-5"))

	c.Remove("request-id", "extract_audio-slice-5")
	require.Nil(t, c.Get("extract_audio-slice-5"))
}

func TestCountTracksLiveEntries(t *testing.T) {
	c := New[*testJob]()
	require.Equal(t, 0, c.Count())

	c.Store("download-1", &testJob{VideoID: 1})
	c.Store("download-2", &testJob{VideoID: 2})
	require.Equal(t, 2, c.Count())

	c.Remove("request-id", "download-1")
	require.Equal(t, 1, c.Count())
}
