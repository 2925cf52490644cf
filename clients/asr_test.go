package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	cerrors "github.com/clipforge/clipforge-api/errors"
)

const sampleSRT = "1\n00:00:00,500 --> 00:00:02,000\nhello world\n"

func writeTestWAV(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFxxxxWAVEfmt "), 0644))
	return path
}

func newASRTestClient(t *testing.T, handler http.HandlerFunc, model ASRModel) *ASRClient {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	base, err := url.Parse(server.URL)
	require.NoError(t, err)
	client, err := NewASRClient(base, model, "zh")
	require.NoError(t, err)
	return client
}

func TestTranscribeWhisper(t *testing.T) {
	var gotPath, gotFormat, gotLanguage, gotFilename string
	client := newASRTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotFormat = r.FormValue("response_format")
		gotLanguage = r.FormValue("language")
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		gotFilename = header.Filename
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(sampleSRT))
	}, ASRModelWhisper)

	text, err := client.Transcribe(context.Background(), "test", writeTestWAV(t))
	require.NoError(t, err)
	require.Equal(t, sampleSRT, text)
	require.Equal(t, "/inference", gotPath)
	require.Equal(t, "srt", gotFormat)
	require.Equal(t, "zh", gotLanguage)
	require.Equal(t, "audio.wav", gotFilename)
}

func TestTranscribeSense(t *testing.T) {
	var gotPath, gotLang string
	client := newASRTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotLang = r.FormValue("lang")
		_, _, err := r.FormFile("files")
		require.NoError(t, err)
		_, _ = w.Write([]byte(sampleSRT))
	}, ASRModelSense)

	text, err := client.Transcribe(context.Background(), "test", writeTestWAV(t))
	require.NoError(t, err)
	require.Equal(t, sampleSRT, text)
	require.Equal(t, "/asr", gotPath)
	require.Equal(t, "zh", gotLang)
}

func TestTranscribeUnwrapsJSONEnvelope(t *testing.T) {
	client := newASRTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"msg":"ok","data":"1\n00:00:00,500 --> 00:00:02,000\nhello world\n"}`))
	}, ASRModelWhisper)

	text, err := client.Transcribe(context.Background(), "test", writeTestWAV(t))
	require.NoError(t, err)
	require.Equal(t, sampleSRT, text)
}

func TestTranscribeEnvelopeErrorCode(t *testing.T) {
	client := newASRTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":7,"msg":"model overloaded"}`))
	}, ASRModelWhisper)

	_, err := client.Transcribe(context.Background(), "test", writeTestWAV(t))
	require.Error(t, err)
	require.True(t, cerrors.IsUpstreamProtocol(err))
	require.Contains(t, err.Error(), "model overloaded")
}

func TestTranscribeClientErrorIsNotRetriable(t *testing.T) {
	var calls int
	client := newASRTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "unsupported sample rate", http.StatusUnprocessableEntity)
	}, ASRModelWhisper)

	_, err := client.Transcribe(context.Background(), "test", writeTestWAV(t))
	require.Error(t, err)
	require.True(t, cerrors.IsUpstreamProtocol(err))
	require.True(t, cerrors.IsUnretriable(err))
	require.Equal(t, 1, calls, "4xx must not be retried")
}

func TestNewASRClientRejectsUnknownModel(t *testing.T) {
	base, _ := url.Parse("http://localhost:1")
	_, err := NewASRClient(base, ASRModel("parakeet"), "en")
	require.Error(t, err)
}

func TestDecodeSRTResponseRawTextPassThrough(t *testing.T) {
	text, err := DecodeSRTResponse([]byte("\xEF\xBB\xBF" + sampleSRT))
	require.NoError(t, err)
	require.Equal(t, sampleSRT, text)
}
