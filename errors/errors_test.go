package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func TestIsObjectNotFound(t *testing.T) {
	err := NewObjectNotFoundError("foo", fmt.Errorf("bar"))
	require.True(t, IsObjectNotFound(err))
	require.True(t, IsUnretriable(err))
	var permErr *backoff.PermanentError
	require.False(t, errors.As(err, &permErr))
}

func TestUnretriable(t *testing.T) {
	err := Unretriable(fmt.Errorf("bar"))
	require.True(t, IsUnretriable(err))
	var permErr *backoff.PermanentError
	require.True(t, errors.As(err, &permErr))
}

func TestValidationIsUnretriable(t *testing.T) {
	err := NewValidationError("bad plan", nil)
	require.True(t, IsValidation(err))
	require.True(t, IsUnretriable(err))
}

func TestUpstreamKinds(t *testing.T) {
	unavailable := NewUpstreamUnavailableError("capcut", fmt.Errorf("connection refused"))
	require.True(t, IsUpstreamUnavailable(unavailable))
	require.False(t, IsUpstreamProtocol(unavailable))
	require.False(t, IsUnretriable(unavailable))

	protocol := NewUpstreamProtocolError("asr", fmt.Errorf("missing task_id in response"))
	require.True(t, IsUpstreamProtocol(protocol))
	require.False(t, IsUpstreamUnavailable(protocol))
	require.True(t, IsUnretriable(protocol))
}

func TestRecoverableDownload(t *testing.T) {
	err := NewRecoverableDownloadError("output validated despite exit code 1", fmt.Errorf("Did not get any data blocks"))
	require.True(t, IsRecoverableDownload(err))
	require.False(t, IsUnretriable(err))

	wrapped := fmt.Errorf("download attempt: %w", err)
	require.True(t, IsRecoverableDownload(wrapped))
}

func TestWriteHTTPErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTPUnprocessableEntity(rec, "invalid slice data", fmt.Errorf("slice 0: end before start"))

	require.Equal(t, 422, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(422), body["code"])
	require.Equal(t, "invalid slice data", body["detail"])
	require.Equal(t, "slice 0: end before start", body["error_detail"])
}
