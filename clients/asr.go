package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/subtitle"
)

// ASRModel selects which speech backend dialect the synchronous client talks.
type ASRModel string

const (
	ASRModelWhisper ASRModel = "whisper"
	ASRModelSense   ASRModel = "sense"
)

// Each backend shape is data, not code: the worker never branches on model.
type asrEndpoint struct {
	path      string
	fileField string
	fields    func(language string) map[string]string
}

var asrEndpoints = map[ASRModel]asrEndpoint{
	ASRModelWhisper: {
		path:      "/inference",
		fileField: "file",
		fields: func(language string) map[string]string {
			return map[string]string{
				"response_format": "srt",
				"language":        language,
			}
		},
	},
	ASRModelSense: {
		path:      "/asr",
		fileField: "files",
		fields: func(language string) map[string]string {
			return map[string]string{"lang": language}
		},
	},
}

// ASRClient runs blocking transcriptions against a speech backend. Audio on
// this path is already capped by the resumable-upload threshold, so request
// bodies are buffered to keep them replayable across retries.
type ASRClient struct {
	baseURL  *url.URL
	model    ASRModel
	language string
	client   *http.Client
}

func NewASRClient(baseURL *url.URL, model ASRModel, language string) (*ASRClient, error) {
	if _, ok := asrEndpoints[model]; !ok {
		return nil, fmt.Errorf("unknown ASR model %q", model)
	}
	if baseURL == nil {
		return nil, fmt.Errorf("ASR client requires a base URL")
	}
	return &ASRClient{
		baseURL:  baseURL,
		model:    model,
		language: language,
		client:   newASRHTTPClient(),
	}, nil
}

func newASRHTTPClient() *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3                   // Retry a maximum of this many times after the first attempt
	client.RetryWaitMin = 1 * time.Second // Wait at least this long between retries
	client.RetryWaitMax = 30 * time.Second
	client.HTTPClient = &http.Client{
		// Transcription of a near-threshold file can legitimately take minutes
		Timeout: 10 * time.Minute,
	}
	client.Logger = log.NewRetryableHTTPLogger()
	client.CheckRetry = metrics.HttpRetryHook

	return client.StandardClient()
}

// Transcribe posts the WAV at audioPath and returns the backend's raw SRT
// text. Timestamps are relative to the start of the posted audio; callers
// transcribing a cut window shift them afterwards.
func (c *ASRClient) Transcribe(ctx context.Context, requestID, audioPath string) (string, error) {
	endpoint := asrEndpoints[c.model]

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile(endpoint.fileField, filepath.Base(audioPath))
	if err != nil {
		return "", fmt.Errorf("error building multipart body: %w", err)
	}
	f, err := os.Open(audioPath)
	if err != nil {
		return "", errors.Unretriable(fmt.Errorf("error opening audio file %s: %w", audioPath, err))
	}
	if _, err := io.Copy(part, f); err != nil {
		f.Close()
		return "", fmt.Errorf("error reading audio file %s: %w", audioPath, err)
	}
	f.Close()
	for field, value := range endpoint.fields(c.language) {
		if err := form.WriteField(field, value); err != nil {
			return "", fmt.Errorf("error writing form field %s: %w", field, err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("error finalizing multipart body: %w", err)
	}

	requestURL := c.baseURL.JoinPath(endpoint.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL.String(), bytes.NewReader(body.Bytes()))
	if err != nil {
		return "", fmt.Errorf("error building ASR request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	log.Log(requestID, "sending audio to ASR backend", "url", requestURL.String(), "model", string(c.model), "bytes", body.Len())
	res, err := metrics.MonitorRequest(metrics.Metrics.ASRClient, c.client, req)
	if err != nil {
		return "", errors.NewUpstreamUnavailableError("asr", err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return "", errors.NewUpstreamUnavailableError("asr", fmt.Errorf("error reading response: %w", err))
	}
	if res.StatusCode >= 500 {
		return "", errors.NewUpstreamUnavailableError("asr", fmt.Errorf("status %d: %s", res.StatusCode, excerpt(payload)))
	}
	if res.StatusCode >= 400 {
		return "", errors.NewUpstreamProtocolError("asr", fmt.Errorf("status %d: %s", res.StatusCode, excerpt(payload)))
	}

	return DecodeSRTResponse(payload)
}

// DecodeSRTResponse unwraps a speech backend response into SRT text. Backends
// reply either with raw subtitle text (possibly BOM-prefixed or in a legacy
// codepage) or with a JSON envelope carrying the text in data.
func DecodeSRTResponse(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF}))
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Code *int            `json:"code"`
			Msg  string          `json:"msg"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Code != nil {
			if *envelope.Code != 0 {
				return "", errors.NewUpstreamProtocolError("asr", fmt.Errorf("backend returned code %d: %s", *envelope.Code, envelope.Msg))
			}
			var text string
			if err := json.Unmarshal(envelope.Data, &text); err != nil {
				return "", errors.NewUpstreamProtocolError("asr", fmt.Errorf("envelope data is not subtitle text: %s", excerpt(envelope.Data)))
			}
			return text, nil
		}
	}
	return subtitle.Decode(body), nil
}

func excerpt(body []byte) string {
	const max = 200
	s := string(bytes.TrimSpace(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
