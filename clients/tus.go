package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eventials/go-tus"

	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
)

const (
	// TUSChunkSize is the PATCH body size for resumable audio uploads.
	TUSChunkSize = 1 << 20

	tusChunkRetries = 3
)

// TUSJob is a created transcription job on the asynchronous ASR backend. The
// result arrives later on the callback server, keyed by TaskID.
type TUSJob struct {
	TaskID    string `json:"task_id"`
	UploadURL string `json:"upload_url"`
}

// TUSClient drives the asynchronous ASR path: create a job, push the audio
// over the resumable-upload protocol, and let the callback server collect the
// result.
type TUSClient struct {
	apiURL    *url.URL
	language  string
	model     string
	chunkSize int64
	jobClient *http.Client
}

func NewTUSClient(apiURL *url.URL, model, language string) (*TUSClient, error) {
	if apiURL == nil {
		return nil, fmt.Errorf("TUS client requires a base URL")
	}
	return &TUSClient{
		apiURL:    apiURL,
		language:  language,
		model:     model,
		chunkSize: TUSChunkSize,
		jobClient: newRetryableClient(nil),
	}, nil
}

// CreateJob registers a transcription job and returns where to upload the
// audio. callbackURL is where the backend will POST the finished result.
func (c *TUSClient) CreateJob(ctx context.Context, requestID, audioPath, callbackURL string) (*TUSJob, error) {
	stat, err := os.Stat(audioPath)
	if err != nil {
		return nil, errors.Unretriable(fmt.Errorf("error statting audio file %s: %w", audioPath, err))
	}
	payload, err := json.Marshal(map[string]interface{}{
		"filename":     filepath.Base(audioPath),
		"filesize":     stat.Size(),
		"language":     c.language,
		"model":        c.model,
		"callback_url": callbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshalling job request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("error building job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := metrics.MonitorRequest(metrics.Metrics.ASRClient, c.jobClient, req)
	if err != nil {
		return nil, errors.NewUpstreamUnavailableError("asr", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.NewUpstreamUnavailableError("asr", fmt.Errorf("error reading job response: %w", err))
	}
	if res.StatusCode >= 500 {
		return nil, errors.NewUpstreamUnavailableError("asr", fmt.Errorf("job creation returned %d: %s", res.StatusCode, excerpt(body)))
	}
	if res.StatusCode >= 400 {
		return nil, errors.NewUpstreamProtocolError("asr", fmt.Errorf("job creation returned %d: %s", res.StatusCode, excerpt(body)))
	}

	var job TUSJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, errors.NewUpstreamProtocolError("asr", fmt.Errorf("job response is not JSON: %s", excerpt(body)))
	}
	if job.TaskID == "" || job.UploadURL == "" {
		return nil, errors.NewUpstreamProtocolError("asr", fmt.Errorf("job response missing task_id or upload_url: %s", excerpt(body)))
	}
	log.Log(requestID, "created async ASR job", "task_id", job.TaskID, "upload_url", job.UploadURL, "filesize", stat.Size())
	return &job, nil
}

// Upload pushes the audio file to the job's upload endpoint chunk by chunk.
// Each chunk is retried independently with exponential backoff, and the
// server-advertised offset is asserted after every PATCH so a desynced server
// fails the upload instead of corrupting it.
func (c *TUSClient) Upload(ctx context.Context, requestID string, job *TUSJob, audioPath string) error {
	f, err := os.Open(audioPath)
	if err != nil {
		return errors.Unretriable(fmt.Errorf("error opening audio file %s: %w", audioPath, err))
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return errors.Unretriable(fmt.Errorf("error statting audio file %s: %w", audioPath, err))
	}

	tusClient, err := tus.NewClient(job.UploadURL, &tus.Config{
		ChunkSize: c.chunkSize,
		HttpClient: &http.Client{
			// Per-chunk budget; one chunk is at most TUSChunkSize bytes
			Timeout: 2 * time.Minute,
		},
	})
	if err != nil {
		return errors.NewUpstreamUnavailableError("asr", fmt.Errorf("error creating upload client: %w", err))
	}

	upload := tus.NewUpload(f, stat.Size(), tus.Metadata{
		"filename": filepath.Base(audioPath),
		"task_id":  job.TaskID,
	}, job.TaskID)

	uploader, err := tusClient.CreateUpload(upload)
	if err != nil {
		return errors.NewUpstreamUnavailableError("asr", fmt.Errorf("error creating upload session: %w", err))
	}

	start := time.Now()
	for uploader.Offset() < upload.Size() {
		if err := ctx.Err(); err != nil {
			return err
		}
		before := uploader.Offset()
		want := before + c.chunkSize
		if want > upload.Size() {
			want = upload.Size()
		}

		err := backoff.Retry(func() error {
			return uploader.UploadChunck()
		}, backoff.WithContext(chunkBackOff(), ctx))
		if err != nil {
			return errors.NewUpstreamUnavailableError("asr", fmt.Errorf("error uploading chunk at offset %d: %w", before, err))
		}
		if got := uploader.Offset(); got != want {
			return errors.NewUpstreamProtocolError("asr", fmt.Errorf("upload offset desynced: server at %d, expected %d", got, want))
		}
	}
	metrics.Metrics.TUSUploadDurationSec.Observe(time.Since(start).Seconds())
	log.Log(requestID, "uploaded audio to async ASR backend", "task_id", job.TaskID, "bytes", stat.Size(), "duration", time.Since(start))
	return nil
}

func chunkBackOff() backoff.BackOff {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 1 * time.Second
	backOff.MaxInterval = 30 * time.Second
	backOff.MaxElapsedTime = 0 // Never stop retrying before the attempt cap

	return backoff.WithMaxRetries(backOff, tusChunkRetries)
}
