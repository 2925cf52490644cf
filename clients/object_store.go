package clients

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/progress"
)

// ObjectStore is the gateway to the S3-compatible bucket that holds every
// pipeline artifact. All internal records store bare keys; URLs only exist at
// the edges, where Presign produces them against the internal endpoint and
// PresignPublic swaps the host for browser- or editor-facing use.
type ObjectStore struct {
	s3         *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string

	internalEndpoint *url.URL
	publicEndpoint   *url.URL
	presignTTL       time.Duration
}

// ObjectInfo describes a stored object. ContentRange is set only on ranged
// reads.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ContentRange string
	LastModified time.Time
}

func NewObjectStore(cli config.Cli) (*ObjectStore, error) {
	if cli.StorageEndpoint == nil || cli.StorageBucket == "" {
		return nil, fmt.Errorf("object store requires -storage-endpoint and -storage-bucket")
	}
	awsConfig := aws.NewConfig().
		WithRegion(cli.StorageRegion).
		WithCredentials(credentials.NewStaticCredentials(cli.StorageAccessKey, cli.StorageSecretKey, "")).
		WithEndpoint(cli.StorageEndpoint.String()).
		WithS3ForcePathStyle(true)
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS session: %w", err)
	}
	svc := s3.New(sess)
	// AfterRetry runs once the SDK has bumped RetryCount, so the gauge holds
	// the retries the last troubled request needed.
	svc.Handlers.AfterRetry.PushBack(func(r *request.Request) {
		if r.RetryCount > 0 {
			metrics.Metrics.ObjectStoreClient.RetryCount.
				WithLabelValues(cli.StorageEndpoint.Host, r.Operation.Name).
				Set(float64(r.RetryCount))
		}
	})
	return &ObjectStore{
		s3:               svc,
		uploader:         s3manager.NewUploaderWithClient(svc),
		downloader:       s3manager.NewDownloaderWithClient(svc),
		bucket:           cli.StorageBucket,
		internalEndpoint: cli.StorageEndpoint,
		publicEndpoint:   cli.StoragePublicEndpoint,
		presignTTL:       cli.PresignTTL,
	}, nil
}

// PutFile uploads the file at localPath under key and returns the object's
// size. The upload is streamed, not buffered.
func (o *ObjectStore) PutFile(ctx context.Context, requestID, localPath, key, contentType string) (int64, error) {
	return o.PutFileWithProgress(ctx, requestID, localPath, key, contentType, nil)
}

// PutFileWithProgress is PutFile with a coarse progress feed for large
// uploads. onProgress receives the fraction of the file read so far, roughly
// every two seconds, from a separate goroutine.
func (o *ObjectStore) PutFileWithProgress(ctx context.Context, requestID, localPath, key, contentType string, onProgress func(fraction float64)) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("error opening %s for upload: %w", localPath, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("error statting %s: %w", localPath, err)
	}

	body := io.Reader(f)
	if onProgress != nil && stat.Size() > 0 {
		counter := progress.NewReadCounter(f)
		body = counter
		size := stat.Size()
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					onProgress(float64(counter.Count()) / float64(size))
				}
			}
		}()
	}

	start := time.Now()
	_, err = o.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: contentTypeOrDetect(contentType, localPath),
	})
	o.observe("put", start, err)
	if err != nil {
		return 0, fmt.Errorf("error uploading %s to %s: %w", localPath, key, err)
	}
	log.Log(requestID, "uploaded object", "key", key, "bytes", stat.Size())
	return stat.Size(), nil
}

// PutBytes uploads an in-memory payload under key.
func (o *ObjectStore) PutBytes(ctx context.Context, requestID, key string, data []byte, contentType string) error {
	start := time.Now()
	_, err := o.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: contentTypeOrDetect(contentType, key),
	})
	o.observe("put", start, err)
	if err != nil {
		return fmt.Errorf("error uploading %d bytes to %s: %w", len(data), key, err)
	}
	log.Log(requestID, "uploaded object", "key", key, "bytes", len(data))
	return nil
}

// GetStream opens the object for reading. rangeHeader may be an HTTP Range
// value ("bytes=0-1023") or empty for the whole object. The caller closes the
// returned reader.
func (o *ObjectStore) GetStream(ctx context.Context, key, rangeHeader string) (io.ReadCloser, *ObjectInfo, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}
	if rangeHeader != "" {
		input.Range = aws.String(rangeHeader)
	}
	start := time.Now()
	out, err := o.s3.GetObjectWithContext(ctx, input)
	o.observe("get", start, err)
	if err != nil {
		return nil, nil, wrapS3Error(key, err)
	}
	return out.Body, &ObjectInfo{
		Key:          key,
		Size:         aws.Int64Value(out.ContentLength),
		ContentType:  aws.StringValue(out.ContentType),
		ContentRange: aws.StringValue(out.ContentRange),
		LastModified: aws.TimeValue(out.LastModified),
	}, nil
}

// ReadAll fetches the whole object into memory. Only for small artifacts like
// subtitle files and info JSON.
func (o *ObjectStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	body, _, err := o.GetStream(ctx, key, "")
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("error reading object %s: %w", key, err)
	}
	return data, nil
}

// DownloadTo fetches the object into a local file, creating parent
// directories as needed.
func (o *ObjectStore) DownloadTo(ctx context.Context, requestID, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", localPath, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", localPath, err)
	}
	defer f.Close()

	start := time.Now()
	n, err := o.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	o.observe("get", start, err)
	if err != nil {
		return wrapS3Error(key, err)
	}
	log.Log(requestID, "downloaded object", "key", key, "bytes", n, "to", localPath)
	return nil
}

// Stat returns object metadata without fetching the body.
func (o *ObjectStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	out, err := o.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	o.observe("head", start, err)
	if err != nil {
		return nil, wrapS3Error(key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.Int64Value(out.ContentLength),
		ContentType:  aws.StringValue(out.ContentType),
		LastModified: aws.TimeValue(out.LastModified),
	}, nil
}

// Exists reports whether the object is present. Used to verify uploads before
// a task is marked successful.
func (o *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.Stat(ctx, key)
	if err != nil {
		if errors.IsObjectNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *ObjectStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := o.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	o.observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("error deleting object %s: %w", key, err)
	}
	return nil
}

// Presign returns a time-limited GET URL against the internal endpoint. A
// zero ttl uses the configured default.
func (o *ObjectStore) Presign(key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = o.presignTTL
	}
	req, _ := o.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	signed, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("error presigning %s: %w", key, err)
	}
	return signed, nil
}

// PresignPublic presigns against the internal endpoint and then swaps the
// scheme and host for the public endpoint. The swap is string surgery on
// purpose: the signed path and query must survive byte for byte or the
// signature breaks.
func (o *ObjectStore) PresignPublic(key string, ttl time.Duration) (string, error) {
	signed, err := o.Presign(key, ttl)
	if err != nil {
		return "", err
	}
	return o.SwapToPublic(signed)
}

// SwapToPublic rewrites an internal-endpoint URL onto the public endpoint,
// leaving path and query untouched. URLs already elsewhere pass through.
func (o *ObjectStore) SwapToPublic(internalURL string) (string, error) {
	if o.publicEndpoint == nil {
		return internalURL, nil
	}
	prefix := strings.TrimSuffix(o.internalEndpoint.String(), "/")
	rest, found := strings.CutPrefix(internalURL, prefix)
	if !found {
		return internalURL, nil
	}
	return strings.TrimSuffix(o.publicEndpoint.String(), "/") + rest, nil
}

// PresignTTL is the configured default expiry, exposed so handlers can report
// expires_in alongside generated URLs.
func (o *ObjectStore) PresignTTL() time.Duration {
	return o.presignTTL
}

func (o *ObjectStore) observe(operation string, start time.Time, err error) {
	host := o.internalEndpoint.Host
	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(host, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(host, operation).Inc()
	}
}

func wrapS3Error(key string, err error) error {
	var aerr awserr.Error
	if stderrors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return errors.NewObjectNotFoundError(fmt.Sprintf("object %s not found", key), err)
		}
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
		return errors.NewObjectNotFoundError(fmt.Sprintf("object %s not found", key), err)
	}
	return fmt.Errorf("error accessing object %s: %w", key, err)
}

func contentTypeOrDetect(contentType, name string) *string {
	if contentType != "" {
		return aws.String(contentType)
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return aws.String("video/mp4")
	case ".wav":
		return aws.String("audio/wav")
	case ".mp3":
		return aws.String("audio/mpeg")
	case ".srt":
		return aws.String("application/x-subrip")
	case ".jpg", ".jpeg":
		return aws.String("image/jpeg")
	case ".png":
		return aws.String("image/png")
	case ".json":
		return aws.String("application/json")
	}
	return aws.String("application/octet-stream")
}
