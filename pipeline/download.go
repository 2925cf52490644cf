package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/progress"
	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/video"
)

// downloadAttempts bounds the in-run yt-dlp retries for transient failures.
const downloadAttempts = 3

// minSalvageBytes is the smallest output accepted from a failed yt-dlp run.
const minSalvageBytes = 1 << 20

// runDownload fetches the source with yt-dlp, probes the result and stores it
// with its sidecar files. A failed run whose stderr matches a recoverable
// pattern is still accepted when the file left on disk probes as playable. On
// success the audio extraction stage is chained.
func (c *Coordinator) runDownload(ctx context.Context, job *JobInfo, quality, cookiesPath string) (*taskOutput, error) {
	if cookiesPath != "" {
		defer os.Remove(cookiesPath)
	}
	if err := c.markRunning(ctx, job, "downloading source video"); err != nil {
		return nil, err
	}
	v, err := c.state.Store().GetVideo(ctx, job.VideoID)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(c.cli.WorkDir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("error creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	req := video.DownloadRequest{
		URL:         v.URL,
		Quality:     quality,
		CookiesPath: cookiesPath,
		OutputBase:  filepath.Join(workDir, fmt.Sprintf("video-%d", v.ID)),
	}

	debouncer := progress.NewDebouncer()
	onEvent := func(ev video.DownloadEvent) {
		percent, description := downloadProgress(ev)
		if percent < 0 {
			return
		}
		if debouncer.ShouldPush(string(ev.Stage), percent) {
			c.reportProgress(ctx, job, percent, description)
		}
	}

	var (
		result  *video.DownloadResult
		warning string
	)
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			log.Log(job.RequestID, "Retrying source download", "attempt", attempt, "url", v.URL)
		}
		res, runErr := c.downloader.Download(ctx, job.RequestID, req, onEvent)
		result = res
		if runErr == nil {
			return nil
		}
		if c.salvageable(res) {
			warning = fmt.Sprintf("yt-dlp exited with a recoverable error, keeping the file on disk: %v", runErr)
			log.Log(job.RequestID, "Accepting salvageable download", "video_path", res.VideoPath, "err", runErr.Error())
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(runErr)
		}
		return runErr
	}
	if err := backoff.Retry(operation, backoff.WithContext(downloadBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("source download failed: %w", err)
	}
	if result == nil || result.VideoPath == "" {
		return nil, fmt.Errorf("download finished without a media file")
	}

	iv, err := c.prober.ProbeFile(job.RequestID, result.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("downloaded file failed probing: %w", err)
	}
	if !iv.HasVideo() || !iv.HasAudio() || iv.Duration <= 0 {
		return nil, fmt.Errorf("downloaded file is not playable: video=%t audio=%t duration=%.2f",
			iv.HasVideo(), iv.HasAudio(), iv.Duration)
	}

	title, sourceID := parseInfoJSON(job.RequestID, result.InfoJSONPath)

	c.reportProgress(ctx, job, 95, "storing source video")
	filename := fmt.Sprintf("%d%s", v.ID, filepath.Ext(result.VideoPath))
	key := clients.VideoKey(v.UserID, v.ProjectID, filename)
	size, err := c.objects.PutFileWithProgress(ctx, job.RequestID, result.VideoPath, key,
		mediaContentType(result.VideoPath), func(fraction float64) {
			c.reportProgress(ctx, job, 95+fraction*4, "storing source video")
		})
	if err != nil {
		return nil, err
	}
	metrics.Metrics.DownloadBytes.Add(float64(size))

	// The row only flips to downloaded once the object is really there.
	exists, err := c.objects.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("stored video %s missing from bucket after upload", key)
	}

	if result.InfoJSONPath != "" {
		infoKey := clients.VideoKey(v.UserID, v.ProjectID, fmt.Sprintf("%d.info.json", v.ID))
		if _, err := c.objects.PutFile(ctx, job.RequestID, result.InfoJSONPath, infoKey, "application/json"); err != nil {
			log.LogError(job.RequestID, "Failed to store info JSON, continuing", err, "key", infoKey)
		}
	}
	thumbKey := ""
	if result.ThumbnailPath != "" {
		extID := sourceID
		if extID == "" {
			extID = strconv.FormatInt(v.ID, 10)
		}
		thumbKey = clients.ThumbnailKey(v.UserID, v.ProjectID, extID, filepath.Ext(result.ThumbnailPath))
		if _, err := c.objects.PutFile(ctx, job.RequestID, result.ThumbnailPath, thumbKey, "image/jpeg"); err != nil {
			log.LogError(job.RequestID, "Failed to store thumbnail, continuing", err, "key", thumbKey)
			thumbKey = ""
		}
	}

	if title != "" {
		v.Title = title
	}
	v.Filename = filename
	v.StoragePath = key
	v.Filesize = size
	v.Duration = iv.Duration
	if thumbKey != "" {
		v.Thumbnail = thumbKey
	}
	v.Status = store.VideoDownloaded
	if err := c.state.Store().UpdateVideoSourceInfo(ctx, v); err != nil {
		return nil, err
	}
	log.Log(job.RequestID, "Stored source video", "key", key, "bytes", size,
		"duration", iv.Duration, "salvaged", warning != "")

	data := store.JSONMap{
		"storage_path": key,
		"filesize":     size,
		"duration":     iv.Duration,
	}
	if warning != "" {
		data["warning"] = warning
	}
	requestID, videoID := job.RequestID, v.ID
	return &taskOutput{
		data: data,
		next: func() {
			if _, err := c.StartExtractAudio(context.Background(), requestID, videoID); err != nil {
				log.LogError(requestID, "Failed to chain audio extraction", err, "video_id", videoID)
			}
		},
	}, nil
}

func downloadBackOff() backoff.BackOff {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 2 * time.Second
	backOff.MaxInterval = 30 * time.Second
	backOff.MaxElapsedTime = 0 // Never stop retrying before the attempt cap

	return backoff.WithMaxRetries(backOff, downloadAttempts-1)
}

// salvageable reports whether a failed run left a file worth probing.
func (c *Coordinator) salvageable(res *video.DownloadResult) bool {
	if res == nil || res.VideoPath == "" {
		return false
	}
	patterns := c.cli.RecoverableDownloadErrors
	if len(patterns) == 0 {
		patterns = video.DefaultRecoverableDownloadErrors
	}
	if !video.IsRecoverableDownloadError(res.StderrTail, patterns) {
		return false
	}
	stat, err := os.Stat(res.VideoPath)
	return err == nil && stat.Size() >= minSalvageBytes
}

// downloadProgress maps a yt-dlp event onto the task's 0-100 scale, leaving
// headroom past 90 for probing and storage. A negative percent means the
// event carries no progress to report.
func downloadProgress(ev video.DownloadEvent) (float64, string) {
	switch ev.Stage {
	case video.StageAnalyzing:
		return 1, "analyzing source"
	case video.StagePreparing:
		return 2, "preparing download"
	case video.StageStarting:
		return 3, "starting download"
	case video.StageDownloading:
		description := "downloading source video"
		if ev.Speed != "" {
			description = fmt.Sprintf("downloading source video (%s)", ev.Speed)
		}
		return ev.Percent * 0.9, description
	case video.StageMerging:
		return 91, "merging streams"
	case video.StageConverting:
		return 92, "converting output"
	}
	return -1, ""
}

// parseInfoJSON pulls the source title and upstream id out of yt-dlp's info
// sidecar. Both are best-effort.
func parseInfoJSON(requestID, path string) (title, sourceID string) {
	if path == "" {
		return "", ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.LogError(requestID, "Failed to read info JSON", err, "path", path)
		return "", ""
	}
	var info struct {
		Title string `json:"title"`
		ID    string `json:"id"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		log.LogError(requestID, "Failed to parse info JSON", err, "path", path)
		return "", ""
	}
	return info.Title, info.ID
}

func mediaContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}
