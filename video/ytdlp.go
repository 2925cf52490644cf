package video

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/subprocess"
)

// DownloadStage mirrors the phases a yt-dlp run moves through.
type DownloadStage string

const (
	StageAnalyzing   DownloadStage = "analyzing"
	StagePreparing   DownloadStage = "preparing"
	StageStarting    DownloadStage = "starting"
	StageDownloading DownloadStage = "downloading"
	StageMerging     DownloadStage = "merging"
	StageConverting  DownloadStage = "converting"
	StageCompleted   DownloadStage = "completed"
	StageError       DownloadStage = "error"
	StageWarning     DownloadStage = "warning"
)

// DownloadEvent is one normalized progress report parsed from yt-dlp output.
type DownloadEvent struct {
	Stage      DownloadStage `json:"stage"`
	Percent    float64       `json:"percent"`
	Speed      string        `json:"speed,omitempty"`
	ETA        string        `json:"eta,omitempty"`
	Frag       int           `json:"frag,omitempty"`
	TotalFrags int           `json:"total_frags,omitempty"`
	TotalSize  string        `json:"total_size,omitempty"`
	Message    string        `json:"message,omitempty"`
}

type DownloadRequest struct {
	URL     string
	Quality string
	// CookiesPath points at a Netscape cookies file, used for age or
	// region gated sources.
	CookiesPath string
	// OutputBase is the work-dir path prefix, without extension, that the
	// media file, info JSON and thumbnail are written under.
	OutputBase string
}

type DownloadResult struct {
	VideoPath     string
	InfoJSONPath  string
	ThumbnailPath string
	StderrTail    []string
}

// DefaultRecoverableDownloadErrors matches yt-dlp failures that routinely
// leave a fully watchable file behind.
var DefaultRecoverableDownloadErrors = []string{
	"did not get any data blocks",
	"http error 404",
	"nsig extraction failed",
	"'false' is not a valid url",
	"has already been downloaded",
}

type Downloader struct {
	// Bin overrides the yt-dlp binary to invoke.
	Bin string
}

// Download runs yt-dlp for the requested URL, streaming normalized progress
// events to onEvent as output is parsed. The returned result is populated
// with whatever artifacts exist on disk even when yt-dlp exits non-zero, so
// callers can decide whether a failed run is salvageable.
func (d Downloader) Download(ctx context.Context, requestID string, req DownloadRequest, onEvent func(DownloadEvent)) (*DownloadResult, error) {
	bin := d.Bin
	if bin == "" {
		bin = "yt-dlp"
	}
	args := buildDownloadArgs(req)
	log.Log(requestID, "starting yt-dlp", "url", req.URL, "quality", req.Quality, "output", req.OutputBase)

	parser := &ytDlpParser{onEvent: onEvent}
	tail := subprocess.NewTail(50)
	cmd := exec.CommandContext(ctx, bin, args...)
	runErr := subprocess.Run(cmd, parser.stdoutLine, func(line string) {
		tail.Append(line)
		parser.stderrLine(line)
	})

	result := &DownloadResult{StderrTail: tail.Lines()}
	if videoPath, err := findDownloadedMedia(req.OutputBase); err == nil {
		result.VideoPath = videoPath
	}
	if p := req.OutputBase + ".info.json"; fileExists(p) {
		result.InfoJSONPath = p
	}
	for _, ext := range []string{".jpg", ".webp", ".png"} {
		if p := req.OutputBase + ext; fileExists(p) {
			result.ThumbnailPath = p
			break
		}
	}

	if runErr != nil {
		return result, fmt.Errorf("yt-dlp failed: %w", runErr)
	}
	if result.VideoPath == "" {
		return result, fmt.Errorf("yt-dlp finished but no media file found under %s.*", req.OutputBase)
	}
	return result, nil
}

func buildDownloadArgs(req DownloadRequest) []string {
	format := req.Quality
	if format == "" || format == "best" {
		format = "bestvideo+bestaudio/best"
	}
	args := []string{
		"--newline",
		"--ignore-errors",
		"--no-check-certificate",
		"--hls-use-mpegts",
		"--skip-unavailable-fragments",
		"--fragment-retries", "10",
		"--retries", "3",
		"--merge-output-format", "mp4",
		"--write-info-json",
		"--write-thumbnail",
		"--convert-thumbnails", "jpg",
		"-f", format,
		"-o", req.OutputBase + ".%(ext)s",
	}
	if req.CookiesPath != "" {
		args = append(args, "--cookies", req.CookiesPath)
	}
	return append(args, req.URL)
}

// IsRecoverableDownloadError reports whether the stderr tail of a failed
// run matches one of the known-recoverable patterns, meaning the output
// file may still be complete and worth probing.
func IsRecoverableDownloadError(stderrTail []string, patterns []string) bool {
	for _, line := range stderrTail {
		lower := strings.ToLower(line)
		for _, pattern := range patterns {
			if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
				return true
			}
		}
	}
	return false
}

var mediaExtensions = []string{".mp4", ".mkv", ".webm", ".mov", ".ts", ".m4v", ".flv"}

func findDownloadedMedia(outputBase string) (string, error) {
	for _, ext := range mediaExtensions {
		if p := outputBase + ext; fileExists(p) {
			return p, nil
		}
	}
	matches, err := filepath.Glob(outputBase + ".*")
	if err != nil {
		return "", err
	}
	for _, match := range matches {
		switch filepath.Ext(match) {
		case ".part", ".ytdl", ".json", ".jpg", ".webp", ".png":
			continue
		}
		return match, nil
	}
	return "", fmt.Errorf("no media file matching %s.*", outputBase)
}

func fileExists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && !stat.IsDir()
}

var (
	// [download]  37.2% of ~ 123.45MiB at  1.23MiB/s ETA 00:12 (frag 5/100)
	ytDlpProgressRE = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%\s+of\s+~?\s*(\S+)(?:\s+at\s+(\S+))?(?:\s+ETA\s+(\S+))?(?:\s+\(frag\s+(\d+)/(\d+)\))?`)
	ytDlpFragmentsRE = regexp.MustCompile(`[Tt]otal fragments:\s*(\d+)`)
)

// ytDlpParser turns raw yt-dlp output lines into DownloadEvents. Lines
// arrive concurrently from the stdout and stderr pipes.
type ytDlpParser struct {
	mu         sync.Mutex
	totalFrags int
	onEvent    func(DownloadEvent)
}

func (p *ytDlpParser) emit(ev DownloadEvent) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

func (p *ytDlpParser) stdoutLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m := ytDlpProgressRE.FindStringSubmatch(line); m != nil {
		percent, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return
		}
		ev := DownloadEvent{
			Stage:      StageDownloading,
			Percent:    percent,
			TotalSize:  m[2],
			Speed:      m[3],
			ETA:        m[4],
			TotalFrags: p.totalFrags,
		}
		if m[5] != "" {
			ev.Frag, _ = strconv.Atoi(m[5])
			ev.TotalFrags, _ = strconv.Atoi(m[6])
			p.totalFrags = ev.TotalFrags
		}
		p.emit(ev)
		return
	}
	if m := ytDlpFragmentsRE.FindStringSubmatch(line); m != nil {
		p.totalFrags, _ = strconv.Atoi(m[1])
		p.emit(DownloadEvent{Stage: StagePreparing, TotalFrags: p.totalFrags, Message: strings.TrimSpace(line)})
		return
	}

	switch {
	case strings.Contains(line, "has already been downloaded"):
		p.emit(DownloadEvent{Stage: StageDownloading, Percent: 100, Message: strings.TrimSpace(line)})
	case strings.HasPrefix(line, "[download] Destination:"):
		p.emit(DownloadEvent{Stage: StageStarting, Message: strings.TrimSpace(line)})
	case strings.Contains(line, "Downloading m3u8 manifest"), strings.Contains(line, "Downloading MPD manifest"):
		p.emit(DownloadEvent{Stage: StagePreparing, Message: strings.TrimSpace(line)})
	case strings.HasPrefix(line, "[Merger]"):
		p.emit(DownloadEvent{Stage: StageMerging, Percent: 100, Message: strings.TrimSpace(line)})
	case strings.HasPrefix(line, "[VideoConvertor]"),
		strings.HasPrefix(line, "[VideoRemuxer]"),
		strings.HasPrefix(line, "[ExtractAudio]"),
		strings.HasPrefix(line, "[FixupM3u8]"),
		strings.HasPrefix(line, "[ThumbnailsConvertor]"):
		p.emit(DownloadEvent{Stage: StageConverting, Percent: 100, Message: strings.TrimSpace(line)})
	case strings.Contains(line, "Extracting URL"),
		strings.Contains(line, "Downloading webpage"),
		strings.HasPrefix(line, "[info]"):
		p.emit(DownloadEvent{Stage: StageAnalyzing, Message: strings.TrimSpace(line)})
	}
}

func (p *ytDlpParser) stderrLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.HasPrefix(line, "ERROR:"):
		p.emit(DownloadEvent{Stage: StageError, Message: strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))})
	case strings.HasPrefix(line, "WARNING:"):
		p.emit(DownloadEvent{Stage: StageWarning, Message: strings.TrimSpace(strings.TrimPrefix(line, "WARNING:"))})
	}
}
