// Package editor drives CapCut- and Jianying-compatible draft composition
// backends. Both speak the same HTTP API; a Client binds one backend's base
// URL, API key and font fine grain, and the Composer builds whole drafts on
// top of it.
package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
)

type Backend string

const (
	BackendCapcut   Backend = "capcut"
	BackendJianying Backend = "jianying"
)

// Drafts are composed portrait at 1080x1920.
const (
	DraftWidth  = 1080
	DraftHeight = 1920
)

const (
	statusPollInterval = 3 * time.Second
	statusPollTimeout  = 300 * time.Second
)

// subtitleStyle is the per-backend font fine grain; the two backends render
// the same font at different scales.
type subtitleStyle struct {
	font       string
	fontSize   float64
	fontColor  string
	transformY float64
}

var backendStyles = map[Backend]subtitleStyle{
	BackendCapcut:   {font: "文轩体", fontSize: 8.0, fontColor: "#FFFFFF", transformY: -0.73},
	BackendJianying: {font: "文轩体", fontSize: 6.0, fontColor: "#FFFFFF", transformY: -0.8},
}

// Client talks to one editor backend.
type Client struct {
	backend Backend
	baseURL *url.URL
	apiKey  string
	client  *http.Client

	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewClient(backend Backend, baseURL *url.URL, apiKey string) (*Client, error) {
	if _, ok := backendStyles[backend]; !ok {
		return nil, fmt.Errorf("unknown editor backend %q", backend)
	}
	if baseURL == nil {
		return nil, fmt.Errorf("editor backend %s requires a base URL", backend)
	}
	return &Client{
		backend:      backend,
		baseURL:      baseURL,
		apiKey:       apiKey,
		client:       newEditorHTTPClient(),
		pollInterval: statusPollInterval,
		pollTimeout:  statusPollTimeout,
	}, nil
}

func newEditorHTTPClient() *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3                   // Retry a maximum of this many times after the first attempt
	client.RetryWaitMin = 1 * time.Second // Wait at least this long between retries
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient = &http.Client{
		Timeout: 2 * time.Minute, // Draft mutations ship media references only, but save can be slow
	}
	client.Logger = log.NewRetryableHTTPLogger()
	client.CheckRetry = metrics.HttpRetryHook

	return client.StandardClient()
}

func (c *Client) Backend() Backend {
	return c.backend
}

// VideoArgs places a stored clip on the draft timeline. Start/End select from
// the source clip; TargetStart is the timeline position.
type VideoArgs struct {
	DraftID     string  `json:"draft_id"`
	VideoURL    string  `json:"video_url"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	TargetStart float64 `json:"target_start"`
}

type AudioArgs struct {
	DraftID     string  `json:"draft_id"`
	AudioURL    string  `json:"audio_url"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	TargetStart float64 `json:"target_start"`
	Volume      float64 `json:"volume"`
}

type EffectArgs struct {
	DraftID    string    `json:"draft_id"`
	EffectType string    `json:"effect_type"`
	Start      float64   `json:"start"`
	End        float64   `json:"end"`
	Params     []float64 `json:"params,omitempty"`
}

type TextArgs struct {
	DraftID        string  `json:"draft_id"`
	Text           string  `json:"text"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Font           string  `json:"font,omitempty"`
	FontColor      string  `json:"font_color,omitempty"`
	FontSize       float64 `json:"font_size,omitempty"`
	TransformX     float64 `json:"transform_x"`
	TransformY     float64 `json:"transform_y"`
	IntroAnimation string  `json:"intro_animation,omitempty"`
}

// SubtitleArgs adds a whole SRT document as one track. TimeOffset shifts every
// cue so a sub-slice transcript lands where its clip sits on the timeline.
type SubtitleArgs struct {
	DraftID    string  `json:"draft_id"`
	SRT        string  `json:"srt"`
	TrackName  string  `json:"track_name"`
	TimeOffset float64 `json:"time_offset"`
	Font       string  `json:"font,omitempty"`
	FontSize   float64 `json:"font_size,omitempty"`
	FontColor  string  `json:"font_color,omitempty"`
	TransformY float64 `json:"transform_y"`
}

// draftEnvelope is the backend's uniform response shape.
type draftEnvelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Output  json.RawMessage `json:"output"`
}

func (c *Client) CreateDraft(ctx context.Context, requestID string) (string, error) {
	var out struct {
		DraftID string `json:"draft_id"`
	}
	err := c.post(ctx, requestID, "/create_draft", map[string]int{
		"width":  DraftWidth,
		"height": DraftHeight,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.DraftID == "" {
		return "", errors.NewUpstreamProtocolError(string(c.backend), fmt.Errorf("create_draft returned no draft_id"))
	}
	log.Log(requestID, "created editor draft", "backend", string(c.backend), "draft_id", out.DraftID)
	return out.DraftID, nil
}

func (c *Client) AddVideo(ctx context.Context, requestID string, args VideoArgs) error {
	return c.post(ctx, requestID, "/add_video", args, nil)
}

func (c *Client) AddAudio(ctx context.Context, requestID string, args AudioArgs) error {
	return c.post(ctx, requestID, "/add_audio", args, nil)
}

func (c *Client) AddEffect(ctx context.Context, requestID string, args EffectArgs) error {
	return c.post(ctx, requestID, "/add_effect", args, nil)
}

func (c *Client) AddText(ctx context.Context, requestID string, args TextArgs) error {
	style := backendStyles[c.backend]
	if args.Font == "" {
		args.Font = style.font
	}
	if args.FontColor == "" {
		args.FontColor = style.fontColor
	}
	if args.FontSize == 0 {
		args.FontSize = style.fontSize
	}
	return c.post(ctx, requestID, "/add_text", args, nil)
}

func (c *Client) AddSubtitle(ctx context.Context, requestID string, args SubtitleArgs) error {
	style := backendStyles[c.backend]
	if args.Font == "" {
		args.Font = style.font
	}
	if args.FontColor == "" {
		args.FontColor = style.fontColor
	}
	if args.FontSize == 0 {
		args.FontSize = style.fontSize
	}
	if args.TransformY == 0 {
		args.TransformY = style.transformY
	}
	return c.post(ctx, requestID, "/add_subtitle", args, nil)
}

// SaveResult is what save_draft hands back: either the final URL or a task id
// to poll.
type SaveResult struct {
	DraftURL string `json:"draft_url"`
	TaskID   string `json:"task_id"`
}

func (c *Client) SaveDraft(ctx context.Context, requestID, draftID string) (SaveResult, error) {
	var out SaveResult
	err := c.post(ctx, requestID, "/save_draft", map[string]string{"draft_id": draftID}, &out)
	return out, err
}

type DraftStatus struct {
	Status   string `json:"status"`
	DraftURL string `json:"draft_url"`
	Message  string `json:"message"`
}

func (c *Client) QueryDraftStatus(ctx context.Context, requestID, taskID string) (*DraftStatus, error) {
	var out DraftStatus
	err := c.post(ctx, requestID, "/query_draft_status", map[string]string{"task_id": taskID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForDraft polls query_draft_status until the backend reports completed or
// failed, or the poll budget runs out.
func (c *Client) WaitForDraft(ctx context.Context, requestID, taskID string) (string, error) {
	deadline := time.NewTimer(c.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", errors.NewUpstreamUnavailableError(string(c.backend),
				fmt.Errorf("draft %s did not finish within %s", taskID, c.pollTimeout))
		case <-ticker.C:
		}
		status, err := c.QueryDraftStatus(ctx, requestID, taskID)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case "completed":
			log.Log(requestID, "editor draft completed", "backend", string(c.backend), "draft_url", status.DraftURL)
			return status.DraftURL, nil
		case "failed":
			return "", errors.NewUpstreamProtocolError(string(c.backend),
				fmt.Errorf("draft %s failed: %s", taskID, status.Message))
		default:
			log.Log(requestID, "editor draft still rendering", "backend", string(c.backend), "status", status.Status)
		}
	}
}

func (c *Client) post(ctx context.Context, requestID, path string, args interface{}, out interface{}) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("error encoding %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	res, err := metrics.MonitorRequest(metrics.Metrics.EditorClient, c.client, req)
	if err != nil {
		return errors.NewUpstreamUnavailableError(string(c.backend), fmt.Errorf("%s: %w", path, err))
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.NewUpstreamUnavailableError(string(c.backend), fmt.Errorf("%s: error reading response: %w", path, err))
	}
	if res.StatusCode >= 500 {
		return errors.NewUpstreamUnavailableError(string(c.backend), fmt.Errorf("%s: status %d: %s", path, res.StatusCode, excerpt(payload)))
	}
	if res.StatusCode >= 400 {
		return errors.NewUpstreamProtocolError(string(c.backend), fmt.Errorf("%s: status %d: %s", path, res.StatusCode, excerpt(payload)))
	}

	var envelope draftEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return errors.NewUpstreamProtocolError(string(c.backend), fmt.Errorf("%s: unparseable response: %s", path, excerpt(payload)))
	}
	if !envelope.Success {
		return errors.NewUpstreamProtocolError(string(c.backend), fmt.Errorf("%s: %s", path, envelope.Error))
	}
	if out != nil && len(envelope.Output) > 0 {
		if err := json.Unmarshal(envelope.Output, out); err != nil {
			return errors.NewUpstreamProtocolError(string(c.backend), fmt.Errorf("%s: unexpected output shape: %s", path, excerpt(envelope.Output)))
		}
	}
	return nil
}

func excerpt(body []byte) string {
	const max = 200
	s := string(bytes.TrimSpace(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
