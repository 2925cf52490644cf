package pipeline

import (
	"context"
	"fmt"

	"github.com/clipforge/clipforge-api/editor"
	cfErrs "github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/store"
)

// runExport composes one slice into an editor draft. The per-backend status
// columns on the slice row move processing -> completed here; the failure
// mirror lives in failJob so a panicking composer still lands the slice in
// failed.
func (c *Coordinator) runExport(ctx context.Context, job *JobInfo, backend editor.Backend) (*taskOutput, error) {
	if err := c.markRunning(ctx, job, "composing editor draft"); err != nil {
		return nil, err
	}
	backendName := string(backend)
	composer := c.composers[backend]
	if composer == nil {
		return nil, cfErrs.Unretriable(fmt.Errorf("editor backend %q not configured", backendName))
	}
	if err := c.state.Store().UpdateSliceExport(ctx, job.SliceID, backendName, store.ExportProcessing, "", ""); err != nil {
		return nil, err
	}

	v, err := c.state.Store().GetVideo(ctx, job.VideoID)
	if err != nil {
		return nil, err
	}
	sl, err := c.state.Store().GetSlice(ctx, job.SliceID)
	if err != nil {
		return nil, err
	}
	subs, err := c.state.Store().ListSubSlices(ctx, sl.ID)
	if err != nil {
		return nil, err
	}
	sl.SubSlices = subs

	srtKey, err := c.videoSRTKey(ctx, job.VideoID)
	if err != nil {
		return nil, err
	}

	c.reportProgress(ctx, job, 30, "building draft timeline")
	draftURL, err := composer.Compose(ctx, job.RequestID, editor.Composition{
		Video:       v,
		Slice:       sl,
		VideoSRTKey: srtKey,
	})
	if err != nil {
		return nil, err
	}

	if err := c.state.Store().UpdateSliceExport(ctx, job.SliceID, backendName, store.ExportCompleted, draftURL, ""); err != nil {
		return nil, err
	}
	log.Log(job.RequestID, "Exported editor draft", "slice_id", sl.ID,
		"backend", backendName, "draft_url", draftURL)
	return &taskOutput{data: store.JSONMap{
		"backend":   backendName,
		"draft_url": draftURL,
	}}, nil
}

// videoSRTKey resolves the source video's transcript key. A missing
// transcript is fine: the composer drops the subtitle track rather than
// failing a draft over captions.
func (c *Coordinator) videoSRTKey(ctx context.Context, videoID int64) (string, error) {
	tr, err := c.state.Store().GetTranscript(ctx, videoID)
	if cfErrs.IsObjectNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tr.SRTURL, nil
}
