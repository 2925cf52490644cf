package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge-api/clients"
	cfErrs "github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/plan"
	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/video"
)

// runSliceJob materializes a validated analysis plan: the source is cut per
// descriptor, uploaded under a fresh slice directory and inserted as slice
// and sub-slice rows, then each node's audio stage is fanned out. A failing
// descriptor is recorded and skipped; only a plan with zero materialized
// slices fails the task.
func (c *Coordinator) runSliceJob(ctx context.Context, job *JobInfo, analysisID int64) (*taskOutput, error) {
	if err := c.markRunning(ctx, job, "validating slice plan"); err != nil {
		return nil, err
	}
	analysis, err := c.state.Store().GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if analysis.VideoID != job.VideoID {
		return nil, cfErrs.Unretriable(fmt.Errorf(
			"analysis %d belongs to video %d, not %d", analysisID, analysis.VideoID, job.VideoID))
	}
	items, violations := plan.Validate(analysis.AnalysisData)
	if len(violations) > 0 {
		return nil, cfErrs.Unretriable(fmt.Errorf("slice plan is invalid: %s", violationSummary(violations)))
	}
	if len(items) == 0 {
		return nil, cfErrs.Unretriable(fmt.Errorf("slice plan has no slices"))
	}
	v, err := c.state.Store().GetVideo(ctx, job.VideoID)
	if err != nil {
		return nil, err
	}
	if v.StoragePath == "" {
		return nil, cfErrs.Unretriable(fmt.Errorf("video %d has no stored source file to slice", v.ID))
	}

	workDir, err := os.MkdirTemp(c.cli.WorkDir, "slices-*")
	if err != nil {
		return nil, fmt.Errorf("error creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	// The source is fetched once; every cut reads from the same local file.
	c.reportProgress(ctx, job, 5, "fetching source video")
	srcPath := filepath.Join(workDir, filepath.Base(v.StoragePath))
	if err := c.objects.DownloadTo(ctx, job.RequestID, v.StoragePath, srcPath); err != nil {
		return nil, err
	}

	var (
		slicesCreated int
		subsCreated   int
		failures      []string
	)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := c.materializeSlice(ctx, job, v, analysisID, item, i, srcPath, workDir)
		if err != nil {
			log.LogError(job.RequestID, "Slice materialization failed, continuing walk", err, "ordinal", i)
			failures = append(failures, fmt.Sprintf("slice %d: %v", i, err))
			continue
		}
		slicesCreated++
		subsCreated += len(res.subSlices)
		c.fanOutNodeAudio(job.RequestID, res, &failures)
		c.reportProgress(ctx, job, 5+90*float64(i+1)/float64(len(items)), "materializing slices")
	}
	if slicesCreated == 0 {
		return nil, fmt.Errorf("every slice in the plan failed to materialize: %s", strings.Join(failures, "; "))
	}
	if err := c.state.Store().UpdateAnalysisStatus(ctx, analysisID, store.AnalysisApplied); err != nil {
		return nil, err
	}
	log.Log(job.RequestID, "Materialized slice plan", "analysis_id", analysisID,
		"slices", slicesCreated, "sub_slices", subsCreated, "failures", len(failures))

	data := store.JSONMap{
		"slices_created":     slicesCreated,
		"sub_slices_created": subsCreated,
	}
	if len(failures) > 0 {
		data["failures"] = failures
	}
	return &taskOutput{data: data}, nil
}

type sliceResult struct {
	slice     *store.Slice
	subSlices []store.SubSlice
}

// materializeSlice cuts and stores one descriptor with all its chapters. A
// chapter failure fails the whole descriptor: a fragment slice with holes in
// its sub tree could never compose a draft.
func (c *Coordinator) materializeSlice(ctx context.Context, job *JobInfo, v *store.Video,
	analysisID int64, item plan.SliceItem, ordinal int, srcPath, workDir string) (*sliceResult, error) {

	sliceUUID := uuid.New().String()
	cutPath := filepath.Join(workDir, fmt.Sprintf("slice_%d.mp4", ordinal))
	if _, err := video.Cut(srcPath, cutPath, item.StartSeconds, item.EndSeconds); err != nil {
		return nil, fmt.Errorf("error cutting slice: %w", err)
	}
	defer os.Remove(cutPath)
	mediaKey := clients.SliceKey(v.UserID, v.ProjectID, sliceUUID, "video.mp4")
	if _, err := c.objects.PutFile(ctx, job.RequestID, cutPath, mediaKey, "video/mp4"); err != nil {
		return nil, err
	}

	sl := &store.Slice{
		VideoID:        v.ID,
		AnalysisID:     analysisID,
		CoverTitle:     item.CoverTitle,
		Title:          item.Title,
		Description:    item.Description,
		Tags:           item.Tags,
		StartTime:      item.StartSeconds,
		EndTime:        item.EndSeconds,
		Duration:       item.Duration(),
		Type:           plan.Classify(item),
		SlicedFilePath: mediaKey,
	}
	if err := c.state.Store().InsertSlice(ctx, sl); err != nil {
		return nil, err
	}
	log.Log(job.RequestID, "Materialized slice", "slice_id", sl.ID, "uuid", sliceUUID,
		"type", string(sl.Type), "chapters", len(item.Chapters))

	res := &sliceResult{slice: sl}
	for j := range item.Chapters {
		ss, err := c.materializeChapter(ctx, job, v, sl, sliceUUID, item.Chapters[j], j+1, srcPath, workDir)
		if err != nil {
			return res, fmt.Errorf("chapter %d: %w", j, err)
		}
		res.subSlices = append(res.subSlices, *ss)
	}
	return res, nil
}

func (c *Coordinator) materializeChapter(ctx context.Context, job *JobInfo, v *store.Video,
	sl *store.Slice, sliceUUID string, ch plan.Chapter, ordinal int, srcPath, workDir string) (*store.SubSlice, error) {

	filename := fmt.Sprintf("sub_slice_%d.mp4", ordinal)
	cutPath := filepath.Join(workDir, fmt.Sprintf("slice_%d_%s", sl.ID, filename))
	if _, err := video.Cut(srcPath, cutPath, ch.StartSeconds, ch.EndSeconds); err != nil {
		return nil, fmt.Errorf("error cutting chapter: %w", err)
	}
	defer os.Remove(cutPath)
	mediaKey := clients.SliceKey(v.UserID, v.ProjectID, sliceUUID, filename)
	if _, err := c.objects.PutFile(ctx, job.RequestID, cutPath, mediaKey, "video/mp4"); err != nil {
		return nil, err
	}

	ss := &store.SubSlice{
		SliceID:        sl.ID,
		VideoID:        v.ID,
		CoverTitle:     ch.CoverTitle,
		Title:          ch.CoverTitle,
		StartTime:      ch.StartSeconds,
		EndTime:        ch.EndSeconds,
		Duration:       ch.Duration(),
		SlicedFilePath: mediaKey,
	}
	if err := c.state.Store().InsertSubSlice(ctx, ss); err != nil {
		return nil, err
	}
	return ss, nil
}

// fanOutNodeAudio starts the audio stage for a materialized descriptor: the
// slice itself when it plays as one piece, otherwise each sub-slice. A full
// slice's sub-slices keep their media but run no pipeline of their own.
func (c *Coordinator) fanOutNodeAudio(requestID string, res *sliceResult, failures *[]string) {
	if res.slice.Type == store.SliceTypeFull {
		if _, err := c.startSliceAudio(requestID, res.slice); err != nil {
			log.LogError(requestID, "Failed to start slice audio", err, "slice_id", res.slice.ID)
			*failures = append(*failures, fmt.Sprintf("slice %d audio: %v", res.slice.ID, err))
		}
		return
	}
	for i := range res.subSlices {
		ss := res.subSlices[i]
		if _, err := c.startSubSliceAudio(requestID, &ss); err != nil {
			log.LogError(requestID, "Failed to start sub-slice audio", err, "sub_slice_id", ss.ID)
			*failures = append(*failures, fmt.Sprintf("sub-slice %d audio: %v", ss.ID, err))
		}
	}
}

func violationSummary(violations []plan.Violation) string {
	const keep = 5
	parts := make([]string, 0, keep+1)
	for i, v := range violations {
		if i == keep {
			parts = append(parts, fmt.Sprintf("and %d more", len(violations)-keep))
			break
		}
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "; ")
}
