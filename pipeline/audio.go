package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/clipforge/clipforge-api/clients"
	cfErrs "github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/video"
)

// runExtractAudio produces the 16 kHz mono WAV for a downloaded video and
// chains its transcription. The audio key and probe facts land both on the
// task output and in the video's processing metadata.
func (c *Coordinator) runExtractAudio(ctx context.Context, job *JobInfo) (*taskOutput, error) {
	if err := c.markRunning(ctx, job, "extracting audio track"); err != nil {
		return nil, err
	}
	v, err := c.state.Store().GetVideo(ctx, job.VideoID)
	if err != nil {
		return nil, err
	}
	if v.StoragePath == "" {
		return nil, cfErrs.Unretriable(fmt.Errorf("video %d has no stored source file to extract from", v.ID))
	}

	workDir, err := os.MkdirTemp(c.cli.WorkDir, "audio-*")
	if err != nil {
		return nil, fmt.Errorf("error creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, filepath.Base(v.StoragePath))
	if err := c.objects.DownloadTo(ctx, job.RequestID, v.StoragePath, srcPath); err != nil {
		return nil, err
	}

	c.reportProgress(ctx, job, 30, "extracting audio track")
	wavPath := filepath.Join(workDir, fmt.Sprintf("%d.wav", v.ID))
	if err := video.ExtractAudio(srcPath, wavPath); err != nil {
		return nil, err
	}
	iv, err := c.prober.ProbeAudioFile(job.RequestID, wavPath)
	if err != nil {
		return nil, fmt.Errorf("extracted audio failed probing: %w", err)
	}

	c.reportProgress(ctx, job, 70, "storing audio track")
	key := clients.AudioKey(v.UserID, v.ProjectID, v.ID)
	if _, err := c.objects.PutFile(ctx, job.RequestID, wavPath, key, "audio/wav"); err != nil {
		return nil, err
	}

	info := audioInfo(iv)
	err = c.state.Store().MergeVideoMetadata(ctx, v.ID, store.JSONMap{
		"audio_path": key,
		"audio_info": map[string]interface{}(info),
	})
	if err != nil {
		return nil, err
	}
	log.Log(job.RequestID, "Stored extracted audio", "key", key, "duration", iv.Duration)

	requestID, videoID := job.RequestID, v.ID
	return &taskOutput{
		data: store.JSONMap{"audio_path": key, "audio_info": map[string]interface{}(info)},
		next: func() {
			if _, err := c.StartGenerateSRT(context.Background(), requestID, videoID, nil); err != nil {
				log.LogError(requestID, "Failed to chain transcription", err, "video_id", videoID)
			}
		},
	}, nil
}

// runNodeAudio extracts audio for one slice or sub-slice from its cut media
// and chains the node's transcription. The result is mirrored onto the owning
// row so the slice tree reads consistently without joining tasks.
func (c *Coordinator) runNodeAudio(ctx context.Context, job *JobInfo) (*taskOutput, error) {
	if err := c.markRunning(ctx, job, "extracting audio track"); err != nil {
		return nil, err
	}

	mediaKey, audioKey, err := c.nodeAudioKeys(ctx, job)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(c.cli.WorkDir, "audio-*")
	if err != nil {
		return nil, fmt.Errorf("error creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, path.Base(mediaKey))
	if err := c.objects.DownloadTo(ctx, job.RequestID, mediaKey, srcPath); err != nil {
		return nil, err
	}

	c.reportProgress(ctx, job, 40, "extracting audio track")
	wavPath := filepath.Join(workDir, path.Base(audioKey))
	if err := video.ExtractAudio(srcPath, wavPath); err != nil {
		return nil, err
	}

	c.reportProgress(ctx, job, 80, "storing audio track")
	if _, err := c.objects.PutFile(ctx, job.RequestID, wavPath, audioKey, "audio/wav"); err != nil {
		return nil, err
	}

	db := c.state.Store().DB()
	if job.SubSliceID != 0 {
		err = store.UpdateSubSliceAudio(ctx, db, job.SubSliceID, store.TaskStatusSuccess, audioKey, job.WorkerTaskID, "")
	} else {
		err = store.UpdateSliceAudio(ctx, db, job.SliceID, store.TaskStatusSuccess, audioKey, job.WorkerTaskID, "")
	}
	if err != nil {
		return nil, err
	}
	log.Log(job.RequestID, "Stored node audio", "key", audioKey,
		"slice_id", job.SliceID, "sub_slice_id", job.SubSliceID)

	srtTaskID := sliceWorkerTaskID(store.TaskGenerateSRT, job.SliceID)
	if job.SubSliceID != 0 {
		srtTaskID = subSliceWorkerTaskID(store.TaskGenerateSRT, job.SubSliceID)
	}
	requestID := job.RequestID
	videoID, sliceID, subSliceID := job.VideoID, job.SliceID, job.SubSliceID
	return &taskOutput{
		data: store.JSONMap{"audio_url": audioKey, "srt_task_id": srtTaskID},
		next: func() {
			if _, err := c.startNodeSRT(requestID, videoID, sliceID, subSliceID); err != nil {
				log.LogError(requestID, "Failed to chain node transcription", err,
					"slice_id", sliceID, "sub_slice_id", subSliceID)
			}
		},
	}, nil
}

// nodeAudioKeys resolves where a node's media lives and where its audio goes.
// Slice audio sits next to the media as audio.wav inside the slice directory;
// sub-slice audio swaps the media extension so siblings stay distinct.
func (c *Coordinator) nodeAudioKeys(ctx context.Context, job *JobInfo) (mediaKey, audioKey string, err error) {
	if job.SubSliceID != 0 {
		ss, err := c.state.Store().GetSubSlice(ctx, job.SubSliceID)
		if err != nil {
			return "", "", err
		}
		if ss.SlicedFilePath == "" {
			return "", "", cfErrs.Unretriable(fmt.Errorf("sub-slice %d has no cut media to extract from", ss.ID))
		}
		return ss.SlicedFilePath, swapToWav(ss.SlicedFilePath), nil
	}

	sl, err := c.state.Store().GetSlice(ctx, job.SliceID)
	if err != nil {
		return "", "", err
	}
	if sl.SlicedFilePath == "" {
		return "", "", cfErrs.Unretriable(fmt.Errorf("slice %d has no cut media to extract from", sl.ID))
	}
	parts, err := clients.ParseKey(sl.SlicedFilePath)
	if err != nil {
		return "", "", cfErrs.Unretriable(fmt.Errorf("slice %d media key is malformed: %w", sl.ID, err))
	}
	return sl.SlicedFilePath, clients.SliceKey(parts.UserID, parts.ProjectID, parts.SliceUUID, "audio.wav"), nil
}

func swapToWav(key string) string {
	return strings.TrimSuffix(key, path.Ext(key)) + ".wav"
}

func audioInfo(iv video.InputVideo) store.JSONMap {
	info := store.JSONMap{
		"duration": iv.Duration,
		"size":     iv.SizeBytes,
		"format":   iv.Format,
	}
	if track, err := iv.GetTrack(video.TrackTypeAudio); err == nil {
		info["sample_rate"] = track.SampleRate
		info["channels"] = track.Channels
	}
	return info
}
