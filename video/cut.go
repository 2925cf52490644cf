package video

import (
	"bytes"
	"fmt"
	"os"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// MinCutFileBytes is the smallest output Cut accepts. When the seek window
// misses the source media entirely, ffmpeg still writes a header-only file,
// which has to fail here rather than downstream.
const MinCutFileBytes = 100

// MinAudioCutSeconds is the shortest window worth transcribing; speech
// recognition on anything shorter produces garbage cues.
const MinAudioCutSeconds = 5.0

// format time in secs to be compatible with ffmpeg's expected time syntax
func formatTime(timeSeconds float64) string {
	timeMillis := int64(timeSeconds * 1000)
	duration := time.Duration(timeMillis) * time.Millisecond
	formattedTime := time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(duration)
	return formattedTime.Format("15:04:05.000")
}

// Cut re-encodes [startTime, endTime] of the source into dstFile. Seeking
// happens on the output side so the trim boundaries land on exact frames
// instead of the nearest keyframe. Returns the output size in bytes.
func Cut(srcFile, dstFile string, startTime, endTime float64) (int64, error) {
	if startTime < 0 || endTime <= startTime {
		return 0, fmt.Errorf("invalid cut window [%v, %v]", startTime, endTime)
	}
	var ffmpegErr bytes.Buffer
	err := ffmpeg.Input(srcFile).
		Output(dstFile, ffmpeg.KwArgs{
			"ss":       formatTime(startTime),
			"to":       formatTime(endTime),
			"c:v":      "libx264",
			"preset":   "veryfast",
			"c:a":      "aac",
			"movflags": "faststart",
		}).
		OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()
	if err != nil {
		return 0, fmt.Errorf("failed to cut %s [%s]: %w", srcFile, ffmpegErr.String(), err)
	}
	return verifyCutOutput(dstFile)
}

// CutAudio re-encodes [startTime, endTime] of an audio source into a WAV at
// dstFile, normalized to the speech recognition contract.
func CutAudio(srcFile, dstFile string, startTime, endTime float64) (int64, error) {
	if startTime < 0 || endTime <= startTime {
		return 0, fmt.Errorf("invalid cut window [%v, %v]", startTime, endTime)
	}
	if endTime-startTime < MinAudioCutSeconds {
		return 0, fmt.Errorf("audio cut window [%v, %v] is under %v seconds", startTime, endTime, MinAudioCutSeconds)
	}
	var ffmpegErr bytes.Buffer
	err := ffmpeg.Input(srcFile).
		Output(dstFile, ffmpeg.KwArgs{
			"ss":  formatTime(startTime),
			"to":  formatTime(endTime),
			"map": "0:a:0",
			"c:a": TargetAudioCodec,
			"ar":  TargetAudioSampleRate,
			"ac":  TargetAudioChannels,
			"f":   "wav",
		}).
		OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()
	if err != nil {
		return 0, fmt.Errorf("failed to cut audio from %s [%s]: %w", srcFile, ffmpegErr.String(), err)
	}
	return verifyCutOutput(dstFile)
}

func verifyCutOutput(dstFile string) (int64, error) {
	stat, err := os.Stat(dstFile)
	if err != nil {
		return 0, fmt.Errorf("failed to stat cut output: %w", err)
	}
	if stat.Size() < MinCutFileBytes {
		return 0, fmt.Errorf("cut output %s is only %d bytes, cut window missed the media", dstFile, stat.Size())
	}
	return stat.Size(), nil
}
