package video

import (
	"bytes"
	"fmt"
	"os"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ExtractAudio pulls the first audio stream of srcFile into a WAV at
// dstFile, re-encoded to 16-bit signed little-endian PCM at 16 kHz mono.
func ExtractAudio(srcFile, dstFile string) error {
	var ffmpegErr bytes.Buffer
	err := ffmpeg.Input(srcFile).
		Output(dstFile, ffmpeg.KwArgs{
			"map": "0:a:0",
			"c:a": TargetAudioCodec,
			"ar":  TargetAudioSampleRate,
			"ac":  TargetAudioChannels,
			"f":   "wav",
		}).
		OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()
	if err != nil {
		return fmt.Errorf("failed to extract audio from %s [%s]: %w", srcFile, ffmpegErr.String(), err)
	}
	stat, err := os.Stat(dstFile)
	if err != nil {
		return fmt.Errorf("failed to stat extracted audio: %w", err)
	}
	if stat.Size() == 0 {
		return fmt.Errorf("extracted audio %s is empty", dstFile)
	}
	return nil
}

// ResampleAudio rewrites an audio file to the speech recognition contract.
// Callers should probe first and skip the call when IsNormalizedAudio
// already holds.
func ResampleAudio(srcFile, dstFile string) error {
	return ExtractAudio(srcFile, dstFile)
}
