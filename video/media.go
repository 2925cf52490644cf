package video

import "fmt"

const (
	TrackTypeVideo = "video"
	TrackTypeAudio = "audio"

	// Audio contract for everything handed to speech recognition.
	TargetAudioCodec      = "pcm_s16le"
	TargetAudioSampleRate = 16000
	TargetAudioChannels   = 1
)

type InputVideo struct {
	Format    string       `json:"format,omitempty"`
	Tracks    []InputTrack `json:"tracks,omitempty"`
	Duration  float64      `json:"duration,omitempty"`
	SizeBytes int64        `json:"size,omitempty"`
}

// Finds the first track of the given type from the list of input tracks.
// If no such track is present, returns an error.
func (i InputVideo) GetTrack(trackType string) (InputTrack, error) {
	if trackType != TrackTypeVideo && trackType != TrackTypeAudio {
		return InputTrack{}, fmt.Errorf("invalid track type - must be '%s' or '%s'", TrackTypeVideo, TrackTypeAudio)
	}
	for _, t := range i.Tracks {
		if t.Type == trackType {
			return t, nil
		}
	}
	return InputTrack{}, fmt.Errorf("no '%s' tracks found", trackType)
}

func (i InputVideo) HasVideo() bool {
	_, err := i.GetTrack(TrackTypeVideo)
	return err == nil
}

func (i InputVideo) HasAudio() bool {
	_, err := i.GetTrack(TrackTypeAudio)
	return err == nil
}

type VideoTrack struct {
	Width              int64   `json:"width,omitempty"`
	Height             int64   `json:"height,omitempty"`
	PixelFormat        string  `json:"pixel_format,omitempty"`
	FPS                float64 `json:"fps,omitempty"`
	Rotation           int64   `json:"rotation,omitempty"`
	DisplayAspectRatio string  `json:"display_aspect_ratio,omitempty"`
}

type AudioTrack struct {
	Channels   int `json:"channels,omitempty"`
	SampleRate int `json:"sample_rate,omitempty"`
	SampleBits int `json:"sample_bits,omitempty"`
	BitDepth   int `json:"bit_depth,omitempty"`
}

type InputTrack struct {
	Type         string  `json:"type"`
	Codec        string  `json:"codec"`
	Bitrate      int64   `json:"bitrate"`
	DurationSec  float64 `json:"duration"`
	SizeBytes    int64   `json:"size"`
	StartTimeSec float64 `json:"start_time"`

	// Fields only used if this is a Video Track
	VideoTrack

	// Fields only used if this is an Audio Track
	AudioTrack
}

// IsNormalizedAudio reports whether the probed media already satisfies the
// speech recognition contract, in which case re-encoding can be skipped.
func IsNormalizedAudio(iv InputVideo) bool {
	track, err := iv.GetTrack(TrackTypeAudio)
	if err != nil {
		return false
	}
	return track.Codec == TargetAudioCodec &&
		track.SampleRate == TargetAudioSampleRate &&
		track.Channels == TargetAudioChannels
}
