package clients

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/clipforge/clipforge-api/config"
)

// Object store keys follow a fixed layout that the rest of the pipeline
// depends on: the callback server and the draft exporters parse ownership and
// slice identity back out of stored keys, so changing any of these builders
// changes the wire format.
//
//	users/{user}/projects/{project}/videos/{filename}
//	users/{user}/projects/{project}/thumbnails/{video_ext_id}.{ext}
//	users/{user}/projects/{project}/audio/{video_id}.wav
//	users/{user}/projects/{project}/subtitles/{video_id}.srt
//	users/{user}/projects/{project}/slices/{slice_uuid}/{filename}
//	default_resources/{tag}_{rand}.{ext}

const (
	categoryVideos     = "videos"
	categoryThumbnails = "thumbnails"
	categoryAudio      = "audio"
	categorySubtitles  = "subtitles"
	categorySlices     = "slices"

	defaultResourcePrefix = "default_resources"

	// SliceSRTFilename is the per-slice subtitle artifact inside a slice
	// directory. Sub-slice subtitles use SubSliceSRTKey instead.
	SliceSRTFilename = "subtitles.srt"
)

func projectPrefix(userID, projectID int64) string {
	return path.Join("users", strconv.FormatInt(userID, 10), "projects", strconv.FormatInt(projectID, 10))
}

// VideoKey is the storage key for a downloaded source video (or one of its
// sidecar files, e.g. the yt-dlp info JSON).
func VideoKey(userID, projectID int64, filename string) string {
	return path.Join(projectPrefix(userID, projectID), categoryVideos, filename)
}

// ThumbnailKey is the storage key for a source video thumbnail. extID is the
// upstream platform's video id when known, otherwise the row id.
func ThumbnailKey(userID, projectID int64, extID, ext string) string {
	return path.Join(projectPrefix(userID, projectID), categoryThumbnails, extID+"."+strings.TrimPrefix(ext, "."))
}

// AudioKey is the storage key for the extracted 16 kHz mono WAV of a video.
func AudioKey(userID, projectID, videoID int64) string {
	return path.Join(projectPrefix(userID, projectID), categoryAudio, fmt.Sprintf("%d.wav", videoID))
}

// SourceSRTKey is the storage key for the video-level subtitle file.
func SourceSRTKey(userID, projectID, videoID int64) string {
	return path.Join(projectPrefix(userID, projectID), categorySubtitles, fmt.Sprintf("%d.srt", videoID))
}

// VideoScopedSRTKey names a subtitle artifact that belongs to the video's
// subtitle directory but is not the main video transcript, e.g. the fallback
// location for a slice whose own media key is unknown.
func VideoScopedSRTKey(userID, projectID int64, name string) string {
	return path.Join(projectPrefix(userID, projectID), categorySubtitles, name)
}

// SliceKey is the storage key for a file inside a slice's directory. Every
// slice owns one directory named by its UUID; media, audio and subtitles for
// the slice and its sub-slices all live under it.
func SliceKey(userID, projectID int64, sliceUUID, filename string) string {
	return path.Join(projectPrefix(userID, projectID), categorySlices, sliceUUID, filename)
}

// SliceSRTKey is the storage key for a slice-level subtitle file.
func SliceSRTKey(userID, projectID int64, sliceUUID string) string {
	return SliceKey(userID, projectID, sliceUUID, SliceSRTFilename)
}

// SubSliceSRTKey is the storage key for one sub-slice's subtitle file.
func SubSliceSRTKey(userID, projectID int64, sliceUUID string, subSliceID int64) string {
	return SliceKey(userID, projectID, sliceUUID, fmt.Sprintf("sub_slice_%d.srt", subSliceID))
}

// DefaultResourceKey names a lazily-seeded bundled asset. The random trailer
// keeps repeated seedings from clobbering each other.
func DefaultResourceKey(tag, ext string) string {
	return path.Join(defaultResourcePrefix, fmt.Sprintf("%s_%s.%s", tag, config.RandomTrailer(8), strings.TrimPrefix(ext, ".")))
}

// KeyParts is the decomposition of a storage key produced by the builders
// above.
type KeyParts struct {
	UserID    int64
	ProjectID int64
	Category  string
	SliceUUID string // set only for Category "slices"
	Filename  string
}

// ParseKey splits a storage key back into its components. Keys under
// default_resources/ are rejected since they carry no ownership.
func ParseKey(key string) (KeyParts, error) {
	segments := strings.Split(strings.Trim(key, "/"), "/")
	if len(segments) < 5 || segments[0] != "users" || segments[2] != "projects" {
		return KeyParts{}, fmt.Errorf("key %q does not match the users/{id}/projects/{id}/... layout", key)
	}
	userID, err := strconv.ParseInt(segments[1], 10, 64)
	if err != nil {
		return KeyParts{}, fmt.Errorf("key %q has non-numeric user id: %w", key, err)
	}
	projectID, err := strconv.ParseInt(segments[3], 10, 64)
	if err != nil {
		return KeyParts{}, fmt.Errorf("key %q has non-numeric project id: %w", key, err)
	}
	parts := KeyParts{
		UserID:    userID,
		ProjectID: projectID,
		Category:  segments[4],
	}
	switch parts.Category {
	case categorySlices:
		if len(segments) != 7 {
			return KeyParts{}, fmt.Errorf("slice key %q must be slices/{uuid}/{filename}", key)
		}
		parts.SliceUUID = segments[5]
		parts.Filename = segments[6]
	case categoryVideos, categoryThumbnails, categoryAudio, categorySubtitles:
		if len(segments) != 6 {
			return KeyParts{}, fmt.Errorf("key %q must have exactly one filename segment", key)
		}
		parts.Filename = segments[5]
	default:
		return KeyParts{}, fmt.Errorf("key %q has unknown category %q", key, parts.Category)
	}
	return parts, nil
}

// SliceUUIDFromKey extracts the slice directory UUID from a slice media or
// subtitle key. The callback server uses this to route an SRT result to the
// right slice directory when only the sliced file path is known.
func SliceUUIDFromKey(key string) (string, error) {
	parts, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	if parts.Category != categorySlices {
		return "", fmt.Errorf("key %q is not a slice key", key)
	}
	return parts.SliceUUID, nil
}
