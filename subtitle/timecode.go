// Package subtitle implements the SRT handling the pipeline relies on:
// timecode parsing, cue sanitization, timestamp shifting for sub-interval
// cuts, and byte-encoding cleanup of subtitles fetched from ASR backends.
package subtitle

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseTimecode parses "HH:MM:SS,mmm" (or the dot variant) into seconds.
func ParseTimecode(s string) (float64, error) {
	normalized := strings.Replace(strings.TrimSpace(s), ".", ",", 1)
	var millis int64

	head, frac, hasFrac := strings.Cut(normalized, ",")
	if hasFrac {
		if len(frac) == 0 || len(frac) > 3 {
			return 0, fmt.Errorf("invalid milliseconds in timecode %q", s)
		}
		f, err := strconv.Atoi(frac)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid milliseconds in timecode %q", s)
		}
		// pad "5" => 500ms, "50" => 500ms
		for i := len(frac); i < 3; i++ {
			f *= 10
		}
		millis = int64(f)
	}

	parts := strings.Split(head, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid timecode %q, want HH:MM:SS,mmm", s)
	}
	units := make([]int64, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid timecode %q, want HH:MM:SS,mmm", s)
		}
		units[i] = int64(n)
	}
	if units[1] > 59 || units[2] > 59 {
		return 0, fmt.Errorf("invalid timecode %q, minutes and seconds must be under 60", s)
	}

	millis += (units[0]*3600 + units[1]*60 + units[2]) * 1000
	return float64(millis) / 1000, nil
}

// FormatTimecode renders seconds as "HH:MM:SS,mmm". Values round to the
// millisecond grid; negatives clamp to zero.
func FormatTimecode(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}
