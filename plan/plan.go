// Package plan validates LLM-produced slice plans and classifies each slice
// as a full tiling or a fragment highlight reel. Violations accumulate so the
// caller can reject a bad plan with every problem named at once.
package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/subtitle"
)

const (
	// MinSliceSeconds is the shortest slice a plan may ask for.
	MinSliceSeconds = 5.0
	// MinChapterSeconds is the shortest chapter inside a slice.
	MinChapterSeconds = 2.0

	// Chapters tile a slice when each starts within [-0.1s, 3s] of the
	// previous end and the last one ends within 3s of the slice end.
	chapterGapMin = -0.1
	chapterGapMax = 3.0
	tailTolerance = 3.0
)

// Chapter is one highlight inside a slice descriptor. Start and End keep the
// plan's original timecode strings; the parsed seconds are filled by Validate.
type Chapter struct {
	CoverTitle string `json:"cover_title"`
	Start      string `json:"start"`
	End        string `json:"end"`

	StartSeconds float64 `json:"-"`
	EndSeconds   float64 `json:"-"`
}

func (c Chapter) Duration() float64 {
	return c.EndSeconds - c.StartSeconds
}

// SliceItem is one slice descriptor from the analysis plan.
type SliceItem struct {
	CoverTitle  string    `json:"cover_title"`
	Title       string    `json:"title"`
	Description string    `json:"desc"`
	Tags        []string  `json:"tags"`
	Start       string    `json:"start"`
	End         string    `json:"end"`
	Chapters    []Chapter `json:"chapters"`

	StartSeconds float64 `json:"-"`
	EndSeconds   float64 `json:"-"`
}

func (s SliceItem) Duration() float64 {
	return s.EndSeconds - s.StartSeconds
}

// Violation names one broken rule. Path points into the plan document, e.g.
// "analysis_data[2].chapters[0].end".
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// Validate parses and checks a plan document. It returns the parsed slice
// items with seconds filled in and chapters sorted by start time, plus every
// rule violation found. The plan is usable only when no violations came back.
func Validate(raw json.RawMessage) ([]SliceItem, []Violation) {
	var items []SliceItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, []Violation{{Path: "analysis_data", Message: "must be an ordered list of slices"}}
	}

	var violations []Violation
	for i := range items {
		violations = append(violations, validateSlice(&items[i], fmt.Sprintf("analysis_data[%d]", i))...)
	}
	if len(violations) > 0 {
		return items, violations
	}
	for i := range items {
		sortChapters(items[i].Chapters)
	}
	return items, nil
}

func validateSlice(item *SliceItem, path string) []Violation {
	var violations []Violation
	add := func(field, message string) {
		violations = append(violations, Violation{Path: path + "." + field, Message: message})
	}

	if item.CoverTitle == "" {
		add("cover_title", "is required")
	}
	if item.Title == "" {
		add("title", "is required")
	}
	start, startOK := parseTime(item.Start, "start", add)
	end, endOK := parseTime(item.End, "end", add)
	if startOK && endOK {
		item.StartSeconds, item.EndSeconds = start, end
		if end-start < MinSliceSeconds {
			add("end", fmt.Sprintf("slice must span at least %.0f seconds, got %.2f", MinSliceSeconds, end-start))
		}
	}

	for j := range item.Chapters {
		violations = append(violations,
			validateChapter(&item.Chapters[j], item, startOK && endOK, fmt.Sprintf("%s.chapters[%d]", path, j))...)
	}
	return violations
}

func validateChapter(c *Chapter, parent *SliceItem, parentTimed bool, path string) []Violation {
	var violations []Violation
	add := func(field, message string) {
		violations = append(violations, Violation{Path: path + "." + field, Message: message})
	}

	if c.CoverTitle == "" {
		add("cover_title", "is required")
	}
	start, startOK := parseTime(c.Start, "start", add)
	end, endOK := parseTime(c.End, "end", add)
	if !startOK || !endOK {
		return violations
	}
	c.StartSeconds, c.EndSeconds = start, end

	if start >= end {
		add("end", "must be after start")
		return violations
	}
	if end-start < MinChapterSeconds {
		add("end", fmt.Sprintf("chapter must span at least %.0f seconds, got %.2f", MinChapterSeconds, end-start))
	}
	if parentTimed && (start < parent.StartSeconds || end > parent.EndSeconds) {
		add("start", fmt.Sprintf("chapter [%s, %s] falls outside its slice [%s, %s]",
			c.Start, c.End, parent.Start, parent.End))
	}
	return violations
}

// parseTime reports a violation through add when the value is missing or not
// a HH:MM:SS,mmm / HH:MM:SS.mmm timecode.
func parseTime(value, field string, add func(field, message string)) (float64, bool) {
	if value == "" {
		add(field, "is required")
		return 0, false
	}
	seconds, err := subtitle.ParseTimecode(value)
	if err != nil {
		add(field, fmt.Sprintf("%q is not a HH:MM:SS,mmm timecode", value))
		return 0, false
	}
	return seconds, true
}

func sortChapters(chapters []Chapter) {
	sort.SliceStable(chapters, func(i, j int) bool {
		return chapters[i].StartSeconds < chapters[j].StartSeconds
	})
}

// Classify reports whether a slice's chapters tile it end to end. A slice
// with no chapters is full by definition: the whole span is the content.
// Chapters must already be sorted by start time, as Validate leaves them.
func Classify(item SliceItem) store.SliceType {
	if len(item.Chapters) == 0 {
		return store.SliceTypeFull
	}
	prevEnd := item.StartSeconds
	for _, c := range item.Chapters {
		gap := c.StartSeconds - prevEnd
		if gap < chapterGapMin || gap > chapterGapMax {
			return store.SliceTypeFragment
		}
		prevEnd = c.EndSeconds
	}
	if math.Abs(item.EndSeconds-prevEnd) > tailTolerance {
		return store.SliceTypeFragment
	}
	return store.SliceTypeFull
}
