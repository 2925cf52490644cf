package subtitle

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const bomUTF8 = "\ufeff"

// Cue is a single SRT entry. Start and End are seconds from the beginning
// of the media the subtitle belongs to.
type Cue struct {
	Index int
	Start float64
	End   float64
	Text  string
}

// Parse reads SRT text into cues. It tolerates CRLF line endings, a leading
// byte order mark and out-of-spec cue numbering, which several ASR backends
// produce. Cue indexes are re-assigned sequentially.
func Parse(s string) ([]Cue, error) {
	s = strings.TrimPrefix(s, bomUTF8)
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")

	var cues []Cue
	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}
		// Optional numeric index line
		if _, err := strconv.Atoi(strings.TrimSpace(lines[i])); err == nil {
			i++
			if i >= len(lines) {
				break
			}
		}
		start, end, err := parseTimingLine(lines[i])
		if err != nil {
			return nil, fmt.Errorf("cue %d: %w", len(cues)+1, err)
		}
		i++
		var text []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			text = append(text, strings.TrimRight(lines[i], " \t"))
			i++
		}
		cues = append(cues, Cue{
			Index: len(cues) + 1,
			Start: start,
			End:   end,
			Text:  strings.Join(text, "\n"),
		})
	}
	return cues, nil
}

func parseTimingLine(line string) (float64, float64, error) {
	left, right, found := strings.Cut(line, "-->")
	if !found {
		return 0, 0, fmt.Errorf("invalid timing line %q", strings.TrimSpace(line))
	}
	start, err := ParseTimecode(left)
	if err != nil {
		return 0, 0, err
	}
	// Positioning attributes may trail the end timestamp
	endField := strings.Fields(strings.TrimSpace(right))
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("invalid timing line %q", strings.TrimSpace(line))
	}
	end, err := ParseTimecode(endField[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// Format renders cues as SRT text, numbered from 1 and separated by blank
// lines. The output carries no byte order mark; use Marshal for bytes that
// are safe to hand to downstream tooling.
func Format(cues []Cue) string {
	var b strings.Builder
	for i, cue := range cues {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("\n")
		b.WriteString(FormatTimecode(cue.Start))
		b.WriteString(" --> ")
		b.WriteString(FormatTimecode(cue.End))
		b.WriteString("\n")
		b.WriteString(cue.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Marshal renders cues as UTF-8 SRT bytes with a leading byte order mark,
// the encoding every stored subtitle uses.
func Marshal(cues []Cue) []byte {
	return []byte(bomUTF8 + Format(cues))
}

// EnsureBOM prefixes a byte order mark when data doesn't already carry one.
func EnsureBOM(data []byte) []byte {
	if strings.HasPrefix(string(data), bomUTF8) {
		return data
	}
	return append([]byte(bomUTF8), data...)
}

// Sanitize drops cues that cannot render (negative times or end at/before
// start), merges adjacent cues with identical text into one span, sorts by
// start time and renumbers from 1.
func Sanitize(cues []Cue) []Cue {
	kept := make([]Cue, 0, len(cues))
	for _, cue := range cues {
		if cue.Start < 0 || cue.End <= cue.Start {
			continue
		}
		kept = append(kept, cue)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })

	merged := make([]Cue, 0, len(kept))
	for _, cue := range kept {
		if n := len(merged); n > 0 && strings.TrimSpace(merged[n-1].Text) == strings.TrimSpace(cue.Text) {
			if cue.End > merged[n-1].End {
				merged[n-1].End = cue.End
			}
			continue
		}
		merged = append(merged, cue)
	}
	for i := range merged {
		merged[i].Index = i + 1
	}
	return merged
}

// Shift moves every cue by offset seconds. Offsets may be negative when
// re-basing cues produced for a sub-interval; pair with Sanitize to drop
// cues shifted before zero.
func Shift(cues []Cue, offset float64) []Cue {
	out := make([]Cue, len(cues))
	for i, cue := range cues {
		cue.Start += offset
		cue.End += offset
		out[i] = cue
	}
	return out
}
