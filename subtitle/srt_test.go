package subtitle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSRT = "1\n00:00:00,500 --> 00:00:02,000\nhello there\n\n2\n00:00:02,500 --> 00:00:04,000\nsecond line\nwith a wrap\n"

func TestParse(t *testing.T) {
	cues, err := Parse(sampleSRT)
	require.NoError(t, err)
	require.Len(t, cues, 2)
	require.Equal(t, Cue{Index: 1, Start: 0.5, End: 2, Text: "hello there"}, cues[0])
	require.Equal(t, Cue{Index: 2, Start: 2.5, End: 4, Text: "second line\nwith a wrap"}, cues[1])
}

func TestParseToleratesCRLFAndBOM(t *testing.T) {
	windows := "\ufeff1\r\n00:00:01,000 --> 00:00:02,000\r\nhi\r\n\r\n"
	cues, err := Parse(windows)
	require.NoError(t, err)
	require.Len(t, cues, 1)
	require.Equal(t, "hi", cues[0].Text)
	require.Equal(t, 1.0, cues[0].Start)
}

func TestParseToleratesMissingIndexAndTrailingAttributes(t *testing.T) {
	in := "00:00:01,000 --> 00:00:02,000 X1:100 X2:200\nno index here\n"
	cues, err := Parse(in)
	require.NoError(t, err)
	require.Len(t, cues, 1)
	require.Equal(t, 2.0, cues[0].End)
	require.Equal(t, "no index here", cues[0].Text)
}

func TestParseRejectsBrokenTimingLine(t *testing.T) {
	_, err := Parse("1\n00:00:01,000 -> 00:00:02,000\noops\n")
	require.Error(t, err)
	_, err = Parse("1\n00:00:01,000 --> nonsense\noops\n")
	require.Error(t, err)
}

func TestFormatNumbersFromOne(t *testing.T) {
	cues := []Cue{
		{Index: 12, Start: 0.5, End: 2, Text: "a"},
		{Index: 99, Start: 3, End: 4.25, Text: "b"},
	}
	out := Format(cues)
	require.Equal(t, "1\n00:00:00,500 --> 00:00:02,000\na\n\n2\n00:00:03,000 --> 00:00:04,250\nb\n", out)
}

func TestParseFormatRoundTrip(t *testing.T) {
	cues, err := Parse(sampleSRT)
	require.NoError(t, err)
	require.Equal(t, sampleSRT, Format(cues))
}

func TestMarshalCarriesBOM(t *testing.T) {
	out := Marshal([]Cue{{Start: 0, End: 1, Text: "x"}})
	require.True(t, strings.HasPrefix(string(out), "\ufeff"))

	reparsed, err := Parse(string(out))
	require.NoError(t, err)
	require.Len(t, reparsed, 1)
}

func TestEnsureBOM(t *testing.T) {
	plain := []byte("1\n00:00:00,000 --> 00:00:01,000\nx\n")
	withBOM := EnsureBOM(plain)
	require.True(t, strings.HasPrefix(string(withBOM), "\ufeff"))
	require.Equal(t, withBOM, EnsureBOM(withBOM))
}

func TestSanitizeDropsUnrenderableCues(t *testing.T) {
	cues := []Cue{
		{Start: 5, End: 4, Text: "end before start"},
		{Start: 2, End: 2, Text: "zero duration"},
		{Start: -1, End: 1, Text: "negative"},
		{Start: 0, End: 1, Text: "keep"},
	}
	out := Sanitize(cues)
	require.Len(t, out, 1)
	require.Equal(t, Cue{Index: 1, Start: 0, End: 1, Text: "keep"}, out[0])
}

func TestSanitizeMergesAdjacentDuplicates(t *testing.T) {
	cues := []Cue{
		{Start: 0, End: 2, Text: "same"},
		{Start: 2, End: 4, Text: "same"},
		{Start: 4, End: 5, Text: "different"},
	}
	out := Sanitize(cues)
	require.Len(t, out, 2)
	require.Equal(t, Cue{Index: 1, Start: 0, End: 4, Text: "same"}, out[0])
	require.Equal(t, Cue{Index: 2, Start: 4, End: 5, Text: "different"}, out[1])
}

func TestSanitizeSortsAndRenumbers(t *testing.T) {
	cues := []Cue{
		{Index: 7, Start: 10, End: 11, Text: "late"},
		{Index: 3, Start: 1, End: 2, Text: "early"},
	}
	out := Sanitize(cues)
	require.Equal(t, []Cue{
		{Index: 1, Start: 1, End: 2, Text: "early"},
		{Index: 2, Start: 10, End: 11, Text: "late"},
	}, out)
}

func TestShift(t *testing.T) {
	cues := []Cue{{Index: 1, Start: 10, End: 12, Text: "x"}}
	out := Shift(cues, -10)
	require.Equal(t, 0.0, out[0].Start)
	require.Equal(t, 2.0, out[0].End)
	// original untouched
	require.Equal(t, 10.0, cues[0].Start)
}

func TestDecode(t *testing.T) {
	require.Equal(t, "plain utf-8", Decode([]byte("plain utf-8")))
	require.Equal(t, "bom stripped", Decode([]byte("\ufeffbom stripped")))
	// GBK bytes for U+4F60 U+597D
	require.Equal(t, "你好", Decode([]byte{0xc4, 0xe3, 0xba, 0xc3}))
	// a lone 0xE9 is not valid UTF-8 or GBK, Latin-1 maps it to é
	require.Equal(t, "café", Decode([]byte{'c', 'a', 'f', 0xe9}))
}
