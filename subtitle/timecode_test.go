package subtitle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTimecode(t *testing.T) {
	tests := map[string]float64{
		"00:00:00,000":   0,
		"00:00:05,500":   5.5,
		"00:01:00,001":   60.001,
		"01:02:03,450":   3723.45,
		"00:00:07.25":    7.25,
		"10:59:59,999":   39599.999,
		" 00:00:01,000 ": 1,
		"00:00:02":       2,
	}
	for input, want := range tests {
		got, err := ParseTimecode(input)
		require.NoError(t, err, input)
		require.InDelta(t, want, got, 0.0001, input)
	}
}

func TestParseTimecodeRejectsMalformedInput(t *testing.T) {
	for _, input := range []string{
		"",
		"00:00",
		"00:61:00,000",
		"00:00:61,000",
		"aa:bb:cc,ddd",
		"00:00:00,1234",
		"-1:00:00,000",
	} {
		_, err := ParseTimecode(input)
		require.Error(t, err, input)
	}
}

func TestFormatTimecode(t *testing.T) {
	require.Equal(t, "00:00:00,000", FormatTimecode(0))
	require.Equal(t, "00:00:05,500", FormatTimecode(5.5))
	require.Equal(t, "01:02:03,450", FormatTimecode(3723.45))
	require.Equal(t, "27:46:39,999", FormatTimecode(99999.999))
	require.Equal(t, "00:00:00,000", FormatTimecode(-3))
}

func TestTimecodeRoundTrip(t *testing.T) {
	for _, tc := range []string{
		"00:00:00,000",
		"00:00:00,001",
		"00:33:20,125",
		"01:00:00,000",
		"10:59:59,999",
	} {
		seconds, err := ParseTimecode(tc)
		require.NoError(t, err)
		require.Equal(t, tc, FormatTimecode(seconds))
	}
}
