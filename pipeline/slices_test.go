package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-api/plan"
)

func TestViolationSummary(t *testing.T) {
	short := []plan.Violation{
		{Path: "[0].start_time", Message: "must be before end_time"},
		{Path: "[1].chapters", Message: "must not overlap"},
	}
	require.Equal(t,
		"[0].start_time: must be before end_time; [1].chapters: must not overlap",
		violationSummary(short))

	long := make([]plan.Violation, 7)
	for i := range long {
		long[i] = plan.Violation{Path: fmt.Sprintf("[%d]", i), Message: "bad"}
	}
	got := violationSummary(long)
	require.Contains(t, got, "[4]: bad")
	require.NotContains(t, got, "[5]")
	require.Contains(t, got, "and 2 more")
}
