package progress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadCounter(t *testing.T) {
	src := strings.NewReader("0123456789abcdef")
	counter := NewReadCounter(src)

	var sink bytes.Buffer
	n, err := io.CopyBuffer(&sink, counter, make([]byte, 4))
	require.NoError(t, err)
	require.EqualValues(t, 16, n)
	require.EqualValues(t, 16, counter.Count())
	require.Equal(t, "0123456789abcdef", sink.String())
}
