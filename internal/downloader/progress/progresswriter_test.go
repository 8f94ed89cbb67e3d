package progress_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeostudio/project_downloader/internal/downloader/progress"
)

func TestWriterReportsAtInterval(t *testing.T) {
	var reports [][2]int64

	var buf bytes.Buffer
	pw := progress.NewWriter(&buf, 100, 10, func(written, total int64) {
		reports = append(reports, [2]int64{written, total})
	})

	chunk := make([]byte, 6)
	for i := 0; i < 5; i++ {
		n, err := pw.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, 6, n)
	}

	assert.Equal(t, 30, buf.Len())
	// Reports fire once at least 10 bytes have accumulated: at 12 and 24.
	require.Len(t, reports, 2)
	assert.Equal(t, [2]int64{12, 100}, reports[0])
	assert.Equal(t, [2]int64{24, 100}, reports[1])
}

func TestWriterAdvanceOnResume(t *testing.T) {
	var last int64

	var buf bytes.Buffer
	pw := progress.NewWriter(&buf, 100, 1, func(written, total int64) {
		last = written
	})

	pw.Advance(40)

	_, err := pw.Write(make([]byte, 5))
	require.NoError(t, err)

	assert.Equal(t, int64(45), last)
}

func TestWriterNilCallback(t *testing.T) {
	var buf bytes.Buffer
	pw := progress.NewWriter(&buf, 0, 1, nil)

	_, err := pw.Write([]byte("data"))
	assert.NoError(t, err)
}
