package integrity_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeostudio/project_downloader/internal/integrity"
)

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

func TestSinkStreamingDigest(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	sink := integrity.NewSink()

	// Feed in uneven chunks, the way a network copy loop would.
	for _, chunk := range [][]byte{payload[:7], payload[7:20], payload[20:]} {
		_, err := sink.Write(chunk)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(len(payload)), sink.Bytes())
	assert.Equal(t, digestOf(payload), sink.Sum())
	assert.Equal(t, integrity.Match, integrity.Compare(sink.Sum(), digestOf(payload)))
}

func TestSinkReset(t *testing.T) {
	sink := integrity.NewSink()
	_, _ = sink.Write([]byte("stale bytes from a dishonored range request"))

	sink.Reset()
	_, _ = sink.Write([]byte("fresh"))

	assert.Equal(t, int64(5), sink.Bytes())
	assert.Equal(t, digestOf([]byte("fresh")), sink.Sum())
}

func TestCompare(t *testing.T) {
	payload := []byte("artifact")
	good := digestOf(payload)

	tests := []struct {
		name     string
		expected string
		want     integrity.Result
	}{
		{"match", good, integrity.Match},
		{"match uppercase", "  " + good, integrity.Match},
		{"mismatch", "0000000000000000000000000000000000000000000000000000000000000000", integrity.Mismatch},
		{"skipped on empty", "", integrity.Skipped},
		{"skipped on blank", "   ", integrity.Skipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, integrity.Compare(good, tt.expected))
		})
	}
}

func TestMismatchErrorMessage(t *testing.T) {
	err := &integrity.MismatchError{Path: "/tmp/artifact.bin", Expected: "aaaa", Actual: "bbbb"}

	assert.Contains(t, err.Error(), "/tmp/artifact.bin")
	assert.Contains(t, err.Error(), "aaaa")
	assert.Contains(t, err.Error(), "bbbb")
}
