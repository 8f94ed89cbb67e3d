package validation_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeostudio/project_downloader/internal/validation"
)

type countingProber struct {
	calls  atomic.Int64
	result validation.ProbeResult
}

func (p *countingProber) Probe(_ context.Context, _ string) validation.ProbeResult {
	p.calls.Add(1)

	return p.result
}

func TestCheckCachesWithinTTL(t *testing.T) {
	prober := &countingProber{result: validation.ProbeResult{OK: true, Kind: "file", Reason: "ok"}}

	cache, err := validation.Open(filepath.Join(t.TempDir(), "cache.json"), time.Hour, prober)
	require.NoError(t, err)

	ctx := context.Background()

	first, err := cache.Check(ctx, "https://host/file.zip")
	require.NoError(t, err)
	assert.True(t, first.Result.OK)
	assert.Equal(t, int64(1), prober.calls.Load())

	// Second check within TTL performs zero new probes.
	second, err := cache.Check(ctx, "https://host/file.zip")
	require.NoError(t, err)
	assert.Equal(t, first.CheckedAt, second.CheckedAt)
	assert.Equal(t, int64(1), prober.calls.Load())
}

func TestCheckReprobesAfterExpiry(t *testing.T) {
	prober := &countingProber{result: validation.ProbeResult{OK: true, Kind: "file"}}

	cache, err := validation.Open(filepath.Join(t.TempDir(), "cache.json"), time.Hour, prober)
	require.NoError(t, err)

	now := time.Now()
	cache.SetNow(func() time.Time { return now })

	ctx := context.Background()

	_, err = cache.Check(ctx, "https://host/file.zip")
	require.NoError(t, err)
	require.Equal(t, int64(1), prober.calls.Load())

	// Jump past the TTL: exactly one new probe.
	now = now.Add(2 * time.Hour)

	_, err = cache.Check(ctx, "https://host/file.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(2), prober.calls.Load())
}

func TestZeroTTLDisablesCaching(t *testing.T) {
	prober := &countingProber{result: validation.ProbeResult{OK: true}}

	cache, err := validation.Open(filepath.Join(t.TempDir(), "cache.json"), 0, prober)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := cache.Check(ctx, "https://host/file.zip")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(3), prober.calls.Load())
}

func TestCachePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	prober := &countingProber{result: validation.ProbeResult{OK: true, Kind: "repository"}}

	cache, err := validation.Open(path, time.Hour, prober)
	require.NoError(t, err)

	_, err = cache.Check(context.Background(), "https://github.com/o/r")
	require.NoError(t, err)
	require.Equal(t, int64(1), prober.calls.Load())

	// A fresh cache over the same file sees the persisted entry.
	reopened, err := validation.Open(path, time.Hour, prober)
	require.NoError(t, err)

	entry, fresh := reopened.Peek("https://github.com/o/r")
	assert.True(t, fresh)
	assert.Equal(t, "repository", entry.Result.Kind)

	_, err = reopened.Check(context.Background(), "https://github.com/o/r")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prober.calls.Load())
}

func TestHTTPProberHead(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Type", "application/zip")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	prober := &validation.HTTPProber{Client: ts.Client()}

	result := prober.Probe(context.Background(), ts.URL+"/file.zip")
	assert.True(t, result.OK)
	assert.Equal(t, "file", result.Kind)
}

func TestHTTPProberFallsBackToRangedGet(t *testing.T) {
	var sawRangedGet atomic.Bool

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		if r.Header.Get("Range") == "bytes=0-0" {
			sawRangedGet.Store(true)
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer ts.Close()

	prober := &validation.HTTPProber{Client: ts.Client()}

	result := prober.Probe(context.Background(), ts.URL+"/file.bin")
	assert.True(t, result.OK)
	assert.Equal(t, "file", result.Kind)
	assert.True(t, sawRangedGet.Load())
}

func TestHTTPProberRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	prober := &validation.HTTPProber{Client: ts.Client()}

	result := prober.Probe(context.Background(), ts.URL+"/missing")
	assert.False(t, result.OK)
	assert.Contains(t, result.Reason, "404")
}
