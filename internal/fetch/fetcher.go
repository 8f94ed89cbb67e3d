package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/xeostudio/project_downloader/internal/bandwidth"
	"github.com/xeostudio/project_downloader/internal/downloader/progress"
	"github.com/xeostudio/project_downloader/internal/integrity"
	"github.com/xeostudio/project_downloader/internal/logctx"
	"github.com/xeostudio/project_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	defaultChunkSize        = 32 * 1024
	defaultProgressInterval = int64(8 * 1024 * 1024)

	tempSuffix = ".part"
)

// Status tracks one transfer attempt sequence. Transitions only move
// forward, except Failed back to InProgress when a retry resumes from the
// confirmed offset.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusPaused
	StatusCompleted
	StatusFailed
)

// State is the in-flight bookkeeping for one transfer. It lives only for
// the duration of a Fetch call and is discarded once the terminal result is
// produced; nothing persists it.
type State struct {
	URL           string
	Destination   string
	BytesExpected int64 // 0 while unknown
	BytesWritten  int64
	RetryCount    int
	Status        Status
}

// RetryPolicy is an explicit, injectable retry policy: bounded attempts
// with a backoff sequence between them. Sleep is replaceable so tests run
// against a controllable clock.
type RetryPolicy struct {
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
	Sleep       func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy allows the initial attempt plus `retries` retries,
// with exponential backoff and jitter between attempts.
func DefaultRetryPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: retries + 1,
		NewBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 30 * time.Second

			return bo
		},
		Sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options tune one Fetch call.
type Options struct {
	// DryRun plans and probes but writes nothing.
	DryRun bool
	// Resume picks up a leftover temporary file from a previous run.
	Resume bool
	// ProgressInterval overrides how often progress is logged, in bytes.
	ProgressInterval int64
}

// Result describes a finished (or planned, for dry runs) transfer.
type Result struct {
	Destination  string
	BytesWritten int64 // bytes transferred by this call across all attempts
	TotalBytes   int64 // size of the artifact at the destination
	Resumed      bool
	Attempts     int
	Digest       string // hex sha256 of the full artifact
	DryRun       bool
	Duration     time.Duration
}

// Fetcher performs resumable HTTP transfers. It is safe for concurrent use;
// all fetchers share the process-wide bandwidth budget they are built with.
type Fetcher struct {
	client    *http.Client
	budget    *bandwidth.Budget
	policy    RetryPolicy
	telemetry *telemetry.Telemetry
	chunkSize int
}

func NewFetcher(client *http.Client, budget *bandwidth.Budget, policy RetryPolicy, tel *telemetry.Telemetry) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	if policy.Sleep == nil {
		policy.Sleep = sleepCtx
	}

	return &Fetcher{
		client:    client,
		budget:    budget,
		policy:    policy,
		telemetry: tel,
		chunkSize: defaultChunkSize,
	}
}

// BuildClient assembles the outbound HTTP client: optional proxy, OTEL
// transport instrumentation, and the configured credential token attached
// as a bearer credential.
func BuildClient(proxy, token string) (*http.Client, error) {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, &ConfigError{Field: "proxy", Reason: "malformed proxy URL", Err: err}
		}

		transport.Proxy = http.ProxyURL(proxyURL)
	}

	var rt http.RoundTripper = otelhttp.NewTransport(transport)

	if token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   rt,
		}
	}

	return &http.Client{Transport: rt}, nil
}

// TempPath returns the temporary side path a destination is written
// through.
func TempPath(dest string) string {
	return dest + tempSuffix
}

// Fetch transfers url to dest. Bytes stream through the bandwidth budget
// and the integrity sink into a temporary side path; dest itself only
// appears via an atomic rename on full success, so no partially-written
// file is ever visible there. Retryable failures resume from the last
// confirmed byte offset; nothing already confirmed is transferred again.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string, opts Options) (*Result, error) {
	start := time.Now()

	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, &ConfigError{Field: "url", Reason: "malformed URL", Err: err}
	}

	if opts.DryRun {
		return f.dryRun(ctx, rawURL, dest, start)
	}

	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, &DiskError{Path: dest, Err: err}
	}

	tmp := TempPath(dest)
	sink := integrity.NewSink()
	state := &State{URL: rawURL, Destination: dest, Status: StatusPending}

	if opts.Resume {
		if fi, err := os.Stat(tmp); err == nil {
			// Re-hash the leftover bytes so the streaming digest covers
			// the whole artifact.
			if err := hashExisting(tmp, sink); err == nil {
				state.BytesWritten = fi.Size()

				logger.Info("resuming transfer from leftover temporary file",
					"url", rawURL, "offset", humanize.Bytes(uint64(state.BytesWritten)))
			} else {
				os.Remove(tmp)
				sink.Reset()
			}
		}
	}

	bo := f.policy.NewBackOff()
	startOffset := state.BytesWritten
	attempts := 0

	for {
		attempts++
		state.Status = StatusInProgress
		state.RetryCount = attempts - 1

		err := f.attempt(ctx, tmp, state, sink, opts)
		if err == nil {
			break
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			state.Status = StatusFailed
			f.discard(tmp)

			return nil, &CancelledError{Operation: "transfer", Err: ctxErr}
		}

		if !IsRetryable(err) || attempts >= f.policy.MaxAttempts {
			state.Status = StatusFailed
			f.discard(tmp)

			return nil, err
		}

		f.telemetry.RecordRetry()

		delay := bo.NextBackOff()
		logger.Warn("transfer attempt failed, backing off",
			"url", rawURL, "attempt", attempts, "offset", state.BytesWritten, "delay", delay.String(), "err", err)

		// Backoff is a suspension of this transfer only; nothing else
		// waits on it.
		state.Status = StatusPaused

		if err := f.policy.Sleep(ctx, delay); err != nil {
			state.Status = StatusFailed
			f.discard(tmp)

			return nil, &CancelledError{Operation: "transfer backoff", Err: err}
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		state.Status = StatusFailed
		f.discard(tmp)

		return nil, &DiskError{Path: dest, Err: err}
	}

	state.Status = StatusCompleted

	return &Result{
		Destination:  dest,
		BytesWritten: state.BytesWritten - startOffset,
		TotalBytes:   state.BytesWritten,
		Resumed:      startOffset > 0,
		Attempts:     attempts,
		Digest:       sink.Sum(),
		Duration:     time.Since(start),
	}, nil
}

// attempt performs one network attempt, appending confirmed bytes to tmp
// and advancing state.BytesWritten as they land on disk.
func (f *Fetcher) attempt(ctx context.Context, tmp string, state *State, sink *integrity.Sink, opts Options) error {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.URL, nil)
	if err != nil {
		return &ConfigError{Field: "url", Reason: "malformed URL", Err: err}
	}

	if state.BytesWritten > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", state.BytesWritten))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &NetworkError{Operation: "transfer", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Resume honored.
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		if state.BytesWritten > 0 {
			// Server ignored the range request: restart from zero rather
			// than corrupt the destination with a duplicated prefix.
			logger.Warn("server did not honor range request, restarting transfer", "url", state.URL)

			if err := os.Truncate(tmp, 0); err != nil && !os.IsNotExist(err) {
				return &DiskError{Path: tmp, Err: err}
			}

			sink.Reset()
			state.BytesWritten = 0
		}
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return &NetworkError{Operation: "transfer", StatusCode: resp.StatusCode}
	case resp.StatusCode >= http.StatusBadRequest:
		return &ServerError{URL: state.URL, StatusCode: resp.StatusCode}
	default:
		return &NetworkError{Operation: "transfer", StatusCode: resp.StatusCode}
	}

	state.BytesExpected = 0
	if resp.ContentLength > 0 {
		state.BytesExpected = state.BytesWritten + resp.ContentLength
	}

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &DiskError{Path: tmp, Err: err}
	}
	defer file.Close()

	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}

	// Writes draw their size from the shared budget before landing;
	// waiting there never blocks other transfers.
	throttled := f.budget.Writer(ctx, io.MultiWriter(file, sink))

	pw := progress.NewWriter(throttled, state.BytesExpected, interval, func(written, total int64) {
		if total > 0 {
			logger.Debug("transfer progress", "url", state.URL,
				"written", humanize.Bytes(uint64(written)), "total", humanize.Bytes(uint64(total)))
		} else {
			logger.Debug("transfer progress", "url", state.URL, "written", humanize.Bytes(uint64(written)))
		}
	})
	pw.Advance(state.BytesWritten)

	buf := make([]byte, f.chunkSize)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := pw.Write(buf[:n]); writeErr != nil {
				if ctx.Err() != nil {
					return &CancelledError{Operation: "transfer", Err: ctx.Err()}
				}

				return &DiskError{Path: tmp, Err: writeErr}
			}

			state.BytesWritten += int64(n)
			f.telemetry.AddBytesTransferred(int64(n))

			if state.BytesExpected > 0 && state.BytesWritten > state.BytesExpected {
				return &NetworkError{Operation: "transfer",
					Err: fmt.Errorf("server sent %d bytes past the declared length", state.BytesWritten-state.BytesExpected)}
			}
		}

		if readErr == io.EOF {
			if state.BytesExpected > 0 && state.BytesWritten < state.BytesExpected {
				return &NetworkError{Operation: "transfer", Err: io.ErrUnexpectedEOF}
			}

			if err := file.Sync(); err != nil {
				return &DiskError{Path: tmp, Err: err}
			}

			return nil
		}

		if readErr != nil {
			return &NetworkError{Operation: "transfer", Err: readErr}
		}
	}
}

// dryRun probes reachability and reports what a real call would have done.
func (f *Fetcher) dryRun(ctx context.Context, rawURL, dest string, start time.Time) (*Result, error) {
	resp, err := f.probe(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &NetworkError{Operation: "probe", StatusCode: resp.StatusCode}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &ServerError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	result := &Result{
		Destination: dest,
		DryRun:      true,
		Attempts:    1,
		Duration:    time.Since(start),
	}

	if resp.ContentLength > 0 {
		result.TotalBytes = resp.ContentLength
	}

	return result, nil
}

func (f *Fetcher) probe(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, &ConfigError{Field: "url", Reason: "malformed URL", Err: err}
	}

	resp, err := f.client.Do(req)
	if err == nil && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotImplemented {
		return resp, nil
	}

	if resp != nil {
		resp.Body.Close()
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if reqErr != nil {
		return nil, &ConfigError{Field: "url", Reason: "malformed URL", Err: reqErr}
	}

	req.Header.Set("Range", "bytes=0-0")

	resp, err = f.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "probe", Err: err}
	}

	return resp, nil
}

// discard removes the temporary file at a terminal failure so no transfer
// is abandoned holding it.
func (f *Fetcher) discard(tmp string) {
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		f.telemetry.RecordSystemError("fetch", "temp_cleanup")
	}
}

func hashExisting(path string, sink *integrity.Sink) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(sink, file)

	return err
}
