package rest_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeostudio/project_downloader/internal/downloader"
	"github.com/xeostudio/project_downloader/internal/fetch"
	"github.com/xeostudio/project_downloader/internal/http/rest"
	"github.com/xeostudio/project_downloader/internal/ledger"
	"github.com/xeostudio/project_downloader/internal/project"
	"github.com/xeostudio/project_downloader/internal/validation"
)

type memLedger struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (m *memLedger) Append(event ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)

	return nil
}

func (m *memLedger) Recent(limit int) ([]ledger.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit > len(m.events) {
		limit = len(m.events)
	}

	out := make([]ledger.Event, 0, limit)
	for i := len(m.events) - 1; i >= len(m.events)-limit; i-- {
		out = append(out, m.events[i])
	}

	return out, nil
}

func (m *memLedger) ExportCSV(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := io.WriteString(w, "timestamp,project,url,outcome,reason,detail,path,duration_ms,bytes\n"); err != nil {
		return err
	}

	for _, event := range m.events {
		if _, err := io.WriteString(w, event.Project+"\n"); err != nil {
			return err
		}
	}

	return nil
}

type nopCloner struct{}

func (nopCloner) Clone(ctx context.Context, repoURL, dest string) error { return nil }

type nopHooks struct{}

func (nopHooks) Run(ctx context.Context, stage, command string) error { return nil }

type okProber struct{}

func (okProber) Probe(ctx context.Context, rawURL string) validation.ProbeResult {
	return validation.ProbeResult{OK: true, Kind: "file"}
}

func fastPolicy() fetch.RetryPolicy {
	return fetch.RetryPolicy{
		MaxAttempts: 1,
		NewBackOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

type fixture struct {
	api      http.Handler
	ledger   *memLedger
	dir      string
	projects string
}

func newFixture(t *testing.T, artifacts *httptest.Server, records []project.Record, authToken string) *fixture {
	t.Helper()

	dir := t.TempDir()
	projectsFile := filepath.Join(dir, "projects.json")

	source := &project.FileSource{Path: projectsFile}
	require.NoError(t, source.Save(records))

	repo := &memLedger{}

	client := http.DefaultClient
	if artifacts != nil {
		client = artifacts.Client()
	}

	fetcher := fetch.NewFetcher(client, nil, fastPolicy(), nil)
	engine := downloader.New(filepath.Join(dir, "downloads"), 2, fetcher, nopCloner{}, nil, nopHooks{}, repo, nil)

	cache, err := validation.Open(filepath.Join(dir, "cache.json"), time.Hour, okProber{})
	require.NoError(t, err)

	handler := rest.NewAPIHandler(source, nil, engine, repo, cache, authToken)

	return &fixture{api: handler.Routes(), ledger: repo, dir: dir, projects: projectsFile}
}

func TestListProjectsFiltersByQuery(t *testing.T) {
	records := []project.Record{
		{Name: "linter", URL: "https://example.com/linter.zip", Tags: []string{"ci"}},
		{Name: "formatter", URL: "https://example.com/fmt.zip", Tags: []string{"dev"}},
	}
	f := newFixture(t, nil, records, "")

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projects?q=ci", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Projects []project.Record `json:"projects"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))

	require.Equal(t, 1, payload.Count)
	assert.Equal(t, "linter", payload.Projects[0].Name)
}

func TestDownloadUnknownProjectReturns404(t *testing.T) {
	f := newFixture(t, nil, []project.Record{{Name: "known", URL: "https://example.com/a.zip"}}, "")

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/ghost/download", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadRunsPipelineAndReturnsEvent(t *testing.T) {
	body := []byte("artifact bytes")

	artifacts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer artifacts.Close()

	records := []project.Record{{Name: "tool", URL: artifacts.URL + "/tool.bin"}}
	f := newFixture(t, artifacts, records, "")

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/tool/download", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var event ledger.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&event))

	assert.Equal(t, ledger.OutcomeCompleted, event.Outcome)
	assert.Equal(t, int64(len(body)), event.Bytes)

	got, err := os.ReadFile(filepath.Join(f.dir, "downloads", "tool.bin"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDownloadFailureMapsToBadGateway(t *testing.T) {
	artifacts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer artifacts.Close()

	records := []project.Record{{Name: "tool", URL: artifacts.URL + "/tool.bin"}}
	f := newFixture(t, artifacts, records, "")

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/tool/download", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)

	var event ledger.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&event))
	assert.Equal(t, "server_rejected", event.Reason)
}

func TestDownloadDryRunQueryParam(t *testing.T) {
	artifacts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "99")
	}))
	defer artifacts.Close()

	records := []project.Record{{Name: "tool", URL: artifacts.URL + "/tool.bin"}}
	f := newFixture(t, artifacts, records, "")

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/projects/tool/download?dry_run=true", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var event ledger.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&event))
	assert.True(t, event.DryRun)

	_, err := os.Stat(filepath.Join(f.dir, "downloads"))
	assert.True(t, os.IsNotExist(err))
}

func TestEventsReturnsRecentLedger(t *testing.T) {
	f := newFixture(t, nil, nil, "")

	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, f.ledger.Append(ledger.Event{Project: name, Outcome: ledger.OutcomeCompleted}))
	}

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?limit=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Events []ledger.Event `json:"events"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))

	require.Equal(t, 2, payload.Count)
	assert.Equal(t, "three", payload.Events[0].Project, "newest first")
}

func TestEventsRejectsBadLimit(t *testing.T) {
	f := newFixture(t, nil, nil, "")

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?limit=zero", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsExportStreamsCSV(t *testing.T) {
	f := newFixture(t, nil, nil, "")
	require.NoError(t, f.ledger.Append(ledger.Event{Project: "tool"}))

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/export", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "timestamp,project,url,outcome"))
	assert.Contains(t, rec.Body.String(), "tool")
}

func TestValidateReportsReachability(t *testing.T) {
	records := []project.Record{
		{Name: "a", URL: "https://example.com/a.zip"},
		{Name: "b", URL: "https://example.com/b.zip"},
	}
	f := newFixture(t, nil, records, "")

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/validate", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Checked   int `json:"checked"`
		Reachable int `json:"reachable"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))

	assert.Equal(t, 2, payload.Checked)
	assert.Equal(t, 2, payload.Reachable)
}

func TestSyncMergesCentralRecords(t *testing.T) {
	central := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]project.Record{
			{Name: "local-tool", URL: "https://example.com/local.zip"},
			{Name: "new-tool", URL: "https://example.com/new.zip"},
		})
	}))
	defer central.Close()

	dir := t.TempDir()
	source := &project.FileSource{Path: filepath.Join(dir, "projects.json")}
	require.NoError(t, source.Save([]project.Record{{Name: "local-tool", URL: "https://example.com/local.zip"}}))

	syncer := &project.Syncer{
		Local:   source,
		Central: &project.RemoteSource{URL: central.URL, Client: central.Client()},
	}

	repo := &memLedger{}
	fetcher := fetch.NewFetcher(http.DefaultClient, nil, fastPolicy(), nil)
	engine := downloader.New(dir, 1, fetcher, nopCloner{}, nil, nopHooks{}, repo, nil)

	handler := rest.NewAPIHandler(source, syncer, engine, repo, nil, "")

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Added int `json:"added"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	assert.Equal(t, 1, payload.Added)

	records, err := source.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestBearerAuthGuardsAllRoutes(t *testing.T) {
	f := newFixture(t, nil, nil, "sekrit")

	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projects", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	f.api.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
