package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/xeostudio/project_downloader/internal/logctx"
)

// ProbeResult is the outcome of one reachability probe.
type ProbeResult struct {
	OK     bool   `json:"ok"`
	Kind   string `json:"kind"` // "repository", "file" or "unknown"
	Reason string `json:"reason"`
}

// Entry is one cached probe, valid while now - CheckedAt < ttl. Expiry is
// lazy: entries are only aged out when read.
type Entry struct {
	URL       string      `json:"url"`
	CheckedAt time.Time   `json:"checked_at"`
	Result    ProbeResult `json:"result"`
}

// Fresh reports whether the entry is still within its TTL.
func (e Entry) Fresh(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}

	return now.Sub(e.CheckedAt) < ttl
}

// Prober performs the lightweight reachability check behind the cache.
type Prober interface {
	Probe(ctx context.Context, rawURL string) ProbeResult
}

// HTTPProber probes with a HEAD request, falling back to a one-byte ranged
// GET when the server does not support HEAD.
type HTTPProber struct {
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context, rawURL string) ProbeResult {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := p.do(ctx, client, http.MethodHead, rawURL)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp.Body.Close()
		resp, err = p.do(ctx, client, http.MethodGet, rawURL)
	}

	if err != nil {
		// Some servers reset HEAD outright; retry once as a ranged GET
		// before declaring the URL unreachable.
		resp, err = p.do(ctx, client, http.MethodGet, rawURL)
		if err != nil {
			return ProbeResult{OK: false, Kind: "unknown", Reason: err.Error()}
		}
	}

	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return ProbeResult{
			OK:     false,
			Kind:   "unknown",
			Reason: fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}

	return classify(rawURL, resp)
}

func (p *HTTPProber) do(ctx context.Context, client *http.Client, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}

	if method == http.MethodGet {
		// Existence check only; never pull the body.
		req.Header.Set("Range", "bytes=0-0")
	}

	return client.Do(req)
}

func classify(rawURL string, resp *http.Response) ProbeResult {
	contentType := resp.Header.Get("Content-Type")

	u, err := url.Parse(rawURL)
	if err == nil {
		host := strings.ToLower(u.Hostname())
		if (host == "github.com" || host == "gitlab.com") &&
			!strings.HasSuffix(u.Path, ".zip") && !strings.HasSuffix(u.Path, ".tar.gz") {
			return ProbeResult{OK: true, Kind: "repository", Reason: "hosting platform (probe ok)"}
		}
	}

	if resp.Header.Get("Content-Disposition") != "" ||
		strings.HasPrefix(contentType, "application/") ||
		strings.HasPrefix(contentType, "binary/") {
		return ProbeResult{OK: true, Kind: "file", Reason: "Content-Type: " + contentType}
	}

	return ProbeResult{OK: true, Kind: "unknown", Reason: "Content-Type: " + contentType}
}

// Cache memoizes probe results per URL with a TTL. The backing file is
// shared with other processes, so loads and stores take a file lock and the
// file itself is replaced wholesale on write; no reader ever observes a
// half-updated entry. A ttl <= 0 disables caching: every Check re-probes.
type Cache struct {
	path   string
	ttl    time.Duration
	prober Prober

	mu      sync.Mutex
	entries map[string]Entry

	// now is replaceable in tests.
	now func() time.Time
}

// Open loads (or initializes) the cache file at path.
func Open(path string, ttl time.Duration, prober Prober) (*Cache, error) {
	c := &Cache{
		path:    path,
		ttl:     ttl,
		prober:  prober,
		entries: make(map[string]Entry),
		now:     time.Now,
	}

	if err := c.load(); err != nil {
		return nil, err
	}

	return c, nil
}

// Check returns the cached entry for url when fresh, otherwise probes and
// records a fresh entry. Writes are atomic per key.
func (c *Cache) Check(ctx context.Context, rawURL string) (Entry, error) {
	c.mu.Lock()
	entry, ok := c.entries[rawURL]
	now := c.now()
	c.mu.Unlock()

	if ok && entry.Fresh(c.ttl, now) {
		return entry, nil
	}

	logger := logctx.LoggerFromContext(ctx)
	logger.Debug("probing url", "url", rawURL, "cached", ok)

	result := c.prober.Probe(ctx, rawURL)

	entry = Entry{URL: rawURL, CheckedAt: c.now(), Result: result}

	c.mu.Lock()
	c.entries[rawURL] = entry
	err := c.persistLocked()
	c.mu.Unlock()

	if err != nil {
		return entry, fmt.Errorf("failed to persist validation cache: %w", err)
	}

	return entry, nil
}

// Peek returns the cached entry without probing, and whether it is fresh.
func (c *Cache) Peek(rawURL string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[rawURL]
	if !ok {
		return Entry{}, false
	}

	return entry, entry.Fresh(c.ttl, c.now())
}

func (c *Cache) load() error {
	lock := flock.New(c.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock validation cache: %w", err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read validation cache: %w", err)
	}

	if err := json.Unmarshal(data, &c.entries); err != nil {
		// A corrupt cache is not fatal; start over and let probes refill it.
		c.entries = make(map[string]Entry)
	}

	return nil
}

func (c *Cache) persistLocked() error {
	lock := flock.New(c.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock validation cache: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode validation cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write validation cache: %w", err)
	}

	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to replace validation cache: %w", err)
	}

	return nil
}

func (c *Cache) lockPath() string {
	return c.path + ".lock"
}
