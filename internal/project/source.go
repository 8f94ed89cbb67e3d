package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/xeostudio/project_downloader/internal/logctx"
)

var (
	errMissingName  = errors.New("record has no name")
	errMissingURL   = errors.New("record has no url")
	errMalformedURL = errors.New("record url is malformed")
)

// Source yields the ordered sequence of records for one run.
type Source interface {
	Load(ctx context.Context) ([]Record, error)
}

// FileSource reads records from a local JSON file. A missing file is an
// empty list, not an error, matching first-run behavior.
type FileSource struct {
	Path string
}

func (s *FileSource) Load(_ context.Context) ([]Record, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read projects file: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse projects file: %w", err)
	}

	return records, nil
}

// Save writes the record list back with a temp-file-and-rename so a crashed
// write never leaves a truncated projects file.
func (s *FileSource) Save(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode projects: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create projects dir: %w", err)
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write projects file: %w", err)
	}

	if err := os.Rename(tmp, s.Path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to replace projects file: %w", err)
	}

	return nil
}

// RemoteSource fetches records from a projects URL.
type RemoteSource struct {
	URL    string
	Client *http.Client
}

func (s *RemoteSource) Load(ctx context.Context) ([]Record, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build projects request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote projects: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote projects returned status %d", resp.StatusCode)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to parse remote projects: %w", err)
	}

	return records, nil
}

// Merge appends central records whose URL is not already present locally.
// Records are appended, never mutated in place. Returns the merged list and
// how many records were added.
func Merge(local, central []Record) ([]Record, int) {
	seen := make(map[string]struct{}, len(local))
	for _, r := range local {
		seen[r.URL] = struct{}{}
	}

	merged := local
	added := 0

	for _, r := range central {
		if _, ok := seen[r.URL]; ok {
			continue
		}

		merged = append(merged, r)
		seen[r.URL] = struct{}{}
		added++
	}

	return merged, added
}

// Syncer pulls records from a central URL into the local projects file.
type Syncer struct {
	Local   *FileSource
	Central *RemoteSource
}

// Sync merges central records into the local list and persists the result.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	central, err := s.Central.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load central projects: %w", err)
	}

	local, err := s.Local.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load local projects: %w", err)
	}

	merged, added := Merge(local, central)
	if added == 0 {
		return 0, nil
	}

	if err := s.Local.Save(merged); err != nil {
		return 0, fmt.Errorf("failed to save merged projects: %w", err)
	}

	logger.Info("central sync complete", "added", added, "total", len(merged))

	return added, nil
}
