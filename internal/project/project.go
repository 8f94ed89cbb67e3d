package project

import (
	"net/url"
	"strings"
)

// TargetKind classifies what a record's URL points at. It is assigned once
// at planning time and carried through the pipeline, never re-derived.
type TargetKind int

const (
	// FileTarget is anything fetched over HTTP(S) as a byte stream.
	FileTarget TargetKind = iota
	// RepositoryTarget is a version-controlled repository handed to the
	// clone collaborator instead of the transfer engine.
	RepositoryTarget
)

func (k TargetKind) String() string {
	if k == RepositoryTarget {
		return "repository"
	}

	return "file"
}

// Record describes one downloadable target. Records are immutable once
// loaded; identity is the unique name.
type Record struct {
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	SHA256   string   `json:"sha256,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	PreHook  string   `json:"pre_hook,omitempty"`
	PostHook string   `json:"post_hook,omitempty"`
}

// archiveSuffixes are URL endings that mark a hosting-platform URL as a
// downloadable artifact rather than a repository.
var archiveSuffixes = []string{".zip", ".tar.gz", ".tgz", ".tar.bz2", ".tar.zst", ".tar"}

// repoHosts are hosting platforms where a bare URL means "clone me".
var repoHosts = []string{"github.com", "gitlab.com", "bitbucket.org"}

// Classify tags a URL as RepositoryTarget or FileTarget by shape: an
// explicit .git suffix, or a known hosting platform URL that doesn't point
// at a blob, release asset, or archive download.
func Classify(rawURL string) TargetKind {
	trimmed := strings.TrimSpace(rawURL)
	if strings.HasSuffix(trimmed, ".git") {
		return RepositoryTarget
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return FileTarget
	}

	host := strings.ToLower(u.Hostname())
	for _, h := range repoHosts {
		if host != h && !strings.HasSuffix(host, "."+h) {
			continue
		}

		for _, suffix := range archiveSuffixes {
			if strings.HasSuffix(u.Path, suffix) {
				return FileTarget
			}
		}

		if strings.Contains(u.Path, "/blob/") || strings.Contains(u.Path, "/releases/") || strings.Contains(u.Path, "/raw/") {
			return FileTarget
		}

		return RepositoryTarget
	}

	return FileTarget
}

// Matches reports whether the record matches a case-insensitive name or tag
// substring query. An empty query matches everything.
func (r Record) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}

	if strings.Contains(strings.ToLower(r.Name), q) {
		return true
	}

	for _, tag := range r.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}

	return false
}

// Validate reports the first structural problem with a record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errMissingName
	}

	if strings.TrimSpace(r.URL) == "" {
		return errMissingURL
	}

	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errMalformedURL
	}

	return nil
}
