package vcs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/Masterminds/vcs"
	"github.com/xeostudio/project_downloader/internal/logctx"
)

// Cloner is the version-control collaborator. The orchestrator only decides
// when to invoke it; the protocol itself lives behind this seam.
type Cloner interface {
	Clone(ctx context.Context, repoURL, dest string) error
}

// GitCloner clones repositories through the system VCS tooling. A
// configured token is injected into https hosting-platform URLs the same
// way an authenticated clone would write it.
type GitCloner struct {
	Token string
}

func (g *GitCloner) Clone(ctx context.Context, repoURL, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx)

	remote := g.normalizeURL(repoURL)

	repo, err := vcs.NewRepo(remote, dest)
	if err != nil {
		return fmt.Errorf("failed to resolve repository %s: %w", repoURL, err)
	}

	if _, statErr := os.Stat(dest); statErr == nil {
		logger.Info("updating existing repository", "url", repoURL, "dest", dest)

		if err := repo.Update(); err != nil {
			return fmt.Errorf("failed to update repository: %w", err)
		}

		return nil
	}

	logger.Info("cloning repository", "url", repoURL, "dest", dest)

	if err := repo.Get(); err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	return nil
}

func (g *GitCloner) normalizeURL(repoURL string) string {
	remote := strings.TrimSpace(repoURL)
	remote = strings.TrimPrefix(remote, "git+")

	if g.Token == "" || !strings.HasPrefix(remote, "https://") {
		return remote
	}

	u, err := url.Parse(remote)
	if err != nil {
		return remote
	}

	host := strings.ToLower(u.Hostname())
	if host != "github.com" && host != "gitlab.com" {
		return remote
	}

	u.User = url.User(g.Token)

	return u.String()
}
