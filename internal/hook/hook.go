package hook

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/xeostudio/project_downloader/internal/logctx"
)

// Runner executes a configured shell hook and reports its exit status. The
// orchestrator decides timing; hook semantics are entirely the hook's.
type Runner interface {
	Run(ctx context.Context, stage, command string) error
}

// ShellRunner runs hooks through the shell, matching how records declare
// them (a single command string, not an argv).
type ShellRunner struct {
	// Timeout bounds a single hook; zero means inherit the caller's
	// context deadline only.
	Timeout time.Duration
}

func (r *ShellRunner) Run(ctx context.Context, stage, command string) error {
	if command == "" {
		return nil
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	logger := logctx.LoggerFromContext(ctx)
	logger.Info("running hook", "stage", stage, "command", command)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("hook failed", "stage", stage, "err", err, "output", string(output))

		return fmt.Errorf("%s hook failed: %w", stage, err)
	}

	logger.Debug("hook completed", "stage", stage)

	return nil
}
