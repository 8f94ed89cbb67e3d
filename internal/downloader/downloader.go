package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xeostudio/project_downloader/internal/archive"
	"github.com/xeostudio/project_downloader/internal/fetch"
	"github.com/xeostudio/project_downloader/internal/hook"
	"github.com/xeostudio/project_downloader/internal/integrity"
	"github.com/xeostudio/project_downloader/internal/ledger"
	"github.com/xeostudio/project_downloader/internal/logctx"
	"github.com/xeostudio/project_downloader/internal/project"
	"github.com/xeostudio/project_downloader/internal/telemetry"
	"github.com/xeostudio/project_downloader/internal/validation"
	"github.com/xeostudio/project_downloader/internal/vcs"
	"golang.org/x/sync/errgroup"
)

// ErrPassInProgress is returned when a pass is requested while a previous
// one is still running. Overlapping passes are skipped, never queued.
var ErrPassInProgress = errors.New("a download pass is already in progress")

// Stage names a record's position in the pipeline, used for logging.
type Stage string

const (
	StagePlanned      Stage = "planned"
	StageProbing      Stage = "probing"
	StageTransferring Stage = "transferring"
	StageVerifying    Stage = "verifying"
	StageExtracting   Stage = "extracting"
)

// RunOptions tune one pass over a set of records.
type RunOptions struct {
	// DryRun plans and probes every record but transfers nothing.
	DryRun bool
}

// Summary aggregates the terminal events of one pass.
type Summary struct {
	Completed int
	Failed    int
	Skipped   int
	Events    []ledger.Event
}

// Downloader drives records through the pipeline: plan, probe, transfer or
// clone, verify, extract, record. At most MaxParallel records are in flight
// at once; everything else waits for a slot.
type Downloader struct {
	downloadPath string
	maxParallel  int

	fetcher   *fetch.Fetcher
	cloner    vcs.Cloner
	cache     *validation.Cache
	hooks     hook.Runner
	ledger    ledger.Repository
	telemetry *telemetry.Telemetry

	// OnEvent, when set, receives every terminal event. Sends never block:
	// a full channel drops the notification, the ledger stays authoritative.
	OnEvent chan ledger.Event

	passRunning atomic.Bool
}

func New(downloadPath string, maxParallel int, fetcher *fetch.Fetcher, cloner vcs.Cloner,
	cache *validation.Cache, hooks hook.Runner, repo ledger.Repository, tel *telemetry.Telemetry,
) *Downloader {
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Downloader{
		downloadPath: downloadPath,
		maxParallel:  maxParallel,
		fetcher:      fetcher,
		cloner:       cloner,
		cache:        cache,
		hooks:        hooks,
		ledger:       repo,
		telemetry:    tel,
	}
}

// ProcessAll runs one pass over records with a bounded worker pool. A
// record's failure never aborts the pass; every record ends in exactly one
// ledger event. Only one pass runs at a time.
func (d *Downloader) ProcessAll(ctx context.Context, records []project.Record, opts RunOptions) (*Summary, error) {
	if !d.passRunning.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer d.passRunning.Store(false)

	logger := logctx.LoggerFromContext(ctx)
	logger.Info("starting download pass", "records", len(records), "dry_run", opts.DryRun)

	events := make([]ledger.Event, len(records))

	var g errgroup.Group
	g.SetLimit(d.maxParallel)

	for i, record := range records {
		g.Go(func() error {
			events[i] = d.Process(ctx, record, opts)

			return nil
		})
	}

	// Workers never return errors; failures live in the events.
	_ = g.Wait()

	summary := &Summary{Events: events}

	for _, event := range events {
		switch event.Outcome {
		case ledger.OutcomeCompleted:
			summary.Completed++
		case ledger.OutcomeFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}

	logger.Info("download pass finished",
		"completed", summary.Completed, "failed", summary.Failed, "skipped", summary.Skipped)

	return summary, nil
}

// Process drives one record to a terminal outcome and appends its ledger
// event. It never returns an error: every failure mode becomes a reason
// code on the event.
func (d *Downloader) Process(ctx context.Context, record project.Record, opts RunOptions) ledger.Event {
	start := time.Now()
	logger := logctx.LoggerFromContext(ctx).With("project", record.Name)
	ctx = logctx.WithLogger(ctx, logger)

	event := ledger.Event{
		Timestamp: start.UTC(),
		Project:   record.Name,
		URL:       record.URL,
		DryRun:    opts.DryRun,
	}

	// Classified once here, carried through the pipeline.
	kind := project.Classify(record.URL)

	var outcome terminal

	// run never fails as an operation; failures become reason codes.
	_ = d.telemetry.InstrumentFetch(ctx, kind.String(), func(ctx context.Context) error {
		outcome = d.run(ctx, record, kind, opts, &event)

		return nil
	})

	event.Outcome = outcome.outcome
	event.Reason = outcome.reason
	event.Detail = outcome.detail
	event.Duration = time.Since(start)

	d.record(ctx, event)

	return event
}

type terminal struct {
	outcome string
	reason  string
	detail  string
}

func completed(detail string) terminal {
	return terminal{outcome: ledger.OutcomeCompleted, detail: detail}
}

func failed(reason, detail string) terminal {
	return terminal{outcome: ledger.OutcomeFailed, reason: reason, detail: detail}
}

func skipped(reason, detail string) terminal {
	return terminal{outcome: ledger.OutcomeSkipped, reason: reason, detail: detail}
}

func (d *Downloader) run(ctx context.Context, record project.Record, kind project.TargetKind, opts RunOptions, event *ledger.Event) terminal {
	logger := logctx.LoggerFromContext(ctx)

	if err := ctx.Err(); err != nil {
		return skipped(fetch.ReasonCancelled, "pass cancelled before record started")
	}

	if err := record.Validate(); err != nil {
		return failed(fetch.ReasonConfig, err.Error())
	}

	dest := d.destinationFor(record, kind)
	event.Path = dest

	logger.Debug("record planned", "stage", StagePlanned, "kind", kind.String(), "destination", dest)

	if outcome, done := d.probe(ctx, record); done {
		return outcome
	}

	if record.PreHook != "" {
		if err := d.hooks.Run(ctx, "pre", record.PreHook); err != nil {
			return failed(fetch.ReasonPreHook, err.Error())
		}
	}

	var outcome terminal

	if kind == project.RepositoryTarget {
		outcome = d.clone(ctx, record, dest, opts, event)
	} else {
		outcome = d.transfer(ctx, record, dest, opts, event)
	}

	// The post hook observes terminal outcomes, completed and failed alike.
	if outcome.outcome != ledger.OutcomeSkipped && record.PostHook != "" && !opts.DryRun {
		if err := d.hooks.Run(ctx, "post", record.PostHook); err != nil {
			// A post-hook failure does not change the terminal outcome.
			logger.Warn("post hook failed", "err", err)

			note := "post hook failed: " + err.Error()
			if outcome.detail != "" {
				note = outcome.detail + "; " + note
			}

			outcome.detail = note
		}
	}

	return outcome
}

// probe consults the reachability cache before any bytes move. done is true
// when probing already decided the record's fate.
func (d *Downloader) probe(ctx context.Context, record project.Record) (terminal, bool) {
	if d.cache == nil {
		return terminal{}, false
	}

	logctx.LoggerFromContext(ctx).Debug("probing reachability", "stage", StageProbing)

	_, fresh := d.cache.Peek(record.URL)

	entry, err := d.cache.Check(ctx, record.URL)
	if err != nil {
		d.telemetry.RecordSystemError("validation", "cache")

		// A broken cache must not block transfers.
		return terminal{}, false
	}

	d.telemetry.RecordProbe(entry.Result.OK, fresh)

	if !entry.Result.OK {
		if ctx.Err() != nil {
			return skipped(fetch.ReasonCancelled, "cancelled during probe"), true
		}

		return failed(fetch.ReasonNetwork, "unreachable: "+entry.Result.Reason), true
	}

	return terminal{}, false
}

func (d *Downloader) clone(ctx context.Context, record project.Record, dest string, opts RunOptions, event *ledger.Event) terminal {
	logger := logctx.LoggerFromContext(ctx)

	if opts.DryRun {
		return completed("dry run: would clone repository")
	}

	logger.Info("cloning repository", "stage", StageTransferring, "destination", dest)

	if err := d.cloner.Clone(ctx, record.URL, dest); err != nil {
		if ctx.Err() != nil {
			return failed(fetch.ReasonCancelled, "cancelled during clone")
		}

		return failed(fetch.ReasonClone, err.Error())
	}

	return completed("repository cloned")
}

func (d *Downloader) transfer(ctx context.Context, record project.Record, dest string, opts RunOptions, event *ledger.Event) terminal {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("transferring", "stage", StageTransferring, "destination", dest)

	result, err := d.fetcher.Fetch(ctx, record.URL, dest, fetch.Options{
		DryRun: opts.DryRun,
		Resume: true,
	})
	if err != nil {
		return failed(fetch.ReasonCode(err), err.Error())
	}

	event.Bytes = result.BytesWritten

	if opts.DryRun {
		return completed(fmt.Sprintf("dry run: reachable, %d bytes expected", result.TotalBytes))
	}

	logger.Debug("verifying integrity", "stage", StageVerifying)

	if cmp := integrity.Compare(result.Digest, record.SHA256); cmp == integrity.Mismatch {
		mismatch := &integrity.MismatchError{Path: dest, Expected: record.SHA256, Actual: result.Digest}

		// The artifact is compromised; nothing of it survives.
		if err := os.Remove(dest); err != nil {
			logger.Error("failed to remove compromised artifact", "path", dest, "err", err)
			d.telemetry.RecordSystemError("downloader", "remove_artifact")

			return failed(fetch.ReasonIntegrity, mismatch.Error()+"; artifact removal failed: "+err.Error())
		}

		return failed(fetch.ReasonIntegrity, mismatch.Error())
	}

	logger.Debug("checking for archive payload", "stage", StageExtracting)

	extractedPath, extracted, err := archive.MaybeExtract(ctx, dest)
	if err != nil {
		d.telemetry.RecordExtraction("failed")

		if ctx.Err() != nil {
			return failed(fetch.ReasonCancelled, "cancelled during extraction")
		}

		// The verified archive stays on disk for inspection.
		return failed(fetch.ReasonExtraction, err.Error())
	}

	if extracted {
		d.telemetry.RecordExtraction("extracted")
		event.Path = extractedPath

		return completed("transferred and extracted")
	}

	detail := "transferred"
	if result.Resumed {
		detail = "transferred (resumed)"
	}

	return completed(detail)
}

// record appends the event to the ledger and fans it out. Append failures
// are surfaced in logs and metrics but never change the outcome.
func (d *Downloader) record(ctx context.Context, event ledger.Event) {
	logger := logctx.LoggerFromContext(ctx)

	if d.ledger != nil {
		if err := d.ledger.Append(event); err != nil {
			logger.Error("failed to append ledger event", "err", err)
			d.telemetry.RecordSystemError("ledger", "append")
		}
	}

	d.telemetry.RecordFetch(event.Outcome, event.Reason, event.Duration)

	if d.OnEvent != nil {
		select {
		case d.OnEvent <- event:
		default:
			logger.Warn("event listener is saturated, dropping notification", "project", event.Project)
		}
	}

	logger.Info("record finished",
		"outcome", event.Outcome, "reason", event.Reason, "bytes", event.Bytes, "path", event.Path)
}

// destinationFor picks a destination that never collides with an existing
// artifact. Repositories reuse their directory so clones can update in
// place; files get a numeric suffix when the name is taken.
func (d *Downloader) destinationFor(record project.Record, kind project.TargetKind) string {
	name := artifactName(record, kind)

	dest := filepath.Join(d.downloadPath, name)
	if kind == project.RepositoryTarget {
		return dest
	}

	return uniquePath(dest)
}

func artifactName(record project.Record, kind project.TargetKind) string {
	parsed, err := url.Parse(record.URL)
	if err == nil {
		if base := path.Base(parsed.Path); base != "" && base != "/" && base != "." {
			name := base
			if kind == project.RepositoryTarget {
				name = strings.TrimSuffix(name, ".git")
			}

			return sanitizeName(name)
		}
	}

	return sanitizeName(record.Name)
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '\x00':
			return '_'
		default:
			return r
		}
	}, name)
}

// uniquePath appends _1, _2, ... before the extension until the path is
// free. A leftover temporary file at the same path means an interrupted
// transfer to resume, not a collision.
func uniquePath(dest string) string {
	if !exists(dest) {
		return dest
	}

	ext := extension(dest)
	stem := strings.TrimSuffix(dest, ext)

	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)

	return err == nil
}

// extension handles compound archive extensions so "tool.tar.gz" becomes
// "tool_1.tar.gz", not "tool.tar_1.gz".
func extension(p string) string {
	base := strings.ToLower(filepath.Base(p))

	for _, compound := range []string{".tar.gz", ".tar.bz2", ".tar.zst"} {
		if strings.HasSuffix(base, compound) {
			return p[len(p)-len(compound):]
		}
	}

	return filepath.Ext(p)
}

// Daemon repeatedly loads records from source and runs a pass every
// interval, pulling central records in first when a syncer is configured.
// A pass still running when the ticker fires causes that tick to be
// skipped. Returns when ctx is done.
func (d *Downloader) Daemon(ctx context.Context, interval time.Duration, source project.Source, syncer *project.Syncer, opts RunOptions) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("daemon started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.pass(ctx, source, syncer, opts)

		// A tick that fired while the pass ran is dropped, not queued:
		// without the drain a long pass would be followed immediately by
		// the next one instead of waiting out a fresh interval.
		select {
		case <-ticker.C:
		default:
		}

		select {
		case <-ctx.Done():
			logger.Info("daemon stopping")

			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Downloader) pass(ctx context.Context, source project.Source, syncer *project.Syncer, opts RunOptions) {
	logger := logctx.LoggerFromContext(ctx)

	if syncer != nil {
		// Central being down never blocks a pass over the local list.
		if _, err := syncer.Sync(ctx); err != nil {
			logger.Error("central sync failed, continuing with local records", "err", err)
			d.telemetry.RecordSystemError("downloader", "central_sync")
		}
	}

	records, err := source.Load(ctx)
	if err != nil {
		logger.Error("failed to load records, skipping pass", "err", err)
		d.telemetry.RecordSystemError("downloader", "load_records")

		return
	}

	if _, err := d.ProcessAll(ctx, records, opts); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			logger.Warn("previous pass still running, skipping tick")

			return
		}

		logger.Error("pass failed", "err", err)
	}
}
