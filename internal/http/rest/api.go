package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xeostudio/project_downloader/internal/downloader"
	"github.com/xeostudio/project_downloader/internal/ledger"
	"github.com/xeostudio/project_downloader/internal/logctx"
	"github.com/xeostudio/project_downloader/internal/project"
	"github.com/xeostudio/project_downloader/internal/validation"
)

const defaultEventLimit = 50

// CSVExporter is the optional ledger capability behind /events/export.
type CSVExporter interface {
	ExportCSV(w io.Writer) error
}

// APIHandler exposes the engine over HTTP: browsing records, triggering
// downloads, reading the ledger, and running validation passes.
type APIHandler struct {
	source    project.Source
	syncer    *project.Syncer
	engine    *downloader.Downloader
	events    ledger.Repository
	cache     *validation.Cache
	authToken string
}

func NewAPIHandler(source project.Source, syncer *project.Syncer, engine *downloader.Downloader,
	events ledger.Repository, cache *validation.Cache, authToken string,
) *APIHandler {
	return &APIHandler{
		source:    source,
		syncer:    syncer,
		engine:    engine,
		events:    events,
		cache:     cache,
		authToken: authToken,
	}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.authToken != "" {
		r.Use(h.bearerAuthMiddleware)
	}

	r.Get("/projects", h.HandleListProjects)
	r.Post("/projects/{name}/download", h.HandleDownload)
	r.Post("/download", h.HandleDownloadAll)
	r.Get("/validate", h.HandleValidate)
	r.Get("/events", h.HandleEvents)
	r.Get("/events/export", h.HandleEventsExport)
	r.Post("/sync", h.HandleSync)

	return r
}

// projectView is a record plus its cached validation state, when a fresh
// probe result exists. Listing never triggers live probes.
type projectView struct {
	project.Record
	Validation *validation.ProbeResult `json:"validation,omitempty"`
}

// HandleListProjects lists records, optionally filtered by ?q= against
// names and tags.
func (h *APIHandler) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.source.Load(r.Context())
	if err != nil {
		logger.Error("failed to load records", "err", err)
		http.Error(w, "failed to load records", http.StatusInternalServerError)

		return
	}

	query := r.URL.Query().Get("q")

	views := make([]projectView, 0, len(records))

	for _, record := range records {
		if query != "" && !record.Matches(query) {
			continue
		}

		view := projectView{Record: record}

		if h.cache != nil {
			if entry, fresh := h.cache.Peek(record.URL); fresh {
				result := entry.Result
				view.Validation = &result
			}
		}

		views = append(views, view)
	}

	writeJSON(w, r, map[string]any{"projects": views, "count": len(views)})
}

// HandleDownload runs the pipeline for a single named record. The terminal
// ledger event is the response body.
func (h *APIHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	name := chi.URLParam(r, "name")

	records, err := h.source.Load(r.Context())
	if err != nil {
		logger.Error("failed to load records", "err", err)
		http.Error(w, "failed to load records", http.StatusInternalServerError)

		return
	}

	var record *project.Record

	for i := range records {
		if records[i].Name == name {
			record = &records[i]

			break
		}
	}

	if record == nil {
		http.Error(w, "unknown project", http.StatusNotFound)

		return
	}

	opts := downloader.RunOptions{DryRun: parseBool(r.URL.Query().Get("dry_run"))}

	event := h.engine.Process(r.Context(), *record, opts)

	status := http.StatusOK
	if event.Outcome == ledger.OutcomeFailed {
		status = http.StatusBadGateway
	}

	writeJSONStatus(w, r, status, event)
}

// HandleDownloadAll runs a full pass over every record, optionally
// filtered by ?q=. A pass already in flight yields 409.
func (h *APIHandler) HandleDownloadAll(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.source.Load(r.Context())
	if err != nil {
		logger.Error("failed to load records", "err", err)
		http.Error(w, "failed to load records", http.StatusInternalServerError)

		return
	}

	if query := r.URL.Query().Get("q"); query != "" {
		filtered := records[:0]

		for _, record := range records {
			if record.Matches(query) {
				filtered = append(filtered, record)
			}
		}

		records = filtered
	}

	opts := downloader.RunOptions{DryRun: parseBool(r.URL.Query().Get("dry_run"))}

	summary, err := h.engine.ProcessAll(r.Context(), records, opts)
	if err != nil {
		if errors.Is(err, downloader.ErrPassInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)

			return
		}

		logger.Error("pass failed", "err", err)
		http.Error(w, "pass failed", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, summary)
}

// validationEntry is one row of the validation report.
type validationEntry struct {
	Name      string                 `json:"name"`
	URL       string                 `json:"url"`
	Result    validation.ProbeResult `json:"result"`
	CheckedAt time.Time              `json:"checked_at"`
}

// HandleValidate probes every record's URL through the reachability cache
// and reports the results without transferring anything.
func (h *APIHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if h.cache == nil {
		http.Error(w, "validation cache is disabled", http.StatusServiceUnavailable)

		return
	}

	records, err := h.source.Load(r.Context())
	if err != nil {
		logger.Error("failed to load records", "err", err)
		http.Error(w, "failed to load records", http.StatusInternalServerError)

		return
	}

	if query := r.URL.Query().Get("q"); query != "" {
		filtered := records[:0]

		for _, record := range records {
			if record.Matches(query) {
				filtered = append(filtered, record)
			}
		}

		records = filtered
	}

	report := make([]validationEntry, 0, len(records))
	reachable := 0

	for _, record := range records {
		entry, err := h.cache.Check(r.Context(), record.URL)
		if err != nil {
			logger.Error("failed to persist validation entry", "url", record.URL, "err", err)
		}

		if entry.Result.OK {
			reachable++
		}

		report = append(report, validationEntry{
			Name:      record.Name,
			URL:       record.URL,
			Result:    entry.Result,
			CheckedAt: entry.CheckedAt,
		})
	}

	writeJSON(w, r, map[string]any{
		"checked":   len(report),
		"reachable": reachable,
		"results":   report,
	})
}

// HandleEvents returns the most recent ledger events, newest first.
func (h *APIHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)

			return
		}

		limit = parsed
	}

	events, err := h.events.Recent(limit)
	if err != nil {
		logger.Error("failed to read ledger", "err", err)
		http.Error(w, "failed to read ledger", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, map[string]any{"events": events, "count": len(events)})
}

// HandleEventsExport streams the full ledger as CSV.
func (h *APIHandler) HandleEventsExport(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	exporter, ok := h.events.(CSVExporter)
	if !ok {
		http.Error(w, "export is not supported by this ledger", http.StatusNotImplemented)

		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)

	if err := exporter.ExportCSV(w); err != nil {
		logger.Error("failed to export ledger", "err", err)
	}
}

// HandleSync merges the central record list into the local one.
func (h *APIHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if h.syncer == nil {
		http.Error(w, "no central source configured", http.StatusServiceUnavailable)

		return
	}

	added, err := h.syncer.Sync(r.Context())
	if err != nil {
		logger.Error("sync failed", "err", err)
		http.Error(w, "sync failed", http.StatusBadGateway)

		return
	}

	writeJSON(w, r, map[string]any{"added": added})
}

func (h *APIHandler) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+h.authToken {
			http.Error(w, "invalid or missing token", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseBool(raw string) bool {
	parsed, err := strconv.ParseBool(raw)

	return err == nil && parsed
}

func writeJSON(w http.ResponseWriter, r *http.Request, payload any) {
	writeJSONStatus(w, r, http.StatusOK, payload)
}

func writeJSONStatus(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
