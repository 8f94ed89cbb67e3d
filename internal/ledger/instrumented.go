package ledger

import (
	"context"
	"database/sql"
	"io"

	"github.com/xeostudio/project_downloader/internal/telemetry"
)

// InstrumentedEventRepository wraps EventRepository with telemetry.
type InstrumentedEventRepository struct {
	repo      *EventRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedEventRepository creates a new instrumented event repository.
func NewInstrumentedEventRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedEventRepository {
	return &InstrumentedEventRepository{
		repo:      NewEventRepository(dbConn),
		telemetry: tel,
	}
}

// Append records one terminal event with telemetry.
func (r *InstrumentedEventRepository) Append(event Event) error {
	return r.telemetry.InstrumentLedgerOp(context.Background(), "append", func(ctx context.Context) error {
		return r.repo.Append(event)
	})
}

// Recent returns the newest events with telemetry.
func (r *InstrumentedEventRepository) Recent(limit int) ([]Event, error) {
	var result []Event

	instrumentedErr := r.telemetry.InstrumentLedgerOp(context.Background(), "recent", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Recent(limit)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// ExportCSV streams the ledger as CSV with telemetry.
func (r *InstrumentedEventRepository) ExportCSV(w io.Writer) error {
	return r.telemetry.InstrumentLedgerOp(context.Background(), "export_csv", func(ctx context.Context) error {
		return r.repo.ExportCSV(w)
	})
}
