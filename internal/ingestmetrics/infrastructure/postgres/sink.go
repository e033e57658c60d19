package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"airwatch-ingest/internal/ingestmetrics"
)

const defaultEventsTable = "ingestion_events"

// EventSink writes ingestion events to Postgres.
type EventSink struct {
	db    *sql.DB
	table string
}

// NewEventSink constructs a sink.
func NewEventSink(db *sql.DB, opts ...Option) *EventSink {
	sink := &EventSink{db: db, table: defaultEventsTable}
	for _, opt := range opts {
		opt(sink)
	}
	return sink
}

// Option configures the sink.
type Option func(*EventSink)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(s *EventSink) {
		if table != "" {
			s.table = table
		}
	}
}

// WriteEvents inserts a batch in one transaction. Request ids are unique, so a
// batch re-sent after an ambiguous failure is not duplicated.
func (s *EventSink) WriteEvents(ctx context.Context, events []ingestmetrics.Event) error {
	if s == nil || s.db == nil {
		return errors.New("ingest events: nil db")
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	request_id, source, received_at, processing_ms, outcome,
	reject_reason, sensor_id, payload_size_bytes, duplicate
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (request_id) DO NOTHING`, s.table)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, event := range events {
		if _, err := stmt.ExecContext(
			ctx,
			event.RequestID,
			event.Source,
			event.ReceivedAt.UTC(),
			event.ProcessingDurationMs,
			string(event.Outcome),
			nullString(event.RejectReason),
			nullString(event.SensorID),
			event.PayloadSizeBytes,
			event.Duplicate,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
