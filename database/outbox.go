package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lessonbook/lessonbook/internal/apierror"
	"github.com/lessonbook/lessonbook/model"
)

// appendOutboxTx inserts outbox rows inside the caller's transaction. Every
// business write that announces itself goes through here, which is what makes
// "save state" and "announce state" atomic. An insert failure fails the whole
// transaction.
func appendOutboxTx(ctx context.Context, tx *sql.Tx, events ...*model.OutboxEvent) error {
	for _, event := range events {
		if event == nil {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO lessonbook.outbox_events(event_id,event_type,aggregate_type,aggregate_id,saga_id,payload,occurred_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			event.EventID, event.Type, event.AggregateType, event.AggregateID, nullString(string(event.SagaID)), []byte(event.Detail), event.OccurredAt,
		)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to append outbox event", err)
		}
	}
	return nil
}

// AppendOutboxEvent appends a single event outside of a larger business
// write. Used for messages with no accompanying state change.
func (d Datasource) AppendOutboxEvent(ctx context.Context, event *model.OutboxEvent) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := appendOutboxTx(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit outbox event", err)
	}
	return nil
}

// FetchPendingOutboxEvents returns undispatched, non-dead-lettered rows in
// occurrence order. The publisher holds a redis leader lock, so a plain
// select is enough; horizontal scaling beyond that would add
// FOR UPDATE SKIP LOCKED row claiming here.
func (d Datasource) FetchPendingOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	ctx, span := otel.Tracer("outbox.datasource").Start(ctx, "Fetching pending outbox events")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_id, event_type, aggregate_type, aggregate_id, saga_id, payload, occurred_at, dispatched_at, dispatch_attempts, dead_lettered, last_error
		FROM lessonbook.outbox_events
		WHERE dispatched_at IS NULL AND dead_lettered = FALSE
		ORDER BY occurred_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch pending outbox events", err)
	}
	defer rows.Close()

	return scanOutboxEvents(rows)
}

// MarkOutboxDispatched stamps a row as handed off to the bus. It is
// idempotent: marking an already-dispatched row is a no-op, which the
// publisher relies on after crash-recovery republishes.
func (d Datasource) MarkOutboxDispatched(ctx context.Context, eventID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE lessonbook.outbox_events
		SET dispatched_at = NOW()
		WHERE event_id = $1 AND dispatched_at IS NULL
	`, eventID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark outbox event dispatched", err)
	}
	return nil
}

// RecordDispatchFailure bumps the attempt counter and keeps the row pending
// for the next poll.
func (d Datasource) RecordDispatchFailure(ctx context.Context, eventID string, lastError string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE lessonbook.outbox_events
		SET dispatch_attempts = dispatch_attempts + 1, last_error = $2
		WHERE event_id = $1
	`, eventID, lastError)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record dispatch failure", err)
	}
	return nil
}

// MarkOutboxDeadLettered parks a row after the attempt ceiling. Dead letters
// are never deleted automatically; an operator decides what happens to them.
func (d Datasource) MarkOutboxDeadLettered(ctx context.Context, eventID string, lastError string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE lessonbook.outbox_events
		SET dead_lettered = TRUE, dispatch_attempts = dispatch_attempts + 1, last_error = $2
		WHERE event_id = $1
	`, eventID, lastError)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to dead-letter outbox event", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Outbox event '%s' not found", eventID), nil)
	}
	return nil
}

func (d Datasource) GetDeadLetteredOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_id, event_type, aggregate_type, aggregate_id, saga_id, payload, occurred_at, dispatched_at, dispatch_attempts, dead_lettered, last_error
		FROM lessonbook.outbox_events
		WHERE dead_lettered = TRUE
		ORDER BY occurred_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch dead-lettered outbox events", err)
	}
	defer rows.Close()

	return scanOutboxEvents(rows)
}

// GetDispatchedOutboxEventsBefore returns dispatched rows older than the
// cutoff, for archival ahead of pruning.
func (d Datasource) GetDispatchedOutboxEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.OutboxEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_id, event_type, aggregate_type, aggregate_id, saga_id, payload, occurred_at, dispatched_at, dispatch_attempts, dead_lettered, last_error
		FROM lessonbook.outbox_events
		WHERE dispatched_at IS NOT NULL AND dispatched_at < $1
		ORDER BY dispatched_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch dispatched outbox events", err)
	}
	defer rows.Close()

	return scanOutboxEvents(rows)
}

// PruneOutboxEvents deletes dispatched rows older than the cutoff. Pending
// and dead-lettered rows are never pruned.
func (d Datasource) PruneOutboxEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM lessonbook.outbox_events
		WHERE dispatched_at IS NOT NULL AND dispatched_at < $1
	`, cutoff)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to prune outbox events", err)
	}
	return result.RowsAffected()
}

func scanOutboxEvents(rows *sql.Rows) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	for rows.Next() {
		event := &model.OutboxEvent{}
		var sagaID, lastError sql.NullString
		var payload []byte
		var dispatchedAt sql.NullTime
		err := rows.Scan(
			&event.EventID, &event.Type, &event.AggregateType, &event.AggregateID, &sagaID,
			&payload, &event.OccurredAt, &dispatchedAt, &event.DispatchAttempts, &event.DeadLettered, &lastError,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox event", err)
		}
		event.SagaID = model.SagaID(sagaID.String)
		event.LastError = lastError.String
		event.Detail = payload
		if dispatchedAt.Valid {
			event.DispatchedAt = &dispatchedAt.Time
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating outbox events", err)
	}
	return events, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
