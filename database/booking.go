package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/lessonbook/lessonbook/internal/apierror"
	"github.com/lessonbook/lessonbook/model"
)

// CreateBooking persists the resource aggregate and appends any outbox events
// in the same transaction.
func (d Datasource) CreateBooking(ctx context.Context, b *model.Booking, outbox ...*model.OutboxEvent) (*model.Booking, error) {
	ctx, span := otel.Tracer("booking.datasource").Start(ctx, "Saving booking to db")
	defer span.End()

	if b.ResourceID == "" {
		b.ResourceID = model.ResourceID(GenerateUUIDWithSuffix("res"))
	}
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt

	participants, err := json.Marshal(b.Participants)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal participants", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO lessonbook.bookings(resource_id,saga_id,type,subject_id,participants,time_slot,status,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ResourceID, b.SagaID, b.Type, b.SubjectID, participants, nullString(b.TimeSlot), b.Status, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record booking", err)
	}

	if err := appendOutboxTx(ctx, tx, outbox...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit booking", err)
	}
	return b, nil
}

func (d Datasource) GetBooking(ctx context.Context, resourceID model.ResourceID) (*model.Booking, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT resource_id, saga_id, type, subject_id, participants, time_slot, status, created_at, updated_at
		FROM lessonbook.bookings
		WHERE resource_id = $1
	`, resourceID)

	b, err := scanBooking(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Booking with ID '%s' not found", resourceID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve booking", err)
	}
	return b, nil
}

// GetBookingBySagaID resolves the booking a saga created, if any. Used to
// short-circuit duplicate CreateResource commands.
func (d Datasource) GetBookingBySagaID(ctx context.Context, sagaID model.SagaID) (*model.Booking, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT resource_id, saga_id, type, subject_id, participants, time_slot, status, created_at, updated_at
		FROM lessonbook.bookings
		WHERE saga_id = $1
	`, sagaID)

	b, err := scanBooking(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No booking found for saga '%s'", sagaID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve booking", err)
	}
	return b, nil
}

// UpdateBookingStatus moves a booking between statuses with the same
// compare-and-set guard the payment table uses.
func (d Datasource) UpdateBookingStatus(ctx context.Context, resourceID model.ResourceID, from, to model.BookingStatus) error {
	if !from.CanTransitionTo(to) {
		return apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("Booking cannot move from %s to %s", from, to), nil)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE lessonbook.bookings
		SET status = $3, updated_at = NOW()
		WHERE resource_id = $1 AND status = $2
	`, resourceID, from, to)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update booking status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Booking '%s' is no longer %s", resourceID, from), nil)
	}
	return nil
}

// ReserveSlot attempts to hold a calendar slot and, in the same transaction,
// appends exactly one of the two outcome events. The unique constraint on
// (subject_id, time_slot) decides the race: the insert either lands, in which
// case the confirmed event is appended, or collides, in which case the
// rejected event is appended instead. The delivery's idempotency key is
// claimed in the same transaction as the outcome, so a transient failure
// rolls both back and the redelivery is processed fresh; a duplicate
// delivery gets ErrConflict. Returns whether the hold was taken.
func (d Datasource) ReserveSlot(ctx context.Context, idempotencyKey string, slot *model.AvailabilitySlot, confirmed, rejected *model.OutboxEvent) (bool, error) {
	ctx, span := otel.Tracer("availability.datasource").Start(ctx, "Reserving availability slot")
	defer span.End()

	if slot.SlotID == "" {
		slot.SlotID = GenerateUUIDWithSuffix("slot")
	}
	slot.Status = model.SlotStatusHeld
	slot.CreatedAt = time.Now().UTC()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	fresh, err := claimKeyTx(ctx, tx, idempotencyKey)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, apierror.NewAPIError(apierror.ErrConflict, "Duplicate availability delivery already applied", nil)
	}

	reserved := true
	_, err = tx.ExecContext(ctx,
		`INSERT INTO lessonbook.availability_slots(slot_id,subject_id,time_slot,saga_id,status,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		slot.SlotID, slot.SubjectID, slot.TimeSlot, slot.SagaID, slot.Status, slot.CreatedAt,
	)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if !ok || pqErr.Code != "23505" {
			return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reserve slot", err)
		}
		// Unique violation aborts the transaction, which also discards the
		// key claim; restart it so the rejected event and the claim are
		// still recorded atomically.
		_ = tx.Rollback()
		tx, err = d.Conn.BeginTx(ctx, nil)
		if err != nil {
			return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
		}
		fresh, err = claimKeyTx(ctx, tx, idempotencyKey)
		if err != nil {
			return false, err
		}
		if !fresh {
			return false, apierror.NewAPIError(apierror.ErrConflict, "Duplicate availability delivery already applied", nil)
		}
		reserved = false
	}

	outcome := confirmed
	if !reserved {
		outcome = rejected
	}
	if err := appendOutboxTx(ctx, tx, outcome); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit slot reservation", err)
	}
	return reserved, nil
}

// ReleaseSlot frees any hold a saga placed. Releasing a slot that was never
// held, or was already released, is a no-op so the compensation path stays
// idempotent.
func (d Datasource) ReleaseSlot(ctx context.Context, sagaID model.SagaID) error {
	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM lessonbook.availability_slots
		WHERE saga_id = $1 AND status = $2
	`, sagaID, model.SlotStatusHeld)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release slot", err)
	}
	return nil
}

// MarkSlotBooked promotes a saga's hold to a permanent booking.
func (d Datasource) MarkSlotBooked(ctx context.Context, sagaID model.SagaID) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE lessonbook.availability_slots
		SET status = $2
		WHERE saga_id = $1 AND status = $3
	`, sagaID, model.SlotStatusBooked, model.SlotStatusHeld)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark slot booked", err)
	}
	return nil
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	b := &model.Booking{}
	var participants []byte
	var timeSlot sql.NullString
	err := row.Scan(
		&b.ResourceID, &b.SagaID, &b.Type, &b.SubjectID, &participants, &timeSlot,
		&b.Status, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.TimeSlot = timeSlot.String
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &b.Participants); err != nil {
			return nil, err
		}
	}
	return b, nil
}
