package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lessonbook/lessonbook/internal/apierror"
	"github.com/lessonbook/lessonbook/model"

	_ "github.com/lib/pq"
)

// CreateSagaInstance persists a new saga and appends its first command(s) to
// the outbox in the same transaction, so a saga can never exist without its
// opening command or vice versa. The idempotency key is claimed inside the
// same transaction: a failure anywhere before commit rolls the claim back
// too, so a client retry after a transient error is not mistaken for a
// duplicate. A genuine duplicate gets ErrConflict.
func (d Datasource) CreateSagaInstance(ctx context.Context, idempotencyKey string, instance *model.SagaInstance, commands ...*model.OutboxEvent) (*model.SagaInstance, error) {
	ctx, span := otel.Tracer("saga.datasource").Start(ctx, "Saving saga instance to db")
	defer span.End()

	if instance.SagaID == "" {
		instance.SagaID = model.SagaID(GenerateUUIDWithSuffix("saga"))
	}
	instance.CreatedAt = time.Now().UTC()
	instance.UpdatedAt = instance.CreatedAt
	instance.Version = 1

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	fresh, err := claimKeyTx(ctx, tx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Duplicate request, saga already initiated for this idempotency key", nil)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO lessonbook.saga_instances(saga_id,type,subject_id,initiator_id,current_state,amount,currency,time_slot,attempt_count,version,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		instance.SagaID, instance.Type, instance.SubjectID, instance.InitiatorID, instance.CurrentState, instance.Amount, instance.Currency, instance.TimeSlot, instance.AttemptCount, instance.Version, instance.CreatedAt, instance.UpdatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record saga instance", err)
	}

	if err := appendOutboxTx(ctx, tx, commands...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit saga instance", err)
	}
	return instance, nil
}

func (d Datasource) GetSagaInstance(ctx context.Context, sagaID model.SagaID) (*model.SagaInstance, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT saga_id, type, subject_id, initiator_id, current_state, payment_id, resource_id, failure_reason, amount, currency, time_slot, attempt_count, version, created_at, updated_at, completed_at
		FROM lessonbook.saga_instances
		WHERE saga_id = $1
	`, sagaID)

	instance, err := scanSagaInstance(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Saga with ID '%s' not found", sagaID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve saga instance", err)
	}
	return instance, nil
}

func (d Datasource) GetSagaInstancesByState(ctx context.Context, state model.SagaState, limit int) ([]*model.SagaInstance, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT saga_id, type, subject_id, initiator_id, current_state, payment_id, resource_id, failure_reason, amount, currency, time_slot, attempt_count, version, created_at, updated_at, completed_at
		FROM lessonbook.saga_instances
		WHERE current_state = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve saga instances", err)
	}
	defer rows.Close()

	return scanSagaInstances(rows)
}

// GetStuckSagas returns non-terminal instances that have made no progress
// since olderThan. The reconcile sweep uses this as its work list.
func (d Datasource) GetStuckSagas(ctx context.Context, state model.SagaState, olderThan time.Time, limit int) ([]*model.SagaInstance, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT saga_id, type, subject_id, initiator_id, current_state, payment_id, resource_id, failure_reason, amount, currency, time_slot, attempt_count, version, created_at, updated_at, completed_at
		FROM lessonbook.saga_instances
		WHERE current_state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, state, olderThan, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck sagas", err)
	}
	defer rows.Close()

	return scanSagaInstances(rows)
}

// TransitionSaga advances a saga instance under optimistic concurrency and
// appends any outbox events in the same transaction. The version check means
// at most one handler wins when two deliveries race; the loser gets
// ErrConflict and re-reads.
func (d Datasource) TransitionSaga(ctx context.Context, sagaID model.SagaID, fromVersion int64, transition model.SagaTransition, outbox ...*model.OutboxEvent) error {
	ctx, span := otel.Tracer("saga.datasource").Start(ctx, "Transitioning saga instance")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE lessonbook.saga_instances
		SET current_state = $2,
			payment_id = COALESCE($3, payment_id),
			resource_id = COALESCE($4, resource_id),
			failure_reason = COALESCE($5, failure_reason),
			completed_at = CASE WHEN $6 THEN NOW() ELSE completed_at END,
			version = version + 1,
			updated_at = NOW()
		WHERE saga_id = $1 AND version = $7
	`, sagaID, transition.ToState, transition.PaymentID, transition.ResourceID, transition.FailureReason, transition.Complete, fromVersion)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to transition saga", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Saga '%s' was advanced concurrently", sagaID), nil)
	}

	if err := appendOutboxTx(ctx, tx, outbox...); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit saga transition", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSagaInstance(row rowScanner) (*model.SagaInstance, error) {
	instance := &model.SagaInstance{}
	var paymentID, resourceID, failureReason, timeSlot sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&instance.SagaID, &instance.Type, &instance.SubjectID, &instance.InitiatorID, &instance.CurrentState,
		&paymentID, &resourceID, &failureReason, &instance.Amount, &instance.Currency, &timeSlot,
		&instance.AttemptCount, &instance.Version, &instance.CreatedAt, &instance.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	instance.PaymentID = model.PaymentID(paymentID.String)
	instance.ResourceID = model.ResourceID(resourceID.String)
	instance.FailureReason = failureReason.String
	instance.TimeSlot = timeSlot.String
	if completedAt.Valid {
		instance.CompletedAt = &completedAt.Time
	}
	return instance, nil
}

func scanSagaInstances(rows *sql.Rows) ([]*model.SagaInstance, error) {
	var instances []*model.SagaInstance
	for rows.Next() {
		instance, err := scanSagaInstance(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan saga instance", err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating saga instances", err)
	}
	return instances, nil
}
