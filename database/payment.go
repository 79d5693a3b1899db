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

// RecordPayment persists a new payment row.
func (d Datasource) RecordPayment(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	ctx, span := otel.Tracer("payment.datasource").Start(ctx, "Saving payment to db")
	defer span.End()

	if p.PaymentID == "" {
		p.PaymentID = model.PaymentID(GenerateUUIDWithSuffix("pay"))
	}
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO lessonbook.payments(payment_id,saga_id,payer_id,amount,currency,context,context_id,status,provider_intent_id,failure_reason,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.PaymentID, p.SagaID, p.PayerID, p.Amount, p.Currency, p.Context, p.ContextID, p.Status, nullString(p.ProviderIntentID), nullString(p.FailureReason), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record payment", err)
	}
	return p, nil
}

func (d Datasource) GetPayment(ctx context.Context, paymentID model.PaymentID) (*model.Payment, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT payment_id, saga_id, payer_id, amount, currency, context, context_id, status, provider_intent_id, failure_reason, created_at, updated_at
		FROM lessonbook.payments
		WHERE payment_id = $1
	`, paymentID)

	p, err := scanPayment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payment with ID '%s' not found", paymentID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment", err)
	}
	return p, nil
}

func (d Datasource) GetPaymentBySagaID(ctx context.Context, sagaID model.SagaID) (*model.Payment, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT payment_id, saga_id, payer_id, amount, currency, context, context_id, status, provider_intent_id, failure_reason, created_at, updated_at
		FROM lessonbook.payments
		WHERE saga_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, sagaID)

	p, err := scanPayment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No payment found for saga '%s'", sagaID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment", err)
	}
	return p, nil
}

// GetPaymentByProviderIntent resolves a provider webhook back to our payment.
func (d Datasource) GetPaymentByProviderIntent(ctx context.Context, providerIntentID string) (*model.Payment, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT payment_id, saga_id, payer_id, amount, currency, context, context_id, status, provider_intent_id, failure_reason, created_at, updated_at
		FROM lessonbook.payments
		WHERE provider_intent_id = $1
	`, providerIntentID)

	p, err := scanPayment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No payment found for provider intent '%s'", providerIntentID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment", err)
	}
	return p, nil
}

// TransitionPayment moves a payment between statuses and appends any outbox
// events in the same transaction. The WHERE status = $from guard makes the
// forward-only rule a database fact: a duplicate webhook that already lost the
// race updates zero rows and surfaces as ErrConflict. The idempotency key is
// claimed in the same transaction as the status update, so a rollback on a
// transient error releases the key and the delivery stays retryable.
func (d Datasource) TransitionPayment(ctx context.Context, idempotencyKey string, paymentID model.PaymentID, from, to model.PaymentStatus, providerIntentID, failureReason string, outbox ...*model.OutboxEvent) error {
	ctx, span := otel.Tracer("payment.datasource").Start(ctx, "Transitioning payment status")
	defer span.End()

	if !from.CanTransitionTo(to) {
		return apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("Payment cannot move from %s to %s", from, to), nil)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	fresh, err := claimKeyTx(ctx, tx, idempotencyKey)
	if err != nil {
		return err
	}
	if !fresh {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Duplicate delivery for payment '%s' already applied", paymentID), nil)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE lessonbook.payments
		SET status = $3,
			provider_intent_id = COALESCE(NULLIF($4, ''), provider_intent_id),
			failure_reason = COALESCE(NULLIF($5, ''), failure_reason),
			updated_at = NOW()
		WHERE payment_id = $1 AND status = $2
	`, paymentID, from, to, providerIntentID, failureReason)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to transition payment", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Payment '%s' is no longer %s", paymentID, from), nil)
	}

	if err := appendOutboxTx(ctx, tx, outbox...); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit payment transition", err)
	}
	return nil
}

func scanPayment(row rowScanner) (*model.Payment, error) {
	p := &model.Payment{}
	var providerIntentID, failureReason sql.NullString
	err := row.Scan(
		&p.PaymentID, &p.SagaID, &p.PayerID, &p.Amount, &p.Currency, &p.Context, &p.ContextID,
		&p.Status, &providerIntentID, &failureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ProviderIntentID = providerIntentID.String
	p.FailureReason = failureReason.String
	return p, nil
}
