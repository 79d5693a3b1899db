package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lessonbook/lessonbook/internal/apierror"
)

// claimKeyTx records an idempotency key inside the caller's transaction, so
// the claim commits or rolls back together with the side effect it guards. A
// transient failure after the claim therefore leaves the key unrecorded and
// the delivery retryable. Returns false when a previous delivery already
// owns the key. An empty key means the caller has no dedup requirement and
// the claim is a no-op.
func claimKeyTx(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO lessonbook.idempotency_keys (key, recorded_at)
		VALUES ($1, NOW())
		ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record idempotency key", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected == 1, nil
}

// CheckAndRecordKey records an idempotency key with a single conditional
// insert. Returns true when the key is new and the caller owns the side
// effect, false when a previous delivery already claimed it. There is no
// separate read: check and record are one statement, so two concurrent
// deliveries cannot both see "new".
func (d Datasource) CheckAndRecordKey(ctx context.Context, key string) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO lessonbook.idempotency_keys (key, recorded_at)
		VALUES ($1, NOW())
		ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record idempotency key", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected == 1, nil
}

// DeleteIdempotencyKey releases a previously claimed key. Used by callers
// whose guarded side effect lives outside the database (a provider call) and
// failed transiently, so a redelivery can claim the key again.
func (d Datasource) DeleteIdempotencyKey(ctx context.Context, key string) error {
	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM lessonbook.idempotency_keys
		WHERE key = $1
	`, key)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release idempotency key", err)
	}
	return nil
}

// PruneIdempotencyKeys deletes keys recorded before the cutoff. Retention only
// needs to outlive the bus's maximum redelivery horizon.
func (d Datasource) PruneIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM lessonbook.idempotency_keys
		WHERE recorded_at < $1
	`, cutoff)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to prune idempotency keys", err)
	}
	return result.RowsAffected()
}
