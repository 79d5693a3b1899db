package database

import (
	"context"
	"time"

	"github.com/lessonbook/lessonbook/model"
)

// IDataSource aggregates all repository contracts the services depend on.
type IDataSource interface {
	saga
	outbox
	payment
	booking
	availability
	idempotency
}

type saga interface {
	CreateSagaInstance(ctx context.Context, idempotencyKey string, instance *model.SagaInstance, commands ...*model.OutboxEvent) (*model.SagaInstance, error)
	GetSagaInstance(ctx context.Context, sagaID model.SagaID) (*model.SagaInstance, error)
	GetSagaInstancesByState(ctx context.Context, state model.SagaState, limit int) ([]*model.SagaInstance, error)
	GetStuckSagas(ctx context.Context, state model.SagaState, olderThan time.Time, limit int) ([]*model.SagaInstance, error)
	TransitionSaga(ctx context.Context, sagaID model.SagaID, fromVersion int64, transition model.SagaTransition, outbox ...*model.OutboxEvent) error
}

type outbox interface {
	AppendOutboxEvent(ctx context.Context, event *model.OutboxEvent) error
	FetchPendingOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	MarkOutboxDispatched(ctx context.Context, eventID string) error
	RecordDispatchFailure(ctx context.Context, eventID string, lastError string) error
	MarkOutboxDeadLettered(ctx context.Context, eventID string, lastError string) error
	GetDeadLetteredOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	GetDispatchedOutboxEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.OutboxEvent, error)
	PruneOutboxEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

type payment interface {
	RecordPayment(ctx context.Context, p *model.Payment) (*model.Payment, error)
	GetPayment(ctx context.Context, paymentID model.PaymentID) (*model.Payment, error)
	GetPaymentBySagaID(ctx context.Context, sagaID model.SagaID) (*model.Payment, error)
	GetPaymentByProviderIntent(ctx context.Context, providerIntentID string) (*model.Payment, error)
	TransitionPayment(ctx context.Context, idempotencyKey string, paymentID model.PaymentID, from, to model.PaymentStatus, providerIntentID, failureReason string, outbox ...*model.OutboxEvent) error
}

type booking interface {
	CreateBooking(ctx context.Context, b *model.Booking, outbox ...*model.OutboxEvent) (*model.Booking, error)
	GetBooking(ctx context.Context, resourceID model.ResourceID) (*model.Booking, error)
	GetBookingBySagaID(ctx context.Context, sagaID model.SagaID) (*model.Booking, error)
	UpdateBookingStatus(ctx context.Context, resourceID model.ResourceID, from, to model.BookingStatus) error
}

type availability interface {
	ReserveSlot(ctx context.Context, idempotencyKey string, slot *model.AvailabilitySlot, confirmed, rejected *model.OutboxEvent) (bool, error)
	ReleaseSlot(ctx context.Context, sagaID model.SagaID) error
	MarkSlotBooked(ctx context.Context, sagaID model.SagaID) error
}

type idempotency interface {
	CheckAndRecordKey(ctx context.Context, key string) (bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
	PruneIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error)
}
