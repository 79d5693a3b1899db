/*
Copyright 2025 Lessonbook Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lessonbook

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel"

	"github.com/lessonbook/lessonbook/config"
	"github.com/lessonbook/lessonbook/internal/apierror"
	"github.com/lessonbook/lessonbook/internal/notification"
	"github.com/lessonbook/lessonbook/model"
)

const statusCacheTTL = 5 * time.Minute

// InitiateBooking starts a session-booking saga. The instance and its opening
// CheckAvailability command are persisted in one transaction; conceptually the
// saga is born INITIATED and advances to AWAITING_AVAILABILITY the moment the
// command is issued, which here is the same moment.
func (l *Lessonbook) InitiateBooking(ctx context.Context, initiatorID model.InitiatorID, tutorID model.SubjectID, timeSlot string, amount decimal.Decimal, currency, idempotencyKey string) (*model.SagaInstance, error) {
	return l.initiateSaga(ctx, model.SagaTypeSessionBooking, initiatorID, tutorID, timeSlot, amount, currency, idempotencyKey)
}

// InitiateEnrollment starts a course-enrollment saga. The time slot carries
// the course term so the availability service can enforce seat capacity with
// the same conditional write it uses for calendar slots.
func (l *Lessonbook) InitiateEnrollment(ctx context.Context, initiatorID model.InitiatorID, courseID model.SubjectID, term string, amount decimal.Decimal, currency, idempotencyKey string) (*model.SagaInstance, error) {
	return l.initiateSaga(ctx, model.SagaTypeCourseEnrollment, initiatorID, courseID, term, amount, currency, idempotencyKey)
}

func (l *Lessonbook) initiateSaga(ctx context.Context, sagaType model.SagaType, initiatorID model.InitiatorID, subjectID model.SubjectID, timeSlot string, amount decimal.Decimal, currency, idempotencyKey string) (*model.SagaInstance, error) {
	ctx, span := otel.Tracer("saga.orchestrator").Start(ctx, "Initiating saga")
	defer span.End()

	if !amount.IsPositive() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Amount must be greater than zero", model.ErrInvalidAmount)
	}

	instance := &model.SagaInstance{
		SagaID:       model.NewSagaID(),
		Type:         sagaType,
		SubjectID:    subjectID,
		InitiatorID:  initiatorID,
		CurrentState: model.SagaStateAwaitingAvailability,
		Amount:       amount,
		Currency:     currency,
		TimeSlot:     timeSlot,
	}

	cmd, err := commandEvent(model.CommandCheckAvailability, instance.SagaID, model.AvailabilityDetail{
		SubjectID: subjectID,
		TimeSlot:  timeSlot,
	})
	if err != nil {
		return nil, err
	}

	// The key is claimed inside the create transaction. A transient failure
	// rolls the claim back with everything else, so the client can safely
	// retry with the same key.
	var dedupKey string
	if idempotencyKey != "" {
		dedupKey = "initiate:" + idempotencyKey
	}
	instance, err = l.datasource.CreateSagaInstance(ctx, dedupKey, instance, cmd)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"saga_id": instance.SagaID, "type": sagaType}).Info("saga initiated")
	return instance, nil
}

// GetSagaStatus returns the client-facing status view, served from cache when
// possible. Transitions invalidate the cached entry, so staleness is bounded
// by the TTL even when an invalidation is lost.
func (l *Lessonbook) GetSagaStatus(ctx context.Context, sagaID model.SagaID) (*model.SagaStatus, error) {
	var status model.SagaStatus
	if l.cache != nil {
		if err := l.cache.Get(ctx, statusCacheKey(sagaID), &status); err == nil && status.SagaID != "" {
			return &status, nil
		}
	}

	instance, err := l.datasource.GetSagaInstance(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	view := instance.Status()
	if l.cache != nil {
		if err := l.cache.Set(ctx, statusCacheKey(sagaID), view, statusCacheTTL); err != nil {
			logrus.WithError(err).Warn("failed to cache saga status")
		}
	}
	return view, nil
}

// GetSagaInstance returns the full audit record of a saga.
func (l *Lessonbook) GetSagaInstance(ctx context.Context, sagaID model.SagaID) (*model.SagaInstance, error) {
	return l.datasource.GetSagaInstance(ctx, sagaID)
}

// ListSagasByState returns recent instances in a given state, newest first.
func (l *Lessonbook) ListSagasByState(ctx context.Context, state model.SagaState, limit int) ([]*model.SagaInstance, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.datasource.GetSagaInstancesByState(ctx, state, limit)
}

// HandleAvailabilityConfirmed advances AWAITING_AVAILABILITY to
// AWAITING_PAYMENT and issues CreatePaymentIntent. A delivery that arrives
// after the saga has already moved on is a no-op.
func (l *Lessonbook) HandleAvailabilityConfirmed(ctx context.Context, event *model.Event) error {
	saga, done, err := l.loadSagaForEvent(ctx, event, model.SagaStateAwaitingAvailability)
	if done || err != nil {
		return err
	}

	cmd, err := commandEvent(model.CommandCreatePaymentIntent, saga.SagaID, model.PaymentDetail{
		PayerID:   saga.InitiatorID,
		Amount:    saga.Amount,
		Currency:  saga.Currency,
		Context:   saga.Type,
		ContextID: string(saga.SagaID),
	})
	if err != nil {
		return err
	}

	return l.transition(ctx, saga, model.SagaTransition{ToState: model.SagaStateAwaitingPayment}, cmd)
}

// HandleAvailabilityRejected fails the saga. Nothing to compensate: no money
// moved and no slot is held.
func (l *Lessonbook) HandleAvailabilityRejected(ctx context.Context, event *model.Event) error {
	saga, done, err := l.loadSagaForEvent(ctx, event, model.SagaStateAwaitingAvailability)
	if done || err != nil {
		return err
	}

	var detail model.AvailabilityDetail
	if err := event.DecodeDetail(&detail); err != nil {
		return err
	}
	reason := detail.Reason
	if reason == "" {
		reason = "requested slot is not available"
	}

	return l.transition(ctx, saga, model.SagaTransition{
		ToState:       model.SagaStateFailed,
		FailureReason: ptr.String(reason),
		Complete:      true,
	})
}

// HandlePaymentSucceeded advances AWAITING_PAYMENT to
// AWAITING_RESOURCE_CREATION and issues CreateResource.
//
// Two deviations from the happy path matter here. If the saga is still in
// AWAITING_AVAILABILITY the event arrived ahead of AvailabilityConfirmed;
// the handler returns an error so the bus redelivers after the ordering
// resolves itself. If the saga already failed (a timeout sweep won the race
// against a slow provider), the money must go back: a RefundPayment command
// is issued even though the saga stays FAILED.
func (l *Lessonbook) HandlePaymentSucceeded(ctx context.Context, event *model.Event) error {
	saga, err := l.datasource.GetSagaInstance(ctx, event.SagaID)
	if err != nil {
		return err
	}

	var detail model.PaymentDetail
	if err := event.DecodeDetail(&detail); err != nil {
		return err
	}

	switch saga.CurrentState {
	case model.SagaStateAwaitingPayment:
		// fall through to the transition below
	case model.SagaStateAwaitingAvailability:
		return fmt.Errorf("payment succeeded for saga %s still awaiting availability, retrying later", saga.SagaID)
	case model.SagaStateFailed:
		logrus.WithField("saga_id", saga.SagaID).Warn("payment succeeded after saga failure, refunding")
		cmd, err := commandEvent(model.CommandRefundPayment, saga.SagaID, detail)
		if err != nil {
			return err
		}
		return l.datasource.AppendOutboxEvent(ctx, cmd)
	default:
		l.logStaleEvent(event, saga)
		return nil
	}

	cmd, err := commandEvent(model.CommandCreateResource, saga.SagaID, model.ResourceDetail{
		Type:        saga.Type,
		SubjectID:   saga.SubjectID,
		InitiatorID: saga.InitiatorID,
		TimeSlot:    saga.TimeSlot,
	})
	if err != nil {
		return err
	}

	transition := model.SagaTransition{ToState: model.SagaStateAwaitingResource}
	if detail.PaymentID != "" {
		pid := detail.PaymentID
		transition.PaymentID = &pid
	}
	return l.transition(ctx, saga, transition, cmd)
}

// HandlePaymentFailed fails the saga and releases the slot hold. The payment
// never settled, so there is nothing to refund.
func (l *Lessonbook) HandlePaymentFailed(ctx context.Context, event *model.Event) error {
	saga, done, err := l.loadSagaForEvent(ctx, event, model.SagaStateAwaitingPayment)
	if done || err != nil {
		return err
	}

	var detail model.PaymentDetail
	if err := event.DecodeDetail(&detail); err != nil {
		return err
	}
	reason := detail.Reason
	if reason == "" {
		reason = "payment failed"
	}

	release, err := commandEvent(model.CommandReleaseSlot, saga.SagaID, model.AvailabilityDetail{
		SubjectID: saga.SubjectID,
		TimeSlot:  saga.TimeSlot,
	})
	if err != nil {
		return err
	}

	return l.transition(ctx, saga, model.SagaTransition{
		ToState:       model.SagaStateFailed,
		FailureReason: ptr.String(reason),
		Complete:      true,
	}, release)
}

// HandleResourceCreated confirms the saga and promotes the slot hold to a
// permanent booking.
func (l *Lessonbook) HandleResourceCreated(ctx context.Context, event *model.Event) error {
	saga, done, err := l.loadSagaForEvent(ctx, event, model.SagaStateAwaitingResource)
	if done || err != nil {
		return err
	}

	var detail model.ResourceDetail
	if err := event.DecodeDetail(&detail); err != nil {
		return err
	}

	transition := model.SagaTransition{ToState: model.SagaStateConfirmed, Complete: true}
	if detail.ResourceID != "" {
		rid := detail.ResourceID
		transition.ResourceID = &rid
	}
	if err := l.transition(ctx, saga, transition); err != nil {
		return err
	}

	if err := l.datasource.MarkSlotBooked(ctx, saga.SagaID); err != nil {
		logrus.WithError(err).WithField("saga_id", saga.SagaID).Error("failed to mark slot booked")
	}
	return nil
}

// HandleResourceCreationFailed starts compensation: the payment settled but
// the resource never materialized, so the money goes back and the slot is
// freed.
func (l *Lessonbook) HandleResourceCreationFailed(ctx context.Context, event *model.Event) error {
	saga, done, err := l.loadSagaForEvent(ctx, event, model.SagaStateAwaitingResource)
	if done || err != nil {
		return err
	}

	var detail model.ResourceDetail
	if err := event.DecodeDetail(&detail); err != nil {
		return err
	}
	reason := detail.Reason
	if reason == "" {
		reason = "resource creation failed"
	}

	return l.compensate(ctx, saga, reason)
}

// HandleRefundCompleted finishes compensation.
func (l *Lessonbook) HandleRefundCompleted(ctx context.Context, event *model.Event) error {
	saga, done, err := l.loadSagaForEvent(ctx, event, model.SagaStateCompensating)
	if done || err != nil {
		return err
	}

	return l.transition(ctx, saga, model.SagaTransition{
		ToState:  model.SagaStateCompensated,
		Complete: true,
	})
}

// HandleRefundFailed parks the saga in COMPENSATION_FAILED and pages a human.
// This state is a dead letter by design: no automatic retry can be trusted to
// move money twice.
func (l *Lessonbook) HandleRefundFailed(ctx context.Context, event *model.Event) error {
	saga, done, err := l.loadSagaForEvent(ctx, event, model.SagaStateCompensating)
	if done || err != nil {
		return err
	}

	var detail model.PaymentDetail
	if err := event.DecodeDetail(&detail); err != nil {
		return err
	}

	err = l.transition(ctx, saga, model.SagaTransition{
		ToState:       model.SagaStateCompensationFailed,
		FailureReason: ptr.String("refund failed: " + detail.Reason),
		Complete:      true,
	})
	if err != nil {
		return err
	}

	notification.NotifyError(fmt.Errorf("saga %s requires manual intervention: refund of payment %s failed (%s)", saga.SagaID, saga.PaymentID, detail.Reason))
	return nil
}

// CancelSaga cancels an in-flight saga at the initiator's request. Before
// money moved the saga simply fails; after payment settled it compensates.
// Terminal sagas cannot be cancelled.
func (l *Lessonbook) CancelSaga(ctx context.Context, sagaID model.SagaID) (*model.SagaInstance, error) {
	saga, err := l.datasource.GetSagaInstance(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	switch saga.CurrentState {
	case model.SagaStateAwaitingAvailability, model.SagaStateAwaitingPayment:
		release, err := commandEvent(model.CommandReleaseSlot, saga.SagaID, model.AvailabilityDetail{
			SubjectID: saga.SubjectID,
			TimeSlot:  saga.TimeSlot,
		})
		if err != nil {
			return nil, err
		}
		err = l.transition(ctx, saga, model.SagaTransition{
			ToState:       model.SagaStateFailed,
			FailureReason: ptr.String("cancelled by initiator"),
			Complete:      true,
		}, release)
		if err != nil {
			return nil, err
		}
	case model.SagaStateAwaitingResource:
		if err := l.compensate(ctx, saga, "cancelled by initiator"); err != nil {
			return nil, err
		}
	default:
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Saga in state %s cannot be cancelled", saga.CurrentState), nil)
	}

	return l.datasource.GetSagaInstance(ctx, sagaID)
}

// ReconcileStuckSagas is the periodic safety net. Any saga that has outlived
// the deadline for its state is forced down a failure or compensation path,
// so no instance waits forever on an event that will never come.
func (l *Lessonbook) ReconcileStuckSagas(ctx context.Context) error {
	ctx, span := otel.Tracer("saga.orchestrator").Start(ctx, "Reconciling stuck sagas")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	states := []model.SagaState{
		model.SagaStateAwaitingAvailability,
		model.SagaStateAwaitingPayment,
		model.SagaStateAwaitingResource,
		model.SagaStateCompensating,
	}

	now := time.Now().UTC()
	for _, state := range states {
		deadline := conf.Saga.DeadlineFor(string(state))
		if deadline == 0 {
			continue
		}
		stuck, err := l.datasource.GetStuckSagas(ctx, state, now.Add(-deadline), 100)
		if err != nil {
			return err
		}
		for _, saga := range stuck {
			if err := l.reconcileSaga(ctx, saga); err != nil {
				if apiErr, ok := err.(apierror.APIError); ok && apiErr.Code == apierror.ErrConflict {
					// A late event advanced the saga first. It wins.
					continue
				}
				logrus.WithError(err).WithField("saga_id", saga.SagaID).Error("reconcile failed")
			}
		}
	}
	return nil
}

func (l *Lessonbook) reconcileSaga(ctx context.Context, saga *model.SagaInstance) error {
	logrus.WithFields(logrus.Fields{"saga_id": saga.SagaID, "state": saga.CurrentState}).Warn("saga exceeded state deadline")

	switch saga.CurrentState {
	case model.SagaStateAwaitingAvailability:
		release, err := commandEvent(model.CommandReleaseSlot, saga.SagaID, model.AvailabilityDetail{
			SubjectID: saga.SubjectID,
			TimeSlot:  saga.TimeSlot,
		})
		if err != nil {
			return err
		}
		return l.transition(ctx, saga, model.SagaTransition{
			ToState:       model.SagaStateFailed,
			FailureReason: ptr.String("availability check timed out"),
			Complete:      true,
		}, release)

	case model.SagaStateAwaitingPayment:
		// The payment may have settled while its PaymentSucceeded event got
		// lost. Check the payment record before giving up.
		payment, err := l.datasource.GetPaymentBySagaID(ctx, saga.SagaID)
		if err == nil && payment.Status == model.PaymentStatusSucceeded {
			cmd, err := commandEvent(model.CommandCreateResource, saga.SagaID, model.ResourceDetail{
				Type:        saga.Type,
				SubjectID:   saga.SubjectID,
				InitiatorID: saga.InitiatorID,
				TimeSlot:    saga.TimeSlot,
			})
			if err != nil {
				return err
			}
			pid := payment.PaymentID
			return l.transition(ctx, saga, model.SagaTransition{
				ToState:   model.SagaStateAwaitingResource,
				PaymentID: &pid,
			}, cmd)
		}
		release, err := commandEvent(model.CommandReleaseSlot, saga.SagaID, model.AvailabilityDetail{
			SubjectID: saga.SubjectID,
			TimeSlot:  saga.TimeSlot,
		})
		if err != nil {
			return err
		}
		return l.transition(ctx, saga, model.SagaTransition{
			ToState:       model.SagaStateFailed,
			FailureReason: ptr.String("payment timed out"),
			Complete:      true,
		}, release)

	case model.SagaStateAwaitingResource:
		return l.compensate(ctx, saga, "resource creation timed out")

	case model.SagaStateCompensating:
		err := l.transition(ctx, saga, model.SagaTransition{
			ToState:       model.SagaStateCompensationFailed,
			FailureReason: ptr.String("compensation timed out"),
			Complete:      true,
		})
		if err != nil {
			return err
		}
		notification.NotifyError(fmt.Errorf("saga %s requires manual intervention: compensation timed out", saga.SagaID))
		return nil
	}
	return nil
}

// compensate moves a saga into COMPENSATING and issues the undo commands:
// refund the payment, free the slot.
func (l *Lessonbook) compensate(ctx context.Context, saga *model.SagaInstance, reason string) error {
	refund, err := commandEvent(model.CommandRefundPayment, saga.SagaID, model.PaymentDetail{Reason: reason})
	if err != nil {
		return err
	}
	release, err := commandEvent(model.CommandReleaseSlot, saga.SagaID, model.AvailabilityDetail{
		SubjectID: saga.SubjectID,
		TimeSlot:  saga.TimeSlot,
	})
	if err != nil {
		return err
	}

	return l.transition(ctx, saga, model.SagaTransition{
		ToState:       model.SagaStateCompensating,
		FailureReason: ptr.String(reason),
	}, refund, release)
}

// transition applies a guarded state change and drops the cached status view.
func (l *Lessonbook) transition(ctx context.Context, saga *model.SagaInstance, t model.SagaTransition, outbox ...*model.OutboxEvent) error {
	if !saga.CurrentState.CanTransitionTo(t.ToState) {
		return apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("Saga cannot move from %s to %s", saga.CurrentState, t.ToState), nil)
	}
	if err := l.datasource.TransitionSaga(ctx, saga.SagaID, saga.Version, t, outbox...); err != nil {
		return err
	}
	l.invalidateStatus(ctx, saga.SagaID)
	logrus.WithFields(logrus.Fields{
		"saga_id": saga.SagaID,
		"from":    saga.CurrentState,
		"to":      t.ToState,
	}).Info("saga transitioned")
	return nil
}

// loadSagaForEvent loads the saga an event belongs to and screens out stale
// deliveries. done is true when the event should be acknowledged without any
// further work.
func (l *Lessonbook) loadSagaForEvent(ctx context.Context, event *model.Event, expected model.SagaState) (*model.SagaInstance, bool, error) {
	saga, err := l.datasource.GetSagaInstance(ctx, event.SagaID)
	if err != nil {
		return nil, false, err
	}
	if saga.CurrentState != expected {
		l.logStaleEvent(event, saga)
		return saga, true, nil
	}
	return saga, false, nil
}

func (l *Lessonbook) logStaleEvent(event *model.Event, saga *model.SagaInstance) {
	logrus.WithFields(logrus.Fields{
		"saga_id": saga.SagaID,
		"state":   saga.CurrentState,
		"event":   event.Type,
	}).Info("ignoring event for saga that already moved on")
}

func (l *Lessonbook) invalidateStatus(ctx context.Context, sagaID model.SagaID) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx, statusCacheKey(sagaID)); err != nil {
		logrus.WithError(err).Warn("failed to invalidate saga status cache")
	}
}

func statusCacheKey(sagaID model.SagaID) string {
	return "saga:status:" + string(sagaID)
}

// commandEvent wraps a saga-scoped command into an outbox row. Commands are
// always aggregated on the saga itself.
func commandEvent(commandType string, sagaID model.SagaID, detail interface{}) (*model.OutboxEvent, error) {
	return model.NewOutboxEvent(commandType, "saga", string(sagaID), sagaID, detail)
}
