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

	"github.com/sirupsen/logrus"

	"github.com/lessonbook/lessonbook/model"
)

// HandleCreateResource is the learning service's command handler. It creates
// the session or enrollment and announces ResourceCreated in the same
// transaction, but only after verifying that a settled payment exists for
// the saga: resources are never created speculatively, and a forged or
// misrouted command must not mint one.
func (l *Lessonbook) HandleCreateResource(ctx context.Context, event *model.Event) error {
	var detail model.ResourceDetail
	if err := event.DecodeDetail(&detail); err != nil {
		return err
	}

	if existing, err := l.datasource.GetBookingBySagaID(ctx, event.SagaID); err == nil {
		logrus.WithFields(logrus.Fields{
			"saga_id":     event.SagaID,
			"resource_id": existing.ResourceID,
		}).Info("resource already created for saga")
		return nil
	} else if !isNotFound(err) {
		return err
	}

	payment, err := l.datasource.GetPaymentBySagaID(ctx, event.SagaID)
	if err != nil && !isNotFound(err) {
		return err
	}
	if err != nil || payment.Status != model.PaymentStatusSucceeded {
		return l.announceResourceFailure(ctx, event.SagaID, "no settled payment for saga")
	}

	booking := &model.Booking{
		ResourceID:   model.NewResourceID(),
		SagaID:       event.SagaID,
		Type:         detail.Type,
		SubjectID:    detail.SubjectID,
		Participants: []string{string(detail.InitiatorID), string(detail.SubjectID)},
		TimeSlot:     detail.TimeSlot,
		Status:       model.BookingStatusConfirmed,
	}

	created, err := model.NewOutboxEvent(model.EventResourceCreated, "booking", string(booking.ResourceID), event.SagaID, model.ResourceDetail{
		ResourceID:  booking.ResourceID,
		Type:        booking.Type,
		SubjectID:   booking.SubjectID,
		InitiatorID: detail.InitiatorID,
		TimeSlot:    booking.TimeSlot,
	})
	if err != nil {
		return err
	}

	if _, err := l.datasource.CreateBooking(ctx, booking, created); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"saga_id":     event.SagaID,
		"resource_id": booking.ResourceID,
		"type":        booking.Type,
	}).Info("resource created")
	return nil
}

// GetBooking returns a booking by resource id.
func (l *Lessonbook) GetBooking(ctx context.Context, resourceID model.ResourceID) (*model.Booking, error) {
	return l.datasource.GetBooking(ctx, resourceID)
}

// CompleteBooking marks a confirmed session or enrollment as delivered.
func (l *Lessonbook) CompleteBooking(ctx context.Context, resourceID model.ResourceID) error {
	return l.datasource.UpdateBookingStatus(ctx, resourceID, model.BookingStatusConfirmed, model.BookingStatusCompleted)
}

// CancelBooking cancels a confirmed booking outside the saga flow, e.g. a
// tutor calling off a session. Refunds for such cancellations are an
// operator concern, not an automatic compensation.
func (l *Lessonbook) CancelBooking(ctx context.Context, resourceID model.ResourceID) error {
	return l.datasource.UpdateBookingStatus(ctx, resourceID, model.BookingStatusConfirmed, model.BookingStatusCancelled)
}

func (l *Lessonbook) announceResourceFailure(ctx context.Context, sagaID model.SagaID, reason string) error {
	failed, err := model.NewOutboxEvent(model.EventResourceCreationFailed, "booking", string(sagaID), sagaID, model.ResourceDetail{
		Reason: reason,
	})
	if err != nil {
		return err
	}
	return l.datasource.AppendOutboxEvent(ctx, failed)
}
