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

package model

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSagaStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from SagaState
		to   SagaState
		want bool
	}{
		{"initiated to awaiting availability", SagaStateInitiated, SagaStateAwaitingAvailability, true},
		{"awaiting availability to awaiting payment", SagaStateAwaitingAvailability, SagaStateAwaitingPayment, true},
		{"awaiting payment to awaiting resource", SagaStateAwaitingPayment, SagaStateAwaitingResource, true},
		{"awaiting resource to confirmed", SagaStateAwaitingResource, SagaStateConfirmed, true},
		{"awaiting resource to compensating", SagaStateAwaitingResource, SagaStateCompensating, true},
		{"compensating to compensated", SagaStateCompensating, SagaStateCompensated, true},
		{"compensating to compensation failed", SagaStateCompensating, SagaStateCompensationFailed, true},
		{"awaiting payment to failed", SagaStateAwaitingPayment, SagaStateFailed, true},
		{"no skipping availability", SagaStateInitiated, SagaStateAwaitingPayment, false},
		{"no moving backwards", SagaStateAwaitingPayment, SagaStateAwaitingAvailability, false},
		{"confirmed is terminal", SagaStateConfirmed, SagaStateCompensating, false},
		{"failed is terminal", SagaStateFailed, SagaStateAwaitingAvailability, false},
		{"compensated is terminal", SagaStateCompensated, SagaStateConfirmed, false},
		{"awaiting resource cannot fail directly", SagaStateAwaitingResource, SagaStateFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSagaStateTerminal(t *testing.T) {
	terminal := []SagaState{SagaStateConfirmed, SagaStateFailed, SagaStateCompensated, SagaStateCompensationFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	open := []SagaState{SagaStateInitiated, SagaStateAwaitingAvailability, SagaStateAwaitingPayment, SagaStateAwaitingResource, SagaStateCompensating}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestPaymentStatusMovesForwardOnly(t *testing.T) {
	assert.True(t, PaymentStatusPending.CanTransitionTo(PaymentStatusProcessing))
	assert.True(t, PaymentStatusProcessing.CanTransitionTo(PaymentStatusSucceeded))
	assert.True(t, PaymentStatusProcessing.CanTransitionTo(PaymentStatusFailed))
	assert.True(t, PaymentStatusSucceeded.CanTransitionTo(PaymentStatusRefunded))

	assert.False(t, PaymentStatusPending.CanTransitionTo(PaymentStatusSucceeded))
	assert.False(t, PaymentStatusSucceeded.CanTransitionTo(PaymentStatusProcessing))
	assert.False(t, PaymentStatusFailed.CanTransitionTo(PaymentStatusRefunded))
	assert.False(t, PaymentStatusRefunded.CanTransitionTo(PaymentStatusSucceeded))
}

func TestNewPayment(t *testing.T) {
	sagaID := NewSagaID()
	payment, err := NewPayment(sagaID, InitiatorID(gofakeit.UUID()), decimal.NewFromInt(4500), "USD", SagaTypeSessionBooking, gofakeit.UUID())
	assert.NoError(t, err)
	assert.Equal(t, PaymentStatusPending, payment.Status)
	assert.Equal(t, sagaID, payment.SagaID)
	assert.Contains(t, string(payment.PaymentID), "pay_")
	assert.False(t, payment.Refundable())
}

func TestNewPaymentRejectsBadInput(t *testing.T) {
	_, err := NewPayment(NewSagaID(), InitiatorID(gofakeit.UUID()), decimal.Zero, "USD", SagaTypeSessionBooking, gofakeit.UUID())
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NewPayment(NewSagaID(), InitiatorID(gofakeit.UUID()), decimal.NewFromInt(-10), "USD", SagaTypeSessionBooking, gofakeit.UUID())
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NewPayment(NewSagaID(), InitiatorID(gofakeit.UUID()), decimal.NewFromInt(100), "XYZ", SagaTypeCourseEnrollment, gofakeit.UUID())
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}

func TestBookingStatusTransitions(t *testing.T) {
	assert.True(t, BookingStatusPendingPayment.CanTransitionTo(BookingStatusConfirmed))
	assert.True(t, BookingStatusConfirmed.CanTransitionTo(BookingStatusCompleted))
	assert.True(t, BookingStatusConfirmed.CanTransitionTo(BookingStatusCancelled))
	assert.True(t, BookingStatusPendingPayment.CanTransitionTo(BookingStatusCancelled))

	// cancelling after completion is never legal
	assert.False(t, BookingStatusCompleted.CanTransitionTo(BookingStatusCancelled))
	assert.False(t, BookingStatusCancelled.CanTransitionTo(BookingStatusConfirmed))
}

func TestNewEventEnvelope(t *testing.T) {
	sagaID := NewSagaID()
	evt, err := NewEvent(EventPaymentSucceeded, "payment", "pay_123", sagaID, PaymentDetail{
		PaymentID: "pay_123",
		Amount:    decimal.NewFromInt(4500),
		Currency:  "USD",
	})
	assert.NoError(t, err)
	assert.Contains(t, evt.EventID, "evt_")
	assert.Equal(t, sagaID, evt.SagaID)
	assert.False(t, evt.OccurredAt.IsZero())

	var detail PaymentDetail
	assert.NoError(t, evt.DecodeDetail(&detail))
	assert.Equal(t, PaymentID("pay_123"), detail.PaymentID)
	assert.Equal(t, "USD", detail.Currency)
}

func TestIsCommand(t *testing.T) {
	assert.True(t, IsCommand(CommandCheckAvailability))
	assert.True(t, IsCommand(CommandRefundPayment))
	assert.False(t, IsCommand(EventPaymentSucceeded))
	assert.False(t, IsCommand(EventAvailabilityConfirmed))
}
