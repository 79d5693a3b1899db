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
	"time"

	"github.com/shopspring/decimal"
)

// SagaType identifies what kind of purchase a saga coordinates.
type SagaType string

const (
	SagaTypeSessionBooking   SagaType = "SESSION_BOOKING"
	SagaTypeCourseEnrollment SagaType = "COURSE_ENROLLMENT"
)

// SagaState represents a position in the booking saga state machine.
type SagaState string

// Saga states. CONFIRMED, FAILED, COMPENSATED and COMPENSATION_FAILED are
// terminal; an instance in a terminal state is immutable.
const (
	SagaStateInitiated            SagaState = "INITIATED"
	SagaStateAwaitingAvailability SagaState = "AWAITING_AVAILABILITY"
	SagaStateAwaitingPayment      SagaState = "AWAITING_PAYMENT"
	SagaStateAwaitingResource     SagaState = "AWAITING_RESOURCE_CREATION"
	SagaStateConfirmed            SagaState = "CONFIRMED"
	SagaStateCompensating         SagaState = "COMPENSATING"
	SagaStateCompensated          SagaState = "COMPENSATED"
	SagaStateCompensationFailed   SagaState = "COMPENSATION_FAILED"
	SagaStateFailed               SagaState = "FAILED"
)

// sagaTransitions is the full transition graph. A transition not listed here
// is illegal; transitions are monotonic and never revisit a state.
var sagaTransitions = map[SagaState][]SagaState{
	SagaStateInitiated:            {SagaStateAwaitingAvailability, SagaStateFailed},
	SagaStateAwaitingAvailability: {SagaStateAwaitingPayment, SagaStateFailed},
	SagaStateAwaitingPayment:      {SagaStateAwaitingResource, SagaStateFailed},
	SagaStateAwaitingResource:     {SagaStateConfirmed, SagaStateCompensating},
	SagaStateCompensating:         {SagaStateCompensated, SagaStateCompensationFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal step on
// the saga state graph.
func (s SagaState) CanTransitionTo(next SagaState) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s SagaState) Terminal() bool {
	switch s {
	case SagaStateConfirmed, SagaStateFailed, SagaStateCompensated, SagaStateCompensationFailed:
		return true
	}
	return false
}

// SagaInstance is the persisted record of one booking or enrollment attempt.
// It is the only entity that may hold identifiers owned by other services;
// it never mutates their data directly, only by issuing commands through the
// outbox. Rows are never deleted; terminal instances remain as audit trail.
type SagaInstance struct {
	SagaID        SagaID          `json:"saga_id"`
	Type          SagaType        `json:"type"`
	SubjectID     SubjectID       `json:"subject_id"`   // tutor or course, depending on Type
	InitiatorID   InitiatorID     `json:"initiator_id"` // student starting the saga
	CurrentState  SagaState       `json:"current_state"`
	PaymentID     PaymentID       `json:"payment_id,omitempty"`
	ResourceID    ResourceID      `json:"resource_id,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TimeSlot      string          `json:"time_slot,omitempty"` // RFC3339 slot start for session bookings
	AttemptCount  int             `json:"attempt_count"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// SagaTransition describes a single guarded move of a saga instance. Nil
// pointer fields leave the corresponding column untouched.
type SagaTransition struct {
	ToState       SagaState
	PaymentID     *PaymentID
	ResourceID    *ResourceID
	FailureReason *string
	Complete      bool // stamps completed_at when true
}

// SagaStatus is the client-facing view returned by the status query.
type SagaStatus struct {
	SagaID        SagaID     `json:"saga_id"`
	State         SagaState  `json:"state"`
	ResourceID    ResourceID `json:"resource_id,omitempty"`
	PaymentID     PaymentID  `json:"payment_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Status projects the instance into its client-facing view.
func (s *SagaInstance) Status() *SagaStatus {
	return &SagaStatus{
		SagaID:        s.SagaID,
		State:         s.CurrentState,
		ResourceID:    s.ResourceID,
		PaymentID:     s.PaymentID,
		FailureReason: s.FailureReason,
		CompletedAt:   s.CompletedAt,
	}
}
