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

import "time"

// BookingStatus represents a position in the session/enrollment state
// machine.
type BookingStatus string

// Booking statuses. Cancellation is legal any time before COMPLETED.
const (
	BookingStatusPendingPayment BookingStatus = "PENDING_PAYMENT"
	BookingStatusConfirmed      BookingStatus = "CONFIRMED"
	BookingStatusCancelled      BookingStatus = "CANCELLED"
	BookingStatusCompleted      BookingStatus = "COMPLETED"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPendingPayment: {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed:      {BookingStatusCompleted, BookingStatusCancelled},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Booking is the resource aggregate owned by the booking/learning service:
// a tutoring session or a course enrollment. It is only ever created in
// response to a payment-succeeded signal correlated by saga id, never
// speculatively.
type Booking struct {
	ResourceID   ResourceID    `json:"resource_id"`
	SagaID       SagaID        `json:"saga_id"`
	Type         SagaType      `json:"type"`
	SubjectID    SubjectID     `json:"subject_id"`
	Participants []string      `json:"participants"`
	TimeSlot     string        `json:"time_slot,omitempty"`
	Status       BookingStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SlotStatus represents the lifecycle of an availability calendar slot.
type SlotStatus string

const (
	SlotStatusHeld   SlotStatus = "HELD"
	SlotStatusBooked SlotStatus = "BOOKED"
)

// AvailabilitySlot is a reserved calendar slot in the availability service.
// Reservation is a conditional insert keyed on (subject_id, time_slot), so
// two sagas racing for the same slot cannot both win.
type AvailabilitySlot struct {
	SlotID    string     `json:"slot_id"`
	SubjectID SubjectID  `json:"subject_id"`
	TimeSlot  string     `json:"time_slot"`
	SagaID    SagaID     `json:"saga_id"`
	Status    SlotStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}
