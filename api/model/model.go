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
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// CreateBooking is the request body for starting a session-booking saga.
type CreateBooking struct {
	StudentID      string          `json:"student_id"`
	TutorID        string          `json:"tutor_id"`
	TimeSlot       string          `json:"time_slot"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CreateEnrollment is the request body for starting a course-enrollment saga.
type CreateEnrollment struct {
	StudentID      string          `json:"student_id"`
	CourseID       string          `json:"course_id"`
	Term           string          `json:"term"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (b *CreateBooking) ValidateCreateBooking() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.StudentID, validation.Required),
		validation.Field(&b.TutorID, validation.Required),
		validation.Field(&b.TimeSlot, validation.Required, validation.By(func(value interface{}) error {
			slot, ok := value.(string)
			if !ok {
				return errors.New("invalid type for time slot")
			}
			return validateDateFormat("2006-01-02T15:04:05Z07:00", slot)
		})),
		validation.Field(&b.Amount, validation.Required, validation.By(positiveAmount)),
		validation.Field(&b.Currency, validation.Required, validation.Length(3, 3)),
	)
}

func (e *CreateEnrollment) ValidateCreateEnrollment() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.StudentID, validation.Required),
		validation.Field(&e.CourseID, validation.Required),
		validation.Field(&e.Term, validation.Required),
		validation.Field(&e.Amount, validation.Required, validation.By(positiveAmount)),
		validation.Field(&e.Currency, validation.Required, validation.Length(3, 3)),
	)
}

func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("invalid type for amount")
	}
	if !amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}
	return nil
}

func validateDateFormat(format, value string) error {
	_, err := time.Parse(format, value)
	if err != nil {
		return errors.New("please format the time slot as 'YYYY-MM-DDTHH:MM:SS+00:00' (e.g., 2026-09-01T10:00:00+00:00)")
	}
	return nil
}
