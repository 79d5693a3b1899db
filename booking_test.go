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
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonbook/lessonbook/internal/apierror"
	"github.com/lessonbook/lessonbook/model"
)

var bookingColumns = []string{
	"resource_id", "saga_id", "type", "subject_id", "participants",
	"time_slot", "status", "created_at", "updated_at",
}

func bookingRow(resourceID, sagaID string, status model.BookingStatus) *sqlmock.Rows {
	return sqlmock.NewRows(bookingColumns).AddRow(
		resourceID, sagaID, model.SagaTypeSessionBooking, "tutor_1", []byte(`["student_1","tutor_1"]`),
		"2026-09-01T10:00:00Z", status, time.Now(), time.Now(),
	)
}

func createResourceCommand(t *testing.T, sagaID string) *model.Event {
	t.Helper()
	event, err := model.NewEvent(model.CommandCreateResource, "saga", sagaID, model.SagaID(sagaID), model.ResourceDetail{
		Type:        model.SagaTypeSessionBooking,
		SubjectID:   "tutor_1",
		InitiatorID: "student_1",
		TimeSlot:    "2026-09-01T10:00:00Z",
	})
	require.NoError(t, err)
	return event
}

func TestHandleCreateResource(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	mock.ExpectQuery("SELECT .+ FROM lessonbook.bookings").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .+ FROM lessonbook.payments").
		WillReturnRows(paymentRow("pay_1", "saga_1", model.PaymentStatusSucceeded))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lessonbook.bookings").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, l.HandleCreateResource(context.Background(), createResourceCommand(t, "saga_1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleCreateResourceRedelivery(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	// The booking already exists: the redelivered command is acknowledged
	// without creating a second resource.
	mock.ExpectQuery("SELECT .+ FROM lessonbook.bookings").
		WillReturnRows(bookingRow("res_1", "saga_1", model.BookingStatusConfirmed))

	assert.NoError(t, l.HandleCreateResource(context.Background(), createResourceCommand(t, "saga_1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleCreateResourceWithoutSettledPayment(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	// No settled payment for the saga: no resource is minted and the
	// failure event kicks off compensation.
	mock.ExpectQuery("SELECT .+ FROM lessonbook.bookings").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .+ FROM lessonbook.payments").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, l.HandleCreateResource(context.Background(), createResourceCommand(t, "saga_1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteBooking(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	mock.ExpectExec("UPDATE lessonbook.bookings").WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, l.CompleteBooking(context.Background(), "res_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBookingAlreadyCancelled(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	mock.ExpectExec("UPDATE lessonbook.bookings").WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.CancelBooking(context.Background(), "res_1")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBooking(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	mock.ExpectQuery("SELECT .+ FROM lessonbook.bookings").
		WillReturnRows(bookingRow("res_1", "saga_1", model.BookingStatusConfirmed))

	booking, err := l.GetBooking(context.Background(), "res_1")
	assert.NoError(t, err)
	assert.Equal(t, model.ResourceID("res_1"), booking.ResourceID)
	assert.Equal(t, []string{"student_1", "tutor_1"}, booking.Participants)
	assert.NoError(t, mock.ExpectationsWereMet())
}
