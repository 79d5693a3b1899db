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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonbook/lessonbook/model"
)

func checkAvailabilityCommand(t *testing.T, sagaID string) *model.Event {
	t.Helper()
	event, err := model.NewEvent(model.CommandCheckAvailability, "saga", sagaID, model.SagaID(sagaID), model.AvailabilityDetail{
		SubjectID: "tutor_1",
		TimeSlot:  "2026-09-01T10:00:00Z",
	})
	require.NoError(t, err)
	return event
}

func TestHandleCheckAvailabilityReserves(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lessonbook.idempotency_keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lessonbook.availability_slots").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, l.HandleCheckAvailability(context.Background(), checkAvailabilityCommand(t, "saga_1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleCheckAvailabilitySlotTaken(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	// The unique constraint on (subject_id, time_slot) decides the race.
	// The aborted transaction restarts so the rejected event and the key
	// claim are still recorded atomically.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lessonbook.idempotency_keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lessonbook.availability_slots").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lessonbook.idempotency_keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, l.HandleCheckAvailability(context.Background(), checkAvailabilityCommand(t, "saga_2")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleCheckAvailabilityRedelivery(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	// A redelivered command must not collide with its own hold and report a
	// false rejection. The key claim inside the transaction screens it out.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lessonbook.idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	assert.NoError(t, l.HandleCheckAvailability(context.Background(), checkAvailabilityCommand(t, "saga_1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A transient failure while reserving must leave the delivery retryable: the
// key claim rolls back with the reservation, so the redelivery is processed
// in full instead of being dropped as a duplicate.
func TestHandleCheckAvailabilityRetryAfterTransientFailure(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	event := checkAvailabilityCommand(t, "saga_1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lessonbook.idempotency_keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lessonbook.availability_slots").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	require.Error(t, l.HandleCheckAvailability(context.Background(), event))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lessonbook.idempotency_keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lessonbook.availability_slots").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, l.HandleCheckAvailability(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleReleaseSlot(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	event, err := model.NewEvent(model.CommandReleaseSlot, "saga", "saga_1", "saga_1", model.AvailabilityDetail{
		SubjectID: "tutor_1",
		TimeSlot:  "2026-09-01T10:00:00Z",
	})
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM lessonbook.availability_slots").WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, l.HandleReleaseSlot(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleReleaseSlotNothingHeld(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	event, err := model.NewEvent(model.CommandReleaseSlot, "saga", "saga_9", "saga_9", nil)
	require.NoError(t, err)

	// Releasing a hold that never existed is a no-op, not an error.
	mock.ExpectExec("DELETE FROM lessonbook.availability_slots").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, l.HandleReleaseSlot(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}
