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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonbook/lessonbook/model"
)

var outboxColumns = []string{
	"event_id", "event_type", "aggregate_type", "aggregate_id", "saga_id",
	"payload", "occurred_at", "dispatched_at", "dispatch_attempts", "dead_lettered", "last_error",
}

func outboxRow(eventID, eventType string, attempts int) *sqlmock.Rows {
	return outboxRows(sqlmock.NewRows(outboxColumns), eventID, eventType, attempts)
}

func outboxRows(rows *sqlmock.Rows, eventID, eventType string, attempts int) *sqlmock.Rows {
	return rows.AddRow(
		eventID, eventType, "saga", "saga_1", "saga_1",
		[]byte(`{"event_id":"`+eventID+`","type":"`+eventType+`","aggregate_type":"saga","aggregate_id":"saga_1","saga_id":"saga_1","occurred_at":"2026-08-01T00:00:00Z"}`),
		time.Now(), nil, attempts, false, nil,
	)
}

func newTestPublisher(t *testing.T, bus EventBus) (*OutboxPublisher, sqlmock.Sqlmock) {
	t.Helper()
	datasource, mock, err := newTestDataSource()
	require.NoError(t, err)
	publisher, err := NewOutboxPublisher(datasource, bus)
	require.NoError(t, err)
	return publisher, mock
}

func TestOutboxPublisherTick(t *testing.T) {
	bus := &MockBus{}
	publisher, mock := newTestPublisher(t, bus)

	rows := sqlmock.NewRows(outboxColumns)
	outboxRows(rows, "evt_1", model.EventAvailabilityConfirmed, 0)
	outboxRows(rows, "evt_2", model.CommandCreatePaymentIntent, 0)
	mock.ExpectQuery("SELECT .+ FROM lessonbook.outbox_events").WillReturnRows(rows)
	mock.ExpectExec("UPDATE lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, publisher.Tick(context.Background()))
	require.Len(t, bus.Published, 2)
	assert.Equal(t, "evt_1", bus.Published[0].EventID)
	assert.Equal(t, "evt_2", bus.Published[1].EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxPublisherRecordsFailure(t *testing.T) {
	bus := &MockBus{Err: errors.New("broker unavailable")}
	publisher, mock := newTestPublisher(t, bus)

	mock.ExpectQuery("SELECT .+ FROM lessonbook.outbox_events").
		WillReturnRows(outboxRow("evt_1", model.EventAvailabilityConfirmed, 0))
	// Failed publish: the attempt is recorded, the row stays pending for the
	// next poll.
	mock.ExpectExec("UPDATE lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, publisher.Tick(context.Background()))
	assert.Empty(t, bus.Published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxPublisherDeadLetters(t *testing.T) {
	bus := &MockBus{Err: errors.New("broker unavailable")}
	publisher, mock := newTestPublisher(t, bus)

	// The event is on its last allowed attempt; this failure parks it.
	mock.ExpectQuery("SELECT .+ FROM lessonbook.outbox_events").
		WillReturnRows(outboxRow("evt_1", model.EventAvailabilityConfirmed, publisher.maxAttempts-1))
	mock.ExpectExec("UPDATE lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, publisher.Tick(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxPublisherRepublishesAfterCrash(t *testing.T) {
	// A crash between publish and mark-dispatched leaves the row pending, so
	// the next tick publishes it again. Consumers own deduplication.
	bus := &MockBus{}
	publisher, mock := newTestPublisher(t, bus)

	mock.ExpectQuery("SELECT .+ FROM lessonbook.outbox_events").
		WillReturnRows(outboxRow("evt_1", model.EventAvailabilityConfirmed, 0))
	mock.ExpectExec("UPDATE lessonbook.outbox_events").WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery("SELECT .+ FROM lessonbook.outbox_events").
		WillReturnRows(outboxRow("evt_1", model.EventAvailabilityConfirmed, 0))
	mock.ExpectExec("UPDATE lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, publisher.Tick(context.Background()))
	assert.NoError(t, publisher.Tick(context.Background()))
	require.Len(t, bus.Published, 2)
	assert.Equal(t, bus.Published[0].EventID, bus.Published[1].EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxPublisherStartStop(t *testing.T) {
	bus := &MockBus{}
	publisher, mock := newTestPublisher(t, bus)
	publisher.interval = 10 * time.Millisecond

	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("SELECT .+ FROM lessonbook.outbox_events").
		WillReturnRows(sqlmock.NewRows(outboxColumns))

	publisher.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	publisher.Stop()
}

func TestArchiveAndPruneOutbox(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	// No archive bucket configured: expired rows are pruned directly.
	mock.ExpectQuery("SELECT .+ FROM lessonbook.outbox_events").
		WillReturnRows(outboxRow("evt_1", model.EventAvailabilityConfirmed, 0))
	mock.ExpectExec("DELETE FROM lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, l.ArchiveAndPruneOutbox(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneIdempotencyKeys(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	mock.ExpectExec("DELETE FROM lessonbook.idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 42))

	assert.NoError(t, l.PruneIdempotencyKeys(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetteredEvents(t *testing.T) {
	l, mock := newTestLessonbook(t, nil)

	rows := sqlmock.NewRows(outboxColumns).AddRow(
		"evt_9", model.CommandRefundPayment, "saga", "saga_9", "saga_9",
		[]byte(`{}`), time.Now(), nil, 10, true, "broker unavailable",
	)
	mock.ExpectQuery("SELECT .+ FROM lessonbook.outbox_events").WillReturnRows(rows)

	events, err := l.DeadLetteredEvents(context.Background(), 0)
	assert.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt_9", events[0].EventID)
	assert.True(t, events[0].DeadLettered)
	assert.NoError(t, mock.ExpectationsWereMet())
}
