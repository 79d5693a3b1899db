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

// OutboxEvent is one row in the transactional outbox. It is inserted in the
// same database transaction as the state change it announces, and mutated
// only by the publisher's dispatch bookkeeping afterwards.
type OutboxEvent struct {
	Event
	DispatchedAt     *time.Time `json:"dispatched_at,omitempty"`
	DispatchAttempts int        `json:"dispatch_attempts"`
	DeadLettered     bool       `json:"dead_lettered"`
	LastError        string     `json:"last_error,omitempty"`
}

// NewOutboxEvent wraps a fresh envelope into an outbox row.
func NewOutboxEvent(eventType, aggregateType, aggregateID string, sagaID SagaID, detail interface{}) (*OutboxEvent, error) {
	evt, err := NewEvent(eventType, aggregateType, aggregateID, sagaID, detail)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{Event: *evt}, nil
}

// Pending reports whether the row still awaits a successful hand-off to the
// bus.
func (o *OutboxEvent) Pending() bool {
	return o.DispatchedAt == nil && !o.DeadLettered
}
