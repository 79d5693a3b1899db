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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Domain events published on the bus. The names are part of the wire
// contract and must not change.
const (
	EventAvailabilityConfirmed  = "AvailabilityConfirmed"
	EventAvailabilityRejected   = "AvailabilityRejected"
	EventPaymentIntentCreated   = "PaymentIntentCreated"
	EventPaymentSucceeded       = "PaymentSucceeded"
	EventPaymentFailed          = "PaymentFailed"
	EventResourceCreated        = "ResourceCreated"
	EventResourceCreationFailed = "ResourceCreationFailed"
	EventRefundCompleted        = "RefundCompleted"
	EventRefundFailed           = "RefundFailed"
)

// Commands the orchestrator issues to the resource services. Commands travel
// through the same outbox and bus as events; they carry their own ids so the
// receiving service can deduplicate redeliveries.
const (
	CommandCheckAvailability   = "CheckAvailability"
	CommandReleaseSlot         = "ReleaseSlot"
	CommandCreatePaymentIntent = "CreatePaymentIntent"
	CommandRefundPayment       = "RefundPayment"
	CommandCreateResource      = "CreateResource"
)

var commandTypes = map[string]bool{
	CommandCheckAvailability:   true,
	CommandReleaseSlot:         true,
	CommandCreatePaymentIntent: true,
	CommandRefundPayment:       true,
	CommandCreateResource:      true,
}

// IsCommand reports whether a message type is a command rather than a domain
// event. The bus routes the two onto separate queues.
func IsCommand(messageType string) bool {
	return commandTypes[messageType]
}

// Event is the envelope every message on the bus carries. Field names are
// stable and shared with external consumers.
type Event struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	SagaID        SagaID          `json:"saga_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Detail        json.RawMessage `json:"detail,omitempty"`
}

// NewEvent builds an envelope with a fresh event id. The detail payload is
// marshaled immediately so a bad payload fails at the call site, not in the
// publisher.
func NewEvent(eventType, aggregateType, aggregateID string, sagaID SagaID, detail interface{}) (*Event, error) {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Event{
		EventID:       GenerateID("evt"),
		Type:          eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		SagaID:        sagaID,
		OccurredAt:    time.Now().UTC(),
		Detail:        raw,
	}, nil
}

// GenerateID returns a prefixed UUID, e.g. "saga_0b0e...". The prefix makes
// ids self-describing in logs and across service boundaries.
func GenerateID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// AvailabilityDetail is the detail payload for availability events and the
// CheckAvailability / ReleaseSlot commands.
type AvailabilityDetail struct {
	SubjectID SubjectID `json:"subject_id"`
	TimeSlot  string    `json:"time_slot"`
	Reason    string    `json:"reason,omitempty"`
}

// PaymentDetail is the detail payload for payment events and commands.
type PaymentDetail struct {
	PaymentID        PaymentID       `json:"payment_id,omitempty"`
	PayerID          InitiatorID     `json:"payer_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Context          SagaType        `json:"context,omitempty"`
	ContextID        string          `json:"context_id,omitempty"`
	ProviderIntentID string          `json:"provider_intent_id,omitempty"`
	Reason           string          `json:"reason,omitempty"`
}

// ResourceDetail is the detail payload for resource events and the
// CreateResource command.
type ResourceDetail struct {
	ResourceID  ResourceID  `json:"resource_id,omitempty"`
	Type        SagaType    `json:"type,omitempty"`
	SubjectID   SubjectID   `json:"subject_id,omitempty"`
	InitiatorID InitiatorID `json:"initiator_id,omitempty"`
	TimeSlot    string      `json:"time_slot,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// DecodeDetail unmarshals the envelope detail into the given payload struct.
func (e *Event) DecodeDetail(v interface{}) error {
	if len(e.Detail) == 0 {
		return nil
	}
	return json.Unmarshal(e.Detail, v)
}
