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
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents a position in the payment state machine.
type PaymentStatus string

// Payment statuses. The status only ever moves forward:
// PENDING -> PROCESSING -> {SUCCEEDED, FAILED}, SUCCEEDED -> REFUNDED.
const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing},
	PaymentStatusProcessing: {PaymentStatusSucceeded, PaymentStatusFailed},
	PaymentStatusSucceeded:  {PaymentStatusRefunded},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// supportedCurrencies are the currencies the payment provider accepts.
var supportedCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"UAH": true,
}

// ErrUnsupportedCurrency is returned when a payment is created with a
// currency the provider does not handle.
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// ErrInvalidAmount is returned when a payment amount is not positive.
var ErrInvalidAmount = errors.New("payment amount must be greater than zero")

// Payment is the aggregate owned by the payment service. Each saga maps to
// at most one non-FAILED payment.
type Payment struct {
	PaymentID        PaymentID       `json:"payment_id"`
	SagaID           SagaID          `json:"saga_id"`
	PayerID          InitiatorID     `json:"payer_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Context          SagaType        `json:"context"`
	ContextID        string          `json:"context_id"`
	Status           PaymentStatus   `json:"status"`
	ProviderIntentID string          `json:"provider_intent_id,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewPayment validates the request and returns a PENDING payment.
func NewPayment(sagaID SagaID, payerID InitiatorID, amount decimal.Decimal, currency string, context SagaType, contextID string) (*Payment, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !supportedCurrencies[currency] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	now := time.Now().UTC()
	return &Payment{
		PaymentID: NewPaymentID(),
		SagaID:    sagaID,
		PayerID:   payerID,
		Amount:    amount,
		Currency:  currency,
		Context:   context,
		ContextID: contextID,
		Status:    PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Refundable reports whether a refund is legal for the current status.
// Refunds are only allowed from SUCCEEDED.
func (p *Payment) Refundable() bool {
	return p.Status == PaymentStatusSucceeded
}
