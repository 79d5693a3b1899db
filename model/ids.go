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

// Correlation identifiers crossing service boundaries are tagged types, not
// raw strings, so a payment id can never be passed where a saga id belongs.
// They stay opaque: no service dereferences another service's id, it only
// carries it.
type (
	// SagaID identifies one booking or enrollment attempt across every
	// service that participates in it.
	SagaID string

	// SubjectID identifies the thing being purchased: a tutor for session
	// bookings, a course for enrollments. Owned by the catalog service.
	SubjectID string

	// InitiatorID identifies the student who started the saga and pays for
	// it. Owned by the identity service.
	InitiatorID string

	// PaymentID identifies a payment aggregate. Owned by the payment
	// service.
	PaymentID string

	// ResourceID identifies the created session or enrollment. Owned by the
	// booking/learning service.
	ResourceID string
)

// NewSagaID mints a prefixed saga identifier.
func NewSagaID() SagaID { return SagaID(GenerateID("saga")) }

// NewPaymentID mints a prefixed payment identifier.
func NewPaymentID() PaymentID { return PaymentID(GenerateID("pay")) }

// NewResourceID mints a prefixed resource identifier.
func NewResourceID() ResourceID { return ResourceID(GenerateID("res")) }
