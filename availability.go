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

	"github.com/sirupsen/logrus"

	"github.com/lessonbook/lessonbook/model"
)

// HandleCheckAvailability is the availability service's command handler. It
// attempts to hold the requested slot and appends exactly one of
// AvailabilityConfirmed or AvailabilityRejected in the same transaction as
// the hold, so the outcome event can never contradict the calendar.
//
// Redeliveries are screened by the idempotency key claimed inside the
// reservation transaction: re-running the conditional insert for a saga that
// already holds the slot would collide with its own hold and report a false
// rejection. Because the claim commits with the outcome, a delivery that
// failed transiently leaves no claim behind and stays retryable.
func (l *Lessonbook) HandleCheckAvailability(ctx context.Context, event *model.Event) error {
	var detail model.AvailabilityDetail
	if err := event.DecodeDetail(&detail); err != nil {
		return err
	}

	confirmed, err := model.NewOutboxEvent(model.EventAvailabilityConfirmed, "availability_slot", string(detail.SubjectID), event.SagaID, detail)
	if err != nil {
		return err
	}
	rejected, err := model.NewOutboxEvent(model.EventAvailabilityRejected, "availability_slot", string(detail.SubjectID), event.SagaID, model.AvailabilityDetail{
		SubjectID: detail.SubjectID,
		TimeSlot:  detail.TimeSlot,
		Reason:    "slot already taken",
	})
	if err != nil {
		return err
	}

	slot := &model.AvailabilitySlot{
		SubjectID: detail.SubjectID,
		TimeSlot:  detail.TimeSlot,
		SagaID:    event.SagaID,
	}

	reserved, err := l.datasource.ReserveSlot(ctx, "availability:"+event.EventID, slot, confirmed, rejected)
	if isConflict(err) {
		return nil
	}
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"saga_id":    event.SagaID,
		"subject_id": detail.SubjectID,
		"time_slot":  detail.TimeSlot,
		"reserved":   reserved,
	}).Info("availability checked")
	return nil
}

// HandleReleaseSlot frees any hold the saga placed. Releasing twice, or
// releasing a hold that never existed, is a no-op.
func (l *Lessonbook) HandleReleaseSlot(ctx context.Context, event *model.Event) error {
	return l.datasource.ReleaseSlot(ctx, event.SagaID)
}
