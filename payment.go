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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/lessonbook/lessonbook/config"
	"github.com/lessonbook/lessonbook/internal/apierror"
	"github.com/lessonbook/lessonbook/model"
)

// PaymentProvider is the boundary to the external payment processor. Intents
// are asynchronous: creation returns a provider reference, and the outcome
// arrives later on the webhook.
type PaymentProvider interface {
	CreateIntent(ctx context.Context, payment *model.Payment) (string, error)
	Refund(ctx context.Context, payment *model.Payment) error
}

// localProvider is the built-in simulated processor used in development and
// tests. Intents are acknowledged immediately; outcomes are driven by posting
// to the webhook endpoint.
type localProvider struct{}

func (p *localProvider) CreateIntent(_ context.Context, _ *model.Payment) (string, error) {
	return model.GenerateID("pi"), nil
}

func (p *localProvider) Refund(_ context.Context, _ *model.Payment) error {
	return nil
}

// HandleCreatePaymentIntent is the payment service's command handler. It
// records a PENDING payment, asks the provider for an intent, and moves the
// payment to PROCESSING while announcing PaymentIntentCreated.
//
// A validation failure (bad amount, unsupported currency) is a business
// outcome, not a transport error: it emits PaymentFailed and acknowledges the
// command so the bus does not retry something that can never succeed.
func (l *Lessonbook) HandleCreatePaymentIntent(ctx context.Context, event *model.Event) error {
	var detail model.PaymentDetail
	if err := event.DecodeDetail(&detail); err != nil {
		return err
	}

	payment, err := l.datasource.GetPaymentBySagaID(ctx, event.SagaID)
	switch {
	case err == nil && payment.Status != model.PaymentStatusPending:
		// Redelivery of a command that already completed.
		return nil
	case err == nil:
		// A previous attempt recorded the payment but crashed before the
		// provider call. Pick up where it left off.
	default:
		if !isNotFound(err) {
			return err
		}
		payment, err = model.NewPayment(event.SagaID, detail.PayerID, detail.Amount, detail.Currency, detail.Context, detail.ContextID)
		if err != nil {
			if errors.Is(err, model.ErrInvalidAmount) || errors.Is(err, model.ErrUnsupportedCurrency) {
				return l.announcePaymentFailure(ctx, event.SagaID, "", err.Error())
			}
			return err
		}
		if payment, err = l.datasource.RecordPayment(ctx, payment); err != nil {
			return err
		}
	}

	intentID, err := l.provider.CreateIntent(ctx, payment)
	if err != nil {
		// Transport failure: leave the payment PENDING and let the bus retry.
		return err
	}

	created, err := model.NewOutboxEvent(model.EventPaymentIntentCreated, "payment", string(payment.PaymentID), payment.SagaID, model.PaymentDetail{
		PaymentID:        payment.PaymentID,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		ProviderIntentID: intentID,
	})
	if err != nil {
		return err
	}

	err = l.datasource.TransitionPayment(ctx, "", payment.PaymentID, model.PaymentStatusPending, model.PaymentStatusProcessing, intentID, "", created)
	if isConflict(err) {
		return nil
	}
	return err
}

// ProviderWebhook is the payload the payment provider posts back when an
// intent settles.
type ProviderWebhook struct {
	EventID  string `json:"event_id"`
	IntentID string `json:"intent_id"`
	Status   string `json:"status"` // "succeeded" or "failed"
	Reason   string `json:"reason,omitempty"`
}

// ProcessProviderWebhook verifies and applies a provider callback. The
// provider retries webhooks, so the whole method must be safe to run twice:
// the idempotency key is claimed inside the transition transaction, so a
// transient failure anywhere before commit leaves the key unclaimed and the
// next retry applies the webhook in full. Exact duplicates and races between
// near-simultaneous deliveries both surface as a conflict and are
// acknowledged without effect.
func (l *Lessonbook) ProcessProviderWebhook(ctx context.Context, body []byte, signature string) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if !VerifyProviderSignature(body, signature, conf.Provider.WebhookSecret) {
		return apierror.NewAPIError(apierror.ErrUnauthorized, "Invalid webhook signature", nil)
	}

	var hook ProviderWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Malformed webhook payload", err)
	}
	if hook.EventID == "" || hook.IntentID == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Webhook payload missing event_id or intent_id", nil)
	}

	payment, err := l.datasource.GetPaymentByProviderIntent(ctx, hook.IntentID)
	if err != nil {
		return err
	}

	dedupKey := "webhook:" + hook.EventID

	switch hook.Status {
	case "succeeded":
		succeeded, err := model.NewOutboxEvent(model.EventPaymentSucceeded, "payment", string(payment.PaymentID), payment.SagaID, model.PaymentDetail{
			PaymentID:        payment.PaymentID,
			Amount:           payment.Amount,
			Currency:         payment.Currency,
			ProviderIntentID: hook.IntentID,
		})
		if err != nil {
			return err
		}
		err = l.datasource.TransitionPayment(ctx, dedupKey, payment.PaymentID, model.PaymentStatusProcessing, model.PaymentStatusSucceeded, "", "", succeeded)
		if isConflict(err) {
			logrus.WithField("event_id", hook.EventID).Info("duplicate provider webhook ignored")
			return nil
		}
		return err
	case "failed":
		failed, err := model.NewOutboxEvent(model.EventPaymentFailed, "payment", string(payment.PaymentID), payment.SagaID, model.PaymentDetail{
			PaymentID: payment.PaymentID,
			Reason:    hook.Reason,
		})
		if err != nil {
			return err
		}
		err = l.datasource.TransitionPayment(ctx, dedupKey, payment.PaymentID, model.PaymentStatusProcessing, model.PaymentStatusFailed, "", hook.Reason, failed)
		if isConflict(err) {
			logrus.WithField("event_id", hook.EventID).Info("duplicate provider webhook ignored")
			return nil
		}
		return err
	}
	return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown webhook status %q", hook.Status), nil)
}

// HandleRefundPayment is the payment service's compensation handler. Refunds
// are only legal from SUCCEEDED; a payment that never settled has nothing to
// give back, so RefundCompleted is announced directly and the saga can finish
// compensating.
//
// The provider call is claimed under an idempotency key first: two
// RefundPayment deliveries for the same payment can race (a late
// PaymentSucceeded on a failed saga enqueues its own refund), and only the
// claim winner may talk to the provider. A transient provider error releases
// the claim so the redelivery can try again.
func (l *Lessonbook) HandleRefundPayment(ctx context.Context, event *model.Event) error {
	payment, err := l.datasource.GetPaymentBySagaID(ctx, event.SagaID)
	if err != nil {
		if isNotFound(err) {
			return l.announceRefundCompleted(ctx, event.SagaID, "")
		}
		return err
	}

	if !payment.Refundable() {
		if payment.Status == model.PaymentStatusRefunded {
			return nil
		}
		return l.announceRefundCompleted(ctx, event.SagaID, payment.PaymentID)
	}

	refundKey := "refund:" + string(payment.PaymentID)
	fresh, err := l.datasource.CheckAndRecordKey(ctx, refundKey)
	if err != nil {
		return err
	}
	if !fresh {
		logrus.WithField("payment_id", payment.PaymentID).Info("refund already claimed by another delivery")
		return nil
	}

	if err := l.provider.Refund(ctx, payment); err != nil {
		conf, cerr := config.Fetch()
		if cerr != nil {
			return cerr
		}
		retried, _ := asynq.GetRetryCount(ctx)
		if retried >= conf.Bus.MaxRetry {
			// Out of retries. Surface the failure instead of silently
			// dropping the task into asynq's archive.
			logrus.WithError(err).WithField("payment_id", payment.PaymentID).Error("refund exhausted retries")
			failed, ferr := model.NewOutboxEvent(model.EventRefundFailed, "payment", string(payment.PaymentID), payment.SagaID, model.PaymentDetail{
				PaymentID: payment.PaymentID,
				Reason:    err.Error(),
			})
			if ferr != nil {
				return ferr
			}
			return l.datasource.AppendOutboxEvent(ctx, failed)
		}
		// The provider did not refund; release the claim so the retry can
		// take it.
		if derr := l.datasource.DeleteIdempotencyKey(ctx, refundKey); derr != nil {
			logrus.WithError(derr).WithField("payment_id", payment.PaymentID).Error("failed to release refund claim")
		}
		return err
	}

	completed, err := model.NewOutboxEvent(model.EventRefundCompleted, "payment", string(payment.PaymentID), payment.SagaID, model.PaymentDetail{
		PaymentID: payment.PaymentID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
	})
	if err != nil {
		return err
	}
	err = l.datasource.TransitionPayment(ctx, "", payment.PaymentID, model.PaymentStatusSucceeded, model.PaymentStatusRefunded, "", "", completed)
	if isConflict(err) {
		return nil
	}
	return err
}

// GetPayment returns a payment by id.
func (l *Lessonbook) GetPayment(ctx context.Context, paymentID model.PaymentID) (*model.Payment, error) {
	return l.datasource.GetPayment(ctx, paymentID)
}

// VerifyProviderSignature checks the webhook HMAC. The provider signs the
// raw body with SHA-256 over the shared secret and sends the hex digest in
// the X-Provider-Signature header.
func VerifyProviderSignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (l *Lessonbook) announcePaymentFailure(ctx context.Context, sagaID model.SagaID, paymentID model.PaymentID, reason string) error {
	failed, err := model.NewOutboxEvent(model.EventPaymentFailed, "payment", orSagaID(paymentID, sagaID), sagaID, model.PaymentDetail{
		PaymentID: paymentID,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	return l.datasource.AppendOutboxEvent(ctx, failed)
}

func (l *Lessonbook) announceRefundCompleted(ctx context.Context, sagaID model.SagaID, paymentID model.PaymentID) error {
	completed, err := model.NewOutboxEvent(model.EventRefundCompleted, "payment", orSagaID(paymentID, sagaID), sagaID, model.PaymentDetail{
		PaymentID: paymentID,
	})
	if err != nil {
		return err
	}
	return l.datasource.AppendOutboxEvent(ctx, completed)
}

// orSagaID picks the aggregate id for payment events that may predate the
// payment row itself.
func orSagaID(paymentID model.PaymentID, sagaID model.SagaID) string {
	if paymentID != "" {
		return string(paymentID)
	}
	return string(sagaID)
}

func isNotFound(err error) bool {
	apiErr, ok := err.(apierror.APIError)
	return ok && apiErr.Code == apierror.ErrNotFound
}

func isConflict(err error) bool {
	apiErr, ok := err.(apierror.APIError)
	return ok && apiErr.Code == apierror.ErrConflict
}
