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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/lessonbook/lessonbook/config"
	"github.com/lessonbook/lessonbook/database"
	"github.com/lessonbook/lessonbook/internal/archive"
	"github.com/lessonbook/lessonbook/internal/notification"
	"github.com/lessonbook/lessonbook/model"
)

// OutboxPublisher polls the outbox and relays pending rows to the bus. The
// mark-dispatched write happens after the publish, so a crash between the two
// republishes the event on restart: delivery is at least once, never lost.
type OutboxPublisher struct {
	datasource  database.IDataSource
	bus         EventBus
	interval    time.Duration
	batchSize   int
	maxAttempts int

	stop chan struct{}
	done chan struct{}
}

// NewOutboxPublisher builds a publisher from the loaded configuration.
func NewOutboxPublisher(ds database.IDataSource, bus EventBus) (*OutboxPublisher, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	return &OutboxPublisher{
		datasource:  ds,
		bus:         bus,
		interval:    conf.Outbox.PollInterval(),
		batchSize:   conf.Outbox.BatchSize,
		maxAttempts: conf.Outbox.MaxDispatchAttempts,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the poll loop. Call Stop to drain and halt it.
func (p *OutboxPublisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Tick(ctx); err != nil {
					logrus.WithError(err).Error("outbox tick failed")
				}
			}
		}
	}()
}

// Stop halts the poll loop and waits for the in-flight tick to finish.
func (p *OutboxPublisher) Stop() {
	close(p.stop)
	<-p.done
}

// Tick runs one poll-publish-mark cycle. Exported so operational tooling and
// tests can drive the publisher deterministically.
func (p *OutboxPublisher) Tick(ctx context.Context) error {
	ctx, span := otel.Tracer("outbox.publisher").Start(ctx, "Publishing outbox batch")
	defer span.End()

	pending, err := p.datasource.FetchPendingOutboxEvents(ctx, p.batchSize)
	if err != nil {
		return err
	}

	for _, event := range pending {
		if err := p.publishOne(ctx, event); err != nil {
			// Keep going; one poisoned event must not block the batch.
			logrus.WithError(err).WithField("event_id", event.EventID).Error("outbox publish failed")
		}
	}
	return nil
}

func (p *OutboxPublisher) publishOne(ctx context.Context, event *model.OutboxEvent) error {
	publish := func() error {
		return p.bus.Publish(ctx, event)
	}
	// A couple of quick in-process retries absorb transient broker hiccups;
	// anything longer-lived is left to the next poll.
	err := backoff.Retry(publish, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2))
	if err != nil {
		if event.DispatchAttempts+1 >= p.maxAttempts {
			if dlErr := p.datasource.MarkOutboxDeadLettered(ctx, event.EventID, err.Error()); dlErr != nil {
				return dlErr
			}
			notification.NotifyError(fmt.Errorf("outbox event %s (%s) dead-lettered after %d attempts: %w", event.EventID, event.Type, event.DispatchAttempts+1, err))
			return nil
		}
		return p.datasource.RecordDispatchFailure(ctx, event.EventID, err.Error())
	}

	return p.datasource.MarkOutboxDispatched(ctx, event.EventID)
}

// ArchiveAndPruneOutbox exports dispatched rows past the retention window to
// S3 and deletes them. Without an archive bucket configured the export is
// skipped and rows are pruned directly.
func (l *Lessonbook) ArchiveAndPruneOutbox(ctx context.Context) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -conf.Outbox.RetentionDays)

	expired, err := l.datasource.GetDispatchedOutboxEventsBefore(ctx, cutoff, 10000)
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		key, err := archive.UploadOutboxEvents(ctx, expired)
		switch {
		case errors.Is(err, archive.ErrNotConfigured):
			logrus.Debug("outbox archive not configured, pruning without export")
		case err != nil:
			// Never prune rows that failed to archive.
			return err
		default:
			logrus.WithFields(logrus.Fields{"key": key, "events": len(expired)}).Info("outbox batch archived")
		}
	}

	pruned, err := l.datasource.PruneOutboxEvents(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		logrus.WithField("rows", pruned).Info("outbox pruned")
	}
	return nil
}

// PruneIdempotencyKeys deletes dedup keys older than the retention window.
func (l *Lessonbook) PruneIdempotencyKeys(ctx context.Context) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -conf.Idempotency.RetentionDays)
	pruned, err := l.datasource.PruneIdempotencyKeys(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		logrus.WithField("rows", pruned).Info("idempotency keys pruned")
	}
	return nil
}

// DeadLetteredEvents lists parked outbox rows for operator inspection.
func (l *Lessonbook) DeadLetteredEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.datasource.GetDeadLetteredOutboxEvents(ctx, limit)
}
