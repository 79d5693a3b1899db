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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lessonbook/lessonbook"
	"github.com/lessonbook/lessonbook/config"
	redlock "github.com/lessonbook/lessonbook/internal/lock"
	redis_db "github.com/lessonbook/lessonbook/internal/redis-db"
	"github.com/lessonbook/lessonbook/model"
)

const publisherLockKey = "outbox-publisher"

// eventHandler adapts a core handler to an asynq task handler. The task
// payload is the event envelope the outbox publisher serialized.
func eventHandler(handle func(context.Context, *model.Event) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var event model.Event
		if err := json.Unmarshal(t.Payload(), &event); err != nil {
			logrus.Error(err)
			return err
		}
		return handle(ctx, &event)
	}
}

func initializeQueues(conf *config.Configuration) map[string]int {
	// Commands get more weight than events: they do the actual work while
	// events only advance saga bookkeeping.
	return map[string]int{
		conf.Bus.EventQueue:   2,
		conf.Bus.CommandQueue: 3,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 5,
			Queues:      queues,
		},
	), nil
}

// initializeTaskHandlers routes every event and command type to its handler.
// Events go to the orchestrator; commands go to the resource services.
func initializeTaskHandlers(app *appInstance, mux *asynq.ServeMux) {
	core := app.core

	mux.Handle(model.EventAvailabilityConfirmed, eventHandler(core.HandleAvailabilityConfirmed))
	mux.Handle(model.EventAvailabilityRejected, eventHandler(core.HandleAvailabilityRejected))
	mux.Handle(model.EventPaymentSucceeded, eventHandler(core.HandlePaymentSucceeded))
	mux.Handle(model.EventPaymentFailed, eventHandler(core.HandlePaymentFailed))
	mux.Handle(model.EventResourceCreated, eventHandler(core.HandleResourceCreated))
	mux.Handle(model.EventResourceCreationFailed, eventHandler(core.HandleResourceCreationFailed))
	mux.Handle(model.EventRefundCompleted, eventHandler(core.HandleRefundCompleted))
	mux.Handle(model.EventRefundFailed, eventHandler(core.HandleRefundFailed))

	mux.Handle(model.CommandCheckAvailability, eventHandler(core.HandleCheckAvailability))
	mux.Handle(model.CommandReleaseSlot, eventHandler(core.HandleReleaseSlot))
	mux.Handle(model.CommandCreatePaymentIntent, eventHandler(core.HandleCreatePaymentIntent))
	mux.Handle(model.CommandRefundPayment, eventHandler(core.HandleRefundPayment))
	mux.Handle(model.CommandCreateResource, eventHandler(core.HandleCreateResource))

	// PaymentIntentCreated is informational: the saga stays AWAITING_PAYMENT
	// until the provider settles, so the worker just acknowledges it.
	mux.Handle(model.EventPaymentIntentCreated, eventHandler(func(_ context.Context, event *model.Event) error {
		logrus.WithField("saga_id", event.SagaID).Info("payment intent created")
		return nil
	}))
}

// runOutboxPublisher runs the poll loop behind a Redis lock so only one
// worker process publishes at a time. The lock is renewed at a third of its
// TTL; losing it stops the publisher and rejoins the election.
func runOutboxPublisher(ctx context.Context, app *appInstance, conf *config.Configuration) error {
	bus, err := lessonbook.NewEventBus(conf)
	if err != nil {
		return err
	}

	redisClient, err := redis_db.NewRedisClient([]string{conf.Redis.Dns}, conf.Redis.SkipTLSVerify)
	if err != nil {
		return err
	}

	locker := redlock.NewLocker(redisClient.Client(), publisherLockKey, model.GenerateID("worker"))
	lockTTL := 30 * time.Second

	go func() {
		for {
			if err := locker.WaitLock(ctx, lockTTL, time.Minute); err != nil {
				continue
			}
			logrus.Info("outbox publisher lock acquired")

			publisher, err := lessonbook.NewOutboxPublisher(app.db, bus)
			if err != nil {
				logrus.WithError(err).Error("failed to start outbox publisher")
				_ = locker.Unlock(ctx)
				return
			}
			publisher.Start(ctx)

			renew := time.NewTicker(lockTTL / 3)
			for range renew.C {
				if err := locker.ExtendLock(ctx, lockTTL); err != nil {
					logrus.WithError(err).Warn("outbox publisher lock lost")
					break
				}
			}
			renew.Stop()
			publisher.Stop()
		}
	}()
	return nil
}

// scheduleMaintenance registers the periodic jobs: the reconcile sweep for
// stuck sagas and the retention work on the outbox and idempotency tables.
func scheduleMaintenance(app *appInstance) *cron.Cron {
	c := cron.New()

	_, _ = c.AddFunc("* * * * *", func() {
		if err := app.core.ReconcileStuckSagas(context.Background()); err != nil {
			logrus.WithError(err).Error("reconcile sweep failed")
		}
	})
	_, _ = c.AddFunc("30 2 * * *", func() {
		if err := app.core.ArchiveAndPruneOutbox(context.Background()); err != nil {
			logrus.WithError(err).Error("outbox retention job failed")
		}
	})
	_, _ = c.AddFunc("0 3 * * *", func() {
		if err := app.core.PruneIdempotencyKeys(context.Background()); err != nil {
			logrus.WithError(err).Error("idempotency retention job failed")
		}
	})

	c.Start()
	return c
}

// workerCommands defines the "workers" command: the asynq consumers, the
// outbox publisher and the maintenance cron, all in one process.
func workerCommands(app *appInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start lessonbook workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}

			queues := initializeQueues(conf)

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, mux)

			if err := runOutboxPublisher(ctx, app, conf); err != nil {
				log.Fatal(err)
			}

			maintenance := scheduleMaintenance(app)
			defer maintenance.Stop()

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Bus.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
