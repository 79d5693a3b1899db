package database

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/lessonbook/lessonbook/config"
	"github.com/lessonbook/lessonbook/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con, Cache: nil}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	if _, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS lessonbook`); err != nil {
		return nil, err
	}
	err = createSagaInstanceTable(db)
	if err != nil {
		return nil, err
	}
	err = createOutboxTable(db)
	if err != nil {
		return nil, err
	}
	err = createPaymentTable(db)
	if err != nil {
		return nil, err
	}
	err = createBookingTable(db)
	if err != nil {
		return nil, err
	}
	err = createAvailabilitySlotTable(db)
	if err != nil {
		return nil, err
	}
	err = createIdempotencyKeyTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	idWithSuffix := fmt.Sprintf("%s_%s", module, id.String())
	return idWithSuffix
}

// createSagaInstanceTable creates the table backing SagaInstance. The version
// column implements optimistic locking: every transition checks and bumps it.
func createSagaInstanceTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lessonbook.saga_instances (
			id SERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			initiator_id TEXT NOT NULL,
			current_state TEXT NOT NULL,
			payment_id TEXT,
			resource_id TEXT,
			failure_reason TEXT,
			amount NUMERIC NOT NULL,
			currency TEXT NOT NULL,
			time_slot TEXT,
			attempt_count INT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMP
		)
	`)
	if err != nil {
		log.Printf("Error creating saga_instances table: %v", err)
	}
	return err
}

// createOutboxTable creates the transactional outbox. Rows are append-only;
// only dispatch bookkeeping columns are ever updated.
func createOutboxTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lessonbook.outbox_events (
			id SERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			saga_id TEXT,
			payload JSONB,
			occurred_at TIMESTAMP NOT NULL DEFAULT NOW(),
			dispatched_at TIMESTAMP,
			dispatch_attempts INT NOT NULL DEFAULT 0,
			dead_lettered BOOLEAN NOT NULL DEFAULT FALSE,
			last_error TEXT
		)
	`)
	if err != nil {
		log.Printf("Error creating outbox_events table: %v", err)
	}
	return err
}

func createPaymentTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lessonbook.payments (
			id SERIAL PRIMARY KEY,
			payment_id TEXT NOT NULL UNIQUE,
			saga_id TEXT NOT NULL,
			payer_id TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			currency TEXT NOT NULL,
			context TEXT NOT NULL,
			context_id TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_intent_id TEXT,
			failure_reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating payments table: %v", err)
	}
	return err
}

func createBookingTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lessonbook.bookings (
			id SERIAL PRIMARY KEY,
			resource_id TEXT NOT NULL UNIQUE,
			saga_id TEXT NOT NULL,
			type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			participants JSONB,
			time_slot TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating bookings table: %v", err)
	}
	return err
}

// createAvailabilitySlotTable creates the availability calendar. The unique
// constraint on (subject_id, time_slot) is what makes slot reservation a
// conditional write.
func createAvailabilitySlotTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lessonbook.availability_slots (
			id SERIAL PRIMARY KEY,
			slot_id TEXT NOT NULL UNIQUE,
			subject_id TEXT NOT NULL,
			time_slot TEXT NOT NULL,
			saga_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (subject_id, time_slot)
		)
	`)
	if err != nil {
		log.Printf("Error creating availability_slots table: %v", err)
	}
	return err
}

func createIdempotencyKeyTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lessonbook.idempotency_keys (
			key TEXT PRIMARY KEY,
			recorded_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating idempotency_keys table: %v", err)
	}
	return err
}
