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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	// BusBackendAsynq drives both publishing and the worker consumers.
	BusBackendAsynq = "asynq"
	// BusBackendRabbit publishes to a topic exchange for deployments where
	// subscribers run outside this process.
	BusBackendRabbit = "rabbitmq"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"LSB_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"LSB_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"LSB_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"LSB_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"LSB_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"LSB_REDIS_SKIP_TLS_VERIFY"`
}

// BusConfig selects and tunes the event-bus backend.
type BusConfig struct {
	Backend        string `json:"backend" envconfig:"LSB_BUS_BACKEND"`
	RabbitUrl      string `json:"rabbit_url" envconfig:"LSB_BUS_RABBIT_URL"`
	RabbitExchange string `json:"rabbit_exchange" envconfig:"LSB_BUS_RABBIT_EXCHANGE"`
	EventQueue     string `json:"event_queue" envconfig:"LSB_BUS_EVENT_QUEUE"`
	CommandQueue   string `json:"command_queue" envconfig:"LSB_BUS_COMMAND_QUEUE"`
	MaxRetry       int    `json:"max_retry" envconfig:"LSB_BUS_MAX_RETRY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"LSB_BUS_MONITORING_PORT"`
}

// OutboxConfig tunes the outbox publisher and retention.
type OutboxConfig struct {
	PollIntervalMs      int    `json:"poll_interval_ms" envconfig:"LSB_OUTBOX_POLL_INTERVAL_MS"`
	BatchSize           int    `json:"batch_size" envconfig:"LSB_OUTBOX_BATCH_SIZE"`
	MaxDispatchAttempts int    `json:"max_dispatch_attempts" envconfig:"LSB_OUTBOX_MAX_DISPATCH_ATTEMPTS"`
	RetentionDays       int    `json:"retention_days" envconfig:"LSB_OUTBOX_RETENTION_DAYS"`
	ArchiveBucket       string `json:"archive_bucket" envconfig:"LSB_OUTBOX_ARCHIVE_BUCKET"`
	ArchiveRegion       string `json:"archive_region" envconfig:"LSB_OUTBOX_ARCHIVE_REGION"`
}

// SagaConfig holds the per-state deadlines the reconcile sweep enforces,
// all in minutes.
type SagaConfig struct {
	AvailabilityTimeoutMin int `json:"availability_timeout_min" envconfig:"LSB_SAGA_AVAILABILITY_TIMEOUT_MIN"`
	PaymentTimeoutMin      int `json:"payment_timeout_min" envconfig:"LSB_SAGA_PAYMENT_TIMEOUT_MIN"`
	ResourceTimeoutMin     int `json:"resource_timeout_min" envconfig:"LSB_SAGA_RESOURCE_TIMEOUT_MIN"`
	CompensationTimeoutMin int `json:"compensation_timeout_min" envconfig:"LSB_SAGA_COMPENSATION_TIMEOUT_MIN"`
}

// IdempotencyConfig bounds how long dedup keys are retained. The window must
// cover realistic redelivery horizons of the bus and the payment provider.
type IdempotencyConfig struct {
	RetentionDays int `json:"retention_days" envconfig:"LSB_IDEMPOTENCY_RETENTION_DAYS"`
}

// ProviderConfig covers the payment-provider webhook.
type ProviderConfig struct {
	WebhookSecret string `json:"webhook_secret" envconfig:"LSB_PROVIDER_WEBHOOK_SECRET"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"LSB_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"LSB_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"LSB_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName        string            `json:"project_name" envconfig:"LSB_PROJECT_NAME"`
	AwsAccessKeyId     string            `json:"aws_access_key_id"`
	AwsSecretAccessKey string            `json:"aws_secret_access_key"`
	EnableTelemetry    bool              `json:"enable_telemetry" envconfig:"LSB_ENABLE_TELEMETRY"`
	Server             ServerConfig      `json:"server"`
	DataSource         DataSourceConfig  `json:"data_source"`
	Redis              RedisConfig       `json:"redis"`
	Bus                BusConfig         `json:"bus"`
	Outbox             OutboxConfig      `json:"outbox"`
	Saga               SagaConfig        `json:"saga"`
	Idempotency        IdempotencyConfig `json:"idempotency"`
	Provider           ProviderConfig    `json:"provider"`
	Notification       Notification      `json:"notification"`
	RateLimit          RateLimitConfig   `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("lsb", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called lessonbook.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Lessonbook Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Bus.applyDefaults()
	cnf.Outbox.applyDefaults()
	cnf.Saga.applyDefaults()

	if cnf.Idempotency.RetentionDays == 0 {
		cnf.Idempotency.RetentionDays = 7
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (b *BusConfig) applyDefaults() {
	if b.Backend == "" {
		b.Backend = BusBackendAsynq
	}
	if b.RabbitExchange == "" {
		b.RabbitExchange = "lessonbook.events"
	}
	if b.EventQueue == "" {
		b.EventQueue = "events"
	}
	if b.CommandQueue == "" {
		b.CommandQueue = "commands"
	}
	if b.MaxRetry == 0 {
		b.MaxRetry = 5
	}
	if b.MonitoringPort == "" {
		b.MonitoringPort = "5003"
	}
}

func (o *OutboxConfig) applyDefaults() {
	if o.PollIntervalMs == 0 {
		o.PollIntervalMs = 500
	}
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.MaxDispatchAttempts == 0 {
		o.MaxDispatchAttempts = 10
	}
	if o.RetentionDays == 0 {
		o.RetentionDays = 14
	}
}

func (s *SagaConfig) applyDefaults() {
	if s.AvailabilityTimeoutMin == 0 {
		s.AvailabilityTimeoutMin = 5
	}
	if s.PaymentTimeoutMin == 0 {
		s.PaymentTimeoutMin = 15
	}
	if s.ResourceTimeoutMin == 0 {
		s.ResourceTimeoutMin = 5
	}
	if s.CompensationTimeoutMin == 0 {
		s.CompensationTimeoutMin = 30
	}
}

// PollInterval returns the outbox poll interval as a duration.
func (o OutboxConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMs) * time.Millisecond
}

// DeadlineFor returns how long a saga may sit in the given state before the
// reconcile sweep forces it down a failure or compensation path. A zero
// duration means the state carries no deadline.
func (s SagaConfig) DeadlineFor(state string) time.Duration {
	switch state {
	case "INITIATED", "AWAITING_AVAILABILITY":
		return time.Duration(s.AvailabilityTimeoutMin) * time.Minute
	case "AWAITING_PAYMENT":
		return time.Duration(s.PaymentTimeoutMin) * time.Minute
	case "AWAITING_RESOURCE_CREATION":
		return time.Duration(s.ResourceTimeoutMin) * time.Minute
	case "COMPENSATING":
		return time.Duration(s.CompensationTimeoutMin) * time.Minute
	}
	return 0
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.Bus.applyDefaults()
	mockConfig.Outbox.applyDefaults()
	mockConfig.Saga.applyDefaults()
	if mockConfig.Idempotency.RetentionDays == 0 {
		mockConfig.Idempotency.RetentionDays = 7
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
