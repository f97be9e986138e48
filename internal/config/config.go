package config

import (
	"fmt"
	"time"
)

type DB struct {
	Host string `envconfig:"DB_HOST" validate:"required"`
	Port uint64 `envconfig:"DB_PORT" validate:"required"`

	UserName string `envconfig:"DB_USER_NAME" validate:"required"`
	Password string `envconfig:"DB_PASSWORD" validate:"required"`
	DataBase string `envconfig:"DB_NAME" validate:"required"`
}

// Metrics ...
type Metrics struct {
	Port      string `envconfig:"METRICS_PORT" default:"9090"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"taskqueue"`
	Subsystem string `envconfig:"METRICS_SUBSYSTEM" default:"resultstore"`
}

// Queue configures the broker transport.
type Queue struct {
	// Lease must exceed the hard time limit, otherwise an in-flight
	// task is redelivered while still running.
	Lease          time.Duration `envconfig:"QUEUE_LEASE" default:"35m"`
	PollInterval   time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"100ms"`
	DequeueTimeout time.Duration `envconfig:"QUEUE_DEQUEUE_TIMEOUT" default:"5s"`
}

// Worker configures the execution slots.
type Worker struct {
	Concurrency       int           `envconfig:"WORKER_CONCURRENCY" default:"1"`
	MaxTasksPerSlot   uint          `envconfig:"WORKER_MAX_TASKS_PER_SLOT" default:"50"`
	SoftTimeLimit     time.Duration `envconfig:"TASK_SOFT_TIME_LIMIT" default:"25m"`
	HardTimeLimit     time.Duration `envconfig:"TASK_HARD_TIME_LIMIT" default:"30m"`
	ControlInterval   time.Duration `envconfig:"WORKER_CONTROL_INTERVAL" default:"500ms"`
	HeartbeatInterval time.Duration `envconfig:"WORKER_HEARTBEAT_INTERVAL" default:"15s"`
}

// Results configures result retention and lost-worker detection.
type Results struct {
	RetentionTTL    time.Duration `envconfig:"RESULT_RETENTION_TTL" default:"24h"`
	StalenessWindow time.Duration `envconfig:"RESULT_STALENESS_WINDOW" default:"10m"`
	SweepInterval   time.Duration `envconfig:"RESULT_SWEEP_INTERVAL" default:"1h"`
}

type System struct {
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"300s"`
	ReadBufferSize int           `envconfig:"READ_BUFFER_SIZE" default:"16384"`
}

func (d DB) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

type Config struct {
	DB      DB
	Metrics Metrics
	Queue   Queue
	Worker  Worker
	Results Results
	System  System
}
