package models

import "time"

const (
	// DefaultMaxRetry is the number of failed attempts after which an operation is dropped.
	DefaultMaxRetry = 3

	// DefaultStorageKey is the key the queue is persisted under.
	DefaultStorageKey = "offline_queue"

	// DefaultDeadLetterKey keeps dropped operations when dead-lettering is enabled.
	DefaultDeadLetterKey = "offline_queue:dead"

	// DefaultDeadLetterLimit bounds the dead-letter list.
	DefaultDeadLetterLimit = 100

	// DeviceIDKey holds the installation id in the key-value store.
	DeviceIDKey = "device_id"

	// DefaultPollInterval is how often the connectivity monitor polls the OS.
	DefaultPollInterval = 5 * time.Second

	// DefaultProbeTimeout bounds a single reachability probe.
	DefaultProbeTimeout = 3 * time.Second

	// DefaultBackendTimeout is the HTTP client timeout for remote handlers.
	DefaultBackendTimeout = 10 * time.Second
)

const (
	EventConnectivityChanged = "connectivity_changed"
	EventOperationEnqueued   = "operation_enqueued"
	EventOperationSynced     = "operation_synced"
	EventOperationRetry      = "operation_retry"
	EventOperationDropped    = "operation_dropped"
	EventDrainCompleted      = "drain_completed"
)
