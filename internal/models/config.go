package models

import (
	"time"
)

// Config stores key-value configuration for the engine
type Config struct {
	Key       string    `gorm:"primaryKey;size:100" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Config
func (Config) TableName() string {
	return "config"
}

// Common config keys
const (
	ConfigSchemaVersion  = "schema_version"
	ConfigWorkspaceID    = "workspace_id"
	ConfigInitializedAt  = "initialized_at"
	ConfigWorkerSlots    = "worker_slots"
	ConfigBatchParallel  = "batch_parallelism"
	ConfigAdapterTimeout = "adapter_timeout_seconds"
	ConfigListenAddr     = "listen_addr"
	ConfigPollInterval   = "poll_interval_seconds"
)

// Keyring constants. Credentials are stored under the service name keyed
// by the connection's credential handle.
const (
	KeyringServiceName = "conduit"
)

// Defaults applied when the config table has no override
const (
	DefaultWorkerSlots    = 2
	DefaultBatchParallel  = 4
	DefaultAdapterTimeout = 30 * time.Second
	DefaultListenAddr     = ":8080"
	DefaultPollInterval   = 5 * time.Minute
)
