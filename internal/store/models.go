package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Sync statuses recorded per store.
const (
	StatusSynced   = "synced"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// History directions.
const (
	DirectionReconnect = "reconnect"
	DirectionRetry     = "retry"
)

type SyncState struct {
	StoreName    string         `db:"store_name" json:"storeName"`
	LastSyncTime sql.NullTime   `db:"last_sync_time" json:"-"`
	StateHash    string         `db:"state_hash" json:"stateHash"`
	Version      int64          `db:"version" json:"version"`
	Status       string         `db:"status" json:"status"`
	ErrorMessage sql.NullString `db:"error_message" json:"-"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updatedAt"`
}

// Conflict is a manual-review item awaiting an operator decision.
type Conflict struct {
	ID                 string          `db:"id" json:"id"`
	StoreName          string          `db:"store_name" json:"store"`
	Field              string          `db:"field_name" json:"field,omitempty"`
	LocalData          json.RawMessage `db:"local_data" json:"local"`
	CloudData          json.RawMessage `db:"cloud_data" json:"remote"`
	ConflictType       string          `db:"conflict_type" json:"kind"`
	DetectedAt         time.Time       `db:"detected_at" json:"detectedAt"`
	Resolved           bool            `db:"resolved" json:"resolved"`
	ResolutionStrategy sql.NullString  `db:"resolution_strategy" json:"-"`
	ResolvedAt         sql.NullTime    `db:"resolved_at" json:"-"`
	ResolvedData       json.RawMessage `db:"resolved_data" json:"resolvedData,omitempty"`
}

// SyncHistory records one reconnect or retry pass.
type SyncHistory struct {
	ID                 string         `db:"id" json:"id"`
	StartedAt          time.Time      `db:"started_at" json:"startedAt"`
	CompletedAt        sql.NullTime   `db:"completed_at" json:"-"`
	Direction          string         `db:"direction" json:"direction"`
	StoresSynced       string         `db:"stores_synced" json:"storesSynced"`
	OperationsReplayed int64          `db:"operations_replayed" json:"operationsReplayed"`
	ConflictsDetected  int            `db:"conflicts_detected" json:"conflictsDetected"`
	Status             string         `db:"status" json:"status"`
	ErrorMessage       sql.NullString `db:"error_message" json:"-"`
}
