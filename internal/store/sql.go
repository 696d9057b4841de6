package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"offline-sync-service/internal/database"
)

func schema(d database.Dialect) []string {
	if d == database.SQLite {
		return []string{
			`CREATE TABLE IF NOT EXISTS sync_state (
				store_name TEXT PRIMARY KEY,
				last_sync_time TIMESTAMP NULL,
				state_hash TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				error_message TEXT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS conflicts (
				id TEXT PRIMARY KEY,
				store_name TEXT NOT NULL,
				field_name TEXT NOT NULL DEFAULT '',
				local_data TEXT NULL,
				cloud_data TEXT NULL,
				conflict_type TEXT NOT NULL,
				detected_at TIMESTAMP NOT NULL,
				resolved BOOLEAN NOT NULL DEFAULT 0,
				resolution_strategy TEXT NULL,
				resolved_at TIMESTAMP NULL,
				resolved_data TEXT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sync_history (
				id TEXT PRIMARY KEY,
				started_at TIMESTAMP NOT NULL,
				completed_at TIMESTAMP NULL,
				direction TEXT NOT NULL,
				stores_synced TEXT NOT NULL,
				operations_replayed INTEGER NOT NULL DEFAULT 0,
				conflicts_detected INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				error_message TEXT NULL
			)`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			store_name VARCHAR(191) PRIMARY KEY,
			last_sync_time DATETIME(6) NULL,
			state_hash VARCHAR(64) NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL,
			error_message TEXT NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id VARCHAR(36) PRIMARY KEY,
			store_name VARCHAR(191) NOT NULL,
			field_name VARCHAR(191) NOT NULL DEFAULT '',
			local_data JSON NULL,
			cloud_data JSON NULL,
			conflict_type VARCHAR(32) NOT NULL,
			detected_at DATETIME(6) NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolution_strategy VARCHAR(32) NULL,
			resolved_at DATETIME(6) NULL,
			resolved_data JSON NULL,
			INDEX idx_conflicts_resolved (resolved)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id VARCHAR(36) PRIMARY KEY,
			started_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			direction VARCHAR(32) NOT NULL,
			stores_synced TEXT NOT NULL,
			operations_replayed BIGINT NOT NULL DEFAULT 0,
			conflicts_detected INT NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL,
			error_message TEXT NULL
		)`,
	}
}

// SQLStore persists engine bookkeeping in MySQL or SQLite.
type SQLStore struct {
	db  *database.Database
	now func() time.Time
}

func NewSQLStore(ctx context.Context, db *database.Database) (*SQLStore, error) {
	if err := db.EnsureSchema(ctx, schema(db.Dialect)); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

const syncStateColumns = `store_name, last_sync_time, state_hash, version, status, error_message, updated_at`

func scanSyncState(row interface{ Scan(...any) error }) (*SyncState, error) {
	var st SyncState
	err := row.Scan(
		&st.StoreName,
		&st.LastSyncTime,
		&st.StateHash,
		&st.Version,
		&st.Status,
		&st.ErrorMessage,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLStore) GetSyncState(ctx context.Context, storeName string) (*SyncState, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+syncStateColumns+` FROM sync_state WHERE store_name = ?`, storeName)
	st, err := scanSyncState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, database.Classify("get sync state", err)
	}
	return st, nil
}

func (s *SQLStore) ListSyncStates(ctx context.Context) ([]*SyncState, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT `+syncStateColumns+` FROM sync_state ORDER BY store_name`)
	if err != nil {
		return nil, database.Classify("list sync states", err)
	}
	defer rows.Close()

	var states []*SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *SQLStore) UpdateSyncState(ctx context.Context, state *SyncState) error {
	query := `INSERT INTO sync_state (store_name, last_sync_time, state_hash, version, status, error_message, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  last_sync_time = VALUES(last_sync_time),
			  state_hash = VALUES(state_hash),
			  version = VALUES(version),
			  status = VALUES(status),
			  error_message = VALUES(error_message),
			  updated_at = VALUES(updated_at)`
	if s.db.Dialect == database.SQLite {
		query = `INSERT INTO sync_state (store_name, last_sync_time, state_hash, version, status, error_message, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(store_name) DO UPDATE SET
			  last_sync_time = excluded.last_sync_time,
			  state_hash = excluded.state_hash,
			  version = excluded.version,
			  status = excluded.status,
			  error_message = excluded.error_message,
			  updated_at = excluded.updated_at`
	}

	state.UpdatedAt = s.now().UTC()
	_, err := s.db.DB.ExecContext(ctx, query,
		state.StoreName,
		state.LastSyncTime,
		state.StateHash,
		state.Version,
		state.Status,
		state.ErrorMessage,
		state.UpdatedAt,
	)
	return database.Classify("update sync state", err)
}

const conflictColumns = `id, store_name, field_name, local_data, cloud_data, conflict_type, detected_at, resolved, resolution_strategy, resolved_at, resolved_data`

func scanConflict(row interface{ Scan(...any) error }) (*Conflict, error) {
	var (
		c                        Conflict
		local, cloud, resolvedTo sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&c.StoreName,
		&c.Field,
		&local,
		&cloud,
		&c.ConflictType,
		&c.DetectedAt,
		&c.Resolved,
		&c.ResolutionStrategy,
		&c.ResolvedAt,
		&resolvedTo,
	)
	if err != nil {
		return nil, err
	}
	c.LocalData = rawJSON(local)
	c.CloudData = rawJSON(cloud)
	c.ResolvedData = rawJSON(resolvedTo)
	return &c, nil
}

func rawJSON(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

func nullJSON(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO conflicts (id, store_name, field_name, local_data, cloud_data, conflict_type, detected_at, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		conflict.ID,
		conflict.StoreName,
		conflict.Field,
		nullJSON(conflict.LocalData),
		nullJSON(conflict.CloudData),
		conflict.ConflictType,
		conflict.DetectedAt,
		conflict.Resolved,
	)
	return database.Classify("create conflict", err)
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, database.Classify("get conflict", err)
	}
	return c, nil
}

func (s *SQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE resolved = ? ORDER BY detected_at, id LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, resolved, limit, offset)
	if err != nil {
		return nil, database.Classify("list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolveConflict marks an open conflict resolved. Resolving an unknown or
// already resolved conflict returns ErrNotFound.
func (s *SQLStore) ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error {
	query := `UPDATE conflicts SET resolved = ?, resolution_strategy = ?, resolved_data = ?, resolved_at = ? WHERE id = ? AND resolved = ?`

	res, err := s.db.DB.ExecContext(ctx, query, true, strategy, nullJSON(resolvedData), s.now().UTC(), id, false)
	if err != nil {
		return database.Classify("resolve conflict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, completed_at, direction, stores_synced, operations_replayed, conflicts_detected, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		history.ID,
		history.StartedAt,
		history.CompletedAt,
		history.Direction,
		history.StoresSynced,
		history.OperationsReplayed,
		history.ConflictsDetected,
		history.Status,
		history.ErrorMessage,
	)
	return database.Classify("create history", err)
}

func (s *SQLStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, stores_synced = ?, operations_replayed = ?, conflicts_detected = ?, status = ?, error_message = ? WHERE id = ?`

	_, err := s.db.DB.ExecContext(ctx, query,
		history.CompletedAt,
		history.StoresSynced,
		history.OperationsReplayed,
		history.ConflictsDetected,
		history.Status,
		history.ErrorMessage,
		history.ID,
	)
	return database.Classify("update history", err)
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, started_at, completed_at, direction, stores_synced, operations_replayed, conflicts_detected, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, database.Classify("get history", err)
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		err := rows.Scan(
			&h.ID,
			&h.StartedAt,
			&h.CompletedAt,
			&h.Direction,
			&h.StoresSynced,
			&h.OperationsReplayed,
			&h.ConflictsDetected,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

var _ Store = (*SQLStore)(nil)
