// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultSoftLimitBytes is the advisory storage budget (3 GiB).
	DefaultSoftLimitBytes = int64(3) << 30

	// DefaultTombstoneRetention is how long tombstones are kept before they
	// become eligible for hard deletion.
	DefaultTombstoneRetention = 30 * 24 * time.Hour

	// MetaLastSyncTime is the sync_metadata key recording when the last full
	// sync completed, so a cold start knows sync recency.
	MetaLastSyncTime = "last_sync_time"
)

// StoreConfig holds configuration for the local record store.
type StoreConfig struct {
	Entities           []string      // entity types to register, one table each
	SoftLimitBytes     int64         // advisory storage budget; 0 means 3 GiB
	TombstoneRetention time.Duration // 0 means 30 days
}

// DefaultStoreConfig returns a store configuration for the given entity types
// with default storage budget and tombstone retention.
func DefaultStoreConfig(entities ...string) *StoreConfig {
	return &StoreConfig{
		Entities:           entities,
		SoftLimitBytes:     DefaultSoftLimitBytes,
		TombstoneRetention: DefaultTombstoneRetention,
	}
}

// Usage reports local storage consumption against the advisory soft limit.
// Exceeding the limit never blocks writes; acting on it (e.g. prompting the
// user) is the caller's decision.
type Usage struct {
	UsedBytes      int64
	SoftLimitBytes int64
	Percent        float64
}

// Store is durable, queryable storage of entity records with tombstoning.
// It is the single shared mutable resource of the engine; all components go
// through its operations and never reach into the database directly.
type Store struct {
	db      *sql.DB
	cfg     *StoreConfig
	logger  *slog.Logger
	writeMu sync.Mutex // serialize writes to prevent SQLite locking issues

	entities map[string]struct{}
}

// OpenStore initializes the engine schema on db and registers the configured
// entity types. The db handle remains owned by the caller.
func OpenStore(db *sql.DB, cfg *StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(cfg.Entities) == 0 {
		return nil, fmt.Errorf("at least one entity type must be registered")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SoftLimitBytes <= 0 {
		cfg.SoftLimitBytes = DefaultSoftLimitBytes
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = DefaultTombstoneRetention
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		entities: make(map[string]struct{}, len(cfg.Entities)),
	}
	for _, entity := range cfg.Entities {
		if err := createEntityTable(db, entity); err != nil {
			return nil, err
		}
		s.entities[entity] = struct{}{}
	}
	return s, nil
}

// Entities returns the registered entity types.
func (s *Store) Entities() []string {
	out := make([]string, 0, len(s.entities))
	for e := range s.entities {
		out = append(out, e)
	}
	return out
}

func (s *Store) table(entity string) (string, error) {
	if _, ok := s.entities[entity]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return recordTable(entity), nil
}

const recordColumns = `id, payload, server_version, local_version, last_sync_at, deleted, needs_sync, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var payload sql.NullString
	var localVersion, lastSyncAt, createdAt, updatedAt string
	var deleted, needsSync int
	err := row.Scan(&rec.ID, &payload, &rec.ServerVersion, &localVersion,
		&lastSyncAt, &deleted, &needsSync, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	rec.Deleted = deleted != 0
	rec.NeedsSync = needsSync != 0
	if rec.LocalVersion, err = parseTime(localVersion); err != nil {
		return nil, fmt.Errorf("bad local_version for %s: %w", rec.ID, err)
	}
	if rec.LastSyncAt, err = parseTime(lastSyncAt); err != nil {
		return nil, fmt.Errorf("bad last_sync_at for %s: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for %s: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func recordArgs(rec *Record) []any {
	var payload any
	if rec.Payload != nil {
		payload = string(rec.Payload)
	}
	return []any{
		rec.ID, payload, rec.ServerVersion, formatTime(rec.LocalVersion),
		formatTime(rec.LastSyncAt), boolToInt(rec.Deleted), boolToInt(rec.NeedsSync),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Put upserts a record by id. UpdatedAt is always bumped to now; CreatedAt is
// set on first insert and preserved on updates.
func (s *Store) Put(ctx context.Context, entity string, rec *Record) error {
	return s.PutMany(ctx, entity, []*Record{rec})
}

// PutMany upserts records in a single transaction.
func (s *Store) PutMany(ctx context.Context, entity string, recs []*Record) error {
	table, err := s.table(entity)
	if err != nil {
		return storageErr("put", entity, err)
	}
	for _, rec := range recs {
		if rec == nil || rec.ID == "" {
			return storageErr("put", entity, ErrEmptyID)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("put", entity, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			payload        = excluded.payload,
			server_version = excluded.server_version,
			local_version  = excluded.local_version,
			last_sync_at   = excluded.last_sync_at,
			deleted        = excluded.deleted,
			needs_sync     = excluded.needs_sync,
			updated_at     = excluded.updated_at`, table, recordColumns)

	for _, rec := range recs {
		rec.UpdatedAt = now
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, stmt, recordArgs(rec)...); err != nil {
			return storageErr("put", entity, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("put", entity, err)
	}
	return nil
}

// Get returns the record with the given id, or nil if it is absent or
// tombstoned. A non-nil error always means the lookup itself failed.
func (s *Store) Get(ctx context.Context, entity, id string) (*Record, error) {
	rec, err := s.getRaw(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Deleted {
		return nil, nil
	}
	return rec, nil
}

// getRaw looks up a record including tombstones. Reconciliation and rollback
// need to see tombstones that Get hides.
func (s *Store) getRaw(ctx context.Context, entity, id string) (*Record, error) {
	table, err := s.table(entity)
	if err != nil {
		return nil, storageErr("get", entity, err)
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, recordColumns, table), id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", entity, err)
	}
	return rec, nil
}

// List returns all non-deleted records of an entity type. Callers must not
// assume any particular order.
func (s *Store) List(ctx context.Context, entity string) ([]*Record, error) {
	return s.list(ctx, entity, false)
}

func (s *Store) list(ctx context.Context, entity string, includeDeleted bool) ([]*Record, error) {
	table, err := s.table(entity)
	if err != nil {
		return nil, storageErr("list", entity, err)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, recordColumns, table)
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list", entity, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("list", entity, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", entity, err)
	}
	return out, nil
}

// SoftDelete tombstones a record. The payload is retained so a later pull can
// still distinguish "deleted after last sync" from "never existed". Deleting
// an absent record is a no-op.
func (s *Store) SoftDelete(ctx context.Context, entity, id string) error {
	table, err := s.table(entity)
	if err != nil {
		return storageErr("soft_delete", entity, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET deleted = 1, updated_at = ? WHERE id = ?`, table),
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return storageErr("soft_delete", entity, err)
	}
	return nil
}

// hardDelete removes a row entirely. Used for temp-id rollback, cascade
// purges and garbage collection; never part of the public sync surface.
func (s *Store) hardDelete(ctx context.Context, entity, id string) error {
	table, err := s.table(entity)
	if err != nil {
		return storageErr("delete", entity, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return storageErr("delete", entity, err)
	}
	return nil
}

// PurgeOlderThan hard-deletes tombstones whose last update is older than age.
// Non-tombstoned records are never purged. Returns the number of rows purged.
func (s *Store) PurgeOlderThan(ctx context.Context, entity string, age time.Duration) (int64, error) {
	table, err := s.table(entity)
	if err != nil {
		return 0, storageErr("purge", entity, err)
	}
	if age <= 0 {
		age = s.cfg.TombstoneRetention
	}
	cutoff := time.Now().UTC().Add(-age)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE deleted = 1 AND updated_at < ?`, table),
		formatTime(cutoff))
	if err != nil {
		return 0, storageErr("purge", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge", entity, err)
	}
	if n > 0 {
		s.logger.Debug("purged tombstones", "entity", entity, "count", n)
	}
	return n, nil
}

// Restore writes back a snapshot's captured rows exactly as captured,
// including timestamps, and deletes rows that did not exist at capture time.
// The whole restore is one transaction so concurrent readers never observe a
// half-applied rollback.
func (s *Store) Restore(ctx context.Context, entity string, recs []*Record, absentIDs []string) error {
	table, err := s.table(entity)
	if err != nil {
		return storageErr("restore", entity, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("restore", entity, err)
	}
	defer tx.Rollback()

	for _, id := range absentIDs {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
			return storageErr("restore", entity, err)
		}
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			payload        = excluded.payload,
			server_version = excluded.server_version,
			local_version  = excluded.local_version,
			last_sync_at   = excluded.last_sync_at,
			deleted        = excluded.deleted,
			needs_sync     = excluded.needs_sync,
			created_at     = excluded.created_at,
			updated_at     = excluded.updated_at`, table, recordColumns)
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, stmt, recordArgs(rec)...); err != nil {
			return storageErr("restore", entity, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("restore", entity, err)
	}
	return nil
}

// StorageUsage reports database size against the advisory soft limit using
// SQLite page accounting. Crossing the limit is logged but never enforced.
func (s *Store) StorageUsage(ctx context.Context) (Usage, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return Usage{}, storageErr("usage", "", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return Usage{}, storageErr("usage", "", err)
	}
	u := Usage{
		UsedBytes:      pageCount * pageSize,
		SoftLimitBytes: s.cfg.SoftLimitBytes,
	}
	u.Percent = float64(u.UsedBytes) / float64(u.SoftLimitBytes) * 100
	if u.UsedBytes > u.SoftLimitBytes {
		s.logger.Warn("storage soft limit exceeded",
			"used_bytes", u.UsedBytes, "soft_limit_bytes", u.SoftLimitBytes)
	}
	return u, nil
}

// SetMeta persists a key/value pair in sync_metadata.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now().UTC()))
	if err != nil {
		return storageErr("set_meta", "", err)
	}
	return nil
}

// GetMeta reads a sync_metadata value. ok is false when the key is absent.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get_meta", "", err)
	}
	return value, true, nil
}
