// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, entities ...string) *Store {
	t.Helper()
	if len(entities) == 0 {
		entities = []string{"products", "collections", "cart_items"}
	}
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A fresh pool connection would see an empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := OpenStore(db, DefaultStoreConfig(entities...), slog.Default())
	require.NoError(t, err)
	return store
}

func TestOpenStoreCreatesSchema(t *testing.T) {
	store := newTestStore(t)

	for _, table := range []string{"offline_queue", "sync_metadata", "records_products"} {
		var count int
		err := store.db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}
}

func TestPutAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &Record{
		ID:           "p1",
		Payload:      []byte(`{"id":"p1","name":"brake pad","price":45.5}`),
		LocalVersion: time.Now().UTC(),
		NeedsSync:    true,
	}
	require.NoError(t, store.Put(ctx, "products", rec))
	require.False(t, rec.UpdatedAt.IsZero())
	require.False(t, rec.CreatedAt.IsZero())

	got, err := store.Get(ctx, "products", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.Payload, got.Payload)
	require.True(t, got.NeedsSync)

	// Absence is nil, not an error.
	got, err = store.Get(ctx, "products", "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPutRejectsEmptyID(t *testing.T) {
	store := newTestStore(t)

	err := store.Put(context.Background(), "products", &Record{})
	require.Error(t, err)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, ErrEmptyID)
}

func TestUnknownEntity(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "widgets", "x")
	require.ErrorIs(t, err, ErrUnknownEntity)
	err = store.Put(context.Background(), "widgets", &Record{ID: "x"})
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestPutUpdatesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "products", &Record{ID: "p1", Payload: []byte(`{"v":1}`)}))
	first, err := store.Get(ctx, "products", "p1")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "products", &Record{ID: "p1", Payload: []byte(`{"v":2}`)}))
	second, err := store.Get(ctx, "products", "p1")
	require.NoError(t, err)

	require.Equal(t, []byte(`{"v":2}`), second.Payload)
	// CreatedAt is preserved across upserts.
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestTombstonesExcludedFromGetAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "products", &Record{ID: "p1", Payload: []byte(`{}`)}))
	require.NoError(t, store.Put(ctx, "products", &Record{ID: "p2", Payload: []byte(`{}`)}))
	require.NoError(t, store.SoftDelete(ctx, "products", "p1"))

	got, err := store.Get(ctx, "products", "p1")
	require.NoError(t, err)
	require.Nil(t, got)

	recs, err := store.List(ctx, "products")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "p2", recs[0].ID)

	// The tombstone retains its payload for deletion propagation.
	raw, err := store.getRaw(ctx, "products", "p1")
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.True(t, raw.Deleted)
	require.Equal(t, []byte(`{}`), raw.Payload)
}

func TestPurgeOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "products", &Record{ID: "old", Payload: []byte(`{}`)}))
	require.NoError(t, store.Put(ctx, "products", &Record{ID: "fresh", Payload: []byte(`{}`)}))
	require.NoError(t, store.Put(ctx, "products", &Record{ID: "live", Payload: []byte(`{}`)}))
	require.NoError(t, store.SoftDelete(ctx, "products", "old"))
	require.NoError(t, store.SoftDelete(ctx, "products", "fresh"))

	// Age the "old" tombstone past the retention window.
	aged := formatTime(time.Now().UTC().Add(-40 * 24 * time.Hour))
	_, err := store.db.Exec(`UPDATE records_products SET updated_at = ? WHERE id = 'old'`, aged)
	require.NoError(t, err)
	// Age a live record too; it must survive regardless.
	_, err = store.db.Exec(`UPDATE records_products SET updated_at = ? WHERE id = 'live'`, aged)
	require.NoError(t, err)

	n, err := store.PurgeOlderThan(ctx, "products", 30*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	raw, err := store.getRaw(ctx, "products", "old")
	require.NoError(t, err)
	require.Nil(t, raw)
	raw, err = store.getRaw(ctx, "products", "fresh")
	require.NoError(t, err)
	require.NotNil(t, raw)
	live, err := store.Get(ctx, "products", "live")
	require.NoError(t, err)
	require.NotNil(t, live)
}

func TestRestoreIsExact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	orig := &Record{
		ID:            "p1",
		Payload:       []byte(`{"price":10}`),
		ServerVersion: 3,
		LocalVersion:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		LastSyncAt:    time.Date(2026, 5, 1, 12, 0, 1, 0, time.UTC),
	}
	require.NoError(t, store.Put(ctx, "products", orig))
	before, err := store.getRaw(ctx, "products", "p1")
	require.NoError(t, err)

	snap, err := captureSnapshot(ctx, store, "products", "test", "p1", "p2")
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	require.Equal(t, []string{"p2"}, snap.Absent)

	// Mutate p1 and introduce p2, then roll back.
	require.NoError(t, store.Put(ctx, "products", &Record{ID: "p1", Payload: []byte(`{"price":99}`), NeedsSync: true}))
	require.NoError(t, store.Put(ctx, "products", &Record{ID: "p2", Payload: []byte(`{}`)}))

	require.NoError(t, snap.restore(ctx, store))

	after, err := store.getRaw(ctx, "products", "p1")
	require.NoError(t, err)
	require.Equal(t, before, after)

	gone, err := store.getRaw(ctx, "products", "p2")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestStorageUsage(t *testing.T) {
	store := newTestStore(t)

	usage, err := store.StorageUsage(context.Background())
	require.NoError(t, err)
	require.Greater(t, usage.UsedBytes, int64(0))
	require.Equal(t, DefaultSoftLimitBytes, usage.SoftLimitBytes)
	require.Greater(t, usage.Percent, 0.0)
}

func TestSyncMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetMeta(ctx, MetaLastSyncTime)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetMeta(ctx, MetaLastSyncTime, "2026-08-30T10:00:00Z"))
	v, ok, err := store.GetMeta(ctx, MetaLastSyncTime)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2026-08-30T10:00:00Z", v)

	require.NoError(t, store.SetMeta(ctx, MetaLastSyncTime, "2026-08-30T11:00:00Z"))
	v, ok, err = store.GetMeta(ctx, MetaLastSyncTime)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2026-08-30T11:00:00Z", v)
}
