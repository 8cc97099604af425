// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Pull is one server response for an entity type, handed to Reconcile.
// Complete must be stated by the caller: only a pull asserted to be the whole
// current entity set allows deletion-by-absence inference. It is never
// guessed from the response shape by the orchestrator itself.
type Pull struct {
	Records    []ServerRecord
	DeletedIDs []string
	Complete   bool
}

// EntityEndpoint binds a registered entity type to its remote list endpoint
// for full syncs. Entities without an endpoint (client-local state such as
// cart items) are simply not listed here.
type EntityEndpoint struct {
	Entity       string
	ListEndpoint string
}

// ReconcileStats summarizes one reconciliation cycle.
type ReconcileStats struct {
	Applied   int // server records upserted locally
	Unchanged int // already identical, skipped
	LocalWins int // pending local edits preserved over the server copy
	Deleted   int // explicit server-reported deletions applied
	Inferred  int // deletions inferred from a complete listing
}

// DrainStats summarizes one queue drain pass.
type DrainStats struct {
	Completed int
	Retried   int
	Failed    int
}

// Drain loop backoff bounds applied when SyncerConfig leaves them zero.
const (
	DefaultBackoffMin = 1 * time.Second
	DefaultBackoffMax = 60 * time.Second
)

// SyncerConfig configures the sync orchestrator.
type SyncerConfig struct {
	Endpoints  []EntityEndpoint
	DrainLimit int                  // actions fetched per drain pass; 0 means all
	BackoffMin time.Duration        // initial pause between drain loop passes
	BackoffMax time.Duration        // cap for the exponential pause
	Metrics    StageMetricsRecorder // optional
}

// Syncer merges authoritative server pulls into the local store and drains
// the pending action queue. Reconcile is serialized per entity type and
// DrainQueue is serialized globally: a second invocation queues behind the
// first, it never runs concurrently against the same table.
type Syncer struct {
	store  *Store
	queue  *Queue
	remote *RemoteClient
	cfg    *SyncerConfig
	logger *slog.Logger

	lockMu      sync.Mutex
	entityLocks map[string]*sync.Mutex
	drainMu     sync.Mutex
	fullSyncMu  sync.Mutex
}

// NewSyncer creates a sync orchestrator over the given store, queue and
// remote client.
func NewSyncer(store *Store, queue *Queue, remote *RemoteClient, cfg *SyncerConfig, logger *slog.Logger) *Syncer {
	if cfg == nil {
		cfg = &SyncerConfig{}
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:       store,
		queue:       queue,
		remote:      remote,
		cfg:         cfg,
		logger:      logger,
		entityLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Syncer) lockFor(entity string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.entityLocks[entity]
	if !ok {
		mu = &sync.Mutex{}
		s.entityLocks[entity] = mu
	}
	return mu
}

func (s *Syncer) observe(ctx context.Context, op, stage string, start time.Time, count int, failed bool) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.ObserveStage(ctx, StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     failed,
	})
}

// Reconcile merges a server pull for one entity type into the local store.
//
// Records without a pending local edit adopt the server copy. Records with
// needs_sync set are only overwritten when the server's updated_at is
// strictly newer than the local edit; ties favor the local value, which will
// be re-sent by the queue. This is deliberate wall-clock last-write-wins, not
// causal ordering. Deletion-by-absence runs only when pull.Complete is true.
func (s *Syncer) Reconcile(ctx context.Context, entity string, pull Pull) (ReconcileStats, error) {
	mu := s.lockFor(entity)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	stats := ReconcileStats{}
	var err error
	defer func() {
		s.observe(ctx, MetricsOpReconcile, MetricsStageTotal, start, len(pull.Records), err != nil)
	}()

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(pull.Records))

	for i := range pull.Records {
		sr := &pull.Records[i]
		seen[sr.ID] = struct{}{}

		var local *Record
		local, err = s.store.getRaw(ctx, entity, sr.ID)
		if err != nil {
			return stats, err
		}

		if local != nil && local.NeedsSync {
			// Unconfirmed local edit. Server wins only if strictly newer.
			if sr.UpdatedAt.After(local.LocalVersion) {
				if err = s.adoptServerRecord(ctx, entity, sr, now); err != nil {
					return stats, err
				}
				stats.Applied++
				s.logger.Info("conflict resolved server-wins",
					"entity", entity, "id", sr.ID,
					"server_updated_at", sr.UpdatedAt, "local_version", local.LocalVersion)
			} else {
				stats.LocalWins++
				s.logger.Info("conflict resolved local-wins",
					"entity", entity, "id", sr.ID,
					"server_updated_at", sr.UpdatedAt, "local_version", local.LocalVersion)
			}
			continue
		}

		if local != nil && !local.Deleted &&
			local.ServerVersion == sr.Version && local.LocalVersion.Equal(sr.UpdatedAt) {
			// Identical to the last adopted copy; repeated pulls are no-ops.
			stats.Unchanged++
			continue
		}

		if err = s.adoptServerRecord(ctx, entity, sr, now); err != nil {
			return stats, err
		}
		stats.Applied++
	}

	deletedSet := make(map[string]struct{}, len(pull.DeletedIDs))
	for _, id := range pull.DeletedIDs {
		deletedSet[id] = struct{}{}
		var local *Record
		local, err = s.store.getRaw(ctx, entity, id)
		if err != nil {
			return stats, err
		}
		if local == nil || local.Deleted {
			continue
		}
		if err = s.store.SoftDelete(ctx, entity, id); err != nil {
			return stats, err
		}
		stats.Deleted++
	}

	if pull.Complete {
		var locals []*Record
		locals, err = s.store.List(ctx, entity)
		if err != nil {
			return stats, err
		}
		for _, local := range locals {
			if _, ok := seen[local.ID]; ok {
				continue
			}
			if _, ok := deletedSet[local.ID]; ok {
				continue
			}
			// Unconfirmed local records (offline creates/edits) are never
			// deleted by absence; the server has not seen them yet.
			if local.NeedsSync || ParseID(local.ID).Temporary() {
				continue
			}
			if err = s.store.SoftDelete(ctx, entity, local.ID); err != nil {
				return stats, err
			}
			stats.Inferred++
			s.logger.Info("deletion inferred from complete listing",
				"entity", entity, "id", local.ID)
		}
	}

	s.logger.Debug("reconcile finished", "entity", entity,
		"applied", stats.Applied, "unchanged", stats.Unchanged,
		"local_wins", stats.LocalWins, "deleted", stats.Deleted, "inferred", stats.Inferred)
	return stats, nil
}

// adoptServerRecord upserts the server copy as confirmed local truth.
func (s *Syncer) adoptServerRecord(ctx context.Context, entity string, sr *ServerRecord, now time.Time) error {
	existing, err := s.store.getRaw(ctx, entity, sr.ID)
	if err != nil {
		return err
	}
	rec := &Record{
		ID:            sr.ID,
		Payload:       sr.Payload,
		ServerVersion: sr.Version,
		LocalVersion:  sr.UpdatedAt,
		LastSyncAt:    now,
		Deleted:       false,
		NeedsSync:     false,
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	return s.store.Put(ctx, entity, rec)
}

// DrainQueue processes pending actions in creation order against the remote
// API. A successful action is removed and, when the response carries the
// entity, the local record adopts server truth and clears needs_sync. A
// failed action is re-queued with its retry counter bumped until max_retries,
// then marked failed and left visible for inspection. A terminal remote
// rejection (4xx) fails immediately; retrying an invalid request cannot
// succeed.
func (s *Syncer) DrainQueue(ctx context.Context) (DrainStats, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	start := time.Now()
	stats := DrainStats{}
	actions, err := s.queue.Pending(ctx, s.cfg.DrainLimit)
	defer func() {
		s.observe(ctx, MetricsOpDrain, MetricsStageTotal, start, len(actions), err != nil)
	}()
	if err != nil {
		return stats, err
	}

	for _, a := range actions {
		if err = ctx.Err(); err != nil {
			return stats, err
		}
		if err = s.queue.markProcessing(ctx, a.ID); err != nil {
			return stats, err
		}

		body, callErr := s.remote.Do(ctx, a.Method, a.Endpoint, a.Payload)
		if callErr != nil {
			a.RetryCount++
			var ne *NetworkError
			terminal := errors.As(callErr, &ne) && !ne.Retryable()
			if terminal || a.RetryCount >= a.MaxRetries {
				if err = s.queue.markFailed(ctx, a, callErr.Error()); err != nil {
					return stats, err
				}
				stats.Failed++
				s.logger.Warn("pending action failed terminally",
					"action", a.ActionType, "id", a.ID,
					"retries", a.RetryCount, "err", callErr)
			} else {
				if err = s.queue.requeue(ctx, a, callErr.Error()); err != nil {
					return stats, err
				}
				stats.Retried++
				s.logger.Debug("pending action will retry",
					"action", a.ActionType, "id", a.ID, "retries", a.RetryCount)
			}
			continue
		}

		if err = s.applyDrainResult(ctx, a, body); err != nil {
			return stats, err
		}
		if err = s.queue.markCompleted(ctx, a.ID); err != nil {
			return stats, err
		}
		stats.Completed++
	}

	s.logger.Debug("queue drain finished",
		"completed", stats.Completed, "retried", stats.Retried, "failed", stats.Failed)
	return stats, nil
}

// applyDrainResult folds a successful action's server response back into the
// local store: the record adopts the server entity (swapping a temp id for
// the server-assigned one on creates) or, for deletes, its tombstone is
// confirmed.
func (s *Syncer) applyDrainResult(ctx context.Context, a *PendingAction, body []byte) error {
	if a.EntityType == "" || a.RecordID == "" {
		return nil
	}
	if _, ok := s.store.entities[a.EntityType]; !ok {
		return nil
	}

	now := time.Now().UTC()

	if strings.EqualFold(a.Method, "DELETE") {
		local, err := s.store.getRaw(ctx, a.EntityType, a.RecordID)
		if err != nil {
			return err
		}
		if local != nil {
			local.NeedsSync = false
			local.LastSyncAt = now
			if err := s.store.Put(ctx, a.EntityType, local); err != nil {
				return err
			}
		}
		if a.Cascade != nil {
			return cascadePurge(ctx, s.store, s.logger, a.Cascade)
		}
		return nil
	}

	sr, err := decodeOptionalRecord(body)
	if err != nil || sr == nil {
		// The server confirmed the action without returning the entity; the
		// next pull will deliver authoritative fields.
		return s.clearNeedsSync(ctx, a.EntityType, a.RecordID, now)
	}

	if sr.ID != a.RecordID {
		// Create confirmed: server assigned the durable id, drop the temp row.
		if err := s.store.hardDelete(ctx, a.EntityType, a.RecordID); err != nil {
			return err
		}
	}
	return s.adoptServerRecord(ctx, a.EntityType, sr, now)
}

func decodeOptionalRecord(body []byte) (*ServerRecord, error) {
	if len(body) == 0 {
		return nil, nil
	}
	return DecodeServerRecord(body)
}

func (s *Syncer) clearNeedsSync(ctx context.Context, entity, id string, now time.Time) error {
	local, err := s.store.getRaw(ctx, entity, id)
	if err != nil || local == nil {
		return err
	}
	local.NeedsSync = false
	local.LastSyncAt = now
	return s.store.Put(ctx, entity, local)
}

// FullSync pulls every configured entity endpoint, reconciles each, then
// drains the queue and records the completion time in sync_metadata. A
// failure in one entity aborts only that entity's reconciliation; the rest
// still run.
func (s *Syncer) FullSync(ctx context.Context) error {
	s.fullSyncMu.Lock()
	defer s.fullSyncMu.Unlock()

	start := time.Now()
	var errs []error
	for _, ep := range s.cfg.Endpoints {
		page, err := s.remote.List(ctx, ep.ListEndpoint)
		if err != nil {
			errs = append(errs, fmt.Errorf("pull %s: %w", ep.Entity, err))
			continue
		}
		pull := Pull{Records: page.Records, DeletedIDs: page.DeletedIDs, Complete: page.Complete}
		if _, err := s.Reconcile(ctx, ep.Entity, pull); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", ep.Entity, err))
		}
	}

	if _, err := s.DrainQueue(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain queue: %w", err))
	}

	err := errors.Join(errs...)
	s.observe(ctx, MetricsOpFullSync, MetricsStageTotal, start, len(s.cfg.Endpoints), err != nil)
	if err != nil {
		return err
	}
	return s.store.SetMeta(ctx, MetaLastSyncTime, formatTime(time.Now().UTC()))
}

// DrainLoop repeatedly drains the queue until the context is canceled,
// pausing between passes. The pause starts at BackoffMin and doubles up to
// BackoffMax after a pass that left retried or errored work behind; a clean
// pass resets it. Use this alongside AttachMonitor when queued actions must
// keep retrying without waiting for the next connectivity transition.
func (s *Syncer) DrainLoop(ctx context.Context) {
	backoff := s.cfg.BackoffMin
	for {
		stats, err := s.DrainQueue(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil || stats.Retried > 0:
			backoff *= 2
			if backoff > s.cfg.BackoffMax {
				backoff = s.cfg.BackoffMax
			}
			if err != nil {
				s.logger.Warn("drain pass failed", "err", err, "backoff", backoff)
			}
		default:
			backoff = s.cfg.BackoffMin
		}
		if !sleepWithContext(ctx, backoff) {
			return
		}
	}
}

// sleepWithContext pauses for d and reports false if the context was canceled
// before the pause elapsed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// AttachMonitor subscribes the syncer to connectivity transitions: a restored
// event triggers a full sync in the background. The returned cancel func
// detaches the subscription, cancels any in-flight sync it started and waits
// for it to finish, so callers can safely tear down the store afterwards.
func (s *Syncer) AttachMonitor(ctx context.Context, m *Monitor) (cancel func()) {
	ctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	unsubscribe := m.Subscribe(func(ev Event) {
		if ev != EventRestored {
			return
		}
		if ctx.Err() != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.FullSync(ctx); err != nil {
				s.logger.Warn("full sync after reconnect failed", "err", err)
			}
		}()
	})
	return func() {
		unsubscribe()
		stop()
		wg.Wait()
	}
}
