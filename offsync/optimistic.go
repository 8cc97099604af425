// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MutationKind is the class of write wrapped by the mutation manager.
type MutationKind int

const (
	MutationCreate MutationKind = iota
	MutationUpdate
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationCreate:
		return "create"
	case MutationUpdate:
		return "update"
	default:
		return "delete"
	}
}

// MutationStatus reports how a mutation resolved.
type MutationStatus int

const (
	// MutationConfirmed means the remote call succeeded and the local record
	// carries server truth.
	MutationConfirmed MutationStatus = iota
	// MutationPendingSync means the device was offline: the local change is
	// visible immediately and the remote call was queued for a later drain.
	MutationPendingSync
)

// CascadePurge describes client-local state that must be purged after a
// delete is confirmed remotely: dependent records of EntityType whose JSON
// payload field matches Value (e.g. cart items tagged with a deleted bundle
// offer's group id). The purge never runs before confirmation, so a failed
// delete cannot destroy dependent state.
type CascadePurge struct {
	EntityType   string
	PayloadField string
	Value        string
}

// MutationRequest describes one optimistic write.
type MutationRequest struct {
	Kind       MutationKind
	EntityType string
	ID         Identity // target record; zero for create (a temp id is assigned)
	Payload    []byte   // desired entity JSON; nil for delete
	ActionType string   // queued action label, e.g. "product.update"
	Endpoint   string   // remote endpoint for the call and for queued actions
	Method     string   // HTTP method
	Call       RemoteCall // optional override of the default remote invocation
	Cascade    *CascadePurge // delete only
}

// MutationResult is the outcome of a mutation.
type MutationResult struct {
	Status MutationStatus
	ID     Identity // final identity: confirmed on success, temporary while pending
	Record *Record  // local state after the mutation; nil after a confirmed delete
}

// Mutator applies writes optimistically: local state changes immediately, the
// remote call confirms or rolls back, and network absence turns the remote
// call into a queued pending action. Mutations on the same (entity, id) are
// totally ordered by a per-record mutex.
type Mutator struct {
	store   *Store
	queue   *Queue
	monitor *Monitor
	remote  *RemoteClient
	logger  *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]struct{} // records with a live snapshot
}

// NewMutator creates an optimistic mutation manager.
func NewMutator(store *Store, queue *Queue, monitor *Monitor, remote *RemoteClient, logger *slog.Logger) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{
		store:   store,
		queue:   queue,
		monitor: monitor,
		remote:  remote,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
		active:  make(map[string]struct{}),
	}
}

func (m *Mutator) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[key] = mu
	}
	return mu
}

func (m *Mutator) acquireSnapshotSlot(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[key]; ok {
		return ErrSnapshotActive
	}
	m.active[key] = struct{}{}
	return nil
}

func (m *Mutator) releaseSnapshotSlot(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, key)
}

// Mutate runs one optimistic write: snapshot, local apply with needs_sync
// set, then either a remote confirmation (success replaces local state with
// server truth, failure restores the snapshot exactly) or, when offline, a
// queued pending action with an immediate success-with-pending result.
func (m *Mutator) Mutate(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	if req.EntityType == "" {
		return nil, fmt.Errorf("mutation entity type is required")
	}
	id := req.ID
	if req.Kind == MutationCreate && id.IsZero() {
		id = TemporaryID()
	}
	if id.IsZero() {
		return nil, ErrEmptyID
	}
	if req.Kind != MutationCreate && id.Temporary() {
		// A temp id is not durable; updates and deletes need a confirmed
		// identity or must wait for the create to drain.
		return nil, fmt.Errorf("cannot %s with temporary id %s", req.Kind, id)
	}

	key := req.EntityType + "/" + id.String()
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if err := m.acquireSnapshotSlot(key); err != nil {
		return nil, err
	}
	defer m.releaseSnapshotSlot(key)

	snap, err := captureSnapshot(ctx, m.store, req.EntityType, req.Kind.String()+" "+id.String(), id.String())
	if err != nil {
		return nil, err
	}

	rec, err := m.applyLocal(ctx, req, id)
	if err != nil {
		return nil, err
	}

	if m.monitor != nil && !m.monitor.Online() {
		action := &PendingAction{
			ActionType: req.ActionType,
			EntityType: req.EntityType,
			RecordID:   id.String(),
			Endpoint:   req.Endpoint,
			Method:     req.Method,
			Payload:    req.Payload,
			Cascade:    req.Cascade,
		}
		if err := m.queue.Enqueue(ctx, action); err != nil {
			// The local change cannot be confirmed or replayed; undo it.
			if rerr := snap.restore(ctx, m.store); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
		m.logger.Debug("mutation deferred offline",
			"kind", req.Kind.String(), "entity", req.EntityType, "id", id.String())
		return &MutationResult{Status: MutationPendingSync, ID: id, Record: rec}, nil
	}

	call := req.Call
	if call == nil {
		call = m.remote.Call(req.Method, req.Endpoint, req.Payload)
	}
	sr, callErr := call(ctx)
	if callErr != nil {
		if rerr := snap.restore(ctx, m.store); rerr != nil {
			return nil, errors.Join(callErr, rerr)
		}
		m.logger.Debug("mutation rolled back",
			"kind", req.Kind.String(), "entity", req.EntityType, "id", id.String(), "err", callErr)
		return nil, fmt.Errorf("remote %s %s failed: %w", req.Kind, req.EntityType, callErr)
	}

	return m.confirm(ctx, req, id, rec, sr)
}

// applyLocal performs the immediate local half of the mutation.
func (m *Mutator) applyLocal(ctx context.Context, req MutationRequest, id Identity) (*Record, error) {
	now := time.Now().UTC()

	if req.Kind == MutationDelete {
		local, err := m.store.getRaw(ctx, req.EntityType, id.String())
		if err != nil {
			return nil, err
		}
		if local == nil {
			return nil, fmt.Errorf("cannot delete %s/%s: %w", req.EntityType, id, errNotFound)
		}
		local.Deleted = true
		local.NeedsSync = true
		local.LocalVersion = now
		if err := m.store.Put(ctx, req.EntityType, local); err != nil {
			return nil, err
		}
		return local, nil
	}

	existing, err := m.store.getRaw(ctx, req.EntityType, id.String())
	if err != nil {
		return nil, err
	}
	rec := &Record{ID: id.String()}
	if existing != nil {
		rec = existing
	}
	rec.Payload = req.Payload
	rec.Deleted = false
	rec.NeedsSync = true
	rec.LocalVersion = now
	if err := m.store.Put(ctx, req.EntityType, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

var errNotFound = errors.New("record not found")

// confirm folds the server response into local state after a successful
// remote call.
func (m *Mutator) confirm(ctx context.Context, req MutationRequest, id Identity, rec *Record, sr *ServerRecord) (*MutationResult, error) {
	now := time.Now().UTC()

	switch req.Kind {
	case MutationDelete:
		rec.NeedsSync = false
		rec.LastSyncAt = now
		if err := m.store.Put(ctx, req.EntityType, rec); err != nil {
			return nil, err
		}
		if req.Cascade != nil {
			if err := cascadePurge(ctx, m.store, m.logger, req.Cascade); err != nil {
				return nil, err
			}
		}
		return &MutationResult{Status: MutationConfirmed, ID: id}, nil

	case MutationCreate:
		if sr == nil {
			return nil, fmt.Errorf("remote create %s returned no entity", req.EntityType)
		}
		if sr.ID != id.String() {
			if err := m.store.hardDelete(ctx, req.EntityType, id.String()); err != nil {
				return nil, err
			}
		}
		confirmed := &Record{
			ID:            sr.ID,
			Payload:       sr.Payload,
			ServerVersion: sr.Version,
			LocalVersion:  sr.UpdatedAt,
			LastSyncAt:    now,
		}
		if err := m.store.Put(ctx, req.EntityType, confirmed); err != nil {
			return nil, err
		}
		m.logger.Debug("create confirmed",
			"entity", req.EntityType, "temp_id", id.String(), "id", sr.ID)
		return &MutationResult{Status: MutationConfirmed, ID: ConfirmedID(sr.ID), Record: confirmed}, nil

	default: // MutationUpdate
		if sr != nil {
			rec.Payload = sr.Payload
			rec.ServerVersion = sr.Version
			rec.LocalVersion = sr.UpdatedAt
		}
		rec.NeedsSync = false
		rec.LastSyncAt = now
		if err := m.store.Put(ctx, req.EntityType, rec); err != nil {
			return nil, err
		}
		return &MutationResult{Status: MutationConfirmed, ID: id, Record: rec}, nil
	}
}

// cascadePurge hard-deletes dependent client-local records whose payload
// field matches the cascade value. It runs after a confirmed delete, whether
// the confirmation came from an immediate remote call or a later queue drain.
func cascadePurge(ctx context.Context, store *Store, logger *slog.Logger, c *CascadePurge) error {
	recs, err := store.List(ctx, c.EntityType)
	if err != nil {
		return err
	}
	purged := 0
	for _, rec := range recs {
		var fields map[string]any
		if err := json.Unmarshal(rec.Payload, &fields); err != nil {
			continue
		}
		v, ok := fields[c.PayloadField]
		if !ok {
			continue
		}
		if s, ok := v.(string); !ok || s != c.Value {
			continue
		}
		if err := store.hardDelete(ctx, c.EntityType, rec.ID); err != nil {
			return err
		}
		purged++
	}
	if purged > 0 {
		logger.Info("cascade purge",
			"entity", c.EntityType, "field", c.PayloadField, "value", c.Value, "purged", purged)
	}
	return nil
}
