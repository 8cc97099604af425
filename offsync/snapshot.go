// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time deep copy of the records an optimistic
// mutation is about to touch. It is single-use: discarded on remote success,
// applied back exactly once on remote failure. Snapshots never nest; the
// per-record serialization in the mutation manager guarantees at most one
// live snapshot per record.
type Snapshot struct {
	ID         string
	Label      string
	EntityType string
	Records    []*Record // deep copies of rows that existed at capture
	Absent     []string  // ids that did not exist at capture; restore removes them
	CapturedAt time.Time
}

// captureSnapshot deep-copies the current state of the given ids, recording
// which of them do not exist yet so a restore can delete rows introduced by
// the mutation.
func captureSnapshot(ctx context.Context, store *Store, entity, label string, ids ...string) (*Snapshot, error) {
	snap := &Snapshot{
		ID:         uuid.NewString(),
		Label:      label,
		EntityType: entity,
		CapturedAt: time.Now().UTC(),
	}
	for _, id := range ids {
		rec, err := store.getRaw(ctx, entity, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			snap.Absent = append(snap.Absent, id)
			continue
		}
		snap.Records = append(snap.Records, rec.Clone())
	}
	return snap, nil
}

// restore applies the snapshot back, undoing the optimistic change exactly.
// The store performs it in one transaction so readers never observe a
// half-rolled-back record.
func (s *Snapshot) restore(ctx context.Context, store *Store) error {
	return store.Restore(ctx, s.EntityType, s.Records, s.Absent)
}
