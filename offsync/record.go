// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offsync implements the offline-first data layer of a mobile
// storefront client: a durable SQLite-backed record store with per-record
// sync metadata, a pending-action queue for mutations attempted without
// connectivity, a network monitor, a sync orchestrator that reconciles
// server pulls with last-write-wins semantics, and an optimistic mutation
// manager with snapshot-based rollback.
//
// The engine is server-authoritative and single-writer-per-client. It is not
// a CRDT or multi-master replication system.
package offsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix namespaces client-assigned ids so they can never be mistaken
// for server-assigned ones.
const TempIDPrefix = "temp:"

// Identity is a record id tagged with its provenance. A Temporary identity
// was assigned locally during an optimistic create and must not be treated
// as durable; a confirmed identity came from the server.
type Identity struct {
	id        string
	temporary bool
}

// TemporaryID generates a fresh client-assigned identity.
func TemporaryID() Identity {
	return Identity{id: TempIDPrefix + uuid.NewString(), temporary: true}
}

// ConfirmedID wraps a server-assigned id.
func ConfirmedID(id string) Identity {
	return Identity{id: id}
}

// ParseID classifies a raw id string by its namespace prefix.
func ParseID(id string) Identity {
	if strings.HasPrefix(id, TempIDPrefix) {
		return Identity{id: id, temporary: true}
	}
	return Identity{id: id}
}

func (i Identity) String() string  { return i.id }
func (i Identity) Temporary() bool { return i.temporary }
func (i Identity) IsZero() bool    { return i.id == "" }

// Record is a locally stored entity row plus the sync metadata the engine
// maintains around it. Payload is opaque to the engine.
type Record struct {
	ID            string
	Payload       []byte // serialized entity JSON, opaque
	ServerVersion int64
	LocalVersion  time.Time // timestamp of the last local edit
	LastSyncAt    time.Time // when this record last matched server truth
	Deleted       bool      // tombstone; excluded from Get/List until purged
	NeedsSync     bool      // local change not yet confirmed remotely
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy, including the payload bytes. Snapshots depend on
// clones being fully independent of the original.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	return &cp
}

// Fixed-width fractional seconds keep the stored strings lexically ordered,
// which SQL range comparisons on timestamp columns rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
