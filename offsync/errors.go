// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"errors"
	"fmt"
)

// ErrEmptyID is returned when a record operation is attempted without an id.
var ErrEmptyID = errors.New("record id must not be empty")

// ErrUnknownEntity is returned when an entity type was not registered at open.
var ErrUnknownEntity = errors.New("entity type is not registered")

// ErrSnapshotActive is returned when a mutation is attempted while a prior
// snapshot for the same record is still pending commit or restore. Snapshots
// are single-use and never nest.
var ErrSnapshotActive = errors.New("snapshot already pending for record")

// StorageError reports an I/O or serialization failure in the local store.
// It is always surfaced to the caller and must be treated as a failed
// operation, never as "record not found" (absence is reported as a nil
// record, not an error).
type StorageError struct {
	Op     string // store operation, e.g. "put", "list", "purge"
	Entity string // entity type, empty for engine-level failures
	Err    error
}

func (e *StorageError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Entity: entity, Err: err}
}

// NetworkError reports a failed remote call. StatusCode is zero when the
// request never reached the server (DNS, timeout, connection refused).
type NetworkError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s %s: status %d", e.Method, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Transport failures and
// 5xx responses are retryable; 4xx responses are terminal (the request itself
// is wrong and will not succeed on replay).
func (e *NetworkError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}
