// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionFailed     ActionStatus = "failed"
	ActionCompleted  ActionStatus = "completed"
)

// DefaultMaxRetries is how many drain attempts an action gets before it is
// marked failed and left for operator inspection.
const DefaultMaxRetries = 5

// PendingAction is a durably recorded mutation that could not reach the
// network when it was attempted. EntityType and RecordID tie the action back
// to the local record so a successful drain can clear its needs_sync flag.
type PendingAction struct {
	ID           string
	ActionType   string // e.g. "product.update", "order.create"
	EntityType   string
	RecordID     string
	Endpoint     string
	Method       string
	Payload      []byte
	RetryCount   int
	MaxRetries   int
	Status       ActionStatus
	ErrorMessage string
	CreatedAt    time.Time
	Cascade      *CascadePurge // dependent-state purge to run after a drained delete
}

// Queue is the durable FIFO of externally observable mutations attempted
// while offline. Completed actions are removed; failed ones are kept with
// their error for diagnostics.
type Queue struct {
	store      *Store
	logger     *slog.Logger
	maxRetries int
}

// NewQueue returns a queue backed by the store's database.
func NewQueue(store *Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger, maxRetries: DefaultMaxRetries}
}

// SetDefaultMaxRetries overrides the retry budget applied to actions enqueued
// without an explicit MaxRetries. Values <= 0 are ignored.
func (q *Queue) SetDefaultMaxRetries(n int) {
	if n > 0 {
		q.maxRetries = n
	}
}

// Enqueue durably records an action. Missing fields get defaults: a fresh
// UUID, pending status, the queue's retry budget and a creation timestamp
// of now.
func (q *Queue) Enqueue(ctx context.Context, a *PendingAction) error {
	if a.Endpoint == "" || a.Method == "" {
		return storageErr("enqueue", a.EntityType, fmt.Errorf("action endpoint and method are required"))
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = ActionPending
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = q.maxRetries
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var payload any
	if a.Payload != nil {
		payload = string(a.Payload)
	}
	var cascadeEntity, cascadeField, cascadeValue string
	if a.Cascade != nil {
		cascadeEntity = a.Cascade.EntityType
		cascadeField = a.Cascade.PayloadField
		cascadeValue = a.Cascade.Value
	}
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	_, err := q.store.db.ExecContext(ctx, `INSERT INTO offline_queue
		(id, action_type, entity_type, record_id, endpoint, method, payload,
		 retry_count, max_retries, status, error_message, created_at,
		 cascade_entity, cascade_field, cascade_value)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ActionType, a.EntityType, a.RecordID, a.Endpoint, a.Method, payload,
		a.RetryCount, a.MaxRetries, string(a.Status), a.ErrorMessage, formatTime(a.CreatedAt),
		cascadeEntity, cascadeField, cascadeValue)
	if err != nil {
		return storageErr("enqueue", a.EntityType, err)
	}
	q.logger.Debug("queued offline action",
		"action", a.ActionType, "method", a.Method, "endpoint", a.Endpoint, "id", a.ID)
	return nil
}

const actionColumns = `id, action_type, entity_type, record_id, endpoint, method,
	payload, retry_count, max_retries, status, error_message, created_at,
	cascade_entity, cascade_field, cascade_value`

func scanAction(row rowScanner) (*PendingAction, error) {
	var a PendingAction
	var payload, errMsg sql.NullString
	var status, createdAt string
	var cascadeEntity, cascadeField, cascadeValue string
	err := row.Scan(&a.ID, &a.ActionType, &a.EntityType, &a.RecordID, &a.Endpoint,
		&a.Method, &payload, &a.RetryCount, &a.MaxRetries, &status, &errMsg, &createdAt,
		&cascadeEntity, &cascadeField, &cascadeValue)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		a.Payload = []byte(payload.String)
	}
	a.ErrorMessage = errMsg.String
	a.Status = ActionStatus(status)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for action %s: %w", a.ID, err)
	}
	if cascadeEntity != "" {
		a.Cascade = &CascadePurge{
			EntityType:   cascadeEntity,
			PayloadField: cascadeField,
			Value:        cascadeValue,
		}
	}
	return &a, nil
}

func (q *Queue) listByStatus(ctx context.Context, status ActionStatus, limit int) ([]*PendingAction, error) {
	query := fmt.Sprintf(`SELECT %s FROM offline_queue WHERE status = ? ORDER BY created_at, id`, actionColumns)
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("queue_list", "", err)
	}
	defer rows.Close()

	var out []*PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, storageErr("queue_list", "", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("queue_list", "", err)
	}
	return out, nil
}

// Pending returns queued actions in creation order. limit <= 0 means all.
func (q *Queue) Pending(ctx context.Context, limit int) ([]*PendingAction, error) {
	return q.listByStatus(ctx, ActionPending, limit)
}

// Failed returns terminally failed actions, kept for operator inspection.
func (q *Queue) Failed(ctx context.Context) ([]*PendingAction, error) {
	return q.listByStatus(ctx, ActionFailed, 0)
}

// Len returns the number of actions still awaiting drain.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_queue WHERE status = ?`, string(ActionPending)).Scan(&n)
	if err != nil {
		return 0, storageErr("queue_len", "", err)
	}
	return n, nil
}

func (q *Queue) markProcessing(ctx context.Context, id string) error {
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	_, err := q.store.db.ExecContext(ctx,
		`UPDATE offline_queue SET status = ? WHERE id = ?`, string(ActionProcessing), id)
	if err != nil {
		return storageErr("queue_update", "", err)
	}
	return nil
}

// markCompleted removes the action; completed rows are not retained.
func (q *Queue) markCompleted(ctx context.Context, id string) error {
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	_, err := q.store.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id)
	if err != nil {
		return storageErr("queue_update", "", err)
	}
	return nil
}

// markFailed records a terminal failure. The row stays visible until an
// operator removes or re-queues it.
func (q *Queue) markFailed(ctx context.Context, a *PendingAction, errMsg string) error {
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	_, err := q.store.db.ExecContext(ctx,
		`UPDATE offline_queue SET status = ?, retry_count = ?, error_message = ? WHERE id = ?`,
		string(ActionFailed), a.RetryCount, errMsg, a.ID)
	if err != nil {
		return storageErr("queue_update", "", err)
	}
	return nil
}

// requeue increments the retry counter and puts the action back to pending
// for the next drain pass.
func (q *Queue) requeue(ctx context.Context, a *PendingAction, errMsg string) error {
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	_, err := q.store.db.ExecContext(ctx,
		`UPDATE offline_queue SET status = ?, retry_count = ?, error_message = ? WHERE id = ?`,
		string(ActionPending), a.RetryCount, errMsg, a.ID)
	if err != nil {
		return storageErr("queue_update", "", err)
	}
	return nil
}

// Requeue puts a failed action back into the pending state with a reset retry
// counter. This is the manual-intervention path for terminal failures.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	res, err := q.store.db.ExecContext(ctx,
		`UPDATE offline_queue SET status = ?, retry_count = 0, error_message = '' WHERE id = ? AND status = ?`,
		string(ActionPending), id, string(ActionFailed))
	if err != nil {
		return storageErr("queue_update", "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("queue_update", "", fmt.Errorf("no failed action with id %s", id))
	}
	return nil
}
