// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Store, *Queue) {
	t.Helper()
	store := newTestStore(t)
	return store, NewQueue(store, slog.Default())
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	_, queue := newTestQueue(t)
	ctx := context.Background()

	a := &PendingAction{
		ActionType: "product.update",
		EntityType: "products",
		RecordID:   "p1",
		Endpoint:   "/products/p1",
		Method:     "PUT",
		Payload:    []byte(`{"price":99}`),
	}
	require.NoError(t, queue.Enqueue(ctx, a))
	require.NotEmpty(t, a.ID)
	require.Equal(t, ActionPending, a.Status)
	require.Equal(t, DefaultMaxRetries, a.MaxRetries)
	require.Equal(t, 0, a.RetryCount)
	require.False(t, a.CreatedAt.IsZero())

	pending, err := queue.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, a.ID, pending[0].ID)
	require.Equal(t, []byte(`{"price":99}`), pending[0].Payload)
}

func TestEnqueueUsesConfiguredRetryBudget(t *testing.T) {
	_, queue := newTestQueue(t)
	queue.SetDefaultMaxRetries(9)
	ctx := context.Background()

	a := &PendingAction{ActionType: "order.create", Endpoint: "/orders", Method: "POST"}
	require.NoError(t, queue.Enqueue(ctx, a))
	require.Equal(t, 9, a.MaxRetries)

	// An explicit budget is never overridden, and a non-positive override
	// leaves the current budget in place.
	queue.SetDefaultMaxRetries(0)
	b := &PendingAction{ActionType: "order.create", Endpoint: "/orders", Method: "POST", MaxRetries: 2}
	require.NoError(t, queue.Enqueue(ctx, b))
	require.Equal(t, 2, b.MaxRetries)

	c := &PendingAction{ActionType: "order.create", Endpoint: "/orders", Method: "POST"}
	require.NoError(t, queue.Enqueue(ctx, c))
	require.Equal(t, 9, c.MaxRetries)
}

func TestEnqueuePersistsCascade(t *testing.T) {
	_, queue := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, &PendingAction{
		ActionType: "collection.delete",
		EntityType: "collections",
		RecordID:   "B",
		Endpoint:   "/collections/B",
		Method:     "DELETE",
		Cascade: &CascadePurge{
			EntityType:   "cart_items",
			PayloadField: "bundle_group_id",
			Value:        "B",
		},
	}))

	pending, err := queue.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].Cascade, "cascade must survive the round trip through the queue")
	require.Equal(t, "cart_items", pending[0].Cascade.EntityType)
	require.Equal(t, "bundle_group_id", pending[0].Cascade.PayloadField)
	require.Equal(t, "B", pending[0].Cascade.Value)
}

func TestEnqueueRequiresEndpointAndMethod(t *testing.T) {
	_, queue := newTestQueue(t)

	err := queue.Enqueue(context.Background(), &PendingAction{ActionType: "x"})
	require.Error(t, err)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
}

func TestPendingOrderIsFIFO(t *testing.T) {
	_, queue := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, name := range []string{"first", "second", "third"} {
		require.NoError(t, queue.Enqueue(ctx, &PendingAction{
			ID:         name,
			ActionType: "order.create",
			Endpoint:   "/orders",
			Method:     "POST",
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	pending, err := queue.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "first", pending[0].ID)
	require.Equal(t, "second", pending[1].ID)
	require.Equal(t, "third", pending[2].ID)

	limited, err := queue.Pending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestQueueLifecycle(t *testing.T) {
	_, queue := newTestQueue(t)
	ctx := context.Background()

	a := &PendingAction{
		ActionType: "product.delete",
		Endpoint:   "/products/p1",
		Method:     "DELETE",
		MaxRetries: 2,
	}
	require.NoError(t, queue.Enqueue(ctx, a))

	require.NoError(t, queue.markProcessing(ctx, a.ID))
	pending, err := queue.Pending(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	// First failure goes back to pending with the retry count bumped.
	a.RetryCount++
	require.NoError(t, queue.requeue(ctx, a, "connection refused"))
	pending, err = queue.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
	require.Equal(t, "connection refused", pending[0].ErrorMessage)

	// Terminal failure stays visible with its error.
	a.RetryCount++
	require.NoError(t, queue.markFailed(ctx, a, "boom"))
	failed, err := queue.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "boom", failed[0].ErrorMessage)
	require.Equal(t, 2, failed[0].RetryCount)

	// Manual requeue resets the counter.
	require.NoError(t, queue.Requeue(ctx, a.ID))
	pending, err = queue.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 0, pending[0].RetryCount)
}

func TestMarkCompletedRemovesAction(t *testing.T) {
	_, queue := newTestQueue(t)
	ctx := context.Background()

	a := &PendingAction{ActionType: "x", Endpoint: "/x", Method: "POST"}
	require.NoError(t, queue.Enqueue(ctx, a))
	require.NoError(t, queue.markCompleted(ctx, a.ID))

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	var total int
	require.NoError(t, queue.store.db.QueryRow(`SELECT COUNT(*) FROM offline_queue`).Scan(&total))
	require.Equal(t, 0, total)
}

func TestRequeueRejectsNonFailed(t *testing.T) {
	_, queue := newTestQueue(t)
	ctx := context.Background()

	a := &PendingAction{ActionType: "x", Endpoint: "/x", Method: "POST"}
	require.NoError(t, queue.Enqueue(ctx, a))
	require.Error(t, queue.Requeue(ctx, a.ID))
}
