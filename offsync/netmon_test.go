// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	mu     sync.Mutex
	online bool
}

func (p *fakeProbe) set(online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = online
}

func (p *fakeProbe) Online(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func TestMonitorCollapsesIdenticalObservations(t *testing.T) {
	m := NewMonitor(&fakeProbe{online: true}, time.Hour, slog.Default())

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	// Baseline observation sets state without firing.
	m.Observe(true)
	require.Empty(t, events)
	require.Equal(t, StatusOnline, m.Status())

	// Flapping to the same state is not a transition.
	m.Observe(true)
	m.Observe(true)
	require.Empty(t, events)

	m.Observe(false)
	require.Equal(t, []Event{EventLost}, events)
	m.Observe(false)
	require.Equal(t, []Event{EventLost}, events)

	m.Observe(true)
	require.Equal(t, []Event{EventLost, EventRestored}, events)
}

func TestMonitorSubscriptionHandle(t *testing.T) {
	m := NewMonitor(&fakeProbe{}, time.Hour, slog.Default())
	m.Observe(false) // baseline

	var got int
	cancel := m.Subscribe(func(Event) { got++ })

	m.Observe(true)
	require.Equal(t, 1, got)

	cancel()
	m.Observe(false)
	require.Equal(t, 1, got)
}

func TestMonitorInitialProbeSetsState(t *testing.T) {
	probe := &fakeProbe{online: true}
	m := NewMonitor(probe, time.Hour, slog.Default())

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	require.Equal(t, StatusOnline, m.Status())
	require.True(t, m.Online())
	require.Empty(t, events, "startup state must not fire a transition")
}

func TestMonitorCloseStopsLoopAndDropsSubscriptions(t *testing.T) {
	m := NewMonitor(&fakeProbe{online: true}, time.Millisecond, slog.Default())
	m.Start(context.Background())

	fired := false
	m.Subscribe(func(Event) { fired = true })
	m.Close()

	m.Observe(false)
	require.False(t, fired)
	// Close is idempotent.
	m.Close()
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	probe := NewHTTPProbe(srv.URL)
	// Reachability counts as online even when the endpoint reports an error.
	require.True(t, probe.Online(context.Background()))

	srv.Close()
	require.False(t, probe.Online(context.Background()))
}
