// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status is the connectivity state observed by the monitor.
type Status int

const (
	StatusUnknown Status = iota // before the first probe completes
	StatusOnline
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Event is a connectivity transition. Consecutive identical observations are
// collapsed, so each transition is delivered exactly once.
type Event int

const (
	EventRestored Event = iota // offline -> online
	EventLost                  // online -> offline
)

func (e Event) String() string {
	if e == EventRestored {
		return "restored"
	}
	return "lost"
}

// Listener receives connectivity transition events.
type Listener func(Event)

// Probe answers a single connectivity question. Implementations must be safe
// for repeated calls.
type Probe interface {
	Online(ctx context.Context) bool
}

// HTTPProbe checks reachability of the remote base URL. Any HTTP response,
// including an error status, counts as online: the question is whether the
// network path exists, not whether the endpoint is happy.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPProbe returns a probe issuing HEAD requests against url.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProbe) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor observes connectivity transitions and notifies subscribers once per
// transition. The platform may also push connectivity changes into Observe
// directly (mobile OS reachability callbacks), with the same collapsing.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	status  Status
	nextSub int
	subs    map[int]Listener

	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewMonitor creates a monitor polling probe at the given interval.
func NewMonitor(probe Probe, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]Listener),
	}
}

// Start performs the initial probe synchronously (it determines the starting
// state without firing an event) and then polls in the background until ctx
// is canceled or Close is called.
func (m *Monitor) Start(ctx context.Context) {
	initial := StatusOffline
	if m.probe.Online(ctx) {
		initial = StatusOnline
	}
	m.mu.Lock()
	if m.status == StatusUnknown {
		m.status = initial
	}
	m.mu.Unlock()
	m.logger.Debug("network monitor started", "status", initial.String())

	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Observe(m.probe.Online(loopCtx))
			}
		}
	}()
}

// Observe feeds a connectivity observation into the state machine. Identical
// consecutive observations are collapsed; only a real transition notifies
// subscribers.
func (m *Monitor) Observe(online bool) {
	next := StatusOffline
	if online {
		next = StatusOnline
	}

	m.mu.Lock()
	prev := m.status
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.status = next
	listeners := make([]Listener, 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if prev == StatusUnknown {
		// First observation sets the baseline without an event.
		return
	}
	ev := EventLost
	if next == StatusOnline {
		ev = EventRestored
	}
	m.logger.Info("connectivity changed", "from", prev.String(), "to", next.String())
	for _, fn := range listeners {
		fn(ev)
	}
}

// Status returns the last observed connectivity state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Online reports whether the last observation saw connectivity.
func (m *Monitor) Online() bool {
	return m.Status() == StatusOnline
}

// Subscribe registers a listener and returns a handle that removes it.
// Listeners are invoked synchronously from the observing goroutine and should
// hand off long work themselves.
func (m *Monitor) Subscribe(fn Listener) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Close stops the probe loop and drops all subscriptions.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	done := m.done
	m.subs = make(map[int]Listener)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
