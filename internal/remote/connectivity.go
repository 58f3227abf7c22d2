package remote

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tutordesk/tutordesk/client/internal/logging"
)

// Monitor answers "is the network reachable" and notifies subscribers on
// reachability transitions.
type Monitor interface {
	// Online reports whether the remote service is currently reachable.
	Online() bool

	// Subscribe registers a transition listener. The listener is invoked
	// with the new reachability state on every transition. The returned
	// function removes the subscription.
	Subscribe(fn func(online bool)) func()
}

// ProbeMonitor implements Monitor by polling a health endpoint.
type ProbeMonitor struct {
	probeURL string
	interval time.Duration
	http     *http.Client

	mu        sync.RWMutex
	online    bool
	nextSubID int
	subs      map[int]func(online bool)
}

// NewProbeMonitor creates a monitor that polls probeURL every interval.
// The monitor starts in the offline state until the first probe succeeds.
func NewProbeMonitor(probeURL string, interval time.Duration) *ProbeMonitor {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &ProbeMonitor{
		probeURL: probeURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		subs:     make(map[int]func(online bool)),
	}
}

// Online reports the last probed reachability state.
func (m *ProbeMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers a transition listener and returns its unsubscribe.
func (m *ProbeMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Start probes once immediately, then on every interval tick until ctx is
// cancelled.
func (m *ProbeMonitor) Start(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) {
	online := m.reachable(ctx)

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	var listeners []func(online bool)
	if changed {
		for _, fn := range m.subs {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, fn := range listeners {
		fn(online)
	}
}

func (m *ProbeMonitor) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// StaticMonitor is a Monitor with an externally toggled state, used by
// tests and by hosts that receive reachability events from the platform.
type StaticMonitor struct {
	mu        sync.RWMutex
	online    bool
	nextSubID int
	subs      map[int]func(online bool)
}

// NewStaticMonitor creates a StaticMonitor in the given initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{online: online, subs: make(map[int]func(online bool))}
}

// Online reports the current state.
func (m *StaticMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers a transition listener and returns its unsubscribe.
func (m *StaticMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetOnline flips the state and notifies subscribers on transitions.
func (m *StaticMonitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	var listeners []func(online bool)
	if changed {
		for _, fn := range m.subs {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}
