package sync

import (
	"sync"

	"github.com/tutordesk/tutordesk/client/internal/models"
)

// Status is the orchestrator state visible to listeners.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSyncing  Status = "syncing"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
)

// Progress reports download progress after each entity type completes.
type Progress struct {
	TotalEntityTypes int    `json:"total_entity_types"`
	CurrentIndex     int    `json:"current_index"`
	Label            string `json:"label"`
}

// StatusListener receives orchestrator state changes together with the
// current pending mutation count.
type StatusListener func(status Status, pending int)

// ConflictListener receives the current conflict set whenever it changes.
type ConflictListener func(items []*models.ConflictItem)

// ProgressListener receives download progress updates.
type ProgressListener func(p Progress)

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// statusHub fans status changes out to registered listeners.
type statusHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]StatusListener
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[int]StatusListener)}
}

func (h *statusHub) subscribe(l StatusListener) Unsubscribe {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = l
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *statusHub) notify(status Status, pending int) {
	h.mu.Lock()
	listeners := make([]StatusListener, 0, len(h.subs))
	for _, l := range h.subs {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l(status, pending)
	}
}

// progressHub fans download progress out to registered listeners.
type progressHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]ProgressListener
}

func newProgressHub() *progressHub {
	return &progressHub{subs: make(map[int]ProgressListener)}
}

func (h *progressHub) subscribe(l ProgressListener) Unsubscribe {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = l
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *progressHub) notify(p Progress) {
	h.mu.Lock()
	listeners := make([]ProgressListener, 0, len(h.subs))
	for _, l := range h.subs {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l(p)
	}
}
