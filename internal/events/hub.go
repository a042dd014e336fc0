package events

import (
	"sync"

	"dreamstream/server/internal/model"

	"github.com/google/uuid"
)

// Hub fans session events out to subscribers keyed by session id.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan model.SessionEvent
}

func NewHub() *Hub {
	return &Hub{
		subs: map[string]map[string]chan model.SessionEvent{},
	}
}

func (h *Hub) Subscribe(sessionID string, buf int) (string, <-chan model.SessionEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subID := uuid.NewString()
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = map[string]chan model.SessionEvent{}
	}
	ch := make(chan model.SessionEvent, buf)
	h.subs[sessionID][subID] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			sessionSubs, ok := h.subs[sessionID]
			if !ok {
				return
			}
			c, ok := sessionSubs[subID]
			if !ok {
				return
			}
			delete(sessionSubs, subID)
			close(c)
			if len(sessionSubs) == 0 {
				delete(h.subs, sessionID)
			}
		})
	}
	return subID, ch, unsubscribe
}

func (h *Hub) Publish(sessionID string, evt model.SessionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[sessionID] {
		select {
		case ch <- evt:
		default:
			// Slow subscribers miss events and resync from the next snapshot.
		}
	}
}

// CloseSession drops and closes every subscription of a session and reports
// how many there were.
func (h *Hub) CloseSession(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.subs[sessionID])
	for _, ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
	return n
}
