package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/model"
)

// Store is a bounded in-memory ring of recent security events, served on
// the admin API. Persistence of events happens separately in storage.
type Store struct {
	mu    sync.RWMutex
	buf   []model.SecurityEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

// Record fills in ID and timestamp when absent, then appends the event.
func (s *Store) Record(ev model.SecurityEvent) model.SecurityEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return ev
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
	return ev
}

func (s *Store) List(limit int) []model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.SecurityEvent, 0, limit)
	start := len(s.buf) - limit
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SecurityEvent, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
