package gateway

import (
	"sync"

	"go.uber.org/zap"

	"tradegate/internal/model"
	"tradegate/internal/protocol"
)

// Table is the live session set and the single outbound path every component
// uses to reach clients. Events are encoded once and queued per session.
type Table struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
	log      *zap.Logger
}

func NewTable(log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{sessions: make(map[model.SessionID]*Session), log: log}
}

func (t *Table) add(s *Session) {
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
}

func (t *Table) remove(id model.SessionID) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// Get returns a live session.
func (t *Table) Get(id model.SessionID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Count is the number of connected sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Table) all() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

func (t *Table) encode(evt any) ([]byte, bool) {
	payload, err := protocol.Encode(evt)
	if err != nil {
		t.log.Error("event_encode_failed", zap.Error(err))
		return nil, false
	}
	return payload, true
}

// Deliver queues evt for one session. It returns false when the session is
// gone or its queue overflowed.
func (t *Table) Deliver(id model.SessionID, evt any) bool {
	s, ok := t.Get(id)
	if !ok {
		return false
	}
	payload, ok := t.encode(evt)
	if !ok {
		return false
	}
	return s.enqueue(payload)
}

// DeliverMany queues evt for every listed session and returns how many accepted it.
func (t *Table) DeliverMany(ids []model.SessionID, evt any) int {
	if len(ids) == 0 {
		return 0
	}
	payload, ok := t.encode(evt)
	if !ok {
		return 0
	}
	targets := make([]*Session, 0, len(ids))
	t.mu.RLock()
	for _, id := range ids {
		if s, ok := t.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	t.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if s.enqueue(payload) {
			n++
		}
	}
	return n
}

// Broadcast queues evt for every live session.
func (t *Table) Broadcast(evt any) int {
	payload, ok := t.encode(evt)
	if !ok {
		return 0
	}
	n := 0
	for _, s := range t.all() {
		if s.enqueue(payload) {
			n++
		}
	}
	return n
}
