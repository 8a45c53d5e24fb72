// Package state mirrors the set of active relay sessions into a backend that
// dashboards and peer instances can read. The relay's own registry stays
// authoritative; a mirror write failure never affects a session.
package state

import (
	"context"
	"sync"
	"time"
)

// SessionRecord is the externally visible description of an active session.
type SessionRecord struct {
	ID       string    `json:"id"`
	PeerA    string    `json:"peer_a"`
	PeerB    string    `json:"peer_b"`
	Created  time.Time `json:"created"`
	Instance string    `json:"instance,omitempty"`
}

// Store abstracts the session mirror so several relay instances can share counts.
type Store interface {
	PutSession(ctx context.Context, rec SessionRecord) error
	DeleteSession(ctx context.Context, id string) error
	// CountSessions returns active sessions across every instance sharing the store.
	CountSessions(ctx context.Context) (int64, error)
	Close() error
}

// Memory is the single-instance Store.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]SessionRecord)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) PutSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	m.sessions[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CountSessions(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sessions)), nil
}

func (m *Memory) Close() error { return nil }
