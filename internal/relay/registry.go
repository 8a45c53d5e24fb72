package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/matst80/rendezvous/internal/state"
)

const mirrorTimeout = 2 * time.Second

// Registry is the set of active sessions. It also records which session owns
// each connection, so a connection can never be handed to two sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	owners   map[uint64]string // conn id -> session id
	total    int64

	mirror state.Store
}

// NewRegistry creates a registry that mirrors membership into store (may be nil).
func NewRegistry(store state.Store) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		owners:   make(map[uint64]string),
		mirror:   store,
	}
}

func (r *Registry) add(s *Session) error {
	r.mu.Lock()
	if _, ok := r.owners[s.a.ID()]; ok {
		r.mu.Unlock()
		return ErrConnInSession
	}
	if _, ok := r.owners[s.b.ID()]; ok {
		r.mu.Unlock()
		return ErrConnInSession
	}
	r.sessions[s.id] = s
	r.owners[s.a.ID()] = s.id
	r.owners[s.b.ID()] = s.id
	r.total++
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if r.mirror != nil {
		// add runs on the matcher goroutine; a slow store must not hold up
		// pairing. remove waits for this write so the delete lands after it.
		s.mirrored = make(chan struct{})
		go func() {
			defer close(s.mirrored)
			ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			defer cancel()
			if err := r.mirror.PutSession(ctx, s.record()); err != nil {
				obs.ErrorsTotal.WithLabelValues("mirror_put").Inc()
				obs.Error("registry.mirror.put", obs.Fields{"err": err.Error(), "session": s.id})
			}
		}()
	}
	return nil
}

// remove drops s and reports whether it was present.
func (r *Registry) remove(s *Session) bool {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.id)
	delete(r.owners, s.a.ID())
	delete(r.owners, s.b.ID())
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if r.mirror != nil {
		if s.mirrored != nil {
			<-s.mirrored
		}
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := r.mirror.DeleteSession(ctx, s.id); err != nil {
			obs.ErrorsTotal.WithLabelValues("mirror_delete").Inc()
			obs.Error("registry.mirror.delete", obs.Fields{"err": err.Error(), "session": s.id})
		}
	}
	return true
}

// Owner returns the id of the session holding c, if any.
func (r *Registry) Owner(c *Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[c.ID()]
	return id, ok
}

func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Total is the number of sessions ever registered.
func (r *Registry) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Snapshot lists active sessions, oldest first.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// CloseAll tears down every active session and returns how many were closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	for _, s := range list {
		s.Close()
	}
	return len(list)
}

// Wait blocks until no session is active or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		var pending *Session
		for _, s := range r.sessions {
			pending = s
			break
		}
		r.mu.Unlock()
		if pending == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pending.Done():
		}
	}
}
