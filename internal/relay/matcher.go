package relay

import (
	"context"
	"errors"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/matst80/rendezvous/internal/proto"
)

// MatcherOptions tunes the pairing loop.
type MatcherOptions struct {
	// PairWait bounds how long a dequeued connection is held while waiting
	// for a partner before it goes back to the head of the pool.
	PairWait time.Duration
	// AckTimeout bounds each PAIRED status write.
	AckTimeout time.Duration
	// BufferSize is the per-direction relay buffer.
	BufferSize int
	// Strict panics on internal invariant violations.
	Strict bool
	// OnPaired runs after a session is registered and both directions started.
	OnPaired func(*Session)
	// OnClosed runs once a session reaches CLOSED.
	OnClosed func(*Session)
}

func (o *MatcherOptions) defaults() {
	if o.PairWait <= 0 {
		o.PairWait = 2 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 32 * 1024
	}
}

// Matcher takes connections from the pool two at a time in arrival order and
// turns each pair into a running session. It is the only place where
// ownership moves from the pool to a session.
type Matcher struct {
	pool     *Pool
	registry *Registry
	opts     MatcherOptions
}

func NewMatcher(pool *Pool, registry *Registry, opts MatcherOptions) *Matcher {
	opts.defaults()
	return &Matcher{pool: pool, registry: registry, opts: opts}
}

// Run pairs connections until ctx ends or the pool is drained.
func (m *Matcher) Run(ctx context.Context) {
	obs.Info("matcher.start", obs.Fields{"pair_wait": m.opts.PairWait.String()})
	defer obs.Info("matcher.stop", nil)
	for {
		// Leave lone waiters in the pool, where LEAVE and disconnects are
		// noticed, until a partner could exist.
		if err := m.pool.WaitLen(ctx, 2); err != nil {
			return
		}
		first, err := m.pool.DequeueNext(ctx)
		if err != nil {
			return
		}
		second, err := m.dequeueSecond(ctx, first)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrPoolClosed) {
				_ = first.Close()
				return
			}
			// No live partner in time (or a corrupted pool handed first back):
			// first returns to the head and keeps its place ahead of later
			// arrivals.
			m.pool.Requeue(first)
			obs.RequeuesTotal.Inc()
			obs.Debug("matcher.requeue", obs.Fields{"conn": first.ID()})
			continue
		}
		m.pair(first, second)
	}
}

func (m *Matcher) dequeueSecond(ctx context.Context, first *Conn) (*Conn, error) {
	wctx, cancel := context.WithTimeout(ctx, m.opts.PairWait)
	defer cancel()
	second, err := m.pool.DequeueNext(wctx)
	if err != nil {
		return nil, err
	}
	if second == first {
		// The pool never holds a connection twice; if it ever does, drop the
		// duplicate instead of pairing a client with itself.
		invariantViolated(m.opts.Strict, "self pairing", obs.Fields{"conn": first.ID()})
		return nil, ErrSelfPair
	}
	return second, nil
}

// pair announces the match to both sides and starts the session. Pairing is
// all-or-nothing: a session only starts once both PAIRED lines were written.
func (m *Matcher) pair(a, b *Conn) {
	// Nothing watched a while the matcher waited for b.
	lost := ErrNotLive
	if a.Alive() {
		lost = a.settle(settleWindow)
	}
	if lost != nil {
		_ = a.Close()
		obs.DeadDroppedTotal.Inc()
		obs.Info("matcher.first_gone", obs.Fields{"lost": a.ID(), "kept": b.ID(), "err": lost.Error()})
		m.pool.Requeue(b)
		return
	}
	if err := a.writeStatus(proto.Paired, m.opts.AckTimeout); err != nil {
		// a never learned it was paired; b did not hear anything yet either.
		_ = a.Close()
		obs.ErrorsTotal.WithLabelValues("pair_ack").Inc()
		obs.Info("matcher.partner_lost", obs.Fields{"lost": a.ID(), "kept": b.ID(), "err": err.Error()})
		m.pool.Requeue(b)
		return
	}
	if err := b.writeStatus(proto.Paired, m.opts.AckTimeout); err != nil {
		// a was already told PAIRED, so it cannot silently go back to waiting.
		_ = a.Close()
		_ = b.Close()
		obs.ErrorsTotal.WithLabelValues("pair_ack").Inc()
		obs.Info("matcher.pair_aborted", obs.Fields{"a": a.ID(), "b": b.ID(), "err": err.Error()})
		return
	}

	s := newSession(a, b, m.registry, m.opts.BufferSize, m.opts.Strict)
	s.onClosed = m.opts.OnClosed
	if err := m.registry.add(s); err != nil {
		invariantViolated(m.opts.Strict, "connection in two sessions", obs.Fields{"a": a.ID(), "b": b.ID(), "err": err.Error()})
		_ = a.Close()
		_ = b.Close()
		return
	}
	obs.SessionsTotal.Inc()
	obs.Info("session.paired", obs.Fields{
		"session": s.id,
		"a":       a.RemoteAddr(),
		"b":       b.RemoteAddr(),
		"waited":  time.Since(a.Arrived()).Truncate(time.Millisecond).String(),
	})
	s.start()
	if m.opts.OnPaired != nil {
		m.opts.OnPaired(s)
	}
}
