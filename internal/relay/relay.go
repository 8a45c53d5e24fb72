// Package relay pairs anonymous stream clients two at a time and forwards
// bytes between each pair until either side ends the session.
package relay

import (
	"context"
	"net"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/matst80/rendezvous/internal/state"
	"golang.org/x/sync/errgroup"
)

// Options configures a Relay.
type Options struct {
	HandshakeTimeout time.Duration
	PairWait         time.Duration
	AckTimeout       time.Duration
	BufferSize       int
	ReadBufferSize   int
	Strict           bool
	Admitter         Admitter
	Store            state.Store
	OnPaired         func(*Session)
	OnClosed         func(*Session)
}

// Relay wires the pool, matcher, registry and accept loop together.
type Relay struct {
	Pool     *Pool
	Registry *Registry
	Matcher  *Matcher
	Handler  *Handler
	server   *Server
}

func New(opts Options) *Relay {
	pool := NewPool()
	reg := NewRegistry(opts.Store)
	h := NewHandler(pool, HandlerOptions{
		HandshakeTimeout: opts.HandshakeTimeout,
		AckTimeout:       opts.AckTimeout,
		ReadBufferSize:   opts.ReadBufferSize,
		Admitter:         opts.Admitter,
	})
	return &Relay{
		Pool:     pool,
		Registry: reg,
		Handler:  h,
		Matcher: NewMatcher(pool, reg, MatcherOptions{
			PairWait:   opts.PairWait,
			AckTimeout: opts.AckTimeout,
			BufferSize: opts.BufferSize,
			Strict:     opts.Strict,
			OnPaired:   opts.OnPaired,
			OnClosed:   opts.OnClosed,
		}),
		server: NewServer(h),
	}
}

// Serve runs the accept loop and the matcher until ctx ends. Waiting
// connections are closed on return; active sessions are left to Shutdown.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.server.Serve(gctx, ln) })
	g.Go(func() error {
		r.Matcher.Run(gctx)
		return nil
	})
	err := g.Wait()
	if n := r.Pool.Drain(); n > 0 {
		obs.Info("relay.pool.drained", obs.Fields{"closed": n})
	}
	return err
}

// Shutdown waits up to grace for sessions to end on their own, then tears
// down the rest and waits for them to reach CLOSED.
func (r *Relay) Shutdown(ctx context.Context, grace time.Duration) {
	if grace > 0 {
		gctx, cancel := context.WithTimeout(ctx, grace)
		_ = r.Registry.Wait(gctx)
		cancel()
	}
	if n := r.Registry.CloseAll(); n > 0 {
		obs.Info("relay.sessions.closed", obs.Fields{"closed": n})
	}
	_ = r.Registry.Wait(ctx)
}

// Stats is a snapshot for dashboards.
type Stats struct {
	Waiting       int           `json:"waiting"`
	Active        int           `json:"active"`
	TotalSessions int64         `json:"total_sessions"`
	Sessions      []SessionInfo `json:"sessions"`
}

func (r *Relay) Stats() Stats {
	return Stats{
		Waiting:       r.Pool.Len(),
		Active:        r.Registry.Len(),
		TotalSessions: r.Registry.Total(),
		Sessions:      r.Registry.Snapshot(),
	}
}
