package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/matst80/rendezvous/internal/ratelimit"
	"github.com/matst80/rendezvous/internal/relay"
	"github.com/matst80/rendezvous/internal/state"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func main() {
	parseConfig()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	defer obs.Sync()
	if err := run(); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		obs.Sync()
		os.Exit(1)
	}
}

func run() error {
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr, "pair_wait": cfg.PairWait.String()})

	store, err := newStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}

	var limiter *ratelimit.RateLimiter
	var admitter relay.Admitter
	if cfg.JoinRate > 0 || cfg.GlobalJoinRate > 0 {
		limiter = ratelimit.NewRateLimiter(cfg.GlobalJoinRate, cfg.JoinRate, cfg.JoinBurst)
		admitter = limiter
	}

	r := relay.New(relay.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		PairWait:         cfg.PairWait,
		AckTimeout:       cfg.AckTimeout,
		BufferSize:       cfg.BufferSize,
		Strict:           cfg.Strict || cfg.Debug,
		Admitter:         admitter,
		Store:            store,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("listen.relay", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		return multierr.Append(err, store.Close())
	}

	rd := &readiness{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Serve(gctx, ln) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, newMetricsMux(r, store, rd)) })
	}
	if limiter != nil {
		g.Go(func() error {
			runCleanupLoop(gctx, limiter, cfg.LimiterIdle)
			return nil
		})
	}
	if rs, ok := store.(*state.Redis); ok {
		g.Go(func() error {
			rs.StartMaintenance(gctx, 30*time.Second)
			return nil
		})
	}
	rd.ready.Store(true)
	obs.Info("server.ready", obs.Fields{"addr": ln.Addr().String()})

	<-gctx.Done()
	obs.Info("server.shutdown.signal", nil)
	rd.closing.Store(true)
	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	r.Shutdown(sctx, cfg.ShutdownGrace)
	err = multierr.Append(err, store.Close())
	obs.Info("server.shutdown.complete", nil)
	return err
}

// runCleanupLoop periodically forgets idle per-IP rate limit state.
func runCleanupLoop(ctx context.Context, limiter *ratelimit.RateLimiter, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	t := time.NewTicker(maxIdle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := limiter.CleanupIdle(maxIdle); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}
