package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/matst80/rendezvous/internal/relay"
	"github.com/matst80/rendezvous/internal/state"
	"github.com/matst80/rendezvous/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readiness flips to true once the relay listener is up and false on shutdown.
type readiness struct {
	ready   atomic.Bool
	closing atomic.Bool
}

func newMetricsMux(r *relay.Relay, store state.Store, rd *readiness) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collectStats(r, store))
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, req *http.Request) {
		st := collectStats(r, store)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if rd.closing.Load() || !rd.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serveMetrics serves Prometheus metrics plus dashboard & state endpoints until ctx ends.
func serveMetrics(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		return err
	}
	return nil
}
