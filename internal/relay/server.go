package relay

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
)

// Server feeds accepted connections to a Handler.
type Server struct {
	handler *Handler
}

func NewServer(h *Handler) *Server { return &Server{handler: h} }

// Serve accepts until ctx ends (returning nil) or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			obs.Info("server.listener.close", obs.Fields{"addr": ln.Addr().String()})
			_ = ln.Close()
		case <-stop:
		}
	}()

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				obs.Error("accept.timeout", obs.Fields{"err": err.Error(), "retry_in": backoff.String()})
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		go s.handler.Handle(c)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}
