package relay

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/matst80/rendezvous/internal/proto"
)

// Admitter decides whether a remote host may attempt to join.
type Admitter interface {
	AllowConnection(client string) bool
}

// HandlerOptions configures the per-connection handshake.
type HandlerOptions struct {
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	ReadBufferSize   int
	Admitter         Admitter
}

// Handler runs the JOIN/LEAVE handshake for accepted connections and hands
// joiners to the pool.
type Handler struct {
	pool *Pool
	opts HandlerOptions
}

func NewHandler(pool *Pool, opts HandlerOptions) *Handler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	return &Handler{pool: pool, opts: opts}
}

// Handle owns raw until it is either closed or enqueued.
func (h *Handler) Handle(raw net.Conn) {
	c := NewConn(raw, h.opts.ReadBufferSize)
	if h.opts.Admitter != nil && !h.opts.Admitter.AllowConnection(hostOf(c.RemoteAddr())) {
		h.reject(c, "rate_limited", nil)
		return
	}

	_ = c.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	line, err := c.readLine()
	if err != nil {
		switch {
		case errors.Is(err, ErrProtocol):
			h.reject(c, "protocol", err)
		case isTimeout(err):
			h.reject(c, "handshake_timeout", err)
		case errors.Is(err, io.EOF):
			_ = c.Close()
		default:
			h.reject(c, "handshake_read", err)
		}
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	switch cmd := proto.Command(line); cmd {
	case proto.Join:
		// WAITING goes out before the connection is visible to the matcher,
		// so it always precedes PAIRED on the wire.
		if h.pool.Len() == 0 {
			if err := c.writeStatus(proto.Waiting, h.opts.AckTimeout); err != nil {
				h.reject(c, "ack_write", err)
				return
			}
		}
		if err := h.pool.Enqueue(c); err != nil {
			obs.Info("conn.join_dropped", obs.Fields{"conn": c.ID(), "remote": c.RemoteAddr(), "err": err.Error()})
			return
		}
		obs.JoinsTotal.Inc()
		obs.Debug("conn.join", obs.Fields{"conn": c.ID(), "remote": c.RemoteAddr()})
	case proto.Leave:
		obs.LeavesTotal.Inc()
		obs.Debug("conn.leave", obs.Fields{"conn": c.ID(), "remote": c.RemoteAddr()})
		_ = c.Close()
	default:
		h.reject(c, "protocol", ErrProtocol)
	}
}

func (h *Handler) reject(c *Conn, reason string, err error) {
	obs.RejectedTotal.WithLabelValues(reason).Inc()
	f := obs.Fields{"conn": c.ID(), "remote": c.RemoteAddr(), "reason": reason}
	if err != nil {
		f["err"] = err.Error()
	}
	obs.Info("conn.rejected", f)
	_ = c.Close()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
