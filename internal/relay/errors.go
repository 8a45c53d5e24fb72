package relay

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/matst80/rendezvous/internal/obs"
)

var (
	ErrProtocol      = errors.New("relay: protocol error")
	ErrNotLive       = errors.New("relay: connection is closed")
	ErrAlreadyQueued = errors.New("relay: connection already waiting")
	ErrPoolClosed    = errors.New("relay: waiting pool closed")
	ErrSelfPair      = errors.New("relay: connection paired with itself")
	ErrConnInSession = errors.New("relay: connection already owned by a session")
	ErrShutdown      = errors.New("relay: shutting down")
)

// isClosedErr reports errors caused by our own Close, which are expected
// during teardown and not worth an error log.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// invariantViolated reports a broken internal guarantee. In strict mode it
// panics; otherwise the caller contains the damage to the connections involved.
func invariantViolated(strict bool, what string, f obs.Fields) {
	if f == nil {
		f = obs.Fields{}
	}
	f["invariant"] = what
	obs.Error("relay.invariant", f)
	obs.InvariantViolations.Inc()
	if strict {
		panic("relay: invariant violated: " + what)
	}
}
