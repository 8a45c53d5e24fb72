package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/rendezvous/internal/obs"
	"github.com/matst80/rendezvous/internal/proto"
	"github.com/matst80/rendezvous/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// State is a session's position in ACTIVE -> CLOSING -> CLOSED.
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Outcome says why a relay direction stopped.
type Outcome int

const (
	OutcomeEOF       Outcome = iota // source closed cleanly
	OutcomeSentinel                 // source sent the termination sentinel
	OutcomeError                    // read or write failure
	OutcomeCancelled                // the peer direction tore the session down first
	OutcomeShutdown                 // closed from outside (server shutdown)
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEOF:
		return "eof"
	case OutcomeSentinel:
		return "sentinel"
	case OutcomeError:
		return "error"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeShutdown:
		return "shutdown"
	}
	return "unknown"
}

// directions labels the A->B and B->A relay directions in metrics.
var directions = [2]string{"a_to_b", "b_to_a"}

var bufferPool sync.Pool

func getBuffer(size int) []byte {
	if b, ok := bufferPool.Get().(*[]byte); ok && len(*b) == size {
		return *b
	}
	return make([]byte, size)
}

func putBuffer(b []byte) { bufferPool.Put(&b) }

// SessionInfo is a point-in-time view of a session for introspection.
type SessionInfo struct {
	ID       string    `json:"id"`
	PeerA    string    `json:"peer_a"`
	PeerB    string    `json:"peer_b"`
	Created  time.Time `json:"created"`
	State    string    `json:"state"`
	BytesAB  int64     `json:"bytes_a_to_b"`
	BytesBA  int64     `json:"bytes_b_to_a"`
	Duration string    `json:"duration"`
}

// Session owns two paired connections and the two directions relaying
// between them. The first direction to stop closes both connections, which
// unblocks the other one.
type Session struct {
	id       string
	a, b     *Conn
	created  time.Time
	registry *Registry
	bufSize  int
	strict   bool
	onClosed func(*Session)
	mirrored chan struct{} // closed once the store write from Registry.add finished

	state   atomic.Int32
	wg      sync.WaitGroup
	done    chan struct{}
	bytesAB atomic.Int64
	bytesBA atomic.Int64

	mu      sync.Mutex
	reason  Outcome
	err     error
	exits   [2]Outcome
	started bool
}

func newSession(a, b *Conn, reg *Registry, bufSize int, strict bool) *Session {
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	return &Session{
		id:       uuid.NewString(),
		a:        a,
		b:        b,
		created:  time.Now(),
		registry: reg,
		bufSize:  bufSize,
		strict:   strict,
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Created() time.Time  { return s.created }
func (s *Session) State() State        { return State(s.state.Load()) }
func (s *Session) Peers() (a, b *Conn) { return s.a, s.b }

// Done is closed once the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns what started teardown and the error, if any. Valid after CLOSING.
func (s *Session) Reason() (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.err
}

// Exits returns the outcome of the A->B and B->A directions. Valid after Done.
func (s *Session) Exits() (ab, ba Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exits[0], s.exits[1]
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:       s.id,
		PeerA:    s.a.RemoteAddr(),
		PeerB:    s.b.RemoteAddr(),
		Created:  s.created,
		State:    s.State().String(),
		BytesAB:  s.bytesAB.Load(),
		BytesBA:  s.bytesBA.Load(),
		Duration: time.Since(s.created).Truncate(time.Millisecond).String(),
	}
}

func (s *Session) record() state.SessionRecord {
	return state.SessionRecord{ID: s.id, PeerA: s.a.RemoteAddr(), PeerB: s.b.RemoteAddr(), Created: s.created}
}

// start launches both directions. It runs once.
func (s *Session) start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		invariantViolated(s.strict, "session started twice", obs.Fields{"session": s.id})
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.run(0, s.a, s.b, &s.bytesAB)
	go s.run(1, s.b, s.a, &s.bytesBA)
	go func() {
		s.wg.Wait()
		s.finish()
	}()
}

// Close tears the session down from outside. Safe to call any number of times.
func (s *Session) Close() {
	s.teardown(OutcomeShutdown, ErrShutdown)
}

func (s *Session) run(idx int, src, dst *Conn, counter *atomic.Int64) {
	defer s.wg.Done()
	buf := getBuffer(s.bufSize)
	outcome, err := pump(src, dst, buf, counter, obs.BytesRelayedTotal.WithLabelValues(directions[idx]))
	putBuffer(buf)

	if !s.teardown(outcome, err) {
		// The peer direction (or Close) got there first; our read/write
		// failed because teardown closed the connections under us.
		if outcome != OutcomeSentinel {
			outcome = OutcomeCancelled
		}
	}
	s.mu.Lock()
	s.exits[idx] = outcome
	s.mu.Unlock()
	obs.DirectionExitsTotal.WithLabelValues(outcome.String()).Inc()
}

// pump copies src to dst until EOF, the sentinel, or an error. Each chunk is
// written in full before the next read.
func pump(src, dst *Conn, buf []byte, counter *atomic.Int64, relayed prometheus.Counter) (Outcome, error) {
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if proto.IsSentinel(chunk) {
				return OutcomeSentinel, nil
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return OutcomeError, fmt.Errorf("write to %s: %w", dst.RemoteAddr(), werr)
			}
			counter.Add(int64(n))
			relayed.Add(float64(n))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return OutcomeEOF, nil
			}
			return OutcomeError, fmt.Errorf("read from %s: %w", src.RemoteAddr(), rerr)
		}
	}
}

// teardown moves ACTIVE -> CLOSING and closes both connections. Only the
// first caller does anything; it reports whether it was that caller.
func (s *Session) teardown(reason Outcome, cause error) bool {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		return false
	}
	s.mu.Lock()
	s.reason = reason
	s.err = cause
	s.mu.Unlock()

	err := multierr.Combine(s.a.Close(), s.b.Close())
	f := obs.Fields{"session": s.id, "reason": reason.String()}
	if cause != nil && reason == OutcomeError {
		f["err"] = cause.Error()
		obs.ErrorsTotal.WithLabelValues("transport").Inc()
	}
	if err != nil && !isClosedErr(err) {
		f["close_err"] = err.Error()
	}
	obs.Info("session.closing", f)
	return true
}

// finish runs after both directions exit: CLOSING -> CLOSED, then unregister.
func (s *Session) finish() {
	if !s.state.CompareAndSwap(int32(StateClosing), int32(StateClosed)) {
		invariantViolated(s.strict, "session finished outside CLOSING", obs.Fields{"session": s.id, "state": s.State().String()})
		s.state.Store(int32(StateClosed))
	}
	if s.registry != nil && !s.registry.remove(s) {
		invariantViolated(s.strict, "session missing from registry at close", obs.Fields{"session": s.id})
	}
	dur := time.Since(s.created)
	obs.SessionDurationSeconds.Observe(dur.Seconds())
	ab, ba := s.Exits()
	obs.Info("session.closed", obs.Fields{
		"session":  s.id,
		"duration": dur.String(),
		"bytes_ab": s.bytesAB.Load(),
		"bytes_ba": s.bytesBA.Load(),
		"exit_ab":  ab.String(),
		"exit_ba":  ba.String(),
	})
	close(s.done)
	if s.onClosed != nil {
		s.onClosed(s)
	}
}
