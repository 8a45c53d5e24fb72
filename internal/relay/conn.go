package relay

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/rendezvous/internal/proto"
)

var connSeq atomic.Uint64

var (
	// ErrHalfCloseUnsupported is returned by CloseWrite when the transport has no write-side shutdown.
	ErrHalfCloseUnsupported = errors.New("relay: transport does not support half-close")
	errLeft                 = errors.New("relay: peer sent LEAVE")
	errEarlyOverflow        = errors.New("relay: pre-pairing payload exceeds read buffer")
)

// settleWindow bounds the read that picks up bytes already sent by a client
// at the moment it changes hands.
const settleWindow = time.Millisecond

// Conn wraps an accepted stream with an idempotent Close and the pre-pairing
// watcher that lets the waiting pool notice LEAVE or a remote close without
// consuming payload. Reads go through an internal buffered reader so bytes a
// client sends before PAIRED are kept for the relay.
type Conn struct {
	raw     net.Conn
	rd      *bufio.Reader
	id      uint64
	addr    string
	arrived time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	mu        sync.Mutex
	claimed   bool
	watchDone chan struct{}
	gone      func(*Conn, error)
	// payloadSeen is only touched by the watcher goroutine or, after claim, by
	// the owner; the watchDone handoff orders the two.
	payloadSeen bool
}

// NewConn wraps raw with a read buffer of bufSize bytes (4096 when <= 0).
func NewConn(raw net.Conn, bufSize int) *Conn {
	if bufSize <= 0 {
		bufSize = 4096
	}
	addr := ""
	if ra := raw.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Conn{
		raw:     raw,
		rd:      bufio.NewReaderSize(raw, bufSize),
		id:      connSeq.Add(1),
		addr:    addr,
		arrived: time.Now(),
		done:    make(chan struct{}),
		claimed: true,
	}
}

func (c *Conn) ID() uint64         { return c.id }
func (c *Conn) RemoteAddr() string { return c.addr }
func (c *Conn) Arrived() time.Time { return c.arrived }

// Alive reports whether Close has not been called yet.
func (c *Conn) Alive() bool { return !c.closed.Load() }

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Read(p []byte) (int, error)  { return c.rd.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.raw.Write(p) }

func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Close closes the transport once. Later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.raw.Close()
		close(c.done)
	})
	return c.closeErr
}

// CloseWrite shuts down the sending side when the transport supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.raw.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return ErrHalfCloseUnsupported
}

// readLine reads one handshake line of at most proto.MaxLine bytes.
func (c *Conn) readLine() (string, error) {
	line, err := c.rd.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", ErrProtocol
		}
		return "", err
	}
	if len(line) > proto.MaxLine {
		return "", ErrProtocol
	}
	return string(line), nil
}

// writeStatus writes a status line bounded by timeout.
func (c *Conn) writeStatus(status string, timeout time.Duration) error {
	if timeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(timeout))
		defer c.raw.SetWriteDeadline(time.Time{})
	}
	return proto.WriteLine(c.raw, status)
}

// watch hands the connection to a watcher goroutine. gone runs at most once if
// the client leaves or disconnects before claim takes the connection back.
// Callers must own the connection.
func (c *Conn) watch(gone func(*Conn, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.claimed || c.watchDone != nil {
		return
	}
	c.claimed = false
	done := make(chan struct{})
	c.watchDone = done
	c.gone = gone
	go c.monitor(done, gone)
}

func (c *Conn) isClaimed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed
}

// claim stops the watcher and returns ownership to the caller. It reports
// false if the connection died (or left) while it was being watched, or if a
// LEAVE or close reached it just before the watcher could look.
func (c *Conn) claim() bool {
	c.mu.Lock()
	c.claimed = true
	done, gone := c.watchDone, c.gone
	c.watchDone = nil
	c.mu.Unlock()
	if done == nil {
		return c.Alive()
	}
	// A deadline in the past unblocks the watcher's pending Peek.
	_ = c.raw.SetReadDeadline(time.Now())
	<-done
	_ = c.raw.SetReadDeadline(time.Time{})
	if !c.Alive() {
		return false
	}
	if err := c.settle(settleWindow); err != nil {
		gone(c, err)
		return false
	}
	return true
}

// settle reads whatever the client already sent, waiting at most window, and
// keeps it buffered. It returns errLeft (after discarding the line) when the
// stream starts with LEAVE, and the read error when the client is gone. Only
// the owner of a claimed connection calls it.
func (c *Conn) settle(window time.Duration) error {
	var rerr error
	if c.rd.Buffered() < c.rd.Size() {
		_ = c.raw.SetReadDeadline(time.Now().Add(window))
		_, rerr = c.rd.Peek(c.rd.Buffered() + 1)
		_ = c.raw.SetReadDeadline(time.Time{})
	}
	if c.leadingLeave() {
		return errLeft
	}
	if rerr != nil && !isTimeout(rerr) {
		return rerr
	}
	return nil
}

// leadingLeave inspects the buffered bytes until the first line is known. A
// leading LEAVE line is discarded and reported; anything else is payload and
// is never inspected again.
func (c *Conn) leadingLeave() bool {
	if c.payloadSeen {
		return false
	}
	buf, _ := c.rd.Peek(c.rd.Buffered())
	line, ok := proto.LeadingLine(buf)
	switch {
	case ok && proto.Command(line) == proto.Leave:
		_, _ = c.rd.Discard(len(line) + 1)
		return true
	case ok, len(buf) >= proto.MaxLine:
		c.payloadSeen = true
	}
	return false
}

func (c *Conn) monitor(done chan struct{}, gone func(*Conn, error)) {
	defer close(done)
	for {
		if c.isClaimed() {
			return
		}
		if c.leadingLeave() {
			// LEAVE wins over a concurrent claim: gone closes the connection
			// before claim can observe it as alive.
			gone(c, errLeft)
			return
		}
		_, err := c.rd.Peek(c.rd.Buffered() + 1)
		if c.isClaimed() {
			return
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				err = errEarlyOverflow
			}
			gone(c, err)
			return
		}
	}
}
