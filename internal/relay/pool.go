package relay

import (
	"container/list"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
)

// waitingEntry is one pool member together with its arrival metadata.
type waitingEntry struct {
	conn     *Conn
	queuedAt time.Time
	addr     string
}

// Pool is the FIFO of connections that sent JOIN and are not yet paired.
// A connection appears at most once. Pool members are watched for LEAVE and
// remote close; either removes them immediately.
type Pool struct {
	mu      sync.Mutex
	queue   *list.List // of *waitingEntry, oldest first
	index   map[*Conn]*list.Element
	changed chan struct{} // closed and replaced on every membership change
	closed  bool
}

func NewPool() *Pool {
	return &Pool{
		queue:   list.New(),
		index:   make(map[*Conn]*list.Element),
		changed: make(chan struct{}),
	}
}

// signal wakes every waiter. Caller holds p.mu.
func (p *Pool) signal() {
	close(p.changed)
	p.changed = make(chan struct{})
	obs.WaitingConns.Set(float64(p.queue.Len()))
}

// Enqueue appends c to the tail. A dead or duplicate connection is closed and
// dropped.
func (p *Pool) Enqueue(c *Conn) error {
	if !c.Alive() {
		_ = c.Close()
		return ErrNotLive
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.Close()
		return ErrPoolClosed
	}
	if el, dup := p.index[c]; dup {
		p.queue.Remove(el)
		delete(p.index, c)
		p.signal()
		p.mu.Unlock()
		_ = c.Close()
		return ErrAlreadyQueued
	}
	p.index[c] = p.queue.PushBack(&waitingEntry{conn: c, queuedAt: time.Now(), addr: c.RemoteAddr()})
	// Start watching under the lock so a concurrent dequeue cannot claim c
	// before its watcher exists.
	c.watch(p.gone)
	p.signal()
	p.mu.Unlock()
	return nil
}

// Requeue puts a claimed connection back at the head, ahead of later arrivals,
// and resumes watching it.
func (p *Pool) Requeue(c *Conn) {
	p.mu.Lock()
	if p.closed || !c.Alive() {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	if _, dup := p.index[c]; dup {
		p.mu.Unlock()
		return
	}
	p.index[c] = p.queue.PushFront(&waitingEntry{conn: c, queuedAt: time.Now(), addr: c.RemoteAddr()})
	c.watch(p.gone)
	p.signal()
	p.mu.Unlock()
}

// DequeueNext removes and returns the longest-waiting live connection,
// blocking until one is available or ctx ends. Entries found dead are closed
// and skipped.
func (p *Pool) DequeueNext(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		front := p.queue.Front()
		if front == nil {
			ch := p.changed
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
			}
			continue
		}
		e := p.queue.Remove(front).(*waitingEntry)
		delete(p.index, e.conn)
		p.signal()
		p.mu.Unlock()

		// claim blocks on the watcher; never hold p.mu across it.
		if !e.conn.claim() {
			_ = e.conn.Close()
			obs.DeadDroppedTotal.Inc()
			obs.Debug("pool.dead_dropped", obs.Fields{"conn": e.conn.ID(), "remote": e.addr, "waited": time.Since(e.queuedAt).String()})
			continue
		}
		return e.conn, nil
	}
}

// Remove withdraws c if it is still waiting. It is idempotent and reports
// whether c was a member.
func (p *Pool) Remove(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.index[c]
	if !ok {
		return false
	}
	p.queue.Remove(el)
	delete(p.index, c)
	p.signal()
	return true
}

// Contains reports whether c is currently waiting.
func (p *Pool) Contains(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.index[c]
	return ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// WaitLen blocks until at least n connections are waiting.
func (p *Pool) WaitLen(ctx context.Context, n int) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if p.queue.Len() >= n {
			p.mu.Unlock()
			return nil
		}
		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Drain closes the pool and every waiting connection.
func (p *Pool) Drain() int {
	p.mu.Lock()
	p.closed = true
	conns := make([]*Conn, 0, p.queue.Len())
	for el := p.queue.Front(); el != nil; el = el.Next() {
		conns = append(conns, el.Value.(*waitingEntry).conn)
	}
	p.queue.Init()
	p.index = make(map[*Conn]*list.Element)
	p.signal()
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// gone is the watcher callback for a client that left or disconnected.
func (p *Pool) gone(c *Conn, cause error) {
	removed := p.Remove(c)
	_ = c.Close()
	obs.LeavesTotal.Inc()
	f := obs.Fields{"conn": c.ID(), "remote": c.RemoteAddr(), "was_waiting": removed}
	switch {
	case errors.Is(cause, errLeft):
		obs.Info("pool.leave", f)
	case errors.Is(cause, io.EOF), isClosedErr(cause):
		obs.Info("pool.disconnect", f)
	default:
		f["err"] = cause.Error()
		obs.ErrorsTotal.WithLabelValues("waiting_conn").Inc()
		obs.Error("pool.conn_error", f)
	}
}
