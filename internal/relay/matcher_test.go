package relay

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runMatcher(t *testing.T, m *Matcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// insertDead queues a closed connection without a watcher so it is still in
// the pool when the matcher reaches it.
func insertDead(t *testing.T, pool *Pool) {
	t.Helper()
	dead, _ := pipePair(t)
	_ = dead.Close()
	pool.mu.Lock()
	pool.index[dead] = pool.queue.PushBack(&waitingEntry{conn: dead, queuedAt: time.Now()})
	pool.signal()
	pool.mu.Unlock()
}

func TestMatcherPairsInArrivalOrder(t *testing.T) {
	pool := NewPool()
	reg := NewRegistry(nil)
	paired := make(chan *Session, 3)
	m := NewMatcher(pool, reg, MatcherOptions{Strict: true, OnPaired: func(s *Session) { paired <- s }})

	conns := make([]*Conn, 6)
	for i := range conns {
		var p *peer
		conns[i], p = pipePair(t)
		expectPaired(p)
		require.NoError(t, pool.Enqueue(conns[i]))
	}
	runMatcher(t, m)

	for i := 0; i < 3; i++ {
		select {
		case s := <-paired:
			a, b := s.Peers()
			assert.Same(t, conns[2*i], a, "pair %d first", i)
			assert.Same(t, conns[2*i+1], b, "pair %d second", i)
			s.Close()
		case <-time.After(testTimeout):
			t.Fatalf("pair %d not formed", i)
		}
	}
}

func TestMatcherSendsPairedToBoth(t *testing.T) {
	pool := NewPool()
	reg := NewRegistry(nil)
	m := NewMatcher(pool, reg, MatcherOptions{Strict: true})
	a, pa := pipePair(t)
	b, pb := pipePair(t)
	ackA, ackB := expectPaired(pa), expectPaired(pb)
	require.NoError(t, pool.Enqueue(a))
	require.NoError(t, pool.Enqueue(b))
	runMatcher(t, m)

	assert.Equal(t, "PAIRED", <-ackA)
	assert.Equal(t, "PAIRED", <-ackB)
	assert.Eventually(t, func() bool { return reg.Len() == 1 }, testTimeout, 5*time.Millisecond)
	reg.CloseAll()
}

func TestMatcherRequeuesWhenPartnerDies(t *testing.T) {
	pool := NewPool()
	reg := NewRegistry(nil)
	m := NewMatcher(pool, reg, MatcherOptions{Strict: true, PairWait: 30 * time.Millisecond})
	a, pa := pipePair(t)
	ackA := expectPaired(pa)
	require.NoError(t, pool.Enqueue(a))
	insertDead(t, pool)

	before := testutil.ToFloat64(obs.RequeuesTotal)
	runMatcher(t, m)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(obs.RequeuesTotal) > before && pool.Contains(a)
	}, testTimeout, 5*time.Millisecond)
	assert.True(t, a.Alive(), "survivor goes back to waiting, not closed")

	c, pc := pipePair(t)
	ackC := expectPaired(pc)
	require.NoError(t, pool.Enqueue(c))
	assert.Equal(t, "PAIRED", <-ackA)
	assert.Equal(t, "PAIRED", <-ackC)

	require.Eventually(t, func() bool { return reg.Len() == 1 }, testTimeout, 5*time.Millisecond)
	s := reg.Get(reg.Snapshot()[0].ID)
	first, second := s.Peers()
	assert.Same(t, a, first)
	assert.Same(t, c, second)
	s.Close()
}

// The first half disconnects while the matcher is still holding it and
// waiting for a partner; the late joiner must not be paired with it.
func TestMatcherDropsFirstThatLeftDuringWait(t *testing.T) {
	pool := NewPool()
	reg := NewRegistry(nil)
	m := NewMatcher(pool, reg, MatcherOptions{Strict: true, PairWait: time.Minute})
	a, pa := tcpPair(t)
	require.NoError(t, pool.Enqueue(a))
	insertDead(t, pool)

	before := testutil.ToFloat64(obs.DeadDroppedTotal)
	runMatcher(t, m)
	// a is claimed once the dead entry behind it has been dropped.
	require.Eventually(t, func() bool {
		return pool.Len() == 0 && testutil.ToFloat64(obs.DeadDroppedTotal) > before
	}, testTimeout, 5*time.Millisecond)
	require.NoError(t, pa.Close())

	c, pc := tcpPair(t)
	require.NoError(t, pool.Enqueue(c))
	assert.Eventually(t, func() bool { return pool.Contains(c) && !a.Alive() }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, 0, reg.Len())
	assert.True(t, c.Alive())

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := pc.rd.ReadByte()
	assert.True(t, isTimeout(err), "late joiner got %v instead of waiting", err)
}

func TestMatcherNeverPairsConnWithItself(t *testing.T) {
	pool := NewPool()
	reg := NewRegistry(nil)
	m := NewMatcher(pool, reg, MatcherOptions{PairWait: 30 * time.Millisecond})
	a, _ := pipePair(t)
	require.NoError(t, pool.Enqueue(a))
	// Corrupt the pool so it yields the same connection twice.
	pool.mu.Lock()
	pool.queue.PushBack(&waitingEntry{conn: a, queuedAt: time.Now()})
	pool.signal()
	pool.mu.Unlock()

	before := testutil.ToFloat64(obs.InvariantViolations)
	runMatcher(t, m)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(obs.InvariantViolations) > before
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, 0, reg.Len())
	assert.EqualValues(t, 0, reg.Total())
	assert.Eventually(t, func() bool { return pool.Contains(a) }, testTimeout, 5*time.Millisecond)
}

func TestDequeueSecondRejectsSameConn(t *testing.T) {
	pool := NewPool()
	m := NewMatcher(pool, NewRegistry(nil), MatcherOptions{PairWait: 30 * time.Millisecond})
	a, _ := pipePair(t)
	pool.mu.Lock()
	pool.queue.PushBack(&waitingEntry{conn: a, queuedAt: time.Now()})
	pool.signal()
	pool.mu.Unlock()

	got, err := m.dequeueSecond(context.Background(), a)
	assert.ErrorIs(t, err, ErrSelfPair)
	assert.Nil(t, got)
}

// Random joins, leaves and disconnects racing the matcher: a connection is
// never both waiting and owned by a session, and every session is unique.
func TestPoolAndSessionsStayDisjoint(t *testing.T) {
	pool := NewPool()
	reg := NewRegistry(nil)
	var mu sync.Mutex
	var violations []string
	seen := make(map[uint64]bool)
	m := NewMatcher(pool, reg, MatcherOptions{
		Strict:   true,
		PairWait: 10 * time.Millisecond,
		OnPaired: func(s *Session) {
			a, b := s.Peers()
			mu.Lock()
			defer mu.Unlock()
			if a == b {
				violations = append(violations, "self pair")
			}
			for _, c := range []*Conn{a, b} {
				if pool.Contains(c) {
					violations = append(violations, "paired conn still waiting")
				}
				if seen[c.ID()] {
					violations = append(violations, "conn in two sessions")
				}
				seen[c.ID()] = true
			}
			s.Close()
		},
	})
	runMatcher(t, m)

	rng := rand.New(rand.NewSource(7))
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		c, p := pipePair(t)
		action := rng.Intn(4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Consume whatever the relay sends so writes never stall.
			go func() {
				buf := make([]byte, 64)
				for {
					if _, err := p.Read(buf); err != nil {
						return
					}
				}
			}()
			_ = pool.Enqueue(c)
			switch action {
			case 0:
				_, _ = p.Write([]byte("LEAVE\n"))
			case 1:
				_ = p.Close()
			case 2:
				pool.Remove(c)
				_ = c.Close()
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return reg.Len() == 0 && pool.Len() <= 1 }, testTimeout, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, violations)
}
