package relay

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

// peer is the client end of a test connection.
type peer struct {
	net.Conn
	rd *bufio.Reader
}

func newPeer(c net.Conn) *peer { return &peer{Conn: c, rd: bufio.NewReader(c)} }

func (p *peer) line(t *testing.T) string {
	t.Helper()
	require.NoError(t, p.SetReadDeadline(time.Now().Add(testTimeout)))
	s, err := p.rd.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(s)
}

func (p *peer) readN(t *testing.T, n int) []byte {
	t.Helper()
	require.NoError(t, p.SetReadDeadline(time.Now().Add(testTimeout)))
	buf := make([]byte, n)
	_, err := io.ReadFull(p.rd, buf)
	require.NoError(t, err)
	return buf
}

// closed waits for the server side to close this connection.
func (p *peer) closed(t *testing.T) {
	t.Helper()
	require.NoError(t, p.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := p.rd.ReadByte()
	require.Error(t, err)
	require.False(t, isTimeout(err), "connection still open: %v", err)
}

// pipePair returns a server-side Conn and the matching client peer.
func pipePair(t *testing.T) (*Conn, *peer) {
	t.Helper()
	srv, cli := net.Pipe()
	t.Cleanup(func() {
		_ = srv.Close()
		_ = cli.Close()
	})
	return NewConn(srv, 0), newPeer(cli)
}

// expectPaired reads PAIRED on a pipe peer in the background; net.Pipe writes
// block until the other side reads.
func expectPaired(p *peer) <-chan string {
	ch := make(chan string, 1)
	go func() {
		_ = p.SetReadDeadline(time.Now().Add(testTimeout))
		s, _ := p.rd.ReadString('\n')
		ch <- strings.TrimSpace(s)
	}()
	return ch
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for close")
	}
}

// tcpPair returns a server-side Conn over loopback TCP and the client peer,
// for cases that need kernel buffering rather than net.Pipe's rendezvous.
func tcpPair(t *testing.T) (*Conn, *peer) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	cli, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	srv, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.Close()
		_ = cli.Close()
	})
	return NewConn(srv, 0), newPeer(cli)
}
