package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/rendezvous/internal/obs"
	"github.com/matst80/rendezvous/internal/proto"
)

func main() {
	parseConfig()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	defer obs.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil {
		obs.Sync()
		os.Exit(1)
	}
}

// run relays stdin and stdout through one session, or one after another with
// -retry. out carries only the partner's bytes; logs go to stderr.
func run(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := obs.SetOutput("stderr"); err != nil {
		return fmt.Errorf("client logger: %w", err)
	}
	obs.Info("client.start", obs.Fields{"server": cfg.ServerAddr})
	for {
		err := runOnce(ctx, cfg.ServerAddr, in, out)
		if err != nil {
			obs.Error("client.session", obs.Fields{"err": err.Error()})
		}
		if !cfg.Retry || ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.RetryDelay):
		}
		obs.Info("client.reconnect", nil)
	}
}

// runOnce joins the relay, waits for a partner, then pipes in -> relay and
// relay -> out until either side ends.
func runOnce(ctx context.Context, addr string, in io.Reader, out io.Writer) error {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	if err := proto.WriteLine(c, proto.Join); err != nil {
		return err
	}
	rd := bufio.NewReader(c)
	if err := awaitPaired(rd); err != nil {
		return err
	}
	obs.Info("client.paired", obs.Fields{"server": addr})

	recvErr := make(chan error, 1)
	sendErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, rd)
		recvErr <- err
	}()
	go func() {
		_, err := io.Copy(c, in)
		if err == nil {
			err = finishSending(c)
		}
		sendErr <- err
	}()
	// The relay closes both ends together, so the receive side ending means
	// the session is over; a pending stdin read is abandoned.
	select {
	case err = <-recvErr:
	case err = <-sendErr:
		if err == nil {
			err = <-recvErr
		}
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func awaitPaired(rd *bufio.Reader) error {
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return fmt.Errorf("waiting for partner: %w", err)
		}
		switch strings.TrimSpace(line) {
		case proto.Waiting:
			obs.Info("client.waiting", nil)
		case proto.Paired:
			return nil
		default:
			return fmt.Errorf("unexpected status %q", strings.TrimSpace(line))
		}
	}
}

// finishSending ends our half of the stream, either with the sentinel or a
// write-side shutdown the relay sees as EOF. Both end the session.
func finishSending(c net.Conn) error {
	if cfg.Sentinel {
		_, err := c.Write(proto.Sentinel)
		return err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}
