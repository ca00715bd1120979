package netprobe

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// exhaustedError looks like a dial that failed for lack of sockets.
func exhaustedError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("socket", exhaustedErrnos[0])}
}

func refusedError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

// dialFunc adapts a function to the Dialer interface.
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// trackingConn counts open sockets of a fake dialer.
type trackingConn struct {
	net.Conn
	open   *atomic.Int64
	closed atomic.Bool
}

func (c *trackingConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.open.Add(-1)
	}
	return c.Conn.Close()
}

// pipeDialer returns connections whose peer end is served by serve.
func pipeDialer(open *atomic.Int64, serve func(ep netip.AddrPort, peer net.Conn)) dialFunc {
	if serve == nil {
		serve = drain
	}
	return func(_ context.Context, _, address string) (net.Conn, error) {
		ep, err := netip.ParseAddrPort(address)
		if err != nil {
			return nil, err
		}
		local, peer := net.Pipe()
		go serve(ep, peer)
		if open == nil {
			return local, nil
		}
		open.Add(1)
		return &trackingConn{Conn: local, open: open}, nil
	}
}

func drain(_ netip.AddrPort, peer net.Conn) {
	defer peer.Close()
	io.Copy(io.Discard, peer)
}

// listen starts a TCP listener on the loopback that hands every accepted
// connection to handle.
func listen(t *testing.T, handle func(net.Conn)) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				if handle != nil {
					handle(conn)
				}
			}()
		}
	}()
	return netip.MustParseAddrPort(ln.Addr().String())
}

// closedPort returns a loopback endpoint nothing listens on.
func closedPort(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep := netip.MustParseAddrPort(ln.Addr().String())
	require.NoError(t, ln.Close())
	return ep
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
