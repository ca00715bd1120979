package netprobe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"
)

// Probe interrogates a freshly connected socket to tell the service a scan
// looks for apart from anything else that accepts TCP connections.
//
// Step is called with index 0 right after the connect, then with increasing
// index until it reports done. Every call runs under its own deadline, which
// is already set on conn and on ctx. A step that is not done returns the
// timeout for the next step in next; zero keeps the attempt timeout.
// Errors other than network errors count as a rejection.
type Probe interface {
	Step(ctx context.Context, conn net.Conn, index int) (done, ok bool, next time.Duration, err error)
}

// ProbeFactory returns the probe for one connection. Probes may keep state
// between steps, so a new one is requested for every connection.
type ProbeFactory func(ep netip.AddrPort) Probe

// ProbeFunc adapts a single step check to the Probe interface.
type ProbeFunc func(ctx context.Context, conn net.Conn) (bool, error)

func (f ProbeFunc) Step(ctx context.Context, conn net.Conn, _ int) (bool, bool, time.Duration, error) {
	ok, err := f(ctx, conn)
	return true, ok, 0, err
}

// Stateless wraps a probe without per-connection state as a factory.
func Stateless(p Probe) ProbeFactory {
	return func(netip.AddrPort) Probe { return p }
}

// BannerProbe accepts endpoints that greet with Prefix within the first Max
// bytes (default 256). An empty Prefix accepts any non-empty greeting.
type BannerProbe struct {
	Prefix []byte
	Max    int
}

func (p BannerProbe) Step(_ context.Context, conn net.Conn, _ int) (bool, bool, time.Duration, error) {
	max := p.Max
	if max <= 0 {
		max = 256
	}
	if max < len(p.Prefix) {
		max = len(p.Prefix)
	}
	buf := make([]byte, max)
	want := len(p.Prefix)
	if want == 0 {
		want = 1
	}
	n, err := io.ReadAtLeast(conn, buf, want)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return true, false, 0, nil
		}
		return true, false, 0, fmt.Errorf("read banner: %w", err)
	}
	return true, bytes.HasPrefix(buf[:n], p.Prefix), 0, nil
}
