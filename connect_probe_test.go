package netprobe

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCandidates records every callback of a single slot.
type fakeCandidates struct {
	mu        sync.Mutex
	queue     []netip.AddrPort
	timeout   time.Duration
	giveUp    bool
	successes []netip.AddrPort
	failed    []netip.AddrPort
	gaveUp    []netip.AddrPort
	completed map[netip.AddrPort]error
	exits     atomic.Int32
}

func newFakeCandidates(timeout time.Duration, eps ...netip.AddrPort) *fakeCandidates {
	return &fakeCandidates{
		queue:     eps,
		timeout:   timeout,
		completed: make(map[netip.AddrPort]error),
	}
}

func (c *fakeCandidates) Next(context.Context) (netip.AddrPort, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return netip.AddrPort{}, 0, false
	}
	ep := c.queue[0]
	c.queue = c.queue[1:]
	return ep, c.timeout, true
}

func (c *fakeCandidates) Fail(ep netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, ep)
}

func (c *fakeCandidates) Success(ep netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes = append(c.successes, ep)
}

func (c *fakeCandidates) Complete(ep netip.AddrPort, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[ep] = err
}

func (c *fakeCandidates) GiveUp(ep netip.AddrPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.giveUp {
		c.gaveUp = append(c.gaveUp, ep)
	}
	return c.giveUp
}

func (c *fakeCandidates) Exit(*ConnectProbe) { c.exits.Add(1) }

func (c *fakeCandidates) callbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.successes) + len(c.completed)
}

func runSlot(t *testing.T, cands *fakeCandidates, cfg ConnectConfig) *ConnectProbe {
	t.Helper()
	p := NewConnectProbe(context.Background(), 0, cands, cfg)
	assert.Equal(t, StateBegin, p.State())
	p.Start()
	waitClosed(t, p.Done(), "slot exit")
	assert.Equal(t, StateDisposed, p.State())
	assert.Equal(t, int32(1), cands.exits.Load())
	return p
}

func TestConnectProbeOpenAndClosed(t *testing.T) {
	open := listen(t, nil)
	closed := closedPort(t)
	cands := newFakeCandidates(2*time.Second, open, closed)

	runSlot(t, cands, ConnectConfig{})

	assert.Equal(t, []netip.AddrPort{open}, cands.successes)
	require.Contains(t, cands.completed, open)
	assert.NoError(t, cands.completed[open])
	require.Contains(t, cands.completed, closed)
	assert.Equal(t, OutcomeClosed, Classify(cands.completed[closed]))
	assert.Empty(t, cands.failed)
}

func TestConnectProbeConnectTimeout(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	dialer := dialFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cands := newFakeCandidates(20*time.Millisecond, ep)

	start := time.Now()
	runSlot(t, cands, ConnectConfig{Dialer: dialer})

	assert.Less(t, time.Since(start), 5*time.Second)
	require.Contains(t, cands.completed, ep)
	assert.True(t, IsTimeout(cands.completed[ep]))
	assert.Empty(t, cands.successes)
}

func TestConnectProbeDialerIgnoringDeadline(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	dialer := dialFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, refusedError()
	})
	cands := newFakeCandidates(10*time.Millisecond, ep)

	runSlot(t, cands, ConnectConfig{Dialer: dialer})

	assert.ErrorIs(t, cands.completed[ep], ErrTimeout)
}

func TestConnectProbeExhaustedGivesUp(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	other := netip.MustParseAddrPort("10.0.0.2:4840")
	var dials atomic.Int32
	dialer := dialFunc(func(context.Context, string, string) (net.Conn, error) {
		dials.Add(1)
		return nil, exhaustedError()
	})
	cands := newFakeCandidates(time.Second, ep, other)
	cands.giveUp = true

	p := runSlot(t, cands, ConnectConfig{Dialer: dialer})

	assert.Equal(t, []netip.AddrPort{ep}, cands.gaveUp)
	assert.Equal(t, int32(1), dials.Load())
	assert.Empty(t, cands.completed)
	assert.Empty(t, cands.failed)
	assert.Equal(t, []netip.AddrPort{other}, cands.queue, "slot took no further candidate")
	assert.Equal(t, StateDisposed, p.State())
}

func TestConnectProbeExhaustedRetries(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	var dials atomic.Int32
	pipe := pipeDialer(nil, nil)
	dialer := dialFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		if dials.Add(1) <= 2 {
			return nil, exhaustedError()
		}
		return pipe(ctx, network, address)
	})
	cands := newFakeCandidates(time.Second, ep)

	runSlot(t, cands, ConnectConfig{Dialer: dialer})

	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, []netip.AddrPort{ep}, cands.successes)
	assert.NoError(t, cands.completed[ep])
}

func TestConnectProbeFatalDialerError(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	next := netip.MustParseAddrPort("10.0.0.2:4840")
	dialer := dialFunc(func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("dialer misconfigured")
	})
	cands := newFakeCandidates(time.Second, ep, next)

	runSlot(t, cands, ConnectConfig{Dialer: dialer})

	assert.Equal(t, []netip.AddrPort{ep}, cands.failed)
	assert.Empty(t, cands.completed)
	assert.Equal(t, []netip.AddrPort{next}, cands.queue)
}

func TestConnectProbeDialerPanic(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	dialer := dialFunc(func(context.Context, string, string) (net.Conn, error) {
		panic("boom")
	})
	cands := newFakeCandidates(time.Second, ep)

	runSlot(t, cands, ConnectConfig{Dialer: dialer})

	assert.Equal(t, []netip.AddrPort{ep}, cands.failed)
}

func TestConnectProbeRejected(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	var open atomic.Int64
	dialer := pipeDialer(&open, func(_ netip.AddrPort, peer net.Conn) {
		defer peer.Close()
		peer.Write([]byte("SSH-2.0-OpenSSH_9.6\r\n"))
		io.Copy(io.Discard, peer)
	})
	cands := newFakeCandidates(time.Second, ep)

	runSlot(t, cands, ConnectConfig{
		Dialer: dialer,
		Probe:  Stateless(BannerProbe{Prefix: []byte("HTTP/")}),
	})

	assert.Empty(t, cands.successes)
	assert.ErrorIs(t, cands.completed[ep], ErrProbeRejected)
	assert.Zero(t, open.Load(), "socket leaked")
}

func TestConnectProbeStepTimeout(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	var open atomic.Int64
	cands := newFakeCandidates(30*time.Millisecond, ep)

	runSlot(t, cands, ConnectConfig{
		Dialer: pipeDialer(&open, nil),
		Probe:  Stateless(BannerProbe{}),
	})

	assert.True(t, IsTimeout(cands.completed[ep]), "got %v", cands.completed[ep])
	assert.Zero(t, open.Load(), "socket leaked")
}

type scriptedProbe struct {
	steps []time.Duration
	seen  []int
}

func (p *scriptedProbe) Step(ctx context.Context, _ net.Conn, index int) (bool, bool, time.Duration, error) {
	p.seen = append(p.seen, index)
	if index < len(p.steps) {
		return false, false, p.steps[index], nil
	}
	return true, true, 0, nil
}

func TestConnectProbeMultiStep(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	probe := &scriptedProbe{steps: []time.Duration{0, 50 * time.Millisecond}}
	cands := newFakeCandidates(time.Second, ep)

	runSlot(t, cands, ConnectConfig{
		Dialer: pipeDialer(nil, nil),
		Probe:  func(netip.AddrPort) Probe { return probe },
	})

	assert.Equal(t, []int{0, 1, 2}, probe.seen)
	assert.Equal(t, []netip.AddrPort{ep}, cands.successes)
}

func TestConnectProbeCloseBeforeStart(t *testing.T) {
	cands := newFakeCandidates(time.Second, netip.MustParseAddrPort("10.0.0.1:1"))
	p := NewConnectProbe(context.Background(), 3, cands, ConnectConfig{})

	require.NoError(t, p.Close())
	waitClosed(t, p.Done(), "slot exit")
	require.NoError(t, p.Close())
	p.Start()

	assert.Equal(t, 3, p.Index())
	assert.Equal(t, StateDisposed, p.State())
	assert.Equal(t, int32(1), cands.exits.Load())
	assert.Len(t, cands.queue, 1)
}

func TestConnectProbeCloseInFlight(t *testing.T) {
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	dialing := make(chan struct{})
	dialer := dialFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cands := newFakeCandidates(time.Minute, ep)
	p := NewConnectProbe(context.Background(), 0, cands, ConnectConfig{Dialer: dialer})
	p.Start()
	p.Start()

	waitClosed(t, dialing, "dial")
	require.NoError(t, p.Close())
	waitClosed(t, p.Done(), "slot exit")
	require.NoError(t, p.Close())

	assert.Zero(t, cands.callbacks())
	assert.Empty(t, cands.failed)
	assert.Equal(t, int32(1), cands.exits.Load())
	assert.Equal(t, StateDisposed, p.State())
}

func TestConnectProbeParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := netip.MustParseAddrPort("10.0.0.1:4840")
	dialing := make(chan struct{})
	dialer := dialFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cands := newFakeCandidates(time.Minute, ep)
	p := NewConnectProbe(ctx, 0, cands, ConnectConfig{Dialer: dialer})
	p.Start()

	waitClosed(t, dialing, "dial")
	cancel()
	waitClosed(t, p.Done(), "slot exit")
	assert.Zero(t, cands.callbacks())
}

func TestProbeStateString(t *testing.T) {
	assert.Equal(t, "begin", StateBegin.String())
	assert.Equal(t, "timedout", StateTimedOut.String())
	assert.Equal(t, "disposed", StateDisposed.String())
	assert.Equal(t, "state(42)", ProbeState(42).String())
}
