package netprobe

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv4"
)

func newTestPinger(t *testing.T) *ICMPPinger {
	t.Helper()
	p, err := NewICMPPinger("")
	if err != nil {
		t.Skipf("icmp not permitted: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestICMPPingerLoopback(t *testing.T) {
	p := newTestPinger(t)

	r, err := p.Ping(context.Background(), netip.MustParseAddr("127.0.0.1"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", r.Addr.String())
	assert.Positive(t, r.RTT)
}

func TestICMPPingerRejectsIPv6(t *testing.T) {
	p := newTestPinger(t)
	_, err := p.Ping(context.Background(), netip.MustParseAddr("::1"), time.Second)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestICMPPingerClose(t *testing.T) {
	p := newTestPinger(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	// 192.0.2.0/24 is reserved for documentation and never answers
	_, err := p.Ping(context.Background(), netip.MustParseAddr("192.0.2.1"), time.Second)
	assert.True(t, errors.Is(err, net.ErrClosed), "got %v", err)
}

func TestICMPPingerContext(t *testing.T) {
	p := newTestPinger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Ping(ctx, netip.MustParseAddr("192.0.2.1"), time.Minute)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Skipf("network refused the probe: %v", err)
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeerAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.1", peerAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.1")}).String())
	assert.Equal(t, "10.0.0.2", peerAddr(&net.IPAddr{IP: net.IPv4(10, 0, 0, 2)}).String())
	assert.False(t, peerAddr(&net.TCPAddr{}).IsValid())
}

func TestEchoReplyFilter(t *testing.T) {
	prog, err := bpf.Assemble(createEchoReplyFilter())
	require.NoError(t, err)
	vm, err := bpf.NewVM(createEchoReplyFilter())
	require.NoError(t, err)
	assert.NotEmpty(t, prog)

	packet := func(icmpType byte) []byte {
		b := make([]byte, 28)
		b[0] = 0x45 // version 4, 20 byte header
		b[9] = protocolICMP
		b[20] = icmpType
		return b
	}
	n, err := vm.Run(packet(byte(ipv4.ICMPTypeEchoReply)))
	require.NoError(t, err)
	assert.Positive(t, n)

	n, err = vm.Run(packet(byte(ipv4.ICMPTypeDestinationUnreachable)))
	require.NoError(t, err)
	assert.Zero(t, n)
}
