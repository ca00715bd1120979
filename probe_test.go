package netprobe

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepOnce runs the first step of probe against a pipe whose peer is
// served by serve.
func stepOnce(t *testing.T, probe Probe, serve func(peer net.Conn)) (bool, bool, error) {
	t.Helper()
	local, peer := net.Pipe()
	defer local.Close()
	go func() {
		defer peer.Close()
		serve(peer)
	}()

	require.NoError(t, local.SetDeadline(time.Now().Add(time.Second)))
	done, ok, _, err := probe.Step(context.Background(), local, 0)
	return done, ok, err
}

func TestBannerProbe(t *testing.T) {
	greet := func(s string) func(net.Conn) {
		return func(peer net.Conn) {
			peer.Write([]byte(s))
			io.Copy(io.Discard, peer)
		}
	}

	tests := []struct {
		name   string
		probe  BannerProbe
		serve  func(net.Conn)
		wantOK bool
	}{
		{"match", BannerProbe{Prefix: []byte("SSH-2.0")}, greet("SSH-2.0-OpenSSH_9.6\r\n"), true},
		{"mismatch", BannerProbe{Prefix: []byte("SSH-2.0")}, greet("220 smtp ready\r\n"), false},
		{"any greeting", BannerProbe{}, greet("x"), true},
		{"silent close", BannerProbe{}, func(net.Conn) {}, false},
		{"short greeting", BannerProbe{Prefix: []byte("HTTP/1.1")}, func(peer net.Conn) {
			peer.Write([]byte("HTTP"))
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, ok, err := stepOnce(t, tt.probe, tt.serve)
			require.NoError(t, err)
			assert.True(t, done)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestBannerProbeTimeout(t *testing.T) {
	local, peer := net.Pipe()
	defer local.Close()
	defer peer.Close()

	require.NoError(t, local.SetDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, _, err := BannerProbe{}.Step(context.Background(), local, 0)
	assert.True(t, IsTimeout(err), "got %v", err)
}

func TestProbeFunc(t *testing.T) {
	var calls int
	f := ProbeFunc(func(context.Context, net.Conn) (bool, error) {
		calls++
		return true, nil
	})
	probe := Stateless(f)(netip.MustParseAddrPort("10.0.0.1:80"))
	done, ok, next, err := probe.Step(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, ok)
	assert.Zero(t, next)
	assert.Equal(t, 1, calls)
}
