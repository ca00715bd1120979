package cli

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/netprobe"
	"github.com/smallnest/netprobe/internal/config"
)

func writeTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan:\n  ports: \"22\"\n"), 0o644))
	return path
}

func TestRunReturnsWorkError(t *testing.T) {
	boom := errors.New("boom")
	err := Run(context.Background(), "", nil, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRunStopsMetricsServer(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), "127.0.0.1:0", netprobe.NewMetrics(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("metrics server kept running after the work finished")
	}
}

func TestRunCancelsWorkWhenServerFails(t *testing.T) {
	err := Run(context.Background(), "256.0.0.1:bad", netprobe.NewMetrics(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(10 * time.Second):
			return errors.New("work was not cancelled")
		}
	})
	assert.ErrorContains(t, err, "metrics server")
}

func TestCommandShowConfig(t *testing.T) {
	called := false
	cmd := NewCommand("test", "test command", func(context.Context, *Env, []string) error {
		called = true
		return nil
	}, func(c *cobra.Command) { config.AddScanFlags(c.Flags()) })

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--show-config", "--max-probes", "42", "--config", writeTempConfig(t)})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.False(t, called)
	assert.Contains(t, out.String(), "max_probes: 42")
	assert.Contains(t, out.String(), "ports: \"22\"")
}

func TestCommandRunsBody(t *testing.T) {
	var got *Env
	var gotArgs []string
	cmd := NewCommand("test", "test command", func(_ context.Context, env *Env, args []string) error {
		got = env
		gotArgs = args
		return nil
	}, func(c *cobra.Command) { config.AddPingFlags(c.Flags()) })

	cmd.SetArgs([]string{"--log-level", "error", "--max-pings", "7", "--config", writeTempConfig(t), "10.0.0.0/24"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	require.NotNil(t, got)
	assert.Equal(t, 7, got.Config.Ping.MaxPings)
	assert.Equal(t, "error", got.Config.Log.Level)
	assert.NotNil(t, got.Metrics)
	assert.Equal(t, []string{"10.0.0.0/24"}, gotArgs)
}

func TestCommandRejectsInvalidConfig(t *testing.T) {
	cmd := NewCommand("test", "test command", func(context.Context, *Env, []string) error {
		t.Fatal("body ran with an invalid configuration")
		return nil
	}, func(c *cobra.Command) { config.AddScanFlags(c.Flags()) })
	cmd.SetArgs([]string{"--probe", "telnet", "--config", writeTempConfig(t)})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestSinkWithoutDSN(t *testing.T) {
	sink, err := OpenSink(context.Background(), config.Default())
	require.NoError(t, err)
	sink.Add(context.Background(), netip.MustParseAddrPort("10.0.0.1:22"), "tcp")
	assert.NoError(t, sink.Close())
}
