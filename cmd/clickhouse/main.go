package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/smallnest/netprobe"
	"github.com/smallnest/netprobe/internal/cli"
	"github.com/smallnest/netprobe/internal/config"
)

var (
	input   string
	dstPort uint16
)

func main() {
	cmd := cli.NewCommand("clickhouse [host...]", "Check hosts for reachable ClickHouse servers", check,
		func(c *cobra.Command) {
			c.Flags().StringVarP(&input, "input", "i", "", "host list, plain or icmp_scan output")
			c.Flags().Uint16VarP(&dstPort, "port", "d", 9000, "the destination port to use")
			config.AddScanFlags(c.Flags())
		})
	cli.Execute(cmd)
}

// hostOf extracts the address from a plain line or from an icmp_scan log
// line such as "[INFO] 2025/01/26 20:58 1.27.222.121 is alive".
func hostOf(line string) (netip.Addr, bool) {
	items := strings.Fields(line)
	switch {
	case len(items) == 1:
		line = items[0]
	case len(items) >= 6:
		line = items[3]
	default:
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(line)
	return addr, err == nil
}

func check(ctx context.Context, env *cli.Env, args []string) error {
	lines := args
	if input != "" {
		fromFile, err := netprobe.ReadIPList(input)
		if err != nil {
			return err
		}
		lines = append(lines, fromFile...)
	}
	var endpoints []netip.AddrPort
	for _, line := range lines {
		if addr, ok := hostOf(line); ok {
			endpoints = append(endpoints, netip.AddrPortFrom(addr, dstPort))
		}
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("no hosts to check")
	}

	sink, err := cli.OpenSink(ctx, env.Config)
	if err != nil {
		return err
	}
	defer sink.Close()

	env.Config.Probe.Type = config.ProbeClickHouse
	opts := append(env.Config.ScanOptions(), netprobe.WithObserver(env.Metrics))

	var total atomic.Int64
	env.Log.Infof("start to check %d hosts", len(endpoints))
	start := time.Now()

	scanner := netprobe.ScanEndpoints(ctx, endpoints, func(_ *netprobe.PortScanner, ep netip.AddrPort) {
		env.Log.Infof("%s can be accessed", ep.Addr())
		total.Add(1)
		sink.Add(ctx, ep, config.ProbeClickHouse)
	}, opts...)
	defer scanner.Close()

	err = scanner.Wait(context.Background())
	env.Log.Infof("total: %d, time: %v", total.Load(), time.Since(start))
	if errors.Is(err, netprobe.ErrScanCanceled) {
		return nil
	}
	return err
}
