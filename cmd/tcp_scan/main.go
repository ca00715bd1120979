package main

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/smallnest/netprobe"
	"github.com/smallnest/netprobe/internal/cli"
	"github.com/smallnest/netprobe/internal/config"
)

var ipFile string

func main() {
	cmd := cli.NewCommand("tcp_scan [range...]", "Find open ports and the services behind them", scan,
		func(c *cobra.Command) {
			c.Flags().StringVarP(&ipFile, "ip-file", "f", "", "file with one address, CIDR or range per line")
			config.AddScanFlags(c.Flags())
		})
	cli.Execute(cmd)
}

func scan(ctx context.Context, env *cli.Env, args []string) error {
	lines := args
	if ipFile != "" {
		fromFile, err := netprobe.ReadIPList(ipFile)
		if err != nil {
			return err
		}
		lines = append(lines, fromFile...)
	}
	ranges, err := netprobe.ParseAddressRanges(lines)
	if err != nil {
		return err
	}
	ranges = netprobe.MergeRanges(ranges...)
	if netprobe.TotalAddresses(ranges) == 0 {
		return netprobe.ErrNoRanges
	}
	ports, err := env.Config.Ports()
	if err != nil {
		return err
	}

	sink, err := cli.OpenSink(ctx, env.Config)
	if err != nil {
		return err
	}
	defer sink.Close()

	kind := env.Config.Probe.Type
	if kind == config.ProbeNone {
		kind = "tcp"
	}

	total := netprobe.EndpointCount(ranges, ports)
	opts := append(env.Config.ScanOptions(),
		netprobe.WithSizeHint(total),
		netprobe.WithObserver(env.Metrics),
		netprobe.WithFailureFunc(func(_ *netprobe.PortScanner, ep netip.AddrPort, err error) {
			env.Log.Debugf("%s: %v", ep, err)
		}),
	)

	var open atomic.Int64
	env.Log.Infof("start scanning %d endpoints", total)
	start := time.Now()

	scanner := netprobe.NewPortScanner(ctx, netprobe.Endpoints(ranges, ports), func(_ *netprobe.PortScanner, ep netip.AddrPort) {
		env.Log.Infof("%s is open (%s)", ep, kind)
		open.Add(1)
		sink.Add(ctx, ep, kind)
	}, opts...)
	defer scanner.Close()

	err = scanner.Wait(context.Background())
	env.Log.Infof("total: %d, open: %d, time: %v", scanner.ScanCount(), open.Load(), time.Since(start))
	if errors.Is(err, netprobe.ErrScanCanceled) {
		env.Log.Warnf("scan interrupted")
		return nil
	}
	return err
}
