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
	cmd := cli.NewCommand("icmp_scan [range...]", "Find alive hosts with ICMP echo", sweep,
		func(c *cobra.Command) {
			c.Flags().StringVarP(&ipFile, "ip-file", "f", "", "file with one address, CIDR or range per line")
			config.AddPingFlags(c.Flags())
		})
	cli.Execute(cmd)
}

func sweep(ctx context.Context, env *cli.Env, args []string) error {
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

	opts, err := env.Config.PingOptions()
	if err != nil {
		return err
	}
	opts = append(opts,
		netprobe.WithRanges(ranges...),
		netprobe.WithPingObserver(env.Metrics),
	)

	sink, err := cli.OpenSink(ctx, env.Config)
	if err != nil {
		return err
	}
	defer sink.Close()

	var alive atomic.Int64
	env.Log.Infof("start scanning")
	start := time.Now()

	scanner, err := netprobe.NewNetworkScanner(ctx, func(_ *netprobe.NetworkScanner, r netprobe.Reply) {
		env.Log.Infof("%s is alive", r.Addr)
		env.Log.Debugf("%s ttl=%d rtt=%v", r.Addr, r.TTL, r.RTT)
		alive.Add(1)
		sink.Add(ctx, netip.AddrPortFrom(r.Addr, 0), "icmp")
	}, opts...)
	if err != nil {
		return err
	}
	defer scanner.Close()

	err = scanner.Wait(context.Background())
	env.Log.Infof("total: %d, alive: %d, time: %v", scanner.ScanCount(), alive.Load(), time.Since(start))
	if errors.Is(err, netprobe.ErrScanCanceled) {
		env.Log.Warnf("scan interrupted, %d addresses not pinged", scanner.Remaining())
		return nil
	}
	return err
}
