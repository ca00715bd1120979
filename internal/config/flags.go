package config

import (
	"github.com/spf13/pflag"
)

// AddLogFlags registers the logging flags.
func AddLogFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error, disable)")
}

// AddScanFlags registers the TCP scan and probe flags.
func AddScanFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int("max-probes", d.Scan.MaxProbes, "number of concurrent connects")
	fs.Int("min-active-percent", d.Scan.MinActivePercent, "share of probes kept alive when sockets run out")
	fs.Duration("timeout", d.Scan.Timeout, "base connect and probe timeout")
	fs.Float64("rate", d.Scan.Rate, "connect attempts per second, 0 for no limit")
	fs.Int("burst", d.Scan.Burst, "connect burst size when rate is set")
	fs.StringP("ports", "p", d.Scan.Ports, "ports to scan, e.g. 80,443,4840-4843")
	fs.String("probe", d.Probe.Type, "probe run on open ports (none, opcua, clickhouse, banner)")
	fs.String("banner", d.Probe.Banner, "greeting prefix for the banner probe")
	fs.String("ch-database", d.Probe.Database, "database for the clickhouse probe")
	fs.String("ch-username", d.Probe.Username, "user for the clickhouse probe")
	fs.String("ch-password", d.Probe.Password, "password for the clickhouse probe")
}

// AddPingFlags registers the ICMP sweep flags.
func AddPingFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int("max-pings", d.Ping.MaxPings, "number of echo requests in flight")
	fs.Duration("ping-timeout", d.Ping.Timeout, "time to wait for each echo reply")
	fs.Int("batch-size", d.Ping.BatchSize, "number of addresses shuffled together")
	fs.String("net-class", d.Ping.NetClass, "local networks to sweep without ranges (wired, wireless, local, all)")
}

// AddOutputFlags registers the result sink and metrics flags.
func AddOutputFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("clickhouse-dsn", d.ClickHouse.DSN, "store results in ClickHouse, e.g. clickhouse://localhost:9000/default")
	fs.String("clickhouse-table", d.ClickHouse.Table, "table for stored results")
	fs.String("metrics-addr", d.Metrics.Addr, "serve Prometheus metrics on this address")
}
