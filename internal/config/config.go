// Package config loads the settings shared by the netprobe commands from a
// YAML file, NETPROBE_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/smallnest/netprobe"
)

const envPrefix = "NETPROBE"

// Probe types accepted by ProbeConfig.Type.
const (
	ProbeNone       = "none"
	ProbeOPCUA      = "opcua"
	ProbeClickHouse = "clickhouse"
	ProbeBanner     = "banner"
)

// Config is the complete command configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Scan       ScanConfig       `mapstructure:"scan" yaml:"scan"`
	Ping       PingConfig       `mapstructure:"ping" yaml:"ping"`
	Probe      ProbeConfig      `mapstructure:"probe" yaml:"probe"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// One of debug, info, warn, error or disable.
	Level string `mapstructure:"level" yaml:"level"`
}

// ScanConfig holds the settings of TCP connect scans.
type ScanConfig struct {
	MaxProbes        int           `mapstructure:"max_probes" yaml:"max_probes"`
	MinActivePercent int           `mapstructure:"min_active_percent" yaml:"min_active_percent"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Connect attempts per second, 0 disables the limit.
	Rate  float64 `mapstructure:"rate" yaml:"rate"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
	Ports string  `mapstructure:"ports" yaml:"ports"`
}

// PingConfig holds the settings of ICMP sweeps.
type PingConfig struct {
	MaxPings  int           `mapstructure:"max_pings" yaml:"max_pings"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
	NetClass  string        `mapstructure:"net_class" yaml:"net_class"`
}

// ProbeConfig selects the probe run on connected sockets.
type ProbeConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	// Banner prefix for the banner probe.
	Banner   string `mapstructure:"banner" yaml:"banner"`
	Database string `mapstructure:"database" yaml:"database"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// ClickHouseConfig configures the result sink. An empty DSN disables it.
type ClickHouseConfig struct {
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	Table     string `mapstructure:"table" yaml:"table"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Scan: ScanConfig{
			MaxProbes:        netprobe.DefaultMaxProbes,
			MinActivePercent: netprobe.DefaultMinActivePercent,
			Timeout:          netprobe.DefaultTimeout,
			Burst:            1,
			Ports:            "4840",
		},
		Ping: PingConfig{
			MaxPings:  netprobe.DefaultMaxPings,
			Timeout:   netprobe.DefaultPingTimeout,
			BatchSize: 1000,
			NetClass:  "wired,wireless",
		},
		Probe: ProbeConfig{
			Type:     ProbeNone,
			Database: "default",
			Username: "default",
		},
		ClickHouse: ClickHouseConfig{
			Table:     netprobe.DefaultSinkTable,
			BatchSize: 1000,
		},
	}
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":          "log.level",
	"max-probes":         "scan.max_probes",
	"min-active-percent": "scan.min_active_percent",
	"timeout":            "scan.timeout",
	"rate":               "scan.rate",
	"burst":              "scan.burst",
	"ports":              "scan.ports",
	"max-pings":          "ping.max_pings",
	"ping-timeout":       "ping.timeout",
	"batch-size":         "ping.batch_size",
	"net-class":          "ping.net_class",
	"probe":              "probe.type",
	"banner":             "probe.banner",
	"ch-database":        "probe.database",
	"ch-username":        "probe.username",
	"ch-password":        "probe.password",
	"clickhouse-dsn":     "clickhouse.dsn",
	"clickhouse-table":   "clickhouse.table",
	"metrics-addr":       "metrics.addr",
}

// Load builds the configuration from defaults, the YAML file at path (or
// ./netprobe.yaml when path is empty and the file exists), NETPROBE_*
// environment variables and the flags of fs that were set. Later sources
// win.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("netprobe")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("scan.max_probes", d.Scan.MaxProbes)
	v.SetDefault("scan.min_active_percent", d.Scan.MinActivePercent)
	v.SetDefault("scan.timeout", d.Scan.Timeout)
	v.SetDefault("scan.rate", d.Scan.Rate)
	v.SetDefault("scan.burst", d.Scan.Burst)
	v.SetDefault("scan.ports", d.Scan.Ports)

	v.SetDefault("ping.max_pings", d.Ping.MaxPings)
	v.SetDefault("ping.timeout", d.Ping.Timeout)
	v.SetDefault("ping.batch_size", d.Ping.BatchSize)
	v.SetDefault("ping.net_class", d.Ping.NetClass)

	v.SetDefault("probe.type", d.Probe.Type)
	v.SetDefault("probe.banner", d.Probe.Banner)
	v.SetDefault("probe.database", d.Probe.Database)
	v.SetDefault("probe.username", d.Probe.Username)
	v.SetDefault("probe.password", d.Probe.Password)

	v.SetDefault("clickhouse.dsn", d.ClickHouse.DSN)
	v.SetDefault("clickhouse.table", d.ClickHouse.Table)
	v.SetDefault("clickhouse.batch_size", d.ClickHouse.BatchSize)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate checks the configuration for values the scanners cannot use.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug":   true,
		"info":    true,
		"warn":    true,
		"error":   true,
		"disable": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Scan.MaxProbes <= 0 {
		return fmt.Errorf("max probes must be positive")
	}
	if c.Scan.MinActivePercent < 0 || c.Scan.MinActivePercent > 100 {
		return fmt.Errorf("min active percent must be between 0 and 100")
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan timeout must be positive")
	}
	if c.Scan.Rate < 0 {
		return fmt.Errorf("scan rate must not be negative")
	}
	if _, err := netprobe.ParsePorts(c.Scan.Ports); err != nil {
		return err
	}

	if c.Ping.MaxPings <= 0 {
		return fmt.Errorf("max pings must be positive")
	}
	if c.Ping.Timeout <= 0 {
		return fmt.Errorf("ping timeout must be positive")
	}
	if c.Ping.BatchSize <= 0 {
		return fmt.Errorf("ping batch size must be positive")
	}
	if _, err := netprobe.ParseNetClass(c.Ping.NetClass); err != nil {
		return err
	}

	switch c.Probe.Type {
	case ProbeNone, ProbeOPCUA, ProbeClickHouse:
	case ProbeBanner:
		if c.Probe.Banner == "" {
			return fmt.Errorf("banner probe needs a banner prefix")
		}
	default:
		return fmt.Errorf("invalid probe type: %s", c.Probe.Type)
	}

	if c.ClickHouse.DSN != "" {
		if _, err := clickhouse.ParseDSN(c.ClickHouse.DSN); err != nil {
			return fmt.Errorf("invalid clickhouse dsn: %w", err)
		}
		if c.ClickHouse.Table == "" {
			return fmt.Errorf("clickhouse table is required when a dsn is set")
		}
	}
	return nil
}

// Ports returns the parsed port list of the scan section.
func (c *Config) Ports() ([]uint16, error) {
	return netprobe.ParsePorts(c.Scan.Ports)
}

// ProbeFactory returns the probe selected by the probe section, nil for
// a plain connect scan.
func (c *Config) ProbeFactory() netprobe.ProbeFactory {
	switch c.Probe.Type {
	case ProbeOPCUA:
		return netprobe.NewOPCUAProbe
	case ProbeClickHouse:
		return netprobe.ClickHouseFactory(clickhouse.Auth{
			Database: c.Probe.Database,
			Username: c.Probe.Username,
			Password: c.Probe.Password,
		})
	case ProbeBanner:
		return netprobe.Stateless(netprobe.BannerProbe{Prefix: []byte(c.Probe.Banner)})
	}
	return nil
}

// ScanOptions converts the scan and probe sections into scanner options.
func (c *Config) ScanOptions() []netprobe.PortOption {
	opts := []netprobe.PortOption{
		netprobe.WithMaxProbes(c.Scan.MaxProbes),
		netprobe.WithMinActivePercent(c.Scan.MinActivePercent),
		netprobe.WithTimeout(c.Scan.Timeout),
	}
	if c.Scan.Rate > 0 {
		opts = append(opts, netprobe.WithRateLimit(c.Scan.Rate, c.Scan.Burst))
	}
	if f := c.ProbeFactory(); f != nil {
		opts = append(opts, netprobe.WithProbe(f))
	}
	return opts
}

// PingOptions converts the ping section into sweep options.
func (c *Config) PingOptions() ([]netprobe.NetworkOption, error) {
	class, err := netprobe.ParseNetClass(c.Ping.NetClass)
	if err != nil {
		return nil, err
	}
	return []netprobe.NetworkOption{
		netprobe.WithNetClass(class),
		netprobe.WithMaxPings(c.Ping.MaxPings),
		netprobe.WithPingTimeout(c.Ping.Timeout),
		netprobe.WithBatchSize(c.Ping.BatchSize),
	}, nil
}

// Write encodes the configuration as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}
