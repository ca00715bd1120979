package cli

import (
	"context"
	"net/netip"

	"github.com/kataras/golog"

	"github.com/smallnest/netprobe"
	"github.com/smallnest/netprobe/internal/config"
)

// Sink records found endpoints. The zero Sink only logs.
type Sink struct {
	ch *netprobe.ClickHouseSink
}

// OpenSink connects to ClickHouse when a DSN is configured.
func OpenSink(ctx context.Context, cfg *config.Config) (*Sink, error) {
	if cfg.ClickHouse.DSN == "" {
		return &Sink{}, nil
	}
	ch, err := netprobe.OpenClickHouseSink(ctx, cfg.ClickHouse.DSN, cfg.ClickHouse.Table)
	if err != nil {
		return nil, err
	}
	ch.SetBatchSize(cfg.ClickHouse.BatchSize)
	golog.Infof("storing results in clickhouse table %s", cfg.ClickHouse.Table)
	return &Sink{ch: ch}, nil
}

// Add stores ep. Failures are logged, the scan goes on.
func (s *Sink) Add(ctx context.Context, ep netip.AddrPort, kind string) {
	if s.ch == nil {
		return
	}
	if err := s.ch.Add(ctx, ep, kind); err != nil {
		golog.Errorf("failed to store %s: %v", ep, err)
	}
}

// Close flushes pending rows.
func (s *Sink) Close() error {
	if s.ch == nil {
		return nil
	}
	return s.ch.Close()
}
