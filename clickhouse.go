package netprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/kataras/golog"
)

// ClickHouseProbe accepts endpoints that speak the ClickHouse native
// protocol. It runs the client handshake and a ping over the connected
// socket. A server that refuses the credentials still counts as a match.
type ClickHouseProbe struct {
	Auth clickhouse.Auth
}

func (p ClickHouseProbe) Step(ctx context.Context, conn net.Conn, _ int) (bool, bool, time.Duration, error) {
	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	db, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{conn.RemoteAddr().String()},
		Auth: p.Auth,
		DialContext: func(context.Context, string) (net.Conn, error) {
			return conn, nil
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 1,
		},
		DialTimeout:          timeout,
		ReadTimeout:          timeout,
		MaxOpenConns:         1,
		MaxIdleConns:         1,
		ConnMaxLifetime:      time.Minute,
		ConnOpenStrategy:     clickhouse.ConnOpenInOrder,
		BlockBufferSize:      10,
		MaxCompressionBuffer: 1024,
	})
	if err != nil {
		return true, false, 0, err
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		var ex *clickhouse.Exception
		if errors.As(err, &ex) {
			return true, true, 0, nil
		}
		if ctx.Err() != nil {
			return true, false, 0, ErrTimeout
		}
		return true, false, 0, nil
	}
	return true, true, 0, nil
}

// ClickHouseFactory returns a ProbeFactory of ClickHouseProbe using auth.
func ClickHouseFactory(auth clickhouse.Auth) ProbeFactory {
	return Stateless(ClickHouseProbe{Auth: auth})
}

const (
	DefaultSinkTable = "netprobe_endpoints"
	defaultSinkBatch = 1000
)

// ClickHouseSink stores found endpoints in a ClickHouse table. Rows are
// buffered and written in batches.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
	batch int
	log   *golog.Logger

	mu      sync.Mutex
	pending []sinkRow
	written int
}

type sinkRow struct {
	ts   time.Time
	ep   netip.AddrPort
	kind string
}

// OpenClickHouseSink connects to the server named by dsn and creates table
// when it does not exist yet.
func OpenClickHouseSink(ctx context.Context, dsn, table string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	s := NewClickHouseSink(conn, table)
	if err := conn.Exec(ctx, s.createTable()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create table %s: %w", s.table, err)
	}
	return s, nil
}

// NewClickHouseSink wraps an open connection. The table must exist.
func NewClickHouseSink(conn driver.Conn, table string) *ClickHouseSink {
	if table == "" {
		table = DefaultSinkTable
	}
	return &ClickHouseSink{
		conn:  conn,
		table: table,
		batch: defaultSinkBatch,
		log:   golog.Child("clickhouse"),
	}
}

// SetBatchSize sets how many rows are buffered before they are written.
func (s *ClickHouseSink) SetBatchSize(n int) {
	s.mu.Lock()
	s.batch = max(n, 1)
	s.mu.Unlock()
}

func (s *ClickHouseSink) createTable() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	ts   DateTime,
	addr String,
	port UInt16,
	kind LowCardinality(String)
) ENGINE = MergeTree ORDER BY (addr, port)`, s.table)
}

// Add buffers ep found by a scan of the given kind and writes the buffer
// once it is full.
func (s *ClickHouseSink) Add(ctx context.Context, ep netip.AddrPort, kind string) error {
	s.mu.Lock()
	s.pending = append(s.pending, sinkRow{ts: time.Now(), ep: ep, kind: kind})
	full := len(s.pending) >= s.batch
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered rows.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range s.pending {
		if err := batch.Append(r.ts, r.ep.Addr().String(), r.ep.Port(), r.kind); err != nil {
			batch.Abort()
			return fmt.Errorf("append %s: %w", r.ep, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	s.log.Debugf("wrote %d rows to %s", len(s.pending), s.table)
	s.written += len(s.pending)
	s.pending = s.pending[:0]
	return nil
}

// Written returns the number of rows sent to the server.
func (s *ClickHouseSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close flushes the buffer and closes the connection.
func (s *ClickHouseSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(s.Flush(ctx), s.conn.Close())
}
