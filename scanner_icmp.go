package netprobe

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kataras/golog"
)

const (
	DefaultMaxPings    = 1000
	DefaultPingTimeout = 3 * time.Second
	defaultBatchSize   = 1000
)

// ReplyFunc receives every echo reply of a sweep.
type ReplyFunc func(s *NetworkScanner, r Reply)

type networkOptions struct {
	ranges   []AddressRange
	class    NetClass
	maxPings int
	timeout  time.Duration
	batch    int
	pinger   Pinger
	log      *golog.Logger
	obs      Observer
}

// NetworkOption configures a NetworkScanner.
type NetworkOption func(*networkOptions)

// WithRanges sets the ranges to sweep. Without it the subnets of the local
// interfaces selected by WithNetClass are swept.
func WithRanges(ranges ...AddressRange) NetworkOption {
	return func(o *networkOptions) { o.ranges = append(o.ranges, ranges...) }
}

// WithNetClass selects the local interfaces used when no ranges are given.
func WithNetClass(c NetClass) NetworkOption {
	return func(o *networkOptions) { o.class = c }
}

// WithMaxPings sets the number of echo requests in flight.
func WithMaxPings(n int) NetworkOption {
	return func(o *networkOptions) { o.maxPings = n }
}

// WithPingTimeout sets how long each echo request waits for its reply.
func WithPingTimeout(d time.Duration) NetworkOption {
	return func(o *networkOptions) { o.timeout = d }
}

// WithBatchSize sets how many addresses are shuffled together.
func WithBatchSize(n int) NetworkOption {
	return func(o *networkOptions) { o.batch = n }
}

// WithPinger replaces the ICMP pinger.
func WithPinger(p Pinger) NetworkOption {
	return func(o *networkOptions) { o.pinger = p }
}

// WithPingLogger sets the logger of the sweep.
func WithPingLogger(l *golog.Logger) NetworkOption {
	return func(o *networkOptions) { o.log = l }
}

// WithPingObserver sets the observer notified about pings.
func WithPingObserver(obs Observer) NetworkOption {
	return func(o *networkOptions) { o.obs = obs }
}

// NetworkScanner sweeps address ranges with ICMP echo using a fixed pool of
// concurrent pings.
type NetworkScanner struct {
	opts   networkOptions
	found  ReplyFunc
	log    *golog.Logger
	queue  *addressQueue
	pinger Pinger
	owned  io.Closer // pinger created by the scanner

	ctx    context.Context
	cancel context.CancelFunc

	active    atomic.Int32
	scanCount atomic.Int64
	handed    atomic.Int64
	wg        sync.WaitGroup

	closed atomic.Bool
	done   chan struct{}
	err    error
}

// NewNetworkScanner starts a sweep right away.
func NewNetworkScanner(ctx context.Context, found ReplyFunc, opts ...NetworkOption) (*NetworkScanner, error) {
	o := networkOptions{
		class:    NetClassWired | NetClassWireless,
		maxPings: DefaultMaxPings,
		timeout:  DefaultPingTimeout,
		batch:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxPings <= 0 {
		o.maxPings = DefaultMaxPings
	}
	if o.timeout <= 0 {
		o.timeout = DefaultPingTimeout
	}
	if o.log == nil {
		o.log = golog.Child("netscan")
	}
	if o.obs == nil {
		o.obs = nopObserver{}
	}

	ranges := o.ranges
	if len(ranges) == 0 {
		local, err := LocalRanges(o.class)
		if err != nil {
			return nil, err
		}
		ranges = local
	}
	ranges = MergeRanges(ranges...)
	total := TotalAddresses(ranges)
	if total == 0 {
		return nil, ErrNoRanges
	}

	s := &NetworkScanner{
		opts:   o,
		found:  found,
		log:    o.log,
		queue:  newAddressQueue(ranges, o.batch),
		pinger: o.pinger,
		done:   make(chan struct{}),
	}
	if s.pinger == nil {
		p, err := NewICMPPinger("")
		if err != nil {
			return nil, err
		}
		s.pinger = p
		s.owned = p
	}

	slots := o.maxPings
	if uint64(slots) > total {
		slots = int(total)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Debugf("sweeping %d addresses in %d ranges with %d pings", total, len(ranges), slots)

	s.active.Store(int32(slots))
	s.wg.Add(slots)
	for i := 0; i < slots; i++ {
		o.obs.SlotStarted(kindICMP)
		go s.ping(i)
	}
	go s.wait()
	return s, nil
}

// ScanCount returns the number of echo requests that completed.
func (s *NetworkScanner) ScanCount() int64 { return s.scanCount.Load() }

// ActivePings returns the number of pool members still working.
func (s *NetworkScanner) ActivePings() int { return int(s.active.Load()) }

// Remaining returns the number of addresses not yet handed out.
func (s *NetworkScanner) Remaining() uint64 { return s.queue.remaining() }

// Done is closed once the sweep completed or was cancelled.
func (s *NetworkScanner) Done() <-chan struct{} { return s.done }

// Wait blocks until the sweep is over. It returns nil when every address
// was pinged and ErrScanCanceled, wrapping the cause, when the sweep was
// stopped first.
func (s *NetworkScanner) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the sweep. It does not wait for pending pings.
func (s *NetworkScanner) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	return nil
}

func (s *NetworkScanner) ping(index int) {
	defer func() {
		s.active.Add(-1)
		s.opts.obs.SlotExited(kindICMP)
		s.wg.Done()
	}()

	for s.ctx.Err() == nil {
		addr, ok := s.queue.next()
		if !ok {
			return
		}
		s.handed.Add(1)
		s.opts.obs.Attempted(kindICMP)
		reply, err := s.pinger.Ping(s.ctx, addr, s.opts.timeout)
		if s.ctx.Err() != nil {
			return
		}
		s.scanCount.Add(1)
		if err != nil {
			s.opts.obs.Completed(kindICMP, Classify(err))
			s.log.Debugf("ping %d: %s: %v", index, addr, err)
			continue
		}
		s.opts.obs.Completed(kindICMP, OutcomeOpen)
		if s.found != nil && !s.closed.Load() {
			s.found(s, reply)
		}
	}
}

func (s *NetworkScanner) wait() {
	s.wg.Wait()
	if s.queue.remaining() > 0 || s.ScanCount() < s.handed.Load() {
		s.err = fmt.Errorf("%w: %w", ErrScanCanceled, context.Cause(s.ctx))
	}
	s.log.Debugf("sweep finished: %d addresses pinged", s.ScanCount())
	s.cancel()
	if s.owned != nil {
		if err := s.owned.Close(); err != nil {
			s.log.Warnf("failed to close pinger: %v", err)
		}
	}
	close(s.done)
}
