package netprobe

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kataras/golog"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxProbes        = 1000
	DefaultMinActivePercent = 80
	DefaultTimeout          = 5 * time.Second
)

// FoundFunc receives every endpoint that accepted a connection and passed
// the probe, if any.
type FoundFunc func(s *PortScanner, ep netip.AddrPort)

// FailedFunc receives every endpoint that was tried and did not pass,
// together with the reason.
type FailedFunc func(s *PortScanner, ep netip.AddrPort, err error)

type portOptions struct {
	maxProbes  int
	minPercent int
	timeout    time.Duration
	sizeHint   int
	cfg        ConnectConfig
	failed     FailedFunc
}

// PortOption configures a PortScanner.
type PortOption func(*portOptions)

// WithMaxProbes sets the number of concurrent connect slots.
func WithMaxProbes(n int) PortOption {
	return func(o *portOptions) { o.maxProbes = n }
}

// WithMinActivePercent sets the share of slots that stay alive when the
// host runs out of sockets.
func WithMinActivePercent(p int) PortOption {
	return func(o *portOptions) { o.minPercent = p }
}

// WithTimeout sets the base per-attempt timeout. Each attempt uses a random
// value between 0.7 and 1.5 times of it.
func WithTimeout(d time.Duration) PortOption {
	return func(o *portOptions) { o.timeout = d }
}

// WithSizeHint tells the scanner how many candidates the source yields, so
// that it does not start more slots than there is work for.
func WithSizeHint(n int) PortOption {
	return func(o *portOptions) { o.sizeHint = n }
}

// WithProbe sets the probe run on every connected socket.
func WithProbe(f ProbeFactory) PortOption {
	return func(o *portOptions) { o.cfg.Probe = f }
}

// WithDialer replaces the dialer used for connects.
func WithDialer(d Dialer) PortOption {
	return func(o *portOptions) { o.cfg.Dialer = d }
}

// WithRateLimit caps connect attempts per second across all slots.
func WithRateLimit(perSecond float64, burst int) PortOption {
	return func(o *portOptions) {
		if perSecond <= 0 {
			o.cfg.Limiter = nil
			return
		}
		o.cfg.Limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithLogger sets the logger of the scanner and its slots.
func WithLogger(l *golog.Logger) PortOption {
	return func(o *portOptions) { o.cfg.Logger = l }
}

// WithObserver sets the observer notified about slots and attempts.
func WithObserver(obs Observer) PortOption {
	return func(o *portOptions) { o.cfg.Observer = obs }
}

// WithFailureFunc sets a callback for endpoints that did not pass.
func WithFailureFunc(f FailedFunc) PortOption {
	return func(o *portOptions) { o.failed = f }
}

// PortScanner races a fixed pool of ConnectProbe slots through a shared
// source of endpoints.
type PortScanner struct {
	opts   portOptions
	found  FoundFunc
	log    *golog.Logger
	source <-chan netip.AddrPort

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex // guards requeued and changes of active
	requeued  []netip.AddrPort
	active    atomic.Int32
	minActive int32
	scanCount atomic.Int64
	verdicts  atomic.Int64
	drained   atomic.Bool // the source sent its last endpoint

	probes []*ConnectProbe
	wg     sync.WaitGroup

	closed atomic.Bool
	done   chan struct{}
	err    error
}

// NewPortScanner starts scanning endpoints right away. found is called for
// every endpoint that accepted a connection and passed the probe.
func NewPortScanner(ctx context.Context, endpoints iter.Seq[netip.AddrPort], found FoundFunc, opts ...PortOption) *PortScanner {
	o := portOptions{
		maxProbes:  DefaultMaxProbes,
		minPercent: DefaultMinActivePercent,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxProbes <= 0 {
		o.maxProbes = DefaultMaxProbes
	}
	o.minPercent = min(max(o.minPercent, 0), 100)
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	if o.cfg.Logger == nil {
		o.cfg.Logger = golog.Child("portscan")
	}
	if o.cfg.Observer == nil {
		o.cfg.Observer = nopObserver{}
	}

	slots := o.maxProbes
	if o.sizeHint > 0 {
		slots = min(slots, o.sizeHint)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &PortScanner{
		opts:      o,
		found:     found,
		log:       o.cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		minActive: int32(max(minActiveCount(o.maxProbes, o.minPercent), 1)),
		done:      make(chan struct{}),
	}
	s.source = feed(ctx, endpoints, slots, &s.drained, s.log)

	s.log.Debugf("starting %d probes (floor %d, timeout %v)", slots, s.minActive, o.timeout)
	s.probes = make([]*ConnectProbe, slots)
	s.active.Store(int32(slots))
	s.wg.Add(slots)
	for i := range s.probes {
		s.probes[i] = NewConnectProbe(ctx, i, &portSlot{s: s}, o.cfg)
	}
	for _, p := range s.probes {
		p.Start()
	}
	go s.wait()
	return s
}

// minActiveCount returns ceil(maxProbes * percent / 100).
func minActiveCount(maxProbes, percent int) int {
	return (maxProbes*percent + 99) / 100
}

// ScanCount returns the number of endpoints handed to slots, minus those
// that were handed back for another try.
func (s *PortScanner) ScanCount() int64 { return s.scanCount.Load() }

// ActiveProbes returns the number of slots that have not exited.
func (s *PortScanner) ActiveProbes() int { return int(s.active.Load()) }

// Pending returns the number of handed back endpoints waiting for a slot.
func (s *PortScanner) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requeued)
}

// Done is closed once the scan completed or was cancelled.
func (s *PortScanner) Done() <-chan struct{} { return s.done }

// Wait blocks until every slot has exited. It returns nil when every
// endpoint of the source got a verdict. Otherwise it returns ErrScanCanceled
// wrapping the cause when the scan was closed or its context ended first,
// and ErrScanIncomplete when the slots exited on their own.
func (s *PortScanner) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the scan and disposes every slot. It does not wait for the
// slots to exit and may be called from within callbacks.
func (s *PortScanner) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	for _, p := range s.probes {
		p.Close()
	}
	return nil
}

func (s *PortScanner) wait() {
	s.wg.Wait()
	cause := context.Cause(s.ctx)
	s.cancel()

	// the feed closes its channel once it saw the cancel
	unread := 0
	for range s.source {
		unread++
	}
	pending := s.Pending()
	unfinished := s.ScanCount() - s.verdicts.Load()

	switch {
	case s.drained.Load() && unread == 0 && pending == 0 && unfinished == 0:
	case cause != nil:
		s.err = fmt.Errorf("%w: %w", ErrScanCanceled, cause)
	default:
		s.log.Warnf("all probes exited with %d endpoints handed back and %d unfinished", pending, unfinished)
		s.err = fmt.Errorf("%w: %d endpoints handed back, %d unfinished", ErrScanIncomplete, pending, unfinished)
	}
	s.log.Debugf("scan finished: %d endpoints scanned", s.ScanCount())
	close(s.done)
}

func (s *PortScanner) nextTimeout() time.Duration {
	return jitter(s.opts.timeout)
}

// jitter returns a random duration between 0.7 and 1.5 times d.
func jitter(d time.Duration) time.Duration {
	lo := d * 7 / 10
	span := d*15/10 - lo
	if span <= 0 {
		return d
	}
	return lo + rand.N(span+1)
}

// portSlot is the Candidates of one slot of a PortScanner.
type portSlot struct {
	s        *PortScanner
	released bool // active already decremented for this slot; guarded by s.mu
}

func (c *portSlot) Next(ctx context.Context) (netip.AddrPort, time.Duration, bool) {
	s := c.s
	for {
		s.mu.Lock()
		if n := len(s.requeued); n > 0 {
			ep := s.requeued[n-1]
			s.requeued = s.requeued[:n-1]
			s.mu.Unlock()
			s.scanCount.Add(1)
			return ep, s.nextTimeout(), true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return netip.AddrPort{}, 0, false
		case ep, ok := <-s.source:
			if ok {
				s.scanCount.Add(1)
				return ep, s.nextTimeout(), true
			}
		}

		// The source is drained. Leave only if nobody handed an endpoint
		// back in the meantime; the check and the exit share the lock so
		// a requeue never finds all slots gone.
		s.mu.Lock()
		if len(s.requeued) == 0 || ctx.Err() != nil {
			c.release()
			s.mu.Unlock()
			return netip.AddrPort{}, 0, false
		}
		s.mu.Unlock()
	}
}

func (c *portSlot) Fail(ep netip.AddrPort) {
	s := c.s
	s.mu.Lock()
	s.requeued = append(s.requeued, ep)
	s.mu.Unlock()
	s.scanCount.Add(-1)
}

func (c *portSlot) Success(ep netip.AddrPort) {
	s := c.s
	if s.closed.Load() || s.found == nil {
		return
	}
	s.found(s, ep)
}

func (c *portSlot) Complete(ep netip.AddrPort, err error) {
	s := c.s
	s.verdicts.Add(1)
	if err == nil {
		s.log.Debugf("%s open", ep)
		return
	}
	if s.opts.failed != nil && !s.closed.Load() {
		s.opts.failed(s, ep, err)
	}
}

// GiveUp retires the slot while more than the floor of slots are active.
func (c *portSlot) GiveUp(ep netip.AddrPort) bool {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.released || s.active.Load() <= s.minActive {
		return false
	}
	s.requeued = append(s.requeued, ep)
	s.scanCount.Add(-1)
	c.release()
	return true
}

func (c *portSlot) Exit(p *ConnectProbe) {
	s := c.s
	s.mu.Lock()
	c.release()
	s.mu.Unlock()
	s.log.Debugf("probe %d exited (%d active)", p.Index(), s.active.Load())
	s.wg.Done()
}

// release must be called with s.mu held.
func (c *portSlot) release() {
	if c.released {
		return
	}
	c.released = true
	c.s.active.Add(-1)
}

// ScanEndpoints is a convenience wrapper that scans a fixed list.
func ScanEndpoints(ctx context.Context, endpoints []netip.AddrPort, found FoundFunc, opts ...PortOption) *PortScanner {
	opts = append([]PortOption{WithSizeHint(max(len(endpoints), 1))}, opts...)
	return NewPortScanner(ctx, slices.Values(endpoints), found, opts...)
}
