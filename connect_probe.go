package netprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kataras/golog"
	"golang.org/x/time/rate"
)

const (
	minRetryDelay = 10 * time.Millisecond
	maxRetryDelay = time.Second

	// maxUnavailableRetries bounds the retries of a candidate whose dials
	// fail with "address not available". The errno means either that the
	// ephemeral ports ran out or that the remote address is unusable.
	maxUnavailableRetries = 5
)

// aLongTimeAgo unblocks pending I/O when used as a deadline.
var aLongTimeAgo = time.Unix(1, 0)

var errSlotPanic = errors.New("netprobe: probe slot panicked")

// ProbeState is the state of a ConnectProbe slot.
type ProbeState int32

const (
	StateBegin ProbeState = iota
	StateConnect
	StateProbing
	StateTimedOut
	StateError
	StateDisposed
)

func (s ProbeState) String() string {
	switch s {
	case StateBegin:
		return "begin"
	case StateConnect:
		return "connect"
	case StateProbing:
		return "probing"
	case StateTimedOut:
		return "timedout"
	case StateError:
		return "error"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Candidates feeds a ConnectProbe and receives its results. The owner of a
// pool of slots implements it; every slot may get its own instance.
type Candidates interface {
	// Next returns the next endpoint and its timeout, or false when the
	// slot should exit.
	Next(ctx context.Context) (ep netip.AddrPort, timeout time.Duration, ok bool)
	// Fail hands back an endpoint the slot could not finish.
	Fail(ep netip.AddrPort)
	// Success is called for an endpoint that connected and passed the probe.
	Success(ep netip.AddrPort)
	// Complete is called once per finished endpoint, err is nil on success.
	Complete(ep netip.AddrPort, err error)
	// GiveUp is asked when the host ran out of sockets. Returning true
	// retires the slot; the implementation keeps ep for another slot.
	GiveUp(ep netip.AddrPort) bool
	// Exit is called exactly once when the slot stops.
	Exit(p *ConnectProbe)
}

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectConfig holds the collaborators of a ConnectProbe.
type ConnectConfig struct {
	Dialer   Dialer
	Probe    ProbeFactory
	Limiter  *rate.Limiter
	Logger   *golog.Logger
	Observer Observer
}

// ConnectProbe is one slot of a port scan. It takes endpoints from its
// Candidates one at a time, connects to each with a fresh socket under a
// per-attempt deadline and hands connected sockets to the probe.
type ConnectProbe struct {
	index int
	cands Candidates
	cfg   ConnectConfig
	log   *golog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	started  atomic.Bool
	closed   atomic.Bool
	exitOnce sync.Once
	done     chan struct{}
}

// NewConnectProbe creates a slot bound to ctx. It does nothing until Start.
func NewConnectProbe(ctx context.Context, index int, cands Candidates, cfg ConnectConfig) *ConnectProbe {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = golog.Child("portscan")
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &ConnectProbe{
		index:  index,
		cands:  cands,
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Index returns the slot number given at creation.
func (p *ConnectProbe) Index() int { return p.index }

// State returns the current state of the slot.
func (p *ConnectProbe) State() ProbeState { return ProbeState(p.state.Load()) }

// Done is closed after the slot has exited and Candidates.Exit returned.
func (p *ConnectProbe) Done() <-chan struct{} { return p.done }

// Start begins pulling candidates. Further calls, and calls after Close,
// do nothing.
func (p *ConnectProbe) Start() {
	if p.closed.Load() || !p.started.CompareAndSwap(false, true) {
		return
	}
	p.cfg.Observer.SlotStarted(kindTCP)
	go p.run()
}

// Close cancels the in-flight attempt and stops the slot. A slot that was
// never started exits right away. Close does not wait for the slot.
func (p *ConnectProbe) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	if p.started.CompareAndSwap(false, true) {
		p.cfg.Observer.SlotStarted(kindTCP)
		p.finish()
	}
	return nil
}

func (p *ConnectProbe) setState(s ProbeState) {
	for {
		cur := p.state.Load()
		if ProbeState(cur) == StateDisposed {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (p *ConnectProbe) finish() {
	p.exitOnce.Do(func() {
		p.setState(StateDisposed)
		p.cancel()
		p.cfg.Observer.SlotExited(kindTCP)
		p.cands.Exit(p)
		close(p.done)
	})
}

func (p *ConnectProbe) run() {
	defer p.finish()

	for p.ctx.Err() == nil {
		p.setState(StateBegin)
		ep, timeout, ok := p.next()
		if !ok {
			return
		}
		if !p.try(ep, timeout) {
			return
		}
	}
}

func (p *ConnectProbe) next() (ep netip.AddrPort, timeout time.Duration, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.setState(StateError)
			p.log.Errorf("slot %d: candidate source panicked: %v", p.index, r)
			ok = false
		}
	}()
	return p.cands.Next(p.ctx)
}

// try runs attempts on ep until it reaches a verdict. It returns false when
// the slot has to exit.
func (p *ConnectProbe) try(ep netip.AddrPort, timeout time.Duration) bool {
	delay := minRetryDelay
	unavailable := 0
	for {
		err := p.attempt(ep, timeout)
		if p.ctx.Err() != nil {
			return false
		}

		switch {
		case err == nil:
			p.cands.Success(ep)
			p.complete(ep, nil)
			return true

		case IsResourceExhausted(err), isAddrUnavailable(err) && unavailable < maxUnavailableRetries:
			if isAddrUnavailable(err) {
				unavailable++
			}
			p.cfg.Observer.Completed(kindTCP, OutcomeExhausted)
			if p.cands.GiveUp(ep) {
				p.setState(StateError)
				p.log.Warnf("slot %d: giving up on %s: %v", p.index, ep, err)
				return false
			}
			p.log.Debugf("slot %d: retrying %s in %v: %v", p.index, ep, delay, err)
			if !p.sleep(delay) {
				return false
			}
			delay = min(delay*2, maxRetryDelay)

		case IsTimeout(err):
			p.setState(StateTimedOut)
			p.complete(ep, err)
			return true

		case errors.Is(err, ErrProbeRejected), isNetworkError(err):
			p.complete(ep, err)
			return true

		default:
			p.setState(StateError)
			p.log.Errorf("slot %d: %s: %v", p.index, ep, err)
			p.cands.Fail(ep)
			return false
		}
	}
}

func (p *ConnectProbe) complete(ep netip.AddrPort, err error) {
	p.cfg.Observer.Completed(kindTCP, Classify(err))
	p.cands.Complete(ep, err)
}

// waitLimiter blocks until the rate limiter admits one connect. It returns
// false if the slot was cancelled first.
func (p *ConnectProbe) waitLimiter() bool {
	if p.cfg.Limiter == nil {
		return true
	}
	r := p.cfg.Limiter.Reserve()
	if !r.OK() {
		return p.ctx.Err() == nil
	}
	if d := r.Delay(); d > 0 && !p.sleep(d) {
		r.Cancel()
		return false
	}
	return true
}

func (p *ConnectProbe) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// attempt connects to ep on a new socket and runs the probe over it. The
// socket is always closed before attempt returns.
func (p *ConnectProbe) attempt(ep netip.AddrPort, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSlotPanic, r)
		}
	}()

	if !p.waitLimiter() {
		return p.ctx.Err()
	}

	p.cfg.Observer.Attempted(kindTCP)
	p.setState(StateConnect)
	actx, cancel := context.WithTimeout(p.ctx, timeout)
	conn, err := p.cfg.Dialer.DialContext(actx, "tcp", ep.String())
	expired := errors.Is(actx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if expired && !IsTimeout(err) && p.ctx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}
	defer conn.Close()

	if p.cfg.Probe == nil {
		return nil
	}
	probe := p.cfg.Probe(ep)
	if probe == nil {
		return nil
	}

	p.setState(StateProbing)
	next := timeout
	for index := 0; ; index++ {
		done, ok, n, err := p.step(probe, conn, index, next)
		if err != nil {
			if IsTimeout(err) || isNetworkError(err) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrProbeRejected, err)
		}
		if done {
			if !ok {
				return ErrProbeRejected
			}
			return nil
		}
		next = timeout
		if n > 0 {
			next = n
		}
	}
}

func (p *ConnectProbe) step(probe Probe, conn net.Conn, index int, timeout time.Duration) (bool, bool, time.Duration, error) {
	sctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	deadline, _ := sctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return false, false, 0, err
	}
	stop := context.AfterFunc(sctx, func() {
		conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	done, ok, next, err := probe.Step(sctx, conn, index)
	if err == nil && !done && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return done, ok, next, err
}
