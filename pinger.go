package netprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kataras/golog"
	"golang.org/x/net/bpf"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	protocolICMP = 1
)

var echoPayload = []byte("Hello, are you there!")

// Reply is a received ICMP echo reply.
type Reply struct {
	Addr netip.Addr
	RTT  time.Duration
	TTL  int
	Seq  int
}

// Pinger sends one echo request and waits for its reply. Ping times out on
// its own after timeout.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) (Reply, error)
}

type waiter struct {
	addr netip.Addr
	ch   chan Reply
}

// ICMPPinger multiplexes echo requests of many concurrent callers over one
// ICMP socket. A single receive goroutine matches replies to requests by
// sequence number and source address.
type ICMPPinger struct {
	conn       *icmp.PacketConn
	pconn      *ipv4.PacketConn
	privileged bool
	id         int
	seq        atomic.Uint32
	log        *golog.Logger

	mu      sync.Mutex
	waiters map[uint16]*waiter

	closed    chan struct{}
	closeOnce sync.Once
}

// NewICMPPinger opens an ICMP endpoint on the IPv4 address listen
// ("0.0.0.0" when empty). It prefers an unprivileged datagram socket and
// falls back to a raw socket.
func NewICMPPinger(listen string) (*ICMPPinger, error) {
	if listen == "" {
		listen = "0.0.0.0"
	}
	privileged := false
	conn, err := icmp.ListenPacket("udp4", listen)
	if err != nil {
		var rawErr error
		conn, rawErr = icmp.ListenPacket("ip4:icmp", listen)
		if rawErr != nil {
			return nil, fmt.Errorf("listen icmp on %s: %w", listen, errors.Join(err, rawErr))
		}
		privileged = true
	}

	p := &ICMPPinger{
		conn:       conn,
		pconn:      conn.IPv4PacketConn(),
		privileged: privileged,
		id:         os.Getpid() & 0xffff,
		log:        golog.Child("icmp"),
		waiters:    make(map[uint16]*waiter),
		closed:     make(chan struct{}),
	}
	if err := p.pconn.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		p.log.Debugf("no ttl control messages: %v", err)
	}
	if privileged {
		// raw sockets see every ICMP packet of the host
		if assembled, err := bpf.Assemble(createEchoReplyFilter()); err == nil {
			if err := p.pconn.SetBPF(assembled); err != nil {
				p.log.Debugf("no socket filter: %v", err)
			}
		}
	}
	go p.recv()
	return p, nil
}

// Privileged reports whether the pinger uses a raw socket.
func (p *ICMPPinger) Privileged() bool { return p.privileged }

// Ping sends an echo request to addr and waits for the matching reply.
func (p *ICMPPinger) Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) (Reply, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return Reply{}, fmt.Errorf("%w: %s is not IPv4", ErrInvalidRange, addr)
	}

	seq := uint16(p.seq.Add(1))
	w := &waiter{addr: addr, ch: make(chan Reply, 1)}
	p.mu.Lock()
	p.waiters[seq] = w
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.waiters[seq] == w {
			delete(p.waiters, seq)
		}
		p.mu.Unlock()
	}()

	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  int(seq),
			Data: echoPayload,
		},
	}
	msgBytes, err := msg.Marshal(nil)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal icmp message: %w", err)
	}

	var dst net.Addr = &net.UDPAddr{IP: addr.AsSlice()}
	if p.privileged {
		dst = &net.IPAddr{IP: addr.AsSlice()}
	}
	start := time.Now()
	if _, err := p.conn.WriteTo(msgBytes, dst); err != nil {
		return Reply{}, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-w.ch:
		r.RTT = time.Since(start)
		return r, nil
	case <-t.C:
		return Reply{}, ErrTimeout
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-p.closed:
		return Reply{}, net.ErrClosed
	}
}

// Close stops the receiver and closes the socket.
func (p *ICMPPinger) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}

// recv receives ICMP echo reply packets and hands them to the waiting Ping.
func (p *ICMPPinger) recv() {
	reply := make([]byte, 1500)
	for {
		n, cm, peer, err := p.pconn.ReadFrom(reply)
		if err != nil {
			select {
			case <-p.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.Errorf("failed to read ICMP message: %v", err)
			continue
		}

		msg, err := icmp.ParseMessage(protocolICMP, reply[:n])
		if err != nil {
			p.log.Debugf("failed to parse ICMP message: %v", err)
			continue
		}
		if msg.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		// the kernel rewrites the id of datagram sockets
		if p.privileged && echo.ID != p.id {
			continue
		}
		src := peerAddr(peer)
		ttl := 0
		if cm != nil {
			ttl = cm.TTL
		}

		p.mu.Lock()
		w := p.waiters[uint16(echo.Seq)]
		p.mu.Unlock()
		if w == nil || w.addr != src {
			continue
		}
		select {
		case w.ch <- Reply{Addr: src, TTL: ttl, Seq: echo.Seq}:
		default:
		}
	}
}

func peerAddr(a net.Addr) netip.Addr {
	var ip net.IP
	switch v := a.(type) {
	case *net.UDPAddr:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}
	}
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}

// Filter is a classic BPF program for the ICMP socket.
type Filter []bpf.Instruction

// createEchoReplyFilter keeps only ICMP echo replies. Raw sockets hand the
// filter the whole datagram, so the IP header length is skipped first.
func createEchoReplyFilter() Filter {
	return Filter{
		bpf.LoadMemShift{Off: 0},
		bpf.LoadIndirect{Off: 0, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(ipv4.ICMPTypeEchoReply), SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	}
}
