package netprobe

import (
	"context"
	"iter"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kataras/golog"
)

// Endpoints yields every combination of address and port. Ports form the
// outer loop so that consecutive candidates land on different hosts.
func Endpoints(ranges []AddressRange, ports []uint16) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		for _, port := range ports {
			for _, r := range ranges {
				for addr := range r.All() {
					if !yield(netip.AddrPortFrom(addr, port)) {
						return
					}
				}
			}
		}
	}
}

// EndpointCount returns how many candidates Endpoints(ranges, ports) yields.
func EndpointCount(ranges []AddressRange, ports []uint16) int {
	n := TotalAddresses(ranges) * uint64(len(ports))
	if n > uint64(maxInt) {
		return maxInt
	}
	return int(n)
}

const maxInt = int(^uint(0) >> 1)

// feed runs seq on its own goroutine and hands the endpoints out through a
// bounded channel that is closed once seq is exhausted or ctx is done.
// drained, if not nil, is set only when every endpoint of seq was sent.
func feed(ctx context.Context, seq iter.Seq[netip.AddrPort], buffer int, drained *atomic.Bool, log *golog.Logger) <-chan netip.AddrPort {
	ch := make(chan netip.AddrPort, buffer)
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("endpoint source panicked: %v", r)
			}
		}()
		for ep := range seq {
			select {
			case ch <- ep:
			case <-ctx.Done():
				return
			}
		}
		if drained != nil {
			drained.Store(true)
		}
	}()
	return ch
}

// addressQueue hands out the addresses of a set of ranges in shuffled
// batches, so that a sweep does not burst through one subnet at a time.
type addressQueue struct {
	mu     sync.Mutex
	ranges []AddressRange
	cursor uint64 // offset into ranges[0]
	batch  []netip.Addr
	size   int
}

func newAddressQueue(ranges []AddressRange, batchSize int) *addressQueue {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &addressQueue{
		ranges: slices.Clone(ranges),
		batch:  make([]netip.Addr, 0, batchSize),
		size:   batchSize,
	}
}

func (q *addressQueue) next() (netip.Addr, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.batch) == 0 {
		q.fill()
		if len(q.batch) == 0 {
			return netip.Addr{}, false
		}
	}
	addr := q.batch[len(q.batch)-1]
	q.batch = q.batch[:len(q.batch)-1]
	return addr, true
}

// fill must be called with mu held.
func (q *addressQueue) fill() {
	for len(q.batch) < q.size && len(q.ranges) > 0 {
		r := q.ranges[0]
		v := uint64(r.Low) + q.cursor
		if v > uint64(r.High) {
			q.ranges = q.ranges[1:]
			q.cursor = 0
			continue
		}
		q.batch = append(q.batch, int2IP(uint32(v)))
		q.cursor++
	}
	rand.Shuffle(len(q.batch), func(i, j int) {
		q.batch[i], q.batch[j] = q.batch[j], q.batch[i]
	})
}

// remaining returns how many addresses have not been handed out yet.
func (q *addressQueue) remaining() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := uint64(len(q.batch))
	for i, r := range q.ranges {
		if i == 0 {
			n += r.Count() - q.cursor
			continue
		}
		n += r.Count()
	}
	return n
}
