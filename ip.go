package netprobe

import (
	"bufio"
	"fmt"
	"iter"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/kataras/golog"
	"go4.org/netipx"
)

// maxLocalPrefixBits caps how much of a local subnet is swept: interfaces
// on networks wider than a /16 are scanned only within their own /16.
const maxLocalPrefixBits = 16

// AddressRange is an inclusive range of IPv4 addresses.
type AddressRange struct {
	Low  uint32
	High uint32
}

// NewAddressRange returns the range [low, high]. Both ends must be IPv4.
func NewAddressRange(low, high netip.Addr) (AddressRange, error) {
	low, high = low.Unmap(), high.Unmap()
	if !low.Is4() || !high.Is4() {
		return AddressRange{}, fmt.Errorf("%w: %s-%s is not IPv4", ErrInvalidRange, low, high)
	}
	r := AddressRange{Low: ip2Int(low), High: ip2Int(high)}
	if r.Low > r.High {
		return AddressRange{}, fmt.Errorf("%w: %s-%s is reversed", ErrInvalidRange, low, high)
	}
	return r, nil
}

// PrefixRange returns the host addresses of an IPv4 prefix. For networks
// wider than /31 the network and broadcast addresses are left out.
func PrefixRange(p netip.Prefix) (AddressRange, error) {
	p = p.Masked()
	if !p.Addr().Is4() {
		return AddressRange{}, fmt.Errorf("%w: %s is not IPv4", ErrInvalidRange, p)
	}
	low := ip2Int(p.Addr())
	high := low | (1<<(32-p.Bits()) - 1)
	if p.Bits() < 31 {
		low++
		high--
	}
	return AddressRange{Low: low, High: high}, nil
}

// ParseAddressRange parses "10.0.0.1", "10.0.0.0/24" or "10.0.0.1-10.0.0.9".
func ParseAddressRange(s string) (AddressRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AddressRange{}, fmt.Errorf("%w: empty", ErrInvalidRange)
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return AddressRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		return PrefixRange(p)
	}
	if from, to, ok := strings.Cut(s, "-"); ok {
		low, err := netip.ParseAddr(strings.TrimSpace(from))
		if err != nil {
			return AddressRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		high, err := netip.ParseAddr(strings.TrimSpace(to))
		if err != nil {
			return AddressRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		return NewAddressRange(low, high)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return AddressRange{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	return NewAddressRange(addr, addr)
}

// ParseAddressRanges parses every non-empty line that is not a comment.
func ParseAddressRanges(lines []string) ([]AddressRange, error) {
	var ranges []AddressRange
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := ParseAddressRange(line)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// Count returns the number of addresses in the range.
func (r AddressRange) Count() uint64 {
	return uint64(r.High) - uint64(r.Low) + 1
}

// First returns the lowest address of the range.
func (r AddressRange) First() netip.Addr { return int2IP(r.Low) }

// Last returns the highest address of the range.
func (r AddressRange) Last() netip.Addr { return int2IP(r.High) }

// Contains reports whether addr lies within the range.
func (r AddressRange) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() {
		return false
	}
	v := ip2Int(addr)
	return v >= r.Low && v <= r.High
}

func (r AddressRange) String() string {
	if r.Low == r.High {
		return r.First().String()
	}
	return r.First().String() + "-" + r.Last().String()
}

// All yields every address of the range in ascending order.
func (r AddressRange) All() iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		for v := uint64(r.Low); v <= uint64(r.High); v++ {
			if !yield(int2IP(uint32(v))) {
				return
			}
		}
	}
}

// MergeRanges removes duplicates and overlaps and returns the ranges sorted
// and coalesced.
func MergeRanges(ranges ...AddressRange) []AddressRange {
	var b netipx.IPSetBuilder
	for _, r := range ranges {
		b.AddRange(netipx.IPRangeFrom(r.First(), r.Last()))
	}
	set, err := b.IPSet()
	if err != nil {
		// only possible for invalid ranges, which AddressRange cannot hold
		golog.Errorf("failed to merge address ranges: %v", err)
		return nil
	}
	merged := make([]AddressRange, 0, len(set.Ranges()))
	for _, ipr := range set.Ranges() {
		merged = append(merged, AddressRange{Low: ip2Int(ipr.From()), High: ip2Int(ipr.To())})
	}
	return merged
}

// TotalAddresses sums the address counts of ranges.
func TotalAddresses(ranges []AddressRange) uint64 {
	var n uint64
	for _, r := range ranges {
		n += r.Count()
	}
	return n
}

// NetClass selects which local interfaces a sweep derives its ranges from.
type NetClass uint8

const (
	NetClassWired NetClass = 1 << iota
	NetClassWireless
	NetClassLocal

	NetClassAll = NetClassWired | NetClassWireless | NetClassLocal
)

func (c NetClass) String() string {
	var names []string
	if c&NetClassWired != 0 {
		names = append(names, "wired")
	}
	if c&NetClassWireless != 0 {
		names = append(names, "wireless")
	}
	if c&NetClassLocal != 0 {
		names = append(names, "local")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseNetClass parses a comma separated list of wired, wireless, local
// or all.
func ParseNetClass(s string) (NetClass, error) {
	var c NetClass
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "wired":
			c |= NetClassWired
		case "wireless":
			c |= NetClassWireless
		case "local":
			c |= NetClassLocal
		case "all":
			c |= NetClassAll
		case "":
		default:
			return 0, fmt.Errorf("unknown network class %q", name)
		}
	}
	if c == 0 {
		return 0, fmt.Errorf("empty network class %q", s)
	}
	return c, nil
}

func classifyInterface(iface net.Interface) NetClass {
	if iface.Flags&net.FlagLoopback != 0 {
		return NetClassLocal
	}
	name := strings.ToLower(iface.Name)
	for _, p := range []string{"wl", "wifi", "wi-fi", "ath"} {
		if strings.HasPrefix(name, p) {
			return NetClassWireless
		}
	}
	return NetClassWired
}

// LocalRanges returns the IPv4 subnets of the up interfaces that match
// class. Loopback interfaces contribute only their own address.
func LocalRanges(class NetClass) ([]AddressRange, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var ranges []AddressRange
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		ic := classifyInterface(iface)
		if ic&class == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			golog.Warnf("failed to read addresses of %s: %v", iface.Name, err)
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if !addr.Is4() {
				continue
			}
			if ic == NetClassLocal {
				ranges = append(ranges, AddressRange{Low: ip2Int(addr), High: ip2Int(addr)})
				continue
			}
			ones, bits := ipnet.Mask.Size()
			if bits == 128 {
				ones -= 96
			}
			if ones < maxLocalPrefixBits {
				ones = maxLocalPrefixBits
			}
			r, err := PrefixRange(netip.PrefixFrom(addr, ones))
			if err != nil {
				continue
			}
			golog.Debugf("interface %s (%s): %s", iface.Name, ic, r)
			ranges = append(ranges, r)
		}
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: no %s interface", ErrNoRanges, class)
	}
	return MergeRanges(ranges...), nil
}

// ReadIPList reads a file with one address, CIDR or range per line.
func ReadIPList(fileName string) ([]string, error) {
	golog.Debugf("reading %s", fileName)
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// ParsePorts parses a list such as "80,443,4840-4843". Duplicates are
// dropped, the first occurrence keeps its position.
func ParsePorts(s string) ([]uint16, error) {
	seen := make(map[uint16]bool)
	var ports []uint16
	add := func(p uint16) {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		from, to, isRange := strings.Cut(item, "-")
		lo, err := parsePort(from)
		if err != nil {
			return nil, err
		}
		hi := lo
		if isRange {
			if hi, err = parsePort(to); err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("%w: %s is reversed", ErrInvalidPort, item)
			}
		}
		for p := uint32(lo); p <= uint32(hi); p++ {
			add(uint16(p))
		}
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: no ports in %q", ErrInvalidPort, s)
	}
	return ports, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	return uint16(n), nil
}

func ip2Int(ip netip.Addr) uint32 {
	b := ip.As4()
	return (uint32(b[0]) << 24) | (uint32(b[1]) << 16) | (uint32(b[2]) << 8) | uint32(b[3])
}

func int2IP(ipInt uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{
		byte(ipInt >> 24),
		byte(ipInt >> 16),
		byte(ipInt >> 8),
		byte(ipInt),
	})
}
