package ipset

import (
	"context"
	"encoding/binary"
	"net/netip"
	"regexp"
	"strings"

	"github.com/google/btree"
	"github.com/mdouchement/logger"
)

// DefaultMaxIPs is the number of accepted addresses after which parsing stops.
const DefaultMaxIPs = 500000

var leadingIPv4 = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+\.[0-9]+`)

// Ranges that are never published even though they are not private or loopback.
var reserved = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),     // "this" network
	netip.MustParsePrefix("100.64.0.0/10"), // shared address space (CGNAT)
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("192.0.0.0/24"),  // IETF protocol assignments
	netip.MustParsePrefix("198.18.0.0/15"), // benchmarking
	netip.MustParsePrefix("224.0.0.0/4"),   // multicast
	netip.MustParsePrefix("240.0.0.0/4"),   // future use + limited broadcast
}

type (
	// Options tunes the parsing of a feed.
	Options struct {
		// MaxIPs caps the number of accepted addresses. Zero means DefaultMaxIPs.
		MaxIPs int
		// Exclude drops public addresses the caller must never block.
		Exclude func(ip netip.Addr) bool
	}

	// A Set is a deduplicated collection of public IPv4 addresses ordered by their numeric value.
	Set struct {
		tree *btree.BTreeG[uint32]
	}
)

// New returns an empty Set.
func New() *Set {
	return &Set{
		tree: btree.NewOrderedG[uint32](32),
	}
}

// Add inserts ip and reports whether it was not already present.
// Addresses that are not public IPv4 are ignored.
func (s *Set) Add(ip netip.Addr) bool {
	if !IsPublic(ip) {
		return false
	}

	_, found := s.tree.ReplaceOrInsert(toUint32(ip))
	return !found
}

// Has reports whether ip belongs to the set.
func (s *Set) Has(ip netip.Addr) bool {
	if !ip.Is4() {
		return false
	}
	return s.tree.Has(toUint32(ip))
}

// Len returns the number of addresses in the set.
func (s *Set) Len() int {
	return s.tree.Len()
}

// Addrs returns the addresses in ascending numeric order.
func (s *Set) Addrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, s.tree.Len())
	s.tree.Ascend(func(v uint32) bool {
		addrs = append(addrs, fromUint32(v))
		return true
	})
	return addrs
}

// Strings returns the dotted-quad form of the addresses in ascending numeric order.
func (s *Set) Strings() []string {
	ips := make([]string, 0, s.tree.Len())
	s.tree.Ascend(func(v uint32) bool {
		ips = append(ips, fromUint32(v).String())
		return true
	})
	return ips
}

// Parse builds a Set from a line-oriented feed where each line is
// `<ip> [free-form text]`, a `#` comment or blank.
func Parse(ctx context.Context, text string, opts Options) *Set {
	log := logger.LogWith(ctx)

	limit := opts.MaxIPs
	if limit <= 0 {
		limit = DefaultMaxIPs
	}

	set := New()
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > limit*2 {
		log.Warnf("Large feed detected: %d lines", len(lines))
	}

	for n, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		token := leadingIPv4.FindString(line)
		if token == "" {
			continue
		}

		ip, ok := ParsePublic(token)
		if !ok {
			log.Debugf("Skipped invalid or non-public IP on line %d: %s", n+1, token)
			continue
		}

		if opts.Exclude != nil && opts.Exclude(ip) {
			log.Debugf("Skipped allowlisted IP on line %d: %s", n+1, token)
			continue
		}

		set.Add(ip)
		if set.Len() >= limit {
			log.Warnf("Reached maximum IP limit: %d", limit)
			break
		}
	}

	log.Infof("Parsed %d unique valid IP addresses", set.Len())
	return set
}

// ParsePublic parses s as an IPv4 address and reports whether it is public.
func ParsePublic(s string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}

	return ip, IsPublic(ip)
}

// IsPublic reports whether ip is an IPv4 address routable on the public internet,
// i.e. neither private, loopback nor reserved.
func IsPublic(ip netip.Addr) bool {
	if !ip.Is4() || ip.IsPrivate() || ip.IsLoopback() {
		return false
	}

	for _, prefix := range reserved {
		if prefix.Contains(ip) {
			return false
		}
	}
	return true
}

func toUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

func fromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
