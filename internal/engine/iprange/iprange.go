// Package iprange maps observed addresses onto dense store coordinates.
package iprange

import (
	"NetFusion/internal/engine/store"
	"NetFusion/internal/pkg/listfile"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// MaxHostBits caps the size of a single range so that dense stores stay bounded.
const MaxHostBits = 24

// ErrUnindexed is returned when an address falls outside every configured range.
var ErrUnindexed = errors.New("unindexed address")

// IPRange is a contiguous address block with a bijection between its addresses
// and the ordinals 0..Size()-1.
type IPRange struct {
	prefix   netip.Prefix
	hostBits int
}

// ParseRange parses a network address and a mask. The mask is either a prefix
// length ("24") or a dotted/colon mask ("255.255.255.0").
func ParseRange(network, mask string) (IPRange, error) {
	addr, err := netip.ParseAddr(network)
	if err != nil {
		return IPRange{}, fmt.Errorf("invalid network address %q: %w", network, err)
	}
	addr = addr.Unmap()

	length, err := parseMask(mask, addr.BitLen())
	if err != nil {
		return IPRange{}, err
	}
	prefix, err := addr.Prefix(length)
	if err != nil {
		return IPRange{}, fmt.Errorf("invalid prefix %s/%d: %w", network, length, err)
	}
	hostBits := addr.BitLen() - length
	if hostBits > MaxHostBits {
		return IPRange{}, fmt.Errorf("range %s is too large: %d host bits, at most %d allowed", prefix, hostBits, MaxHostBits)
	}
	return IPRange{prefix: prefix, hostBits: hostBits}, nil
}

// MustParseRange is ParseRange for static input.
func MustParseRange(network, mask string) IPRange {
	r, err := ParseRange(network, mask)
	if err != nil {
		panic(err)
	}
	return r
}

func parseMask(mask string, bitLen int) (int, error) {
	if !strings.ContainsAny(mask, ".:") {
		length, err := strconv.Atoi(mask)
		if err != nil || length < 0 || length > bitLen {
			return 0, fmt.Errorf("invalid prefix length %q", mask)
		}
		return length, nil
	}
	m, err := netip.ParseAddr(mask)
	if err != nil {
		return 0, fmt.Errorf("invalid mask %q: %w", mask, err)
	}
	m = m.Unmap()
	if m.BitLen() != bitLen {
		return 0, fmt.Errorf("mask %q does not match the address family", mask)
	}
	raw := m.AsSlice()
	length := 0
	seenZero := false
	for _, b := range raw {
		ones := bits.LeadingZeros8(^b)
		if seenZero && b != 0 {
			return 0, fmt.Errorf("non-contiguous mask %q", mask)
		}
		if ones < 8 {
			if b<<ones != 0 {
				return 0, fmt.Errorf("non-contiguous mask %q", mask)
			}
			seenZero = true
		}
		length += ones
	}
	return length, nil
}

// Prefix returns the network prefix of the range.
func (r IPRange) Prefix() netip.Prefix { return r.prefix }

// Size returns the number of addresses in the range.
func (r IPRange) Size() uint32 { return 1 << r.hostBits }

// Contains reports whether a is inside the range.
func (r IPRange) Contains(a netip.Addr) bool {
	return r.prefix.Contains(a.Unmap())
}

// Ordinal maps a to its position inside the range.
func (r IPRange) Ordinal(a netip.Addr) (uint32, bool) {
	a = a.Unmap()
	if !r.prefix.Contains(a) {
		return 0, false
	}
	return low32(a) & r.hostMask(), true
}

// Addr maps an ordinal back to its address. Ordinals outside the range wrap.
func (r IPRange) Addr(ordinal uint32) netip.Addr {
	ordinal &= r.hostMask()
	base := r.prefix.Addr()
	if base.Is4() {
		b := base.As4()
		v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		v |= ordinal
		return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	}
	b := base.As16()
	v := uint32(b[12])<<24 | uint32(b[13])<<16 | uint32(b[14])<<8 | uint32(b[15])
	v |= ordinal
	b[12], b[13], b[14], b[15] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	return netip.AddrFrom16(b)
}

func (r IPRange) String() string { return r.prefix.String() }

func (r IPRange) hostMask() uint32 {
	return uint32(1)<<r.hostBits - 1
}

func low32(a netip.Addr) uint32 {
	if a.Is4() {
		b := a.As4()
		return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}
	b := a.As16()
	return uint32(b[12])<<24 | uint32(b[13])<<16 | uint32(b[14])<<8 | uint32(b[15])
}

// Table is the ordered set of observed ranges. Range i is store table i.
type Table struct {
	ranges []IPRange
}

// NewTable creates a table over the given ranges. Order matters: the first
// matching range wins in both Accept and IndexFor.
func NewTable(ranges ...IPRange) *Table {
	t := &Table{ranges: make([]IPRange, len(ranges))}
	copy(t.ranges, ranges)
	return t
}

// Len returns the number of ranges.
func (t *Table) Len() int { return len(t.ranges) }

// Ranges returns a copy of the ranges.
func (t *Table) Ranges() []IPRange {
	out := make([]IPRange, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// Size returns the store shape matching the table.
func (t *Table) Size() store.Size {
	slots := make([]uint32, len(t.ranges))
	for i, r := range t.ranges {
		slots[i] = r.Size()
	}
	return store.Size{Slots: slots}
}

// Accept decides whether a flow touches an observed range. reversed is true when
// only the destination side matched, in which case dst is the observed entity.
func (t *Table) Accept(src, dst netip.Addr) (reversed bool, ok bool) {
	for _, r := range t.ranges {
		if r.Contains(src) {
			return false, true
		}
		if r.Contains(dst) {
			return true, true
		}
	}
	return false, false
}

// IndexFor resolves the coordinate of a.
func (t *Table) IndexFor(a netip.Addr) (store.Coordinate, error) {
	for i, r := range t.ranges {
		if slot, ok := r.Ordinal(a); ok {
			return store.Coordinate{Table: uint32(i), Slot: slot}, nil
		}
	}
	return store.Coordinate{}, fmt.Errorf("%w: %s", ErrUnindexed, a)
}

// Addr reconstructs the address at c.
func (t *Table) Addr(c store.Coordinate) netip.Addr {
	return t.ranges[c.Table].Addr(c.Slot)
}

// LoadRanges reads a range file of "network,mask" lines. Malformed lines are
// logged and skipped; a file that cannot be opened is an error.
func LoadRanges(path string) (*Table, error) {
	var ranges []IPRange
	err := listfile.ScanFile(path,
		func(_ int, line string) error {
			network, mask, err := listfile.SplitPair(line)
			if err != nil {
				return err
			}
			r, err := ParseRange(network, mask)
			if err != nil {
				return err
			}
			ranges = append(ranges, r)
			return nil
		},
		func(lineNo int, line string, err error) {
			log.Warn().Str("file", path).Int("line", lineNo).Str("content", line).Err(err).Msg("skipping malformed range")
		})
	if err != nil {
		return nil, fmt.Errorf("failed to load ranges from %s: %w", path, err)
	}
	if len(ranges) == 0 {
		log.Warn().Str("file", path).Msg("range file contains no usable ranges, every flow will be ignored")
	}
	log.Info().Str("file", path).Int("ranges", len(ranges)).Msg("observed ranges loaded")
	return NewTable(ranges...), nil
}
