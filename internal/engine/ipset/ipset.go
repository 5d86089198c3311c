// Package ipset provides address sets loaded from list files and shared between
// the flow path and a background reloader.
package ipset

import (
	"NetFusion/internal/pkg/listfile"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Set is an immutable collection of single addresses and prefixes.
type Set struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// New builds a set from parsed entries.
func New(addrs []netip.Addr, prefixes []netip.Prefix) *Set {
	s := &Set{addrs: make(map[netip.Addr]struct{}, len(addrs))}
	for _, a := range addrs {
		s.addrs[a.Unmap()] = struct{}{}
	}
	for _, p := range prefixes {
		s.prefixes = append(s.prefixes, p.Masked())
	}
	return s
}

// Contains reports whether a is a listed address or falls inside a listed prefix.
func (s *Set) Contains(a netip.Addr) bool {
	if s == nil || !a.IsValid() {
		return false
	}
	a = a.Unmap()
	if _, ok := s.addrs[a]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.addrs) + len(s.prefixes)
}

// ParseEntry parses one list line: an address or a CIDR prefix. Anything after
// the first comma or whitespace is treated as an annotation and ignored.
func ParseEntry(line string) (netip.Addr, netip.Prefix, error) {
	if i := strings.IndexAny(line, ", \t"); i >= 0 {
		line = line[:i]
	}
	if strings.Contains(line, "/") {
		p, err := netip.ParsePrefix(line)
		if err != nil {
			return netip.Addr{}, netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", line, err)
		}
		return netip.Addr{}, p, nil
	}
	a, err := netip.ParseAddr(line)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, fmt.Errorf("invalid address %q: %w", line, err)
	}
	return a, netip.Prefix{}, nil
}

// LoadFile reads a list file with one entry per line. Malformed lines are logged
// and skipped; an unreadable file is an error.
func LoadFile(path string) (*Set, error) {
	var addrs []netip.Addr
	var prefixes []netip.Prefix
	err := listfile.ScanFile(path,
		func(_ int, line string) error {
			a, p, err := ParseEntry(line)
			if err != nil {
				return err
			}
			if p.IsValid() {
				prefixes = append(prefixes, p)
			} else {
				addrs = append(addrs, a)
			}
			return nil
		},
		func(lineNo int, line string, err error) {
			log.Warn().Str("file", path).Int("line", lineNo).Str("content", line).Err(err).Msg("skipping malformed list entry")
		})
	if err != nil {
		return nil, err
	}
	return New(addrs, prefixes), nil
}

// Shared guards a Set with a single mutex. Lookups and swaps are serialized;
// loading from disk happens before the lock is taken.
type Shared struct {
	mu  sync.RWMutex
	set *Set
}

// NewShared wraps an initial set, which may be nil.
func NewShared(initial *Set) *Shared {
	return &Shared{set: initial}
}

// Contains reports whether a is in the current set.
func (s *Shared) Contains(a netip.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.Contains(a)
}

// Matches counts how many of addrs are in the current set. All addresses are
// checked against the same set version.
func (s *Shared) Matches(addrs ...netip.Addr) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range addrs {
		if s.set.Contains(a) {
			n++
		}
	}
	return n
}

// First returns the index of the first address in the set, or -1.
func (s *Shared) First(addrs ...netip.Addr) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, a := range addrs {
		if s.set.Contains(a) {
			return i
		}
	}
	return -1
}

// Swap replaces the current set.
func (s *Shared) Swap(set *Set) {
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
}

// Reload loads path and swaps it in. On error the current set is kept.
func (s *Shared) Reload(path string) error {
	set, err := LoadFile(path)
	if err != nil {
		return err
	}
	s.Swap(set)
	return nil
}

// Len returns the size of the current set.
func (s *Shared) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.Len()
}
