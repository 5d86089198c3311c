// Package store holds dense per-entity window state addressed by Coordinate.
// Stores are owned by the flow-processing goroutine and are not safe for concurrent use.
package store

import "math"

// Coordinate identifies one observed address: Table selects the range, Slot is the
// address ordinal inside it.
type Coordinate struct {
	Table uint32
	Slot  uint32
}

// Size is the shape of the coordinate space: one slot count per table.
type Size struct {
	Slots []uint32
}

// Tables returns the number of tables.
func (s Size) Tables() int { return len(s.Slots) }

// Total returns the number of coordinates across all tables.
func (s Size) Total() uint64 {
	var n uint64
	for _, slots := range s.Slots {
		n += uint64(slots)
	}
	return n
}

// Contains reports whether c is inside the space.
func (s Size) Contains(c Coordinate) bool {
	return int(c.Table) < len(s.Slots) && c.Slot < s.Slots[c.Table]
}

// Each calls fn for every coordinate in table order, then slot order.
func (s Size) Each(fn func(Coordinate)) {
	for t, slots := range s.Slots {
		for slot := uint32(0); slot < slots; slot++ {
			fn(Coordinate{Table: uint32(t), Slot: slot})
		}
	}
}

// CounterStore keeps one saturating counter per coordinate.
type CounterStore struct {
	size  Size
	cells [][]uint32
}

// NewCounterStore allocates a zeroed counter store.
func NewCounterStore(size Size) *CounterStore {
	cells := make([][]uint32, len(size.Slots))
	for t, slots := range size.Slots {
		cells[t] = make([]uint32, slots)
	}
	return &CounterStore{size: size, cells: cells}
}

// Size returns the store shape.
func (s *CounterStore) Size() Size { return s.size }

// Get returns the counter at c.
func (s *CounterStore) Get(c Coordinate) uint32 {
	return s.cells[c.Table][c.Slot]
}

// Increment adds one to the counter at c, saturating at the maximum value.
func (s *CounterStore) Increment(c Coordinate) {
	s.Add(c, 1)
}

// Add adds n to the counter at c, saturating at the maximum value.
func (s *CounterStore) Add(c Coordinate, n uint32) {
	v := s.cells[c.Table][c.Slot]
	if v > math.MaxUint32-n {
		s.cells[c.Table][c.Slot] = math.MaxUint32
		return
	}
	s.cells[c.Table][c.Slot] = v + n
}

// Reset zeroes the counter at c.
func (s *CounterStore) Reset(c Coordinate) {
	s.cells[c.Table][c.Slot] = 0
}

// FlagStore keeps one sticky boolean per coordinate. Once set, a flag stays set until Reset.
type FlagStore struct {
	size  Size
	cells [][]bool
}

// NewFlagStore allocates a cleared flag store.
func NewFlagStore(size Size) *FlagStore {
	cells := make([][]bool, len(size.Slots))
	for t, slots := range size.Slots {
		cells[t] = make([]bool, slots)
	}
	return &FlagStore{size: size, cells: cells}
}

// Size returns the store shape.
func (s *FlagStore) Size() Size { return s.size }

// Set raises the flag at c.
func (s *FlagStore) Set(c Coordinate) {
	s.cells[c.Table][c.Slot] = true
}

// IsSet reports whether the flag at c is raised.
func (s *FlagStore) IsSet(c Coordinate) bool {
	return s.cells[c.Table][c.Slot]
}

// Reset clears the flag at c.
func (s *FlagStore) Reset(c Coordinate) {
	s.cells[c.Table][c.Slot] = false
}
