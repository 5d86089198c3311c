package model

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrSchemaChanged is returned by a Source when the upstream record layout changed.
// Callers must re-resolve every FieldID against Source.Schema before reading further records.
var ErrSchemaChanged = errors.New("record schema changed")

// Source is a sequential stream of flow records. Next returns io.EOF on a clean end of stream.
type Source interface {
	Next(ctx context.Context) (*Record, error)
	Schema() *Schema
}

// MemorySource replays records pushed in memory. A record whose schema differs
// from the previous one is preceded by ErrSchemaChanged, mirroring a live stream.
type MemorySource struct {
	mu      sync.Mutex
	records []*Record
	schema  *Schema
	pending *Record
	closed  bool
}

// NewMemorySource creates a source over the given records, closed for further pushes.
func NewMemorySource(records ...*Record) *MemorySource {
	return &MemorySource{records: records, closed: true}
}

// Next implements Source.
func (s *MemorySource) Next(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		rec := s.pending
		s.pending = nil
		return rec, nil
	}
	if len(s.records) == 0 {
		return nil, io.EOF
	}
	rec := s.records[0]
	s.records = s.records[1:]
	if !rec.Schema.Equal(s.schema) {
		s.schema = rec.Schema
		s.pending = rec
		return nil, ErrSchemaChanged
	}
	return rec, nil
}

// Schema implements Source.
func (s *MemorySource) Schema() *Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}
