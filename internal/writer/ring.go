package writer

import (
	"NetFusion/internal/model"
	"context"
	"sync"
)

// Ring keeps the last alerts in memory.
type Ring struct {
	mu   sync.RWMutex
	buf  []*model.Alert
	next int
	full bool
}

// NewRing creates a ring holding up to size alerts.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]*model.Alert, size)}
}

// Write implements model.AlertWriter.
func (r *Ring) Write(_ context.Context, alerts []*model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range alerts {
		r.buf[r.next] = a
		r.next = (r.next + 1) % len(r.buf)
		if r.next == 0 {
			r.full = true
		}
	}
	return nil
}

// Len returns the number of alerts held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Recent returns up to n alerts, newest first.
func (r *Ring) Recent(_ context.Context, n int) ([]*model.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	n = min(n, size)
	out := make([]*model.Alert, 0, max(n, 0))
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out, nil
}
