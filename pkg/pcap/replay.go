package pcap

import (
	"NetFusion/internal/model"
	"context"
	"errors"
	"io"
	"time"
)

// sweepInterval is the capture time between two expiry sweeps.
const sweepInterval = time.Second

// PacketReader yields packets in capture order and io.EOF at the end.
type PacketReader interface {
	Next() (*Packet, error)
}

// Replay meters every packet of r and hands finished flows to emit. Expiry is
// driven by capture time, so a replay yields the same records however fast it
// runs. Every open flow is drained at end of input. It returns the number of
// records emitted.
func Replay(ctx context.Context, r PacketReader, m *Meter, emit func(*model.Record) error) (int, error) {
	n := 0
	send := func(recs ...*model.Record) error {
		for _, rec := range recs {
			if err := emit(rec); err != nil {
				return err
			}
			n++
		}
		return nil
	}

	var lastSweep time.Time
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		if rec := m.Add(p); rec != nil {
			if err := send(rec); err != nil {
				return n, err
			}
		}
		if lastSweep.IsZero() {
			lastSweep = p.Time
		}
		if p.Time.Sub(lastSweep) >= sweepInterval {
			if err := send(m.Expire(p.Time)...); err != nil {
				return n, err
			}
			lastSweep = p.Time
		}
	}
	return n, send(m.Drain()...)
}
