package pcap

import (
	"NetFusion/internal/model"
	"encoding/binary"
	"hash/fnv"
	"net/netip"
	"sort"
	"sync"
	"time"
)

const (
	defaultShardCount = 64
	// MaxPPI is the number of packets kept in the per-packet arrays.
	MaxPPI = 30
	// MaxContent is the number of payload bytes kept per direction.
	MaxContent = 100
)

// Directions of a packet in PPI_PKT_DIRECTIONS.
const (
	DirectionSent     = 1
	DirectionReceived = -1
)

// FlowSchema is the layout of the records emitted by the meter.
var FlowSchema = model.MustSchema(
	model.Field{Name: "SRC_IP", Type: model.TypeAddr},
	model.Field{Name: "DST_IP", Type: model.TypeAddr},
	model.Field{Name: "SRC_PORT", Type: model.TypeUint},
	model.Field{Name: "DST_PORT", Type: model.TypeUint},
	model.Field{Name: "PROTOCOL", Type: model.TypeUint},
	model.Field{Name: "BYTES", Type: model.TypeUint},
	model.Field{Name: "BYTES_REV", Type: model.TypeUint},
	model.Field{Name: "PACKETS", Type: model.TypeUint},
	model.Field{Name: "PACKETS_REV", Type: model.TypeUint},
	model.Field{Name: "TCP_FLAGS", Type: model.TypeUint},
	model.Field{Name: "TCP_FLAGS_REV", Type: model.TypeUint},
	model.Field{Name: "TIME_FIRST", Type: model.TypeTime},
	model.Field{Name: "TIME_LAST", Type: model.TypeTime},
	model.Field{Name: "TLS_SNI", Type: model.TypeString},
	model.Field{Name: "IDP_CONTENT", Type: model.TypeBytes},
	model.Field{Name: "IDP_CONTENT_REV", Type: model.TypeBytes},
	model.Field{Name: "PPI_PKT_LENGTHS", Type: model.TypeUint, List: true},
	model.Field{Name: "PPI_PKT_TIMES", Type: model.TypeTime, List: true},
	model.Field{Name: "PPI_PKT_DIRECTIONS", Type: model.TypeInt, List: true},
	model.Field{Name: "PPI_PKT_FLAGS", Type: model.TypeUint, List: true},
)

// MeterConfig holds the flow expiry settings.
type MeterConfig struct {
	ActiveTimeout   time.Duration
	InactiveTimeout time.Duration
	NumShards       uint32
}

// flowKey identifies both directions of a conversation: lo sorts before hi.
type flowKey struct {
	lo, hi netip.AddrPort
	proto  uint8
}

func keyOf(p *Packet) flowKey {
	a := netip.AddrPortFrom(p.Src, p.SrcPort)
	b := netip.AddrPortFrom(p.Dst, p.DstPort)
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	return flowKey{lo: a, hi: b, proto: p.Protocol}
}

type flow struct {
	src, dst            netip.AddrPort
	proto               uint8
	bytes, bytesRev     uint64
	pkts, pktsRev       uint64
	flags, flagsRev     uint8
	first, last         time.Time
	content, contentRev []byte
	ppiLengths          []float64
	ppiTimes            []time.Time
	ppiDirections       []float64
	ppiFlags            []float64
}

func newFlow(p *Packet) *flow {
	return &flow{
		src:   netip.AddrPortFrom(p.Src, p.SrcPort),
		dst:   netip.AddrPortFrom(p.Dst, p.DstPort),
		proto: p.Protocol,
		first: p.Time,
	}
}

func (f *flow) add(p *Packet) {
	forward := netip.AddrPortFrom(p.Src, p.SrcPort) == f.src
	dir := float64(DirectionSent)
	if forward {
		f.bytes += uint64(p.Length)
		f.pkts++
		f.flags |= p.Flags
		if f.content == nil && len(p.Payload) > 0 {
			f.content = clip(p.Payload)
		}
	} else {
		dir = DirectionReceived
		f.bytesRev += uint64(p.Length)
		f.pktsRev++
		f.flagsRev |= p.Flags
		if f.contentRev == nil && len(p.Payload) > 0 {
			f.contentRev = clip(p.Payload)
		}
	}
	if p.Time.After(f.last) {
		f.last = p.Time
	}
	if len(f.ppiLengths) < MaxPPI {
		f.ppiLengths = append(f.ppiLengths, float64(p.Length))
		f.ppiTimes = append(f.ppiTimes, p.Time)
		f.ppiDirections = append(f.ppiDirections, dir)
		f.ppiFlags = append(f.ppiFlags, float64(p.Flags))
	}
}

func clip(payload []byte) []byte {
	return append([]byte(nil), payload[:min(len(payload), MaxContent)]...)
}

func (f *flow) record() *model.Record {
	r := model.NewRecord(FlowSchema)
	r.Values = []any{
		f.src.Addr(), f.dst.Addr(),
		uint64(f.src.Port()), uint64(f.dst.Port()), uint64(f.proto),
		f.bytes, f.bytesRev, f.pkts, f.pktsRev,
		uint64(f.flags), uint64(f.flagsRev),
		f.first, f.last,
		"",
		nonNilBytes(f.content), nonNilBytes(f.contentRev),
		f.ppiLengths, f.ppiTimes, f.ppiDirections, f.ppiFlags,
	}
	return r
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

type shard struct {
	mu    sync.Mutex
	flows map[flowKey]*flow
}

// Meter aggregates packets into bidirectional flow records. The side that
// sent the first packet of a flow becomes its source. It is safe for
// concurrent use.
type Meter struct {
	cfg        MeterConfig
	shards     []*shard
	shardCount uint32
}

// NewMeter creates a meter with cfg.NumShards shards.
func NewMeter(cfg MeterConfig) *Meter {
	n := cfg.NumShards
	if n == 0 || n >= 32768 {
		n = defaultShardCount
	}
	m := &Meter{cfg: cfg, shards: make([]*shard, n), shardCount: n}
	for i := range m.shards {
		m.shards[i] = &shard{flows: make(map[flowKey]*flow)}
	}
	return m
}

func (m *Meter) shardFor(k flowKey) *shard {
	h := fnv.New32a()
	lo, hi := k.lo.Addr().As16(), k.hi.Addr().As16()
	h.Write(lo[:])
	h.Write(hi[:])
	var ports [5]byte
	binary.BigEndian.PutUint16(ports[0:], k.lo.Port())
	binary.BigEndian.PutUint16(ports[2:], k.hi.Port())
	ports[4] = k.proto
	h.Write(ports[:])
	return m.shards[h.Sum32()%m.shardCount]
}

// Add accounts p to its flow. When p arrives after the flow's active timeout,
// the old flow is returned as a record and p starts a new one.
func (m *Meter) Add(p *Packet) *model.Record {
	k := keyOf(p)
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	var done *model.Record
	f, ok := s.flows[k]
	if ok && m.cfg.ActiveTimeout > 0 && p.Time.Sub(f.first) > m.cfg.ActiveTimeout {
		done = f.record()
		ok = false
	}
	if !ok {
		f = newFlow(p)
		s.flows[k] = f
	}
	f.add(p)
	return done
}

// Expire removes and returns the flows idle for longer than the inactive
// timeout or open for longer than the active timeout at now, ordered by
// first packet time.
func (m *Meter) Expire(now time.Time) []*model.Record {
	return m.collect(func(f *flow) bool {
		if m.cfg.InactiveTimeout > 0 && now.Sub(f.last) > m.cfg.InactiveTimeout {
			return true
		}
		return m.cfg.ActiveTimeout > 0 && now.Sub(f.first) > m.cfg.ActiveTimeout
	})
}

// Drain removes and returns every flow, ordered by first packet time.
func (m *Meter) Drain() []*model.Record {
	return m.collect(func(*flow) bool { return true })
}

// Len returns the number of open flows.
func (m *Meter) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.flows)
		s.mu.Unlock()
	}
	return n
}

func (m *Meter) collect(expired func(*flow) bool) []*model.Record {
	var flows []*flow
	for _, s := range m.shards {
		s.mu.Lock()
		for k, f := range s.flows {
			if expired(f) {
				flows = append(flows, f)
				delete(s.flows, k)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(flows, func(i, j int) bool {
		if !flows[i].first.Equal(flows[j].first) {
			return flows[i].first.Before(flows[j].first)
		}
		return flows[i].src.Compare(flows[j].src) < 0
	})
	out := make([]*model.Record, len(flows))
	for i, f := range flows {
		out[i] = f.record()
	}
	return out
}
