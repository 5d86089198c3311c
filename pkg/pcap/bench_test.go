package pcap

import (
	"math/rand"
	"net/netip"
	"testing"
	"time"
)

func benchPackets(n int) []*Packet {
	rnd := rand.New(rand.NewSource(1))
	packets := make([]*Packet, n)
	for i := range packets {
		packets[i] = &Packet{
			Time:     t0.Add(time.Duration(i) * time.Microsecond),
			Src:      netip.AddrFrom4([4]byte{10, 0, byte(rnd.Intn(4)), byte(rnd.Intn(256))}),
			Dst:      netip.AddrFrom4([4]byte{198, 51, 100, byte(rnd.Intn(16))}),
			SrcPort:  uint16(rnd.Intn(64) + 40000),
			DstPort:  443,
			Protocol: 6,
			Length:   rnd.Intn(1400) + 60,
			Flags:    FlagACK,
		}
	}
	return packets
}

func BenchmarkMeterAdd(b *testing.B) {
	packets := benchPackets(1 << 16)
	m := NewMeter(MeterConfig{NumShards: 256})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Add(packets[i%len(packets)])
	}
}

func BenchmarkMeterAdd_Parallel(b *testing.B) {
	packets := benchPackets(1 << 16)
	m := NewMeter(MeterConfig{NumShards: 256})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Add(packets[i%len(packets)])
			i++
		}
	})
}
