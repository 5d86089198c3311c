package pcap

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCP flag bits as carried in TCP_FLAGS and PPI_PKT_FLAGS.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

var (
	errNotIP        = errors.New("not an IP packet")
	errNotTransport = errors.New("not a TCP or UDP packet")
)

// Packet is the part of a captured packet the flow meter needs.
type Packet struct {
	Time     time.Time
	Src, Dst netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	Length   int
	Flags    uint8
	Payload  []byte
}

// Parse extracts addresses, ports, flags and payload from a decoded packet.
func Parse(packet gopacket.Packet) (*Packet, error) {
	p := &Packet{Length: len(packet.Data())}
	if meta := packet.Metadata(); meta != nil {
		p.Time = meta.Timestamp
		if meta.Length > 0 {
			p.Length = meta.Length
		}
	}

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		p.Src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		p.Dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
		p.Protocol = uint8(ip.Protocol)
	case *layers.IPv6:
		p.Src, _ = netip.AddrFromSlice(ip.SrcIP)
		p.Dst, _ = netip.AddrFromSlice(ip.DstIP)
		p.Protocol = uint8(ip.NextHeader)
	default:
		return nil, errNotIP
	}

	switch l := packet.TransportLayer().(type) {
	case *layers.TCP:
		p.SrcPort, p.DstPort = uint16(l.SrcPort), uint16(l.DstPort)
		p.Flags = tcpFlags(l)
		p.Payload = l.Payload
	case *layers.UDP:
		p.SrcPort, p.DstPort = uint16(l.SrcPort), uint16(l.DstPort)
		p.Payload = l.Payload
	default:
		return nil, errNotTransport
	}
	return p, nil
}

func tcpFlags(l *layers.TCP) uint8 {
	var f uint8
	for bit, set := range map[uint8]bool{
		FlagFIN: l.FIN, FlagSYN: l.SYN, FlagRST: l.RST,
		FlagPSH: l.PSH, FlagACK: l.ACK, FlagURG: l.URG,
	} {
		if set {
			f |= bit
		}
	}
	return f
}
