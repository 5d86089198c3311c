// pcapgen writes a synthetic capture for nf-replay: OpenVPN sessions, a
// stratum mining session and random background TCP traffic.
package main

import (
	"flag"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"
)

type generator struct {
	w   *pcapgo.Writer
	rnd *rand.Rand
	now time.Time
	n   int
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	background := flag.Int("c", 1000, "Number of background packets")
	ovpnSessions := flag.Int("ovpn", 6, "Number of OpenVPN sessions from the VPN host")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create output file")
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatal().Err(err).Msg("Failed to write pcap header")
	}
	g := &generator{w: w, rnd: rand.New(rand.NewSource(*seed)), now: time.Now().Truncate(time.Second)}

	vpnHost, vpnServer := net.IP{10, 0, 0, 5}, net.IP{198, 51, 100, 7}
	for i := 0; i < *ovpnSessions; i++ {
		port := layers.UDPPort(40000 + i)
		for j := 0; j < 4; j++ {
			g.udp(vpnHost, vpnServer, port, 1194, g.random(120))
			g.udp(vpnServer, vpnHost, 1194, port, g.random(120))
		}
	}

	miner, pool := net.IP{10, 0, 0, 9}, net.IP{203, 0, 113, 20}
	g.tcp(miner, pool, 41000, 3333, []byte(`{"id":1,"method":"mining.subscribe","params":["cpuminer/2.5"]}`+"\n"))
	g.tcp(pool, miner, 3333, 41000, []byte(`{"id":1,"result":[["mining.notify","ae6812eb4cd7735a"],"08000002",4],"error":null}`+"\n"))
	for j := 0; j < 10; j++ {
		g.tcp(miner, pool, 41000, 3333, []byte(`{"id":4,"method":"mining.submit","params":["worker","1","00","5","6"]}`+"\n"))
		g.tcp(pool, miner, 3333, 41000, []byte(`{"id":4,"result":true,"error":null}`+"\n"))
	}

	for i := 0; i < *background; i++ {
		if (i+1)%100000 == 0 {
			log.Info().Int("packets", i+1).Msg("Generating background traffic")
		}
		src := net.IP{10, 0, 0, byte(g.rnd.Intn(254) + 1)}
		dst := net.IP{byte(g.rnd.Intn(223) + 1), byte(g.rnd.Intn(256)), byte(g.rnd.Intn(256)), byte(g.rnd.Intn(256))}
		sport := layers.TCPPort(g.rnd.Intn(65535-1024) + 1024)
		g.tcp(src, dst, sport, 443, g.random(1400))
	}

	log.Info().Int("packets", g.n).Str("file", *outputFile).Msg("Capture written")
}

func (g *generator) random(limit int) []byte {
	payload := make([]byte, g.rnd.Intn(limit)+50)
	g.rnd.Read(payload)
	return payload
}

func (g *generator) udp(src, dst net.IP, sport, dport layers.UDPPort, payload []byte) {
	ip := &layers.IPv4{SrcIP: src, DstIP: dst, Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP}
	udp := &layers.UDP{SrcPort: sport, DstPort: dport}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		log.Fatal().Err(err).Msg("Failed to set checksum layer")
	}
	g.write(ip, udp, payload)
}

func (g *generator) tcp(src, dst net.IP, sport, dport layers.TCPPort, payload []byte) {
	ip := &layers.IPv4{SrcIP: src, DstIP: dst, Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP}
	tcp := &layers.TCP{
		SrcPort: sport,
		DstPort: dport,
		Seq:     g.rnd.Uint32(),
		Ack:     g.rnd.Uint32(),
		ACK:     true,
		PSH:     true,
		Window:  14600,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		log.Fatal().Err(err).Msg("Failed to set checksum layer")
	}
	g.write(ip, tcp, payload)
}

func (g *generator) write(ip *layers.IPv4, transport gopacket.SerializableLayer, payload []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload(payload)); err != nil {
		log.Fatal().Err(err).Msg("Failed to serialize layers")
	}
	g.now = g.now.Add(10 * time.Millisecond)
	ci := gopacket.CaptureInfo{Timestamp: g.now, CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
	if err := g.w.WritePacket(ci, buf.Bytes()); err != nil {
		log.Fatal().Err(err).Msg("Failed to write packet")
	}
	g.n++
}
