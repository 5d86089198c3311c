package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"
)

// Reader reads packets from a pcap file.
type Reader struct {
	file    *os.File
	source  *gopacket.PacketSource
	skipped int
}

// NewReader opens the pcap file at filePath.
func NewReader(filePath string) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", filePath, err)
	}
	return &Reader{file: file, source: gopacket.NewPacketSource(r, r.LinkType())}, nil
}

// Next returns the next TCP or UDP packet, or io.EOF at end of file.
// Packets of other protocols are skipped.
func (r *Reader) Next() (*Packet, error) {
	for {
		packet, err := r.source.NextPacket()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
		p, err := Parse(packet)
		if err != nil {
			r.skipped++
			log.Debug().Err(err).Msg("Skipping packet")
			continue
		}
		return p, nil
	}
}

// Skipped returns the number of packets that were not TCP or UDP over IP.
func (r *Reader) Skipped() int { return r.skipped }

// Close closes the file.
func (r *Reader) Close() error { return r.file.Close() }
