// Package sshclf classifies bidirectional SSH sessions from per-packet flow
// statistics: whether and how the client authenticated, whether a human typed
// the credentials, and what the session was used for afterwards.
package sshclf

import (
	"bytes"
	"slices"
	"time"
)

// Packet directions as exported in PPI_PKT_DIRECTIONS.
const (
	dirTo   = 1
	dirFrom = -1
)

const (
	filterMinBytes   = 60
	filterMinPackets = 6

	authInitThreshold = 5
	authEndThreshold  = 20
	sessStartMin      = 11

	flagFIN = 0x01
	flagACK = 0x10
)

var sshBanner = []byte("SSH")

// Valid SSH_MSG_SERVICE_REQUEST sizes over the supported cipher and MAC combinations.
var userauthSizes = map[int]bool{
	32: true, 36: true, 40: true, 44: true, 48: true, 52: true, 56: true,
	60: true, 64: true, 68: true, 88: true, 92: true, 96: true, 100: true,
}

// NEWKEYS followed by both SERVICE_REQUEST messages.
var preAuthPattern = []int{dirTo, dirFrom, dirTo, dirFrom}

// Session is the packet sequence of one flow after bare ACKs are folded into
// the following packet of the same direction.
type Session struct {
	Lengths    []int
	Directions []int
	Flags      []int
	Times      []time.Time

	// Size histograms per direction, one bin per power-of-two size class.
	SrcSizes []float64
	DstSizes []float64

	lastNewKeys int
	authStart   int
	authEnd     int
}

// IsSSH reports whether a flow looks like a complete SSH conversation: both
// sides sent the banner, each direction carried enough data and the client
// spoke first.
func IsSSH(content, contentRev []byte, bytesTo, bytesFrom, packetsTo, packetsFrom uint64, directions []float64) bool {
	return bytes.HasPrefix(content, sshBanner) && bytes.HasPrefix(contentRev, sshBanner) &&
		bytesTo >= filterMinBytes && bytesFrom >= filterMinBytes &&
		packetsTo >= filterMinPackets && packetsFrom >= filterMinPackets &&
		len(directions) > 0 && int(directions[0]) == dirTo
}

// NewSession builds the session view of one flow. The packet lists are cut to
// the shortest of them.
func NewSession(lengths, directions, flags []float64, times []time.Time, srcSizes, dstSizes []float64) *Session {
	n := min(len(lengths), len(directions), len(flags), len(times))
	s := &Session{SrcSizes: srcSizes, DstSizes: dstSizes}
	carry := 0
	for i := 0; i < n; i++ {
		length, dir, flag := int(lengths[i])+carry, int(directions[i]), int(flags[i])
		carry = 0
		if flag == flagACK {
			if i+1 < n && int(directions[i+1]) == dir {
				carry = length
				continue
			}
			flag = 0
		}
		s.Lengths = append(s.Lengths, length)
		s.Directions = append(s.Directions, dir)
		s.Flags = append(s.Flags, flag)
		s.Times = append(s.Times, times[i])
	}
	s.lastNewKeys = s.findLastNewKeys()
	s.authStart = s.findAuthStart()
	s.authEnd = min(s.PacketCount(), authEndThreshold)
	return s
}

// PacketCount is the number of packets after folding.
func (s *Session) PacketCount() int { return len(s.Lengths) }

// AuthStart is the index of the first packet of the authentication layer, or 0
// when it could not be located.
func (s *Session) AuthStart() int { return s.authStart }

// AuthEnd bounds the packets searched for authentication patterns.
func (s *Session) AuthEnd() int { return s.authEnd }

// findLastNewKeys returns the index of the last 16 byte packet, the
// unencrypted NEWKEYS that closes the transport layer.
func (s *Session) findLastNewKeys() int {
	for i := len(s.Lengths) - 1; i >= 0; i-- {
		if s.Lengths[i] == 16 {
			return i
		}
	}
	return 0
}

func (s *Session) findAuthStart() int {
	if s.lastNewKeys > 0 {
		return s.lastNewKeys + 1
	}
	if s.PacketCount() <= sessStartMin {
		return 0
	}
	for i := authInitThreshold; i < s.PacketCount()-len(preAuthPattern); i++ {
		// Service request and accept have the same size in opposite directions.
		if s.Lengths[i] == s.Lengths[i+1] && s.Directions[i] != s.Directions[i+1] && userauthSizes[s.Lengths[i]] {
			return i
		}
		if slices.Equal(s.Directions[i:i+len(preAuthPattern)], preAuthPattern) {
			return i
		}
	}
	return 0
}

// window returns the packet indices [from, to) of the authentication layer
// starting offset packets after its first one.
func (s *Session) window(offset int) (int, int) {
	from, to := s.authStart+offset, s.authEnd
	if from > to {
		from = to
	}
	return from, to
}

// countAfter returns how many packets from index from on were sent in direction dir.
func (s *Session) countAfter(from, dir int) int {
	n := 0
	for _, d := range s.Directions[min(from, len(s.Directions)):] {
		if d == dir {
			n++
		}
	}
	return n
}

// histMajor returns the index of the fullest histogram bin and its share of
// all packets. An empty histogram yields -1.
func histMajor(hist []float64) (int, float64) {
	if len(hist) == 0 {
		return -1, 0
	}
	best, sum := 0, 0.0
	for i, v := range hist {
		sum += v
		if v > hist[best] {
			best = i
		}
	}
	if sum == 0 {
		return -1, 0
	}
	return best, hist[best] / sum
}
