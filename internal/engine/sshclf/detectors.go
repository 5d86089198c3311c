package sshclf

import (
	"slices"
	"time"
)

// AuthResult is the outcome of the authentication layer.
type AuthResult uint8

const (
	AuthUnknown AuthResult = iota
	AuthFail
	AuthOK
)

func (r AuthResult) String() string {
	switch r {
	case AuthFail:
		return "fail"
	case AuthOK:
		return "auth_ok"
	}
	return "unknown"
}

// AuthMethod is the credential type the client presented.
type AuthMethod uint8

const (
	MethodUnknown AuthMethod = iota
	MethodKey
	MethodPassword
)

func (m AuthMethod) String() string {
	switch m {
	case MethodKey:
		return "key"
	case MethodPassword:
		return "password"
	}
	return "unknown"
}

// Timing tells interactive logins from automated ones.
type Timing uint8

const (
	TimingUnknown Timing = iota
	TimingUser
	TimingAuto
)

func (t Timing) String() string {
	switch t {
	case TimingUser:
		return "user"
	case TimingAuto:
		return "auto"
	}
	return "unknown"
}

// Traffic is what an authenticated session carried.
type Traffic uint8

const (
	TrafficOther Traffic = iota
	TrafficUpload
	TrafficDownload
	TrafficTerminal
)

func (t Traffic) String() string {
	switch t {
	case TrafficUpload:
		return "upload"
	case TrafficDownload:
		return "download"
	case TrafficTerminal:
		return "terminal"
	}
	return "other"
}

// Authentication detector thresholds.
const (
	minPacketsToAuth = 5
	authKeyMin       = 256
	authPasswordMin  = 80
	authKeyCoef      = 0.65
	chachaAuthSize   = 28
)

var (
	// Public key check, PK_OK, signed request, success.
	keyPattern = []int{dirTo, dirFrom, dirTo, dirFrom}
	// Request and its answer.
	requestPattern = []int{dirTo, dirFrom}
)

// DetectAuth returns the authentication outcome. category is an index into
// MACCategories, or -1 when unknown.
func DetectAuth(s *Session, category int) (AuthResult, AuthMethod) {
	if !authCompletable(s) {
		return AuthFail, MethodUnknown
	}
	success := successSize(category)
	if detectKey(s, success) || detectChacha(s) || detectRequest(s, authKeyMin, success) {
		return AuthOK, MethodKey
	}
	if detectRequest(s, authPasswordMin, success) {
		return AuthOK, MethodPassword
	}
	return AuthFail, MethodUnknown
}

// authCompletable rules out sessions too short to finish authenticating: each
// side must send at least three packets after the authentication layer starts.
func authCompletable(s *Session) bool {
	n := s.PacketCount()
	return n >= sessStartMin &&
		s.authStart+minPacketsToAuth < n &&
		s.countAfter(s.authStart+1, dirTo) >= 3 &&
		s.countAfter(s.authStart+1, dirFrom) >= 3
}

// matchAfterService returns the absolute index of the first occurrence of
// pattern after the two service request packets, or -1.
func matchAfterService(s *Session, pattern []int) int {
	from, to := s.window(2)
	for i := from; i+len(pattern) <= to; i++ {
		if slices.Equal(s.Directions[i:i+len(pattern)], pattern) {
			return i
		}
	}
	return -1
}

// detectKey matches a public key check whose answer echoes the key, followed by
// a request almost twice as large carrying the signature and a short success.
func detectKey(s *Session, success int) bool {
	m := matchAfterService(s, keyPattern)
	if m < 0 {
		return false
	}
	check := float64(s.Lengths[m])
	answer, signed, result := s.Lengths[m+1], s.Lengths[m+2], s.Lengths[m+3]
	return float64(answer) > check*authKeyCoef && float64(answer) < check &&
		float64(signed) > check*2*authKeyCoef &&
		result <= success
}

// detectChacha matches the 28 byte server message that chacha20-poly1305 only
// produces for USERAUTH_SUCCESS.
func detectChacha(s *Session) bool {
	from, to := s.window(0)
	i := slices.Index(s.Lengths[from:to], chachaAuthSize)
	return i >= 0 && s.Directions[from+i] == dirFrom
}

// detectRequest matches a client request larger than minSize answered by a
// short success message, with the session kept open afterwards.
func detectRequest(s *Session, minSize, success int) bool {
	m := matchAfterService(s, requestPattern)
	if m < 0 || m+2 >= s.PacketCount() {
		return false
	}
	return s.Lengths[m] > minSize && s.Lengths[m+1] <= success &&
		s.Flags[m+1]&flagFIN == 0 && s.Flags[m+2]&flagFIN == 0
}

// humanDelay is the client pause while authenticating that no unattended
// client takes.
const humanDelay = time.Second

// DetectTiming reports a user login when the client paused longer than
// humanDelay before any request in the authentication layer. A layer of less
// than two packets gives no delay to measure.
func DetectTiming(s *Session) Timing {
	from, to := s.window(0)
	if to-from < 2 {
		return TimingUnknown
	}
	for i := from + 1; i < to; i++ {
		if s.Directions[i] == dirTo && s.Times[i].Sub(s.Times[i-1]) > humanDelay {
			return TimingUser
		}
	}
	return TimingAuto
}

// Traffic type thresholds over the size histograms. Bin 7 holds packets of
// 1024 bytes and more.
const (
	transferShare = 0.7
	transferBin   = 6
)

// DetectTraffic classifies an authenticated session from its size histograms.
// Unauthenticated sessions are always other.
func DetectTraffic(s *Session, auth AuthResult) Traffic {
	if auth != AuthOK {
		return TrafficOther
	}
	srcBin, srcShare := histMajor(s.SrcSizes)
	dstBin, dstShare := histMajor(s.DstSizes)
	switch {
	case srcBin > transferBin && srcShare > transferShare:
		return TrafficUpload
	case dstBin > transferBin && dstShare > transferShare:
		return TrafficDownload
	case dstBin > 1 && dstBin < transferBin && srcBin >= 2 && srcBin <= 3:
		// Keystrokes and their echo.
		return TrafficTerminal
	}
	return TrafficOther
}
