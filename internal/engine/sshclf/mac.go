package sshclf

import "slices"

// MACCategory groups cipher suites by block size and MAC length, which is all
// that shows in packet sizes. The category model answers with an index into
// MACCategories.
type MACCategory struct {
	Name string
	// ServiceRequest is the size of SSH_MSG_SERVICE_REQUEST under the category.
	ServiceRequest int
	// Success is the size of SSH_MSG_USERAUTH_SUCCESS under the category.
	Success int
}

// MACCategories lists the known categories as "block + MAC" sizes.
var MACCategories = []MACCategory{
	{"8 + 16", 40, 24},
	{"16 + 16", 48, 32},
	{"8 + 20", 44, 28},
	{"16 + 64", 96, 80},
	{"16 + 12", 44, 28},
	{"16 + 32", 64, 48},
	{"16 + 8", 40, 24},
	{"16 + 20", 52, 36},
	{"8 + 8", 32, 16},
	{"8 + 12", 36, 20},
	{"8 + 32", 56, 40},
	{"8 + 64", 88, 72},
	{"8 + 24", 48, 32},
	{"8 + 36", 60, 44},
	{"8 + 68", 92, 76},
	{"16 + 24", 56, 40},
	{"16 + 36", 68, 52},
	{"16 + 68", 100, 84},
}

// defaultSuccessSize bounds the success message when the category is unknown.
// Long MACs push the real message above it.
const defaultSuccessSize = 50

// successSize returns the USERAUTH_SUCCESS bound for a category index.
func successSize(category int) int {
	if category < 0 || category >= len(MACCategories) {
		return defaultSuccessSize
	}
	return MACCategories[category].Success
}

// Size classes tested by MACFeatures, in vector order after the first two features.
var sizeClasses = []string{
	"16+8n", "20+8n", "24+8n", "28+8n", "32+8n", "40+8n", "44+8n", "72+8n", "76+8n",
	"24+16n", "28+16n", "32+16n", "36+16n", "40+16n", "48+16n", "52+16n", "80+16n", "84+16n",
}

// MACFeatureNames names the MACFeatures vector.
var MACFeatureNames = append([]string{"ssh-userauth", "bs8"}, sizeClasses...)

// MACFeatures returns the input vector of the category model: the service
// request size, whether packet size differences leak an 8 byte block, and one
// flag per size class every packet after NEWKEYS fits. Classes are nested, so a
// class is only tested when its parent holds.
func (s *Session) MACFeatures() []float64 {
	out := make([]float64, len(MACFeatureNames))
	if s.authStart > 0 && s.authStart < s.PacketCount()-1 {
		out[0] = float64(s.Lengths[s.authStart])
	}
	if s.authStart > 0 && s.authStart < s.PacketCount() && leaksBlock8(s.Lengths[s.authStart:]) {
		out[1] = 1
	}

	encrypted := s.Lengths
	if s.lastNewKeys > 0 {
		encrypted = s.Lengths[s.lastNewKeys+1:]
	}
	set := func(class string) { out[2+slices.Index(sizeClasses, class)] = 1 }
	fits := func(block, mac, minSize int, etm bool) bool { return fitsClass(encrypted, block, mac, minSize, etm) }

	switch {
	case fits(8, 8, 16, false):
		set("16+8n")
		if fits(8, 16, 24, false) {
			set("24+8n")
			if fits(8, 20, 32, true) {
				set("32+8n")
				if fits(8, 32, 40, false) {
					set("40+8n")
					if fits(8, 64, 72, false) {
						set("72+8n")
						if fits(16, 64, 80, false) {
							set("80+16n")
						}
					}
					if fits(16, 20, 40, true) {
						set("40+16n")
					}
					if fits(16, 32, 48, false) {
						set("48+16n")
					}
				}
				if fits(16, 16, 32, false) {
					set("32+16n")
				}
			}
			if fits(16, 8, 24, false) {
				set("24+16n")
			}
		}
	case fits(8, 12, 20, false):
		set("20+8n")
		if fits(8, 20, 28, false) {
			set("28+8n")
			if fits(8, 32, 44, true) {
				set("44+8n")
				if fits(8, 64, 76, true) {
					set("76+8n")
					if fits(16, 64, 84, true) {
						set("84+16n")
					}
				}
				if fits(16, 32, 52, true) {
					set("52+16n")
				}
			}
			if fits(16, 12, 28, false) {
				set("28+16n")
			}
			if fits(16, 20, 36, false) {
				set("36+16n")
			}
		}
	}
	return out
}

// fitsClass reports whether every packet is at least minSize and its
// encrypted part is a multiple of block. Encrypt-then-MAC leaves the 4 byte
// length field outside the padded part.
func fitsClass(lengths []int, block, mac, minSize int, etm bool) bool {
	extra := mac
	if etm {
		extra += 4
	}
	for _, l := range lengths {
		if (l-extra)%block != 0 || l < minSize {
			return false
		}
	}
	return true
}

// leaksBlock8 reports whether two distinct sizes differ by an odd multiple of 8.
func leaksBlock8(lengths []int) bool {
	seen := make(map[int]bool, len(lengths))
	var uniq []int
	for _, l := range lengths {
		if !seen[l] {
			seen[l] = true
			uniq = append(uniq, l)
		}
	}
	for i, a := range uniq {
		for _, b := range uniq[i+1:] {
			if d := a - b; d%16 != 0 && d%8 == 0 {
				return true
			}
		}
	}
	return false
}
