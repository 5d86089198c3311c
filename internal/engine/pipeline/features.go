package pipeline

import (
	"NetFusion/internal/model"
	"fmt"
)

// sentDirection marks a packet sent by the flow initiator in PPI_PKT_DIRECTIONS.
const sentDirection = 1

// pushFlag is the TCP PSH bit.
const pushFlag = 8

// FeatureNames lists the model inputs in vector order.
var FeatureNames = []string{
	"BYTES", "BYTES_REV", "PACKETS", "PACKETS_REV",
	"SENT", "RECV", "AVG_PKT_INTERVAL", "OVERALL_DURATION",
	"AVG_PKT_SIZE", "PSH_RATIO", "MIN_PKT_LEN", "DATA_SYMMETRY",
}

type featureFields struct {
	bytes, bytesRev, packets, packetsRev model.FieldID
	timeFirst, timeLast                  model.FieldID
	directions, times, lengths, flags    model.FieldID
}

func bindFeatures(schema *model.Schema) (featureFields, error) {
	var ff featureFields
	required := map[string]*model.FieldID{
		"BYTES":              &ff.bytes,
		"BYTES_REV":          &ff.bytesRev,
		"PACKETS":            &ff.packets,
		"PACKETS_REV":        &ff.packetsRev,
		"TIME_FIRST":         &ff.timeFirst,
		"TIME_LAST":          &ff.timeLast,
		"PPI_PKT_DIRECTIONS": &ff.directions,
		"PPI_PKT_TIMES":      &ff.times,
		"PPI_PKT_LENGTHS":    &ff.lengths,
		"PPI_PKT_FLAGS":      &ff.flags,
	}
	for name, id := range required {
		v, err := schema.Lookup(name)
		if err != nil {
			return ff, fmt.Errorf("features: %w", err)
		}
		*id = v
	}
	return ff, nil
}

// extract computes the model input vector of one flow.
func (ff featureFields) extract(r *model.Record) []float64 {
	directions := r.Floats(ff.directions)
	lengths := r.Floats(ff.lengths)

	sent, recv := directionRatios(directions)
	avgSize, minLen, symmetry := sizeStatistics(lengths, directions)

	return []float64{
		r.Float(ff.bytes),
		r.Float(ff.bytesRev),
		r.Float(ff.packets),
		r.Float(ff.packetsRev),
		sent,
		recv,
		averageInterval(r, ff.times),
		float64(r.Time(ff.timeLast).Unix() - r.Time(ff.timeFirst).Unix()),
		avgSize,
		pushRatio(r.Floats(ff.flags)),
		minLen,
		symmetry,
	}
}

func directionRatios(directions []float64) (sent, recv float64) {
	if len(directions) == 0 {
		return 0, 1
	}
	var n int
	for _, d := range directions {
		if d == sentDirection {
			n++
		}
	}
	sent = float64(n) / float64(len(directions))
	return sent, 1 - sent
}

// averageInterval is the mean gap between consecutive packets in whole seconds.
func averageInterval(r *model.Record, id model.FieldID) float64 {
	times := r.Times(id)
	if len(times) < 2 {
		return 0
	}
	var sum int64
	for i := 1; i < len(times); i++ {
		sum += times[i].Unix() - times[i-1].Unix()
	}
	return float64(sum) / float64(len(times)-1)
}

// sizeStatistics returns the mean packet size, the smallest packet and the
// sent/received byte ratio.
func sizeStatistics(lengths, directions []float64) (avg, smallest, symmetry float64) {
	if len(lengths) == 0 {
		return 0, 0, 0
	}
	var total, sent, recv float64
	smallest = lengths[0]
	for i, l := range lengths {
		total += l
		if l < smallest {
			smallest = l
		}
		if i < len(directions) && directions[i] == sentDirection {
			sent += l
		} else {
			recv += l
		}
	}
	avg = total / float64(len(lengths))
	if recv > 0 {
		symmetry = sent / recv
	}
	return avg, smallest, symmetry
}

func pushRatio(flags []float64) float64 {
	if len(flags) == 0 {
		return 0
	}
	var n int
	for _, f := range flags {
		if uint8(f)&pushFlag != 0 {
			n++
		}
	}
	return float64(n) / float64(len(flags))
}
