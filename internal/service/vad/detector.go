package vad

import (
	"math"
	"time"
)

// Detector scores a PCM frame with a speech confidence in [0, 1].
type Detector interface {
	Confidence(frame []byte) float64
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(frame []byte) float64

func (f DetectorFunc) Confidence(frame []byte) float64 { return f(frame) }

// EnergyDetector maps the RMS level of s16le PCM, in dBFS, linearly onto
// [0, 1] between FloorDB and CeilingDB.
type EnergyDetector struct {
	FloorDB   float64
	CeilingDB float64
}

// NewEnergyDetector returns a detector tuned for close-talk microphones.
func NewEnergyDetector() *EnergyDetector {
	return &EnergyDetector{FloorDB: -55, CeilingDB: -25}
}

// Confidence implements Detector.
func (d *EnergyDetector) Confidence(frame []byte) float64 {
	rms := RMSEnergy(frame)
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	c := (db - d.FloorDB) / (d.CeilingDB - d.FloorDB)
	return math.Max(0, math.Min(1, c))
}

// RMSEnergy computes the root-mean-square energy of 16-bit little-endian
// PCM, normalized to [0, 1].
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// FrameDuration returns the play time of a mono s16le frame.
func FrameDuration(frame []byte, sampleRateHz int) time.Duration {
	if sampleRateHz <= 0 {
		return 0
	}
	samples := len(frame) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRateHz)
}
