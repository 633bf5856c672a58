package main

import "math"

// VolumeLevel is a volume percentage in [0, 100].
// It is the daemon's canonical volume unit; MPRIS fractions are converted
// at the bus boundary with LevelFromFraction and Fraction.
type VolumeLevel uint8

const maxVolumeLevel VolumeLevel = 100

// fractionBias absorbs float error in values we wrote ourselves
// (0.29 is stored as 0.28999999999999998).
const fractionBias = 1e-9

// LevelFromFraction maps an MPRIS volume (0.0-1.0) to a percentage.
// The conversion truncates and clamps out-of-range values.
func LevelFromFraction(f float64) VolumeLevel {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= 1 {
		return maxVolumeLevel
	}
	return VolumeLevel(math.Floor(f*100 + fractionBias))
}

// Fraction returns the MPRIS representation of the level.
func (l VolumeLevel) Fraction() float64 {
	return float64(l.Clamp()) / 100
}

// Clamp limits l to [0, 100].
func (l VolumeLevel) Clamp() VolumeLevel {
	if l > maxVolumeLevel {
		return maxVolumeLevel
	}
	return l
}

// distance returns |a-b| without underflowing the unsigned type.
func distance(a, b VolumeLevel) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
