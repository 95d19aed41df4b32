package zlac8015d

import "math"

// The encoder resolution is fixed by the device firmware.
const countsPerRev = 16384

// DefaultWheelRadius is the radius in meters of the 6.5 inch hub wheels the
// driver usually ships with.
const DefaultWheelRadius = 0.0635

// Geometry holds the wheel dimensions used to convert between register
// values and physical units. Immutable after construction.
type Geometry struct {
	WheelRadius  float64 // meters
	CountsPerRev int
	TravelPerRev float64 // meters of travel per wheel revolution
}

// NewGeometry returns the geometry for a wheel of the given radius in meters.
func NewGeometry(wheelRadius float64) Geometry {
	return Geometry{
		WheelRadius:  wheelRadius,
		CountsPerRev: countsPerRev,
		TravelPerRev: 2 * math.Pi * wheelRadius,
	}
}

// RPMToLinear converts wheel rpm to linear speed in m/s.
func (g Geometry) RPMToLinear(rpm float64) float64 {
	return rpm * 2 * math.Pi / 60.0 * g.WheelRadius
}

// LinearToRPM converts linear speed in m/s to wheel rpm.
func (g Geometry) LinearToRPM(linear float64) float64 {
	return linear / (2 * math.Pi / 60.0 * g.WheelRadius)
}

// TicksToMeters converts an encoder tick count to meters of wheel travel.
func (g Geometry) TicksToMeters(ticks int32) float64 {
	return float64(ticks) / float64(g.CountsPerRev) * g.TravelPerRev
}

// Command and setpoint limits from the register manual.
const (
	maxCommandRPM  = 3000
	maxRampTimeMS  = 32767
	minPositionRPM = 1
	maxPositionRPM = 1000
)

// Relative angle commands map degrees in [-maxAngleDeg, maxAngleDeg]
// linearly onto [-maxAngleTicks, maxAngleTicks] before split-word packing.
// The narrowed 32-bit range is a device convention, not a full-scale
// two's-complement encoding.
const (
	maxAngleDeg   = 1440
	maxAngleTicks = 65536
)

// clamp saturates v to [lo, hi]. Out-of-range commands degrade to the
// nearest bound instead of failing the call.
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// mapRange maps v linearly from [inMin, inMax] onto [outMin, outMax].
func mapRange(v, inMin, inMax, outMin, outMax float64) float64 {
	return (v-inMin)*(outMax-outMin)/(inMax-inMin) + outMin
}

// encodeRPMCommand clamps rpm to the writable command range and packs it as
// a two's-complement 16-bit register word, truncating toward zero.
func encodeRPMCommand(rpm float64) uint16 {
	return uint16(int16(clamp(rpm, -maxCommandRPM, maxCommandRPM)))
}

// decodeRPMFeedback unpacks a speed feedback register word. The device
// reports in units of 0.1 rpm.
func decodeRPMFeedback(word uint16) float64 {
	return float64(int16(word)) / 10.0
}

// degreesToWords encodes a relative angle command as a split 32-bit
// register pair, high word first.
func degreesToWords(deg float64) (hi, lo uint16) {
	ticks := int32(mapRange(deg, -maxAngleDeg, maxAngleDeg, -maxAngleTicks, maxAngleTicks))
	return uint16(uint32(ticks) >> 16), uint16(uint32(ticks))
}

// wordsToTicks reassembles a split 32-bit register pair into a signed tick
// count.
func wordsToTicks(hi, lo uint16) int32 {
	return int32(uint32(hi)<<16 | uint32(lo))
}

// clampTime saturates an accel/decel ramp time in milliseconds to the
// writable range.
func clampTime(ms float64) uint16 {
	return uint16(clamp(ms, 0, maxRampTimeMS))
}

// clampPositionRPM saturates a position-mode speed ceiling to the writable
// range.
func clampPositionRPM(rpm float64) uint16 {
	return uint16(clamp(rpm, minPositionRPM, maxPositionRPM))
}
