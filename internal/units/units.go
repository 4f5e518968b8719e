// Package units provides shared conversions between the physical units the
// controller deals in: G-force inputs, millimetre displacements, and the
// actuator controller's 0.01 mm fixed-point wire unit.
package units

// PositionScale is the number of controller wire units per millimetre.
// The LECP step controller addresses position in hundredths of a millimetre.
const PositionScale = 100

// Motion dimension names, matching the config contract.
const (
	Surge = "surge"
	Sway  = "sway"
	Heave = "heave"
	Pitch = "pitch"
	Roll  = "roll"
)

// ValidDimensions contains all selectable motion dimensions.
var ValidDimensions = []string{Surge, Sway, Heave, Pitch, Roll}

// IsValidDimension checks if the given dimension is selectable.
func IsValidDimension(dim string) bool {
	for _, valid := range ValidDimensions {
		if dim == valid {
			return true
		}
	}
	return false
}

// ValidDimensionsString returns a comma-separated list for error messages.
func ValidDimensionsString() string {
	return "surge, sway, heave, pitch, roll"
}

// MillimetresToWire converts a millimetre position to controller wire units,
// truncating toward zero the same way the controller rounds commanded
// positions.
func MillimetresToWire(mm float64) int32 {
	return int32(mm * PositionScale)
}

// WireToMillimetres converts controller wire units back to millimetres.
func WireToMillimetres(units int32) float64 {
	return float64(units) / PositionScale
}

// Int32ToWords packs a 32-bit two's-complement value into two 16-bit
// register words, high word first, as the controller expects.
func Int32ToWords(v int32) (high, low uint16) {
	u := uint32(v)
	return uint16(u >> 16), uint16(u & 0xFFFF)
}

// WordsToInt32 unpacks two 16-bit register words (high word first) into a
// 32-bit two's-complement value.
func WordsToInt32(high, low uint16) int32 {
	return int32(uint32(high)<<16 | uint32(low))
}
