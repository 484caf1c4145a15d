package scale

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Reading is one parsed weight sample. Raw is the device value in kilograms
// after unit conversion and calibration; Rounded is the billing value
// produced by Round.
type Reading struct {
	Raw     float64 `json:"raw"`
	Rounded float64 `json:"rounded"`
}

// weightToken matches a signed decimal number with an optional unit suffix
// anywhere in a frame. Scales prefix readings with status flags ("ST,GS,")
// and arbitrary padding, so the token is located, not anchored.
var weightToken = regexp.MustCompile(`(?i)([-+]?\d+(?:\.\d+)?)\s*(kg|lb|g)?\b`)

const lbToKg = 0.453592

// ParseWeight extracts a weight from one cleaned frame and returns it in
// kilograms. multiplier is the hardware calibration correction; it is
// applied when set and not 1. ok is false when the frame carries no finite
// numeric token (a parse miss — the caller keeps the previous sample).
func ParseWeight(frame string, multiplier float64) (Reading, bool) {
	m := weightToken.FindStringSubmatch(frame)
	if m == nil {
		return Reading{}, false
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsInf(value, 0) || math.IsNaN(value) {
		return Reading{}, false
	}

	switch strings.ToLower(m[2]) {
	case "g":
		value /= 1000
	case "lb":
		value *= lbToKg
	}

	if multiplier != 0 && multiplier != 1 {
		value *= multiplier
	}

	return Reading{Raw: value, Rounded: Round(value)}, true
}

// Round applies the billing rounding policy: floor(raw + 0.2). A fractional
// part of 0.8 or more carries up to the next integer, anything below floors.
// The business reconciles the resulting drift per vehicle, so this exact
// formula is load-bearing; do not replace it with standard rounding.
func Round(raw float64) float64 {
	return math.Floor(raw + 0.2)
}
