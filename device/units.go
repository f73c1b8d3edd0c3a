package device

import (
	"fmt"
	"strings"
)

var unitPrefixes = map[string]float64{
	"":  1,
	"f": 1e-15,
	"p": 1e-12,
	"n": 1e-9,
	"u": 1e-6,
	"µ": 1e-6,
	"m": 1e-3,
	"c": 1e-2,
	"k": 1e3,
	"M": 1e6,
	"G": 1e9,
}

// Longest first so "Hz" is not read as a prefixed "z".
var baseUnits = []string{"deg", "rad", "Hz", "m", "V", "A", "s", "N"}

func splitUnit(u string) (float64, string, bool) {
	for _, base := range baseUnits {
		prefix, ok := strings.CutSuffix(u, base)
		if !ok {
			continue
		}
		if base == "deg" || base == "rad" {
			if prefix != "" {
				continue
			}
		}
		if factor, ok := unitPrefixes[prefix]; ok {
			return factor, base, true
		}
	}
	return 0, "", false
}

// ConvertUnits converts v from one SI-prefixed unit to another with the same
// base, e.g. "nm" to "um". An empty unit on either side leaves v unchanged.
func ConvertUnits(v float64, from, to string) (float64, error) {
	if from == "" || to == "" || from == to {
		return v, nil
	}
	fromFactor, fromBase, ok := splitUnit(from)
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", from)
	}
	toFactor, toBase, ok := splitUnit(to)
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", to)
	}
	if fromBase != toBase {
		return 0, fmt.Errorf("cannot convert %s to %s", from, to)
	}
	return v * fromFactor / toFactor, nil
}
