package treatment

import "errors"

// Tooth numbers arrive in two notations: the FDI two-digit system
// (11-18, 21-28, 31-38, 41-48) used in clinical records, and the 1-32
// universal codes used by the legacy catalog import. Everything is stored in
// FDI. A value that is already valid FDI is taken as FDI; the remaining 1-32
// values (1-10, 19, 20, 29, 30 and so on) are unambiguous universal codes.

var errInvalidTooth = errors.New("must be a 1-32 universal code or an 11-48 FDI number")

// ValidFDI reports whether n is a valid FDI permanent-tooth number.
func ValidFDI(n int) bool {
	quadrant, pos := n/10, n%10
	return quadrant >= 1 && quadrant <= 4 && pos >= 1 && pos <= 8
}

// NormalizeTooth converts a tooth number in either notation to FDI.
func NormalizeTooth(n int) (int, error) {
	if ValidFDI(n) {
		return n, nil
	}
	if n < 1 || n > 32 {
		return 0, errInvalidTooth
	}
	return universalToFDI(n), nil
}

// universalToFDI maps the 1-32 universal numbering (clockwise from the upper
// right third molar) onto FDI quadrant notation.
func universalToFDI(n int) int {
	switch {
	case n <= 8: // upper right, 1..8 -> 18..11
		return 19 - n
	case n <= 16: // upper left, 9..16 -> 21..28
		return n + 12
	case n <= 24: // lower left, 17..24 -> 38..31
		return 55 - n
	default: // lower right, 25..32 -> 41..48
		return n + 16
	}
}
