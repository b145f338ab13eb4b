package clienttk

import (
	"fmt"
	"strings"
)

// NormalizeRUT strips dots and spaces from a Chilean RUT, validates
// the modulo-11 check digit, and returns the canonical NNNNNNNN-D
// form with an uppercase K when applicable.
func NormalizeRUT(raw string) (string, error) {
	cleaned := strings.ToUpper(strings.NewReplacer(".", "", " ", "", "-", "").Replace(strings.TrimSpace(raw)))
	if len(cleaned) < 2 {
		return "", fmt.Errorf("rut %q is too short", raw)
	}

	body, dv := cleaned[:len(cleaned)-1], cleaned[len(cleaned)-1]
	if len(body) < 6 || len(body) > 9 {
		return "", fmt.Errorf("rut %q has an invalid length", raw)
	}
	for _, ch := range body {
		if ch < '0' || ch > '9' {
			return "", fmt.Errorf("rut %q contains non-digit characters", raw)
		}
	}

	if computeDV(body) != dv {
		return "", fmt.Errorf("rut %q has an invalid check digit", raw)
	}
	return body + "-" + string(dv), nil
}

// computeDV implements the modulo-11 algorithm: digits weighted
// 2,3,4,5,6,7 right to left, cycling.
func computeDV(body string) byte {
	sum, weight := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * weight
		weight++
		if weight > 7 {
			weight = 2
		}
	}
	switch rem := 11 - sum%11; rem {
	case 11:
		return '0'
	case 10:
		return 'K'
	default:
		return byte('0' + rem)
	}
}
