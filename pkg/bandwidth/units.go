package bandwidth

import (
	"fmt"
	"strconv"
	"strings"
)

// Decimal rate multipliers. FreeRADIUS vendor dictionaries and the FUP
// quota both use SI units, not IEC.
const (
	Kilo = 1_000
	Mega = 1_000_000
	Giga = 1_000_000_000
)

// ParseRate converts a human-readable rate ("10M", "512K", "1.5G") to a
// raw integer. A bare integer passes through unchanged. Zero and
// negative rates are rejected.
func ParseRate(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty rate")
	}

	var mult int64 = 1
	switch s[len(s)-1] {
	case 'K':
		mult = Kilo
	case 'M':
		mult = Mega
	case 'G':
		mult = Giga
	}

	if mult == 1 {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid rate %q", s)
		}
		if n <= 0 {
			return 0, fmt.Errorf("non-positive rate %q", s)
		}
		return n, nil
	}

	f, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	n := int64(f * float64(mult))
	if n <= 0 {
		return 0, fmt.Errorf("non-positive rate %q", s)
	}
	return n, nil
}
