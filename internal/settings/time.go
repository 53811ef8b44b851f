package settings

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeTime accepts "HH:MM" or 4-digit "HHMM" and returns the canonical
// "HH:MM" form with hour in [0,23] and minute in [0,59].
func NormalizeTime(s string) (string, error) {
	h, m, err := ParseHHMM(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// ParseHHMM parses "HH:MM" (1- or 2-digit fields) or 4-digit "HHMM".
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)

	var hs, ms string
	if i := strings.IndexByte(s, ':'); i >= 0 {
		hs, ms = s[:i], s[i+1:]
		if len(hs) < 1 || len(hs) > 2 || len(ms) < 1 || len(ms) > 2 {
			return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM or HHMM", s)
		}
	} else {
		if len(s) != 4 {
			return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM or HHMM", s)
		}
		hs, ms = s[:2], s[2:]
	}

	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
