package kp184

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseValueUnit splits s into its leading number and the unit after
// it. An "m" right after the number scales the value by 1/1000, so "500mA"
// is 0.5 with unit "A".
func ParseValueUnit(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && strings.IndexByte("0123456789.+-eE", s[end]) >= 0 {
		end++
	}
	// longest prefix that is a number, like strtod
	for ; end > 0; end-- {
		v, err := strconv.ParseFloat(s[:end], 64)
		if err != nil {
			continue
		}
		unit := s[end:]
		if strings.HasPrefix(unit, "m") {
			v /= 1000
			unit = unit[1:]
		}
		return v, unit, nil
	}
	return 0, "", fmt.Errorf("%w: malformed value %q", ErrInvalidArgument, s)
}

// ParseQuantity parses a number that may carry the given unit.
func ParseQuantity(s, unit string) (float64, error) {
	v, u, err := ParseValueUnit(s)
	if err != nil {
		return 0, err
	}
	if u != "" && !strings.EqualFold(u, unit) {
		return 0, fmt.Errorf("%w: malformed %s value %q", ErrInvalidArgument, unit, s)
	}
	return v, nil
}

// ParseLoad parses a load setting: a value followed by A (constant
// current), R or Ohm (constant resistance) or W (constant power).
func ParseLoad(s string) (Mode, float64, error) {
	v, u, err := ParseValueUnit(s)
	if err != nil {
		return 0, 0, err
	}
	switch strings.ToLower(u) {
	case "a":
		return ModeCC, v, nil
	case "r", "ohm":
		return ModeCR, v, nil
	case "w":
		return ModeCP, v, nil
	}
	return 0, 0, fmt.Errorf("%w: malformed load value %q", ErrInvalidArgument, s)
}

// ParseInterval parses seconds, with an optional "m" for milliseconds.
func ParseInterval(s string) (time.Duration, error) {
	v, u, err := ParseValueUnit(s)
	if err != nil {
		return 0, err
	}
	if u != "" && !strings.EqualFold(u, "s") {
		return 0, fmt.Errorf("%w: malformed interval value %q", ErrInvalidArgument, s)
	}
	return time.Duration(v * float64(time.Second)), nil
}

// ParseHMS parses "s", "m:s" or "h:m:s". Every field after the first
// must be below 60.
func ParseHMS(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("%w: malformed time value %q", ErrInvalidArgument, s)
	}
	var secs uint64
	for i, p := range parts {
		if p == "" {
			return 0, fmt.Errorf("%w: malformed time value %q", ErrInvalidArgument, s)
		}
		t, err := strconv.ParseUint(p, 10, 32)
		if err != nil || (i > 0 && t >= 60) {
			return 0, fmt.Errorf("%w: malformed time value %q", ErrInvalidArgument, s)
		}
		secs = secs*60 + t
	}
	return time.Duration(secs) * time.Second, nil
}

// FormatHMS formats d as h:mm:ss. A fraction of 0.2 s or more rounds the
// seconds up.
func FormatHMS(d time.Duration) string {
	if d < 0 {
		return "N/A"
	}
	s := int64(d / time.Second)
	if d%time.Second >= 200*time.Millisecond {
		s++
	}
	return fmt.Sprintf("%d:%02d:%02d", s/3600, s%3600/60, s%60)
}
