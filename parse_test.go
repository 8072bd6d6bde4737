package kp184

import (
	"errors"
	"testing"
	"time"
)

func TestParseValueUnit(t *testing.T) {
	tests := []struct {
		in   string
		v    float64
		unit string
	}{
		{"12", 12, ""},
		{"12.5V", 12.5, "V"},
		{"500mA", 0.5, "A"},
		{"2.5A", 2.5, "A"},
		{"100R", 100, "R"},
		{"1e3W", 1000, "W"},
		{"  3.3  ", 3.3, ""},
		{"10mohm", 0.01, "ohm"},
		{"5e", 5, "e"},
	}
	for _, tt := range tests {
		v, unit, err := ParseValueUnit(tt.in)
		if err != nil || v != tt.v || unit != tt.unit {
			t.Errorf("ParseValueUnit(%q) = %g, %q, %v; want %g, %q", tt.in, v, unit, err, tt.v, tt.unit)
		}
	}
	for _, in := range []string{"", "V", "abc", "."} {
		if _, _, err := ParseValueUnit(in); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ParseValueUnit(%q) error = %v, want ErrInvalidArgument", in, err)
		}
	}
}

func TestParseLoad(t *testing.T) {
	tests := []struct {
		in   string
		mode Mode
		v    float64
	}{
		{"2A", ModeCC, 2},
		{"500ma", ModeCC, 0.5},
		{"10R", ModeCR, 10},
		{"4.7Ohm", ModeCR, 4.7},
		{"25W", ModeCP, 25},
		{"1500mW", ModeCP, 1.5},
	}
	for _, tt := range tests {
		m, v, err := ParseLoad(tt.in)
		if err != nil || m != tt.mode || v != tt.v {
			t.Errorf("ParseLoad(%q) = %v, %g, %v; want %v, %g", tt.in, m, v, err, tt.mode, tt.v)
		}
	}
	for _, in := range []string{"2", "12V", "2X", "A"} {
		if _, _, err := ParseLoad(in); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ParseLoad(%q) error = %v, want ErrInvalidArgument", in, err)
		}
	}
}

func TestParseQuantity(t *testing.T) {
	if v, err := ParseQuantity("10.5", "V"); err != nil || v != 10.5 {
		t.Errorf("ParseQuantity(10.5) = %g, %v", v, err)
	}
	if v, err := ParseQuantity("10500mv", "V"); err != nil || v != 10.5 {
		t.Errorf("ParseQuantity(10500mv) = %g, %v", v, err)
	}
	if _, err := ParseQuantity("2A", "V"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseQuantity(2A, V) error = %v", err)
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1", time.Second},
		{"0.5", 500 * time.Millisecond},
		{"2s", 2 * time.Second},
		{"250ms", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got, err := ParseInterval(tt.in); err != nil || got != tt.want {
			t.Errorf("ParseInterval(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseInterval("5min"); err == nil {
		t.Error("ParseInterval(5min) accepted")
	}
}

func TestParseHMS(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"90", 90 * time.Second},
		{"1:30", 90 * time.Second},
		{"2:00:05", 2*time.Hour + 5*time.Second},
		{"100:59:59", 100*time.Hour + 59*time.Minute + 59*time.Second},
	}
	for _, tt := range tests {
		if got, err := ParseHMS(tt.in); err != nil || got != tt.want {
			t.Errorf("ParseHMS(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	for _, in := range []string{"", "1:60", "1:2:3:4", "1::2", "-1", "a:b"} {
		if _, err := ParseHMS(in); err == nil {
			t.Errorf("ParseHMS(%q) accepted", in)
		}
	}
}

func TestFormatHMS(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00:00"},
		{59*time.Second + 199*time.Millisecond, "0:00:59"},
		{59*time.Second + 200*time.Millisecond, "0:01:00"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2:03:04"},
		{-time.Second, "N/A"},
	}
	for _, tt := range tests {
		if got := FormatHMS(tt.d); got != tt.want {
			t.Errorf("FormatHMS(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeCV, ModeCC, ModeCR, ModeCP} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("XX"); err == nil {
		t.Error("ParseMode(XX) accepted")
	}
	if lo, hi := ModeCR.Range(); lo != 0 || hi != 9999.9 {
		t.Errorf("ModeCR.Range() = %g, %g", lo, hi)
	}
	if Mode(5).String() != "Mode(5)" || Mode(5).Unit() != "" {
		t.Error("invalid mode not reported")
	}
}
