package kp184

import "fmt"

// Mode is the regulation mode of the load.
type Mode uint8

const (
	ModeCV Mode = iota // constant voltage
	ModeCC             // constant current
	ModeCR             // constant resistance
	ModeCP             // constant power
)

type modeInfo struct {
	name  string
	unit  string
	min   float64
	max   float64
	scale float64
	reg   uint16
}

var modeTable = [...]modeInfo{
	ModeCV: {"CV", "V", 0, 150, 1000, RegSetCV},
	ModeCC: {"CC", "A", 0, 40, 1000, RegSetCC},
	ModeCR: {"CR", "Ohm", 0, 9999.9, 10, RegSetCR},
	ModeCP: {"CP", "W", 0, 400, 100, RegSetCP},
}

func (m Mode) Valid() bool { return int(m) < len(modeTable) }

func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
	return modeTable[m].name
}

// Unit is the unit of the mode's setpoint.
func (m Mode) Unit() string {
	if !m.Valid() {
		return ""
	}
	return modeTable[m].unit
}

// Range returns the valid setpoint range.
func (m Mode) Range() (min, max float64) {
	if !m.Valid() {
		return 0, 0
	}
	return modeTable[m].min, modeTable[m].max
}

// ParseMode parses CV, CC, CR or CP.
func ParseMode(s string) (Mode, error) {
	for i, mi := range modeTable {
		if mi.name == s {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, s)
}
