package kp184

import (
	"fmt"
	"sync"
)

// Simulator is a deterministic in-memory load. It answers the same
// operations as KP184 and validates setpoints the same way, so discharge
// runs can be exercised without hardware.
type Simulator struct {
	mu        sync.Mutex
	on        bool
	mode      Mode
	setpoints [len(modeTable)]float64

	voltages []float64
	currents []float64
	reads    int

	failNext int
	failErr  error

	reopens int
	calls   []string
}

// NewSimulator returns a load idling in CV mode at 15.213 V.
func NewSimulator() *Simulator {
	s := &Simulator{mode: ModeCV}
	s.setpoints[ModeCV] = 15.213
	s.setpoints[ModeCC] = 1.0
	s.setpoints[ModeCR] = 100.0
	s.setpoints[ModeCP] = 10.0
	return s
}

// ScriptVoltage makes the n-th status read report v[n]. The last value
// repeats once the script runs out.
func (s *Simulator) ScriptVoltage(v ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voltages = append([]float64(nil), v...)
}

// ScriptCurrent is ScriptVoltage for the current. A switched off load
// always reports 0 A.
func (s *Simulator) ScriptCurrent(c ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currents = append([]float64(nil), c...)
}

// FailNext makes the next n operations fail with err.
func (s *Simulator) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// Calls returns the operations performed so far.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Reads returns the number of status reads answered.
func (s *Simulator) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Reopens returns the number of Reopen calls.
func (s *Simulator) Reopens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reopens
}

// Setpoint returns the current setpoint of m.
func (s *Simulator) Setpoint(m Mode) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setpoints[m]
}

func (s *Simulator) fail(op string) error {
	s.calls = append(s.calls, op)
	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}
	return nil
}

func scripted(v []float64, n int) (float64, bool) {
	if len(v) == 0 {
		return 0, false
	}
	if n >= len(v) {
		n = len(v) - 1
	}
	return v[n], true
}

func (s *Simulator) GetStatus() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("status"); err != nil {
		return Status{}, err
	}
	st := Status{On: s.on, Mode: s.mode, Voltage: s.setpoints[ModeCV]}
	if v, ok := scripted(s.voltages, s.reads); ok {
		st.Voltage = v
	}
	if s.on {
		if c, ok := scripted(s.currents, s.reads); ok {
			st.Current = c
		} else {
			st.Current = s.modelCurrent(st.Voltage)
		}
	}
	s.reads++
	return st, nil
}

func (s *Simulator) modelCurrent(v float64) float64 {
	switch s.mode {
	case ModeCR:
		if r := s.setpoints[ModeCR]; r > 0 {
			return v / r
		}
	case ModeCP:
		if v > 0 {
			return s.setpoints[ModeCP] / v
		}
		return 0
	}
	return s.setpoints[ModeCC]
}

func (s *Simulator) SetOutput(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(fmt.Sprintf("output %v", on)); err != nil {
		return err
	}
	s.on = on
	return nil
}

func (s *Simulator) SetMode(m Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !m.Valid() {
		return fmt.Errorf("%w: mode %d", ErrInvalidArgument, m)
	}
	if err := s.fail("mode " + m.String()); err != nil {
		return err
	}
	s.mode = m
	return nil
}

func (s *Simulator) SetModeValue(m Mode, v float64) error {
	if _, err := EncodeSetpoint(m, v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(fmt.Sprintf("%s %g", m, v)); err != nil {
		return err
	}
	s.setpoints[m] = v
	return nil
}

func (s *Simulator) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reopens++
	return s.fail("reopen")
}

// IsOn reports the output state.
func (s *Simulator) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}
