// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package kp184

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Load is what the discharge controller needs from the hardware. Both
// *KP184 and *Simulator implement it.
type Load interface {
	SetOutput(on bool) error
	SetMode(m Mode) error
	SetModeValue(m Mode, v float64) error
	GetStatus() (Status, error)
	Reopen() error
}

// Reason tells why a discharge run ended. The numeric values are used as
// the process exit code.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTime
	ReasonUser
	ReasonLowVoltage
	ReasonLowCurrent
	ReasonHighCurrent
	ReasonError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTime:
		return "maximum load time"
	case ReasonUser:
		return "user"
	case ReasonLowVoltage:
		return "low voltage threshold"
	case ReasonLowCurrent:
		return "low current threshold"
	case ReasonHighCurrent:
		return "high current threshold"
	default:
		return "error"
	}
}

// immediate reasons stop the loop without another sample.
func (r Reason) immediate() bool { return r >= ReasonUser }

// State is the phase of a discharge run.
type State int32

const (
	StateInit State = iota
	StatePreload
	StateLoaded
	StateHalfLoad
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePreload:
		return "preload"
	case StateLoaded:
		return "loaded"
	case StateHalfLoad:
		return "half-load"
	case StateTerminating:
		return "terminating"
	default:
		return "terminated"
	}
}

// Progress is reported to observers after every sample.
type Progress struct {
	Sample
	State    State
	Capacity float64 // Ah
	Energy   float64 // Wh
}

// Power returns the sampled power in W.
func (p Progress) Power() float64 { return p.Voltage * p.Current }

// Observer is notified of the progress of a run.
type Observer interface {
	ObserveProgress(p Progress)
	ObserveReconnect(attempt int, err error)
}

// Result summarises a finished run.
type Result struct {
	Reason        Reason
	Samples       uint64
	LoadedSamples uint64
	LoadTime      time.Duration
	Capacity      float64 // Ah
	Energy        float64 // Wh
}

// Summary is the one line report printed at the end of a run.
func (r Result) Summary() string {
	return fmt.Sprintf("Load was on for %d samples %s %.5g Ah %.5g Wh",
		r.LoadedSamples, FormatHMS(r.LoadTime), r.Capacity, r.Energy)
}

// session is the mutable state of one run.
type session struct {
	seq      uint64
	loaded   bool
	setpoint float64
	halfV    float64
	vsamp    uint64
	csamp    uint64

	tstart time.Time
	tload  time.Time
	tsamp  time.Time
	tprev  time.Time
	pv, pc float64

	capacity float64
	energy   float64
	reason   Reason
}

// Controller runs a battery discharge test against a Load.
type Controller struct {
	load      Load
	cfg       DischargeConfig
	sink      SampleSink
	sched     Scheduler
	observers []Observer
	logger    io.Writer
	state     atomic.Int32
}

// NewController validates cfg and creates a controller writing to sink.
func NewController(load Load, cfg DischargeConfig, sink SampleSink) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		load:   load,
		cfg:    cfg,
		sink:   sink,
		sched:  NewScheduler(),
		logger: io.Discard,
	}, nil
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	c.logger = w
}

// SetScheduler replaces the wall clock scheduler.
func (c *Controller) SetScheduler(s Scheduler) { c.sched = s }

// AddObserver registers o for progress and reconnect events.
func (c *Controller) AddObserver(o Observer) { c.observers = append(c.observers, o) }

// State returns the current phase. Safe to call from other goroutines.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

// setup switches the output off and programs mode and setpoint.
func (c *Controller) setup(setpoint float64) error {
	if err := c.load.SetOutput(false); err != nil {
		return err
	}
	c.sched.Sleep(c.cfg.InterframeDelay)
	if err := c.load.SetMode(c.cfg.Mode); err != nil {
		return err
	}
	c.sched.Sleep(c.cfg.InterframeDelay)
	return c.load.SetModeValue(c.cfg.Mode, setpoint)
}

// Run performs the discharge test until a threshold, the time limit, an
// unrecoverable error or cancellation of ctx ends it. The load is always
// switched off before Run returns, once the loop was entered.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.setState(StateInit)
	if err := c.setup(c.cfg.Load); err != nil {
		c.setState(StateTerminated)
		return Result{Reason: ReasonError}, fmt.Errorf("setup: %w", err)
	}
	if err := c.sink.WriteHeader(); err != nil {
		c.setState(StateTerminated)
		return Result{Reason: ReasonError}, fmt.Errorf("output: %w", err)
	}
	c.sched.Sleep(c.cfg.InterframeDelay)

	s := &session{
		setpoint: c.cfg.Load,
		halfV:    c.cfg.HalfVoltage,
		vsamp:    c.cfg.DebounceSamples,
		csamp:    c.cfg.DebounceSamples,
	}
	c.setState(StatePreload)
	c.sched.Start(c.cfg.Interval)
	defer c.sched.Stop()
	s.tstart = c.sched.Now()

	var runErr error
	for !s.reason.immediate() {
		if ctx.Err() != nil {
			s.reason = ReasonUser
			break
		}
		done, err := c.step(ctx, s)
		if err == nil {
			if done {
				break
			}
			continue
		}
		if !IsRecoverable(err) {
			fmt.Fprintf(c.logger, "[ERROR] discharge: device rejected request: %v\n", err)
			s.reason = ReasonError
			runErr = err
			break
		}
		if err := c.reconnect(ctx, s, err); err != nil && !IsRecoverable(err) {
			fmt.Fprintf(c.logger, "[ERROR] discharge: reconnect failed: %v\n", err)
			s.reason = ReasonError
			runErr = err
			break
		}
		if s.reason == ReasonNone && ctx.Err() != nil {
			s.reason = ReasonUser
		}
	}

	c.shutdown()
	if err := c.sink.Close(); err != nil {
		fmt.Fprintf(c.logger, "[WARNING] discharge: closing output: %v\n", err)
	}
	c.setState(StateTerminated)
	fmt.Fprintf(c.logger, "[INFO] discharge: terminated by %s\n", s.reason)

	res := Result{
		Reason:   s.reason,
		Samples:  s.seq,
		Capacity: s.capacity,
		Energy:   s.energy,
	}
	if s.seq > c.cfg.BaselineSamples {
		res.LoadedSamples = s.seq - c.cfg.BaselineSamples
	}
	if s.loaded {
		res.LoadTime = s.tsamp.Sub(s.tload)
	}
	return res, runErr
}

// step takes one sample and evaluates the thresholds. It reports true
// when the loop must end.
func (c *Controller) step(ctx context.Context, s *session) (bool, error) {
	if s.seq == c.cfg.BaselineSamples {
		if err := c.load.SetOutput(true); err != nil {
			return false, err
		}
		s.tsamp = c.sched.Now()
		s.tload = s.tsamp
		s.loaded = true
		c.setState(StateLoaded)
		if c.cfg.MaxDuration > 0 {
			c.sched.ArmDeadline(c.cfg.MaxDuration)
		}
		c.sched.Sleep(settleDelay)
	}

	st, err := c.load.GetStatus()
	if err != nil {
		return false, err
	}
	if s.seq != c.cfg.BaselineSamples {
		s.tsamp = c.sched.Now()
	}
	s.seq++

	if c.cfg.HighCurrent >= 0 && st.Current >= c.cfg.HighCurrent {
		c.sched.Sleep(c.cfg.InterframeDelay)
		if err := c.load.SetOutput(false); err != nil {
			fmt.Fprintf(c.logger, "[ERROR] discharge: switching off on high current: %v\n", err)
		}
		fmt.Fprintf(c.logger, "[WARNING] discharge: current %g A reached high threshold, load is turned off\n", st.Current)
		s.reason = ReasonHighCurrent
	}

	smp := Sample{Seq: s.seq, Elapsed: s.tsamp.Sub(s.tstart), Voltage: st.Voltage, Current: st.Current}
	if err := c.sink.WriteSample(smp); err != nil {
		fmt.Fprintf(c.logger, "[ERROR] discharge: writing sample %d: %v\n", smp.Seq, err)
	}

	if s.seq-1 > c.cfg.BaselineSamples {
		hours := s.tsamp.Sub(s.tprev).Seconds() / 3600
		s.capacity += (st.Current + s.pc) / 2 * hours
		s.energy += (st.Current + s.pc) * (st.Voltage + s.pv) / 4 * hours
	}

	p := Progress{Sample: smp, State: c.State(), Capacity: s.capacity, Energy: s.energy}
	for _, o := range c.observers {
		o.ObserveProgress(p)
	}

	s.pv, s.pc = st.Voltage, st.Current
	s.tprev = s.tsamp

	if s.reason != ReasonNone {
		return true, nil
	}

	if s.halfV > 0 && st.Voltage <= s.halfV {
		// change the setpoint half way between two samples
		if rest := c.cfg.Interval/2 - c.sched.Now().Sub(s.tsamp); rest > 0 {
			c.sched.Sleep(rest)
		}
		half := c.cfg.Load / 2
		if err := c.load.SetModeValue(c.cfg.Mode, half); err != nil {
			return false, err
		}
		fmt.Fprintf(c.logger, "[INFO] discharge: voltage %g V reached half load threshold, load set to %g %s\n",
			st.Voltage, half, c.cfg.Mode.Unit())
		s.setpoint = half
		s.halfV = -1
		c.setState(StateHalfLoad)
	} else if st.Voltage <= c.cfg.LowVoltage {
		s.vsamp--
		if s.vsamp == 0 {
			s.reason = ReasonLowVoltage
			return true, nil
		}
	} else if s.vsamp < c.cfg.DebounceSamples {
		s.vsamp++
	}

	if s.seq > c.cfg.BaselineSamples && c.cfg.LowCurrent >= 0 {
		if st.Current <= c.cfg.LowCurrent {
			s.csamp--
			if s.csamp == 0 {
				s.reason = ReasonLowCurrent
				return true, nil
			}
		} else if s.csamp < c.cfg.DebounceSamples {
			s.csamp++
		}
	}

	switch c.sched.Wait(ctx) {
	case WakeDeadline:
		s.reason = ReasonTime
	case WakeCancel:
		s.reason = ReasonUser
	}
	return false, nil
}

// reconnect reopens the link and repeats the setup until it succeeds, a
// termination is pending or the device rejects the setup.
func (c *Controller) reconnect(ctx context.Context, s *session, cause error) error {
	fmt.Fprintf(c.logger, "[ERROR] discharge: communicating device: %v, trying to reconnect\n", cause)
	for attempt := 1; ; attempt++ {
		c.sched.Sleep(retryDelay)
		err := c.load.Reopen()
		if err == nil {
			err = c.setup(s.setpoint)
		}
		if err == nil && s.loaded {
			err = c.load.SetOutput(true)
		}
		for _, o := range c.observers {
			o.ObserveReconnect(attempt, err)
		}
		if err == nil {
			fmt.Fprintf(c.logger, "[INFO] discharge: reconnected after %d attempts\n", attempt)
			return nil
		}
		fmt.Fprintf(c.logger, "[DEBUG] discharge: reconnect attempt %d: %v\n", attempt, err)
		if s.reason != ReasonNone || ctx.Err() != nil || !IsRecoverable(err) {
			return err
		}
	}
}

// shutdown switches the output off, retrying until the device confirms.
func (c *Controller) shutdown() {
	c.setState(StateTerminating)
	c.sched.Sleep(c.cfg.InterframeDelay)
	for {
		err := c.load.SetOutput(false)
		if err == nil {
			return
		}
		fmt.Fprintf(c.logger, "[ERROR] discharge: switching the load off: %v\n", err)
		c.sched.Sleep(retryDelay)
		if err := c.load.Reopen(); err != nil {
			fmt.Fprintf(c.logger, "[DEBUG] discharge: reopen: %v\n", err)
		}
	}
}
