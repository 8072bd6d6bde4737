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
	"bytes"
	"fmt"
	"io"
	"math"
	"sync"
)

// KP184 register map.
const (
	RegOnOff = 0x010E
	RegMode  = 0x0110
	RegSetCV = 0x0112
	RegSetCC = 0x0116
	RegSetCR = 0x011A
	RegSetCP = 0x011E
	RegMeasU = 0x0122
	RegMeasI = 0x0126
	RegStat  = 0x0300
)

const (
	statusCacheLen    = 18
	statusHeaderLen   = 3 // address, opcode, byte count
	statusMinResponse = 11
)

// Status is one decoded status block.
type Status struct {
	On      bool
	Mode    Mode
	Voltage float64 // V
	Current float64 // A
}

// Power returns the measured power in W.
func (s Status) Power() float64 { return s.Voltage * s.Current }

func (s Status) String() string {
	state := "OFF"
	if s.On {
		state = "ON"
	}
	return fmt.Sprintf("%s %s %gV %gA", state, s.Mode, s.Voltage, s.Current)
}

// KP184 drives a KP184 electronic load. The device answers writes with a
// 4 byte preset frame and reports everything through a status block at
// RegStat instead of standard register reads.
type KP184 struct {
	rtu    *Framer
	logger io.Writer

	mu       sync.Mutex
	cache    [statusCacheLen]byte
	cacheLen int
}

// NewKP184 creates a device model on top of t.
func NewKP184(t Transport, cfg ProtocolConfig) (*KP184, error) {
	rtu, err := NewFramer(t, cfg)
	if err != nil {
		return nil, err
	}
	return &KP184{rtu: rtu, logger: io.Discard}, nil
}

// SetLogger sets the logger for the device and its framer.
func (d *KP184) SetLogger(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	d.logger = w
	d.rtu.SetLogger(w)
}

// Framer exposes the underlying framer for raw register access.
func (d *KP184) Framer() *Framer { return d.rtu }

func (d *KP184) Address() uint8 { return d.rtu.Address() }

// SetAddress changes the device address within the protocol range.
func (d *KP184) SetAddress(addr int) error { return d.rtu.SetAddress(addr) }

// Reopen re-establishes the connection.
func (d *KP184) Reopen() error { return d.rtu.Reopen() }

func (d *KP184) Close() error { return d.rtu.Close() }

// readStatus fetches the status block into the cache. The block length is
// whatever the device sent.
func (d *KP184) readStatus() error {
	resp, err := d.rtu.Exchange(d.rtu.Header(OpReadRegisters, RegStat, 0))
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return ErrShortResponse
	}
	if err := d.rtu.checkReply(resp, OpReadRegisters); err != nil {
		return err
	}
	if len(resp) < statusMinResponse {
		return fmt.Errorf("%w: status block of %d bytes", ErrShortResponse, len(resp))
	}
	n := len(resp) - statusHeaderLen
	if n > statusCacheLen {
		return fmt.Errorf("%w: status block of %d bytes", ErrResponseTooLarge, n)
	}

	d.mu.Lock()
	copy(d.cache[:], resp[statusHeaderLen:])
	d.cacheLen = n
	d.mu.Unlock()
	return nil
}

func (d *KP184) status(fromCache bool) (Status, error) {
	d.mu.Lock()
	cached := d.cacheLen > 0
	d.mu.Unlock()
	if !fromCache || !cached {
		if err := d.readStatus(); err != nil {
			return Status{}, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.cache[:]
	return Status{
		On:      b[0]&0x01 != 0,
		Mode:    Mode((b[0] >> 1) & 0x03),
		Voltage: float64(be24(b[2:5])) / 1000,
		Current: float64(be24(b[5:8])) / 1000,
	}, nil
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// GetStatus reads and decodes the status block.
func (d *KP184) GetStatus() (Status, error) { return d.status(false) }

// Output reports whether the load input is switched on.
func (d *KP184) Output(fromCache bool) (bool, error) {
	s, err := d.status(fromCache)
	return s.On, err
}

func (d *KP184) Mode(fromCache bool) (Mode, error) {
	s, err := d.status(fromCache)
	return s.Mode, err
}

// Voltage returns the measured voltage in V.
func (d *KP184) Voltage(fromCache bool) (float64, error) {
	s, err := d.status(fromCache)
	return s.Voltage, err
}

// Current returns the measured current in A.
func (d *KP184) Current(fromCache bool) (float64, error) {
	s, err := d.status(fromCache)
	return s.Current, err
}

// Power returns the measured power in W.
func (d *KP184) Power(fromCache bool) (float64, error) {
	s, err := d.status(fromCache)
	return s.Power(), err
}

// presetRegister writes a 32 bit value with the device's own frame:
// addr 06 reg(2) 00 01 04 value(4) crc(2), echoed back as a 7 byte payload.
func (d *KP184) presetRegister(reg uint16, value uint32) error {
	req := append(d.rtu.Header(OpWriteRegister, reg, 1),
		4, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
	resp, err := d.rtu.Exchange(req)
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return ErrShortResponse
	}
	if err := d.rtu.checkReply(resp, OpWriteRegister); err != nil {
		return err
	}
	if len(resp) != 7 {
		return fmt.Errorf("%w: preset reply of %d bytes", ErrShortResponse, len(resp))
	}
	if !bytes.Equal(resp[2:6], req[2:6]) {
		return ErrEchoMismatch
	}
	return nil
}

// SetOutput switches the load input on or off.
func (d *KP184) SetOutput(on bool) error {
	var v uint32
	if on {
		v = 1
	}
	fmt.Fprintf(d.logger, "[DEBUG] kp184: output %v\n", on)
	return d.presetRegister(RegOnOff, v)
}

// SetMode selects the regulation mode.
func (d *KP184) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: mode %d", ErrInvalidArgument, m)
	}
	fmt.Fprintf(d.logger, "[DEBUG] kp184: mode %s\n", m)
	return d.presetRegister(RegMode, uint32(m))
}

// EncodeSetpoint validates v against the mode range and returns the wire
// value.
func EncodeSetpoint(m Mode, v float64) (uint32, error) {
	if !m.Valid() {
		return 0, fmt.Errorf("%w: mode %d", ErrInvalidArgument, m)
	}
	mi := modeTable[m]
	if math.IsNaN(v) || v < mi.min || v > mi.max {
		return 0, fmt.Errorf("%w: %s %g%s outside %g..%g", ErrInvalidArgument, mi.name, v, mi.unit, mi.min, mi.max)
	}
	return uint32(math.Round(v * mi.scale)), nil
}

// SetModeValue sets the setpoint of mode m.
func (d *KP184) SetModeValue(m Mode, v float64) error {
	raw, err := EncodeSetpoint(m, v)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.logger, "[DEBUG] kp184: %s setpoint %g%s\n", m, v, m.Unit())
	return d.presetRegister(modeTable[m].reg, raw)
}

// SetVoltage sets the CV setpoint in V.
func (d *KP184) SetVoltage(v float64) error { return d.SetModeValue(ModeCV, v) }

// SetCurrent sets the CC setpoint in A.
func (d *KP184) SetCurrent(v float64) error { return d.SetModeValue(ModeCC, v) }

// SetResistance sets the CR setpoint in Ohm.
func (d *KP184) SetResistance(v float64) error { return d.SetModeValue(ModeCR, v) }

// SetPower sets the CP setpoint in W.
func (d *KP184) SetPower(v float64) error { return d.SetModeValue(ModeCP, v) }
