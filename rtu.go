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
	"sync"
	"time"
)

// Opcodes used by the framer.
const (
	OpReadRegisters = 0x03
	OpWriteRegister = 0x06

	exceptionFlag = 0x80
)

// Transport is what the Framer needs from the layer below. *Link
// implements it.
type Transport interface {
	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)
	Flush(q Queue) error
	Reopen() error
	Close() error
}

// boundedReceiver is implemented by transports that accept a per-call
// read bound. The framer uses it to collect the tail of a frame.
type boundedReceiver interface {
	RecvTimeout(p []byte, timeout time.Duration) (int, error)
}

// ProtocolConfig holds the per-device protocol constants.
type ProtocolConfig struct {
	MaxFrameLen      int
	DefaultAddress   uint8
	MinAddress       uint8
	MaxAddress       uint8
	TurnaroundDelay  time.Duration // between transmits, and between send and receive
	InterCharTimeout time.Duration // silence that ends a received frame
}

// DefaultProtocolConfig returns generic RTU limits.
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		MaxFrameLen:      260,
		DefaultAddress:   1,
		MinAddress:       1,
		MaxAddress:       247,
		TurnaroundDelay:  10 * time.Millisecond,
		InterCharTimeout: 20 * time.Millisecond,
	}
}

// KP184ProtocolConfig returns the limits of the KP184 load.
func KP184ProtocolConfig() ProtocolConfig {
	cfg := DefaultProtocolConfig()
	cfg.MaxFrameLen = 24
	cfg.MaxAddress = 250
	return cfg
}

// Validate checks the config for consistency.
func (c ProtocolConfig) Validate() error {
	if c.MaxFrameLen < 8 {
		return fmt.Errorf("%w: max frame length %d is below the smallest frame", ErrInvalidConfig, c.MaxFrameLen)
	}
	if c.MinAddress > c.MaxAddress {
		return fmt.Errorf("%w: address range %d..%d is empty", ErrInvalidConfig, c.MinAddress, c.MaxAddress)
	}
	if c.DefaultAddress < c.MinAddress || c.DefaultAddress > c.MaxAddress {
		return fmt.Errorf("%w: default address %d outside %d..%d", ErrInvalidConfig, c.DefaultAddress, c.MinAddress, c.MaxAddress)
	}
	return nil
}

// Framer builds, sends and validates RTU frames over a Transport.
type Framer struct {
	mu     sync.Mutex
	t      Transport
	cfg    ProtocolConfig
	addr   uint8
	lastTx time.Time
	logger io.Writer
}

// NewFramer creates a framer talking to the device at cfg.DefaultAddress.
func NewFramer(t Transport, cfg ProtocolConfig) (*Framer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Framer{
		t:      t,
		cfg:    cfg,
		addr:   cfg.DefaultAddress,
		logger: io.Discard,
	}, nil
}

// SetLogger sets the logger for the framer.
func (f *Framer) SetLogger(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	f.logger = w
}

func (f *Framer) Config() ProtocolConfig { return f.cfg }

// Address returns the device address used in requests.
func (f *Framer) Address() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

// SetAddress changes the device address. Out of range values are
// rejected and the current address is kept.
func (f *Framer) SetAddress(addr int) error {
	if addr < int(f.cfg.MinAddress) || addr > int(f.cfg.MaxAddress) {
		return fmt.Errorf("%w: address %d outside %d..%d", ErrInvalidArgument, addr, f.cfg.MinAddress, f.cfg.MaxAddress)
	}
	f.mu.Lock()
	f.addr = uint8(addr)
	f.mu.Unlock()
	return nil
}

// Header returns the 6 byte request head: address, opcode, register and
// value or count, both big endian.
func (f *Framer) Header(op uint8, reg, value uint16) []byte {
	return []byte{f.Address(), op, byte(reg >> 8), byte(reg), byte(value >> 8), byte(value)}
}

// Reopen re-establishes the underlying transport.
func (f *Framer) Reopen() error { return f.t.Reopen() }

// Close closes the underlying transport.
func (f *Framer) Close() error { return f.t.Close() }

// Exchange sends req with its CRC appended and returns the CRC-checked
// response payload.
func (f *Framer) Exchange(req []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if wait := f.cfg.TurnaroundDelay - time.Since(f.lastTx); wait > 0 {
		time.Sleep(wait)
	}

	frame := AppendCRC(append(make([]byte, 0, len(req)+2), req...))
	if err := f.t.Flush(QueueIn); err != nil {
		return nil, err
	}
	fmt.Fprintf(f.logger, "[DEBUG] rtu: TX % X\n", frame)
	n, err := f.t.Send(frame)
	f.lastTx = time.Now()
	if err != nil {
		return nil, err
	}
	if n != len(frame) {
		return nil, fmt.Errorf("kp184: partial write, %d of %d bytes", n, len(frame))
	}

	time.Sleep(f.cfg.TurnaroundDelay)

	buf := make([]byte, f.cfg.MaxFrameLen+1)
	n, err = f.receive(buf)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f.logger, "[DEBUG] rtu: RX % X\n", buf[:n])
	if n > f.cfg.MaxFrameLen {
		return nil, ErrResponseTooLarge
	}
	plen, err := CheckCRC(buf[:n])
	if err != nil {
		return nil, err
	}
	return buf[:plen], nil
}

func (f *Framer) receive(buf []byte) (int, error) {
	n, err := f.t.Recv(buf)
	if err != nil {
		return 0, err
	}
	br, ok := f.t.(boundedReceiver)
	if !ok {
		return n, nil
	}
	for n < len(buf) {
		m, err := br.RecvTimeout(buf[n:], f.cfg.InterCharTimeout)
		if err != nil || m == 0 {
			break
		}
		n += m
	}
	return n, nil
}

// ReadRegisters reads count holding registers starting at first and
// returns the data bytes.
func (f *Framer) ReadRegisters(first, count uint16) ([]byte, error) {
	resp, err := f.Exchange(f.Header(OpReadRegisters, first, count))
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, ErrShortResponse
	}
	if err := f.checkReply(resp, OpReadRegisters); err != nil {
		return nil, err
	}
	if int(resp[2])+3 != len(resp) {
		return nil, fmt.Errorf("%w: byte count %d, got %d data bytes", ErrShortResponse, resp[2], len(resp)-3)
	}
	return resp[3:], nil
}

// WriteRegister writes a single register and validates the echo.
func (f *Framer) WriteRegister(reg, value uint16) error {
	req := f.Header(OpWriteRegister, reg, value)
	resp, err := f.Exchange(req)
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return ErrShortResponse
	}
	if err := f.checkReply(resp, OpWriteRegister); err != nil {
		return err
	}
	if len(resp) != 6 {
		return ErrShortResponse
	}
	if !bytes.Equal(resp[2:6], req[2:6]) {
		return ErrEchoMismatch
	}
	return nil
}

// checkReply validates the address and opcode of a response payload that
// is at least 3 bytes long.
func (f *Framer) checkReply(resp []byte, op uint8) error {
	if resp[0] != f.Address() {
		return fmt.Errorf("%w: got %d, want %d", ErrAddressMismatch, resp[0], f.Address())
	}
	if resp[1] == op|exceptionFlag {
		exc := &ExceptionError{Opcode: op, Code: resp[2]}
		fmt.Fprintf(f.logger, "[WARNING] rtu: %v\n", exc)
		return exc
	}
	if resp[1] != op {
		return fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrUnexpectedOpcode, resp[1], op)
	}
	return nil
}
