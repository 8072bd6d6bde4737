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
	"errors"
	"fmt"
)

// Transport errors.
var (
	ErrNotConnected = errors.New("kp184: not connected")
	ErrTimedOut     = errors.New("kp184: timed out")
)

// Protocol errors. A frame that fails any of these checks means the link
// is unusable and should be re-established.
var (
	ErrShortResponse    = errors.New("kp184: short or incomplete response")
	ErrCRCMismatch      = errors.New("kp184: CRC mismatch")
	ErrAddressMismatch  = errors.New("kp184: response address mismatch")
	ErrUnexpectedOpcode = errors.New("kp184: unexpected response opcode")
	ErrResponseTooLarge = errors.New("kp184: response too large for buffer")
	ErrEchoMismatch     = errors.New("kp184: write echo mismatch")
)

// Configuration errors. Never retried.
var (
	ErrInvalidArgument = errors.New("kp184: invalid argument")
	ErrInvalidConfig   = errors.New("kp184: invalid configuration")
)

// ExceptionError is a request the device actively rejected with an
// exception response.
type ExceptionError struct {
	Opcode uint8 // request opcode, without the 0x80 flag
	Code   uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("kp184: device exception on opcode 0x%02X: code 0x%02X - %s",
		e.Opcode, e.Code, exceptionMessage(e.Code))
}

// exceptionMessage returns a human-readable message for an exception code.
func exceptionMessage(code uint8) string {
	switch code {
	case 0x01:
		return "Illegal function"
	case 0x02:
		return "Illegal data address"
	case 0x03:
		return "Illegal data value"
	case 0x04:
		return "Slave device failure"
	case 0x05:
		return "Acknowledge"
	case 0x06:
		return "Slave device busy"
	default:
		return "Unknown exception code"
	}
}

// IsRecoverable reports whether err is a transport or protocol failure
// that a reconnect may cure. Device exceptions and configuration errors
// are not recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return false
	}
	if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrInvalidConfig) {
		return false
	}
	return true
}
