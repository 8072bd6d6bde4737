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
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	serial "github.com/hootrhino/goserial"
)

// serialPollInterval bounds each blocking read of the reader goroutine so
// that it notices Close.
const serialPollInterval = 100 * time.Millisecond

var supportedBaudRates = map[int]bool{
	50: true, 75: true, 110: true, 134: true, 150: true, 200: true,
	300: true, 600: true, 1200: true, 1800: true, 2400: true, 4800: true,
	9600: true, 19200: true, 38400: true, 57600: true, 115200: true,
	230400: true, 460800: true, 500000: true, 576000: true, 921600: true,
	1000000: true, 1152000: true, 1500000: true, 2000000: true,
	2500000: true, 3000000: true, 3500000: true, 4000000: true,
}

type portOpener func(cfg *serial.Config) (io.ReadWriteCloser, error)

func openSerialPort(cfg *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(cfg)
}

// SerialParams is a parsed "baud,bits,parity,stopbits" string.
type SerialParams struct {
	BaudRate int
	DataBits int
	Parity   string // N, E or O
	StopBits int
}

// ParseSerialConfig parses a "baud,bits,parity,stopbits" string. Missing
// trailing fields default to 8,N,1 and an empty string means
// DefaultSerialConfig. The second return value is true when extra fields
// were ignored.
func ParseSerialConfig(config string) (SerialParams, bool, error) {
	p := SerialParams{BaudRate: 19200, DataBits: 8, Parity: "N", StopBits: 1}
	config = strings.TrimSpace(config)
	if config == "" {
		return p, false, nil
	}
	fields := strings.Split(config, ",")
	excess := len(fields) > 4
	if excess {
		fields = fields[:4]
	}
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			return p, excess, fmt.Errorf("%w: empty field %d in %q", ErrInvalidConfig, i+1, config)
		}
		switch i {
		case 0:
			baud, err := strconv.Atoi(f)
			if err != nil || !supportedBaudRates[baud] {
				return p, excess, fmt.Errorf("%w: invalid baud rate %q", ErrInvalidConfig, f)
			}
			p.BaudRate = baud
		case 1:
			bits, err := strconv.Atoi(f)
			if err != nil || bits < 5 || bits > 8 {
				return p, excess, fmt.Errorf("%w: invalid character size %q", ErrInvalidConfig, f)
			}
			p.DataBits = bits
		case 2:
			switch strings.ToUpper(f) {
			case "N", "E", "O":
				p.Parity = strings.ToUpper(f)
			default:
				return p, excess, fmt.Errorf("%w: invalid parity %q", ErrInvalidConfig, f)
			}
		case 3:
			stop, err := strconv.Atoi(f)
			if err != nil || (stop != 1 && stop != 2) {
				return p, excess, fmt.Errorf("%w: invalid stop bits %q", ErrInvalidConfig, f)
			}
			p.StopBits = stop
		}
	}
	return p, excess, nil
}

func (p SerialParams) String() string {
	return fmt.Sprintf("%d,%d,%s,%d", p.BaudRate, p.DataBits, p.Parity, p.StopBits)
}

func (l *Link) openSerial(address, config string) (linkHandle, error) {
	params, excess, err := ParseSerialConfig(config)
	if err != nil {
		return nil, err
	}
	if excess {
		fmt.Fprintf(l.logger, "[WARNING] link: excessive port configuration string %q\n", config)
	}
	port, err := l.openPort(&serial.Config{
		Address:  address,
		BaudRate: params.BaudRate,
		DataBits: params.DataBits,
		StopBits: params.StopBits,
		Parity:   params.Parity,
		Timeout:  serialPollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", address, err)
	}
	return newSerialHandle(port), nil
}

// serialHandle funnels all port reads through one goroutine so a read that
// outlives its deadline never swallows bytes meant for the next caller.
type serialHandle struct {
	port    io.ReadWriteCloser
	data    chan []byte
	done    chan struct{}
	pending []byte

	// wmu is held by the writer goroutine, which may outlive a timed out
	// write.
	wmu sync.Mutex

	mu      sync.Mutex
	readErr error
	once    sync.Once
}

func newSerialHandle(port io.ReadWriteCloser) *serialHandle {
	h := &serialHandle{
		port: port,
		data: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go h.pump()
	return h
}

func (h *serialHandle) pump() {
	defer close(h.data)
	buf := make([]byte, 256)
	for {
		n, err := h.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case h.data <- chunk:
			case <-h.done:
				return
			}
		}
		if err != nil {
			if isTimeout(err) {
				select {
				case <-h.done:
					return
				default:
					continue
				}
			}
			h.mu.Lock()
			h.readErr = err
			h.mu.Unlock()
			return
		}
	}
}

func (h *serialHandle) failure() error {
	select {
	case <-h.done:
		return ErrNotConnected
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readErr == nil || errors.Is(h.readErr, io.EOF) {
		return ErrNotConnected
	}
	return fmt.Errorf("serial read failed: %w", h.readErr)
}

func (h *serialHandle) read(p []byte, timeout time.Duration) (int, error) {
	if len(h.pending) > 0 {
		n := copy(p, h.pending)
		h.pending = h.pending[n:]
		return n, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk, ok := <-h.data:
		if !ok {
			return 0, h.failure()
		}
		n := copy(p, chunk)
		h.pending = chunk[n:]
		return n, nil
	case <-timer.C:
		return 0, ErrTimedOut
	case <-h.done:
		return 0, ErrNotConnected
	}
}

func (h *serialHandle) write(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		h.wmu.Lock()
		defer h.wmu.Unlock()
		written := 0
		for written < len(p) {
			n, err := h.port.Write(p[written:])
			written += n
			if err != nil {
				done <- result{written, fmt.Errorf("write failed after %d bytes: %w", written, err)}
				return
			}
		}
		done <- result{written, nil}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ErrTimedOut
	}
}

func (h *serialHandle) flush(q Queue) {
	if q&QueueIn == 0 {
		return
	}
	h.pending = nil
	for {
		select {
		case _, ok := <-h.data:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (h *serialHandle) close() error {
	var err error
	h.once.Do(func() {
		close(h.done)
		err = h.port.Close()
	})
	return err
}

// isTimeout recognises read timeouts from both net and serial ports.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, serial.ErrTimeout) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded)
}
