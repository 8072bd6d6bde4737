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
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// LinkKind selects the physical transport of a Link.
type LinkKind int

const (
	LinkNone LinkKind = iota
	LinkSerial
	LinkSocket
)

func (k LinkKind) String() string {
	switch k {
	case LinkSerial:
		return "serial"
	case LinkSocket:
		return "socket"
	default:
		return "none"
	}
}

// Queue selects which direction Flush discards.
type Queue int

const (
	QueueIn Queue = 1 << iota
	QueueOut
	QueueBoth = QueueIn | QueueOut
)

// TimeoutSel selects which timeout SetTimeout changes.
type TimeoutSel int

const (
	TimeoutSend TimeoutSel = 1 << iota
	TimeoutRecv
	TimeoutBoth = TimeoutSend | TimeoutRecv
)

const (
	DefaultSendTimeout  = 2 * time.Second
	DefaultRecvTimeout  = 500 * time.Millisecond
	DefaultSocketPort   = "8899"
	DefaultSerialConfig = "19200,8,N,1"

	connectTimeout = 5 * time.Second
)

// linkHandle is an open connection owned by a Link.
type linkHandle interface {
	write(p []byte, timeout time.Duration) (int, error)
	read(p []byte, timeout time.Duration) (int, error)
	flush(q Queue)
	close() error
}

// Link owns a single serial or socket connection to the load. Reopen
// always reconnects with the parameters of the last successful Open.
type Link struct {
	mu          sync.Mutex
	kind        LinkKind
	address     string
	config      string
	h           linkHandle
	sendTimeout time.Duration
	recvTimeout time.Duration
	logger      io.Writer

	openPort portOpener
	dial     dialer
	lookup   resolver
}

// NewLink creates a closed Link with default timeouts.
func NewLink() *Link {
	return &Link{
		sendTimeout: DefaultSendTimeout,
		recvTimeout: DefaultRecvTimeout,
		logger:      io.Discard,
		openPort:    openSerialPort,
		dial:        dialTCP,
		lookup:      net.DefaultResolver.LookupHost,
	}
}

// SetLogger sets the logger for the link.
func (l *Link) SetLogger(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	l.mu.Lock()
	l.logger = w
	l.mu.Unlock()
}

// Open connects to address. For LinkSerial, config is
// "baud,bits,parity,stopbits"; it is ignored for LinkSocket.
func (l *Link) Open(kind LinkKind, address, config string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open(kind, address, config)
}

func (l *Link) open(kind LinkKind, address, config string) error {
	if l.h != nil {
		l.h.close()
		l.h = nil
	}
	var (
		h   linkHandle
		err error
	)
	switch kind {
	case LinkSerial:
		h, err = l.openSerial(address, config)
	case LinkSocket:
		h, err = l.openSocket(address)
	default:
		return fmt.Errorf("%w: unknown link kind %d", ErrInvalidConfig, kind)
	}
	if err != nil {
		return err
	}
	l.h = h
	l.kind = kind
	l.address = address
	l.config = config
	fmt.Fprintf(l.logger, "[DEBUG] link: %s %s open\n", kind, address)
	return nil
}

// Reopen closes the current handle and opens a new one with the last
// used kind, address and config.
func (l *Link) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.kind == LinkNone {
		return ErrNotConnected
	}
	return l.open(l.kind, l.address, l.config)
}

// Close closes the connection. The parameters are kept for Reopen.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == nil {
		return nil
	}
	err := l.h.close()
	l.h = nil
	return err
}

// IsOpen reports whether the link holds a live handle.
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h != nil
}

func (l *Link) Kind() LinkKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kind
}

func (l *Link) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address
}

func (l *Link) Config() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// SetTimeout changes the send and/or receive timeout.
func (l *Link) SetTimeout(d time.Duration, which TimeoutSel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if which&TimeoutSend != 0 {
		l.sendTimeout = d
	}
	if which&TimeoutRecv != 0 {
		l.recvTimeout = d
	}
}

// Timeout returns the send or receive timeout.
func (l *Link) Timeout(which TimeoutSel) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if which&TimeoutSend != 0 {
		return l.sendTimeout
	}
	return l.recvTimeout
}

func (l *Link) handle() (linkHandle, time.Duration, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h, l.sendTimeout, l.recvTimeout
}

// Send writes p within the send timeout.
func (l *Link) Send(p []byte) (int, error) {
	h, st, _ := l.handle()
	if h == nil {
		return 0, ErrNotConnected
	}
	return h.write(p, st)
}

// Recv reads whatever arrives within the receive timeout.
func (l *Link) Recv(p []byte) (int, error) {
	h, _, rt := l.handle()
	if h == nil {
		return 0, ErrNotConnected
	}
	return h.read(p, rt)
}

// RecvTimeout is Recv with an explicit bound.
func (l *Link) RecvTimeout(p []byte, timeout time.Duration) (int, error) {
	h, _, _ := l.handle()
	if h == nil {
		return 0, ErrNotConnected
	}
	return h.read(p, timeout)
}

// Flush discards queued data. It is a no-op for sockets.
func (l *Link) Flush(q Queue) error {
	h, _, _ := l.handle()
	if h == nil {
		return ErrNotConnected
	}
	h.flush(q)
	return nil
}
