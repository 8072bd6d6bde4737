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
	"strings"
	"time"
)

type dialer func(address string, timeout time.Duration) (net.Conn, error)

type resolver func(ctx context.Context, host string) ([]string, error)

func dialTCP(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// SplitSocketAddress splits host[:port], [v6][:port] or a bare IPv6
// literal. The port defaults to DefaultSocketPort.
func SplitSocketAddress(address string) (host, port string, err error) {
	address = strings.TrimSpace(address)
	switch {
	case strings.HasPrefix(address, "["):
		end := strings.IndexByte(address, ']')
		if end < 0 {
			return "", "", fmt.Errorf("%w: missing ']' in %q", ErrInvalidConfig, address)
		}
		host = address[1:end]
		rest := address[end+1:]
		switch {
		case rest == "":
			port = DefaultSocketPort
		case strings.HasPrefix(rest, ":"):
			port = rest[1:]
		default:
			return "", "", fmt.Errorf("%w: unexpected %q after IPv6 address", ErrInvalidConfig, rest)
		}
	case strings.Count(address, ":") > 1:
		host, port = address, DefaultSocketPort
	case strings.Contains(address, ":"):
		i := strings.IndexByte(address, ':')
		host, port = address[:i], address[i+1:]
	default:
		host, port = address, DefaultSocketPort
	}
	if port == "" {
		port = DefaultSocketPort
	}
	if host == "" {
		return "", "", fmt.Errorf("%w: empty host in %q", ErrInvalidConfig, address)
	}
	return host, port, nil
}

func (l *Link) openSocket(address string) (linkHandle, error) {
	host, port, err := SplitSocketAddress(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	addrs, err := l.lookup(ctx, host)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := l.dial(net.JoinHostPort(a, port), connectTimeout)
		if err != nil {
			fmt.Fprintf(l.logger, "[DEBUG] link: connect to %s failed: %v\n", net.JoinHostPort(a, port), err)
			lastErr = err
			continue
		}
		return &socketHandle{conn: conn}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses")
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", address, lastErr)
}

type socketHandle struct {
	conn net.Conn
}

func (h *socketHandle) write(p []byte, timeout time.Duration) (int, error) {
	_ = h.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer h.conn.SetWriteDeadline(time.Time{})
	n, err := h.conn.Write(p)
	return n, socketError(err)
}

func (h *socketHandle) read(p []byte, timeout time.Duration) (int, error) {
	_ = h.conn.SetReadDeadline(time.Now().Add(timeout))
	defer h.conn.SetReadDeadline(time.Time{})
	n, err := h.conn.Read(p)
	if n > 0 {
		return n, nil
	}
	return n, socketError(err)
}

func (h *socketHandle) flush(Queue) {}

func (h *socketHandle) close() error {
	return h.conn.Close()
}

func socketError(err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err):
		return ErrTimedOut
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	default:
		return err
	}
}
