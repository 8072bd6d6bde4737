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
	"strings"
	"testing"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelDebug, "TEST")

	fmt.Fprintf(logger, "[DEBUG] rtu: TX %s\n", "01 03")
	logger.Write([]byte("INFO: This is an info message"))
	logger.Write([]byte("WARNING: This is a warning message"))
	logger.Write([]byte("ERROR: This is an error message"))
	logger.Write([]byte("This is a default info message")) // No prefix

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d: %q", len(lines), buf.String())
	}
	wants := []string{
		"[DEBUG] <TEST> rtu: TX 01 03",
		"[INFO] <TEST> This is an info message",
		"[WARNING] <TEST> This is a warning message",
		"[ERROR] <TEST> This is an error message",
		"[INFO] <TEST> This is a default info message",
	}
	for i, want := range wants {
		if !strings.HasSuffix(lines[i], want) {
			t.Errorf("line %d = %q, want suffix %q", i, lines[i], want)
		}
	}

	buf.Reset()
	logger.SetLevel(LevelWarning)
	logger.Write([]byte("DEBUG: This debug message will be filtered"))
	logger.Write([]byte("[INFO] filtered too"))
	n, err := logger.Write([]byte("WARN: This warning message will be shown"))
	if err != nil || n != len("WARN: This warning message will be shown") {
		t.Errorf("Write() = %d, %v", n, err)
	}
	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Errorf("expected 1 line after raising the level, got %q", buf.String())
	}

	buf.Reset()
	logger.SetLevel(LevelNone)
	logger.Write([]byte("ERROR: nothing is logged"))
	if buf.Len() != 0 {
		t.Errorf("LevelNone logged %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warning", LevelWarning},
		{"error", LevelError},
		{"none", LevelNone},
	} {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLogLevel("INVALID"); err == nil {
		t.Error("ParseLogLevel(INVALID) accepted")
	}
	if LogLevel(9).String() != "LogLevel(9)" {
		t.Errorf("LogLevel(9).String() = %q", LogLevel(9).String())
	}
}
