package kp184

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

// fakeLoad decodes KP184 frames and answers like the device.
type fakeLoad struct {
	on      bool
	mode    Mode
	mV, mA  uint32
	dataLen int
	regs    map[uint16]uint32

	badEcho   bool
	exception uint8
}

func newFakeLoad() (*fakeLoad, *fakeTransport) {
	fl := &fakeLoad{mode: ModeCC, mV: 12345, mA: 1500, dataLen: 15, regs: map[uint16]uint32{}}
	return fl, &fakeTransport{respond: fl.respond}
}

func (fl *fakeLoad) respond(req []byte) []byte {
	if _, err := CheckCRC(req); err != nil {
		return nil
	}
	addr, op := req[0], req[1]
	reg := uint16(req[2])<<8 | uint16(req[3])
	if fl.exception != 0 {
		return frame(addr, op|exceptionFlag, fl.exception)
	}
	switch op {
	case OpReadRegisters:
		data := make([]byte, max(fl.dataLen, 8))
		if fl.on {
			data[0] = 1
		}
		data[0] |= byte(fl.mode) << 1
		putBE24(data[2:5], fl.mV)
		putBE24(data[5:8], fl.mA)
		data = data[:fl.dataLen]
		return frame(append([]byte{addr, op, byte(fl.dataLen)}, data...)...)
	case OpWriteRegister:
		value := uint32(req[7])<<24 | uint32(req[8])<<16 | uint32(req[9])<<8 | uint32(req[10])
		fl.regs[reg] = value
		switch reg {
		case RegOnOff:
			fl.on = value != 0
		case RegMode:
			fl.mode = Mode(value)
		}
		echo := append([]byte(nil), req[:7]...)
		if fl.badEcho {
			echo[5] ^= 0xFF
		}
		return frame(echo...)
	}
	return nil
}

func putBE24(b []byte, v uint32) {
	b[0], b[1], b[2] = byte(v>>16), byte(v>>8), byte(v)
}

func newTestKP184(t *testing.T, tr Transport) *KP184 {
	t.Helper()
	d, err := NewKP184(tr, fastConfig(KP184ProtocolConfig()))
	if err != nil {
		t.Fatalf("NewKP184 failed: %v", err)
	}
	return d
}

func TestKP184_GetStatus(t *testing.T) {
	fl, tr := newFakeLoad()
	fl.on = true
	d := newTestKP184(t, tr)

	st, err := d.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	want := Status{On: true, Mode: ModeCC, Voltage: 12.345, Current: 1.5}
	if st != want {
		t.Errorf("GetStatus() = %v, want %v", st, want)
	}
	if p := st.Power(); math.Abs(p-18.5175) > 1e-9 {
		t.Errorf("Power() = %g, want 18.5175", p)
	}
	if want := frame(0x01, 0x03, 0x03, 0x00, 0x00, 0x00); !bytes.Equal(tr.frames()[0], want) {
		t.Errorf("status request = % X, want % X", tr.frames()[0], want)
	}
}

func TestKP184_StatusModes(t *testing.T) {
	for _, m := range []Mode{ModeCV, ModeCC, ModeCR, ModeCP} {
		fl, tr := newFakeLoad()
		fl.mode = m
		d := newTestKP184(t, tr)
		got, err := d.Mode(false)
		if err != nil || got != m {
			t.Errorf("Mode() = %v, %v; want %v", got, err, m)
		}
		on, err := d.Output(true)
		if err != nil || on {
			t.Errorf("Output() = %v, %v; want false", on, err)
		}
	}
}

func TestKP184_FromCache(t *testing.T) {
	fl, tr := newFakeLoad()
	d := newTestKP184(t, tr)

	// empty cache forces a read
	if v, err := d.Voltage(true); err != nil || v != 12.345 {
		t.Fatalf("Voltage(true) = %g, %v", v, err)
	}
	if n := len(tr.frames()); n != 1 {
		t.Fatalf("sent %d frames, want 1", n)
	}

	fl.mA = 2000
	if c, err := d.Current(true); err != nil || c != 1.5 {
		t.Errorf("Current(true) = %g, %v; want cached 1.5", c, err)
	}
	if n := len(tr.frames()); n != 1 {
		t.Errorf("cached read sent a frame")
	}
	if c, err := d.Current(false); err != nil || c != 2.0 {
		t.Errorf("Current(false) = %g, %v; want 2", c, err)
	}
	if p, err := d.Power(true); err != nil || math.Abs(p-24.69) > 1e-9 {
		t.Errorf("Power(true) = %g, %v; want 24.69", p, err)
	}
}

func TestKP184_StatusLength(t *testing.T) {
	tests := []struct {
		name    string
		dataLen int
		want    error
	}{
		{"minimal", 8, nil},
		{"full cache", 18, nil},
		{"short", 7, ErrShortResponse},
		{"overflow", 19, ErrResponseTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fl, tr := newFakeLoad()
			fl.dataLen = tt.dataLen
			d := newTestKP184(t, tr)
			_, err := d.GetStatus()
			if tt.want == nil {
				if err != nil {
					t.Errorf("GetStatus() failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("GetStatus() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestKP184_StatusException(t *testing.T) {
	fl, tr := newFakeLoad()
	fl.exception = 0x04
	d := newTestKP184(t, tr)
	var exc *ExceptionError
	if _, err := d.GetStatus(); !errors.As(err, &exc) || exc.Code != 0x04 {
		t.Errorf("GetStatus() = %v, want exception 0x04", err)
	}
}

func TestKP184_SetpointFrames(t *testing.T) {
	tests := []struct {
		name string
		set  func(*KP184) error
		want []byte
	}{
		{"voltage", func(d *KP184) error { return d.SetVoltage(12.345) },
			frame(0x01, 0x06, 0x01, 0x12, 0x00, 0x01, 0x04, 0x00, 0x00, 0x30, 0x39)},
		{"current", func(d *KP184) error { return d.SetCurrent(2) },
			frame(0x01, 0x06, 0x01, 0x16, 0x00, 0x01, 0x04, 0x00, 0x00, 0x07, 0xD0)},
		{"resistance", func(d *KP184) error { return d.SetResistance(100) },
			frame(0x01, 0x06, 0x01, 0x1A, 0x00, 0x01, 0x04, 0x00, 0x00, 0x03, 0xE8)},
		{"power", func(d *KP184) error { return d.SetPower(10) },
			frame(0x01, 0x06, 0x01, 0x1E, 0x00, 0x01, 0x04, 0x00, 0x00, 0x03, 0xE8)},
		{"output on", func(d *KP184) error { return d.SetOutput(true) },
			frame(0x01, 0x06, 0x01, 0x0E, 0x00, 0x01, 0x04, 0x00, 0x00, 0x00, 0x01)},
		{"mode CR", func(d *KP184) error { return d.SetMode(ModeCR) },
			frame(0x01, 0x06, 0x01, 0x10, 0x00, 0x01, 0x04, 0x00, 0x00, 0x00, 0x02)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, tr := newFakeLoad()
			d := newTestKP184(t, tr)
			if err := tt.set(d); err != nil {
				t.Fatalf("set failed: %v", err)
			}
			sent := tr.frames()
			if len(sent) != 1 || !bytes.Equal(sent[0], tt.want) {
				t.Errorf("sent % X, want % X", sent, tt.want)
			}
		})
	}
}

func TestKP184_SetpointRange(t *testing.T) {
	tests := []struct {
		mode Mode
		v    float64
	}{
		{ModeCC, 40.001},
		{ModeCC, -0.1},
		{ModeCV, 150.5},
		{ModeCR, 10000},
		{ModeCP, 401},
		{ModeCC, math.NaN()},
		{Mode(4), 1},
	}
	for _, tt := range tests {
		_, tr := newFakeLoad()
		d := newTestKP184(t, tr)
		if err := d.SetModeValue(tt.mode, tt.v); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetModeValue(%v, %g) = %v, want ErrInvalidArgument", tt.mode, tt.v, err)
		}
		if n := len(tr.frames()); n != 0 {
			t.Errorf("SetModeValue(%v, %g) sent %d frames", tt.mode, tt.v, n)
		}
	}
	_, tr := newFakeLoad()
	d := newTestKP184(t, tr)
	if err := d.SetMode(Mode(9)); !errors.Is(err, ErrInvalidArgument) || len(tr.frames()) != 0 {
		t.Errorf("SetMode(9) = %v with %d frames", err, len(tr.frames()))
	}
}

func TestEncodeSetpoint(t *testing.T) {
	tests := []struct {
		mode Mode
		v    float64
		want uint32
	}{
		{ModeCV, 12.345, 12345},
		{ModeCV, 150, 150000},
		{ModeCC, 0.001, 1},
		{ModeCR, 9999.9, 99999},
		{ModeCP, 0.29, 29},
		{ModeCP, 0, 0},
	}
	for _, tt := range tests {
		got, err := EncodeSetpoint(tt.mode, tt.v)
		if err != nil || got != tt.want {
			t.Errorf("EncodeSetpoint(%v, %g) = %d, %v; want %d", tt.mode, tt.v, got, err, tt.want)
		}
	}
}

func TestKP184_PresetEcho(t *testing.T) {
	fl, tr := newFakeLoad()
	fl.badEcho = true
	d := newTestKP184(t, tr)
	if err := d.SetOutput(false); !errors.Is(err, ErrEchoMismatch) {
		t.Errorf("SetOutput with bad echo = %v, want ErrEchoMismatch", err)
	}

	fl, tr = newFakeLoad()
	d = newTestKP184(t, tr)
	if err := d.SetMode(ModeCP); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if err := d.SetOutput(true); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}
	st, err := d.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !st.On || st.Mode != ModeCP {
		t.Errorf("status after presets = %v", st)
	}
	if fl.regs[RegOnOff] != 1 || fl.regs[RegMode] != uint32(ModeCP) {
		t.Errorf("device registers = %v", fl.regs)
	}
}

func TestKP184_Address(t *testing.T) {
	_, tr := newFakeLoad()
	d := newTestKP184(t, tr)
	if err := d.SetAddress(251); err == nil {
		t.Error("SetAddress(251) accepted")
	}
	if err := d.SetAddress(17); err != nil {
		t.Fatalf("SetAddress(17) failed: %v", err)
	}
	if _, err := d.GetStatus(); err != nil {
		t.Fatalf("GetStatus at address 17 failed: %v", err)
	}
	if got := tr.frames()[0][0]; got != 17 {
		t.Errorf("request address = %d, want 17", got)
	}
	if err := d.Reopen(); err != nil || tr.reopens != 1 {
		t.Errorf("Reopen() = %v, reopens %d", err, tr.reopens)
	}
	if err := d.Close(); err != nil || !tr.closed {
		t.Errorf("Close() = %v, closed %v", err, tr.closed)
	}
}
