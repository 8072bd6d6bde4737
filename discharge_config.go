package kp184

import (
	"fmt"
	"time"
)

// Discharge run defaults.
const (
	DefaultInterval        = time.Second
	MinInterval            = 200 * time.Millisecond
	DefaultBaselineSamples = 3
	DefaultDebounceSamples = 3
	DefaultInterframeDelay = 10 * time.Millisecond
	MinLowVoltage          = 0.1

	// Below this interval the output file stays open for the whole run.
	persistInterval = 500 * time.Millisecond
	settleDelay     = 300 * time.Millisecond
	retryDelay      = time.Second
)

// DischargeConfig describes one discharge run.
type DischargeConfig struct {
	Mode Mode
	Load float64 // setpoint in the unit of Mode

	LowVoltage  float64 // V, ends the run after DebounceSamples
	HalfVoltage float64 // V, halves the load once; <= 0 disables
	LowCurrent  float64 // A, ends the loaded run after DebounceSamples; < 0 disables
	HighCurrent float64 // A, switches the load off at once; < 0 disables
	MaxDuration time.Duration // load time limit; 0 disables

	Interval        time.Duration
	BaselineSamples uint64 // no-load samples before the output is switched on
	DebounceSamples uint64
	InterframeDelay time.Duration

	// Output, consumed by whoever builds the sink.
	OutputPath string
	Append     bool
	Quiet      bool
}

// DefaultDischargeConfig returns a 1 A constant current run with the
// thresholds disabled except the mandatory low voltage one.
func DefaultDischargeConfig() DischargeConfig {
	return DischargeConfig{
		Mode:            ModeCC,
		Load:            1,
		LowVoltage:      MinLowVoltage,
		HalfVoltage:     -1,
		LowCurrent:      -1,
		HighCurrent:     -1,
		Interval:        DefaultInterval,
		BaselineSamples: DefaultBaselineSamples,
		DebounceSamples: DefaultDebounceSamples,
		InterframeDelay: DefaultInterframeDelay,
		Append:          true,
	}
}

// Validate checks the config before any device access.
func (c DischargeConfig) Validate() error {
	if _, err := EncodeSetpoint(c.Mode, c.Load); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if c.LowVoltage < MinLowVoltage {
		return fmt.Errorf("%w: voltage threshold minimum value is %gV", ErrInvalidConfig, MinLowVoltage)
	}
	if c.HalfVoltage > 0 && c.HalfVoltage < c.LowVoltage {
		return fmt.Errorf("%w: half load voltage threshold can't be lower than voltage threshold", ErrInvalidConfig)
	}
	if c.Interval < MinInterval {
		return fmt.Errorf("%w: minimum sample interval is %v", ErrInvalidConfig, MinInterval)
	}
	if c.DebounceSamples == 0 {
		return fmt.Errorf("%w: threshold sample count should be greater than 0", ErrInvalidConfig)
	}
	if c.MaxDuration < 0 {
		return fmt.Errorf("%w: negative maximum load time", ErrInvalidConfig)
	}
	if c.InterframeDelay < 0 {
		return fmt.Errorf("%w: negative interframe delay", ErrInvalidConfig)
	}
	return nil
}

// Persist reports whether the output should stay open between samples.
func (c DischargeConfig) Persist() bool { return c.Interval < persistInterval }

func (c DischargeConfig) String() string {
	s := fmt.Sprintf("Mode: %s\nLoad: %g %s\nLow voltage threshold: %g V\n", c.Mode, c.Load, c.Mode.Unit(), c.LowVoltage)
	if c.HalfVoltage > 0 {
		s += fmt.Sprintf("HL threshold: %g V\n", c.HalfVoltage)
	}
	if c.LowCurrent >= 0 {
		s += fmt.Sprintf("Low current threshold: %g A\n", c.LowCurrent)
	}
	if c.HighCurrent >= 0 {
		s += fmt.Sprintf("High current threshold: %g A\n", c.HighCurrent)
	}
	if c.MaxDuration > 0 {
		s += fmt.Sprintf("Maximum load time: %s\n", FormatHMS(c.MaxDuration))
	}
	s += fmt.Sprintf("Interval: %g s\nNo load samples: %d\nThreshold samples: %d\n",
		c.Interval.Seconds(), c.BaselineSamples, c.DebounceSamples)
	if c.OutputPath != "" {
		s += fmt.Sprintf("CSV file: %s\n", c.OutputPath)
	}
	return s
}
