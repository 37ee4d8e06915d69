package serial

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Channel selects one of the four analog lines, or all of them.
type Channel int

// AllChannels addresses every channel; on the wire it is the suffix 'a'.
const AllChannels Channel = 'a'

// Channels lists the individually addressable channels in fan-out order.
var Channels = [4]Channel{0, 1, 2, 3}

func (c Channel) valid() bool { return c >= 0 && c <= 3 }

// String implements fmt.Stringer.
func (c Channel) String() string {
	if c == AllChannels {
		return "all"
	}
	return strconv.Itoa(int(c))
}

// suffix is the character appended to per-channel command letters.
func (c Channel) suffix() string {
	if c == AllChannels {
		return "a"
	}
	return strconv.Itoa(int(c))
}

// ParseChannel accepts "0".."3", "all" or "a".
func ParseChannel(s string) (Channel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "all" || s == "a" {
		return AllChannels, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Channel(n).valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return Channel(n), nil
}

// Waveform is the ramp generator's function.
type Waveform int

const (
	Triangle Waveform = iota
	Sine
	Square
)

// String implements fmt.Stringer.
func (w Waveform) String() string {
	switch w {
	case Triangle:
		return "triangle"
	case Sine:
		return "sine"
	case Square:
		return "square"
	default:
		return fmt.Sprintf("Waveform(%d)", int(w))
	}
}

// ParseWaveform accepts triangle, sine (or sin) and square.
func ParseWaveform(s string) (Waveform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "triangle":
		return Triangle, nil
	case "sine", "sin":
		return Sine, nil
	case "square":
		return Square, nil
	}
	return 0, fmt.Errorf("%w: waveform %q", ErrOutOfRange, s)
}

// RampConfig mirrors one channel's on-device waveform generator.
type RampConfig struct {
	On        bool          `json:"on"`
	Period    time.Duration `json:"period"`
	Amplitude float64       `json:"amplitude"`
	Offset    float64       `json:"offset"`
	Phase     float64       `json:"phase"`
	Function  Waveform      `json:"function"`
}

// DefaultRamp is the state the shield is put into at session start.
var DefaultRamp = RampConfig{
	On:        false,
	Period:    100 * time.Millisecond,
	Amplitude: 5,
	Offset:    0,
	Phase:     0,
	Function:  Triangle,
}

// Ramp parameter limits.
const (
	MinPeriod    = time.Millisecond
	MaxPeriod    = MaxArg * time.Millisecond
	MaxAmplitude = 5.0
	MaxVolts     = 5.0
	MaxPhase     = 100.0
)

func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi // false for NaN
}

func checkPeriod(p time.Duration) error {
	if p < MinPeriod || p > MaxPeriod || p%time.Millisecond != 0 {
		return fmt.Errorf("%w: period %v must be whole milliseconds in [%v, %v]", ErrOutOfRange, p, MinPeriod, MaxPeriod)
	}
	return nil
}

func checkAmplitude(a float64) error {
	if !inRange(a, 0, MaxAmplitude) {
		return fmt.Errorf("%w: amplitude %v must be in [0, %v] V", ErrOutOfRange, a, MaxAmplitude)
	}
	return nil
}

func checkOffset(o float64) error {
	if !inRange(o, -MaxVolts, MaxVolts) {
		return fmt.Errorf("%w: offset %v must be in [-%v, %v] V", ErrOutOfRange, o, MaxVolts, MaxVolts)
	}
	return nil
}

func checkPhase(p float64) error {
	if !inRange(p, 0, MaxPhase) {
		return fmt.Errorf("%w: phase %v must be in [0, %v] %%", ErrOutOfRange, p, MaxPhase)
	}
	return nil
}

func checkWaveform(w Waveform) error {
	if w < Triangle || w > Square {
		return fmt.Errorf("%w: waveform %d", ErrOutOfRange, int(w))
	}
	return nil
}

// Validate checks every field against the generator's limits.
func (r RampConfig) Validate() error {
	for _, err := range []error{
		checkPeriod(r.Period),
		checkAmplitude(r.Amplitude),
		checkOffset(r.Offset),
		checkPhase(r.Phase),
		checkWaveform(r.Function),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
