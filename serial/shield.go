package serial

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/CK6170/AnalogShield-go/models"
	"github.com/sirupsen/logrus"
)

// DefaultWarmupSamples is how many ADC samples per channel are read and
// discarded at startup. The first few conversions after power-up come back
// as 0x0000 or near it.
const DefaultWarmupSamples = 5

// Warning is a soft condition: the operation went ahead uncorrected.
type Warning struct {
	Direction models.Direction
	Channel   Channel
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s channel %s is not yet calibrated", w.Direction, w.Channel)
}

// Is makes errors.Is(w, ErrUncalibrated) hold.
func (w Warning) Is(target error) bool { return target == ErrUncalibrated }

// Options configure a Shield.
type Options struct {
	// Calibration preloads the correction table (may be nil).
	Calibration *models.CALIBRATION
	// WarmupSamples per channel discarded at startup; 0 uses the default,
	// negative skips warm-up.
	WarmupSamples int
	// OnWarning receives uncalibrated-channel diagnostics. Defaults to a
	// Warn-level log entry.
	OnWarning func(Warning)
	Log       logrus.FieldLogger
	// Timeout per exchange; 0 uses DefaultTimeout, negative disables it.
	Timeout time.Duration
	// Poll is the wait after an empty read; 0 uses 1ms.
	Poll time.Duration
	// OnTransact observes every exchange.
	OnTransact func(id string, d time.Duration, err error)
	// SkipReset leaves the device state untouched on construction.
	SkipReset bool
}

// Shield is one session with an AnalogShield board.
//
// All device I/O goes through conn, which serializes single exchanges. op
// serializes whole device operations so a ramp's channel select and its
// parameter command are never split by another caller. mu guards the ramp
// cache and the correction table.
type Shield struct {
	conn *Conn
	log  logrus.FieldLogger
	warn func(Warning)

	op sync.Mutex

	mu    sync.RWMutex
	ramps [4]RampConfig
	cal   *models.CALIBRATION
}

// NewShield takes ownership of t, puts the device into its baseline state
// and swallows the spurious first ADC conversions.
func NewShield(ctx context.Context, t Transport, opts Options) (*Shield, error) {
	conn := NewConn(t)
	switch {
	case opts.Timeout > 0:
		conn.Timeout = opts.Timeout
	case opts.Timeout < 0:
		conn.Timeout = 0
	}
	if opts.Poll > 0 {
		conn.Poll = opts.Poll
	}
	if opts.Log != nil {
		conn.Log = opts.Log
	}
	conn.OnTransact = opts.OnTransact
	s := &Shield{
		conn: conn,
		log:  opts.Log,
		warn: opts.OnWarning,
		cal:  opts.Calibration.Clone(),
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.warn == nil {
		s.warn = func(w Warning) {
			s.log.WithFields(logrus.Fields{"direction": w.Direction, "channel": w.Channel}).Warn(w.Error())
		}
	}
	for i := range s.ramps {
		s.ramps[i] = DefaultRamp
	}
	if opts.SkipReset {
		return s, nil
	}
	if err := s.Reset(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	warm := opts.WarmupSamples
	if warm == 0 {
		warm = DefaultWarmupSamples
	}
	if warm > 0 {
		for _, ch := range Channels {
			if _, err := s.AnalogReadRaw(ctx, ch, warm); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("warm-up read channel %s: %w", ch, err)
			}
		}
	}
	return s, nil
}

// Reset puts the device into the known baseline: queue off, ramps off with
// default parameters, all DAC outputs at 0 V.
func (s *Shield) Reset(ctx context.Context) error {
	d := DefaultRamp
	steps := []func() error{
		func() error { return s.QueueOff(ctx) },
		func() error { return s.RampOff(ctx, AllChannels) },
		func() error { return s.SetRampPeriod(ctx, AllChannels, d.Period) },
		func() error { return s.SetRampAmplitude(ctx, AllChannels, d.Amplitude) },
		func() error { return s.SetRampOffset(ctx, AllChannels, d.Offset) },
		func() error { return s.SetRampPhase(ctx, AllChannels, d.Phase) },
		func() error { return s.SetRampFunction(ctx, AllChannels, d.Function) },
		func() error { return s.AnalogWriteRaw(ctx, AllChannels, 0) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return nil
}

// Close releases the transport.
func (s *Shield) Close() error { return s.conn.Close() }

// Conn exposes the protocol engine for raw commands.
func (s *Shield) Conn() *Conn { return s.conn }

func (s *Shield) send(ctx context.Context, id string, arg int) (string, error) {
	s.op.Lock()
	defer s.op.Unlock()
	return s.sendLocked(ctx, id, arg)
}

// sendLocked requires s.op.
func (s *Shield) sendLocked(ctx context.Context, id string, arg int) (string, error) {
	return s.conn.Transact(ctx, Command{ID: id, Arg: arg})
}

// AnalogWrite sets a DAC output, mapping volts through the channel's DAC
// correction when one exists.
func (s *Shield) AnalogWrite(ctx context.Context, ch Channel, volts float64) error {
	return s.analogWrite(ctx, ch, volts, true)
}

// AnalogWriteRaw sets a DAC output without correction.
func (s *Shield) AnalogWriteRaw(ctx context.Context, ch Channel, volts float64) error {
	return s.analogWrite(ctx, ch, volts, false)
}

func (s *Shield) analogWrite(ctx context.Context, ch Channel, volts float64, correct bool) error {
	if !ch.valid() && ch != AllChannels {
		return fmt.Errorf("analog write: %w: %d", ErrInvalidChannel, int(ch))
	}
	if !inRange(volts, -MaxVolts, MaxVolts) {
		return fmt.Errorf("analog write channel %s: %w: %v V", ch, ErrOutOfRange, volts)
	}
	// Broadcast writes are never corrected: four channels have four fits.
	if correct && ch != AllChannels {
		if fit := s.correction(models.DAC, ch); fit != nil {
			volts = math.Max(-MaxVolts, math.Min(MaxVolts, fit.Apply(volts)))
		} else {
			s.warn(Warning{Direction: models.DAC, Channel: ch})
		}
	}
	_, err := s.send(ctx, "v"+ch.suffix(), VoltsToBits(volts))
	return err
}

// AnalogRead takes samples back-to-back from an ADC channel and returns them
// in volts, corrected when the channel has an ADC fit.
func (s *Shield) AnalogRead(ctx context.Context, ch Channel, samples int) ([]float64, error) {
	return s.analogRead(ctx, ch, samples, true)
}

// AnalogReadRaw is AnalogRead without correction.
func (s *Shield) AnalogReadRaw(ctx context.Context, ch Channel, samples int) ([]float64, error) {
	return s.analogRead(ctx, ch, samples, false)
}

func (s *Shield) analogRead(ctx context.Context, ch Channel, samples int, correct bool) ([]float64, error) {
	if !ch.valid() {
		return nil, fmt.Errorf("analog read: %w: %d", ErrInvalidChannel, int(ch))
	}
	if samples < 1 || samples > MaxArg {
		return nil, fmt.Errorf("analog read channel %s: %w: %d samples", ch, ErrOutOfRange, samples)
	}
	resp, err := s.send(ctx, "A"+ch.suffix(), samples)
	if err != nil {
		return nil, err
	}
	bits, err := DecodeFields(resp)
	if err != nil {
		return nil, fmt.Errorf("analog read channel %s: %w", ch, err)
	}
	volts := make([]float64, len(bits))
	for i, b := range bits {
		volts[i] = BitsToVolts(b)
	}
	if !correct {
		return volts, nil
	}
	fit := s.correction(models.ADC, ch)
	if fit == nil {
		s.warn(Warning{Direction: models.ADC, Channel: ch})
		return volts, nil
	}
	for i, v := range volts {
		volts[i] = fit.Apply(v)
	}
	return volts, nil
}

// QueueOn enables the firmware's command queue mode.
func (s *Shield) QueueOn(ctx context.Context) error {
	_, err := s.send(ctx, "qm", 1)
	return err
}

// QueueOff disables the firmware's command queue mode.
func (s *Shield) QueueOff(ctx context.Context) error {
	_, err := s.send(ctx, "qm", 0)
	return err
}

func (s *Shield) correction(dir models.Direction, ch Channel) *models.FIT {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f := s.cal.Get(dir, int(ch))
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

// Timeout is the per-exchange bound in effect; 0 means unbounded.
func (s *Shield) Timeout() time.Duration { return s.conn.Timeout }

// Calibration returns a copy of the correction table.
func (s *Shield) Calibration() *models.CALIBRATION {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cal.Clone()
}

// SetCalibration replaces the whole correction table.
func (s *Shield) SetCalibration(c *models.CALIBRATION) {
	s.mu.Lock()
	s.cal = c.Clone()
	s.mu.Unlock()
}

// SetCorrection replaces one entry of the correction table; nil clears it.
func (s *Shield) SetCorrection(dir models.Direction, ch Channel, f *models.FIT) error {
	if !ch.valid() {
		return fmt.Errorf("set correction: %w: %d", ErrInvalidChannel, int(ch))
	}
	s.mu.Lock()
	s.cal.Set(dir, int(ch), f)
	s.mu.Unlock()
	return nil
}

// SetADCCorrection replaces the ADC fit for ch.
func (s *Shield) SetADCCorrection(ch Channel, f *models.FIT) error {
	return s.SetCorrection(models.ADC, ch, f)
}

// SetDACCorrection replaces the DAC fit for ch.
func (s *Shield) SetDACCorrection(ch Channel, f *models.FIT) error {
	return s.SetCorrection(models.DAC, ch, f)
}

// Ramp returns the cached generator settings for ch without device I/O.
func (s *Shield) Ramp(ch Channel) (RampConfig, error) {
	if !ch.valid() {
		return RampConfig{}, fmt.Errorf("ramp: %w: %d", ErrInvalidChannel, int(ch))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ramps[ch], nil
}

// RampRunning reports whether ch's generator is on (cached).
func (s *Shield) RampRunning(ch Channel) (bool, error) {
	r, err := s.Ramp(ch)
	return r.On, err
}

// RampOn starts the generator on ch (or all channels).
func (s *Shield) RampOn(ctx context.Context, ch Channel) error {
	return s.rampSet(ctx, ch, "r1", 0, nil, func(r *RampConfig) { r.On = true })
}

// RampOff stops the generator on ch (or all channels).
func (s *Shield) RampOff(ctx context.Context, ch Channel) error {
	return s.rampSet(ctx, ch, "r0", 0, nil, func(r *RampConfig) { r.On = false })
}

// SetRampPeriod sets the waveform period (whole milliseconds).
func (s *Shield) SetRampPeriod(ctx context.Context, ch Channel, period time.Duration) error {
	return s.rampSet(ctx, ch, "rp", int(period/time.Millisecond), checkPeriod(period),
		func(r *RampConfig) { r.Period = period })
}

// SetRampAmplitude sets V_max - V_average, 0..5 V.
func (s *Shield) SetRampAmplitude(ctx context.Context, ch Channel, amp float64) error {
	return s.rampSet(ctx, ch, "ra", VoltsToBits(amp), checkAmplitude(amp),
		func(r *RampConfig) { r.Amplitude = amp })
}

// SetRampOffset sets V_average, -5..5 V.
func (s *Shield) SetRampOffset(ctx context.Context, ch Channel, offset float64) error {
	return s.rampSet(ctx, ch, "ro", VoltsToBits(offset), checkOffset(offset),
		func(r *RampConfig) { r.Offset = offset })
}

// SetRampPhase sets the phase shift as a percentage of the period.
func (s *Shield) SetRampPhase(ctx context.Context, ch Channel, phase float64) error {
	return s.rampSet(ctx, ch, "rs", PercentToBits(phase), checkPhase(phase),
		func(r *RampConfig) { r.Phase = phase })
}

// SetRampFunction selects triangle, sine or square.
func (s *Shield) SetRampFunction(ctx context.Context, ch Channel, w Waveform) error {
	return s.rampSet(ctx, ch, "rf", int(w), checkWaveform(w),
		func(r *RampConfig) { r.Function = w })
}

// rampSet validates, then selects the channel and sends the parameter while
// holding s.op. AllChannels fans out over 0..3 in order under one hold and
// stops at the first failure, leaving earlier channels updated.
func (s *Shield) rampSet(ctx context.Context, ch Channel, id string, arg int, verr error, apply func(*RampConfig)) error {
	if verr != nil {
		return fmt.Errorf("ramp %s channel %s: %w", id, ch, verr)
	}
	targets := []Channel{ch}
	if ch == AllChannels {
		targets = Channels[:]
	} else if !ch.valid() {
		return fmt.Errorf("ramp %s: %w: %d", id, ErrInvalidChannel, int(ch))
	}

	s.op.Lock()
	defer s.op.Unlock()
	for _, c := range targets {
		if _, err := s.sendLocked(ctx, "rc", int(c)); err != nil {
			return fmt.Errorf("ramp %s channel %s: %w", id, c, err)
		}
		if _, err := s.sendLocked(ctx, id, arg); err != nil {
			return fmt.Errorf("ramp %s channel %s: %w", id, c, err)
		}
		s.mu.Lock()
		apply(&s.ramps[c])
		s.mu.Unlock()
	}
	return nil
}
